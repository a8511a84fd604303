package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/realmchat/internal/chat"
)

type memoryStore struct {
	saved []chat.Identity
	fail  bool
}

func (m *memoryStore) SaveIdentity(_ context.Context, id chat.Identity) error {
	if m.fail {
		return errors.New("disk full")
	}
	m.saved = append(m.saved, id)
	return nil
}

func (m *memoryStore) ListIdentities(context.Context) ([]chat.Identity, error) {
	return m.saved, nil
}

func TestResolveIsCaseAndSpaceInsensitive(t *testing.T) {
	req := require.New(t)
	d := New(nil, zerolog.Nop())
	req.NoError(d.Remember(context.Background(), chat.Identity{UserID: "u1", DisplayName: "Bob"}))

	for _, name := range []string{"Bob", "BOB", " bob ", "bOb\t"} {
		got, ok := d.Resolve(name)
		req.True(ok, name)
		req.Equal("u1", got.UserID)
	}
	_, ok := d.Resolve("   ")
	req.False(ok)
	_, ok = d.Resolve("robert")
	req.False(ok)
}

func TestRenameReplacesOldName(t *testing.T) {
	req := require.New(t)
	store := &memoryStore{}
	d := New(store, zerolog.Nop())
	ctx := context.Background()

	req.NoError(d.Remember(ctx, chat.Identity{UserID: "u1", DisplayName: "Bob"}))
	req.NoError(d.Remember(ctx, chat.Identity{UserID: "u1", DisplayName: "Bob"}))
	req.NoError(d.Remember(ctx, chat.Identity{UserID: "u1", DisplayName: "Robert"}))

	_, ok := d.Resolve("bob")
	req.False(ok)
	got, ok := d.Resolve("robert")
	req.True(ok)
	req.Equal("u1", got.UserID)
	req.Equal(1, d.Len())
	req.Len(store.saved, 2, "unchanged identity is not rewritten")
}

func TestLoadRestoresIdentities(t *testing.T) {
	req := require.New(t)
	store := &memoryStore{saved: []chat.Identity{{UserID: "u1", DisplayName: "Ann"}, {UserID: "u2"}}}
	d := New(store, zerolog.Nop())
	req.NoError(d.Load(context.Background()))

	_, ok := d.Resolve("ann")
	req.True(ok)
	got, ok := d.Resolve("U2")
	req.True(ok, "identity without display name resolves by user id")
	req.Equal("u2", got.UserID)
}

func TestRememberIndexesEvenWhenStoreFails(t *testing.T) {
	req := require.New(t)
	d := New(&memoryStore{fail: true}, zerolog.Nop())

	err := d.Remember(context.Background(), chat.Identity{UserID: "u9", DisplayName: "Zed"})
	req.Error(err)
	_, ok := d.Resolve("zed")
	req.True(ok)

	req.ErrorIs(d.Remember(context.Background(), chat.Identity{}), chat.ErrInvalidIdentity)
}

func TestDuplicateNameStaysWithFirstHolder(t *testing.T) {
	req := require.New(t)
	store := &memoryStore{}
	d := New(store, zerolog.Nop())
	ctx := context.Background()

	req.NoError(d.Remember(ctx, chat.Identity{UserID: "u1", DisplayName: "Bob"}))
	err := d.Remember(ctx, chat.Identity{UserID: "u2", DisplayName: "bob"})
	req.ErrorIs(err, ErrNameTaken)

	got, ok := d.Resolve("Bob")
	req.True(ok)
	req.Equal("u1", got.UserID, "a later connection does not steal the name")
	req.Equal(2, d.Len())
	req.Len(store.saved, 2, "the newcomer is still persisted")

	// Reconnecting the holder keeps the name.
	req.NoError(d.Remember(ctx, chat.Identity{UserID: "u1", DisplayName: "Bob"}))
	got, _ = d.Resolve("bob")
	req.Equal("u1", got.UserID)
}

func TestRenamedHolderReleasesNameToOtherClaimant(t *testing.T) {
	req := require.New(t)
	d := New(nil, zerolog.Nop())
	ctx := context.Background()

	req.NoError(d.Remember(ctx, chat.Identity{UserID: "u1", DisplayName: "Bob"}))
	req.ErrorIs(d.Remember(ctx, chat.Identity{UserID: "u2", DisplayName: "Bob"}), ErrNameTaken)
	req.NoError(d.Remember(ctx, chat.Identity{UserID: "u1", DisplayName: "Robert"}))

	got, ok := d.Resolve("bob")
	req.True(ok)
	req.Equal("u2", got.UserID)
	got, ok = d.Resolve("robert")
	req.True(ok)
	req.Equal("u1", got.UserID)
}

func TestLoadKeepsFirstStoredHolderOfAName(t *testing.T) {
	req := require.New(t)
	store := &memoryStore{saved: []chat.Identity{
		{UserID: "u1", DisplayName: "Ann"},
		{UserID: "u2", DisplayName: "ANN"},
	}}
	d := New(store, zerolog.Nop())
	req.NoError(d.Load(context.Background()))

	got, ok := d.Resolve("ann")
	req.True(ok)
	req.Equal("u1", got.UserID)
	req.Equal(2, d.Len())
}
