// Package directory maps display names to identities for whisper addressing.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/realmchat/internal/chat"
)

// ErrNameTaken reports a display name already held by another user. The
// newcomer is still known by id but does not resolve by that name.
var ErrNameTaken = errors.New("display name held by another user")

// Store persists identities so recipients resolve across restarts.
type Store interface {
	SaveIdentity(ctx context.Context, identity chat.Identity) error
	ListIdentities(ctx context.Context) ([]chat.Identity, error)
}

// Directory is an in-memory name index backed by an optional Store.
type Directory struct {
	store Store
	log   zerolog.Logger

	mu     sync.RWMutex
	byName map[string]chat.Identity
	byID   map[string]chat.Identity
}

func New(store Store, log zerolog.Logger) *Directory {
	return &Directory{
		store:  store,
		log:    log.With().Str("component", "directory").Logger(),
		byName: make(map[string]chat.Identity),
		byID:   make(map[string]chat.Identity),
	}
}

// Load fills the index from the store.
func (d *Directory) Load(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	ids, err := d.store.ListIdentities(ctx)
	if err != nil {
		return fmt.Errorf("list identities: %w", err)
	}
	d.mu.Lock()
	for _, id := range ids {
		if holder, taken := d.indexLocked(id); taken {
			d.logCollision(id, holder)
		}
	}
	d.mu.Unlock()
	d.log.Info().Int("identities", len(ids)).Msg("directory loaded")
	return nil
}

// Remember records an authenticated identity. A changed display name replaces
// the old one. The in-memory index is updated even if the store write fails.
// A name already held by another user stays with that user and Remember
// reports ErrNameTaken.
func (d *Directory) Remember(ctx context.Context, identity chat.Identity) error {
	if !identity.Valid() {
		return chat.ErrInvalidIdentity
	}
	d.mu.Lock()
	prev, known := d.byID[identity.UserID]
	changed := !known || prev.Name() != identity.Name()
	holder, taken := d.indexLocked(identity)
	d.mu.Unlock()

	var errs []error
	if taken {
		d.logCollision(identity, holder)
		errs = append(errs, fmt.Errorf("%q for %s: %w", identity.Name(), identity.UserID, ErrNameTaken))
	}
	if changed && d.store != nil {
		if err := d.store.SaveIdentity(ctx, identity); err != nil {
			errs = append(errs, fmt.Errorf("save identity %s: %w", identity.UserID, err))
		}
	}
	return errors.Join(errs...)
}

// Resolve finds an identity by display name, ignoring case and surrounding
// whitespace.
func (d *Directory) Resolve(name string) (chat.Identity, bool) {
	key := chat.NormalizeName(name)
	if key == "" {
		return chat.Identity{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byName[key]
	return id, ok
}

// Len returns the number of known identities.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

// indexLocked records identity by id and claims its name unless another user
// holds it, in which case the holder is returned. A name given up by a rename
// passes to the next user still carrying it.
func (d *Directory) indexLocked(identity chat.Identity) (chat.Identity, bool) {
	key := chat.NormalizeName(identity.Name())
	if prev, ok := d.byID[identity.UserID]; ok {
		if old := chat.NormalizeName(prev.Name()); old != key {
			if cur, ok := d.byName[old]; ok && cur.UserID == identity.UserID {
				delete(d.byName, old)
				d.byID[identity.UserID] = identity
				d.reassignLocked(old)
			}
		}
	}
	d.byID[identity.UserID] = identity

	if holder, ok := d.byName[key]; ok && holder.UserID != identity.UserID {
		return holder, true
	}
	d.byName[key] = identity
	return chat.Identity{}, false
}

// reassignLocked gives a freed name to the remaining user with the lowest id
// that still carries it.
func (d *Directory) reassignLocked(key string) {
	var next chat.Identity
	for _, id := range d.byID {
		if chat.NormalizeName(id.Name()) != key {
			continue
		}
		if next.UserID == "" || id.UserID < next.UserID {
			next = id
		}
	}
	if next.UserID != "" {
		d.byName[key] = next
	}
}

func (d *Directory) logCollision(identity, holder chat.Identity) {
	d.log.Warn().
		Str("name", identity.Name()).
		Str("user_id", identity.UserID).
		Str("holder_id", holder.UserID).
		Msg("display name already taken, whispers keep resolving to the holder")
}
