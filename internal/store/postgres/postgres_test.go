package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/realmchat/internal/store"
	"github.com/Tyrowin/realmchat/internal/store/storetest"
)

// Runs against a disposable database named by TEST_POSTGRES_URL.
func TestConformance(t *testing.T) {
	url := os.Getenv("TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TEST_POSTGRES_URL not set")
	}
	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		s, err := Open(ctx, url)
		require.NoError(t, err)
		_, err = s.pool.Exec(ctx, `TRUNCATE messages, users, friendships`)
		require.NoError(t, err)
		return s
	})
}
