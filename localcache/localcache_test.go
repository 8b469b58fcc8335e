package localcache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbusdb/coord/store"
)

func TestPutThenGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "warmstart.db")
	c, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	entry := store.NewEntry("/a", []byte("v1"), time.Now())
	c.Put(ctx, "/a", entry)

	require.Eventually(t, func() bool {
		_, ok := c.Get("/a")
		return ok
	}, time.Second, time.Millisecond)

	cached, ok := c.Get("/a")
	require.True(t, ok)
	require.Equal(t, []byte("v1"), cached.Value)
}

func TestDeleteRemovesCachedEntry(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "warmstart.db")
	c, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	entry := store.NewEntry("/a", nil, time.Now())
	c.Put(ctx, "/a", entry)
	require.Eventually(t, func() bool {
		_, ok := c.Get("/a")
		return ok
	}, time.Second, time.Millisecond)

	c.Delete(ctx, "/a")
	require.Eventually(t, func() bool {
		_, ok := c.Get("/a")
		return !ok
	}, time.Second, time.Millisecond)
}

func TestGetMissingPathReturnsFalse(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "warmstart.db")
	c, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, ok := c.Get("/missing")
	require.False(t, ok)
}
