package invalidate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInvokeRunsAllCallbacksConcurrently(t *testing.T) {
	d := New()
	var calls int32
	d.Register("/a", func(ctx context.Context, path string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	d.Register("/a", func(ctx context.Context, path string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	require.NoError(t, d.Invoke(context.Background(), "/a"))
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestInvokeOnUnregisteredPathIsNoOp(t *testing.T) {
	d := New()
	require.NoError(t, d.Invoke(context.Background(), "/never-registered"))
}

func TestInvokeAggregatesFailuresButRunsOthers(t *testing.T) {
	d := New()
	var ran int32
	d.Register("/a", func(ctx context.Context, path string) error {
		atomic.AddInt32(&ran, 1)
		return errors.New("boom")
	})
	d.Register("/a", func(ctx context.Context, path string) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	err := d.Invoke(context.Background(), "/a")
	require.Error(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&ran))
}

func TestUnregisterStopsFutureInvocations(t *testing.T) {
	d := New()
	var calls int32
	reg := d.Register("/a", func(ctx context.Context, path string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	d.Unregister("/a", reg)

	require.NoError(t, d.Invoke(context.Background(), "/a"))
	require.EqualValues(t, 0, atomic.LoadInt32(&calls))
}
