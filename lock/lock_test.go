package lock

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/streamlog/streamlog/internal/coordtest"
	"github.com/streamlog/streamlog/types"
)

func newTestLock(coord types.Coordinator) *Lock {
	return New(coord, "/locks/stream-a", WithRegisterer(prometheus.NewRegistry()))
}

func TestAcquireUncontended(t *testing.T) {
	coord := coordtest.New()
	l := newTestLock(coord)
	require.NoError(t, l.Acquire(context.Background(), "writer"))
	require.NoError(t, l.CheckOwnership())
}

func TestReentrantAcquireByDifferentReason(t *testing.T) {
	coord := coordtest.New()
	l := newTestLock(coord)
	require.NoError(t, l.Acquire(context.Background(), "writer"))
	require.NoError(t, l.Acquire(context.Background(), "reader"))

	require.NoError(t, l.Release(context.Background(), "writer"))
	require.NoError(t, l.CheckOwnership())

	require.NoError(t, l.Release(context.Background(), "reader"))
}

func TestSecondAcquireWaitsForPredecessorDeletion(t *testing.T) {
	coord := coordtest.New()
	ctx := context.Background()

	first := newTestLock(coord)
	require.NoError(t, first.Acquire(ctx, "writer"))

	second := newTestLock(coord)
	acquired := make(chan error, 1)
	go func() { acquired <- second.Acquire(ctx, "writer") }()

	select {
	case <-acquired:
		t.Fatal("second lock should not acquire while first holds it")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Release(ctx, "writer"))

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired after predecessor released")
	}
}

func TestSessionExpiryBroadcastsToObservers(t *testing.T) {
	coord := coordtest.New()
	l := newTestLock(coord)
	require.NoError(t, l.Acquire(context.Background(), "writer"))

	notified := make(chan struct{})
	l.AddObserver(observerFunc(func() { close(notified) }))

	coord.ExpireSession()

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("observer was not notified of session expiry")
	}
	require.ErrorIs(t, l.CheckOwnership(), types.ErrFenced)
}

func TestAcquireAfterExpiryFails(t *testing.T) {
	coord := coordtest.New()
	l := newTestLock(coord)
	require.NoError(t, l.Acquire(context.Background(), "writer"))
	coord.ExpireSession()

	err := l.Acquire(context.Background(), "another")
	require.ErrorIs(t, err, types.ErrFenced)
}

func TestIsReservedName(t *testing.T) {
	require.True(t, IsReservedName(".hidden"))
	require.True(t, IsReservedName("a/b"))
	require.False(t, IsReservedName("normal-stream"))
}

type observerFunc func()

func (f observerFunc) OnSessionExpired() { f() }
