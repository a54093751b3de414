package readahead

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/streamlog/streamlog/internal/storetest"
)

func TestWorkerFetchesAvailableEntriesIntoCache(t *testing.T) {
	store := storetest.New()
	ctx := context.Background()
	handle, err := store.Create(ctx, 1)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := handle.Append(ctx, []byte{byte(i)})
		require.NoError(t, err)
	}

	reader, err := store.OpenForRead(ctx, 1)
	require.NoError(t, err)

	w := New(reader, 0,
		WithRegisterer(prometheus.NewRegistry()),
		WithPollInterval(5*time.Millisecond),
		WithBatchSizes(2, 4),
	)
	w.Start(ctx)
	defer w.Stop()

	require.Eventually(t, func() bool { return w.Cache().Len() == 10 }, time.Second, 5*time.Millisecond)

	for i := int64(0); i < 10; i++ {
		v, ok := w.Cache().Get(i)
		require.True(t, ok)
		require.Equal(t, []byte{byte(i)}, v)
	}
}

func TestWorkerBatchGrowsExponentiallyUpToMax(t *testing.T) {
	store := storetest.New()
	ctx := context.Background()
	handle, err := store.Create(ctx, 1)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, err := handle.Append(ctx, []byte{byte(i)})
		require.NoError(t, err)
	}

	reader, err := store.OpenForRead(ctx, 1)
	require.NoError(t, err)

	w := New(reader, 0,
		WithRegisterer(prometheus.NewRegistry()),
		WithPollInterval(2*time.Millisecond),
		WithBatchSizes(1, 8),
	)
	w.Start(ctx)
	defer w.Stop()

	require.Eventually(t, func() bool { return w.batch == 8 }, time.Second, 2*time.Millisecond)
}

func TestWorkerNotifiesOnFetch(t *testing.T) {
	store := storetest.New()
	ctx := context.Background()
	handle, err := store.Create(ctx, 1)
	require.NoError(t, err)
	_, err = handle.Append(ctx, []byte("x"))
	require.NoError(t, err)

	reader, err := store.OpenForRead(ctx, 1)
	require.NoError(t, err)

	w := New(reader, 0, WithRegisterer(prometheus.NewRegistry()), WithPollInterval(5*time.Millisecond))
	w.Start(ctx)
	defer w.Stop()

	select {
	case <-w.Notify():
	case <-time.After(time.Second):
		t.Fatal("expected a notify signal after a successful fetch")
	}
}

func TestWorkerStopClosesNotifyChannel(t *testing.T) {
	store := storetest.New()
	ctx := context.Background()
	_, err := store.Create(ctx, 1)
	require.NoError(t, err)
	reader, err := store.OpenForRead(ctx, 1)
	require.NoError(t, err)

	w := New(reader, 0, WithRegisterer(prometheus.NewRegistry()), WithPollInterval(5*time.Millisecond))
	w.Start(ctx)
	w.Stop()

	_, ok := <-w.Notify()
	require.False(t, ok, "notify channel should be closed after Stop")
}
