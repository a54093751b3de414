package segreader

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/streamlog/streamlog/internal/coordtest"
	"github.com/streamlog/streamlog/internal/storetest"
	"github.com/streamlog/streamlog/metadata"
	"github.com/streamlog/streamlog/position"
	"github.com/streamlog/streamlog/record"
	"github.com/streamlog/streamlog/types"
)

func appendRecord(t *testing.T, h types.SegmentHandle, txid int64, payload string) {
	t.Helper()
	buf := record.Append(nil, record.Record{TxId: txid, Payload: []byte(payload)})
	_, err := h.Append(context.Background(), buf)
	require.NoError(t, err)
}

func TestReaderDeliversRecordsInOrderFromOneCompleteSegment(t *testing.T) {
	ctx := context.Background()
	store := storetest.New()
	coord := coordtest.New()
	meta := metadata.New(coord, "/streams/a/segments")

	handle, err := store.Create(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, meta.CreateInProgress(ctx, 1, 0, 0))
	for i := 0; i < 5; i++ {
		appendRecord(t, handle, int64(i+1), "p")
	}
	require.NoError(t, meta.Complete(ctx, 1, 4, 0, 5))

	r := New(store, meta, position.InitialLowerBound, Config{PollInterval: 5 * time.Millisecond}, WithRegisterer(prometheus.NewRegistry()))
	defer r.Close()

	for i := 0; i < 5; i++ {
		rec, err := r.ReadNext(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(i+1), rec.TxId)
	}
}

func TestReaderCrossesCompleteSegmentBoundary(t *testing.T) {
	ctx := context.Background()
	store := storetest.New()
	coord := coordtest.New()
	meta := metadata.New(coord, "/streams/b/segments")

	h1, err := store.Create(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, meta.CreateInProgress(ctx, 1, 0, 0))
	appendRecord(t, h1, 1, "a")
	appendRecord(t, h1, 2, "b")
	require.NoError(t, meta.Complete(ctx, 1, 1, 0, 2))

	h2, err := store.Create(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, meta.CreateInProgress(ctx, 2, 2, 0))
	appendRecord(t, h2, 3, "c")
	require.NoError(t, meta.Complete(ctx, 2, 0, 0, 3))

	r := New(store, meta, position.InitialLowerBound, Config{PollInterval: 5 * time.Millisecond}, WithRegisterer(prometheus.NewRegistry()))
	defer r.Close()

	var got []int64
	for i := 0; i < 3; i++ {
		rec, err := r.ReadNext(ctx)
		require.NoError(t, err)
		got = append(got, rec.TxId)
	}
	require.Equal(t, []int64{1, 2, 3}, got)
}

func TestReaderSkipsControlRecordsWhenConfigured(t *testing.T) {
	ctx := context.Background()
	store := storetest.New()
	coord := coordtest.New()
	meta := metadata.New(coord, "/streams/c/segments")

	handle, err := store.Create(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, meta.CreateInProgress(ctx, 1, 0, 0))

	buf := record.Append(nil, record.Record{TxId: 1, Payload: []byte("a")})
	buf = record.Append(buf, record.NewControl(1, nil))
	buf = record.Append(buf, record.Record{TxId: 2, Payload: []byte("b")})
	_, err = handle.Append(ctx, buf)
	require.NoError(t, err)
	require.NoError(t, meta.Complete(ctx, 1, 0, 2, 2))

	r := New(store, meta, position.InitialLowerBound, Config{PollInterval: 5 * time.Millisecond, SkipControls: true}, WithRegisterer(prometheus.NewRegistry()))
	defer r.Close()

	first, err := r.ReadNext(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), first.TxId)

	second, err := r.ReadNext(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), second.TxId)
}

func TestReaderHitsEndOfStreamMarker(t *testing.T) {
	ctx := context.Background()
	store := storetest.New()
	coord := coordtest.New()
	meta := metadata.New(coord, "/streams/d/segments")

	handle, err := store.Create(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, meta.CreateInProgress(ctx, 1, 0, 0))
	appendRecord(t, handle, 1, "a")
	eos := record.Append(nil, record.NewEndOfStream())
	_, err = handle.Append(ctx, eos)
	require.NoError(t, err)
	require.NoError(t, meta.Complete(ctx, 1, 1, 0, record.MaxTxId))

	r := New(store, meta, position.InitialLowerBound, Config{PollInterval: 5 * time.Millisecond}, WithRegisterer(prometheus.NewRegistry()))
	defer r.Close()

	rec, err := r.ReadNext(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.TxId)

	_, err = r.ReadNext(ctx)
	require.ErrorIs(t, err, types.ErrEndOfStream)
}

func TestReaderIdleWarnThenError(t *testing.T) {
	ctx := context.Background()
	store := storetest.New()
	coord := coordtest.New()
	meta := metadata.New(coord, "/streams/e/segments")

	_, err := store.Create(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, meta.CreateInProgress(ctx, 1, 0, 0))

	r := New(store, meta, position.InitialLowerBound, Config{
		PollInterval: 5 * time.Millisecond,
		WarnIdle:     10 * time.Millisecond,
		ErrorIdle:    40 * time.Millisecond,
	}, WithRegisterer(prometheus.NewRegistry()))
	defer r.Close()

	_, err = r.ReadNext(ctx)
	require.ErrorIs(t, err, types.ErrIdleReader)
}

func TestCancellationOfOldestPendingRequestFailsReader(t *testing.T) {
	ctx := context.Background()
	store := storetest.New()
	coord := coordtest.New()
	meta := metadata.New(coord, "/streams/f/segments")

	_, err := store.Create(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, meta.CreateInProgress(ctx, 1, 0, 0))

	r := New(store, meta, position.InitialLowerBound, Config{PollInterval: 5 * time.Millisecond}, WithRegisterer(prometheus.NewRegistry()))
	defer r.Close()

	cancelCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = r.ReadNext(cancelCtx)
	require.Error(t, err)

	// A second request submitted right after should observe the reader
	// has been failed as a whole, not just the cancelled one.
	_, err = r.ReadNext(ctx)
	require.ErrorIs(t, err, types.ErrCancelled)
}

func TestCloseUnblocksPendingReads(t *testing.T) {
	ctx := context.Background()
	store := storetest.New()
	coord := coordtest.New()
	meta := metadata.New(coord, "/streams/g/segments")

	_, err := store.Create(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, meta.CreateInProgress(ctx, 1, 0, 0))

	r := New(store, meta, position.InitialLowerBound, Config{PollInterval: 5 * time.Millisecond}, WithRegisterer(prometheus.NewRegistry()))

	done := make(chan error, 1)
	go func() {
		_, err := r.ReadNext(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	r.Close()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pending read was not unblocked by Close")
	}
}
