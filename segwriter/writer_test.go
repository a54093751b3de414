package segwriter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/streamlog/streamlog/internal/storetest"
	"github.com/streamlog/streamlog/record"
	"github.com/streamlog/streamlog/types"
)

type alwaysOwned struct{}

func (alwaysOwned) CheckOwnership() error { return nil }

type fencedOwnership struct{}

func (fencedOwnership) CheckOwnership() error { return types.ErrFenced }

// flakyCloseHandle fails its first `failures` Close calls.
type flakyCloseHandle struct {
	types.SegmentHandle
	failures int
}

func (h *flakyCloseHandle) Close() error {
	if h.failures > 0 {
		h.failures--
		return errors.New("transient close failure")
	}
	return h.SegmentHandle.Close()
}

func newTestWriter(t *testing.T, handle types.SegmentHandle, owner Ownership) *Writer {
	if owner == nil {
		owner = alwaysOwned{}
	}
	return New(handle, 1, owner, types.StreamConfig{}, WithRegisterer(prometheus.NewRegistry()))
}

func TestWriteThenFlushResolvesPosition(t *testing.T) {
	store := storetest.New()
	handle, err := store.Create(context.Background(), 1)
	require.NoError(t, err)
	w := newTestWriter(t, handle, nil)

	fut, err := w.Write(context.Background(), record.Record{TxId: 1, Payload: []byte("hello")})
	require.NoError(t, err)

	_, err = w.Flush(context.Background())
	require.NoError(t, err)

	pos, err := fut.Wait()
	require.NoError(t, err)
	require.Equal(t, int64(1), pos.SegmentSeq)
	require.Equal(t, int64(0), pos.EntryID)
	require.Equal(t, int64(0), pos.SlotID)
}

func TestSingleInFlightTransmission(t *testing.T) {
	store := storetest.New()
	handle, err := store.Create(context.Background(), 1)
	require.NoError(t, err)
	cfg := types.StreamConfig{MaxTransmissionSize: 32}
	w := New(handle, 1, alwaysOwned{}, cfg, WithRegisterer(prometheus.NewRegistry()))

	// Writing enough to force a transmission, then immediately writing
	// more, should never allow two transmissions outstanding at once:
	// transmitLocked only fires when the buffer would overflow, and the
	// new active buffer starts empty each time.
	for i := 0; i < 10; i++ {
		_, err := w.Write(context.Background(), record.Record{TxId: int64(i + 1), Payload: []byte("0123456789")})
		require.NoError(t, err)
	}
	_, err = w.Flush(context.Background())
	require.NoError(t, err)
}

func TestWriteBulkAssignsOrderedPositions(t *testing.T) {
	store := storetest.New()
	handle, err := store.Create(context.Background(), 1)
	require.NoError(t, err)
	w := newTestWriter(t, handle, nil)

	recs := []record.Record{
		{TxId: 1, Payload: []byte("a")},
		{TxId: 2, Payload: []byte("b")},
		{TxId: 3, Payload: []byte("c")},
	}
	futs, err := w.WriteBulk(context.Background(), recs)
	require.NoError(t, err)
	require.Len(t, futs, 3)

	for i, fut := range futs {
		pos, err := fut.Wait()
		require.NoError(t, err)
		require.Equal(t, int64(i), pos.SlotID)
	}
}

func TestTransmitFailureFailsAllPendingPromises(t *testing.T) {
	store := storetest.New()
	store.CreateErr = nil
	handle, err := store.Create(context.Background(), 1)
	require.NoError(t, err)
	w := newTestWriter(t, handle, nil)

	// Force a fencing failure by opening the same segment for write
	// again, which bumps the fence generation out from under handle.
	_, err = store.OpenForWrite(context.Background(), 1)
	require.NoError(t, err)

	fut, err := w.Write(context.Background(), record.Record{TxId: 1, Payload: []byte("x")})
	require.NoError(t, err)

	_, err = w.Flush(context.Background())
	require.Error(t, err)

	_, waitErr := fut.Wait()
	require.Error(t, waitErr)
	var te *types.TransmitError
	require.True(t, errors.As(waitErr, &te))

	errored, cause := w.IsErrored()
	require.True(t, errored)
	require.Error(t, cause)
}

func TestCheckOwnershipFencesWrites(t *testing.T) {
	store := storetest.New()
	handle, err := store.Create(context.Background(), 1)
	require.NoError(t, err)
	w := newTestWriter(t, handle, fencedOwnership{})

	_, err = w.Write(context.Background(), record.Record{TxId: 1, Payload: []byte("x")})
	require.ErrorIs(t, err, types.ErrFenced)
}

func TestControlRecordFlushedAfterDataTransmission(t *testing.T) {
	store := storetest.New()
	handle, err := store.Create(context.Background(), 1)
	require.NoError(t, err)
	cfg := types.StreamConfig{MaxTransmissionSize: 8}
	w := New(handle, 1, alwaysOwned{}, cfg, WithRegisterer(prometheus.NewRegistry()))

	_, err = w.Write(context.Background(), record.Record{TxId: 1, Payload: []byte("abcdefgh")})
	require.NoError(t, err)
	_, err = w.Write(context.Background(), record.Record{TxId: 2, Payload: []byte("ijklmnop")})
	require.NoError(t, err)

	_, err = w.Flush(context.Background())
	require.NoError(t, err)

	reader, err := store.OpenForRead(context.Background(), 1)
	require.NoError(t, err)
	entries, err := reader.ReadEntries(context.Background(), 0, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	lastEntry := entries[len(entries)-1]
	rr := record.NewReader(lastEntry)
	rec, _, err := rr.Next()
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.True(t, rec.IsControl())
}

func TestMarkEndOfStreamRejectsFurtherWrites(t *testing.T) {
	store := storetest.New()
	handle, err := store.Create(context.Background(), 1)
	require.NoError(t, err)
	w := newTestWriter(t, handle, nil)

	require.NoError(t, w.MarkEndOfStream(context.Background()))

	_, err = w.Write(context.Background(), record.Record{TxId: 99, Payload: []byte("late")})
	require.ErrorIs(t, err, types.ErrEndOfStream)
}

func TestAbortFailsPendingWithoutFlushing(t *testing.T) {
	store := storetest.New()
	handle, err := store.Create(context.Background(), 1)
	require.NoError(t, err)
	w := newTestWriter(t, handle, nil)

	fut, err := w.Write(context.Background(), record.Record{TxId: 1, Payload: []byte("x")})
	require.NoError(t, err)

	w.Abort()

	_, err = fut.Wait()
	require.ErrorIs(t, err, types.ErrCancelled)
}

func TestOnSessionExpiredFencesWriter(t *testing.T) {
	store := storetest.New()
	handle, err := store.Create(context.Background(), 1)
	require.NoError(t, err)
	w := newTestWriter(t, handle, nil)

	w.OnSessionExpired()

	_, err = w.Write(context.Background(), record.Record{TxId: 1, Payload: []byte("x")})
	require.ErrorIs(t, err, types.ErrFenced)
}

func TestCloseRetriesOnTransientFailure(t *testing.T) {
	store := storetest.New()
	handle, err := store.Create(context.Background(), 1)
	require.NoError(t, err)
	flaky := &flakyCloseHandle{SegmentHandle: handle, failures: 1}
	w := New(flaky, 1, alwaysOwned{}, types.StreamConfig{}, WithRegisterer(prometheus.NewRegistry()), WithCloseRetryBudget(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))
}
