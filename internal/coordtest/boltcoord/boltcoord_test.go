package boltcoord

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamlog/streamlog/internal/storetest"
	"github.com/streamlog/streamlog/metadata"
	"github.com/streamlog/streamlog/position"
	"github.com/streamlog/streamlog/record"
	"github.com/streamlog/streamlog/segreader"
)

// TestCoordinatorSurvivesReopen proves the thing this fake exists for:
// node data written before a Close is still there after reopening the
// same database file, unlike coordtest's plain in-memory fake.
func TestCoordinatorSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "coord.db")

	c1, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, c1.Create(ctx, "/streams/s/segments/1", []byte("v1")))
	require.NoError(t, c1.Close())

	c2, err := Open(dbPath)
	require.NoError(t, err)
	defer c2.Close()

	v, err := c2.Read(ctx, "/streams/s/segments/1")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
}

// TestSegmentReaderResumesAfterCoordinatorCrash models a reader
// process that crashes and restarts: the metadata store is rebuilt
// against a reopened Coordinator pointed at the same bbolt file, and a
// fresh segreader.Reader started against it must still see the
// segment completion recorded before the crash and deliver every
// record.
func TestSegmentReaderResumesAfterCoordinatorCrash(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "coord.db")
	store := storetest.New()

	c1, err := Open(dbPath)
	require.NoError(t, err)

	meta1 := metadata.New(c1, "/streams/s/segments")
	handle, err := store.Create(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, meta1.CreateInProgress(ctx, 1, 0, 0))
	for i := int64(1); i <= 3; i++ {
		buf := record.Append(nil, record.Record{TxId: i, Payload: []byte("x")})
		_, err := handle.Append(ctx, buf)
		require.NoError(t, err)
	}
	require.NoError(t, meta1.Complete(ctx, 1, 2, 0, 3))

	// Simulate a crash: the coordinator client and its in-memory watch
	// registrations are gone, but the bbolt file on disk is not.
	require.NoError(t, c1.Close())

	c2, err := Open(dbPath)
	require.NoError(t, err)
	defer c2.Close()

	meta2 := metadata.New(c2, "/streams/s/segments")
	segs, err := meta2.List(ctx)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	require.Equal(t, int64(3), segs[0].LastTxId)

	r := segreader.New(store, meta2, position.InitialLowerBound, segreader.Config{})
	defer r.Close()

	for i := int64(1); i <= 3; i++ {
		rec, err := r.ReadNext(ctx)
		require.NoError(t, err)
		require.Equal(t, i, rec.TxId)
	}
}
