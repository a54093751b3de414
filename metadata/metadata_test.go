package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamlog/streamlog/internal/coordtest"
	"github.com/streamlog/streamlog/types"
)

func TestCreateInProgressThenComplete(t *testing.T) {
	ctx := context.Background()
	coord := coordtest.New()
	s := New(coord, "/streams/a/segments")

	require.NoError(t, s.CreateInProgress(ctx, 1, 0, 0))
	info, ok, err := s.GetSegment(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.SegmentInProgress, info.State)

	require.NoError(t, s.Complete(ctx, 1, 9, 2, 42))
	info, ok, err = s.GetSegment(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.SegmentComplete, info.State)
	require.Equal(t, int64(9), info.LastEntrySeq)
	require.Equal(t, int64(42), info.LastTxId)
}

func TestCompleteTwiceFails(t *testing.T) {
	ctx := context.Background()
	coord := coordtest.New()
	s := New(coord, "/streams/a/segments")
	require.NoError(t, s.CreateInProgress(ctx, 1, 0, 0))
	require.NoError(t, s.Complete(ctx, 1, 9, 2, 42))

	err := s.Complete(ctx, 1, 9, 2, 42)
	require.ErrorIs(t, err, types.ErrAlreadyComplete)
}

func TestListReturnsSegmentsInOrder(t *testing.T) {
	ctx := context.Background()
	coord := coordtest.New()
	s := New(coord, "/streams/a/segments")
	require.NoError(t, s.CreateInProgress(ctx, 3, 10, 0))
	require.NoError(t, s.CreateInProgress(ctx, 1, 0, 0))
	require.NoError(t, s.CreateInProgress(ctx, 2, 5, 0))

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	require.Equal(t, []int64{1, 2, 3}, []int64{infos[0].SegmentSeq, infos[1].SegmentSeq, infos[2].SegmentSeq})
}

func TestListPicksUpSegmentsCreatedByAnotherStoreInstance(t *testing.T) {
	ctx := context.Background()
	coord := coordtest.New()
	writer := New(coord, "/streams/a/segments")
	require.NoError(t, writer.CreateInProgress(ctx, 1, 0, 0))

	reader := New(coord, "/streams/a/segments")
	infos, err := reader.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
}

func TestMarkTruncatedBelowIsIdempotent(t *testing.T) {
	ctx := context.Background()
	coord := coordtest.New()
	s := New(coord, "/streams/a/segments")
	require.NoError(t, s.CreateInProgress(ctx, 1, 0, 0))
	require.NoError(t, s.Complete(ctx, 1, 9, 2, 42))
	require.NoError(t, s.CreateInProgress(ctx, 2, 43, 0))

	require.NoError(t, s.MarkTruncatedBelow(ctx, 2))
	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.True(t, infos[0].TruncatedBelow)
	require.False(t, infos[1].TruncatedBelow)

	require.NoError(t, s.MarkTruncatedBelow(ctx, 2))
	require.NoError(t, s.MarkTruncatedBelow(ctx, 1))
	infos, err = s.List(ctx)
	require.NoError(t, err)
	require.True(t, infos[0].TruncatedBelow)
}

func TestCompactTruncatedRemovesOnlyTruncatedCompleteSegmentsKeepingTail(t *testing.T) {
	ctx := context.Background()
	coord := coordtest.New()
	s := New(coord, "/streams/a/segments")
	require.NoError(t, s.CreateInProgress(ctx, 1, 0, 0))
	require.NoError(t, s.Complete(ctx, 1, 9, 2, 42))
	require.NoError(t, s.CreateInProgress(ctx, 2, 43, 0))
	require.NoError(t, s.Complete(ctx, 2, 19, 2, 84))
	require.NoError(t, s.CreateInProgress(ctx, 3, 85, 0))

	require.NoError(t, s.MarkTruncatedBelow(ctx, 3))
	require.NoError(t, s.CompactTruncated(ctx))

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, int64(3), infos[0].SegmentSeq)
}

func TestWatchCompletionFiresImmediatelyIfAlreadyComplete(t *testing.T) {
	ctx := context.Background()
	coord := coordtest.New()
	s := New(coord, "/streams/a/segments")
	require.NoError(t, s.CreateInProgress(ctx, 1, 0, 0))
	require.NoError(t, s.Complete(ctx, 1, 9, 2, 42))

	called := false
	require.NoError(t, s.WatchCompletion(ctx, 1, func() { called = true }))
	require.True(t, called)
}

func TestWatchCompletionFiresOnLaterComplete(t *testing.T) {
	ctx := context.Background()
	coord := coordtest.New()
	writer := New(coord, "/streams/a/segments")
	require.NoError(t, writer.CreateInProgress(ctx, 1, 0, 0))

	// A separate Store instance stands in for a different process (e.g.
	// a Segment Reader) watching the same coordinator node, so its
	// snapshot cache starts empty rather than sharing the writer's.
	watcher := New(coord, "/streams/a/segments")
	called := make(chan struct{})
	require.NoError(t, watcher.WatchCompletion(ctx, 1, func() { close(called) }))
	require.NoError(t, writer.Complete(ctx, 1, 9, 2, 42))

	select {
	case <-called:
	default:
		t.Fatal("watch callback was not invoked after Complete")
	}
}

func TestCodecRoundTrip(t *testing.T) {
	info := types.SegmentInfo{
		SegmentSeq:    7,
		FirstEntrySeq: 0,
		LastEntrySeq:  100,
		StartTxId:     1,
		LastTxId:      200,
		State:         types.SegmentComplete,
		RegionID:      3,
		TruncatedBelow: true,
	}
	decoded, err := Decode(Encode(info))
	require.NoError(t, err)
	require.Equal(t, info, decoded)
}

func TestCodecRejectsUnknownVersion(t *testing.T) {
	buf := Encode(types.SegmentInfo{SegmentSeq: 1})
	buf[0] = 99
	_, err := Decode(buf)
	require.ErrorIs(t, err, types.ErrCorruptMetadata)
}

func TestCodecRejectsTruncatedBlob(t *testing.T) {
	buf := Encode(types.SegmentInfo{SegmentSeq: 1})
	_, err := Decode(buf[:5])
	require.ErrorIs(t, err, types.ErrCorruptMetadata)
}
