// Package metadata implements the Segment Metadata Store (spec §4.5):
// create_in_progress -> complete transitions on the coordinator, a
// consistent in-memory snapshot of the segment list, and the
// truncation marker.
package metadata

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/exp/slices"

	"github.com/streamlog/streamlog/types"
)

// Store implements types.MetadataStore against a types.Coordinator,
// one znode per segment under streamRoot, per spec §6 ("A coordinator
// znode per segment").
type Store struct {
	coord      types.Coordinator
	streamRoot string
	logger     log.Logger

	// snapshot is an *immutable.SortedMap[int64, types.SegmentInfo].
	// List adds segments it has not seen yet from the coordinator
	// (segments already in the snapshot keep their cached value), and
	// Create/Complete/MarkTruncatedBelow update it locally after writing
	// the node, giving lock-free consistent reads
	// to concurrent Segment Readers the way wal.go's atomic.Value state
	// does (SPEC_FULL.md §2).
	snapshot atomic.Value

	truncatedSeq atomic.Int64 // highest segmentSeq known truncated-below, -1 if none
}

// Option configures a Store at construction.
type Option func(*Store)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(logger log.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a Store rooted at streamRoot, a coordinator path unique
// to one stream (e.g. "/streams/<name>/segments").
func New(coord types.Coordinator, streamRoot string, opts ...Option) *Store {
	s := &Store{
		coord:        coord,
		streamRoot:   streamRoot,
		logger:       log.NewNopLogger(),
		truncatedSeq: atomic.Int64{},
	}
	s.truncatedSeq.Store(-1)
	for _, opt := range opts {
		opt(s)
	}
	s.snapshot.Store(&immutable.SortedMap[int64, types.SegmentInfo]{})
	return s
}

func (s *Store) segmentPath(segmentSeq int64) string {
	return path.Join(s.streamRoot, fmt.Sprintf("%020d", segmentSeq))
}

func (s *Store) loadSnapshot() *immutable.SortedMap[int64, types.SegmentInfo] {
	return s.snapshot.Load().(*immutable.SortedMap[int64, types.SegmentInfo])
}

// CreateInProgress implements types.MetadataStore.
func (s *Store) CreateInProgress(ctx context.Context, segmentSeq, startTxId int64, regionID int32) error {
	info := types.SegmentInfo{
		SegmentSeq:    segmentSeq,
		FirstEntrySeq: -1,
		LastEntrySeq:  -1,
		StartTxId:     startTxId,
		LastTxId:      startTxId,
		State:         types.SegmentInProgress,
		RegionID:      regionID,
	}
	if err := s.coord.Create(ctx, s.segmentPath(segmentSeq), Encode(info)); err != nil {
		return fmt.Errorf("streamlog: create segment metadata %d: %w", segmentSeq, err)
	}
	next := s.loadSnapshot().Set(segmentSeq, info)
	s.snapshot.Store(next)
	level.Debug(s.logger).Log("msg", "segment created in-progress", "segment_seq", segmentSeq, "start_txid", startTxId)
	return nil
}

// Complete implements types.MetadataStore.
func (s *Store) Complete(ctx context.Context, segmentSeq, lastEntrySeq, lastSlotID, lastTxId int64) error {
	info, ok, err := s.GetSegment(ctx, segmentSeq)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: segment %d", types.ErrSegmentNotFound, segmentSeq)
	}
	if info.State == types.SegmentComplete {
		return fmt.Errorf("%w: segment %d", types.ErrAlreadyComplete, segmentSeq)
	}
	info.LastEntrySeq = lastEntrySeq
	info.LastTxId = lastTxId
	info.State = types.SegmentComplete

	if err := s.coord.Write(ctx, s.segmentPath(segmentSeq), Encode(info)); err != nil {
		return fmt.Errorf("streamlog: complete segment metadata %d: %w", segmentSeq, err)
	}
	next := s.loadSnapshot().Set(segmentSeq, info)
	s.snapshot.Store(next)
	level.Info(s.logger).Log("msg", "segment completed", "segment_seq", segmentSeq, "last_entry_seq", lastEntrySeq, "last_txid", lastTxId)
	return nil
}

// List implements types.MetadataStore. It refreshes from the
// coordinator's child list, decoding any segment this snapshot doesn't
// already know about, then returns an ordered slice from the merged
// snapshot.
func (s *Store) List(ctx context.Context) ([]types.SegmentInfo, error) {
	names, err := s.coord.Children(ctx, s.streamRoot)
	if err != nil {
		return nil, fmt.Errorf("streamlog: list segments: %w", err)
	}
	sort.Strings(names)

	cur := s.loadSnapshot()
	for _, name := range names {
		var seq int64
		if _, err := fmt.Sscanf(name, "%020d", &seq); err != nil {
			continue
		}
		if _, ok := cur.Get(seq); ok {
			continue
		}
		raw, err := s.coord.Read(ctx, path.Join(s.streamRoot, name))
		if err != nil {
			return nil, fmt.Errorf("streamlog: read segment metadata %s: %w", name, err)
		}
		info, err := Decode(raw)
		if err != nil {
			return nil, err
		}
		cur = cur.Set(info.SegmentSeq, info)
	}
	s.snapshot.Store(cur)

	out := make([]types.SegmentInfo, 0, cur.Len())
	it := cur.Iterator()
	for !it.Done() {
		_, info, _ := it.Next()
		out = append(out, info)
	}
	return out, nil
}

// GetSegment implements types.MetadataStore (SPEC_FULL.md §6).
func (s *Store) GetSegment(ctx context.Context, segmentSeq int64) (types.SegmentInfo, bool, error) {
	if info, ok := s.loadSnapshot().Get(segmentSeq); ok {
		return info, true, nil
	}
	raw, err := s.coord.Read(ctx, s.segmentPath(segmentSeq))
	if err != nil {
		return types.SegmentInfo{}, false, nil
	}
	info, err := Decode(raw)
	if err != nil {
		return types.SegmentInfo{}, false, err
	}
	next := s.loadSnapshot().Set(segmentSeq, info)
	s.snapshot.Store(next)
	return info, true, nil
}

// MarkTruncatedBelow implements types.MetadataStore. It is idempotent
// (P6): raising the watermark twice to the same or a lower value is a
// no-op on the second call.
func (s *Store) MarkTruncatedBelow(ctx context.Context, segmentSeq int64) error {
	for {
		cur := s.truncatedSeq.Load()
		if segmentSeq <= cur {
			return nil
		}
		if s.truncatedSeq.CompareAndSwap(cur, segmentSeq) {
			break
		}
	}

	infos, err := s.List(ctx)
	if err != nil {
		return err
	}
	snap := s.loadSnapshot()
	for _, info := range infos {
		if info.SegmentSeq >= segmentSeq || info.TruncatedBelow {
			continue
		}
		info.TruncatedBelow = true
		if err := s.coord.Write(ctx, s.segmentPath(info.SegmentSeq), Encode(info)); err != nil {
			return fmt.Errorf("streamlog: mark truncated %d: %w", info.SegmentSeq, err)
		}
		snap = snap.Set(info.SegmentSeq, info)
	}
	s.snapshot.Store(snap)
	level.Info(s.logger).Log("msg", "marked truncated below", "segment_seq", segmentSeq)
	return nil
}

// CompactTruncated implements types.MetadataStore (SPEC_FULL.md §6):
// it physically removes metadata nodes for complete segments marked
// truncated, leaving at least one segment (the stream must always have
// a tail).
func (s *Store) CompactTruncated(ctx context.Context) error {
	infos, err := s.List(ctx)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		return nil
	}
	slices.SortFunc(infos, func(a, b types.SegmentInfo) bool { return a.SegmentSeq < b.SegmentSeq })

	snap := s.loadSnapshot()
	for _, info := range infos[:len(infos)-1] {
		if !info.TruncatedBelow || info.State != types.SegmentComplete {
			continue
		}
		if err := s.coord.Delete(ctx, s.segmentPath(info.SegmentSeq)); err != nil {
			return fmt.Errorf("streamlog: compact segment %d: %w", info.SegmentSeq, err)
		}
		snap = snap.Delete(info.SegmentSeq)
	}
	s.snapshot.Store(snap)
	return nil
}

// WatchCompletion implements types.MetadataStore.
func (s *Store) WatchCompletion(ctx context.Context, segmentSeq int64, cb func()) error {
	info, ok, err := s.GetSegment(ctx, segmentSeq)
	if err != nil {
		return err
	}
	if ok && info.State == types.SegmentComplete {
		cb()
		return nil
	}
	// Re-arm on spurious events (spec §9): keep watching the same node
	// until it actually reports complete.
	var watch func(types.WatchEvent)
	watch = func(types.WatchEvent) {
		// Read the node itself: the snapshot may still hold the
		// in-progress value cached when the watch was armed.
		if raw, err := s.coord.Read(ctx, s.segmentPath(segmentSeq)); err == nil {
			if info, err := Decode(raw); err == nil && info.State == types.SegmentComplete {
				s.snapshot.Store(s.loadSnapshot().Set(segmentSeq, info))
				cb()
				return
			}
		}
		_ = s.coord.Watch(ctx, s.segmentPath(segmentSeq), watch)
	}
	return s.coord.Watch(ctx, s.segmentPath(segmentSeq), watch)
}
