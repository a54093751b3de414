// Package storetest provides an in-memory fake of types.SegmentStore
// and types.SegmentHandle, mirroring the teacher's in-process
// testStorage fake: deterministic, injectable errors, and enough
// fencing behavior to exercise the writer's single-owner guarantee.
package storetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/streamlog/streamlog/types"
)

// Store is an in-memory types.SegmentStore. Create one with New; the
// zero value has no segment map and is not usable.
type Store struct {
	mu       sync.Mutex
	segments map[int64]*segment

	// CreateErr, if set, is returned by the next Create call and then
	// cleared.
	CreateErr error
}

type segment struct {
	mu      sync.Mutex
	entries [][]byte
	fenceGen int64
	closed  bool
}

// New creates an empty Store.
func New() *Store {
	return &Store{segments: make(map[int64]*segment)}
}

func (s *Store) Create(ctx context.Context, segmentSeq int64) (types.SegmentHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		err := s.CreateErr
		s.CreateErr = nil
		return nil, err
	}
	if _, ok := s.segments[segmentSeq]; ok {
		return nil, fmt.Errorf("storetest: segment %d already exists", segmentSeq)
	}
	seg := &segment{}
	s.segments[segmentSeq] = seg
	seg.fenceGen++
	return &handle{seg: seg, gen: seg.fenceGen}, nil
}

func (s *Store) OpenForWrite(ctx context.Context, segmentSeq int64) (types.SegmentHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[segmentSeq]
	if !ok {
		return nil, fmt.Errorf("%w: segment %d", types.ErrSegmentNotFound, segmentSeq)
	}
	seg.mu.Lock()
	seg.fenceGen++
	gen := seg.fenceGen
	seg.mu.Unlock()
	return &handle{seg: seg, gen: gen}, nil
}

func (s *Store) OpenForRead(ctx context.Context, segmentSeq int64) (types.SegmentHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[segmentSeq]
	if !ok {
		return nil, fmt.Errorf("%w: segment %d", types.ErrSegmentNotFound, segmentSeq)
	}
	return &readHandle{seg: seg}, nil
}

// handle is a fenceable, writable handle: appends fail once a later
// OpenForWrite has bumped the segment's fence generation past gen.
type handle struct {
	seg *segment
	gen int64
}

func (h *handle) Append(ctx context.Context, data []byte) (int64, error) {
	h.seg.mu.Lock()
	defer h.seg.mu.Unlock()
	if h.gen != h.seg.fenceGen {
		return 0, &types.TransmitError{Code: -2, Err: types.ErrFenced}
	}
	entryID := int64(len(h.seg.entries))
	cp := make([]byte, len(data))
	copy(cp, data)
	h.seg.entries = append(h.seg.entries, cp)
	return entryID, nil
}

func (h *handle) ReadEntries(ctx context.Context, start, end int64) ([][]byte, error) {
	h.seg.mu.Lock()
	defer h.seg.mu.Unlock()
	return readEntriesLocked(h.seg, start, end)
}

func (h *handle) ReadLastConfirmed(ctx context.Context) (int64, error) {
	h.seg.mu.Lock()
	defer h.seg.mu.Unlock()
	return int64(len(h.seg.entries)) - 1, nil
}

func (h *handle) Close() error {
	h.seg.mu.Lock()
	h.seg.closed = true
	h.seg.mu.Unlock()
	return nil
}

// readHandle never fences: readers always see the current state.
type readHandle struct {
	seg *segment
}

func (h *readHandle) Append(ctx context.Context, data []byte) (int64, error) {
	return 0, fmt.Errorf("storetest: append on a read-only handle")
}

func (h *readHandle) ReadEntries(ctx context.Context, start, end int64) ([][]byte, error) {
	h.seg.mu.Lock()
	defer h.seg.mu.Unlock()
	return readEntriesLocked(h.seg, start, end)
}

func (h *readHandle) ReadLastConfirmed(ctx context.Context) (int64, error) {
	h.seg.mu.Lock()
	defer h.seg.mu.Unlock()
	return int64(len(h.seg.entries)) - 1, nil
}

func (h *readHandle) Close() error { return nil }

func readEntriesLocked(seg *segment, start, end int64) ([][]byte, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("storetest: invalid range [%d,%d]", start, end)
	}
	if start >= int64(len(seg.entries)) {
		return nil, nil
	}
	if end >= int64(len(seg.entries)) {
		end = int64(len(seg.entries)) - 1
	}
	out := make([][]byte, 0, end-start+1)
	for i := start; i <= end; i++ {
		out = append(out, seg.entries[i])
	}
	return out, nil
}
