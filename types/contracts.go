package types

import (
	"context"
	"io"
	"time"
)

// SegmentState is the lifecycle state of a Segment (spec §3).
type SegmentState int

const (
	SegmentInProgress SegmentState = iota
	SegmentComplete
)

func (s SegmentState) String() string {
	if s == SegmentComplete {
		return "complete"
	}
	return "in-progress"
}

// SegmentInfo is the metadata blob persisted for one segment, per
// spec §3 and §8 (metadata blob). RegionID and layout-version
// tolerance are supplemental per SPEC_FULL.md §5.
type SegmentInfo struct {
	SegmentSeq    int64
	FirstEntrySeq int64
	LastEntrySeq  int64
	StartTxId     int64
	LastTxId      int64
	State         SegmentState
	RegionID      int32

	// TruncatedBelow records that this whole segment lies below the
	// stream's truncation mark and has been marked truncated; false
	// means it has not.
	TruncatedBelow bool

	// UnknownTrailer preserves bytes a newer writer appended that this
	// decoder doesn't understand, so they round-trip unmodified
	// (forward-compatibility per spec §6).
	UnknownTrailer []byte
}

// StreamConfig is the handful of per-stream knobs the core actually
// consumes, a reduction of DistributedLog's much larger configuration
// overlay (SPEC_FULL.md §5).
type StreamConfig struct {
	MaxRecordSize       int
	MaxTransmissionSize int
	FlushPeriod         time.Duration
	RollingEnabled      bool
	RollMaxBytes        int64
	RollMaxRecords      int64
	RollMaxAge          time.Duration
	FailFastOnRolling   bool
	RegionID            int32
}

// SegmentHandle is an opened (and, for writers, fenced) handle onto
// one segment in the segment store. It is the uniform per-segment
// operation surface the Entry cache / segment-store handle cache
// hands out to both writers and readers (spec §2's "Entry cache /
// segment-store handle cache").
type SegmentHandle interface {
	io.Closer

	// Append submits one transmission unit's bytes as a single atomic
	// append, returning the entry id the segment store assigned it.
	Append(ctx context.Context, data []byte) (entryID int64, err error)

	// ReadEntries returns the raw bytes of entries [start, end] (both
	// assigned by the segment store) from this segment.
	ReadEntries(ctx context.Context, start, end int64) ([][]byte, error)

	// ReadLastConfirmed returns the highest entry id known to be
	// durably acknowledged and visible to readers of this segment.
	// Returns -1 if no entry has been confirmed yet.
	ReadLastConfirmed(ctx context.Context) (int64, error)
}

// SegmentStore is the external collaborator providing
// create/open/fence/append/read operations over opaque segment
// identifiers (spec §1, glossary). It is consumed, not implemented,
// by this module's core.
type SegmentStore interface {
	// Create allocates a new, empty segment for segmentSeq and returns
	// a writable, fenced handle to it. The caller must hold the stream
	// lock.
	Create(ctx context.Context, segmentSeq int64) (SegmentHandle, error)

	// OpenForWrite (re)opens segmentSeq for writing, fencing off any
	// previously-opened writer handle for the same segment (spec I5,
	// G4).
	OpenForWrite(ctx context.Context, segmentSeq int64) (SegmentHandle, error)

	// OpenForRead opens segmentSeq for reading only; readers never
	// fence (spec §4.3).
	OpenForRead(ctx context.Context, segmentSeq int64) (SegmentHandle, error)
}

// WatchEvent describes a change observed on a watched coordinator
// node.
type WatchEvent struct {
	// Deleted is true when the watched node was removed (the signal
	// used for lock-predecessor release) and false when it was
	// overwritten (segment completion rewrites the segment's node).
	Deleted bool
}

// SessionObserver is notified when the coordinator session that backs
// a lock or a watch is lost. Segment Writer, Log Writer and Segment
// Reader all register as observers so they can flip to an errored
// state (spec §4.4).
type SessionObserver interface {
	OnSessionExpired()
}

// Coordinator is the external collaborator providing hierarchical
// nodes with ephemeral semantics, watches and session expiration
// (spec glossary). It backs both the distributed Lock and the Segment
// Metadata Store. Consumed, not implemented, by this module's core.
type Coordinator interface {
	// CreateEphemeralSequential creates a child of parent with the
	// given value, returning the full path assigned (including the
	// sequence suffix).
	CreateEphemeralSequential(ctx context.Context, parent string, value []byte) (path string, err error)

	// Create creates a persistent node at path with the given value.
	// It must fail if path already exists.
	Create(ctx context.Context, path string, value []byte) error

	// Read returns the value stored at path.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write overwrites the value stored at path.
	Write(ctx context.Context, path string, value []byte) error

	// Children lists the immediate child names of parent, unsorted.
	Children(ctx context.Context, parent string) ([]string, error)

	// Delete removes path. It must succeed even if path has no
	// children.
	Delete(ctx context.Context, path string) error

	// Watch registers a one-shot callback invoked the next time path
	// changes (is overwritten or deleted). The
	// callback may be invoked spuriously; subscribers must re-check
	// state and idempotently handle double-fire (spec §9).
	Watch(ctx context.Context, path string, cb func(WatchEvent)) error

	// RegisterSessionObserver registers obs to be notified exactly
	// once when the current coordinator session is lost. Returns a
	// function that deregisters obs.
	RegisterSessionObserver(obs SessionObserver) (deregister func())
}

// MetadataStore is the Segment Metadata Store contract from spec §4.5.
type MetadataStore interface {
	// CreateInProgress creates metadata for a new in-progress segment.
	CreateInProgress(ctx context.Context, segmentSeq, startTxId int64, regionID int32) error

	// Complete transitions segmentSeq from in-progress to complete.
	// Returns ErrAlreadyComplete if called twice.
	Complete(ctx context.Context, segmentSeq, lastEntrySeq, lastSlotID, lastTxId int64) error

	// List returns all segments for the stream in segmentSeq order.
	List(ctx context.Context) ([]SegmentInfo, error)

	// GetSegment looks up one segment's metadata directly.
	GetSegment(ctx context.Context, segmentSeq int64) (SegmentInfo, bool, error)

	// MarkTruncatedBelow idempotently marks all segments entirely
	// below the given segment sequence as truncated (spec §4.2's
	// truncate, P6).
	MarkTruncatedBelow(ctx context.Context, segmentSeq int64) error

	// CompactTruncated physically removes metadata for complete
	// segments marked truncated, always keeping the last segment
	// (SPEC_FULL.md §6). It does not track reader progress.
	CompactTruncated(ctx context.Context) error

	// WatchCompletion registers cb to fire once when segmentSeq
	// transitions to complete, or immediately if it already has.
	WatchCompletion(ctx context.Context, segmentSeq int64, cb func()) error
}
