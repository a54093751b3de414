// Package segreader implements the continuous async reader (spec
// §4.3): it opens segments in order, reads entries lazily (optionally
// via a read-ahead worker), watches in-progress segment completion via
// the metadata store, and delivers records to callers asynchronously
// with idle-detection.
package segreader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamlog/streamlog/position"
	"github.com/streamlog/streamlog/readahead"
	"github.com/streamlog/streamlog/record"
	"github.com/streamlog/streamlog/types"
)

// State is the Segment Reader's per-segment state machine (spec
// §4.3): Unpositioned -> Positioned -> AwaitCompletion -> Positioned
// (after resume) -> Closed (advances to the next segment); Terminated
// is reached on end-of-stream and is final.
type State int

const (
	Unpositioned State = iota
	Positioned
	AwaitCompletion
	Closed
	Terminated
)

func (s State) String() string {
	switch s {
	case Unpositioned:
		return "unpositioned"
	case Positioned:
		return "positioned"
	case AwaitCompletion:
		return "await-completion"
	case Closed:
		return "closed"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Config holds the reader's tunables (SPEC_FULL.md §5 reduction of a
// larger configuration surface to what this core actually consumes).
type Config struct {
	SkipControls bool
	ReadAhead    bool
	WarnIdle     time.Duration
	ErrorIdle    time.Duration
	PollInterval time.Duration
}

// Option configures a Reader at construction.
type Option func(*Reader)

func WithLogger(logger log.Logger) Option {
	return func(r *Reader) { r.logger = logger }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Reader) { r.reg = reg }
}

type request struct {
	want    int
	results []record.Record
	err     error
	done    chan struct{}
	cancel  bool
	mu      sync.Mutex
}

func (q *request) finish(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
	close(q.done)
}

func (q *request) markCancelled() {
	q.mu.Lock()
	q.cancel = true
	q.mu.Unlock()
}

func (q *request) isCancelled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancel
}

// Reader is a continuous, asynchronous Segment Reader bound to one
// stream.
type Reader struct {
	store   types.SegmentStore
	meta    types.MetadataStore
	config  Config
	logger  log.Logger
	reg     prometheus.Registerer
	metrics *readerMetrics

	mu       sync.Mutex
	pending  []*request
	cursor   position.Position
	skipSlot int64 // slot to resume at within the first opened entry, -1 once consumed

	state         State
	currentSeq    int64
	currentHandle types.SegmentHandle
	currentReader *record.Reader
	nextEntryID   int64
	ra            *readahead.Worker

	lastDelivery time.Time
	warnedOnce   bool
	terminated   bool
	errCause     error

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Reader that will begin delivering records from start.
func New(store types.SegmentStore, meta types.MetadataStore, start position.Position, config Config, opts ...Option) *Reader {
	if config.PollInterval <= 0 {
		config.PollInterval = 50 * time.Millisecond
	}
	r := &Reader{
		store:        store,
		meta:         meta,
		config:       config,
		logger:       log.NewNopLogger(),
		reg:          prometheus.DefaultRegisterer,
		cursor:       start,
		skipSlot:     start.SlotID,
		state:        Unpositioned,
		lastDelivery: time.Now(),
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.metrics = newReaderMetrics(r.reg)
	go r.run()
	return r
}

func (r *Reader) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// ReadNext returns the next record, blocking until one is available,
// the stream terminates, or ctx is cancelled.
func (r *Reader) ReadNext(ctx context.Context) (record.Record, error) {
	recs, err := r.ReadBulk(ctx, 1)
	if err != nil {
		return record.Record{}, err
	}
	if len(recs) == 0 {
		return record.Record{}, fmt.Errorf("streamlog: read_next returned no record and no error")
	}
	return recs[0], nil
}

// ReadBulk returns up to n records, blocking until at least one is
// available or the stream terminates. It may return fewer than n if
// the reader is currently blocked at the end of an in-progress
// segment (spec §4.3's bulk read).
func (r *Reader) ReadBulk(ctx context.Context, n int) ([]record.Record, error) {
	if n <= 0 {
		return nil, nil
	}
	req := &request{want: n, done: make(chan struct{})}
	r.mu.Lock()
	r.pending = append(r.pending, req)
	r.mu.Unlock()
	r.poke()

	select {
	case <-req.done:
		return req.results, req.err
	case <-ctx.Done():
		req.markCancelled()
		r.poke()
		<-req.done
		return req.results, ctx.Err()
	}
}

// Close stops the reader's background loop and releases its current
// segment handle and read-ahead worker.
func (r *Reader) Close() {
	close(r.stopCh)
	<-r.doneCh
}

// State reports the reader's current state machine position.
func (r *Reader) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reader) run() {
	defer close(r.doneCh)
	defer r.closeCurrent()

	idle := time.NewTimer(r.config.WarnIdle)
	defer idle.Stop()
	if r.config.WarnIdle <= 0 {
		idle.Stop()
	}

	for {
		r.drainPending(context.Background())

		select {
		case <-r.stopCh:
			r.failAll(types.ErrClosed)
			return
		case <-r.wake:
		case <-idle.C:
			r.handleIdleTick()
		}
		r.resetIdleTimer(idle)
	}
}

func (r *Reader) resetIdleTimer(idle *time.Timer) {
	if r.config.WarnIdle <= 0 {
		return
	}
	if !idle.Stop() {
		select {
		case <-idle.C:
		default:
		}
	}
	idle.Reset(r.config.WarnIdle)
}

func (r *Reader) handleIdleTick() {
	r.mu.Lock()
	elapsed := time.Since(r.lastDelivery)
	warn := r.config.WarnIdle
	errThresh := r.config.ErrorIdle
	already := r.warnedOnce
	r.mu.Unlock()

	if errThresh > 0 && elapsed >= errThresh {
		r.failAll(types.ErrIdleReader)
		return
	}
	if warn > 0 && elapsed >= warn {
		if !already {
			level.Warn(r.logger).Log("msg", "segment reader idle", "elapsed", elapsed)
			r.metrics.idleWarnings.Inc()
			r.mu.Lock()
			r.warnedOnce = true
			r.mu.Unlock()
		}
		r.poke() // retry now; a cache miss on that pass reads synchronously
	}
}

// drainPending services queued requests until either all are
// satisfied, the reader is terminated/errored, or no more data is
// currently available (spec §4.3's "single-shot background task").
func (r *Reader) drainPending(ctx context.Context) {
	for {
		r.mu.Lock()
		if len(r.pending) == 0 {
			r.mu.Unlock()
			return
		}
		req := r.pending[0]
		r.mu.Unlock()

		if req.isCancelled() {
			// Cancellation of the oldest pending promise is fatal for the
			// reader as a whole, since the consumer no longer knows what
			// it already saw: every future read must observe the same
			// failure, not just this one.
			r.mu.Lock()
			r.terminated = true
			r.errCause = types.ErrCancelled
			r.mu.Unlock()
			r.failAll(types.ErrCancelled)
			return
		}

		for len(req.results) < req.want {
			rec, ok, err := r.nextRecord(ctx)
			if err != nil {
				r.mu.Lock()
				r.terminated = true
				r.errCause = err
				r.mu.Unlock()
				r.failAll(err)
				return
			}
			if !ok {
				break
			}
			req.results = append(req.results, *rec)
			r.mu.Lock()
			r.lastDelivery = time.Now()
			r.warnedOnce = false
			r.mu.Unlock()
		}

		if len(req.results) == 0 {
			// Blocked: no more data right now. Leave req at the head of
			// the queue and stop; run() will retry on the next wake. A
			// request that already holds some records is finished short.
			return
		}

		r.mu.Lock()
		r.pending = r.pending[1:]
		r.mu.Unlock()
		req.finish(nil)
	}
}

func (r *Reader) failAll(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, req := range pending {
		req.finish(err)
	}
}

// nextRecord returns the next deliverable record, or ok=false if the
// reader is currently blocked waiting on an in-progress segment's
// tail. A returned error is always terminal.
func (r *Reader) nextRecord(ctx context.Context) (*record.Record, bool, error) {
	r.mu.Lock()
	terminated := r.terminated
	cause := r.errCause
	r.mu.Unlock()
	if terminated {
		if cause != nil {
			return nil, false, cause
		}
		return nil, false, types.ErrEndOfStream
	}

	for {
		if r.currentReader != nil {
			rec, slot, err := r.currentReader.Next()
			if err != nil {
				return nil, false, err
			}
			if rec != nil {
				pos := position.Position{SegmentSeq: r.currentSeq, EntryID: r.nextEntryID - 1, SlotID: int64(slot)}
				r.mu.Lock()
				r.cursor = pos
				r.mu.Unlock()
				if rec.IsEndOfStream() {
					return nil, false, types.ErrEndOfStream
				}
				if rec.IsControl() && r.config.SkipControls {
					continue
				}
				out := *rec
				return &out, true, nil
			}
			if r.ra != nil {
				r.ra.Cache().Evict(r.nextEntryID)
			}
			r.currentReader = nil
		}

		ok, err := r.loadNextEntry(ctx)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
	}
}

// loadNextEntry positions currentReader over the next undelivered
// entry, opening a segment or advancing across a segment boundary as
// needed. It returns ok=false (no error) when the current in-progress
// segment has no more data right now.
func (r *Reader) loadNextEntry(ctx context.Context) (bool, error) {
	if r.currentHandle == nil {
		if err := r.openInOrder(ctx); err != nil {
			return false, err
		}
	}

	entryID := r.nextEntryID

	if r.ra != nil {
		if data, ok := r.ra.Cache().Get(entryID); ok {
			r.currentReader = record.NewReader(data)
			r.nextEntryID++
			r.applyInitialSkip(entryID)
			return true, nil
		}
	}

	lastConfirmed, err := r.currentHandle.ReadLastConfirmed(ctx)
	if err != nil {
		return false, err
	}
	if entryID > lastConfirmed {
		return r.handleSegmentTailBlocked(ctx)
	}

	entries, err := r.currentHandle.ReadEntries(ctx, entryID, entryID)
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		return false, nil
	}
	r.currentReader = record.NewReader(entries[0])
	r.nextEntryID++
	r.applyInitialSkip(entryID)
	r.metrics.forcedBlockingReads.Inc()
	return true, nil
}

func (r *Reader) applyInitialSkip(entryID int64) {
	r.mu.Lock()
	skip := r.skipSlot
	atStart := r.cursor.SegmentSeq == r.currentSeq && entryID == r.cursor.EntryID
	r.skipSlot = -1
	r.mu.Unlock()
	if skip < 0 || !atStart {
		return
	}
	for i := int64(0); i < skip; i++ {
		if _, _, err := r.currentReader.Next(); err != nil {
			break
		}
	}
}

// handleSegmentTailBlocked is reached when the current segment has no
// entry beyond last-confirmed. A complete segment is fully drained and
// advances to the next one; an in-progress segment transitions to
// AwaitCompletion and watches the metadata store.
func (r *Reader) handleSegmentTailBlocked(ctx context.Context) (bool, error) {
	info, ok, err := r.meta.GetSegment(ctx, r.currentSeq)
	if err != nil {
		return false, err
	}
	if ok && info.State == types.SegmentComplete {
		r.closeCurrent()
		r.mu.Lock()
		r.currentSeq++
		r.state = Closed
		r.mu.Unlock()
		return r.loadNextEntry(ctx)
	}

	r.mu.Lock()
	alreadyWaiting := r.state == AwaitCompletion
	r.state = AwaitCompletion
	r.mu.Unlock()
	if !alreadyWaiting {
		_ = r.meta.WatchCompletion(ctx, r.currentSeq, func() {
			r.mu.Lock()
			r.state = Positioned
			r.mu.Unlock()
			r.poke()
		})
	}
	return false, nil
}

// openInOrder lists segments and opens the first candidate containing
// or following cursor, per spec §4.3.
func (r *Reader) openInOrder(ctx context.Context) error {
	segments, err := r.meta.List(ctx)
	if err != nil {
		return fmt.Errorf("streamlog: list segments: %w", err)
	}

	r.mu.Lock()
	startSeq := r.cursor.SegmentSeq
	if r.currentSeq > startSeq {
		startSeq = r.currentSeq
	}
	r.mu.Unlock()

	var target *types.SegmentInfo
	for i := range segments {
		if segments[i].SegmentSeq >= startSeq {
			target = &segments[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: no segment at or after %d", types.ErrSegmentNotFound, startSeq)
	}

	handle, err := r.store.OpenForRead(ctx, target.SegmentSeq)
	if err != nil {
		return fmt.Errorf("streamlog: open segment %d for read: %w", target.SegmentSeq, err)
	}

	r.mu.Lock()
	r.currentHandle = handle
	r.currentSeq = target.SegmentSeq
	r.nextEntryID = 0
	if r.currentSeq == r.cursor.SegmentSeq && r.cursor.EntryID > 0 {
		r.nextEntryID = r.cursor.EntryID
	}
	r.state = Positioned
	r.mu.Unlock()

	if r.config.ReadAhead && target.State == types.SegmentInProgress {
		r.ra = readahead.New(handle, r.nextEntryID, readahead.WithLogger(r.logger), readahead.WithRegisterer(r.reg), readahead.WithPollInterval(r.config.PollInterval))
		r.ra.Start(ctx)
		go r.forwardReadAheadNotify()
	}
	return nil
}

func (r *Reader) forwardReadAheadNotify() {
	for range r.ra.Notify() {
		r.poke()
	}
}

func (r *Reader) closeCurrent() {
	if r.ra != nil {
		r.ra.Stop()
		r.ra = nil
	}
	if r.currentHandle != nil {
		if err := r.currentHandle.Close(); err != nil {
			level.Warn(r.logger).Log("msg", "closing segment read handle failed", "segment_seq", r.currentSeq, "err", err)
		}
		r.currentHandle = nil
	}
	r.currentReader = nil
}
