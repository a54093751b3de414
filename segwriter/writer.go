// Package segwriter implements the Segment Writer (spec §4.1): the
// per-segment packing engine that buffers records, packs them into
// transmission units, submits one in-flight batch at a time to the
// segment store, assigns positions on acknowledgement, and enforces
// at-most-one-writer fencing.
package segwriter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamlog/streamlog/position"
	"github.com/streamlog/streamlog/record"
	"github.com/streamlog/streamlog/types"
)

// Ownership is the subset of lock.Lock this package depends on, kept
// narrow so tests can fake it without a real coordinator.
type Ownership interface {
	CheckOwnership() error
}

// Option configures a Writer at construction.
type Option func(*Writer)

func WithLogger(logger log.Logger) Option {
	return func(w *Writer) { w.logger = logger }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(w *Writer) { w.reg = reg }
}

// WithFlushPeriod enables the periodic flusher (spec §4.1): every
// period/2 it transmits new data, or sends a synthetic control record
// if a data transmission succeeded since the last control flush.
// Zero disables the periodic flusher.
func WithFlushPeriod(period time.Duration) Option {
	return func(w *Writer) { w.flushPeriod = period }
}

// WithCloseRetryBudget caps the total number of attempts (with doubling
// backoff between them) made to close the segment-store handle,
// per the Open Question in spec §9 ("cap retries by a fixed budget").
func WithCloseRetryBudget(n int) Option {
	return func(w *Writer) { w.closeRetryBudget = n }
}

// transmissionUnit is one buffered batch of records submitted as a
// single segment-store append and acknowledged atomically (spec
// glossary). Its promise list transfers ownership to whichever
// goroutine processes the acknowledgement (spec §9).
type transmissionUnit struct {
	buf        []byte
	promises   []*Future
	isControl  bool
	lastTxId   int64
	numRecords int
}

// Writer is the Segment Writer for exactly one segment.
type Writer struct {
	handle     types.SegmentHandle
	segmentSeq int64
	lock       Ownership
	config     types.StreamConfig
	logger     log.Logger
	reg        prometheus.Registerer
	metrics    *writerMetrics

	flushPeriod      time.Duration
	closeRetryBudget int

	mu                   sync.Mutex
	active               *transmissionUnit
	outstanding          int
	syncCond             *sync.Cond
	errored              bool
	errCause             error
	closed               bool
	endOfStream          bool
	lastBufferedTxId     int64
	lastFlushedTxId      int64
	lastAcknowledgedTxId int64
	lastAckedPosition    position.Position
	controlFlushNeeded   bool

	stopFlusher chan struct{}
	flusherDone chan struct{}
}

// New constructs a Writer appending to handle as segmentSeq, holding
// lock for ownership checks. The caller must already hold the stream
// lock and have created segmentSeq's metadata as in-progress.
func New(handle types.SegmentHandle, segmentSeq int64, lockOwner Ownership, config types.StreamConfig, opts ...Option) *Writer {
	if config.MaxRecordSize <= 0 {
		config.MaxRecordSize = record.MaxRecordSize
	}
	if config.MaxTransmissionSize <= 0 {
		config.MaxTransmissionSize = record.MaxTransmissionSize
	}
	w := &Writer{
		handle:           handle,
		segmentSeq:       segmentSeq,
		lock:             lockOwner,
		config:           config,
		logger:           log.NewNopLogger(),
		reg:              prometheus.DefaultRegisterer,
		closeRetryBudget: 5,
		active:            &transmissionUnit{},
		lastFlushedTxId:   record.InvalidTxId,
		lastAckedPosition: position.Position{SegmentSeq: segmentSeq, EntryID: -1, SlotID: -1},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.metrics = newWriterMetrics(w.reg)
	w.syncCond = sync.NewCond(&w.mu)

	if w.flushPeriod > 0 {
		w.stopFlusher = make(chan struct{})
		w.flusherDone = make(chan struct{})
		go w.runPeriodicFlush()
	}
	return w
}

// Write implements spec §4.1's write operation.
func (w *Writer) Write(ctx context.Context, rec record.Record) (*Future, error) {
	if err := record.Validate(rec, rec.IsEndOfStream()); err != nil {
		return nil, err
	}
	if len(rec.Payload) > w.config.MaxRecordSize {
		return nil, fmt.Errorf("%w: payload is %d bytes, max is %d", types.ErrOverLimit, len(rec.Payload), w.config.MaxRecordSize)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkWritableLocked(); err != nil {
		return nil, err
	}
	if w.endOfStream && !rec.IsEndOfStream() {
		return nil, types.ErrEndOfStream
	}

	if len(w.active.buf)+rec.EncodedLen() > w.config.MaxTransmissionSize && len(w.active.buf) > 0 {
		if err := w.transmitLocked(ctx); err != nil {
			return nil, err
		}
	}

	fut := newFuture()
	w.active.buf = record.Append(w.active.buf, rec)
	w.active.promises = append(w.active.promises, fut)
	w.active.numRecords++
	if !rec.IsControl() {
		w.active.lastTxId = rec.TxId
		w.lastBufferedTxId = rec.TxId
	}
	if rec.IsEndOfStream() {
		w.endOfStream = true
	}
	return fut, nil
}

// WriteBulk implements spec §4.1's write_bulk: sequential writes
// followed by one trailing flush.
func (w *Writer) WriteBulk(ctx context.Context, recs []record.Record) ([]*Future, error) {
	futs := make([]*Future, 0, len(recs))
	for _, r := range recs {
		fut, err := w.Write(ctx, r)
		if err != nil {
			return futs, err
		}
		futs = append(futs, fut)
	}
	if _, err := w.Flush(ctx); err != nil {
		return futs, err
	}
	return futs, nil
}

// checkWritableLocked must be called with w.mu held.
func (w *Writer) checkWritableLocked() error {
	if w.closed {
		return types.ErrClosed
	}
	if w.errored {
		return fmt.Errorf("%w: %v", types.ErrFenced, w.errCause)
	}
	if w.lock != nil {
		if err := w.lock.CheckOwnership(); err != nil {
			return err
		}
	}
	return nil
}

// transmitLocked implements the transmit pipeline step 1-3 from spec
// §4.1. w.mu must be held on entry and remains held on return; the
// actual segment-store append and its acknowledgement processing run
// asynchronously.
func (w *Writer) transmitLocked(ctx context.Context) error {
	if err := w.checkWritableLocked(); err != nil {
		return err
	}
	unit := w.active
	w.active = &transmissionUnit{}
	w.outstanding++
	w.metrics.outstanding.Set(float64(w.outstanding))
	w.lastFlushedTxId = w.lastBufferedTxId

	go w.submit(ctx, unit)
	return nil
}

func (w *Writer) submit(ctx context.Context, unit *transmissionUnit) {
	start := time.Now()
	entryID, err := w.handle.Append(ctx, unit.buf)
	w.metrics.flushLatencyMicros.Observe(float64(time.Since(start).Microseconds()))

	w.mu.Lock()
	defer w.mu.Unlock()

	w.outstanding--
	w.metrics.outstanding.Set(float64(w.outstanding))

	if err != nil {
		w.errored = true
		w.errCause = err
		w.metrics.transmitErrors.Inc()
		level.Error(w.logger).Log("msg", "transmission failed", "segment_seq", w.segmentSeq, "err", err)
		te := &types.TransmitError{Code: -1, Err: err}
		for _, p := range unit.promises {
			p.fail(te)
		}
		w.syncCond.Broadcast()
		return
	}

	if unit.isControl {
		w.metrics.controlTransmissions.Inc()
	} else {
		w.metrics.transmissions.Inc()
		w.metrics.bytesPacked.Add(float64(len(unit.buf)))
		w.metrics.recordsPacked.Add(float64(unit.numRecords))
		w.metrics.recordsPerUnit.Observe(float64(unit.numRecords))
	}

	for slot, p := range unit.promises {
		pos := position.Position{SegmentSeq: w.segmentSeq, EntryID: entryID, SlotID: int64(slot)}
		p.resolve(pos)
		if !unit.isControl && pos.Compare(w.lastAckedPosition) > 0 {
			w.lastAckedPosition = pos
		}
	}
	if len(unit.promises) == 0 && !unit.isControl {
		w.lastAckedPosition = position.Position{SegmentSeq: w.segmentSeq, EntryID: entryID, SlotID: -1}
	}
	if unit.lastTxId > w.lastAcknowledgedTxId {
		w.lastAcknowledgedTxId = unit.lastTxId
	}
	if !unit.isControl {
		w.controlFlushNeeded = true
	} else {
		w.controlFlushNeeded = false
	}
	w.syncCond.Broadcast()
}

// Flush implements spec §4.1's flush()/sync(): a best-effort
// transmission of the active buffer, a follow-up control record, then
// blocks until all outstanding transmissions are acknowledged.
func (w *Writer) Flush(ctx context.Context) (int64, error) {
	w.mu.Lock()
	if err := w.checkWritableLocked(); err != nil {
		w.mu.Unlock()
		return 0, err
	}
	if len(w.active.buf) > 0 {
		if err := w.transmitLocked(ctx); err != nil {
			w.mu.Unlock()
			return 0, err
		}
	}
	w.mu.Unlock()

	// Wait for the data to be acknowledged first, so the control record
	// that follows advances last-confirmed past it.
	if _, err := w.sync(ctx, 0); err != nil {
		return 0, err
	}
	if err := w.sendControlIfNeeded(ctx); err != nil {
		return 0, err
	}

	return w.sync(ctx, 0)
}

// sync blocks until outstanding reaches zero, or until timeout elapses
// (0 means no timeout), returning types.ErrFlushTimeout on expiry per
// spec §5's cancellation and timeout section.
func (w *Writer) sync(ctx context.Context, timeout time.Duration) (int64, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	done := make(chan struct{})
	go func() {
		w.mu.Lock()
		for w.outstanding > 0 && !w.errored {
			w.syncCond.Wait()
		}
		w.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-deadline:
		w.mu.Lock()
		w.errored = true
		w.errCause = types.ErrFlushTimeout
		w.mu.Unlock()
		return 0, types.ErrFlushTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.errored {
		return 0, fmt.Errorf("%w: %v", types.ErrFenced, w.errCause)
	}
	return w.lastAcknowledgedTxId, nil
}

// sendControlIfNeeded writes a synthetic control record advancing the
// visible last-confirmed boundary, if a data transmission has
// succeeded since the last one (spec §4.1's control record
// discipline). It transmits as its own transmission unit, independent
// of whatever the caller has since buffered in w.active.
func (w *Writer) sendControlIfNeeded(ctx context.Context) error {
	w.mu.Lock()
	if !w.controlFlushNeeded {
		w.mu.Unlock()
		return nil
	}
	if err := w.checkWritableLocked(); err != nil {
		w.mu.Unlock()
		return err
	}
	txid := w.lastBufferedTxId
	if txid < 0 {
		txid = record.InvalidTxId
	}
	ctrl := record.NewControl(txid, nil)
	unit := &transmissionUnit{buf: record.Append(nil, ctrl), isControl: true, lastTxId: txid}
	w.controlFlushNeeded = false
	w.outstanding++
	w.metrics.outstanding.Set(float64(w.outstanding))
	w.mu.Unlock()

	go w.submit(ctx, unit)
	return nil
}

// MarkEndOfStream implements spec §4.1: writes the reserved terminal
// record then flushes.
func (w *Writer) MarkEndOfStream(ctx context.Context) error {
	eos := record.NewEndOfStream()
	fut, err := w.Write(ctx, eos)
	if err != nil {
		return err
	}
	if _, err := w.Flush(ctx); err != nil {
		return err
	}
	_, err = fut.Wait()
	return err
}

// Close implements spec §4.1's close(finalize): cancels the periodic
// flusher, flushes if not errored, and closes the segment-store handle
// with bounded retry on transient errors.
func (w *Writer) Close(ctx context.Context) error {
	if w.stopFlusher != nil {
		close(w.stopFlusher)
		<-w.flusherDone
	}

	w.mu.Lock()
	wasErrored := w.errored
	w.mu.Unlock()

	if !wasErrored {
		if _, err := w.Flush(ctx); err != nil {
			level.Warn(w.logger).Log("msg", "final flush failed during close", "segment_seq", w.segmentSeq, "err", err)
		}
	}

	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	var closeErr error
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < w.closeRetryBudget; attempt++ {
		closeErr = w.handle.Close()
		if closeErr == nil {
			return nil
		}
		level.Warn(w.logger).Log("msg", "segment handle close failed, retrying", "segment_seq", w.segmentSeq, "attempt", attempt, "err", closeErr)
		time.Sleep(backoff)
		backoff *= 2
	}
	return fmt.Errorf("streamlog: closing segment %d handle after %d attempts: %w", w.segmentSeq, w.closeRetryBudget, closeErr)
}

// Abort implements spec §4.1: cancels pending promises, does not
// flush.
func (w *Writer) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for _, p := range w.active.promises {
		p.fail(types.ErrCancelled)
	}
	w.active = &transmissionUnit{}
	w.syncCond.Broadcast()
}

// OnSessionExpired implements types.SessionObserver: lock loss flips
// the writer to errored (spec §4.1's "Error states and fencing").
func (w *Writer) OnSessionExpired() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.errored {
		return
	}
	w.errored = true
	w.errCause = types.ErrFenced
	w.syncCond.Broadcast()
}

// GetLastAckedTxId implements SPEC_FULL.md §6: a non-blocking
// accessor for the Log Writer's bookkeeping.
func (w *Writer) GetLastAckedTxId() (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastAcknowledgedTxId == 0 && w.lastFlushedTxId == record.InvalidTxId {
		return 0, false
	}
	return w.lastAcknowledgedTxId, true
}

// IsErrored reports whether the writer has entered the sticky error
// state.
func (w *Writer) IsErrored() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.errored, w.errCause
}

// GetLastPosition returns the highest acknowledged position of a data
// (non-control) record, used by the Log Writer to populate a
// segment's last_entry_seq/last_slot on completion.
func (w *Writer) GetLastPosition() position.Position {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastAckedPosition
}

// SegmentSeq returns the segment sequence number this writer targets.
func (w *Writer) SegmentSeq() int64 { return w.segmentSeq }

func (w *Writer) runPeriodicFlush() {
	defer close(w.flusherDone)
	ticker := time.NewTicker(w.flushPeriod / 2)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopFlusher:
			return
		case <-ticker.C:
			w.periodicTick()
		}
	}
}

func (w *Writer) periodicTick() {
	w.mu.Lock()
	hasData := len(w.active.buf) > 0
	needsControl := !hasData && w.controlFlushNeeded
	errored := w.errored || w.closed
	w.mu.Unlock()
	if errored {
		return
	}
	ctx := context.Background()
	if hasData {
		w.mu.Lock()
		_ = w.transmitLocked(ctx)
		w.mu.Unlock()
		return
	}
	if needsControl {
		_ = w.sendControlIfNeeded(ctx)
	}
}
