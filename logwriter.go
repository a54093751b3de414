// Package streamlog is the stream-level orchestrator (Log Writer, spec
// §4.2): it serializes every write through an ordered, single-consumer
// task queue, triggers segment rolling, drains pending writes across a
// roll, and tracks the stream's last-acknowledged transaction id.
package streamlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamlog/streamlog/lock"
	"github.com/streamlog/streamlog/position"
	"github.com/streamlog/streamlog/queue"
	"github.com/streamlog/streamlog/record"
	"github.com/streamlog/streamlog/segwriter"
	"github.com/streamlog/streamlog/types"
)

const lockReasonWriter = "log-writer"

// Option configures a LogWriter at construction.
type Option func(*LogWriter)

func WithLogger(logger log.Logger) Option {
	return func(lw *LogWriter) { lw.logger = logger }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(lw *LogWriter) { lw.reg = reg }
}

type pendingWrite struct {
	rec record.Record
	fut *Future
}

// LogWriter is the per-stream write orchestrator. All fields below the
// queue are touched only from the queue's single consumer goroutine,
// except where noted; this is what lets the design skip a lock around
// most of the roll/drain state machine.
type LogWriter struct {
	streamName string
	store      types.SegmentStore
	meta       types.MetadataStore
	lockHandle *lock.Lock
	config     types.StreamConfig
	logger     log.Logger
	reg        prometheus.Registerer
	metrics    *logWriterMetrics
	queue      *queue.Queue

	current    *segwriter.Writer
	currentSeq int64
	rollPolicy *rollPolicy
	rolling    bool
	pending    []pendingWrite

	stateMu     sync.Mutex
	lastTxId    int64
	errored     bool
	errCause    error
	endOfStream bool
	closed      bool
}

// Open acquires the stream lock, resumes or creates the stream's tail
// segment, and returns a ready-to-use LogWriter.
func Open(ctx context.Context, streamName string, store types.SegmentStore, meta types.MetadataStore, lockHandle *lock.Lock, config types.StreamConfig, opts ...Option) (*LogWriter, error) {
	if lock.IsReservedName(streamName) {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidStreamName, streamName)
	}

	lw := &LogWriter{
		streamName: streamName,
		store:      store,
		meta:       meta,
		lockHandle: lockHandle,
		config:     config,
		logger:     log.NewNopLogger(),
		reg:        prometheus.DefaultRegisterer,
		rollPolicy: newRollPolicy(time.Now()),
	}
	for _, opt := range opts {
		opt(lw)
	}
	lw.metrics = newLogWriterMetrics(lw.reg)
	lw.queue = queue.New(lw.logger)

	if err := lockHandle.Acquire(ctx, lockReasonWriter); err != nil {
		lw.queue.Close()
		return nil, fmt.Errorf("streamlog: acquire stream lock for %q: %w", streamName, err)
	}
	lockHandle.AddObserver(lw)

	if err := lw.openTailSegment(ctx); err != nil {
		_ = lockHandle.Release(ctx, lockReasonWriter)
		lw.queue.Close()
		return nil, err
	}
	return lw, nil
}

func (lw *LogWriter) openTailSegment(ctx context.Context) error {
	segments, err := lw.meta.List(ctx)
	if err != nil {
		return fmt.Errorf("streamlog: list segments for %q: %w", lw.streamName, err)
	}

	if len(segments) == 0 {
		return lw.createSegment(ctx, 1, record.EmptySegmentTxId)
	}

	last := segments[len(segments)-1]
	if last.State == types.SegmentInProgress {
		handle, err := lw.store.OpenForWrite(ctx, last.SegmentSeq)
		if err != nil {
			return fmt.Errorf("streamlog: reopen in-progress segment %d: %w", last.SegmentSeq, err)
		}
		lw.installWriter(handle, last.SegmentSeq)
		return nil
	}
	return lw.createSegment(ctx, last.SegmentSeq+1, last.LastTxId)
}

func (lw *LogWriter) createSegment(ctx context.Context, segmentSeq, startTxId int64) error {
	writer, err := lw.openSegmentForWrite(ctx, segmentSeq, startTxId)
	if err != nil {
		return err
	}
	lw.current = writer
	lw.currentSeq = segmentSeq
	return nil
}

// openSegmentForWrite creates segmentSeq's metadata and segment-store
// object and wraps it in a Segment Writer, without touching lw.current
// (the caller installs it, once the new segment is ready).
func (lw *LogWriter) openSegmentForWrite(ctx context.Context, segmentSeq, startTxId int64) (*segwriter.Writer, error) {
	if err := lw.meta.CreateInProgress(ctx, segmentSeq, startTxId, lw.config.RegionID); err != nil {
		return nil, fmt.Errorf("streamlog: create segment metadata %d: %w", segmentSeq, err)
	}
	handle, err := lw.store.Create(ctx, segmentSeq)
	if err != nil {
		return nil, fmt.Errorf("streamlog: create segment store object %d: %w", segmentSeq, err)
	}
	return segwriter.New(handle, segmentSeq, lw.lockHandle, lw.config,
		segwriter.WithLogger(lw.logger),
		segwriter.WithRegisterer(lw.reg),
		segwriter.WithFlushPeriod(lw.config.FlushPeriod),
	), nil
}

func (lw *LogWriter) installWriter(handle types.SegmentHandle, segmentSeq int64) {
	lw.current = segwriter.New(handle, segmentSeq, lw.lockHandle, lw.config,
		segwriter.WithLogger(lw.logger),
		segwriter.WithRegisterer(lw.reg),
		segwriter.WithFlushPeriod(lw.config.FlushPeriod),
	)
	lw.currentSeq = segmentSeq
}

// Write submits one record (spec §4.2's write operation). The returned
// future resolves once the record's containing transmission unit is
// acknowledged.
func (lw *LogWriter) Write(ctx context.Context, rec record.Record) (*Future, error) {
	if err, ok := lw.checkErrored(); ok {
		return nil, err
	}
	fut := newFuture()
	if !lw.queue.Submit(func() { lw.writeTask(ctx, rec, fut) }) {
		return nil, types.ErrClosed
	}
	return fut, nil
}

func (lw *LogWriter) writeTask(ctx context.Context, rec record.Record, fut *Future) {
	if err, ok := lw.checkErrored(); ok {
		fut.fail(err)
		return
	}
	if lw.endOfStream && !rec.IsEndOfStream() {
		fut.fail(types.ErrEndOfStream)
		return
	}
	if lw.rolling {
		if lw.config.FailFastOnRolling {
			fut.fail(types.ErrNotReady)
			return
		}
		lw.pending = append(lw.pending, pendingWrite{rec: rec, fut: fut})
		lw.metrics.pendingQueued.Inc()
		lw.metrics.pendingDepth.Set(float64(len(lw.pending)))
		return
	}
	lw.dispatch(ctx, rec, fut)
}

// dispatch hands rec to the current segment writer and, if the roll
// policy now says to, kicks off a roll once rec's future resolves.
func (lw *LogWriter) dispatch(ctx context.Context, rec record.Record, fut *Future) {
	segFut, err := lw.current.Write(ctx, rec)
	if err != nil {
		fut.fail(err)
		lw.maybeMarkErrored(err)
		return
	}
	lw.rollPolicy.record(rec.EncodedLen())
	lw.recordLastTxId(rec.TxId)
	lw.bindFuture(segFut, fut)
	if rec.IsEndOfStream() {
		lw.endOfStream = true
	}
	if lw.rollPolicy.shouldRoll(lw.config, time.Now()) {
		lw.beginRoll(ctx, segFut, rec.TxId)
	}
}

// bindFuture forwards segFut's resolution to fut on a dedicated
// goroutine, the "I/O continuation" the design notes describe running
// off the queue's single consumer (spec §5).
func (lw *LogWriter) bindFuture(segFut *segwriter.Future, fut *Future) {
	go func() {
		pos, err := segFut.Wait()
		if err != nil {
			fut.fail(err)
			return
		}
		fut.resolve(pos)
	}()
}

// beginRoll enters rolling state and arranges for finishRoll to run on
// the queue once the triggering record's transmission is acknowledged
// (spec §4.2, step 2).
func (lw *LogWriter) beginRoll(ctx context.Context, triggerFut *segwriter.Future, triggerTxId int64) {
	lw.rolling = true
	oldWriter := lw.current
	oldSeq := lw.currentSeq
	go func() {
		_, err := triggerFut.Wait()
		lw.queue.Submit(func() { lw.finishRoll(ctx, oldWriter, oldSeq, err, triggerTxId) })
	}()
}

func (lw *LogWriter) finishRoll(ctx context.Context, oldWriter *segwriter.Writer, oldSeq int64, triggerErr error, triggerTxId int64) {
	if triggerErr != nil {
		oldWriter.Abort()
		lw.failAllPending(triggerErr)
		lw.setErrored(triggerErr)
		lw.rolling = false
		return
	}

	lastPos := oldWriter.GetLastPosition()
	if err := oldWriter.Close(ctx); err != nil {
		level.Warn(lw.logger).Log("msg", "closing rolled segment failed", "segment_seq", oldSeq, "err", err)
	}
	if err := lw.meta.Complete(ctx, oldSeq, lastPos.EntryID, lastPos.SlotID, triggerTxId); err != nil && !errors.Is(err, types.ErrAlreadyComplete) {
		lw.failAllPending(err)
		lw.setErrored(err)
		lw.rolling = false
		return
	}

	newSeq := oldSeq + 1
	newWriter, err := lw.openSegmentForWrite(ctx, newSeq, triggerTxId)
	if err != nil {
		lw.failAllPending(err)
		lw.setErrored(err)
		lw.rolling = false
		return
	}
	lw.current = newWriter
	lw.currentSeq = newSeq
	lw.rollPolicy.reset(time.Now())
	lw.rolling = false
	lw.metrics.rollsCompleted.Inc()

	pending := lw.pending
	lw.pending = nil
	lw.metrics.pendingDepth.Set(0)
	lw.drainPending(ctx, pending)
}

// drainPending dispatches queued writes into the freshly-rolled
// segment in arrival order (spec §4.2, "drains the queued pending
// writes in order"). A second roll trigger mid-drain recurses through
// beginRoll/finishRoll exactly like the first.
func (lw *LogWriter) drainPending(ctx context.Context, items []pendingWrite) {
	for i, pw := range items {
		lw.metrics.pendingDrained.Inc()
		segFut, err := lw.current.Write(ctx, pw.rec)
		if err != nil {
			pw.fut.fail(err)
			lw.setErrored(err)
			for _, rest := range items[i+1:] {
				rest.fut.fail(err)
			}
			return
		}
		lw.rollPolicy.record(pw.rec.EncodedLen())
		lw.recordLastTxId(pw.rec.TxId)
		lw.bindFuture(segFut, pw.fut)
		if lw.rollPolicy.shouldRoll(lw.config, time.Now()) {
			lw.pending = append([]pendingWrite(nil), items[i+1:]...)
			lw.metrics.pendingDepth.Set(float64(len(lw.pending)))
			lw.rolling = true
			lw.beginRoll(ctx, segFut, pw.rec.TxId)
			return
		}
	}
}

func (lw *LogWriter) failAllPending(err error) {
	for _, pw := range lw.pending {
		pw.fut.fail(err)
	}
	lw.pending = nil
	lw.metrics.pendingDepth.Set(0)
}

// WriteBulk submits a batch of records as a single queue task; they
// are written in order and share one trailing flush (spec §4.2).
func (lw *LogWriter) WriteBulk(ctx context.Context, recs []record.Record) *BulkFuture {
	bulkFut := newBulkFuture()
	if err, ok := lw.checkErrored(); ok {
		bulkFut.fail(err)
		return bulkFut
	}
	if !lw.queue.Submit(func() { lw.writeBulkTask(ctx, recs, bulkFut) }) {
		bulkFut.fail(types.ErrClosed)
	}
	return bulkFut
}

func (lw *LogWriter) writeBulkTask(ctx context.Context, recs []record.Record, bulkFut *BulkFuture) {
	if err, ok := lw.checkErrored(); ok {
		bulkFut.fail(err)
		return
	}
	if lw.rolling {
		// Roll in progress: preserve order by queuing each record
		// individually. The batch loses its shared trailing flush in
		// this case; ordering and position assignment are unaffected.
		futs := make([]*Future, 0, len(recs))
		for _, rec := range recs {
			fut := newFuture()
			futs = append(futs, fut)
			lw.pending = append(lw.pending, pendingWrite{rec: rec, fut: fut})
		}
		lw.metrics.pendingQueued.Add(float64(len(recs)))
		lw.metrics.pendingDepth.Set(float64(len(lw.pending)))
		bulkFut.resolve(futs)
		return
	}

	futs := make([]*Future, 0, len(recs))
	for i, rec := range recs {
		segFut, err := lw.current.Write(ctx, rec)
		if err != nil {
			bulkFut.fail(err)
			lw.maybeMarkErrored(err)
			return
		}
		lw.rollPolicy.record(rec.EncodedLen())
		lw.recordLastTxId(rec.TxId)
		fut := newFuture()
		lw.bindFuture(segFut, fut)
		futs = append(futs, fut)

		if lw.rollPolicy.shouldRoll(lw.config, time.Now()) {
			for _, r := range recs[i+1:] {
				f := newFuture()
				futs = append(futs, f)
				lw.pending = append(lw.pending, pendingWrite{rec: r, fut: f})
			}
			lw.metrics.pendingDepth.Set(float64(len(lw.pending)))
			lw.rolling = true
			lw.beginRoll(ctx, segFut, rec.TxId)
			bulkFut.resolve(futs)
			return
		}
	}

	w := lw.current
	go func() { _, _ = w.Flush(ctx) }()
	bulkFut.resolve(futs)
}

// Truncate marks all segments entirely below pos as truncated.
// Idempotent (P6).
func (lw *LogWriter) Truncate(ctx context.Context, pos position.Position) error {
	done := make(chan error, 1)
	if !lw.queue.Submit(func() { done <- lw.meta.MarkTruncatedBelow(ctx, pos.SegmentSeq) }) {
		return types.ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkEndOfStream writes the reserved terminal record and flushes
// (spec §4.2).
func (lw *LogWriter) MarkEndOfStream(ctx context.Context) error {
	done := make(chan error, 1)
	submitted := lw.queue.Submit(func() {
		if err, ok := lw.checkErrored(); ok {
			done <- err
			return
		}
		if lw.current == nil {
			done <- types.ErrNotReady
			return
		}
		err := lw.current.MarkEndOfStream(ctx)
		if err == nil {
			lw.endOfStream = true
		}
		done <- err
	})
	if !submitted {
		return types.ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseAndComplete drains the task queue, closes and completes the
// current segment, and releases the stream lock (spec §4.2).
func (lw *LogWriter) CloseAndComplete(ctx context.Context) error {
	var closeErr error
	submitted := lw.queue.Submit(func() {
		if lw.current != nil {
			if err := lw.current.Close(ctx); err != nil {
				closeErr = err
			}
			lastPos := lw.current.GetLastPosition()
			lastTxId, _ := lw.current.GetLastAckedTxId()
			if err := lw.meta.Complete(ctx, lw.currentSeq, lastPos.EntryID, lastPos.SlotID, max64(lastTxId, lw.getLastTxId())); err != nil && !errors.Is(err, types.ErrAlreadyComplete) && closeErr == nil {
				closeErr = err
			}
		}
		lw.stateMu.Lock()
		lw.closed = true
		lw.stateMu.Unlock()
	})
	if submitted {
		lw.queue.Drain()
	}

	if err := lw.lockHandle.Release(ctx, lockReasonWriter); err != nil && closeErr == nil {
		closeErr = err
	}
	lw.lockHandle.Close()
	lw.queue.Close()
	return closeErr
}

// OnSessionExpired implements types.SessionObserver: lock loss flips
// the writer to errored so every subsequent operation fails fast.
func (lw *LogWriter) OnSessionExpired() {
	lw.setErrored(types.ErrFenced)
}

// GetLastTxId returns the highest transaction id submitted so far,
// regardless of acknowledgement.
func (lw *LogWriter) GetLastTxId() int64 {
	return lw.getLastTxId()
}

func (lw *LogWriter) getLastTxId() int64 {
	lw.stateMu.Lock()
	defer lw.stateMu.Unlock()
	return lw.lastTxId
}

func (lw *LogWriter) recordLastTxId(txid int64) {
	lw.stateMu.Lock()
	if txid > lw.lastTxId {
		lw.lastTxId = txid
	}
	lw.stateMu.Unlock()
}

func (lw *LogWriter) checkErrored() (error, bool) {
	lw.stateMu.Lock()
	defer lw.stateMu.Unlock()
	if lw.closed {
		return types.ErrClosed, true
	}
	if lw.errored {
		return lw.errCause, true
	}
	return nil, false
}

func (lw *LogWriter) setErrored(err error) {
	lw.stateMu.Lock()
	if !lw.errored {
		lw.errored = true
		lw.errCause = err
		lw.metrics.writeErrors.Inc()
	}
	lw.stateMu.Unlock()
}

// maybeMarkErrored treats a write rejection as fatal for the stream
// unless it was merely EndOfStream/InvalidTxId/OverLimit, which are
// per-record validation failures that leave the writer usable.
func (lw *LogWriter) maybeMarkErrored(err error) {
	switch {
	case errors.Is(err, types.ErrOverLimit), errors.Is(err, types.ErrInvalidTxId), errors.Is(err, types.ErrEndOfStream):
		return
	default:
		lw.setErrored(err)
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
