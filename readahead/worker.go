package readahead

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/streamlog/streamlog/types"
)

const (
	defaultInitialBatch = 4
	defaultMaxBatch     = 256
	defaultPollInterval = 50 * time.Millisecond
)

// Option configures a Worker at construction.
type Option func(*Worker)

func WithLogger(logger log.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(w *Worker) { w.reg = reg }
}

func WithBatchSizes(initial, max int64) Option {
	return func(w *Worker) { w.batch = initial; w.maxBatch = max }
}

func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

type workerMetrics struct {
	fetches       prometheus.Counter
	entriesCached prometheus.Counter
	batchSize     prometheus.Gauge
}

func newWorkerMetrics(reg prometheus.Registerer) *workerMetrics {
	return &workerMetrics{
		fetches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamlog_readahead_fetches_total",
			Help: "streamlog_readahead_fetches_total counts batched read_entries calls issued by the read-ahead worker.",
		}),
		entriesCached: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamlog_readahead_entries_cached_total",
			Help: "streamlog_readahead_entries_cached_total counts entries fetched into the read-ahead cache.",
		}),
		batchSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "streamlog_readahead_batch_size",
			Help: "streamlog_readahead_batch_size is the current read-ahead fetch batch size.",
		}),
	}
}

// Worker tails one in-progress segment, polling its last-confirmed
// entry id and pre-fetching newly-available entries into a Cache with
// an exponentially growing batch size (spec §4.3).
type Worker struct {
	handle types.SegmentHandle
	cache  *Cache
	logger log.Logger
	reg    prometheus.Registerer
	metrics *workerMetrics

	batch        int64
	maxBatch     int64
	pollInterval time.Duration

	mu       sync.Mutex
	nextFetch int64

	// notify is signalled (non-blocking) after every successful fetch,
	// letting a blocked Segment Reader wake up without polling the
	// cache itself.
	notify chan struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Worker that will start fetching from startEntryID once
// Start is called.
func New(handle types.SegmentHandle, startEntryID int64, opts ...Option) *Worker {
	w := &Worker{
		handle:       handle,
		cache:        NewCache(),
		logger:       log.NewNopLogger(),
		reg:          prometheus.DefaultRegisterer,
		batch:        defaultInitialBatch,
		maxBatch:     defaultMaxBatch,
		pollInterval: defaultPollInterval,
		nextFetch:    startEntryID,
		notify:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.metrics = newWorkerMetrics(w.reg)
	return w
}

// Cache returns the entry cache this worker fills.
func (w *Worker) Cache() *Cache { return w.cache }

// Notify returns a channel that receives a value shortly after every
// successful fetch, so a blocked consumer can re-check the cache.
func (w *Worker) Notify() <-chan struct{} { return w.notify }

// Start launches the poll loop in a background goroutine.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop halts the poll loop, waits for it to exit, and closes the
// notify channel so any goroutine ranging over Notify() returns.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
	close(w.notify)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	lastConfirmed, err := w.handle.ReadLastConfirmed(ctx)
	if err != nil {
		level.Warn(w.logger).Log("msg", "read-ahead last-confirmed poll failed", "err", err)
		return
	}

	w.mu.Lock()
	start := w.nextFetch
	w.mu.Unlock()

	if start > lastConfirmed {
		return
	}
	end := start + w.batch - 1
	if end > lastConfirmed {
		end = lastConfirmed
	}

	entries, err := w.handle.ReadEntries(ctx, start, end)
	if err != nil {
		level.Warn(w.logger).Log("msg", "read-ahead fetch failed", "start", start, "end", end, "err", err)
		return
	}
	w.metrics.fetches.Inc()
	for i, data := range entries {
		w.cache.Put(start+int64(i), data)
	}
	w.metrics.entriesCached.Add(float64(len(entries)))

	w.mu.Lock()
	w.nextFetch = start + int64(len(entries))
	if len(entries) > 0 {
		w.batch *= 2
		if w.batch > w.maxBatch {
			w.batch = w.maxBatch
		}
	}
	w.metrics.batchSize.Set(float64(w.batch))
	w.mu.Unlock()

	if len(entries) > 0 {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}
