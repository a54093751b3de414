package segwriter

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// writerMetrics mirrors the teacher's walMetrics pattern: a private
// struct of prometheus collectors built by a promauto constructor.
type writerMetrics struct {
	transmissions        prometheus.Counter
	controlTransmissions  prometheus.Counter
	bytesPacked           prometheus.Counter
	recordsPacked         prometheus.Counter
	recordsPerUnit        prometheus.Histogram
	outstanding           prometheus.Gauge
	transmitErrors        prometheus.Counter
	flushLatencyMicros    prometheus.Histogram
}

func newWriterMetrics(reg prometheus.Registerer) *writerMetrics {
	return &writerMetrics{
		transmissions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamlog_segwriter_transmissions_total",
			Help: "streamlog_segwriter_transmissions_total counts transmission units submitted to the segment store.",
		}),
		controlTransmissions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamlog_segwriter_control_transmissions_total",
			Help: "streamlog_segwriter_control_transmissions_total counts synthetic control-record transmissions.",
		}),
		bytesPacked: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamlog_segwriter_bytes_packed_total",
			Help: "streamlog_segwriter_bytes_packed_total counts encoded record bytes packed into transmission units.",
		}),
		recordsPacked: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamlog_segwriter_records_packed_total",
			Help: "streamlog_segwriter_records_packed_total counts user records packed into transmission units.",
		}),
		recordsPerUnit: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "streamlog_segwriter_records_per_unit",
			Help:    "streamlog_segwriter_records_per_unit is the distribution of records packed per transmission unit.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		outstanding: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "streamlog_segwriter_outstanding_transmissions",
			Help: "streamlog_segwriter_outstanding_transmissions is the number of transmissions awaiting acknowledgement.",
		}),
		transmitErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamlog_segwriter_transmit_errors_total",
			Help: "streamlog_segwriter_transmit_errors_total counts non-OK acknowledgements from the segment store.",
		}),
		flushLatencyMicros: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "streamlog_segwriter_flush_latency_microseconds",
			Help:    "streamlog_segwriter_flush_latency_microseconds is the latency of sync() calls waiting for outstanding acks.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 16),
		}),
	}
}

// latencyRecorder wraps an hdrhistogram.Histogram for higher fidelity
// percentile reporting (SPEC_FULL.md §2); it is independent of the
// prometheus histograms above. Nothing in the module calls it: bench/
// builds its own hdrhistogram.Histogram directly.
type latencyRecorder struct {
	hist *hdrhistogram.Histogram
}

func newLatencyRecorder() *latencyRecorder {
	return &latencyRecorder{hist: hdrhistogram.New(1, 10*time.Minute.Microseconds(), 3)}
}

func (l *latencyRecorder) Record(micros int64) error {
	return l.hist.RecordValue(micros)
}

func (l *latencyRecorder) ValueAtQuantile(q float64) int64 {
	return l.hist.ValueAtQuantile(q)
}
