package streamlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// logWriterMetrics mirrors the teacher's walMetrics pattern at the
// stream-orchestrator level.
type logWriterMetrics struct {
	rollsCompleted prometheus.Counter
	pendingQueued  prometheus.Counter
	pendingDrained prometheus.Counter
	pendingDepth   prometheus.Gauge
	writeErrors    prometheus.Counter
}

func newLogWriterMetrics(reg prometheus.Registerer) *logWriterMetrics {
	return &logWriterMetrics{
		rollsCompleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamlog_logwriter_rolls_completed_total",
			Help: "streamlog_logwriter_rolls_completed_total counts segment rolls that completed successfully.",
		}),
		pendingQueued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamlog_logwriter_pending_queued_total",
			Help: "streamlog_logwriter_pending_queued_total counts writes buffered while a roll was in progress.",
		}),
		pendingDrained: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamlog_logwriter_pending_drained_total",
			Help: "streamlog_logwriter_pending_drained_total counts pending writes dispatched into a freshly rolled segment.",
		}),
		pendingDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "streamlog_logwriter_pending_depth",
			Help: "streamlog_logwriter_pending_depth is the number of writes currently buffered waiting for a roll to finish.",
		}),
		writeErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamlog_logwriter_write_errors_total",
			Help: "streamlog_logwriter_write_errors_total counts writes that flipped the log writer into its sticky error state.",
		}),
	}
}
