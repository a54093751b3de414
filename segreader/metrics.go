package segreader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type readerMetrics struct {
	idleWarnings        prometheus.Counter
	forcedBlockingReads prometheus.Counter
}

func newReaderMetrics(reg prometheus.Registerer) *readerMetrics {
	return &readerMetrics{
		idleWarnings: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamlog_segreader_idle_warnings_total",
			Help: "streamlog_segreader_idle_warnings_total counts warn-idle threshold crossings.",
		}),
		forcedBlockingReads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamlog_segreader_forced_blocking_reads_total",
			Help: "streamlog_segreader_forced_blocking_reads_total counts synchronous read_entries calls issued because the entry was not in the read-ahead cache or read-ahead is off.",
		}),
	}
}
