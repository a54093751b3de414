package streamlog

import (
	"time"

	"github.com/streamlog/streamlog/types"
)

// rollPolicy tracks the bytes, records and elapsed time accumulated
// against the active segment, deciding when the Log Writer should
// roll per spec §4.2 ("handler policy (size/time/record-count
// thresholds)").
type rollPolicy struct {
	bytesSinceRoll   int64
	recordsSinceRoll int64
	rollStart        time.Time
}

func newRollPolicy(now time.Time) *rollPolicy {
	return &rollPolicy{rollStart: now}
}

// record accounts for one record having been packed into the active
// segment.
func (p *rollPolicy) record(encodedLen int) {
	p.bytesSinceRoll += int64(encodedLen)
	p.recordsSinceRoll++
}

// reset clears the accumulated counters, called once a roll completes
// and a fresh segment becomes active.
func (p *rollPolicy) reset(now time.Time) {
	p.bytesSinceRoll = 0
	p.recordsSinceRoll = 0
	p.rollStart = now
}

// shouldRoll implements spec §4.2's roll decision: the rolling feature
// must be enabled, and at least one configured threshold must be met.
func (p *rollPolicy) shouldRoll(cfg types.StreamConfig, now time.Time) bool {
	if !cfg.RollingEnabled {
		return false
	}
	if cfg.RollMaxBytes > 0 && p.bytesSinceRoll >= cfg.RollMaxBytes {
		return true
	}
	if cfg.RollMaxRecords > 0 && p.recordsSinceRoll >= cfg.RollMaxRecords {
		return true
	}
	if cfg.RollMaxAge > 0 && now.Sub(p.rollStart) >= cfg.RollMaxAge {
		return true
	}
	return false
}
