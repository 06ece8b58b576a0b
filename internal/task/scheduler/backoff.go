package scheduler

import "time"

const (
	defaultBackoffCap     = 8
	defaultFailureCeiling = 5

	// MaxBackoffCap bounds scheduler.backoff_cap.
	MaxBackoffCap = 1024
	// maxBackoffDelay saturates a backed-off interval so the multiplication
	// cannot overflow into a due time in the past.
	maxBackoffDelay = 7 * 24 * time.Hour
)

// backoffMultiplier is min(2^level, cap).
func backoffMultiplier(level, capMult int) int {
	capMult = max(1, min(capMult, MaxBackoffCap))
	if level <= 0 {
		return 1
	}
	if level >= 30 {
		return capMult
	}
	return min(1<<level, capMult)
}

// maxBackoffLevel is the smallest level whose multiplier reaches capMult.
// Levels beyond it change nothing, so the counter stops there.
func maxBackoffLevel(capMult int) int {
	capMult = min(capMult, MaxBackoffCap)
	level := 0
	for (1 << level) < capMult {
		level++
	}
	return level
}
