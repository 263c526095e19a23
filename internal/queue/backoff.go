package queue

import "time"

// computeDelay picks the schedule slot for attempt (1-based) and applies
// +/- jitterPct using r, a uniform sample in [0,1).
func computeDelay(attempt int, schedule []time.Duration, jitterPct float64, r float64) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	base := schedule[idx]
	j := 1 + (r*2-1)*jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}
