package event

import "time"

var processStart = time.Now()

// monotonicNow returns nanoseconds elapsed since process start, using the
// runtime's monotonic clock reading embedded in time.Time.
func monotonicNow() int64 {
	return time.Since(processStart).Nanoseconds()
}
