package record

import "time"

// Usage is a process resource usage snapshot.
type Usage struct {
	User   time.Duration
	System time.Duration
	// MaxRSS is the peak resident set size as reported by the OS
	// (kilobytes on Linux, bytes on Darwin).
	MaxRSS int64
}

// UsageSampler returns the current resource usage, or false when the
// platform cannot provide it.
type UsageSampler func() (Usage, bool)

// LoadSampler returns the 1-minute load average, or false when unavailable.
type LoadSampler func() (float64, bool)

// NoUsage is a UsageSampler for platforms or tests without usage data.
func NoUsage() (Usage, bool) { return Usage{}, false }

// NoLoad is a LoadSampler that never reports a load average.
func NoLoad() (float64, bool) { return 0, false }
