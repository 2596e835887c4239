//go:build linux

package record

import "golang.org/x/sys/unix"

// sysinfo load averages are fixed point with 16 fractional bits.
const loadScale = 1 << 16

// SampleLoad reads the 1-minute load average from sysinfo(2).
func SampleLoad() (float64, bool) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, false
	}

	return float64(info.Loads[0]) / loadScale, true
}
