//go:build !linux

package record

// SampleLoad reports no load average outside Linux.
func SampleLoad() (float64, bool) {
	return 0, false
}
