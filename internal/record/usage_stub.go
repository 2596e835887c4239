//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package record

// SampleUsage reports no usage on platforms without getrusage.
func SampleUsage() (Usage, bool) {
	return Usage{}, false
}
