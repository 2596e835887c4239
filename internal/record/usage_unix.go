//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package record

import (
	"time"

	"golang.org/x/sys/unix"
)

// SampleUsage reads getrusage(RUSAGE_SELF).
func SampleUsage() (Usage, bool) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return Usage{}, false
	}

	return Usage{
		User:   time.Duration(unix.TimevalToNsec(ru.Utime)),
		System: time.Duration(unix.TimevalToNsec(ru.Stime)),
		MaxRSS: int64(ru.Maxrss),
	}, true
}
