package queue

import (
	"time"
)

// bucket holds the pending records of one time window. gen changes every
// time the bucket is created or shortened, so a flush can tell whether the
// records it delivered are still the head of the bucket.
type bucket struct {
	gen     uint64
	records []map[string]any
}

// snapshot is what a flush copied out of a bucket before calling the sink.
type snapshot struct {
	key     int64
	gen     uint64
	records []map[string]any
}

// floorToWindow returns the start of the window containing t, in Unix
// nanoseconds. Windows are aligned to the Unix epoch. A zero window
// returns t itself.
func floorToWindow(t time.Time, window time.Duration) int64 {
	ns := t.UnixNano()
	if window <= 0 {
		return ns
	}

	w := int64(window)

	rem := ns % w
	if rem < 0 {
		rem += w
	}

	return ns - rem
}

func bucketTime(key int64) time.Time {
	return time.Unix(0, key).UTC()
}
