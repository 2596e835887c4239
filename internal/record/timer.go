package record

import "time"

// Timer measures one named interval and reports it into its record as
// {name}_ms (sum of elapsed milliseconds) and {name}_cnt (number of stops).
// Timers with the same name accumulate into the same counters.
//
// Scoped use:
//
//	defer rec.Timer("db_query").Start().Stop()
type Timer struct {
	name  string
	owner *Record

	// Guarded by owner.mu.
	start   time.Time
	running bool
}

// Name returns the timer name.
func (t *Timer) Name() string {
	return t.name
}

// Start registers the timer with its record and stamps the start time.
// Starting a running timer does nothing.
func (t *Timer) Start() *Timer {
	if t.owner == nil {
		return t
	}

	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()

	if !t.running {
		t.owner.startTimerLocked(t)
	}

	return t
}

// Stop reports the elapsed time to the record. Stopping a timer that is
// not running does nothing.
func (t *Timer) Stop() {
	if t.owner == nil {
		return
	}

	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()

	t.owner.stopTimerLocked(t, t.owner.now())
}

// Running reports whether the timer has been started and not yet stopped.
func (t *Timer) Running() bool {
	if t.owner == nil {
		return false
	}

	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()

	return t.running
}

// Time runs fn with the timer started. The timer is stopped however fn
// returns, including by panic.
func (t *Timer) Time(fn func() error) error {
	t.Start()
	defer t.Stop()

	return fn()
}
