// Package timer provides the software timers used by the diagnostic stack:
// a wall-clock Timer for bounded polling loops and a tick-driven Bank of
// countdown timers advanced by the owner's main function.
package timer

import "time"

// Timer tracks elapsed time against a timeout.
type Timer struct {
	startTime time.Time
	timeout   time.Duration
	running   bool
}

func NewTimer(timeout time.Duration) *Timer {
	t := &Timer{}
	t.SetTimeout(timeout)
	return t
}

func (t *Timer) SetTimeout(timeout time.Duration) {
	t.timeout = timeout
}

func (t *Timer) Start(timeout ...time.Duration) {
	if len(timeout) > 0 {
		t.SetTimeout(timeout[0])
	}
	t.startTime = time.Now()
	t.running = true
}

func (t *Timer) Stop() {
	t.running = false
	t.startTime = time.Time{}
}

func (t *Timer) Elapsed() time.Duration {
	if !t.running {
		return 0
	}
	return time.Since(t.startTime)
}

func (t *Timer) Remaining() time.Duration {
	if t.IsStopped() {
		return 0
	}
	remaining := t.timeout - t.Elapsed()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsTimedOut reports whether a running timer has passed its timeout. A zero
// timeout is always timed out.
func (t *Timer) IsTimedOut() bool {
	if t.IsStopped() {
		return false
	}
	return t.Elapsed() > t.timeout || t.timeout == 0
}

func (t *Timer) IsStopped() bool {
	return !t.running
}

// Ticks converts d into a number of main function periods, rounding up.
// Any positive duration is at least one tick.
func Ticks(d, period time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	if period <= 0 {
		return 1
	}
	n := (d + period - 1) / period
	if n < 1 {
		n = 1
	}
	return uint32(n)
}
