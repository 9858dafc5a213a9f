package clock

import "time"

// Clock is the time source for debounces, TTLs and reconnect delays.
// Production code uses Real(); tests use Fake() and drive time with Advance.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (real) or synchronously during
	// Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop reports whether the call prevented the callback from running.
	Stop() bool
}

type realClock struct{}

func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
