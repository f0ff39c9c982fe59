package realtime

import "time"

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs callbacks after a delay. Sessions use it for backoff, token
// refresh and polling so that tests can drive time by hand.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

type systemScheduler struct{}

// SystemScheduler schedules on the runtime's timers.
func SystemScheduler() Scheduler { return systemScheduler{} }

func (systemScheduler) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func (systemScheduler) Now() time.Time { return time.Now() }
