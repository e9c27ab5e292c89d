package call

import "time"

// Timer is a pending scheduled function.
type Timer interface {
	// Stop cancels the timer. It returns false if the timer already fired
	// or was stopped.
	Stop() bool
}

// Scheduler runs fn once after d.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Timer
}

// TimeScheduler schedules on the process clock with time.AfterFunc.
// Pending timers do not survive a restart.
type TimeScheduler struct{}

func (TimeScheduler) Schedule(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
