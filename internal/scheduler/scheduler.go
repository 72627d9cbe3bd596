// Package scheduler runs independently timed checks on a single cooperative
// loop. A check whose interval has not elapsed returns immediately.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Clock abstracts time so the loop and the actuator hold can be tested
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock is the wall clock
var SystemClock Clock = systemClock{}

// Check is one periodic task
type Check struct {
	Name     string
	Interval time.Duration
	Run      func(now time.Time)
	next     time.Time
	ran      bool
}

// Every creates a check running fn once per interval. A zero interval runs
// on every loop iteration.
func Every(name string, interval time.Duration, fn func(now time.Time)) *Check {
	return &Check{Name: name, Interval: interval, Run: fn}
}

// Poll runs the check if it is due and reports whether it ran. A check that
// never ran is always due.
func (c *Check) Poll(now time.Time) bool {
	if c.ran && now.Before(c.next) {
		return false
	}
	c.ran = true
	c.next = now.Add(c.Interval)
	c.Run(now)
	return true
}

// Loop polls its checks in registration order on every iteration
type Loop struct {
	clock  Clock
	idle   time.Duration
	checks []*Check
	// OnPanic is called with the recovered value when a check panics
	OnPanic func(check string, r any)
}

// NewLoop creates a loop that pauses idle between iterations
func NewLoop(clock Clock, idle time.Duration, checks ...*Check) *Loop {
	if clock == nil {
		clock = SystemClock
	}
	return &Loop{clock: clock, idle: idle, checks: checks}
}

// Iterate runs a single pass over all checks
func (l *Loop) Iterate() {
	for _, c := range l.checks {
		l.poll(c)
	}
}

func (l *Loop) poll(c *Check) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("check", c.Name).Str("panic", fmt.Sprint(r)).Msg("check panicked")
			if l.OnPanic != nil {
				l.OnPanic(c.Name, r)
			}
		}
	}()
	c.Poll(l.clock.Now())
}

// Run iterates until ctx is cancelled
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		l.Iterate()
		if l.idle > 0 {
			l.clock.Sleep(l.idle)
		}
	}
}
