// Package actuator drives the dispensing motor for a bounded duration.
//
// Dispense blocks the caller for the whole hold. The device has a single
// motor, so calls must be serialized by the caller.
package actuator

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrInvalidDuration is returned for non-positive hold durations
var ErrInvalidDuration = errors.New("dispense duration must be positive")

// Output is a logical ON/OFF line
type Output interface {
	Set(on bool) error
}

// Sleeper blocks for a duration
type Sleeper interface {
	Sleep(d time.Duration)
}

// Actuator drives one output
type Actuator struct {
	out   Output
	clock Sleeper
}

// New creates an actuator on out, holding with clock
func New(out Output, clock Sleeper) *Actuator {
	return &Actuator{out: out, clock: clock}
}

// Dispense asserts the output, holds for d and de-asserts it
func (a *Actuator) Dispense(d time.Duration) (err error) {
	if d <= 0 {
		return ErrInvalidDuration
	}
	if err := a.out.Set(true); err != nil {
		return fmt.Errorf("assert actuator: %w", err)
	}
	defer func() {
		if offErr := a.out.Set(false); offErr != nil {
			err = errors.Join(err, fmt.Errorf("release actuator: %w", offErr))
		}
	}()

	log.Info().Dur("duration", d).Msg("dispensing candy")
	a.clock.Sleep(d)
	return nil
}

// Blink toggles an indicator cycles times, used for the status LED
func Blink(out Output, clock Sleeper, delay time.Duration, cycles int) {
	if out == nil {
		return
	}
	for i := 0; i < cycles; i++ {
		_ = out.Set(true)
		clock.Sleep(delay)
		_ = out.Set(false)
		clock.Sleep(delay)
	}
}
