// Package gpio wraps the Linux GPIO character device for the dispenser's
// actuator, config button and status LED.
package gpio

import (
	"errors"
	"fmt"
	"sync"

	gpiod "github.com/warthog618/go-gpiocdev"
)

// Line is the subset of *gpiod.Line the manager needs
type Line interface {
	Value() (int, error)
	SetValue(value int) error
	Close() error
}

// Chip requests lines; *gpiod.Chip satisfies it through chipAdapter
type Chip interface {
	RequestLine(offset int, opts ...gpiod.LineReqOption) (Line, error)
	Close() error
}

type chipAdapter struct {
	*gpiod.Chip
}

func (c chipAdapter) RequestLine(offset int, opts ...gpiod.LineReqOption) (Line, error) {
	return c.Chip.RequestLine(offset, opts...)
}

// OpenFunc opens a chip by name
type OpenFunc func(name string) (Chip, error)

// OpenCharDev opens a chip through the GPIO character device
func OpenCharDev(name string) (Chip, error) {
	c, err := gpiod.NewChip(name, gpiod.WithConsumer("gumball-dispenser"))
	if err != nil {
		return nil, err
	}
	return chipAdapter{c}, nil
}

// Output is a named output line with logical ON/OFF semantics
type Output struct {
	name     string
	line     Line
	inverted bool
}

// Set drives the output to the logical state, honouring inversion
func (o *Output) Set(on bool) error {
	if err := o.line.SetValue(logicalToValue(on, o.inverted)); err != nil {
		return fmt.Errorf("set output %s: %w", o.name, err)
	}
	return nil
}

// Get returns the logical state of the output
func (o *Output) Get() (bool, error) {
	v, err := o.line.Value()
	if err != nil {
		return false, fmt.Errorf("get output %s value: %w", o.name, err)
	}
	return valueToLogical(v, o.inverted), nil
}

// Input is a named polled input line
type Input struct {
	name     string
	line     Line
	inverted bool
}

// Active reports whether the input is in its active state (LOW for an
// inverted, active-low button)
func (i *Input) Active() (bool, error) {
	v, err := i.line.Value()
	if err != nil {
		return false, fmt.Errorf("read input %s: %w", i.name, err)
	}
	return valueToLogical(v, i.inverted), nil
}

// Manager owns the chip and every requested line
type Manager struct {
	open    OpenFunc
	chip    Chip
	outputs map[string]*Output
	inputs  map[string]*Input
	mu      sync.Mutex
}

// NewManager creates a manager that opens chips with open
func NewManager(open OpenFunc) *Manager {
	if open == nil {
		open = OpenCharDev
	}
	return &Manager{
		open:    open,
		outputs: make(map[string]*Output),
		inputs:  make(map[string]*Input),
	}
}

// OpenChip opens the GPIO chip device
func (m *Manager) OpenChip(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chip, err := m.open(name)
	if err != nil {
		return fmt.Errorf("open chip %s: %w", name, err)
	}
	m.chip = chip
	return nil
}

// SetupOutput requests pin as an output, initially in the logical OFF state
func (m *Manager) SetupOutput(name string, pin int, inverted bool) (*Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.chip == nil {
		return nil, errors.New("chip not opened")
	}
	line, err := m.chip.RequestLine(pin, gpiod.AsOutput(logicalToValue(false, inverted)))
	if err != nil {
		return nil, fmt.Errorf("request output pin %d: %w", pin, err)
	}
	out := &Output{name: name, line: line, inverted: inverted}
	m.outputs[name] = out
	return out, nil
}

// SetupInput requests pin as a polled input
func (m *Manager) SetupInput(name string, pin int, pullUp, inverted bool) (*Input, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.chip == nil {
		return nil, errors.New("chip not opened")
	}
	opts := []gpiod.LineReqOption{gpiod.AsInput}
	if pullUp {
		opts = append(opts, gpiod.WithPullUp)
	}
	line, err := m.chip.RequestLine(pin, opts...)
	if err != nil {
		return nil, fmt.Errorf("request input pin %d: %w", pin, err)
	}
	in := &Input{name: name, line: line, inverted: inverted}
	m.inputs[name] = in
	return in, nil
}

// Close drives every output OFF, then releases all lines and the chip
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, in := range m.inputs {
		if err := in.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close input line %s: %w", name, err))
		}
	}
	m.inputs = make(map[string]*Input)

	for name, out := range m.outputs {
		if err := out.Set(false); err != nil {
			errs = append(errs, err)
		}
		if err := out.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output line %s: %w", name, err))
		}
	}
	m.outputs = make(map[string]*Output)

	if m.chip != nil {
		if err := m.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		m.chip = nil
	}
	return errors.Join(errs...)
}

// logicalToValue converts a logical state to a pin value considering inversion
func logicalToValue(on, inverted bool) int {
	if on != inverted {
		return 1
	}
	return 0
}

// valueToLogical converts a pin value to a logical state considering inversion
func valueToLogical(pinVal int, inverted bool) bool {
	return (pinVal == 1 && !inverted) || (pinVal == 0 && inverted)
}
