// Package session models the device's relationship to the network and the
// command socket as one enumerated state with a single mutation point.
package session

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// State is the current session state
type State int32

const (
	Disconnected State = iota
	ConfigPortalActive
	ConnectingToNetwork
	NetworkConnected
	SocketConnected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case ConfigPortalActive:
		return "config_portal"
	case ConnectingToNetwork:
		return "connecting"
	case NetworkConnected:
		return "network_connected"
	case SocketConnected:
		return "socket_connected"
	default:
		return "invalid"
	}
}

// Valid reports whether s is one of the five states
func (s State) Valid() bool {
	return s >= Disconnected && s <= SocketConnected
}

// Event drives a transition
type Event int

const (
	ButtonPressed      Event = iota // config button held
	Tick                            // periodic connectivity tick, no button
	PortalConfigured                // portal closed with usable credentials
	PortalTimedOut                  // portal closed without credentials
	JoinSucceeded                   // network join succeeded
	JoinExhausted                   // join retry budget used up
	SocketOpened                    // socket handshake succeeded
	SocketClosed                    // socket closed or failed
	NetworkLost                     // network association lost
)

func (e Event) String() string {
	switch e {
	case ButtonPressed:
		return "button_pressed"
	case Tick:
		return "tick"
	case PortalConfigured:
		return "portal_configured"
	case PortalTimedOut:
		return "portal_timed_out"
	case JoinSucceeded:
		return "join_succeeded"
	case JoinExhausted:
		return "join_exhausted"
	case SocketOpened:
		return "socket_opened"
	case SocketClosed:
		return "socket_closed"
	case NetworkLost:
		return "network_lost"
	default:
		return "unknown"
	}
}

type edge struct {
	from  State
	event Event
}

var transitions = map[edge]State{
	{Disconnected, ButtonPressed}:           ConfigPortalActive,
	{Disconnected, Tick}:                    ConnectingToNetwork,
	{ConfigPortalActive, PortalConfigured}:  ConnectingToNetwork,
	{ConfigPortalActive, PortalTimedOut}:    Disconnected,
	{ConnectingToNetwork, JoinSucceeded}:    NetworkConnected,
	{ConnectingToNetwork, JoinExhausted}:    ConfigPortalActive,
	{ConnectingToNetwork, ButtonPressed}:    ConfigPortalActive,
	{NetworkConnected, SocketOpened}:        SocketConnected,
	{NetworkConnected, NetworkLost}:         Disconnected,
	{NetworkConnected, ButtonPressed}:       ConfigPortalActive,
	{SocketConnected, SocketClosed}:         NetworkConnected,
	{SocketConnected, NetworkLost}:          Disconnected,
	{SocketConnected, ButtonPressed}:        ConfigPortalActive,
}

// Next is the pure transition function. Pairs without an entry leave the
// state unchanged; an invalid state always resets to Disconnected.
func Next(s State, e Event) (State, bool) {
	if !s.Valid() {
		return Disconnected, true
	}
	to, ok := transitions[edge{s, e}]
	if !ok {
		return s, false
	}
	return to, true
}

// Observer is notified after every transition
type Observer func(from, to State, e Event)

// Machine holds the session state. Apply and Fault must only be called from
// the loop goroutine; Current is safe from any goroutine.
type Machine struct {
	state     atomic.Int32
	observers []Observer
}

// NewMachine starts in Disconnected
func NewMachine(observers ...Observer) *Machine {
	return &Machine{observers: observers}
}

// Observe registers an additional observer
func (m *Machine) Observe(o Observer) {
	m.observers = append(m.observers, o)
}

// Current returns the state snapshot
func (m *Machine) Current() State {
	return State(m.state.Load())
}

// Apply feeds e to the transition function and returns the resulting state
// and whether it changed.
func (m *Machine) Apply(e Event) (State, bool) {
	from := m.Current()
	to, changed := Next(from, e)
	if !changed || to == from {
		if !changed {
			log.Debug().Str("state", from.String()).Str("event", e.String()).Msg("event ignored")
		}
		return from, false
	}
	m.set(from, to, e)
	return to, true
}

// Fault resets the session to Disconnected after an internal error
func (m *Machine) Fault(err error) {
	from := m.Current()
	log.Error().Err(err).Str("state", from.String()).Msg("session fault, resetting")
	if from != Disconnected {
		m.set(from, Disconnected, NetworkLost)
	}
}

func (m *Machine) set(from, to State, e Event) {
	m.state.Store(int32(to))
	log.Info().Str("from", from.String()).Str("to", to.String()).Str("event", e.String()).Msg("session transition")
	for _, o := range m.observers {
		o(from, to, e)
	}
}
