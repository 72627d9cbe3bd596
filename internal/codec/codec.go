// Package codec decodes command envelopes received over the socket and
// encodes the pong reply.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Action is the command carried by an envelope
type Action int

const (
	ActionNone Action = iota
	ActionDispense
	ActionPing
	ActionUnknown
)

var actionNames = map[string]Action{
	"none":     ActionNone,
	"dispense": ActionDispense,
	"ping":     ActionPing,
}

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionDispense:
		return "dispense"
	case ActionPing:
		return "ping"
	default:
		return "unknown"
	}
}

// Envelope is a decoded inbound message
type Envelope struct {
	Action   Action
	Name     string        // Raw action string, kept for unknown actions
	Duration time.Duration // Resolved hold for dispense, zero otherwise
	Explicit bool          // Duration came from the message rather than the default
}

// ErrorKind classifies decode failures
type ErrorKind int

const (
	Malformed ErrorKind = iota
	MissingAction
)

func (k ErrorKind) String() string {
	if k == MissingAction {
		return "missing action"
	}
	return "malformed"
}

// DecodeError is returned for every payload that must be dropped
type DecodeError struct {
	Kind   ErrorKind
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Reason == "" {
		return "decode envelope: " + e.Kind.String()
	}
	return fmt.Sprintf("decode envelope: %s: %s", e.Kind, e.Reason)
}

// Is matches any *DecodeError of the same kind
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	return ok && t.Kind == e.Kind && t.Reason == ""
}

// Sentinels for errors.Is
var (
	ErrMalformed     = &DecodeError{Kind: Malformed}
	ErrMissingAction = &DecodeError{Kind: MissingAction}
)

func malformed(format string, args ...any) error {
	return &DecodeError{Kind: Malformed, Reason: fmt.Sprintf(format, args...)}
}

// Decode parses raw into an envelope. A dispense without a duration resolves
// to defaultDuration.
func Decode(raw []byte, defaultDuration time.Duration) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, malformed("%v", err)
	}
	if fields == nil {
		return Envelope{}, malformed("payload is null")
	}

	rawAction, ok := fields["action"]
	if !ok || isNull(rawAction) {
		return Envelope{}, ErrMissingAction
	}
	var name string
	if err := json.Unmarshal(rawAction, &name); err != nil {
		return Envelope{}, malformed("action is not a string")
	}

	env := Envelope{Action: ActionUnknown, Name: name}
	if a, known := actionNames[name]; known {
		env.Action = a
	}

	if rawDuration, present := fields["duration"]; present {
		ms, err := parseDuration(rawDuration)
		if err != nil {
			return Envelope{}, err
		}
		if env.Action == ActionDispense {
			env.Duration = time.Duration(ms) * time.Millisecond
			env.Explicit = true
		}
	} else if env.Action == ActionDispense {
		env.Duration = defaultDuration
	}
	return env, nil
}

// parseDuration accepts a positive JSON integer number of milliseconds
func parseDuration(raw json.RawMessage) (int64, error) {
	literal := string(bytes.TrimSpace(raw))
	if literal == "" || literal[0] == '"' || literal == "null" {
		return 0, malformed("duration is not an integer")
	}
	ms, err := strconv.ParseInt(literal, 10, 64)
	if err != nil {
		return 0, malformed("duration %s is not an integer", literal)
	}
	if ms <= 0 {
		return 0, malformed("duration %d is not positive", ms)
	}
	if ms > int64(maxDuration/time.Millisecond) {
		return 0, malformed("duration %d out of range", ms)
	}
	return ms, nil
}

const maxDuration = time.Duration(1<<63 - 1)

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

var pong = []byte(`{"action":"pong"}`)

// EncodePong returns the fixed reply to a ping
func EncodePong() []byte {
	return bytes.Clone(pong)
}
