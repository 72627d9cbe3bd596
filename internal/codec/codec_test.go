package codec

import (
	"errors"
	"testing"
	"time"
)

const def = 4000 * time.Millisecond

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		action   Action
		duration time.Duration
		explicit bool
	}{
		{"ping", `{"action":"ping"}`, ActionPing, 0, false},
		{"none", `{"action":"none"}`, ActionNone, 0, false},
		{"dispense default", `{"action":"dispense"}`, ActionDispense, def, false},
		{"dispense explicit", `{"action":"dispense","duration":2000}`, ActionDispense, 2 * time.Second, true},
		{"unknown fields ignored", `{"action":"dispense","duration":1,"colour":"red"}`, ActionDispense, time.Millisecond, true},
		{"unknown action", `{"action":"spin"}`, ActionUnknown, 0, false},
		{"whitespace", " {\n \"action\" : \"ping\" } ", ActionPing, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.raw), def)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if env.Action != tt.action || env.Duration != tt.duration || env.Explicit != tt.explicit {
				t.Errorf("got %+v, want action=%v duration=%v explicit=%v", env, tt.action, tt.duration, tt.explicit)
			}
		})
	}
}

func TestDecodeUnknownKeepsName(t *testing.T) {
	env, err := Decode([]byte(`{"action":"spin"}`), def)
	if err != nil {
		t.Fatal(err)
	}
	if env.Name != "spin" || env.Action.String() != "unknown" {
		t.Errorf("got %+v", env)
	}
}

func TestDecodeMissingAction(t *testing.T) {
	for _, raw := range []string{`{}`, `{"duration":2000}`, `{"action":null}`} {
		_, err := Decode([]byte(raw), def)
		if !errors.Is(err, ErrMissingAction) {
			t.Errorf("Decode(%s) err = %v, want missing action", raw, err)
		}
		var de *DecodeError
		if !errors.As(err, &de) || de.Kind != MissingAction {
			t.Errorf("Decode(%s) not a MissingAction DecodeError", raw)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{
		`not-json`,
		``,
		`null`,
		`[1,2]`,
		`"dispense"`,
		`{"action":"dispense"`,
		`{"action":5}`,
		`{"action":"dispense","duration":0}`,
		`{"action":"dispense","duration":-10}`,
		`{"action":"dispense","duration":1.5}`,
		`{"action":"dispense","duration":2e3}`,
		`{"action":"dispense","duration":"2000"}`,
		`{"action":"dispense","duration":null}`,
		`{"action":"dispense","duration":true}`,
		`{"action":"dispense","duration":99999999999999999999}`,
		`{"action":"ping","duration":-1}`,
	} {
		_, err := Decode([]byte(raw), def)
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%q) err = %v, want malformed", raw, err)
		}
		if errors.Is(err, ErrMissingAction) {
			t.Errorf("Decode(%q) matched both kinds", raw)
		}
	}
}

func TestEncodePong(t *testing.T) {
	got := EncodePong()
	if string(got) != `{"action":"pong"}` {
		t.Errorf("pong = %s", got)
	}
	got[0] = 'x'
	if string(EncodePong()) != `{"action":"pong"}` {
		t.Error("EncodePong returned shared storage")
	}
}
