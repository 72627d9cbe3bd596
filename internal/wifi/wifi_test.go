package wifi

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Wifx/gonetworkmanager/v2"
)

func states(seq ...gonetworkmanager.NmActiveConnectionState) (func() (gonetworkmanager.NmActiveConnectionState, error), *int) {
	calls := 0
	return func() (gonetworkmanager.NmActiveConnectionState, error) {
		s := seq[min(calls, len(seq)-1)]
		calls++
		return s, nil
	}, &calls
}

func TestWaitActivated(t *testing.T) {
	state, calls := states(
		gonetworkmanager.NmActiveConnectionStateActivating,
		gonetworkmanager.NmActiveConnectionStateActivating,
		gonetworkmanager.NmActiveConnectionStateActivated,
	)
	if err := waitActivated(context.Background(), time.Millisecond, state); err != nil {
		t.Fatal(err)
	}
	if *calls != 3 {
		t.Errorf("polled %d times", *calls)
	}
}

func TestWaitActivatedFailure(t *testing.T) {
	state, _ := states(
		gonetworkmanager.NmActiveConnectionStateActivating,
		gonetworkmanager.NmActiveConnectionStateDeactivated,
	)
	if err := waitActivated(context.Background(), time.Millisecond, state); err == nil {
		t.Error("deactivated connection reported as joined")
	}

	gone := errors.New("no such object")
	err := waitActivated(context.Background(), time.Millisecond, func() (gonetworkmanager.NmActiveConnectionState, error) {
		return 0, gone
	})
	if !errors.Is(err, gone) {
		t.Errorf("err = %v", err)
	}
}

func TestWaitActivatedTimeout(t *testing.T) {
	state, _ := states(gonetworkmanager.NmActiveConnectionStateActivating)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := waitActivated(ctx, time.Millisecond, state); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}

func TestStationSettings(t *testing.T) {
	s := stationSettings(Credentials{SSID: "home", Password: "secret123"}, "wlan0")
	if connectionID(s) != "home" || s["connection"]["interface-name"] != "wlan0" {
		t.Errorf("connection = %v", s["connection"])
	}
	if string(s["802-11-wireless"]["ssid"].([]byte)) != "home" || s["802-11-wireless"]["mode"] != "infrastructure" {
		t.Errorf("wireless = %v", s["802-11-wireless"])
	}
	if s["802-11-wireless-security"]["psk"] != "secret123" {
		t.Errorf("security = %v", s["802-11-wireless-security"])
	}

	open := stationSettings(Credentials{SSID: "cafe"}, "wlan0")
	if _, ok := open["802-11-wireless-security"]; ok {
		t.Error("open network got a security section")
	}
}

func TestHotspotSettings(t *testing.T) {
	s := hotspotSettings("Gumball_abc", "tw1l10ns", "wlan0")
	if connectionID(s) != hotspotConnection || s["connection"]["autoconnect"] != false {
		t.Errorf("connection = %v", s["connection"])
	}
	if s["802-11-wireless"]["mode"] != "ap" || string(s["802-11-wireless"]["ssid"].([]byte)) != "Gumball_abc" {
		t.Errorf("wireless = %v", s["802-11-wireless"])
	}
	if s["ipv4"]["method"] != "shared" || s["802-11-wireless-security"]["psk"] != "tw1l10ns" {
		t.Errorf("ipv4 = %v, security = %v", s["ipv4"], s["802-11-wireless-security"])
	}
	if a, b := hotspotSettings("x", "", "wlan0"), hotspotSettings("x", "", "wlan0"); a["connection"]["uuid"] == b["connection"]["uuid"] {
		t.Error("profiles share a uuid")
	}
}

func TestFirstAddress(t *testing.T) {
	if got := firstAddress(nil); got != "" {
		t.Errorf("no addresses = %q", got)
	}
	addrs := []gonetworkmanager.IP4AddressData{{Address: "192.168.1.42", Prefix: 24}, {Address: "10.0.0.2", Prefix: 8}}
	if got := firstAddress(addrs); got != "192.168.1.42" {
		t.Errorf("ip = %q", got)
	}
}

func TestConnectivityErrorUnwraps(t *testing.T) {
	cause := errors.New("no carrier")
	var err error = &ConnectivityError{Op: "join wlan0", Err: cause}
	var ce *ConnectivityError
	if !errors.As(err, &ce) || !errors.Is(err, cause) || err.Error() != "join wlan0: no carrier" {
		t.Errorf("err = %v", err)
	}
}

func TestCredentialsValidate(t *testing.T) {
	tests := []struct {
		creds Credentials
		ok    bool
	}{
		{Credentials{SSID: "home", Password: "secret123"}, true},
		{Credentials{SSID: "open"}, true},
		{Credentials{}, false},
		{Credentials{SSID: "home", Password: "short"}, false},
		{Credentials{SSID: "123456789012345678901234567890123"}, false},
	}
	for _, tt := range tests {
		err := tt.creds.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("Validate(%+v) = %v", tt.creds, err)
		}
		if err != nil && !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("Validate(%+v) error not ErrInvalidCredentials", tt.creds)
		}
	}
}

func TestStore(t *testing.T) {
	var s Store
	if !s.Get().Empty() {
		t.Error("new store not empty")
	}
	s.Set(Credentials{SSID: "home"})
	if s.Get().SSID != "home" {
		t.Error("store lost credentials")
	}
}
