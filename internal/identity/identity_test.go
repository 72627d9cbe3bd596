package identity

import (
	"net"
	"testing"
)

func TestNew(t *testing.T) {
	hw := net.HardwareAddr{0xb8, 0x27, 0xeb, 0x12, 0xab, 0x0c}
	id := New("Gumball_", hw)
	if got, want := id.Hostname(), "Gumball_12ab0c"; got != want {
		t.Errorf("hostname = %q, want %q", got, want)
	}
	if id.String() != id.Hostname() {
		t.Error("String and Hostname disagree")
	}
}

func TestNewShortAddress(t *testing.T) {
	id := New("G_", net.HardwareAddr{0x01, 0x02})
	if got, want := id.Hostname(), "G_102"; got != want {
		t.Errorf("hostname = %q, want %q", got, want)
	}
}

func TestStable(t *testing.T) {
	hw := net.HardwareAddr{0, 1, 2, 3, 4, 5}
	if New("x", hw) != New("x", hw) {
		t.Error("identity not stable for the same hardware address")
	}
}
