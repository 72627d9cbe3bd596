// Package identity derives the stable device name used for the access point,
// mDNS, the portal title and telemetry.
package identity

import (
	"fmt"
	"net"
)

// Identity is immutable for the lifetime of the process
type Identity struct {
	hostname string
}

// New builds an identity from a prefix and a hardware address. The last three
// bytes of the address become a lowercase hex suffix, like the chip id on the
// original board.
func New(prefix string, hw net.HardwareAddr) Identity {
	var id uint32
	n := len(hw)
	for i := max(0, n-3); i < n; i++ {
		id = id<<8 | uint32(hw[i])
	}
	return Identity{hostname: fmt.Sprintf("%s%x", prefix, id)}
}

// FromInterface reads the hardware address of the named interface
func FromInterface(prefix, iface string) (Identity, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return Identity{}, fmt.Errorf("lookup interface %s: %w", iface, err)
	}
	if len(ifi.HardwareAddr) == 0 {
		return Identity{}, fmt.Errorf("interface %s has no hardware address", iface)
	}
	return New(prefix, ifi.HardwareAddr), nil
}

// Hostname returns the device name
func (id Identity) Hostname() string {
	return id.hostname
}

func (id Identity) String() string {
	return id.hostname
}
