// Package wifi manages the station link and the portal access point through
// NetworkManager over D-Bus. NetworkManager also persists joined networks.
package wifi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wifx/gonetworkmanager/v2"
	"github.com/google/uuid"
)

// ErrInvalidCredentials is returned for credentials that cannot be used
var ErrInvalidCredentials = errors.New("invalid wifi credentials")

// Credentials is an SSID/password pair
type Credentials struct {
	SSID     string
	Password string
}

// Empty reports whether no SSID was supplied
func (c Credentials) Empty() bool {
	return c.SSID == ""
}

// Validate checks SSID length and WPA passphrase length (open networks allowed)
func (c Credentials) Validate() error {
	if n := len(c.SSID); n == 0 || n > 32 {
		return fmt.Errorf("%w: ssid must be 1 to 32 bytes", ErrInvalidCredentials)
	}
	if n := len(c.Password); n != 0 && (n < 8 || n > 63) {
		return fmt.Errorf("%w: password must be empty or 8 to 63 characters", ErrInvalidCredentials)
	}
	return nil
}

// Store holds the credentials supplied through the portal for the process lifetime
type Store struct {
	mu    sync.Mutex
	creds Credentials
}

// Set replaces the stored credentials
func (s *Store) Set(c Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = c
}

// Get returns the stored credentials, empty if none were supplied
func (s *Store) Get() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// ConnectivityError wraps join and dial failures; they are always retried
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// Link is the station side of the radio
type Link interface {
	Connected(ctx context.Context) bool
	Join(ctx context.Context, creds Credentials) error
	LocalIP(ctx context.Context) string
}

// Hotspot is the access point side of the radio
type Hotspot interface {
	StartHotspot(ctx context.Context, ssid, password string) error
	StopHotspot(ctx context.Context) error
}

const (
	hotspotConnection  = "gumball-portal"
	defaultJoinTimeout = 30 * time.Second
	activationPoll     = 500 * time.Millisecond
)

// NMLink drives the wireless device through NetworkManager
type NMLink struct {
	iface       string
	nm          gonetworkmanager.NetworkManager
	settings    gonetworkmanager.Settings
	joinTimeout time.Duration

	mu sync.Mutex // serialises connection profile changes
}

// NewNMLink connects to NetworkManager on the system bus
func NewNMLink(iface string) (*NMLink, error) {
	nm, err := gonetworkmanager.NewNetworkManager()
	if err != nil {
		return nil, fmt.Errorf("connect NetworkManager: %w", err)
	}
	settings, err := gonetworkmanager.NewSettings()
	if err != nil {
		return nil, fmt.Errorf("connect NetworkManager settings: %w", err)
	}
	return &NMLink{iface: iface, nm: nm, settings: settings, joinTimeout: defaultJoinTimeout}, nil
}

func (l *NMLink) device() (gonetworkmanager.Device, error) {
	dev, err := l.nm.GetDeviceByIpIface(l.iface)
	if err != nil {
		return nil, fmt.Errorf("lookup device %s: %w", l.iface, err)
	}
	return dev, nil
}

// Connected reports whether the interface is activated as a station. The
// portal access point does not count.
func (l *NMLink) Connected(context.Context) bool {
	dev, err := l.device()
	if err != nil {
		return false
	}
	state, err := dev.GetPropertyState()
	if err != nil || state != gonetworkmanager.NmDeviceStateActivated {
		return false
	}
	ac, err := dev.GetPropertyActiveConnection()
	if err != nil || ac == nil {
		return false
	}
	id, err := ac.GetPropertyID()
	return err == nil && id != hotspotConnection
}

// Join activates a station profile for creds and waits for it to come up.
// With empty creds it only reports whether NetworkManager autoconnected a
// network it already knows.
func (l *NMLink) Join(ctx context.Context, creds Credentials) error {
	op := "join " + l.iface
	if creds.Empty() {
		if l.Connected(ctx) {
			return nil
		}
		return &ConnectivityError{Op: op, Err: errors.New("no credentials and no known network active")}
	}

	ctx, cancel := context.WithTimeout(ctx, l.joinTimeout)
	defer cancel()

	dev, err := l.device()
	if err != nil {
		return &ConnectivityError{Op: op, Err: err}
	}
	l.mu.Lock()
	if err := l.forget(creds.SSID); err != nil {
		l.mu.Unlock()
		return &ConnectivityError{Op: op, Err: err}
	}
	ac, err := l.nm.AddAndActivateConnection(stationSettings(creds, l.iface), dev)
	l.mu.Unlock()
	if err != nil {
		return &ConnectivityError{Op: op, Err: fmt.Errorf("activate %s: %w", creds.SSID, err)}
	}
	if err := waitActivated(ctx, activationPoll, ac.GetPropertyState); err != nil {
		return &ConnectivityError{Op: op, Err: fmt.Errorf("activate %s: %w", creds.SSID, err)}
	}
	return nil
}

// LocalIP returns the first IPv4 address of the interface
func (l *NMLink) LocalIP(context.Context) string {
	dev, err := l.device()
	if err != nil {
		return ""
	}
	cfg, err := dev.GetPropertyIP4Config()
	if err != nil || cfg == nil {
		return ""
	}
	addrs, err := cfg.GetPropertyAddressData()
	if err != nil {
		return ""
	}
	return firstAddress(addrs)
}

// StartHotspot brings up the portal access point, replacing any previous one
func (l *NMLink) StartHotspot(_ context.Context, ssid, password string) error {
	dev, err := l.device()
	if err != nil {
		return fmt.Errorf("start hotspot: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.forget(hotspotConnection); err != nil {
		return fmt.Errorf("start hotspot: %w", err)
	}
	if _, err := l.nm.AddAndActivateConnection(hotspotSettings(ssid, password, l.iface), dev); err != nil {
		return fmt.Errorf("start hotspot: %w", err)
	}
	return nil
}

// StopHotspot deletes the access point profile, which also deactivates it
func (l *NMLink) StopHotspot(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.forget(hotspotConnection); err != nil {
		return fmt.Errorf("stop hotspot: %w", err)
	}
	return nil
}

// forget deletes every saved profile named id
func (l *NMLink) forget(id string) error {
	conns, err := l.settings.ListConnections()
	if err != nil {
		return fmt.Errorf("list connections: %w", err)
	}
	for _, c := range conns {
		s, err := c.GetSettings()
		if err != nil || connectionID(s) != id {
			continue
		}
		if err := c.Delete(); err != nil {
			return fmt.Errorf("delete connection %s: %w", id, err)
		}
	}
	return nil
}

func connectionID(s gonetworkmanager.ConnectionSettings) string {
	id, _ := s["connection"]["id"].(string)
	return id
}

func firstAddress(addrs []gonetworkmanager.IP4AddressData) string {
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0].Address
}

// waitActivated polls state until the connection is up, goes down or ctx ends
func waitActivated(ctx context.Context, poll time.Duration, state func() (gonetworkmanager.NmActiveConnectionState, error)) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		s, err := state()
		if err != nil {
			// the active connection object vanishes when activation fails
			return fmt.Errorf("read activation state: %w", err)
		}
		switch s {
		case gonetworkmanager.NmActiveConnectionStateActivated:
			return nil
		case gonetworkmanager.NmActiveConnectionStateDeactivating, gonetworkmanager.NmActiveConnectionStateDeactivated:
			return errors.New("activation failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func stationSettings(creds Credentials, iface string) map[string]map[string]interface{} {
	s := map[string]map[string]interface{}{
		"connection": {
			"id":             creds.SSID,
			"uuid":           uuid.NewString(),
			"type":           "802-11-wireless",
			"interface-name": iface,
			"autoconnect":    true,
		},
		"802-11-wireless": {
			"ssid": []byte(creds.SSID),
			"mode": "infrastructure",
		},
		"ipv4": {"method": "auto"},
		"ipv6": {"method": "auto"},
	}
	if creds.Password != "" {
		s["802-11-wireless-security"] = map[string]interface{}{
			"key-mgmt": "wpa-psk",
			"psk":      creds.Password,
		}
	}
	return s
}

func hotspotSettings(ssid, password, iface string) map[string]map[string]interface{} {
	s := map[string]map[string]interface{}{
		"connection": {
			"id":             hotspotConnection,
			"uuid":           uuid.NewString(),
			"type":           "802-11-wireless",
			"interface-name": iface,
			"autoconnect":    false,
		},
		"802-11-wireless": {
			"ssid": []byte(ssid),
			"mode": "ap",
			"band": "bg",
		},
		"ipv4": {"method": "shared"},
		"ipv6": {"method": "ignore"},
	}
	if password != "" {
		s["802-11-wireless-security"] = map[string]interface{}{
			"key-mgmt": "wpa-psk",
			"psk":      password,
			"proto":    []string{"rsn"},
			"pairwise": []string{"ccmp"},
			"group":    []string{"ccmp"},
		}
	}
	return s
}
