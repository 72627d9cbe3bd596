// Package telemetry reports session transitions and dispense events to an
// MQTT broker, with Home Assistant discovery for the dispenser's sensors.
package telemetry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/r0bb10/gumball-dispenser/internal/session"
)

const (
	Manufacturer  = "r0bb10"
	DeviceName    = "Gumball Dispenser"
	HardwareModel = "Raspberry Pi"

	queueSize = 32
)

// Publisher receives activity from the control loop. Implementations must
// not block the caller.
type Publisher interface {
	SessionChanged(from, to session.State)
	Dispensed(d time.Duration, explicit bool)
	FirmwareReceived(path string, size int64)
	Close()
}

// Nop discards everything, used when no broker is configured
type Nop struct{}

func (Nop) SessionChanged(session.State, session.State) {}
func (Nop) Dispensed(time.Duration, bool)              {}
func (Nop) FirmwareReceived(string, int64)             {}
func (Nop) Close()                                     {}

// DispenseEvent is published for every actuator activation
type DispenseEvent struct {
	ID         string    `json:"id"`
	DurationMS int64     `json:"duration_ms"`
	Explicit   bool      `json:"explicit"` // Duration came from the command
	At         time.Time `json:"at"`
}

// FirmwareEvent is published when a new image was stored
type FirmwareEvent struct {
	ID   string    `json:"id"`
	Path string    `json:"path"`
	Size int64     `json:"size"`
	At   time.Time `json:"at"`
}

type message struct {
	topic    string
	retained bool
	payload  interface{}
}

// MQTTPublisher queues messages for a single worker goroutine so the
// control loop never waits on the broker
type MQTTPublisher struct {
	mgr      Manager
	hostname string
	version  string
	state    func() session.State
	now      func() time.Time

	queue  chan message
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// NewPublisher starts the worker. state is read when (re)announcing.
func NewPublisher(mgr Manager, hostname, version string, state func() session.State) *MQTTPublisher {
	p := &MQTTPublisher{
		mgr:      mgr,
		hostname: hostname,
		version:  version,
		state:    state,
		now:      time.Now,
		queue:    make(chan message, queueSize),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *MQTTPublisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		if err := p.mgr.Publish(msg.topic, 0, msg.retained, msg.payload); err != nil {
			log.Warn().Err(err).Str("topic", msg.topic).Msg("telemetry publish failed")
		}
	}
}

func (p *MQTTPublisher) enqueue(msg message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- msg:
	default:
		log.Warn().Str("topic", msg.topic).Msg("telemetry queue full, dropping message")
	}
}

func (p *MQTTPublisher) topic(leaf string) string {
	return fmt.Sprintf("%s/%s", p.mgr.TopicPrefix(), leaf)
}

// Announce publishes discovery and the current session state; called on
// every broker (re)connection
func (p *MQTTPublisher) Announce() {
	for _, e := range p.entities() {
		p.enqueue(message{topic: e.configTopic, retained: true, payload: e.payload})
	}
	if p.state != nil {
		p.enqueue(message{topic: p.topic("session"), retained: true, payload: p.state().String()})
	}
}

func (p *MQTTPublisher) SessionChanged(_, to session.State) {
	p.enqueue(message{topic: p.topic("session"), retained: true, payload: to.String()})
}

func (p *MQTTPublisher) Dispensed(d time.Duration, explicit bool) {
	p.enqueue(message{topic: p.topic("dispense"), payload: DispenseEvent{
		ID:         uuid.NewString(),
		DurationMS: d.Milliseconds(),
		Explicit:   explicit,
		At:         p.now().UTC(),
	}})
}

func (p *MQTTPublisher) FirmwareReceived(path string, size int64) {
	p.enqueue(message{topic: p.topic("firmware"), payload: FirmwareEvent{
		ID:   uuid.NewString(),
		Path: path,
		Size: size,
		At:   p.now().UTC(),
	}})
}

// Close removes discovery, marks the device offline and drains the queue
func (p *MQTTPublisher) Close() {
	for _, e := range p.entities() {
		p.enqueue(message{topic: e.configTopic, retained: true, payload: ""})
	}
	p.enqueue(message{topic: p.mgr.AvailabilityTopic(), retained: true, payload: "offline"})

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
}

type entity struct {
	configTopic string
	payload     map[string]interface{}
}

func (p *MQTTPublisher) entities() []entity {
	node := strings.ToLower(p.hostname)
	avail := p.mgr.AvailabilityTopic()

	sessionPayload := discoveryBase("Session", fmt.Sprintf("%s_session", node), p.topic("session"), avail, p.deviceInfo())
	sessionPayload["icon"] = "mdi:lan-connect"
	sessionPayload["entity_category"] = "diagnostic"

	dispensePayload := discoveryBase("Last dispense", fmt.Sprintf("%s_dispense", node), p.topic("dispense"), avail, p.deviceInfo())
	dispensePayload["value_template"] = "{{ value_json.duration_ms }}"
	dispensePayload["unit_of_measurement"] = "ms"
	dispensePayload["icon"] = "mdi:candy"

	return []entity{
		{fmt.Sprintf("homeassistant/sensor/%s/session/config", node), sessionPayload},
		{fmt.Sprintf("homeassistant/sensor/%s/dispense/config", node), dispensePayload},
	}
}

// deviceInfo returns the device information payload for Home Assistant discovery
func (p *MQTTPublisher) deviceInfo() map[string]interface{} {
	return map[string]interface{}{
		"identifiers":  []string{strings.ToLower(p.hostname)},
		"name":         fmt.Sprintf("%s %s", DeviceName, p.hostname),
		"manufacturer": Manufacturer,
		"model":        HardwareModel,
		"sw_version":   p.version,
	}
}

// discoveryBase creates a base discovery payload with common fields
func discoveryBase(name, uniqueID, stateTopic, availabilityTopic string, device map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"name":               name,
		"unique_id":          uniqueID,
		"state_topic":        stateTopic,
		"availability_topic": availabilityTopic,
		"device":             device,
	}
}
