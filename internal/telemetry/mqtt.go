package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/r0bb10/gumball-dispenser/internal/config"
)

const publishTimeout = 5 * time.Second

// Manager handles all MQTT operations
type Manager interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) error
	IsConnected() bool
	TopicPrefix() string
	AvailabilityTopic() string
}

// mqttManager implements Manager using the paho MQTT client
type mqttManager struct {
	client      mqtt.Client
	topicPrefix string
}

// NewManager creates a manager publishing below topicPrefix
func NewManager(client mqtt.Client, topicPrefix string) Manager {
	return &mqttManager{
		client:      client,
		topicPrefix: topicPrefix,
	}
}

func (m *mqttManager) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	var payloadBytes []byte
	switch v := payload.(type) {
	case string:
		payloadBytes = []byte(v)
	case []byte:
		payloadBytes = v
	default:
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}
	token := m.client.Publish(topic, qos, retained, payloadBytes)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	return token.Error()
}

func (m *mqttManager) IsConnected() bool {
	return m.client.IsConnected()
}

func (m *mqttManager) TopicPrefix() string {
	return m.topicPrefix
}

func (m *mqttManager) AvailabilityTopic() string {
	return availabilityTopic(m.topicPrefix)
}

func availabilityTopic(prefix string) string {
	return fmt.Sprintf("%s/status", prefix)
}

// NewClient builds a client with an offline last will. onConnect runs on
// every (re)connection, after the online status is published.
func NewClient(cfg config.MQTTConfig, clientID, topicPrefix string, onConnect func()) (mqtt.Client, Manager) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)

	availTopic := availabilityTopic(topicPrefix)
	opts.SetWill(availTopic, "offline", 0, true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("connected to MQTT")
		c.Publish(availTopic, 0, true, "online")
		if onConnect != nil {
			onConnect()
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	return client, NewManager(client, topicPrefix)
}

// Dial connects the client. With connect retry enabled an unreachable broker
// is not an error: the client keeps trying in the background.
func Dial(client mqtt.Client) error {
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		log.Warn().Msg("MQTT broker not reachable yet, retrying in background")
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT connection failed: %w", err)
	}
	return nil
}
