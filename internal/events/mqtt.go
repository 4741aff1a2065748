package events

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	// Broker is the broker URL (e.g., "tcp://localhost:1883").
	Broker   string
	ClientID string
	Username string
	Password string
	// Prefix is the first topic level.
	Prefix string
	QoS    byte
	// Timeout bounds connect and publish acknowledgements.
	Timeout time.Duration
}

func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Broker:   "tcp://localhost:1883",
		ClientID: "devloop",
		Prefix:   DefaultPrefix,
		QoS:      1,
		Timeout:  5 * time.Second,
	}
}

// MQTT publishes events as JSON on "<prefix>/<subject>" with dots mapped to
// topic levels.
type MQTT struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
}

func NewMQTT(cfg MQTTConfig) (*MQTT, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultMQTTConfig().Timeout
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.Timeout).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return NewMQTTFromClient(client, cfg), nil
}

// NewMQTTFromClient wraps a connected client.
func NewMQTTFromClient(client mqtt.Client, cfg MQTTConfig) *MQTT {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultMQTTConfig().Timeout
	}
	return &MQTT{client: client, prefix: cfg.Prefix, qos: cfg.QoS, timeout: cfg.Timeout}
}

// TopicFor returns the topic an event is published on.
func (m *MQTT) TopicFor(ev Event) string { return qualify(m.prefix, ev.Subject(), "/") }

func (m *MQTT) Publish(ev Event) error {
	if !m.client.IsConnectionOpen() {
		return ErrClosed
	}
	b, err := encode(ev)
	if err != nil {
		return err
	}
	tok := m.client.Publish(m.TopicFor(ev), m.qos, false, b)
	if !tok.WaitTimeout(m.timeout) {
		return fmt.Errorf("mqtt publish: timeout")
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
