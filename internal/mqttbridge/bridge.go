// Package mqttbridge mirrors hub events to an MQTT broker. It only publishes;
// nothing received from the broker reaches a device.
package mqttbridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"instrument-hub/internal/events"
)

type Config struct {
	Broker      string // e.g. tcp://localhost:1883
	ClientID    string
	TopicPrefix string
	QoS         byte
	Username    string
	Password    string
	Buffer      int
}

// Publisher is the subset of an MQTT client the bridge needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Client publishes through a paho connection.
type Client struct {
	client mqtt.Client
}

// Connect dials the broker with auto-reconnect enabled.
func Connect(cfg Config) (*Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = randomClientID()
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return &Client{client: client}, nil
}

func (p *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if token := p.client.Publish(topic, qos, retained, payload); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Close disconnects, allowing 250ms for in-flight messages.
func (p *Client) Close() {
	p.client.Disconnect(250)
}

func randomClientID() string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return "instrument-hub-" + hex.EncodeToString(b)
}

// Bridge forwards every bus event to <prefix>/<device>/<kind>.
type Bridge struct {
	pub    Publisher
	prefix string
	qos    byte
	sub    *events.Subscription
	log    *slog.Logger
}

func New(bus *events.Bus, pub Publisher, cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	return &Bridge{
		pub:    pub,
		prefix: strings.TrimRight(cfg.TopicPrefix, "/"),
		qos:    cfg.QoS,
		sub:    bus.Subscribe(buffer, nil),
		log:    logger.With("component", "mqtt"),
	}
}

// Run publishes events until ctx is done or the bus is closed.
func (b *Bridge) Run(ctx context.Context) {
	defer b.sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-b.sub.C:
			if !ok {
				return
			}
			payload, err := Payload(e)
			if err != nil {
				b.log.Warn("encode event", "device", e.Device, "kind", e.Kind.String(), "err", err)
				continue
			}
			if err := b.pub.Publish(Topic(b.prefix, e), b.qos, Retained(e.Kind), payload); err != nil {
				b.log.Warn("publish event", "device", e.Device, "kind", e.Kind.String(), "err", err)
			}
		}
	}
}

// Topic returns "<prefix>/<device>/<kind>". Characters with meaning in MQTT
// topic filters are replaced in the device name.
func Topic(prefix string, e events.Event) string {
	dev := strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(e.Device)
	if prefix == "" {
		return dev + "/" + e.Kind.String()
	}
	return prefix + "/" + dev + "/" + e.Kind.String()
}

// Retained reports whether the last message of kind should stay on the
// broker for late subscribers.
func Retained(k events.Kind) bool {
	switch k {
	case events.StatusChanged, events.LimitsChanged, events.Initialized, events.PositionChanged:
		return true
	}
	return false
}

type message struct {
	ID        string    `json:"id"`
	Device    string    `json:"device"`
	Kind      string    `json:"kind"`
	Seq       uint64    `json:"seq"`
	Time      time.Time `json:"time"`
	CommandID string    `json:"command_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// Payload encodes e as JSON. Error payloads carry the error text.
func Payload(e events.Event) ([]byte, error) {
	m := message{
		ID:      e.ID.String(),
		Device:  e.Device,
		Kind:    e.Kind.String(),
		Seq:     e.Seq,
		Time:    e.Time,
		Payload: e.Payload,
	}
	if e.CommandID != uuid.Nil {
		m.CommandID = e.CommandID.String()
	}
	if p, ok := e.Payload.(events.ErrorPayload); ok {
		var text string
		if p.Err != nil {
			text = p.Err.Error()
		}
		m.Payload = struct {
			Command string `json:"command"`
			Error   string `json:"error"`
		}{p.Command, text}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", m.Kind, err)
	}
	return b, nil
}
