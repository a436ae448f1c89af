package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/dvs-fusion/capture"
	"github.com/e7canasta/dvs-fusion/raster"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// MQTTConfig configures the telemetry sink.
type MQTTConfig struct {
	// Broker is host:port or a full URL (tcp://, ssl://, ws://)
	Broker   string
	ClientID string
	Topic    string
	QoS      byte

	// Every publishes one message per Every frames (0 or 1 = every frame)
	Every int

	// SessionID is copied into every message
	SessionID string
}

// Telemetry is the JSON message published per frame. Pixels are not
// published.
type Telemetry struct {
	SessionID   string    `json:"session_id,omitempty"`
	TraceID     string    `json:"trace_id"`
	Index       uint64    `json:"index"`
	Seq         uint32    `json:"seq"`
	Timestamp   uint32    `json:"ts"`
	Units       int       `json:"units"`
	OnEvents    uint64    `json:"on_events"`
	OffEvents   uint64    `json:"off_events"`
	Resolution  string    `json:"resolution"`
	CompletedAt time.Time `json:"completed_at"`
}

// NewTelemetry builds the message for f.
func NewTelemetry(sessionID string, f *raster.Frame) Telemetry {
	return Telemetry{
		SessionID:   sessionID,
		TraceID:     f.TraceID,
		Index:       f.Index,
		Seq:         f.Seq,
		Timestamp:   f.Timestamp,
		Units:       f.Units,
		OnEvents:    f.OnEvents,
		OffEvents:   f.OffEvents,
		Resolution:  f.Resolution(),
		CompletedAt: f.CompletedAt,
	}
}

// MQTT publishes per-frame event statistics to a broker.
type MQTT struct {
	cfg    MQTTConfig
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
	seen      uint64
	published uint64
	errors    uint64
}

// NewMQTT creates the sink. Call Connect before the pipeline starts.
func NewMQTT(cfg MQTTConfig) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("%w: mqtt broker is required", capture.ErrConfig)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: mqtt topic is required", capture.ErrConfig)
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("%w: mqtt qos must be 0, 1 or 2, got %d", capture.ErrConfig, cfg.QoS)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "dvscapture"
	}
	if cfg.Every < 1 {
		cfg.Every = 1
	}
	return &MQTT{cfg: cfg}, nil
}

// Connect establishes the broker connection with automatic reconnects.
func (m *MQTT) Connect(ctx context.Context) error {
	broker := m.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(m.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		m.setConnected(true)
		slog.Info("sink: mqtt connection established",
			"broker", broker,
			"client_id", m.cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.setConnected(false)
		slog.Warn("sink: mqtt connection lost, will auto-reconnect",
			"broker", broker,
			"error", err,
		)
	}

	m.client = mqtt.NewClient(opts)

	slog.Info("sink: connecting to mqtt broker", "broker", broker)

	token := m.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectTimeout):
		return fmt.Errorf("%w: mqtt connection timeout (%s)", capture.ErrSink, broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: mqtt connection failed: %v", capture.ErrSink, err)
	}

	m.setConnected(true)
	return nil
}

// WriteFrame implements capture.Sink.
func (m *MQTT) WriteFrame(f *raster.Frame) error {
	m.mu.Lock()
	m.seen++
	skip := (m.seen-1)%uint64(m.cfg.Every) != 0
	connected := m.connected
	sessionID := m.cfg.SessionID
	m.mu.Unlock()

	if skip {
		return nil
	}
	if !connected {
		m.countError()
		return fmt.Errorf("%w: mqtt not connected", capture.ErrSink)
	}

	payload, err := json.Marshal(NewTelemetry(sessionID, f))
	if err != nil {
		m.countError()
		return fmt.Errorf("%w: marshal telemetry: %v", capture.ErrSink, err)
	}

	token := m.client.Publish(m.cfg.Topic, m.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		m.countError()
		return fmt.Errorf("%w: mqtt publish timeout", capture.ErrSink)
	}
	if err := token.Error(); err != nil {
		m.countError()
		return fmt.Errorf("%w: mqtt publish failed: %v", capture.ErrSink, err)
	}

	m.mu.Lock()
	m.published++
	m.mu.Unlock()

	slog.Debug("sink: telemetry published",
		"topic", m.cfg.Topic,
		"index", f.Index,
		"size", len(payload),
	)
	return nil
}

// SetSessionID sets the session_id field of subsequent messages.
func (m *MQTT) SetSessionID(id string) {
	m.mu.Lock()
	m.cfg.SessionID = id
	m.mu.Unlock()
}

// Disconnect closes the broker connection.
func (m *MQTT) Disconnect() {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
		slog.Info("sink: mqtt disconnected")
	}
	m.setConnected(false)
}

// MQTTStats reports publisher counters.
type MQTTStats struct {
	Connected bool
	Seen      uint64
	Published uint64
	Errors    uint64
}

// Stats returns a snapshot of the counters.
func (m *MQTT) Stats() MQTTStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MQTTStats{
		Connected: m.connected,
		Seen:      m.seen,
		Published: m.published,
		Errors:    m.errors,
	}
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MQTT) countError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}
