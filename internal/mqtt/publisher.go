// Package mqtt publishes scene summaries to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/analysis"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/snapshot"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

// Config holds broker settings
type Config struct {
	Broker   string // host:port
	ClientID string
	Topic    string // Summary topic
	QoS      byte
	Retain   bool
	Interval time.Duration // Minimum spacing between summaries
}

// Message is the JSON payload published per snapshot
type Message struct {
	Version uint64 `json:"version"`
	types.Summary
}

// Publisher sends the summary of the latest snapshot. Only the newest
// pending snapshot is kept; older ones are replaced.
type Publisher struct {
	cfg     Config
	client  paho.Client
	metrics *metrics.Metrics
	pending chan snapshot.Snapshot

	newClient      func(*paho.ClientOptions) paho.Client
	connectTimeout time.Duration
}

// New creates a publisher. Call Connect before Run.
func New(cfg Config, m *metrics.Metrics) *Publisher {
	if cfg.Topic == "" {
		cfg.Topic = "detections/summary"
	}
	if m == nil {
		m = metrics.New()
	}
	return &Publisher{
		cfg:     cfg,
		metrics: m,
		pending: make(chan snapshot.Snapshot, 1),

		newClient:      paho.NewClient,
		connectTimeout: 5 * time.Second,
	}
}

// Connect establishes the broker connection. The client reconnects on its own
// after the first successful connect.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", p.cfg.Broker))
	opts.SetClientID(p.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(paho.Client) {
		logger.Info("MQTT", "Connected to %s as %s", p.cfg.Broker, p.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Warn("MQTT", "Connection lost, will auto-reconnect: %v", err)
	}

	p.client = p.newClient(opts)

	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(p.connectTimeout):
		p.abandon()
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		p.abandon()
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		p.abandon()
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

// abandon stops the background connect retries of a failed Connect
func (p *Publisher) abandon() {
	p.client.Disconnect(0)
	p.client = nil
}

// Publish queues snap for the next send. It never blocks.
func (p *Publisher) Publish(snap snapshot.Snapshot) {
	for {
		select {
		case p.pending <- snap:
			return
		default:
		}
		select {
		case <-p.pending:
		default:
		}
	}
}

// Run sends queued snapshots until ctx is done
func (p *Publisher) Run(ctx context.Context) error {
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-p.pending:
			if p.cfg.Interval > 0 && !last.IsZero() && snap.CapturedAt.Sub(last) < p.cfg.Interval {
				continue
			}
			if err := p.send(snap); err != nil {
				p.metrics.MQTTErrors.Add(1)
				logger.Debug("MQTT", "Publish failed: %v", err)
				continue
			}
			last = snap.CapturedAt
			p.metrics.MQTTPublished.Add(1)
		}
	}
}

func (p *Publisher) send(snap snapshot.Snapshot) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := Payload(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	token := p.client.Publish(p.cfg.Topic, p.cfg.QoS, p.cfg.Retain, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

// Disconnect closes the broker connection
func (p *Publisher) Disconnect() {
	if p.client != nil {
		p.client.Disconnect(250)
		logger.Info("MQTT", "Disconnected")
	}
}

// Payload encodes the summary of snap
func Payload(snap snapshot.Snapshot) ([]byte, error) {
	return json.Marshal(Message{
		Version: snap.Version,
		Summary: analysis.Summarize(snap.Detections, snap.CapturedAt),
	})
}
