package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/snapshot"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// fakeClient records publishes; unused methods panic via the nil embed.
type fakeClient struct {
	paho.Client

	mu       sync.Mutex
	topics   []string
	payloads [][]byte
}

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	return doneToken{}
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func snap(version uint64, at time.Time) snapshot.Snapshot {
	return snapshot.Snapshot{
		Version:    version,
		CapturedAt: at,
		Detections: []types.Detection{
			{Class: "person", Confidence: 0.9, Depth: 2, DepthValid: true},
			{Class: "person", Confidence: 0.8, Depth: 4, DepthValid: true},
		},
	}
}

func TestPayloadCarriesSummary(t *testing.T) {
	data, err := Payload(snap(7, time.Unix(100, 0).UTC()))
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.EqualValues(t, 7, got["version"])
	assert.EqualValues(t, 2, got["total_objects"])
	objects := got["objects"].([]interface{})
	require.Len(t, objects, 1)
}

func TestPublishKeepsNewest(t *testing.T) {
	p := New(Config{}, metrics.New())
	p.Publish(snap(1, time.Unix(1, 0)))
	p.Publish(snap(2, time.Unix(2, 0)))

	got := <-p.pending
	assert.EqualValues(t, 2, got.Version)
}

func TestRunSendsAndThrottles(t *testing.T) {
	m := metrics.New()
	client := &fakeClient{}
	p := New(Config{Topic: "cam/summary", Interval: time.Second}, m)
	p.client = client

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	base := time.Unix(1000, 0)
	p.Publish(snap(1, base))
	require.Eventually(t, func() bool { return client.count() == 1 }, time.Second, 5*time.Millisecond)

	p.Publish(snap(2, base.Add(100*time.Millisecond)))
	p.Publish(snap(3, base.Add(2*time.Second)))
	require.Eventually(t, func() bool { return client.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, "cam/summary", client.topics[0])
	assert.EqualValues(t, 2, m.MQTTPublished.Load())
}

func TestRunCountsErrorsWhenDisconnected(t *testing.T) {
	m := metrics.New()
	p := New(Config{}, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	p.Publish(snap(1, time.Unix(1, 0)))
	assert.Eventually(t, func() bool { return m.MQTTErrors.Load() == 1 }, time.Second, 5*time.Millisecond)
}

type pendingToken struct{ done chan struct{} }

func (t pendingToken) Wait() bool                     { <-t.done; return true }
func (t pendingToken) WaitTimeout(time.Duration) bool { return false }
func (t pendingToken) Error() error                   { return nil }
func (t pendingToken) Done() <-chan struct{}          { return t.done }

// unreachableClient never completes Connect and records Disconnect calls.
type unreachableClient struct {
	paho.Client

	mu          sync.Mutex
	disconnects []uint
}

func (c *unreachableClient) Connect() paho.Token {
	return pendingToken{done: make(chan struct{})}
}

func (c *unreachableClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects = append(c.disconnects, quiesce)
}

func (c *unreachableClient) disconnected() []uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint(nil), c.disconnects...)
}

func TestFailedConnectStopsRetries(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		fc := &unreachableClient{}
		p := New(Config{Broker: "localhost:1"}, nil)
		p.newClient = func(*paho.ClientOptions) paho.Client { return fc }
		p.connectTimeout = 20 * time.Millisecond

		err := p.Connect(context.Background())
		require.Error(t, err)
		assert.Equal(t, []uint{0}, fc.disconnected())

		// nothing left to disconnect
		p.Disconnect()
		assert.Len(t, fc.disconnected(), 1)
	})

	t.Run("context cancelled", func(t *testing.T) {
		fc := &unreachableClient{}
		p := New(Config{Broker: "localhost:1"}, nil)
		p.newClient = func(*paho.ClientOptions) paho.Client { return fc }

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := p.Connect(ctx)
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, []uint{0}, fc.disconnected())
	})
}
