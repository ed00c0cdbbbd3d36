package service

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/snapshot"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

// StreamEvent is one emission of the detection stream
type StreamEvent struct {
	Detections []types.Detection `json:"detections"`
	Count      int               `json:"count"`
	Timestamp  time.Time         `json:"timestamp"`
}

// SerializedEvent holds one event pre-serialized in both wire formats so
// the work is done once per tick, not once per subscriber.
type SerializedEvent struct {
	Event        StreamEvent
	JSONData     []byte
	ProtobufData []byte // google.protobuf.Struct
}

// hub fans out the current snapshot to every subscriber on a fixed interval.
type hub struct {
	store    *snapshot.Store
	clock    clock.Clock
	metrics  *metrics.Metrics
	interval time.Duration

	mu      sync.Mutex
	clients map[string]chan *SerializedEvent
	stop    chan struct{}
	stopped bool
}

func newHub(store *snapshot.Store, clk clock.Clock, m *metrics.Metrics, interval time.Duration) *hub {
	return &hub{
		store:    store,
		clock:    clk,
		metrics:  m,
		interval: interval,
		clients:  make(map[string]chan *SerializedEvent),
		stop:     make(chan struct{}),
	}
}

// subscribe registers a client and queues the current snapshot for it.
func (h *hub) subscribe() (string, <-chan *SerializedEvent) {
	first, err := h.serialize()

	h.mu.Lock()
	defer h.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan *SerializedEvent, 2)
	if err == nil {
		ch <- first
	}
	if h.stopped {
		close(ch)
		return id, ch
	}
	h.clients[id] = ch
	h.metrics.StreamSubscribers.Store(int64(len(h.clients)))

	logger.Debug("Stream", "Client %s subscribed (total clients: %d)", id, len(h.clients))
	return id, ch
}

func (h *hub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
		h.metrics.StreamSubscribers.Store(int64(len(h.clients)))
		logger.Debug("Stream", "Client %s unsubscribed (remaining clients: %d)", id, len(h.clients))
	}
}

func (h *hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) start() {
	go h.run()
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.stop)
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
	}
	h.metrics.StreamSubscribers.Store(0)
}

func (h *hub) run() {
	ticker := h.clock.Ticker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}

		if h.clientCount() == 0 {
			continue
		}
		ev, err := h.serialize()
		if err != nil {
			logger.Error("Stream", "Serialize event: %v", err)
			continue
		}
		h.broadcast(ev)
	}
}

func (h *hub) broadcast(ev *SerializedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			// slow client, it gets the next tick
		}
	}
}

func (h *hub) serialize() (*SerializedEvent, error) {
	detections := h.store.Read()
	ev := StreamEvent{
		Detections: detections,
		Count:      len(detections),
		Timestamp:  h.clock.Now(),
	}
	return encodeEvent(ev)
}

func encodeEvent(ev StreamEvent) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	var s structpb.Struct
	if err := protojson.Unmarshal(jsonData, &s); err != nil {
		return nil, fmt.Errorf("convert event to struct: %w", err)
	}
	pbData, err := proto.Marshal(&s)
	if err != nil {
		return nil, fmt.Errorf("marshal protobuf event: %w", err)
	}

	return &SerializedEvent{Event: ev, JSONData: jsonData, ProtobufData: pbData}, nil
}
