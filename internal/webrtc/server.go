// Package webrtc delivers the detection stream over WebRTC data channels.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/service"
)

// ChannelLabel is the data channel the peer must open
const ChannelLabel = "detections"

// ErrTooManyClients is returned when MaxClients peers are connected
var ErrTooManyClients = errors.New("maximum clients reached")

// Streamer produces detection events
type Streamer interface {
	Stream(ctx context.Context) (*service.Subscription, error)
}

// Options configures a Server
type Options struct {
	StunServers     []string
	MaxClients      int
	IncludeLoopback bool // Offer loopback ICE candidates (local testing)
}

// Client represents a connected WebRTC peer
type Client struct {
	id       string
	peerConn *webrtc.PeerConnection
	ctx      context.Context
	cancel   context.CancelFunc

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Server manages WebRTC connections
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	streamer   Streamer
	metrics    *metrics.Metrics
}

// NewServer creates a new WebRTC server
func NewServer(streamer Streamer, opts Options, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(opts.StunServers))
	for _, url := range opts.StunServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	// Reduce DTLS retransmission timeout (faster connection, less CPU on retries)
	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})
	settingsEngine.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	if opts.MaxClients <= 0 {
		opts.MaxClients = 10
	}
	if m == nil {
		m = metrics.New()
	}

	return &Server{
		clients: make(map[string]*Client),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		maxClients: opts.MaxClients,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
		streamer:   streamer,
		metrics:    m,
	}
}

// HandleOffer handles a WebRTC offer and returns an answer. Once the peer
// opens the "detections" data channel, stream events are sent on it as JSON
// text messages until the peer disconnects.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("failed to parse offer: expected type offer with sdp")
	}

	if s.GetClientCount() >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		id:       uuid.NewString(),
		peerConn: peerConn,
		ctx:      ctx,
		cancel:   cancel,
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			logger.Warn("WebRTC", "Client %s opened unknown channel %q", client.id, dc.Label())
			return
		}
		dc.OnOpen(func() {
			go s.sendEvents(client, dc)
		})
	})

	// Remove client on disconnection, failure, or close
	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.RemoveClient(client.id)
		}
	})

	fail := func(format string, err error) ([]byte, error) {
		cancel()
		peerConn.Close()
		return nil, fmt.Errorf(format, err)
	}

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		return fail("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		return fail("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		return fail("failed to set local description: %w", err)
	}
	<-gatherComplete
	logger.Debug("WebRTC", "ICE gathering complete for client %s", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		return fail("%w", errors.New("no local description available"))
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		return fail("failed to marshal answer: %w", err)
	}

	s.clientsMu.Lock()
	s.clients[client.id] = client
	s.metrics.WebRTCClients.Store(int64(len(s.clients)))
	s.clientsMu.Unlock()

	logger.Info("WebRTC", "Client %s connected", client.id)
	return answerJSON, nil
}

// sendEvents forwards stream events to one data channel
func (s *Server) sendEvents(client *Client, dc *webrtc.DataChannel) {
	sub, err := s.streamer.Stream(client.ctx)
	if err != nil {
		logger.Warn("WebRTC", "Client %s stream unavailable: %v", client.id, err)
		return
	}
	defer sub.Close()

	for ev := range sub.Events {
		if dc.ReadyState() != webrtc.DataChannelStateOpen {
			return
		}
		if dc.BufferedAmount() > maxBuffered {
			client.dropped.Add(1)
			continue
		}
		if err := dc.SendText(string(ev.JSONData)); err != nil {
			logger.Debug("WebRTC", "Client %s send failed: %v", client.id, err)
			return
		}
		client.sent.Add(1)
	}
}

// maxBuffered bounds the data channel send queue per client
const maxBuffered = 1 << 20

// RemoveClient removes a client by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
		s.metrics.WebRTCClients.Store(int64(len(s.clients)))
	}
	s.clientsMu.Unlock()

	if !exists {
		return
	}

	client.cancel()
	client.peerConn.Close()

	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.sent.Load(), client.dropped.Load())
}

// GetClientCount returns the number of connected clients
func (s *Server) GetClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// GetClientStats returns stats for all clients
func (s *Server) GetClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64)
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"events_sent":    client.sent.Load(),
			"events_dropped": client.dropped.Load(),
		}
	}
	return stats
}

// Close closes all client connections
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
