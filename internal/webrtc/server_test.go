package webrtc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/service"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/snapshot"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/worker"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

type idleWorker struct{}

func (idleWorker) Start() (worker.StartStatus, error) { return worker.Started, nil }
func (idleWorker) Stop() error                        { return nil }
func (idleWorker) Status() worker.Status              { return worker.Status{State: types.StateStopped} }

func newService(t *testing.T) (*service.Service, *snapshot.Store) {
	t.Helper()
	store := snapshot.NewStore()
	svc := service.New(store, idleWorker{}, service.Options{StreamInterval: 20 * time.Millisecond})
	t.Cleanup(func() { _ = svc.Close() })
	return svc, store
}

func TestHandleOfferRejectsMalformed(t *testing.T) {
	svc, _ := newService(t)
	s := NewServer(svc, Options{}, metrics.New())

	_, err := s.HandleOffer([]byte("not json"))
	assert.Error(t, err)

	_, err = s.HandleOffer([]byte(`{"type":"answer","sdp":"v=0"}`))
	assert.Error(t, err)
	assert.Zero(t, s.GetClientCount())
}

func TestHandleOfferEnforcesClientLimit(t *testing.T) {
	svc, _ := newService(t)
	s := NewServer(svc, Options{MaxClients: 1}, metrics.New())
	s.clients["existing"] = &Client{id: "existing"}

	_, err := s.HandleOffer([]byte(`{"type":"offer","sdp":"v=0"}`))
	assert.ErrorIs(t, err, ErrTooManyClients)
}

func TestDataChannelReceivesEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}
	svc, store := newService(t)
	store.Replace([]types.Detection{{Class: "person", Confidence: 0.9, Depth: 1.2, DepthValid: true}}, time.Now())

	m := metrics.New()
	s := NewServer(svc, Options{IncludeLoopback: true}, m)
	defer s.Close()

	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	peer, err := webrtc.NewAPI(webrtc.WithSettingEngine(se)).NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer peer.Close()

	dc, err := peer.CreateDataChannel(ChannelLabel, nil)
	require.NoError(t, err)
	received := make(chan []byte, 4)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case received <- msg.Data:
		default:
		}
	})

	offer, err := peer.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(peer)
	require.NoError(t, peer.SetLocalDescription(offer))
	<-gathered

	offerJSON, err := json.Marshal(peer.LocalDescription())
	require.NoError(t, err)
	answerJSON, err := s.HandleOffer(offerJSON)
	require.NoError(t, err)
	assert.Equal(t, 1, s.GetClientCount())
	assert.EqualValues(t, 1, m.WebRTCClients.Load())

	var answer webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(answerJSON, &answer))
	require.NoError(t, peer.SetRemoteDescription(answer))

	select {
	case data := <-received:
		var ev service.StreamEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		require.Equal(t, 1, ev.Count)
		assert.Equal(t, "person", ev.Detections[0].Class)
	case <-time.After(10 * time.Second):
		t.Fatal("no event received on data channel")
	}

	require.Eventually(t, func() bool {
		sent := uint64(0)
		for _, st := range s.GetClientStats() {
			sent += st["events_sent"]
		}
		return sent >= 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Close())
	assert.Zero(t, s.GetClientCount())
	assert.Empty(t, s.GetClientStats())
}
