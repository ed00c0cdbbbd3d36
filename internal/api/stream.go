package api

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/service"
)

// wantsProtobuf reports whether the client asked for protobuf payloads
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

// handleStream streams snapshot events as SSE until the client disconnects.
// Protobuf payloads are base64 encoded so each data line stays text.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := s.svc.Stream(r.Context())
	if err != nil {
		writeError(w, err, http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	useProtobuf := wantsProtobuf(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTimer(s.cfg.Keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := writeEvent(w, event, useProtobuf); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()
			keepalive.Reset(s.cfg.Keepalive)

		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
			keepalive.Reset(s.cfg.Keepalive)
		}
	}
}

func writeEvent(w http.ResponseWriter, event *service.SerializedEvent, useProtobuf bool) error {
	if useProtobuf {
		_, err := fmt.Fprintf(w, "data: %s\n\n", base64.StdEncoding.EncodeToString(event.ProtobufData))
		return err
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", event.JSONData)
	return err
}
