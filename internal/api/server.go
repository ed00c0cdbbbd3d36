// Package api exposes the detection service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/analysis"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/history"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/llm"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/service"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/webrtc"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

// Recorder controls snapshot recording
type Recorder interface {
	Start() (string, error)
	Stop() (string, error)
	GetStatus() recorder.RecordingStatus
}

// OfferHandler answers WebRTC offers
type OfferHandler interface {
	HandleOffer(offerJSON []byte) ([]byte, error)
	GetClientCount() int
	GetClientStats() map[string]map[string]uint64
}

// Asker forwards prompts to a language model
type Asker interface {
	Ask(ctx context.Context, model, prompt string) (string, error)
	Model() string
}

// History searches past scenes
type History interface {
	Similar(ctx context.Context, detections []types.Detection, limit int) ([]history.Match, error)
	SimilarToClass(ctx context.Context, class string, limit int) ([]history.Match, error)
}

// Config holds HTTP layer settings
type Config struct {
	Keepalive   time.Duration // Idle time before an SSE keepalive comment
	CORSOrigins []string      // Empty allows every origin
}

// DefaultConfig returns the production settings
func DefaultConfig() Config {
	return Config{Keepalive: 30 * time.Second}
}

// Server serves the detection endpoints. Recorder, WebRTC, LLM and History
// are optional; their endpoints answer 503 when unset.
type Server struct {
	cfg      Config
	svc      *service.Service
	Recorder Recorder
	WebRTC   OfferHandler
	LLM      Asker
	History  History
}

// NewServer returns a configured server
func NewServer(cfg Config, svc *service.Service) *Server {
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = DefaultConfig().Keepalive
	}
	return &Server{cfg: cfg, svc: svc}
}

// Handler exposes the HTTP handler for the server, wrapped with CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/detections", s.handleDetections)
	mux.HandleFunc("/summary", s.handleSummary)
	mux.HandleFunc("/query", s.handleQuery)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/ollama/prompt", s.handleOllamaPrompt)
	mux.HandleFunc("/ollama/scene_analysis", s.handleSceneAnalysis)
	mux.HandleFunc("/ollama/ask", s.handleOllamaAsk)
	mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)
	mux.HandleFunc("/history/similar", s.handleHistorySimilar)

	if len(s.cfg.CORSOrigins) == 0 {
		return cors.AllowAll().Handler(mux)
	}
	return cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept"},
	}).Handler(mux)
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.svc.Health())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	// Failures are reported in the body with status "error".
	writeJSON(w, s.svc.Start())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	writeJSON(w, s.svc.Stop())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"worker":             s.svc.Status(),
		"stream_subscribers": s.svc.Subscribers(),
		"timestamp":          time.Now(),
	}
	if s.Recorder != nil {
		payload["recording"] = s.Recorder.GetStatus()
	}
	if s.WebRTC != nil {
		payload["webrtc_clients"] = s.WebRTC.GetClientCount()
		payload["webrtc_client_stats"] = s.WebRTC.GetClientStats()
	}
	writeJSON(w, payload)
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.svc.CurrentDetections())
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.svc.Summary())
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	res, err := s.svc.Query(f)
	if err != nil {
		status := http.StatusInternalServerError
		if service.IsInvalidQuery(err) {
			status = http.StatusBadRequest
		}
		writeError(w, err, status)
		return
	}
	writeJSON(w, res)
}

// parseFilter reads class, min_confidence and max_depth from the query string.
// Malformed numbers wrap analysis.ErrInvalidFilter.
func parseFilter(r *http.Request) (analysis.Filter, error) {
	q := r.URL.Query()
	f := analysis.NewFilter()
	f.Class = q.Get("class")

	if v := q.Get("min_confidence"); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, fmt.Errorf("%w: min_confidence %q is not a number", analysis.ErrInvalidFilter, v)
		}
		f.MinConfidence = c
	}
	if v := q.Get("max_depth"); v != "" {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, fmt.Errorf("%w: max_depth %q is not a number", analysis.ErrInvalidFilter, v)
		}
		f.MaxDepth = &d
	}
	return f, nil
}

type promptRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

func readPrompt(r *http.Request) (promptRequest, error) {
	var req promptRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || req.Prompt == "" {
		return req, errors.New("Missing prompt in request")
	}
	return req, nil
}

func (s *Server) handleOllamaPrompt(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	req, err := readPrompt(r)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}

	scene := s.svc.Scene()
	ctxText := llm.SceneContext(scene.Summary, scene.Detections)
	writeJSON(w, map[string]any{
		"enhanced_prompt": llm.Prompt(ctxText, req.Prompt),
		"detection_context": map[string]any{
			"summary":     scene.Summary,
			"detections":  scene.Detections,
			"limitations": llm.Limitations,
		},
		"original_prompt": req.Prompt,
	})
}

func (s *Server) handleSceneAnalysis(w http.ResponseWriter, r *http.Request) {
	scene := s.svc.Scene()
	ctxText := llm.SceneContext(scene.Summary, scene.Detections)
	writeJSON(w, map[string]any{
		"scene_analysis_prompt": llm.SceneAnalysisPrompt(ctxText),
		"detection_data": map[string]any{
			"summary":    scene.Summary,
			"detections": scene.Detections,
		},
	})
}

func (s *Server) handleOllamaAsk(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.LLM == nil {
		writeError(w, errors.New("ollama integration is disabled"), http.StatusServiceUnavailable)
		return
	}
	req, err := readPrompt(r)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}

	scene := s.svc.Scene()
	prompt := llm.Prompt(llm.SceneContext(scene.Summary, scene.Detections), req.Prompt)
	answer, err := s.LLM.Ask(r.Context(), req.Model, prompt)
	if err != nil {
		logger.Warn("API", "Ollama request failed: %v", err)
		writeError(w, err, http.StatusBadGateway)
		return
	}

	model := req.Model
	if model == "" {
		model = s.LLM.Model()
	}
	writeJSON(w, map[string]any{
		"response":        answer,
		"model":           model,
		"original_prompt": req.Prompt,
		"summary":         scene.Summary,
	})
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.Recorder == nil {
		writeError(w, errors.New("recording is not configured"), http.StatusServiceUnavailable)
		return
	}

	filename, err := s.Recorder.Start()
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       filename,
		"started_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.Recorder == nil {
		writeError(w, errors.New("recording is not configured"), http.StatusServiceUnavailable)
		return
	}

	filename, err := s.Recorder.Stop()
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       filename,
		"stats":      s.Recorder.GetStatus(),
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.Recorder == nil {
		writeJSON(w, recorder.RecordingStatus{})
		return
	}
	writeJSON(w, s.Recorder.GetStatus())
}

var errInvalidOffer = errors.New("Invalid offer data")

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.WebRTC == nil {
		writeError(w, errors.New("webrtc is disabled"), http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, errInvalidOffer, http.StatusBadRequest)
		return
	}
	var offer struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	if err := json.Unmarshal(body, &offer); err != nil || offer.Type == "" || offer.SDP == "" {
		writeError(w, errInvalidOffer, http.StatusBadRequest)
		return
	}

	answer, err := s.WebRTC.HandleOffer(body)
	if err != nil {
		logger.Warn("API", "WebRTC offer rejected: %v", err)
		status := http.StatusBadRequest
		if errors.Is(err, webrtc.ErrTooManyClients) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, err, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func (s *Server) handleHistorySimilar(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		writeError(w, errors.New("history is disabled"), http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	limit := 10
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, fmt.Errorf("limit must be an integer in [1, 100], got %q", v), http.StatusBadRequest)
			return
		}
		limit = n
	}

	var (
		matches []history.Match
		err     error
	)
	if class := q.Get("class"); class != "" {
		matches, err = s.History.SimilarToClass(r.Context(), class, limit)
	} else {
		matches, err = s.History.Similar(r.Context(), s.svc.CurrentDetections().Detections, limit)
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, history.ErrEmptyScene) {
			status = http.StatusBadRequest
		}
		writeError(w, err, status)
		return
	}
	if matches == nil {
		matches = []history.Match{}
	}
	writeJSON(w, map[string]any{"matches": matches, "count": len(matches)})
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}

func writeError(w http.ResponseWriter, err error, status int) {
	writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
}
