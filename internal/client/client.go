// Package client is an HTTP client for the detection server.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/analysis"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/service"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to one server
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL (e.g. http://localhost:5000)
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// Health calls GET /health
func (c *Client) Health(ctx context.Context) (service.Health, error) {
	var h service.Health
	return h, c.do(ctx, http.MethodGet, "/health", nil, &h)
}

// Start calls POST /start
func (c *Client) Start(ctx context.Context) (service.StartResult, error) {
	var r service.StartResult
	return r, c.do(ctx, http.MethodPost, "/start", nil, &r)
}

// Stop calls POST /stop
func (c *Client) Stop(ctx context.Context) (service.StopResult, error) {
	var r service.StopResult
	return r, c.do(ctx, http.MethodPost, "/stop", nil, &r)
}

// Status calls GET /status
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var r map[string]any
	return r, c.do(ctx, http.MethodGet, "/status", nil, &r)
}

// Detections calls GET /detections
func (c *Client) Detections(ctx context.Context) (service.DetectionList, error) {
	var r service.DetectionList
	return r, c.do(ctx, http.MethodGet, "/detections", nil, &r)
}

// Summary calls GET /summary
func (c *Client) Summary(ctx context.Context) (types.Summary, error) {
	var r types.Summary
	return r, c.do(ctx, http.MethodGet, "/summary", nil, &r)
}

// Query calls GET /query with the filter's parameters
func (c *Client) Query(ctx context.Context, f analysis.Filter) (service.QueryResult, error) {
	q := url.Values{}
	if f.Class != "" {
		q.Set("class", f.Class)
	}
	q.Set("min_confidence", strconv.FormatFloat(f.MinConfidence, 'f', -1, 64))
	if f.MaxDepth != nil {
		q.Set("max_depth", strconv.FormatFloat(*f.MaxDepth, 'f', -1, 64))
	}
	var r service.QueryResult
	return r, c.do(ctx, http.MethodGet, "/query?"+q.Encode(), nil, &r)
}

// AskResult is the answer of POST /ollama/ask
type AskResult struct {
	Response string        `json:"response"`
	Model    string        `json:"model"`
	Summary  types.Summary `json:"summary"`
}

// Ask calls POST /ollama/ask
func (c *Client) Ask(ctx context.Context, prompt, model string) (AskResult, error) {
	var r AskResult
	body := map[string]string{"prompt": prompt}
	if model != "" {
		body["model"] = model
	}
	return r, c.do(ctx, http.MethodPost, "/ollama/ask", body, &r)
}

// Watch reads GET /stream and calls fn for each event until ctx is done,
// the stream ends, or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(service.StreamEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout: the stream is open-ended.
	resp, err := (&http.Client{Transport: c.http.Transport}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev service.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}
