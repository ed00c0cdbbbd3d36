package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
)

// DefaultModel is used when a request does not name one
const DefaultModel = "llama3.2"

// ErrEmptyPrompt is returned by Ask for a blank question
var ErrEmptyPrompt = errors.New("prompt is empty")

// Client sends prompts to an Ollama server
type Client struct {
	api     *api.Client
	model   string
	timeout time.Duration
}

// NewClient connects to the Ollama server at host (e.g. http://localhost:11434).
// An empty host falls back to OLLAMA_HOST.
func NewClient(host, model string, timeout time.Duration) (*Client, error) {
	if model == "" {
		model = DefaultModel
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	var c *api.Client
	if host == "" {
		var err error
		if c, err = api.ClientFromEnvironment(); err != nil {
			return nil, fmt.Errorf("ollama client: %w", err)
		}
	} else {
		base, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
		}
		c = api.NewClient(base, &http.Client{Timeout: timeout})
	}
	return &Client{api: c, model: model, timeout: timeout}, nil
}

// Model returns the default model name
func (c *Client) Model() string {
	return c.model
}

// Ask sends prompt as a single user message and returns the full answer.
// An empty model selects the client default.
func (c *Client) Ask(ctx context.Context, model, prompt string) (string, error) {
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	if model == "" {
		model = c.model
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream := false
	req := &api.ChatRequest{
		Model:    model,
		Messages: []api.Message{{Role: "user", Content: prompt}},
		Stream:   &stream,
	}

	var answer string
	err := c.api.Chat(ctx, req, func(resp api.ChatResponse) error {
		answer += resp.Message.Content
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	return answer, nil
}

// Ping checks that the server answers
func (c *Client) Ping(ctx context.Context) error {
	return c.api.Heartbeat(ctx)
}
