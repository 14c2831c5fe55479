// Package ollama implements the Intent Verifier's intentclient.Client port
// against Ollama's local HTTP generation API. No ecosystem Go SDK for
// Ollama appears anywhere in the retrieved example pack, so this is a
// plain net/http client rather than a wrapped third-party library — a
// deliberate standard-library exception, recorded in DESIGN.md.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/imlsys/imlcore/internal/port/intentclient"
)

const defaultBaseURL = "http://localhost:11434"

// Client wraps Ollama's /api/generate endpoint for one-shot, non-streamed
// intent review completions.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
}

// New builds a Client against baseURL (empty uses Ollama's default local
// port) with the given default model.
func New(baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		http:    &http.Client{},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Complete posts the composed review prompt to /api/generate with
// streaming disabled, so the full response arrives as one JSON object.
func (c *Client) Complete(ctx context.Context, req intentclient.Request) (intentclient.Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	body, err := json.Marshal(generateRequest{
		Model:  model,
		Prompt: intentclient.ComposePrompt(req),
		Stream: false,
	})
	if err != nil {
		return intentclient.Response{}, fmt.Errorf("marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return intentclient.Response{}, fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return intentclient.Response{}, fmt.Errorf("ollama intent review: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return intentclient.Response{}, fmt.Errorf("ollama intent review: status %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return intentclient.Response{}, fmt.Errorf("decode ollama response: %w", err)
	}
	return intentclient.Response{RawText: out.Response}, nil
}
