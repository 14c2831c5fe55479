// Package openai implements the Intent Verifier's intentclient.Client port
// against the OpenAI-shaped chat completions API.
package openai

import (
	"context"
	"fmt"
	"strings"

	openaisdk "github.com/sashabaranov/go-openai"

	"github.com/imlsys/imlcore/internal/port/intentclient"
)

const defaultModel = "gpt-4o-mini"

// Client wraps the OpenAI-shaped chat completions API for one-shot intent
// review completions. baseURL allows pointing at an OpenAI-compatible
// gateway without a separate adapter.
type Client struct {
	sdk   *openaisdk.Client
	model string
}

// New builds a Client. apiKey is passed to the SDK's DefaultConfig as-is
// (an empty key sends requests without credentials). baseURL empty uses
// the standard OpenAI endpoint.
func New(apiKey, baseURL, model string) *Client {
	cfg := openaisdk.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	if model == "" {
		model = defaultModel
	}
	return &Client{sdk: openaisdk.NewClientWithConfig(cfg), model: model}
}

// Complete sends the composed review prompt as a single user message and
// returns the model's raw text reply.
func (c *Client) Complete(ctx context.Context, req intentclient.Request) (intentclient.Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	resp, err := c.sdk.CreateChatCompletion(ctx, openaisdk.ChatCompletionRequest{
		Model: model,
		Messages: []openaisdk.ChatCompletionMessage{
			{Role: openaisdk.ChatMessageRoleUser, Content: intentclient.ComposePrompt(req)},
		},
	})
	if err != nil {
		return intentclient.Response{}, fmt.Errorf("openai intent review: %w", err)
	}
	if len(resp.Choices) == 0 {
		return intentclient.Response{}, fmt.Errorf("openai intent review: empty response")
	}
	return intentclient.Response{RawText: resp.Choices[0].Message.Content}, nil
}
