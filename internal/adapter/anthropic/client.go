// Package anthropic implements the Intent Verifier's intentclient.Client
// port against the Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/imlsys/imlcore/internal/port/intentclient"
)

const defaultModel = "claude-3-5-haiku-latest"

// Client wraps the Anthropic Messages API for one-shot intent review
// completions.
type Client struct {
	sdk anthropicsdk.Client
}

// New builds a Client. apiKey empty falls back to the SDK's own
// ANTHROPIC_API_KEY environment lookup.
func New(apiKey string) *Client {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Client{sdk: anthropicsdk.NewClient(opts...)}
}

// Complete sends the composed review prompt as a single user message and
// returns the model's raw text reply.
func (c *Client) Complete(ctx context.Context, req intentclient.Request) (intentclient.Response, error) {
	model := req.Model
	if model == "" {
		model = defaultModel
	}

	msg, err := c.sdk.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		MaxTokens: 1024,
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(intentclient.ComposePrompt(req))),
		},
	})
	if err != nil {
		return intentclient.Response{}, fmt.Errorf("anthropic intent review: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if b, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			text += b.Text
		}
	}
	return intentclient.Response{RawText: text}, nil
}
