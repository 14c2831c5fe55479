// Package slack implements a notifier.Notifier for Slack webhooks, used by
// the Trigger Daemon to push health/fire notifications for triggers tagged
// "notify:slack".
package slack

import (
	"context"
	"fmt"

	slacksdk "github.com/slack-go/slack"

	"github.com/imlsys/imlcore/internal/port/notifier"
)

const providerName = "slack"

// Notifier sends notifications to Slack via incoming webhook.
type Notifier struct {
	webhookURL string
	postFn     func(webhookURL string, msg *slacksdk.WebhookMessage) error
}

// NewNotifier creates a Slack notifier with the given webhook URL.
func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		postFn:     slacksdk.PostWebhook,
	}
}

func (n *Notifier) Name() string { return providerName }

func (n *Notifier) Capabilities() notifier.Capabilities {
	return notifier.Capabilities{
		RichFormatting: true,
		Threads:        false,
	}
}

// Send posts notification as a Block Kit message via the Slack incoming
// webhook API.
func (n *Notifier) Send(ctx context.Context, notification notifier.Notification) error {
	if n.webhookURL == "" {
		return notifier.ErrNotConfigured
	}

	headerText := fmt.Sprintf("%s %s", levelEmoji(notification.Level), notification.Title)
	blocks := []slacksdk.Block{
		slacksdk.NewHeaderBlock(slacksdk.NewTextBlockObject(slacksdk.PlainTextType, headerText, false, false)),
		slacksdk.NewSectionBlock(slacksdk.NewTextBlockObject(slacksdk.MarkdownType, notification.Message, false, false), nil, nil),
	}
	if notification.Source != "" {
		blocks = append(blocks, slacksdk.NewContextBlock("",
			slacksdk.NewTextBlockObject(slacksdk.MarkdownType, fmt.Sprintf("_Source: %s_", notification.Source), false, false)))
	}

	msg := &slacksdk.WebhookMessage{Blocks: &slacksdk.Blocks{BlockSet: blocks}}
	if err := n.postFn(n.webhookURL, msg); err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

func levelEmoji(level string) string {
	switch level {
	case "success":
		return "[OK]"
	case "error":
		return "[ERROR]"
	case "warning":
		return "[WARN]"
	default:
		return "[INFO]"
	}
}
