package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/nidhogg/chainmirror/internal/memory"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts a notice to a Slack channel for every new record.
type SlackNotifier struct {
	client   *slack.Client
	channel  string
	personas map[string]*AgentPersona // agent name -> persona
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewSlackNotifier creates a Slack sink. botToken is the Bot User OAuth
// Token (xoxb-...).
func NewSlackNotifier(botToken, channel string, logger *zap.Logger, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{
		client:   slack.New(botToken, opts...),
		channel:  channel,
		personas: make(map[string]*AgentPersona),
		logger:   logger,
	}
}

func (n *SlackNotifier) Name() string { return "slack" }

// SetPersona registers how an agent's notices are displayed.
func (n *SlackNotifier) SetPersona(agent string, persona *AgentPersona) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.personas[agent] = persona
}

// Deliver posts the notice for rec.
func (n *SlackNotifier) Deliver(ctx context.Context, rec *memory.Record) error {
	opts := []slack.MsgOption{
		slack.MsgOptionText(noticeText(rec, "*"), false),
	}
	opts = append(opts, n.personaOpts(rec.AgentName)...)

	_, _, err := n.client.PostMessageContext(ctx, n.channel, opts...)
	if err != nil {
		n.logger.Error("slack send failed",
			zap.String("channel", n.channel), zap.String("cid", rec.CID), zap.Error(err))
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

func (n *SlackNotifier) personaOpts(agent string) []slack.MsgOption {
	n.mu.RLock()
	p, ok := n.personas[agent]
	n.mu.RUnlock()
	if !ok {
		return nil
	}

	opts := []slack.MsgOption{
		slack.MsgOptionUsername(p.Name),
	}
	if p.IconURL != "" {
		opts = append(opts, slack.MsgOptionIconURL(p.IconURL))
	} else if p.Emoji != "" {
		opts = append(opts, slack.MsgOptionIconEmoji(p.Emoji))
	}
	return opts
}
