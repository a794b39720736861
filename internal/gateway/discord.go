package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/nidhogg/chainmirror/internal/memory"
	"go.uber.org/zap"
)

// DiscordNotifier posts a notice to a Discord channel for every new record.
type DiscordNotifier struct {
	token    string
	channel  string
	session  *discordgo.Session
	personas map[string]*AgentPersona // agent name -> persona
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewDiscordNotifier creates a Discord sink. Call Connect before use.
func NewDiscordNotifier(token, channel string, logger *zap.Logger) *DiscordNotifier {
	return &DiscordNotifier{
		token:    token,
		channel:  channel,
		personas: make(map[string]*AgentPersona),
		logger:   logger,
	}
}

func (n *DiscordNotifier) Name() string { return "discord" }

// SetPersona registers how an agent's notices are labelled.
func (n *DiscordNotifier) SetPersona(agent string, persona *AgentPersona) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.personas[agent] = persona
}

// Connect opens the bot session.
func (n *DiscordNotifier) Connect(_ context.Context) error {
	session, err := discordgo.New("Bot " + n.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	if err := session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}

	n.mu.Lock()
	n.session = session
	n.mu.Unlock()

	user := ""
	if session.State != nil && session.State.User != nil {
		user = session.State.User.Username
	}
	n.logger.Info("discord notifier connected",
		zap.String("user", user), zap.String("channel", n.channel))
	return nil
}

// Deliver posts the notice for rec.
func (n *DiscordNotifier) Deliver(ctx context.Context, rec *memory.Record) error {
	n.mu.RLock()
	session := n.session
	persona, hasPersona := n.personas[rec.AgentName]
	n.mu.RUnlock()
	if session == nil {
		return fmt.Errorf("discord send: not connected")
	}

	content := noticeText(rec, "**")
	if hasPersona {
		content = fmt.Sprintf("**[%s]** %s", persona.Name, content)
	}
	if _, err := session.ChannelMessageSend(n.channel, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Close shuts down the Discord session.
func (n *DiscordNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.session != nil {
		return n.session.Close()
	}
	return nil
}
