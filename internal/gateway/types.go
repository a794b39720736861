package gateway

import (
	"context"
	"fmt"

	"github.com/nidhogg/chainmirror/internal/memory"
)

// Sink receives every record the hub publishes, one at a time, on its own
// goroutine.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, rec *memory.Record) error
}

type funcSink struct {
	name string
	fn   func(context.Context, *memory.Record) error
}

func (s funcSink) Name() string { return s.name }

func (s funcSink) Deliver(ctx context.Context, rec *memory.Record) error { return s.fn(ctx, rec) }

// SinkFunc adapts a function to the Sink interface.
func SinkFunc(name string, fn func(context.Context, *memory.Record) error) Sink {
	return funcSink{name: name, fn: fn}
}

// AgentPersona defines how an agent appears in chat notifications.
type AgentPersona struct {
	Name    string `json:"name"`
	IconURL string `json:"icon_url"`
	Emoji   string `json:"emoji"` // fallback if no icon_url, e.g. ":robot_face:"
}

// Event is the envelope written to live websocket clients.
type Event struct {
	Type string         `json:"type"` // "newMemory"
	Data *memory.Record `json:"data"`
}

// noticeText renders a short human-readable line for chat sinks.
func noticeText(rec *memory.Record, markdownBold string) string {
	snippet := memory.TextOf(rec.Content, 280)
	if snippet == "" {
		snippet = "(no text)"
	}
	return fmt.Sprintf("%snew memory from %s%s `%s`\n%s",
		markdownBold, rec.AgentName, markdownBold, rec.CID, snippet)
}
