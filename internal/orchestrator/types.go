package orchestrator

import (
	"context"
	"time"

	"github.com/nidhogg/chainmirror/internal/memory"
	"github.com/nidhogg/chainmirror/internal/resurrection"
)

// Agent is a configured chain owner.
type Agent struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Status is the operator-visible sync state of one agent.
type Status struct {
	Agent       string    `json:"agent"`
	Address     string    `json:"address"`
	Head        string    `json:"head"`
	LastGoodCID string    `json:"last_good_cid"`
	StopReason  string    `json:"stop_reason"`
	StopCID     string    `json:"stop_cid,omitempty"`
	Persisted   int       `json:"persisted"`
	Missing     []string  `json:"missing,omitempty"`
	Complete    bool      `json:"complete"`
	Running     bool      `json:"running"`
	LastRun     time.Time `json:"last_run,omitzero"`
	Error       string    `json:"error,omitempty"`
}

// Options tunes a Coordinator.
type Options struct {
	// CatchUpMaxNodes bounds walks triggered by head changes. 0 is unbounded.
	CatchUpMaxNodes int
	// GapRetryAfter is how long a gap that failed terminally is left alone
	// by repairs that follow bounded catch-ups. Resurrect, Sync and Lookup
	// always retry it. Defaults to 10 minutes.
	GapRetryAfter time.Duration
}

// HeadReader reads an agent's current head.
type HeadReader interface {
	GetHead(ctx context.Context, address string) (string, error)
}

// RecordStore is what the coordinator needs from persistence.
type RecordStore interface {
	resurrection.RecordStore
	Get(ctx context.Context, cid string) (*memory.Record, error)
	DanglingLinks(ctx context.Context, agent string) ([]string, error)
	LatestCID(ctx context.Context, agent string) (string, error)
}

// Publisher receives newly visible records in causal order.
type Publisher interface {
	Publish(rec *memory.Record)
}
