package resurrection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/chainmirror/internal/contentstore"
	"github.com/nidhogg/chainmirror/internal/memory"
	"github.com/nidhogg/chainmirror/internal/metrics"
	"go.uber.org/zap"
)

// StopReason says why a walk ended.
type StopReason string

const (
	ReachedKnown    StopReason = "reached-known"
	ReachedOrigin   StopReason = "reached-origin"
	FetchFailed     StopReason = "fetch-error"
	MaxNodesReached StopReason = "max-nodes-reached"
	CycleDetected   StopReason = "cycle-detected"
	AgentMismatch   StopReason = "agent-mismatch"
	PersistFailed   StopReason = "persist-error"
	Cancelled       StopReason = "cancelled"
)

// Complete reports whether the walk connected the start CID to known history
// or to the chain origin.
func (r StopReason) Complete() bool {
	return r == ReachedKnown || r == ReachedOrigin
}

// ErrPersistence is matched by every PersistenceError.
var ErrPersistence = errors.New("persistence failed")

// PersistenceError reports a record store failure during a walk.
type PersistenceError struct {
	CID string
	Op  string // "exists" or "insert"
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.CID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Fetcher retrieves raw record content by CID.
type Fetcher interface {
	Fetch(ctx context.Context, cid string) ([]byte, error)
}

// Verifier authenticates fetched content for the agent that should own it.
type Verifier interface {
	Verify(agent string, content []byte) error
}

// RecordStore is the part of the record store a walk needs.
type RecordStore interface {
	Exists(ctx context.Context, cid string) (bool, error)
	InsertIfAbsent(ctx context.Context, rec *memory.Record) (bool, error)
}

// Request describes one walk.
type Request struct {
	StartCID  string
	AgentName string
	MaxNodes  int // 0 means unbounded
}

// Result is the outcome of a walk.
type Result struct {
	AgentName  string
	StartCID   string
	StopReason StopReason
	StopCID    string
	// Discovered holds fetched records newest-first.
	Discovered []*memory.Record
	// Persisted holds the records this walk inserted, oldest-first.
	Persisted []*memory.Record
	Err       error
}

// OldestDiscovered returns the CID of the deepest record this walk fetched.
func (r *Result) OldestDiscovered() string {
	if len(r.Discovered) == 0 {
		return ""
	}
	return r.Discovered[len(r.Discovered)-1].CID
}

// Walker resurrects an agent's chain by walking backward from a head.
type Walker struct {
	fetcher        Fetcher
	store          RecordStore
	verifier       Verifier
	persistTimeout time.Duration
	logger         *zap.Logger
}

// NewWalker creates a walker.
func NewWalker(fetcher Fetcher, store RecordStore, logger *zap.Logger) *Walker {
	return &Walker{
		fetcher:        fetcher,
		store:          store,
		persistTimeout: 30 * time.Second,
		logger:         logger,
	}
}

// SetVerifier makes every walk reject content whose signature does not
// check out for the walking agent.
func (w *Walker) SetVerifier(v Verifier) { w.verifier = v }

// Verify checks content fetched under cid for agent. A rejected record is
// reported as corrupt content, which is terminal.
func (w *Walker) Verify(agent, cid string, content []byte) error {
	if w.verifier == nil {
		return nil
	}
	if err := w.verifier.Verify(agent, content); err != nil {
		return &contentstore.FetchError{CID: cid, Kind: contentstore.KindCorrupt, Err: err}
	}
	return nil
}

// Walk follows previousCid pointers from req.StartCID until it reaches a
// persisted record, the origin, a terminal failure, a cycle or the node
// bound, then persists what it found oldest-first. Whatever was fetched is
// persisted even when the walk stops early.
func (w *Walker) Walk(ctx context.Context, req Request) *Result {
	start := time.Now()
	res := &Result{AgentName: req.AgentName, StartCID: memory.NormalizeCID(req.StartCID)}
	log := w.logger.With(zap.String("agent", req.AgentName), zap.String("start", res.StartCID))

	w.traverse(ctx, req, res, log)
	w.persist(ctx, res, log)

	metrics.WalksTotal.WithLabelValues(req.AgentName, string(res.StopReason)).Inc()
	metrics.WalkDuration.Observe(time.Since(start).Seconds())
	if n := len(res.Persisted); n > 0 {
		metrics.RecordsPersisted.WithLabelValues(req.AgentName).Add(float64(n))
	}

	fields := []zap.Field{
		zap.String("stop_reason", string(res.StopReason)),
		zap.String("stop_cid", res.StopCID),
		zap.Int("discovered", len(res.Discovered)),
		zap.Int("persisted", len(res.Persisted)),
		zap.Duration("took", time.Since(start)),
	}
	switch {
	case res.Err != nil:
		log.Warn("walk incomplete", append(fields, zap.Error(res.Err))...)
	case res.StopReason == CycleDetected || res.StopReason == AgentMismatch:
		log.Warn("walk truncated", fields...)
	default:
		log.Info("walk finished", fields...)
	}
	return res
}

func (w *Walker) traverse(ctx context.Context, req Request, res *Result, log *zap.Logger) {
	visited := make(map[string]struct{})
	current := res.StartCID

	for {
		if current == "" {
			res.StopReason = ReachedOrigin
			return
		}
		if _, seen := visited[current]; seen {
			res.StopReason, res.StopCID = CycleDetected, current
			return
		}
		visited[current] = struct{}{}

		if err := ctx.Err(); err != nil {
			res.StopReason, res.StopCID, res.Err = Cancelled, current, err
			return
		}

		known, err := w.store.Exists(ctx, current)
		if err != nil {
			if ctx.Err() != nil {
				res.StopReason, res.StopCID, res.Err = Cancelled, current, ctx.Err()
				return
			}
			res.StopReason, res.StopCID = PersistFailed, current
			res.Err = &PersistenceError{CID: current, Op: "exists", Err: err}
			return
		}
		if known {
			res.StopReason, res.StopCID = ReachedKnown, current
			return
		}

		if req.MaxNodes > 0 && len(res.Discovered) >= req.MaxNodes {
			res.StopReason, res.StopCID = MaxNodesReached, current
			return
		}

		content, err := w.fetcher.Fetch(ctx, current)
		if err != nil {
			if ctx.Err() != nil && !contentstore.IsTerminal(err) {
				res.StopReason, res.StopCID, res.Err = Cancelled, current, ctx.Err()
				return
			}
			res.StopReason, res.StopCID, res.Err = FetchFailed, current, err
			return
		}

		if named := memory.AgentNameOf(content); named != "" && req.AgentName != "" &&
			!strings.EqualFold(named, req.AgentName) {
			log.Warn("record belongs to another agent",
				zap.String("cid", current), zap.String("content_agent", named))
			res.StopReason, res.StopCID = AgentMismatch, current
			return
		}

		if err := w.Verify(req.AgentName, current, content); err != nil {
			log.Warn("record rejected", zap.String("cid", current), zap.Error(err))
			res.StopReason, res.StopCID, res.Err = FetchFailed, current, err
			return
		}

		rec := memory.NewRecord(current, content, req.AgentName)
		res.Discovered = append(res.Discovered, rec)
		current = rec.PreviousCID
	}
}

// persist inserts discovered records oldest-first. Inserting runs detached
// from ctx cancellation so fetched work survives shutdown.
func (w *Walker) persist(ctx context.Context, res *Result, log *zap.Logger) {
	if len(res.Discovered) == 0 {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.persistTimeout)
	defer cancel()

	for i := len(res.Discovered) - 1; i >= 0; i-- {
		rec := res.Discovered[i]
		inserted, err := w.store.InsertIfAbsent(pctx, rec)
		if err != nil {
			perr := &PersistenceError{CID: rec.CID, Op: "insert", Err: err}
			log.Error("persist record failed", zap.String("cid", rec.CID), zap.Error(err))
			res.StopReason, res.StopCID = PersistFailed, rec.CID
			res.Err = errors.Join(res.Err, perr)
			return
		}
		if inserted {
			res.Persisted = append(res.Persisted, rec)
		}
	}
}
