package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/chainmirror/internal/contentstore"
	"github.com/nidhogg/chainmirror/internal/memory"
	"github.com/nidhogg/chainmirror/internal/metrics"
	"github.com/nidhogg/chainmirror/internal/resurrection"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownAgent is returned for agents that are not configured.
var ErrUnknownAgent = errors.New("unknown agent")

const defaultGapRetryAfter = 10 * time.Minute

// walkRequest describes one scheduled run for an agent.
type walkRequest struct {
	head     string // "" means repair only
	maxNodes int
	repair   bool // repair every gap regardless of cooldowns
}

// merge folds next into a pending request. The newer head wins, the looser
// bound wins and a forced repair is never lost.
func (r walkRequest) merge(next walkRequest) walkRequest {
	if next.head != "" {
		r.head = next.head
	}
	r.maxNodes = looserBound(r.maxNodes, next.maxNodes)
	r.repair = r.repair || next.repair
	return r
}

// looserBound returns the less restrictive of two node limits; 0 is unbounded.
func looserBound(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return max(a, b)
}

// agentRun is the per-agent scheduling state. At most one runner goroutine
// exists per agent; triggers that arrive while it runs are folded into a
// single pending rerun.
type agentRun struct {
	agent   Agent
	running bool

	hasPending bool
	pending    walkRequest

	// gapFailures remembers when a dangling link last failed terminally.
	gapFailures map[string]time.Time

	status Status
}

// Coordinator serializes chain walks per agent and publishes what they persist.
type Coordinator struct {
	walker  *resurrection.Walker
	fetcher resurrection.Fetcher
	store   RecordStore
	heads   HeadReader
	hub     Publisher
	opts    Options
	logger  *zap.Logger

	byAddress map[string]string

	mu     sync.Mutex
	runs   map[string]*agentRun
	active int
	idle   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator for the given agents.
func NewCoordinator(walker *resurrection.Walker, fetcher resurrection.Fetcher, store RecordStore,
	heads HeadReader, hub Publisher, agents []Agent, opts Options, logger *zap.Logger) *Coordinator {

	if opts.GapRetryAfter <= 0 {
		opts.GapRetryAfter = defaultGapRetryAfter
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		walker:    walker,
		fetcher:   fetcher,
		store:     store,
		heads:     heads,
		hub:       hub,
		opts:      opts,
		logger:    logger,
		byAddress: make(map[string]string, len(agents)),
		runs:      make(map[string]*agentRun, len(agents)),
		idle:      closedChan(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, a := range agents {
		c.byAddress[strings.ToLower(a.Address)] = a.Name
		c.runs[a.Name] = &agentRun{
			agent:       a,
			gapFailures: make(map[string]time.Time),
			status:      Status{Agent: a.Name, Address: a.Address},
		}
	}
	return c
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Agents returns the configured agents sorted by name.
func (c *Coordinator) Agents() []Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Agent, 0, len(c.runs))
	for _, r := range c.runs {
		out = append(out, r.agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AgentByName resolves a configured agent, ignoring case.
func (c *Coordinator) AgentByName(name string) (Agent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.runs[name]; ok {
		return r.agent, true
	}
	for n, r := range c.runs {
		if strings.EqualFold(n, name) {
			return r.agent, true
		}
	}
	return Agent{}, false
}

// Resurrect reads every agent's head and walks each chain to completion,
// agents in parallel. It returns once all walks have finished.
func (c *Coordinator) Resurrect(ctx context.Context) error {
	agents := c.Agents()
	c.logger.Info("resurrection started", zap.Int("agents", len(agents)))
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range agents {
		g.Go(func() error {
			head, err := c.heads.GetHead(gctx, a.Address)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				c.logger.Error("read head failed",
					zap.String("agent", a.Name), zap.Error(err))
				c.setError(a.Name, fmt.Errorf("read head: %w", err))
				return nil
			}
			metrics.HeadUpdates.WithLabelValues("startup").Inc()
			if head == "" {
				c.logger.Info("agent has no memory yet", zap.String("agent", a.Name))
			}
			c.schedule(a.Name, walkRequest{head: head, repair: true})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("resurrect: %w", err)
	}
	if err := c.WaitIdle(ctx); err != nil {
		return fmt.Errorf("resurrect: %w", err)
	}

	for _, st := range c.Status() {
		if !st.Complete {
			c.logger.Warn("resurrection incomplete",
				zap.String("agent", st.Agent),
				zap.String("last_good_cid", st.LastGoodCID),
				zap.String("stop_reason", st.StopReason),
				zap.Strings("missing", st.Missing))
		}
	}
	c.logger.Info("resurrection finished", zap.Duration("took", time.Since(start)))
	return nil
}

// HeadChanged handles a head observation from the ledger.
func (c *Coordinator) HeadChanged(address, cid string) {
	name, ok := c.byAddress[strings.ToLower(address)]
	if !ok {
		c.logger.Debug("head change for unwatched address", zap.String("address", address))
		return
	}
	cid = memory.NormalizeCID(cid)
	if cid == "" {
		return
	}
	c.schedule(name, walkRequest{head: cid, maxNodes: c.opts.CatchUpMaxNodes})
}

// Sync re-reads an agent's head and schedules a catch-up walk.
func (c *Coordinator) Sync(ctx context.Context, name string) (string, error) {
	a, ok := c.AgentByName(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	head, err := c.heads.GetHead(ctx, a.Address)
	if err != nil {
		c.setError(a.Name, fmt.Errorf("read head: %w", err))
		return "", fmt.Errorf("read head for %s: %w", a.Name, err)
	}
	metrics.HeadUpdates.WithLabelValues("manual").Inc()
	c.schedule(a.Name, walkRequest{head: head, maxNodes: c.opts.CatchUpMaxNodes, repair: true})
	return head, nil
}

// Lookup returns the record for cid, fetching and persisting it when it is
// not stored yet. Missing predecessors are filled in by a background repair.
func (c *Coordinator) Lookup(ctx context.Context, cid string) (*memory.Record, error) {
	cid = memory.NormalizeCID(cid)
	rec, err := c.store.Get(ctx, cid)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", cid, err)
	}
	if rec != nil {
		return rec, nil
	}

	content, err := c.fetcher.Fetch(ctx, cid)
	if err != nil {
		return nil, err
	}

	agentName := memory.AgentNameOf(content)
	if a, ok := c.AgentByName(agentName); ok {
		agentName = a.Name
	}
	if agentName == "" {
		agentName = "unknown"
	}
	if err := c.walker.Verify(agentName, cid, content); err != nil {
		c.logger.Warn("looked-up record rejected", zap.String("cid", cid), zap.Error(err))
		return nil, err
	}

	rec = memory.NewRecord(cid, content, agentName)
	inserted, err := c.store.InsertIfAbsent(ctx, rec)
	if err != nil {
		return nil, &resurrection.PersistenceError{CID: cid, Op: "insert", Err: err}
	}
	if !inserted {
		// Lost the race to a walk; return what it stored.
		return c.store.Get(ctx, cid)
	}

	metrics.RecordsPersisted.WithLabelValues(agentName).Inc()
	c.logger.Info("record fetched on demand",
		zap.String("cid", cid), zap.String("agent", agentName))
	c.hub.Publish(rec)

	if _, ok := c.AgentByName(agentName); ok && rec.PreviousCID != "" {
		c.schedule(agentName, walkRequest{maxNodes: c.opts.CatchUpMaxNodes, repair: true})
	}
	return rec, nil
}

// schedule starts a runner for the agent or folds the request into the
// pending rerun of the active one.
func (c *Coordinator) schedule(name string, req walkRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.runs[name]
	if !ok {
		return
	}
	if c.ctx.Err() != nil {
		return
	}

	if run.running {
		if run.hasPending {
			run.pending = run.pending.merge(req)
		} else {
			run.pending = req
		}
		run.hasPending = true
		c.logger.Debug("walk coalesced", zap.String("agent", name), zap.String("head", req.head))
		return
	}

	run.running = true
	run.status.Running = true
	if c.active == 0 {
		c.idle = make(chan struct{})
	}
	c.active++
	c.wg.Add(1)
	go c.runner(run, req)
}

func (c *Coordinator) runner(run *agentRun, req walkRequest) {
	defer c.wg.Done()
	for {
		c.runOnce(c.ctx, run, req)

		c.mu.Lock()
		if !run.hasPending || c.ctx.Err() != nil {
			run.running = false
			run.hasPending = false
			run.status.Running = false
			c.active--
			if c.active == 0 {
				close(c.idle)
			}
			c.mu.Unlock()
			return
		}
		req = run.pending
		run.hasPending, run.pending = false, walkRequest{}
		c.mu.Unlock()
	}
}

// runOnce walks from the requested head, then repairs gaps in the agent's
// persisted chain when the request or a bounded walk calls for it. Every
// newly persisted record is published oldest-first.
func (c *Coordinator) runOnce(ctx context.Context, run *agentRun, req walkRequest) {
	name := run.agent.Name
	log := c.logger.With(zap.String("agent", name))

	if req.head != "" && !req.repair {
		latest, err := c.store.LatestCID(ctx, name)
		if err == nil && latest == req.head {
			c.mu.Lock()
			run.status.LastRun = time.Now()
			c.mu.Unlock()
			log.Debug("head already mirrored", zap.String("head", req.head))
			return
		}
	}

	failed := make(map[string]bool)
	persisted := 0

	var walk *resurrection.Result
	if req.head != "" {
		walk = c.walker.Walk(ctx, resurrection.Request{StartCID: req.head, AgentName: name, MaxNodes: req.maxNodes})
		persisted += c.publish(walk)
		if walk.StopReason == resurrection.FetchFailed && contentstore.IsTerminal(walk.Err) {
			failed[walk.StopCID] = true
		}
	}

	storeHealthy := walk == nil || (walk.StopReason != resurrection.PersistFailed && walk.StopReason != resurrection.Cancelled)
	wantRepair := req.repair || (walk != nil && walk.StopReason == resurrection.MaxNodesReached)

	var missing []string
	var repairErr error
	repaired := false
	if wantRepair && storeHealthy && ctx.Err() == nil {
		var n int
		n, missing, repairErr = c.repair(ctx, run, req, failed, log)
		persisted += n
		repaired = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st := &run.status
	st.LastRun = time.Now()
	st.Persisted = persisted
	if repaired {
		st.Missing = missing
	}
	st.Error = ""

	if walk != nil {
		st.Head = req.head
		st.StopReason = string(walk.StopReason)
		st.StopCID = walk.StopCID
		if walk.Err != nil {
			st.Error = walk.Err.Error()
		}
	}
	if repairErr != nil {
		st.Error = repairErr.Error()
	}
	st.Complete = st.Error == "" && len(st.Missing) == 0 && storeHealthy

	switch {
	case st.Complete && st.Head != "":
		st.LastGoodCID = st.Head
	case walk != nil && walk.OldestDiscovered() != "":
		st.LastGoodCID = walk.OldestDiscovered()
	}
}

// repair walks from every persisted predecessor pointer whose target is
// missing. Unless the request forces it, links that failed terminally within
// GapRetryAfter are skipped. It returns the records it persisted and the gaps
// that remain.
func (c *Coordinator) repair(ctx context.Context, run *agentRun, req walkRequest, failed map[string]bool, log *zap.Logger) (int, []string, error) {
	name := run.agent.Name
	links, err := c.store.DanglingLinks(ctx, name)
	if err != nil {
		return 0, nil, fmt.Errorf("find gaps: %w", err)
	}

	c.mu.Lock()
	for _, link := range links {
		if at, ok := run.gapFailures[link]; ok && !req.repair && time.Since(at) < c.opts.GapRetryAfter {
			failed[link] = true
		}
	}
	c.mu.Unlock()

	persisted := 0
	for _, link := range links {
		if failed[link] || ctx.Err() != nil {
			continue
		}
		log.Info("repairing gap", zap.String("cid", link))
		res := c.walker.Walk(ctx, resurrection.Request{StartCID: link, AgentName: name, MaxNodes: req.maxNodes})
		persisted += c.publish(res)
		if res.StopReason == resurrection.FetchFailed && contentstore.IsTerminal(res.Err) {
			failed[res.StopCID] = true
			c.mu.Lock()
			run.gapFailures[res.StopCID] = time.Now()
			c.mu.Unlock()
		}
		if res.StopReason == resurrection.PersistFailed {
			return persisted, nil, res.Err
		}
	}

	remaining, err := c.store.DanglingLinks(ctx, name)
	if err != nil {
		return persisted, nil, fmt.Errorf("find gaps: %w", err)
	}

	c.mu.Lock()
	for link := range run.gapFailures {
		if !slices.Contains(remaining, link) {
			delete(run.gapFailures, link)
		}
	}
	c.mu.Unlock()
	return persisted, remaining, nil
}

func (c *Coordinator) publish(res *resurrection.Result) int {
	for _, rec := range res.Persisted {
		c.hub.Publish(rec)
	}
	return len(res.Persisted)
}

func (c *Coordinator) setError(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if run, ok := c.runs[name]; ok {
		run.status.Error = err.Error()
		run.status.Complete = false
		run.status.LastRun = time.Now()
	}
}

// Status reports every agent's sync state sorted by name.
func (c *Coordinator) Status() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, 0, len(c.runs))
	for _, r := range c.runs {
		st := r.status
		st.Missing = append([]string(nil), st.Missing...)
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// WaitIdle blocks until no walk is running or ctx is done.
func (c *Coordinator) WaitIdle(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels in-flight walks and waits for their runners to exit.
// Records already fetched are still persisted.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
	c.logger.Info("coordinator stopped")
}
