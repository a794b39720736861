package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/chainmirror/internal/memory"
	"github.com/nidhogg/chainmirror/internal/metrics"
	"go.uber.org/zap"
)

// Subscription is a live feed of published records.
type Subscription struct {
	ID    string
	Agent string // "" receives every agent
	C     <-chan *memory.Record

	ch      chan *memory.Record
	dropped atomic.Int64
}

// Dropped returns how many records were skipped because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) matches(rec *memory.Record) bool {
	return memory.MatchesAgent(s.Agent, rec.AgentName)
}

// Hub fans newly visible records out to live subscribers and sinks.
// Publish never blocks: a full subscriber buffer or lossy sink queue drops
// the record for that target only. Durable sinks queue without bound.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	sinks   []*sinkQueue
	buffer  int
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewHub creates a hub whose subscriber buffers and sink queues hold buffer
// records each.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Subscribe registers a live subscriber for one agent, or all agents when
// agent is empty or "all".
func (h *Hub) Subscribe(agent string) *Subscription {
	if memory.AllAgents(agent) {
		agent = ""
	}
	ch := make(chan *memory.Record, h.buffer)
	sub := &Subscription{ID: uuid.New().String(), Agent: agent, C: ch, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return sub
	}
	h.subs[sub.ID] = sub
	metrics.Subscribers.Inc()
	h.logger.Debug("subscriber added", zap.String("id", sub.ID), zap.String("agent", agent))
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(sub.ch)
	metrics.Subscribers.Dec()
}

// AddSink registers a best-effort sink whose queue holds the hub's buffer
// size. Sinks added after Start begin immediately.
func (h *Hub) AddSink(s Sink) {
	h.addSink(s, h.buffer)
}

// AddDurableSink registers a sink that must see every record, such as a
// derived store. Its queue is unbounded and failed deliveries are retried.
func (h *Hub) AddDurableSink(s Sink) {
	h.addSink(s, 0)
}

func (h *Hub) addSink(s Sink, limit int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	q := newSinkQueue(s, limit, h.logger)
	h.sinks = append(h.sinks, q)
	if h.started {
		h.runSink(q)
	}
	h.logger.Info("registered sink", zap.String("sink", s.Name()), zap.Bool("durable", limit == 0))
}

// OnNewRecord registers a callback invoked for every published record.
func (h *Hub) OnNewRecord(fn func(*memory.Record)) {
	h.AddSink(SinkFunc("callback", func(_ context.Context, rec *memory.Record) error {
		fn(rec)
		return nil
	}))
}

// Publish hands rec to every matching subscriber and every sink.
func (h *Hub) Publish(rec *memory.Record) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	for _, sub := range h.subs {
		if !sub.matches(rec) {
			continue
		}
		select {
		case sub.ch <- rec:
		default:
			sub.dropped.Add(1)
			metrics.BroadcastDropped.WithLabelValues("subscriber").Inc()
			h.logger.Debug("subscriber buffer full, record dropped",
				zap.String("subscriber", sub.ID), zap.String("cid", rec.CID))
		}
	}
	for _, q := range h.sinks {
		q.enqueue(rec)
	}
}

// Start launches the sink workers.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started || h.closed {
		return
	}
	h.started = true
	for _, q := range h.sinks {
		h.runSink(q)
	}
	h.logger.Info("hub started", zap.Int("sinks", len(h.sinks)))
}

func (h *Hub) runSink(q *sinkQueue) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		q.run(h.ctx)
	}()
}

// Stop closes every subscription, drains sink queues for up to drainTimeout
// and then cancels deliveries still in progress.
func (h *Hub) Stop(drainTimeout time.Duration) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
		metrics.Subscribers.Dec()
	}
	for _, q := range h.sinks {
		q.close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		h.logger.Warn("sink drain timed out, cancelling deliveries")
		h.cancel()
		<-done
	}
	h.cancel()
	h.logger.Info("hub stopped")
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Sinks returns the names of registered sinks.
func (h *Hub) Sinks() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.sinks))
	for _, q := range h.sinks {
		names = append(names, q.sink.Name())
	}
	return names
}
