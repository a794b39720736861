package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nidhogg/chainmirror/internal/memory"
	"github.com/nidhogg/chainmirror/internal/metrics"
	"go.uber.org/zap"
)

const (
	deliverTimeout = 30 * time.Second

	durableRetries      = 4
	durableRetryInitial = 500 * time.Millisecond
)

// sinkQueue decouples one sink from Publish. A lossy queue holds at most
// limit records and drops beyond that; a durable queue (limit 0) grows
// without bound and retries failed deliveries.
type sinkQueue struct {
	sink   Sink
	limit  int
	logger *zap.Logger

	mu     sync.Mutex
	items  []*memory.Record
	closed bool
	ready  chan struct{}
}

func newSinkQueue(s Sink, limit int, logger *zap.Logger) *sinkQueue {
	return &sinkQueue{
		sink:   s,
		limit:  limit,
		logger: logger.With(zap.String("sink", s.Name())),
		ready:  make(chan struct{}, 1),
	}
}

func (q *sinkQueue) durable() bool { return q.limit == 0 }

// enqueue never blocks.
func (q *sinkQueue) enqueue(rec *memory.Record) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if !q.durable() && len(q.items) >= q.limit {
		q.mu.Unlock()
		metrics.BroadcastDropped.WithLabelValues("sink:" + q.sink.Name()).Inc()
		q.logger.Warn("sink queue full, record dropped", zap.String("cid", rec.CID))
		return
	}
	q.items = append(q.items, rec)
	q.mu.Unlock()
	q.signal()
}

func (q *sinkQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *sinkQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// next blocks until a record is queued or the queue is closed and empty.
func (q *sinkQueue) next() (*memory.Record, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			rec := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return rec, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.ready
	}
}

// run delivers queued records in order until the queue is closed and empty.
func (q *sinkQueue) run(ctx context.Context) {
	for {
		rec, ok := q.next()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			continue
		}
		var err error
		if q.durable() {
			err = q.deliverWithRetry(ctx, rec)
		} else {
			err = q.deliverOnce(ctx, rec)
		}
		if err != nil && ctx.Err() == nil {
			metrics.BroadcastDropped.WithLabelValues("sink:" + q.sink.Name()).Inc()
			q.logger.Warn("sink delivery failed",
				zap.String("cid", rec.CID),
				zap.String("agent", rec.AgentName),
				zap.Error(err))
		}
	}
}

func (q *sinkQueue) deliverOnce(ctx context.Context, rec *memory.Record) error {
	dctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()
	return q.deliver(dctx, rec)
}

func (q *sinkQueue) deliverWithRetry(ctx context.Context, rec *memory.Record) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = durableRetryInitial
	policy := backoff.WithContext(backoff.WithMaxRetries(b, durableRetries), ctx)

	return backoff.RetryNotify(func() error {
		return q.deliverOnce(ctx, rec)
	}, policy, func(err error, wait time.Duration) {
		q.logger.Debug("sink delivery retry",
			zap.String("cid", rec.CID), zap.Duration("wait", wait), zap.Error(err))
	})
}

func (q *sinkQueue) deliver(ctx context.Context, rec *memory.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("sink panicked", zap.Any("panic", r), zap.String("cid", rec.CID))
		}
	}()
	return q.sink.Deliver(ctx, rec)
}
