package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/nidhogg/chainmirror/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HeadReader reads the authoritative head for an agent address.
type HeadReader interface {
	GetHead(ctx context.Context, address string) (string, error)
}

// Watcher follows LastMemoryHashSet logs and keeps the subscription alive.
// Heads are absolute values, so after every (re)connect the current heads
// are re-read and delivered; an update missed while disconnected is never lost.
type Watcher struct {
	client         *Client
	addresses      []string
	minDelay       time.Duration
	maxDelay       time.Duration
	healthInterval time.Duration
	logger         *zap.Logger
}

// NewWatcher creates a watcher for the given agent addresses.
func NewWatcher(client *Client, addresses []string, logger *zap.Logger) *Watcher {
	return &Watcher{
		client:         client,
		addresses:      addresses,
		minDelay:       5 * time.Second,
		maxDelay:       time.Minute,
		healthInterval: 30 * time.Second,
		logger:         logger,
	}
}

// SetReconnectDelays overrides the reconnect backoff bounds.
func (w *Watcher) SetReconnectDelays(min, max time.Duration) {
	w.minDelay, w.maxDelay = min, max
}

// Run blocks until ctx is cancelled, reconnecting whenever the subscription
// drops or the health check fails.
func (w *Watcher) Run(ctx context.Context, handler HeadHandler) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.minDelay
	b.MaxInterval = w.maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	b.Reset()

	attempt := 0
	for {
		err := w.watchOnce(ctx, handler, b)
		if ctx.Err() != nil {
			w.logger.Info("head watcher stopped")
			return
		}
		attempt++
		wait := b.NextBackOff()
		w.logger.Warn("head subscription lost, reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			w.logger.Info("head watcher stopped")
			return
		case <-time.After(wait):
		}
	}
}

func (w *Watcher) watchOnce(ctx context.Context, handler HeadHandler, b backoff.BackOff) error {
	logs := make(chan types.Log, 64)
	sub, err := w.client.backend.SubscribeFilterLogs(ctx, w.client.headQuery(w.addresses), logs)
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", ErrLedgerUnavailable, eventHeadSet, err)
	}
	defer sub.Unsubscribe()

	b.Reset()
	w.logger.Info("subscribed to head updates",
		zap.String("contract", w.client.contract.Hex()),
		zap.Int("agents", len(w.addresses)))

	deliverHeads(ctx, w.client, w.addresses, "resync", handler, w.logger)

	health := time.NewTicker(w.healthInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
		case <-health.C:
			if err := w.healthCheck(ctx); err != nil {
				return err
			}
		case lg := <-logs:
			if lg.Removed {
				continue
			}
			address, cid, err := w.client.decodeHeadLog(lg)
			if err != nil {
				w.logger.Warn("undecodable head log", zap.Error(err))
				continue
			}
			metrics.HeadUpdates.WithLabelValues("subscription").Inc()
			w.logger.Info("head changed",
				zap.String("address", address), zap.String("cid", cid))
			handler(address, cid)
		}
	}
}

func (w *Watcher) healthCheck(ctx context.Context) error {
	if len(w.addresses) == 0 {
		return nil
	}
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := w.client.GetHead(hctx, w.addresses[0]); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

// Poller reads every agent's head on a fixed interval. It needs nothing
// beyond eth_call, so it works against plain HTTP endpoints too.
type Poller struct {
	reader    HeadReader
	addresses []string
	interval  time.Duration
	logger    *zap.Logger
}

// NewPoller creates a head poller.
func NewPoller(reader HeadReader, addresses []string, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{reader: reader, addresses: addresses, interval: interval, logger: logger}
}

// Run polls immediately and then every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, handler HeadHandler) {
	p.logger.Info("head poller started", zap.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		deliverHeads(ctx, p.reader, p.addresses, "poll", handler, p.logger)
		select {
		case <-ctx.Done():
			p.logger.Info("head poller stopped")
			return
		case <-ticker.C:
		}
	}
}

// deliverHeads reads all heads in parallel and hands each non-empty one to
// handler. Failures are logged per agent and never abort the others.
func deliverHeads(ctx context.Context, reader HeadReader, addresses []string, source string, handler HeadHandler, logger *zap.Logger) {
	var g errgroup.Group
	for _, addr := range addresses {
		g.Go(func() error {
			cid, err := reader.GetHead(ctx, addr)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("read head failed",
						zap.String("address", addr), zap.String("source", source), zap.Error(err))
				}
				return nil
			}
			if cid == "" {
				return nil
			}
			metrics.HeadUpdates.WithLabelValues(source).Inc()
			handler(addr, cid)
			return nil
		})
	}
	g.Wait()
}
