package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/chainmirror/internal/memory"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RecordBus relays newly persisted records between replicas via Redis
// Streams. The leader appends; followers read and feed their local hub.
type RecordBus struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// NewRecordBus creates a Redis-backed record bus.
func NewRecordBus(rdb *redis.Client, maxLen int64, logger *zap.Logger) *RecordBus {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RecordBus{rdb: rdb, maxLen: maxLen, logger: logger}
}

const streamPrefix = "chainmirror:records:"

// StreamKey returns the stream a given agent's records are appended to.
func StreamKey(agent string) string { return streamPrefix + agent }

// Name identifies the bus as a hub sink.
func (b *RecordBus) Name() string { return "redis-stream" }

// Deliver appends a record to its agent's stream.
func (b *RecordBus) Deliver(ctx context.Context, rec *memory.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.CID, err)
	}

	stream := StreamKey(rec.AgentName)
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"cid":  rec.CID,
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	b.logger.Debug("published record",
		zap.String("stream", stream),
		zap.String("cid", rec.CID))
	return nil
}

// Follow reads new records from the given agents' streams until ctx is
// cancelled. Every record appended after Follow returns is delivered once.
func (b *RecordBus) Follow(ctx context.Context, agents []string) <-chan *memory.Record {
	ch := make(chan *memory.Record, 16)
	if len(agents) == 0 {
		close(ch)
		return ch
	}

	lastIDs := make(map[string]string, len(agents))
	for _, a := range agents {
		stream := StreamKey(a)
		lastIDs[stream] = b.tailID(ctx, stream)
	}

	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams := make([]string, 0, 2*len(lastIDs))
			ids := make([]string, 0, len(lastIDs))
			for s, id := range lastIDs {
				streams = append(streams, s)
				ids = append(ids, id)
			}
			streams = append(streams, ids...)

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: streams,
				Count:   64,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Warn("read record stream failed", zap.Error(err))
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastIDs[r.Stream] = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var rec memory.Record
					if err := json.Unmarshal([]byte(data), &rec); err != nil {
						b.logger.Warn("undecodable stream entry",
							zap.String("stream", r.Stream), zap.String("id", msg.ID), zap.Error(err))
						continue
					}
					select {
					case ch <- &rec:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// tailID returns the ID of the newest entry in stream, so reads resume
// strictly after it. An empty stream starts from 0-0.
func (b *RecordBus) tailID(ctx context.Context, stream string) string {
	msgs, err := b.rdb.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		b.logger.Warn("read stream tail failed, starting from now",
			zap.String("stream", stream), zap.Error(err))
		return fmt.Sprintf("%d-0", time.Now().UnixMilli())
	}
	if len(msgs) == 0 {
		return "0-0"
	}
	return msgs[0].ID
}

// Close shuts down the Redis connection.
func (b *RecordBus) Close() error {
	return b.rdb.Close()
}
