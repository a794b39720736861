//go:build integration

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/nidhogg/chainmirror/internal/memory"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { testcontainers.TerminateContainer(container) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return redis.NewClient(&redis.Options{Addr: endpoint})
}

func TestRecordBusDeliverAndFollow(t *testing.T) {
	rdb := startRedis(t)
	bus := NewRecordBus(rdb, 100, zap.NewNop())
	t.Cleanup(func() { bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	old := memory.NewRecord("bafyA0", []byte(`{"agentName":"alice"}`), "alice")
	require.NoError(t, bus.Deliver(ctx, old))

	feed := bus.Follow(ctx, []string{"alice"})

	rec := memory.NewRecord("bafyA1", []byte(`{"previousCid":"bafyA0","agentName":"alice"}`), "alice")
	other := memory.NewRecord("bafyB1", []byte(`{"agentName":"bob"}`), "bob")
	require.NoError(t, bus.Deliver(ctx, other))
	require.NoError(t, bus.Deliver(ctx, rec))

	got := receiveRecord(t, feed)
	assert.Equal(t, "bafyA1", got.CID, "history before Follow is skipped")
	assert.Equal(t, "bafyA0", got.PreviousCID)
	assert.Equal(t, "alice", got.AgentName)

	cancel()
	for range feed {
	}
}

func receiveRecord(t *testing.T, feed <-chan *memory.Record) *memory.Record {
	t.Helper()
	select {
	case rec, ok := <-feed:
		require.True(t, ok, "feed closed")
		return rec
	case <-time.After(10 * time.Second):
		t.Fatal("no record followed")
		return nil
	}
}

func TestRecordBusFollowsQuietStreams(t *testing.T) {
	rdb := startRedis(t)
	bus := NewRecordBus(rdb, 100, zap.NewNop())
	t.Cleanup(func() { bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := bus.Follow(ctx, []string{"alice", "bob"})

	// bob's stream has delivered nothing yet; entries added to it while
	// alice's batch is handled must not be skipped.
	require.NoError(t, bus.Deliver(ctx, memory.NewRecord("bafyA1", []byte(`{}`), "alice")))
	assert.Equal(t, "bafyA1", receiveRecord(t, feed).CID)

	require.NoError(t, bus.Deliver(ctx, memory.NewRecord("bafyB1", []byte(`{}`), "bob")))
	time.Sleep(3 * time.Second) // past one block timeout
	require.NoError(t, bus.Deliver(ctx, memory.NewRecord("bafyB2", []byte(`{}`), "bob")))

	assert.Equal(t, "bafyB1", receiveRecord(t, feed).CID)
	assert.Equal(t, "bafyB2", receiveRecord(t, feed).CID)

	cancel()
	for range feed {
	}
}

func TestRecordBusTrimsStream(t *testing.T) {
	rdb := startRedis(t)
	bus := NewRecordBus(rdb, 10, zap.NewNop())
	t.Cleanup(func() { bus.Close() })
	ctx := context.Background()

	for range 500 {
		require.NoError(t, bus.Deliver(ctx, memory.NewRecord("bafyX", []byte(`{}`), "carol")))
	}
	n, err := rdb.XLen(ctx, StreamKey("carol")).Result()
	require.NoError(t, err)
	assert.Less(t, n, int64(500))
}
