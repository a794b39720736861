package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nidhogg/chainmirror/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(cid, prev, agent string) *memory.Record {
	content := fmt.Sprintf(`{"previousCid":%q,"agentName":%q}`, prev, agent)
	return memory.NewRecord(cid, []byte(content), agent)
}

func TestMemoryInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	inserted, err := m.InsertIfAbsent(ctx, rec("c1", "", "alice"))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.False(t, m.byCID["c1"].CreatedAt.IsZero())

	inserted, err = m.InsertIfAbsent(ctx, rec("c1", "", "alice"))
	require.NoError(t, err)
	assert.False(t, inserted, "second insert of the same cid is a no-op")

	ok, err := m.Exists(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Exists(ctx, "c2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryConcurrentInsertSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var wins int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.InsertIfAbsent(ctx, rec("same", "", "alice"))
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins)
}

func TestMemoryGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	got, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = m.InsertIfAbsent(ctx, rec("c2", "c1", "alice"))
	require.NoError(t, err)
	got, err = m.Get(ctx, "c2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "c1", got.PreviousCID)
	assert.Equal(t, "alice", got.AgentName)
}

func TestMemoryListPage(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := 1; i <= 5; i++ {
		_, err := m.InsertIfAbsent(ctx, rec(fmt.Sprintf("a%d", i), "", "alice"))
		require.NoError(t, err)
	}
	_, err := m.InsertIfAbsent(ctx, rec("b1", "", "bob"))
	require.NoError(t, err)

	page, total, err := m.ListPage(ctx, "alice", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "a5", page[0].CID, "newest first")
	assert.Equal(t, "a4", page[1].CID)

	page, _, err = m.ListPage(ctx, "alice", 3, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a1", page[0].CID)

	page, total, err = m.ListPage(ctx, "all", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	assert.Equal(t, "b1", page[0].CID)

	page, total, err = m.ListPage(ctx, "alice", 9, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Empty(t, page)
}

func TestMemoryDanglingLinks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// c3 -> c2 persisted, c2 -> c1 missing; c5 -> c4 missing.
	for _, r := range []*memory.Record{
		rec("c2", "c1", "alice"),
		rec("c3", "c2", "alice"),
		rec("c5", "c4", "alice"),
		rec("x2", "x1", "bob"),
	} {
		_, err := m.InsertIfAbsent(ctx, r)
		require.NoError(t, err)
	}

	links, err := m.DanglingLinks(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c4"}, links)

	latest, err := m.LatestCID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "c5", latest)
}
