package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/chainmirror/internal/memory"
)

// Memory is an in-process record store with the same semantics as Store.
// It backs development runs without Postgres and tests.
type Memory struct {
	mu      sync.RWMutex
	byCID   map[string]*memory.Record
	ordered []*memory.Record
	now     func() time.Time
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		byCID: make(map[string]*memory.Record),
		now:   time.Now,
	}
}

func (m *Memory) Exists(_ context.Context, cid string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byCID[cid]
	return ok, nil
}

func (m *Memory) InsertIfAbsent(_ context.Context, rec *memory.Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byCID[rec.CID]; ok {
		return false, nil
	}
	rec.PreviousCID = memory.NormalizeCID(rec.PreviousCID)
	rec.CreatedAt = m.now().UTC()
	stored := *rec
	m.byCID[rec.CID] = &stored
	m.ordered = append(m.ordered, &stored)
	return true, nil
}

func (m *Memory) Get(_ context.Context, cid string) (*memory.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byCID[cid]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

func (m *Memory) ListPage(_ context.Context, agent string, page, limit int) ([]*memory.Record, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > MaxPageSize {
		limit = 10
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*memory.Record
	for i := len(m.ordered) - 1; i >= 0; i-- {
		rec := m.ordered[i]
		if memory.AllAgents(agent) || rec.AgentName == agent {
			matched = append(matched, rec)
		}
	}

	total := len(matched)
	start := (page - 1) * limit
	if start >= total {
		return []*memory.Record{}, total, nil
	}
	end := min(start+limit, total)

	out := make([]*memory.Record, 0, end-start)
	for _, rec := range matched[start:end] {
		cp := *rec
		out = append(out, &cp)
	}
	return out, total, nil
}

func (m *Memory) DanglingLinks(_ context.Context, agent string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var cids []string
	for _, rec := range m.ordered {
		if rec.AgentName != agent || rec.PreviousCID == "" || seen[rec.PreviousCID] {
			continue
		}
		if _, ok := m.byCID[rec.PreviousCID]; ok {
			continue
		}
		seen[rec.PreviousCID] = true
		cids = append(cids, rec.PreviousCID)
	}
	sort.Strings(cids)
	return cids, nil
}

func (m *Memory) LatestCID(_ context.Context, agent string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.ordered) - 1; i >= 0; i-- {
		if m.ordered[i].AgentName == agent {
			return m.ordered[i].CID, nil
		}
	}
	return "", nil
}

func (m *Memory) Ping(context.Context) error { return nil }
