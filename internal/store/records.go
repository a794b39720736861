package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/chainmirror/internal/memory"
)

// MaxPageSize bounds ListPage.
const MaxPageSize = 100

// Exists reports whether a record for cid has been persisted.
func (s *Store) Exists(ctx context.Context, cid string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM memory_records WHERE cid = $1)`, cid,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check record %s: %w", cid, err)
	}
	return exists, nil
}

// InsertIfAbsent stores rec unless a record with the same CID exists. The
// check and the insert are one statement, so concurrent writers of the same
// CID cannot both succeed. On insert rec.CreatedAt is set from the database.
func (s *Store) InsertIfAbsent(ctx context.Context, rec *memory.Record) (bool, error) {
	var prev *string
	if p := memory.NormalizeCID(rec.PreviousCID); p != "" {
		prev = &p
	}

	var createdAt time.Time
	err := s.db.QueryRow(ctx, `
		INSERT INTO memory_records (cid, content, previous_cid, agent_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cid) DO NOTHING
		RETURNING created_at`,
		rec.CID, []byte(rec.Content), prev, rec.AgentName,
	).Scan(&createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert record %s: %w", rec.CID, err)
	}
	rec.CreatedAt = createdAt
	return true, nil
}

// Get returns the record for cid, or nil when it is not persisted.
func (s *Store) Get(ctx context.Context, cid string) (*memory.Record, error) {
	row := s.db.QueryRow(ctx, `
		SELECT cid, content, COALESCE(previous_cid, ''), agent_name, created_at
		FROM memory_records WHERE cid = $1`, cid)

	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", cid, err)
	}
	return rec, nil
}

// ListPage returns one page of records, newest first, and the total count.
// page is 1-based. An empty agent or "all" lists every agent.
func (s *Store) ListPage(ctx context.Context, agent string, page, limit int) ([]*memory.Record, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > MaxPageSize {
		limit = 10
	}
	offset := (page - 1) * limit

	var (
		total int
		rows  pgx.Rows
		err   error
	)
	if memory.AllAgents(agent) {
		err = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM memory_records`).Scan(&total)
		if err == nil {
			rows, err = s.db.Query(ctx, `
				SELECT cid, content, COALESCE(previous_cid, ''), agent_name, created_at
				FROM memory_records
				ORDER BY id DESC
				LIMIT $1 OFFSET $2`, limit, offset)
		}
	} else {
		err = s.db.QueryRow(ctx,
			`SELECT COUNT(*) FROM memory_records WHERE agent_name = $1`, agent).Scan(&total)
		if err == nil {
			rows, err = s.db.Query(ctx, `
				SELECT cid, content, COALESCE(previous_cid, ''), agent_name, created_at
				FROM memory_records
				WHERE agent_name = $1
				ORDER BY id DESC
				LIMIT $2 OFFSET $3`, agent, limit, offset)
		}
	}
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := make([]*memory.Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	return records, total, nil
}

// DanglingLinks returns predecessor CIDs referenced by the agent's persisted
// records that are not persisted themselves: the gaps a bounded or
// interrupted walk left behind.
func (s *Store) DanglingLinks(ctx context.Context, agent string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT r.previous_cid
		FROM memory_records r
		LEFT JOIN memory_records p ON p.cid = r.previous_cid
		WHERE r.agent_name = $1
		  AND r.previous_cid IS NOT NULL
		  AND p.cid IS NULL
		ORDER BY r.previous_cid`, agent)
	if err != nil {
		return nil, fmt.Errorf("find dangling links for %s: %w", agent, err)
	}
	defer rows.Close()

	var cids []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan dangling link: %w", err)
		}
		cids = append(cids, c)
	}
	return cids, rows.Err()
}

// LatestCID returns the most recently persisted CID for an agent.
func (s *Store) LatestCID(ctx context.Context, agent string) (string, error) {
	var c string
	err := s.db.QueryRow(ctx, `
		SELECT cid FROM memory_records
		WHERE agent_name = $1
		ORDER BY id DESC LIMIT 1`, agent).Scan(&c)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest record for %s: %w", agent, err)
	}
	return c, nil
}

func scanRecord(row pgx.Row) (*memory.Record, error) {
	var (
		rec     memory.Record
		content []byte
	)
	if err := row.Scan(&rec.CID, &content, &rec.PreviousCID, &rec.AgentName, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Content = content
	return &rec, nil
}
