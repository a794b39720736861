package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Lineage mirrors persisted records into Neo4j as a PREVIOUS-linked graph so
// chain ancestry can be queried without walking rows one by one.
type Lineage struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewLineage creates a Neo4j-backed lineage graph.
func NewLineage(uri, user, password string, logger *zap.Logger) (*Lineage, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Lineage{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (l *Lineage) Close(ctx context.Context) error {
	return l.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (l *Lineage) Ping(ctx context.Context) error {
	return l.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the uniqueness constraint on record CIDs.
func (l *Lineage) EnsureSchema(ctx context.Context) error {
	session := l.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`CREATE CONSTRAINT memory_record_cid IF NOT EXISTS
		 FOR (r:MemoryRecord) REQUIRE r.cid IS UNIQUE`, nil)
	if err != nil {
		return fmt.Errorf("create lineage constraint: %w", err)
	}
	return nil
}

// Name implements gateway.Sink.
func (l *Lineage) Name() string { return "lineage" }

// Deliver implements gateway.Sink by projecting the record into the graph.
func (l *Lineage) Deliver(ctx context.Context, rec *Record) error {
	return l.Project(ctx, rec)
}

// Project merges the record node and its PREVIOUS edge. The predecessor node
// may be a placeholder until its own record is projected.
func (l *Lineage) Project(ctx context.Context, rec *Record) error {
	session := l.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (r:MemoryRecord {cid: $cid})
		 SET r.agent_name = $agent, r.created_at = datetime($createdAt), r.persisted = true
		 FOREACH (_ IN CASE WHEN $prev <> '' THEN [1] ELSE [] END |
		   MERGE (p:MemoryRecord {cid: $prev})
		   ON CREATE SET p.agent_name = $agent, p.persisted = false
		   MERGE (r)-[:PREVIOUS]->(p)
		 )`,
		map[string]interface{}{
			"cid":       rec.CID,
			"agent":     rec.AgentName,
			"prev":      rec.PreviousCID,
			"createdAt": rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	if err != nil {
		return fmt.Errorf("project record %s: %w", rec.CID, err)
	}
	return nil
}

// LineageNode is one hop of an ancestry query.
type LineageNode struct {
	CID       string `json:"cid"`
	AgentName string `json:"agent_name"`
	Depth     int    `json:"depth"`
	Persisted bool   `json:"persisted"`
}

// Ancestry returns up to depth predecessors of cid, nearest first.
func (l *Lineage) Ancestry(ctx context.Context, cid string, depth int) ([]LineageNode, error) {
	if depth <= 0 || depth > 100 {
		depth = 20
	}
	session := l.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		fmt.Sprintf(`MATCH path = (r:MemoryRecord {cid: $cid})-[:PREVIOUS*1..%d]->(a:MemoryRecord)
		 RETURN a.cid AS cid, coalesce(a.agent_name, '') AS agent, length(path) AS depth,
		        coalesce(a.persisted, false) AS persisted
		 ORDER BY depth`, depth),
		map[string]interface{}{"cid": cid})
	if err != nil {
		return nil, fmt.Errorf("query ancestry %s: %w", cid, err)
	}

	var nodes []LineageNode
	for result.Next(ctx) {
		rec := result.Record()
		c, _ := rec.Get("cid")
		agent, _ := rec.Get("agent")
		d, _ := rec.Get("depth")
		persisted, _ := rec.Get("persisted")
		nodes = append(nodes, LineageNode{
			CID:       c.(string),
			AgentName: agent.(string),
			Depth:     int(d.(int64)),
			Persisted: persisted.(bool),
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read ancestry %s: %w", cid, err)
	}
	return nodes, nil
}
