package rag

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nidhogg/chainmirror/internal/embedding"
	"github.com/nidhogg/chainmirror/internal/memory"
	"github.com/nidhogg/chainmirror/internal/vectorstore"
	"go.uber.org/zap"
)

// DefaultCollection holds one point per memory record.
const DefaultCollection = "memories"

const maxIndexedRunes = 2000

// pointNamespace derives stable point IDs from CIDs, so re-indexing a record
// overwrites its point instead of adding a duplicate.
var pointNamespace = uuid.MustParse("6f1c7a52-3d4e-4b8a-9a61-2f0c8e5d9b13")

// VectorIndex is the subset of the Qdrant client the indexer uses.
type VectorIndex interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64) error
	Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]string) error
	Search(ctx context.Context, collection string, vector []float32, topK uint64, match map[string]string) ([]*vectorstore.SearchResult, error)
}

// Indexer embeds record text into a vector collection and answers semantic
// queries over it. It is registered as a hub sink.
type Indexer struct {
	embedder   embedding.Provider
	index      VectorIndex
	collection string
	logger     *zap.Logger
}

// NewIndexer creates an indexer writing to collection.
func NewIndexer(embedder embedding.Provider, index VectorIndex, collection string, logger *zap.Logger) *Indexer {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Indexer{embedder: embedder, index: index, collection: collection, logger: logger}
}

// InitCollection ensures the collection exists.
func (i *Indexer) InitCollection(ctx context.Context) error {
	dim := uint64(i.embedder.Dimension())
	if dim == 0 {
		dim = 1024
	}
	if err := i.index.EnsureCollection(ctx, i.collection, dim); err != nil {
		return fmt.Errorf("init collection %s: %w", i.collection, err)
	}
	return nil
}

// PointID returns the vector point ID used for a CID.
func PointID(cid string) string {
	return uuid.NewSHA1(pointNamespace, []byte(cid)).String()
}

func (i *Indexer) Name() string { return "rag" }

// Deliver indexes one record. Records without text are skipped.
func (i *Indexer) Deliver(ctx context.Context, rec *memory.Record) error {
	text := memory.TextOf(rec.Content, maxIndexedRunes)
	if text == "" {
		return nil
	}

	vectors, err := i.embedder.Embed(ctx, []string{text})
	if err != nil {
		err = fmt.Errorf("embed %s: %w", rec.CID, err)
		if !embedding.IsRetryable(err) {
			// Resending the same text cannot succeed.
			return backoff.Permanent(err)
		}
		return err
	}
	if len(vectors) == 0 {
		return fmt.Errorf("embed %s: empty embedding result", rec.CID)
	}

	payload := map[string]string{
		"cid":        rec.CID,
		"agent_name": rec.AgentName,
		"content":    text,
		"indexed_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := i.index.Upsert(ctx, i.collection, PointID(rec.CID), vectors[0], payload); err != nil {
		return err
	}
	i.logger.Debug("record indexed", zap.String("cid", rec.CID), zap.String("agent", rec.AgentName))
	return nil
}

// Hit is a single semantic search result.
type Hit struct {
	CID       string  `json:"cid"`
	AgentName string  `json:"agent_name"`
	Snippet   string  `json:"snippet"`
	Score     float32 `json:"score"`
}

// Search embeds query and returns the topK closest records, optionally
// restricted to one agent.
func (i *Indexer) Search(ctx context.Context, agent, query string, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = 10
	}
	vectors, err := i.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	var match map[string]string
	if !memory.AllAgents(agent) {
		match = map[string]string{"agent_name": agent}
	}
	results, err := i.index.Search(ctx, i.collection, vectors[0], uint64(topK), match)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			CID:       r.Payload["cid"],
			AgentName: r.Payload["agent_name"],
			Snippet:   r.Payload["content"],
			Score:     r.Score,
		})
	}
	return hits, nil
}
