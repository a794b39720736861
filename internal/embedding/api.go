package embedding

import (
	"context"
	"fmt"
	"slices"
)

// APIProvider implements Provider using an OpenAI-compatible embeddings API.
type APIProvider struct {
	transport transport
	model     string
	dims      dimensions
}

// NewAPIProvider creates a new APIProvider from the given Config.
func NewAPIProvider(cfg Config) *APIProvider {
	return &APIProvider{
		transport: newTransport("api", cfg),
		model:     cfg.Model,
		dims:      dimensions{configured: cfg.Dimension},
	}
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiEmbeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type apiResponse struct {
	Data []apiEmbeddingData `json:"data"`
}

// Embed returns one vector per text, in input order.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var result apiResponse
	if err := p.transport.post(ctx, "/embeddings", apiRequest{Model: p.model, Input: texts}, &result); err != nil {
		return nil, err
	}

	if len(result.Data) != len(texts) {
		return nil, &Error{Provider: "api", Err: fmt.Errorf("got %d vectors for %d inputs", len(result.Data), len(texts))}
	}
	// Vectors carry the index of their input; servers that omit it answer in order.
	indexed := slices.ContainsFunc(result.Data, func(d apiEmbeddingData) bool { return d.Index != 0 })
	vectors := make([][]float32, len(texts))
	for i, d := range result.Data {
		idx := i
		if indexed {
			idx = d.Index
		}
		if idx < 0 || idx >= len(texts) || vectors[idx] != nil {
			return nil, &Error{Provider: "api", Err: fmt.Errorf("unexpected vector index %d", d.Index)}
		}
		vectors[idx] = d.Embedding
	}
	if err := p.dims.check("api", vectors, len(texts)); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Dimension returns the size of the vectors seen so far, or the configured
// dimension before the first successful call.
func (p *APIProvider) Dimension() int { return p.dims.get() }
