package embedding

import "context"

// LocalProvider implements Provider using Ollama's batch embed API.
type LocalProvider struct {
	transport transport
	model     string
	dims      dimensions
}

// NewLocalProvider creates a new LocalProvider from the given Config.
func NewLocalProvider(cfg Config) *LocalProvider {
	cfg.APIKey = ""
	return &LocalProvider{
		transport: newTransport("local", cfg),
		model:     cfg.Model,
		dims:      dimensions{configured: cfg.Dimension},
	}
}

type localRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type localResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed sends all texts in one request and returns a vector per text.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var result localResponse
	if err := p.transport.post(ctx, "/api/embed", localRequest{Model: p.model, Input: texts}, &result); err != nil {
		return nil, err
	}
	if err := p.dims.check("local", result.Embeddings, len(texts)); err != nil {
		return nil, err
	}
	return result.Embeddings, nil
}

// Dimension returns the size of the vectors seen so far, or the configured
// dimension before the first successful call.
func (p *LocalProvider) Dimension() int { return p.dims.get() }
