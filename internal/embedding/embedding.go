package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

const (
	requestTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultRetryDelay = 500 * time.Millisecond
)

// ErrDimensionMismatch is returned when a provider answers with vectors of a
// size other than the configured dimension. The vector index cannot take them.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider   string        `json:"provider"` // "api" or "local"
	Endpoint   string        `json:"endpoint"`
	Model      string        `json:"model"`
	APIKey     string        `json:"api_key"`
	Dimension  int           `json:"dimension"`
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"-"`
}

// Enabled reports whether an embedding endpoint is configured.
func (c Config) Enabled() bool { return c.Endpoint != "" }

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	return c
}

// New builds the provider named by cfg.Provider.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", "api":
		return NewAPIProvider(cfg), nil
	case "local", "ollama":
		return NewLocalProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// Error describes a failed embedding request. Status is 0 when no HTTP
// response was received.
type Error struct {
	Provider  string
	Status    int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("embedding %s: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("embedding %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether a later attempt at the same request may
// succeed: the provider was unreachable, rate limited or failing on its side.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

func retryableStatus(code int) bool {
	return code == 429 || code >= 500
}

// dimensions tracks the vector size a provider produces.
type dimensions struct {
	configured int
	observed   atomic.Int64
}

func (d *dimensions) get() int {
	if n := d.observed.Load(); n > 0 {
		return int(n)
	}
	return d.configured
}

// check validates a response before it reaches the vector index.
func (d *dimensions) check(provider string, vectors [][]float32, inputs int) error {
	if len(vectors) != inputs {
		return &Error{Provider: provider, Err: fmt.Errorf("got %d vectors for %d inputs", len(vectors), inputs)}
	}
	want := d.get()
	for i, v := range vectors {
		if len(v) == 0 {
			return &Error{Provider: provider, Err: fmt.Errorf("vector %d is empty", i)}
		}
		if want == 0 {
			want = len(v)
		}
		if len(v) != want {
			return &Error{Provider: provider, Err: fmt.Errorf("%w: vector %d has %d values, want %d", ErrDimensionMismatch, i, len(v), want)}
		}
	}
	d.observed.Store(int64(want))
	return nil
}
