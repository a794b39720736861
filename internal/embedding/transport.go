package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
)

// transport posts JSON requests to an embedding endpoint, retrying rate
// limits, server errors and connection failures with exponential backoff.
type transport struct {
	provider string
	endpoint string
	apiKey   string
	cfg      Config
	client   *http.Client
}

func newTransport(provider string, cfg Config) transport {
	cfg = cfg.withDefaults()
	return transport{
		provider: provider,
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		cfg:      cfg,
		client:   &http.Client{Timeout: requestTimeout},
	}
}

func (t transport) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &Error{Provider: t.provider, Err: fmt.Errorf("marshal request: %w", err)}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.RetryDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(t.cfg.MaxRetries)), ctx)

	return backoff.Retry(func() error {
		err := t.postOnce(ctx, path, body, out)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (t transport) postOnce(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return &Error{Provider: t.provider, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &Error{Provider: t.provider, Retryable: ctx.Err() == nil, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{
			Provider:  t.provider,
			Status:    resp.StatusCode,
			Retryable: retryableStatus(resp.StatusCode),
			Err:       errors.New(strings.TrimSpace(string(msg))),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Provider: t.provider, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
