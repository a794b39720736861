package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func quickRetries(cfg Config) Config {
	cfg.MaxRetries = 2
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func TestAPIProviderEmbed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("got Authorization %q", got)
		}
		json.NewEncoder(w).Encode(apiResponse{Data: []apiEmbeddingData{
			{Index: 1, Embedding: []float32{0.4, 0.5, 0.6}},
			{Index: 0, Embedding: []float32{0.1, 0.2, 0.3}},
		}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL, Model: "test-model", APIKey: "secret"})
	vectors, err := p.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vectors))
	}
	if vectors[0][0] != 0.1 || vectors[1][0] != 0.4 {
		t.Errorf("vectors not in input order: %v", vectors)
	}
	if p.Dimension() != 3 {
		t.Errorf("got dimension %d, want 3", p.Dimension())
	}
}

func TestAPIProviderEmbed_Empty(t *testing.T) {
	p := NewAPIProvider(Config{Endpoint: "http://unused", Model: "test-model", Dimension: 128})

	vectors, err := p.Embed(context.Background(), []string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vectors != nil {
		t.Errorf("expected nil for empty input, got %v", vectors)
	}
}

func TestAPIProviderDimension_Fallback(t *testing.T) {
	p := NewAPIProvider(Config{Endpoint: "http://unused", Model: "test-model", Dimension: 256})
	if d := p.Dimension(); d != 256 {
		t.Errorf("got dimension %d, want configured default 256", d)
	}
}

func TestAPIProviderEmbed_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiResponse{Data: []apiEmbeddingData{{Embedding: []float32{1}}}})
	}))
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL + "/", Model: "m"})
	_, err := p.Embed(context.Background(), []string{"a", "b"})
	if err == nil {
		t.Fatal("expected error when the API returns fewer vectors than inputs")
	}
	if IsRetryable(err) {
		t.Errorf("malformed response should not be retryable: %v", err)
	}
}

func TestAPIProviderRejectsWrongDimension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiResponse{Data: []apiEmbeddingData{{Embedding: []float32{1, 2}}}})
	}))
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL, Dimension: 1024})
	_, err := p.Embed(context.Background(), []string{"a"})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("got %v, want ErrDimensionMismatch", err)
	}
	if p.Dimension() != 1024 {
		t.Errorf("rejected vectors changed the dimension to %d", p.Dimension())
	}
}

func TestAPIProviderRetriesRateLimits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			http.Error(w, "slow down", http.StatusTooManyRequests)
		case 2:
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		default:
			json.NewEncoder(w).Encode(apiResponse{Data: []apiEmbeddingData{{Embedding: []float32{1}}}})
		}
	}))
	defer srv.Close()

	p := NewAPIProvider(quickRetries(Config{Endpoint: srv.URL}))
	if _, err := p.Embed(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("got %d requests, want 3", n)
	}
}

func TestAPIProviderGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewAPIProvider(quickRetries(Config{Endpoint: srv.URL}))
	_, err := p.Embed(context.Background(), []string{"a"})
	var embedErr *Error
	if !errors.As(err, &embedErr) {
		t.Fatalf("got %T %v, want *Error", err, err)
	}
	if embedErr.Status != http.StatusBadGateway || !IsRetryable(err) {
		t.Errorf("got status %d retryable %v", embedErr.Status, IsRetryable(err))
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("got %d requests, want 1 plus 2 retries", n)
	}
}

func TestAPIProviderDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewAPIProvider(quickRetries(Config{Endpoint: srv.URL}))
	_, err := p.Embed(context.Background(), []string{"a"})
	if err == nil || IsRetryable(err) {
		t.Fatalf("got %v, want a non-retryable error", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("got %d requests, want 1", n)
	}
}

func TestAPIProviderUnreachableIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewAPIProvider(Config{Endpoint: url, MaxRetries: -1})
	_, err := p.Embed(context.Background(), []string{"a"})
	if !IsRetryable(err) {
		t.Fatalf("got %v, want a retryable error", err)
	}
}

func TestLocalProviderEmbed(t *testing.T) {
	var requests [][]string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		var req localRequest
		json.NewDecoder(r.Body).Decode(&req)
		requests = append(requests, req.Input)
		json.NewEncoder(w).Encode(localResponse{Embeddings: [][]float32{{0.5, 0.25}, {0.75, 1}}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewLocalProvider(Config{Endpoint: srv.URL, Model: "nomic-embed-text"})
	vectors, err := p.Embed(context.Background(), []string{"one", "two"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 2 || len(requests) != 1 || len(requests[0]) != 2 {
		t.Fatalf("got %d vectors from requests %v, want 2 from one batch", len(vectors), requests)
	}
	if p.Dimension() != 2 {
		t.Errorf("got dimension %d, want 2", p.Dimension())
	}
}

func TestLocalProviderRejectsEmptyVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(localResponse{Embeddings: [][]float32{{}}})
	}))
	defer srv.Close()

	p := NewLocalProvider(Config{Endpoint: srv.URL})
	if _, err := p.Embed(context.Background(), []string{"one"}); err == nil {
		t.Fatal("expected error for an empty vector")
	}
}

func TestNewProvider(t *testing.T) {
	if p, err := New(Config{Provider: "local"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	} else if _, ok := p.(*LocalProvider); !ok {
		t.Errorf("got %T, want *LocalProvider", p)
	}
	if p, err := New(Config{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	} else if _, ok := p.(*APIProvider); !ok {
		t.Errorf("got %T, want *APIProvider", p)
	}
	if _, err := New(Config{Provider: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}
