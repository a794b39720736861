package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/zlib"
	"github.com/nidhogg/chainmirror/internal/metrics"
	"go.uber.org/zap"
)

const maxPayloadBytes = 16 << 20

// Config holds content network client settings.
type Config struct {
	GatewayURL     string
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RequestTimeout time.Duration
}

// Client downloads blobs by CID from an HTTP gateway of the content network.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a gateway client. Zero values in cfg get the defaults
// the network has historically needed.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 10 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	cfg.GatewayURL = strings.TrimRight(cfg.GatewayURL, "/")
	return &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logger,
	}
}

// Fetch downloads and decodes the JSON payload stored under cid. Transient
// failures are retried with jittered exponential backoff; the returned error
// is always a terminal *FetchError or a context error.
func (c *Client) Fetch(ctx context.Context, cid string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BaseDelay
	b.Multiplier = 2
	b.MaxInterval = c.cfg.MaxDelay
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx)

	var (
		payload  []byte
		attempts int
	)
	op := func() error {
		attempts++
		data, err := c.fetchOnce(ctx, cid)
		if err == nil {
			payload = data
			metrics.FetchAttempts.WithLabelValues("ok").Inc()
			return nil
		}
		var fe *FetchError
		if errors.As(err, &fe) {
			metrics.FetchAttempts.WithLabelValues(fe.Kind.String()).Inc()
			if fe.Terminal() {
				return backoff.Permanent(err)
			}
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("content fetch failed, retrying",
			zap.String("cid", cid),
			zap.Int("attempt", attempts),
			zap.Int("max_retries", c.cfg.MaxRetries),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		return payload, nil
	}
	if IsTerminal(err) {
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("fetch %s: %w", cid, ctxErr)
	}
	c.logger.Error("content fetch gave up",
		zap.String("cid", cid), zap.Int("attempts", attempts), zap.Error(err))
	return nil, &FetchError{
		CID:  cid,
		Kind: KindUnreachable,
		Err:  fmt.Errorf("gave up after %d attempts: %w", attempts, err),
	}
}

// fetchOnce performs a single gateway request and classifies its outcome.
func (c *Client) fetchOnce(ctx context.Context, cid string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.GatewayURL+"/file/"+cid, nil)
	if err != nil {
		return nil, &FetchError{CID: cid, Kind: KindNotFound, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{CID: cid, Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone,
		resp.StatusCode == http.StatusBadRequest:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{CID: cid, Kind: KindNotFound, Err: fmt.Errorf("gateway status %d", resp.StatusCode)}
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{CID: cid, Kind: KindTransient, Err: fmt.Errorf("gateway status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes+1))
	if err != nil {
		return nil, &FetchError{CID: cid, Kind: KindTransient, Err: fmt.Errorf("read body: %w", err)}
	}
	if len(body) > maxPayloadBytes {
		return nil, &FetchError{CID: cid, Kind: KindCorrupt, Err: fmt.Errorf("payload exceeds %d bytes", maxPayloadBytes)}
	}

	data, err := decodePayload(body)
	if err != nil {
		return nil, &FetchError{CID: cid, Kind: KindCorrupt, Err: err}
	}
	return data, nil
}

// decodePayload returns the JSON document held in body, inflating it first
// when the gateway served the raw zlib stream.
func decodePayload(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if json.Valid(trimmed) {
		if !isObject(trimmed) {
			return nil, fmt.Errorf("payload is not a JSON object")
		}
		return trimmed, nil
	}
	if !isZlib(trimmed) {
		return nil, fmt.Errorf("payload is not JSON")
	}

	zr, err := zlib.NewReader(bytes.NewReader(trimmed))
	if err != nil {
		return nil, fmt.Errorf("open zlib stream: %w", err)
	}
	defer zr.Close()

	inflated, err := io.ReadAll(io.LimitReader(zr, maxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("inflate payload: %w", err)
	}
	if len(inflated) > maxPayloadBytes {
		return nil, fmt.Errorf("inflated payload exceeds %d bytes", maxPayloadBytes)
	}
	inflated = bytes.TrimSpace(inflated)
	if !json.Valid(inflated) || !isObject(inflated) {
		return nil, fmt.Errorf("inflated payload is not a JSON object")
	}
	return inflated, nil
}

// isObject reports whether a valid, trimmed JSON document is an object.
func isObject(doc []byte) bool {
	return len(doc) > 0 && doc[0] == '{'
}

// isZlib checks the RFC 1950 header: deflate method and a valid FCHECK.
func isZlib(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	return b[0]&0x0f == 8 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}
