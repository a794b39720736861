package contentstore

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, h http.HandlerFunc, retries int) (*Client, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		GatewayURL:     srv.URL + "/",
		MaxRetries:     retries,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		RequestTimeout: time.Second,
	}, zap.NewNop())
	return c, &hits
}

func TestFetchSuccess(t *testing.T) {
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/file/bafyH1", r.URL.Path)
		w.Write([]byte(` {"previousCid":"bafyH0"} `))
	}, 3)

	data, err := c.Fetch(context.Background(), "bafyH1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"previousCid":"bafyH0"}`, string(data))
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))
}

func TestFetchNotFoundIsNotRetried(t *testing.T) {
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	}, 5)

	_, err := c.Fetch(context.Background(), "bafyMissing")
	require.Error(t, err)
	assert.True(t, IsTerminal(err))
	assert.True(t, IsNotFound(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))
}

func TestFetchCorruptIsNotRetried(t *testing.T) {
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>oops</html>"))
	}, 5)

	_, err := c.Fetch(context.Background(), "bafyBad")
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindCorrupt, fe.Kind)
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))
}

func TestFetchRejectsNonObjectPayload(t *testing.T) {
	for _, body := range []string{`"bafyH0"`, `42`, `null`, `["a","b"]`} {
		t.Run(body, func(t *testing.T) {
			c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}, 5)

			_, err := c.Fetch(context.Background(), "bafyScalar")
			var fe *FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, KindCorrupt, fe.Kind)
			assert.EqualValues(t, 1, atomic.LoadInt32(hits))
		})
	}
}

func TestFetchRetriesTransient(t *testing.T) {
	var calls int32
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}, 5)

	data, err := c.Fetch(context.Background(), "bafyFlaky")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
	assert.EqualValues(t, 3, atomic.LoadInt32(hits))
}

func TestFetchExhaustsRetries(t *testing.T) {
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 2)

	_, err := c.Fetch(context.Background(), "bafyDown")
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindUnreachable, fe.Kind)
	assert.True(t, IsTerminal(err))
	assert.EqualValues(t, 3, atomic.LoadInt32(hits), "one attempt plus two retries")
}

func TestFetchInflatesZlib(t *testing.T) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write([]byte(`{"header":{"agentName":"argumint"}}`))
	zw.Close()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	}, 0)

	data, err := c.Fetch(context.Background(), "bafyZ")
	require.NoError(t, err)
	assert.JSONEq(t, `{"header":{"agentName":"argumint"}}`, string(data))
}

func TestFetchHonoursContext(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, 100)
	c.cfg.BaseDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Fetch(ctx, "bafySlow")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsTerminal(err))
}

func TestIsZlib(t *testing.T) {
	assert.True(t, isZlib([]byte{0x78, 0x9c}))
	assert.True(t, isZlib([]byte{0x78, 0x01}))
	assert.False(t, isZlib([]byte(`{"a":1}`)))
	assert.False(t, isZlib([]byte{0x78}))
}
