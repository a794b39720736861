package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/nidhogg/chainmirror/internal/memory"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRecord(cid, agent string) *memory.Record {
	return memory.NewRecord(cid, []byte(fmt.Sprintf(`{"header":{"agentName":%q},"data":{"text":"hello from %s"}}`, agent, cid)), agent)
}

func receive(t *testing.T, ch <-chan *memory.Record) *memory.Record {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for record")
		return nil
	}
}

func TestHubFiltersByAgent(t *testing.T) {
	hub := NewHub(8, zap.NewNop())
	defer hub.Stop(time.Second)

	all := hub.Subscribe("")
	alsoAll := hub.Subscribe("ALL")
	alice := hub.Subscribe("alice")
	upper := hub.Subscribe("Alice")

	hub.Publish(testRecord("c1", "bob"))
	hub.Publish(testRecord("c2", "alice"))

	assert.Equal(t, "c1", receive(t, all.C).CID)
	assert.Equal(t, "c2", receive(t, all.C).CID)
	assert.Equal(t, "", alsoAll.Agent)
	assert.Equal(t, "c1", receive(t, alsoAll.C).CID)
	assert.Equal(t, "c2", receive(t, alsoAll.C).CID)
	assert.Equal(t, "c2", receive(t, alice.C).CID)
	assert.Equal(t, "c2", receive(t, upper.C).CID)
	assert.Empty(t, alice.C)
	assert.Equal(t, 4, hub.Subscribers())
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewHub(2, zap.NewNop())
	defer hub.Stop(time.Second)
	sub := hub.Subscribe("")

	done := make(chan struct{})
	go func() {
		for i := range 5 {
			hub.Publish(testRecord(fmt.Sprintf("c%d", i), "alice"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	assert.EqualValues(t, 3, sub.Dropped())
	assert.Equal(t, "c0", receive(t, sub.C).CID)
	assert.Equal(t, "c1", receive(t, sub.C).CID)
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(2, zap.NewNop())
	defer hub.Stop(time.Second)
	sub := hub.Subscribe("")
	hub.Unsubscribe(sub.ID)
	hub.Unsubscribe(sub.ID)

	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Zero(t, hub.Subscribers())
	hub.Publish(testRecord("c1", "alice"))
}

type recordingSink struct {
	name  string
	mu    sync.Mutex
	cids  []string
	block chan struct{}
	fail  bool
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(ctx context.Context, rec *memory.Record) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cids = append(s.cids, rec.CID)
	if s.fail {
		return fmt.Errorf("sink %s unavailable", s.name)
	}
	return nil
}

func (s *recordingSink) delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cids...)
}

func TestHubSinksKeepOrderAndDrainOnStop(t *testing.T) {
	hub := NewHub(16, zap.NewNop())
	fast := &recordingSink{name: "fast"}
	failing := &recordingSink{name: "failing", fail: true}
	hub.AddSink(fast)
	hub.AddSink(failing)

	var mu sync.Mutex
	var callbacks []string
	hub.OnNewRecord(func(rec *memory.Record) {
		mu.Lock()
		callbacks = append(callbacks, rec.CID)
		mu.Unlock()
	})
	hub.Start()

	want := []string{"c0", "c1", "c2", "c3"}
	for _, cid := range want {
		hub.Publish(testRecord(cid, "alice"))
	}
	hub.Stop(2 * time.Second)

	assert.Equal(t, want, fast.delivered())
	assert.Equal(t, want, failing.delivered(), "errors do not stop later deliveries")
	mu.Lock()
	assert.Equal(t, want, callbacks)
	mu.Unlock()
	assert.ElementsMatch(t, []string{"fast", "failing", "callback"}, hub.Sinks())
}

func TestHubSlowSinkDoesNotBlockPublish(t *testing.T) {
	hub := NewHub(1, zap.NewNop())
	slow := &recordingSink{name: "slow", block: make(chan struct{})}
	hub.AddSink(slow)
	hub.Start()
	sub := hub.Subscribe("")

	done := make(chan struct{})
	go func() {
		for i := range 10 {
			hub.Publish(testRecord(fmt.Sprintf("c%d", i), "alice"))
			<-sub.C
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("slow sink blocked publish")
	}

	close(slow.block)
	hub.Stop(2 * time.Second)
	assert.NotEmpty(t, slow.delivered())
	assert.Less(t, len(slow.delivered()), 10)
}

func TestHubDurableSinkSeesEveryRecord(t *testing.T) {
	hub := NewHub(4, zap.NewNop())
	durable := &recordingSink{name: "lineage", block: make(chan struct{})}
	lossy := &recordingSink{name: "slack", block: make(chan struct{})}
	hub.AddDurableSink(durable)
	hub.AddSink(lossy)
	hub.Start()

	const n = 200
	done := make(chan struct{})
	go func() {
		for i := range n {
			hub.Publish(testRecord(fmt.Sprintf("c%d", i), "alice"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("durable sink blocked publish")
	}

	close(durable.block)
	close(lossy.block)
	hub.Stop(5 * time.Second)

	got := durable.delivered()
	require.Len(t, got, n)
	assert.Equal(t, "c0", got[0])
	assert.Equal(t, fmt.Sprintf("c%d", n-1), got[n-1])
	assert.Less(t, len(lossy.delivered()), n)
}

type flakySink struct {
	mu        sync.Mutex
	attempts  int
	failures  int
	permanent bool
	cids      []string
}

func (s *flakySink) Name() string { return "flaky" }

func (s *flakySink) Deliver(_ context.Context, rec *memory.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= s.failures {
		err := fmt.Errorf("attempt %d failed", s.attempts)
		if s.permanent {
			return backoff.Permanent(err)
		}
		return err
	}
	s.cids = append(s.cids, rec.CID)
	return nil
}

func TestHubDurableSinkRetriesFailures(t *testing.T) {
	hub := NewHub(4, zap.NewNop())
	sink := &flakySink{failures: 2}
	hub.AddDurableSink(sink)
	hub.Start()

	hub.Publish(testRecord("c1", "alice"))
	hub.Stop(10 * time.Second)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"c1"}, sink.cids)
	assert.Equal(t, 3, sink.attempts)
}

func TestHubDurableSinkSkipsPermanentFailures(t *testing.T) {
	hub := NewHub(4, zap.NewNop())
	sink := &flakySink{failures: 1, permanent: true}
	hub.AddDurableSink(sink)
	hub.Start()

	hub.Publish(testRecord("c1", "alice"))
	hub.Publish(testRecord("c2", "alice"))
	hub.Stop(10 * time.Second)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"c2"}, sink.cids)
	assert.Equal(t, 2, sink.attempts)
}

func TestHubStopTimesOutStuckSink(t *testing.T) {
	hub := NewHub(4, zap.NewNop())
	stuck := &recordingSink{name: "stuck", block: make(chan struct{})}
	hub.AddSink(stuck)
	hub.Start()
	hub.Publish(testRecord("c1", "alice"))

	done := make(chan struct{})
	go func() {
		hub.Stop(50 * time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop hung on a stuck sink")
	}

	sub := hub.Subscribe("")
	_, ok := <-sub.C
	assert.False(t, ok, "subscriptions after stop are closed")
}

func TestWSAdapterStreamsRecords(t *testing.T) {
	hub := NewHub(8, zap.NewNop())
	defer hub.Stop(time.Second)
	srv := httptest.NewServer(NewWSAdapter(hub, zap.NewNop()))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?agent=alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	hub.Publish(testRecord("c1", "bob"))
	hub.Publish(testRecord("c2", "alice"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "newMemory", ev.Type)

	var rec memory.Record
	require.NoError(t, json.Unmarshal(ev.Data, &rec))
	assert.Equal(t, "c2", rec.CID)
	assert.Equal(t, "alice", rec.AgentName)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSlackNotifierPostsNotice(t *testing.T) {
	var (
		mu   sync.Mutex
		form map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "chat.postMessage") {
			http.NotFound(w, r)
			return
		}
		r.ParseForm()
		mu.Lock()
		form = map[string]string{
			"channel":  r.Form.Get("channel"),
			"text":     r.Form.Get("text"),
			"username": r.Form.Get("username"),
		}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
	}))
	defer srv.Close()

	n := NewSlackNotifier("xoxb-test", "C123", zap.NewNop(), slack.OptionAPIURL(srv.URL+"/"))
	n.SetPersona("alice", &AgentPersona{Name: "Alice Bot", Emoji: ":robot_face:"})

	require.NoError(t, n.Deliver(context.Background(), testRecord("bafyC1", "alice")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "C123", form["channel"])
	assert.Equal(t, "Alice Bot", form["username"])
	assert.Contains(t, form["text"], "bafyC1")
	assert.Contains(t, form["text"], "hello from bafyC1")
}

func TestDiscordNotifierRequiresConnect(t *testing.T) {
	n := NewDiscordNotifier("token", "chan", zap.NewNop())
	assert.Equal(t, "discord", n.Name())
	assert.Error(t, n.Deliver(context.Background(), testRecord("c1", "alice")))
	assert.NoError(t, n.Close())
}
