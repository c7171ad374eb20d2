package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/atlas/internal/agent"
	"github.com/haasonsaas/atlas/internal/channels"
	"github.com/haasonsaas/atlas/pkg/models"
)

type testFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	OK      *bool           `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Error   *frameError     `json:"error"`
}

func startAdapter(t *testing.T, cfg Config) (*Adapter, *websocket.Conn) {
	t.Helper()
	adapter := New(cfg)
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	server := httptest.NewServer(adapter)
	t.Cleanup(func() {
		_ = adapter.Stop(context.Background())
		server.Close()
	})

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return adapter, ws
}

func readFrame(t *testing.T, ws *websocket.Conn) testFrame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f testFrame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func nextEvent(t *testing.T, adapter *Adapter) channels.Event {
	t.Helper()
	select {
	case ev := <-adapter.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for adapter event")
	}
	return channels.Event{}
}

func TestSessionReadyListsStarters(t *testing.T) {
	starters := []Starter{{Label: "Hotels", Message: "Show hotels in Paris"}}
	adapter, ws := startAdapter(t, Config{Starters: starters})

	ready := readFrame(t, ws)
	if ready.Type != "event" || ready.Event != "session.ready" {
		t.Fatalf("first frame = %+v", ready)
	}
	var payload struct {
		SessionID string    `json:"sessionId"`
		Starters  []Starter `json:"starters"`
	}
	if err := json.Unmarshal(ready.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.SessionID == "" || len(payload.Starters) != 1 || payload.Starters[0].Label != "Hotels" {
		t.Fatalf("payload = %+v", payload)
	}

	ev := nextEvent(t, adapter)
	if ev.Kind != channels.EventSessionStarted || ev.ConversationID != payload.SessionID {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Channel != models.ChannelWeb {
		t.Fatalf("channel = %q", ev.Channel)
	}
}

func TestChatSendEmitsMessageWithUploads(t *testing.T) {
	adapter, ws := startAdapter(t, Config{})
	readFrame(t, ws)
	nextEvent(t, adapter)

	req := map[string]any{
		"type":   "req",
		"id":     "1",
		"method": "chat.send",
		"params": map[string]any{
			"content": "",
			"files": []map[string]string{{
				"name":     "sales.csv",
				"mimeType": "text/csv",
				"data":     base64.StdEncoding.EncodeToString([]byte("a,b\n1,2\n")),
			}},
		},
	}
	if err := ws.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}

	res := readFrame(t, ws)
	if res.Type != "res" || res.ID != "1" || res.OK == nil || !*res.OK {
		t.Fatalf("response = %+v", res)
	}

	ev := nextEvent(t, adapter)
	if ev.Kind != channels.EventMessageReceived {
		t.Fatalf("kind = %q", ev.Kind)
	}
	if len(ev.Uploads) != 1 || string(ev.Uploads[0].Data) != "a,b\n1,2\n" || ev.Uploads[0].Name != "sales.csv" {
		t.Fatalf("uploads = %+v", ev.Uploads)
	}
}

func TestInvalidFramesAreRejected(t *testing.T) {
	adapter, ws := startAdapter(t, Config{})
	readFrame(t, ws)
	nextEvent(t, adapter)

	cases := []any{
		map[string]any{"type": "req", "id": "2", "method": "chat.nope"},
		map[string]any{"type": "req", "id": "3", "method": "chat.starter", "params": map[string]any{}},
		map[string]any{"type": "req", "id": "4", "method": "chat.send", "params": map[string]any{"content": "  "}},
	}
	for _, req := range cases {
		if err := ws.WriteJSON(req); err != nil {
			t.Fatalf("write: %v", err)
		}
		res := readFrame(t, ws)
		if res.OK == nil || *res.OK || res.Error == nil {
			t.Fatalf("expected error response for %v, got %+v", req, res)
		}
	}
}

func TestStarterAndStop(t *testing.T) {
	starters := []Starter{{Label: "Hotels", Message: "Show hotels in Paris"}}
	adapter, ws := startAdapter(t, Config{Starters: starters})
	readFrame(t, ws)
	nextEvent(t, adapter)

	if err := ws.WriteJSON(map[string]any{"type": "req", "id": "5", "method": "chat.starter", "params": map[string]any{"label": "Hotels"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrame(t, ws)
	ev := nextEvent(t, adapter)
	if ev.Kind != channels.EventMessageReceived || ev.Text != "Show hotels in Paris" {
		t.Fatalf("starter event = %+v", ev)
	}

	if err := ws.WriteJSON(map[string]any{"type": "req", "id": "6", "method": "chat.stop"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrame(t, ws)
	if ev := nextEvent(t, adapter); ev.Kind != channels.EventStopRequested {
		t.Fatalf("stop event = %+v", ev)
	}
}

func TestRendererStreamsMessageEvents(t *testing.T) {
	adapter, ws := startAdapter(t, Config{})
	readFrame(t, ws)
	ev := nextEvent(t, adapter)

	ctx := context.Background()
	r := ev.Reply.NewRenderer()
	if err := r.Create(ctx, agent.MessageSnapshot{Content: "Thinking..."}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := r.StreamToken(ctx, "Hi"); err != nil {
		t.Fatalf("StreamToken() error = %v", err)
	}
	if err := r.Update(ctx, agent.MessageSnapshot{Content: "Hi", Elements: []models.Element{{Name: "map", MimeType: "image/png", URL: "http://x/artifacts/1"}}}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	var ids []string
	for _, want := range []string{"message.create", "message.token", "message.update"} {
		f := readFrame(t, ws)
		if f.Event != want {
			t.Fatalf("event = %q, want %q", f.Event, want)
		}
		var payload struct {
			MessageID string `json:"messageId"`
		}
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		ids = append(ids, payload.MessageID)
	}
	if ids[0] == "" || ids[0] != ids[1] || ids[1] != ids[2] {
		t.Fatalf("message ids differ: %v", ids)
	}
}

func TestEventSeqFollowsQueueOrder(t *testing.T) {
	const senders, perSender = 8, 50
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &conn{send: make(chan []byte, senders*perSender+senders), ctx: ctx}

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				if err := c.sendEvent("message.token", map[string]string{"token": "x"}); err != nil {
					t.Errorf("sendEvent() error = %v", err)
					return
				}
			}
			c.sendError("req", "bad_request", "no")
		}()
	}
	wg.Wait()
	close(c.send)

	var last int64
	events := 0
	for data := range c.send {
		var f struct {
			Type string `json:"type"`
			Seq  *int64 `json:"seq"`
		}
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if f.Type != "event" {
			if f.Seq != nil {
				t.Fatalf("response frame carries seq %d", *f.Seq)
			}
			continue
		}
		events++
		if f.Seq == nil || *f.Seq != last+1 {
			t.Fatalf("seq out of order after %d: %v", last, f.Seq)
		}
		last = *f.Seq
	}
	if events != senders*perSender {
		t.Fatalf("events = %d", events)
	}
}

func TestCloseEmitsSessionEnded(t *testing.T) {
	adapter, ws := startAdapter(t, Config{})
	readFrame(t, ws)
	started := nextEvent(t, adapter)

	ws.Close()
	ev := nextEvent(t, adapter)
	if ev.Kind != channels.EventSessionEnded || ev.ConversationID != started.ConversationID {
		t.Fatalf("event = %+v", ev)
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{nil, "", "atlas.local", true},
		{nil, "http://atlas.local", "atlas.local", true},
		{nil, "http://evil.example", "atlas.local", false},
		{[]string{"app.example"}, "https://app.example", "atlas.local", true},
		{[]string{"*"}, "https://any.example", "atlas.local", true},
	}
	for _, tt := range tests {
		adapter := New(Config{AllowedOrigins: tt.allowed})
		req := httptest.NewRequest(http.MethodGet, "http://"+tt.host+"/ws", nil)
		req.Host = tt.host
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := adapter.checkOrigin(req); got != tt.want {
			t.Fatalf("checkOrigin(%v, %q) = %v, want %v", tt.allowed, tt.origin, got, tt.want)
		}
	}
}

func TestServeHTTPBeforeStart(t *testing.T) {
	adapter := New(Config{})
	rec := httptest.NewRecorder()
	adapter.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}
