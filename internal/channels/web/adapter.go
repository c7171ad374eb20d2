// Package web serves the browser chat over a WebSocket.
//
// Each connection is one chat session: opening it starts the session and
// closing it ends it. Clients send request frames
//
//	{"type":"req","id":"1","method":"chat.send","params":{"content":"hi"}}
//
// with methods chat.send, chat.stop, chat.starter and ping, and receive
// "res" frames plus the events session.ready, message.create,
// message.token and message.update.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/atlas/internal/agent"
	"github.com/haasonsaas/atlas/internal/channels"
	"github.com/haasonsaas/atlas/pkg/models"
)

const (
	pingInterval  = 30 * time.Second
	pongWait      = 60 * time.Second
	writeWait     = 10 * time.Second
	sendQueueSize = 256

	// DefaultMaxUploadBytes bounds the decoded files of one chat.send.
	DefaultMaxUploadBytes = 20 << 20
)

var errConnClosed = errors.New("connection closed")

// Starter is a canned prompt offered in session.ready.
type Starter struct {
	Label   string `json:"label"`
	Message string `json:"message"`
}

// Config configures the adapter.
type Config struct {
	// AllowedOrigins lists accepted Origin hosts. Empty accepts same-origin
	// requests only; "*" accepts any.
	AllowedOrigins []string
	MaxUploadBytes int64
	Starters       []Starter
	Logger         *slog.Logger
}

// Adapter is the WebSocket chat channel. It implements http.Handler.
type Adapter struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	events   chan channels.Event
	done     chan struct{}

	mu      sync.RWMutex
	conns   map[string]*conn
	closed  bool
	started atomic.Bool
	stop    sync.Once
}

var _ channels.Adapter = (*Adapter)(nil)

// New creates the adapter.
func New(cfg Config) *Adapter {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		cfg:    cfg,
		logger: logger.With("channel", string(models.ChannelWeb)),
		events: make(chan channels.Event, 64),
		done:   make(chan struct{}),
		conns:  make(map[string]*conn),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     a.checkOrigin,
	}
	return a
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelWeb }

func (a *Adapter) Events() <-chan channels.Event { return a.events }

// Start marks the adapter ready; connections arrive through ServeHTTP.
func (a *Adapter) Start(context.Context) error {
	a.started.Store(true)
	return nil
}

// Stop closes every connection and the event channel.
func (a *Adapter) Stop(context.Context) error {
	a.stop.Do(func() {
		close(a.done)
		a.mu.Lock()
		a.closed = true
		conns := make([]*conn, 0, len(a.conns))
		for _, c := range a.conns {
			conns = append(conns, c)
		}
		close(a.events)
		a.mu.Unlock()
		for _, c := range conns {
			c.close()
		}
		a.started.Store(false)
	})
	return nil
}

func (a *Adapter) Status() channels.Status {
	return channels.Status{Connected: a.started.Load()}
}

// Connections returns the number of open sockets.
func (a *Adapter) Connections() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.conns)
}

func (a *Adapter) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if len(a.cfg.AllowedOrigins) == 0 {
		return strings.EqualFold(u.Host, r.Host)
	}
	for _, allowed := range a.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, u.Host) || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// emit delivers ev unless the adapter is stopping.
func (a *Adapter) emit(ev channels.Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !a.started.Load() {
		http.Error(w, "channel not started", http.StatusServiceUnavailable)
		return
	}
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		adapter: a,
		ws:      ws,
		id:      uuid.NewString(),
		send:    make(chan []byte, sendQueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		c.close()
		return
	}
	a.conns[c.id] = c
	a.mu.Unlock()

	c.run()
}

// frame is the envelope of every message in both directions.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type chatSendParams struct {
	Content string       `json:"content"`
	Files   []uploadFile `json:"files,omitempty"`
}

type uploadFile struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Data     []byte `json:"data"`
}

type chatStarterParams struct {
	Label string `json:"label"`
}

// conn is one browser session.
type conn struct {
	adapter *Adapter
	ws      *websocket.Conn
	id      string
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once

	// sendMu orders frames in the send queue; seq is stamped under it.
	sendMu sync.Mutex
	seq    int64
}

var _ channels.Conversation = (*conn)(nil)

func (c *conn) run() {
	defer c.finish()
	go c.writeLoop()

	if err := c.sendEvent("session.ready", map[string]any{
		"sessionId": c.id,
		"starters":  c.adapter.cfg.Starters,
	}); err != nil {
		return
	}
	c.adapter.emit(c.event(channels.EventSessionStarted))
	c.readLoop()
}

func (c *conn) finish() {
	c.adapter.mu.Lock()
	delete(c.adapter.conns, c.id)
	c.adapter.mu.Unlock()
	c.close()
	c.adapter.emit(c.event(channels.EventSessionEnded))
}

func (c *conn) close() {
	c.once.Do(func() {
		c.cancel()
		_ = c.ws.Close() //nolint:errcheck
	})
}

func (c *conn) event(kind channels.EventKind) channels.Event {
	return channels.Event{
		Kind:           kind,
		Channel:        models.ChannelWeb,
		ConversationID: c.id,
		Reply:          c,
		ReceivedAt:     time.Now(),
	}
}

func (c *conn) readLoop() {
	// base64 inflates uploads by 4/3; leave room for the envelope
	c.ws.SetReadLimit(c.adapter.cfg.MaxUploadBytes/3*4 + 64<<10)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.sendError("", "invalid_frame", err.Error())
			continue
		}
		if err := validateRequest(data, &f); err != nil {
			c.sendError(f.ID, "invalid_frame", err.Error())
			continue
		}
		if err := c.handleRequest(&f); err != nil {
			c.sendError(f.ID, "request_failed", err.Error())
		}
	}
}

func (c *conn) handleRequest(f *frame) error {
	switch f.Method {
	case "ping":
		return c.sendResponse(f.ID, map[string]any{"timestamp": time.Now().UnixMilli()})
	case "chat.send":
		return c.handleChatSend(f)
	case "chat.stop":
		c.adapter.emit(c.event(channels.EventStopRequested))
		return c.sendResponse(f.ID, map[string]any{"status": "stopping"})
	case "chat.starter":
		return c.handleStarter(f)
	default:
		return fmt.Errorf("unknown method %q", f.Method)
	}
}

func (c *conn) handleChatSend(f *frame) error {
	var params chatSendParams
	if len(f.Params) > 0 {
		if err := json.Unmarshal(f.Params, &params); err != nil {
			return err
		}
	}
	if strings.TrimSpace(params.Content) == "" && len(params.Files) == 0 {
		return errors.New("content or files required")
	}

	var total int64
	uploads := make([]models.Upload, 0, len(params.Files))
	for _, file := range params.Files {
		total += int64(len(file.Data))
		if total > c.adapter.cfg.MaxUploadBytes {
			return fmt.Errorf("uploads exceed %d bytes", c.adapter.cfg.MaxUploadBytes)
		}
		uploads = append(uploads, models.Upload{Name: file.Name, MimeType: file.MimeType, Data: file.Data})
	}

	ev := c.event(channels.EventMessageReceived)
	ev.MessageID = f.ID
	ev.Text = params.Content
	ev.Uploads = uploads
	if err := c.sendResponse(f.ID, map[string]any{"status": "accepted"}); err != nil {
		return err
	}
	c.adapter.emit(ev)
	return nil
}

func (c *conn) handleStarter(f *frame) error {
	var params chatStarterParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		return err
	}
	for _, starter := range c.adapter.cfg.Starters {
		if starter.Label != params.Label {
			continue
		}
		ev := c.event(channels.EventMessageReceived)
		ev.MessageID = f.ID
		ev.Text = starter.Message
		if err := c.sendResponse(f.ID, map[string]any{"status": "accepted", "message": starter.Message}); err != nil {
			return err
		}
		c.adapter.emit(ev)
		return nil
	}
	return fmt.Errorf("unknown starter %q", params.Label)
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) sendResponse(id string, payload any) error {
	ok := true
	return c.enqueue(frame{Type: "res", ID: id, OK: &ok, Payload: payload})
}

func (c *conn) sendError(id, code, message string) {
	ok := false
	_ = c.enqueue(frame{Type: "res", ID: id, OK: &ok, Error: &frameError{Code: code, Message: message}}) //nolint:errcheck
}

func (c *conn) sendEvent(event string, payload any) error {
	return c.enqueue(frame{Type: "event", Event: event, Payload: payload})
}

// enqueue waits for room in the send queue; streaming turns must not drop
// tokens. Event frames get the next seq in queue order.
func (c *conn) enqueue(f frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if f.Type == "event" {
		c.seq++
		seq := c.seq
		f.Seq = &seq
	}
	data, err := json.Marshal(f)
	if err != nil {
		if f.Type == "event" {
			c.seq--
		}
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return errConnClosed
	}
}

// NewRenderer returns a renderer for one assistant message.
func (c *conn) NewRenderer() agent.Renderer {
	return &renderer{conn: c, messageID: uuid.NewString()}
}

// Notify sends a complete assistant message.
func (c *conn) Notify(_ context.Context, text string) error {
	return c.sendEvent("message.create", messagePayload{MessageID: uuid.NewString(), Content: text})
}

type messagePayload struct {
	MessageID string           `json:"messageId"`
	Content   string           `json:"content"`
	Elements  []models.Element `json:"elements,omitempty"`
}

type renderer struct {
	conn      *conn
	messageID string
}

func (r *renderer) Create(_ context.Context, snap agent.MessageSnapshot) error {
	return r.conn.sendEvent("message.create", messagePayload{MessageID: r.messageID, Content: snap.Content, Elements: snap.Elements})
}

func (r *renderer) StreamToken(_ context.Context, token string) error {
	return r.conn.sendEvent("message.token", map[string]string{"messageId": r.messageID, "token": token})
}

func (r *renderer) Update(_ context.Context, snap agent.MessageSnapshot) error {
	return r.conn.sendEvent("message.update", messagePayload{MessageID: r.messageID, Content: snap.Content, Elements: snap.Elements})
}
