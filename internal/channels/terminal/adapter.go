// Package terminal runs a chat session on stdin and stdout.
package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"

	"github.com/haasonsaas/atlas/internal/agent"
	"github.com/haasonsaas/atlas/internal/channels"
	"github.com/haasonsaas/atlas/pkg/models"
)

const (
	conversationID = "local"
	defaultPrompt  = "you> "
	assistantLabel = "atlas> "
	clearLine      = "\r\033[2K"
)

const helpText = `commands:
  /file <path>      attach a file to the next message
  /starter <label>  send a conversation starter
  /stop             cancel the running response
  /quit             end the session`

// Starter is a canned prompt listed at session start.
type Starter struct {
	Label   string
	Message string
}

// Config configures the adapter. Nil In and Out use stdin and stdout.
type Config struct {
	In       io.Reader
	Out      io.Writer
	Prompt   string
	Starters []Starter
	Logger   *slog.Logger
}

// Adapter is the interactive terminal channel. It serves one session.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	ansi   bool
	events chan channels.Event
	done   chan struct{}

	outMu   sync.Mutex
	pending []models.Upload

	mu      sync.RWMutex
	closed  bool
	running atomic.Bool
	stop    sync.Once
}

var (
	_ channels.Adapter      = (*Adapter)(nil)
	_ channels.Conversation = (*Adapter)(nil)
)

// New creates the adapter.
func New(cfg Config) *Adapter {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Prompt == "" {
		cfg.Prompt = defaultPrompt
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger.With("channel", string(models.ChannelTerminal)),
		ansi:   isTerminal(cfg.Out),
		events: make(chan channels.Event, 8),
		done:   make(chan struct{}),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelTerminal }

func (a *Adapter) Events() <-chan channels.Event { return a.events }

func (a *Adapter) Status() channels.Status {
	return channels.Status{Connected: a.running.Load()}
}

// Start prints the starters and begins reading lines.
func (a *Adapter) Start(context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return fmt.Errorf("terminal channel already started")
	}
	if len(a.cfg.Starters) > 0 {
		a.printf("starters:\n")
		for _, s := range a.cfg.Starters {
			a.printf("  %s: %s\n", s.Label, s.Message)
		}
	}
	a.printf("type /help for commands\n")
	a.emit(a.event(channels.EventSessionStarted))

	go a.readLoop()
	return nil
}

// Stop ends the session. It does not wait for a blocked read of the input.
func (a *Adapter) Stop(context.Context) error {
	a.stop.Do(func() {
		close(a.done)
		a.mu.Lock()
		a.closed = true
		close(a.events)
		a.mu.Unlock()
		a.running.Store(false)
	})
	return nil
}

// Done is closed once the session has ended.
func (a *Adapter) Done() <-chan struct{} { return a.done }

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

func (a *Adapter) event(kind channels.EventKind) channels.Event {
	return channels.Event{
		Kind:           kind,
		Channel:        models.ChannelTerminal,
		ConversationID: conversationID,
		UserID:         os.Getenv("USER"),
		Reply:          a,
		ReceivedAt:     time.Now(),
	}
}

func (a *Adapter) readLoop() {
	defer func() {
		a.emit(a.event(channels.EventSessionEnded))
		_ = a.Stop(context.Background()) //nolint:errcheck
	}()

	scanner := bufio.NewScanner(a.cfg.In)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	a.prompt()
	for scanner.Scan() {
		select {
		case <-a.done:
			return
		default:
		}
		if quit := a.handleLine(strings.TrimSpace(scanner.Text())); quit {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		a.logger.Warn("terminal input failed", "error", err)
	}
}

// handleLine processes one input line and reports whether the session ends.
func (a *Adapter) handleLine(line string) bool {
	if line == "" {
		a.prompt()
		return false
	}
	if !strings.HasPrefix(line, "/") {
		a.sendMessage(line)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/stop":
		a.emit(a.event(channels.EventStopRequested))
	case "/file":
		if err := a.attach(arg); err != nil {
			a.printf("%v\n", err)
		}
		a.prompt()
	case "/starter":
		for _, s := range a.cfg.Starters {
			if strings.EqualFold(s.Label, arg) {
				a.printf("%s%s\n", a.cfg.Prompt, s.Message)
				a.sendMessage(s.Message)
				return false
			}
		}
		a.printf("unknown starter %q\n", arg)
		a.prompt()
	case "/help":
		a.printf("%s\n", helpText)
		a.prompt()
	default:
		// unknown commands go to the assistant as plain text
		a.sendMessage(line)
	}
	return false
}

func (a *Adapter) attach(path string) error {
	if path == "" {
		return fmt.Errorf("usage: /file <path>")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	name := filepath.Base(path)
	a.pending = append(a.pending, models.Upload{
		Name:     name,
		Path:     path,
		Data:     data,
		MimeType: mime.TypeByExtension(filepath.Ext(name)),
	})
	a.printf("attached %s (%d bytes)\n", name, len(data))
	return nil
}

func (a *Adapter) sendMessage(text string) {
	ev := a.event(channels.EventMessageReceived)
	ev.Text = text
	ev.Uploads = a.pending
	a.pending = nil
	a.emit(ev)
}

func (a *Adapter) prompt() {
	a.printf("%s", a.cfg.Prompt)
}

func (a *Adapter) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.cfg.Out, format, args...)
}

// NewRenderer returns a renderer writing the next assistant message.
func (a *Adapter) NewRenderer() agent.Renderer {
	return &renderer{adapter: a}
}

// Notify prints a standalone assistant line followed by the prompt.
func (a *Adapter) Notify(_ context.Context, text string) error {
	a.printf("%s%s\n", assistantLabel, text)
	a.prompt()
	return nil
}

// renderer appends streamed text to the output. Replacements clear the
// current line on a TTY and start a new line otherwise.
type renderer struct {
	adapter *Adapter
	shown   string
	images  int
}

func (r *renderer) Create(_ context.Context, snap agent.MessageSnapshot) error {
	r.adapter.printf("%s%s", assistantLabel, snap.Content)
	r.shown = snap.Content
	r.printElements(snap.Elements)
	return nil
}

func (r *renderer) StreamToken(_ context.Context, token string) error {
	r.adapter.printf("%s", token)
	r.shown += token
	return nil
}

func (r *renderer) Update(_ context.Context, snap agent.MessageSnapshot) error {
	switch {
	case strings.HasPrefix(snap.Content, r.shown):
		r.adapter.printf("%s", snap.Content[len(r.shown):])
	case r.adapter.ansi && !strings.Contains(r.shown, "\n"):
		r.adapter.printf("%s%s%s", clearLine, assistantLabel, snap.Content)
	default:
		r.adapter.printf("\n%s%s", assistantLabel, snap.Content)
	}
	r.shown = snap.Content
	r.printElements(snap.Elements)
	return nil
}

// Finish ends the message and shows the prompt again.
func (r *renderer) Finish(context.Context) error {
	r.adapter.printf("\n")
	r.adapter.prompt()
	return nil
}

func (r *renderer) printElements(elements []models.Element) {
	for ; r.images < len(elements); r.images++ {
		el := elements[r.images]
		location := el.URL
		if location == "" {
			location = fmt.Sprintf("%d bytes", len(el.Data))
		}
		r.adapter.printf("\n[%s %s] %s\n", el.MimeType, el.Name, location)
	}
}
