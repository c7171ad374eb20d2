// Package gateway binds chat channels to assistant sessions.
//
// The gateway consumes the events of every registered channel adapter. Each
// conversation maps to one remote thread, recorded in a sessions.Store.
// Work for a conversation runs through a per-session queue so at most one
// run is active per thread from this process, while independent sessions
// proceed concurrently up to a global limit.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/atlas/internal/agent"
	"github.com/haasonsaas/atlas/internal/cache"
	"github.com/haasonsaas/atlas/internal/channels"
	"github.com/haasonsaas/atlas/internal/observability"
	"github.com/haasonsaas/atlas/internal/sessions"
	"github.com/haasonsaas/atlas/pkg/models"
)

const (
	// DefaultMaxConcurrentTurns bounds turns running across all sessions.
	DefaultMaxConcurrentTurns = 32

	dedupeWindow     = 10 * time.Minute
	dedupeMaxEntries = 10000

	// cleanupTimeout bounds the run sweep after a stop or a session end.
	cleanupTimeout = 30 * time.Second

	turnFailedNotice = "Sorry, something went wrong while answering. Please try again."
)

// TurnManager is the session API the gateway drives. *agent.SessionManager
// implements it.
type TurnManager interface {
	StartSession(ctx context.Context) (string, error)
	PrepareAttachments(ctx context.Context, uploads []models.Upload) ([]models.FileAttachment, error)
	PostUserTurn(ctx context.Context, threadID, content string, attachments []models.FileAttachment, renderer agent.Renderer) (*agent.TurnResult, error)
	CancelAllRuns(ctx context.Context, threadID string) (int, error)
}

var _ TurnManager = (*agent.SessionManager)(nil)

// Options configures a Gateway.
type Options struct {
	// Greeting is sent when a session opens. Empty disables it.
	Greeting string

	// TurnTimeout bounds one user turn. Zero means no deadline.
	TurnTimeout time.Duration

	// MaxConcurrentTurns bounds turns running across sessions.
	MaxConcurrentTurns int

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// Now overrides the clock (for testing).
	Now func() time.Time
}

// Gateway routes channel events to the TurnManager.
type Gateway struct {
	turns    TurnManager
	sessions sessions.Store
	opts     Options
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	dedupe   *cache.Deduper
	queues   *sessionQueues

	// cleanups tracks stop sweeps running outside the session queues.
	cleanups sync.WaitGroup
}

// New creates a gateway.
func New(turns TurnManager, store sessions.Store, opts Options) *Gateway {
	if opts.MaxConcurrentTurns <= 0 {
		opts.MaxConcurrentTurns = DefaultMaxConcurrentTurns
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = sessions.NewMemoryStore()
	}
	return &Gateway{
		turns:    turns,
		sessions: store,
		opts:     opts,
		logger:   logger.With("component", "gateway"),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		dedupe:   cache.NewDeduper(dedupeWindow, dedupeMaxEntries),
		queues:   newSessionQueues(opts.MaxConcurrentTurns),
	}
}

// Run handles events until the channel closes or ctx ends, then waits for
// running work to finish. Turns in flight see ctx cancellation.
func (g *Gateway) Run(ctx context.Context, events <-chan channels.Event) {
	defer g.wait()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.HandleEvent(ctx, ev)
		}
	}
}

func (g *Gateway) wait() {
	// Background context: callers bound shutdown by cancelling Run's ctx.
	_ = g.queues.Wait(context.Background()) //nolint:errcheck
	g.cleanups.Wait()
}

// HandleEvent routes one event. Session work is queued and runs
// asynchronously; stop requests act immediately.
func (g *Gateway) HandleEvent(ctx context.Context, ev channels.Event) {
	key := sessions.SessionKey(ev.Channel, ev.ConversationID)
	logger := g.logger.With("session", key, "event", string(ev.Kind))

	switch ev.Kind {
	case channels.EventSessionStarted:
		g.queues.Enqueue(ctx, key, func(ctx context.Context) { g.startSession(ctx, key, ev) })

	case channels.EventMessageReceived:
		if g.dedupe.Seen(cache.MessageKey(string(ev.Channel), ev.MessageID)) {
			logger.Debug("dropping duplicate message", "message_id", ev.MessageID)
			return
		}
		g.metrics.Message(string(ev.Channel), "inbound")
		g.queues.Enqueue(ctx, key, func(ctx context.Context) { g.handleMessage(ctx, key, ev) })

	case channels.EventStopRequested:
		g.cleanups.Add(1)
		go func() {
			defer g.cleanups.Done()
			g.stop(ctx, key, ev)
		}()

	case channels.EventSessionEnded:
		if dropped := g.queues.Abort(key); dropped > 0 {
			logger.Info("session ended with work in flight", "dropped", dropped)
		}
		g.queues.Enqueue(ctx, key, func(ctx context.Context) { g.endSession(ctx, key, ev) })

	default:
		logger.Warn("unknown event kind")
	}
}

// startSession opens a thread for the conversation and greets the user.
func (g *Gateway) startSession(ctx context.Context, key string, ev channels.Event) {
	ctx = observability.AddSessionKey(observability.AddChannel(ctx, string(ev.Channel)), key)
	if _, err := g.bind(ctx, key, ev.Channel); err != nil {
		g.logger.Error("failed to start session", "session", key, "error", err)
		g.notify(ctx, ev, turnFailedNotice)
		return
	}
	if g.opts.Greeting != "" {
		g.notify(ctx, ev, g.opts.Greeting)
	}
}

// bind returns the conversation's binding, creating a thread if there is none.
func (g *Gateway) bind(ctx context.Context, key string, channel models.ChannelType) (*models.Session, error) {
	session, err := g.sessions.Get(ctx, key)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		return nil, err
	}

	threadID, err := g.turns.StartSession(ctx)
	if err != nil {
		return nil, err
	}
	now := g.opts.Now()
	session = &models.Session{
		Key:       key,
		ThreadID:  threadID,
		Channel:   channel,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := g.sessions.Put(ctx, session); err != nil {
		return nil, err
	}
	g.metrics.SessionStarted(string(channel))
	g.logger.Info("session started", "session", key, "thread_id", threadID)
	return session, nil
}

// handleMessage runs one user turn.
func (g *Gateway) handleMessage(ctx context.Context, key string, ev channels.Event) {
	ctx = observability.AddSessionKey(observability.AddChannel(ctx, string(ev.Channel)), key)
	ctx, span := g.tracer.Start(ctx, "gateway.message")
	defer span.End()

	session, err := g.bind(ctx, key, ev.Channel)
	if err != nil {
		g.tracer.RecordError(span, err)
		g.logger.Error("failed to bind session", "session", key, "error", err)
		g.notify(ctx, ev, turnFailedNotice)
		return
	}
	ctx = observability.AddThreadID(ctx, session.ThreadID)
	logger := g.logger.With("session", key, "thread_id", session.ThreadID)

	if g.opts.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.TurnTimeout)
		defer cancel()
	}

	var attachments []models.FileAttachment
	if len(ev.Uploads) > 0 {
		attachments, err = g.turns.PrepareAttachments(ctx, ev.Uploads)
		if err != nil {
			g.tracer.RecordError(span, err)
			logger.Error("failed to upload files", "files", len(ev.Uploads), "error", err)
			g.notify(ctx, ev, "Sorry, your files could not be uploaded.")
			return
		}
	}

	renderer := ev.Reply.NewRenderer()
	result, err := g.turns.PostUserTurn(ctx, session.ThreadID, ev.Text, attachments, renderer)
	if finisher, ok := renderer.(channels.Finisher); ok {
		if ferr := finisher.Finish(context.WithoutCancel(ctx)); ferr != nil {
			logger.Warn("failed to finish reply", "error", ferr)
		}
	}

	switch {
	case errors.Is(err, agent.ErrEmptyTurn):
		logger.Debug("ignoring empty message")
		return
	case err != nil && errors.Is(err, context.Canceled):
		logger.Info("turn cancelled")
		return
	case err != nil:
		g.tracer.RecordError(span, err)
		logger.Error("turn failed", "error", err)
		g.notify(ctx, ev, turnFailedNotice)
		return
	}

	g.metrics.Message(string(ev.Channel), "outbound")
	session.UpdatedAt = g.opts.Now()
	if err := g.sessions.Put(ctx, session); err != nil {
		logger.Warn("failed to touch session", "error", err)
	}
	logger.Info("turn finished",
		"run_id", result.RunID,
		"status", string(result.Status),
		"tool_calls", result.ToolCalls,
	)
}

// stop cancels every active run of the conversation's thread. The turn in
// flight ends when the run stream reports the cancellation.
func (g *Gateway) stop(ctx context.Context, key string, ev channels.Event) {
	session, err := g.sessions.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, sessions.ErrSessionNotFound) {
			g.logger.Warn("stop: failed to load session", "session", key, "error", err)
		}
		return
	}
	cancelled := g.cancelRuns(ctx, session)
	g.logger.Info("stop requested", "session", key, "thread_id", session.ThreadID, "cancelled", cancelled)
}

// endSession cancels the thread's runs and forgets the binding.
func (g *Gateway) endSession(ctx context.Context, key string, ev channels.Event) {
	session, err := g.sessions.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, sessions.ErrSessionNotFound) {
			g.logger.Warn("end: failed to load session", "session", key, "error", err)
		}
		return
	}
	g.cancelRuns(ctx, session)
	if err := g.sessions.Delete(context.WithoutCancel(ctx), key); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
		g.logger.Warn("failed to delete session", "session", key, "error", err)
	}
	g.metrics.SessionEnded(string(ev.Channel))
	g.logger.Info("session ended", "session", key, "thread_id", session.ThreadID)
}

// cancelRuns sweeps the thread's runs. It outlives the caller's
// cancellation so shutdown still stops runs it has started.
func (g *Gateway) cancelRuns(ctx context.Context, session *models.Session) int {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	cancelled, err := g.turns.CancelAllRuns(ctx, session.ThreadID)
	if err != nil {
		g.logger.Warn("failed to cancel runs", "session", session.Key, "thread_id", session.ThreadID, "error", err)
	}
	return cancelled
}

func (g *Gateway) notify(ctx context.Context, ev channels.Event, text string) {
	if ev.Reply == nil {
		return
	}
	if err := ev.Reply.Notify(context.WithoutCancel(ctx), text); err != nil {
		g.logger.Warn("failed to notify", "channel", string(ev.Channel), "error", err)
		return
	}
	g.metrics.Message(string(ev.Channel), "outbound")
}
