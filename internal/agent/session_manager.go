package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/atlas/internal/backoff"
	"github.com/haasonsaas/atlas/internal/observability"
	"github.com/haasonsaas/atlas/pkg/models"
)

// DefaultRunPageSize is the page size used when sweeping a thread's runs.
const DefaultRunPageSize = 100

const cancelTimeout = 15 * time.Second

// FileSearchTool is the engine tool uploaded files are bound to.
const FileSearchTool = "file_search"

// RetryConfig controls retries of idempotent engine calls (run listing and
// cancellation).
type RetryConfig struct {
	Policy      backoff.Policy
	MaxAttempts int
	// Retryable classifies errors worth retrying. Nil retries nothing.
	Retryable func(error) bool
}

// SessionManagerConfig configures a SessionManager.
type SessionManagerConfig struct {
	// AssistantID is the assistant runs are started against. It may be left
	// empty and filled by EnsureAssistant.
	AssistantID string

	// UploadedFilesText replaces empty user text when files are attached.
	UploadedFilesText string

	// RunPageSize is the listing page size for CancelAllRuns.
	RunPageSize int

	Retry RetryConfig

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// SessionManager drives threads and runs on the engine for user sessions.
type SessionManager struct {
	engine     Engine
	dispatcher *Dispatcher
	cfg        SessionManagerConfig
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer

	mu          sync.RWMutex
	assistantID string
}

// NewSessionManager creates a session manager.
func NewSessionManager(engine Engine, dispatcher *Dispatcher, cfg SessionManagerConfig) *SessionManager {
	if cfg.UploadedFilesText == "" {
		cfg.UploadedFilesText = DefaultUploadedFilesText
	}
	if cfg.RunPageSize <= 0 {
		cfg.RunPageSize = DefaultRunPageSize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.Policy == (backoff.Policy{}) {
		cfg.Retry.Policy = backoff.DefaultPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		engine:      engine,
		dispatcher:  dispatcher,
		cfg:         cfg,
		logger:      logger,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		assistantID: cfg.AssistantID,
	}
}

// AssistantID returns the assistant runs are started against.
func (m *SessionManager) AssistantID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.assistantID
}

// EnsureAssistant creates the assistant described by spec unless an
// assistant id is already configured, and returns the id in use.
func (m *SessionManager) EnsureAssistant(ctx context.Context, spec AssistantSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assistantID != "" {
		return m.assistantID, nil
	}
	id, err := m.engine.CreateAssistant(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("create assistant: %w", err)
	}
	m.assistantID = id
	m.logger.Info("assistant created", "assistant_id", id, "name", spec.Name, "model", spec.Model)
	return id, nil
}

// StartSession creates a new remote thread for a user session.
func (m *SessionManager) StartSession(ctx context.Context) (string, error) {
	thread, err := m.engine.CreateThread(ctx)
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	m.logger.Debug("thread created", "thread_id", thread.ID)
	return thread.ID, nil
}

// PrepareAttachments uploads user files to the engine file store and binds
// them to file search.
func (m *SessionManager) PrepareAttachments(ctx context.Context, uploads []models.Upload) ([]models.FileAttachment, error) {
	attachments := make([]models.FileAttachment, 0, len(uploads))
	for _, upload := range uploads {
		fileID, err := m.engine.UploadFile(ctx, upload)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", upload.Name, err)
		}
		attachments = append(attachments, models.FileAttachment{
			FileID: fileID,
			Tools:  []string{FileSearchTool},
		})
	}
	return attachments, nil
}

// PostUserTurn appends the user's message to the thread, starts a run and
// dispatches its events to renderer until the run settles.
func (m *SessionManager) PostUserTurn(ctx context.Context, threadID, content string, attachments []models.FileAttachment, renderer Renderer) (*TurnResult, error) {
	if strings.TrimSpace(content) == "" {
		if len(attachments) == 0 {
			return nil, ErrEmptyTurn
		}
		content = m.cfg.UploadedFilesText
	}
	assistantID := m.AssistantID()
	if assistantID == "" {
		return nil, ErrNoAssistant
	}

	ctx, span := m.tracer.Start(ctx, "agent.turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("thread_id", threadID),
		attribute.Int("attachments", len(attachments)),
	)

	if err := m.engine.CreateMessage(ctx, threadID, content, attachments); err != nil {
		m.tracer.RecordError(span, err)
		return nil, fmt.Errorf("create message: %w", err)
	}
	stream, err := m.engine.CreateRunStream(ctx, threadID, assistantID)
	if err != nil {
		m.tracer.RecordError(span, err)
		return nil, fmt.Errorf("create run: %w", err)
	}

	result, err := m.dispatcher.Handle(ctx, threadID, stream, renderer)
	if err != nil {
		m.metrics.TurnFinished("error")
		m.tracer.RecordError(span, err)
		if result != nil && result.RunID != "" {
			// A run paused on requires_action would block every later
			// message on the thread.
			m.cancelQuietly(ctx, threadID, result.RunID)
		}
		return result, err
	}
	m.metrics.TurnFinished(string(result.Status))
	return result, nil
}

func (m *SessionManager) cancelQuietly(parent context.Context, threadID, runID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), cancelTimeout)
	defer cancel()
	if _, err := m.engine.CancelRun(ctx, threadID, runID); err != nil {
		m.logger.Warn("failed to cancel run after turn error",
			"thread_id", threadID,
			"run_id", runID,
			"error", err,
		)
		return
	}
	m.metrics.RunCancelled("turn_error")
}

// CancelAllRuns pages through every run of the thread and cancels each one
// that is not terminal. It returns the number of cancel requests issued.
// Individual cancel failures do not stop the sweep and are joined into the
// returned error.
func (m *SessionManager) CancelAllRuns(ctx context.Context, threadID string) (int, error) {
	ctx, span := m.tracer.Start(ctx, "agent.cancel_all_runs")
	defer span.End()

	var (
		cancelled int
		errs      []error
		after     string
	)
	for {
		page, err := backoff.Retry(ctx, m.cfg.Retry.Policy, m.cfg.Retry.MaxAttempts, m.cfg.Retry.Retryable,
			func(ctx context.Context) (models.RunPage, error) {
				return m.engine.ListRuns(ctx, threadID, ListRunsRequest{Limit: m.cfg.RunPageSize, After: after})
			})
		if err != nil {
			errs = append(errs, fmt.Errorf("list runs: %w", err))
			break
		}

		for _, run := range page.Runs {
			if run.Status.Terminal() || run.Status == models.RunStatusCancelling {
				continue
			}
			cancelled++
			_, err := backoff.Retry(ctx, m.cfg.Retry.Policy, m.cfg.Retry.MaxAttempts, m.cfg.Retry.Retryable,
				func(ctx context.Context) (models.Run, error) {
					return m.engine.CancelRun(ctx, threadID, run.ID)
				})
			if err != nil {
				errs = append(errs, fmt.Errorf("cancel run %s: %w", run.ID, err))
				continue
			}
			m.metrics.RunCancelled("sweep")
		}

		if !page.HasMore {
			break
		}
		next := page.LastID
		if next == "" && len(page.Runs) > 0 {
			next = page.Runs[len(page.Runs)-1].ID
		}
		if next == "" || next == after {
			break
		}
		after = next
	}

	span.SetAttributes(attribute.String("thread_id", threadID), attribute.Int("cancelled", cancelled))
	err := errors.Join(errs...)
	if err != nil {
		m.tracer.RecordError(span, err)
	}
	m.logger.Debug("run sweep finished", "thread_id", threadID, "cancelled", cancelled, "error", err)
	return cancelled, err
}
