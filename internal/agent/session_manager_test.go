package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/haasonsaas/atlas/internal/backoff"
	"github.com/haasonsaas/atlas/pkg/models"
)

func newTestManager(engine *fakeEngine, cfg SessionManagerConfig, tools ...Tool) *SessionManager {
	if cfg.AssistantID == "" {
		cfg.AssistantID = "asst_1"
	}
	return NewSessionManager(engine, newTestDispatcher(engine, tools...), cfg)
}

func TestStartSessionCreatesThread(t *testing.T) {
	m := newTestManager(newFakeEngine(), SessionManagerConfig{})
	first, err := m.StartSession(context.Background())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	second, _ := m.StartSession(context.Background())
	if first == "" || first == second {
		t.Fatalf("thread ids = %q, %q", first, second)
	}
}

func TestPostUserTurnStreamsRun(t *testing.T) {
	engine := newFakeEngine()
	engine.runStreams = []*fakeStream{newFakeStream(
		runEvent(models.EventRunCreated, "run_1", models.RunStatusQueued),
		delta("Hi there"),
		runEvent(models.EventRunCompleted, "run_1", models.RunStatusCompleted),
	)}
	m := newTestManager(engine, SessionManagerConfig{})
	renderer := &recordingRenderer{}

	result, err := m.PostUserTurn(context.Background(), "thread_1", "hello", nil, renderer)
	if err != nil {
		t.Fatalf("PostUserTurn: %v", err)
	}
	if len(engine.messages) != 1 || engine.messages[0].content != "hello" || engine.messages[0].threadID != "thread_1" {
		t.Fatalf("messages = %+v", engine.messages)
	}
	if result.Content != "Hi there" || renderer.visible.Content != "Hi there" {
		t.Fatalf("content = %q", result.Content)
	}
}

func TestPostUserTurnUploadedFilesText(t *testing.T) {
	engine := newFakeEngine()
	engine.runStreams = []*fakeStream{newFakeStream(runEvent(models.EventRunCompleted, "run_1", models.RunStatusCompleted))}
	m := newTestManager(engine, SessionManagerConfig{})

	attachments := []models.FileAttachment{{FileID: "file_1", Tools: []string{FileSearchTool}}}
	if _, err := m.PostUserTurn(context.Background(), "thread_1", "  ", attachments, &recordingRenderer{}); err != nil {
		t.Fatalf("PostUserTurn: %v", err)
	}
	posted := engine.messages[0]
	if posted.content != "The user uploaded files." {
		t.Fatalf("content = %q", posted.content)
	}
	if len(posted.attachments) != 1 || posted.attachments[0].FileID != "file_1" {
		t.Fatalf("attachments = %+v", posted.attachments)
	}
}

func TestPostUserTurnRejectsEmptyTurn(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(engine, SessionManagerConfig{})
	if _, err := m.PostUserTurn(context.Background(), "thread_1", "", nil, &recordingRenderer{}); !errors.Is(err, ErrEmptyTurn) {
		t.Fatalf("err = %v, want ErrEmptyTurn", err)
	}
	if len(engine.messages) != 0 {
		t.Fatal("empty turn reached the engine")
	}
}

func TestPostUserTurnRequiresAssistant(t *testing.T) {
	engine := newFakeEngine()
	m := NewSessionManager(engine, newTestDispatcher(engine), SessionManagerConfig{})
	if _, err := m.PostUserTurn(context.Background(), "thread_1", "hi", nil, &recordingRenderer{}); !errors.Is(err, ErrNoAssistant) {
		t.Fatalf("err = %v, want ErrNoAssistant", err)
	}
}

func TestPostUserTurnCancelsRunAfterToolFailure(t *testing.T) {
	engine := newFakeEngine()
	engine.runStreams = []*fakeStream{newFakeStream(
		runEvent(models.EventRunCreated, "run_7", models.RunStatusQueued),
		models.Event{
			Kind:      models.EventRequiresAction,
			Run:       &models.Run{ID: "run_7", Status: models.RunStatusRequiresAction},
			ToolCalls: []models.ToolCall{{ID: "call_1", Name: "unknown_tool"}},
		},
	)}
	m := newTestManager(engine, SessionManagerConfig{})

	result, err := m.PostUserTurn(context.Background(), "thread_1", "map it", nil, &recordingRenderer{})
	if !IsToolError(err, ToolErrorNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
	if result == nil || result.RunID != "run_7" {
		t.Fatalf("result = %+v", result)
	}
	if len(engine.cancelled) != 1 || engine.cancelled[0] != "run_7" {
		t.Fatalf("cancelled = %v, want [run_7]", engine.cancelled)
	}
}

func TestPostUserTurnEngineErrors(t *testing.T) {
	engine := newFakeEngine()
	engine.createRunErr = errors.New("thread has an active run")
	m := newTestManager(engine, SessionManagerConfig{})
	if _, err := m.PostUserTurn(context.Background(), "thread_1", "hi", nil, &recordingRenderer{}); err == nil {
		t.Fatal("expected create run error")
	}
	if len(engine.cancelled) != 0 {
		t.Fatal("nothing to cancel when the run never started")
	}
}

func makeRuns(n int, status func(i int) models.RunStatus) []models.Run {
	runs := make([]models.Run, n)
	for i := range runs {
		runs[i] = models.Run{ID: fmt.Sprintf("run_%03d", i), Status: status(i)}
	}
	return runs
}

func TestCancelAllRunsPagesThroughEveryRun(t *testing.T) {
	engine := newFakeEngine()
	engine.runs = makeRuns(310, func(int) models.RunStatus { return models.RunStatusInProgress })
	m := newTestManager(engine, SessionManagerConfig{})

	n, err := m.CancelAllRuns(context.Background(), "thread_1")
	if err != nil {
		t.Fatalf("CancelAllRuns: %v", err)
	}
	if n != 310 || len(engine.cancelled) != 310 {
		t.Fatalf("cancelled = %d (engine saw %d), want 310", n, len(engine.cancelled))
	}
	if len(engine.listCalls) != 4 {
		t.Fatalf("list calls = %d, want 4", len(engine.listCalls))
	}
	if engine.listCalls[0].Limit != DefaultRunPageSize || engine.listCalls[1].After != "run_099" {
		t.Fatalf("list calls = %+v", engine.listCalls[:2])
	}
}

func TestCancelAllRunsSkipsSettledRuns(t *testing.T) {
	statuses := []models.RunStatus{
		models.RunStatusCompleted,
		models.RunStatusRequiresAction,
		models.RunStatusFailed,
		models.RunStatusQueued,
		models.RunStatusCancelling,
		models.RunStatusCancelled,
		models.RunStatusExpired,
		models.RunStatusInProgress,
		models.RunStatusIncomplete,
	}
	engine := newFakeEngine()
	engine.runs = makeRuns(len(statuses), func(i int) models.RunStatus { return statuses[i] })
	m := newTestManager(engine, SessionManagerConfig{})

	n, err := m.CancelAllRuns(context.Background(), "thread_1")
	if err != nil {
		t.Fatalf("CancelAllRuns: %v", err)
	}
	want := []string{"run_001", "run_003", "run_007"}
	if n != len(want) || fmt.Sprint(engine.cancelled) != fmt.Sprint(want) {
		t.Fatalf("cancelled = %v, want %v", engine.cancelled, want)
	}
}

func TestCancelAllRunsCollectsErrors(t *testing.T) {
	engine := newFakeEngine()
	engine.runs = makeRuns(3, func(int) models.RunStatus { return models.RunStatusInProgress })
	engine.cancelErrs["run_001"] = errors.New("already finished")
	m := newTestManager(engine, SessionManagerConfig{})

	n, err := m.CancelAllRuns(context.Background(), "thread_1")
	if err == nil {
		t.Fatal("expected joined error")
	}
	if n != 3 || len(engine.cancelled) != 3 {
		t.Fatalf("sweep stopped early: n = %d, engine saw %v", n, engine.cancelled)
	}
}

func TestCancelAllRunsRetriesListing(t *testing.T) {
	transient := errors.New("503")
	engine := newFakeEngine()
	engine.runs = makeRuns(2, func(int) models.RunStatus { return models.RunStatusQueued })
	engine.listErrs = []error{transient, nil}
	m := newTestManager(engine, SessionManagerConfig{Retry: RetryConfig{
		Policy:      backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1},
		MaxAttempts: 3,
		Retryable:   func(err error) bool { return errors.Is(err, transient) },
	}})

	n, err := m.CancelAllRuns(context.Background(), "thread_1")
	if err != nil || n != 2 {
		t.Fatalf("CancelAllRuns = %d, %v", n, err)
	}
	if len(engine.listCalls) != 2 {
		t.Fatalf("list calls = %d, want 2", len(engine.listCalls))
	}
}

func TestPrepareAttachmentsBindsFileSearch(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(engine, SessionManagerConfig{})
	attachments, err := m.PrepareAttachments(context.Background(), []models.Upload{
		{Name: "sales.csv", Data: []byte("a,b")},
		{Name: "notes.pdf", Data: []byte("%PDF")},
	})
	if err != nil {
		t.Fatalf("PrepareAttachments: %v", err)
	}
	if len(attachments) != 2 || attachments[1].FileID != "file_2" || attachments[0].Tools[0] != FileSearchTool {
		t.Fatalf("attachments = %+v", attachments)
	}
}

func TestEnsureAssistant(t *testing.T) {
	engine := newFakeEngine()
	m := NewSessionManager(engine, newTestDispatcher(engine), SessionManagerConfig{})
	spec := AssistantSpec{Name: "Market Visualization Expert", Model: "gpt-4o", FileSearch: true}

	id, err := m.EnsureAssistant(context.Background(), spec)
	if err != nil || id != "asst_1" {
		t.Fatalf("EnsureAssistant = %q, %v", id, err)
	}
	again, _ := m.EnsureAssistant(context.Background(), spec)
	if again != id || len(engine.assistants) != 1 {
		t.Fatalf("assistant created twice: %v", engine.assistants)
	}

	configured := newTestManager(engine, SessionManagerConfig{AssistantID: "asst_fixed"})
	if id, _ := configured.EnsureAssistant(context.Background(), spec); id != "asst_fixed" {
		t.Fatalf("configured id = %q", id)
	}
}
