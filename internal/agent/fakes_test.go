package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/haasonsaas/atlas/pkg/models"
)

// fakeStream replays a fixed event list, then err (if set) or io.EOF.
type fakeStream struct {
	events []models.Event
	err    error
	pos    int
	closed bool
}

func newFakeStream(events ...models.Event) *fakeStream {
	return &fakeStream{events: events}
}

func (s *fakeStream) Recv() (models.Event, error) {
	if s.pos < len(s.events) {
		ev := s.events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.err != nil {
		return models.Event{}, s.err
	}
	return models.Event{}, io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type postedMessage struct {
	threadID    string
	content     string
	attachments []models.FileAttachment
}

// fakeEngine is an in-memory Engine. Streams are handed out in order.
type fakeEngine struct {
	mu sync.Mutex

	threadSeq     int
	messages      []postedMessage
	runStreams    []*fakeStream
	submitStreams []*fakeStream
	submitted     [][]models.ToolOutput
	files         map[string][]byte
	uploads       []models.Upload

	runs       []models.Run
	listCalls  []ListRunsRequest
	listErrs   []error
	cancelled  []string
	cancelErrs map[string]error

	createMessageErr error
	createRunErr     error
	assistants       []AssistantSpec
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{files: make(map[string][]byte), cancelErrs: make(map[string]error)}
}

func (e *fakeEngine) CreateThread(context.Context) (models.Thread, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.threadSeq++
	return models.Thread{ID: fmt.Sprintf("thread_%d", e.threadSeq)}, nil
}

func (e *fakeEngine) CreateMessage(_ context.Context, threadID, content string, attachments []models.FileAttachment) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createMessageErr != nil {
		return e.createMessageErr
	}
	e.messages = append(e.messages, postedMessage{threadID: threadID, content: content, attachments: attachments})
	return nil
}

func (e *fakeEngine) CreateRunStream(context.Context, string, string) (EventStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createRunErr != nil {
		return nil, e.createRunErr
	}
	if len(e.runStreams) == 0 {
		return nil, errors.New("no run stream scripted")
	}
	s := e.runStreams[0]
	e.runStreams = e.runStreams[1:]
	return s, nil
}

func (e *fakeEngine) SubmitToolOutputsStream(_ context.Context, _, _ string, outputs []models.ToolOutput) (EventStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitted = append(e.submitted, outputs)
	if len(e.submitStreams) == 0 {
		return nil, errors.New("no submit stream scripted")
	}
	s := e.submitStreams[0]
	e.submitStreams = e.submitStreams[1:]
	return s, nil
}

// ListRuns pages e.runs in order; LastID is left empty on purpose so the
// caller's fallback cursor is exercised.
func (e *fakeEngine) ListRuns(_ context.Context, _ string, req ListRunsRequest) (models.RunPage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listCalls = append(e.listCalls, req)
	if len(e.listErrs) > 0 {
		err := e.listErrs[0]
		e.listErrs = e.listErrs[1:]
		if err != nil {
			return models.RunPage{}, err
		}
	}
	start := 0
	if req.After != "" {
		for i, run := range e.runs {
			if run.ID == req.After {
				start = i + 1
				break
			}
		}
	}
	end := start + req.Limit
	if end > len(e.runs) {
		end = len(e.runs)
	}
	page := models.RunPage{Runs: append([]models.Run(nil), e.runs[start:end]...), HasMore: end < len(e.runs)}
	return page, nil
}

func (e *fakeEngine) CancelRun(_ context.Context, threadID, runID string) (models.Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, runID)
	if err := e.cancelErrs[runID]; err != nil {
		return models.Run{}, err
	}
	return models.Run{ID: runID, ThreadID: threadID, Status: models.RunStatusCancelling}, nil
}

func (e *fakeEngine) FileContent(_ context.Context, fileID string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, ok := e.files[fileID]
	if !ok {
		return nil, fmt.Errorf("file %s not found", fileID)
	}
	return data, nil
}

func (e *fakeEngine) UploadFile(_ context.Context, upload models.Upload) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.uploads = append(e.uploads, upload)
	return fmt.Sprintf("file_%d", len(e.uploads)), nil
}

func (e *fakeEngine) CreateAssistant(_ context.Context, spec AssistantSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.assistants = append(e.assistants, spec)
	return fmt.Sprintf("asst_%d", len(e.assistants)), nil
}

type renderOp struct {
	kind  string // create | token | update
	snap  MessageSnapshot
	token string
}

// recordingRenderer mirrors what a chat UI would show.
type recordingRenderer struct {
	ops     []renderOp
	visible MessageSnapshot
	failOn  string
}

func (r *recordingRenderer) Create(_ context.Context, snap MessageSnapshot) error {
	if r.failOn == "create" {
		return errors.New("ui unavailable")
	}
	r.ops = append(r.ops, renderOp{kind: "create", snap: snap})
	r.visible = snap
	return nil
}

func (r *recordingRenderer) StreamToken(_ context.Context, token string) error {
	r.ops = append(r.ops, renderOp{kind: "token", token: token})
	r.visible.Content += token
	return nil
}

func (r *recordingRenderer) Update(_ context.Context, snap MessageSnapshot) error {
	r.ops = append(r.ops, renderOp{kind: "update", snap: snap})
	r.visible = snap
	return nil
}

func (r *recordingRenderer) count(kind string) int {
	n := 0
	for _, op := range r.ops {
		if op.kind == kind {
			n++
		}
	}
	return n
}

// funcTool is a Tool backed by a function.
type funcTool struct {
	name   string
	schema string
	fn     func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

func (f *funcTool) Name() string        { return f.name }
func (f *funcTool) Description() string { return "test tool " + f.name }
func (f *funcTool) Schema() json.RawMessage {
	if f.schema == "" {
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(f.schema)
}
func (f *funcTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return f.fn(ctx, params)
}

func echoTool(name string) *funcTool {
	return &funcTool{name: name, fn: func(_ context.Context, params json.RawMessage) (*ToolResult, error) {
		return &ToolResult{Content: string(params)}, nil
	}}
}

func runEvent(kind models.EventKind, runID string, status models.RunStatus) models.Event {
	return models.Event{Kind: kind, Run: &models.Run{ID: runID, Status: status}}
}

func delta(text string) models.Event {
	return models.Event{Kind: models.EventTextDelta, Text: text}
}
