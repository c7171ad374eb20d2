package providers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/haasonsaas/atlas/pkg/models"
)

// readSSEEvent reads one server-sent event. Comment lines are skipped and
// multiple data lines are joined with newlines. It returns io.EOF when the
// body ends without a further event.
func readSSEEvent(r *bufio.Reader) (string, []byte, error) {
	var (
		event   string
		data    bytes.Buffer
		hasData bool
	)
	for {
		line, err := r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", nil, err
		}
		eof := errors.Is(err, io.EOF)
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if event != "" || hasData {
				return event, data.Bytes(), nil
			}
			if eof {
				return "", nil, io.EOF
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			hasData = true
		}

		if eof {
			if event != "" || hasData {
				return event, data.Bytes(), nil
			}
			return "", nil, io.EOF
		}
	}
}

// runStream adapts an Assistants SSE body to agent.EventStream.
type runStream struct {
	body    io.ReadCloser
	reader  *bufio.Reader
	tr      *eventTranslator
	pending []models.Event
	done    bool
}

func newRunStream(body io.ReadCloser) *runStream {
	return &runStream{
		body:   body,
		reader: bufio.NewReader(body),
		tr:     newEventTranslator(),
	}
}

// Recv returns the next translated event, or io.EOF after the "done" event
// or the end of the body.
func (s *runStream) Recv() (models.Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return models.Event{}, io.EOF
		}
		name, data, err := readSSEEvent(s.reader)
		if errors.Is(err, io.EOF) {
			s.done = true
			continue
		}
		if err != nil {
			return models.Event{}, fmt.Errorf("read run stream: %w", err)
		}
		if name == "done" {
			s.done = true
			continue
		}
		events, err := s.tr.translate(name, data)
		if err != nil {
			return models.Event{}, err
		}
		s.pending = append(s.pending, events...)
	}
}

func (s *runStream) Close() error {
	return s.body.Close()
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireRun struct {
	ID             string           `json:"id"`
	ThreadID       string           `json:"thread_id"`
	Status         models.RunStatus `json:"status"`
	LastError      *models.RunError `json:"last_error"`
	RequiredAction *struct {
		Type              string `json:"type"`
		SubmitToolOutputs struct {
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"submit_tool_outputs"`
	} `json:"required_action"`
}

func (w wireRun) toRun() *models.Run {
	return &models.Run{ID: w.ID, ThreadID: w.ThreadID, Status: w.Status, LastError: w.LastError}
}

func (w wireRun) toolCalls() []models.ToolCall {
	if w.RequiredAction == nil {
		return nil
	}
	wire := w.RequiredAction.SubmitToolOutputs.ToolCalls
	calls := make([]models.ToolCall, 0, len(wire))
	for _, tc := range wire {
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		calls = append(calls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return calls
}

type wireContentPart struct {
	Index int    `json:"index"`
	Type  string `json:"type"`
	Text  *struct {
		Value string `json:"value"`
	} `json:"text,omitempty"`
	ImageFile *struct {
		FileID string `json:"file_id"`
	} `json:"image_file,omitempty"`
}

type wireMessageDelta struct {
	ID    string `json:"id"`
	Delta struct {
		Content []wireContentPart `json:"content"`
	} `json:"delta"`
}

type wireMessage struct {
	ID      string            `json:"id"`
	Content []wireContentPart `json:"content"`
}

// eventTranslator turns Assistants stream events into run events. It
// remembers which text parts and images have been announced so a part's
// first delta yields text.created and each image yields one image.done.
type eventTranslator struct {
	textParts map[string]bool
	images    map[string]bool
}

func newEventTranslator() *eventTranslator {
	return &eventTranslator{
		textParts: make(map[string]bool),
		images:    make(map[string]bool),
	}
}

var runEventKinds = map[string]models.EventKind{
	"thread.run.created":         models.EventRunCreated,
	"thread.run.queued":          models.EventRunInProgress,
	"thread.run.in_progress":     models.EventRunInProgress,
	"thread.run.cancelling":      models.EventRunInProgress,
	"thread.run.requires_action": models.EventRequiresAction,
	"thread.run.completed":       models.EventRunCompleted,
	"thread.run.failed":          models.EventRunFailed,
	"thread.run.cancelled":       models.EventRunCancelled,
	"thread.run.expired":         models.EventRunExpired,
	"thread.run.incomplete":      models.EventRunIncomplete,
}

func (t *eventTranslator) translate(name string, data []byte) ([]models.Event, error) {
	if kind, ok := runEventKinds[name]; ok {
		var run wireRun
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		ev := models.Event{Kind: kind, Run: run.toRun()}
		if kind == models.EventRequiresAction {
			ev.ToolCalls = run.toolCalls()
		}
		return []models.Event{ev}, nil
	}

	switch name {
	case "thread.message.delta":
		var delta wireMessageDelta
		if err := json.Unmarshal(data, &delta); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		var events []models.Event
		for _, part := range delta.Delta.Content {
			events = t.appendPart(events, delta.ID, part, false)
		}
		return events, nil

	case "thread.message.completed":
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		var events []models.Event
		for i, part := range msg.Content {
			part.Index = i
			events = t.appendPart(events, msg.ID, part, true)
		}
		return events, nil

	case "error":
		return []models.Event{{Kind: models.EventError, Err: decodeStreamError(data)}}, nil

	default:
		// run steps and message lifecycle events carry nothing the chat shows
		return nil, nil
	}
}

func (t *eventTranslator) appendPart(events []models.Event, msgID string, part wireContentPart, completed bool) []models.Event {
	switch part.Type {
	case "text":
		if part.Text == nil {
			return events
		}
		key := fmt.Sprintf("%s/%d", msgID, part.Index)
		if !t.textParts[key] {
			t.textParts[key] = true
			events = append(events, models.Event{Kind: models.EventTextCreated})
			if completed && part.Text.Value != "" {
				// never streamed: show the full value before closing the part
				events = append(events, models.Event{Kind: models.EventTextDelta, Text: part.Text.Value})
			}
		}
		if completed {
			return append(events, models.Event{Kind: models.EventTextDone, Text: part.Text.Value})
		}
		if part.Text.Value != "" {
			events = append(events, models.Event{Kind: models.EventTextDelta, Text: part.Text.Value})
		}
		return events

	case "image_file":
		if part.ImageFile == nil || part.ImageFile.FileID == "" || t.images[part.ImageFile.FileID] {
			return events
		}
		t.images[part.ImageFile.FileID] = true
		return append(events, models.Event{Kind: models.EventImageDone, FileID: part.ImageFile.FileID})
	}
	return events
}

func decodeStreamError(data []byte) *models.RunError {
	var payload struct {
		Code    any    `json:"code"`
		Message string `json:"message"`
		Error   *struct {
			Code    any    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return &models.RunError{Code: "stream_error", Message: strings.TrimSpace(string(data))}
	}
	code, msg := payload.Code, payload.Message
	if payload.Error != nil {
		code, msg = payload.Error.Code, payload.Error.Message
	}
	out := &models.RunError{Code: "stream_error", Message: msg}
	if s, ok := code.(string); ok && s != "" {
		out.Code = s
	}
	return out
}
