package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/atlas/internal/observability"
	"github.com/haasonsaas/atlas/pkg/models"
)

// TurnResult summarizes one dispatched turn.
type TurnResult struct {
	ThreadID  string
	RunID     string
	Status    models.RunStatus
	LastError *models.RunError

	// Content and Elements are the final visible state of the message.
	Content  string
	Elements []models.Element

	// ToolCalls counts executed tool calls; Rounds counts requires_action events.
	ToolCalls int
	Rounds    int
}

// Dispatcher consumes a run's event stream and applies each event to the
// turn's streaming message, executing tools when the run requires action.
//
// One Dispatcher is shared by all sessions; all per-turn state lives on the
// stack of Handle.
type Dispatcher struct {
	engine   DispatchEngine
	executor *ToolExecutor
	opts     DispatcherOptions
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// NewDispatcher creates a dispatcher executing tools from registry.
func NewDispatcher(engine DispatchEngine, registry *ToolRegistry, opts DispatcherOptions) *Dispatcher {
	if opts.Placeholder == "" {
		opts.Placeholder = DefaultPlaceholder
	}
	if opts.ToolErrorPolicy == "" {
		opts.ToolErrorPolicy = ToolErrorAbort
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		engine:   engine,
		executor: NewToolExecutor(registry, opts.ToolExec, opts.Metrics, logger),
		opts:     opts,
		logger:   logger,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
	}
}

// turn is the mutable state threaded through one Handle call.
type turn struct {
	threadID string
	renderer Renderer
	msg      *StreamingMessage
	result   *TurnResult
}

// Handle consumes stream until the run reaches a terminal event or the
// stream ends. Tool-output submissions open a new stream for the same run,
// which is consumed by the same loop.
//
// On error the returned result still carries the run id and the partial
// message state observed so far.
func (d *Dispatcher) Handle(ctx context.Context, threadID string, stream EventStream, renderer Renderer) (*TurnResult, error) {
	if stream == nil {
		return nil, ErrNoStream
	}
	ctx, span := d.tracer.Start(ctx, "agent.dispatch")
	defer span.End()

	t := &turn{
		threadID: threadID,
		renderer: renderer,
		result:   &TurnResult{ThreadID: threadID},
	}
	current := stream
	defer func() {
		_ = current.Close() //nolint:errcheck
	}()

	outer := true
	err := func() error {
		for {
			ev, err := current.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				d.metrics.StreamError()
				return fmt.Errorf("receive run event: %w", err)
			}
			d.metrics.RunEvent(string(ev.Kind))

			switch ev.Kind {
			case models.EventRunCreated:
				d.trackRun(t, ev)
				if outer && t.msg == nil {
					t.msg = NewPlaceholderMessage(renderer, d.opts.Placeholder)
					if err := t.msg.Send(ctx); err != nil {
						return err
					}
				}

			case models.EventRunInProgress:
				d.trackRun(t, ev)

			case models.EventTextCreated:
				if err := d.ensureContentMessage(ctx, t); err != nil {
					return err
				}

			case models.EventTextDelta:
				if err := d.ensureContentMessage(ctx, t); err != nil {
					return err
				}
				if err := t.msg.AppendToken(ctx, ev.Text); err != nil {
					return err
				}

			case models.EventTextDone:
				if t.msg != nil {
					if err := t.msg.Flush(ctx); err != nil {
						return err
					}
				}

			case models.EventImageDone:
				if err := d.applyImage(ctx, t, ev.FileID); err != nil {
					return err
				}

			case models.EventRequiresAction:
				d.trackRun(t, ev)
				next, err := d.handleRequiresAction(ctx, t, ev)
				if err != nil {
					return err
				}
				_ = current.Close() //nolint:errcheck
				current = next
				outer = false

			case models.EventError:
				d.metrics.StreamError()
				if ev.Err != nil {
					return fmt.Errorf("%w: %s: %s", ErrRunStream, ev.Err.Code, ev.Err.Message)
				}
				return ErrRunStream

			default:
				if ev.Kind.Terminal() {
					d.trackRun(t, ev)
					if ev.Run == nil || !ev.Run.Status.Terminal() {
						t.result.Status = statusForKind(ev.Kind)
					}
					if t.result.Status == models.RunStatusFailed {
						d.logger.Warn("run failed",
							"thread_id", threadID,
							"run_id", t.result.RunID,
							"error", t.result.LastError,
						)
					}
					return nil
				}
				d.logger.Debug("ignoring run event", "kind", ev.Kind, "thread_id", threadID)
			}
		}
	}()

	if t.msg != nil {
		snap := t.msg.Snapshot()
		t.result.Content = snap.Content
		t.result.Elements = snap.Elements
	}
	span.SetAttributes(
		attribute.String("thread_id", threadID),
		attribute.String("run_id", t.result.RunID),
		attribute.String("status", string(t.result.Status)),
		attribute.Int("tool_rounds", t.result.Rounds),
	)
	if err != nil {
		d.tracer.RecordError(span, err)
		return t.result, err
	}
	return t.result, nil
}

func (d *Dispatcher) trackRun(t *turn, ev models.Event) {
	if ev.Run == nil {
		return
	}
	if ev.Run.ID != "" {
		t.result.RunID = ev.Run.ID
	}
	if ev.Run.Status != "" {
		t.result.Status = ev.Run.Status
	}
	if ev.Run.LastError != nil {
		t.result.LastError = ev.Run.LastError
	}
}

// ensureContentMessage makes sure a message exists and no longer shows the
// placeholder before real output is applied.
func (d *Dispatcher) ensureContentMessage(ctx context.Context, t *turn) error {
	if t.msg == nil {
		t.msg = NewStreamingMessage(t.renderer, "")
		return t.msg.Send(ctx)
	}
	if t.msg.IsPlaceholder() {
		return t.msg.Clear(ctx)
	}
	return nil
}

func (d *Dispatcher) applyImage(ctx context.Context, t *turn, fileID string) error {
	data, err := d.engine.FileContent(ctx, fileID)
	if err != nil {
		return fmt.Errorf("fetch image %s: %w", fileID, err)
	}
	if err := d.ensureContentMessage(ctx, t); err != nil {
		return err
	}
	return t.msg.Attach(ctx, models.Element{
		Name:     fileID,
		MimeType: http.DetectContentType(data),
		Display:  "inline",
		Size:     "large",
		Data:     data,
	})
}

func (d *Dispatcher) handleRequiresAction(ctx context.Context, t *turn, ev models.Event) (EventStream, error) {
	runID := t.result.RunID
	if runID == "" {
		return nil, fmt.Errorf("requires_action without run id")
	}
	t.result.Rounds++
	if d.opts.MaxToolRounds > 0 && t.result.Rounds > d.opts.MaxToolRounds {
		return nil, fmt.Errorf("%w (%d)", ErrMaxToolRounds, d.opts.MaxToolRounds)
	}

	ctx, span := d.tracer.Start(ctx, "agent.tools")
	span.SetAttributes(attribute.Int("tool_calls", len(ev.ToolCalls)))
	outputs, artifacts, err := d.runTools(ctx, ev.ToolCalls)
	if err != nil {
		d.tracer.RecordError(span, err)
		span.End()
		return nil, err
	}
	span.End()
	t.result.ToolCalls += len(ev.ToolCalls)

	if err := VerifyToolOutputs(ev.ToolCalls, outputs); err != nil {
		return nil, err
	}

	next, err := d.engine.SubmitToolOutputsStream(ctx, t.threadID, runID, outputs)
	if err != nil {
		return nil, fmt.Errorf("submit tool outputs: %w", err)
	}
	if next == nil {
		return nil, ErrNoStream
	}

	// The continuation overwrites whatever text preceded the tool calls.
	if t.msg == nil {
		t.msg = NewStreamingMessage(t.renderer, "")
		if err := t.msg.Send(ctx); err != nil {
			_ = next.Close() //nolint:errcheck
			return nil, err
		}
	} else if t.msg.Content() != "" {
		if err := t.msg.Clear(ctx); err != nil {
			_ = next.Close() //nolint:errcheck
			return nil, err
		}
	}
	for _, artifact := range artifacts {
		if !strings.HasPrefix(artifact.MimeType, "image/") || len(artifact.Data) == 0 {
			continue
		}
		name := artifact.Filename
		if name == "" {
			name = artifact.ID
		}
		if err := t.msg.Attach(ctx, models.Element{
			Name:     name,
			MimeType: artifact.MimeType,
			Display:  "inline",
			Size:     "large",
			Data:     artifact.Data,
			URL:      artifact.Reference,
		}); err != nil {
			_ = next.Close() //nolint:errcheck
			return nil, err
		}
	}
	return next, nil
}

// runTools executes the batch and builds one output per call, in call order.
func (d *Dispatcher) runTools(ctx context.Context, calls []models.ToolCall) ([]models.ToolOutput, []Artifact, error) {
	results := d.executor.Execute(ctx, calls)
	outputs := make([]models.ToolOutput, len(results))
	var artifacts []Artifact
	for i, res := range results {
		if res.Err != nil {
			if d.opts.ToolErrorPolicy != ToolErrorReport {
				return nil, nil, res.Err
			}
			d.logger.Warn("tool call failed, reporting to assistant",
				"tool", res.ToolCall.Name,
				"tool_call_id", res.ToolCall.ID,
				"error", res.Err,
			)
			outputs[i] = models.ToolOutput{ToolCallID: res.ToolCall.ID, Output: errorOutput(res.Err)}
			continue
		}
		outputs[i] = models.ToolOutput{ToolCallID: res.ToolCall.ID, Output: res.Result.Content}
		artifacts = append(artifacts, res.Result.Artifacts...)
	}
	return outputs, artifacts, nil
}

func errorOutput(err error) string {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()}) //nolint:errcheck
	return string(payload)
}

// VerifyToolOutputs checks that outputs answer calls one-to-one by id.
func VerifyToolOutputs(calls []models.ToolCall, outputs []models.ToolOutput) error {
	if len(calls) != len(outputs) {
		return fmt.Errorf("%w: %d calls, %d outputs", ErrToolOutputMismatch, len(calls), len(outputs))
	}
	pending := make(map[string]int, len(calls))
	for _, call := range calls {
		pending[call.ID]++
	}
	for _, out := range outputs {
		if pending[out.ToolCallID] == 0 {
			return fmt.Errorf("%w: unexpected output for %q", ErrToolOutputMismatch, out.ToolCallID)
		}
		pending[out.ToolCallID]--
	}
	return nil
}

func statusForKind(kind models.EventKind) models.RunStatus {
	switch kind {
	case models.EventRunCompleted:
		return models.RunStatusCompleted
	case models.EventRunFailed:
		return models.RunStatusFailed
	case models.EventRunCancelled:
		return models.RunStatusCancelled
	case models.EventRunExpired:
		return models.RunStatusExpired
	case models.EventRunIncomplete:
		return models.RunStatusIncomplete
	default:
		return ""
	}
}
