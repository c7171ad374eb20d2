package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/atlas/internal/observability"
	"github.com/haasonsaas/atlas/pkg/models"
)

// ToolExecConfig configures how one requires_action batch is executed.
type ToolExecConfig struct {
	// Concurrency is the maximum number of tool calls running at once.
	// 1 (the default) executes the batch sequentially in call order.
	Concurrency int

	// PerToolTimeout bounds each tool call. Zero means no per-call deadline.
	PerToolTimeout time.Duration
}

// DefaultToolExecConfig returns sequential execution with a 60 second per-call timeout.
func DefaultToolExecConfig() ToolExecConfig {
	return ToolExecConfig{
		Concurrency:    1,
		PerToolTimeout: 60 * time.Second,
	}
}

// ToolExecutor resolves and invokes the tool calls of one batch.
type ToolExecutor struct {
	registry *ToolRegistry
	config   ToolExecConfig
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewToolExecutor creates a tool executor over registry.
func NewToolExecutor(registry *ToolRegistry, config ToolExecConfig, metrics *observability.Metrics, logger *slog.Logger) *ToolExecutor {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolExecutor{
		registry: registry,
		config:   config,
		metrics:  metrics,
		logger:   logger,
	}
}

// ToolExecResult is the outcome of one tool call.
type ToolExecResult struct {
	Index     int
	ToolCall  models.ToolCall
	Result    *ToolResult
	Err       error
	StartTime time.Time
	EndTime   time.Time
}

// Execute runs every call of the batch. Results are returned in call order
// regardless of concurrency; a failing call never prevents the others from
// running.
func (e *ToolExecutor) Execute(ctx context.Context, calls []models.ToolCall) []ToolExecResult {
	results := make([]ToolExecResult, len(calls))
	if e.config.Concurrency == 1 || len(calls) <= 1 {
		for i, call := range calls {
			results[i] = e.executeOne(ctx, i, call)
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(e.config.Concurrency)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.executeOne(ctx, i, call)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck
	return results
}

func (e *ToolExecutor) executeOne(ctx context.Context, idx int, call models.ToolCall) (res ToolExecResult) {
	res = ToolExecResult{Index: idx, ToolCall: call, StartTime: time.Now()}
	defer func() {
		if r := recover(); r != nil {
			res.Result = nil
			res.Err = NewToolError(ToolErrorPanic, call.Name, fmt.Errorf("%w: %v", ErrToolPanic, r)).WithToolCallID(call.ID)
		}
		res.EndTime = time.Now()
		status := "success"
		if res.Err != nil {
			status = "error"
		}
		e.metrics.ToolExecuted(call.Name, status, res.EndTime.Sub(res.StartTime).Seconds())
		e.logger.Debug("tool call finished",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"status", status,
			"duration_ms", res.EndTime.Sub(res.StartTime).Milliseconds(),
		)
	}()

	tool, err := e.registry.Resolve(call.Name)
	if err != nil {
		res.Err = withCallID(err, call.ID)
		return res
	}

	toolCtx := observability.AddToolCallID(ctx, call.ID)
	if e.config.PerToolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(toolCtx, e.config.PerToolTimeout)
		defer cancel()
	}

	result, err := e.registry.Invoke(toolCtx, tool, call.Arguments)
	if err != nil {
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = NewToolError(ToolErrorTimeout, call.Name,
				fmt.Errorf("%w after %v", ErrToolTimeout, e.config.PerToolTimeout))
		}
		res.Result = result
		res.Err = withCallID(err, call.ID)
		return res
	}
	res.Result = result
	return res
}

func withCallID(err error, callID string) error {
	var te *ToolError
	if errors.As(err, &te) && te.ToolCallID == "" {
		te.ToolCallID = callID
	}
	return err
}
