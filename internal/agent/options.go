package agent

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/atlas/internal/observability"
)

// DefaultPlaceholder is shown between run creation and the first output.
const DefaultPlaceholder = "Thinking..."

// DefaultUploadedFilesText replaces an empty user message that only carries files.
const DefaultUploadedFilesText = "The user uploaded files."

// ToolErrorPolicy decides what happens when a tool call cannot be resolved,
// its arguments are invalid, or it fails.
type ToolErrorPolicy string

const (
	// ToolErrorAbort fails the turn with the tool error.
	ToolErrorAbort ToolErrorPolicy = "abort"

	// ToolErrorReport submits an {"error": ...} output for the failing call
	// so the assistant can recover inside the same run.
	ToolErrorReport ToolErrorPolicy = "report"
)

// ParseToolErrorPolicy maps a config value to a policy. Empty means abort.
func ParseToolErrorPolicy(value string) (ToolErrorPolicy, error) {
	switch ToolErrorPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", ToolErrorAbort:
		return ToolErrorAbort, nil
	case ToolErrorReport:
		return ToolErrorReport, nil
	default:
		return "", fmt.Errorf("unknown tool error policy %q", value)
	}
}

// DispatcherOptions configures event dispatch and tool execution.
type DispatcherOptions struct {
	// Placeholder is the text shown on run.created.
	Placeholder string

	// ToolErrorPolicy selects abort (default) or report.
	ToolErrorPolicy ToolErrorPolicy

	// ToolExec controls batch concurrency and per-call timeouts.
	ToolExec ToolExecConfig

	// MaxToolRounds limits requires_action rounds per turn (0 = unlimited).
	MaxToolRounds int

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// DefaultDispatcherOptions returns the baseline dispatcher options.
func DefaultDispatcherOptions() DispatcherOptions {
	return DispatcherOptions{
		Placeholder:     DefaultPlaceholder,
		ToolErrorPolicy: ToolErrorAbort,
		ToolExec:        DefaultToolExecConfig(),
		MaxToolRounds:   16,
	}
}
