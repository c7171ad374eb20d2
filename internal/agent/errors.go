package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for run orchestration.
var (
	// ErrToolNotFound indicates a requested tool doesn't exist
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution
	ErrToolPanic = errors.New("tool panicked")

	// ErrInvalidToolInput marks tool arguments that passed the schema but
	// could not be interpreted by the tool
	ErrInvalidToolInput = errors.New("invalid tool input")

	// ErrToolOutputMismatch indicates a tool output batch does not line up with its calls
	ErrToolOutputMismatch = errors.New("tool outputs do not match tool calls")

	// ErrNoStream indicates the engine returned no event stream
	ErrNoStream = errors.New("no event stream")

	// ErrRunStream indicates the engine reported a fault inside the event stream
	ErrRunStream = errors.New("run stream error")

	// ErrEmptyTurn indicates a user turn with neither text nor attachments
	ErrEmptyTurn = errors.New("empty user turn")

	// ErrNoAssistant indicates no assistant id is configured or created
	ErrNoAssistant = errors.New("no assistant configured")

	// ErrMaxToolRounds indicates a run kept requesting tools past the configured limit
	ErrMaxToolRounds = errors.New("max tool rounds exceeded")
)

// ToolErrorType categorizes tool failures.
type ToolErrorType string

const (
	// ToolErrorNotFound indicates the tool doesn't exist
	ToolErrorNotFound ToolErrorType = "not_found"

	// ToolErrorInvalidInput indicates arguments failed to parse or validate
	ToolErrorInvalidInput ToolErrorType = "invalid_input"

	// ToolErrorTimeout indicates the tool timed out
	ToolErrorTimeout ToolErrorType = "timeout"

	// ToolErrorExecution indicates a runtime error during execution
	ToolErrorExecution ToolErrorType = "execution"

	// ToolErrorPanic indicates the tool panicked
	ToolErrorPanic ToolErrorType = "panic"
)

// ToolError is a structured failure from resolving or invoking a tool.
type ToolError struct {
	Type       ToolErrorType
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	parts := []string{fmt.Sprintf("[tool:%s]", e.Type)}
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError wraps cause, classifying it when typ is empty.
func NewToolError(typ ToolErrorType, toolName string, cause error) *ToolError {
	if typ == "" {
		typ = classifyToolError(cause)
	}
	err := &ToolError{Type: typ, ToolName: toolName, Cause: cause}
	if cause != nil {
		err.Message = cause.Error()
	}
	return err
}

// WithToolCallID sets the tool call ID for correlating errors with specific calls.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

func classifyToolError(err error) ToolErrorType {
	switch {
	case err == nil:
		return ToolErrorExecution
	case errors.Is(err, ErrToolNotFound):
		return ToolErrorNotFound
	case errors.Is(err, ErrInvalidToolInput):
		return ToolErrorInvalidInput
	case errors.Is(err, ErrToolPanic):
		return ToolErrorPanic
	case errors.Is(err, ErrToolTimeout), errors.Is(err, context.DeadlineExceeded):
		return ToolErrorTimeout
	default:
		return ToolErrorExecution
	}
}

// IsToolError reports whether err carries a ToolError of the given type.
func IsToolError(err error, typ ToolErrorType) bool {
	var te *ToolError
	if !errors.As(err, &te) {
		return false
	}
	return te.Type == typ
}
