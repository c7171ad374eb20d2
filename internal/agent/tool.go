package agent

import (
	"context"
	"encoding/json"
)

// Tool is a locally executed function the assistant may call during a run.
type Tool interface {
	// Name returns the function name advertised to the assistant.
	// Must be a valid function name (alphanumeric, underscores).
	Name() string

	// Description returns a natural language description of what the tool does.
	Description() string

	// Schema returns the JSON Schema of the tool's arguments object.
	Schema() json.RawMessage

	// Execute runs the tool with arguments that already passed schema validation.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult contains the output from a tool execution.
//
// Content is submitted verbatim as the tool output and should be a JSON
// document. IsError marks an execution failure reported by the tool itself
// rather than returned as a Go error.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`

	// Artifacts are files produced by the tool. Image artifacts are attached
	// to the streaming message as inline elements.
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Artifact represents a file produced by a tool execution.
type Artifact struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
	Data     []byte `json:"data,omitempty"`
	// Reference is the storage location (file://, s3://) when the data was persisted.
	Reference string `json:"reference,omitempty"`
}

// JSONResult marshals v into a successful ToolResult.
func JSONResult(v any) (*ToolResult, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &ToolResult{Content: string(payload)}, nil
}
