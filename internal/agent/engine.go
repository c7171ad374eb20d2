package agent

import (
	"context"

	"github.com/haasonsaas/atlas/pkg/models"
)

// EventStream is an ordered, single-consumer sequence of run events.
// Recv returns io.EOF once the stream is exhausted.
type EventStream interface {
	Recv() (models.Event, error)
	Close() error
}

// ListRunsRequest selects one page of a thread's runs.
type ListRunsRequest struct {
	Limit int
	After string
}

// AssistantSpec describes the assistant created when none is configured.
type AssistantSpec struct {
	Name         string
	Instructions string
	Model        string
	Tools        []Tool
	FileSearch   bool
}

// ThreadService creates threads and appends user messages.
type ThreadService interface {
	CreateThread(ctx context.Context) (models.Thread, error)
	CreateMessage(ctx context.Context, threadID, content string, attachments []models.FileAttachment) error
}

// RunService starts, resumes, lists and cancels runs.
type RunService interface {
	CreateRunStream(ctx context.Context, threadID, assistantID string) (EventStream, error)
	SubmitToolOutputsStream(ctx context.Context, threadID, runID string, outputs []models.ToolOutput) (EventStream, error)
	ListRuns(ctx context.Context, threadID string, req ListRunsRequest) (models.RunPage, error)
	CancelRun(ctx context.Context, threadID, runID string) (models.Run, error)
}

// FileService reads and writes the engine file store.
type FileService interface {
	FileContent(ctx context.Context, fileID string) ([]byte, error)
	UploadFile(ctx context.Context, upload models.Upload) (string, error)
}

// AssistantService provisions assistants.
type AssistantService interface {
	CreateAssistant(ctx context.Context, spec AssistantSpec) (string, error)
}

// Engine is the full remote assistant engine contract.
type Engine interface {
	ThreadService
	RunService
	FileService
	AssistantService
}

// DispatchEngine is the subset of the engine the dispatcher needs while a
// turn is streaming.
type DispatchEngine interface {
	SubmitToolOutputsStream(ctx context.Context, threadID, runID string, outputs []models.ToolOutput) (EventStream, error)
	FileContent(ctx context.Context, fileID string) ([]byte, error)
}
