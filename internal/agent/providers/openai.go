package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/atlas/internal/agent"
	"github.com/haasonsaas/atlas/internal/agent/toolconv"
	"github.com/haasonsaas/atlas/pkg/models"
)

const (
	// DefaultOpenAIBaseURL is the public OpenAI API root.
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"

	assistantsBeta = "assistants=v2"

	// maxFileContentBytes bounds files read back from the engine.
	maxFileContentBytes = 64 << 20

	maxErrorBodyBytes = 64 << 10
)

// OpenAIConfig configures the OpenAI Assistants engine.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Organization string

	// HTTPClient is used for every request. Streaming requests rely on the
	// request context for cancellation, so the client should not set a
	// short overall Timeout.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// OpenAIEngine implements agent.Engine on the OpenAI Assistants API (v2).
//
// Threads, messages, files, assistants and cancellation go through the
// go-openai client. Streaming runs and the run listing use raw HTTP because
// the client exposes neither run event streams nor the listing's has_more
// cursor.
//
// OpenAIEngine is safe for concurrent use.
type OpenAIEngine struct {
	client     *openai.Client
	httpClient *http.Client
	baseURL    string
	apiKey     string
	org        string
	logger     *slog.Logger
}

var _ agent.Engine = (*OpenAIEngine)(nil)

// NewOpenAIEngine creates an engine. An API key is required.
func NewOpenAIEngine(cfg OpenAIConfig) (*OpenAIEngine, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = baseURL
	clientCfg.OrgID = cfg.Organization
	clientCfg.HTTPClient = httpClient

	return &OpenAIEngine{
		client:     openai.NewClientWithConfig(clientCfg),
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		org:        cfg.Organization,
		logger:     logger.With("provider", "openai"),
	}, nil
}

// CreateThread creates an empty thread.
func (e *OpenAIEngine) CreateThread(ctx context.Context) (models.Thread, error) {
	thread, err := e.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return models.Thread{}, wrapOpenAIError("create_thread", err)
	}
	return models.Thread{ID: thread.ID}, nil
}

// CreateMessage appends a user message with optional file attachments.
func (e *OpenAIEngine) CreateMessage(ctx context.Context, threadID, content string, attachments []models.FileAttachment) error {
	req := openai.MessageRequest{
		Role:    string(openai.ThreadMessageRoleUser),
		Content: content,
	}
	for _, att := range attachments {
		tools := make([]openai.ThreadAttachmentTool, 0, len(att.Tools))
		for _, tool := range att.Tools {
			tools = append(tools, openai.ThreadAttachmentTool{Type: tool})
		}
		req.Attachments = append(req.Attachments, openai.ThreadAttachment{FileID: att.FileID, Tools: tools})
	}
	if _, err := e.client.CreateMessage(ctx, threadID, req); err != nil {
		return wrapOpenAIError("create_message", err)
	}
	return nil
}

// CancelRun requests cancellation of a run.
func (e *OpenAIEngine) CancelRun(ctx context.Context, threadID, runID string) (models.Run, error) {
	run, err := e.client.CancelRun(ctx, threadID, runID)
	if err != nil {
		return models.Run{}, wrapOpenAIError("cancel_run", err)
	}
	out := models.Run{ID: run.ID, ThreadID: run.ThreadID, Status: models.RunStatus(run.Status)}
	if run.LastError != nil {
		out.LastError = &models.RunError{Code: string(run.LastError.Code), Message: run.LastError.Message}
	}
	return out, nil
}

// FileContent downloads a file from the engine file store.
func (e *OpenAIEngine) FileContent(ctx context.Context, fileID string) ([]byte, error) {
	raw, err := e.client.GetFileContent(ctx, fileID)
	if err != nil {
		return nil, wrapOpenAIError("file_content", err)
	}
	defer raw.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(raw, maxFileContentBytes+1))
	if err != nil {
		return nil, wrapOpenAIError("file_content", err)
	}
	if len(data) > maxFileContentBytes {
		return nil, fmt.Errorf("file %s exceeds %d bytes", fileID, maxFileContentBytes)
	}
	return data, nil
}

// UploadFile stores a user file for the assistant. In-memory data wins over
// a path.
func (e *OpenAIEngine) UploadFile(ctx context.Context, upload models.Upload) (string, error) {
	var (
		file openai.File
		err  error
	)
	switch {
	case len(upload.Data) > 0:
		name := upload.Name
		if name == "" {
			name = "upload"
		}
		file, err = e.client.CreateFileBytes(ctx, openai.FileBytesRequest{
			Name:    name,
			Bytes:   upload.Data,
			Purpose: openai.PurposeAssistants,
		})
	case upload.Path != "":
		name := upload.Name
		if name == "" {
			name = filepath.Base(upload.Path)
		}
		file, err = e.client.CreateFile(ctx, openai.FileRequest{
			FileName: name,
			FilePath: upload.Path,
			Purpose:  string(openai.PurposeAssistants),
		})
	default:
		return "", fmt.Errorf("upload %q has neither data nor path", upload.Name)
	}
	if err != nil {
		return "", wrapOpenAIError("upload_file", err)
	}
	e.logger.Debug("file uploaded", "file_id", file.ID, "name", upload.Name, "bytes", file.Bytes)
	return file.ID, nil
}

// CreateAssistant provisions an assistant exposing spec's tools.
func (e *OpenAIEngine) CreateAssistant(ctx context.Context, spec agent.AssistantSpec) (string, error) {
	req := openai.AssistantRequest{
		Model: spec.Model,
		Tools: toolconv.ToAssistantTools(spec.Tools, spec.FileSearch),
	}
	if spec.Name != "" {
		req.Name = &spec.Name
	}
	if spec.Instructions != "" {
		req.Instructions = &spec.Instructions
	}
	assistant, err := e.client.CreateAssistant(ctx, req)
	if err != nil {
		return "", wrapOpenAIError("create_assistant", err)
	}
	return assistant.ID, nil
}

type runListResponse struct {
	Data    []wireRun `json:"data"`
	HasMore bool      `json:"has_more"`
	LastID  string    `json:"last_id"`
}

// ListRuns returns one page of the thread's runs, newest first.
func (e *OpenAIEngine) ListRuns(ctx context.Context, threadID string, req agent.ListRunsRequest) (models.RunPage, error) {
	query := url.Values{}
	if req.Limit > 0 {
		query.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.After != "" {
		query.Set("after", req.After)
	}
	path := "/threads/" + url.PathEscape(threadID) + "/runs"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	resp, err := e.do(ctx, http.MethodGet, path, nil, false)
	if err != nil {
		return models.RunPage{}, wrapOpenAIError("list_runs", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	var list runListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return models.RunPage{}, wrapOpenAIError("list_runs", fmt.Errorf("decode run list: %w", err))
	}
	page := models.RunPage{HasMore: list.HasMore, LastID: list.LastID, Runs: make([]models.Run, 0, len(list.Data))}
	for _, run := range list.Data {
		page.Runs = append(page.Runs, *run.toRun())
	}
	return page, nil
}

// CreateRunStream starts a streaming run of assistantID on the thread.
func (e *OpenAIEngine) CreateRunStream(ctx context.Context, threadID, assistantID string) (agent.EventStream, error) {
	body := map[string]any{
		"assistant_id": assistantID,
		"stream":       true,
	}
	path := "/threads/" + url.PathEscape(threadID) + "/runs"
	resp, err := e.do(ctx, http.MethodPost, path, body, true)
	if err != nil {
		return nil, wrapOpenAIError("create_run", err)
	}
	return newRunStream(resp.Body), nil
}

// SubmitToolOutputsStream resumes a run paused on requires_action and
// streams its continuation.
func (e *OpenAIEngine) SubmitToolOutputsStream(ctx context.Context, threadID, runID string, outputs []models.ToolOutput) (agent.EventStream, error) {
	body := map[string]any{
		"tool_outputs": outputs,
		"stream":       true,
	}
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID) + "/submit_tool_outputs"
	resp, err := e.do(ctx, http.MethodPost, path, body, true)
	if err != nil {
		return nil, wrapOpenAIError("submit_tool_outputs", err)
	}
	return newRunStream(resp.Body), nil
}

// do sends an Assistants request. Non-2xx responses are decoded into an
// *openai.APIError and the body is closed.
func (e *OpenAIEngine) do(ctx context.Context, method, path string, body any, stream bool) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("OpenAI-Beta", assistantsBeta)
	if e.org != "" {
		req.Header.Set("OpenAI-Organization", e.org)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close() //nolint:errcheck
	return nil, decodeAPIError(resp)
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes)) //nolint:errcheck
	var envelope openai.ErrorResponse
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil {
		envelope.Error.HTTPStatusCode = resp.StatusCode
		envelope.Error.HTTPStatus = resp.Status
		return envelope.Error
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &openai.APIError{
		Message:        msg,
		HTTPStatusCode: resp.StatusCode,
		HTTPStatus:     resp.Status,
	}
}
