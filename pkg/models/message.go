package models

import (
	"encoding/json"
	"time"
)

// ChannelType identifies the chat surface a session arrived on.
type ChannelType string

const (
	ChannelWeb      ChannelType = "web"
	ChannelTerminal ChannelType = "terminal"
	ChannelSlack    ChannelType = "slack"
	ChannelDiscord  ChannelType = "discord"
	ChannelTelegram ChannelType = "telegram"
)

// Element is a visual attachment rendered alongside message text.
type Element struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Display  string `json:"display,omitempty"` // inline, side, page
	Size     string `json:"size,omitempty"`    // small, medium, large
	Data     []byte `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}

// FileAttachment references a file already uploaded to the engine file store,
// bound to the engine tools that may read it.
type FileAttachment struct {
	FileID string   `json:"file_id"`
	Tools  []string `json:"tools,omitempty"`
}

// Upload is a file provided by the user through a chat surface, before it is
// handed to the engine.
type Upload struct {
	Name     string `json:"name"`
	Path     string `json:"path,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ToolCall is a function invocation requested by the assistant inside a
// requires_action event.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolOutput is the result of one ToolCall, submitted back to the run.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// Session binds a chat-surface conversation to a remote thread.
type Session struct {
	Key       string      `json:"key"`
	ThreadID  string      `json:"thread_id"`
	Channel   ChannelType `json:"channel"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}
