// Package channels connects chat surfaces (web socket, terminal, Slack,
// Discord, Telegram) to the gateway.
//
// An adapter turns platform traffic into Events and hands the gateway a
// Conversation to answer through. Assistant replies are drawn with an
// agent.Renderer obtained from the Conversation, one per turn.
package channels

import (
	"context"
	"strings"
	"time"

	"github.com/haasonsaas/atlas/internal/agent"
	"github.com/haasonsaas/atlas/pkg/models"
)

// Adapter is the interface that all channel adapters must implement.
type Adapter interface {
	// Start begins listening. It returns once the adapter is connected;
	// receiving continues in the background until ctx ends or Stop is called.
	Start(ctx context.Context) error

	// Stop disconnects and closes the Events channel.
	Stop(ctx context.Context) error

	// Events returns the inbound event stream.
	Events() <-chan Event

	// Type returns the channel type.
	Type() models.ChannelType

	// Status returns the current connection status.
	Status() Status
}

// EventKind classifies inbound events.
type EventKind string

const (
	// EventSessionStarted opens a chat session (web socket connected,
	// terminal started).
	EventSessionStarted EventKind = "session.started"

	// EventMessageReceived carries a user message, possibly with uploads.
	EventMessageReceived EventKind = "message.received"

	// EventStopRequested asks to cancel whatever the assistant is doing.
	EventStopRequested EventKind = "stop.requested"

	// EventSessionEnded closes the session.
	EventSessionEnded EventKind = "session.ended"
)

// Event is one inbound occurrence on a chat surface.
type Event struct {
	Kind    EventKind
	Channel models.ChannelType

	// ConversationID identifies the conversation on the platform (socket id,
	// Slack channel/thread, Discord channel, Telegram chat).
	ConversationID string

	// MessageID is the platform message id, used to drop redeliveries.
	MessageID string

	UserID  string
	Text    string
	Uploads []models.Upload

	// Reply answers on the conversation the event came from.
	Reply Conversation

	ReceivedAt time.Time
}

// Conversation is the outbound side of one platform conversation.
type Conversation interface {
	// NewRenderer returns a renderer for a single new assistant message.
	NewRenderer() agent.Renderer

	// Notify posts a standalone text message.
	Notify(ctx context.Context, text string) error
}

// Finisher is implemented by renderers that need to know when the turn is
// over, such as the terminal re-printing its prompt.
type Finisher interface {
	Finish(ctx context.Context) error
}

// Status represents the connection status of a channel.
type Status struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	LastPing  int64  `json:"last_ping,omitempty"` // Unix timestamp
}

// ParseCommand maps the plain-text control words used on chat platforms to
// an event kind. "stop" cancels the running response and "reset" ends the
// session so the next message starts a fresh thread.
func ParseCommand(text string) (EventKind, bool) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "stop", "/stop":
		return EventStopRequested, true
	case "reset", "/reset":
		return EventSessionEnded, true
	default:
		return "", false
	}
}
