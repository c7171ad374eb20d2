package agent

import (
	"context"
	"fmt"

	"github.com/haasonsaas/atlas/pkg/models"
)

// MessageSnapshot is the full visible state of a streaming message.
type MessageSnapshot struct {
	Content  string           `json:"content"`
	Elements []models.Element `json:"elements,omitempty"`
}

// Renderer is the chat UI collaborator a StreamingMessage draws through.
//
// Create shows the message for the first time, StreamToken appends a text
// fragment to what is already shown, and Update replaces the shown message
// with the snapshot.
type Renderer interface {
	Create(ctx context.Context, snap MessageSnapshot) error
	StreamToken(ctx context.Context, token string) error
	Update(ctx context.Context, snap MessageSnapshot) error
}

// StreamingMessage is the assistant message of one turn, mutated in place as
// run events arrive. It is owned by a single turn and is not safe for
// concurrent use.
type StreamingMessage struct {
	renderer    Renderer
	content     string
	elements    []models.Element
	sent        bool
	placeholder bool
}

// NewStreamingMessage creates an unsent message with the given initial content.
func NewStreamingMessage(renderer Renderer, content string) *StreamingMessage {
	return &StreamingMessage{renderer: renderer, content: content}
}

// NewPlaceholderMessage creates an unsent message showing placeholder text
// that is replaced as soon as real output arrives.
func NewPlaceholderMessage(renderer Renderer, placeholder string) *StreamingMessage {
	return &StreamingMessage{renderer: renderer, content: placeholder, placeholder: true}
}

// Send renders the message. The first call creates it in the UI; later calls
// behave like Flush.
func (m *StreamingMessage) Send(ctx context.Context) error {
	if m.sent {
		return m.Flush(ctx)
	}
	if err := m.renderer.Create(ctx, m.Snapshot()); err != nil {
		return fmt.Errorf("render message: %w", err)
	}
	m.sent = true
	return nil
}

// AppendToken appends text and pushes only that fragment to the UI.
func (m *StreamingMessage) AppendToken(ctx context.Context, text string) error {
	if !m.sent {
		if err := m.Send(ctx); err != nil {
			return err
		}
	}
	m.content += text
	m.placeholder = false
	if err := m.renderer.StreamToken(ctx, text); err != nil {
		return fmt.Errorf("stream token: %w", err)
	}
	return nil
}

// ReplaceContent overwrites the text and re-renders the whole message.
func (m *StreamingMessage) ReplaceContent(ctx context.Context, text string) error {
	m.content = text
	m.placeholder = false
	return m.Flush(ctx)
}

// Clear empties the text, keeping any elements.
func (m *StreamingMessage) Clear(ctx context.Context) error {
	return m.ReplaceContent(ctx, "")
}

// Attach appends a visual element and re-renders with the full element list.
func (m *StreamingMessage) Attach(ctx context.Context, el models.Element) error {
	m.elements = append(m.elements, el)
	return m.Flush(ctx)
}

// Flush pushes the full current state to the UI.
func (m *StreamingMessage) Flush(ctx context.Context) error {
	if !m.sent {
		return m.Send(ctx)
	}
	if err := m.renderer.Update(ctx, m.Snapshot()); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// Content returns the current text.
func (m *StreamingMessage) Content() string { return m.content }

// IsPlaceholder reports whether the text is still the placeholder.
func (m *StreamingMessage) IsPlaceholder() bool { return m.placeholder }

// Sent reports whether the message has been rendered at least once.
func (m *StreamingMessage) Sent() bool { return m.sent }

// Snapshot returns a copy of the current state.
func (m *StreamingMessage) Snapshot() MessageSnapshot {
	snap := MessageSnapshot{Content: m.content}
	if len(m.elements) > 0 {
		snap.Elements = make([]models.Element, len(m.elements))
		copy(snap.Elements, m.elements)
	}
	return snap
}
