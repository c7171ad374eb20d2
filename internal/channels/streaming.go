package channels

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/haasonsaas/atlas/internal/agent"
	"github.com/haasonsaas/atlas/pkg/models"
)

// StreamingBehavior defines how a platform shows a message that grows while
// the assistant streams.
type StreamingBehavior struct {
	// UpdateInterval is the minimum time between edits of the same message.
	// Zero pushes every token.
	UpdateInterval time.Duration

	// MaxMessageLength is the platform limit in characters. Zero means none.
	MaxMessageLength int
}

// DefaultStreamingBehaviors holds the edit limits of each platform.
var DefaultStreamingBehaviors = map[models.ChannelType]StreamingBehavior{
	models.ChannelSlack: {
		UpdateInterval:   time.Second, // chat.update is tier 3
		MaxMessageLength: 40000,
	},
	models.ChannelDiscord: {
		UpdateInterval:   time.Second,
		MaxMessageLength: 2000,
	},
	models.ChannelTelegram: {
		UpdateInterval:   2 * time.Second,
		MaxMessageLength: 4096,
	},
}

// BehaviorFor returns the behavior of channel. A positive interval
// overrides the platform default.
func BehaviorFor(channel models.ChannelType, interval time.Duration) StreamingBehavior {
	behavior := DefaultStreamingBehaviors[channel]
	if interval > 0 {
		behavior.UpdateInterval = interval
	}
	return behavior
}

// Poster is the platform side of a message edited in place.
type Poster interface {
	// Post sends a new text message and returns its platform id.
	Post(ctx context.Context, text string) (string, error)

	// Edit replaces the text of a posted message.
	Edit(ctx context.Context, messageID, text string) error

	// PostImage uploads an image next to the message.
	PostImage(ctx context.Context, el models.Element) error
}

// emptyText stands in for an empty message; platforms reject blank posts.
const emptyText = "…"

// EditRenderer draws a streaming message on a platform that can only post
// and edit whole messages. Token pushes are throttled; Update and Finish
// always reach the platform so the final state is exact.
//
// An EditRenderer belongs to one turn and is not safe for concurrent use.
type EditRenderer struct {
	poster   Poster
	behavior StreamingBehavior
	limiter  *rate.Limiter

	messageID string
	content   string
	shown     string
	images    int
}

var (
	_ agent.Renderer = (*EditRenderer)(nil)
	_ Finisher       = (*EditRenderer)(nil)
)

// NewEditRenderer creates a renderer for one message.
func NewEditRenderer(poster Poster, behavior StreamingBehavior) *EditRenderer {
	limit := rate.Inf
	if behavior.UpdateInterval > 0 {
		limit = rate.Every(behavior.UpdateInterval)
	}
	return &EditRenderer{
		poster:   poster,
		behavior: behavior,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// Create posts the message.
func (r *EditRenderer) Create(ctx context.Context, snap agent.MessageSnapshot) error {
	r.content = snap.Content
	r.limiter.Allow()
	if err := r.push(ctx); err != nil {
		return err
	}
	return r.postImages(ctx, snap.Elements)
}

// StreamToken appends token and edits the message when the rate allows.
func (r *EditRenderer) StreamToken(ctx context.Context, token string) error {
	r.content += token
	if !r.limiter.Allow() {
		return nil
	}
	return r.push(ctx)
}

// Update replaces the message with snap.
func (r *EditRenderer) Update(ctx context.Context, snap agent.MessageSnapshot) error {
	r.content = snap.Content
	r.limiter.Allow()
	if err := r.push(ctx); err != nil {
		return err
	}
	return r.postImages(ctx, snap.Elements)
}

// Finish pushes any tokens the limiter held back. The turn may end without
// a final Update when the run is cancelled or fails mid-message.
func (r *EditRenderer) Finish(ctx context.Context) error {
	if r.messageID == "" {
		return nil
	}
	return r.push(ctx)
}

// MessageID returns the platform id of the posted message.
func (r *EditRenderer) MessageID() string { return r.messageID }

func (r *EditRenderer) push(ctx context.Context) error {
	text := Truncate(r.content, r.behavior.MaxMessageLength)
	if text == "" {
		text = emptyText
	}
	if r.messageID != "" && text == r.shown {
		return nil
	}
	if r.messageID == "" {
		id, err := r.poster.Post(ctx, text)
		if err != nil {
			return fmt.Errorf("post message: %w", err)
		}
		r.messageID = id
	} else if err := r.poster.Edit(ctx, r.messageID, text); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	r.shown = text
	return nil
}

// postImages uploads the elements not posted yet. Elements only ever get
// appended, so the count of posted ones is enough.
func (r *EditRenderer) postImages(ctx context.Context, elements []models.Element) error {
	for r.images < len(elements) {
		if err := r.poster.PostImage(ctx, elements[r.images]); err != nil {
			return fmt.Errorf("post image: %w", err)
		}
		r.images++
	}
	return nil
}

// Truncate shortens s to at most max characters, marking the cut with an
// ellipsis. A max of zero or less disables truncation.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	if max == 1 {
		return emptyText
	}
	runes := []rune(s)
	return string(runes[:max-1]) + emptyText
}

// NotifyPoster posts text as a standalone message through p.
func NotifyPoster(ctx context.Context, p Poster, behavior StreamingBehavior, text string) error {
	if text == "" {
		return nil
	}
	_, err := p.Post(ctx, Truncate(text, behavior.MaxMessageLength))
	return err
}

// ImageFilename names an uploaded image element, adding an extension from
// its MIME type when the name has none.
func ImageFilename(el models.Element) string {
	if strings.Contains(el.Name, ".") {
		return el.Name
	}
	switch el.MimeType {
	case "image/jpeg":
		return el.Name + ".jpg"
	case "image/gif":
		return el.Name + ".gif"
	default:
		return el.Name + ".png"
	}
}
