package channels

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/atlas/internal/agent"
	"github.com/haasonsaas/atlas/pkg/models"
)

type recordingPoster struct {
	posts   []string
	edits   []string
	images  []string
	postErr error
}

func (p *recordingPoster) Post(_ context.Context, text string) (string, error) {
	if p.postErr != nil {
		return "", p.postErr
	}
	p.posts = append(p.posts, text)
	return "msg-1", nil
}

func (p *recordingPoster) Edit(_ context.Context, id, text string) error {
	if id != "msg-1" {
		return errors.New("unknown message " + id)
	}
	p.edits = append(p.edits, text)
	return nil
}

func (p *recordingPoster) PostImage(_ context.Context, el models.Element) error {
	p.images = append(p.images, el.Name)
	return nil
}

func TestEditRendererUnthrottled(t *testing.T) {
	poster := &recordingPoster{}
	r := NewEditRenderer(poster, StreamingBehavior{})
	ctx := context.Background()

	if err := r.Create(ctx, agent.MessageSnapshot{Content: "Thinking..."}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := r.Update(ctx, agent.MessageSnapshot{}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	for _, tok := range []string{"Hel", "lo"} {
		if err := r.StreamToken(ctx, tok); err != nil {
			t.Fatalf("StreamToken() error = %v", err)
		}
	}

	if len(poster.posts) != 1 || poster.posts[0] != "Thinking..." {
		t.Fatalf("posts = %q", poster.posts)
	}
	want := []string{"…", "Hel", "Hello"}
	if strings.Join(poster.edits, "|") != strings.Join(want, "|") {
		t.Fatalf("edits = %q, want %q", poster.edits, want)
	}
	if r.MessageID() != "msg-1" {
		t.Fatalf("message id = %q", r.MessageID())
	}
}

func TestEditRendererThrottlesTokensButNotUpdates(t *testing.T) {
	poster := &recordingPoster{}
	r := NewEditRenderer(poster, StreamingBehavior{UpdateInterval: time.Hour})
	ctx := context.Background()

	if err := r.Create(ctx, agent.MessageSnapshot{Content: "Thinking..."}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for _, tok := range []string{"a", "b", "c"} {
		if err := r.StreamToken(ctx, tok); err != nil {
			t.Fatalf("StreamToken() error = %v", err)
		}
	}
	if len(poster.edits) != 0 {
		t.Fatalf("tokens should be throttled, edits = %q", poster.edits)
	}

	if err := r.Update(ctx, agent.MessageSnapshot{Content: "abc"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(poster.edits) != 1 || poster.edits[0] != "abc" {
		t.Fatalf("edits = %q", poster.edits)
	}

	// identical state is not pushed twice
	if err := r.Update(ctx, agent.MessageSnapshot{Content: "abc"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(poster.edits) != 1 {
		t.Fatalf("duplicate edit pushed: %q", poster.edits)
	}
}

func TestEditRendererFinishPushesHeldTokens(t *testing.T) {
	poster := &recordingPoster{}
	r := NewEditRenderer(poster, StreamingBehavior{UpdateInterval: time.Hour})
	ctx := context.Background()

	if err := r.Finish(ctx); err != nil {
		t.Fatalf("Finish() before Create error = %v", err)
	}
	if len(poster.posts) != 0 {
		t.Fatalf("Finish without a message posted %q", poster.posts)
	}

	if err := r.Create(ctx, agent.MessageSnapshot{Content: "Par"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := r.StreamToken(ctx, "tial"); err != nil {
		t.Fatalf("StreamToken() error = %v", err)
	}
	if err := r.Finish(ctx); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if err := r.Finish(ctx); err != nil {
		t.Fatalf("second Finish() error = %v", err)
	}
	if strings.Join(poster.edits, "|") != "Partial" {
		t.Fatalf("edits = %q", poster.edits)
	}
}

type eventList struct {
	events []models.Event
}

func (s *eventList) Recv() (models.Event, error) {
	if len(s.events) == 0 {
		return models.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *eventList) Close() error { return nil }

func TestEditRendererKeepsPartialAnswerOfCancelledRun(t *testing.T) {
	poster := &recordingPoster{}
	r := NewEditRenderer(poster, StreamingBehavior{UpdateInterval: time.Hour})
	d := agent.NewDispatcher(nil, agent.NewToolRegistry(), agent.DefaultDispatcherOptions())
	run := &models.Run{ID: "run_1", Status: models.RunStatusCancelled}
	stream := &eventList{events: []models.Event{
		{Kind: models.EventRunCreated, Run: &models.Run{ID: "run_1", Status: models.RunStatusQueued}},
		{Kind: models.EventTextCreated},
		{Kind: models.EventTextDelta, Text: "Partial "},
		{Kind: models.EventTextDelta, Text: "answer"},
		{Kind: models.EventRunCancelled, Run: run},
	}}

	result, err := d.Handle(context.Background(), "thread_1", stream, r)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if err := r.Finish(context.Background()); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if result.Content != "Partial answer" {
		t.Fatalf("content = %q", result.Content)
	}
	if len(poster.edits) == 0 || poster.edits[len(poster.edits)-1] != "Partial answer" {
		t.Fatalf("platform shows %q, want the partial answer", poster.edits)
	}
}

func TestEditRendererPostsEachImageOnce(t *testing.T) {
	poster := &recordingPoster{}
	r := NewEditRenderer(poster, StreamingBehavior{})
	ctx := context.Background()

	first := models.Element{Name: "file_1", MimeType: "image/png"}
	second := models.Element{Name: "file_2", MimeType: "image/png"}
	if err := r.Create(ctx, agent.MessageSnapshot{Content: "x"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := r.Update(ctx, agent.MessageSnapshot{Content: "x", Elements: []models.Element{first}}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := r.Update(ctx, agent.MessageSnapshot{Content: "x", Elements: []models.Element{first, second}}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if strings.Join(poster.images, ",") != "file_1,file_2" {
		t.Fatalf("images = %q", poster.images)
	}
}

func TestEditRendererPostFailure(t *testing.T) {
	poster := &recordingPoster{postErr: errors.New("boom")}
	r := NewEditRenderer(poster, StreamingBehavior{})
	err := r.Create(context.Background(), agent.MessageSnapshot{Content: "x"})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected post error, got %v", err)
	}
}

func TestEditRendererTruncates(t *testing.T) {
	poster := &recordingPoster{}
	r := NewEditRenderer(poster, StreamingBehavior{MaxMessageLength: 5})
	if err := r.Create(context.Background(), agent.MessageSnapshot{Content: "abcdefgh"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if poster.posts[0] != "abcd…" {
		t.Fatalf("post = %q", poster.posts[0])
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 0, "hello"},
		{"hello", 5, "hello"},
		{"hello", 4, "hel…"},
		{"héllo", 3, "hé…"},
		{"hello", 1, "…"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.max); got != tt.want {
			t.Fatalf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestBehaviorFor(t *testing.T) {
	if got := BehaviorFor(models.ChannelDiscord, 0); got.MaxMessageLength != 2000 || got.UpdateInterval != time.Second {
		t.Fatalf("discord behavior = %+v", got)
	}
	if got := BehaviorFor(models.ChannelTelegram, 5*time.Second); got.UpdateInterval != 5*time.Second {
		t.Fatalf("override ignored: %+v", got)
	}
	if got := BehaviorFor(models.ChannelWeb, 0); got != (StreamingBehavior{}) {
		t.Fatalf("web behavior = %+v", got)
	}
}
