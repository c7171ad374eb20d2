package discord

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/atlas/internal/agent"
	"github.com/haasonsaas/atlas/internal/channels"
	"github.com/haasonsaas/atlas/pkg/models"
)

// mockDiscordSession is a mock implementation for testing
type mockDiscordSession struct {
	openErrs    []error
	openCalls   int
	closeCalled bool
	sends       []*discordgo.MessageSend
	edits       []string
}

func (m *mockDiscordSession) Open() error {
	m.openCalls++
	if len(m.openErrs) > 0 {
		err := m.openErrs[0]
		m.openErrs = m.openErrs[1:]
		return err
	}
	return nil
}

func (m *mockDiscordSession) Close() error {
	m.closeCalled = true
	return nil
}

func (m *mockDiscordSession) AddHandler(interface{}) func() { return func() {} }

func (m *mockDiscordSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.sends = append(m.sends, data)
	return &discordgo.Message{ID: "bot-msg", ChannelID: channelID, Content: data.Content}, nil
}

func (m *mockDiscordSession) ChannelMessageEdit(channelID, messageID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.edits = append(m.edits, content)
	return &discordgo.Message{ID: messageID, ChannelID: channelID, Content: content}, nil
}

func newTestAdapter(t *testing.T, cfg Config) (*Adapter, *mockDiscordSession) {
	t.Helper()
	if cfg.Token == "" {
		cfg.Token = "test-token"
	}
	adapter, err := NewAdapter(cfg)
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	session := &mockDiscordSession{}
	adapter.session = session
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	adapter.handleReady(nil, &discordgo.Ready{User: &discordgo.User{ID: "bot"}})
	t.Cleanup(func() { _ = adapter.Stop(context.Background()) })
	return adapter, session
}

func receive(t *testing.T, adapter *Adapter) channels.Event {
	t.Helper()
	select {
	case ev := <-adapter.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return channels.Event{}
}

func TestNewAdapterRequiresToken(t *testing.T) {
	if _, err := NewAdapter(Config{}); err == nil {
		t.Fatalf("expected error for missing token")
	}
}

func TestStartRetriesOpen(t *testing.T) {
	adapter, err := NewAdapter(Config{Token: "t", ConnectAttempts: 2})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	session := &mockDiscordSession{openErrs: []error{errors.New("gateway busy")}}
	adapter.session = session
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if session.openCalls != 2 {
		t.Fatalf("open calls = %d", session.openCalls)
	}
	if !adapter.Status().Connected {
		t.Fatalf("expected connected")
	}
	if err := adapter.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !session.closeCalled {
		t.Fatalf("session not closed")
	}
}

func TestGuildMessagesNeedMention(t *testing.T) {
	adapter, _ := newTestAdapter(t, Config{})

	adapter.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "1", ChannelID: "c1", GuildID: "g1", Content: "chatter",
		Author: &discordgo.User{ID: "u1"},
	}})
	adapter.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "2", ChannelID: "c1", GuildID: "g1", Content: "ignored bot",
		Author: &discordgo.User{ID: "b2", Bot: true},
	}})
	adapter.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "3", ChannelID: "c1", GuildID: "g1", Content: "<@bot> map the cafes",
		Author:   &discordgo.User{ID: "u1"},
		Mentions: []*discordgo.User{{ID: "bot"}},
	}})

	ev := receive(t, adapter)
	if ev.MessageID != "3" || ev.Text != "map the cafes" || ev.ConversationID != "c1" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestDirectMessageDownloadsAttachments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "lat,lng\n")
	}))
	defer server.Close()

	adapter, _ := newTestAdapter(t, Config{HTTPClient: server.Client()})
	adapter.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "4", ChannelID: "dm1", Content: "",
		Author: &discordgo.User{ID: "u1"},
		Attachments: []*discordgo.MessageAttachment{{
			URL: server.URL + "/points.csv", Filename: "points.csv", ContentType: "text/csv", Size: 8,
		}},
	}})

	ev := receive(t, adapter)
	if len(ev.Uploads) != 1 || string(ev.Uploads[0].Data) != "lat,lng\n" || ev.Uploads[0].Name != "points.csv" {
		t.Fatalf("uploads = %+v", ev.Uploads)
	}
}

func TestResetCommand(t *testing.T) {
	adapter, _ := newTestAdapter(t, Config{})
	adapter.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "5", ChannelID: "dm1", Content: "reset", Author: &discordgo.User{ID: "u1"},
	}})
	if ev := receive(t, adapter); ev.Kind != channels.EventSessionEnded {
		t.Fatalf("kind = %q", ev.Kind)
	}
}

func TestRendererRepliesThenEdits(t *testing.T) {
	adapter, session := newTestAdapter(t, Config{EditInterval: time.Nanosecond})
	adapter.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "6", ChannelID: "dm1", Content: "hi", Author: &discordgo.User{ID: "u1"},
	}})
	ev := receive(t, adapter)

	ctx := context.Background()
	r := ev.Reply.NewRenderer()
	if err := r.Create(ctx, agent.MessageSnapshot{Content: "Thinking..."}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := r.Update(ctx, agent.MessageSnapshot{
		Content:  "Here is the map",
		Elements: []models.Element{{Name: "heatmap", MimeType: "image/png", URL: "https://atlas/artifacts/1"}},
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if len(session.sends) != 2 {
		t.Fatalf("sends = %d", len(session.sends))
	}
	first := session.sends[0]
	if first.Reference == nil || first.Reference.MessageID != "6" {
		t.Fatalf("first post should reply to the user message: %+v", first.Reference)
	}
	if len(session.edits) != 1 || session.edits[0] != "Here is the map" {
		t.Fatalf("edits = %q", session.edits)
	}
	image := session.sends[1]
	if len(image.Embeds) != 1 || image.Embeds[0].Image.URL != "https://atlas/artifacts/1" {
		t.Fatalf("image send = %+v", image)
	}
}

func TestLongRepliesAreTruncated(t *testing.T) {
	adapter, session := newTestAdapter(t, Config{})
	conv := &conversation{adapter: adapter, channelID: "dm1"}
	long := make([]byte, 2500)
	for i := range long {
		long[i] = 'a'
	}
	if err := conv.Notify(context.Background(), string(long)); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if got := len([]rune(session.sends[0].Content)); got != 2000 {
		t.Fatalf("content length = %d", got)
	}
}
