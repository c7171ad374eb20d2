// Package discord connects a Discord bot over the gateway websocket.
//
// Each Discord channel (or DM) is one session. In guild channels the bot
// only answers messages that mention it.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/atlas/internal/agent"
	"github.com/haasonsaas/atlas/internal/backoff"
	"github.com/haasonsaas/atlas/internal/channels"
	"github.com/haasonsaas/atlas/pkg/models"
)

// DefaultMaxDownloadBytes bounds a single attachment.
const DefaultMaxDownloadBytes = 20 << 20

// discordSession allows mocking the Discord session in tests.
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Config holds configuration for the Discord adapter.
type Config struct {
	// Token is the bot token from the Discord Developer Portal.
	Token string

	// ConnectAttempts bounds the initial connection attempts.
	ConnectAttempts int

	// EditInterval overrides the minimum time between streaming edits.
	EditInterval time.Duration

	MaxDownloadBytes int64
	HTTPClient       *http.Client
	Logger           *slog.Logger
}

// Adapter implements channels.Adapter for Discord.
type Adapter struct {
	cfg      Config
	session  discordSession
	logger   *slog.Logger
	behavior channels.StreamingBehavior
	events   chan channels.Event

	mu        sync.RWMutex
	status    channels.Status
	botUserID string
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewAdapter creates a new Discord adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: bot_token is required")
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 5
	}
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = DefaultMaxDownloadBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger.With("channel", string(models.ChannelDiscord)),
		behavior: channels.BehaviorFor(models.ChannelDiscord, cfg.EditInterval),
		events:   make(chan channels.Event, 100),
	}, nil
}

// Start opens the gateway connection and registers the event handlers.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status.Connected {
		return errors.New("discord adapter already started")
	}

	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.cfg.Token)
		if err != nil {
			return fmt.Errorf("create discord session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		a.session = dg
	}
	a.session.AddHandler(a.handleReady)
	a.session.AddHandler(a.handleDisconnect)
	a.session.AddHandler(a.handleMessageCreate)

	_, err := backoff.Retry(ctx, backoff.Policy{Initial: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: 0.1},
		a.cfg.ConnectAttempts, func(error) bool { return true },
		func(context.Context) (struct{}, error) {
			if err := a.session.Open(); err != nil {
				a.logger.Warn("discord connection attempt failed", "error", err)
				return struct{}{}, err
			}
			return struct{}{}, nil
		})
	if err != nil {
		return fmt.Errorf("connect to discord: %w", err)
	}

	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	a.status = channels.Status{Connected: true, LastPing: time.Now().Unix()}
	a.logger.Info("discord adapter started")
	return nil
}

// Stop closes the gateway connection and the event channel.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.cancel != nil {
		a.cancel()
	}
	close(a.events)

	var err error
	if a.session != nil && a.status.Connected {
		if err = a.session.Close(); err != nil {
			a.status.Error = err.Error()
			err = fmt.Errorf("close discord session: %w", err)
		}
	}
	a.status.Connected = false
	return err
}

func (a *Adapter) Events() <-chan channels.Event { return a.events }

func (a *Adapter) Type() models.ChannelType { return models.ChannelDiscord }

func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Adapter) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r.User != nil {
		a.botUserID = r.User.ID
	}
	a.status.Connected = true
	a.status.Error = ""
	a.status.LastPing = time.Now().Unix()
	a.logger.Info("discord ready", "bot_user_id", a.botUserID)
}

// handleDisconnect records the drop; discordgo reconnects on its own.
func (a *Adapter) handleDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.Error = "disconnected"
	a.logger.Warn("discord disconnected")
}

func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	a.mu.RLock()
	botUserID := a.botUserID
	ctx := a.ctx
	a.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if m.Author.ID == botUserID {
		return
	}

	isDM := m.GuildID == ""
	if !isDM && !mentions(m.Message, botUserID) {
		return
	}

	conv := &conversation{adapter: a, channelID: m.ChannelID, replyTo: m.ID}
	text := stripMention(m.Content, botUserID)
	ev := channels.Event{
		Kind:           channels.EventMessageReceived,
		Channel:        models.ChannelDiscord,
		ConversationID: m.ChannelID,
		MessageID:      m.ID,
		UserID:         m.Author.ID,
		Text:           text,
		Reply:          conv,
		ReceivedAt:     m.Timestamp,
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	if kind, ok := channels.ParseCommand(text); ok {
		ev.Kind = kind
		ev.Text = ""
	} else {
		ev.Uploads = a.downloadAttachments(ctx, m.Attachments)
	}
	a.emit(ctx, ev)
}

func (a *Adapter) emit(ctx context.Context, ev channels.Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- ev:
	case <-ctx.Done():
	default:
		a.logger.Warn("event channel full, dropping message", "conversation_id", ev.ConversationID)
	}
}

func (a *Adapter) downloadAttachments(ctx context.Context, attachments []*discordgo.MessageAttachment) []models.Upload {
	uploads := make([]models.Upload, 0, len(attachments))
	for _, att := range attachments {
		if int64(att.Size) > a.cfg.MaxDownloadBytes {
			a.logger.Warn("attachment too large", "file", att.Filename, "size", att.Size)
			continue
		}
		data, err := channels.Download(ctx, a.cfg.HTTPClient, att.URL, a.cfg.MaxDownloadBytes)
		if err != nil {
			a.logger.Warn("failed to download attachment", "file", att.Filename, "error", err)
			continue
		}
		uploads = append(uploads, models.Upload{Name: att.Filename, MimeType: att.ContentType, Data: data})
	}
	return uploads
}

func mentions(m *discordgo.Message, userID string) bool {
	if userID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

func stripMention(text, userID string) string {
	if userID != "" {
		text = strings.ReplaceAll(text, "<@"+userID+">", "")
		text = strings.ReplaceAll(text, "<@!"+userID+">", "")
	}
	return strings.TrimSpace(text)
}

// conversation answers in a Discord channel. The first post replies to
// the user's message.
type conversation struct {
	adapter   *Adapter
	channelID string
	replyTo   string
}

var (
	_ channels.Conversation = (*conversation)(nil)
	_ channels.Poster       = (*conversation)(nil)
)

func (c *conversation) NewRenderer() agent.Renderer {
	return channels.NewEditRenderer(c, c.adapter.behavior)
}

func (c *conversation) Notify(ctx context.Context, text string) error {
	return channels.NotifyPoster(ctx, c, c.adapter.behavior, text)
}

func (c *conversation) Post(ctx context.Context, text string) (string, error) {
	send := &discordgo.MessageSend{Content: text}
	if c.replyTo != "" {
		send.Reference = &discordgo.MessageReference{MessageID: c.replyTo, ChannelID: c.channelID}
	}
	msg, err := c.adapter.session.ChannelMessageSendComplex(c.channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord send: %w", err)
	}
	return msg.ID, nil
}

func (c *conversation) Edit(ctx context.Context, messageID, text string) error {
	if _, err := c.adapter.session.ChannelMessageEdit(c.channelID, messageID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord edit: %w", err)
	}
	return nil
}

// PostImage attaches inline image bytes, or embeds a hosted image.
func (c *conversation) PostImage(ctx context.Context, el models.Element) error {
	send := &discordgo.MessageSend{}
	switch {
	case len(el.Data) > 0:
		send.Files = []*discordgo.File{{
			Name:        channels.ImageFilename(el),
			ContentType: el.MimeType,
			Reader:      bytes.NewReader(el.Data),
		}}
	case el.URL != "":
		send.Embeds = []*discordgo.MessageEmbed{{
			Title: el.Name,
			Image: &discordgo.MessageEmbedImage{URL: el.URL},
		}}
	default:
		return nil
	}
	if _, err := c.adapter.session.ChannelMessageSendComplex(c.channelID, send, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send image: %w", err)
	}
	return nil
}
