// Package telegram connects a Telegram bot by long polling.
//
// Each chat is one session. In groups the bot answers messages that mention
// it or reply to it.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/haasonsaas/atlas/internal/agent"
	"github.com/haasonsaas/atlas/internal/channels"
	atlasmodels "github.com/haasonsaas/atlas/pkg/models"
)

// DefaultMaxDownloadBytes is the Bot API download limit.
const DefaultMaxDownloadBytes = 20 << 20

// Config holds configuration for the Telegram adapter.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string

	// EditInterval overrides the minimum time between streaming edits.
	EditInterval     time.Duration
	MaxDownloadBytes int64
	HTTPClient       *http.Client
	Logger           *slog.Logger

	// Client replaces the real bot in tests.
	Client BotClient
}

// Adapter implements channels.Adapter for Telegram.
type Adapter struct {
	cfg      Config
	client   BotClient
	logger   *slog.Logger
	behavior channels.StreamingBehavior
	events   chan channels.Event

	mu       sync.RWMutex
	status   channels.Status
	username string
	botID    int64
	closed   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter creates a new Telegram adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if cfg.Token == "" && cfg.Client == nil {
		return nil, errors.New("telegram: bot_token is required")
	}
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = DefaultMaxDownloadBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		cfg:      cfg,
		client:   cfg.Client,
		logger:   logger.With("channel", string(atlasmodels.ChannelTelegram)),
		behavior: channels.BehaviorFor(atlasmodels.ChannelTelegram, cfg.EditInterval),
		events:   make(chan channels.Event, 100),
	}
	return a, nil
}

// Start verifies the token and begins long polling.
func (a *Adapter) Start(ctx context.Context) error {
	if a.client == nil {
		client, err := newBotClient(a.cfg.Token, a.handleUpdate)
		if err != nil {
			return fmt.Errorf("create telegram bot: %w", err)
		}
		a.client = client
	}
	me, err := a.client.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	a.mu.Lock()
	a.username = me.Username
	a.botID = me.ID
	a.status = channels.Status{Connected: true, LastPing: time.Now().Unix()}
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.client.Start(runCtx)
	}()

	a.logger.Info("telegram adapter started", "username", me.Username)
	return nil
}

// Stop ends polling and closes the event channel.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	a.mu.Lock()
	a.status.Connected = false
	close(a.events)
	a.mu.Unlock()
	return err
}

func (a *Adapter) Events() <-chan channels.Event { return a.events }

func (a *Adapter) Type() atlasmodels.ChannelType { return atlasmodels.ChannelTelegram }

func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// handleUpdate is the bot's default handler and receives every update.
func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return
	}

	a.mu.Lock()
	a.status.LastPing = time.Now().Unix()
	username, botID := a.username, a.botID
	a.mu.Unlock()

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	private := msg.Chat.Type == models.ChatTypePrivate
	if !private && !addressed(msg, text, username, botID) {
		return
	}
	text = stripMention(text, username)

	chatID := msg.Chat.ID
	conv := &conversation{adapter: a, chatID: chatID, replyTo: msg.ID}
	ev := channels.Event{
		Kind:           channels.EventMessageReceived,
		Channel:        atlasmodels.ChannelTelegram,
		ConversationID: strconv.FormatInt(chatID, 10),
		MessageID:      strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(msg.ID),
		UserID:         strconv.FormatInt(msg.From.ID, 10),
		Text:           text,
		Reply:          conv,
		ReceivedAt:     time.Unix(int64(msg.Date), 0),
	}
	if kind, ok := channels.ParseCommand(text); ok {
		ev.Kind = kind
		ev.Text = ""
	} else {
		ev.Uploads = a.downloadFiles(ctx, msg)
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

// addressed reports whether a group message is meant for the bot.
func addressed(msg *models.Message, text, username string, botID int64) bool {
	if username != "" && strings.Contains(text, "@"+username) {
		return true
	}
	return msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.ID == botID
}

func stripMention(text, username string) string {
	if username != "" {
		text = strings.ReplaceAll(text, "@"+username, "")
	}
	return strings.TrimSpace(text)
}

type remoteFile struct {
	id   string
	name string
	mime string
	size int64
}

func (a *Adapter) downloadFiles(ctx context.Context, msg *models.Message) []atlasmodels.Upload {
	var files []remoteFile
	if doc := msg.Document; doc != nil {
		files = append(files, remoteFile{id: doc.FileID, name: doc.FileName, mime: doc.MimeType, size: doc.FileSize})
	}
	if len(msg.Photo) > 0 {
		// sizes are ordered small to large
		photo := msg.Photo[len(msg.Photo)-1]
		files = append(files, remoteFile{id: photo.FileID, name: photo.FileUniqueID + ".jpg", mime: "image/jpeg", size: int64(photo.FileSize)})
	}

	uploads := make([]atlasmodels.Upload, 0, len(files))
	for _, f := range files {
		if f.size > a.cfg.MaxDownloadBytes {
			a.logger.Warn("file too large", "file", f.name, "size", f.size)
			continue
		}
		info, err := a.client.GetFile(ctx, &bot.GetFileParams{FileID: f.id})
		if err != nil {
			a.logger.Warn("telegram getFile failed", "file", f.name, "error", err)
			continue
		}
		data, err := channels.Download(ctx, a.cfg.HTTPClient, a.client.FileDownloadLink(info), a.cfg.MaxDownloadBytes)
		if err != nil {
			a.logger.Warn("failed to download file", "file", f.name, "error", err)
			continue
		}
		uploads = append(uploads, atlasmodels.Upload{Name: f.name, MimeType: f.mime, Data: data})
	}
	return uploads
}

// conversation answers in one chat. The first post replies to the user's
// message.
type conversation struct {
	adapter *Adapter
	chatID  int64
	replyTo int
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
	params := &bot.SendMessageParams{ChatID: c.chatID, Text: text}
	if c.replyTo != 0 {
		params.ReplyParameters = &models.ReplyParameters{MessageID: c.replyTo}
	}
	msg, err := c.adapter.client.SendMessage(ctx, params)
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return strconv.Itoa(msg.ID), nil
}

func (c *conversation) Edit(ctx context.Context, messageID, text string) error {
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram message id %q: %w", messageID, err)
	}
	_, err = c.adapter.client.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    c.chatID,
		MessageID: id,
		Text:      text,
	})
	if err != nil && !strings.Contains(err.Error(), "message is not modified") {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

// PostImage uploads inline image bytes, or lets Telegram fetch a hosted
// image by URL.
func (c *conversation) PostImage(ctx context.Context, el atlasmodels.Element) error {
	var photo models.InputFile
	switch {
	case len(el.Data) > 0:
		photo = &models.InputFileUpload{Filename: channels.ImageFilename(el), Data: bytes.NewReader(el.Data)}
	case el.URL != "":
		photo = &models.InputFileString{Data: el.URL}
	default:
		return nil
	}
	if _, err := c.adapter.client.SendPhoto(ctx, &bot.SendPhotoParams{ChatID: c.chatID, Photo: photo}); err != nil {
		return fmt.Errorf("telegram send photo: %w", err)
	}
	return nil
}
