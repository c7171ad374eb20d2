// Package slack connects a Slack app over Socket Mode.
//
// Direct messages share one session per DM channel. In public channels the
// bot answers mentions and thread replies, and each thread is its own
// session. Replies are edited in place while the assistant streams.
package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/haasonsaas/atlas/internal/agent"
	"github.com/haasonsaas/atlas/internal/channels"
	"github.com/haasonsaas/atlas/pkg/models"
)

// DefaultMaxDownloadBytes bounds a single shared file.
const DefaultMaxDownloadBytes = 20 << 20

// Config holds the configuration for the Slack adapter.
type Config struct {
	BotToken string // xoxb- token for API calls
	AppToken string // xapp- token for Socket Mode

	// EditInterval overrides the minimum time between streaming edits.
	EditInterval     time.Duration
	MaxDownloadBytes int64
	Logger           *slog.Logger

	// API and Socket replace the real clients in tests.
	API    APIClient
	Socket SocketClient
}

// Adapter implements channels.Adapter for Slack.
type Adapter struct {
	cfg      Config
	api      APIClient
	socket   SocketClient
	logger   *slog.Logger
	behavior channels.StreamingBehavior
	events   chan channels.Event

	statusMu sync.RWMutex
	status   channels.Status

	mu        sync.RWMutex
	closed    bool
	botUserID string

	cancel context.CancelFunc
	wg     sync.WaitGroup
	stop   sync.Once
}

// NewAdapter creates a new Slack adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if cfg.API == nil || cfg.Socket == nil {
		if cfg.BotToken == "" || cfg.AppToken == "" {
			return nil, errors.New("slack: bot_token and app_token are required")
		}
		api, socket := newClients(cfg)
		if cfg.API == nil {
			cfg.API = api
		}
		if cfg.Socket == nil {
			cfg.Socket = socket
		}
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
		api:      cfg.API,
		socket:   cfg.Socket,
		logger:   logger.With("channel", string(models.ChannelSlack)),
		behavior: channels.BehaviorFor(models.ChannelSlack, cfg.EditInterval),
		events:   make(chan channels.Event, 100),
	}, nil
}

// Start authenticates and begins listening via Socket Mode.
func (a *Adapter) Start(ctx context.Context) error {
	auth, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to authenticate with Slack: %w", err)
	}
	a.mu.Lock()
	a.botUserID = auth.UserID
	a.mu.Unlock()
	a.logger.Info("slack adapter started", "bot_user_id", auth.UserID, "team", auth.Team)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	a.wg.Add(2)
	go a.handleEvents(runCtx)
	go func() {
		defer a.wg.Done()
		if err := a.socket.RunContext(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.updateStatus(false, fmt.Sprintf("socket mode error: %v", err))
			a.logger.Error("socket mode stopped", "error", err)
		}
	}()

	a.updateStatus(true, "")
	return nil
}

// Stop disconnects and closes the event channel.
func (a *Adapter) Stop(ctx context.Context) error {
	var err error
	a.stop.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			a.updateStatus(false, "")
		case <-ctx.Done():
			a.updateStatus(false, "shutdown timeout")
			err = ctx.Err()
		}
		a.mu.Lock()
		a.closed = true
		close(a.events)
		a.mu.Unlock()
	})
	return err
}

func (a *Adapter) Events() <-chan channels.Event { return a.events }

func (a *Adapter) Type() models.ChannelType { return models.ChannelSlack }

func (a *Adapter) Status() channels.Status {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.status
}

func (a *Adapter) updateStatus(connected bool, errMsg string) {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	a.status.Connected = connected
	a.status.Error = errMsg
	if connected {
		a.status.LastPing = time.Now().Unix()
	}
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
	}
}

func (a *Adapter) handleEvents(ctx context.Context) {
	defer a.wg.Done()
	incoming := a.socket.Incoming()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-incoming:
			if !ok {
				return
			}
			a.statusMu.Lock()
			a.status.LastPing = time.Now().Unix()
			a.statusMu.Unlock()

			switch event.Type {
			case socketmode.EventTypeConnecting:
				a.logger.Debug("connecting to socket mode")
			case socketmode.EventTypeConnectionError:
				a.logger.Warn("socket mode connection error", "data", event.Data)
				a.updateStatus(false, "connection error")
			case socketmode.EventTypeConnected:
				a.logger.Info("connected to socket mode")
				a.updateStatus(true, "")
			case socketmode.EventTypeEventsAPI:
				a.handleEventsAPI(ctx, event)
			case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
				if event.Request != nil {
					a.socket.Ack(*event.Request)
				}
			}
		}
	}
}

func (a *Adapter) handleEventsAPI(ctx context.Context, event socketmode.Event) {
	if event.Request != nil {
		a.socket.Ack(*event.Request)
	}
	apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
	if !ok || apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		// The same message also arrives as a message event in channels the
		// bot is a member of; the gateway drops the duplicate by id.
		a.handleMessage(ctx, &slackevents.MessageEvent{
			Type:            "message",
			User:            ev.User,
			Text:            ev.Text,
			Channel:         ev.Channel,
			TimeStamp:       ev.TimeStamp,
			ThreadTimeStamp: ev.ThreadTimeStamp,
		}, true)
	case *slackevents.MessageEvent:
		if ev.BotID != "" || (ev.SubType != "" && ev.SubType != "file_share") {
			return
		}
		a.handleMessage(ctx, ev, false)
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *slackevents.MessageEvent, mentioned bool) {
	a.mu.RLock()
	botUserID := a.botUserID
	a.mu.RUnlock()
	if msg.User == botUserID {
		return
	}

	isDM := msg.ChannelType == "im" || strings.HasPrefix(msg.Channel, "D")
	if !mentioned {
		mentioned = strings.Contains(msg.Text, "<@"+botUserID+">")
	}
	if !isDM && !mentioned && msg.ThreadTimeStamp == "" {
		return
	}

	conv := &conversation{adapter: a, channelID: msg.Channel}
	conversationID := msg.Channel
	if !isDM {
		conv.threadTS = msg.ThreadTimeStamp
		if conv.threadTS == "" {
			conv.threadTS = msg.TimeStamp
		}
		conversationID = msg.Channel + ":" + conv.threadTS
	}

	text := stripMentions(msg.Text)
	ev := channels.Event{
		Kind:           channels.EventMessageReceived,
		Channel:        models.ChannelSlack,
		ConversationID: conversationID,
		MessageID:      msg.Channel + ":" + msg.TimeStamp,
		UserID:         msg.User,
		Text:           text,
		Reply:          conv,
		ReceivedAt:     parseTimestamp(msg.TimeStamp),
	}
	if kind, ok := channels.ParseCommand(text); ok {
		ev.Kind = kind
		ev.Text = ""
		a.emit(ctx, ev)
		return
	}

	if msg.Message != nil {
		ev.Uploads = a.downloadFiles(ctx, msg.Message.Files)
	}
	a.emit(ctx, ev)
}

func (a *Adapter) downloadFiles(ctx context.Context, files []slack.File) []models.Upload {
	uploads := make([]models.Upload, 0, len(files))
	for _, file := range files {
		if int64(file.Size) > a.cfg.MaxDownloadBytes {
			a.logger.Warn("shared file too large", "file", file.Name, "size", file.Size)
			continue
		}
		var buf bytes.Buffer
		if err := a.api.GetFileContext(ctx, file.URLPrivateDownload, &buf); err != nil {
			a.logger.Warn("failed to download shared file", "file", file.Name, "error", err)
			continue
		}
		uploads = append(uploads, models.Upload{Name: file.Name, MimeType: file.Mimetype, Data: buf.Bytes()})
	}
	return uploads
}

var mentionPattern = regexp.MustCompile(`<@[A-Z0-9]+>`)

func stripMentions(text string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
}

// parseTimestamp converts a Slack "seconds.micros" timestamp.
func parseTimestamp(ts string) time.Time {
	var sec, usec int64
	if _, err := fmt.Sscanf(ts, "%d.%d", &sec, &usec); err != nil {
		return time.Now()
	}
	return time.Unix(sec, usec*1000)
}

// conversation replies in a DM or a channel thread.
type conversation struct {
	adapter   *Adapter
	channelID string
	threadTS  string
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

func (c *conversation) options(text string) []slack.MsgOption {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if c.threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(c.threadTS))
	}
	return opts
}

func (c *conversation) Post(ctx context.Context, text string) (string, error) {
	_, ts, err := c.adapter.api.PostMessageContext(ctx, c.channelID, c.options(text)...)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	return ts, nil
}

func (c *conversation) Edit(ctx context.Context, messageID, text string) error {
	if _, _, _, err := c.adapter.api.UpdateMessageContext(ctx, c.channelID, messageID, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("slack update: %w", err)
	}
	return nil
}

// PostImage uploads inline image bytes, or links a hosted image with an
// image block.
func (c *conversation) PostImage(ctx context.Context, el models.Element) error {
	if len(el.Data) > 0 {
		_, err := c.adapter.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
			Reader:          bytes.NewReader(el.Data),
			FileSize:        len(el.Data),
			Filename:        channels.ImageFilename(el),
			Title:           el.Name,
			Channel:         c.channelID,
			ThreadTimestamp: c.threadTS,
		})
		if err != nil {
			return fmt.Errorf("slack upload: %w", err)
		}
		return nil
	}
	if el.URL == "" {
		return nil
	}
	block := slack.NewImageBlock(el.URL, el.Name, "", nil)
	opts := []slack.MsgOption{slack.MsgOptionBlocks(block), slack.MsgOptionText(el.Name, false)}
	if c.threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(c.threadTS))
	}
	if _, _, err := c.adapter.api.PostMessageContext(ctx, c.channelID, opts...); err != nil {
		return fmt.Errorf("slack post image: %w", err)
	}
	return nil
}
