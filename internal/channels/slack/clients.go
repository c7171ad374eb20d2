package slack

import (
	"context"
	"io"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

// APIClient is the subset of the Slack Web API the adapter uses.
type APIClient interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	UploadFileV2Context(ctx context.Context, params slack.UploadFileV2Parameters) (*slack.FileSummary, error)
	GetFileContext(ctx context.Context, downloadURL string, writer io.Writer) error
}

var _ APIClient = (*slack.Client)(nil)

// SocketClient receives Events API traffic over Socket Mode.
type SocketClient interface {
	RunContext(ctx context.Context) error
	Ack(req socketmode.Request, payload ...interface{})
	Incoming() <-chan socketmode.Event
}

// socketModeClient exposes the Events field of socketmode.Client as a method.
type socketModeClient struct {
	*socketmode.Client
}

func (c socketModeClient) Incoming() <-chan socketmode.Event {
	return c.Client.Events
}

func newClients(cfg Config) (APIClient, SocketClient) {
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	socket := socketmode.New(api, socketmode.OptionDebug(false))
	return api, socketModeClient{socket}
}
