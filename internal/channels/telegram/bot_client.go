package telegram

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// BotClient is the subset of *bot.Bot the adapter uses, so tests can
// inject a fake.
type BotClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)
	SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*models.Message, error)
	GetFile(ctx context.Context, params *bot.GetFileParams) (*models.File, error)
	GetMe(ctx context.Context) (*models.User, error)
	FileDownloadLink(f *models.File) string

	// Start long-polls for updates until ctx ends.
	Start(ctx context.Context)
}

var _ BotClient = (*bot.Bot)(nil)

// newBotClient creates a long-polling bot whose updates all go to handler.
func newBotClient(token string, handler bot.HandlerFunc) (BotClient, error) {
	return bot.New(token, bot.WithDefaultHandler(handler))
}
