package bot

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"circulation/internal/circulation"
	"circulation/internal/storage"
)

// NewBot creates the desk bot on an authenticated Telegram API client.
// journal may be nil, in which case /last reports that the journal is disabled.
func NewBot(api *tgbotapi.BotAPI, svc *circulation.Service, journal storage.Journal, allowedUserIDs []int64, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}

	allowedUsers := make(map[int64]bool)
	for _, id := range allowedUserIDs {
		allowedUsers[id] = true
	}

	b := &Bot{
		api:          api,
		svc:          svc,
		journal:      journal,
		allowedUsers: allowedUsers,
		states:       make(map[int64]*ConversationState),
		logger:       logger,
	}
	if api != nil {
		b.out = api
		logger.Info("Bot created", zap.String("bot_username", api.Self.UserName))
	}
	return b
}
