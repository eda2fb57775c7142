package bot

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// handleMethodCallback processes payment method selection from inline keyboard
func (b *Bot) handleMethodCallback(ctx context.Context, query *tgbotapi.CallbackQuery, state *ConversationState) {
	if state.Command != "pay" || state.Step != 1 || query.Message == nil {
		return
	}
	method := strings.TrimPrefix(query.Data, "method:")
	b.settleFine(ctx, query.Message.Chat.ID, query.From.ID, state, method)
}

// handleSweepCallback processes sweep selection from inline keyboard
func (b *Bot) handleSweepCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	if query.Message == nil {
		return
	}
	b.runSweep(ctx, query.Message.Chat.ID, query.From.ID, strings.TrimPrefix(query.Data, "sweep:"))
}
