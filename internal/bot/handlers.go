package bot

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// handleMessage processes a single message
func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	// Recover from panics to prevent bot crashes
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Recovered from panic in handleMessage", zap.Any("panic", r))
			b.sendText(message.Chat.ID, "An error occurred while processing your request. Please try again.")
		}
	}()

	userID := message.From.ID

	// Check if user is in a conversation
	if state := b.state(userID); state != nil {
		if message.IsCommand() {
			// Allow any command to interrupt/cancel an ongoing conversation
			b.endConversation(userID)
		} else {
			// Not a command, continue the conversation
			b.handleConversation(ctx, message, state)
			return
		}
	}

	if !message.IsCommand() {
		return
	}

	args := strings.Fields(message.CommandArguments())
	switch message.Command() {
	case "start", "help":
		b.handleStart(message)
	case "return":
		b.handleReturn(ctx, message, args)
	case "renew":
		b.handleRenew(ctx, message, args)
	case "fines":
		b.handleFines(ctx, message, args)
	case "pay":
		b.handlePayStart(ctx, message, args)
	case "extend":
		b.handleExtend(ctx, message, args)
	case "restock":
		b.handleRestock(ctx, message, args)
	case "sweep":
		b.handleSweepStart(ctx, message, args)
	case "last":
		b.handleLast(ctx, message, args)
	default:
		b.sendText(message.Chat.ID, "Unknown command. Use /start to see available commands.")
	}
}

// handleCallbackQuery processes inline keyboard button clicks
func (b *Bot) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	// Recover from panics
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Recovered from panic in handleCallbackQuery", zap.Any("panic", r))
		}
	}()

	userID := query.From.ID

	// Answer the callback query to remove loading state
	if b.out != nil {
		if _, err := b.out.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
			b.logger.Warn("Failed to answer callback query", zap.Error(err))
		}
	}

	// Sweeps need no conversation
	if strings.HasPrefix(query.Data, "sweep:") {
		b.handleSweepCallback(ctx, query)
		return
	}

	state := b.state(userID)
	if state == nil {
		return
	}

	if strings.HasPrefix(query.Data, "method:") {
		b.handleMethodCallback(ctx, query, state)
	}

	// Clean up completed conversations
	if state.Step == -1 {
		b.endConversation(userID)
	}
}

func (b *Bot) state(userID int64) *ConversationState {
	b.statesMu.Lock()
	defer b.statesMu.Unlock()
	return b.states[userID]
}

func (b *Bot) beginConversation(userID int64, state *ConversationState) {
	b.statesMu.Lock()
	defer b.statesMu.Unlock()
	b.states[userID] = state
}

func (b *Bot) endConversation(userID int64) {
	b.statesMu.Lock()
	defer b.statesMu.Unlock()
	delete(b.states, userID)
}
