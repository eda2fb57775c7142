package bot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"circulation/internal/circulation"
)

var paymentMethods = []string{"cash", "card", "transfer"}

// handleConversation processes multi-step conversations
func (b *Bot) handleConversation(ctx context.Context, message *tgbotapi.Message, state *ConversationState) {
	userID := message.From.ID

	switch state.Command {
	case "pay":
		b.handlePayConversation(ctx, message, state)
	}

	// Clean up completed conversations
	if state.Step == -1 {
		b.endConversation(userID)
	}
}

// handlePayStart asks how the fine of a returned loan was paid
func (b *Bot) handlePayStart(ctx context.Context, message *tgbotapi.Message, args []string) {
	if len(args) != 1 {
		b.sendText(message.Chat.ID, "Usage: /pay <borrow_id>")
		return
	}

	b.beginConversation(message.From.ID, &ConversationState{
		Command: "pay",
		Step:    1,
		Data:    map[string]interface{}{"borrow_id": args[0]},
	})

	msg := tgbotapi.NewMessage(message.Chat.ID, "💳 How was the fine paid? Pick a method or type it:")
	var row []tgbotapi.InlineKeyboardButton
	for _, m := range paymentMethods {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(m, "method:"+m))
	}
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(row)
	b.sendMessage(msg)
}

// handlePayConversation accepts a typed payment method
func (b *Bot) handlePayConversation(ctx context.Context, message *tgbotapi.Message, state *ConversationState) {
	switch state.Step {
	case 1: // Waiting for payment method
		method := strings.ToLower(strings.TrimSpace(message.Text))
		if method == "" {
			b.sendText(message.Chat.ID, "❌ Please enter a payment method, e.g. cash")
			return
		}
		b.settleFine(ctx, message.Chat.ID, message.From.ID, state, method)
	}
}

// settleFine records the payment and completes the conversation
func (b *Bot) settleFine(ctx context.Context, chatID, staffID int64, state *ConversationState, method string) {
	borrowID, _ := state.Data["borrow_id"].(string)
	state.Step = -1 // Mark conversation as complete

	result, err := b.svc.MarkFinePaid(ctx, circulation.SettlementRequest{
		BorrowID: borrowID,
		Method:   method,
	})
	if err != nil {
		b.replyError(chatID, "Payment", err)
		return
	}

	b.logger.Info("Fine settled at desk",
		zap.Int64("staff_id", staffID),
		zap.String("borrow_id", borrowID),
		zap.String("method", method),
		zap.Bool("replayed", result.Replayed),
	)

	text := fmt.Sprintf("✅ Fine of %s paid by %s\nRemaining balance: %s", result.Amount, method, result.FineBalance)
	if result.Replayed {
		text = fmt.Sprintf("ℹ️ Fine of borrow %s was already settled (%s)", borrowID, result.Amount)
	}
	b.sendText(chatID, text)
}
