package bot

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"circulation/internal/circulation"
	"circulation/internal/models"
)

const dateFormat = "2006-01-02 15:04"

// sendMessage sends a message, doing nothing when the bot has no API client
func (b *Bot) sendMessage(msg tgbotapi.MessageConfig) {
	if b.out == nil {
		return
	}
	if _, err := b.out.Send(msg); err != nil {
		b.logger.Warn("Failed to send message", zap.Error(err), zap.Int64("chat_id", msg.ChatID))
	}
}

func (b *Bot) sendText(chatID int64, text string) {
	b.sendMessage(tgbotapi.NewMessage(chatID, text))
}

// replyError reports a failed operation. Internal failures are logged and
// shown without details.
func (b *Bot) replyError(chatID int64, op string, err error) {
	if circulation.KindOf(err) == circulation.KindInternal {
		b.logger.Error("Desk command failed", zap.Error(err), zap.String("op", op))
	}
	b.sendText(chatID, fmt.Sprintf("❌ %s failed: %s", op, circulation.ReasonOf(err)))
}

func formatBorrow(rec models.BorrowRecord) string {
	var text strings.Builder
	fmt.Fprintf(&text, "Borrow %s\nUser: %s (%s)\nBook: %s\nDue: %s",
		rec.ID, rec.User.Name, rec.User.Email, rec.BookID, rec.DueDate.Format(dateFormat))
	if rec.ReturnDate != nil {
		fmt.Fprintf(&text, "\nReturned: %s", rec.ReturnDate.Format(dateFormat))
	}
	if rec.Fine > 0 {
		paid := "unpaid"
		if rec.FinePaid {
			paid = "paid"
		}
		fmt.Fprintf(&text, "\nFine: %s (%s)", rec.Fine, paid)
	}
	return text.String()
}

func formatAllocation(a circulation.Allocation) string {
	if len(a.Granted) == 0 && len(a.FineBlocked) == 0 && len(a.AlreadyHolding) == 0 {
		return ""
	}

	var text strings.Builder
	text.WriteString("\n\nWaiting list:")
	for _, rec := range a.Granted {
		fmt.Fprintf(&text, "\n✅ lent to %s (borrow %s)", rec.User.ID, rec.ID)
	}
	for _, id := range a.FineBlocked {
		fmt.Fprintf(&text, "\n⛔ user %s blocked by fines", id)
	}
	for _, id := range a.AlreadyHolding {
		fmt.Fprintf(&text, "\n↩️ user %s already holds a copy", id)
	}
	fmt.Fprintf(&text, "\nCopies on shelf: %d", a.Remaining)
	return text.String()
}
