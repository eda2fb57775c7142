package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"circulation/internal/models"
)

const lastEventsLimit = 10

// handleStart shows welcome message and available commands
func (b *Bot) handleStart(message *tgbotapi.Message) {
	text := `Circulation desk 📚

Available commands:
/return <borrow_id> - Check a copy back in
/renew <borrow_id> - Renew a loan
/fines <user_id> - Show a user's fines
/pay <borrow_id> - Settle the fine of a returned loan
/extend <email> <isbn> <days> - Push a due date
/restock <book_id> <copies> - Add copies to the shelf
/sweep - Run a maintenance sweep now
/last [user_id] - Show the last circulation events`

	b.sendText(message.Chat.ID, text)
}

// handleReturn checks a copy back in and reports the fine and re-allocation
func (b *Bot) handleReturn(ctx context.Context, message *tgbotapi.Message, args []string) {
	if len(args) != 1 {
		b.sendText(message.Chat.ID, "Usage: /return <borrow_id>")
		return
	}

	res, err := b.svc.ReturnBook(ctx, args[0])
	if err != nil {
		b.replyError(message.Chat.ID, "Return", err)
		return
	}

	b.logger.Info("Book returned at desk",
		zap.Int64("staff_id", message.From.ID),
		zap.String("borrow_id", res.Record.ID),
		zap.Int64("fine", int64(res.Fine)),
	)

	text := "✅ Returned\n\n" + formatBorrow(res.Record)
	if res.Fine > 0 {
		text += fmt.Sprintf("\nBalance now: %s", res.FineBalance)
	}
	text += formatAllocation(res.Allocation)
	b.sendText(message.Chat.ID, text)
}

// handleRenew renews an active loan
func (b *Bot) handleRenew(ctx context.Context, message *tgbotapi.Message, args []string) {
	if len(args) != 1 {
		b.sendText(message.Chat.ID, "Usage: /renew <borrow_id>")
		return
	}

	res, err := b.svc.RenewBook(ctx, args[0])
	if err != nil {
		b.replyError(message.Chat.ID, "Renewal", err)
		return
	}
	b.sendText(message.Chat.ID, fmt.Sprintf("🔁 Renewed until %s\n\n%s",
		res.NewDueDate.Format(dateFormat), formatBorrow(res.Record)))
}

// handleFines shows a user's fine position
func (b *Bot) handleFines(ctx context.Context, message *tgbotapi.Message, args []string) {
	if len(args) != 1 {
		b.sendText(message.Chat.ID, "Usage: /fines <user_id>")
		return
	}

	summary, err := b.svc.GetMyFines(ctx, args[0])
	if err != nil {
		b.replyError(message.Chat.ID, "Fine lookup", err)
		return
	}

	var text strings.Builder
	fmt.Fprintf(&text, "💰 Fines of %s\nBalance: %s\nPaid so far: %s", args[0], summary.FineBalance, summary.TotalFinesPaid)
	for _, rec := range summary.UnpaidRecords {
		state := "returned"
		if rec.IsActive() {
			state = "still out"
		}
		fmt.Fprintf(&text, "\n• %s %s: %s (%s)", rec.ID, rec.BookID, rec.Fine, state)
	}
	b.sendText(message.Chat.ID, text.String())
}

// handleExtend pushes the due date of a user's loan by whole days
func (b *Bot) handleExtend(ctx context.Context, message *tgbotapi.Message, args []string) {
	if len(args) != 3 {
		b.sendText(message.Chat.ID, "Usage: /extend <email> <isbn> <days>")
		return
	}
	days, err := strconv.Atoi(args[2])
	if err != nil {
		b.sendText(message.Chat.ID, "❌ Days must be a whole number")
		return
	}

	rec, err := b.svc.ExtendDueDate(ctx, args[0], args[1], days)
	if err != nil {
		b.replyError(message.Chat.ID, "Extension", err)
		return
	}

	b.logger.Info("Due date extended at desk",
		zap.Int64("staff_id", message.From.ID),
		zap.String("borrow_id", rec.ID),
		zap.Int("days", days),
	)
	b.sendText(message.Chat.ID, "📅 Extended\n\n"+formatBorrow(rec))
}

// handleRestock adds copies to the shelf and serves the waiting list
func (b *Bot) handleRestock(ctx context.Context, message *tgbotapi.Message, args []string) {
	if len(args) != 2 {
		b.sendText(message.Chat.ID, "Usage: /restock <book_id> <copies>")
		return
	}
	copies, err := strconv.Atoi(args[1])
	if err != nil {
		b.sendText(message.Chat.ID, "❌ Copies must be a whole number")
		return
	}

	book, alloc, err := b.svc.Restock(ctx, args[0], copies)
	if err != nil {
		b.replyError(message.Chat.ID, "Restock", err)
		return
	}
	b.sendText(message.Chat.ID, fmt.Sprintf("📦 %s restocked with %d copies%s",
		book.Title, copies, formatAllocation(alloc)))
}

// handleSweepStart runs the named sweep or offers a choice
func (b *Bot) handleSweepStart(ctx context.Context, message *tgbotapi.Message, args []string) {
	if len(args) == 1 {
		b.runSweep(ctx, message.Chat.ID, message.From.ID, args[0])
		return
	}

	msg := tgbotapi.NewMessage(message.Chat.ID, "🧹 Select a sweep:")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⌛ Expire reservations", "sweep:expiry"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💸 Overdue fines", "sweep:fines"),
			tgbotapi.NewInlineKeyboardButtonData("⚖️ Reconcile balances", "sweep:reconcile"),
		),
	)
	b.sendMessage(msg)
}

func (b *Bot) runSweep(ctx context.Context, chatID, staffID int64, name string) {
	var (
		n   int
		err error
	)
	switch name {
	case "expiry":
		n, err = b.svc.ExpireReservations(ctx)
	case "fines":
		n, err = b.svc.SweepOverdueFines(ctx)
	case "reconcile":
		n, err = b.svc.ReconcileBalances(ctx)
	default:
		b.sendText(chatID, "Unknown sweep. Use expiry, fines or reconcile.")
		return
	}
	if err != nil {
		b.replyError(chatID, "Sweep "+name, err)
		return
	}

	b.logger.Info("Sweep run at desk",
		zap.Int64("staff_id", staffID),
		zap.String("sweep", name),
		zap.Int("processed", n),
	)
	b.sendText(chatID, fmt.Sprintf("🧹 Sweep %s done: %d processed", name, n))
}

// handleLast shows the last circulation events, optionally for one user
func (b *Bot) handleLast(ctx context.Context, message *tgbotapi.Message, args []string) {
	if b.journal == nil {
		b.sendText(message.Chat.ID, "The circulation journal is disabled.")
		return
	}

	var (
		events []models.CirculationEvent
		err    error
	)
	if len(args) == 1 {
		events, err = b.journal.EventsForUser(ctx, args[0], lastEventsLimit)
	} else {
		events, err = b.journal.LastEvents(ctx, lastEventsLimit)
	}
	if err != nil {
		b.logger.Error("Failed to read journal", zap.Error(err))
		b.sendText(message.Chat.ID, fmt.Sprintf("Error: %v", err))
		return
	}

	if len(events) == 0 {
		b.sendText(message.Chat.ID, "No circulation events recorded yet.")
		return
	}

	var text strings.Builder
	text.WriteString("Last circulation events:\n\n")
	for i, event := range events {
		fmt.Fprintf(&text, "%d. %s %s", i+1, event.Date.Format(dateFormat), event.Kind)
		if event.UserID != "" {
			fmt.Fprintf(&text, " %s", event.UserID)
		}
		if event.BookID != "" {
			fmt.Fprintf(&text, " %s", event.BookID)
		}
		if event.Amount != 0 {
			fmt.Fprintf(&text, " %s", event.Amount)
		}
		text.WriteString("\n")
	}
	b.sendText(message.Chat.ID, text.String())
}
