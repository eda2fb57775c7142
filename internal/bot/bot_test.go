package bot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"circulation/internal/circulation"
	"circulation/internal/clock"
	"circulation/internal/storage/stubs"
)

const (
	staffID = int64(123)
	chatID  = int64(456)
)

// fakeMessenger records what the bot sends instead of calling Telegram
type fakeMessenger struct {
	mu        sync.Mutex
	sent      []tgbotapi.MessageConfig
	callbacks []string
}

func (f *fakeMessenger) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeMessenger) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := c.(tgbotapi.CallbackConfig); ok {
		f.callbacks = append(f.callbacks, cb.CallbackQueryID)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeMessenger) last() tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return tgbotapi.MessageConfig{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeMessenger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	bot   *Bot
	svc   *circulation.Service
	clock *clock.Fake
	out   *fakeMessenger
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db := stubs.NewMockDB()
	require.NoError(t, db.Initialize(context.Background()))

	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	journal := stubs.NewMemoryJournal()
	svc := circulation.New(db, clk, nil, circulation.DefaultPolicy(), zap.NewNop(), circulation.WithJournal(journal))

	b := NewBot(nil, svc, journal, []int64{staffID}, zap.NewNop())
	out := &fakeMessenger{}
	b.out = out

	return &fixture{bot: b, svc: svc, clock: clk, out: out}
}

// command builds a message the way Telegram marks up a bot command
func command(from int64, text string) *tgbotapi.Message {
	name := strings.Fields(text)[0]
	return &tgbotapi.Message{
		From:     &tgbotapi.User{ID: from},
		Chat:     &tgbotapi.Chat{ID: chatID},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}
}

func text(from int64, s string) *tgbotapi.Message {
	return &tgbotapi.Message{
		From: &tgbotapi.User{ID: from},
		Chat: &tgbotapi.Chat{ID: chatID},
		Text: s,
	}
}

func (f *fixture) send(msg *tgbotapi.Message) string {
	f.bot.HandleWebhookUpdate(context.Background(), tgbotapi.Update{Message: msg})
	return f.out.last().Text
}

func (f *fixture) click(data string) string {
	f.bot.HandleWebhookUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb-1",
		From:    &tgbotapi.User{ID: staffID},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: chatID}},
		Data:    data,
	}})
	return f.out.last().Text
}

// lateReturn lends dune to alice and checks it in two hours late at the desk
func (f *fixture) lateReturn(t *testing.T) string {
	t.Helper()
	rec, err := f.svc.BorrowBook(context.Background(), "alice", "dune")
	require.NoError(t, err)
	f.clock.Set(rec.DueDate.Add(2 * time.Hour))

	reply := f.send(command(staffID, "/return "+rec.ID))
	assert.Contains(t, reply, "Returned")
	assert.Contains(t, reply, "Fine: 0.20 (unpaid)")
	return rec.ID
}

func TestBot_Unauthorized(t *testing.T) {
	f := setup(t)

	reply := f.send(command(999, "/sweep expiry"))
	assert.Equal(t, "Sorry, you are not authorized to use this bot.", reply)

	f.bot.HandleWebhookUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   "cb-x",
		From: &tgbotapi.User{ID: 999},
		Data: "sweep:expiry",
	}})
	assert.Equal(t, 1, f.out.count())
	assert.Empty(t, f.out.callbacks)
}

func TestBot_StartAndUnknown(t *testing.T) {
	f := setup(t)

	assert.Contains(t, f.send(command(staffID, "/start")), "/restock <book_id> <copies>")
	assert.Contains(t, f.send(command(staffID, "/dance")), "Unknown command")

	// Plain text outside a conversation is ignored
	before := f.out.count()
	f.send(text(staffID, "hello"))
	assert.Equal(t, before, f.out.count())
}

func TestBot_ReturnAndFines(t *testing.T) {
	f := setup(t)

	assert.Equal(t, "Usage: /return <borrow_id>", f.send(command(staffID, "/return")))

	id := f.lateReturn(t)

	reply := f.send(command(staffID, "/fines alice"))
	assert.Contains(t, reply, "Balance: 0.20")
	assert.Contains(t, reply, id)

	reply = f.send(command(staffID, "/return "+id))
	assert.Contains(t, reply, "Return failed: book already returned")

	reply = f.send(command(staffID, "/fines nobody"))
	assert.Contains(t, reply, "user not found")
}

func TestBot_Renew(t *testing.T) {
	f := setup(t)

	rec, err := f.svc.BorrowBook(context.Background(), "bob", "dune")
	require.NoError(t, err)

	assert.Contains(t, f.send(command(staffID, "/renew "+rec.ID)), "Renewed until")
	assert.Contains(t, f.send(command(staffID, "/renew "+rec.ID)), "renewal limit reached")
}

func TestBot_PayConversation(t *testing.T) {
	f := setup(t)
	id := f.lateReturn(t)

	f.send(command(staffID, "/pay "+id))
	prompt := f.out.last()
	assert.Contains(t, prompt.Text, "How was the fine paid?")
	assert.NotNil(t, prompt.ReplyMarkup)
	require.NotNil(t, f.bot.state(staffID))

	reply := f.click("method:cash")
	assert.Contains(t, reply, "Fine of 0.20 paid by cash")
	assert.Contains(t, reply, "Remaining balance: 0.00")
	assert.Nil(t, f.bot.state(staffID))
	assert.Equal(t, []string{"cb-1"}, f.out.callbacks)

	// Paying again replays the first settlement
	f.send(command(staffID, "/pay "+id))
	reply = f.send(text(staffID, "Card"))
	assert.Contains(t, reply, "already settled")
	assert.Nil(t, f.bot.state(staffID))
}

func TestBot_PayActiveBorrowFails(t *testing.T) {
	f := setup(t)

	rec, err := f.svc.BorrowBook(context.Background(), "alice", "hobbit")
	require.NoError(t, err)
	f.clock.Set(rec.DueDate.Add(time.Hour))

	f.send(command(staffID, "/pay "+rec.ID))
	reply := f.send(text(staffID, "cash"))
	assert.Contains(t, reply, "book must be returned before its fine can be settled")
}

func TestBot_CommandInterruptsConversation(t *testing.T) {
	f := setup(t)

	f.send(command(staffID, "/pay b-1"))
	require.NotNil(t, f.bot.state(staffID))

	assert.Contains(t, f.send(command(staffID, "/start")), "Circulation desk")
	assert.Nil(t, f.bot.state(staffID))
}

func TestBot_ExtendAndRestock(t *testing.T) {
	f := setup(t)

	assert.Contains(t, f.send(command(staffID, "/extend alice@library.test 978-0441172719 soon")), "whole number")

	_, err := f.svc.BorrowBook(context.Background(), "alice", "dune")
	require.NoError(t, err)
	assert.Contains(t, f.send(command(staffID, "/extend alice@library.test 978-0441172719 2")), "Extended")
	assert.Contains(t, f.send(command(staffID, "/extend alice@library.test 978-0441172719 0")), "days must be positive")

	_, err = f.svc.ReserveBook(context.Background(), "carol", "sicp")
	require.NoError(t, err)
	reply := f.send(command(staffID, "/restock sicp 2"))
	assert.Contains(t, reply, "restocked with 2 copies")
	assert.Contains(t, reply, "lent to carol")
	assert.Contains(t, reply, "Copies on shelf: 1")
}

func TestBot_Sweeps(t *testing.T) {
	f := setup(t)

	f.send(command(staffID, "/sweep"))
	assert.NotNil(t, f.out.last().ReplyMarkup)

	assert.Equal(t, "🧹 Sweep expiry done: 0 processed", f.click("sweep:expiry"))
	assert.Equal(t, "🧹 Sweep reconcile done: 0 processed", f.send(command(staffID, "/sweep reconcile")))
	assert.Contains(t, f.send(command(staffID, "/sweep everything")), "Unknown sweep")
}

func TestBot_Last(t *testing.T) {
	f := setup(t)

	assert.Equal(t, "No circulation events recorded yet.", f.send(command(staffID, "/last")))

	f.lateReturn(t)
	reply := f.send(command(staffID, "/last"))
	assert.Contains(t, reply, "returned alice dune")
	assert.Contains(t, reply, "borrowed alice dune")

	assert.Equal(t, "No circulation events recorded yet.", f.send(command(staffID, "/last bob")))

	f.bot.journal = nil
	assert.Equal(t, "The circulation journal is disabled.", f.send(command(staffID, "/last")))
}

func TestBot_WebhookHandler(t *testing.T) {
	f := setup(t)
	handler := f.bot.WebhookHandler()

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, WebhookPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, WebhookPath, strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := `{"update_id":1,"message":{"message_id":1,"from":{"id":123},"chat":{"id":456},"text":"/start",
		"entities":[{"type":"bot_command","offset":0,"length":6}]}}`
	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, WebhookPath, strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool { return f.out.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, f.out.last().Text, "Circulation desk")
}

func TestBot_NoAPIClient(t *testing.T) {
	f := setup(t)
	f.bot.out = nil

	// Replies are dropped, handlers still run
	f.bot.HandleWebhookUpdate(context.Background(), tgbotapi.Update{Message: command(staffID, "/sweep expiry")})
}

func TestBot_RestockNamesSkippedUsers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	rec, err := f.svc.BorrowBook(ctx, "bob", "hobbit")
	require.NoError(t, err)
	f.clock.Set(rec.DueDate.Add(time.Hour))
	_, err = f.svc.ReturnBook(ctx, rec.ID)
	require.NoError(t, err)
	_, err = f.svc.ReserveBook(ctx, "bob", "sicp")
	require.NoError(t, err)

	reply := f.send(command(staffID, "/restock sicp 1"))
	assert.Contains(t, reply, "user bob blocked by fines")
	assert.Contains(t, reply, "Copies on shelf: 1")

	summary := formatAllocation(circulation.Allocation{BookID: "sicp", AlreadyHolding: []string{"carol"}})
	assert.Contains(t, summary, "user carol already holds a copy")
	assert.NotContains(t, summary, "reservation")
}
