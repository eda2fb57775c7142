package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"circulation/internal/models"
	"circulation/internal/obs"
)

type captureSender struct {
	mu    sync.Mutex
	got   []string
	err   error
	block chan struct{}
}

func (s *captureSender) Send(ctx context.Context, email, subject, message string) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, email+"|"+subject)
	return s.err
}

func (s *captureSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

func TestDispatcher_DeliversAndDrainsOnClose(t *testing.T) {
	sender := &captureSender{}
	metrics := obs.NewMetrics(prometheus.NewRegistry())
	d := NewDispatcher(sender, 2, 16, zap.NewNop(), metrics)

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Enqueue(models.Notification{Email: "alice@library.test", Subject: "Reservation expired"}))
	}
	d.Close()

	assert.Len(t, sender.sent(), 5)
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("sent")))
	assert.ErrorIs(t, d.Enqueue(models.Notification{Email: "late@library.test"}), ErrClosed)

	// Closing twice is harmless
	d.Close()
}

func TestDispatcher_QueueFull(t *testing.T) {
	sender := &captureSender{block: make(chan struct{})}
	d := NewDispatcher(sender, 1, 1, zap.NewNop(), nil)

	// The worker picks up the first one and blocks; the second fills the queue
	require.NoError(t, d.Enqueue(models.Notification{Email: "a@library.test"}))
	require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.Enqueue(models.Notification{Email: "b@library.test"}))

	assert.ErrorIs(t, d.Enqueue(models.Notification{Email: "c@library.test"}), ErrQueueFull)

	close(sender.block)
	d.Close()
	assert.Len(t, sender.sent(), 2)
}

func TestDispatcher_SenderFailureIsCounted(t *testing.T) {
	sender := &captureSender{err: errors.New("smtp down")}
	metrics := obs.NewMetrics(prometheus.NewRegistry())
	d := NewDispatcher(sender, 1, 4, zap.NewNop(), metrics)

	require.NoError(t, d.Enqueue(models.Notification{Email: "alice@library.test"}))
	d.Close()

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("failed")))
}

func TestDispatcher_RunStopsWithContext(t *testing.T) {
	sender := &captureSender{}
	d := NewDispatcher(sender, 1, 4, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.NoError(t, d.Enqueue(models.Notification{Email: "alice@library.test"}))
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	assert.Len(t, sender.sent(), 1)
}

func TestWebhookSender_Send(t *testing.T) {
	var payload WebhookPayload
	var key string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		key = r.Header.Get("Idempotency-Key")
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &payload))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := NewWebhookSender(server.URL, time.Second)
	err := sender.Send(context.Background(), "bob@library.test", "Reserved book ready for pickup", "Come by the desk.")
	require.NoError(t, err)

	assert.Equal(t, "bob@library.test", payload.Email)
	assert.Equal(t, "Reserved book ready for pickup", payload.Subject)
	assert.Equal(t, payload.ID, key)
	assert.NotEmpty(t, payload.ID)
}

func TestWebhookSender_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sender := NewWebhookSender(server.URL, time.Second)
	err := sender.Send(context.Background(), "bob@library.test", "s", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

type fakeMessenger struct {
	chats []int64
	texts []string
	err   error
}

func (f *fakeMessenger) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	msg := c.(tgbotapi.MessageConfig)
	f.chats = append(f.chats, msg.ChatID)
	f.texts = append(f.texts, msg.Text)
	return tgbotapi.Message{}, nil
}

func TestTelegramSender_Send(t *testing.T) {
	api := &fakeMessenger{}
	sender := &TelegramSender{api: api, chatIDs: []int64{10, 20}}

	err := sender.Send(context.Background(), "carol@library.test", "Reservation expired", "Your reservation has expired.")
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20}, api.chats)
	assert.Contains(t, api.texts[0], "carol@library.test")
	assert.Contains(t, api.texts[0], "Reservation expired")

	empty := &TelegramSender{api: api}
	assert.Error(t, empty.Send(context.Background(), "carol@library.test", "s", "m"))

	failing := &TelegramSender{api: &fakeMessenger{err: errors.New("blocked")}, chatIDs: []int64{10}}
	assert.Error(t, failing.Send(context.Background(), "carol@library.test", "s", "m"))
}

func TestLogSender_Send(t *testing.T) {
	assert.NoError(t, NewLogSender(zap.NewNop()).Send(context.Background(), "a@library.test", "s", "m"))
}
