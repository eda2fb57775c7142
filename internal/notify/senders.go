package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LogSender writes notifications to the log instead of delivering them
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a sender for local runs
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, email, subject, message string) error {
	s.logger.Info("Notification",
		zap.String("email", email),
		zap.String("subject", subject),
		zap.String("message", message),
	)
	return nil
}

// WebhookPayload is the JSON body posted to the mail relay
type WebhookPayload struct {
	ID      string    `json:"id"`
	Email   string    `json:"email"`
	Subject string    `json:"subject"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// WebhookSender posts notifications to an HTTP mail relay
type WebhookSender struct {
	url    string
	client *http.Client
}

// NewWebhookSender creates a sender posting to url
func NewWebhookSender(url string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSender) Send(ctx context.Context, email, subject, message string) error {
	payload := WebhookPayload{
		ID:      uuid.NewString(),
		Email:   email,
		Subject: subject,
		Message: message,
		SentAt:  time.Now().UTC(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Circulation-Notify/1.0")
	req.Header.Set("Idempotency-Key", payload.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("mail relay returned status %d", resp.StatusCode)
}

// messenger is the part of the Telegram API used for delivery
type messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender forwards notifications to the circulation desk chats, where
// staff pass them on to users without email.
type TelegramSender struct {
	api     messenger
	chatIDs []int64
}

// NewTelegramSender creates a sender posting to the given chats
func NewTelegramSender(api *tgbotapi.BotAPI, chatIDs []int64) *TelegramSender {
	return &TelegramSender{api: api, chatIDs: chatIDs}
}

func (s *TelegramSender) Send(ctx context.Context, email, subject, message string) error {
	if len(s.chatIDs) == 0 {
		return fmt.Errorf("no desk chats configured")
	}

	text := fmt.Sprintf("📬 %s\nTo: %s\n\n%s", subject, email, message)
	for _, chatID := range s.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
			return fmt.Errorf("failed to send to chat %d: %w", chatID, err)
		}
	}
	return nil
}
