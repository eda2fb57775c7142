package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	t.Setenv("USE_MOCK_DB", "true")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.UseMockDB)
	assert.Equal(t, int32(10), cfg.PGMaxConns)
	assert.False(t, cfg.JournalEnabled)
	assert.Equal(t, 336*time.Hour, cfg.LoanDuration)
	assert.Equal(t, 168*time.Hour, cfg.RenewalInterval)
	assert.Equal(t, 72*time.Hour, cfg.ReservationWindow)
	assert.Equal(t, int64(10), cfg.FineRatePerHour)
	assert.Equal(t, 1, cfg.MaxRenewals)
	assert.Equal(t, time.Hour, cfg.ExpirySweepInterval)
	assert.Equal(t, time.Hour, cfg.FineSweepInterval)
	assert.Equal(t, 24*time.Hour, cfg.ReconcileInterval)
	assert.Equal(t, NotifyLog, cfg.NotifyMode)
	assert.Equal(t, 2, cfg.NotifyWorkers)
	assert.Equal(t, 256, cfg.NotifyQueueSize)
	assert.False(t, cfg.BotEnabled)
}

func TestLoadFromEnv_Postgres(t *testing.T) {
	t.Setenv("USE_MOCK_DB", "false")
	t.Setenv("DATABASE_URL", "")

	_, err := LoadFromEnv()
	assert.ErrorContains(t, err, "DATABASE_URL")

	t.Setenv("DATABASE_URL", "postgres://circulation@localhost/circulation")
	t.Setenv("PG_MAX_CONNS", "25")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, int32(25), cfg.PGMaxConns)
}

func TestLoadFromEnv_Journal(t *testing.T) {
	t.Setenv("USE_MOCK_DB", "true")
	t.Setenv("JOURNAL_ENABLED", "true")

	_, err := LoadFromEnv()
	assert.ErrorContains(t, err, "CLICKHOUSE_HOST")

	t.Setenv("CLICKHOUSE_HOST", "clickhouse")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.ClickHousePort)
	assert.Equal(t, "default", cfg.ClickHouseDatabase)
	assert.Equal(t, "default", cfg.ClickHouseUser)
	assert.Equal(t, 1024, cfg.JournalQueueSize)

	t.Setenv("JOURNAL_QUEUE_SIZE", "0")
	_, err = LoadFromEnv()
	assert.ErrorContains(t, err, "JOURNAL_QUEUE_SIZE")
	t.Setenv("JOURNAL_QUEUE_SIZE", "64")

	t.Setenv("CLICKHOUSE_PORT", "nine")
	_, err = LoadFromEnv()
	assert.ErrorContains(t, err, "CLICKHOUSE_PORT")
}

func TestLoadFromEnv_Policy(t *testing.T) {
	t.Setenv("USE_MOCK_DB", "true")
	t.Setenv("LOAN_DURATION", "2h")
	t.Setenv("RESERVATION_WINDOW", "30m")
	t.Setenv("FINE_RATE_PER_HOUR", "25")
	t.Setenv("MAX_RENEWALS", "3")
	t.Setenv("RECONCILE_INTERVAL", "0s")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.LoanDuration)
	assert.Equal(t, 30*time.Minute, cfg.ReservationWindow)
	assert.Equal(t, int64(25), cfg.FineRatePerHour)
	assert.Equal(t, 3, cfg.MaxRenewals)
	assert.Equal(t, time.Duration(0), cfg.ReconcileInterval)

	tests := map[string]string{
		"LOAN_DURATION":      "two weeks",
		"RENEWAL_INTERVAL":   "-1h",
		"FINE_RATE_PER_HOUR": "-5",
		"MAX_RENEWALS":       "0",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := LoadFromEnv()
			assert.ErrorContains(t, err, key)
		})
	}
}

func TestLoadFromEnv_Notify(t *testing.T) {
	t.Setenv("USE_MOCK_DB", "true")

	t.Setenv("NOTIFY_MODE", "pigeon")
	_, err := LoadFromEnv()
	assert.ErrorContains(t, err, "NOTIFY_MODE")

	t.Setenv("NOTIFY_MODE", NotifyWebhook)
	_, err = LoadFromEnv()
	assert.ErrorContains(t, err, "NOTIFY_WEBHOOK_URL")

	t.Setenv("NOTIFY_WEBHOOK_URL", "https://hooks.library.test/notify")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.library.test/notify", cfg.NotifyWebhookURL)

	t.Setenv("NOTIFY_MODE", NotifyTelegram)
	_, err = LoadFromEnv()
	assert.ErrorContains(t, err, "TELEGRAM_BOT_TOKEN")

	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	_, err = LoadFromEnv()
	assert.ErrorContains(t, err, "DESK_CHAT_IDS")

	t.Setenv("DESK_CHAT_IDS", "-100200, 300")
	cfg, err = LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, []int64{-100200, 300}, cfg.DeskChatIDs)
}

func TestLoadFromEnv_Bot(t *testing.T) {
	t.Setenv("USE_MOCK_DB", "true")
	t.Setenv("BOT_ENABLED", "true")

	_, err := LoadFromEnv()
	assert.ErrorContains(t, err, "TELEGRAM_BOT_TOKEN")

	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	_, err = LoadFromEnv()
	assert.ErrorContains(t, err, "ALLOWED_USER_IDS")

	t.Setenv("ALLOWED_USER_IDS", "12,abc")
	_, err = LoadFromEnv()
	assert.ErrorContains(t, err, "invalid user ID")

	t.Setenv("ALLOWED_USER_IDS", "12, 34")
	t.Setenv("WEBHOOK_MODE", "true")
	_, err = LoadFromEnv()
	assert.ErrorContains(t, err, "WEBHOOK_URL")

	t.Setenv("WEBHOOK_URL", "https://desk.library.test/telegram-webhook")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, []int64{12, 34}, cfg.AllowedUserIDs)
	assert.True(t, cfg.WebhookMode)
}
