package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Notification delivery modes
const (
	NotifyLog      = "log"
	NotifyWebhook  = "webhook"
	NotifyTelegram = "telegram"
)

// Config holds the application configuration
type Config struct {
	Env  string
	Port string

	// Postgres configuration
	UseMockDB   bool
	DatabaseURL string
	PGMaxConns  int32

	// ClickHouse journal configuration
	JournalEnabled     bool
	ClickHouseHost     string
	ClickHousePort     int
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string
	ClickHouseUseTLS   bool
	JournalQueueSize   int

	// Lending policy
	LoanDuration      time.Duration
	RenewalInterval   time.Duration
	ReservationWindow time.Duration
	FineRatePerHour   int64
	MaxRenewals       int

	// Periodic jobs, a zero interval disables the job
	ExpirySweepInterval time.Duration
	FineSweepInterval   time.Duration
	ReconcileInterval   time.Duration

	// Notifications
	NotifyMode       string
	NotifyWebhookURL string
	NotifyWorkers    int
	NotifyQueueSize  int

	// Desk bot
	BotEnabled     bool
	TelegramToken  string
	AllowedUserIDs []int64
	DeskChatIDs    []int64
	WebhookMode    bool   // If true, use webhook mode; if false, use polling mode
	WebhookURL     string // URL for webhook (required if WebhookMode is true)
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	config := &Config{
		Env:  getEnv("APP_ENV", "development"),
		Port: getEnv("PORT", "8080"),
	}
	var err error

	// Use Mock DB (default: false)
	config.UseMockDB = os.Getenv("USE_MOCK_DB") == "true"
	if !config.UseMockDB {
		config.DatabaseURL = os.Getenv("DATABASE_URL")
		if config.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when USE_MOCK_DB is not set")
		}
	}
	maxConns, err := getInt("PG_MAX_CONNS", 10)
	if err != nil {
		return nil, err
	}
	config.PGMaxConns = int32(maxConns)

	// ClickHouse configuration (required if the journal is enabled)
	config.JournalEnabled = os.Getenv("JOURNAL_ENABLED") == "true"
	if config.JournalEnabled {
		config.ClickHouseHost = os.Getenv("CLICKHOUSE_HOST")
		if config.ClickHouseHost == "" {
			return nil, fmt.Errorf("CLICKHOUSE_HOST is required when JOURNAL_ENABLED is true")
		}

		// Default ClickHouse native port
		if config.ClickHousePort, err = getInt("CLICKHOUSE_PORT", 9000); err != nil {
			return nil, err
		}
		config.ClickHouseDatabase = getEnv("CLICKHOUSE_DATABASE", "default")
		config.ClickHouseUser = getEnv("CLICKHOUSE_USER", "default")
		// Password is optional, can be empty
		config.ClickHousePassword = os.Getenv("CLICKHOUSE_PASSWORD")
		config.ClickHouseUseTLS = os.Getenv("CLICKHOUSE_USE_TLS") == "true"

		if config.JournalQueueSize, err = getInt("JOURNAL_QUEUE_SIZE", 1024); err != nil {
			return nil, err
		}
		if config.JournalQueueSize < 1 {
			return nil, fmt.Errorf("JOURNAL_QUEUE_SIZE must be positive")
		}
	}

	if err := config.loadPolicy(); err != nil {
		return nil, err
	}
	if err := config.loadJobs(); err != nil {
		return nil, err
	}
	if err := config.loadNotify(); err != nil {
		return nil, err
	}
	if err := config.loadBot(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) loadPolicy() error {
	var err error
	if c.LoanDuration, err = getDuration("LOAN_DURATION", 14*24*time.Hour); err != nil {
		return err
	}
	if c.RenewalInterval, err = getDuration("RENEWAL_INTERVAL", 7*24*time.Hour); err != nil {
		return err
	}
	if c.ReservationWindow, err = getDuration("RESERVATION_WINDOW", 3*24*time.Hour); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"LOAN_DURATION":      c.LoanDuration,
		"RENEWAL_INTERVAL":   c.RenewalInterval,
		"RESERVATION_WINDOW": c.ReservationWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	rate, err := getInt("FINE_RATE_PER_HOUR", 10)
	if err != nil {
		return err
	}
	if rate < 0 {
		return fmt.Errorf("FINE_RATE_PER_HOUR must not be negative")
	}
	c.FineRatePerHour = int64(rate)

	if c.MaxRenewals, err = getInt("MAX_RENEWALS", 1); err != nil {
		return err
	}
	if c.MaxRenewals < 1 {
		return fmt.Errorf("MAX_RENEWALS must be at least 1")
	}
	return nil
}

func (c *Config) loadJobs() error {
	var err error
	if c.ExpirySweepInterval, err = getDuration("EXPIRY_SWEEP_INTERVAL", time.Hour); err != nil {
		return err
	}
	if c.FineSweepInterval, err = getDuration("FINE_SWEEP_INTERVAL", time.Hour); err != nil {
		return err
	}
	if c.ReconcileInterval, err = getDuration("RECONCILE_INTERVAL", 24*time.Hour); err != nil {
		return err
	}
	return nil
}

func (c *Config) loadNotify() error {
	var err error
	c.NotifyMode = getEnv("NOTIFY_MODE", NotifyLog)
	switch c.NotifyMode {
	case NotifyLog, NotifyTelegram:
	case NotifyWebhook:
		c.NotifyWebhookURL = os.Getenv("NOTIFY_WEBHOOK_URL")
		if c.NotifyWebhookURL == "" {
			return fmt.Errorf("NOTIFY_WEBHOOK_URL is required when NOTIFY_MODE is webhook")
		}
	default:
		return fmt.Errorf("invalid NOTIFY_MODE: %s (expected log, webhook or telegram)", c.NotifyMode)
	}

	if c.NotifyWorkers, err = getInt("NOTIFY_WORKERS", 2); err != nil {
		return err
	}
	if c.NotifyQueueSize, err = getInt("NOTIFY_QUEUE_SIZE", 256); err != nil {
		return err
	}
	if c.NotifyWorkers < 1 || c.NotifyQueueSize < 1 {
		return fmt.Errorf("NOTIFY_WORKERS and NOTIFY_QUEUE_SIZE must be positive")
	}
	return nil
}

func (c *Config) loadBot() error {
	var err error
	c.BotEnabled = os.Getenv("BOT_ENABLED") == "true"

	// Telegram Bot Token (required by the desk bot and telegram notifications)
	c.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if (c.BotEnabled || c.NotifyMode == NotifyTelegram) && c.TelegramToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required when BOT_ENABLED is true or NOTIFY_MODE is telegram")
	}

	if c.AllowedUserIDs, err = getIDs("ALLOWED_USER_IDS"); err != nil {
		return err
	}
	if c.BotEnabled && len(c.AllowedUserIDs) == 0 {
		return fmt.Errorf("ALLOWED_USER_IDS is required (comma-separated list of Telegram user IDs)")
	}

	if c.DeskChatIDs, err = getIDs("DESK_CHAT_IDS"); err != nil {
		return err
	}
	if c.NotifyMode == NotifyTelegram && len(c.DeskChatIDs) == 0 {
		return fmt.Errorf("DESK_CHAT_IDS is required when NOTIFY_MODE is telegram")
	}

	// Bot mode configuration
	c.WebhookMode = os.Getenv("WEBHOOK_MODE") == "true"
	if c.BotEnabled && c.WebhookMode {
		c.WebhookURL = os.Getenv("WEBHOOK_URL")
		if c.WebhookURL == "" {
			return fmt.Errorf("WEBHOOK_URL is required when WEBHOOK_MODE is true")
		}
	}
	return nil
}

// getEnv retrieves environment variable or returns default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getIDs(key string) ([]int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return nil, nil
	}

	var ids []int64
	for _, idStr := range strings.Split(value, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user ID in %s: %s", key, idStr)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
