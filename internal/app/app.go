package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"circulation/internal/api"
	"circulation/internal/bot"
	"circulation/internal/circulation"
	"circulation/internal/clock"
	"circulation/internal/config"
	"circulation/internal/models"
	"circulation/internal/notify"
	"circulation/internal/obs"
	"circulation/internal/scheduler"
	"circulation/internal/storage"
	"circulation/internal/storage/ch"
	"circulation/internal/storage/pg"
	"circulation/internal/storage/stubs"
)

const shutdownTimeout = 5 * time.Second

// App represents the application
type App struct {
	config   *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *obs.Metrics
	db       storage.Storage
	journal  storage.Journal
	// asyncJournal is set when the ClickHouse journal is enabled
	asyncJournal *storage.AsyncJournal
	telegram     *tgbotapi.BotAPI
	dispatcher   *notify.Dispatcher
	svc          *circulation.Service
	scheduler    *scheduler.Scheduler
	bot          *bot.Bot
	server       *http.Server
}

// New creates and initializes a new application instance
func New() (*App, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	// Load configuration from environment variables
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := obs.NewLogger(cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app := &App{
		config:   cfg,
		logger:   logger,
		registry: registry,
		metrics:  obs.NewMetrics(registry),
	}

	logger.Info("Starting circulation service", zap.String("env", cfg.Env))

	ctx := context.Background()
	if err := app.initDatabase(ctx); err != nil {
		return nil, err
	}
	if err := app.initJournal(ctx); err != nil {
		return nil, err
	}
	if err := app.initTelegram(); err != nil {
		return nil, err
	}
	if err := app.initNotifier(); err != nil {
		return nil, err
	}

	app.svc = circulation.New(app.db, clock.System{}, app.dispatcher, app.policy(), logger,
		circulation.WithJournal(app.journal),
		circulation.WithMetrics(app.metrics),
	)

	app.initScheduler()
	app.initBot()
	app.initHTTPServer()

	return app, nil
}

// initDatabase connects the circulation store and applies its schema
func (a *App) initDatabase(ctx context.Context) error {
	var db storage.Storage
	if a.config.UseMockDB {
		a.logger.Info("Using mock database")
		db = stubs.NewMockDB()
	} else {
		a.logger.Info("Connecting to Postgres", zap.Int32("max_conns", a.config.PGMaxConns))
		pgDB, err := pg.NewPostgresDB(ctx, a.config.DatabaseURL, a.config.PGMaxConns, a.logger.Named("pg"))
		if err != nil {
			return fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		db = pgDB
	}

	if err := db.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.logger.Info("Database initialized successfully")

	a.db = db
	return nil
}

// initJournal opens the ClickHouse circulation journal, or an in-memory one
func (a *App) initJournal(ctx context.Context) error {
	if !a.config.JournalEnabled {
		a.logger.Info("Using in-memory circulation journal")
		a.journal = stubs.NewMemoryJournal()
		return nil
	}

	a.logger.Info("Connecting to ClickHouse",
		zap.String("host", a.config.ClickHouseHost),
		zap.Int("port", a.config.ClickHousePort),
		zap.String("database", a.config.ClickHouseDatabase),
		zap.String("user", a.config.ClickHouseUser),
		zap.Bool("tls", a.config.ClickHouseUseTLS),
	)
	journal, err := ch.NewClickHouseDB(
		a.config.ClickHouseHost,
		a.config.ClickHousePort,
		a.config.ClickHouseDatabase,
		a.config.ClickHouseUser,
		a.config.ClickHousePassword,
		a.config.ClickHouseUseTLS,
		a.logger.Named("ch"),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := journal.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize journal: %w", err)
	}

	// Writes leave the request path; reads still hit ClickHouse directly
	a.asyncJournal = storage.NewAsyncJournal(journal, a.config.JournalQueueSize, a.logger.Named("journal"), a.metrics)
	a.journal = a.asyncJournal
	return nil
}

// initTelegram creates the Telegram client shared by the desk bot and notifications
func (a *App) initTelegram() error {
	if !a.config.BotEnabled && a.config.NotifyMode != config.NotifyTelegram {
		return nil
	}
	botAPI, err := tgbotapi.NewBotAPI(a.config.TelegramToken)
	if err != nil {
		return fmt.Errorf("failed to create Telegram client: %w", err)
	}
	a.telegram = botAPI
	return nil
}

// initNotifier starts the asynchronous notification dispatcher
func (a *App) initNotifier() error {
	var sender notify.Sender
	switch a.config.NotifyMode {
	case config.NotifyWebhook:
		sender = notify.NewWebhookSender(a.config.NotifyWebhookURL, 10*time.Second)
	case config.NotifyTelegram:
		sender = notify.NewTelegramSender(a.telegram, a.config.DeskChatIDs)
	case config.NotifyLog:
		sender = notify.NewLogSender(a.logger.Named("notify"))
	default:
		return fmt.Errorf("unsupported notify mode %q", a.config.NotifyMode)
	}

	a.logger.Info("Notifications configured",
		zap.String("mode", a.config.NotifyMode),
		zap.Int("workers", a.config.NotifyWorkers),
		zap.Int("queue_size", a.config.NotifyQueueSize),
	)
	a.dispatcher = notify.NewDispatcher(sender, a.config.NotifyWorkers, a.config.NotifyQueueSize, a.logger.Named("notify"), a.metrics)
	return nil
}

func (a *App) policy() circulation.Policy {
	return circulation.Policy{
		LoanDuration:      a.config.LoanDuration,
		RenewalInterval:   a.config.RenewalInterval,
		ReservationWindow: a.config.ReservationWindow,
		FineRatePerHour:   models.Money(a.config.FineRatePerHour),
		MaxRenewals:       a.config.MaxRenewals,
	}
}

func (a *App) initScheduler() {
	a.scheduler = scheduler.New(a.logger.Named("scheduler"), a.metrics)
	a.scheduler.Add(circulation.NewExpiryJob(a.svc), a.config.ExpirySweepInterval)
	a.scheduler.Add(circulation.NewFineSweepJob(a.svc), a.config.FineSweepInterval)
	a.scheduler.Add(circulation.NewReconcileJob(a.svc), a.config.ReconcileInterval)
}

func (a *App) initBot() {
	if !a.config.BotEnabled {
		a.logger.Info("Desk bot disabled")
		return
	}
	a.bot = bot.NewBot(a.telegram, a.svc, a.journal, a.config.AllowedUserIDs, a.logger.Named("bot"))
	a.logger.Info("Desk bot created", zap.Int64s("allowed_users", a.config.AllowedUserIDs))
}

// initHTTPServer sets up the API, health, metrics and webhook endpoints
func (a *App) initHTTPServer() {
	mux := http.NewServeMux()
	mux.Handle("/", api.NewHTTPServer(a.svc, a.journal, a.registry, a.logger.Named("api")).Handler())

	// Webhook endpoint (only used in webhook mode)
	if a.bot != nil && a.config.WebhookMode {
		mux.Handle("POST "+bot.WebhookPath, a.bot.WebhookHandler())
	}

	a.server = &http.Server{
		Addr:         ":" + a.config.Port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Run starts every component and blocks until a shutdown signal or a fatal error
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("Starting HTTP server", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		return a.dispatcher.Run(gctx)
	})
	if a.asyncJournal != nil {
		g.Go(func() error {
			return a.asyncJournal.Run(gctx)
		})
	}

	if a.bot != nil {
		if a.config.WebhookMode {
			// Webhook mode: configure webhook and wait for HTTP requests
			if err := a.bot.StartWebhook(a.config.WebhookURL); err != nil {
				stop()
				_ = g.Wait()
				return fmt.Errorf("failed to setup webhook: %w", err)
			}
		} else {
			// Polling mode: actively poll Telegram servers
			g.Go(func() error {
				return a.bot.Start(gctx)
			})
		}
	}

	err := g.Wait()
	a.logger.Info("Shutting down...")
	if closeErr := a.Shutdown(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Shutdown releases the stores once every component has stopped
func (a *App) Shutdown() error {
	var errs []error
	if err := a.journal.Close(); err != nil {
		a.logger.Error("Error closing journal", zap.Error(err))
		errs = append(errs, err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("Error closing database", zap.Error(err))
		errs = append(errs, err)
	}

	a.logger.Info("Shutdown complete")
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
