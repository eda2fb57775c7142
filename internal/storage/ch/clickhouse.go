package ch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io/fs"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"circulation/internal/models"
	"circulation/migrations"
)

// ClickHouseDB is the circulation journal backed by the circulation_events table
type ClickHouseDB struct {
	conn    clickhouse.Conn
	options *clickhouse.Options
	logger  *zap.Logger
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(host string, port int, database, user, password string, useTLS bool, logger *zap.Logger) (*ClickHouseDB, error) {
	addr := fmt.Sprintf("%s:%d", host, port)

	options := &clickhouse.Options{
		Addr:     []string{addr},
		Protocol: clickhouse.Native,
		Auth: clickhouse.Auth{
			Database: database,
			Username: user,
			Password: password,
		},
	}

	// Configure TLS if enabled
	if useTLS {
		options.TLS = &tls.Config{
			InsecureSkipVerify: false,
		}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	// Test the connection
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClickHouseDB{conn: conn, options: options, logger: logger}, nil
}

// Initialize applies the embedded journal migrations
func (db *ClickHouseDB) Initialize(ctx context.Context) error {
	fsys, err := fs.Sub(migrations.ClickHouse, "clickhouse")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	sqlDB := clickhouse.OpenDB(db.options)
	defer sqlDB.Close()

	provider, err := goose.NewProvider(goose.DialectClickHouse, sqlDB, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		db.logger.Info("Journal migration applied",
			zap.String("source", r.Source.Path),
			zap.Duration("took", r.Duration),
		)
	}
	return nil
}

// AppendEvent records a circulation event
func (db *ClickHouseDB) AppendEvent(ctx context.Context, event models.CirculationEvent) error {
	err := db.conn.Exec(ctx, `INSERT INTO circulation_events (date, kind, user_id, book_id, record_id, amount, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.Date.UTC(), string(event.Kind), event.UserID, event.BookID, event.RecordID, int64(event.Amount), event.Detail)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// LastEvents returns the last N events
func (db *ClickHouseDB) LastEvents(ctx context.Context, limit int) ([]models.CirculationEvent, error) {
	return db.query(ctx, `SELECT date, kind, user_id, book_id, record_id, amount, detail
		FROM circulation_events
		ORDER BY date DESC
		LIMIT ?`, limit)
}

// EventsForUser returns the last N events of one user
func (db *ClickHouseDB) EventsForUser(ctx context.Context, userID string, limit int) ([]models.CirculationEvent, error) {
	return db.query(ctx, `SELECT date, kind, user_id, book_id, record_id, amount, detail
		FROM circulation_events
		WHERE user_id = ?
		ORDER BY date DESC
		LIMIT ?`, userID, limit)
}

func (db *ClickHouseDB) query(ctx context.Context, query string, args ...any) ([]models.CirculationEvent, error) {
	rows, err := db.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.CirculationEvent
	for rows.Next() {
		var (
			event  models.CirculationEvent
			kind   string
			amount int64
		)
		if err := rows.Scan(&event.Date, &kind, &event.UserID, &event.BookID, &event.RecordID, &amount, &event.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Kind = models.EventKind(kind)
		event.Amount = models.Money(amount)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

// Close closes the database connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
