// Package circulation implements the borrow, reservation and fine lifecycle:
// lending and returning copies, renewals, the FCFS reservation queue, automatic
// re-allocation of returned copies, fine accrual and settlement, and the
// periodic sweeps that keep reservations and balances consistent.
//
// Every state transition runs inside one storage transaction. Notifications and
// journal entries produced by a transition are collected while it runs and only
// dispatched after the transaction has committed.
package circulation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"circulation/internal/clock"
	"circulation/internal/models"
	"circulation/internal/obs"
	"circulation/internal/storage"
)

// Notifier queues best-effort notifications without waiting for delivery
type Notifier interface {
	Enqueue(n models.Notification) error
}

// Policy holds the loan, renewal, reservation and fine constants
type Policy struct {
	LoanDuration      time.Duration
	RenewalInterval   time.Duration
	ReservationWindow time.Duration
	FineRatePerHour   models.Money
	MaxRenewals       int
}

// DefaultPolicy returns the production lending policy
func DefaultPolicy() Policy {
	return Policy{
		LoanDuration:      14 * 24 * time.Hour,
		RenewalInterval:   7 * 24 * time.Hour,
		ReservationWindow: 3 * 24 * time.Hour,
		FineRatePerHour:   10,
		MaxRenewals:       1,
	}
}

// Actor is the authenticated caller of an operation
type Actor struct {
	UserID string
	Role   models.Role
}

// IsAdmin reports whether the actor has administrative rights
func (a Actor) IsAdmin() bool {
	return a.Role == models.RoleAdmin
}

// Service is the circulation engine
type Service struct {
	db       storage.Storage
	clock    clock.Clock
	notifier Notifier
	journal  storage.Journal
	policy   Policy
	logger   *zap.Logger
	metrics  *obs.Metrics
}

// Option configures a Service
type Option func(*Service)

// WithJournal records every committed transition in the circulation journal
func WithJournal(j storage.Journal) Option {
	return func(s *Service) {
		s.journal = j
	}
}

// WithMetrics enables prometheus metrics
func WithMetrics(m *obs.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// New creates a circulation service
func New(db storage.Storage, clk clock.Clock, notifier Notifier, policy Policy, logger *zap.Logger, opts ...Option) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxRenewals <= 0 {
		policy.MaxRenewals = 1
	}

	s := &Service{
		db:       db,
		clock:    clk,
		notifier: notifier,
		policy:   policy,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the active lending policy
func (s *Service) Policy() Policy {
	return s.policy
}

// effects are side effects of a transaction, flushed after commit
type effects struct {
	notifications []models.Notification
	events        []models.CirculationEvent
}

func (fx *effects) notify(to models.UserSnapshot, subject, message string) {
	if to.Email == "" {
		return
	}
	fx.notifications = append(fx.notifications, models.Notification{
		Email:   to.Email,
		Subject: subject,
		Message: message,
	})
}

func (fx *effects) record(event models.CirculationEvent) {
	fx.events = append(fx.events, event)
}

// flush dispatches collected side effects. Failures are logged only.
func (s *Service) flush(ctx context.Context, fx *effects) {
	for _, n := range fx.notifications {
		if s.notifier == nil {
			break
		}
		if err := s.notifier.Enqueue(n); err != nil {
			s.logger.Warn("Notification not queued",
				zap.Error(transient("notification dispatch", err)),
				zap.String("email", n.Email),
				zap.String("subject", n.Subject),
			)
		}
	}

	for _, event := range fx.events {
		if s.journal == nil {
			break
		}
		if err := s.journal.AppendEvent(ctx, event); err != nil {
			s.logger.Warn("Journal append failed",
				zap.Error(transient("journal append", err)),
				zap.String("kind", string(event.Kind)),
				zap.String("record_id", event.RecordID),
			)
		}
	}
}

func (s *Service) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = KindOf(err).String()
	}
	s.metrics.OperationsTotal.WithLabelValues(op, result).Inc()
	s.metrics.OpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}
