package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"circulation/internal/models"
	"circulation/internal/obs"
)

var (
	ErrJournalQueueFull = errors.New("journal queue is full")
	ErrJournalClosed    = errors.New("journal is closed")
)

// AsyncJournal queues appends and writes them to the wrapped journal from a
// single goroutine, in order. Reads go straight to the wrapped journal.
type AsyncJournal struct {
	journal      Journal
	queue        chan models.CirculationEvent
	logger       *zap.Logger
	metrics      *obs.Metrics
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncJournal starts the writer goroutine for journal
func NewAsyncJournal(journal Journal, queueSize int, logger *zap.Logger, metrics *obs.Metrics) *AsyncJournal {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &AsyncJournal{
		journal:      journal,
		queue:        make(chan models.CirculationEvent, queueSize),
		logger:       logger,
		metrics:      metrics,
		writeTimeout: 5 * time.Second,
		done:         make(chan struct{}),
	}
	go a.writer()
	return a
}

// AppendEvent queues the event without blocking
func (a *AsyncJournal) AppendEvent(ctx context.Context, event models.CirculationEvent) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrJournalClosed
	}
	select {
	case a.queue <- event:
		return nil
	default:
		a.count("dropped")
		return ErrJournalQueueFull
	}
}

func (a *AsyncJournal) LastEvents(ctx context.Context, limit int) ([]models.CirculationEvent, error) {
	return a.journal.LastEvents(ctx, limit)
}

func (a *AsyncJournal) EventsForUser(ctx context.Context, userID string, limit int) ([]models.CirculationEvent, error) {
	return a.journal.EventsForUser(ctx, userID, limit)
}

// Run blocks until ctx is done, then writes out what is still queued
func (a *AsyncJournal) Run(ctx context.Context) error {
	<-ctx.Done()
	a.Drain()
	return nil
}

// Drain stops accepting events and waits until the queued ones are written
func (a *AsyncJournal) Drain() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	<-a.done
}

// Close drains the queue and closes the wrapped journal
func (a *AsyncJournal) Close() error {
	a.Drain()
	return a.journal.Close()
}

func (a *AsyncJournal) writer() {
	defer close(a.done)

	for event := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
		err := a.journal.AppendEvent(ctx, event)
		cancel()
		if err != nil {
			a.logger.Warn("Journal write failed",
				zap.Error(err),
				zap.String("kind", string(event.Kind)),
				zap.String("record_id", event.RecordID),
			)
			a.count("failed")
			continue
		}
		a.count("written")
	}
}

func (a *AsyncJournal) count(result string) {
	if a.metrics != nil {
		a.metrics.JournalEventsTotal.WithLabelValues(result).Inc()
	}
}
