// Package notify delivers best-effort notifications to library users.
//
// A Dispatcher queues notifications in memory and hands them to a Sender from a
// small worker pool, so a slow or failing channel never holds up the
// circulation transaction that produced the message.
package notify

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
	ErrQueueFull = errors.New("notification queue is full")
	ErrClosed    = errors.New("notification dispatcher is closed")
)

// Sender delivers a single notification
type Sender interface {
	Send(ctx context.Context, email, subject, message string) error
}

// Dispatcher is an asynchronous, bounded notification queue
type Dispatcher struct {
	sender      Sender
	queue       chan models.Notification
	logger      *zap.Logger
	metrics     *obs.Metrics
	sendTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts workers goroutines delivering through sender
func NewDispatcher(sender Sender, workers, queueSize int, logger *zap.Logger, metrics *obs.Metrics) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		sender:      sender,
		queue:       make(chan models.Notification, queueSize),
		logger:      logger,
		metrics:     metrics,
		sendTimeout: 10 * time.Second,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue queues a notification without blocking
func (d *Dispatcher) Enqueue(n models.Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- n:
		return nil
	default:
		d.count("dropped")
		return ErrQueueFull
	}
}

// Run blocks until ctx is done, then drains the queue
func (d *Dispatcher) Run(ctx context.Context) error {
	<-ctx.Done()
	d.Close()
	return nil
}

// Close stops accepting notifications and waits for queued ones to be delivered
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n models.Notification) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Recovered from panic in notification sender",
				zap.Any("panic", r),
				zap.String("email", n.Email),
			)
			d.count("failed")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	if err := d.sender.Send(ctx, n.Email, n.Subject, n.Message); err != nil {
		d.logger.Warn("Notification delivery failed",
			zap.Error(err),
			zap.String("email", n.Email),
			zap.String("subject", n.Subject),
		)
		d.count("failed")
		return
	}
	d.count("sent")
}

func (d *Dispatcher) count(result string) {
	if d.metrics != nil {
		d.metrics.NotificationsTotal.WithLabelValues(result).Inc()
	}
}
