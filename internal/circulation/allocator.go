package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"circulation/internal/models"
	"circulation/internal/storage"
)

// Allocation is the outcome of one allocation pass over a book's waiting list
type Allocation struct {
	BookID string
	// Granted holds the borrow records created for queued users
	Granted []models.BorrowRecord
	// FineBlocked holds users skipped for an outstanding fine; their reservations stay active
	FineBlocked []string
	// AlreadyHolding holds users whose reservation was closed because they already had a copy
	AlreadyHolding []string
	// Remaining is the shelf quantity left after the pass
	Remaining int
}

// AllocateBook hands available copies of a book to its waiting list in FCFS order.
// It runs whenever the shelf quantity of a book grows.
func (s *Service) AllocateBook(ctx context.Context, bookID string) (alloc Allocation, err error) {
	start := time.Now()
	defer func() { s.observe("allocate", start, err) }()

	if bookID == "" {
		return Allocation{}, validation("book id is required")
	}

	fx := &effects{}
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		alloc, err = s.allocate(ctx, tx, bookID, fx)
		return err
	})
	if err != nil {
		return Allocation{}, err
	}

	s.flush(ctx, fx)
	if s.metrics != nil {
		s.metrics.AllocationsTotal.WithLabelValues("granted").Add(float64(len(alloc.Granted)))
		s.metrics.AllocationsTotal.WithLabelValues("fine_blocked").Add(float64(len(alloc.FineBlocked)))
		s.metrics.AllocationsTotal.WithLabelValues("already_holding").Add(float64(len(alloc.AlreadyHolding)))
	}
	if len(alloc.Granted)+len(alloc.FineBlocked)+len(alloc.AlreadyHolding) > 0 {
		s.logger.Info("Allocation pass finished",
			zap.String("book_id", bookID),
			zap.Int("granted", len(alloc.Granted)),
			zap.Int("fine_blocked", len(alloc.FineBlocked)),
			zap.Int("already_holding", len(alloc.AlreadyHolding)),
			zap.Int("remaining", alloc.Remaining),
		)
	}
	return alloc, nil
}

// allocate is the allocation pass. Only real grants consume budget: waiters who
// already hold a copy are closed for free, fine-blocked waiters keep their place.
func (s *Service) allocate(ctx context.Context, tx storage.Tx, bookID string, fx *effects) (Allocation, error) {
	alloc := Allocation{BookID: bookID}

	if err := tx.LockBook(ctx, bookID); err != nil {
		return alloc, notFound(err, ErrBookNotFound, "lock book")
	}
	book, err := tx.GetBook(ctx, bookID)
	if err != nil {
		return alloc, notFound(err, ErrBookNotFound, "get book")
	}
	alloc.Remaining = book.Quantity
	if book.Quantity <= 0 {
		return alloc, nil
	}

	queue, err := tx.ListActiveReservations(ctx, bookID)
	if err != nil {
		return alloc, fmt.Errorf("list active reservations: %w", err)
	}

	now := s.clock.Now()
	budget := book.Quantity
	for _, res := range queue {
		if budget == 0 {
			break
		}

		_, err := tx.FindActiveBorrow(ctx, res.User.ID, bookID)
		switch {
		case err == nil:
			res.Status = models.ReservationFulfilled
			if err := tx.UpdateReservation(ctx, res); err != nil {
				return alloc, fmt.Errorf("update reservation: %w", err)
			}
			alloc.AlreadyHolding = append(alloc.AlreadyHolding, res.User.ID)
			fx.record(models.CirculationEvent{
				Date:     now,
				Kind:     models.EventAllocationSkipped,
				UserID:   res.User.ID,
				BookID:   bookID,
				RecordID: res.ID,
				Detail:   "already holding a copy",
			})
			continue
		case !errors.Is(err, storage.ErrNotFound):
			return alloc, fmt.Errorf("find active borrow: %w", err)
		}

		user, err := tx.GetUser(ctx, res.User.ID)
		if err != nil {
			return alloc, notFound(err, ErrUserNotFound, "get user")
		}
		if user.FineBalance > 0 {
			res.Notified = true
			if err := tx.UpdateReservation(ctx, res); err != nil {
				return alloc, fmt.Errorf("update reservation: %w", err)
			}
			alloc.FineBlocked = append(alloc.FineBlocked, user.ID)
			fx.notify(res.User, "Reserved book available – settle your fines first",
				fmt.Sprintf("A copy of the book you reserved is back, but your fine balance of %s must be paid before it can be lent to you. Your reservation stays in the queue until %s.",
					user.FineBalance, res.ExpiryDate.Format(time.RFC1123)))
			fx.record(models.CirculationEvent{
				Date:     now,
				Kind:     models.EventAllocationSkipped,
				UserID:   user.ID,
				BookID:   bookID,
				RecordID: res.ID,
				Amount:   user.FineBalance,
				Detail:   "outstanding fine",
			})
			continue
		}

		rec, err := s.lend(ctx, tx, user, bookID, now, fx)
		if errors.Is(err, ErrBookUnavailable) {
			// The shelf ran dry under us; keep the grants made so far
			break
		}
		if err != nil {
			return alloc, err
		}
		res.Status = models.ReservationFulfilled
		res.Notified = true
		if err := tx.UpdateReservation(ctx, res); err != nil {
			return alloc, fmt.Errorf("update reservation: %w", err)
		}
		budget--
		alloc.Granted = append(alloc.Granted, rec)

		fx.notify(res.User, "Reserved book ready for pickup",
			fmt.Sprintf("A copy of the book you reserved has been lent to you and is ready for pickup. It is due back on %s.",
				rec.DueDate.Format(time.RFC1123)))
		fx.record(models.CirculationEvent{
			Date:     now,
			Kind:     models.EventAllocated,
			UserID:   user.ID,
			BookID:   bookID,
			RecordID: rec.ID,
			Detail:   "reservation " + res.ID,
		})
	}

	if book, err = tx.GetBook(ctx, bookID); err != nil {
		return alloc, notFound(err, ErrBookNotFound, "get book")
	}
	alloc.Remaining = book.Quantity
	return alloc, nil
}

// Restock adds copies to the shelf and runs the allocator for the book
func (s *Service) Restock(ctx context.Context, bookID string, copies int) (book models.Book, alloc Allocation, err error) {
	start := time.Now()
	defer func() { s.observe("restock", start, err) }()

	if bookID == "" {
		return models.Book{}, Allocation{}, validation("book id is required")
	}
	if copies <= 0 {
		return models.Book{}, Allocation{}, validation("copies must be positive")
	}

	fx := &effects{}
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		book, err = tx.ReturnCopies(ctx, bookID, copies)
		if err != nil {
			return notFound(err, ErrBookNotFound, "restock")
		}
		fx.record(models.CirculationEvent{
			Date:   s.clock.Now(),
			Kind:   models.EventRestocked,
			BookID: bookID,
			Detail: fmt.Sprintf("+%d, quantity %d", copies, book.Quantity),
		})
		return nil
	})
	if err != nil {
		return models.Book{}, Allocation{}, err
	}
	s.flush(ctx, fx)

	alloc, allocErr := s.AllocateBook(ctx, bookID)
	if allocErr != nil {
		s.logger.Error("Allocation after restock failed",
			zap.Error(allocErr),
			zap.String("book_id", bookID),
		)
		return book, Allocation{BookID: bookID, Remaining: book.Quantity}, nil
	}
	book.Quantity = alloc.Remaining
	book.Availability = alloc.Remaining > 0
	return book, alloc, nil
}
