package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"circulation/internal/models"
	"circulation/internal/storage"
)

// ReturnResult is the outcome of returning a copy
type ReturnResult struct {
	Record      models.BorrowRecord
	Fine        models.Money
	FineBalance models.Money
	// Allocation is what the allocator granted from the returned copy
	Allocation Allocation
}

// RenewResult is the outcome of a renewal
type RenewResult struct {
	Record     models.BorrowRecord
	NewDueDate time.Time
}

// BorrowBook lends one copy of a book to a user
func (s *Service) BorrowBook(ctx context.Context, userID, bookID string) (rec models.BorrowRecord, err error) {
	start := time.Now()
	defer func() { s.observe("borrow", start, err) }()

	if userID == "" || bookID == "" {
		return models.BorrowRecord{}, validation("user id and book id are required")
	}

	fx := &effects{}
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		// Same lock order as the allocator: book lock, user row, book row
		if err := tx.LockBook(ctx, bookID); err != nil {
			return notFound(err, ErrBookNotFound, "lock book")
		}
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return notFound(err, ErrUserNotFound, "get user")
		}
		if user.FineBalance > 0 {
			return ErrOutstandingFine
		}

		book, err := tx.GetBook(ctx, bookID)
		if err != nil {
			return notFound(err, ErrBookNotFound, "get book")
		}
		if book.Quantity <= 0 {
			return ErrBookUnavailable
		}

		_, err = tx.FindActiveBorrow(ctx, userID, bookID)
		if err == nil {
			return ErrAlreadyBorrowed
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("find active borrow: %w", err)
		}

		rec, err = s.lend(ctx, tx, user, bookID, s.clock.Now(), fx)
		return err
	})
	if err != nil {
		return models.BorrowRecord{}, err
	}

	s.flush(ctx, fx)
	s.logger.Info("Book borrowed",
		zap.String("borrow_id", rec.ID),
		zap.String("user_id", userID),
		zap.String("book_id", bookID),
		zap.Time("due_date", rec.DueDate),
	)
	return rec, nil
}

// lend takes a copy off the shelf with a conditional decrement and opens a borrow record
func (s *Service) lend(ctx context.Context, tx storage.Tx, user models.User, bookID string, now time.Time, fx *effects) (models.BorrowRecord, error) {
	taken, err := tx.TakeCopy(ctx, bookID)
	if err != nil {
		return models.BorrowRecord{}, notFound(err, ErrBookNotFound, "take copy")
	}
	if !taken {
		return models.BorrowRecord{}, ErrBookUnavailable
	}

	rec := models.BorrowRecord{
		ID:         uuid.NewString(),
		User:       user.Snapshot(),
		BookID:     bookID,
		BorrowDate: now,
		DueDate:    now.Add(s.policy.LoanDuration),
		CreatedAt:  now,
	}
	if err := tx.InsertBorrow(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return models.BorrowRecord{}, ErrAlreadyBorrowed
		}
		return models.BorrowRecord{}, fmt.Errorf("insert borrow: %w", err)
	}

	fx.record(models.CirculationEvent{
		Date:     now,
		Kind:     models.EventBorrowed,
		UserID:   user.ID,
		BookID:   bookID,
		RecordID: rec.ID,
	})
	return rec, nil
}

// ReturnBook closes a borrow record, posts its final fine, puts the copy back on
// the shelf and then runs the allocator for the book.
func (s *Service) ReturnBook(ctx context.Context, borrowID string) (res ReturnResult, err error) {
	start := time.Now()
	defer func() { s.observe("return", start, err) }()

	if borrowID == "" {
		return ReturnResult{}, validation("borrow id is required")
	}

	fx := &effects{}
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		rec, err := tx.GetBorrow(ctx, borrowID)
		if err != nil {
			return notFound(err, ErrBorrowNotFound, "get borrow")
		}
		if !rec.IsActive() {
			return ErrAlreadyReturned
		}

		now := s.clock.Now()
		fine := CalculateFine(rec.DueDate, now, s.policy.FineRatePerHour)

		// Lazy reconciliation may already have posted part of the fine
		var user models.User
		if delta := fine - rec.Fine; delta != 0 {
			user, err = tx.AdjustFineBalance(ctx, rec.User.ID, delta)
			s.countAccrued(delta)
		} else {
			user, err = tx.GetUser(ctx, rec.User.ID)
		}
		if err != nil {
			return fmt.Errorf("post fine: %w", err)
		}

		rec.ReturnDate = &now
		rec.Fine = fine
		if err := tx.UpdateBorrow(ctx, rec); err != nil {
			return fmt.Errorf("update borrow: %w", err)
		}
		if _, err := tx.ReturnCopies(ctx, rec.BookID, 1); err != nil {
			return notFound(err, ErrBookNotFound, "return copy")
		}

		fx.record(models.CirculationEvent{
			Date:     now,
			Kind:     models.EventReturned,
			UserID:   rec.User.ID,
			BookID:   rec.BookID,
			RecordID: rec.ID,
			Amount:   fine,
		})
		if fine > 0 {
			fx.notify(rec.User, "Book returned with an overdue fine",
				fmt.Sprintf("Your return was %s overdue. A fine of %s was added; your balance is now %s.",
					now.Sub(rec.DueDate).Round(time.Minute), fine, user.FineBalance))
		}

		res = ReturnResult{Record: rec, Fine: fine, FineBalance: user.FineBalance}
		return nil
	})
	if err != nil {
		return ReturnResult{}, err
	}

	s.flush(ctx, fx)
	s.logger.Info("Book returned",
		zap.String("borrow_id", borrowID),
		zap.String("book_id", res.Record.BookID),
		zap.Int64("fine", int64(res.Fine)),
	)

	// The return is committed; an allocation failure is left for the next trigger
	alloc, allocErr := s.AllocateBook(ctx, res.Record.BookID)
	if allocErr != nil {
		s.logger.Error("Allocation after return failed",
			zap.Error(allocErr),
			zap.String("book_id", res.Record.BookID),
		)
		return res, nil
	}
	res.Allocation = alloc
	return res, nil
}

// RenewBook extends the due date of an active, not yet overdue record once
func (s *Service) RenewBook(ctx context.Context, borrowID string) (res RenewResult, err error) {
	start := time.Now()
	defer func() { s.observe("renew", start, err) }()

	if borrowID == "" {
		return RenewResult{}, validation("borrow id is required")
	}

	fx := &effects{}
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		rec, err := tx.GetBorrow(ctx, borrowID)
		if err != nil {
			return notFound(err, ErrBorrowNotFound, "get borrow")
		}
		if !rec.IsActive() {
			return ErrAlreadyReturned
		}

		now := s.clock.Now()
		if now.After(rec.DueDate) {
			return ErrOverdue
		}
		if rec.RenewalCount >= s.policy.MaxRenewals {
			return ErrRenewalLimit
		}

		// Reservation holders take priority over a renewal
		reserved, err := tx.HasActiveReservation(ctx, rec.BookID)
		if err != nil {
			return fmt.Errorf("check reservations: %w", err)
		}
		if reserved {
			return ErrReservedByOthers
		}

		rec.DueDate = rec.DueDate.Add(s.policy.RenewalInterval)
		rec.RenewalCount++
		rec.RenewedAt = &now
		if err := tx.UpdateBorrow(ctx, rec); err != nil {
			return fmt.Errorf("update borrow: %w", err)
		}

		fx.record(models.CirculationEvent{
			Date:     now,
			Kind:     models.EventRenewed,
			UserID:   rec.User.ID,
			BookID:   rec.BookID,
			RecordID: rec.ID,
			Detail:   rec.DueDate.Format(time.RFC3339),
		})
		res = RenewResult{Record: rec, NewDueDate: rec.DueDate}
		return nil
	})
	if err != nil {
		return RenewResult{}, err
	}

	s.flush(ctx, fx)
	return res, nil
}

// ExtendDueDate is the administrative override that pushes the due date of a
// user's active borrow by whole days, regardless of renewal limits.
func (s *Service) ExtendDueDate(ctx context.Context, userEmail, isbn string, days int) (rec models.BorrowRecord, err error) {
	start := time.Now()
	defer func() { s.observe("extend", start, err) }()

	if userEmail == "" || isbn == "" {
		return models.BorrowRecord{}, validation("user email and isbn are required")
	}
	if days <= 0 {
		return models.BorrowRecord{}, validation("days must be positive")
	}

	fx := &effects{}
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		user, err := tx.GetUserByEmail(ctx, userEmail)
		if err != nil {
			return notFound(err, ErrUserNotFound, "get user")
		}
		book, err := tx.GetBookByISBN(ctx, isbn)
		if err != nil {
			return notFound(err, ErrBookNotFound, "get book")
		}
		active, err := tx.FindActiveBorrow(ctx, user.ID, book.ID)
		if err != nil {
			return notFound(err, ErrBorrowNotFound, "find active borrow")
		}
		// Lock the record before changing it
		if rec, err = tx.GetBorrow(ctx, active.ID); err != nil {
			return fmt.Errorf("get borrow: %w", err)
		}

		now := s.clock.Now()
		rec.DueDate = rec.DueDate.Add(time.Duration(days) * 24 * time.Hour)
		if err := tx.UpdateBorrow(ctx, rec); err != nil {
			return fmt.Errorf("update borrow: %w", err)
		}

		// A later due date can shrink a fine already posted
		if rec, err = s.reconcile(ctx, tx, rec, now, fx); err != nil {
			return err
		}

		fx.record(models.CirculationEvent{
			Date:     now,
			Kind:     models.EventExtended,
			UserID:   user.ID,
			BookID:   book.ID,
			RecordID: rec.ID,
			Detail:   fmt.Sprintf("+%dd until %s", days, rec.DueDate.Format(time.RFC3339)),
		})
		return nil
	})
	if err != nil {
		return models.BorrowRecord{}, err
	}

	s.flush(ctx, fx)
	return rec, nil
}

// ListMyBorrows returns the user's active borrows with fines brought up to date
func (s *Service) ListMyBorrows(ctx context.Context, userID string) (records []models.BorrowRecord, err error) {
	start := time.Now()
	defer func() { s.observe("list_borrows", start, err) }()

	if userID == "" {
		return nil, validation("user id is required")
	}

	fx := &effects{}
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return notFound(err, ErrUserNotFound, "get user")
		}
		records, err = s.reconcileActive(ctx, tx, userID, s.clock.Now(), fx)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.flush(ctx, fx)
	return records, nil
}
