package circulation

import (
	"context"
	"fmt"
	"time"

	"circulation/internal/models"
	"circulation/internal/storage"
)

// CalculateFine returns the fine for a copy due at due, evaluated at now:
// zero up to the due time, then ratePerHour for every started hour overdue.
func CalculateFine(due, now time.Time, ratePerHour models.Money) models.Money {
	if !now.After(due) {
		return 0
	}
	overdue := now.Sub(due)
	hours := int64(overdue / time.Hour)
	if overdue%time.Hour != 0 {
		hours++
	}
	return models.Money(hours) * ratePerHour
}

// FineSummary is a user's fine position
type FineSummary struct {
	FineBalance    models.Money
	TotalFinesPaid models.Money
	UnpaidRecords  []models.BorrowRecord
}

// reconcile recomputes the fine of an active record and moves the user's balance
// by the difference to the previously posted fine.
// Invariant: user.FineBalance == sum of the user's unpaid fines.
func (s *Service) reconcile(ctx context.Context, tx storage.Tx, rec models.BorrowRecord, now time.Time, fx *effects) (models.BorrowRecord, error) {
	if !rec.IsActive() || rec.FinePaid {
		return rec, nil
	}

	fine := CalculateFine(rec.DueDate, now, s.policy.FineRatePerHour)
	delta := fine - rec.Fine
	if delta == 0 {
		return rec, nil
	}

	if _, err := tx.AdjustFineBalance(ctx, rec.User.ID, delta); err != nil {
		return rec, fmt.Errorf("adjust fine balance: %w", err)
	}
	rec.Fine = fine
	if err := tx.UpdateBorrow(ctx, rec); err != nil {
		return rec, fmt.Errorf("update borrow: %w", err)
	}

	fx.record(models.CirculationEvent{
		Date:     now,
		Kind:     models.EventFineAccrued,
		UserID:   rec.User.ID,
		BookID:   rec.BookID,
		RecordID: rec.ID,
		Amount:   delta,
	})
	s.countAccrued(delta)
	return rec, nil
}

func (s *Service) countAccrued(delta models.Money) {
	if s.metrics != nil && delta > 0 {
		s.metrics.FinesAccrued.Add(float64(delta))
	}
}

// reconcileActive brings every active borrow of a user up to date
func (s *Service) reconcileActive(ctx context.Context, tx storage.Tx, userID string, now time.Time, fx *effects) ([]models.BorrowRecord, error) {
	active, err := tx.ListActiveBorrowsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list active borrows: %w", err)
	}
	for i, rec := range active {
		if active[i], err = s.reconcile(ctx, tx, rec, now, fx); err != nil {
			return nil, err
		}
	}
	return active, nil
}

// GetMyFines reconciles the user's active borrows and returns the fine position
func (s *Service) GetMyFines(ctx context.Context, userID string) (summary FineSummary, err error) {
	start := time.Now()
	defer func() { s.observe("get_fines", start, err) }()

	if userID == "" {
		return FineSummary{}, validation("user id is required")
	}

	fx := &effects{}
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return notFound(err, ErrUserNotFound, "get user")
		}
		if _, err := s.reconcileActive(ctx, tx, userID, s.clock.Now(), fx); err != nil {
			return err
		}

		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("reload user: %w", err)
		}
		unpaid, err := tx.ListUnpaidFinesByUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("list unpaid fines: %w", err)
		}

		summary = FineSummary{
			FineBalance:    user.FineBalance,
			TotalFinesPaid: user.TotalFinesPaid,
			UnpaidRecords:  unpaid,
		}
		return nil
	})
	if err != nil {
		return FineSummary{}, err
	}

	s.flush(ctx, fx)
	return summary, nil
}
