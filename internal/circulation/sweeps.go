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

// ExpireReservations moves every active reservation past its expiry date to
// expired. It never touches inventory and is safe to re-run.
func (s *Service) ExpireReservations(ctx context.Context) (n int, err error) {
	start := time.Now()
	defer func() { s.observe("expire_reservations", start, err) }()

	fx := &effects{}
	var expired []models.Reservation
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := s.clock.Now()
		expired, err = tx.ExpireReservations(ctx, now)
		if err != nil {
			return fmt.Errorf("expire reservations: %w", err)
		}
		for _, res := range expired {
			fx.record(models.CirculationEvent{
				Date:     now,
				Kind:     models.EventExpired,
				UserID:   res.User.ID,
				BookID:   res.BookID,
				RecordID: res.ID,
			})
			fx.notify(res.User, "Reservation expired",
				fmt.Sprintf("Your reservation made on %s has expired. You can reserve the book again if it is still unavailable.",
					res.ReservationDate.Format(time.RFC1123)))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.flush(ctx, fx)
	if len(expired) > 0 {
		if s.metrics != nil {
			s.metrics.ExpiredTotal.Add(float64(len(expired)))
		}
		s.logger.Info("Reservations expired", zap.Int("count", len(expired)))
	}
	return len(expired), nil
}

// SweepOverdueFines reconciles the fine of every overdue active record, one
// transaction per record. It returns the number of records whose fine changed.
func (s *Service) SweepOverdueFines(ctx context.Context) (n int, err error) {
	start := time.Now()
	defer func() { s.observe("sweep_fines", start, err) }()

	var overdue []models.BorrowRecord
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		overdue, err = tx.ListOverdueBorrows(ctx, s.clock.Now())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list overdue borrows: %w", err)
	}

	var errs []error
	for _, candidate := range overdue {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}

		fx := &effects{}
		changed := false
		err := s.db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			rec, err := tx.GetBorrow(ctx, candidate.ID)
			if err != nil {
				return fmt.Errorf("get borrow: %w", err)
			}
			before := rec.Fine
			if rec, err = s.reconcile(ctx, tx, rec, s.clock.Now(), fx); err != nil {
				return err
			}
			changed = rec.Fine != before
			return nil
		})
		if err != nil {
			s.logger.Error("Failed to reconcile overdue fine",
				zap.Error(err),
				zap.String("borrow_id", candidate.ID),
			)
			errs = append(errs, fmt.Errorf("borrow %s: %w", candidate.ID, err))
			continue
		}
		s.flush(ctx, fx)
		if changed {
			n++
		}
	}

	if n > 0 {
		s.logger.Info("Overdue fines updated", zap.Int("records", n))
	}
	return n, errors.Join(errs...)
}

// ReconcileBalances compares each user's fine balance with the sum of their
// unpaid fines and repairs any drift. It returns the number of repaired users.
func (s *Service) ReconcileBalances(ctx context.Context) (n int, err error) {
	start := time.Now()
	defer func() { s.observe("reconcile_balances", start, err) }()

	var candidates []string
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		candidates, err = tx.ListFineCandidates(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list fine candidates: %w", err)
	}

	var errs []error
	for _, userID := range candidates {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}

		fx := &effects{}
		repaired := false
		err := s.db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			user, err := tx.GetUser(ctx, userID)
			if err != nil {
				return fmt.Errorf("get user: %w", err)
			}
			sum, err := tx.SumUnpaidFines(ctx, userID)
			if err != nil {
				return fmt.Errorf("sum unpaid fines: %w", err)
			}
			if sum == user.FineBalance {
				return nil
			}

			if err := tx.SetFineBalance(ctx, userID, sum); err != nil {
				return fmt.Errorf("set fine balance: %w", err)
			}
			s.logger.Warn("Fine balance drift repaired",
				zap.String("user_id", userID),
				zap.Int64("stored", int64(user.FineBalance)),
				zap.Int64("unpaid_sum", int64(sum)),
			)
			fx.record(models.CirculationEvent{
				Date:   s.clock.Now(),
				Kind:   models.EventBalanceRepaired,
				UserID: userID,
				Amount: sum - user.FineBalance,
				Detail: fmt.Sprintf("%s -> %s", user.FineBalance, sum),
			})
			repaired = true
			return nil
		})
		if err != nil {
			s.logger.Error("Failed to reconcile fine balance",
				zap.Error(err),
				zap.String("user_id", userID),
			)
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
			continue
		}
		s.flush(ctx, fx)
		if repaired {
			n++
			if s.metrics != nil {
				s.metrics.BalanceRepairs.Inc()
			}
		}
	}

	return n, errors.Join(errs...)
}
