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

// SettlementRequest is a payment callback. ID is the gateway settlement id that
// makes the callback idempotent.
type SettlementRequest struct {
	ID       string
	BorrowID string
	UserID   string
	Method   string
}

// SettlementResult is the outcome of a settlement. Replayed is set when the
// settlement id had already been processed and nothing changed.
type SettlementResult struct {
	SettlementID   string
	Amount         models.Money
	FineBalance    models.Money
	TotalFinesPaid models.Money
	Replayed       bool
}

func resultOf(st models.Settlement, replayed bool) SettlementResult {
	return SettlementResult{
		SettlementID:   st.ID,
		Amount:         st.Amount,
		FineBalance:    st.FineBalance,
		TotalFinesPaid: st.TotalFinesPaid,
		Replayed:       replayed,
	}
}

// replay returns the stored settlement, if the id was already processed
func replay(ctx context.Context, tx storage.Tx, id string, same func(models.Settlement) bool) (models.Settlement, bool, error) {
	st, err := tx.GetSettlement(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Settlement{}, false, nil
	}
	if err != nil {
		return models.Settlement{}, false, fmt.Errorf("get settlement: %w", err)
	}
	if !same(st) {
		return models.Settlement{}, false, ErrSettlementReused
	}
	return st, true, nil
}

// MarkFinePaid settles the fine of one returned borrow record.
// Without an explicit settlement id the record id is used, so a repeated callback is a no-op.
func (s *Service) MarkFinePaid(ctx context.Context, req SettlementRequest) (result SettlementResult, err error) {
	start := time.Now()
	defer func() { s.observe("mark_fine_paid", start, err) }()

	if req.BorrowID == "" || req.Method == "" {
		return SettlementResult{}, validation("borrow id and payment method are required")
	}
	if req.ID == "" {
		req.ID = "fine:" + req.BorrowID
	}

	same := func(st models.Settlement) bool { return st.BorrowID == req.BorrowID }

	fx := &effects{}
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		prev, found, err := replay(ctx, tx, req.ID, same)
		if err != nil {
			return err
		}
		if found {
			result = resultOf(prev, true)
			return nil
		}

		rec, err := tx.GetBorrow(ctx, req.BorrowID)
		if err != nil {
			return notFound(err, ErrBorrowNotFound, "get borrow")
		}
		// A concurrent callback with the same id may have committed while we waited for the row
		if prev, found, err = replay(ctx, tx, req.ID, same); err != nil {
			return err
		}
		if found {
			result = resultOf(prev, true)
			return nil
		}
		if rec.IsActive() {
			return ErrFineOnActiveBorrow
		}
		if rec.FinePaid {
			return ErrFineAlreadyPaid
		}
		if rec.Fine <= 0 {
			return ErrNoFine
		}

		now := s.clock.Now()
		user, err := tx.ApplyPayment(ctx, rec.User.ID, rec.Fine)
		if err != nil {
			return notFound(err, ErrUserNotFound, "apply payment")
		}
		rec.FinePaid = true
		rec.PaymentMethod = req.Method
		rec.PaidAt = &now
		if err := tx.UpdateBorrow(ctx, rec); err != nil {
			return fmt.Errorf("update borrow: %w", err)
		}

		st := models.Settlement{
			ID:             req.ID,
			UserID:         user.ID,
			BorrowID:       rec.ID,
			Method:         req.Method,
			Amount:         rec.Fine,
			FineBalance:    user.FineBalance,
			TotalFinesPaid: user.TotalFinesPaid,
			SettledAt:      now,
		}
		if err := tx.InsertSettlement(ctx, st); err != nil {
			return fmt.Errorf("insert settlement: %w", err)
		}

		fx.record(models.CirculationEvent{
			Date:     now,
			Kind:     models.EventFinePaid,
			UserID:   user.ID,
			BookID:   rec.BookID,
			RecordID: rec.ID,
			Amount:   rec.Fine,
			Detail:   req.Method,
		})
		fx.notify(rec.User, "Fine payment received",
			fmt.Sprintf("We received your payment of %s by %s. Your remaining fine balance is %s.",
				rec.Fine, req.Method, user.FineBalance))
		result = resultOf(st, false)
		return nil
	})
	if err != nil {
		return SettlementResult{}, err
	}

	s.settled(ctx, fx, result)
	return result, nil
}

// MarkTotalBalancePaid settles every unpaid fine of the user's returned records.
// Active records keep accruing and are left for a later settlement.
func (s *Service) MarkTotalBalancePaid(ctx context.Context, req SettlementRequest) (result SettlementResult, err error) {
	start := time.Now()
	defer func() { s.observe("mark_balance_paid", start, err) }()

	if req.ID == "" || req.UserID == "" || req.Method == "" {
		return SettlementResult{}, validation("settlement id, user id and payment method are required")
	}

	same := func(st models.Settlement) bool { return st.UserID == req.UserID && st.BorrowID == "" }

	fx := &effects{}
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		prev, found, err := replay(ctx, tx, req.ID, same)
		if err != nil {
			return err
		}
		if found {
			result = resultOf(prev, true)
			return nil
		}

		user, err := tx.GetUser(ctx, req.UserID)
		if err != nil {
			return notFound(err, ErrUserNotFound, "get user")
		}
		if prev, found, err = replay(ctx, tx, req.ID, same); err != nil {
			return err
		}
		if found {
			result = resultOf(prev, true)
			return nil
		}
		unpaid, err := tx.ListUnpaidFinesByUser(ctx, user.ID)
		if err != nil {
			return fmt.Errorf("list unpaid fines: %w", err)
		}

		now := s.clock.Now()
		var total models.Money
		for _, rec := range unpaid {
			if rec.IsActive() || rec.Fine <= 0 {
				continue
			}
			total += rec.Fine
			rec.FinePaid = true
			rec.PaymentMethod = req.Method
			rec.PaidAt = &now
			if err := tx.UpdateBorrow(ctx, rec); err != nil {
				return fmt.Errorf("update borrow: %w", err)
			}
		}
		if total == 0 {
			return ErrNoFine
		}

		if user, err = tx.ApplyPayment(ctx, user.ID, total); err != nil {
			return fmt.Errorf("apply payment: %w", err)
		}
		st := models.Settlement{
			ID:             req.ID,
			UserID:         user.ID,
			Method:         req.Method,
			Amount:         total,
			FineBalance:    user.FineBalance,
			TotalFinesPaid: user.TotalFinesPaid,
			SettledAt:      now,
		}
		if err := tx.InsertSettlement(ctx, st); err != nil {
			return fmt.Errorf("insert settlement: %w", err)
		}

		fx.record(models.CirculationEvent{
			Date:     now,
			Kind:     models.EventFinePaid,
			UserID:   user.ID,
			RecordID: req.ID,
			Amount:   total,
			Detail:   req.Method,
		})
		fx.notify(user.Snapshot(), "Fine payment received",
			fmt.Sprintf("We received your payment of %s by %s. Your remaining fine balance is %s.",
				total, req.Method, user.FineBalance))
		result = resultOf(st, false)
		return nil
	})
	if err != nil {
		return SettlementResult{}, err
	}

	s.settled(ctx, fx, result)
	return result, nil
}

func (s *Service) settled(ctx context.Context, fx *effects, result SettlementResult) {
	if result.Replayed {
		s.logger.Info("Settlement replayed", zap.String("settlement_id", result.SettlementID))
		return
	}
	s.flush(ctx, fx)
	if s.metrics != nil {
		s.metrics.FinesPaid.Add(float64(result.Amount))
	}
	s.logger.Info("Fine settled",
		zap.String("settlement_id", result.SettlementID),
		zap.Int64("amount", int64(result.Amount)),
		zap.Int64("fine_balance", int64(result.FineBalance)),
	)
}
