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

// ReserveBook places the user in the FCFS waiting list of an unavailable book
func (s *Service) ReserveBook(ctx context.Context, userID, bookID string) (res models.Reservation, err error) {
	start := time.Now()
	defer func() { s.observe("reserve", start, err) }()

	if userID == "" || bookID == "" {
		return models.Reservation{}, validation("user id and book id are required")
	}

	fx := &effects{}
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		// Serializes with the allocator so a copy returned meanwhile is never missed.
		// The book lock comes before the user row, as in the allocator.
		if err := tx.LockBook(ctx, bookID); err != nil {
			return notFound(err, ErrBookNotFound, "lock book")
		}
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return notFound(err, ErrUserNotFound, "get user")
		}

		book, err := tx.GetBook(ctx, bookID)
		if err != nil {
			return notFound(err, ErrBookNotFound, "get book")
		}
		if book.Quantity > 0 {
			return ErrBookAvailable
		}

		_, err = tx.FindActiveReservation(ctx, userID, bookID)
		if err == nil {
			return ErrAlreadyReserved
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("find active reservation: %w", err)
		}

		now := s.clock.Now()
		res, err = tx.InsertReservation(ctx, models.Reservation{
			ID:              uuid.NewString(),
			User:            user.Snapshot(),
			BookID:          bookID,
			ReservationDate: now,
			ExpiryDate:      now.Add(s.policy.ReservationWindow),
			Status:          models.ReservationActive,
			CreatedAt:       now,
		})
		if err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return ErrAlreadyReserved
			}
			return fmt.Errorf("insert reservation: %w", err)
		}

		fx.record(models.CirculationEvent{
			Date:     now,
			Kind:     models.EventReserved,
			UserID:   userID,
			BookID:   bookID,
			RecordID: res.ID,
			Detail:   res.ExpiryDate.Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return models.Reservation{}, err
	}

	s.flush(ctx, fx)
	s.logger.Info("Book reserved",
		zap.String("reservation_id", res.ID),
		zap.String("user_id", userID),
		zap.String("book_id", bookID),
	)
	return res, nil
}

// CancelReservation withdraws an active reservation. Only its owner or an admin may cancel.
func (s *Service) CancelReservation(ctx context.Context, reservationID string, actor Actor) (err error) {
	start := time.Now()
	defer func() { s.observe("cancel_reservation", start, err) }()

	if reservationID == "" {
		return validation("reservation id is required")
	}
	if actor.UserID == "" {
		return validation("actor is required")
	}

	fx := &effects{}
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		res, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return notFound(err, ErrReservationNotFound, "get reservation")
		}
		if res.User.ID != actor.UserID && !actor.IsAdmin() {
			return ErrNotReservationOwner
		}
		if res.Status != models.ReservationActive {
			return ErrReservationNotActive
		}

		res.Status = models.ReservationCancelled
		if err := tx.UpdateReservation(ctx, res); err != nil {
			return fmt.Errorf("update reservation: %w", err)
		}

		fx.record(models.CirculationEvent{
			Date:     s.clock.Now(),
			Kind:     models.EventCancelled,
			UserID:   res.User.ID,
			BookID:   res.BookID,
			RecordID: res.ID,
			Detail:   "by " + actor.UserID,
		})
		return nil
	})
	if err != nil {
		return err
	}

	s.flush(ctx, fx)
	return nil
}

// ListMyReservations returns every reservation of the user, oldest first
func (s *Service) ListMyReservations(ctx context.Context, userID string) (list []models.Reservation, err error) {
	start := time.Now()
	defer func() { s.observe("list_reservations", start, err) }()

	if userID == "" {
		return nil, validation("user id is required")
	}

	err = s.db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return notFound(err, ErrUserNotFound, "get user")
		}
		list, err = tx.ListReservationsByUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("list reservations: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}
