package stubs

import (
	"context"
	"errors"
	"testing"
	"time"

	"circulation/internal/models"
	"circulation/internal/storage"
)

func TestMockDB_Initialize(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()

	if err := db.Initialize(ctx); err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	err := db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		desk, err := tx.GetUser(ctx, "desk")
		if err != nil {
			return err
		}
		if desk.Role != models.RoleAdmin {
			t.Errorf("Expected desk to be admin, got %s", desk.Role)
		}

		sicp, err := tx.GetBook(ctx, "sicp")
		if err != nil {
			return err
		}
		if sicp.Availability {
			t.Error("Expected book with zero quantity to be unavailable")
		}

		dune, err := tx.GetBookByISBN(ctx, "978-0441172719")
		if err != nil {
			return err
		}
		if !dune.Availability || dune.Quantity != 2 {
			t.Errorf("Expected Dune with 2 available copies, got %+v", dune)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}
}

func TestMockDB_TakeCopy(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()
	if err := db.Initialize(ctx); err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	// The Hobbit has a single copy
	var first, second bool
	err := db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		if first, err = tx.TakeCopy(ctx, "hobbit"); err != nil {
			return err
		}
		second, err = tx.TakeCopy(ctx, "hobbit")
		return err
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}

	if !first {
		t.Error("Expected first take to succeed")
	}
	if second {
		t.Error("Expected second take to fail on an empty shelf")
	}

	_ = db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		book, _ := tx.GetBook(ctx, "hobbit")
		if book.Quantity != 0 || book.Availability {
			t.Errorf("Expected quantity 0 and unavailable, got %+v", book)
		}
		return nil
	})
}

func TestMockDB_RunInTxRollback(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()
	if err := db.Initialize(ctx); err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	boom := errors.New("boom")
	err := db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.TakeCopy(ctx, "dune"); err != nil {
			return err
		}
		if _, err := tx.AdjustFineBalance(ctx, "alice", 500); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	_ = db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		book, _ := tx.GetBook(ctx, "dune")
		if book.Quantity != 2 {
			t.Errorf("Expected rolled back quantity 2, got %d", book.Quantity)
		}
		alice, _ := tx.GetUser(ctx, "alice")
		if alice.FineBalance != 0 {
			t.Errorf("Expected rolled back balance 0, got %d", alice.FineBalance)
		}
		return nil
	})
}

func TestMockDB_ActiveBorrowUnique(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()
	now := time.Unix(0, 0).UTC()

	err := db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		rec := models.BorrowRecord{ID: "b1", User: models.UserSnapshot{ID: "alice"}, BookID: "dune", BorrowDate: now, DueDate: now.Add(time.Hour)}
		if err := tx.InsertBorrow(ctx, rec); err != nil {
			return err
		}
		rec.ID = "b2"
		if err := tx.InsertBorrow(ctx, rec); !errors.Is(err, storage.ErrDuplicate) {
			t.Errorf("Expected ErrDuplicate for second active borrow, got %v", err)
		}

		// Once returned, the pair may borrow again
		first, _ := tx.GetBorrow(ctx, "b1")
		first.ReturnDate = &now
		if err := tx.UpdateBorrow(ctx, first); err != nil {
			return err
		}
		return tx.InsertBorrow(ctx, rec)
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}
}

func TestMockDB_ReservationsFCFS(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()
	base := time.Unix(0, 0).UTC()

	err := db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		reservations := []models.Reservation{
			{ID: "r-late", User: models.UserSnapshot{ID: "carol"}, BookID: "sicp", ReservationDate: base.Add(time.Minute)},
			{ID: "r-tie-1", User: models.UserSnapshot{ID: "alice"}, BookID: "sicp", ReservationDate: base},
			{ID: "r-tie-2", User: models.UserSnapshot{ID: "bob"}, BookID: "sicp", ReservationDate: base},
		}
		for _, r := range reservations {
			r.Status = models.ReservationActive
			r.ExpiryDate = r.ReservationDate.Add(time.Hour)
			if _, err := tx.InsertReservation(ctx, r); err != nil {
				return err
			}
		}

		list, err := tx.ListActiveReservations(ctx, "sicp")
		if err != nil {
			return err
		}
		if len(list) != 3 {
			t.Fatalf("Expected 3 reservations, got %d", len(list))
		}
		expected := []string{"r-tie-1", "r-tie-2", "r-late"}
		for i, id := range expected {
			if list[i].ID != id {
				t.Errorf("Position %d: expected %s, got %s", i, id, list[i].ID)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}
}

func TestMockDB_ExpireReservations(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()
	base := time.Unix(0, 0).UTC()

	err := db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		stale := models.Reservation{ID: "stale", User: models.UserSnapshot{ID: "alice"}, BookID: "sicp", ReservationDate: base, ExpiryDate: base.Add(time.Hour), Status: models.ReservationActive}
		fresh := models.Reservation{ID: "fresh", User: models.UserSnapshot{ID: "bob"}, BookID: "sicp", ReservationDate: base, ExpiryDate: base.Add(3 * time.Hour), Status: models.ReservationActive}
		if _, err := tx.InsertReservation(ctx, stale); err != nil {
			return err
		}
		if _, err := tx.InsertReservation(ctx, fresh); err != nil {
			return err
		}

		expired, err := tx.ExpireReservations(ctx, base.Add(2*time.Hour))
		if err != nil {
			return err
		}
		if len(expired) != 1 || expired[0].ID != "stale" {
			t.Errorf("Expected only the stale reservation to expire, got %+v", expired)
		}

		active, _ := tx.ListActiveReservations(ctx, "sicp")
		if len(active) != 1 || active[0].ID != "fresh" {
			t.Errorf("Expected only the fresh reservation to stay active, got %+v", active)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}
}

func TestMemoryJournal_Events(t *testing.T) {
	j := NewMemoryJournal()
	ctx := context.Background()
	base := time.Unix(0, 0).UTC()

	_ = j.AppendEvent(ctx, models.CirculationEvent{Date: base, Kind: models.EventBorrowed, UserID: "alice"})
	_ = j.AppendEvent(ctx, models.CirculationEvent{Date: base.Add(time.Hour), Kind: models.EventReturned, UserID: "alice"})
	_ = j.AppendEvent(ctx, models.CirculationEvent{Date: base.Add(2 * time.Hour), Kind: models.EventReserved, UserID: "bob"})

	last, err := j.LastEvents(ctx, 2)
	if err != nil {
		t.Fatalf("Failed to get last events: %v", err)
	}
	if len(last) != 2 || last[0].Kind != models.EventReserved || last[1].Kind != models.EventReturned {
		t.Errorf("Unexpected last events: %+v", last)
	}

	alice, _ := j.EventsForUser(ctx, "alice", 10)
	if len(alice) != 2 || alice[0].Kind != models.EventReturned {
		t.Errorf("Unexpected events for alice: %+v", alice)
	}
}
