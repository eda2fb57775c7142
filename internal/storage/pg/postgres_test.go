package pg

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	postgresTC "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"circulation/internal/circulation"
	"circulation/internal/clock"
	"circulation/internal/models"
	"circulation/internal/storage"
)

// setupTestDB starts Postgres in a container and applies the migrations
func setupTestDB(t *testing.T) (*PostgresDB, func()) {
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgresTC.Run(ctx,
		"postgres:16-alpine",
		postgresTC.WithDatabase("circulation"),
		postgresTC.WithUsername("circulation"),
		postgresTC.WithPassword("circulation"),
		postgresTC.BasicWaitStrategies(),
	)
	require.NoError(t, err, "Failed to start Postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := NewPostgresDB(ctx, dsn, 8, zap.NewNop())
	require.NoError(t, err, "Failed to connect to Postgres")
	require.NoError(t, db.Initialize(ctx), "Failed to apply migrations")

	seed(t, db)

	cleanup := func() {
		db.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}
	return db, cleanup
}

func seed(t *testing.T, db *PostgresDB) {
	err := db.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		for _, u := range []models.User{
			{ID: "alice", Name: "Alice", Email: "alice@library.test", Role: models.RoleMember},
			{ID: "bob", Name: "Bob", Email: "bob@library.test", Role: models.RoleMember},
			{ID: "carol", Name: "Carol", Email: "carol@library.test", Role: models.RoleMember},
		} {
			if err := tx.PutUser(ctx, u); err != nil {
				return err
			}
		}
		for _, b := range []models.Book{
			{ID: "dune", ISBN: "978-0441172719", Title: "Dune", Quantity: 2},
			{ID: "hobbit", ISBN: "978-0547928227", Title: "The Hobbit", Quantity: 1},
			{ID: "sicp", ISBN: "978-0262510875", Title: "SICP", Quantity: 0},
		} {
			if err := tx.PutBook(ctx, b); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func getBook(t *testing.T, db *PostgresDB, id string) models.Book {
	var book models.Book
	require.NoError(t, db.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		var err error
		book, err = tx.GetBook(ctx, id)
		return err
	}))
	return book
}

func TestPostgresDB_Integration(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	t.Run("TakeCopy", func(t *testing.T) {
		err := db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			taken, err := tx.TakeCopy(ctx, "hobbit")
			require.NoError(t, err)
			assert.True(t, taken)

			taken, err = tx.TakeCopy(ctx, "hobbit")
			require.NoError(t, err)
			assert.False(t, taken, "no copy left")

			_, err = tx.TakeCopy(ctx, "missing")
			assert.ErrorIs(t, err, storage.ErrNotFound)

			book, err := tx.ReturnCopies(ctx, "hobbit", 1)
			require.NoError(t, err)
			assert.Equal(t, 1, book.Quantity)
			assert.True(t, book.Availability)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		boom := errors.New("boom")
		err := db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			if _, err := tx.TakeCopy(ctx, "dune"); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 2, getBook(t, db, "dune").Quantity)
	})

	t.Run("ActiveBorrowUnique", func(t *testing.T) {
		rec := models.BorrowRecord{
			ID:         "b-1",
			User:       models.UserSnapshot{ID: "carol", Name: "Carol", Email: "carol@library.test"},
			BookID:     "dune",
			BorrowDate: now,
			DueDate:    now.Add(time.Hour),
			CreatedAt:  now,
		}
		err := db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			if err := tx.InsertBorrow(ctx, rec); err != nil {
				return err
			}
			dup := rec
			dup.ID = "b-2"
			return tx.InsertBorrow(ctx, dup)
		})
		assert.ErrorIs(t, err, storage.ErrDuplicate)

		err = db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			_, err := tx.GetBorrow(ctx, "b-1")
			return err
		})
		assert.ErrorIs(t, err, storage.ErrNotFound, "the failed transaction must leave nothing behind")
	})

	t.Run("ReservationsFCFS", func(t *testing.T) {
		err := db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			for i, u := range []string{"bob", "alice", "carol"} {
				date := now
				if u == "carol" {
					date = now.Add(-time.Minute)
				}
				res, err := tx.InsertReservation(ctx, models.Reservation{
					ID:              "r-" + u,
					User:            models.UserSnapshot{ID: u, Email: u + "@library.test"},
					BookID:          "sicp",
					ReservationDate: date,
					ExpiryDate:      date.Add(time.Duration(i+1) * time.Hour),
					Status:          models.ReservationActive,
					CreatedAt:       date,
				})
				require.NoError(t, err)
				assert.NotZero(t, res.Seq)
			}

			queue, err := tx.ListActiveReservations(ctx, "sicp")
			require.NoError(t, err)
			require.Len(t, queue, 3)
			assert.Equal(t, "carol", queue[0].User.ID)
			assert.Equal(t, "bob", queue[1].User.ID, "same date falls back to insertion order")
			assert.Equal(t, "alice", queue[2].User.ID)

			_, err = tx.InsertReservation(ctx, models.Reservation{
				ID:              "r-bob-2",
				User:            models.UserSnapshot{ID: "bob"},
				BookID:          "sicp",
				ReservationDate: now,
				ExpiryDate:      now.Add(time.Hour),
				Status:          models.ReservationActive,
				CreatedAt:       now,
			})
			assert.ErrorIs(t, err, storage.ErrDuplicate)
			return nil
		})
		// The duplicate insert aborts the Postgres transaction, so commit reports an error
		require.Error(t, err)
	})

	t.Run("ExpireReservations", func(t *testing.T) {
		err := db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			for _, u := range []string{"alice", "bob"} {
				_, err := tx.InsertReservation(ctx, models.Reservation{
					ID:              "x-" + u,
					User:            models.UserSnapshot{ID: u},
					BookID:          "sicp",
					ReservationDate: now,
					ExpiryDate:      now.Add(time.Hour),
					Status:          models.ReservationActive,
					CreatedAt:       now,
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		var expired []models.Reservation
		err = db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			var err error
			expired, err = tx.ExpireReservations(ctx, now.Add(2*time.Hour))
			return err
		})
		require.NoError(t, err)
		assert.Len(t, expired, 2)
		for _, r := range expired {
			assert.Equal(t, models.ReservationExpired, r.Status)
		}

		err = db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			has, err := tx.HasActiveReservation(ctx, "sicp")
			assert.False(t, has)
			return err
		})
		require.NoError(t, err)
	})

	t.Run("FineBalance", func(t *testing.T) {
		err := db.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			u, err := tx.AdjustFineBalance(ctx, "carol", 40)
			require.NoError(t, err)
			assert.Equal(t, models.Money(40), u.FineBalance)

			u, err = tx.AdjustFineBalance(ctx, "carol", -100)
			require.NoError(t, err)
			assert.Equal(t, models.Money(0), u.FineBalance, "balance never goes negative")

			require.NoError(t, tx.SetFineBalance(ctx, "carol", 30))
			u, err = tx.ApplyPayment(ctx, "carol", 30)
			require.NoError(t, err)
			assert.Equal(t, models.Money(0), u.FineBalance)
			assert.Equal(t, models.Money(30), u.TotalFinesPaid)

			assert.ErrorIs(t, tx.SetFineBalance(ctx, "nobody", 1), storage.ErrNotFound)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestPostgresDB_ConcurrentBorrow(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	svc := circulation.New(db, clock.System{}, nil, circulation.DefaultPolicy(), zap.NewNop())

	users := []string{"alice", "bob", "carol"}
	errs := make([]error, len(users))
	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			_, errs[i] = svc.BorrowBook(ctx, u, "hobbit")
		}(i, u)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, circulation.ErrBookUnavailable)
	}
	assert.Equal(t, 1, succeeded)

	hobbit := getBook(t, db, "hobbit")
	assert.Equal(t, 0, hobbit.Quantity)
	assert.False(t, hobbit.Availability)
}

func TestPostgresDB_ReturnAllocatesToQueue(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	svc := circulation.New(db, clk, nil, circulation.DefaultPolicy(), zap.NewNop())

	rec, err := svc.BorrowBook(ctx, "alice", "hobbit")
	require.NoError(t, err)
	clk.Advance(time.Minute)
	res, err := svc.ReserveBook(ctx, "bob", "hobbit")
	require.NoError(t, err)

	clk.Set(rec.DueDate.Add(90 * time.Minute))
	ret, err := svc.ReturnBook(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Money(20), ret.Fine)
	require.Len(t, ret.Allocation.Granted, 1)
	assert.Equal(t, "bob", ret.Allocation.Granted[0].User.ID)

	list, err := svc.ListMyReservations(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, res.ID, list[0].ID)
	assert.Equal(t, models.ReservationFulfilled, list[0].Status)
	assert.Equal(t, 0, getBook(t, db, "hobbit").Quantity)

	n, err := svc.ReconcileBalances(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// addShelf seeds extra members and a book for the allocation tests
func addShelf(t *testing.T, db *PostgresDB, book models.Book, users ...string) {
	err := db.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		for _, u := range users {
			if err := tx.PutUser(ctx, models.User{ID: u, Name: u, Email: u + "@library.test", Role: models.RoleMember}); err != nil {
				return err
			}
		}
		return tx.PutBook(ctx, book)
	})
	require.NoError(t, err)
}

// holders returns the users with an active borrow of the book
func holders(t *testing.T, db *PostgresDB, bookID string, users []string) []string {
	var out []string
	require.NoError(t, db.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		for _, u := range users {
			_, err := tx.FindActiveBorrow(ctx, u, bookID)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, u)
		}
		return nil
	}))
	return out
}

func TestPostgresDB_ConcurrentReturnAndRestockAllocation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	svc := circulation.New(db, clock.System{}, nil, circulation.DefaultPolicy(), zap.NewNop())

	waiters := []string{"dave", "erin", "frank", "grace"}
	addShelf(t, db, models.Book{ID: "tape", ISBN: "978-0000000001", Title: "Tape", Quantity: 1}, waiters...)

	rec, err := svc.BorrowBook(ctx, "alice", "tape")
	require.NoError(t, err)
	for _, u := range waiters {
		_, err := svc.ReserveBook(ctx, u, "tape")
		require.NoError(t, err)
	}

	// One returned copy plus two restocked copies race for four waiters
	var (
		wg       sync.WaitGroup
		ret      circulation.ReturnResult
		restock  circulation.Allocation
		retErr   error
		stockErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		ret, retErr = svc.ReturnBook(ctx, rec.ID)
	}()
	go func() {
		defer wg.Done()
		_, restock, stockErr = svc.Restock(ctx, "tape", 2)
	}()
	wg.Wait()
	require.NoError(t, retErr)
	require.NoError(t, stockErr)

	granted := map[string]int{}
	for _, g := range append(ret.Allocation.Granted, restock.Granted...) {
		granted[g.User.ID]++
	}
	assert.Len(t, granted, 3, "every available copy is granted")
	for u, n := range granted {
		assert.Equal(t, 1, n, "%s was granted twice", u)
	}
	assert.ElementsMatch(t, keys(granted), holders(t, db, "tape", waiters))

	fulfilled := 0
	for _, u := range waiters {
		list, err := svc.ListMyReservations(ctx, u)
		require.NoError(t, err)
		require.Len(t, list, 1)
		if list[0].Status == models.ReservationFulfilled {
			fulfilled++
		}
	}
	assert.Equal(t, 3, fulfilled)

	tape := getBook(t, db, "tape")
	assert.Equal(t, 0, tape.Quantity)
	assert.False(t, tape.Availability)
}

func TestPostgresDB_BorrowDuringRestockKeepsGrants(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	svc := circulation.New(db, clock.System{}, nil, circulation.DefaultPolicy(), zap.NewNop())

	waiters := []string{"dave", "erin", "frank"}
	addShelf(t, db, models.Book{ID: "reel", ISBN: "978-0000000002", Title: "Reel", Quantity: 0}, waiters...)
	for _, u := range waiters {
		_, err := svc.ReserveBook(ctx, u, "reel")
		require.NoError(t, err)
	}

	var (
		wg        sync.WaitGroup
		alloc     circulation.Allocation
		stockErr  error
		borrowErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, alloc, stockErr = svc.Restock(ctx, "reel", 3)
	}()
	go func() {
		defer wg.Done()
		_, borrowErr = svc.BorrowBook(ctx, "alice", "reel")
	}()
	wg.Wait()
	require.NoError(t, stockErr)

	taken := len(alloc.Granted)
	if borrowErr == nil {
		taken++
	} else {
		assert.ErrorIs(t, borrowErr, circulation.ErrBookUnavailable)
	}
	assert.Equal(t, 3, taken, "the restocked copies all leave the shelf")
	assert.Equal(t, 0, alloc.Remaining)
	assert.Len(t, holders(t, db, "reel", append(waiters, "alice")), 3)

	reel := getBook(t, db, "reel")
	assert.Equal(t, 0, reel.Quantity)
	assert.False(t, reel.Availability)
}

func keys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
