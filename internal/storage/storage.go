package storage

import (
	"context"
	"errors"
	"time"

	"circulation/internal/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a write violates a uniqueness rule
	// (one active borrow / active reservation per user and book, settlement id)
	ErrDuplicate = errors.New("duplicate")
)

// Storage defines the interface for the circulation data store
type Storage interface {
	// RunInTx runs fn inside a single transaction. Any error returned by fn
	// rolls back every write made through tx.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Lifecycle
	Initialize(ctx context.Context) error
	Close() error
}

// Tx is the set of operations available inside a transaction
type Tx interface {
	// User operations

	// GetUser loads a user and locks the row until the transaction ends
	GetUser(ctx context.Context, id string) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	PutUser(ctx context.Context, user models.User) error
	// AdjustFineBalance adds delta to the user's fine balance, never going below zero
	AdjustFineBalance(ctx context.Context, userID string, delta models.Money) (models.User, error)
	SetFineBalance(ctx context.Context, userID string, balance models.Money) error
	// ApplyPayment moves amount from the fine balance to the total paid
	ApplyPayment(ctx context.Context, userID string, amount models.Money) (models.User, error)
	// ListFineCandidates returns ids of users with a non-zero balance or an unpaid fine
	ListFineCandidates(ctx context.Context) ([]string, error)
	SumUnpaidFines(ctx context.Context, userID string) (models.Money, error)

	// Book operations
	GetBook(ctx context.Context, id string) (models.Book, error)
	GetBookByISBN(ctx context.Context, isbn string) (models.Book, error)
	PutBook(ctx context.Context, book models.Book) error
	// LockBook takes the per-book advisory lock, released when the transaction ends
	LockBook(ctx context.Context, bookID string) error
	// TakeCopy decrements the quantity only if it is positive, in one conditional write.
	// It reports whether a copy was taken.
	TakeCopy(ctx context.Context, bookID string) (bool, error)
	// ReturnCopies increments the quantity by n and returns the updated book
	ReturnCopies(ctx context.Context, bookID string, n int) (models.Book, error)

	// Borrow record operations
	InsertBorrow(ctx context.Context, rec models.BorrowRecord) error
	// GetBorrow loads a borrow record and locks the row until the transaction ends
	GetBorrow(ctx context.Context, id string) (models.BorrowRecord, error)
	UpdateBorrow(ctx context.Context, rec models.BorrowRecord) error
	FindActiveBorrow(ctx context.Context, userID, bookID string) (models.BorrowRecord, error)
	ListActiveBorrowsByUser(ctx context.Context, userID string) ([]models.BorrowRecord, error)
	// ListUnpaidFinesByUser returns records with a non-zero unpaid fine
	ListUnpaidFinesByUser(ctx context.Context, userID string) ([]models.BorrowRecord, error)
	// ListOverdueBorrows returns active records whose due date is before now
	ListOverdueBorrows(ctx context.Context, now time.Time) ([]models.BorrowRecord, error)

	// Reservation operations
	InsertReservation(ctx context.Context, res models.Reservation) (models.Reservation, error)
	// GetReservation loads a reservation and locks the row until the transaction ends
	GetReservation(ctx context.Context, id string) (models.Reservation, error)
	UpdateReservation(ctx context.Context, res models.Reservation) error
	FindActiveReservation(ctx context.Context, userID, bookID string) (models.Reservation, error)
	// ListActiveReservations returns the book's waiting list in FCFS order
	ListActiveReservations(ctx context.Context, bookID string) ([]models.Reservation, error)
	HasActiveReservation(ctx context.Context, bookID string) (bool, error)
	ListReservationsByUser(ctx context.Context, userID string) ([]models.Reservation, error)
	// ExpireReservations moves every active reservation with expiry before now
	// to expired and returns the transitioned rows
	ExpireReservations(ctx context.Context, now time.Time) ([]models.Reservation, error)

	// Settlement operations
	GetSettlement(ctx context.Context, id string) (models.Settlement, error)
	InsertSettlement(ctx context.Context, s models.Settlement) error
}

// Journal defines the append-only circulation event log
type Journal interface {
	AppendEvent(ctx context.Context, event models.CirculationEvent) error
	// LastEvents returns the most recent events, newest first
	LastEvents(ctx context.Context, limit int) ([]models.CirculationEvent, error)
	// EventsForUser returns the user's most recent events, newest first
	EventsForUser(ctx context.Context, userID string, limit int) ([]models.CirculationEvent, error)
	Close() error
}
