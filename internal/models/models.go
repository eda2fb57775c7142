package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Money is an amount in minor currency units (cents)
type Money int64

// String formats the amount with two decimal places
func (m Money) String() string {
	return decimal.New(int64(m), -2).StringFixed(2)
}

// Role is the access role of a library user
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// User represents a library member with a running fine balance
type User struct {
	ID             string
	Name           string
	Email          string
	Role           Role
	FineBalance    Money
	TotalFinesPaid Money
}

// Snapshot returns the identity fields copied onto borrow and reservation records
func (u User) Snapshot() UserSnapshot {
	return UserSnapshot{ID: u.ID, Name: u.Name, Email: u.Email}
}

// UserSnapshot is the user identity as it was when a record was created
type UserSnapshot struct {
	ID    string
	Name  string
	Email string
}

// Book represents a catalog title and its shelf inventory
type Book struct {
	ID           string
	ISBN         string
	Title        string
	Author       string
	Quantity     int
	Availability bool
}

// BorrowRecord tracks one copy of a book lent to a user
type BorrowRecord struct {
	ID            string
	User          UserSnapshot
	BookID        string
	BorrowDate    time.Time
	DueDate       time.Time
	ReturnDate    *time.Time
	Fine          Money
	FinePaid      bool
	PaymentMethod string
	PaidAt        *time.Time
	RenewalCount  int
	RenewedAt     *time.Time
	CreatedAt     time.Time
}

// IsActive reports whether the copy is still out
func (r BorrowRecord) IsActive() bool {
	return r.ReturnDate == nil
}

// ReservationStatus is the lifecycle state of a reservation
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationFulfilled ReservationStatus = "fulfilled"
	ReservationExpired   ReservationStatus = "expired"
	ReservationCancelled ReservationStatus = "cancelled"
)

// Reservation is a place in the waiting list for an unavailable book
type Reservation struct {
	ID              string
	User            UserSnapshot
	BookID          string
	ReservationDate time.Time
	ExpiryDate      time.Time
	Status          ReservationStatus
	Notified        bool
	CreatedAt       time.Time
	// Seq breaks reservation-date ties in insertion order
	Seq int64
}

// Settlement records a processed payment callback, keyed by the gateway settlement id
type Settlement struct {
	ID             string
	UserID         string
	BorrowID       string
	Method         string
	Amount         Money
	FineBalance    Money
	TotalFinesPaid Money
	SettledAt      time.Time
}

// EventKind names a circulation journal entry
type EventKind string

const (
	EventBorrowed          EventKind = "borrowed"
	EventReturned          EventKind = "returned"
	EventRenewed           EventKind = "renewed"
	EventExtended          EventKind = "extended"
	EventReserved          EventKind = "reserved"
	EventCancelled         EventKind = "cancelled"
	EventAllocated         EventKind = "allocated"
	EventAllocationSkipped EventKind = "allocation_skipped"
	EventExpired           EventKind = "expired"
	EventFineAccrued       EventKind = "fine_accrued"
	EventFinePaid          EventKind = "fine_paid"
	EventBalanceRepaired   EventKind = "balance_repaired"
	EventRestocked         EventKind = "restocked"
)

// CirculationEvent is one entry of the append-only circulation journal
type CirculationEvent struct {
	Date     time.Time
	Kind     EventKind
	UserID   string
	BookID   string
	RecordID string
	Amount   Money
	Detail   string
}

// Notification is a best-effort message to a library user
type Notification struct {
	Email   string
	Subject string
	Message string
}
