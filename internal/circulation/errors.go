package circulation

import (
	"errors"
	"fmt"

	"circulation/internal/storage"
)

// Kind classifies a circulation failure for the caller
type Kind int

const (
	// KindInternal covers storage and other unexpected failures
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindState
	KindForbidden
	// KindTransient marks side-effect failures (notification, journal); these are
	// logged and never returned from a state transition
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindState:
		return "state"
	case KindForbidden:
		return "forbidden"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Error is a typed circulation failure with a human-readable reason
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrUserNotFound        = &Error{Kind: KindNotFound, Reason: "user not found"}
	ErrBookNotFound        = &Error{Kind: KindNotFound, Reason: "book not found"}
	ErrBorrowNotFound      = &Error{Kind: KindNotFound, Reason: "borrow record not found"}
	ErrReservationNotFound = &Error{Kind: KindNotFound, Reason: "reservation not found"}

	ErrOutstandingFine  = &Error{Kind: KindConflict, Reason: "outstanding fine blocks borrowing"}
	ErrBookUnavailable  = &Error{Kind: KindConflict, Reason: "book unavailable"}
	ErrAlreadyBorrowed  = &Error{Kind: KindConflict, Reason: "book already borrowed by this user"}
	ErrAlreadyReturned  = &Error{Kind: KindConflict, Reason: "book already returned"}
	ErrReservedByOthers = &Error{Kind: KindConflict, Reason: "book has an active reservation"}
	ErrBookAvailable    = &Error{Kind: KindConflict, Reason: "book is available, borrow it instead"}
	ErrAlreadyReserved  = &Error{Kind: KindConflict, Reason: "book already reserved by this user"}
	ErrFineAlreadyPaid  = &Error{Kind: KindConflict, Reason: "fine already paid"}
	ErrNoFine           = &Error{Kind: KindConflict, Reason: "no fine to settle"}
	ErrSettlementReused = &Error{Kind: KindConflict, Reason: "settlement id already used for another payment"}

	ErrOverdue              = &Error{Kind: KindState, Reason: "cannot renew an overdue book"}
	ErrRenewalLimit         = &Error{Kind: KindState, Reason: "renewal limit reached"}
	ErrReservationNotActive = &Error{Kind: KindState, Reason: "reservation is not active"}
	ErrFineOnActiveBorrow   = &Error{Kind: KindState, Reason: "book must be returned before its fine can be settled"}

	ErrNotReservationOwner = &Error{Kind: KindForbidden, Reason: "only the owner or an admin can cancel a reservation"}
)

// KindOf returns the kind of err, or KindInternal when err is not a circulation error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the reason of a circulation error, or a generic message
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return "internal error"
}

func validation(reason string) error {
	return &Error{Kind: KindValidation, Reason: reason}
}

func transient(reason string, err error) error {
	return &Error{Kind: KindTransient, Reason: reason, Err: err}
}

// notFound maps storage.ErrNotFound to the given sentinel and wraps anything else
func notFound(err error, sentinel error, op string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return sentinel
	}
	return fmt.Errorf("%s: %w", op, err)
}
