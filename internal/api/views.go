package api

import (
	"time"

	"circulation/internal/circulation"
	"circulation/internal/models"
)

// borrowView renders money as a decimal string in major units
type borrowView struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	BookID       string     `json:"book_id"`
	BorrowDate   time.Time  `json:"borrow_date"`
	DueDate      time.Time  `json:"due_date"`
	ReturnDate   *time.Time `json:"return_date,omitempty"`
	Fine         string     `json:"fine"`
	FinePaid     bool       `json:"fine_paid"`
	RenewalCount int        `json:"renewal_count"`
}

func borrowViewOf(rec models.BorrowRecord) borrowView {
	return borrowView{
		ID:           rec.ID,
		UserID:       rec.User.ID,
		BookID:       rec.BookID,
		BorrowDate:   rec.BorrowDate,
		DueDate:      rec.DueDate,
		ReturnDate:   rec.ReturnDate,
		Fine:         rec.Fine.String(),
		FinePaid:     rec.FinePaid,
		RenewalCount: rec.RenewalCount,
	}
}

type reservationView struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	BookID          string    `json:"book_id"`
	ReservationDate time.Time `json:"reservation_date"`
	ExpiryDate      time.Time `json:"expiry_date"`
	Status          string    `json:"status"`
	Notified        bool      `json:"notified"`
}

func reservationViewOf(res models.Reservation) reservationView {
	return reservationView{
		ID:              res.ID,
		UserID:          res.User.ID,
		BookID:          res.BookID,
		ReservationDate: res.ReservationDate,
		ExpiryDate:      res.ExpiryDate,
		Status:          string(res.Status),
		Notified:        res.Notified,
	}
}

type bookView struct {
	ID           string `json:"id"`
	ISBN         string `json:"isbn"`
	Title        string `json:"title"`
	Quantity     int    `json:"quantity"`
	Availability bool   `json:"availability"`
}

func bookViewOf(b models.Book) bookView {
	return bookView{
		ID:           b.ID,
		ISBN:         b.ISBN,
		Title:        b.Title,
		Quantity:     b.Quantity,
		Availability: b.Availability,
	}
}

type allocationView struct {
	BookID         string       `json:"book_id"`
	Granted        []borrowView `json:"granted"`
	FineBlocked    []string     `json:"fine_blocked"`
	AlreadyHolding []string     `json:"already_holding"`
	Remaining      int          `json:"remaining"`
}

func allocationViewOf(a circulation.Allocation) allocationView {
	view := allocationView{
		BookID:         a.BookID,
		Granted:        make([]borrowView, 0, len(a.Granted)),
		FineBlocked:    append([]string{}, a.FineBlocked...),
		AlreadyHolding: append([]string{}, a.AlreadyHolding...),
		Remaining:      a.Remaining,
	}
	for _, rec := range a.Granted {
		view.Granted = append(view.Granted, borrowViewOf(rec))
	}
	return view
}

type returnView struct {
	Borrow      borrowView     `json:"borrow"`
	Fine        string         `json:"fine"`
	FineBalance string         `json:"fine_balance"`
	Allocation  allocationView `json:"allocation"`
}

type renewView struct {
	Borrow     borrowView `json:"borrow"`
	NewDueDate time.Time  `json:"new_due_date"`
}

type finesView struct {
	FineBalance    string       `json:"fine_balance"`
	TotalFinesPaid string       `json:"total_fines_paid"`
	Unpaid         []borrowView `json:"unpaid"`
}

type settlementView struct {
	SettlementID   string `json:"settlement_id"`
	Amount         string `json:"amount"`
	FineBalance    string `json:"fine_balance"`
	TotalFinesPaid string `json:"total_fines_paid"`
	Replayed       bool   `json:"replayed"`
}

func settlementViewOf(r circulation.SettlementResult) settlementView {
	return settlementView{
		SettlementID:   r.SettlementID,
		Amount:         r.Amount.String(),
		FineBalance:    r.FineBalance.String(),
		TotalFinesPaid: r.TotalFinesPaid.String(),
		Replayed:       r.Replayed,
	}
}

type restockView struct {
	Book       bookView       `json:"book"`
	Allocation allocationView `json:"allocation"`
}

type sweepView struct {
	Sweep     string `json:"sweep"`
	Processed int    `json:"processed"`
}

type eventView struct {
	Date     time.Time `json:"date"`
	Kind     string    `json:"kind"`
	UserID   string    `json:"user_id,omitempty"`
	BookID   string    `json:"book_id,omitempty"`
	RecordID string    `json:"record_id,omitempty"`
	Amount   string    `json:"amount"`
	Detail   string    `json:"detail,omitempty"`
}

func eventViewOf(e models.CirculationEvent) eventView {
	return eventView{
		Date:     e.Date,
		Kind:     string(e.Kind),
		UserID:   e.UserID,
		BookID:   e.BookID,
		RecordID: e.RecordID,
		Amount:   e.Amount.String(),
		Detail:   e.Detail,
	}
}
