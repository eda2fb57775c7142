package api

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"circulation/internal/circulation"
	"circulation/internal/models"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

type bookRequest struct {
	BookID string `json:"book_id"`
}

func (hs *HTTPServer) handleBorrow(w http.ResponseWriter, r *http.Request, actor circulation.Actor) {
	var req bookRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := hs.svc.BorrowBook(r.Context(), actor.UserID, strings.TrimSpace(req.BookID))
	if err != nil {
		hs.fail(w, r, "borrow", err)
		return
	}
	writeJSON(w, http.StatusCreated, borrowViewOf(rec))
}

func (hs *HTTPServer) handleReturn(w http.ResponseWriter, r *http.Request, actor circulation.Actor) {
	res, err := hs.svc.ReturnBook(r.Context(), r.PathValue("id"))
	if err != nil {
		hs.fail(w, r, "return", err)
		return
	}
	writeJSON(w, http.StatusOK, returnView{
		Borrow:      borrowViewOf(res.Record),
		Fine:        res.Fine.String(),
		FineBalance: res.FineBalance.String(),
		Allocation:  allocationViewOf(res.Allocation),
	})
}

func (hs *HTTPServer) handleRenew(w http.ResponseWriter, r *http.Request, actor circulation.Actor) {
	res, err := hs.svc.RenewBook(r.Context(), r.PathValue("id"))
	if err != nil {
		hs.fail(w, r, "renew", err)
		return
	}
	writeJSON(w, http.StatusOK, renewView{
		Borrow:     borrowViewOf(res.Record),
		NewDueDate: res.NewDueDate,
	})
}

func (hs *HTTPServer) handleMyBorrows(w http.ResponseWriter, r *http.Request, actor circulation.Actor) {
	records, err := hs.svc.ListMyBorrows(r.Context(), actor.UserID)
	if err != nil {
		hs.fail(w, r, "list borrows", err)
		return
	}
	views := make([]borrowView, 0, len(records))
	for _, rec := range records {
		views = append(views, borrowViewOf(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

func (hs *HTTPServer) handleMyFines(w http.ResponseWriter, r *http.Request, actor circulation.Actor) {
	summary, err := hs.svc.GetMyFines(r.Context(), actor.UserID)
	if err != nil {
		hs.fail(w, r, "fines", err)
		return
	}
	view := finesView{
		FineBalance:    summary.FineBalance.String(),
		TotalFinesPaid: summary.TotalFinesPaid.String(),
		Unpaid:         make([]borrowView, 0, len(summary.UnpaidRecords)),
	}
	for _, rec := range summary.UnpaidRecords {
		view.Unpaid = append(view.Unpaid, borrowViewOf(rec))
	}
	writeJSON(w, http.StatusOK, view)
}

func (hs *HTTPServer) handleReserve(w http.ResponseWriter, r *http.Request, actor circulation.Actor) {
	var req bookRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := hs.svc.ReserveBook(r.Context(), actor.UserID, strings.TrimSpace(req.BookID))
	if err != nil {
		hs.fail(w, r, "reserve", err)
		return
	}
	writeJSON(w, http.StatusCreated, reservationViewOf(res))
}

func (hs *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request, actor circulation.Actor) {
	if err := hs.svc.CancelReservation(r.Context(), r.PathValue("id"), actor); err != nil {
		hs.fail(w, r, "cancel reservation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (hs *HTTPServer) handleMyReservations(w http.ResponseWriter, r *http.Request, actor circulation.Actor) {
	list, err := hs.svc.ListMyReservations(r.Context(), actor.UserID)
	if err != nil {
		hs.fail(w, r, "list reservations", err)
		return
	}
	views := make([]reservationView, 0, len(list))
	for _, res := range list {
		views = append(views, reservationViewOf(res))
	}
	writeJSON(w, http.StatusOK, views)
}

type payRequest struct {
	Method string `json:"method"`
}

func (hs *HTTPServer) handlePayFine(w http.ResponseWriter, r *http.Request, actor circulation.Actor) {
	var req payRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := hs.svc.MarkFinePaid(r.Context(), circulation.SettlementRequest{
		ID:       r.Header.Get("Idempotency-Key"),
		BorrowID: r.PathValue("id"),
		Method:   req.Method,
	})
	if err != nil {
		hs.fail(w, r, "pay fine", err)
		return
	}
	hs.logSettlement(actor, result)
	writeJSON(w, http.StatusOK, settlementViewOf(result))
}

func (hs *HTTPServer) handlePayBalance(w http.ResponseWriter, r *http.Request, actor circulation.Actor) {
	var req payRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := hs.svc.MarkTotalBalancePaid(r.Context(), circulation.SettlementRequest{
		ID:     r.Header.Get("Idempotency-Key"),
		UserID: r.PathValue("id"),
		Method: req.Method,
	})
	if err != nil {
		hs.fail(w, r, "pay balance", err)
		return
	}
	hs.logSettlement(actor, result)
	writeJSON(w, http.StatusOK, settlementViewOf(result))
}

func (hs *HTTPServer) logSettlement(actor circulation.Actor, result circulation.SettlementResult) {
	hs.logger.Info("Settlement recorded via API",
		zap.String("admin", actor.UserID),
		zap.String("settlement_id", result.SettlementID),
		zap.Stringer("amount", result.Amount),
		zap.Bool("replayed", result.Replayed),
	)
}

type extendRequest struct {
	UserEmail string `json:"user_email"`
	ISBN      string `json:"isbn"`
	Days      int    `json:"days"`
}

func (hs *HTTPServer) handleExtend(w http.ResponseWriter, r *http.Request, actor circulation.Actor) {
	var req extendRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := hs.svc.ExtendDueDate(r.Context(), req.UserEmail, req.ISBN, req.Days)
	if err != nil {
		hs.fail(w, r, "extend", err)
		return
	}
	writeJSON(w, http.StatusOK, borrowViewOf(rec))
}

type restockRequest struct {
	Copies int `json:"copies"`
}

func (hs *HTTPServer) handleRestock(w http.ResponseWriter, r *http.Request, actor circulation.Actor) {
	var req restockRequest
	if !decode(w, r, &req) {
		return
	}
	book, alloc, err := hs.svc.Restock(r.Context(), r.PathValue("id"), req.Copies)
	if err != nil {
		hs.fail(w, r, "restock", err)
		return
	}
	writeJSON(w, http.StatusOK, restockView{
		Book:       bookViewOf(book),
		Allocation: allocationViewOf(alloc),
	})
}

func (hs *HTTPServer) handleSweep(w http.ResponseWriter, r *http.Request, actor circulation.Actor) {
	name := r.PathValue("name")

	var (
		n   int
		err error
	)
	switch name {
	case "expiry":
		n, err = hs.svc.ExpireReservations(r.Context())
	case "fines":
		n, err = hs.svc.SweepOverdueFines(r.Context())
	case "reconcile":
		n, err = hs.svc.ReconcileBalances(r.Context())
	default:
		writeError(w, http.StatusNotFound, circulation.KindNotFound.String(), "unknown sweep "+name)
		return
	}
	if err != nil {
		hs.fail(w, r, "sweep "+name, err)
		return
	}

	hs.logger.Info("Sweep run via API",
		zap.String("admin", actor.UserID),
		zap.String("sweep", name),
		zap.Int("processed", n),
	)
	writeJSON(w, http.StatusOK, sweepView{Sweep: name, Processed: n})
}

func (hs *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request, actor circulation.Actor) {
	if hs.journal == nil {
		writeError(w, http.StatusNotFound, circulation.KindNotFound.String(), "journal disabled")
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, circulation.KindValidation.String(), "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	var (
		events []models.CirculationEvent
		err    error
	)
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		events, err = hs.journal.EventsForUser(r.Context(), userID, limit)
	} else {
		events, err = hs.journal.LastEvents(r.Context(), limit)
	}
	if err != nil {
		hs.fail(w, r, "events", err)
		return
	}

	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventViewOf(e))
	}
	writeJSON(w, http.StatusOK, views)
}
