// Package api exposes the circulation service as a JSON HTTP API. Callers are
// identified by the X-User-ID and X-User-Role headers set by the upstream gateway.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"circulation/internal/circulation"
	"circulation/internal/models"
	"circulation/internal/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	headerUserID    = "X-User-ID"
	headerUserRole  = "X-User-Role"
	headerRequestID = "X-Request-ID"

	maxBodyBytes = 1 << 16
)

// HTTPServer serves the circulation API
type HTTPServer struct {
	svc      *circulation.Service
	journal  storage.Journal
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewHTTPServer creates the API server. journal and gatherer may be nil.
func NewHTTPServer(svc *circulation.Service, journal storage.Journal, gatherer prometheus.Gatherer, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{
		svc:      svc,
		journal:  journal,
		gatherer: gatherer,
		logger:   logger,
	}
}

// RegisterRoutes registers the API routes on the provided mux
func (hs *HTTPServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if hs.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(hs.gatherer, promhttp.HandlerOpts{}))
	}

	// Member endpoints
	mux.Handle("POST /api/borrows", hs.member(hs.handleBorrow))
	mux.Handle("POST /api/borrows/{id}/return", hs.member(hs.handleReturn))
	mux.Handle("POST /api/borrows/{id}/renew", hs.member(hs.handleRenew))
	mux.Handle("GET /api/me/borrows", hs.member(hs.handleMyBorrows))
	mux.Handle("GET /api/me/fines", hs.member(hs.handleMyFines))
	mux.Handle("POST /api/reservations", hs.member(hs.handleReserve))
	mux.Handle("DELETE /api/reservations/{id}", hs.member(hs.handleCancel))
	mux.Handle("GET /api/me/reservations", hs.member(hs.handleMyReservations))

	// Admin endpoints
	mux.Handle("POST /api/admin/borrows/{id}/pay", hs.admin(hs.handlePayFine))
	mux.Handle("POST /api/admin/users/{id}/pay", hs.admin(hs.handlePayBalance))
	mux.Handle("POST /api/admin/extend", hs.admin(hs.handleExtend))
	mux.Handle("POST /api/admin/books/{id}/restock", hs.admin(hs.handleRestock))
	mux.Handle("POST /api/admin/sweeps/{name}", hs.admin(hs.handleSweep))
	mux.Handle("GET /api/admin/events", hs.admin(hs.handleEvents))
}

// Handler returns the API routes wrapped with request logging
func (hs *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	hs.RegisterRoutes(mux)
	return hs.withRequestID(mux)
}

type actorHandler func(w http.ResponseWriter, r *http.Request, actor circulation.Actor)

type requestIDKey struct{}

// withRequestID tags every request with an id and logs its outcome
func (hs *HTTPServer) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))

		hs.logger.Debug("Request served",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// authMiddleware resolves the caller from the gateway identity headers
func (hs *HTTPServer) authMiddleware(next actorHandler, adminOnly bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(headerUserID))
		if userID == "" {
			hs.logger.Warn("Missing identity header",
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
			)
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+headerUserID)
			return
		}

		role := models.Role(strings.ToLower(r.Header.Get(headerUserRole)))
		if role != models.RoleAdmin {
			role = models.RoleMember
		}
		actor := circulation.Actor{UserID: userID, Role: role}

		if adminOnly && !actor.IsAdmin() {
			hs.logger.Warn("Admin route denied",
				zap.String("user_id", userID),
				zap.String("path", r.URL.Path),
			)
			writeError(w, http.StatusForbidden, circulation.KindForbidden.String(), "admin role required")
			return
		}

		next(w, r, actor)
	})
}

func (hs *HTTPServer) member(next actorHandler) http.Handler {
	return hs.authMiddleware(next, false)
}

func (hs *HTTPServer) admin(next actorHandler) http.Handler {
	return hs.authMiddleware(next, true)
}

// fail writes the status matching the error kind. Internal errors are logged
// and their reason is not exposed.
func (hs *HTTPServer) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	kind := circulation.KindOf(err)
	status := statusOf(kind)
	if status == http.StatusInternalServerError {
		hs.logger.Error("Request failed",
			zap.Error(err),
			zap.String("op", op),
			zap.Any("request_id", r.Context().Value(requestIDKey{})),
		)
	}
	writeError(w, status, kind.String(), circulation.ReasonOf(err))
}

func statusOf(kind circulation.Kind) int {
	switch kind {
	case circulation.KindValidation:
		return http.StatusBadRequest
	case circulation.KindForbidden:
		return http.StatusForbidden
	case circulation.KindNotFound:
		return http.StatusNotFound
	case circulation.KindConflict:
		return http.StatusConflict
	case circulation.KindState:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeError(w http.ResponseWriter, status int, kind, reason string) {
	writeJSON(w, status, errorBody{Error: reason, Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, circulation.KindValidation.String(), "invalid request body")
		return false
	}
	return true
}
