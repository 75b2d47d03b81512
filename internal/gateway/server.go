// Package gateway exposes the reconciler and booking modals over HTTP for the
// web frontends.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"courtbook/internal/booking"
	"courtbook/internal/clubapi"
	"courtbook/internal/reconciler"
	"courtbook/internal/slots"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// SessionHeader carries the browsing-session id that scopes the overlay.
const SessionHeader = "X-Session-ID"

type ctxKey struct{}

// Service is the reconciler surface used by handlers that do not go through a modal.
type Service interface {
	FetchSlots(ctx context.Context, scope string, clubID int64, date string) ([]slots.Slot, error)
	ApplyDurationMask(in []slots.Slot, hours int) ([]slots.Slot, error)
	EstimatePrice(ctx context.Context, clubID int64, hours int) (float64, error)
	Cancel(ctx context.Context, scope, token string, id int64) (*clubapi.CancelledReservation, error)
	MyReservations(ctx context.Context, token string) ([]clubapi.UserReservation, error)
	CheckDate(date string) error
	Today() string
}

type Server struct {
	router  *mux.Router
	svc     Service
	flow    *booking.Flow
	modals  *booking.SessionStore
	logger  *zerolog.Logger
	origins []string
}

// NewServer wires routes. origins lists allowed CORS origins; empty allows any.
func NewServer(svc Service, flow *booking.Flow, modals *booking.SessionStore, logger *zerolog.Logger, origins []string) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		svc:     svc,
		flow:    flow,
		modals:  modals,
		logger:  logger,
		origins: origins,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(sessionMiddleware)

	api.HandleFunc("/clubs/{clubID:[0-9]+}/slots", s.handleSlots).Methods(http.MethodGet)

	api.HandleFunc("/bookings", s.handleOpenModal).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}", s.handleGetModal).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}", s.handleCloseModal).Methods(http.MethodDelete)
	api.HandleFunc("/bookings/{id}/date", s.handleSelectDate).Methods(http.MethodPut)
	api.HandleFunc("/bookings/{id}/duration", s.handleSetDuration).Methods(http.MethodPut)
	api.HandleFunc("/bookings/{id}/slot", s.handleSelectSlot).Methods(http.MethodPut)
	api.HandleFunc("/bookings/{id}/reload", s.handleReload).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/submit", s.handleSubmit).Methods(http.MethodPost)

	api.HandleFunc("/reservations", s.handleMyReservations).Methods(http.MethodGet)
	api.HandleFunc("/reservations/{id:[0-9]+}", s.handleCancelReservation).Methods(http.MethodDelete)
}

// Handler returns the router wrapped with access logging and CORS.
func (s *Server) Handler() http.Handler {
	access := s.logger.With().Str("component", "access").Logger()

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", SessionHeader}),
		handlers.ExposedHeaders([]string{SessionHeader}),
	)
	return cors(handlers.LoggingHandler(access, s.router))
}

// sessionMiddleware assigns a session id when the client has none and echoes it.
func sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := r.Header.Get(SessionHeader)
		if scope == "" {
			scope = uuid.NewString()
		}
		w.Header().Set(SessionHeader, scope)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, scope)))
	})
}

func sessionFrom(r *http.Request) string {
	scope, _ := r.Context().Value(ctxKey{}).(string)
	return scope
}

// ErrorResponse is the body of every non-2xx gateway response. A failed submit
// also carries the modal as it stands after the slots were re-fetched.
type ErrorResponse struct {
	Error   string        `json:"error"`
	Kind    string        `json:"kind"`
	Reason  string        `json:"reason,omitempty"`
	Booking *booking.View `json:"booking,omitempty"`
}

// decodeJSON reads a request body, rejecting fields the target does not know.
func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: kind})
}

// writeFailure maps reconciler and booking errors onto HTTP statuses.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status, resp := s.failure(err)
	writeJSON(w, status, resp)
}

func (s *Server) failure(err error) (int, ErrorResponse) {
	var (
		validationErr *reconciler.ValidationError
		authErr       *reconciler.AuthError
		conflictErr   *reconciler.ConflictError
		fetchErr      *reconciler.FetchError
		submissionErr *reconciler.SubmissionError
		apiErr        *clubapi.APIError
	)

	switch {
	case errors.As(err, &validationErr), errors.Is(err, reconciler.ErrInvalidDuration):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "validation"}
	case errors.As(err, &authErr):
		return http.StatusUnauthorized, ErrorResponse{Error: err.Error(), Kind: "auth"}
	case errors.As(err, &conflictErr):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Kind: "conflict", Reason: conflictErr.Reason}
	case errors.Is(err, booking.ErrInvalidTransition),
		errors.Is(err, booking.ErrSlotsLoading),
		errors.Is(err, booking.ErrSlotNotSelectable),
		errors.Is(err, booking.ErrStaleResponse),
		errors.Is(err, booking.ErrNoDate):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Kind: "invalid_state"}
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway, ErrorResponse{Error: err.Error(), Kind: "fetch"}
	case errors.As(err, &submissionErr):
		switch {
		case submissionErr.StatusCode == http.StatusNotFound:
			return http.StatusNotFound, ErrorResponse{Error: err.Error(), Kind: "not_found"}
		case submissionErr.StatusCode == http.StatusForbidden:
			return http.StatusForbidden, ErrorResponse{Error: err.Error(), Kind: "submission"}
		case submissionErr.StatusCode >= 400 && submissionErr.StatusCode < 500:
			return http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Kind: "submission"}
		default:
			return http.StatusBadGateway, ErrorResponse{Error: err.Error(), Kind: "submission"}
		}
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
		return http.StatusNotFound, ErrorResponse{Error: err.Error(), Kind: "not_found"}
	case errors.As(err, &apiErr):
		return http.StatusBadGateway, ErrorResponse{Error: err.Error(), Kind: "backend"}
	default:
		s.logger.Error().Err(err).Msg("unhandled gateway error")
		return http.StatusInternalServerError, ErrorResponse{Error: "internal error", Kind: "internal"}
	}
}
