package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"courtbook/internal/auth"
	"courtbook/internal/booking"
	"courtbook/internal/clubapi"
	"courtbook/internal/metrics"
	"courtbook/internal/reconciler"
	"courtbook/internal/slots"

	"github.com/gorilla/mux"
)

// SlotsResponse is returned by the standalone availability endpoint.
type SlotsResponse struct {
	ClubID         int64            `json:"club_id"`
	Date           string           `json:"date"`
	Duration       int              `json:"duration"`
	DurationLabel  string           `json:"duration_label"`
	Slots          []slots.SlotInfo `json:"slots"`
	FreeRanges     []FreeRange      `json:"free_ranges"`
	EstimatedPrice *float64         `json:"estimated_price,omitempty"`
}

// FreeRange is a run of back-to-back free hours, End exclusive.
type FreeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func freeRanges(in []slots.Slot) []FreeRange {
	ranges := []FreeRange{}
	for _, run := range slots.FindConsecutiveSlots(in) {
		ranges = append(ranges, FreeRange{
			Start: run[0].Start.String(),
			End:   run[len(run)-1].Start.AddHours(1).String(),
		})
	}
	return ranges
}

// openModalRequest opens a modal. Without a date the modal opens on today.
type openModalRequest struct {
	ClubID   int64  `json:"club_id"`
	Date     string `json:"date,omitempty"`
	Duration int    `json:"duration,omitempty"`
}

type dateRequest struct {
	Date string `json:"date"`
}

type durationRequest struct {
	Duration int `json:"duration"`
}

type slotRequest struct {
	StartTime string `json:"start_time"`
}

type submitRequest struct {
	PaymentMethod string `json:"payment_method"`
	GuestName     string `json:"guest_name,omitempty"`
}

// SubmitResponse carries the created reservation and the closed modal.
type SubmitResponse struct {
	Reservation *clubapi.Reservation `json:"reservation"`
	Booking     booking.View         `json:"booking"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("slots")

	clubID, err := strconv.ParseInt(mux.Vars(r)["clubID"], 10, 64)
	if err != nil || clubID <= 0 {
		writeError(w, http.StatusBadRequest, "validation", "invalid club id")
		return
	}

	date := r.URL.Query().Get("date")
	if err := s.svc.CheckDate(date); err != nil {
		s.writeFailure(w, err)
		return
	}

	hours := slots.MinDuration
	if raw := r.URL.Query().Get("duration"); raw != "" {
		hours, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation", "duration must be a number of hours")
			return
		}
	}

	fetched, err := s.svc.FetchSlots(r.Context(), sessionFrom(r), clubID, date)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	masked, err := s.svc.ApplyDurationMask(fetched, hours)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	resp := SlotsResponse{
		ClubID:        clubID,
		Date:          date,
		Duration:      hours,
		DurationLabel: slots.FormatDuration(hours),
		Slots:         slots.ToSlotInfo(masked),
		FreeRanges:    freeRanges(fetched),
	}
	if price, err := s.svc.EstimatePrice(r.Context(), clubID, hours); err != nil {
		s.logger.Warn().Err(err).Int64("club_id", clubID).Msg("price estimate unavailable")
	} else {
		resp.EstimatedPrice = &price
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOpenModal(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("open_booking")

	var req openModalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid json body")
		return
	}
	if req.ClubID <= 0 {
		writeError(w, http.StatusBadRequest, "validation", "club_id is required")
		return
	}

	if req.Date == "" {
		req.Date = s.svc.Today()
	}

	m := s.modals.Create(sessionFrom(r), req.ClubID)
	if req.Duration != 0 {
		if err := s.flow.SetDuration(m, req.Duration); err != nil {
			s.modals.Delete(m.ID)
			s.writeFailure(w, err)
			return
		}
	}
	if err := s.flow.SelectDate(r.Context(), m, req.Date); err != nil {
		var validationErr *reconciler.ValidationError
		if errors.As(err, &validationErr) {
			s.modals.Delete(m.ID)
			s.writeFailure(w, err)
			return
		}
		// The modal exists; the fetch failure is reported in the view.
		s.logger.Warn().Err(err).Str("modal_id", m.ID).Msg("initial slot load failed")
	}

	writeJSON(w, http.StatusCreated, m.View())
}

func (s *Server) handleGetModal(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("get_booking")

	m := s.modal(w, r)
	if m == nil {
		return
	}
	writeJSON(w, http.StatusOK, m.View())
}

func (s *Server) handleCloseModal(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("close_booking")

	m := s.modal(w, r)
	if m == nil {
		return
	}
	if err := s.flow.Close(m); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.modals.Delete(m.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelectDate(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("select_date")

	m := s.modal(w, r)
	if m == nil {
		return
	}
	var req dateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid json body")
		return
	}
	if err := s.flow.SelectDate(r.Context(), m, req.Date); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m.View())
}

func (s *Server) handleSetDuration(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("set_duration")

	m := s.modal(w, r)
	if m == nil {
		return
	}
	var req durationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid json body")
		return
	}
	if err := s.flow.SetDuration(m, req.Duration); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m.View())
}

func (s *Server) handleSelectSlot(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("select_slot")

	m := s.modal(w, r)
	if m == nil {
		return
	}
	var req slotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid json body")
		return
	}
	start, err := slots.ParseTimeOfDay(req.StartTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if err := s.flow.SelectSlot(m, start); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m.View())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("reload")

	m := s.modal(w, r)
	if m == nil {
		return
	}
	if err := s.flow.Reload(r.Context(), m); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m.View())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("submit")

	m := s.modal(w, r)
	if m == nil {
		return
	}
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid json body")
		return
	}

	token := auth.BearerToken(r.Header.Get("Authorization"))
	res, err := s.flow.Submit(r.Context(), m, token, req.PaymentMethod, req.GuestName)
	if err != nil {
		status, resp := s.failure(err)
		view := m.View()
		resp.Booking = &view
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{Reservation: res, Booking: m.View()})
}

func (s *Server) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("cancel_reservation")

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "validation", "invalid reservation id")
		return
	}

	token := auth.BearerToken(r.Header.Get("Authorization"))
	details, err := s.svc.Cancel(r.Context(), sessionFrom(r), token, id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if details == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleMyReservations(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("my_reservations")

	token := auth.BearerToken(r.Header.Get("Authorization"))
	list, err := s.svc.MyReservations(r.Context(), token)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if list == nil {
		list = []clubapi.UserReservation{}
	}
	writeJSON(w, http.StatusOK, list)
}

// modal resolves the {id} route variable to a live modal of the caller's
// session, writing a 404 otherwise.
func (s *Server) modal(w http.ResponseWriter, r *http.Request) *booking.Modal {
	m := s.modals.Get(mux.Vars(r)["id"])
	if m == nil || m.Scope != sessionFrom(r) {
		writeError(w, http.StatusNotFound, "not_found", "booking not found")
		return nil
	}
	return m
}
