// Package reconciler merges backend slot availability with the session overlay
// and gates reservation submission behind a fresh re-validation.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"courtbook/internal/auth"
	"courtbook/internal/clubapi"
	"courtbook/internal/events"
	"courtbook/internal/metrics"
	"courtbook/internal/overlay"
	"courtbook/internal/slots"

	"github.com/rs/zerolog"
)

const (
	dateLayout  = "2006-01-02"
	tokenLeeway = 30 * time.Second
)

// Backend is the subset of the REST backend the reconciler calls.
type Backend interface {
	AvailableSlots(ctx context.Context, clubID int64, date string) ([]clubapi.TimeSlot, error)
	CreateReservation(ctx context.Context, token string, req clubapi.ReservationRequest) (*clubapi.Reservation, error)
	CancelReservation(ctx context.Context, token string, id int64) (*clubapi.CancelledReservation, error)
	CurrentUser(ctx context.Context, token string) (*clubapi.User, error)
	MyReservations(ctx context.Context, token string) ([]clubapi.UserReservation, error)
	Club(ctx context.Context, id int64) (*clubapi.Club, error)
}

// Reconciler is safe for concurrent use; all mutable state lives in the overlay store.
type Reconciler struct {
	backend Backend
	overlay *overlay.Cache
	logger  *zerolog.Logger
	events  *events.Bus
	now     func() time.Time
}

// New creates a reconciler.
func New(backend Backend, cache *overlay.Cache, logger *zerolog.Logger) *Reconciler {
	return &Reconciler{
		backend: backend,
		overlay: cache,
		logger:  logger,
		now:     time.Now,
	}
}

// UseClock replaces the clock used for token expiry and the current date.
func (r *Reconciler) UseClock(now func() time.Time) {
	r.now = now
}

// Today returns the current date as YYYY-MM-DD.
func (r *Reconciler) Today() string {
	return r.now().Format(dateLayout)
}

// CheckDate rejects a malformed date or one before today.
func (r *Reconciler) CheckDate(date string) error {
	return ValidateDate(date, r.now())
}

// ValidateDate checks that date is YYYY-MM-DD and not before now's calendar day.
func ValidateDate(date string, now time.Time) error {
	day, err := time.Parse(dateLayout, date)
	if err != nil {
		return &ValidationError{Field: "date", Message: "expected YYYY-MM-DD"}
	}
	if day.Format(dateLayout) < now.Format(dateLayout) {
		return &ValidationError{Field: "date", Message: "must not be in the past"}
	}
	return nil
}

// UseEvents publishes reservation lifecycle events to bus.
func (r *Reconciler) UseEvents(bus *events.Bus) {
	r.events = bus
}

// Request is a reservation selection ready for submission.
type Request struct {
	ClubID        int64
	Date          string
	StartTime     slots.TimeOfDay
	Hours         int
	PaymentMethod string
	GuestName     string
}

// Validate checks the request locally against the current time. Guests must
// give a name and pay by card.
func (r Request) Validate(guest bool, now time.Time) error {
	if r.ClubID <= 0 {
		return &ValidationError{Field: "club_id", Message: "must be positive"}
	}
	if err := ValidateDate(r.Date, now); err != nil {
		return err
	}
	if !r.StartTime.Valid() || !r.StartTime.OnHour() {
		return &ValidationError{Field: "start_time", Message: "must be a whole hour"}
	}
	if !slots.ValidDuration(r.Hours) {
		return &ValidationError{Field: "duration", Message: ErrInvalidDuration.Error()}
	}
	switch r.PaymentMethod {
	case clubapi.PaymentCash, clubapi.PaymentCard:
	default:
		return &ValidationError{Field: "payment_method", Message: "must be cash or card"}
	}
	if guest {
		if strings.TrimSpace(r.GuestName) == "" {
			return &ValidationError{Field: "guest_name", Message: "required when booking without an account"}
		}
		if r.PaymentMethod != clubapi.PaymentCard {
			return &ValidationError{Field: "payment_method", Message: "only card payment is allowed without an account"}
		}
	}
	return nil
}

// FetchSlots returns the club's slots for date, sorted and overlaid with the
// scope's local bookings. Selectable holds the single-hour view.
func (r *Reconciler) FetchSlots(ctx context.Context, scope string, clubID int64, date string) ([]slots.Slot, error) {
	raw, err := r.fetchRaw(ctx, clubID, date)
	if err != nil {
		return nil, err
	}
	merged := r.overlay.Overlay(ctx, scope, clubID, date, raw)
	return slots.ApplyDurationMask(merged, 1), nil
}

// ApplyDurationMask recomputes Selectable for a reservation of hours.
func (r *Reconciler) ApplyDurationMask(in []slots.Slot, hours int) ([]slots.Slot, error) {
	if !slots.ValidDuration(hours) {
		return nil, ErrInvalidDuration
	}
	return slots.ApplyDurationMask(in, hours), nil
}

// ValidateSelection re-fetches backend slots, bypassing the overlay, and
// checks that hours consecutive slots starting at start are still free.
// A nil result means the selection may be submitted.
func (r *Reconciler) ValidateSelection(ctx context.Context, clubID int64, date string, start slots.TimeOfDay, hours int) error {
	if !slots.ValidDuration(hours) {
		return ErrInvalidDuration
	}

	fresh, err := r.fetchRaw(ctx, clubID, date)
	if err != nil {
		return err
	}

	idx := slots.Find(fresh, start)
	if idx < 0 || !fresh[idx].Free() {
		return r.conflict(ctx, clubID, date, start, ReasonSlotUnavailable)
	}
	if hours > 1 && !slots.CanBookConsecutive(fresh, start, hours) {
		return r.conflict(ctx, clubID, date, start, ReasonNotConsecutive)
	}
	return nil
}

// RecordLocalBooking remembers hours booked slots from start in the scope's overlay.
func (r *Reconciler) RecordLocalBooking(ctx context.Context, scope string, clubID int64, date string, start slots.TimeOfDay, hours int) {
	r.overlay.Record(ctx, scope, clubID, date, start, hours)
}

// ForgetLocalBooking removes the overlay entry for one start time.
func (r *Reconciler) ForgetLocalBooking(ctx context.Context, scope string, clubID int64, date string, start slots.TimeOfDay) int {
	return r.overlay.Forget(ctx, scope, clubID, date, start, 1)
}

// ForgetLocalRange removes the overlay entries of every hour of a reservation.
func (r *Reconciler) ForgetLocalRange(ctx context.Context, scope string, clubID int64, date string, start slots.TimeOfDay, hours int) int {
	return r.overlay.Forget(ctx, scope, clubID, date, start, hours)
}

// Submit validates req, checks the session token, re-validates availability and
// only then creates the reservation. On success the booked hours are recorded
// in the scope's overlay. An empty token books as a guest.
func (r *Reconciler) Submit(ctx context.Context, scope, token string, req Request) (*clubapi.Reservation, error) {
	if err := req.Validate(token == "", r.now()); err != nil {
		return nil, err
	}

	if token != "" {
		if err := r.verifySession(ctx, token); err != nil {
			return nil, err
		}
	}

	if err := r.ValidateSelection(ctx, req.ClubID, req.Date, req.StartTime, req.Hours); err != nil {
		metrics.IncReservationCreated("rejected_locally")
		return nil, err
	}

	res, err := r.backend.CreateReservation(ctx, token, clubapi.ReservationRequest{
		ClubID:          req.ClubID,
		ReservationTime: req.StartTime.String(),
		Date:            req.Date,
		Duration:        req.Hours,
		PaymentMethod:   req.PaymentMethod,
		GuestName:       strings.TrimSpace(req.GuestName),
	})
	if err != nil {
		metrics.IncReservationCreated("failed")
		if clubapi.IsStatus(err, http.StatusUnauthorized) {
			return nil, &AuthError{Err: err}
		}
		return nil, submissionError("create reservation", err)
	}
	metrics.IncReservationCreated("created")

	r.RecordLocalBooking(ctx, scope, req.ClubID, req.Date, req.StartTime, req.Hours)
	r.logger.Info().
		Int64("reservation_id", res.ID).
		Int64("club_id", req.ClubID).
		Str("date", req.Date).
		Str("start", req.StartTime.String()).
		Int("hours", req.Hours).
		Msg("reservation created")
	r.events.Publish(ctx, events.Event{
		Type:          events.ReservationCreated,
		Scope:         scope,
		ReservationID: res.ID,
		ClubID:        req.ClubID,
		Date:          req.Date,
		StartTime:     req.StartTime.String(),
		Hours:         req.Hours,
	})
	return res, nil
}

// Cancel deletes a reservation and removes its hours from the scope's overlay
// when the backend says which club, date and start were freed. Otherwise the
// entries stay until the scope expires.
func (r *Reconciler) Cancel(ctx context.Context, scope, token string, id int64) (*clubapi.CancelledReservation, error) {
	if token == "" {
		return nil, &AuthError{Err: auth.ErrTokenMissing}
	}
	if _, err := auth.Inspect(token, r.now(), tokenLeeway); err != nil {
		return nil, &AuthError{Err: err}
	}

	details, err := r.backend.CancelReservation(ctx, token, id)
	if err != nil {
		if clubapi.IsStatus(err, http.StatusUnauthorized) {
			return nil, &AuthError{Err: err}
		}
		return nil, submissionError("cancel reservation", err)
	}

	start, perr := slots.ParseTimeOfDay(cancelledStart(details))
	if !details.Identifies() || perr != nil {
		metrics.IncReservationCancelled("stale")
		r.logger.Warn().Int64("reservation_id", id).Str("scope", scope).
			Msg("cancellation response does not identify the freed slot; overlay entries kept until session expiry")
		return details, nil
	}

	removed := r.ForgetLocalRange(ctx, scope, details.ClubID, details.Date, start, details.Hours())
	metrics.IncReservationCancelled("reconciled")
	r.logger.Info().Int64("reservation_id", id).Int("overlay_removed", removed).Msg("reservation cancelled")
	r.events.Publish(ctx, events.Event{
		Type:          events.ReservationCancelled,
		Scope:         scope,
		ReservationID: id,
		ClubID:        details.ClubID,
		Date:          details.Date,
		StartTime:     start.String(),
		Hours:         details.Hours(),
	})
	return details, nil
}

// MyReservations lists the reservations of the token's owner.
func (r *Reconciler) MyReservations(ctx context.Context, token string) ([]clubapi.UserReservation, error) {
	if token == "" {
		return nil, &AuthError{Err: auth.ErrTokenMissing}
	}
	list, err := r.backend.MyReservations(ctx, token)
	if err != nil {
		if clubapi.IsStatus(err, http.StatusUnauthorized, http.StatusForbidden) {
			return nil, &AuthError{Err: err}
		}
		return nil, submissionError("list reservations", err)
	}
	return list, nil
}

// EstimatePrice returns the club's hourly price times hours.
func (r *Reconciler) EstimatePrice(ctx context.Context, clubID int64, hours int) (float64, error) {
	if !slots.ValidDuration(hours) {
		return 0, ErrInvalidDuration
	}
	club, err := r.backend.Club(ctx, clubID)
	if err != nil {
		return 0, fmt.Errorf("load club %d: %w", clubID, err)
	}
	return club.HourlyPrice * float64(hours), nil
}

func (r *Reconciler) verifySession(ctx context.Context, token string) error {
	if _, err := auth.Inspect(token, r.now(), tokenLeeway); err != nil {
		return &AuthError{Err: err}
	}
	if _, err := r.backend.CurrentUser(ctx, token); err != nil {
		var apiErr *clubapi.APIError
		if errors.As(err, &apiErr) {
			return &AuthError{Err: err}
		}
		return submissionError("verify session", err)
	}
	return nil
}

// fetchRaw loads and sorts backend slots. Entries that do not start on a whole
// hour are dropped.
func (r *Reconciler) fetchRaw(ctx context.Context, clubID int64, date string) ([]slots.Slot, error) {
	started := time.Now()
	raw, err := r.backend.AvailableSlots(ctx, clubID, date)
	metrics.ObserveSlotFetch(time.Since(started).Seconds())
	if err != nil {
		metrics.IncSlotFetch("error")
		return nil, &FetchError{ClubID: clubID, Date: date, Err: err}
	}
	metrics.IncSlotFetch("ok")

	result := make([]slots.Slot, 0, len(raw))
	for _, ts := range raw {
		start, err := slots.ParseTimeOfDay(ts.StartTime)
		if err != nil || !start.OnHour() {
			r.logger.Warn().Int64("club_id", clubID).Str("date", date).Str("start_time", ts.StartTime).
				Msg("dropping slot with malformed start time")
			continue
		}
		result = append(result, slots.Slot{Start: start, Available: ts.IsAvailable})
	}
	slots.Sort(result)
	return result, nil
}

func (r *Reconciler) conflict(ctx context.Context, clubID int64, date string, start slots.TimeOfDay, reason string) error {
	metrics.IncSelectionConflict(reason)
	r.logger.Info().Int64("club_id", clubID).Str("date", date).Str("start", start.String()).
		Str("reason", reason).Msg("selection rejected before submission")
	r.events.Publish(ctx, events.Event{
		Type:      events.SelectionRejected,
		ClubID:    clubID,
		Date:      date,
		StartTime: start.String(),
		Reason:    reason,
	})
	return &ConflictError{Reason: reason}
}

func submissionError(op string, err error) error {
	se := &SubmissionError{Op: op, Err: err}
	var apiErr *clubapi.APIError
	if errors.As(err, &apiErr) {
		se.StatusCode = apiErr.StatusCode
		se.Detail = apiErr.Detail
	}
	return se
}

func cancelledStart(c *clubapi.CancelledReservation) string {
	if c == nil {
		return ""
	}
	return c.StartTime
}
