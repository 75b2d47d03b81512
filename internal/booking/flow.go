package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"courtbook/internal/clubapi"
	"courtbook/internal/metrics"
	"courtbook/internal/reconciler"
	"courtbook/internal/slots"

	"github.com/rs/zerolog"
)

var (
	ErrInvalidTransition = errors.New("booking: action not allowed in current state")
	ErrSlotsLoading      = errors.New("booking: slots are still loading")
	ErrStaleResponse     = errors.New("booking: slot response superseded by a newer request")
	ErrSlotNotSelectable = errors.New("booking: slot is not available for the chosen duration")
	ErrNoDate            = errors.New("booking: no date selected")
)

// Reconciler is what the modal flow needs from the availability reconciler.
type Reconciler interface {
	FetchSlots(ctx context.Context, scope string, clubID int64, date string) ([]slots.Slot, error)
	ApplyDurationMask(in []slots.Slot, hours int) ([]slots.Slot, error)
	Submit(ctx context.Context, scope, token string, req reconciler.Request) (*clubapi.Reservation, error)
	CheckDate(date string) error
}

// Flow drives modals through the FSM. No modal lock is held across a
// reconciler call; responses are matched to requests by load sequence.
type Flow struct {
	fsm    *FSM
	rec    Reconciler
	logger *zerolog.Logger
}

// NewFlow creates a flow controller.
func NewFlow(rec Reconciler, logger *zerolog.Logger) *Flow {
	return &Flow{fsm: NewFSM(), rec: rec, logger: logger}
}

// SelectDate sets the modal date, clears any selection and loads slots.
// Malformed and past dates are rejected before the modal changes.
func (f *Flow) SelectDate(ctx context.Context, m *Modal, date string) error {
	if err := f.rec.CheckDate(date); err != nil {
		return err
	}

	m.mu.Lock()
	if m.state == StateClosed {
		if err := f.transition(m, StateDateSelected); err != nil {
			m.mu.Unlock()
			return err
		}
		m.reservation = nil
	}
	m.lastErr = nil
	seq, err := f.beginLoad(m, date)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return f.load(ctx, m, seq, date)
}

// Reload re-fetches slots for the current date.
func (f *Flow) Reload(ctx context.Context, m *Modal) error {
	m.mu.Lock()
	date := m.date
	if date == "" {
		m.mu.Unlock()
		return ErrNoDate
	}
	m.lastErr = nil
	seq, err := f.beginLoad(m, date)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return f.load(ctx, m, seq, date)
}

// SetDuration changes the reservation length. With slots on screen the mask is
// recomputed at once and the selection cleared; otherwise the length applies
// when slots arrive.
func (f *Flow) SetDuration(m *Modal, hours int) error {
	if !slots.ValidDuration(hours) {
		return reconciler.ErrInvalidDuration
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateSubmitting:
		return fmt.Errorf("%w: %s", ErrInvalidTransition, m.state)
	case StateSlotsReady, StateSlotSelected:
		view, err := f.rec.ApplyDurationMask(m.base, hours)
		if err != nil {
			return err
		}
		m.hours = hours
		m.view = view
		m.clearSelection()
		m.lastErr = nil
		return f.transition(m, StateSlotsReady)
	default:
		m.hours = hours
		m.updatedAt = time.Now()
		return nil
	}
}

// SelectSlot chooses a start time from the masked slots.
func (f *Flow) SelectSlot(m *Modal, start slots.TimeOfDay) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateSlotsLoading {
		return ErrSlotsLoading
	}
	if m.state != StateSlotsReady && m.state != StateSlotSelected {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, m.state)
	}

	idx := slots.Find(m.view, start)
	if idx < 0 || !m.view[idx].Selectable {
		return ErrSlotNotSelectable
	}

	m.selected = start
	m.hasSelected = true
	m.lastErr = nil
	return f.transition(m, StateSlotSelected)
}

// Submit books the selected slot. A conflict or backend rejection re-fetches
// slots; an auth failure closes the modal; a validation failure keeps the
// selection so the user can correct the form.
func (f *Flow) Submit(ctx context.Context, m *Modal, token, paymentMethod, guestName string) (*clubapi.Reservation, error) {
	m.mu.Lock()
	if m.state == StateSlotsLoading {
		m.mu.Unlock()
		return nil, ErrSlotsLoading
	}
	if m.state != StateSlotSelected {
		state := m.state
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransition, state)
	}
	req := reconciler.Request{
		ClubID:        m.ClubID,
		Date:          m.date,
		StartTime:     m.selected,
		Hours:         m.hours,
		PaymentMethod: paymentMethod,
		GuestName:     guestName,
	}
	_ = f.transition(m, StateSubmitting)
	m.mu.Unlock()

	res, err := f.rec.Submit(ctx, m.Scope, token, req)

	m.mu.Lock()
	var (
		validationErr *reconciler.ValidationError
		authErr       *reconciler.AuthError
		conflictErr   *reconciler.ConflictError
	)
	switch {
	case err == nil:
		_ = f.transition(m, StateSucceeded)
		m.reservation = res
		m.lastErr = nil
		m.clearSelection()
		m.base, m.view = nil, nil
		_ = f.transition(m, StateClosed)
		m.mu.Unlock()
		return res, nil

	case errors.As(err, &validationErr):
		m.lastErr = err
		_ = f.transition(m, StateSlotSelected)
		m.mu.Unlock()
		return nil, err

	case errors.As(err, &authErr):
		_ = f.transition(m, StateFailed)
		m.lastErr = err
		m.clearSelection()
		_ = f.transition(m, StateClosed)
		m.mu.Unlock()
		return nil, err

	case errors.As(err, &conflictErr):
		_ = f.transition(m, StateConflict)
	default:
		_ = f.transition(m, StateFailed)
	}

	m.lastErr = err
	date := m.date
	seq, lerr := f.beginLoad(m, date)
	m.mu.Unlock()

	if lerr == nil {
		if rerr := f.load(ctx, m, seq, date); rerr != nil && !errors.Is(rerr, ErrStaleResponse) {
			f.logger.Warn().Err(rerr).Str("modal_id", m.ID).Msg("reload after failed submission")
		}
	}
	return nil, err
}

// Close ends the modal. An in-flight load is invalidated.
func (f *Flow) Close(m *Modal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return nil
	}
	if err := f.transition(m, StateClosed); err != nil {
		return err
	}
	m.loadSeq++
	m.clearSelection()
	m.base, m.view = nil, nil
	m.lastErr = nil
	return nil
}

// transition moves m to the given state if the FSM allows it. Caller holds m.mu.
func (f *Flow) transition(m *Modal, to State) error {
	if !f.fsm.CanTransition(m.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}
	m.setState(to)
	return nil
}

// beginLoad enters slots_loading for date and returns the new load sequence.
// Caller holds m.mu.
func (f *Flow) beginLoad(m *Modal, date string) (uint64, error) {
	if err := f.transition(m, StateSlotsLoading); err != nil {
		return 0, err
	}
	m.date = date
	m.clearSelection()
	m.base, m.view = nil, nil
	m.loadSeq++
	return m.loadSeq, nil
}

// load fetches slots and applies them unless a newer load has started since.
func (f *Flow) load(ctx context.Context, m *Modal, seq uint64, date string) error {
	fetched, err := f.rec.FetchSlots(ctx, m.Scope, m.ClubID, date)

	m.mu.Lock()
	defer m.mu.Unlock()

	if seq != m.loadSeq || m.state != StateSlotsLoading || m.date != date {
		metrics.IncStaleResponse()
		f.logger.Debug().Str("modal_id", m.ID).Uint64("seq", seq).Uint64("latest", m.loadSeq).
			Msg("discarding superseded slot response")
		return ErrStaleResponse
	}

	if err != nil {
		m.lastErr = err
		_ = f.transition(m, StateDateSelected)
		return err
	}

	view, err := f.rec.ApplyDurationMask(fetched, m.hours)
	if err != nil {
		m.lastErr = err
		_ = f.transition(m, StateDateSelected)
		return err
	}
	m.base = fetched
	m.view = view
	return f.transition(m, StateSlotsReady)
}
