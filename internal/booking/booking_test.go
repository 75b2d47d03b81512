package booking

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"courtbook/internal/clubapi"
	"courtbook/internal/reconciler"
	"courtbook/internal/slots"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReconciler struct {
	mu        sync.Mutex
	byDate    map[string][]slots.Slot
	gates     map[string]chan struct{}
	fetchErr  error
	submitErr error
	submitted []reconciler.Request
	fetches   int
}

func newFakeReconciler() *fakeReconciler {
	return &fakeReconciler{
		byDate: map[string][]slots.Slot{},
		gates:  map[string]chan struct{}{},
	}
}

func (f *fakeReconciler) FetchSlots(_ context.Context, _ string, _ int64, date string) ([]slots.Slot, error) {
	f.mu.Lock()
	f.fetches++
	gate := f.gates[date]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]slots.Slot, len(f.byDate[date]))
	copy(out, f.byDate[date])
	return slots.ApplyDurationMask(out, 1), nil
}

func (f *fakeReconciler) ApplyDurationMask(in []slots.Slot, hours int) ([]slots.Slot, error) {
	if !slots.ValidDuration(hours) {
		return nil, reconciler.ErrInvalidDuration
	}
	return slots.ApplyDurationMask(in, hours), nil
}

func (f *fakeReconciler) Submit(_ context.Context, _, _ string, req reconciler.Request) (*clubapi.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &clubapi.Reservation{ID: 42, ClubID: req.ClubID}, nil
}

func (f *fakeReconciler) CheckDate(date string) error {
	return reconciler.ValidateDate(date, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
}

func (f *fakeReconciler) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func day(avail ...bool) []slots.Slot {
	out := make([]slots.Slot, len(avail))
	for i, a := range avail {
		out[i] = slots.Slot{Start: slots.TimeOfDay((9 + i) * 60), Available: a}
	}
	return out
}

func newTestFlow(rec Reconciler) *Flow {
	logger := zerolog.New(io.Discard)
	return NewFlow(rec, &logger)
}

func TestFSMTransitions(t *testing.T) {
	fsm := NewFSM()

	tests := []struct {
		name        string
		from        State
		to          State
		shouldAllow bool
	}{
		{"closed to date selected", StateClosed, StateDateSelected, true},
		{"date selected to loading", StateDateSelected, StateSlotsLoading, true},
		{"loading to ready", StateSlotsLoading, StateSlotsReady, true},
		{"ready to selected", StateSlotsReady, StateSlotSelected, true},
		{"selected to submitting", StateSlotSelected, StateSubmitting, true},
		{"submitting to succeeded", StateSubmitting, StateSucceeded, true},
		{"succeeded to closed", StateSucceeded, StateClosed, true},
		// Recovery paths
		{"conflict to loading", StateConflict, StateSlotsLoading, true},
		{"failed to loading", StateFailed, StateSlotsLoading, true},
		{"failed to closed", StateFailed, StateClosed, true},
		{"fetch failure back to date selected", StateSlotsLoading, StateDateSelected, true},
		{"date change while selected", StateSlotSelected, StateSlotsLoading, true},
		{"duration change while selected", StateSlotSelected, StateSlotsReady, true},
		// Invalid transitions
		{"closed to submitting", StateClosed, StateSubmitting, false},
		{"loading to selected", StateSlotsLoading, StateSlotSelected, false},
		{"ready to submitting", StateSlotsReady, StateSubmitting, false},
		{"submitting to closed", StateSubmitting, StateClosed, false},
		{"succeeded to loading", StateSucceeded, StateSlotsLoading, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed := fsm.CanTransition(tt.from, tt.to)
			if allowed != tt.shouldAllow {
				t.Errorf("transition %s -> %s: expected allowed=%v, got %v",
					tt.from, tt.to, tt.shouldAllow, allowed)
			}
		})
	}
}

func TestSessionStore(t *testing.T) {
	store := NewSessionStore(50 * time.Millisecond)

	assert.Nil(t, store.Get("missing"))

	m := store.Create("tab", 5)
	require.NotNil(t, m)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, StateClosed, m.State())
	assert.Same(t, m, store.Get(m.ID))

	other := store.Create("tab", 6)
	store.Delete(other.ID)
	assert.Nil(t, store.Get(other.ID))

	time.Sleep(80 * time.Millisecond)
	assert.Nil(t, store.Get(m.ID))
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 1, store.Cleanup())
	assert.Equal(t, 0, store.Len())
}

func TestSelectDateLoadsSlots(t *testing.T) {
	rec := newFakeReconciler()
	rec.byDate["2024-06-01"] = day(true, true, false)
	flow := newTestFlow(rec)
	m := NewModal("m1", "tab", 5)

	require.NoError(t, flow.SelectDate(context.Background(), m, "2024-06-01"))

	v := m.View()
	assert.Equal(t, StateSlotsReady, v.State)
	assert.Equal(t, "2024-06-01", v.Date)
	require.Len(t, v.Slots, 3)
	assert.True(t, v.Slots[0].IsAvailable)
	assert.False(t, v.Slots[2].IsAvailable)
}

func TestSelectDateRejectsBadDate(t *testing.T) {
	for _, date := range []string{"June 1st", "2024-05-31", "2020-01-01"} {
		t.Run(date, func(t *testing.T) {
			rec := newFakeReconciler()
			flow := newTestFlow(rec)
			m := NewModal("m1", "tab", 5)

			err := flow.SelectDate(context.Background(), m, date)
			var ve *reconciler.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "date", ve.Field)
			assert.Equal(t, StateClosed, m.State())
			assert.Zero(t, rec.fetchCount())
		})
	}
}

func TestPastDateKeepsLoadedSlots(t *testing.T) {
	rec := newFakeReconciler()
	rec.byDate["2024-06-01"] = day(true, true)
	flow := newTestFlow(rec)
	m := NewModal("m1", "tab", 5)
	require.NoError(t, flow.SelectDate(context.Background(), m, "2024-06-01"))

	err := flow.SelectDate(context.Background(), m, "2024-05-31")
	var ve *reconciler.ValidationError
	require.ErrorAs(t, err, &ve)

	v := m.View()
	assert.Equal(t, StateSlotsReady, v.State)
	assert.Equal(t, "2024-06-01", v.Date)
	assert.Len(t, v.Slots, 2)
	assert.Equal(t, 1, rec.fetchCount())
}

func TestFetchFailureReturnsToDateSelected(t *testing.T) {
	rec := newFakeReconciler()
	rec.fetchErr = &reconciler.FetchError{ClubID: 5, Date: "2024-06-01", Err: errors.New("boom")}
	flow := newTestFlow(rec)
	m := NewModal("m1", "tab", 5)

	err := flow.SelectDate(context.Background(), m, "2024-06-01")
	require.Error(t, err)

	v := m.View()
	assert.Equal(t, StateDateSelected, v.State)
	assert.Contains(t, v.Error, "boom")
	assert.Empty(t, v.Slots)

	rec.mu.Lock()
	rec.fetchErr = nil
	rec.byDate["2024-06-01"] = day(true)
	rec.mu.Unlock()

	require.NoError(t, flow.Reload(context.Background(), m))
	v = m.View()
	assert.Equal(t, StateSlotsReady, v.State)
	assert.Empty(t, v.Error)
}

func TestSetDurationRecomputesMaskAndClearsSelection(t *testing.T) {
	rec := newFakeReconciler()
	rec.byDate["2024-06-01"] = day(true, true, false)
	flow := newTestFlow(rec)
	m := NewModal("m1", "tab", 5)
	require.NoError(t, flow.SelectDate(context.Background(), m, "2024-06-01"))

	require.NoError(t, flow.SelectSlot(m, slots.MustParse("10:00")))
	assert.Equal(t, StateSlotSelected, m.State())

	require.NoError(t, flow.SetDuration(m, 2))
	v := m.View()
	assert.Equal(t, StateSlotsReady, v.State)
	assert.Empty(t, v.Selected)
	assert.Equal(t, 2, v.Duration)
	assert.True(t, v.Slots[0].IsAvailable)
	assert.False(t, v.Slots[1].IsAvailable)

	assert.ErrorIs(t, flow.SelectSlot(m, slots.MustParse("10:00")), ErrSlotNotSelectable)
	assert.ErrorIs(t, flow.SetDuration(m, 5), reconciler.ErrInvalidDuration)
}

func TestDurationBeforeSlotsApplyOnLoad(t *testing.T) {
	rec := newFakeReconciler()
	rec.byDate["2024-06-01"] = day(true, true, false)
	flow := newTestFlow(rec)
	m := NewModal("m1", "tab", 5)

	require.NoError(t, flow.SetDuration(m, 2))
	require.NoError(t, flow.SelectDate(context.Background(), m, "2024-06-01"))

	v := m.View()
	assert.True(t, v.Slots[0].IsAvailable)
	assert.False(t, v.Slots[1].IsAvailable)
}

func TestDateChangeClearsSelection(t *testing.T) {
	rec := newFakeReconciler()
	rec.byDate["2024-06-01"] = day(true, true)
	rec.byDate["2024-06-02"] = day(true)
	flow := newTestFlow(rec)
	m := NewModal("m1", "tab", 5)

	require.NoError(t, flow.SelectDate(context.Background(), m, "2024-06-01"))
	require.NoError(t, flow.SelectSlot(m, slots.MustParse("10:00")))
	require.NoError(t, flow.SelectDate(context.Background(), m, "2024-06-02"))

	v := m.View()
	assert.Equal(t, StateSlotsReady, v.State)
	assert.Empty(t, v.Selected)
	assert.Len(t, v.Slots, 1)
}

func TestSelectSlotWhileLoading(t *testing.T) {
	rec := newFakeReconciler()
	rec.byDate["2024-06-01"] = day(true)
	gate := make(chan struct{})
	rec.gates["2024-06-01"] = gate
	flow := newTestFlow(rec)
	m := NewModal("m1", "tab", 5)

	done := make(chan error, 1)
	go func() { done <- flow.SelectDate(context.Background(), m, "2024-06-01") }()

	require.Eventually(t, func() bool { return rec.fetchCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateSlotsLoading, m.State())
	assert.ErrorIs(t, flow.SelectSlot(m, slots.MustParse("09:00")), ErrSlotsLoading)
	assert.Empty(t, m.View().Slots)

	close(gate)
	require.NoError(t, <-done)
	assert.NoError(t, flow.SelectSlot(m, slots.MustParse("09:00")))
}

func TestStaleResponseIsDiscarded(t *testing.T) {
	rec := newFakeReconciler()
	rec.byDate["2024-06-01"] = day(true, true, true)
	rec.byDate["2024-06-02"] = day(false)
	gate := make(chan struct{})
	rec.gates["2024-06-01"] = gate
	flow := newTestFlow(rec)
	m := NewModal("m1", "tab", 5)

	slow := make(chan error, 1)
	go func() { slow <- flow.SelectDate(context.Background(), m, "2024-06-01") }()
	require.Eventually(t, func() bool { return rec.fetchCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, flow.SelectDate(context.Background(), m, "2024-06-02"))

	close(gate)
	assert.ErrorIs(t, <-slow, ErrStaleResponse)

	v := m.View()
	assert.Equal(t, "2024-06-02", v.Date)
	assert.Equal(t, StateSlotsReady, v.State)
	require.Len(t, v.Slots, 1)
	assert.False(t, v.Slots[0].IsAvailable)
}

func TestSubmitOutcomes(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, submitErr error) (*fakeReconciler, *Flow, *Modal) {
		t.Helper()
		rec := newFakeReconciler()
		rec.byDate["2024-06-01"] = day(true, true, true)
		rec.submitErr = submitErr
		flow := newTestFlow(rec)
		m := NewModal("m1", "tab", 5)
		require.NoError(t, flow.SelectDate(ctx, m, "2024-06-01"))
		require.NoError(t, flow.SetDuration(m, 2))
		require.NoError(t, flow.SelectSlot(m, slots.MustParse("09:00")))
		return rec, flow, m
	}

	t.Run("success closes the modal", func(t *testing.T) {
		rec, flow, m := setup(t, nil)

		res, err := flow.Submit(ctx, m, "tok", "cash", "")
		require.NoError(t, err)
		assert.Equal(t, int64(42), res.ID)

		require.Len(t, rec.submitted, 1)
		assert.Equal(t, reconciler.Request{
			ClubID: 5, Date: "2024-06-01", StartTime: slots.MustParse("09:00"), Hours: 2, PaymentMethod: "cash",
		}, rec.submitted[0])

		v := m.View()
		assert.Equal(t, StateClosed, v.State)
		require.NotNil(t, v.Reservation)
		assert.Empty(t, v.Selected)
	})

	t.Run("conflict reloads slots", func(t *testing.T) {
		rec, flow, m := setup(t, &reconciler.ConflictError{Reason: reconciler.ReasonSlotUnavailable})
		before := rec.fetchCount()

		_, err := flow.Submit(ctx, m, "tok", "cash", "")
		assert.True(t, reconciler.IsConflict(err))

		v := m.View()
		assert.Equal(t, StateSlotsReady, v.State)
		assert.Empty(t, v.Selected)
		assert.Contains(t, v.Error, reconciler.ReasonSlotUnavailable)
		assert.Equal(t, before+1, rec.fetchCount())
	})

	t.Run("backend rejection reloads slots", func(t *testing.T) {
		rec, flow, m := setup(t, &reconciler.SubmissionError{Op: "create reservation", StatusCode: 400, Detail: "already booked"})
		before := rec.fetchCount()

		_, err := flow.Submit(ctx, m, "tok", "cash", "")
		var se *reconciler.SubmissionError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StateSlotsReady, m.State())
		assert.Equal(t, before+1, rec.fetchCount())
	})

	t.Run("auth failure closes the modal", func(t *testing.T) {
		_, flow, m := setup(t, &reconciler.AuthError{Err: errors.New("expired")})

		_, err := flow.Submit(ctx, m, "tok", "cash", "")
		var ae *reconciler.AuthError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, StateClosed, m.State())
	})

	t.Run("validation failure keeps the selection", func(t *testing.T) {
		_, flow, m := setup(t, &reconciler.ValidationError{Field: "guest_name", Message: "required"})

		_, err := flow.Submit(ctx, m, "", "card", "")
		require.Error(t, err)
		v := m.View()
		assert.Equal(t, StateSlotSelected, v.State)
		assert.Equal(t, "09:00", v.Selected)
	})

	t.Run("submit without selection", func(t *testing.T) {
		rec := newFakeReconciler()
		flow := newTestFlow(rec)
		m := NewModal("m1", "tab", 5)

		_, err := flow.Submit(ctx, m, "tok", "cash", "")
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Empty(t, rec.submitted)
	})
}

func TestCloseInvalidatesInFlightLoad(t *testing.T) {
	rec := newFakeReconciler()
	rec.byDate["2024-06-01"] = day(true)
	gate := make(chan struct{})
	rec.gates["2024-06-01"] = gate
	flow := newTestFlow(rec)
	m := NewModal("m1", "tab", 5)

	done := make(chan error, 1)
	go func() { done <- flow.SelectDate(context.Background(), m, "2024-06-01") }()
	require.Eventually(t, func() bool { return rec.fetchCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, flow.Close(m))
	close(gate)
	assert.ErrorIs(t, <-done, ErrStaleResponse)
	assert.Equal(t, StateClosed, m.State())
	assert.NoError(t, flow.Close(m))
}
