package booking

import (
	"sync"
	"time"

	"courtbook/internal/clubapi"
	"courtbook/internal/slots"
)

// Modal is one booking dialog for a club. Fields below mu change only through
// Flow; readers use View.
type Modal struct {
	ID        string
	Scope     string
	ClubID    int64
	StartedAt time.Time

	mu          sync.Mutex
	state       State
	date        string
	hours       int
	base        []slots.Slot // overlaid fetch result, single-hour view
	view        []slots.Slot // base with the duration mask applied
	selected    slots.TimeOfDay
	hasSelected bool
	loadSeq     uint64
	lastErr     error
	reservation *clubapi.Reservation
	updatedAt   time.Time
}

// NewModal creates a closed modal with a one hour duration.
func NewModal(id, scope string, clubID int64) *Modal {
	now := time.Now()
	return &Modal{
		ID:        id,
		Scope:     scope,
		ClubID:    clubID,
		StartedAt: now,
		state:     StateClosed,
		hours:     slots.MinDuration,
		updatedAt: now,
	}
}

// State returns the current state.
func (m *Modal) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsExpired checks if the modal has been idle longer than timeout.
func (m *Modal) IsExpired(timeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.updatedAt) > timeout
}

// View is a snapshot of the modal for the UI. DurationOptions lists the
// lengths bookable from the selected start.
type View struct {
	ID              string               `json:"id"`
	ClubID          int64                `json:"club_id"`
	State           State                `json:"state"`
	Date            string               `json:"date,omitempty"`
	Duration        int                  `json:"duration"`
	Slots           []slots.SlotInfo     `json:"slots"`
	Selected        string               `json:"selected_slot,omitempty"`
	DurationOptions []int                `json:"duration_options,omitempty"`
	Error           string               `json:"error,omitempty"`
	Reservation     *clubapi.Reservation `json:"reservation,omitempty"`
}

// View returns a snapshot. Slots are empty while loading.
func (m *Modal) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := View{
		ID:          m.ID,
		ClubID:      m.ClubID,
		State:       m.state,
		Date:        m.date,
		Duration:    m.hours,
		Slots:       []slots.SlotInfo{},
		Reservation: m.reservation,
	}
	if m.state != StateSlotsLoading && m.view != nil {
		v.Slots = slots.ToSlotInfo(m.view)
	}
	if m.hasSelected {
		v.Selected = m.selected.String()
		v.DurationOptions = slots.DurationOptions(m.base, m.selected)
	}
	if m.lastErr != nil {
		v.Error = m.lastErr.Error()
	}
	return v
}

// setState records a transition. Caller holds m.mu.
func (m *Modal) setState(s State) {
	m.state = s
	m.updatedAt = time.Now()
}

// clearSelection drops the chosen start time. Caller holds m.mu.
func (m *Modal) clearSelection() {
	m.selected = 0
	m.hasSelected = false
}
