package slots

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	// MinDuration and MaxDuration bound a reservation length in hours.
	MinDuration = 1
	MaxDuration = 4

	minutesPerHour = 60
	minutesPerDay  = 24 * minutesPerHour
)

// TimeOfDay is a wall-clock time expressed as minutes since midnight.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM" (24-hour clock, hour may be one digit).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return TimeOfDay(t.Hour()*minutesPerHour + t.Minute()), nil
}

// MustParse is ParseTimeOfDay for constants and tests.
func MustParse(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

// String formats as zero-padded "HH:MM".
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/minutesPerHour, int(t)%minutesPerHour)
}

// Hour returns the hour component.
func (t TimeOfDay) Hour() int {
	return int(t) / minutesPerHour
}

// OnHour reports whether t falls on an exact hour boundary.
func (t TimeOfDay) OnHour() bool {
	return int(t)%minutesPerHour == 0
}

// AddHours returns t shifted by n hours. The result may pass midnight; callers
// that format it should check Valid first.
func (t TimeOfDay) AddHours(n int) TimeOfDay {
	return t + TimeOfDay(n*minutesPerHour)
}

// Valid reports whether t is within a single day.
func (t TimeOfDay) Valid() bool {
	return t >= 0 && t < minutesPerDay
}

// Slot is one hour-aligned start time for a club on a date.
//
// Available and PermanentlyBooked describe the slot on its own (single hour).
// Selectable is the derived view after a duration mask and is the only field
// ApplyDurationMask writes.
type Slot struct {
	Start             TimeOfDay
	Available         bool
	PermanentlyBooked bool
	Selectable        bool
}

// Free reports single-hour availability: available and not booked earlier this session.
func (s Slot) Free() bool {
	return s.Available && !s.PermanentlyBooked
}

// SlotInfo is the JSON representation used at the HTTP boundary.
type SlotInfo struct {
	StartTime           string `json:"start_time"`
	IsAvailable         bool   `json:"is_available"`
	IsPermanentlyBooked bool   `json:"is_permanently_booked"`
}

// ToSlotInfo converts slots for the UI. is_available carries the selectable view.
func ToSlotInfo(slots []Slot) []SlotInfo {
	result := make([]SlotInfo, len(slots))
	for i, s := range slots {
		result[i] = SlotInfo{
			StartTime:           s.Start.String(),
			IsAvailable:         s.Selectable,
			IsPermanentlyBooked: s.PermanentlyBooked,
		}
	}
	return result
}

// Sort orders slots by start time in place.
func Sort(slots []Slot) {
	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].Start < slots[j].Start
	})
}

// Find returns the index of the slot starting at start, or -1.
func Find(slots []Slot, start TimeOfDay) int {
	for i, s := range slots {
		if s.Start == start {
			return i
		}
	}
	return -1
}

// ValidDuration reports whether hours is an accepted reservation length.
func ValidDuration(hours int) bool {
	return hours >= MinDuration && hours <= MaxDuration
}

// ApplyDurationMask returns a copy of slots with Selectable recomputed for a
// reservation of the given length. Slot i is selectable iff slots i..i+hours-1
// exist, are each free, and follow each other hour by hour. A lookahead past the
// last slot counts as unavailable. Input must be sorted.
func ApplyDurationMask(slots []Slot, hours int) []Slot {
	result := make([]Slot, len(slots))
	copy(result, slots)
	for i := range result {
		result[i].Selectable = canBookAt(slots, i, hours)
	}
	return result
}

// CanBookConsecutive checks whether a reservation of hours can start at start.
func CanBookConsecutive(slots []Slot, start TimeOfDay, hours int) bool {
	idx := Find(slots, start)
	if idx < 0 {
		return false
	}
	return canBookAt(slots, idx, hours)
}

func canBookAt(slots []Slot, idx, hours int) bool {
	if hours <= 0 || idx+hours > len(slots) {
		return false
	}
	for i := 0; i < hours; i++ {
		cur := slots[idx+i]
		if !cur.Free() {
			return false
		}
		if i > 0 && cur.Start != slots[idx+i-1].Start.AddHours(1) {
			return false
		}
	}
	return true
}

// FindConsecutiveSlots groups free slots into runs of back-to-back hours.
func FindConsecutiveSlots(slots []Slot) [][]Slot {
	var free []Slot
	for _, s := range slots {
		if s.Free() {
			free = append(free, s)
		}
	}
	if len(free) == 0 {
		return nil
	}
	Sort(free)

	var groups [][]Slot
	current := []Slot{free[0]}
	for i := 1; i < len(free); i++ {
		if free[i].Start == current[len(current)-1].Start.AddHours(1) {
			current = append(current, free[i])
		} else {
			groups = append(groups, current)
			current = []Slot{free[i]}
		}
	}
	return append(groups, current)
}

// DurationOptions lists the reservation lengths (hours, up to MaxDuration) that
// can start at start.
func DurationOptions(slots []Slot, start TimeOfDay) []int {
	var options []int
	for h := MinDuration; h <= MaxDuration; h++ {
		if !CanBookConsecutive(slots, start, h) {
			break
		}
		options = append(options, h)
	}
	return options
}

// FormatDuration formats a number of hours for display.
func FormatDuration(hours int) string {
	if hours == 1 {
		return "1 hour"
	}
	return fmt.Sprintf("%d hours", hours)
}
