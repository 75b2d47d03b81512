// Package overlay keeps locally remembered booking outcomes for a browsing
// session and lays them over backend availability.
package overlay

import (
	"context"
	"errors"

	"courtbook/internal/metrics"
	"courtbook/internal/slots"

	"github.com/rs/zerolog"
)

// ErrConflict is returned by stores when an atomic update lost a race and
// retries were exhausted.
var ErrConflict = errors.New("overlay: concurrent update")

// Entry is one remembered hour. JSON keys match the array persisted per session.
type Entry struct {
	ClubID    int64  `json:"clubId"`
	Date      string `json:"date"`
	Time      string `json:"time"`
	Permanent bool   `json:"permanent"`
}

// Matches reports whether e refers to the given club, date and start time.
func (e Entry) Matches(clubID int64, date, tm string) bool {
	return e.ClubID == clubID && e.Date == date && e.Time == tm
}

// Store persists the entry array of a session scope.
type Store interface {
	// Load returns every entry of the scope; an unknown scope yields nil.
	Load(ctx context.Context, scope string) ([]Entry, error)

	// Update applies fn to the current entries and writes the result back as
	// one atomic read-modify-write.
	Update(ctx context.Context, scope string, fn func([]Entry) []Entry) error
}

// Cleaner is implemented by stores that need expired scopes swept periodically.
type Cleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// Apply marks slots covered by entries as unavailable. Entries that match no
// slot are ignored; Apply never adds slots.
func Apply(in []slots.Slot, entries []Entry, clubID int64, date string) []slots.Slot {
	out := make([]slots.Slot, len(in))
	copy(out, in)
	for _, e := range entries {
		if e.ClubID != clubID || e.Date != date {
			continue
		}
		start, err := slots.ParseTimeOfDay(e.Time)
		if err != nil {
			continue
		}
		if idx := slots.Find(out, start); idx >= 0 {
			out[idx].Available = false
			out[idx].PermanentlyBooked = e.Permanent
		}
	}
	return out
}

// Cache is the overlay handle passed to the reconciler. Store failures are
// logged and treated as an empty overlay.
type Cache struct {
	store  Store
	logger *zerolog.Logger
}

// NewCache wraps store.
func NewCache(store Store, logger *zerolog.Logger) *Cache {
	return &Cache{store: store, logger: logger}
}

// Entries returns the entries of scope for a club and date.
func (c *Cache) Entries(ctx context.Context, scope string, clubID int64, date string) []Entry {
	all, err := c.store.Load(ctx, scope)
	if err != nil {
		c.fail("load", scope, err)
		return nil
	}
	var result []Entry
	for _, e := range all {
		if e.ClubID == clubID && e.Date == date {
			result = append(result, e)
		}
	}
	return result
}

// Overlay applies the scope's entries to slots.
func (c *Cache) Overlay(ctx context.Context, scope string, clubID int64, date string, in []slots.Slot) []slots.Slot {
	return Apply(in, c.Entries(ctx, scope, clubID, date), clubID, date)
}

// Record remembers hours consecutive permanent entries starting at start.
func (c *Cache) Record(ctx context.Context, scope string, clubID int64, date string, start slots.TimeOfDay, hours int) {
	var added []Entry
	for i := 0; i < hours; i++ {
		tm := start.AddHours(i)
		if !tm.Valid() {
			break
		}
		added = append(added, Entry{ClubID: clubID, Date: date, Time: tm.String(), Permanent: true})
	}
	if len(added) == 0 {
		return
	}

	err := c.store.Update(ctx, scope, func(current []Entry) []Entry {
		for _, a := range added {
			replaced := false
			for i := range current {
				if current[i].Matches(a.ClubID, a.Date, a.Time) {
					current[i] = a
					replaced = true
				}
			}
			if !replaced {
				current = append(current, a)
			}
		}
		return current
	})
	if err != nil {
		c.fail("record", scope, err)
		return
	}
	c.logger.Debug().Str("scope", scope).Int64("club_id", clubID).Str("date", date).
		Str("start", start.String()).Int("hours", hours).Msg("overlay recorded")
}

// Forget drops the entries of hours consecutive starts beginning at start and
// returns how many were removed.
func (c *Cache) Forget(ctx context.Context, scope string, clubID int64, date string, start slots.TimeOfDay, hours int) int {
	if hours < 1 {
		hours = 1
	}
	times := make(map[string]bool, hours)
	for i := 0; i < hours; i++ {
		times[start.AddHours(i).String()] = true
	}

	removed := 0
	err := c.store.Update(ctx, scope, func(current []Entry) []Entry {
		removed = 0
		kept := current[:0]
		for _, e := range current {
			if e.ClubID == clubID && e.Date == date && times[e.Time] {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		return kept
	})
	if err != nil {
		c.fail("forget", scope, err)
		return 0
	}
	return removed
}

func (c *Cache) fail(op, scope string, err error) {
	metrics.IncOverlayError(op)
	c.logger.Warn().Err(err).Str("op", op).Str("scope", scope).Msg("overlay store unavailable; continuing without it")
}
