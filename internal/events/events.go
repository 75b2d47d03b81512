// Package events is an in-process pub/sub for reservation lifecycle events.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event types.
const (
	ReservationCreated   = "reservation.created"
	ReservationCancelled = "reservation.cancelled"
	SelectionRejected    = "selection.rejected"
)

// Event describes something that happened to a reservation or selection.
type Event struct {
	Type          string
	Scope         string
	ReservationID int64
	ClubID        int64
	Date          string
	StartTime     string
	Hours         int
	Reason        string
	CreatedAt     time.Time
}

// Handler reacts to an event.
type Handler func(ctx context.Context, event Event) error

// Bus dispatches events to subscribers of their type.
type Bus struct {
	subscribers map[string][]Handler
	mu          sync.RWMutex
	logger      *zerolog.Logger
}

// NewBus constructs an empty bus. Handler errors are logged to logger.
func NewBus(logger *zerolog.Logger) *Bus {
	return &Bus{subscribers: make(map[string][]Handler), logger: logger}
}

// Subscribe registers handler for eventType.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish runs the subscribers of event.Type synchronously, in subscription
// order. A failing handler does not stop the others. A nil bus drops events.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			b.logger.Warn().Err(err).Str("event", event.Type).Msg("event handler failed")
		}
	}
}

// AuditLog returns a handler writing each event as one structured log line.
func AuditLog(logger *zerolog.Logger) Handler {
	return func(_ context.Context, e Event) error {
		ev := logger.Info().Str("event", e.Type).Time("at", e.CreatedAt)
		if e.Scope != "" {
			ev = ev.Str("scope", e.Scope)
		}
		if e.ReservationID != 0 {
			ev = ev.Int64("reservation_id", e.ReservationID)
		}
		if e.Reason != "" {
			ev = ev.Str("reason", e.Reason)
		}
		ev.Int64("club_id", e.ClubID).
			Str("date", e.Date).
			Str("start", e.StartTime).
			Int("hours", e.Hours).
			Msg("audit")
		return nil
	}
}
