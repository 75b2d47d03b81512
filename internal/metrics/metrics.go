package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	slotFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courtbook",
			Name:      "slot_fetch_total",
			Help:      "Count of backend slot fetches by result.",
		},
		[]string{"result"},
	)

	slotFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "courtbook",
			Name:      "slot_fetch_duration_seconds",
			Help:      "Latency of backend slot fetches.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		},
	)

	staleResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "courtbook",
			Name:      "stale_slot_responses_total",
			Help:      "Count of slot responses discarded because a newer request superseded them.",
		},
	)

	selectionConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courtbook",
			Name:      "selection_conflict_total",
			Help:      "Count of selections rejected by pre-submit validation.",
		},
		[]string{"reason"},
	)

	reservationCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courtbook",
			Name:      "reservation_created_total",
			Help:      "Count of reservation submissions by status.",
		},
		[]string{"status"},
	)

	reservationCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courtbook",
			Name:      "reservation_cancelled_total",
			Help:      "Count of cancellations by overlay outcome.",
		},
		[]string{"overlay"},
	)

	overlayErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courtbook",
			Name:      "overlay_errors_total",
			Help:      "Count of overlay store failures by operation.",
		},
		[]string{"op"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courtbook",
			Name:      "http_requests_total",
			Help:      "Count of gateway requests by route.",
		},
		[]string{"route"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			slotFetches,
			slotFetchDuration,
			staleResponses,
			selectionConflicts,
			reservationCreated,
			reservationCancelled,
			overlayErrors,
			httpRequests,
		)
	})
}

func IncSlotFetch(result string) {
	slotFetches.WithLabelValues(result).Inc()
}

func ObserveSlotFetch(seconds float64) {
	slotFetchDuration.Observe(seconds)
}

func IncStaleResponse() {
	staleResponses.Inc()
}

func IncSelectionConflict(reason string) {
	selectionConflicts.WithLabelValues(reason).Inc()
}

func IncReservationCreated(status string) {
	reservationCreated.WithLabelValues(status).Inc()
}

func IncReservationCancelled(overlay string) {
	reservationCancelled.WithLabelValues(overlay).Inc()
}

func IncOverlayError(op string) {
	overlayErrors.WithLabelValues(op).Inc()
}

func IncHTTP(route string) {
	httpRequests.WithLabelValues(route).Inc()
}
