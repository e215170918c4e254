package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "clinicbook"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	bookingTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_transitions_total",
			Help:      "Committed booking state transitions.",
		},
		[]string{"transition"},
	)

	slotConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_conflicts_total",
			Help:      "Slot claims rejected because the slot was already taken.",
		},
	)

	holdsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "holds_expired_total",
			Help:      "Holds transitioned to EXPIRED by the sweeper.",
		},
	)

	tokenRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_rejections_total",
			Help:      "Token resolutions that failed, by reason.",
		},
		[]string{"reason"},
	)

	outboxDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_deliveries_total",
			Help:      "Event deliveries by result.",
		},
		[]string{"result"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			bookingTransitions,
			slotConflicts,
			holdsExpired,
			tokenRejections,
			outboxDeliveries,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncTransition(transition string) {
	bookingTransitions.WithLabelValues(transition).Inc()
}

func IncSlotConflict() {
	slotConflicts.Inc()
}

func AddHoldsExpired(n int64) {
	holdsExpired.Add(float64(n))
}

func IncTokenRejection(reason string) {
	tokenRejections.WithLabelValues(reason).Inc()
}

func IncOutbox(result string) {
	outboxDeliveries.WithLabelValues(result).Inc()
}
