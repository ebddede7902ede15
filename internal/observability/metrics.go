package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchRounds = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "broadcast_rounds_total", Help: "Broadcast rounds started"},
		[]string{"round"},
	)
	OffersSent = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_sent_total", Help: "Ride offers pushed to drivers"})

	RidesMatched   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_matched_total", Help: "Rides committed to a driver"})
	RidesCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_completed_total", Help: "Rides ended normally"})
	RidesCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_cancelled_total", Help: "Rides cancelled"},
		[]string{"reason"},
	)

	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "connections_active", Help: "Live socket connections"},
		[]string{"role"},
	)
	DriversDeclaredOffline = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "drivers_declared_offline_total", Help: "Drivers forced offline after grace expiry"})

	LocationPushes = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "location_pushes_total", Help: "Driver positions relayed to customers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
