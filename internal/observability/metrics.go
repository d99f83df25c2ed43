package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	SessionsOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "sessions_online", Help: "Live sessions by role"}, []string{"role"})
	SessionsForced = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "sessions_forced_close_total", Help: "Sessions closed by the server"}, []string{"reason"})
	DriversOnline  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_available", Help: "Number of online and available drivers"})

	LocationUpdates = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver location updates by outcome"}, []string{"outcome"})

	TripRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "trip_requests_total", Help: "Trip request transitions by resulting status"}, []string{"status"})
	TripCandidates    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "trip_candidates", Help: "Eligible drivers per trip request", Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21, 34}})
	MatchesTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Total number of matches"})
	MatchLatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time from trip request to match", Buckets: prometheus.ExponentialBuckets(1, 2, 10)})
	MatchConflicts    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "match_conflicts_total", Help: "Accepts that lost the match race"})

	BidsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "bids_total", Help: "Bid transitions by resulting status"}, []string{"status"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Published notifications by outcome"}, []string{"kind", "outcome"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Events handed to the event bus"}, []string{"topic", "outcome"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	WSMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "ws_messages_total", Help: "Inbound websocket messages by type and result"}, []string{"type", "result"})
)
