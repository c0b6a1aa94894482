package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal          = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "matches_total", Help: "Trips successfully assigned to a driver"})
	OffersTotal           = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_total", Help: "Offers delivered to candidate drivers"})
	RejectsTotal          = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offer_rejects_total", Help: "Explicit driver rejections"})
	OfferTimeoutsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offer_timeouts_total", Help: "Offers that expired without a response"})
	RaceLostTotal         = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accept_race_lost_total", Help: "Acceptances that arrived after the trip was claimed"})
	CascadeExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "cascade_exhausted_total", Help: "Trips cancelled after the full retry budget"})
	MatchLatency          = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "match_latency_seconds", Help: "Time from dispatch start to assignment"})
	LocationUpdatesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "location_updates_total", Help: "Driver position samples ingested"})

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
