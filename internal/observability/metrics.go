package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecommendationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "recommendations_total", Help: "Recommendation queries served, by mode"},
		[]string{"mode"},
	)
	NoMatchesTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "recommendations_no_match_total", Help: "Recommendation queries that produced zero candidates"})
	RecommendLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "carpool", Name: "recommendation_latency_seconds", Help: "Scoring latency in seconds"})
	OffersPublished  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "offers_published_total", Help: "Ride offers published"})
	JoinRequestsSent = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "join_requests_sent_total", Help: "Seat join requests sent to drivers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
