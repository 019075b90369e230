package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Accepted RFQ transitions by event kind.
	RFQTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfq_transitions_total",
			Help: "Accepted RFQ state transitions by event kind.",
		},
		[]string{"kind"},
	)

	// Rejected RFQ commands by operation and reason.
	RFQRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfq_rejections_total",
			Help: "Rejected RFQ commands by operation and reason.",
		},
		[]string{"op", "reason"},
	)

	// Quotes that arrived after the deadline or after the RFQ closed.
	LateQuotes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfq_late_quotes_total",
			Help: "Late venue quotes by venue and applied policy.",
		},
		[]string{"venue", "policy"},
	)

	// Outbound venue quote requests by result.
	VenueRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "venue_quote_requests_total",
			Help: "Venue quote requests by venue and result.",
		},
		[]string{"venue", "result"}, // ok | error | timeout | cancelled
	)

	VenueLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "venue_quote_latency_seconds",
			Help:    "Time taken by venues to answer a quote request.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms → ~16s
		},
		[]string{"venue"},
	)

	// 0 = closed, 1 = open, 2 = half-open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "venue_breaker_state",
			Help: "Circuit breaker state per venue (0 closed, 1 open, 2 half-open).",
		},
		[]string{"venue"},
	)

	// Quote collection runs by outcome.
	Collections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfq_collections_total",
			Help: "Quote collection runs by final state.",
		},
		[]string{"outcome"},
	)

	CollectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rfq_collection_duration_seconds",
			Help:    "Wall time of quote collection runs.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// Event sink deliveries by sink and result.
	EventPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfq_event_publishes_total",
			Help: "Domain events delivered to sinks.",
		},
		[]string{"sink", "result"},
	)

	EventPublishLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rfq_event_publish_latency_seconds",
			Help:    "Time taken to deliver an event batch to a sink.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)

	EventQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rfq_event_queue_depth",
			Help: "Events waiting for dispatch to sinks.",
		},
	)

	// Items a sink never received because shutdown ran out of time.
	EventsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfq_events_dead_lettered_total",
			Help: "Queued events and audit records left undelivered to a sink at shutdown.",
		},
		[]string{"sink"},
	)

	// Executions handed to the settlement service.
	Settlements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfq_settlements_total",
			Help: "Settlement attempts by settler and result.",
		},
		[]string{"settler", "result"},
	)

	// Tracks total errors (aggregated).
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfq_engine_errors_total",
			Help: "Count of engine-level errors by component.",
		},
		[]string{"component", "reason"},
	)

	// Gauges the last sweeper run (seconds since epoch).
	LastSweepTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rfq_last_sweep_timestamp",
			Help: "Timestamp (unix seconds) of the last background sweep.",
		},
		[]string{"job"},
	)
)

// ObserveDuration records the time taken since start on the given histogram.
func ObserveDuration(v interface{}, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()

	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	default:
		// counters are not meant for duration tracking
	}
}

func IncTransition(kind string) {
	RFQTransitions.WithLabelValues(kind).Inc()
}

func IncRejection(op, reason string) {
	RFQRejections.WithLabelValues(op, reason).Inc()
}

func IncLateQuote(venue, policy string) {
	LateQuotes.WithLabelValues(venue, policy).Inc()
}

func IncVenueRequest(venue, result string) {
	VenueRequests.WithLabelValues(venue, result).Inc()
}

func SetBreakerState(venue string, state int) {
	BreakerState.WithLabelValues(venue).Set(float64(state))
}

func IncCollection(outcome string) {
	Collections.WithLabelValues(outcome).Inc()
}

func IncEventPublish(sink, result string) {
	EventPublishes.WithLabelValues(sink, result).Inc()
}

func AddDeadLettered(sink string, n int) {
	EventsDeadLettered.WithLabelValues(sink).Add(float64(n))
}

func IncSettlement(settler, result string) {
	Settlements.WithLabelValues(settler, result).Inc()
}

func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}

func SetLastSweep(job string, t time.Time) {
	LastSweepTimestamp.WithLabelValues(job).Set(float64(t.Unix()))
}
