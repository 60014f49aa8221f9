package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsObserved counts canonical HTLC events emitted by the observers
	EventsObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_events_observed_total",
			Help: "Total number of HTLC events observed",
		},
		[]string{"chain", "event_type"},
	)

	// EventsDuplicate counts events dropped by idempotency-key dedup
	EventsDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_events_duplicate_total",
			Help: "Total number of duplicate events dropped",
		},
		[]string{"chain"},
	)

	// SwapTransitions counts swap state machine transitions
	SwapTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_swap_transitions_total",
			Help: "Total number of swap state transitions",
		},
		[]string{"from", "to"},
	)

	// ActiveSwaps tracks the number of swaps per status
	ActiveSwaps = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayer_active_swaps",
			Help: "Number of swaps by status",
		},
		[]string{"status"},
	)

	// ObserverCursor tracks the last processed position per chain
	ObserverCursor = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayer_observer_cursor",
			Help: "Last processed block or checkpoint per chain",
		},
		[]string{"chain"},
	)

	// ObserverLag tracks how far the cursor trails the chain head
	ObserverLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayer_observer_lag",
			Help: "Distance between chain head and processed cursor",
		},
		[]string{"chain"},
	)

	// WithdrawalsTotal counts counter-withdrawal attempts by outcome
	WithdrawalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_withdrawals_total",
			Help: "Total number of counter-withdrawals submitted",
		},
		[]string{"chain", "result"},
	)

	// WithdrawalDuration tracks submit-to-confirmation latency
	WithdrawalDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayer_withdrawal_duration_seconds",
			Help:    "Counter-withdrawal confirmation latency in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"chain"},
	)

	// EventProcessingDuration tracks coordinator handling time per event
	EventProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayer_event_processing_duration_seconds",
			Help:    "Coordinator event handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "event_type"},
	)

	// GasUsed tracks gas spent per settlement operation. Move entries
	// record the configured gas budget since Sui reports cost post-hoc.
	GasUsed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayer_gas_used",
			Help:    "Gas used per settlement transaction",
			Buckets: []float64{21000, 50000, 100000, 200000, 300000, 500000, 1000000, 5000000},
		},
		[]string{"operation"},
	)

	// BusDepth tracks the canonical event bus backlog
	BusDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayer_bus_depth",
			Help: "Number of events waiting on the canonical bus",
		},
	)

	// PushSubscribers tracks connected push clients per topic
	PushSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayer_push_subscribers",
			Help: "Number of connected push clients per topic",
		},
		[]string{"topic"},
	)

	// PushMessages counts messages fanned out to push clients
	PushMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_push_messages_total",
			Help: "Total number of push messages delivered",
		},
		[]string{"topic"},
	)

	// ErrorsTotal counts errors by component
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)
