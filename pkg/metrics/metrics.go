package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Ledger
	TransactionsRecorded *prometheus.CounterVec
	ChargeRetries        prometheus.Counter
	ChargesEscalated     prometheus.Counter

	// Gate
	AccessDecisions *prometheus.CounterVec

	// Invoices and reconciliation
	InvoiceRollups         *prometheus.CounterVec
	InvoiceMismatches      prometheus.Counter
	GroupIDsBackfilled     prometheus.Counter
	OrphanedGroupsDetected prometheus.Counter
	SweepAccountsProcessed *prometheus.CounterVec
	SweepDuration          prometheus.Histogram
	PendingChargesReplayed *prometheus.CounterVec

	// Outbox related metrics
	OutboxEventsProcessed   prometheus.Counter
	OutboxEventsFailed      prometheus.Counter
	OutboxProcessingLatency prometheus.Histogram

	// Database metrics
	DatabaseOperations *prometheus.CounterVec
}

// NewMetrics creates and registers all application metrics with the default
// registry. Call it once per process.
func NewMetrics(namespace, subsystem string) *Metrics {
	return newMetrics(namespace, subsystem, promauto.With(prometheus.DefaultRegisterer))
}

// New creates metrics that are not registered anywhere. Tests use it so
// repeated construction does not panic on duplicate registration.
func New(namespace string) *Metrics {
	return newMetrics(namespace, "", promauto.With(nil))
}

func newMetrics(namespace, subsystem string, f promauto.Factory) *Metrics {
	return &Metrics{
		TransactionsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transactions_recorded_total",
			Help:      "Total number of ledger transactions recorded",
		}, []string{"kind"}),
		ChargeRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "charge_retries_total",
			Help:      "Total number of ledger write retries after a transient store failure",
		}),
		ChargesEscalated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "charges_escalated_total",
			Help:      "Total number of charges handed to manual reconciliation",
		}),
		AccessDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "access_decisions_total",
			Help:      "Access gate decisions by outcome",
		}, []string{"allowed", "reason"}),
		InvoiceRollups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "invoice_rollups_total",
			Help:      "Invoice roll-ups by result",
		}, []string{"result"}),
		InvoiceMismatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "invoice_mismatches_detected_total",
			Help:      "Invoice totals found to diverge from the ledger",
		}),
		GroupIDsBackfilled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "group_ids_backfilled_total",
			Help:      "Transactions that received an analysis group id through backfill",
		}),
		OrphanedGroupsDetected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "orphaned_groups_detected_total",
			Help:      "Analysis groups with item fees but no base fee",
		}),
		SweepAccountsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sweep_accounts_processed_total",
			Help:      "Accounts processed by the reconciliation sweep",
		}, []string{"result"}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a reconciliation sweep run",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		PendingChargesReplayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_charges_replayed_total",
			Help:      "Escalated charges replayed into the ledger",
		}, []string{"result"}),
		OutboxEventsProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_events_processed_total",
			Help:      "Total number of successfully processed outbox events",
		}),
		OutboxEventsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_events_failed_total",
			Help:      "Total number of failed outbox events",
		}),
		OutboxProcessingLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_processing_duration_seconds",
			Help:      "Time spent processing outbox events",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		DatabaseOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
	}
}
