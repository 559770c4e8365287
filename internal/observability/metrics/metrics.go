package metrics

import (
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the constant labels stamped on every series.
type Config struct {
	ServiceName string
	Environment string
}

// ReconcileMetrics captures reconciliation health signals.
type ReconcileMetrics struct {
	webhookEvents      *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	staleEvents        prometheus.Counter
	referralAttaches   *prometheus.CounterVec
	settlements        *prometheus.CounterVec
	externalRetries    prometheus.Counter
	retentionProcessed *prometheus.CounterVec
	retentionSkipped   *prometheus.CounterVec
	reviewAlerts       prometheus.Counter
}

var (
	reconcileMetricsOnce sync.Once
	reconcileMetrics     *ReconcileMetrics
)

// Reconcile returns the singleton metrics registry.
func Reconcile() *ReconcileMetrics {
	return ReconcileWithConfig(Config{})
}

// ReconcileWithConfig returns the singleton metrics registry using config labels.
func ReconcileWithConfig(cfg Config) *ReconcileMetrics {
	reconcileMetricsOnce.Do(func() {
		reconcileMetrics = newReconcileMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return reconcileMetrics
}

// ResetReconcileMetricsForTest resets the metrics singleton for tests.
func ResetReconcileMetricsForTest() {
	reconcileMetricsOnce = sync.Once{}
	reconcileMetrics = nil
}

func newReconcileMetrics(registerer prometheus.Registerer, cfg Config) *ReconcileMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "tryspeak"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	webhookEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "reconcile_webhook_events_total",
		Help:        "Webhook deliveries by event type and ledger outcome.",
		ConstLabels: constLabels,
	}, []string{"event_type", "outcome"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "reconcile_subscription_transitions_total",
		Help:        "Applied subscription state transitions.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})

	staleEvents := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "reconcile_stale_events_total",
		Help:        "Webhook events rejected for arriving out of order.",
		ConstLabels: constLabels,
	})

	referralAttaches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "reconcile_referral_attach_total",
		Help:        "Referral code attach attempts by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})

	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "reconcile_settlements_total",
		Help:        "Credit settlement runs by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})

	externalRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "reconcile_external_call_retries_total",
		Help:        "Retried outbound billing provider calls.",
		ConstLabels: constLabels,
	})

	retentionProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "reconcile_retention_processed_total",
		Help:        "Records anonymized or scrubbed per retention job.",
		ConstLabels: constLabels,
	}, []string{"job"})

	retentionSkipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "reconcile_retention_skipped_total",
		Help:        "Retention candidates skipped per reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})

	reviewAlerts := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "reconcile_review_alerts_total",
		Help:        "Settlements parked for manual review.",
		ConstLabels: constLabels,
	})

	for _, collector := range []prometheus.Collector{
		webhookEvents,
		transitions,
		staleEvents,
		referralAttaches,
		settlements,
		externalRetries,
		retentionProcessed,
		retentionSkipped,
		reviewAlerts,
	} {
		if err := registerer.Register(collector); err != nil {
			already := prometheus.AlreadyRegisteredError{}
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}

	return &ReconcileMetrics{
		webhookEvents:      webhookEvents,
		transitions:        transitions,
		staleEvents:        staleEvents,
		referralAttaches:   referralAttaches,
		settlements:        settlements,
		externalRetries:    externalRetries,
		retentionProcessed: retentionProcessed,
		retentionSkipped:   retentionSkipped,
		reviewAlerts:       reviewAlerts,
	}
}

func (m *ReconcileMetrics) ObserveWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *ReconcileMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *ReconcileMetrics) ObserveStaleEvent() {
	if m == nil {
		return
	}
	m.staleEvents.Inc()
}

func (m *ReconcileMetrics) ObserveReferralAttach(outcome string) {
	if m == nil {
		return
	}
	m.referralAttaches.WithLabelValues(outcome).Inc()
}

func (m *ReconcileMetrics) ObserveSettlement(outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome).Inc()
}

func (m *ReconcileMetrics) ObserveExternalRetry() {
	if m == nil {
		return
	}
	m.externalRetries.Inc()
}

func (m *ReconcileMetrics) ObserveRetentionProcessed(job string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.retentionProcessed.WithLabelValues(job).Add(float64(count))
}

func (m *ReconcileMetrics) ObserveRetentionSkipped(reason string) {
	if m == nil {
		return
	}
	m.retentionSkipped.WithLabelValues(reason).Inc()
}

func (m *ReconcileMetrics) ObserveReviewAlert() {
	if m == nil {
		return
	}
	m.reviewAlerts.Inc()
}
