package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Config configures metric const labels.
type Config struct {
	ServiceName string
	Environment string
}

const (
	CallbackOutcomeApplied    = "applied"
	CallbackOutcomeDuplicate  = "duplicate"
	CallbackOutcomeIgnored    = "ignored"
	CallbackOutcomeRejected   = "rejected"
	CallbackOutcomeNotFound   = "not_found"
	CallbackOutcomeInvalid    = "invalid_transition"
	CallbackOutcomeMismatch   = "amount_mismatch"
	CallbackOutcomeFailed     = "error"
	CallbackOutcomeUnresolved = "unknown_provider"
)

// PaymentMetrics captures payment lifecycle signals.
type PaymentMetrics struct {
	paymentsCreated *prometheus.CounterVec
	creationErrors  *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	callbacks       *prometheus.CounterVec
	ledgerEntries   *prometheus.CounterVec
}

var (
	paymentMetricsOnce sync.Once
	paymentMetrics     *PaymentMetrics
)

// New returns the process-wide payment metrics registered on the default registerer.
func New(cfg Config) *PaymentMetrics {
	paymentMetricsOnce.Do(func() {
		paymentMetrics = NewWithRegisterer(prometheus.DefaultRegisterer, cfg)
	})
	return paymentMetrics
}

// NewWithRegisterer builds payment metrics on a caller supplied registerer.
func NewWithRegisterer(registerer prometheus.Registerer, cfg Config) *PaymentMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	constLabels := constLabelsFor(cfg)

	paymentsCreated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "ticketpay_payments_created_total",
		Help:        "Payments persisted in pending state by provider.",
		ConstLabels: constLabels,
	}, []string{"provider"})
	creationErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "ticketpay_payment_creation_errors_total",
		Help:        "Provider initiation failures that moved a payment to failed.",
		ConstLabels: constLabels,
	}, []string{"provider"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "ticketpay_payment_transitions_total",
		Help:        "Committed payment status transitions.",
		ConstLabels: constLabels,
	}, []string{"provider", "from", "to"})
	callbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "ticketpay_callbacks_total",
		Help:        "Provider callbacks by outcome.",
		ConstLabels: constLabels,
	}, []string{"provider", "outcome"})
	ledgerEntries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "ticketpay_ledger_entries_total",
		Help:        "Ledger entries appended by transaction type.",
		ConstLabels: constLabels,
	}, []string{"type"})

	registerer.MustRegister(
		paymentsCreated,
		creationErrors,
		transitions,
		callbacks,
		ledgerEntries,
	)

	return &PaymentMetrics{
		paymentsCreated: paymentsCreated,
		creationErrors:  creationErrors,
		transitions:     transitions,
		callbacks:       callbacks,
		ledgerEntries:   ledgerEntries,
	}
}

func (m *PaymentMetrics) IncPaymentCreated(provider string) {
	if m == nil {
		return
	}
	m.paymentsCreated.WithLabelValues(normalizeLabel(provider)).Inc()
}

func (m *PaymentMetrics) IncCreationError(provider string) {
	if m == nil {
		return
	}
	m.creationErrors.WithLabelValues(normalizeLabel(provider)).Inc()
}

func (m *PaymentMetrics) IncTransition(provider, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(provider), normalizeLabel(from), normalizeLabel(to)).Inc()
}

func (m *PaymentMetrics) IncCallback(provider, outcome string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(normalizeLabel(provider), normalizeLabel(outcome)).Inc()
}

func (m *PaymentMetrics) IncLedgerEntry(txType string) {
	if m == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(normalizeLabel(txType)).Inc()
}

func normalizeLabel(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "unknown"
	}
	return value
}
