package service

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	LedgerEntries      *prometheus.CounterVec
	IntegrityChecks    *prometheus.CounterVec
	SurgePct           prometheus.Histogram
	SurgeCapped        prometheus.Counter
	GuardrailChecks    *prometheus.CounterVec
	GuardrailLatency   *prometheus.HistogramVec
	UnitsOperations    *prometheus.CounterVec
	NAV                prometheus.Gauge
	TradeOperations    *prometheus.CounterVec
	AuditRecords       *prometheus.CounterVec
	CacheRefreshDur    *prometheus.HistogramVec
	CacheRefreshErrors *prometheus.CounterVec
	ConsumedEvents     *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		LedgerEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fund_ledger_entries_total",
				Help: "Ledger entries attempted, by reference type and status.",
			},
			[]string{"reference_type", "status"},
		),
		IntegrityChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fund_ledger_integrity_checks_total",
				Help: "Ledger integrity verifications.",
			},
			[]string{"balanced"},
		),
		SurgePct: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fund_withdrawal_surge_pct",
				Help:    "Surge percentage applied to withdrawal quotes.",
				Buckets: []float64{0, 3, 5, 10, 15, 20, 25},
			},
		),
		SurgeCapped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fund_withdrawal_surge_capped_total",
				Help: "Withdrawal quotes whose surge hit the cap.",
			},
		),
		GuardrailChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fund_guardrail_checks_total",
				Help: "Guardrail checks by check and result.",
			},
			[]string{"check", "result"},
		),
		GuardrailLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fund_guardrail_check_duration_seconds",
				Help:    "Guardrail check duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"check"},
		),
		UnitsOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fund_units_operations_total",
				Help: "Deposit and withdrawal operations by status.",
			},
			[]string{"operation", "status"},
		),
		NAV: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fund_nav",
				Help: "Last computed net asset value per unit.",
			},
		),
		TradeOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fund_trade_operations_total",
				Help: "Trade create, amend and settle operations by status.",
			},
			[]string{"operation", "status"},
		),
		AuditRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fund_audit_records_total",
				Help: "Audit records emitted by action and status.",
			},
			[]string{"action", "status"},
		),
		CacheRefreshDur: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fund_cache_refresh_duration_seconds",
				Help:    "Cache refresh duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"cache"},
		),
		CacheRefreshErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fund_cache_refresh_errors_total",
				Help: "Failed cache refreshes.",
			},
			[]string{"cache"},
		),
		ConsumedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fund_consumed_events_total",
				Help: "Consumed Kafka events by event type and outcome.",
			},
			[]string{"event_type", "outcome"},
		),
	}

	registry.MustRegister(
		m.LedgerEntries,
		m.IntegrityChecks,
		m.SurgePct,
		m.SurgeCapped,
		m.GuardrailChecks,
		m.GuardrailLatency,
		m.UnitsOperations,
		m.NAV,
		m.TradeOperations,
		m.AuditRecords,
		m.CacheRefreshDur,
		m.CacheRefreshErrors,
		m.ConsumedEvents,
	)
	return m
}

func (m *Metrics) IncLedgerEntry(referenceType, status string) {
	if m == nil {
		return
	}
	m.LedgerEntries.WithLabelValues(referenceType, status).Inc()
}

func (m *Metrics) IncIntegrityCheck(balanced bool) {
	if m == nil {
		return
	}
	m.IntegrityChecks.WithLabelValues(strconv.FormatBool(balanced)).Inc()
}

func (m *Metrics) ObserveSurge(pct float64, capped bool) {
	if m == nil {
		return
	}
	m.SurgePct.Observe(pct)
	if capped {
		m.SurgeCapped.Inc()
	}
}

func (m *Metrics) ObserveGuardrailCheck(check, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.GuardrailChecks.WithLabelValues(check, result).Inc()
	m.GuardrailLatency.WithLabelValues(check).Observe(d.Seconds())
}

func (m *Metrics) IncUnitsOperation(operation, status string) {
	if m == nil {
		return
	}
	m.UnitsOperations.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) SetNAV(nav float64) {
	if m == nil {
		return
	}
	m.NAV.Set(nav)
}

func (m *Metrics) IncTradeOperation(operation, status string) {
	if m == nil {
		return
	}
	m.TradeOperations.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) IncAuditRecord(action, status string) {
	if m == nil {
		return
	}
	m.AuditRecords.WithLabelValues(action, status).Inc()
}

func (m *Metrics) ObserveRefresh(cache string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CacheRefreshDur.WithLabelValues(cache).Observe(duration.Seconds())
}

func (m *Metrics) IncRefreshError(cache string) {
	if m == nil {
		return
	}
	m.CacheRefreshErrors.WithLabelValues(cache).Inc()
}

func (m *Metrics) IncConsumedEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.ConsumedEvents.WithLabelValues(eventType, outcome).Inc()
}
