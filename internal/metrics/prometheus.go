package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/votebot/pkg/types"
)

// PrometheusMetrics holds all Prometheus metrics for the harness.
type PrometheusMetrics struct {
	// Transaction counters
	TxTotal      *prometheus.CounterVec
	GasUsedTotal *prometheus.CounterVec

	// Agent outcomes
	VoteAttempts   *prometheus.CounterVec
	SecurityProbes *prometheus.CounterVec

	// Gauges
	RunStatus     *prometheus.GaugeVec
	Window        prometheus.Gauge
	Windows       prometheus.Gauge
	PhaseDuration *prometheus.GaugeVec

	// Histograms
	ConfirmLatency *prometheus.HistogramVec
	RPCLatency     *prometheus.HistogramVec
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		TxTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "votebot_transactions_total",
				Help: "Submitted transactions by kind and status",
			},
			[]string{"kind", "status"},
		),

		GasUsedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "votebot_gas_used_total",
				Help: "Gas used by mined transactions",
			},
			[]string{"kind"},
		),

		VoteAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "votebot_vote_attempts_total",
				Help: "Final vote attempt outcomes by outcome and reason",
			},
			[]string{"outcome", "reason"},
		),

		SecurityProbes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "votebot_security_probes_total",
				Help: "Ineligible voter probes by severity and observed result",
			},
			[]string{"severity", "actual"},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "votebot_run_status",
				Help: "Current run status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),

		Window: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "votebot_window",
				Help: "Last settled batch window of the current phase",
			},
		),

		Windows: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "votebot_windows",
				Help: "Number of batch windows in the current phase",
			},
		),

		PhaseDuration: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "votebot_phase_duration_seconds",
				Help: "Duration of the last run of each phase",
			},
			[]string{"phase"},
		),

		ConfirmLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "votebot_confirmation_latency_seconds",
				Help:    "Time from submission to confirmation",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "votebot_rpc_latency_seconds",
				Help:    "RPC call latency by method",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "status"},
		),
	}
}

// knownRPCMethods bounds the method label cardinality.
var knownRPCMethods = map[string]bool{
	"eth_sendRawTransaction":    true,
	"eth_getTransactionCount":   true,
	"eth_blockNumber":           true,
	"eth_getCode":               true,
	"eth_gasPrice":              true,
	"eth_getBalance":            true,
	"eth_getTransactionReceipt": true,
	"eth_call":                  true,
	"eth_estimateGas":           true,
	"eth_chainId":               true,
}

// RecordRPCLatency records RPC call latency.
func (m *PrometheusMetrics) RecordRPCLatency(method string, success bool, latencySeconds float64) {
	if !knownRPCMethods[method] {
		method = "other"
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.RPCLatency.WithLabelValues(method, status).Observe(latencySeconds)
}

// RecordTx records one submission outcome.
func (m *PrometheusMetrics) RecordTx(kind, status string, gasUsed uint64, latencySeconds float64) {
	m.TxTotal.WithLabelValues(kind, status).Inc()
	if gasUsed > 0 {
		m.GasUsedTotal.WithLabelValues(kind).Add(float64(gasUsed))
	}
	if status == TxConfirmed {
		m.ConfirmLatency.WithLabelValues(kind).Observe(latencySeconds)
	}
}

// RecordAttempt records a final vote attempt.
func (m *PrometheusMetrics) RecordAttempt(a types.VoteAttempt) {
	m.VoteAttempts.WithLabelValues(string(a.Outcome), a.Reason).Inc()
}

// RecordProbe records a security probe.
func (m *PrometheusMetrics) RecordProbe(p types.SecurityProbe) {
	m.SecurityProbes.WithLabelValues(string(p.Severity), p.Actual).Inc()
}

// SetRunStatus updates the run status gauges.
func (m *PrometheusMetrics) SetRunStatus(status types.RunStatus) {
	for _, s := range []types.RunStatus{types.RunRunning, types.RunCompleted, types.RunCancelled, types.RunFailed} {
		if s == status {
			m.RunStatus.WithLabelValues(string(s)).Set(1)
		} else {
			m.RunStatus.WithLabelValues(string(s)).Set(0)
		}
	}
}

// Reset resets the per-run metrics. Histograms are cumulative and kept.
func (m *PrometheusMetrics) Reset() {
	m.TxTotal.Reset()
	m.GasUsedTotal.Reset()
	m.VoteAttempts.Reset()
	m.SecurityProbes.Reset()
	m.PhaseDuration.Reset()
	m.Window.Set(0)
	m.Windows.Set(0)
}
