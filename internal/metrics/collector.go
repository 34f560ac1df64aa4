// Package metrics aggregates transaction, vote and probe counters for a run
// and mirrors them into Prometheus.
package metrics

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gateway-fm/votebot/internal/chain"
	"github.com/gateway-fm/votebot/pkg/types"
)

// Transaction statuses.
const (
	TxConfirmed = "confirmed"
	TxReverted  = "reverted"
	TxTimeout   = "timeout"
	TxFailed    = "failed"
)

// TxStatus maps a submission error onto a status label.
func TxStatus(err error) string {
	switch {
	case err == nil:
		return TxConfirmed
	case errors.Is(err, chain.ErrConfirmationTimeout):
		return TxTimeout
	case errors.Is(err, chain.ErrReverted):
		return TxReverted
	}
	return TxFailed
}

type txCounters struct {
	txTally
	latency *ConfirmationLatency
}

// Collector aggregates chain and run events in memory and, when configured,
// mirrors them into Prometheus. It observes the chain client, the RPC client
// and the orchestrator.
type Collector struct {
	prom *PrometheusMetrics

	mu     sync.RWMutex
	txs    map[string]*txCounters
	votes  map[string]uint64
	probes map[string]uint64
}

var _ chain.Observer = (*Collector)(nil)

// NewCollector creates a collector. prom may be nil.
func NewCollector(prom *PrometheusMetrics) *Collector {
	c := &Collector{prom: prom}
	c.Reset()
	return c
}

func (c *Collector) counters(kind string) *txCounters {
	c.mu.RLock()
	tc, ok := c.txs[kind]
	c.mu.RUnlock()
	if ok {
		return tc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if tc, ok = c.txs[kind]; !ok {
		tc = &txCounters{latency: NewConfirmationLatency()}
		c.txs[kind] = tc
	}
	return tc
}

// ObserveTx records one submitted transaction.
func (c *Collector) ObserveTx(kind string, latency time.Duration, gasUsed uint64, err error) {
	tc := c.counters(kind)
	status := TxStatus(err)
	tc.record(status, gasUsed)
	if status == TxConfirmed {
		tc.latency.Observe(latency)
	}

	if c.prom != nil {
		c.prom.RecordTx(kind, status, gasUsed, latency.Seconds())
	}
}

// ObserveRPC records one RPC call. It matches the rpc client's OnCall hook.
func (c *Collector) ObserveRPC(method string, err error, latency time.Duration) {
	if c.prom != nil {
		c.prom.RecordRPCLatency(method, err == nil, latency.Seconds())
	}
}

// Progress mirrors run progress into gauges.
func (c *Collector) Progress(p types.Progress) {
	if c.prom == nil {
		return
	}
	c.prom.SetRunStatus(p.Status)
	c.prom.Window.Set(float64(p.Window))
	c.prom.Windows.Set(float64(p.Windows))
}

// PhaseDone records a phase duration.
func (c *Collector) PhaseDone(p types.PhaseReport) {
	if c.prom != nil && !p.Skipped {
		c.prom.PhaseDuration.WithLabelValues(string(p.Phase)).Set(p.Duration.Seconds())
	}
}

// Attempt counts a final vote attempt by outcome.
func (c *Collector) Attempt(a types.VoteAttempt) {
	key := string(a.Outcome)
	if a.Reason != "" {
		key += ":" + a.Reason
	}
	c.mu.Lock()
	c.votes[key]++
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.RecordAttempt(a)
	}
}

// Probe counts a security probe by severity.
func (c *Collector) Probe(p types.SecurityProbe) {
	c.mu.Lock()
	c.probes[string(p.Severity)]++
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.RecordProbe(p)
	}
}

// Snapshot returns the current counters, transaction kinds sorted by name.
func (c *Collector) Snapshot() types.MetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := types.MetricsSnapshot{
		Votes:  make(map[string]uint64, len(c.votes)),
		Probes: make(map[string]uint64, len(c.probes)),
	}
	for k, v := range c.votes {
		snap.Votes[k] = v
	}
	for k, v := range c.probes {
		snap.Probes[k] = v
	}
	for kind, tc := range c.txs {
		m := types.TxMetrics{Kind: kind, Latency: tc.latency.Stats()}
		tc.fill(&m)
		snap.Transactions = append(snap.Transactions, m)
	}
	sort.Slice(snap.Transactions, func(i, j int) bool {
		return snap.Transactions[i].Kind < snap.Transactions[j].Kind
	})
	return snap
}

// Reset clears the in-memory counters and the per-run Prometheus metrics.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.txs = make(map[string]*txCounters)
	c.votes = make(map[string]uint64)
	c.probes = make(map[string]uint64)
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.Reset()
	}
}
