package types

// LatencyBucket is one histogram bucket of a latency distribution.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LatencyStats summarizes confirmation latencies in milliseconds.
type LatencyStats struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"`
	Max     float64         `json:"max"`
	Avg     float64         `json:"avg"`
	P50     float64         `json:"p50"`
	P75     float64         `json:"p75"`
	P90     float64         `json:"p90"`
	P95     float64         `json:"p95"`
	P99     float64         `json:"p99"`
	Buckets []LatencyBucket `json:"buckets"`
}

// TxMetrics are the counters for one transaction kind.
type TxMetrics struct {
	Kind      string        `json:"kind"`
	Confirmed uint64        `json:"confirmed"`
	Reverted  uint64        `json:"reverted"`
	TimedOut  uint64        `json:"timedOut"`
	Failed    uint64        `json:"failed"`
	GasUsed   uint64        `json:"gasUsed"`
	Latency   *LatencyStats `json:"latency,omitempty"`
}

// Submitted returns the number of observed submissions of this kind.
func (m TxMetrics) Submitted() uint64 {
	return m.Confirmed + m.Reverted + m.TimedOut + m.Failed
}

// MetricsSnapshot is a point-in-time view of the in-process collector.
type MetricsSnapshot struct {
	Transactions []TxMetrics       `json:"transactions"`
	Votes        map[string]uint64 `json:"votes"`
	Probes       map[string]uint64 `json:"probes"`
}
