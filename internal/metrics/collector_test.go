package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gateway-fm/votebot/internal/chain"
	"github.com/gateway-fm/votebot/pkg/types"
)

func TestTxStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, TxConfirmed},
		{"timeout", &chain.ConfirmationTimeoutError{TxHash: "0x1", Timeout: time.Second}, TxTimeout},
		{"wrapped timeout", fmt.Errorf("vote: %w", &chain.ConfirmationTimeoutError{TxHash: "0x1"}), TxTimeout},
		{"revert", fmt.Errorf("vote: %w", chain.ErrReverted), TxReverted},
		{"other", errors.New("send tx: connection refused"), TxFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TxStatus(tt.err); got != tt.want {
				t.Errorf("TxStatus(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestCollectorObserveTx(t *testing.T) {
	reg := prometheus.NewRegistry()
	prom := NewPrometheusMetrics(reg)
	c := NewCollector(prom)

	c.ObserveTx(chain.KindVote, 1500*time.Millisecond, 80_000, nil)
	c.ObserveTx(chain.KindVote, 3*time.Second, 80_000, nil)
	c.ObserveTx(chain.KindVote, time.Second, 21_000, chain.ErrReverted)
	c.ObserveTx(chain.KindVote, time.Minute, 0, &chain.ConfirmationTimeoutError{TxHash: "0x2"})
	c.ObserveTx(chain.KindCreateElection, 2*time.Second, 250_000, nil)

	snap := c.Snapshot()
	if len(snap.Transactions) != 2 {
		t.Fatalf("expected 2 kinds, got %d", len(snap.Transactions))
	}
	create, vote := snap.Transactions[0], snap.Transactions[1]
	if create.Kind != chain.KindCreateElection || vote.Kind != chain.KindVote {
		t.Fatalf("kinds not sorted: %q, %q", create.Kind, vote.Kind)
	}
	if vote.Confirmed != 2 || vote.Reverted != 1 || vote.TimedOut != 1 || vote.Failed != 0 {
		t.Errorf("vote counters = %+v", vote)
	}
	if vote.Submitted() != 4 {
		t.Errorf("Submitted() = %d, want 4", vote.Submitted())
	}
	if vote.GasUsed != 181_000 {
		t.Errorf("vote gas = %d, want 181000", vote.GasUsed)
	}
	if vote.Latency == nil || vote.Latency.Count != 2 || vote.Latency.Max != 3000 {
		t.Errorf("vote latency should only include confirmations: %+v", vote.Latency)
	}

	if got := testutil.ToFloat64(prom.TxTotal.WithLabelValues(chain.KindVote, TxConfirmed)); got != 2 {
		t.Errorf("prometheus confirmed votes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(prom.GasUsedTotal.WithLabelValues(chain.KindCreateElection)); got != 250_000 {
		t.Errorf("prometheus create gas = %v, want 250000", got)
	}
}

func TestCollectorRunEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	prom := NewPrometheusMetrics(reg)
	c := NewCollector(prom)

	c.Attempt(types.VoteAttempt{Outcome: types.OutcomeSuccess})
	c.Attempt(types.VoteAttempt{Outcome: types.OutcomeSuccess})
	c.Attempt(types.VoteAttempt{Outcome: types.OutcomeRejected, Reason: types.ReasonAlreadyVoted})
	c.Probe(types.SecurityProbe{Severity: types.SeverityNone, Actual: types.ProbeDenied})
	c.Probe(types.SecurityProbe{Severity: types.SeverityCritical, Actual: types.ProbeVoterDataReturned})
	c.Progress(types.Progress{Status: types.RunRunning, Window: 2, Windows: 3})
	c.PhaseDone(types.PhaseReport{Phase: types.PhaseVote, Duration: 4 * time.Second})
	c.PhaseDone(types.PhaseReport{Phase: types.PhaseFund, Skipped: true})

	snap := c.Snapshot()
	if snap.Votes["success"] != 2 || snap.Votes["rejected:already_voted"] != 1 {
		t.Errorf("votes = %v", snap.Votes)
	}
	if snap.Probes["critical"] != 1 || snap.Probes["none"] != 1 {
		t.Errorf("probes = %v", snap.Probes)
	}

	if got := testutil.ToFloat64(prom.SecurityProbes.WithLabelValues("critical", types.ProbeVoterDataReturned)); got != 1 {
		t.Errorf("critical probes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(prom.RunStatus.WithLabelValues(string(types.RunRunning))); got != 1 {
		t.Errorf("running gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(prom.Window); got != 2 {
		t.Errorf("window gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(prom.PhaseDuration.WithLabelValues(string(types.PhaseVote))); got != 4 {
		t.Errorf("vote phase duration = %v, want 4", got)
	}
	if n := testutil.CollectAndCount(prom.PhaseDuration); n != 1 {
		t.Errorf("skipped phases should not be recorded, got %d series", n)
	}

	c.Reset()
	snap = c.Snapshot()
	if len(snap.Votes) != 0 || len(snap.Probes) != 0 || len(snap.Transactions) != 0 {
		t.Errorf("snapshot after reset = %+v", snap)
	}
}

func TestCollectorWithoutPrometheus(t *testing.T) {
	c := NewCollector(nil)
	c.ObserveTx(chain.KindVote, time.Second, 1, nil)
	c.ObserveRPC("eth_call", nil, time.Millisecond)
	c.Progress(types.Progress{Status: types.RunCompleted})
	c.PhaseDone(types.PhaseReport{Phase: types.PhaseVote})

	if snap := c.Snapshot(); len(snap.Transactions) != 1 {
		t.Errorf("expected one kind, got %+v", snap.Transactions)
	}
}

func TestRecordRPCLatencyBucketsUnknownMethods(t *testing.T) {
	prom := NewPrometheusMetrics(prometheus.NewRegistry())
	prom.RecordRPCLatency("debug_traceTransaction", true, 0.01)
	prom.RecordRPCLatency("eth_call", false, 0.01)

	if n := testutil.CollectAndCount(prom.RPCLatency); n != 2 {
		t.Fatalf("expected 2 series, got %d", n)
	}
	if n := testutil.CollectAndCount(prom.RPCLatency, "votebot_rpc_latency_seconds"); n != 2 {
		t.Errorf("expected 2 series by name, got %d", n)
	}
}
