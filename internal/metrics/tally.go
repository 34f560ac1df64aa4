package metrics

import (
	"sync/atomic"

	"github.com/gateway-fm/votebot/pkg/types"
)

// txTally counts transactions of one kind by final status.
type txTally struct {
	confirmed atomic.Uint64
	reverted  atomic.Uint64
	timedOut  atomic.Uint64
	failed    atomic.Uint64
	gas       atomic.Uint64
}

// record counts one transaction. Unknown statuses count as failed.
func (t *txTally) record(status string, gasUsed uint64) {
	switch status {
	case TxConfirmed:
		t.confirmed.Add(1)
	case TxReverted:
		t.reverted.Add(1)
	case TxTimeout:
		t.timedOut.Add(1)
	default:
		t.failed.Add(1)
	}
	t.gas.Add(gasUsed)
}

func (t *txTally) fill(m *types.TxMetrics) {
	m.Confirmed = t.confirmed.Load()
	m.Reverted = t.reverted.Load()
	m.TimedOut = t.timedOut.Load()
	m.Failed = t.failed.Load()
	m.GasUsed = t.gas.Load()
}
