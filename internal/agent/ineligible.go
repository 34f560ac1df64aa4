package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gateway-fm/votebot/internal/chain"
	"github.com/gateway-fm/votebot/internal/retry"
	"github.com/gateway-fm/votebot/internal/wallet"
	"github.com/gateway-fm/votebot/pkg/types"
)

// ProbeConfig configures ineligible voters.
type ProbeConfig struct {
	// AttemptVote makes the agent try to vote with any voter data it obtains.
	AttemptVote bool
}

// IneligibleVoter probes elections with an unregistered identity. Being
// denied is the passing outcome; obtaining voter data or getting a vote
// accepted is a critical finding that is never retried away.
type IneligibleVoter struct {
	id     *wallet.Identity
	deps   Deps
	cfg    ProbeConfig
	logger *slog.Logger

	stats types.AgentStats
}

func NewIneligibleVoter(id *wallet.Identity, deps Deps, cfg ProbeConfig) *IneligibleVoter {
	return &IneligibleVoter{
		id:     id,
		deps:   deps,
		cfg:    cfg,
		logger: deps.logger("ineligible_voter", id),
		stats:  types.AgentStats{Role: types.RoleIneligibleVoter, Address: id.Hex()},
	}
}

// Run probes every election in turn.
func (p *IneligibleVoter) Run(ctx context.Context, elections []*types.ElectionSpec) error {
	for _, e := range elections {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.Probe(ctx, e)
	}
	return nil
}

func (p *IneligibleVoter) Stats() types.AgentStats {
	return p.stats
}

// errLeak stops the retry loop once access was obtained.
var errLeak = errors.New("ineligible identity obtained voting access")

type probeState struct {
	actual string
	detail string
	txHash string
}

// Probe requests voter data for an election the identity is not registered
// in and, if data leaks and AttemptVote is set, tries to vote with it.
func (p *IneligibleVoter) Probe(ctx context.Context, election *types.ElectionSpec) types.SecurityProbe {
	st := &probeState{}
	attempts, err := retry.Do(ctx, p.deps.Retry, func(ctx context.Context, attempt int) error {
		return p.attempt(ctx, election, st)
	}, func(attempt int, err error, delay time.Duration) {
		p.logger.Warn("unexpected probe response, retrying",
			slog.String("election", election.UUID),
			slog.Int("attempt", attempt),
			slog.String("err", err.Error()))
	})

	probe := types.SecurityProbe{
		ElectionUUID: election.UUID,
		VoterAddress: p.id.Hex(),
		Expected:     types.OutcomeRejected,
		Actual:       st.actual,
		Detail:       st.detail,
		TxHash:       st.txHash,
		Attempts:     max(attempts, 1),
		ObservedAt:   p.deps.now(),
	}
	switch {
	case st.actual == types.ProbeVoterDataReturned || st.actual == types.ProbeVoteAccepted:
		probe.Severity = types.SeverityCritical
	case err == nil:
		probe.Actual = types.ProbeDenied
		probe.Severity = types.SeverityNone
	case ctx.Err() != nil:
		probe.Actual = types.ProbeCancelled
		probe.Severity = types.SeverityNone
	default:
		probe.Actual = types.ProbeUnexpectedError
		probe.Severity = types.SeverityWarning
		probe.Detail = err.Error()
	}

	p.stats.Probes = append(p.stats.Probes, probe)
	p.stats.Retries += probe.Attempts - 1
	switch {
	case probe.Actual == types.ProbeCancelled:
	case probe.Severity == types.SeverityNone:
		p.stats.Successes++
	default:
		p.stats.Failures++
		p.stats.Errors = append(p.stats.Errors, fmt.Sprintf("%s: %s", election.UUID, probe.Actual))
	}

	level := slog.LevelInfo
	switch probe.Severity {
	case types.SeverityCritical:
		level = slog.LevelError
	case types.SeverityWarning:
		level = slog.LevelWarn
	}
	p.logger.Log(ctx, level, "security probe finished",
		slog.String("election", election.UUID),
		slog.String("actual", probe.Actual),
		slog.String("severity", string(probe.Severity)),
		slog.Int("attempts", probe.Attempts))
	return probe
}

// attempt returns nil when access is denied, errLeak (terminal) when it is
// granted, and a transient error for anything unexpected.
func (p *IneligibleVoter) attempt(ctx context.Context, election *types.ElectionSpec, st *probeState) error {
	data, eligible, err := p.deps.Backend.GetVoterData(ctx, election.UUID, p.id.Hex())
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		// retried to confirm access is consistently blocked
		return retry.Transient(fmt.Errorf("voter data lookup: %w", err))
	}
	if !eligible || data == nil {
		return nil
	}

	st.actual = types.ProbeVoterDataReturned
	st.detail = "backend returned voter data for an unregistered address"
	if !p.cfg.AttemptVote || data.VoterKey == "" {
		return retry.Terminal(errLeak)
	}

	onChainID, ok := p.onChainID(ctx, election)
	if !ok {
		return retry.Terminal(errLeak)
	}
	selections, err := selectCandidates(election.Positions)
	if err != nil {
		return retry.Terminal(errLeak)
	}
	res, err := p.deps.Chain.CastVote(ctx, p.id, chain.VoteRequest{
		OnChainID:  onChainID,
		VoterKey:   data.VoterKey,
		Proof:      data.Proof,
		Selections: selections,
		Positions:  len(election.Positions),
	})
	if err == nil {
		st.actual = types.ProbeVoteAccepted
		st.detail = "contract accepted a vote from an unregistered address"
		st.txHash = res.TxHash
		p.stats.GasUsed += res.GasUsed
		return retry.Terminal(errLeak)
	}
	var timeout *chain.ConfirmationTimeoutError
	if errors.As(err, &timeout) {
		st.txHash = timeout.TxHash
		st.detail += "; vote submission unconfirmed"
	} else {
		st.detail += "; contract rejected the vote: " + err.Error()
	}
	return retry.Terminal(errLeak)
}

func (p *IneligibleVoter) onChainID(ctx context.Context, election *types.ElectionSpec) (uint64, bool) {
	if election.OnChainID != nil {
		return *election.OnChainID, true
	}
	id, ok, err := p.deps.Backend.GetOnChainID(ctx, election.UUID)
	return id, ok && err == nil
}
