package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/gateway-fm/votebot/internal/backend"
	"github.com/gateway-fm/votebot/internal/chain"
	"github.com/gateway-fm/votebot/internal/retry"
	"github.com/gateway-fm/votebot/internal/wallet"
	"github.com/gateway-fm/votebot/pkg/types"
)

// VoterConfig configures eligible voters.
type VoterConfig struct {
	// RequireProof rejects voter data without a Merkle proof before submission.
	RequireProof bool
}

// EligibleVoter votes with a registered identity. Each election is attempted
// at most Retry.MaxRetries+1 times; definitive rejections are never retried.
type EligibleVoter struct {
	id     *wallet.Identity
	deps   Deps
	cfg    VoterConfig
	logger *slog.Logger

	stats types.AgentStats
}

func NewEligibleVoter(id *wallet.Identity, deps Deps, cfg VoterConfig) *EligibleVoter {
	return &EligibleVoter{
		id:     id,
		deps:   deps,
		cfg:    cfg,
		logger: deps.logger("eligible_voter", id),
		stats:  types.AgentStats{Role: types.RoleEligibleVoter, Address: id.Hex()},
	}
}

// Run votes on every election in turn. It stops early only when ctx is done.
func (v *EligibleVoter) Run(ctx context.Context, elections []*types.ElectionSpec) error {
	for _, e := range elections {
		if err := ctx.Err(); err != nil {
			return err
		}
		v.Vote(ctx, e)
	}
	return nil
}

func (v *EligibleVoter) Stats() types.AgentStats {
	return v.stats
}

// voteState carries data between workflow steps and across attempts.
type voteState struct {
	voterData  *types.VoterData
	selections [][]int
	onChainID  uint64
	// pending is the latest vote whose confirmation timed out. sent holds
	// every hash sent at its nonce; at most one of them can be mined.
	pending *chain.PendingTx
	sent    []string
	result  *chain.TxResult
}

// Vote runs the workflow for one election and records the attempt.
func (v *EligibleVoter) Vote(ctx context.Context, election *types.ElectionSpec) types.VoteAttempt {
	st := &voteState{}
	attempts, err := retry.Do(ctx, v.deps.Retry, func(ctx context.Context, attempt int) error {
		return v.attempt(ctx, election, st)
	}, func(attempt int, err error, delay time.Duration) {
		v.logger.Warn("vote attempt failed, retrying",
			slog.String("election", election.UUID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("err", err.Error()))
	})

	rec := types.VoteAttempt{
		ElectionUUID:  election.UUID,
		VoterAddress:  v.id.Hex(),
		Selections:    st.selections,
		AttemptNumber: max(attempts, 1),
		FinishedAt:    v.deps.now(),
	}
	if st.result != nil {
		rec.TxHash = st.result.TxHash
		rec.BlockNumber = st.result.BlockNumber
		rec.GasUsed = st.result.GasUsed
	}
	classifyAttempt(ctx, &rec, err)

	v.stats.Attempts = append(v.stats.Attempts, rec)
	v.stats.Retries += rec.Retries()
	v.stats.GasUsed += rec.GasUsed
	if rec.Outcome == types.OutcomeSuccess {
		v.stats.Successes++
	} else {
		v.stats.Failures++
		v.stats.Errors = append(v.stats.Errors, fmt.Sprintf("%s: %s", election.UUID, rec.Reason))
	}

	v.logger.Info("vote finished",
		slog.String("election", election.UUID),
		slog.String("outcome", string(rec.Outcome)),
		slog.String("reason", rec.Reason),
		slog.Int("attempts", rec.AttemptNumber),
		slog.String("tx", rec.TxHash))
	return rec
}

// classifyAttempt sets the outcome of a finished workflow. A rejection marked
// transient keeps its reason but is not a rejection; cancellation wins over
// the last transient error.
func classifyAttempt(ctx context.Context, rec *types.VoteAttempt, err error) {
	rec.Error = errString(err)
	var rej *rejection
	rejected := errors.As(err, &rej)
	transient := err != nil && retry.IsTransient(err)
	switch {
	case err == nil:
		rec.Outcome = types.OutcomeSuccess
	case rejected && !transient:
		rec.Outcome = types.OutcomeRejected
		rec.Reason = rej.reason
	case ctx.Err() != nil:
		rec.Outcome = types.OutcomeTransientFailure
		rec.Reason = types.ReasonCancelled
	case transient:
		rec.Outcome = types.OutcomeTransientFailure
		rec.Reason = types.ReasonRetriesExceeded
		if rejected {
			rec.Reason = rej.reason
		}
	default:
		rec.Outcome = types.OutcomeRejected
		rec.Reason = types.ReasonError
	}
}

// attempt runs one pass of the workflow. A vote left pending by an earlier
// confirmation timeout is resolved first, and again when the chain or backend
// reports the identity as having voted.
func (v *EligibleVoter) attempt(ctx context.Context, election *types.ElectionSpec, st *voteState) error {
	if st.pending != nil {
		done, err := v.checkPending(ctx, st)
		if err != nil {
			return err
		}
		if done {
			v.recordOffchain(ctx, election, st)
			return nil
		}
	}

	err := v.steps(ctx, election, st)
	var rej *rejection
	if st.pending != nil && errors.As(err, &rej) && rej.reason == types.ReasonAlreadyVoted {
		if done, checkErr := v.checkPending(ctx, st); checkErr == nil && done {
			v.recordOffchain(ctx, election, st)
			return nil
		}
	}
	return err
}

// steps runs CheckEligibility, FetchVoterData, SelectCandidates,
// ResolveOnChainID, SubmitVote and RecordOffchain.
func (v *EligibleVoter) steps(ctx context.Context, election *types.ElectionSpec, st *voteState) error {
	if err := v.checkEligibility(ctx, election); err != nil {
		return err
	}

	data, eligible, err := v.deps.Backend.GetVoterData(ctx, election.UUID, v.id.Hex())
	if err != nil {
		return fmt.Errorf("fetch voter data: %w", err)
	}
	if !eligible || data == nil || data.VoterKey == "" {
		return reject(types.ReasonNoKey, nil)
	}
	st.voterData = data

	if st.selections == nil {
		if st.selections, err = selectCandidates(election.Positions); err != nil {
			return reject(types.ReasonInvalidElection, err)
		}
	}

	if st.onChainID, err = v.resolveOnChainID(ctx, election); err != nil {
		return err
	}

	res, err := v.deps.Chain.CastVote(ctx, v.id, chain.VoteRequest{
		OnChainID:    st.onChainID,
		VoterKey:     data.VoterKey,
		Proof:        data.Proof,
		Selections:   st.selections,
		Positions:    len(election.Positions),
		RequireProof: v.cfg.RequireProof,
		Replace:      st.pending,
	})
	if err != nil {
		var timeout *chain.ConfirmationTimeoutError
		if errors.As(err, &timeout) {
			st.pending = timeout.Pending()
			st.sent = append(st.sent, timeout.TxHash)
			return err
		}
		if reason, ok := rejectionReason(err); ok {
			return reject(reason, err)
		}
		return err
	}
	st.result = res
	st.pending, st.sent = nil, nil
	v.recordOffchain(ctx, election, st)
	return nil
}

func (v *EligibleVoter) checkEligibility(ctx context.Context, election *types.ElectionSpec) error {
	now := v.deps.now()
	if !election.HasStarted(now) {
		return reject(types.ReasonNotStarted, nil)
	}
	if election.HasEnded(now) {
		return reject(types.ReasonEnded, nil)
	}
	voted, err := v.deps.Backend.HasVoted(ctx, election.UUID, v.id.Hex())
	if err != nil {
		return fmt.Errorf("check voted: %w", err)
	}
	if voted {
		return reject(types.ReasonAlreadyVoted, nil)
	}
	return nil
}

// checkPending resolves votes whose confirmation timed out. done means one
// of them landed and needs no resubmission. While none is mined the next
// submission replaces the pending one at its nonce.
func (v *EligibleVoter) checkPending(ctx context.Context, st *voteState) (done bool, err error) {
	for _, hash := range st.sent {
		res, found, err := v.deps.Chain.CheckTx(ctx, hash)
		switch {
		case err != nil && errors.Is(err, chain.ErrReverted):
			// the nonce is spent, so the next vote takes a fresh one
			v.logger.Warn("pending vote reverted, resubmitting", slog.String("tx", hash))
			st.pending, st.sent = nil, nil
			return false, nil
		case err != nil:
			return false, fmt.Errorf("check pending vote %s: %w", hash, err)
		case found:
			v.logger.Info("pending vote confirmed late", slog.String("tx", hash))
			st.result = res
			st.pending, st.sent = nil, nil
			return true, nil
		}
	}
	return false, nil
}

func (v *EligibleVoter) resolveOnChainID(ctx context.Context, election *types.ElectionSpec) (uint64, error) {
	if election.OnChainID != nil {
		return *election.OnChainID, nil
	}
	id, ok, err := v.deps.Backend.GetOnChainID(ctx, election.UUID)
	if err != nil {
		return 0, fmt.Errorf("resolve on-chain id: %w", err)
	}
	if !ok {
		// deployment sync may lag creation
		return 0, retry.Transient(reject(types.ReasonNoOnChainID, nil))
	}
	return id, nil
}

// recordOffchain reports the vote to the backend. Failure is logged only.
func (v *EligibleVoter) recordOffchain(ctx context.Context, election *types.ElectionSpec, st *voteState) {
	if st.result == nil {
		return
	}
	err := v.deps.Backend.RecordVote(ctx, election.UUID, backend.RecordVoteRequest{
		VoterAddress: v.id.Hex(),
		TxHash:       st.result.TxHash,
		OnChainID:    st.onChainID,
		Selections:   st.selections,
		BlockNumber:  st.result.BlockNumber,
	})
	if err != nil {
		v.logger.Warn("recording vote off-chain failed",
			slog.String("election", election.UUID),
			slog.String("tx", st.result.TxHash),
			slog.String("err", err.Error()))
	}
}

// selectCandidates picks one candidate per position uniformly at random.
func selectCandidates(positions []types.Position) ([][]int, error) {
	if len(positions) == 0 {
		return nil, fmt.Errorf("election has no positions")
	}
	out := make([][]int, len(positions))
	for i, p := range positions {
		if len(p.Candidates) == 0 {
			return nil, fmt.Errorf("position %d (%s) has no candidates", i, p.Title)
		}
		for j, c := range p.Candidates {
			if c == "" {
				return nil, fmt.Errorf("position %d candidate %d is empty", i, j)
			}
		}
		out[i] = []int{rand.IntN(len(p.Candidates))}
	}
	return out, nil
}
