// Package verification provides post-run chain verification: on-chain tallies
// are compared with the votes the run recorded as successful.
package verification

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/gateway-fm/votebot/internal/chain"
	"github.com/gateway-fm/votebot/pkg/types"
)

// ResultsReader reads per-position tallies from the voting contract.
type ResultsReader interface {
	GetElectionResults(ctx context.Context, onChainID uint64, position int) (*chain.PositionResult, error)
}

// ProgressCallback is called after each election is verified.
type ProgressCallback func(done, total int)

// Verifier checks on-chain tallies after a run.
type Verifier struct {
	reader ResultsReader
	logger *slog.Logger
}

// NewVerifier creates a verifier.
func NewVerifier(reader ResultsReader, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{reader: reader, logger: logger.With(slog.String("component", "verifier"))}
}

// Verify returns one result per (election, position) for every election with
// a known on-chain id. A position matches when its on-chain total is at least
// the number of successful attempts recorded for the election; the chain may
// hold votes from earlier runs, so only a shortfall is a mismatch.
func (v *Verifier) Verify(ctx context.Context, elections []*types.ElectionSpec, attempts []types.VoteAttempt, progress ProgressCallback) []types.VerificationResult {
	successes := CountSuccesses(attempts)

	var deployed []*types.ElectionSpec
	for _, e := range elections {
		if e.OnChainID != nil {
			deployed = append(deployed, e)
		}
	}

	var out []types.VerificationResult
	for i, e := range deployed {
		if ctx.Err() != nil {
			break
		}
		for pos := range e.Positions {
			out = append(out, v.verifyPosition(ctx, e, pos, successes[e.UUID]))
		}
		if progress != nil {
			progress(i+1, len(deployed))
		}
	}
	return out
}

func (v *Verifier) verifyPosition(ctx context.Context, e *types.ElectionSpec, pos, expected int) types.VerificationResult {
	res := types.VerificationResult{
		ElectionUUID: e.UUID,
		OnChainID:    *e.OnChainID,
		Position:     pos,
		Expected:     expected,
	}
	tally, err := v.reader.GetElectionResults(ctx, *e.OnChainID, pos)
	if err != nil {
		res.Error = err.Error()
		v.logger.Warn("reading results failed",
			slog.String("election", e.UUID),
			slog.Int("position", pos),
			slog.String("err", err.Error()))
		return res
	}

	res.Candidates = tally.Candidates
	res.Votes = tally.Votes
	res.TotalVotes = tally.Total
	res.Match = tally.Total >= uint64(expected)

	if want := len(e.Positions[pos].Candidates); want > 0 && len(tally.Candidates) != want {
		res.Match = false
		res.Error = fmt.Sprintf("contract lists %d candidates, election defines %d", len(tally.Candidates), want)
	}
	if !res.Match {
		v.logger.Warn("tally mismatch",
			slog.String("election", e.UUID),
			slog.Int("position", pos),
			slog.Uint64("on_chain", tally.Total),
			slog.Int("expected", expected))
	}
	return res
}

// CountSuccesses returns the number of successful attempts per election UUID.
func CountSuccesses(attempts []types.VoteAttempt) map[string]int {
	out := make(map[string]int)
	for _, a := range attempts {
		if a.Outcome == types.OutcomeSuccess {
			out[a.ElectionUUID]++
		}
	}
	return out
}

// Mismatches returns the failing results sorted by election and position.
func Mismatches(results []types.VerificationResult) []types.VerificationResult {
	var out []types.VerificationResult
	for _, r := range results {
		if !r.Match {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ElectionUUID != out[j].ElectionUUID {
			return out[i].ElectionUUID < out[j].ElectionUUID
		}
		return out[i].Position < out[j].Position
	})
	return out
}
