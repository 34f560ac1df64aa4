// Package agent implements the role workflows driven by the orchestrator:
// creating elections, voting as a registered voter, and probing the system
// as an unregistered one.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gateway-fm/votebot/internal/backend"
	"github.com/gateway-fm/votebot/internal/chain"
	"github.com/gateway-fm/votebot/internal/retry"
	"github.com/gateway-fm/votebot/internal/wallet"
	"github.com/gateway-fm/votebot/pkg/types"
)

// Backend is the subset of the service client the agents use.
type Backend interface {
	CreateElection(ctx context.Context, req backend.CreateElectionRequest) error
	GenerateVoterKeys(ctx context.Context, uuid string, voters []string) (string, error)
	GetVoterData(ctx context.Context, uuid, address string) (*types.VoterData, bool, error)
	HasVoted(ctx context.Context, uuid, address string) (bool, error)
	GetOnChainID(ctx context.Context, uuid string) (uint64, bool, error)
	RecordVote(ctx context.Context, uuid string, req backend.RecordVoteRequest) error
	SyncDeployment(ctx context.Context, sync backend.DeploymentSync) error
}

// Chain is the subset of the chain client the agents use.
type Chain interface {
	CreateElection(ctx context.Context, creator *wallet.Identity, spec *types.ElectionSpec) (*chain.CreateResult, error)
	CastVote(ctx context.Context, voter *wallet.Identity, req chain.VoteRequest) (*chain.TxResult, error)
	CheckTx(ctx context.Context, txHash string) (*chain.TxResult, bool, error)
}

var (
	_ Backend = (*backend.Client)(nil)
	_ Chain   = (*chain.Client)(nil)
)

// Deps are shared by every agent of a run.
type Deps struct {
	Backend Backend
	Chain   Chain
	// Retry bounds voter workflows. Creators never retry.
	Retry retry.Policy
	// Now is the clock used for election windows. Nil means time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

func (d Deps) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

func (d Deps) logger(component string, id *wallet.Identity) *slog.Logger {
	l := d.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("component", component), slog.String("address", id.Hex()))
}

// rejection is a definitive, non-retryable outcome with a report reason.
type rejection struct {
	reason string
	err    error
}

func reject(reason string, err error) *rejection {
	return &rejection{reason: reason, err: err}
}

func (r *rejection) Error() string {
	if r.err == nil {
		return r.reason
	}
	return r.reason + ": " + r.err.Error()
}

func (r *rejection) Unwrap() error     { return r.err }
func (r *rejection) IsRetryable() bool { return false }

// rejectionReason maps typed chain errors to report reasons.
func rejectionReason(err error) (string, bool) {
	switch {
	case errors.Is(err, chain.ErrAlreadyVoted):
		return types.ReasonAlreadyVoted, true
	case errors.Is(err, chain.ErrNotEligible):
		return types.ReasonNotEligible, true
	case errors.Is(err, chain.ErrElectionClosed):
		return types.ReasonEnded, true
	case errors.Is(err, chain.ErrInvalidInput):
		return types.ReasonInvalidInput, true
	case errors.Is(err, chain.ErrReverted):
		return types.ReasonReverted, true
	}
	return "", false
}

// errString is err.Error() or "" for nil.
func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
