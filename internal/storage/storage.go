package storage

import (
	"context"

	"github.com/gateway-fm/votebot/pkg/types"
)

// IdentityStore persists the identity pool.
type IdentityStore interface {
	// SaveIdentities upserts records keyed by (chain id, role, index).
	SaveIdentities(ctx context.Context, records []IdentityRecord) error
	LoadIdentities(ctx context.Context, chainID uint64) ([]IdentityRecord, error)
	// MarkFunded sets the funded flag. It never clears it.
	MarkFunded(ctx context.Context, chainID uint64, address, txHash string) error
	DeleteIdentities(ctx context.Context, chainID uint64) error
}

// RunStore persists run reports and their vote attempts and security probes.
type RunStore interface {
	CreateRun(ctx context.Context, report *types.RunReport) error
	CompleteRun(ctx context.Context, report *types.RunReport) error
	GetRun(ctx context.Context, id string) (*types.RunReport, error)
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	ListProbes(ctx context.Context, filter ProbeFilter) ([]types.SecurityProbe, error)
	DeleteRun(ctx context.Context, id string) error
}

// Storage is the full persistence interface.
type Storage interface {
	IdentityStore
	RunStore
	Close() error
}
