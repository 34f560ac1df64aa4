// Package storage persists the identity pool and run history in SQLite.
package storage

import (
	"errors"
	"time"

	"github.com/gateway-fm/votebot/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// IdentityRecord is one persisted identity. Identities are scoped by chain id
// so the same database can serve several networks without collision.
type IdentityRecord struct {
	ChainID   uint64     `json:"chainId"`
	Role      types.Role `json:"role"`
	Index     int        `json:"index"`
	Address   string     `json:"address"`
	Secret    string     `json:"-"`
	Funded    bool       `json:"funded"`
	FundingTx string     `json:"fundingTx,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	FundedAt  *time.Time `json:"fundedAt,omitempty"`
}

// PaginatedRuns is a page of run summaries.
type PaginatedRuns struct {
	Runs   []types.RunSummary `json:"runs"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// ProbeFilter narrows ListProbes.
type ProbeFilter struct {
	RunID    string
	Severity types.Severity
}
