// Package network describes the chains the harness can target. Profiles
// capture the per-network differences the chain client and the identity
// provisioner care about, so callers branch on capabilities, not node names.
package network

import (
	"fmt"
	"time"
)

// Profile describes one target network.
type Profile struct {
	// Name is the canonical identifier (e.g. "anvil", "sepolia").
	Name string

	// ChainID is the expected chain id, or 0 when any id is accepted.
	ChainID uint64

	// RequiresLegacyTx forces type-0 transactions for nodes without EIP-1559.
	RequiresLegacyTx bool

	// DefaultConfirmations is used when CONFIRMATIONS is not set.
	DefaultConfirmations uint64

	// ReceiptPollInterval is the spacing between receipt lookups.
	ReceiptPollInterval time.Duration

	// Local networks mine on demand and tolerate aggressive batching.
	Local bool
}

// String returns the canonical name of the profile.
func (p *Profile) String() string {
	if p == nil {
		return "unknown"
	}
	return p.Name
}

// CheckChainID returns an error if the profile pins a chain id different from actual.
func (p *Profile) CheckChainID(actual uint64) error {
	if p == nil || p.ChainID == 0 || p.ChainID == actual {
		return nil
	}
	return fmt.Errorf("network profile %s expects chain id %d, node reports %d", p.Name, p.ChainID, actual)
}
