// Package types contains public types shared by the harness components, the
// status API and persisted run history. JSON tags use camelCase to match the
// backend and the status API.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Role determines an identity's workflow and success semantics.
type Role string

const (
	RoleCreator         Role = "creator"
	RoleEligibleVoter   Role = "eligible"
	RoleIneligibleVoter Role = "ineligible"
)

// Roles lists all roles in provisioning order.
var Roles = []Role{RoleCreator, RoleEligibleVoter, RoleIneligibleVoter}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCreator, RoleEligibleVoter, RoleIneligibleVoter:
		return true
	}
	return false
}

// RoleCounts holds the requested population per role.
type RoleCounts struct {
	Creators   int `json:"creators" yaml:"creators"`
	Eligible   int `json:"eligible" yaml:"eligible"`
	Ineligible int `json:"ineligible" yaml:"ineligible"`
}

// For returns the count configured for role.
func (c RoleCounts) For(role Role) int {
	switch role {
	case RoleCreator:
		return c.Creators
	case RoleEligibleVoter:
		return c.Eligible
	case RoleIneligibleVoter:
		return c.Ineligible
	}
	return 0
}

// Total returns the number of identities across all roles.
func (c RoleCounts) Total() int {
	return c.Creators + c.Eligible + c.Ineligible
}

// Validate rejects negative populations.
func (c RoleCounts) Validate() error {
	if c.Creators < 0 || c.Eligible < 0 || c.Ineligible < 0 {
		return fmt.Errorf("role counts cannot be negative: %+v", c)
	}
	return nil
}

// Position is one contest within an election.
type Position struct {
	Title         string   `json:"title"`
	Candidates    []string `json:"candidates"`
	MaxSelections int      `json:"maxSelections"`
}

// ElectionSpec describes an election created (or discovered) by the harness.
// It is immutable once created; the authoritative copy lives in the backend and on chain.
type ElectionSpec struct {
	UUID        string     `json:"uuid"`
	Title       string     `json:"title"`
	Positions   []Position `json:"positions"`
	StartTime   time.Time  `json:"startTime"`
	EndTime     time.Time  `json:"endTime"`
	TotalVoters int        `json:"totalVoters"`
	MerkleRoot  string     `json:"merkleRoot,omitempty"`

	// Harness bookkeeping (not part of the backend record).
	Creator   string   `json:"creator,omitempty"`
	Voters    []string `json:"voters,omitempty"`
	OnChainID *uint64  `json:"onChainId,omitempty"`
	TxHash    string   `json:"txHash,omitempty"`
}

// IsOpen reports whether voting is allowed at t. The window is [StartTime, EndTime).
func (e *ElectionSpec) IsOpen(t time.Time) bool {
	return !t.Before(e.StartTime) && t.Before(e.EndTime)
}

// HasStarted reports whether t is at or after the start time.
func (e *ElectionSpec) HasStarted(t time.Time) bool {
	return !t.Before(e.StartTime)
}

// HasEnded reports whether t is at or after the end time.
func (e *ElectionSpec) HasEnded(t time.Time) bool {
	return !t.Before(e.EndTime)
}

// IsRegistered reports whether address is in the harness-known voter set.
// An empty voter set means the registration is unknown to the harness.
func (e *ElectionSpec) IsRegistered(address string) bool {
	for _, v := range e.Voters {
		if strings.EqualFold(v, address) {
			return true
		}
	}
	return false
}

// VoterData is the key material the backend issues to a registered voter.
type VoterData struct {
	VoterKey   string   `json:"voterKey"`
	Proof      []string `json:"proof"`
	MerkleRoot string   `json:"merkleRoot"`
}
