package wallet

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/gateway-fm/votebot/pkg/types"
)

// Pool holds the identities for one chain, indexed by role. Each (role, index)
// slot holds exactly one identity and addresses are unique across the pool.
type Pool struct {
	ChainID uint64
	byRole  map[types.Role][]*Identity
}

// NewPool returns an empty pool for chainID.
func NewPool(chainID uint64) *Pool {
	return &Pool{ChainID: chainID, byRole: make(map[types.Role][]*Identity)}
}

// Add places id in its slot. Slots may be filled in any order.
func (p *Pool) Add(id *Identity) error {
	if !id.Role.Valid() {
		return fmt.Errorf("invalid role %q", id.Role)
	}
	if id.Index < 0 {
		return fmt.Errorf("invalid index %d for %s", id.Index, id.Role)
	}
	if existing := p.Get(id.Role, id.Index); existing != nil {
		return fmt.Errorf("slot %s[%d] already holds %s", id.Role, id.Index, existing.Hex())
	}
	if other := p.Find(id.Hex()); other != nil {
		return fmt.Errorf("address %s already used by %s[%d]", id.Hex(), other.Role, other.Index)
	}

	slots := p.byRole[id.Role]
	for len(slots) <= id.Index {
		slots = append(slots, nil)
	}
	slots[id.Index] = id
	p.byRole[id.Role] = slots
	return nil
}

// Get returns the identity in a slot, or nil.
func (p *Pool) Get(role types.Role, index int) *Identity {
	slots := p.byRole[role]
	if index < 0 || index >= len(slots) {
		return nil
	}
	return slots[index]
}

// Find looks an identity up by address, case-insensitively.
func (p *Pool) Find(address string) *Identity {
	for _, id := range p.All() {
		if strings.EqualFold(id.Hex(), address) {
			return id
		}
	}
	return nil
}

// ByRole returns the filled slots for role in index order.
func (p *Pool) ByRole(role types.Role) []*Identity {
	var out []*Identity
	for _, id := range p.byRole[role] {
		if id != nil {
			out = append(out, id)
		}
	}
	return out
}

// All returns every identity ordered by role then index.
func (p *Pool) All() []*Identity {
	var out []*Identity
	for _, role := range types.Roles {
		out = append(out, p.ByRole(role)...)
	}
	return out
}

// Len returns the number of identities.
func (p *Pool) Len() int {
	return len(p.All())
}

// Counts returns the populated slot counts per role.
func (p *Pool) Counts() types.RoleCounts {
	return types.RoleCounts{
		Creators:   len(p.ByRole(types.RoleCreator)),
		Eligible:   len(p.ByRole(types.RoleEligibleVoter)),
		Ineligible: len(p.ByRole(types.RoleIneligibleVoter)),
	}
}

// Missing lists the slots below counts that are not yet filled.
func (p *Pool) Missing(counts types.RoleCounts) []Slot {
	var out []Slot
	for _, role := range types.Roles {
		for i := 0; i < counts.For(role); i++ {
			if p.Get(role, i) == nil {
				out = append(out, Slot{Role: role, Index: i})
			}
		}
	}
	return out
}

// Subset returns a pool view holding only slots below counts. Identities are shared.
func (p *Pool) Subset(counts types.RoleCounts) *Pool {
	out := NewPool(p.ChainID)
	for _, role := range types.Roles {
		for i := 0; i < counts.For(role); i++ {
			if id := p.Get(role, i); id != nil {
				_ = out.Add(id)
			}
		}
	}
	return out
}

// Unfunded returns identities whose funded flag is not set.
func (p *Pool) Unfunded() []*Identity {
	var out []*Identity
	for _, id := range p.All() {
		if !id.Funded() {
			out = append(out, id)
		}
	}
	return out
}

// Addresses returns the sorted checksummed addresses for role.
func (p *Pool) Addresses(role types.Role) []string {
	ids := p.ByRole(role)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Hex()
	}
	sort.Strings(out)
	return out
}

// Slot names one (role, index) position.
type Slot struct {
	Role  types.Role
	Index int
}

// RequiredFunds returns the total the operator must send to fund every
// unfunded identity in pool with amount each.
func RequiredFunds(pool *Pool, amount *big.Int) *big.Int {
	total := new(big.Int)
	if pool == nil || amount == nil {
		return total
	}
	n := big.NewInt(int64(len(pool.Unfunded())))
	return total.Mul(amount, n)
}
