package network

import (
	"sort"
	"sync"
	"time"
)

// Registry holds network profiles by name. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Profile
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Profile),
	}
}

// Register adds or replaces a profile.
func (r *Registry) Register(p *Profile) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.Name] = p
}

// Get retrieves a profile by name. Returns nil if not found.
func (r *Registry) Get(name string) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Names returns all registered profile names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry with the built-in profiles.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Anvil())
	r.Register(Hardhat())
	r.Register(Ganache())
	r.Register(GethDev())
	r.Register(Sepolia())
	return r
}

// Anvil is a local foundry node.
func Anvil() *Profile {
	return &Profile{
		Name:                 "anvil",
		ChainID:              31337,
		DefaultConfirmations: 1,
		ReceiptPollInterval:  200 * time.Millisecond,
		Local:                true,
	}
}

// Hardhat is the hardhat network node; it shares anvil's default chain id.
func Hardhat() *Profile {
	return &Profile{
		Name:                 "hardhat",
		ChainID:              31337,
		DefaultConfirmations: 1,
		ReceiptPollInterval:  250 * time.Millisecond,
		Local:                true,
	}
}

// Ganache does not accept typed transactions in older releases.
func Ganache() *Profile {
	return &Profile{
		Name:                 "ganache",
		ChainID:              1337,
		RequiresLegacyTx:     true,
		DefaultConfirmations: 1,
		ReceiptPollInterval:  250 * time.Millisecond,
		Local:                true,
	}
}

// GethDev is geth --dev or any private geth network. Chain id is not pinned.
func GethDev() *Profile {
	return &Profile{
		Name:                 "geth",
		DefaultConfirmations: 2,
		ReceiptPollInterval:  time.Second,
	}
}

// Sepolia is the public test network.
func Sepolia() *Profile {
	return &Profile{
		Name:                 "sepolia",
		ChainID:              11155111,
		DefaultConfirmations: 2,
		ReceiptPollInterval:  4 * time.Second,
	}
}
