package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gateway-fm/votebot/internal/retry"
	"github.com/gateway-fm/votebot/internal/rpc"
	"github.com/gateway-fm/votebot/internal/storage"
	"github.com/gateway-fm/votebot/internal/txbuilder"
	"github.com/gateway-fm/votebot/pkg/types"
)

// Config configures a Manager.
type Config struct {
	ChainID uint64
	Client  rpc.Client
	// Store persists the pool. Nil keeps the pool in memory only.
	Store storage.IdentityStore
	// Operator funds the pool. Required only for Fund.
	Operator *Identity
	Gas      txbuilder.GasPolicy
	// Legacy sends pre-EIP-1559 transfers.
	Legacy bool
	// Parallel allocates operator nonces up front and sends concurrently.
	Parallel    bool
	Parallelism int
	Retry       retry.Policy
	// ConfirmTimeout bounds the wait for funding transfers to be mined.
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Logger         *slog.Logger
}

// Manager generates, persists, loads and funds identity pools.
type Manager struct {
	cfg     Config
	chainID *big.Int
	logger  *slog.Logger
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain id is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Manager{
		cfg:     cfg,
		chainID: new(big.Int).SetUint64(cfg.ChainID),
		logger:  cfg.Logger.With(slog.String("component", "wallet")),
	}, nil
}

// ChainID returns the chain the manager provisions for.
func (m *Manager) ChainID() uint64 {
	return m.cfg.ChainID
}

// Generate creates a fresh identity for every slot in counts. Keys are
// generated in parallel.
func (m *Manager) Generate(counts types.RoleCounts) (*Pool, error) {
	if err := counts.Validate(); err != nil {
		return nil, err
	}
	pool := NewPool(m.cfg.ChainID)
	var slots []Slot
	for _, role := range types.Roles {
		for i := 0; i < counts.For(role); i++ {
			slots = append(slots, Slot{Role: role, Index: i})
		}
	}
	ids, err := m.generateSlots(slots)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := pool.Add(id); err != nil {
			return nil, err
		}
	}
	m.logger.Info("generated identities",
		slog.Int("creators", counts.Creators),
		slog.Int("eligible", counts.Eligible),
		slog.Int("ineligible", counts.Ineligible))
	return pool, nil
}

func (m *Manager) generateSlots(slots []Slot) ([]*Identity, error) {
	count := len(slots)
	out := make([]*Identity, count)
	if count == 0 {
		return out, nil
	}

	numWorkers := min(runtime.GOMAXPROCS(0), 16, count)
	workSize := (count + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	errChan := make(chan error, numWorkers)
	for w := 0; w < numWorkers; w++ {
		start := w * workSize
		end := min(start+workSize, count)
		if start >= count {
			break
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				id, err := Generate(slots[i].Role, slots[i].Index)
				if err != nil {
					select {
					case errChan <- fmt.Errorf("%s[%d]: %w", slots[i].Role, slots[i].Index, err):
					default:
					}
					return
				}
				out[i] = id
			}
		}(start, end)
	}
	wg.Wait()
	close(errChan)

	if err := <-errChan; err != nil {
		return nil, err
	}
	return out, nil
}

// Persist writes the pool to the store. It never clears a funded flag.
func (m *Manager) Persist(ctx context.Context, pool *Pool) error {
	if m.cfg.Store == nil || pool == nil {
		return nil
	}
	ids := pool.All()
	records := make([]storage.IdentityRecord, len(ids))
	now := time.Now()
	for i, id := range ids {
		records[i] = storage.IdentityRecord{
			ChainID:   pool.ChainID,
			Role:      id.Role,
			Index:     id.Index,
			Address:   id.Hex(),
			Secret:    id.SecretHex(),
			Funded:    id.Funded(),
			FundingTx: id.FundingTx(),
			CreatedAt: now,
		}
	}
	if err := m.cfg.Store.SaveIdentities(ctx, records); err != nil {
		return fmt.Errorf("persist identities: %w", err)
	}
	m.logger.Debug("persisted identities", slog.Int("count", len(records)))
	return nil
}

// Load reads the persisted pool for the manager's chain. It returns nil, nil
// when nothing has been persisted.
func (m *Manager) Load(ctx context.Context) (*Pool, error) {
	if m.cfg.Store == nil {
		return nil, nil
	}
	records, err := m.cfg.Store.LoadIdentities(ctx, m.cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("load identities: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	pool := NewPool(m.cfg.ChainID)
	for _, rec := range records {
		id, err := NewIdentityFromHex(rec.Role, rec.Index, rec.Secret)
		if err != nil {
			return nil, fmt.Errorf("identity %s[%d]: %w", rec.Role, rec.Index, err)
		}
		if !strings.EqualFold(id.Hex(), rec.Address) {
			return nil, fmt.Errorf("identity %s[%d]: stored address %s does not match key", rec.Role, rec.Index, rec.Address)
		}
		if rec.Funded {
			id.markFunded(rec.FundingTx)
		}
		if err := pool.Add(id); err != nil {
			return nil, err
		}
	}
	m.logger.Info("loaded identities",
		slog.Int("count", pool.Len()),
		slog.Int("unfunded", len(pool.Unfunded())))
	return pool, nil
}

// EnsurePool loads the persisted pool, generates any slot missing for counts
// and persists the result. The returned pool is limited to counts.
func (m *Manager) EnsurePool(ctx context.Context, counts types.RoleCounts) (*Pool, error) {
	if err := counts.Validate(); err != nil {
		return nil, err
	}
	pool, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool, err = m.Generate(counts)
		if err != nil {
			return nil, err
		}
	} else if missing := pool.Missing(counts); len(missing) > 0 {
		ids, err := m.generateSlots(missing)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if err := pool.Add(id); err != nil {
				return nil, err
			}
		}
		m.logger.Info("topped up identity pool", slog.Int("generated", len(ids)))
	}
	if err := m.Persist(ctx, pool); err != nil {
		return nil, err
	}
	return pool.Subset(counts), nil
}

// Balances returns the on-chain balance of each identity. Failed lookups are nil.
func (m *Manager) Balances(ctx context.Context, ids []*Identity) []*big.Int {
	out := make([]*big.Int, len(ids))
	var wg sync.WaitGroup
	sem := make(chan struct{}, 32)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id *Identity) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			bal, err := m.cfg.Client.GetBalance(ctx, id.Hex())
			if err != nil {
				m.logger.Debug("balance check failed",
					slog.String("address", id.Hex()),
					slog.String("err", err.Error()))
				return
			}
			out[i] = bal
		}(i, id)
	}
	wg.Wait()
	return out
}
