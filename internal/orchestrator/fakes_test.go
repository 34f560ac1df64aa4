package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/votebot/internal/backend"
	"github.com/gateway-fm/votebot/internal/chain"
	"github.com/gateway-fm/votebot/internal/retry"
	"github.com/gateway-fm/votebot/internal/wallet"
	"github.com/gateway-fm/votebot/pkg/types"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

type fakeProvisioner struct {
	t       *testing.T
	fundErr error

	mu        sync.Mutex
	fundCalls int
}

func (f *fakeProvisioner) EnsurePool(_ context.Context, counts types.RoleCounts) (*wallet.Pool, error) {
	pool := wallet.NewPool(1337)
	for _, role := range types.Roles {
		for i := 0; i < counts.For(role); i++ {
			id, err := wallet.Generate(role, i)
			require.NoError(f.t, err)
			require.NoError(f.t, pool.Add(id))
		}
	}
	return pool, nil
}

func (f *fakeProvisioner) Fund(_ context.Context, pool *wallet.Pool, _ *big.Int) (*types.FundingReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fundCalls++
	if f.fundErr != nil {
		return nil, f.fundErr
	}
	return &types.FundingReport{Successful: pool.Len(), Required: "0", Sent: "0"}, nil
}

type fakeBackend struct {
	mu sync.Mutex

	// registered[uuid][address] marks voters holding keys.
	registered map[string]map[string]bool
	voted      map[string]bool
	// leak returns voter data to every address.
	leak bool

	elections []types.ElectionSpec
	listCalls int
	getCalls  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		registered: make(map[string]map[string]bool),
		voted:      make(map[string]bool),
	}
}

func (f *fakeBackend) register(uuid string, voters []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registered[uuid] == nil {
		f.registered[uuid] = make(map[string]bool)
	}
	for _, v := range voters {
		f.registered[uuid][strings.ToLower(v)] = true
	}
}

func (f *fakeBackend) CreateElection(context.Context, backend.CreateElectionRequest) error {
	return nil
}

func (f *fakeBackend) GenerateVoterKeys(_ context.Context, uuid string, voters []string) (string, error) {
	f.register(uuid, voters)
	return "0x" + strings.Repeat("ab", 32), nil
}

func (f *fakeBackend) GetVoterData(_ context.Context, uuid, address string) (*types.VoterData, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.leak && !f.registered[uuid][strings.ToLower(address)] {
		return nil, false, nil
	}
	return &types.VoterData{
		VoterKey: "0x" + strings.Repeat("01", 32),
		Proof:    []string{"0x" + strings.Repeat("02", 32)},
	}, true, nil
}

func (f *fakeBackend) HasVoted(_ context.Context, uuid, address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.voted[uuid+"/"+strings.ToLower(address)], nil
}

func (f *fakeBackend) GetOnChainID(context.Context, string) (uint64, bool, error) {
	return 0, false, nil
}

func (f *fakeBackend) RecordVote(_ context.Context, uuid string, req backend.RecordVoteRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voted[uuid+"/"+strings.ToLower(req.VoterAddress)] = true
	return nil
}

func (f *fakeBackend) SyncDeployment(context.Context, backend.DeploymentSync) error {
	return nil
}

func (f *fakeBackend) ListElections(context.Context) ([]types.ElectionSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	out := make([]types.ElectionSpec, len(f.elections))
	copy(out, f.elections)
	return out, nil
}

func (f *fakeBackend) GetElection(_ context.Context, uuid string) (*types.ElectionSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	for _, e := range f.elections {
		if e.UUID == uuid {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("get election %s: %w", uuid, backend.ErrNotFound)
}

type fakeChain struct {
	mu sync.Mutex

	deployErr error
	// hold delays each create and vote so windows overlap measurably.
	hold time.Duration
	// onVote runs before each vote is accepted.
	onVote func()

	nextID      uint64
	specs       map[uint64]*types.ElectionSpec
	tallies     map[uint64]uint64
	creates     int
	votes       int
	inFlight    int
	maxInFlight int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		nextID:  1,
		specs:   make(map[uint64]*types.ElectionSpec),
		tallies: make(map[uint64]uint64),
	}
}

func (f *fakeChain) enter() {
	f.mu.Lock()
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	f.mu.Unlock()
	if f.hold > 0 {
		time.Sleep(f.hold)
	}
}

func (f *fakeChain) leave() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeChain) VerifyDeployment(context.Context) error {
	return f.deployErr
}

func (f *fakeChain) CreateElection(_ context.Context, _ *wallet.Identity, spec *types.ElectionSpec) (*chain.CreateResult, error) {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.creates++
	f.specs[id] = spec
	return &chain.CreateResult{
		TxResult:  chain.TxResult{TxHash: fmt.Sprintf("0xc%d", id), BlockNumber: 10, GasUsed: 200_000},
		OnChainID: id,
	}, nil
}

func (f *fakeChain) CastVote(_ context.Context, _ *wallet.Identity, req chain.VoteRequest) (*chain.TxResult, error) {
	f.enter()
	defer f.leave()
	if f.onVote != nil {
		f.onVote()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.votes++
	f.tallies[req.OnChainID]++
	return &chain.TxResult{TxHash: fmt.Sprintf("0xv%d", f.votes), BlockNumber: 11, GasUsed: 80_000}, nil
}

func (f *fakeChain) CheckTx(context.Context, string) (*chain.TxResult, bool, error) {
	return nil, false, nil
}

func (f *fakeChain) GetElectionResults(_ context.Context, id uint64, position int) (*chain.PositionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.specs[id]
	if !ok || position >= len(spec.Positions) {
		return nil, chain.ErrReverted
	}
	candidates := spec.Positions[position].Candidates
	votes := make([]uint64, len(candidates))
	votes[0] = f.tallies[id]
	return &chain.PositionResult{Candidates: candidates, Votes: votes, Total: f.tallies[id]}, nil
}

func (f *fakeChain) counts() (creates, votes, maxInFlight int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.votes, f.maxInFlight
}

type fakeStore struct {
	mu        sync.Mutex
	created   []*types.RunReport
	completed []types.RunReport
}

func (s *fakeStore) CreateRun(_ context.Context, r *types.RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, r)
	return nil
}

func (s *fakeStore) CompleteRun(_ context.Context, r *types.RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, *r)
	return nil
}

type recordingObserver struct {
	mu       sync.Mutex
	phases   []types.Phase
	attempts int
	probes   int
	last     types.Progress
}

func (r *recordingObserver) Progress(p types.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = p
}

func (r *recordingObserver) PhaseDone(p types.PhaseReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, p.Phase)
}

func (r *recordingObserver) Attempt(types.VoteAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
}

func (r *recordingObserver) Probe(types.SecurityProbe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes++
}

type harness struct {
	prov    *fakeProvisioner
	backend *fakeBackend
	chain   *fakeChain
	store   *fakeStore
	obs     *recordingObserver
	cfg     Config
}

func newHarness(t *testing.T, counts types.RoleCounts) *harness {
	h := &harness{
		prov:    &fakeProvisioner{t: t},
		backend: newFakeBackend(),
		chain:   newFakeChain(),
		store:   &fakeStore{},
		obs:     &recordingObserver{},
	}
	h.cfg = Config{
		Provisioner:   h.prov,
		Backend:       h.backend,
		Chain:         h.chain,
		ChainID:       1337,
		Contract:      "0x00000000000000000000000000000000000000aa",
		Counts:        counts,
		FundingAmount: big.NewInt(1),
		BatchSize:     5,
		Retry:         retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Duration:      time.Hour,
		MaxStartWait:  time.Minute,
		Now:           func() time.Time { return testNow },
	}
	return h
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg := h.cfg
	cfg.Store = h.store
	cfg.Observers = []Observer{h.obs}
	o, err := New(cfg)
	require.NoError(t, err)
	return o
}

// deployedElection is open at testNow with a fixed on-chain id.
func deployedElection(uuid string, onChainID uint64, start time.Time) types.ElectionSpec {
	return types.ElectionSpec{
		UUID:      uuid,
		Title:     uuid,
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		Positions: []types.Position{{Title: "Chair", Candidates: []string{"Ann", "Bob"}, MaxSelections: 1}},
		OnChainID: &onChainID,
	}
}
