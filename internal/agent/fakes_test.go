package agent

import (
	"context"
	"log/slog"
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

type fakeBackend struct {
	mu sync.Mutex

	root       string
	createErr  error
	keysErr    error
	syncErr    error
	voterData  map[string]*types.VoterData
	voted      map[string]bool
	onChainIDs map[string]uint64
	// voterDataErrs are returned by successive GetVoterData calls before
	// falling back to voterData.
	voterDataErrs []error

	created  []backend.CreateElectionRequest
	keyCalls [][]string
	synced   []backend.DeploymentSync
	recorded []backend.RecordVoteRequest
	dataHits int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		root:       "0x" + strings.Repeat("ab", 32),
		voterData:  make(map[string]*types.VoterData),
		voted:      make(map[string]bool),
		onChainIDs: make(map[string]uint64),
	}
}

func (f *fakeBackend) register(address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voterData[strings.ToLower(address)] = &types.VoterData{
		VoterKey:   "0x" + strings.Repeat("01", 32),
		Proof:      []string{"0x" + strings.Repeat("02", 32)},
		MerkleRoot: f.root,
	}
}

func (f *fakeBackend) markVoted(uuid, address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voted[uuid+"/"+strings.ToLower(address)] = true
}

func (f *fakeBackend) CreateElection(_ context.Context, req backend.CreateElectionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return f.createErr
}

func (f *fakeBackend) GenerateVoterKeys(_ context.Context, _ string, voters []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyCalls = append(f.keyCalls, voters)
	if f.keysErr != nil {
		return "", f.keysErr
	}
	return f.root, nil
}

func (f *fakeBackend) GetVoterData(_ context.Context, _, address string) (*types.VoterData, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dataHits++
	if len(f.voterDataErrs) > 0 {
		err := f.voterDataErrs[0]
		f.voterDataErrs = f.voterDataErrs[1:]
		if err != nil {
			return nil, false, err
		}
	}
	d, ok := f.voterData[strings.ToLower(address)]
	return d, ok, nil
}

func (f *fakeBackend) HasVoted(_ context.Context, uuid, address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.voted[uuid+"/"+strings.ToLower(address)], nil
}

func (f *fakeBackend) GetOnChainID(_ context.Context, uuid string) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.onChainIDs[uuid]
	return id, ok, nil
}

func (f *fakeBackend) RecordVote(_ context.Context, _ string, req backend.RecordVoteRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, req)
	return nil
}

func (f *fakeBackend) SyncDeployment(_ context.Context, sync backend.DeploymentSync) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, sync)
	return f.syncErr
}

type fakeChain struct {
	mu sync.Mutex

	nextID    uint64
	createErr error
	// castErrs are returned by successive CastVote calls; nil entries and an
	// exhausted queue succeed.
	castErrs []error
	// onCast runs after the n-th CastVote, under the lock.
	onCast    func(n int)
	receipts  map[string]*chain.TxResult
	checkErrs map[string]error
	checked   []string

	createdSpecs []*types.ElectionSpec
	votes        []chain.VoteRequest
}

func newFakeChain() *fakeChain {
	return &fakeChain{nextID: 1, receipts: make(map[string]*chain.TxResult)}
}

func (f *fakeChain) CreateElection(_ context.Context, _ *wallet.Identity, spec *types.ElectionSpec) (*chain.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdSpecs = append(f.createdSpecs, spec)
	if f.createErr != nil {
		return nil, f.createErr
	}
	id := f.nextID
	f.nextID++
	return &chain.CreateResult{
		TxResult:  chain.TxResult{TxHash: "0xcreate", BlockNumber: 5, GasUsed: 250_000},
		OnChainID: id,
	}, nil
}

func (f *fakeChain) CastVote(_ context.Context, _ *wallet.Identity, req chain.VoteRequest) (*chain.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.votes = append(f.votes, req)
	if f.onCast != nil {
		f.onCast(len(f.votes))
	}
	if len(f.castErrs) > 0 {
		err := f.castErrs[0]
		f.castErrs = f.castErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &chain.TxResult{TxHash: "0xvote", BlockNumber: 9, GasUsed: 90_000}, nil
}

func (f *fakeChain) CheckTx(_ context.Context, txHash string) (*chain.TxResult, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, txHash)
	if err := f.checkErrs[txHash]; err != nil {
		return nil, true, err
	}
	r, ok := f.receipts[txHash]
	return r, ok, nil
}

// delayRecorder is a slog handler that collects the backoff delays voters log.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (d *delayRecorder) Enabled(context.Context, slog.Level) bool { return true }
func (d *delayRecorder) WithAttrs([]slog.Attr) slog.Handler       { return d }
func (d *delayRecorder) WithGroup(string) slog.Handler            { return d }

func (d *delayRecorder) Handle(_ context.Context, r slog.Record) error {
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "delay" && a.Value.Kind() == slog.KindDuration {
			d.mu.Lock()
			d.delays = append(d.delays, a.Value.Duration())
			d.mu.Unlock()
		}
		return true
	})
	return nil
}

func (d *delayRecorder) all() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.delays...)
}

func (f *fakeChain) voteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.votes)
}

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func testDeps(b *fakeBackend, c *fakeChain) Deps {
	return Deps{
		Backend: b,
		Chain:   c,
		Retry:   retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Now:     func() time.Time { return testNow },
	}
}

func identity(t *testing.T, role types.Role, index int) *wallet.Identity {
	t.Helper()
	id, err := wallet.Generate(role, index)
	require.NoError(t, err)
	return id
}

// openElection is open at testNow and already deployed.
func openElection(uuid string) *types.ElectionSpec {
	id := uint64(7)
	return &types.ElectionSpec{
		UUID:      uuid,
		Title:     "Board",
		StartTime: testNow.Add(-time.Minute),
		EndTime:   testNow.Add(time.Hour),
		Positions: []types.Position{
			{Title: "Chair", Candidates: []string{"Ann", "Bob"}, MaxSelections: 1},
			{Title: "Treasurer", Candidates: []string{"Cid", "Dee", "Eve"}, MaxSelections: 1},
		},
		OnChainID: &id,
	}
}
