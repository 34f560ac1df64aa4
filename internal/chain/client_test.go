package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/votebot/internal/retry"
	"github.com/gateway-fm/votebot/internal/rpc"
	"github.com/gateway-fm/votebot/internal/rpc/rpctest"
	"github.com/gateway-fm/votebot/internal/txbuilder"
	"github.com/gateway-fm/votebot/internal/wallet"
	"github.com/gateway-fm/votebot/pkg/types"
)

var contractAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

const testChainID = 31337

type observed struct {
	kind string
	gas  uint64
	err  error
}

type recorder struct {
	mu  sync.Mutex
	obs []observed
}

func (r *recorder) ObserveTx(kind string, _ time.Duration, gasUsed uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, observed{kind: kind, gas: gasUsed, err: err})
}

func newTestClient(t *testing.T, fake *rpctest.Fake, mutate func(*Config)) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{}
	cfg := Config{
		RPC:            fake,
		Contract:       contractAddr,
		ChainID:        testChainID,
		Gas:            txbuilder.GasPolicy{PriceMultiplier: 1.2, LimitBuffer: 1.2, LimitFallback: 2_000_000},
		ConfirmTimeout: time.Second,
		PollInterval:   5 * time.Millisecond,
		Observer:       rec,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c, rec
}

func newIdentity(t *testing.T, role types.Role) *wallet.Identity {
	t.Helper()
	id, err := wallet.Generate(role, 0)
	require.NoError(t, err)
	return id
}

func testElection() *types.ElectionSpec {
	start := time.Date(2026, 11, 1, 9, 0, 0, 0, time.UTC)
	return &types.ElectionSpec{
		UUID:        "5f0c8a52-7b43-4c1d-9d0e-3c2b1a0f9e88",
		Title:       "Board of Directors 2026",
		StartTime:   start,
		EndTime:     start.Add(24 * time.Hour),
		TotalVoters: 3,
		MerkleRoot:  common.BytesToHash([]byte("root")).Hex(),
		Positions: []types.Position{
			{Title: "Chair", Candidates: []string{"Ann", "Bob"}, MaxSelections: 1},
			{Title: "Treasurer", Candidates: []string{"Cid", "Dee", "Eve"}},
		},
	}
}

func hex32(b byte) string {
	var h common.Hash
	h[31] = b
	return h.Hex()
}

func validVote() VoteRequest {
	return VoteRequest{
		OnChainID:    4,
		VoterKey:     hex32(1),
		Proof:        []string{hex32(2), hex32(3)},
		Selections:   [][]int{{1}, {0}},
		Positions:    2,
		RequireProof: true,
	}
}

// emitElectionCreated makes every accepted transaction log ElectionCreated(id).
func emitElectionCreated(fake *rpctest.Fake, id int64) {
	fake.SendHook = func(tx *ethtypes.Transaction, _ int) error {
		fake.SetReceipt(&rpc.TransactionReceipt{
			TxHash:      tx.Hash().Hex(),
			Status:      1,
			GasUsed:     180_000,
			BlockNumber: 10,
			Logs: []rpc.Log{
				{Address: "0x000000000000000000000000000000000000dead", Topics: []string{ABI().Events["ElectionCreated"].ID.Hex(), hex32(99)}},
				{Address: contractAddr.Hex(), Topics: []string{
					ABI().Events["ElectionCreated"].ID.Hex(),
					common.BigToHash(big.NewInt(id)).Hex(),
					common.BytesToHash(common.FromHex("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")).Hex(),
				}},
			},
		})
		return nil
	}
}

func customError(name string) []byte {
	id := ABI().Errors[name].ID
	return id[:4]
}

func errorString(t *testing.T, reason string) []byte {
	t.Helper()
	str, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: str}}.Pack(reason)
	require.NoError(t, err)
	return append(common.FromHex("0x08c379a0"), packed...)
}

func TestCreateElectionExtractsOnChainID(t *testing.T) {
	fake := rpctest.New(testChainID)
	fake.AutoMine = true
	emitElectionCreated(fake, 17)
	c, rec := newTestClient(t, fake, nil)
	creator := newIdentity(t, types.RoleCreator)

	res, err := c.CreateElection(context.Background(), creator, testElection())
	require.NoError(t, err)
	assert.Equal(t, uint64(17), res.OnChainID)
	assert.Equal(t, uint64(180_000), res.GasUsed)
	assert.Equal(t, uint64(10), res.BlockNumber)

	require.Len(t, fake.Sent, 1)
	tx := fake.Sent[0]
	assert.Equal(t, contractAddr, rpctest.Address(tx))
	assert.Equal(t, uint64(120_000), tx.Gas(), "estimate plus buffer")
	assert.Equal(t, uint64(1), creator.PeekNonce())

	require.Len(t, rec.obs, 1)
	assert.Equal(t, KindCreateElection, rec.obs[0].kind)
	assert.Equal(t, uint64(180_000), rec.obs[0].gas)
	assert.NoError(t, rec.obs[0].err)
}

func TestCreateElectionFallsBackWhenEstimationFails(t *testing.T) {
	fake := rpctest.New(testChainID)
	fake.AutoMine = true
	fake.EstimateHook = func(rpc.CallMsg) (uint64, error) {
		return 0, rpc.NewError(3, "execution reverted", customError("ElectionNotStarted"))
	}
	emitElectionCreated(fake, 3)
	c, _ := newTestClient(t, fake, nil)

	res, err := c.CreateElection(context.Background(), newIdentity(t, types.RoleCreator), testElection())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.OnChainID)
	require.Len(t, fake.Sent, 1)
	assert.Equal(t, uint64(2_000_000), fake.Sent[0].Gas())
}

func TestCreateElectionWithoutEventFails(t *testing.T) {
	fake := rpctest.New(testChainID)
	fake.AutoMine = true
	c, _ := newTestClient(t, fake, nil)

	_, err := c.CreateElection(context.Background(), newIdentity(t, types.RoleCreator), testElection())
	require.ErrorIs(t, err, ErrEventMissing)
	assert.False(t, retry.IsTransient(err))
}

func TestCreateElectionRejectsInvalidSpec(t *testing.T) {
	fake := rpctest.New(testChainID)
	c, _ := newTestClient(t, fake, nil)
	creator := newIdentity(t, types.RoleCreator)

	noPositions := testElection()
	noPositions.Positions = nil
	backwards := testElection()
	backwards.EndTime = backwards.StartTime
	badRoot := testElection()
	badRoot.MerkleRoot = "0x1234"
	noCandidates := testElection()
	noCandidates.Positions[1].Candidates = nil

	for name, spec := range map[string]*types.ElectionSpec{
		"no positions":  noPositions,
		"backwards":     backwards,
		"bad root":      badRoot,
		"no candidates": noCandidates,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.CreateElection(context.Background(), creator, spec)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Zero(t, fake.Sends())
}

func TestCastVote(t *testing.T) {
	fake := rpctest.New(testChainID)
	fake.AutoMine = true
	c, rec := newTestClient(t, fake, nil)
	voter := newIdentity(t, types.RoleEligibleVoter)

	res, err := c.CastVote(context.Background(), voter, validVote())
	require.NoError(t, err)
	assert.NotEmpty(t, res.TxHash)
	assert.Equal(t, uint64(1), res.BlockNumber)

	require.Len(t, fake.Sent, 1)
	args, err := ABI().Methods["vote"].Inputs.Unpack(fake.Sent[0].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, int64(4), args[0].(*big.Int).Int64())
	votes := args[3].([][]*big.Int)
	require.Len(t, votes, 2)
	assert.Equal(t, int64(1), votes[0][0].Int64())
	assert.Equal(t, int64(0), votes[1][0].Int64())
	assert.Equal(t, common.Address{}, args[4])
	assert.Equal(t, KindVote, rec.obs[0].kind)
}

func TestCastVoteRejectsMalformedInputLocally(t *testing.T) {
	fake := rpctest.New(testChainID)
	fake.AutoMine = true
	c, _ := newTestClient(t, fake, nil)
	voter := newIdentity(t, types.RoleEligibleVoter)

	cases := map[string]func(*VoteRequest){
		"missing key":        func(r *VoteRequest) { r.VoterKey = "" },
		"short key":          func(r *VoteRequest) { r.VoterKey = "0xabcd" },
		"non-hex key":        func(r *VoteRequest) { r.VoterKey = "voter-key" },
		"empty proof":        func(r *VoteRequest) { r.Proof = nil },
		"bad proof element":  func(r *VoteRequest) { r.Proof = []string{hex32(2), "0x01"} },
		"position mismatch":  func(r *VoteRequest) { r.Selections = [][]int{{1}} },
		"empty selection":    func(r *VoteRequest) { r.Selections = [][]int{{1}, {}} },
		"negative candidate": func(r *VoteRequest) { r.Selections = [][]int{{1}, {-1}} },
		"bad delegate":       func(r *VoteRequest) { r.Delegate = "bob" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := validVote()
			mutate(&req)
			_, err := c.CastVote(context.Background(), voter, req)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Zero(t, fake.Sends(), "nothing may be sent for malformed input")
}

func TestCastVoteProofOptionalWhenNotRequired(t *testing.T) {
	fake := rpctest.New(testChainID)
	fake.AutoMine = true
	c, _ := newTestClient(t, fake, nil)

	req := validVote()
	req.Proof = nil
	req.RequireProof = false
	_, err := c.CastVote(context.Background(), newIdentity(t, types.RoleEligibleVoter), req)
	assert.NoError(t, err)
}

func TestCastVoteKnownRevertsAreNotSent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"custom already voted", rpc.NewError(3, "execution reverted", customError("AlreadyVoted")), ErrAlreadyVoted},
		{"custom invalid proof", rpc.NewError(3, "execution reverted", customError("InvalidProof")), ErrNotEligible},
		{"custom ended", rpc.NewError(3, "execution reverted", customError("ElectionEnded")), ErrElectionClosed},
		{"reason string", rpc.NewError(3, "execution reverted", errorString(t, "Voter has already voted")), ErrAlreadyVoted},
		{"reason in message", rpc.NewError(-32000, "execution reverted: Election not active", nil), ErrElectionClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := rpctest.New(testChainID)
			fake.AutoMine = true
			fake.EstimateHook = func(rpc.CallMsg) (uint64, error) { return 0, tt.err }
			c, _ := newTestClient(t, fake, nil)

			_, err := c.CastVote(context.Background(), newIdentity(t, types.RoleEligibleVoter), validVote())
			require.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrReverted)
			assert.False(t, retry.IsTransient(err))
			assert.Zero(t, fake.Sends())
		})
	}
}

func TestCastVoteUnknownEstimationFailureStillSends(t *testing.T) {
	fake := rpctest.New(testChainID)
	fake.AutoMine = true
	fake.EstimateHook = func(rpc.CallMsg) (uint64, error) {
		return 0, rpc.NewError(-32000, "header not found", nil)
	}
	c, _ := newTestClient(t, fake, nil)

	_, err := c.CastVote(context.Background(), newIdentity(t, types.RoleEligibleVoter), validVote())
	require.NoError(t, err)
	require.Len(t, fake.Sent, 1)
	assert.Equal(t, uint64(2_000_000), fake.Sent[0].Gas())
}

func TestCastVoteMinedRevertIsExplained(t *testing.T) {
	fake := rpctest.New(testChainID)
	fake.AutoMine = true
	fake.SendHook = func(tx *ethtypes.Transaction, _ int) error {
		fake.SetReceipt(&rpc.TransactionReceipt{TxHash: tx.Hash().Hex(), Status: 0, GasUsed: 30_000, BlockNumber: 1})
		return nil
	}
	fake.CallHook = func(rpc.CallMsg) ([]byte, error) {
		return nil, rpc.NewError(3, "execution reverted", customError("AlreadyVoted"))
	}
	c, rec := newTestClient(t, fake, nil)

	_, err := c.CastVote(context.Background(), newIdentity(t, types.RoleEligibleVoter), validVote())
	require.ErrorIs(t, err, ErrAlreadyVoted)
	assert.Equal(t, 1, fake.Sends())
	assert.Equal(t, uint64(30_000), rec.obs[0].gas, "gas spent on a revert is still reported")
}

func TestCastVoteConfirmationTimeoutIsRetryable(t *testing.T) {
	fake := rpctest.New(testChainID)
	c, _ := newTestClient(t, fake, func(cfg *Config) {
		cfg.ConfirmTimeout = 40 * time.Millisecond
	})
	voter := newIdentity(t, types.RoleEligibleVoter)

	_, err := c.CastVote(context.Background(), voter, validVote())
	require.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.True(t, retry.IsTransient(err))
	assert.False(t, errors.Is(err, ErrReverted), "timeout is not a rejection")

	var timeout *ConfirmationTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, fake.Sent[0].Hash().Hex(), timeout.TxHash)
	assert.Equal(t, uint64(1), voter.PeekNonce(), "sent nonce stays consumed")

	_, found, err := c.CheckTx(context.Background(), timeout.TxHash)
	require.NoError(t, err)
	assert.False(t, found)
}

func timedOutVote(t *testing.T, c *Client, voter *wallet.Identity) *ConfirmationTimeoutError {
	t.Helper()
	_, err := c.CastVote(context.Background(), voter, validVote())
	var timeout *ConfirmationTimeoutError
	require.ErrorAs(t, err, &timeout)
	return timeout
}

func TestCastVoteReplacesPendingAtSameNonce(t *testing.T) {
	fake := rpctest.New(testChainID)
	c, _ := newTestClient(t, fake, func(cfg *Config) {
		cfg.ConfirmTimeout = 40 * time.Millisecond
	})
	voter := newIdentity(t, types.RoleEligibleVoter)

	timeout := timedOutVote(t, c, voter)
	assert.Zero(t, timeout.Nonce)
	require.NotNil(t, timeout.Price.FeeCap)

	fake.AutoMine = true
	req := validVote()
	req.Replace = timeout.Pending()
	res, err := c.CastVote(context.Background(), voter, req)
	require.NoError(t, err)

	require.Len(t, fake.Sent, 2)
	original, replacement := fake.Sent[0], fake.Sent[1]
	assert.Equal(t, original.Nonce(), replacement.Nonce(), "no second nonce is spent on the same vote")
	assert.Equal(t, original.Data(), replacement.Data())
	assert.Positive(t, replacement.GasFeeCap().Cmp(original.GasFeeCap()))
	assert.Positive(t, replacement.GasTipCap().Cmp(original.GasTipCap()))
	assert.Equal(t, replacement.Hash().Hex(), res.TxHash)
	assert.Equal(t, uint64(1), voter.PeekNonce())
}

func TestCastVoteReplacementBumpsUntilAccepted(t *testing.T) {
	fake := rpctest.New(testChainID)
	c, _ := newTestClient(t, fake, func(cfg *Config) {
		cfg.ConfirmTimeout = 40 * time.Millisecond
	})
	voter := newIdentity(t, types.RoleEligibleVoter)
	timeout := timedOutVote(t, c, voter)

	fake.AutoMine = true
	fake.SendHook = func(_ *ethtypes.Transaction, n int) error {
		if n == 2 {
			return rpc.NewError(-32000, "replacement transaction underpriced", nil)
		}
		return nil
	}
	req := validVote()
	req.Replace = timeout.Pending()
	_, err := c.CastVote(context.Background(), voter, req)
	require.NoError(t, err)

	assert.Equal(t, 3, fake.Sends())
	require.Len(t, fake.Sent, 2)
	assert.Equal(t, fake.Sent[0].Nonce(), fake.Sent[1].Nonce())
	minimum := timeout.Price.Bump(replacementBump).Bump(replacementBump)
	assert.GreaterOrEqual(t, fake.Sent[1].GasFeeCap().Cmp(minimum.FeeCap), 0)
}

func TestCastVoteReplacementOfMinedTxIsTransient(t *testing.T) {
	fake := rpctest.New(testChainID)
	c, _ := newTestClient(t, fake, func(cfg *Config) {
		cfg.ConfirmTimeout = 40 * time.Millisecond
	})
	voter := newIdentity(t, types.RoleEligibleVoter)
	timeout := timedOutVote(t, c, voter)

	fake.SendHook = func(*ethtypes.Transaction, int) error {
		return rpc.NewError(-32000, "nonce too low", nil)
	}
	req := validVote()
	req.Replace = timeout.Pending()
	_, err := c.CastVote(context.Background(), voter, req)
	require.ErrorIs(t, err, rpc.ErrNonceTooLow)
	assert.True(t, retry.IsTransient(err), "the next attempt finds the mined receipt")
	assert.Equal(t, 2, fake.Sends())
	assert.Equal(t, uint64(1), voter.PeekNonce())
}

func TestCastVoteCancelledWhileWaiting(t *testing.T) {
	fake := rpctest.New(testChainID)
	c, _ := newTestClient(t, fake, nil)
	ctx, cancel := context.WithCancel(context.Background())
	fake.SendHook = func(*ethtypes.Transaction, int) error {
		time.AfterFunc(20*time.Millisecond, cancel)
		return nil
	}

	_, err := c.CastVote(ctx, newIdentity(t, types.RoleEligibleVoter), validVote())
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrConfirmationTimeout))
}

func TestCastVoteWaitsForConfirmations(t *testing.T) {
	fake := rpctest.New(testChainID)
	fake.AutoMine = true
	c, _ := newTestClient(t, fake, func(cfg *Config) { cfg.Confirmations = 3 })

	go func() {
		time.Sleep(30 * time.Millisecond)
		fake.Mine(2)
	}()
	start := time.Now()
	res, err := c.CastVote(context.Background(), newIdentity(t, types.RoleEligibleVoter), validVote())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.BlockNumber)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestCastVoteNonceTooLowIsTransient(t *testing.T) {
	fake := rpctest.New(testChainID)
	fake.SendHook = func(*ethtypes.Transaction, int) error {
		return rpc.NewError(-32000, "nonce too low", nil)
	}
	c, _ := newTestClient(t, fake, nil)
	voter := newIdentity(t, types.RoleEligibleVoter)

	_, err := c.CastVote(context.Background(), voter, validVote())
	require.ErrorIs(t, err, rpc.ErrNonceTooLow)
	assert.True(t, retry.IsTransient(err))
	assert.Zero(t, voter.PeekNonce(), "rejected nonce is released")
}

func TestCheckTx(t *testing.T) {
	fake := rpctest.New(testChainID)
	fake.SetReceipt(&rpc.TransactionReceipt{TxHash: hex32(1), Status: 1, GasUsed: 50_000, BlockNumber: 8})
	fake.SetReceipt(&rpc.TransactionReceipt{TxHash: hex32(2), Status: 0, BlockNumber: 9})
	c, _ := newTestClient(t, fake, nil)
	ctx := context.Background()

	res, found, err := c.CheckTx(ctx, hex32(1))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(50_000), res.GasUsed)

	_, found, err = c.CheckTx(ctx, hex32(2))
	assert.True(t, found)
	assert.ErrorIs(t, err, ErrReverted)

	_, found, err = c.CheckTx(ctx, hex32(3))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetElectionResults(t *testing.T) {
	fake := rpctest.New(testChainID)
	fake.CallHook = func(msg rpc.CallMsg) ([]byte, error) {
		args, err := ABI().Methods["getElectionResults"].Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		if args[1].(*big.Int).Int64() != 1 {
			return nil, rpc.NewError(3, "execution reverted", errorString(t, "invalid position"))
		}
		return ABI().Methods["getElectionResults"].Outputs.Pack(
			[]string{"Cid", "Dee"}, []*big.Int{big.NewInt(3), big.NewInt(4)})
	}
	c, _ := newTestClient(t, fake, nil)

	res, err := c.GetElectionResults(context.Background(), 4, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Cid", "Dee"}, res.Candidates)
	assert.Equal(t, []uint64{3, 4}, res.Votes)
	assert.Equal(t, uint64(7), res.Total)

	_, err = c.GetElectionResults(context.Background(), 4, 0)
	assert.ErrorIs(t, err, ErrReverted)
}

func TestVerifyDeployment(t *testing.T) {
	fake := rpctest.New(testChainID)
	c, _ := newTestClient(t, fake, nil)

	assert.ErrorIs(t, c.VerifyDeployment(context.Background()), ErrNoContract)

	fake.SetCode(contractAddr.Hex(), "0x6080604052")
	assert.NoError(t, c.VerifyDeployment(context.Background()))
}

func TestNewValidatesConfig(t *testing.T) {
	fake := rpctest.New(testChainID)
	_, err := New(Config{RPC: fake, ChainID: testChainID})
	assert.Error(t, err, "contract is required")
	_, err = New(Config{RPC: fake, Contract: contractAddr})
	assert.Error(t, err, "chain id is required")
	_, err = New(Config{ChainID: testChainID, Contract: contractAddr})
	assert.Error(t, err, "rpc is required")
}
