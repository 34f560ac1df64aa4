package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gateway-fm/votebot/internal/rpc"
	"github.com/gateway-fm/votebot/internal/wallet"
	"github.com/gateway-fm/votebot/pkg/types"
)

// VoteRequest is a single vote submission.
type VoteRequest struct {
	OnChainID uint64
	// VoterKey is a 32-byte hex value issued by the backend.
	VoterKey string
	Proof    []string
	// Selections holds candidate indices per position.
	Selections [][]int
	// Positions is the election's position count.
	Positions    int
	RequireProof bool
	// Delegate is optional; empty means no delegation.
	Delegate string
	// Replace, when set, re-sends the vote at the nonce of a transaction
	// whose confirmation timed out, at a higher price.
	Replace *PendingTx
}

// PositionResult is the on-chain tally of one position.
type PositionResult struct {
	Candidates []string `json:"candidates"`
	Votes      []uint64 `json:"votes"`
	Total      uint64   `json:"total"`
}

// CreateElection registers spec on chain from creator and returns the
// contract-assigned election id.
func (c *Client) CreateElection(ctx context.Context, creator *wallet.Identity, spec *types.ElectionSpec) (*CreateResult, error) {
	data, err := packCreateElection(spec)
	if err != nil {
		return nil, err
	}
	// a future-dated election may fail estimation; the gas fallback covers it
	sub, err := c.submit(ctx, KindCreateElection, creator, data, false, nil)
	if err != nil {
		return nil, fmt.Errorf("create election %s: %w", spec.UUID, err)
	}
	onChainID, err := c.electionCreatedID(sub.receipt)
	if err != nil {
		return nil, fmt.Errorf("create election %s (tx %s): %w", spec.UUID, sub.hash, err)
	}

	c.logger.Info("election created on chain",
		slog.String("uuid", spec.UUID),
		slog.Uint64("on_chain_id", onChainID),
		slog.String("tx", sub.hash),
		slog.Uint64("gas_used", sub.receipt.GasUsed))
	return &CreateResult{TxResult: *resultOf(sub.hash, sub.receipt), OnChainID: onChainID}, nil
}

func packCreateElection(spec *types.ElectionSpec) ([]byte, error) {
	if spec == nil || spec.UUID == "" {
		return nil, fmt.Errorf("%w: election uuid is required", ErrInvalidInput)
	}
	if len(spec.Positions) == 0 {
		return nil, fmt.Errorf("%w: election %s has no positions", ErrInvalidInput, spec.UUID)
	}
	if !spec.EndTime.After(spec.StartTime) {
		return nil, fmt.Errorf("%w: election %s ends before it starts", ErrInvalidInput, spec.UUID)
	}
	root, err := bytes32(spec.MerkleRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: merkle root: %v", ErrInvalidInput, err)
	}
	positions := make([]abiPosition, len(spec.Positions))
	for i, p := range spec.Positions {
		if len(p.Candidates) == 0 {
			return nil, fmt.Errorf("%w: position %d has no candidates", ErrInvalidInput, i)
		}
		maxSel := p.MaxSelections
		if maxSel <= 0 {
			maxSel = 1
		}
		positions[i] = abiPosition{
			Title:         p.Title,
			Candidates:    p.Candidates,
			MaxSelections: big.NewInt(int64(maxSel)),
		}
	}
	return contractABI.Pack("createElection",
		spec.UUID,
		spec.Title,
		big.NewInt(spec.StartTime.Unix()),
		big.NewInt(spec.EndTime.Unix()),
		big.NewInt(int64(spec.TotalVoters)),
		root,
		positions,
	)
}

// electionCreatedID extracts the election id from the contract's ElectionCreated log.
func (c *Client) electionCreatedID(receipt *rpc.TransactionReceipt) (uint64, error) {
	topic := contractABI.Events["ElectionCreated"].ID
	for _, l := range receipt.Logs {
		if !strings.EqualFold(l.Address, c.cfg.Contract.Hex()) || len(l.Topics) < 2 {
			continue
		}
		if common.HexToHash(l.Topics[0]) != topic {
			continue
		}
		id := common.HexToHash(l.Topics[1]).Big()
		if !id.IsUint64() {
			return 0, fmt.Errorf("election id %s overflows uint64", id)
		}
		return id.Uint64(), nil
	}
	return 0, ErrEventMissing
}

// CastVote submits a vote from voter. Malformed input is rejected with
// ErrInvalidInput before anything is sent. A revert that estimation already
// identifies as already-voted, not-eligible or closed is returned without
// sending. A ConfirmationTimeoutError is returned unwrapped.
func (c *Client) CastVote(ctx context.Context, voter *wallet.Identity, req VoteRequest) (*TxResult, error) {
	data, err := packVote(req)
	if err != nil {
		return nil, err
	}
	sub, err := c.submit(ctx, KindVote, voter, data, true, req.Replace)
	if err != nil {
		var timeout *ConfirmationTimeoutError
		if errors.As(err, &timeout) {
			return nil, err
		}
		return nil, fmt.Errorf("vote on election %d: %w", req.OnChainID, err)
	}
	return resultOf(sub.hash, sub.receipt), nil
}

func packVote(req VoteRequest) ([]byte, error) {
	if req.VoterKey == "" {
		return nil, fmt.Errorf("%w: voter key is required", ErrInvalidInput)
	}
	key, err := bytes32(req.VoterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: voter key: %v", ErrInvalidInput, err)
	}
	if req.RequireProof && len(req.Proof) == 0 {
		return nil, fmt.Errorf("%w: proof is required", ErrInvalidInput)
	}
	proof := make([][32]byte, len(req.Proof))
	for i, p := range req.Proof {
		if p == "" {
			return nil, fmt.Errorf("%w: proof[%d] is empty", ErrInvalidInput, i)
		}
		if proof[i], err = bytes32(p); err != nil {
			return nil, fmt.Errorf("%w: proof[%d]: %v", ErrInvalidInput, i, err)
		}
	}
	if len(req.Selections) != req.Positions {
		return nil, fmt.Errorf("%w: %d selections for %d positions", ErrInvalidInput, len(req.Selections), req.Positions)
	}
	votes := make([][]*big.Int, len(req.Selections))
	for i, sel := range req.Selections {
		if len(sel) == 0 {
			return nil, fmt.Errorf("%w: position %d has no selection", ErrInvalidInput, i)
		}
		votes[i] = make([]*big.Int, len(sel))
		for j, cand := range sel {
			if cand < 0 {
				return nil, fmt.Errorf("%w: position %d selection %d is negative", ErrInvalidInput, i, cand)
			}
			votes[i][j] = big.NewInt(int64(cand))
		}
	}
	var delegate common.Address
	if req.Delegate != "" {
		if !common.IsHexAddress(req.Delegate) {
			return nil, fmt.Errorf("%w: delegate %q", ErrInvalidInput, req.Delegate)
		}
		delegate = common.HexToAddress(req.Delegate)
	}
	return contractABI.Pack("vote", new(big.Int).SetUint64(req.OnChainID), key, proof, votes, delegate)
}

// GetElectionResults reads the tally for one position.
func (c *Client) GetElectionResults(ctx context.Context, onChainID uint64, position int) (*PositionResult, error) {
	data, err := contractABI.Pack("getElectionResults", new(big.Int).SetUint64(onChainID), big.NewInt(int64(position)))
	if err != nil {
		return nil, err
	}
	out, err := c.cfg.RPC.CallContract(ctx, rpc.CallMsg{To: c.cfg.Contract.Hex(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("get results for election %d position %d: %w", onChainID, position, asRevert(err))
	}
	var decoded struct {
		Candidates []string
		Votes      []*big.Int
	}
	if err := contractABI.UnpackIntoInterface(&decoded, "getElectionResults", out); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	res := &PositionResult{Candidates: decoded.Candidates, Votes: make([]uint64, len(decoded.Votes))}
	for i, v := range decoded.Votes {
		res.Votes[i] = v.Uint64()
		res.Total += res.Votes[i]
	}
	return res, nil
}

// bytes32 decodes a 0x-prefixed 32-byte hex value. An empty string is the zero value.
func bytes32(s string) ([32]byte, error) {
	var out [32]byte
	if s == "" {
		return out, nil
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("want 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
