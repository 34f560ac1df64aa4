// Package chain submits election transactions to the voting contract and
// awaits their confirmation.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/votebot/internal/rpc"
	"github.com/gateway-fm/votebot/internal/txbuilder"
	"github.com/gateway-fm/votebot/internal/wallet"
)

// Transaction kinds reported to the Observer.
const (
	KindCreateElection = "create_election"
	KindVote           = "vote"
)

// Observer receives one call per submitted transaction.
type Observer interface {
	ObserveTx(kind string, latency time.Duration, gasUsed uint64, err error)
}

// Config configures a Client.
type Config struct {
	RPC      rpc.Client
	Contract common.Address
	ChainID  uint64
	Gas      txbuilder.GasPolicy
	// Legacy sends pre-EIP-1559 transactions.
	Legacy bool
	// Confirmations is the number of blocks to await, counting the inclusion block.
	Confirmations  uint64
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Observer       Observer
	Logger         *slog.Logger
}

// Client is the chain client.
type Client struct {
	cfg     Config
	chainID *big.Int
	logger  *slog.Logger
}

// TxResult is a confirmed transaction.
type TxResult struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
}

// CreateResult is a confirmed createElection with the contract-assigned id.
type CreateResult struct {
	TxResult
	OnChainID uint64 `json:"onChainId"`
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.RPC == nil {
		return nil, fmt.Errorf("rpc client is required")
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain id is required")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("contract address is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Client{
		cfg:     cfg,
		chainID: new(big.Int).SetUint64(cfg.ChainID),
		logger:  cfg.Logger.With(slog.String("component", "chain")),
	}, nil
}

// Contract returns the voting contract address.
func (c *Client) Contract() common.Address {
	return c.cfg.Contract
}

// VerifyDeployment checks that contract code exists at the configured address.
func (c *Client) VerifyDeployment(ctx context.Context) error {
	code, err := c.cfg.RPC.GetCode(ctx, c.cfg.Contract.Hex())
	if err != nil {
		return fmt.Errorf("get code at %s: %w", c.cfg.Contract.Hex(), err)
	}
	if code == "" || code == "0x" || strings.Trim(code, "0x") == "" {
		return fmt.Errorf("%s: %w", c.cfg.Contract.Hex(), ErrNoContract)
	}
	return nil
}

// replacementBump is the minimum price increase of a same-nonce replacement.
// Nodes require at least 10% on both fee fields.
const replacementBump = 1.2

// replaceAttempts bounds the price bumps of one replacement.
const replaceAttempts = 3

// PendingTx is a sent transaction whose confirmation timed out.
type PendingTx struct {
	Hash  string
	Nonce uint64
	Price txbuilder.Price
}

// submission is the outcome of submit; the receipt fields are set only once mined.
type submission struct {
	hash    string
	nonce   uint64
	price   txbuilder.Price
	receipt *rpc.TransactionReceipt
}

// submit estimates, prices, signs and sends data to the contract from id,
// then waits for confirmation. If estimation reverts with a known reason the
// revert is returned without sending when abortOnKnownRevert is set. A
// non-nil replace re-sends at its nonce instead of taking a fresh one.
func (c *Client) submit(ctx context.Context, kind string, id *wallet.Identity, data []byte, abortOnKnownRevert bool, replace *PendingTx) (*submission, error) {
	start := time.Now()
	sub, err := c.send(ctx, id, data, abortOnKnownRevert, replace)
	if err == nil {
		sub.receipt, err = c.waitForReceipt(ctx, sub.hash)
		var timeout *ConfirmationTimeoutError
		if errors.As(err, &timeout) {
			timeout.Nonce = sub.nonce
			timeout.Price = sub.price
		}
		if err == nil && !sub.receipt.Succeeded() {
			err = c.explainFailure(ctx, id, data)
		}
	}
	if c.cfg.Observer != nil {
		var gas uint64
		if sub != nil && sub.receipt != nil {
			gas = sub.receipt.GasUsed
		}
		c.cfg.Observer.ObserveTx(kind, time.Since(start), gas, err)
	}
	return sub, err
}

func (c *Client) send(ctx context.Context, id *wallet.Identity, data []byte, abortOnKnownRevert bool, replace *PendingTx) (*submission, error) {
	msg := rpc.CallMsg{From: id.Hex(), To: c.cfg.Contract.Hex(), Data: data}
	gas, estErr := c.cfg.Gas.Limit(ctx, c.cfg.RPC, msg)
	if estErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if reverted := asRevert(estErr); abortOnKnownRevert && knownRevert(reverted) {
			return nil, reverted
		}
	}
	price := c.cfg.Gas.Price(ctx, c.cfg.RPC)

	if replace != nil {
		return c.replace(ctx, id, data, gas, price, replace)
	}

	if err := id.Resync(ctx, c.cfg.RPC); err != nil {
		return nil, fmt.Errorf("sync nonce for %s: %w", id.Hex(), err)
	}
	n := id.ReserveNonce()
	defer n.Rollback()

	sub, err := c.sendSigned(ctx, id, n.Value(), data, gas, price)
	if err != nil {
		return nil, err
	}
	n.Commit()
	return sub, nil
}

// replace re-sends data at the nonce of a pending transaction with a higher
// price, so at most one of the two can be mined. A nonce-too-low answer means
// one of them already was.
func (c *Client) replace(ctx context.Context, id *wallet.Identity, data []byte, gas uint64, price txbuilder.Price, pending *PendingTx) (*submission, error) {
	p := higherPrice(price, pending.Price.Bump(replacementBump))
	for i := 1; ; i++ {
		sub, err := c.sendSigned(ctx, id, pending.Nonce, data, gas, p)
		if err == nil {
			c.logger.Info("replaced pending transaction",
				slog.String("from", id.Hex()),
				slog.String("replaced", pending.Hash),
				slog.String("tx", sub.hash),
				slog.Uint64("nonce", pending.Nonce))
			return sub, nil
		}
		if !errors.Is(err, rpc.ErrUnderpriced) || i >= replaceAttempts {
			return nil, fmt.Errorf("replace %s: %w", pending.Hash, err)
		}
		p = p.Bump(replacementBump)
	}
}

func (c *Client) sendSigned(ctx context.Context, id *wallet.Identity, nonce uint64, data []byte, gas uint64, price txbuilder.Price) (*submission, error) {
	tx, err := txbuilder.Build(txbuilder.Params{
		ChainID: c.chainID,
		Nonce:   nonce,
		To:      c.cfg.Contract,
		Data:    data,
		Gas:     gas,
		Price:   price,
		Legacy:  c.cfg.Legacy,
	})
	if err != nil {
		return nil, err
	}
	signed, raw, err := txbuilder.Sign(tx, c.chainID, id.PrivateKey())
	if err != nil {
		return nil, err
	}
	hash := signed.Hash().Hex()
	if _, err := c.cfg.RPC.SendRawTransaction(ctx, raw); err != nil && !errors.Is(err, rpc.ErrAlreadyKnown) {
		if _, ok := rpc.RevertData(err); ok {
			return nil, asRevert(err)
		}
		return nil, fmt.Errorf("send tx: %w", err)
	}

	c.logger.Debug("transaction sent",
		slog.String("from", id.Hex()),
		slog.String("tx", hash),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", gas))
	return &submission{hash: hash, nonce: nonce, price: price}, nil
}

// higherPrice takes the larger of each fee field.
func higherPrice(a, b txbuilder.Price) txbuilder.Price {
	pick := func(x, y *big.Int) *big.Int {
		if x == nil || (y != nil && y.Cmp(x) > 0) {
			return y
		}
		return x
	}
	return txbuilder.Price{TipCap: pick(a.TipCap, b.TipCap), FeeCap: pick(a.FeeCap, b.FeeCap)}
}

// waitForReceipt polls for the receipt and the configured confirmation depth,
// racing a hard timeout. A timeout yields ConfirmationTimeoutError; a
// cancelled parent context yields its error.
func (c *Client) waitForReceipt(ctx context.Context, hash string) (*rpc.TransactionReceipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.cfg.RPC.GetTransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil && c.confirmed(waitCtx, receipt) {
			return receipt, nil
		}
		if err != nil && waitCtx.Err() == nil {
			c.logger.Debug("receipt lookup failed", slog.String("tx", hash), slog.String("err", err.Error()))
		}
		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, &ConfirmationTimeoutError{TxHash: hash, Timeout: c.cfg.ConfirmTimeout}
		case <-ticker.C:
		}
	}
}

func (c *Client) confirmed(ctx context.Context, receipt *rpc.TransactionReceipt) bool {
	if c.cfg.Confirmations <= 1 {
		return true
	}
	head, err := c.cfg.RPC.GetBlockNumber(ctx)
	if err != nil {
		return false
	}
	return head+1 >= receipt.BlockNumber+c.cfg.Confirmations
}

// explainFailure replays a failed call to recover its revert reason.
func (c *Client) explainFailure(ctx context.Context, id *wallet.Identity, data []byte) error {
	_, err := c.cfg.RPC.CallContract(ctx, rpc.CallMsg{From: id.Hex(), To: c.cfg.Contract.Hex(), Data: data})
	if err != nil {
		if reverted := asRevert(err); errors.Is(reverted, ErrReverted) {
			return reverted
		}
	}
	return &RevertError{kind: ErrReverted}
}

// CheckTx looks up a previously sent transaction. found is false while it is
// not mined. A mined but failed transaction returns ErrReverted.
func (c *Client) CheckTx(ctx context.Context, txHash string) (res *TxResult, found bool, err error) {
	receipt, err := c.cfg.RPC.GetTransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, false, fmt.Errorf("get receipt %s: %w", txHash, err)
	}
	if receipt == nil {
		return nil, false, nil
	}
	res = resultOf(txHash, receipt)
	if !receipt.Succeeded() {
		return res, true, &RevertError{kind: ErrReverted}
	}
	return res, true, nil
}

func resultOf(hash string, r *rpc.TransactionReceipt) *TxResult {
	return &TxResult{TxHash: hash, BlockNumber: r.BlockNumber, GasUsed: r.GasUsed}
}
