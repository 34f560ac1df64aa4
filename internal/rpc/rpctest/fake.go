// Package rpctest provides an in-memory rpc.Client for tests.
package rpctest

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/votebot/internal/rpc"
)

// Fake is a scriptable chain. With AutoMine set, accepted transactions are
// mined immediately: receipts appear, nonces confirm and value is credited.
type Fake struct {
	mu sync.Mutex

	ChainID     uint64
	GasPrice    *big.Int
	GasPriceErr error
	BlockNumber uint64
	AutoMine    bool

	balances  map[string]*big.Int
	pending   map[string]uint64
	confirmed map[string]uint64
	code      map[string]string
	receipts  map[string]*rpc.TransactionReceipt

	// SendHook decides the fate of the n-th (1-based) send. A nil hook accepts.
	SendHook func(tx *types.Transaction, n int) error
	// ReceiptHook overrides receipt lookup.
	ReceiptHook func(hash string) (*rpc.TransactionReceipt, error)
	// EstimateHook overrides eth_estimateGas. The default returns 100000.
	EstimateHook func(msg rpc.CallMsg) (uint64, error)
	// CallHook serves eth_call.
	CallHook func(msg rpc.CallMsg) ([]byte, error)

	sends int
	Sent  []*types.Transaction
}

// New returns a fake chain with the given id.
func New(chainID uint64) *Fake {
	return &Fake{
		ChainID:   chainID,
		GasPrice:  big.NewInt(1_000_000_000),
		balances:  make(map[string]*big.Int),
		pending:   make(map[string]uint64),
		confirmed: make(map[string]uint64),
		code:      make(map[string]string),
		receipts:  make(map[string]*rpc.TransactionReceipt),
	}
}

func key(addr string) string { return strings.ToLower(addr) }

// SetBalance sets an account balance.
func (f *Fake) SetBalance(addr string, wei *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[key(addr)] = new(big.Int).Set(wei)
}

// SetNonce sets both the pending and confirmed nonce of addr.
func (f *Fake) SetNonce(addr string, n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[key(addr)] = n
	f.confirmed[key(addr)] = n
}

// SetCode installs contract code at addr.
func (f *Fake) SetCode(addr, code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.code[key(addr)] = code
}

// SetReceipt installs a receipt.
func (f *Fake) SetReceipt(r *rpc.TransactionReceipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[key(r.TxHash)] = r
}

// Sends returns how many sends were attempted, accepted or not.
func (f *Fake) Sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

// Accepted returns the transactions the fake accepted.
func (f *Fake) Accepted() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.Sent...)
}

// Mine advances the block number by n.
func (f *Fake) Mine(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BlockNumber += n
}

func (f *Fake) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	return nil, errors.New("rpctest: raw calls not supported")
}

func (f *Fake) SendRawTransaction(ctx context.Context, txRLP []byte) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(txRLP); err != nil {
		return "", err
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	f.sends++
	n := f.sends
	hook := f.SendHook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(tx, n); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, tx)
	sender := key(from.Hex())
	if tx.Nonce()+1 > f.pending[sender] {
		f.pending[sender] = tx.Nonce() + 1
	}
	hash := tx.Hash().Hex()
	if f.AutoMine {
		f.BlockNumber++
		if tx.Nonce()+1 > f.confirmed[sender] {
			f.confirmed[sender] = tx.Nonce() + 1
		}
		if tx.To() != nil && tx.Value() != nil && tx.Value().Sign() > 0 {
			to := key(tx.To().Hex())
			bal := f.balances[to]
			if bal == nil {
				bal = new(big.Int)
			}
			f.balances[to] = new(big.Int).Add(bal, tx.Value())
		}
		if _, ok := f.receipts[key(hash)]; !ok {
			f.receipts[key(hash)] = &rpc.TransactionReceipt{
				TxHash:      hash,
				Status:      1,
				GasUsed:     min(tx.Gas(), 21000),
				BlockNumber: f.BlockNumber,
			}
		}
	}
	return hash, nil
}

func (f *Fake) GetNonce(ctx context.Context, address string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[key(address)], nil
}

func (f *Fake) GetConfirmedNonce(ctx context.Context, address string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmed[key(address)], nil
}

func (f *Fake) GetBlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.BlockNumber, nil
}

func (f *Fake) GetChainID(ctx context.Context) (uint64, error) {
	return f.ChainID, nil
}

func (f *Fake) GetCode(ctx context.Context, address string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.code[key(address)]; ok {
		return c, nil
	}
	return "0x", nil
}

func (f *Fake) GetGasPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GasPriceErr != nil {
		return nil, f.GasPriceErr
	}
	return new(big.Int).Set(f.GasPrice), nil
}

func (f *Fake) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[key(address)]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *Fake) EstimateGas(ctx context.Context, msg rpc.CallMsg) (uint64, error) {
	if f.EstimateHook != nil {
		return f.EstimateHook(msg)
	}
	return 100_000, nil
}

func (f *Fake) CallContract(ctx context.Context, msg rpc.CallMsg) ([]byte, error) {
	if f.CallHook != nil {
		return f.CallHook(msg)
	}
	return nil, errors.New("rpctest: no call hook")
}

func (f *Fake) GetTransactionReceipt(ctx context.Context, txHash string) (*rpc.TransactionReceipt, error) {
	if f.ReceiptHook != nil {
		return f.ReceiptHook(txHash)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[key(txHash)], nil
}

// Address is a convenience for tests comparing recipients.
func Address(tx *types.Transaction) common.Address {
	if tx.To() == nil {
		return common.Address{}
	}
	return *tx.To()
}

var _ rpc.Client = (*Fake)(nil)
