// Package txbuilder builds, prices and signs the transactions the harness sends:
// plain value transfers for funding and contract calls for elections and votes.
package txbuilder

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransferGas is the intrinsic gas of a plain value transfer.
const TransferGas uint64 = 21000

// Price is the fee configuration of one transaction. Legacy transactions use
// FeeCap as their gas price.
type Price struct {
	TipCap *big.Int
	FeeCap *big.Int
}

// Bump returns p scaled by factor, used to replace an underpriced transaction.
func (p Price) Bump(factor float64) Price {
	return Price{TipCap: scale(p.TipCap, factor), FeeCap: scale(p.FeeCap, factor)}
}

// Params holds everything needed to build a transaction.
type Params struct {
	ChainID *big.Int
	Nonce   uint64
	To      common.Address
	Value   *big.Int
	Data    []byte
	Gas     uint64
	Price   Price
	// Legacy selects a pre-EIP-1559 transaction for nodes that reject typed ones.
	Legacy bool
}

// Build creates an unsigned transaction from p.
func Build(p Params) (*types.Transaction, error) {
	if p.ChainID == nil || p.ChainID.Sign() == 0 {
		return nil, fmt.Errorf("ChainID must be non-nil and non-zero")
	}
	if p.Price.FeeCap == nil {
		return nil, fmt.Errorf("fee cap is required")
	}
	value := p.Value
	if value == nil {
		value = new(big.Int)
	}
	to := p.To
	if p.Legacy {
		return types.NewTx(&types.LegacyTx{
			Nonce:    p.Nonce,
			GasPrice: p.Price.FeeCap,
			Gas:      p.Gas,
			To:       &to,
			Value:    value,
			Data:     p.Data,
		}), nil
	}
	tip := p.Price.TipCap
	if tip == nil || tip.Cmp(p.Price.FeeCap) > 0 {
		tip = p.Price.FeeCap
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   p.ChainID,
		Nonce:     p.Nonce,
		GasTipCap: tip,
		GasFeeCap: p.Price.FeeCap,
		Gas:       p.Gas,
		To:        &to,
		Value:     value,
		Data:      p.Data,
	}), nil
}

// Transfer builds a plain value transfer.
func Transfer(chainID *big.Int, nonce uint64, to common.Address, amount *big.Int, price Price, legacy bool) (*types.Transaction, error) {
	return Build(Params{
		ChainID: chainID,
		Nonce:   nonce,
		To:      to,
		Value:   amount,
		Gas:     TransferGas,
		Price:   price,
		Legacy:  legacy,
	})
}

// Sign signs tx for chainID and returns the signed transaction and its
// binary encoding, ready for eth_sendRawTransaction.
func Sign(tx *types.Transaction, chainID *big.Int, key *ecdsa.PrivateKey) (*types.Transaction, []byte, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, nil, fmt.Errorf("sign: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("encode: %w", err)
	}
	return signed, raw, nil
}
