package txbuilder

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/votebot/internal/rpc"
	"github.com/gateway-fm/votebot/internal/rpc/rpctest"
)

var testRecipient = common.HexToAddress("0x1234567890123456789012345678901234567890")

func testPrice() Price {
	return Price{TipCap: big.NewInt(1e9), FeeCap: big.NewInt(3e9)}
}

func TestBuild_Dynamic(t *testing.T) {
	tx, err := Build(Params{
		ChainID: big.NewInt(31337),
		Nonce:   7,
		To:      testRecipient,
		Value:   big.NewInt(5),
		Data:    []byte{0x01},
		Gas:     50000,
		Price:   testPrice(),
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if tx.Type() != types.DynamicFeeTxType {
		t.Errorf("Type() = %d, want dynamic fee", tx.Type())
	}
	if tx.Nonce() != 7 || tx.Gas() != 50000 {
		t.Errorf("nonce/gas = %d/%d", tx.Nonce(), tx.Gas())
	}
	if tx.GasTipCap().Cmp(big.NewInt(1e9)) != 0 || tx.GasFeeCap().Cmp(big.NewInt(3e9)) != 0 {
		t.Errorf("tip/fee = %s/%s", tx.GasTipCap(), tx.GasFeeCap())
	}
	if *tx.To() != testRecipient {
		t.Errorf("To() = %s", tx.To())
	}
}

func TestBuild_Legacy(t *testing.T) {
	tx, err := Transfer(big.NewInt(1337), 0, testRecipient, big.NewInt(1), testPrice(), true)
	if err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	if tx.Type() != types.LegacyTxType {
		t.Errorf("Type() = %d, want legacy", tx.Type())
	}
	if tx.GasPrice().Cmp(big.NewInt(3e9)) != 0 {
		t.Errorf("GasPrice() = %s, want fee cap", tx.GasPrice())
	}
	if tx.Gas() != TransferGas {
		t.Errorf("Gas() = %d, want %d", tx.Gas(), TransferGas)
	}
}

func TestBuild_TipClampedToFeeCap(t *testing.T) {
	tx, err := Build(Params{
		ChainID: big.NewInt(1),
		To:      testRecipient,
		Gas:     21000,
		Price:   Price{TipCap: big.NewInt(10), FeeCap: big.NewInt(5)},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if tx.GasTipCap().Int64() != 5 {
		t.Errorf("GasTipCap() = %s, want 5", tx.GasTipCap())
	}
	if tx.Value().Sign() != 0 {
		t.Errorf("Value() = %s, want 0", tx.Value())
	}
}

func TestBuild_Invalid(t *testing.T) {
	if _, err := Build(Params{Price: testPrice()}); err == nil {
		t.Error("expected error for missing chain id")
	}
	if _, err := Build(Params{ChainID: big.NewInt(1)}); err == nil {
		t.Error("expected error for missing fee cap")
	}
}

func TestSign(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	chainID := big.NewInt(31337)
	tx, _ := Transfer(chainID, 3, testRecipient, big.NewInt(9), testPrice(), false)

	signed, raw, err := Sign(tx, chainID, key)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	decoded := new(types.Transaction)
	if err := decoded.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary() error = %v", err)
	}
	if decoded.Hash() != signed.Hash() {
		t.Errorf("hash mismatch")
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), decoded)
	if err != nil {
		t.Fatalf("Sender() error = %v", err)
	}
	if from != crypto.PubkeyToAddress(key.PublicKey) {
		t.Errorf("sender = %s", from)
	}
}

func TestPriceBump(t *testing.T) {
	p := testPrice().Bump(1.2)
	if p.FeeCap.Cmp(big.NewInt(3_600_000_000)) != 0 {
		t.Errorf("FeeCap = %s, want 3600000000", p.FeeCap)
	}
	if p.TipCap.Cmp(big.NewInt(1_200_000_000)) != 0 {
		t.Errorf("TipCap = %s, want 1200000000", p.TipCap)
	}
}

func TestGasPolicy_Price(t *testing.T) {
	chain := rpctest.New(1)
	chain.GasPrice = big.NewInt(10_000_000_000)
	g := GasPolicy{PriceMultiplier: 1.5, PriceFallback: big.NewInt(2_000_000_000)}

	p := g.Price(context.Background(), chain)
	if p.FeeCap.Cmp(big.NewInt(15_000_000_000)) != 0 {
		t.Errorf("FeeCap = %s, want 15 gwei", p.FeeCap)
	}
	if p.TipCap.Cmp(DefaultTipCap) != 0 {
		t.Errorf("TipCap = %s, want default", p.TipCap)
	}

	chain.GasPriceErr = errors.New("boom")
	p = g.Price(context.Background(), chain)
	if p.FeeCap.Cmp(big.NewInt(2_000_000_000)) != 0 {
		t.Errorf("fallback FeeCap = %s, want 2 gwei", p.FeeCap)
	}
}

func TestGasPolicy_Limit(t *testing.T) {
	chain := rpctest.New(1)
	g := GasPolicy{LimitBuffer: 1.2, LimitFallback: 500_000}

	chain.EstimateHook = func(rpc.CallMsg) (uint64, error) { return 100_000, nil }
	gas, err := g.Limit(context.Background(), chain, rpc.CallMsg{})
	if err != nil || gas != 120_000 {
		t.Errorf("Limit() = %d, %v; want 120000", gas, err)
	}

	revert := rpc.NewError(3, "execution reverted", []byte{1, 2, 3, 4})
	chain.EstimateHook = func(rpc.CallMsg) (uint64, error) { return 0, revert }
	gas, err = g.Limit(context.Background(), chain, rpc.CallMsg{})
	if gas != 500_000 {
		t.Errorf("Limit() = %d, want fallback", gas)
	}
	if _, ok := rpc.RevertData(err); !ok {
		t.Errorf("expected revert error to be returned, got %v", err)
	}

	if (GasPolicy{}).BufferLimit(1000) != 1000 {
		t.Error("BufferLimit without buffer should be identity")
	}
}
