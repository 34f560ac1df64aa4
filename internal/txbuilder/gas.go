package txbuilder

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/gateway-fm/votebot/internal/rpc"
)

// DefaultTipCap is the priority fee offered on dynamic-fee transactions, 1 gwei.
var DefaultTipCap = big.NewInt(1_000_000_000)

// GasPolicy derives gas prices and limits from node samples with static fallbacks.
type GasPolicy struct {
	// PriceMultiplier scales the sampled gas price.
	PriceMultiplier float64
	PriceFallback   *big.Int
	// LimitBuffer scales estimated gas.
	LimitBuffer   float64
	LimitFallback uint64
	Logger        *slog.Logger
}

func (g GasPolicy) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

// Price samples eth_gasPrice and applies the multiplier. When sampling fails
// the static fallback is used.
func (g GasPolicy) Price(ctx context.Context, client rpc.Client) Price {
	feeCap, err := client.GetGasPrice(ctx)
	if err != nil || feeCap == nil || feeCap.Sign() == 0 {
		if err != nil {
			g.logger().Debug("gas price sampling failed, using fallback",
				slog.String("fallback", g.fallbackPrice().String()),
				slog.String("err", err.Error()))
		}
		feeCap = new(big.Int).Set(g.fallbackPrice())
	} else if g.PriceMultiplier > 0 {
		feeCap = scale(feeCap, g.PriceMultiplier)
	}

	tip := new(big.Int).Set(DefaultTipCap)
	if tip.Cmp(feeCap) > 0 {
		tip.Set(feeCap)
	}
	return Price{TipCap: tip, FeeCap: feeCap}
}

func (g GasPolicy) fallbackPrice() *big.Int {
	if g.PriceFallback == nil || g.PriceFallback.Sign() <= 0 {
		return big.NewInt(2_000_000_000)
	}
	return g.PriceFallback
}

// Limit estimates gas for msg and applies the buffer. When estimation fails
// the static fallback is returned along with the estimation error, so callers
// can still inspect a revert reason before deciding to send.
func (g GasPolicy) Limit(ctx context.Context, client rpc.Client, msg rpc.CallMsg) (uint64, error) {
	est, err := client.EstimateGas(ctx, msg)
	if err != nil {
		g.logger().Debug("gas estimation failed, using fallback",
			slog.Uint64("fallback", g.fallbackLimit()),
			slog.String("err", err.Error()))
		return g.fallbackLimit(), err
	}
	return g.BufferLimit(est), nil
}

func (g GasPolicy) fallbackLimit() uint64 {
	if g.LimitFallback == 0 {
		return 3_000_000
	}
	return g.LimitFallback
}

// BufferLimit applies the limit buffer to an estimate.
func (g GasPolicy) BufferLimit(estimate uint64) uint64 {
	if g.LimitBuffer <= 1 {
		return estimate
	}
	return uint64(float64(estimate) * g.LimitBuffer)
}

// scale multiplies v by factor with per-mille precision.
func scale(v *big.Int, factor float64) *big.Int {
	if v == nil {
		return nil
	}
	permille := big.NewInt(int64(factor*1000 + 0.5))
	out := new(big.Int).Mul(v, permille)
	return out.Div(out, big.NewInt(1000))
}
