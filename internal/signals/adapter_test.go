package signals

import (
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-trader/internal/config"
	"futures-trader/internal/domain"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newTestAdapter(sizing config.SizingConfig) *Adapter {
	return NewAdapter(
		config.SignalsConfig{
			AutoExecute:         true,
			ConfidenceThreshold: d("0.6"),
			StrengthThreshold:   d("0.5"),
		},
		sizing,
		config.OrdersConfig{
			DefaultOrderType:    "LIMIT",
			DefaultLeverage:     5,
			LimitOrderOffsetPct: d("0.05"),
			StopLossPercent:     d("2"),
			TakeProfitPercent:   d("4"),
		},
		d("10000"),
		slog.Default(),
	)
}

func fixedSizing() config.SizingConfig {
	return config.SizingConfig{DefaultPositionSizePct: d("2")}
}

func buySignal() domain.Signal {
	return domain.Signal{
		StrategyID: "momentum-1",
		Symbol:     "BTCUSDT",
		Type:       domain.SignalBuy,
		Strength:   d("0.8"),
		Confidence: d("0.7"),
		Price:      d("50000"),
		Timestamp:  time.Now().UTC(),
	}
}

func TestAdaptBuildsLimitBuy(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(fixedSizing())

	req, reason := a.Adapt(buySignal(), d("10000"))
	require.NotNil(t, req, reason)

	assert.Equal(t, domain.Buy, req.Side)
	assert.Equal(t, domain.Limit, req.Type)
	assert.Equal(t, 5, req.Leverage)
	assert.False(t, req.ReduceOnly)

	// Size: 10000 * 2% * 0.8 strength = 160 USDT, * 5x / 50000 = 0.016.
	assert.True(t, req.Quantity.Equal(d("0.016")), "qty %s", req.Quantity)

	// Limit price bids 0.05% under the signal price.
	assert.True(t, req.Price.Equal(d("49975")), "price %s", req.Price)

	// Exits bracket the entry.
	assert.True(t, req.StopLoss.Equal(d("49000")), "stop %s", req.StopLoss)
	assert.True(t, req.TakeProfit.Equal(d("52000")), "target %s", req.TakeProfit)

	assert.Equal(t, "momentum-1", req.Metadata["strategy_id"])
}

func TestAdaptSellOffsetsUpward(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(fixedSizing())

	sig := buySignal()
	sig.Type = domain.SignalSell
	req, reason := a.Adapt(sig, d("10000"))
	require.NotNil(t, req, reason)

	assert.Equal(t, domain.Sell, req.Side)
	assert.True(t, req.Price.Equal(d("50025")), "price %s", req.Price)
	assert.True(t, req.StopLoss.Equal(d("51000")), "stop %s", req.StopLoss)
	assert.True(t, req.TakeProfit.Equal(d("48000")), "target %s", req.TakeProfit)
}

func TestAdaptDropsBelowThresholds(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(fixedSizing())

	sig := buySignal()
	sig.Confidence = d("0.5")
	req, reason := a.Adapt(sig, d("10000"))
	assert.Nil(t, req)
	assert.Contains(t, reason, "confidence")

	sig = buySignal()
	sig.Strength = d("0.4")
	req, reason = a.Adapt(sig, d("10000"))
	assert.Nil(t, req)
	assert.Contains(t, reason, "strength")
}

func TestAdaptDropsHold(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(fixedSizing())

	sig := buySignal()
	sig.Type = domain.SignalHold
	req, reason := a.Adapt(sig, d("10000"))
	assert.Nil(t, req)
	assert.Contains(t, reason, "no action")
}

func TestAdaptStrongSignalsSizeUp(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(fixedSizing())

	sig := buySignal()
	sig.Type = domain.SignalStrongBuy
	req, reason := a.Adapt(sig, d("10000"))
	require.NotNil(t, req, reason)

	// 1.5x the plain-buy quantity.
	assert.True(t, req.Quantity.Equal(d("0.024")), "qty %s", req.Quantity)
}

func TestAdaptCloseSignalsAreReduceOnlyMarket(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(fixedSizing())

	sig := buySignal()
	sig.Type = domain.SignalCloseLong
	req, reason := a.Adapt(sig, d("10000"))
	require.NotNil(t, req, reason)

	assert.True(t, req.ReduceOnly)
	assert.Equal(t, domain.Market, req.Type)
	assert.Equal(t, domain.Sell, req.Side)
	assert.True(t, req.Quantity.IsZero(), "caller sizes close orders from the position")
}

func TestKellySizing(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(config.SizingConfig{
		UseKellyCriterion: true,
		KellyFraction:     d("0.25"),
		KellyWinLossRatio: d("1.5"),
	})

	// p=0.7, b=1.5: f* = (0.7*2.5 - 1)/1.5 = 0.5, clamped to 0.25.
	require.True(t, a.kellyFraction(d("0.7")).Equal(d("0.25")))

	// p=0.62: f* = (0.62*2.5 - 1)/1.5 = 0.3666..., still clamped.
	require.True(t, a.kellyFraction(d("0.62")).Equal(d("0.25")))

	// Negative edge sizes to zero.
	require.True(t, a.kellyFraction(d("0.3")).IsZero())
}

func TestKellyZeroEdgeDropsSignal(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(config.SizingConfig{
		UseKellyCriterion: true,
		KellyFraction:     d("0.25"),
		KellyWinLossRatio: d("1.5"),
	})

	sig := buySignal()
	sig.Confidence = d("0.4")
	// Passes the 0.6 threshold? No: 0.4 < 0.6 drops earlier. Use a
	// confidence above threshold but with no Kelly edge at b=1.5,
	// which needs p < 0.4, so widen the ratio instead.
	a.sizing.KellyWinLossRatio = d("0.1")
	sig.Confidence = d("0.6")
	req, reason := a.Adapt(sig, d("10000"))
	assert.Nil(t, req)
	assert.Contains(t, reason, "size is zero")
}

func TestAdaptClampsToMaxPositionSize(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(config.SizingConfig{DefaultPositionSizePct: d("50")})

	sig := buySignal()
	sig.Strength = d("1")
	req, reason := a.Adapt(sig, d("100000"))
	require.NotNil(t, req, reason)

	// 50% of 100000 = 50000, clamped to 10000 USDT: 10000*5/50000 = 1.
	assert.True(t, req.Quantity.Equal(d("1")), "qty %s", req.Quantity)
}
