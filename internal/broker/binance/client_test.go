package binance

import (
	"testing"

	"futures-trader/internal/domain"
)

func TestTranslateStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		wire string
		want domain.OrderStatus
	}{
		{"NEW", domain.OrderPending},
		{"PARTIALLY_FILLED", domain.OrderPartiallyFilled},
		{"FILLED", domain.OrderFilled},
		{"CANCELED", domain.OrderCancelled},
		{"EXPIRED", domain.OrderCancelled},
		{"REJECTED", domain.OrderRejected},
		{"SOMETHING_NEW", domain.OrderPending},
	}
	for _, tc := range cases {
		if got := translateStatus(tc.wire); got != tc.want {
			t.Errorf("translateStatus(%s) = %s, want %s", tc.wire, got, tc.want)
		}
	}
}

func TestWireOrderType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   domain.OrderType
		want string
	}{
		{domain.Market, "MARKET"},
		{domain.Limit, "LIMIT"},
		{domain.Stop, "STOP_MARKET"},
		{domain.StopLimit, "STOP"},
		{domain.TakeProfitMarket, "TAKE_PROFIT_MARKET"},
	}
	for _, tc := range cases {
		if got := wireOrderType(tc.in); got != tc.want {
			t.Errorf("wireOrderType(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestTranslatePositionShort(t *testing.T) {
	t.Parallel()

	p := positionRisk{
		Symbol:           "BTCUSDT",
		PositionAmt:      "-0.5",
		EntryPrice:       "50000",
		MarkPrice:        "49000",
		UnRealizedProfit: "500",
		Leverage:         "10",
	}
	pos := translatePosition(p)
	if pos.Side != domain.Short {
		t.Errorf("side = %s, want SHORT", pos.Side)
	}
	if !pos.Quantity.Equal(mustDec("0.5")) {
		t.Errorf("quantity = %s, want 0.5 (unsigned)", pos.Quantity)
	}
	if pos.Leverage != 10 {
		t.Errorf("leverage = %d, want 10", pos.Leverage)
	}
	if !pos.Open {
		t.Error("non-zero position must be open")
	}
	if pos.CloseSide() != domain.Buy {
		t.Errorf("close side = %s, want BUY", pos.CloseSide())
	}
}

func TestTranslatePositionFlat(t *testing.T) {
	t.Parallel()

	pos := translatePosition(positionRisk{Symbol: "ETHUSDT", PositionAmt: "0"})
	if pos.Open {
		t.Error("zero position must not be open")
	}
}

func TestRetryableCodes(t *testing.T) {
	t.Parallel()

	if !retryableCode(-1021) || !retryableCode(-1003) {
		t.Error("timestamp skew and rate limit must be retryable")
	}
	if retryableCode(-2019) || retryableCode(-2011) || retryableCode(0) {
		t.Error("permanent codes must not be retryable")
	}
}
