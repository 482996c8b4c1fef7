package binance

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"futures-trader/internal/broker"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func btcFilters(t *testing.T) SymbolFilters {
	return SymbolFilters{
		Symbol:      "BTCUSDT",
		StepSize:    dec(t, "0.001"),
		TickSize:    dec(t, "0.10"),
		MinQty:      dec(t, "0.001"),
		MaxQty:      dec(t, "1000"),
		MinNotional: dec(t, "100"),
		Tradable:    true,
	}
}

func TestRoundQtyTruncatesToStep(t *testing.T) {
	t.Parallel()
	f := btcFilters(t)

	cases := []struct {
		in   string
		want string
	}{
		{"0.0015", "0.001"},
		{"0.123456", "0.123"},
		{"1", "1"},
		{"0.0009", "0"},
	}
	for _, tc := range cases {
		got := f.RoundQty(dec(t, tc.in))
		if !got.Equal(dec(t, tc.want)) {
			t.Errorf("RoundQty(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestRoundPriceDirection(t *testing.T) {
	t.Parallel()
	f := btcFilters(t)

	// Buy side truncates down.
	if got := f.RoundPrice(dec(t, "50000.17"), false); !got.Equal(dec(t, "50000.10")) {
		t.Errorf("buy round = %s, want 50000.10", got)
	}
	// Sell side rounds up when off-grid.
	if got := f.RoundPrice(dec(t, "50000.17"), true); !got.Equal(dec(t, "50000.20")) {
		t.Errorf("sell round = %s, want 50000.20", got)
	}
	// On-grid prices are untouched either way.
	if got := f.RoundPrice(dec(t, "50000.10"), true); !got.Equal(dec(t, "50000.10")) {
		t.Errorf("on-grid sell round = %s, want 50000.10", got)
	}
}

func TestValidateRejectsOutOfBounds(t *testing.T) {
	t.Parallel()
	f := btcFilters(t)

	if err := f.Validate(dec(t, "0.01"), dec(t, "50000")); err != nil {
		t.Fatalf("valid order rejected: %v", err)
	}
	if err := f.Validate(dec(t, "0.0001"), dec(t, "50000")); err == nil {
		t.Error("below min qty accepted")
	}
	if err := f.Validate(dec(t, "2000"), dec(t, "50000")); err == nil {
		t.Error("above max qty accepted")
	}
	// 0.001 * 50000 = 50 < 100 min notional.
	if err := f.Validate(dec(t, "0.001"), dec(t, "50000")); err == nil {
		t.Error("below min notional accepted")
	}
}

func TestValidateUntradableSymbol(t *testing.T) {
	t.Parallel()
	f := btcFilters(t)
	f.Tradable = false

	err := f.Validate(dec(t, "0.01"), dec(t, "50000"))
	var berr *broker.Error
	if !errors.As(err, &berr) || berr.Kind != broker.KindSymbolNotTradable {
		t.Fatalf("want symbol_not_tradable error, got %v", err)
	}
}

func TestParseFilters(t *testing.T) {
	t.Parallel()
	info := symbolInfo{
		Symbol: "ETHUSDT",
		Status: "TRADING",
		Filters: []symbolFilter{
			{FilterType: "LOT_SIZE", StepSize: "0.01", MinQty: "0.01", MaxQty: "10000"},
			{FilterType: "PRICE_FILTER", TickSize: "0.01"},
			{FilterType: "MIN_NOTIONAL", MinNotional: "20"},
		},
	}

	f := parseFilters(info)
	if !f.Tradable {
		t.Error("TRADING status should be tradable")
	}
	if !f.StepSize.Equal(dec(t, "0.01")) || !f.TickSize.Equal(dec(t, "0.01")) {
		t.Errorf("step/tick = %s/%s", f.StepSize, f.TickSize)
	}
	if !f.MinNotional.Equal(dec(t, "20")) {
		t.Errorf("min notional = %s, want 20", f.MinNotional)
	}
}

func TestMustDecMalformedIsZero(t *testing.T) {
	t.Parallel()
	if !mustDec("").IsZero() || !mustDec("not-a-number").IsZero() {
		t.Error("malformed wire decimals must parse as zero")
	}
}
