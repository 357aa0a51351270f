package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestTypesExist(t *testing.T) {
	// Verify Bar can be instantiated with zero values.
	bar := Bar{}
	if bar.Symbol != "" {
		t.Error("expected empty Symbol for zero-value Bar")
	}
	if !bar.Timestamp.IsZero() {
		t.Error("expected zero Timestamp for zero-value Bar")
	}
	if !bar.Open.IsZero() || !bar.High.IsZero() || !bar.Low.IsZero() || !bar.Close.IsZero() {
		t.Error("expected zero OHLC values for zero-value Bar")
	}
	if bar.Volume != 0 || bar.TradeCount != 0 || !bar.VWAP.IsZero() {
		t.Error("expected zero Volume/TradeCount/VWAP for zero-value Bar")
	}

	// Verify enum constants are defined correctly.
	if MarketUS != "us" || MarketCN != "cn" {
		t.Error("Market constants have unexpected values")
	}
	if USD != "USD" {
		t.Errorf("USD = %q, want %q", USD, "USD")
	}

	pos := Position{
		Symbol: "AAPL",
		Qty:    decimal.NewFromInt(100),
		Side:   PositionSideLong,
	}
	if pos.Side != PositionSideLong {
		t.Errorf("pos.Side = %q, want %q", pos.Side, PositionSideLong)
	}
}

func TestSecurityString(t *testing.T) {
	s := Security{Ticker: "AAPL", Market: MarketUS, Currency: USD}
	if got := s.String(); got != "us:AAPL" {
		t.Errorf("String() = %q, want %q", got, "us:AAPL")
	}
}

func TestSecurityStateString(t *testing.T) {
	tests := []struct {
		state SecurityState
		want  string
	}{
		{NoEntry, "NoEntry"},
		{EntryLong, "EntryLong"},
		{Liquidate, "Liquidate"},
		{Error, "Error"},
		{SecurityState(42), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("SecurityState(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestDataUpdatesFilterAndClone(t *testing.T) {
	aapl := Security{Ticker: "AAPL", Market: MarketUS, Currency: USD}
	msft := Security{Ticker: "MSFT", Market: MarketUS, Currency: USD}

	d := NewDataUpdates(time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC))
	d.Bars[aapl] = Bar{Symbol: "AAPL", Close: decimal.NewFromInt(180)}
	d.Bars[msft] = Bar{Symbol: "MSFT", Close: decimal.NewFromInt(400)}
	d.Halted[msft] = true

	u := Universe{aapl: decimal.NewFromInt(1)}
	f := d.Filter(u)
	if len(f.Bars) != 1 {
		t.Fatalf("Filter kept %d bars, want 1", len(f.Bars))
	}
	if len(f.Halted) != 0 {
		t.Errorf("Filter kept %d halts, want 0", len(f.Halted))
	}

	c := d.Clone()
	delete(c.Bars, aapl)
	if _, ok := d.Bars[aapl]; !ok {
		t.Error("Clone shares its bar map with the original")
	}
	if got := len(d.Securities()); got != 2 {
		t.Errorf("Securities() returned %d, want 2", got)
	}
}

func TestSecurityStateActionable(t *testing.T) {
	if NoEntry.Actionable() || Error.Actionable() {
		t.Error("NoEntry and Error must not be actionable")
	}
	if !EntryLong.Actionable() || !Liquidate.Actionable() {
		t.Error("EntryLong and Liquidate must be actionable")
	}
}
