package order

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSymbolConstraintsValidate(t *testing.T) {
	c := SymbolConstraints{
		TickSize: d("0.01"),
		StepSize: d("0.001"),
		MinQty:   d("0.001"),
	}
	if err := c.Validate(d("100.01"), d("0.1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Validate(d("100.015"), d("0.002")); err == nil {
		t.Fatalf("expected tick size error")
	}
	if err := c.Validate(d("100.01"), d("0.0005")); err == nil {
		t.Fatalf("expected qty error")
	}
	if err := c.Validate(d("0"), d("1")); err == nil {
		t.Fatalf("expected price error")
	}
}

func TestSymbolConstraintsRounding(t *testing.T) {
	c := SymbolConstraints{TickSize: d("0.01"), StepSize: d("0.01")}
	cases := []struct {
		side  Side
		in    string
		price string
	}{
		{SideBuy, "99.899", "99.89"},
		{SideSell, "100.101", "100.11"},
		{SideBuy, "99.9", "99.9"},
		{SideSell, "100.1", "100.1"},
	}
	for _, tc := range cases {
		got := c.RoundPrice(tc.side, d(tc.in))
		if !got.Equal(d(tc.price)) {
			t.Fatalf("%s %s: got %s want %s", tc.side, tc.in, got, tc.price)
		}
	}
	if got := c.RoundQty(d("10.0199")); !got.Equal(d("10.01")) {
		t.Fatalf("qty rounding: got %s", got)
	}
}
