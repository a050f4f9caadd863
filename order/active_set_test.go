package order

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newOrder(id string, side Side, price string) *Order {
	p := d(price)
	return &Order{
		ID:         id,
		Instrument: "TEST",
		Side:       side,
		Price:      p,
		Quantity:   d("1"),
		Remaining:  d("1"),
		Status:     StatusNew,
	}
}

func TestActiveSet_AddIsIdempotent(t *testing.T) {
	s := NewActiveSet("TEST")

	assert.True(t, s.Add(newOrder("a", SideBuy, "100")))
	assert.False(t, s.Add(newOrder("a", SideBuy, "100")))
	// 重复通知即使价格不同也不应产生第二条记录
	assert.False(t, s.Add(newOrder("a", SideBuy, "101")))

	assert.Equal(t, 1, s.Size())
	assert.Equal(t, 1, s.Len(SideBuy))
	assert.True(t, s.BestPrice(SideBuy).Equal(d("100")))
}

func TestActiveSet_RemoveUnknown(t *testing.T) {
	s := NewActiveSet("TEST")
	s.Add(newOrder("a", SideSell, "100"))

	o, ok := s.Remove("missing")
	assert.False(t, ok)
	assert.Nil(t, o)
	assert.Equal(t, 1, s.Size())

	o, ok = s.Remove("a")
	require.True(t, ok)
	assert.Equal(t, "a", o.ID)
	assert.Equal(t, 0, s.Len(SideSell))

	_, ok = s.Remove("a")
	assert.False(t, ok)
}

func TestActiveSet_BestAndFarthest(t *testing.T) {
	s := NewActiveSet("TEST")
	for i, p := range []string{"100", "101", "99"} {
		s.Add(newOrder(fmt.Sprintf("b%d", i), SideBuy, p))
		s.Add(newOrder(fmt.Sprintf("s%d", i), SideSell, p))
	}

	assert.True(t, s.BestPrice(SideBuy).Equal(d("101")))
	assert.True(t, s.BestPrice(SideSell).Equal(d("99")))

	far, err := s.FarthestPrice(SideBuy, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, far.Equal(d("99")))
	far, err = s.FarthestPrice(SideSell, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, far.Equal(d("101")))
}

func TestActiveSet_EmptySide(t *testing.T) {
	s := NewActiveSet("TEST")

	assert.True(t, s.BestPrice(SideBuy).IsZero())

	far, err := s.FarthestPrice(SideBuy, d("98.5"))
	require.NoError(t, err)
	assert.True(t, far.Equal(d("98.5")))

	_, err = s.FarthestPrice(SideSell, decimal.Zero)
	assert.ErrorIs(t, err, ErrNoBoundary)

	_, ok := s.Random(SideBuy, rand.New(rand.NewPCG(1, 2)))
	assert.False(t, ok)
}

func TestActiveSet_ApplyFill(t *testing.T) {
	s := NewActiveSet("TEST")
	o := newOrder("a", SideBuy, "100")
	o.Quantity, o.Remaining = d("5"), d("5")
	s.Add(o)

	got, err := s.ApplyFill("a", d("2"))
	require.NoError(t, err)
	assert.True(t, got.Remaining.Equal(d("3")))
	assert.Equal(t, StatusPartial, got.Status)
	// 成交不删除订单
	assert.Equal(t, 1, s.Size())

	got, err = s.ApplyFill("a", d("7"))
	require.NoError(t, err)
	assert.True(t, got.Remaining.IsZero())

	_, err = s.ApplyFill("zzz", d("1"))
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestActiveSet_FrontAndBehind(t *testing.T) {
	s := NewActiveSet("TEST")
	for i, p := range []string{"98", "99", "100", "101"} {
		s.Add(newOrder(fmt.Sprintf("b%d", i), SideBuy, p))
		s.Add(newOrder(fmt.Sprintf("s%d", i), SideSell, p))
	}

	front := s.InFrontOf(d("100"), SideBuy)
	require.Len(t, front, 2)
	assert.True(t, front[0].Price.Equal(d("101")))
	assert.True(t, front[1].Price.Equal(d("100")))
	assert.Len(t, s.Behind(d("100"), SideBuy), 2)

	front = s.InFrontOf(d("99"), SideSell)
	require.Len(t, front, 2)
	assert.True(t, front[0].Price.Equal(d("98")))
	behind := s.Behind(d("99"), SideSell)
	require.Len(t, behind, 2)
	assert.True(t, behind[1].Price.Equal(d("101")))
}

func TestActiveSet_PriceLevelsWithMaxGap(t *testing.T) {
	s := NewActiveSet("TEST")
	for i, p := range []string{"100", "99.5", "97", "96.8", "96.8"} {
		s.Add(newOrder(fmt.Sprintf("b%d", i), SideBuy, p))
	}
	p1, p2, ok := s.PriceLevelsWithMaxGap(SideBuy)
	require.True(t, ok)
	assert.True(t, p1.Equal(d("99.5")))
	assert.True(t, p2.Equal(d("97")))

	single := NewActiveSet("TEST")
	single.Add(newOrder("x", SideSell, "100"))
	_, _, ok = single.PriceLevelsWithMaxGap(SideSell)
	assert.False(t, ok)
}

func TestActiveSet_RandomCoversSide(t *testing.T) {
	s := NewActiveSet("TEST")
	for i := 0; i < 5; i++ {
		s.Add(newOrder(fmt.Sprintf("s%d", i), SideSell, fmt.Sprintf("10%d", i)))
	}
	rng := rand.New(rand.NewPCG(7, 11))
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		o, ok := s.Random(SideSell, rng)
		require.True(t, ok)
		seen[o.ID] = true
	}
	assert.Len(t, seen, 5)
}

func TestActiveSet_NotionalSkipsCanceling(t *testing.T) {
	s := NewActiveSet("TEST")
	a := newOrder("a", SideBuy, "100")
	b := newOrder("b", SideBuy, "50")
	b.Status = StatusCanceling
	s.Add(a)
	s.Add(b)

	assert.True(t, s.Notional(SideBuy, false).Equal(d("150")))
	assert.True(t, s.Notional(SideBuy, true).Equal(d("100")))
}

func TestActiveSet_Nearest(t *testing.T) {
	s := NewActiveSet("TEST")
	for i, p := range []string{"100", "99", "97"} {
		s.Add(newOrder(fmt.Sprintf("b%d", i), SideBuy, p))
	}
	for i, p := range []string{"101", "103"} {
		s.Add(newOrder(fmt.Sprintf("s%d", i), SideSell, p))
	}

	tests := []struct {
		name  string
		side  Side
		price string
		want  string
	}{
		{"买侧两档之间偏上", SideBuy, "98.2", "99"},
		{"买侧两档之间偏下", SideBuy, "97.9", "97"},
		{"买侧价位重合", SideBuy, "99", "99"},
		{"买侧优于最优价", SideBuy, "101", "100"},
		{"买侧劣于最远价", SideBuy, "90", "97"},
		{"卖侧等距取较优", SideSell, "102", "101"},
		{"卖侧劣于最远价", SideSell, "110", "103"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := s.Nearest(tt.side, d(tt.price))
			require.True(t, ok)
			assert.True(t, got.Equal(d(tt.want)), "got %s", got)
		})
	}

	_, ok := NewActiveSet("TEST").Nearest(SideBuy, d("100"))
	assert.False(t, ok)
}

func TestProperty_NearestMatchesScan(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		side := rapid.SampledFrom([]Side{SideBuy, SideSell}).Draw(t, "side")
		prices := rapid.SliceOfN(rapid.IntRange(90, 110), 1, 40).Draw(t, "prices")
		price := decimal.NewFromInt(int64(rapid.IntRange(85, 115).Draw(t, "price")))

		s := NewActiveSet("TEST")
		for i, p := range prices {
			s.Add(&Order{ID: fmt.Sprintf("o%d", i), Side: side, Price: decimal.NewFromInt(int64(p))})
		}
		got, ok := s.Nearest(side, price)
		if !ok {
			t.Fatalf("no nearest price in non-empty side")
		}
		want := got.Sub(price).Abs()
		for _, o := range s.Orders(side) {
			if o.Price.Sub(price).Abs().LessThan(want) {
				t.Fatalf("order at %s closer to %s than %s", o.Price, price, got)
			}
		}
	})
}

func TestProperty_FrontBehindPartition(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		side := rapid.SampledFrom([]Side{SideBuy, SideSell}).Draw(t, "side")
		prices := rapid.SliceOfN(rapid.IntRange(90, 110), 0, 40).Draw(t, "prices")
		boundary := decimal.NewFromInt(int64(rapid.IntRange(85, 115).Draw(t, "boundary")))

		s := NewActiveSet("TEST")
		for i, p := range prices {
			s.Add(&Order{
				ID:        fmt.Sprintf("o%d", i),
				Side:      side,
				Price:     decimal.NewFromInt(int64(p)),
				Remaining: decimal.NewFromInt(1),
			})
		}

		front := s.InFrontOf(boundary, side)
		behind := s.Behind(boundary, side)
		if len(front)+len(behind) != s.Len(side) {
			t.Fatalf("partition size %d+%d != %d", len(front), len(behind), s.Len(side))
		}
		seen := make(map[string]bool)
		for _, o := range front {
			if !inFront(side, o.Price, boundary) {
				t.Fatalf("order %s at %s not in front of %s", o.ID, o.Price, boundary)
			}
			seen[o.ID] = true
		}
		for _, o := range behind {
			if seen[o.ID] {
				t.Fatalf("order %s in both partitions", o.ID)
			}
			if inFront(side, o.Price, boundary) {
				t.Fatalf("order %s at %s not behind %s", o.ID, o.Price, boundary)
			}
		}
	})
}
