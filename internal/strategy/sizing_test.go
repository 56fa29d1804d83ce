package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"arbterm/internal/schema"
)

func TestLegQtys(t *testing.T) {
	testCases := []struct {
		desc string
		base int64
		legs []LegSize
		want []int64
	}{
		{
			desc: "plain ratio",
			base: 3,
			legs: []LegSize{{LotSize: 1}, {QtyRatio: d("2"), LotSize: 1}},
			want: []int64{3, 6},
		},
		{
			desc: "fractional ratio truncates",
			base: 5,
			legs: []LegSize{{LotSize: 1}, {QtyRatio: d("0.5"), LotSize: 1}},
			want: []int64{5, 2},
		},
		{
			desc: "rounded down to lots",
			base: 25,
			legs: []LegSize{{LotSize: 10}, {QtyRatio: d("1000"), LotSize: 1000}},
			want: []int64{20, 25000},
		},
		{
			desc: "never below one lot",
			base: 1,
			legs: []LegSize{{LotSize: 10}, {QtyRatio: d("0.1"), LotSize: 1}},
			want: []int64{10, 1},
		},
		{
			desc: "unset ratio and lot default to one",
			base: 4,
			legs: []LegSize{{}, {}},
			want: []int64{4, 4},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, LegQtys(tc.base, tc.legs))
		})
	}
}

func TestAvgPrices(t *testing.T) {
	asks := []schema.Level{{Price: d("101"), Qty: 5}, {Price: d("100"), Qty: 2}}
	bids := []schema.Level{{Price: d("98"), Qty: 10}, {Price: d("99"), Qty: 1}}

	price, ok := AvgBuyPrice(asks, 4)
	assert.True(t, ok)
	assert.True(t, price.Equal(d("100.5")), price.String())

	price, ok = AvgSellPrice(bids, 3)
	assert.True(t, ok)
	assert.True(t, price.Equal(d("98.3333333333333333")), price.String())

	_, ok = AvgBuyPrice(asks, 8)
	assert.False(t, ok)

	price, ok = AvgSellPrice(nil, 0)
	assert.True(t, ok)
	assert.True(t, price.IsZero())

	// input order is left untouched
	assert.True(t, asks[0].Price.Equal(d("101")))
}
