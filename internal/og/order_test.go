package og

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"arbterm/internal/schema"
)

func TestApplyFillVWAP(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		qty := rapid.Int64Range(1, 10_000).Draw(t, "qty")
		o := &schema.Order{Qty: qty, Leaves: qty, Status: schema.OrderStatusActive}

		var (
			sumQty      int64
			sumNotional = decimal.Zero
		)
		for sumQty < qty {
			n := rapid.Int64Range(1, qty-sumQty).Draw(t, "fillQty")
			px := decimal.New(rapid.Int64Range(1, 1_000_000).Draw(t, "fillPrice"), -2)
			if !applyFill(o, n, px) {
				t.Fatalf("fill %d@%s not applied to %+v", n, px, o)
			}
			sumQty += n
			sumNotional = sumNotional.Add(px.Mul(decimal.NewFromInt(n)))

			if o.Filled != sumQty {
				t.Fatalf("filled %d, want %d", o.Filled, sumQty)
			}
			if o.Filled+o.Leaves != o.Qty {
				t.Fatalf("filled %d + leaves %d != qty %d", o.Filled, o.Leaves, o.Qty)
			}
			want := sumNotional.Div(decimal.NewFromInt(sumQty))
			if o.ExecPrice.Sub(want).Abs().GreaterThan(decimal.New(1, -6)) {
				t.Fatalf("vwap %s, want %s", o.ExecPrice, want)
			}
			wantStatus := schema.OrderStatusPartial
			if o.Leaves == 0 {
				wantStatus = schema.OrderStatusFilled
			}
			if o.Status != wantStatus {
				t.Fatalf("status %s, want %s", o.Status, wantStatus)
			}
		}

		if applyFill(o, 1, decimal.NewFromInt(1)) {
			t.Fatalf("fill applied to %s order", o.Status)
		}
	})
}

func TestApplyFillIgnoresNonPositive(t *testing.T) {
	o := &schema.Order{Qty: 5, Leaves: 5, Status: schema.OrderStatusActive}
	assert.False(t, applyFill(o, 0, decimal.NewFromInt(10)))
	assert.False(t, applyFill(o, -1, decimal.NewFromInt(10)))
	assert.Equal(t, int64(0), o.Filled)
	assert.Equal(t, schema.OrderStatusActive, o.Status)
}

func TestApplyFillOverfillClampsLeaves(t *testing.T) {
	o := &schema.Order{Qty: 5, Leaves: 5, Status: schema.OrderStatusActive}
	assert.True(t, applyFill(o, 7, decimal.NewFromInt(10)))
	assert.Equal(t, int64(7), o.Filled)
	assert.Equal(t, int64(0), o.Leaves)
	assert.Equal(t, schema.OrderStatusFilled, o.Status)
}

func TestApplyStatus(t *testing.T) {
	tests := []struct {
		name    string
		from    schema.OrderStatus
		filled  int64
		to      schema.OrderStatus
		applied bool
		want    schema.OrderStatus
	}{
		{"new to active", schema.OrderStatusNew, 0, schema.OrderStatusActive, true, schema.OrderStatusActive},
		{"late ack after fill", schema.OrderStatusNew, 2, schema.OrderStatusActive, true, schema.OrderStatusPartial},
		{"active ack again", schema.OrderStatusActive, 0, schema.OrderStatusActive, false, schema.OrderStatusActive},
		{"partial cancelled", schema.OrderStatusPartial, 2, schema.OrderStatusCancelled, true, schema.OrderStatusCancelled},
		{"new rejected", schema.OrderStatusNew, 0, schema.OrderStatusRejected, true, schema.OrderStatusRejected},
		{"fill status from order push", schema.OrderStatusActive, 0, schema.OrderStatusFilled, false, schema.OrderStatusActive},
		{"filled is terminal", schema.OrderStatusFilled, 5, schema.OrderStatusCancelled, false, schema.OrderStatusFilled},
		{"cancelled is terminal", schema.OrderStatusCancelled, 0, schema.OrderStatusActive, false, schema.OrderStatusCancelled},
		{"rejected is terminal", schema.OrderStatusRejected, 0, schema.OrderStatusCancelled, false, schema.OrderStatusRejected},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o := &schema.Order{Qty: 5, Filled: tc.filled, Leaves: 5 - tc.filled, Status: tc.from}
			assert.Equal(t, tc.applied, applyStatus(o, tc.to))
			assert.Equal(t, tc.want, o.Status)
		})
	}
}
