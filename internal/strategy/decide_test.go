package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"arbterm/internal/schema"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func levels(vs ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vs))
	for i, v := range vs {
		out[i] = d(v)
	}
	return out
}

func TestComputeSpread(t *testing.T) {
	q1 := schema.Quote{Bid: d("100.6"), Ask: d("100.7")}
	q2 := schema.Quote{Bid: d("50.0"), Ask: d("50.1")}
	sp := ComputeSpread(q1, q2, d("1"), d("2"))
	assert.True(t, sp.Bid.Equal(d("0.4")), sp.Bid.String())
	assert.True(t, sp.Ask.Equal(d("0.7")), sp.Ask.String())
}

func TestDecide(t *testing.T) {
	testCases := []struct {
		desc   string
		held   Direction
		spread Spread
		levels []decimal.Decimal
		want   Decision
	}{
		{
			desc:   "enter short exactly at the first threshold",
			spread: Spread{Bid: d("0.5"), Ask: d("0.6")},
			levels: levels("0.5", "1.0"),
			want:   Decision{Action: ActionEnter, Direction: ShortSpread, Level: d("0.5")},
		},
		{
			desc:   "lowest crossed level wins regardless of order",
			spread: Spread{Bid: d("1.3"), Ask: d("1.4")},
			levels: levels("1.0", "0.5"),
			want:   Decision{Action: ActionEnter, Direction: ShortSpread, Level: d("0.5")},
		},
		{
			desc:   "enter long",
			spread: Spread{Bid: d("-0.7"), Ask: d("-0.6")},
			levels: levels("0.5"),
			want:   Decision{Action: ActionEnter, Direction: LongSpread, Level: d("0.5")},
		},
		{
			desc:   "inside the band",
			spread: Spread{Bid: d("0.4"), Ask: d("0.45")},
			levels: levels("0.5"),
			want:   Decision{Action: ActionNone, Direction: Flat},
		},
		{
			desc:   "short exits once ask reverts",
			held:   ShortSpread,
			spread: Spread{Bid: d("0.0"), Ask: d("0.1")},
			levels: levels("0.5"),
			want:   Decision{Action: ActionExit, Direction: ShortSpread},
		},
		{
			desc:   "short holds",
			held:   ShortSpread,
			spread: Spread{Bid: d("0.2"), Ask: d("0.3")},
			levels: levels("0.5"),
			want:   Decision{Action: ActionNone, Direction: ShortSpread},
		},
		{
			desc:   "long exits once bid reverts",
			held:   LongSpread,
			spread: Spread{Bid: d("-0.1"), Ask: d("0.0")},
			levels: levels("0.5"),
			want:   Decision{Action: ActionExit, Direction: LongSpread},
		},
		{
			desc:   "long ignores entry levels",
			held:   LongSpread,
			spread: Spread{Bid: d("-2"), Ask: d("-1.9")},
			levels: levels("0.5"),
			want:   Decision{Action: ActionNone, Direction: LongSpread},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got := Decide(tc.held, tc.spread, tc.levels, d("0.1"))
			assert.Equal(t, tc.want.Action, got.Action)
			assert.Equal(t, tc.want.Direction, got.Direction)
			assert.True(t, tc.want.Level.Equal(got.Level), got.Level.String())
		})
	}
}

func TestDecideFromFlatNeverExits(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bid := decimal.New(rapid.Int64Range(-500, 500).Draw(t, "bid"), -2)
		width := decimal.New(rapid.Int64Range(0, 100).Draw(t, "width"), -2)
		raw := rapid.SliceOfN(rapid.Int64Range(0, 300), 1, 4).Draw(t, "levels")
		lv := make([]decimal.Decimal, len(raw))
		lowest := decimal.New(raw[0], -2)
		for i, v := range raw {
			lv[i] = decimal.New(v, -2)
			lowest = decimal.Min(lowest, lv[i])
		}
		sp := Spread{Bid: bid, Ask: bid.Add(width)}

		got := Decide(Flat, sp, lv, d("0.1"))
		switch got.Action {
		case ActionExit:
			t.Fatalf("exit from flat: %+v", got)
		case ActionEnter:
			// a crossed level implies every lower level is crossed too
			if !got.Level.Equal(lowest) {
				t.Fatalf("entered at %s, lowest level is %s", got.Level, lowest)
			}
		case ActionNone:
			if sp.Bid.GreaterThanOrEqual(lowest) || sp.Ask.LessThanOrEqual(lowest.Neg()) {
				t.Fatalf("no entry although %s was crossed: %+v", lowest, sp)
			}
		}
	})
}
