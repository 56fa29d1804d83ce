package schema

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAliasLookup(t *testing.T) {
	reg := NewRegistry()
	sber := Instrument{ClassCode: "TQBR", SecCode: "SBER"}
	fut := Instrument{ClassCode: "SPBFUT", SecCode: "SRZ5"}
	require.NoError(t, reg.AddInstrument("sber", sber, 10))
	require.NoError(t, reg.AddInstrument("sber_fut", fut, 1))

	alias, ok := reg.AliasOf(fut)
	require.True(t, ok)
	assert.Equal(t, "sber_fut", alias)

	info, ok := reg.ByAlias("sber")
	require.True(t, ok)
	assert.Equal(t, sber, info.Instrument)
	assert.EqualValues(t, 10, info.LotSize)

	_, ok = reg.AliasOf(Instrument{ClassCode: "TQBR", SecCode: "GAZP"})
	assert.False(t, ok)

	assert.Error(t, reg.AddInstrument("sber", Instrument{ClassCode: "TQBR", SecCode: "X"}, 1))
	assert.Error(t, reg.AddInstrument("other", sber, 1))
	assert.Error(t, reg.AddInstrument("", sber, 1))
}

func TestRegistrySupportsAmend(t *testing.T) {
	reg := NewRegistry()
	assert.False(t, reg.SupportsAmend("TQBR"))
	assert.False(t, reg.SupportsAmend("TQTF"))
	assert.True(t, reg.SupportsAmend("SPBFUT"))

	reg.SetSegmentAmend("TQBR", true)
	assert.True(t, reg.SupportsAmend("TQBR"))

	reg.SetNoAmendPrefixes([]string{"SPB"})
	assert.False(t, reg.SupportsAmend("SPBFUT"))
	assert.True(t, reg.SupportsAmend("TQTF"))
}

func TestStrategyConfigMerge(t *testing.T) {
	base := StrategyConfig{
		Type:         "pair",
		Name:         "sber",
		Leg1:         LegConfig{Alias: "a", PriceRatio: decimal.NewFromInt(1), Account: "L01"},
		Leg2:         LegConfig{Alias: "b", PriceRatio: decimal.NewFromInt(10)},
		EntryLevels:  []decimal.Decimal{decimal.RequireFromString("0.5")},
		ExitLevel:    decimal.RequireFromString("0.1"),
		PollInterval: time.Second,
		Mode:         ModeShooter,
		BaseQty:      1,
	}
	merged := base.Merge(StrategyConfig{
		Leg2:    LegConfig{Account: "F01"},
		BaseQty: 5,
		Mode:    ModeMarketMaker,
	})

	assert.Equal(t, "sber", merged.Name)
	assert.Equal(t, "b", merged.Leg2.Alias)
	assert.Equal(t, "F01", merged.Leg2.Account)
	assert.Equal(t, "L01", merged.Leg1.Account)
	assert.EqualValues(t, 5, merged.BaseQty)
	assert.Equal(t, ModeMarketMaker, merged.Mode)
	assert.Equal(t, time.Second, merged.PollInterval)
	require.NoError(t, merged.Validate())

	// the original is untouched
	assert.Equal(t, ModeShooter, base.Mode)
}

func TestStrategyConfigValidate(t *testing.T) {
	valid := StrategyConfig{
		Type:        "pair",
		Leg1:        LegConfig{Alias: "a"},
		Leg2:        LegConfig{Alias: "b"},
		EntryLevels: []decimal.Decimal{decimal.NewFromInt(1)},
		Mode:        ModeShooter,
		BaseQty:     1,
	}
	require.NoError(t, valid.Validate())

	testCases := []struct {
		desc   string
		mutate func(c *StrategyConfig)
	}{
		{"no type", func(c *StrategyConfig) { c.Type = "" }},
		{"same legs", func(c *StrategyConfig) { c.Leg2.Alias = "a" }},
		{"no levels", func(c *StrategyConfig) { c.EntryLevels = nil }},
		{"negative level", func(c *StrategyConfig) { c.EntryLevels = []decimal.Decimal{decimal.NewFromInt(-1)} }},
		{"zero qty", func(c *StrategyConfig) { c.BaseQty = 0 }},
		{"bad mode", func(c *StrategyConfig) { c.Mode = "sniper" }},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := valid
			cfg.EntryLevels = append([]decimal.Decimal(nil), valid.EntryLevels...)
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
