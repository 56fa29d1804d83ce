package store

import (
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbterm/internal/schema"
	"arbterm/pkg/exception"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	lite, err := OpenSQLite(filepath.Join(t.TempDir(), "arbterm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": lite,
	}
}

func TestStoreOrderRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			order := schema.Order{
				TransID:    7,
				PositionID: "pos-1",
				Instrument: schema.Instrument{ClassCode: "TQBR", SecCode: "SBER"},
				Side:       schema.SideBuy,
				Type:       schema.OrderTypeLimit,
				Price:      decimal.RequireFromString("250.15"),
				Qty:        10,
				Leaves:     10,
				Status:     schema.OrderStatusNew,
				Account:    "L01",
			}
			require.NoError(t, s.CreateOrder(ctx, &order))
			require.NotZero(t, order.ID)

			second := order
			require.NoError(t, s.CreateOrder(ctx, &second))
			assert.Greater(t, second.ID, order.ID)

			order.VenueOrderID = "123456"
			order.Filled = 4
			order.Leaves = 6
			order.ExecPrice = decimal.RequireFromString("250.1")
			order.Status = schema.OrderStatusPartial
			require.NoError(t, s.SaveOrder(ctx, order))

			got, err := s.LoadOrder(ctx, order.ID)
			require.NoError(t, err)
			assert.Equal(t, "123456", got.VenueOrderID)
			assert.EqualValues(t, 4, got.Filled)
			assert.EqualValues(t, 6, got.Leaves)
			assert.True(t, got.ExecPrice.Equal(decimal.RequireFromString("250.1")))
			assert.True(t, got.Price.Equal(decimal.RequireFromString("250.15")))
			assert.Equal(t, schema.OrderStatusPartial, got.Status)
			assert.Equal(t, order.Instrument, got.Instrument)

			_, err = s.LoadOrder(ctx, 9999)
			require.ErrorIs(t, err, exception.ErrStoreNotFound)
		})
	}
}

func TestStoreNextTransIDIsAtomicPerDay(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			day := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

			var (
				mu  sync.Mutex
				ids []int
				wg  sync.WaitGroup
			)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					id, err := s.NextTransID(ctx, day)
					assert.NoError(t, err)
					mu.Lock()
					ids = append(ids, int(id))
					mu.Unlock()
				}()
			}
			wg.Wait()

			sort.Ints(ids)
			for i, id := range ids {
				assert.Equal(t, i+1, id)
			}

			next, err := s.NextTransID(ctx, day.Add(24*time.Hour))
			require.NoError(t, err)
			assert.EqualValues(t, 1, next)
		})
	}
}

func TestStorePositionAndStrategyConfigs(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			pos := schema.Position{
				ID:   "pos-1",
				Name: "SBER/SRZ5",
				Legs: []schema.Leg{
					{Alias: "sber", QtyRatio: decimal.NewFromInt(1), PriceRatio: decimal.NewFromInt(100)},
					{Alias: "sber_fut", QtyRatio: decimal.NewFromInt(1), PriceRatio: decimal.NewFromInt(1)},
				},
				ExecQty: 3,
				PnL:     decimal.RequireFromString("-50"),
			}
			require.NoError(t, s.SavePosition(ctx, pos))
			got, err := s.LoadPosition(ctx, "pos-1")
			require.NoError(t, err)
			assert.EqualValues(t, 3, got.ExecQty)
			assert.True(t, got.PnL.Equal(decimal.NewFromInt(-50)))
			require.Len(t, got.Legs, 2)
			assert.Equal(t, "sber_fut", got.Legs[1].Alias)

			cfg := schema.StrategyConfig{
				Type:         "pair",
				Name:         "sber",
				Leg1:         schema.LegConfig{Alias: "sber"},
				Leg2:         schema.LegConfig{Alias: "sber_fut"},
				EntryLevels:  []decimal.Decimal{decimal.RequireFromString("0.5")},
				PollInterval: time.Second,
				Mode:         schema.ModeShooter,
				BaseQty:      1,
			}
			require.NoError(t, s.SaveStrategyConfig(ctx, StrategyRecord{ID: "a", Config: cfg, Active: true}))
			require.NoError(t, s.SaveStrategyConfig(ctx, StrategyRecord{ID: "b", Config: cfg, Active: true}))

			active, err := s.LoadActiveStrategyConfigs(ctx)
			require.NoError(t, err)
			require.Len(t, active, 2)
			assert.Equal(t, "a", active[0].ID)
			assert.Equal(t, time.Second, active[0].Config.PollInterval)
			assert.True(t, active[0].Config.EntryLevels[0].Equal(decimal.RequireFromString("0.5")))

			require.NoError(t, s.DeactivateStrategyConfig(ctx, "a"))
			active, err = s.LoadActiveStrategyConfigs(ctx)
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, "b", active[0].ID)

			require.ErrorIs(t, s.DeactivateStrategyConfig(ctx, "missing"), exception.ErrStoreNotFound)
		})
	}
}
