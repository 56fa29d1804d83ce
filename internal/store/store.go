package store

import (
	"context"
	"time"

	"arbterm/internal/schema"
)

// StrategyRecord is a persisted strategy configuration.
type StrategyRecord struct {
	ID        string
	Config    schema.StrategyConfig
	Active    bool
	UpdatedAt time.Time
}

// Store persists orders, positions, transaction sequences and strategy configs.
// Implementations are safe for concurrent use.
type Store interface {
	// CreateOrder inserts the order and assigns its local id.
	CreateOrder(ctx context.Context, order *schema.Order) error
	SaveOrder(ctx context.Context, order schema.Order) error
	LoadOrder(ctx context.Context, id schema.OrderID) (schema.Order, error)

	SavePosition(ctx context.Context, position schema.Position) error
	LoadPosition(ctx context.Context, id string) (schema.Position, error)

	// NextTransID atomically returns the next transaction id of the given day.
	NextTransID(ctx context.Context, day time.Time) (schema.TransID, error)

	SaveStrategyConfig(ctx context.Context, record StrategyRecord) error
	LoadActiveStrategyConfigs(ctx context.Context) ([]StrategyRecord, error)
	DeactivateStrategyConfig(ctx context.Context, id string) error

	Close() error
}

// dayKey buckets transaction sequences by UTC date.
func dayKey(day time.Time) string {
	return day.UTC().Format("2006-01-02")
}
