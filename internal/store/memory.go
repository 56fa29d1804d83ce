package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"arbterm/internal/schema"
	"arbterm/pkg/exception"
)

// Memory is an in-process store used for paper trading and tests.
type Memory struct {
	mu         sync.Mutex
	nextID     schema.OrderID
	orders     map[schema.OrderID]schema.Order
	positions  map[string]schema.Position
	sequences  map[string]schema.TransID
	strategies map[string]StrategyRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		orders:     make(map[schema.OrderID]schema.Order),
		positions:  make(map[string]schema.Position),
		sequences:  make(map[string]schema.TransID),
		strategies: make(map[string]StrategyRecord),
	}
}

func (m *Memory) CreateOrder(_ context.Context, order *schema.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	order.ID = m.nextID
	m.orders[order.ID] = *order
	return nil
}

func (m *Memory) SaveOrder(_ context.Context, order schema.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; !ok {
		return exception.ErrStoreNotFound
	}
	m.orders[order.ID] = order
	return nil
}

func (m *Memory) LoadOrder(_ context.Context, id schema.OrderID) (schema.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return schema.Order{}, exception.ErrStoreNotFound
	}
	return order, nil
}

func (m *Memory) SavePosition(_ context.Context, position schema.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[position.ID] = position.Clone()
	return nil
}

func (m *Memory) LoadPosition(_ context.Context, id string) (schema.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return schema.Position{}, exception.ErrStoreNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) NextTransID(_ context.Context, day time.Time) (schema.TransID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dayKey(day)
	m.sequences[key]++
	return m.sequences[key], nil
}

func (m *Memory) SaveStrategyConfig(_ context.Context, record StrategyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	m.strategies[record.ID] = record
	return nil
}

func (m *Memory) LoadActiveStrategyConfigs(_ context.Context) ([]StrategyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StrategyRecord, 0, len(m.strategies))
	for _, r := range m.strategies {
		if r.Active {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeactivateStrategyConfig(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.strategies[id]
	if !ok {
		return exception.ErrStoreNotFound
	}
	r.Active = false
	r.UpdatedAt = time.Now().UTC()
	m.strategies[id] = r
	return nil
}

func (m *Memory) Close() error {
	return nil
}
