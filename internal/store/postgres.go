package store

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"arbterm/internal/schema"
	"arbterm/pkg/conn"
	"arbterm/pkg/exception"
)

type orderModel struct {
	ID            int64           `gorm:"primaryKey;autoIncrement"`
	TransID       int64           `gorm:"not null;default:0"`
	VenueOrderID  string          `gorm:"size:64;not null;default:''"`
	VenueOrderKey string          `gorm:"size:64;not null;default:''"`
	PositionID    string          `gorm:"size:64;index;not null;default:''"`
	StrategyID    string          `gorm:"size:64;not null;default:''"`
	ClassCode     string          `gorm:"size:32;not null"`
	SecCode       string          `gorm:"size:32;not null"`
	Side          uint8           `gorm:"not null"`
	Type          uint8           `gorm:"not null"`
	Price         decimal.Decimal `gorm:"type:numeric;not null"`
	Qty           int64           `gorm:"not null"`
	Filled        int64           `gorm:"not null;default:0"`
	Leaves        int64           `gorm:"not null;default:0"`
	ExecPrice     decimal.Decimal `gorm:"type:numeric;not null"`
	Status        uint8           `gorm:"not null"`
	Account       string          `gorm:"size:64;not null;default:''"`
	ClientCode    string          `gorm:"size:64;not null;default:''"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (orderModel) TableName() string { return "orders" }

type positionModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Data      string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (positionModel) TableName() string { return "positions" }

type transSequenceModel struct {
	Day   string `gorm:"primaryKey;size:10"`
	Value int64  `gorm:"not null"`
}

func (transSequenceModel) TableName() string { return "trans_sequences" }

type strategyConfigModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Config    string `gorm:"type:text;not null"`
	Active    bool   `gorm:"index;not null"`
	UpdatedAt time.Time
}

func (strategyConfigModel) TableName() string { return "strategy_configs" }

// Postgres persists through gorm on a PostgreSQL connection pool.
type Postgres struct {
	client *conn.Client
	db     *gorm.DB
}

// OpenPostgres connects and ensures the tables exist.
func OpenPostgres(option conn.Option) (*Postgres, error) {
	client, err := conn.New(option)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	db := client.DB()
	if err := db.AutoMigrate(&orderModel{}, &positionModel{}, &transSequenceModel{}, &strategyConfigModel{}); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "migrate tables")
	}
	return &Postgres{client: client, db: db}, nil
}

func (p *Postgres) CreateOrder(ctx context.Context, order *schema.Order) error {
	m := toOrderModel(*order)
	m.ID = 0
	if err := p.db.WithContext(ctx).Create(&m).Error; err != nil {
		return errors.Wrap(err, "insert order")
	}
	order.ID = schema.OrderID(m.ID)
	order.CreatedAt = m.CreatedAt
	order.UpdatedAt = m.UpdatedAt
	return nil
}

func (p *Postgres) SaveOrder(ctx context.Context, order schema.Order) error {
	res := p.db.WithContext(ctx).Model(&orderModel{}).Where("id = ?", int64(order.ID)).Updates(map[string]any{
		"trans_id":        int64(order.TransID),
		"venue_order_id":  order.VenueOrderID,
		"venue_order_key": order.VenueOrderKey,
		"price":           order.Price,
		"qty":             order.Qty,
		"filled":          order.Filled,
		"leaves":          order.Leaves,
		"exec_price":      order.ExecPrice,
		"status":          uint8(order.Status),
		"updated_at":      time.Now().UTC(),
	})
	if res.Error != nil {
		return errors.Wrap(res.Error, "update order").With("id", order.ID)
	}
	if res.RowsAffected == 0 {
		return exception.ErrStoreNotFound
	}
	return nil
}

func (p *Postgres) LoadOrder(ctx context.Context, id schema.OrderID) (schema.Order, error) {
	var m orderModel
	err := p.db.WithContext(ctx).Where("id = ?", int64(id)).Take(&m).Error
	if err == gorm.ErrRecordNotFound {
		return schema.Order{}, exception.ErrStoreNotFound
	}
	if err != nil {
		return schema.Order{}, errors.Wrap(err, "select order").With("id", id)
	}
	return m.toOrder(), nil
}

func (p *Postgres) SavePosition(ctx context.Context, position schema.Position) error {
	data, err := sonic.ConfigFastest.MarshalToString(position)
	if err != nil {
		return errors.Wrap(err, "marshal position")
	}
	m := positionModel{ID: position.ID, Data: data, UpdatedAt: time.Now().UTC()}
	err = p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return errors.Wrap(err, "upsert position").With("id", position.ID)
	}
	return nil
}

func (p *Postgres) LoadPosition(ctx context.Context, id string) (schema.Position, error) {
	var m positionModel
	err := p.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if err == gorm.ErrRecordNotFound {
		return schema.Position{}, exception.ErrStoreNotFound
	}
	if err != nil {
		return schema.Position{}, errors.Wrap(err, "select position").With("id", id)
	}
	var pos schema.Position
	if err := sonic.ConfigFastest.UnmarshalFromString(m.Data, &pos); err != nil {
		return schema.Position{}, errors.Wrap(err, "unmarshal position")
	}
	return pos, nil
}

func (p *Postgres) NextTransID(ctx context.Context, day time.Time) (schema.TransID, error) {
	var v int64
	if err := p.db.WithContext(ctx).Raw(nextTransIDQuery, dayKey(day)).Scan(&v).Error; err != nil {
		return 0, errors.Wrap(err, "next trans id")
	}
	return schema.TransID(v), nil
}

func (p *Postgres) SaveStrategyConfig(ctx context.Context, record StrategyRecord) error {
	data, err := sonic.ConfigFastest.MarshalToString(record.Config)
	if err != nil {
		return errors.Wrap(err, "marshal strategy config")
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	m := strategyConfigModel{ID: record.ID, Config: data, Active: record.Active, UpdatedAt: record.UpdatedAt}
	err = p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"config", "active", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return errors.Wrap(err, "upsert strategy config").With("id", record.ID)
	}
	return nil
}

func (p *Postgres) LoadActiveStrategyConfigs(ctx context.Context) ([]StrategyRecord, error) {
	var models []strategyConfigModel
	if err := p.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "select strategy configs")
	}
	out := make([]StrategyRecord, 0, len(models))
	for _, m := range models {
		r := StrategyRecord{ID: m.ID, Active: m.Active, UpdatedAt: m.UpdatedAt}
		if err := sonic.ConfigFastest.UnmarshalFromString(m.Config, &r.Config); err != nil {
			return nil, errors.Wrap(err, "unmarshal strategy config").With("id", m.ID)
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *Postgres) DeactivateStrategyConfig(ctx context.Context, id string) error {
	res := p.db.WithContext(ctx).Model(&strategyConfigModel{}).Where("id = ?", id).Updates(map[string]any{
		"active":     false,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return errors.Wrap(res.Error, "deactivate strategy config").With("id", id)
	}
	if res.RowsAffected == 0 {
		return exception.ErrStoreNotFound
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.client.Close()
}

func toOrderModel(o schema.Order) orderModel {
	return orderModel{
		ID:            int64(o.ID),
		TransID:       int64(o.TransID),
		VenueOrderID:  o.VenueOrderID,
		VenueOrderKey: o.VenueOrderKey,
		PositionID:    o.PositionID,
		StrategyID:    o.StrategyID,
		ClassCode:     o.Instrument.ClassCode,
		SecCode:       o.Instrument.SecCode,
		Side:          uint8(o.Side),
		Type:          uint8(o.Type),
		Price:         o.Price,
		Qty:           o.Qty,
		Filled:        o.Filled,
		Leaves:        o.Leaves,
		ExecPrice:     o.ExecPrice,
		Status:        uint8(o.Status),
		Account:       o.Account,
		ClientCode:    o.ClientCode,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

func (m orderModel) toOrder() schema.Order {
	return schema.Order{
		ID:            schema.OrderID(m.ID),
		TransID:       schema.TransID(m.TransID),
		VenueOrderID:  m.VenueOrderID,
		VenueOrderKey: m.VenueOrderKey,
		PositionID:    m.PositionID,
		StrategyID:    m.StrategyID,
		Instrument:    schema.Instrument{ClassCode: m.ClassCode, SecCode: m.SecCode},
		Side:          schema.Side(m.Side),
		Type:          schema.OrderType(m.Type),
		Price:         m.Price,
		Qty:           m.Qty,
		Filled:        m.Filled,
		Leaves:        m.Leaves,
		ExecPrice:     m.ExecPrice,
		Status:        schema.OrderStatus(m.Status),
		Account:       m.Account,
		ClientCode:    m.ClientCode,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}
