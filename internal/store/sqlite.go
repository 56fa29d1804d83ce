package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	_ "modernc.org/sqlite"

	"arbterm/internal/schema"
	"arbterm/pkg/exception"
)

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS orders (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	trans_id        INTEGER NOT NULL DEFAULT 0,
	venue_order_id  TEXT NOT NULL DEFAULT '',
	venue_order_key TEXT NOT NULL DEFAULT '',
	position_id     TEXT NOT NULL DEFAULT '',
	strategy_id     TEXT NOT NULL DEFAULT '',
	class_code      TEXT NOT NULL,
	sec_code        TEXT NOT NULL,
	side            INTEGER NOT NULL,
	type            INTEGER NOT NULL,
	price           TEXT NOT NULL DEFAULT '0',
	qty             INTEGER NOT NULL,
	filled          INTEGER NOT NULL DEFAULT 0,
	leaves          INTEGER NOT NULL DEFAULT 0,
	exec_price      TEXT NOT NULL DEFAULT '0',
	status          INTEGER NOT NULL,
	account         TEXT NOT NULL DEFAULT '',
	client_code     TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_position ON orders(position_id);

CREATE TABLE IF NOT EXISTS positions (
	id         TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trans_sequences (
	day   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS strategy_configs (
	id         TEXT PRIMARY KEY,
	config     TEXT NOT NULL,
	active     INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// nextTransIDQuery is a single atomic statement, so concurrent callers never
// observe the same value.
const nextTransIDQuery = `
INSERT INTO trans_sequences (day, value) VALUES (?, 1)
ON CONFLICT(day) DO UPDATE SET value = trans_sequences.value + 1
RETURNING value`

// SQLite is a file-backed store.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite").With("path", path)
	}
	// one writer keeps the transaction sequence free of SQLITE_BUSY retries
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL mode")
	}
	if _, err := db.Exec(sqliteDDL); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create schema")
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) CreateOrder(ctx context.Context, order *schema.Order) error {
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (trans_id, venue_order_id, venue_order_key, position_id, strategy_id,
			class_code, sec_code, side, type, price, qty, filled, leaves, exec_price, status,
			account, client_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.TransID, order.VenueOrderID, order.VenueOrderKey, order.PositionID, order.StrategyID,
		order.Instrument.ClassCode, order.Instrument.SecCode, order.Side, order.Type,
		order.Price.String(), order.Qty, order.Filled, order.Leaves, order.ExecPrice.String(), order.Status,
		order.Account, order.ClientCode, order.CreatedAt.UnixNano(), order.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return errors.Wrap(err, "insert order")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "read order id")
	}
	order.ID = schema.OrderID(id)
	return nil
}

func (s *SQLite) SaveOrder(ctx context.Context, order schema.Order) error {
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET trans_id = ?, venue_order_id = ?, venue_order_key = ?, price = ?, qty = ?,
			filled = ?, leaves = ?, exec_price = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		order.TransID, order.VenueOrderID, order.VenueOrderKey, order.Price.String(), order.Qty,
		order.Filled, order.Leaves, order.ExecPrice.String(), order.Status, order.UpdatedAt.UnixNano(),
		order.ID,
	)
	if err != nil {
		return errors.Wrap(err, "update order").With("id", order.ID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return exception.ErrStoreNotFound
	}
	return nil
}

func (s *SQLite) LoadOrder(ctx context.Context, id schema.OrderID) (schema.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, trans_id, venue_order_id, venue_order_key, position_id, strategy_id,
			class_code, sec_code, side, type, price, qty, filled, leaves, exec_price, status,
			account, client_code, created_at, updated_at
		FROM orders WHERE id = ?`, id)

	var (
		o                   schema.Order
		price, execPrice    string
		createdAt, updateAt int64
	)
	err := row.Scan(&o.ID, &o.TransID, &o.VenueOrderID, &o.VenueOrderKey, &o.PositionID, &o.StrategyID,
		&o.Instrument.ClassCode, &o.Instrument.SecCode, &o.Side, &o.Type, &price, &o.Qty, &o.Filled,
		&o.Leaves, &execPrice, &o.Status, &o.Account, &o.ClientCode, &createdAt, &updateAt)
	if err == sql.ErrNoRows {
		return schema.Order{}, exception.ErrStoreNotFound
	}
	if err != nil {
		return schema.Order{}, errors.Wrap(err, "scan order").With("id", id)
	}
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return schema.Order{}, errors.Wrap(err, "parse order price")
	}
	if o.ExecPrice, err = decimal.NewFromString(execPrice); err != nil {
		return schema.Order{}, errors.Wrap(err, "parse order exec price")
	}
	o.CreatedAt = time.Unix(0, createdAt).UTC()
	o.UpdatedAt = time.Unix(0, updateAt).UTC()
	return o, nil
}

func (s *SQLite) SavePosition(ctx context.Context, position schema.Position) error {
	data, err := sonic.ConfigFastest.Marshal(position)
	if err != nil {
		return errors.Wrap(err, "marshal position")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO positions (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		position.ID, string(data), time.Now().UTC().UnixNano())
	if err != nil {
		return errors.Wrap(err, "upsert position").With("id", position.ID)
	}
	return nil
}

func (s *SQLite) LoadPosition(ctx context.Context, id string) (schema.Position, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM positions WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return schema.Position{}, exception.ErrStoreNotFound
	}
	if err != nil {
		return schema.Position{}, errors.Wrap(err, "select position").With("id", id)
	}
	var p schema.Position
	if err := sonic.ConfigFastest.UnmarshalFromString(data, &p); err != nil {
		return schema.Position{}, errors.Wrap(err, "unmarshal position")
	}
	return p, nil
}

func (s *SQLite) NextTransID(ctx context.Context, day time.Time) (schema.TransID, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, nextTransIDQuery, dayKey(day)).Scan(&v); err != nil {
		return 0, errors.Wrap(err, "next trans id")
	}
	return schema.TransID(v), nil
}

func (s *SQLite) SaveStrategyConfig(ctx context.Context, record StrategyRecord) error {
	data, err := sonic.ConfigFastest.Marshal(record.Config)
	if err != nil {
		return errors.Wrap(err, "marshal strategy config")
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO strategy_configs (id, config, active, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			config = excluded.config,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		record.ID, string(data), record.Active, record.UpdatedAt.UnixNano())
	if err != nil {
		return errors.Wrap(err, "upsert strategy config").With("id", record.ID)
	}
	return nil
}

func (s *SQLite) LoadActiveStrategyConfigs(ctx context.Context) ([]StrategyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, config, updated_at FROM strategy_configs WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "select strategy configs")
	}
	defer rows.Close()

	var out []StrategyRecord
	for rows.Next() {
		var (
			r         StrategyRecord
			data      string
			updatedAt int64
		)
		if err := rows.Scan(&r.ID, &data, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "scan strategy config")
		}
		if err := sonic.ConfigFastest.UnmarshalFromString(data, &r.Config); err != nil {
			return nil, errors.Wrap(err, "unmarshal strategy config").With("id", r.ID)
		}
		r.Active = true
		r.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) DeactivateStrategyConfig(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE strategy_configs SET active = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC().UnixNano(), id)
	if err != nil {
		return errors.Wrap(err, "deactivate strategy config").With("id", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return exception.ErrStoreNotFound
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
