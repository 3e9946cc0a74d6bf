package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ OrderStore = (*SQLiteStore)(nil)
var _ FillStore = (*SQLiteStore)(nil)
var _ PositionStore = (*SQLiteStore)(nil)
var _ BatchStore = (*SQLiteStore)(nil)
var _ IdempotencyStore = (*SQLiteStore)(nil)
var _ AuditStore = (*SQLiteStore)(nil)

// SQLiteStore implements all engine storage interfaces backed by a single
// SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, runs
// migrations, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db %s: %w", dbPath, err)
	}
	// modernc.org/sqlite serializes writes itself; a single connection
	// avoids SQLITE_BUSY under concurrent engine writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite db: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id               TEXT PRIMARY KEY,
	client_request_id TEXT NOT NULL,
	broker_order_id  TEXT NOT NULL DEFAULT '',
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	order_type       TEXT NOT NULL,
	qty              INTEGER NOT NULL,
	limit_price      TEXT,
	stop_price       TEXT,
	time_in_force    TEXT NOT NULL,
	status           TEXT NOT NULL,
	filled_qty       INTEGER NOT NULL DEFAULT 0,
	avg_fill_price   TEXT NOT NULL DEFAULT '0',
	reason           TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	submitted_at     INTEGER,
	terminal_at      INTEGER,
	updated_at       INTEGER NOT NULL,
	needs_reconcile  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_client_request ON orders(client_request_id);

CREATE TABLE IF NOT EXISTS fills (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	order_id   TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	qty        INTEGER NOT NULL,
	price      TEXT NOT NULL,
	signed_qty INTEGER NOT NULL,
	ts         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);

CREATE TABLE IF NOT EXISTS positions (
	symbol       TEXT PRIMARY KEY,
	qty          INTEGER NOT NULL,
	avg_cost     TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	opened_at    INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	status       TEXT NOT NULL,
	children     TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	completed_at INTEGER
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key         TEXT PRIMARY KEY,
	order_id    TEXT NOT NULL,
	admitted_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS reconcile_audit (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	entity       TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	field        TEXT NOT NULL,
	local_value  TEXT NOT NULL,
	broker_value TEXT NOT NULL,
	observed_at  INTEGER NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Column helpers
// ---------------------------------------------------------------------------

func decToCol(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func colToDec(v sql.NullString) *decimal.Decimal {
	if !v.Valid {
		return nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil
	}
	return &d
}

func timeToCol(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func colToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder inserts a new order into the database.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, client_request_id, broker_order_id, symbol, side, order_type,
			qty, limit_price, stop_price, time_in_force, status, filled_qty,
			avg_fill_price, reason, created_at, submitted_at, terminal_at,
			updated_at, needs_reconcile
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.ClientRequestID, o.BrokerOrderID, o.Symbol, o.Side, o.Type,
		o.Qty, decToCol(o.LimitPrice), decToCol(o.StopPrice), o.TimeInForce,
		o.Status, o.FilledQty, o.AvgFillPrice.String(), o.Reason,
		o.CreatedAt.UnixNano(), timeToCol(o.SubmittedAt), timeToCol(o.TerminalAt),
		o.UpdatedAt.UnixNano(), boolToInt(o.NeedsReconcile),
	)
	return err
}

// UpdateOrder persists changes to an existing order.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, o *domain.Order) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			broker_order_id = ?, qty = ?, limit_price = ?, stop_price = ?,
			status = ?, filled_qty = ?, avg_fill_price = ?, reason = ?,
			submitted_at = ?, terminal_at = ?, updated_at = ?, needs_reconcile = ?
		WHERE id = ?`,
		o.BrokerOrderID, o.Qty, decToCol(o.LimitPrice), decToCol(o.StopPrice),
		o.Status, o.FilledQty, o.AvgFillPrice.String(), o.Reason,
		timeToCol(o.SubmittedAt), timeToCol(o.TerminalAt),
		o.UpdatedAt.UnixNano(), boolToInt(o.NeedsReconcile), o.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("order %s: %w", o.ID, domain.ErrNotFound)
	}
	return nil
}

const orderColumns = `id, client_request_id, broker_order_id, symbol, side, order_type,
	qty, limit_price, stop_price, time_in_force, status, filled_qty,
	avg_fill_price, reason, created_at, submitted_at, terminal_at,
	updated_at, needs_reconcile`

func scanOrder(row interface{ Scan(...any) error }) (*domain.Order, error) {
	var (
		o           domain.Order
		limitPrice  sql.NullString
		stopPrice   sql.NullString
		avgPrice    string
		createdAt   int64
		submittedAt sql.NullInt64
		terminalAt  sql.NullInt64
		updatedAt   int64
		needsRecon  int64
	)
	err := row.Scan(
		&o.ID, &o.ClientRequestID, &o.BrokerOrderID, &o.Symbol, &o.Side, &o.Type,
		&o.Qty, &limitPrice, &stopPrice, &o.TimeInForce, &o.Status, &o.FilledQty,
		&avgPrice, &o.Reason, &createdAt, &submittedAt, &terminalAt,
		&updatedAt, &needsRecon,
	)
	if err != nil {
		return nil, err
	}
	o.LimitPrice = colToDec(limitPrice)
	o.StopPrice = colToDec(stopPrice)
	o.AvgFillPrice, err = decimal.NewFromString(avgPrice)
	if err != nil {
		return nil, fmt.Errorf("parsing avg_fill_price %q: %w", avgPrice, err)
	}
	o.CreatedAt = time.Unix(0, createdAt).UTC()
	o.SubmittedAt = colToTime(submittedAt)
	o.TerminalAt = colToTime(terminalAt)
	o.UpdatedAt = time.Unix(0, updatedAt).UTC()
	o.NeedsReconcile = needsRecon != 0
	return &o, nil
}

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	return o, err
}

// ListOrders returns all orders matching the given status, or all orders
// when status is empty. Results are ordered by creation time.
func (s *SQLiteStore) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

// ListOpenOrders returns all orders in a non-terminal status.
func (s *SQLiteStore) ListOpenOrders(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status IN (?, ?, ?) ORDER BY created_at`,
		domain.OrderStatusCreated, domain.OrderStatusSubmitted, domain.OrderStatusPartiallyFilled,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func collectOrders(rows *sql.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// ---------------------------------------------------------------------------
// FillStore implementation
// ---------------------------------------------------------------------------

// SaveFill appends a fill to the journal with its signed position delta.
func (s *SQLiteStore) SaveFill(ctx context.Context, f *domain.Fill, signedQty int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fills (id, order_id, symbol, qty, price, signed_qty, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.OrderID, f.Symbol, f.Qty, f.Price.String(), signedQty, f.Timestamp.UnixNano(),
	)
	return err
}

// HasFill reports whether a fill ID has already been journaled.
func (s *SQLiteStore) HasFill(ctx context.Context, fillID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM fills WHERE id = ?`, fillID).Scan(&n)
	return n > 0, err
}

// ListFills returns all journaled fills in application order.
func (s *SQLiteStore) ListFills(ctx context.Context) ([]AppliedFill, error) {
	return s.queryFills(ctx, `SELECT seq, id, order_id, symbol, qty, price, signed_qty, ts
		FROM fills ORDER BY seq`)
}

// ListFillsForOrder returns the fills applied to one order.
func (s *SQLiteStore) ListFillsForOrder(ctx context.Context, orderID string) ([]AppliedFill, error) {
	return s.queryFills(ctx, `SELECT seq, id, order_id, symbol, qty, price, signed_qty, ts
		FROM fills WHERE order_id = ? ORDER BY seq`, orderID)
}

func (s *SQLiteStore) queryFills(ctx context.Context, query string, args ...any) ([]AppliedFill, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []AppliedFill
	for rows.Next() {
		var (
			af    AppliedFill
			price string
			ts    int64
		)
		if err := rows.Scan(&af.Seq, &af.Fill.ID, &af.Fill.OrderID, &af.Fill.Symbol,
			&af.Fill.Qty, &price, &af.SignedQty, &ts); err != nil {
			return nil, err
		}
		af.Fill.Price, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("parsing fill price %q: %w", price, err)
		}
		af.Fill.Timestamp = time.Unix(0, ts).UTC()
		fills = append(fills, af)
	}
	return fills, rows.Err()
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// SavePosition inserts or updates the position for a symbol.
func (s *SQLiteStore) SavePosition(ctx context.Context, p *domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (symbol, qty, avg_cost, realized_pnl, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			qty = excluded.qty, avg_cost = excluded.avg_cost,
			realized_pnl = excluded.realized_pnl, updated_at = excluded.updated_at`,
		p.Symbol, p.Qty, p.AvgCostBasis.String(), p.RealizedPnL.String(),
		p.OpenedAt.UnixNano(), p.UpdatedAt.UnixNano(),
	)
	return err
}

// GetPosition retrieves the position for a symbol.
func (s *SQLiteStore) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT symbol, qty, avg_cost, realized_pnl, opened_at, updated_at
		FROM positions WHERE symbol = ?`, symbol)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", symbol, domain.ErrNotFound)
	}
	return p, err
}

// ListPositions returns all recorded positions, including flat ones.
func (s *SQLiteStore) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, qty, avg_cost, realized_pnl, opened_at, updated_at
		FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func scanPosition(row interface{ Scan(...any) error }) (*domain.Position, error) {
	var (
		p         domain.Position
		avgCost   string
		realized  string
		openedAt  int64
		updatedAt int64
	)
	if err := row.Scan(&p.Symbol, &p.Qty, &avgCost, &realized, &openedAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	p.AvgCostBasis, err = decimal.NewFromString(avgCost)
	if err != nil {
		return nil, fmt.Errorf("parsing avg_cost %q: %w", avgCost, err)
	}
	p.RealizedPnL, err = decimal.NewFromString(realized)
	if err != nil {
		return nil, fmt.Errorf("parsing realized_pnl %q: %w", realized, err)
	}
	p.OpenedAt = time.Unix(0, openedAt).UTC()
	p.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &p, nil
}

// ---------------------------------------------------------------------------
// BatchStore implementation
// ---------------------------------------------------------------------------

// batchChildRow is the JSON shape of a child in the batches.children column.
// Unlike the API representation it retains the original order spec so failed
// children can be retried after a restart.
type batchChildRow struct {
	OrderID string            `json:"order_id,omitempty"`
	Symbol  string            `json:"symbol"`
	Status  string            `json:"status"`
	Reason  string            `json:"reason,omitempty"`
	Spec    domain.OrderSpec  `json:"spec"`
}

// SaveBatch inserts or updates a batch operation.
func (s *SQLiteStore) SaveBatch(ctx context.Context, b *domain.BatchOperation) error {
	rows := make([]batchChildRow, len(b.Children))
	for i, c := range b.Children {
		rows[i] = batchChildRow{
			OrderID: c.OrderID,
			Symbol:  c.Symbol,
			Status:  string(c.Status),
			Reason:  c.Reason,
			Spec:    c.Spec,
		}
	}
	children, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("marshaling batch children: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO batches (id, kind, status, children, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status, children = excluded.children,
			completed_at = excluded.completed_at`,
		b.ID, b.Kind, b.Status, string(children), b.CreatedAt.UnixNano(), timeToCol(b.CompletedAt),
	)
	return err
}

// GetBatch retrieves a batch by its ID.
func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*domain.BatchOperation, error) {
	var (
		b           domain.BatchOperation
		children    string
		createdAt   int64
		completedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, kind, status, children, created_at, completed_at
		FROM batches WHERE id = ?`, id).
		Scan(&b.ID, &b.Kind, &b.Status, &children, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var rows []batchChildRow
	if err := json.Unmarshal([]byte(children), &rows); err != nil {
		return nil, fmt.Errorf("unmarshaling batch children: %w", err)
	}
	b.Children = make([]domain.BatchChild, len(rows))
	for i, r := range rows {
		b.Children[i] = domain.BatchChild{
			OrderID: r.OrderID,
			Symbol:  r.Symbol,
			Status:  domain.BatchChildStatus(r.Status),
			Reason:  r.Reason,
			Spec:    r.Spec,
		}
	}
	b.CreatedAt = time.Unix(0, createdAt).UTC()
	b.CompletedAt = colToTime(completedAt)
	return &b, nil
}

// ListBatches returns all batch operations, oldest first.
func (s *SQLiteStore) ListBatches(ctx context.Context) ([]domain.BatchOperation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM batches ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.BatchOperation, 0, len(ids))
	for _, id := range ids {
		b, err := s.GetBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// IdempotencyStore implementation
// ---------------------------------------------------------------------------

// SaveKey records an admission.
func (s *SQLiteStore) SaveKey(ctx context.Context, key IdempotencyKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, order_id, admitted_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		key.Key, key.OrderID, key.AdmittedAt.UnixNano(),
	)
	return err
}

// ListKeys returns all admissions at or after notBefore.
func (s *SQLiteStore) ListKeys(ctx context.Context, notBefore time.Time) ([]IdempotencyKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, order_id, admitted_at
		FROM idempotency_keys WHERE admitted_at >= ?`, notBefore.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []IdempotencyKey
	for rows.Next() {
		var (
			k  IdempotencyKey
			at int64
		)
		if err := rows.Scan(&k.Key, &k.OrderID, &at); err != nil {
			return nil, err
		}
		k.AdmittedAt = time.Unix(0, at).UTC()
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteKey removes a single admission.
func (s *SQLiteStore) DeleteKey(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = ?`, key)
	return err
}

// DeleteKeysBefore removes admissions older than cutoff.
func (s *SQLiteStore) DeleteKeysBefore(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE admitted_at < ?`, cutoff.UnixNano())
	return err
}

// ---------------------------------------------------------------------------
// AuditStore implementation
// ---------------------------------------------------------------------------

// SaveDivergence appends a divergence record.
func (s *SQLiteStore) SaveDivergence(ctx context.Context, d *Divergence) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reconcile_audit (entity, entity_id, field, local_value, broker_value, observed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.Entity, d.EntityID, d.Field, d.LocalValue, d.BrokerValue, d.ObservedAt.UnixNano(),
	)
	if err != nil {
		return err
	}
	d.ID, _ = res.LastInsertId()
	return nil
}

// ListDivergences returns the most recent divergences, newest first.
func (s *SQLiteStore) ListDivergences(ctx context.Context, limit int) ([]Divergence, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, entity, entity_id, field, local_value, broker_value, observed_at
		FROM reconcile_audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Divergence
	for rows.Next() {
		var (
			d  Divergence
			at int64
		)
		if err := rows.Scan(&d.ID, &d.Entity, &d.EntityID, &d.Field, &d.LocalValue, &d.BrokerValue, &at); err != nil {
			return nil, err
		}
		d.ObservedAt = time.Unix(0, at).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
