package orders

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed schema.sql
var schemaSQL string

const (
	uniqueViolation    = "23505"
	sessionActiveIndex = "orders_session_active_idx"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store encapsulates operations on the orders and sessions tables.
type Store struct {
	db      DB
	nowFunc func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(db DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const orderColumns = `id,session_id,machine_id,product_id,pay_type,image_url,phone_model,amount::float8,
width_mm::float8,height_mm::float8,idempotency_key,vendor_order_id,status,attempts,last_error,created_at,updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.SessionID, &o.MachineID, &o.ProductID, &o.PayType, &o.ImageURL, &o.PhoneModel, &o.Amount,
		&o.WidthMM, &o.HeightMM, &o.IdempotencyKey, &o.VendorOrderID, &o.Status, &o.Attempts, &o.LastError, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Create inserts a waiting order. The idempotency key is unique: when an
// order already exists for it, that order is returned with created=false.
// A session holds at most one waiting or processing order; a second one
// fails with ErrSessionBusy.
func (s *Store) Create(ctx context.Context, o Order) (*Order, bool, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.IdempotencyKey == "" {
		return nil, false, errors.New("create order: idempotency key is required")
	}
	now := s.nowFunc().UTC()

	row := s.db.QueryRow(ctx, `
INSERT INTO orders(id,session_id,machine_id,product_id,pay_type,image_url,phone_model,amount,width_mm,height_mm,idempotency_key,status,created_at,updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,'waiting',$12,$12)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING `+orderColumns,
		o.ID, o.SessionID, o.MachineID, o.ProductID, o.PayType, o.ImageURL, o.PhoneModel, o.Amount, o.WidthMM, o.HeightMM, o.IdempotencyKey, now)
	created, err := scanOrder(row)
	if err == nil {
		return created, true, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == sessionActiveIndex {
		return nil, false, fmt.Errorf("%w: session %s", ErrSessionBusy, o.SessionID)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert order: %w", err)
	}

	existing, err := s.GetByIdempotencyKey(ctx, o.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("insert order: conflicting row for key %q vanished", o.IdempotencyKey)
	}
	return existing, false, nil
}

// Get fetches an order by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// GetByIdempotencyKey fetches the order created under key. Returns (nil, nil) if none.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key=$1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order by key: %w", err)
	}
	return o, nil
}

// UpdateStatus moves the order from expected to newStatus.
// Returns ErrStatusMismatch if the order is not in expected.
func (s *Store) UpdateStatus(ctx context.Context, id, expected, newStatus string) error {
	if !ValidTransition(expected, newStatus) {
		return fmt.Errorf("%w: %s -> %s not allowed", ErrStatusMismatch, expected, newStatus)
	}
	tag, err := s.db.Exec(ctx, `UPDATE orders SET status=$3, updated_at=$4 WHERE id=$1 AND status=$2`,
		id, expected, newStatus, s.nowFunc().UTC())
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusMismatch
	}
	return nil
}

// SetVendorOrder stores the id the vendor assigned to the order.
func (s *Store) SetVendorOrder(ctx context.Context, id, vendorOrderID string) error {
	tag, err := s.db.Exec(ctx, `UPDATE orders SET vendor_order_id=$2, updated_at=$3 WHERE id=$1`,
		id, vendorOrderID, s.nowFunc().UTC())
	if err != nil {
		return fmt.Errorf("set vendor order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementAttempts increases the attempts counter by 1 and returns the new value.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `UPDATE orders SET attempts=attempts+1, updated_at=$2 WHERE id=$1 RETURNING attempts`,
		id, s.nowFunc().UTC()).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return n, nil
}

// Requeue returns a processing order to waiting and records why.
func (s *Store) Requeue(ctx context.Context, id, reason string) error {
	tag, err := s.db.Exec(ctx, `UPDATE orders SET status='waiting', last_error=$2, updated_at=$3 WHERE id=$1 AND status='processing'`,
		id, reason, s.nowFunc().UTC())
	if err != nil {
		return fmt.Errorf("requeue order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusMismatch
	}
	return nil
}

// MarkFailed moves a non-terminal order to failed.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	tag, err := s.db.Exec(ctx, `UPDATE orders SET status='failed', last_error=$2, updated_at=$3
WHERE id=$1 AND status IN ('waiting','processing')`, id, reason, s.nowFunc().UTC())
	if err != nil {
		return fmt.Errorf("mark order failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusMismatch
	}
	return nil
}

// CompleteForSession marks every processing order of a session completed
// and returns how many moved.
func (s *Store) CompleteForSession(ctx context.Context, sessionID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `UPDATE orders SET status='completed', updated_at=$2 WHERE session_id=$1 AND status='processing'`,
		sessionID, s.nowFunc().UTC())
	if err != nil {
		return 0, fmt.Errorf("complete session orders: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListBySession returns a session's orders, oldest first.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]Order, error) {
	rows, err := s.db.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE session_id=$1 ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// RecordSession upserts the reporting copy of a session.
func (s *Store) RecordSession(ctx context.Context, r SessionRow) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.nowFunc().UTC()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = r.UpdatedAt
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO sessions(session_id,machine_id,product_type,status,image_url,created_at,updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (session_id) DO UPDATE SET status=EXCLUDED.status, image_url=EXCLUDED.image_url, updated_at=EXCLUDED.updated_at`,
		r.SessionID, r.MachineID, r.ProductType, r.Status, r.ImageURL, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}
