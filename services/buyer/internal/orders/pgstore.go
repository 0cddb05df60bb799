package orders

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prithviraju1369/ontheline.in/pkg/ondc"
)

//go:embed schema.sql
var schemaSQL string

type PGStore struct {
	DB *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{DB: db}
}

func (s *PGStore) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, schemaSQL)
	return err
}

const orderColumns = `order_id, transaction_id, message_id, user_id, bpp_id, bpp_uri, provider_id,
  items, billing, fulfillment, payment, quote, last_context, status, version, created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, o Order) (Order, error) {
	if o.Status == "" {
		o.Status = StatusCreated
	}
	args, err := jsonArgs(o)
	if err != nil {
		return Order{}, err
	}
	row := s.DB.QueryRow(ctx, `
INSERT INTO orders(order_id, transaction_id, message_id, user_id, bpp_id, bpp_uri, provider_id,
  items, billing, fulfillment, payment, quote, last_context, status, version)
VALUES($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9::jsonb,$10::jsonb,$11::jsonb,$12::jsonb,$13::jsonb,$14,1)
ON CONFLICT (order_id) DO NOTHING
RETURNING `+orderColumns,
		o.OrderID, o.TransactionID, o.MessageID, o.UserID, o.Counterparty.ID, o.Counterparty.URI, o.ProviderID,
		args.items, args.billing, args.fulfillment, args.payment, args.quote, args.lastContext, string(o.Status))
	out, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrAlreadyExists
	}
	return out, err
}

func (s *PGStore) Get(ctx context.Context, orderID string) (Order, error) {
	out, err := scanOrder(s.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=$1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return out, err
}

func (s *PGStore) GetByTransactionID(ctx context.Context, transactionID string) (Order, error) {
	out, err := scanOrder(s.DB.QueryRow(ctx, `
SELECT `+orderColumns+`
FROM orders
WHERE transaction_id=$1
ORDER BY created_at DESC
LIMIT 1
`, transactionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return out, err
}

func (s *PGStore) Save(ctx context.Context, o Order) (Order, error) {
	args, err := jsonArgs(o)
	if err != nil {
		return Order{}, err
	}
	row := s.DB.QueryRow(ctx, `
UPDATE orders
SET message_id=$3, user_id=$4, provider_id=$5,
    items=$6::jsonb, billing=$7::jsonb, fulfillment=$8::jsonb, payment=$9::jsonb, quote=$10::jsonb,
    last_context=$11::jsonb, status=$12, version=version+1, updated_at=now()
WHERE order_id=$1 AND version=$2
RETURNING `+orderColumns,
		o.OrderID, o.Version, o.MessageID, o.UserID, o.ProviderID,
		args.items, args.billing, args.fulfillment, args.payment, args.quote, args.lastContext, string(o.Status))
	out, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.Get(ctx, o.OrderID); errors.Is(gerr, ErrNotFound) {
			return Order{}, ErrNotFound
		}
		return Order{}, ErrVersionConflict
	}
	return out, err
}

func (s *PGStore) List(ctx context.Context, f ListFilter) ([]Order, int, error) {
	f = f.Normalized()
	where := []string{"TRUE"}
	args := []any{}
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id=$%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.DB.QueryRow(ctx, `SELECT count(*) FROM orders WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, f.Limit, f.Offset())
	rows, err := s.DB.Query(ctx, fmt.Sprintf(`
SELECT %s
FROM orders
WHERE %s
ORDER BY created_at DESC, order_id DESC
LIMIT $%d OFFSET $%d
`, orderColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, o)
	}
	return out, total, rows.Err()
}

type orderJSON struct {
	items, billing, fulfillment, payment, quote, lastContext *string
}

func jsonArgs(o Order) (orderJSON, error) {
	var out orderJSON
	items := o.Items
	if items == nil {
		items = []ondc.Item{}
	}
	for _, f := range []struct {
		dst  **string
		v    any
		skip bool
	}{
		{&out.items, items, false},
		{&out.billing, o.Billing, o.Billing == nil},
		{&out.fulfillment, o.Fulfillment, o.Fulfillment == nil},
		{&out.payment, o.Payment, o.Payment == nil},
		{&out.quote, o.Quote, o.Quote == nil},
		{&out.lastContext, o.LastContext, o.LastContext == nil},
	} {
		if f.skip {
			continue
		}
		b, err := json.Marshal(f.v)
		if err != nil {
			return orderJSON{}, err
		}
		s := string(b)
		*f.dst = &s
	}
	return out, nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o                                                        Order
		status                                                   string
		items, billing, fulfillment, payment, quote, lastContext []byte
	)
	err := row.Scan(&o.OrderID, &o.TransactionID, &o.MessageID, &o.UserID, &o.Counterparty.ID, &o.Counterparty.URI, &o.ProviderID,
		&items, &billing, &fulfillment, &payment, &quote, &lastContext, &status, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Order{}, ErrAlreadyExists
		}
		return Order{}, err
	}
	o.Status = Status(status)
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return Order{}, fmt.Errorf("decode items: %w", err)
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{billing, &o.Billing},
		{fulfillment, &o.Fulfillment},
		{payment, &o.Payment},
		{quote, &o.Quote},
		{lastContext, &o.LastContext},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return Order{}, fmt.Errorf("decode order %s: %w", o.OrderID, err)
		}
	}
	return o, nil
}
