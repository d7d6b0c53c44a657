package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/cryptohook/cryptohook/internal/currency"
)

// PostgresStore persists payment requests in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectColumns = `
	SELECT id, derivation_index, status, currency_symbol, network,
	       amount_expected, amount_paid, confirmations_observed, confirmations_required,
	       receiving_address, transaction_id, created_at, expires_at, updated_at
	FROM payment_requests`

func (p *PostgresStore) Create(ctx context.Context, req *PaymentRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_requests (
			id, derivation_index, status, currency_symbol, network,
			amount_expected, amount_paid, confirmations_observed, confirmations_required,
			receiving_address, transaction_id, created_at, expires_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC(78,0), $7::NUMERIC(78,0), $8, $9,
			$10, $11, $12, $13, $14
		)`,
		req.ID, int64(req.DerivationIndex), string(req.Status), req.CurrencySymbol, req.Network,
		req.AmountExpected, req.AmountPaid, int64(req.ConfirmationsObserved), int64(req.ConfirmationsRequired),
		req.ReceivingAddress, req.TransactionID, req.CreatedAt, req.ExpiresAt, req.UpdatedAt,
	)
	if err != nil {
		return persistErr("create", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*PaymentRequest, error) {
	req, err := scanRequest(p.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistErr("get", err)
	}
	return req, nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, limit int, statuses ...Status) ([]*PaymentRequest, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	if limit <= 0 {
		limit = math.MaxInt32
	}

	rows, err := p.db.QueryContext(ctx, selectColumns+`
		WHERE status = ANY($1)
		ORDER BY created_at ASC, id ASC
		LIMIT $2`, pq.Array(names), limit)
	if err != nil {
		return nil, persistErr("list by status", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*PaymentRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, persistErr("list by status", err)
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list by status", err)
	}
	return result, nil
}

func (p *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*PaymentRequest, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if len(filter.Statuses) > 0 {
		names := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			names[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(pq.Array(names))+")")
	}
	if filter.Currency != (currency.Key{}) {
		where = append(where, "UPPER(currency_symbol) = "+arg(filter.Currency.Symbol))
		where = append(where, "UPPER(network) = "+arg(filter.Currency.Network))
	}
	if filter.After != nil {
		where = append(where, "(created_at, id) < ("+arg(filter.After.CreatedAt)+", "+arg(filter.After.ID)+")")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = math.MaxInt32
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*PaymentRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, persistErr("list", err)
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list", err)
	}
	return result, nil
}

func (p *PostgresStore) UpdateReconciled(ctx context.Context, id string, fn Mutator) (*PaymentRequest, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, persistErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	req, err := scanRequest(tx.QueryRowContext(ctx, selectColumns+` WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, persistErr("lock", err)
	}

	if !fn(req) {
		return req, false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payment_requests SET
			status = $1, amount_paid = $2::NUMERIC(78,0),
			confirmations_observed = $3, transaction_id = $4, updated_at = $5
		WHERE id = $6`,
		string(req.Status), req.AmountPaid,
		int64(req.ConfirmationsObserved), req.TransactionID, req.UpdatedAt,
		req.ID,
	)
	if err != nil {
		return nil, false, persistErr("update", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, persistErr("commit", err)
	}
	return req, true, nil
}

func (p *PostgresStore) NextDerivationIndex(ctx context.Context, key currency.Key) (uint32, error) {
	var next int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO derivation_counters (currency_symbol, network, next_index)
		VALUES ($1, $2, 1)
		ON CONFLICT (currency_symbol, network)
		DO UPDATE SET next_index = derivation_counters.next_index + 1
		RETURNING next_index - 1`,
		key.Symbol, key.Network,
	).Scan(&next)
	if err != nil {
		return 0, persistErr("next derivation index", err)
	}
	if next < 0 || next > math.MaxUint32 {
		return 0, persistErr("next derivation index", fmt.Errorf("%s counter out of range: %d", key, next))
	}
	return uint32(next), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(sc rowScanner) (*PaymentRequest, error) {
	req := &PaymentRequest{}
	var (
		status                    string
		index, observed, required int64
	)
	err := sc.Scan(
		&req.ID, &index, &status, &req.CurrencySymbol, &req.Network,
		&req.AmountExpected, &req.AmountPaid, &observed, &required,
		&req.ReceivingAddress, &req.TransactionID, &req.CreatedAt, &req.ExpiresAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.Status = Status(status)
	req.DerivationIndex = uint32(index)
	req.ConfirmationsObserved = uint32(observed)
	req.ConfirmationsRequired = uint32(required)
	return req, nil
}
