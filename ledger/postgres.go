package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
)

// PostgresReader reads the ledger's transactions table directly. A queued
// ledger transaction is applied under a new id with the original as its
// parent, so both columns are matched.
type PostgresReader struct {
	conn        *sql.DB
	destination string
}

func NewPostgresReader(conn *sql.DB, cashoutDestination string) *PostgresReader {
	return &PostgresReader{conn: conn, destination: cashoutDestination}
}

func (r *PostgresReader) HasPostings(ctx context.Context, transactionID string) (bool, error) {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Checking ledger postings")
	defer span.End()

	var exists bool
	err := r.conn.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM blnk.transactions
			WHERE (transaction_id = $1 OR parent_transaction = $1) AND status = ANY($2)
		)
	`, transactionID, pq.Array(PostedStatuses)).Scan(&exists)
	if err != nil {
		span.RecordError(err)
		return false, errors.Wrapf(err, "checking ledger postings for %s", transactionID)
	}
	return exists, nil
}

func (r *PostgresReader) ListCashoutDebits(ctx context.Context, since time.Time, limit int) ([]Debit, error) {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Listing ledger cash-out debits")
	defer span.End()

	rows, err := r.conn.QueryContext(ctx, `
		SELECT COALESCE(NULLIF(parent_transaction, ''), transaction_id), reference, precise_amount::text, currency, status, created_at
		FROM blnk.transactions
		WHERE destination = $1 AND created_at >= $2 AND status = ANY($3)
		ORDER BY created_at ASC
		LIMIT $4
	`, r.destination, since, pq.Array(PostedStatuses), limit)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "listing ledger cash-out debits")
	}
	defer rows.Close()

	var debits []Debit
	seen := make(map[string]bool)
	for rows.Next() {
		var d Debit
		if err := rows.Scan(&d.TransactionID, &d.Reference, &d.Amount, &d.Currency, &d.Status, &d.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning ledger debit")
		}
		// an inflight hold and its commit share the parent id
		if seen[d.TransactionID] {
			continue
		}
		seen[d.TransactionID] = true
		debits = append(debits, d)
	}
	return debits, rows.Err()
}
