/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blnkfinance/payouts/internal/apierror"
	"github.com/blnkfinance/payouts/model"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

const payoutColumns = `payout_id, transaction_id, external_ref, provider, destination_phone, amount, currency,
	status, provider_ref, attempt_count, retry_baseline, last_attempt_at, next_retry_at, retryable,
	last_error, provider_response, meta_data, created_at, updated_at`

const uniqueViolation = "23505"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPayout(row rowScanner) (*model.Payout, error) {
	p := &model.Payout{}
	var (
		status              string
		providerRef         sql.NullString
		lastAttempt, nextAt sql.NullTime
		lastError           sql.NullString
		response, meta      []byte
	)
	err := row.Scan(
		&p.PayoutID, &p.TransactionID, &p.ExternalRef, &p.Provider, &p.DestinationPhone, &p.Amount, &p.Currency,
		&status, &providerRef, &p.AttemptCount, &p.RetryBaseline, &lastAttempt, &nextAt, &p.Retryable,
		&lastError, &response, &meta, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = model.PayoutStatus(status)
	if providerRef.Valid && providerRef.String != "" {
		ref := providerRef.String
		p.ProviderRef = &ref
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time
		p.LastAttemptAt = &t
	}
	if nextAt.Valid {
		t := nextAt.Time
		p.NextRetryAt = &t
	}
	p.LastError = lastError.String
	if err := unmarshalJSONColumn(response, &p.ProviderResponse); err != nil {
		return nil, err
	}
	if err := unmarshalJSONColumn(meta, &p.MetaData); err != nil {
		return nil, err
	}
	return p, nil
}

func scanPayouts(rows *sql.Rows) ([]*model.Payout, error) {
	defer rows.Close()
	payouts := []*model.Payout{}
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payouts, nil
}

func unmarshalJSONColumn(data []byte, dest *map[string]interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, dest)
}

func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// CreatePayout inserts a new payout. A second payout for the same ledger transaction is a conflict.
func (d Datasource) CreatePayout(ctx context.Context, p *model.Payout) (*model.Payout, error) {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Saving payout to db")
	defer span.End()

	response, err := json.Marshal(p.ProviderResponse)
	if err != nil {
		return nil, err
	}
	meta, err := json.Marshal(p.MetaData)
	if err != nil {
		return nil, err
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO payouts.payouts (`+payoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		p.PayoutID, p.TransactionID, p.ExternalRef, p.Provider, p.DestinationPhone, p.Amount, p.Currency,
		string(p.Status), nullableString(p.ProviderRef), p.AttemptCount, p.RetryBaseline,
		nullableTime(p.LastAttemptAt), nullableTime(p.NextRetryAt), p.Retryable,
		p.LastError, response, meta, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("a payout already exists for transaction %s", p.TransactionID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create payout", err)
	}
	return p, nil
}

func (d Datasource) GetPayout(ctx context.Context, id string) (*model.Payout, error) {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Fetching payout from db")
	defer span.End()

	p, err := scanPayout(d.Conn.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts.payouts WHERE payout_id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("payout with ID '%s' not found", id), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payout", err)
	}
	return p, nil
}

func (d Datasource) ListPayouts(ctx context.Context, filter model.PayoutFilter) ([]*model.Payout, error) {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Listing payouts")
	defer span.End()

	query, args := buildPayoutFilter(filter)
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list payouts", err)
	}
	return scanPayouts(rows)
}

func buildPayoutFilter(filter model.PayoutFilter) (string, []interface{}) {
	var (
		conditions []string
		args       []interface{}
	)
	add := func(clause string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Provider != "" {
		add("provider = $%d", filter.Provider)
	}
	if filter.TransactionID != "" {
		add("transaction_id = $%d", filter.TransactionID)
	}
	if filter.ExternalRef != "" {
		add("external_ref = $%d", filter.ExternalRef)
	}
	if filter.CreatedAfter != nil {
		add("created_at >= $%d", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		add("created_at < $%d", *filter.CreatedBefore)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `SELECT ` + payoutColumns + ` FROM payouts.payouts`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return query, args
}

// ListStaleInFlight returns PENDING or SENT payouts that have not changed since updatedBefore.
func (d Datasource) ListStaleInFlight(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.Payout, error) {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Listing stale in-flight payouts")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+payoutColumns+` FROM payouts.payouts
		WHERE status IN ('PENDING', 'SENT') AND updated_at <= $1
		ORDER BY updated_at ASC
		LIMIT $2`, updatedBefore, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list stale payouts", err)
	}
	return scanPayouts(rows)
}

func (d Datasource) ListConfirmedSince(ctx context.Context, since time.Time, limit int) ([]*model.Payout, error) {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Listing confirmed payouts")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+payoutColumns+` FROM payouts.payouts
		WHERE status = 'CONFIRMED' AND updated_at >= $1
		ORDER BY updated_at ASC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list confirmed payouts", err)
	}
	return scanPayouts(rows)
}

// PayoutTransactionIDs reports which of the given ledger transaction IDs have a payout.
func (d Datasource) PayoutTransactionIDs(ctx context.Context, transactionIDs []string) (map[string]bool, error) {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Matching ledger transactions to payouts")
	defer span.End()

	found := make(map[string]bool, len(transactionIDs))
	if len(transactionIDs) == 0 {
		return found, nil
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT transaction_id FROM payouts.payouts WHERE transaction_id = ANY($1)`, pq.Array(transactionIDs))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to match ledger transactions", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = true
	}
	return found, rows.Err()
}
