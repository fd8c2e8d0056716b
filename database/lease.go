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
	"time"

	"github.com/blnkfinance/payouts/internal/apierror"
	"github.com/blnkfinance/payouts/model"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

// WithLease begins a transaction, hands it to fn and commits when fn returns nil.
// Any error or panic rolls the whole unit of work back, releasing every row lock.
func (d Datasource) WithLease(ctx context.Context, fn func(ctx context.Context, tx LeaseTx) error) error {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Payout lease")
	defer span.End()

	sqlTx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin lease", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logrus.WithError(rbErr).Error("failed to roll back payout lease")
		}
	}()

	if err := fn(ctx, &leaseTx{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit lease", err)
	}
	committed = true
	return nil
}

// ErrLeaseAborted means the enclosing transaction can no longer be used.
var ErrLeaseAborted = errors.New("payout lease aborted")

type leaseTx struct {
	tx         *sql.Tx
	savepoints int
}

// ClaimDuePending locks up to limit PENDING payouts whose retry time has come.
// Rows already leased by another worker are skipped.
func (l *leaseTx) ClaimDuePending(ctx context.Context, now time.Time, limit int) ([]*model.Payout, error) {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Claiming due pending payouts")
	defer span.End()

	rows, err := l.tx.QueryContext(ctx, `
		SELECT `+payoutColumns+` FROM payouts.payouts
		WHERE status = 'PENDING' AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim pending payouts", err)
	}
	return scanPayouts(rows)
}

// ClaimStaleSent locks SENT payouts that are due and have not moved since updatedBefore.
func (l *leaseTx) ClaimStaleSent(ctx context.Context, now, updatedBefore time.Time, limit int) ([]*model.Payout, error) {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Claiming stale sent payouts")
	defer span.End()

	rows, err := l.tx.QueryContext(ctx, `
		SELECT `+payoutColumns+` FROM payouts.payouts
		WHERE status = 'SENT' AND (next_retry_at IS NULL OR next_retry_at <= $1) AND updated_at <= $2
		ORDER BY updated_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED`, now, updatedBefore, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim stale sent payouts", err)
	}
	return scanPayouts(rows)
}

// LockPayout waits for and takes the row lock on a single payout.
func (l *leaseTx) LockPayout(ctx context.Context, id string) (*model.Payout, error) {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Locking payout")
	defer span.End()

	p, err := scanPayout(l.tx.QueryRowContext(ctx, `
		SELECT `+payoutColumns+` FROM payouts.payouts WHERE payout_id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("payout with ID '%s' not found", id), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to lock payout", err)
	}
	return p, nil
}

// LockPayoutByRefs resolves a payout by provider reference first, then by
// external reference. It returns nil when neither matches.
func (l *leaseTx) LockPayoutByRefs(ctx context.Context, provider, providerRef, externalRef string) (*model.Payout, error) {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Locking payout by reference")
	defer span.End()

	lookups := []struct {
		column, value string
	}{
		{"provider_ref", providerRef},
		{"external_ref", externalRef},
	}
	for _, lookup := range lookups {
		if lookup.value == "" {
			continue
		}
		p, err := scanPayout(l.tx.QueryRowContext(ctx, `
			SELECT `+payoutColumns+` FROM payouts.payouts
			WHERE provider = $1 AND `+lookup.column+` = $2
			LIMIT 1
			FOR UPDATE`, provider, lookup.value))
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to resolve payout", err)
		}
	}
	return nil, nil
}

// UpdatePayout writes p only if the stored status still equals expected.
func (l *leaseTx) UpdatePayout(ctx context.Context, p *model.Payout, expected model.PayoutStatus) error {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Updating payout")
	defer span.End()

	response, err := json.Marshal(p.ProviderResponse)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(p.MetaData)
	if err != nil {
		return err
	}

	result, err := l.tx.ExecContext(ctx, `
		UPDATE payouts.payouts
		SET status = $2, provider_ref = $3, attempt_count = $4, retry_baseline = $5, last_attempt_at = $6,
			next_retry_at = $7, retryable = $8, last_error = $9, provider_response = $10, meta_data = $11,
			updated_at = $12
		WHERE payout_id = $1 AND status = $13`,
		p.PayoutID, string(p.Status), nullableString(p.ProviderRef), p.AttemptCount, p.RetryBaseline,
		nullableTime(p.LastAttemptAt), nullableTime(p.NextRetryAt), p.Retryable, p.LastError,
		response, meta, p.UpdatedAt, string(expected),
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update payout", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update payout", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("payout %s is no longer %s", p.PayoutID, expected), nil)
	}
	return nil
}

func (l *leaseTx) RecordWebhookEvent(ctx context.Context, event *model.WebhookEvent) error {
	return insertWebhookEvent(ctx, l.tx, event)
}

func (l *leaseTx) Isolate(ctx context.Context, fn func() error) error {
	l.savepoints++
	name := fmt.Sprintf("payout_item_%d", l.savepoints)

	if _, err := l.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("%w: %v", ErrLeaseAborted, pkgerrors.Wrap(err, "create savepoint"))
	}
	if err := fn(); err != nil {
		if _, rbErr := l.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("%w: roll back savepoint: %v (after %v)", ErrLeaseAborted, rbErr, err)
		}
		return err
	}
	if _, err := l.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("%w: %v", ErrLeaseAborted, pkgerrors.Wrap(err, "release savepoint"))
	}
	return nil
}
