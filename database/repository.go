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
	"time"

	"github.com/blnkfinance/payouts/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	payout          // Interface for payout-related operations
	lease           // Interface for claiming and locking payouts inside a unit of work
	webhookEvent    // Interface for the webhook audit log
	reconcileReport // Interface for reconciliation reports
}

// payout defines reads and inserts that run outside a lease.
type payout interface {
	CreatePayout(ctx context.Context, p *model.Payout) (*model.Payout, error)                          // Inserts a new PENDING payout
	GetPayout(ctx context.Context, id string) (*model.Payout, error)                                   // Retrieves a payout by ID
	ListPayouts(ctx context.Context, filter model.PayoutFilter) ([]*model.Payout, error)               // Lists payouts matching a filter
	ListStaleInFlight(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.Payout, error) // PENDING or SENT payouts untouched since updatedBefore
	ListConfirmedSince(ctx context.Context, since time.Time, limit int) ([]*model.Payout, error)        // CONFIRMED payouts updated since a point in time
	PayoutTransactionIDs(ctx context.Context, transactionIDs []string) (map[string]bool, error)         // Which ledger transactions already have a payout
}

// lease runs fn inside a database transaction. Rows claimed or locked through
// the LeaseTx stay locked until fn returns; a nil error commits.
type lease interface {
	WithLease(ctx context.Context, fn func(ctx context.Context, tx LeaseTx) error) error
}

// LeaseTx is the set of operations available while a lease is held.
type LeaseTx interface {
	ClaimDuePending(ctx context.Context, now time.Time, limit int) ([]*model.Payout, error)
	ClaimStaleSent(ctx context.Context, now, updatedBefore time.Time, limit int) ([]*model.Payout, error)
	LockPayout(ctx context.Context, id string) (*model.Payout, error)
	LockPayoutByRefs(ctx context.Context, provider, providerRef, externalRef string) (*model.Payout, error)
	UpdatePayout(ctx context.Context, p *model.Payout, expected model.PayoutStatus) error
	RecordWebhookEvent(ctx context.Context, event *model.WebhookEvent) error
	// Isolate runs fn under a savepoint so a failure only undoes fn's writes.
	Isolate(ctx context.Context, fn func() error) error
}

type webhookEvent interface {
	RecordWebhookEvent(ctx context.Context, event *model.WebhookEvent) error
	GetWebhookEvent(ctx context.Context, id string) (*model.WebhookEvent, error)
	GetWebhookEventsByPayout(ctx context.Context, payoutID string) ([]*model.WebhookEvent, error)
}

type reconcileReport interface {
	RecordReconcileReport(ctx context.Context, report *model.ReconcileReport) error
	GetReconcileReport(ctx context.Context, id string) (*model.ReconcileReport, error)
	ListReconcileReports(ctx context.Context, limit, offset int) ([]*model.ReconcileReport, error)
}
