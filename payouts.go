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

package payouts

import (
	"context"
	"embed"
	"strings"
	"time"

	"github.com/blnkfinance/payouts/config"
	"github.com/blnkfinance/payouts/database"
	"github.com/blnkfinance/payouts/internal/apierror"
	"github.com/blnkfinance/payouts/internal/archive"
	"github.com/blnkfinance/payouts/internal/events"
	"github.com/blnkfinance/payouts/ledger"
	"github.com/blnkfinance/payouts/model"
	"github.com/blnkfinance/payouts/provider"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

// Locker guards a section that must run in one process at a time.
type Locker interface {
	Lock(ctx context.Context, ttl time.Duration) error
	Unlock(ctx context.Context) error
}

// Payouts ties the payout store to the provider registry and the ledger.
type Payouts struct {
	datasource database.IDataSource
	registry   *provider.Registry
	ledger     ledger.Reader
	config     *config.Configuration
	notifier   Notifier
	publisher  events.Publisher
	archiver   archive.Archiver
	locker     Locker
	now        func() time.Time
}

type Option func(*Payouts)

// WithNotifier enqueues merchant notifications for terminal transitions.
func WithNotifier(n Notifier) Option {
	return func(p *Payouts) { p.notifier = n }
}

// WithEventPublisher publishes terminal transitions to the event bus.
func WithEventPublisher(pub events.Publisher) Option {
	return func(p *Payouts) { p.publisher = pub }
}

// WithReportArchiver uploads every reconciliation report after it is built.
func WithReportArchiver(a archive.Archiver) Option {
	return func(p *Payouts) { p.archiver = a }
}

// WithReconciliationLock keeps reconciliation passes from overlapping across processes.
func WithReconciliationLock(l Locker) Option {
	return func(p *Payouts) { p.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(p *Payouts) { p.now = now }
}

// NewPayouts initializes the payout engine.
//
// Parameters:
// - db database.IDataSource: The payout store.
// - registry *provider.Registry: Adapters and webhook settings, built once at startup.
// - ledgerReader ledger.Reader: Read access to ledger postings for reconciliation.
// - opts ...Option: Optional collaborators such as notifiers and archivers.
//
// Returns:
// - *Payouts: The engine.
// - error: An error if the configuration has not been loaded.
func NewPayouts(db database.IDataSource, registry *provider.Registry, ledgerReader ledger.Reader, opts ...Option) (*Payouts, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	p := &Payouts{
		datasource: db,
		registry:   registry,
		ledger:     ledgerReader,
		config:     configuration,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Payouts) Registry() *provider.Registry {
	return p.registry
}

// CreatePayout inserts a new PENDING payout. The provider key is normalized
// and external_ref defaults to the payout ID.
func (p *Payouts) CreatePayout(ctx context.Context, payout model.Payout) (*model.Payout, error) {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Creating payout")
	defer span.End()

	payout.TransactionID = strings.TrimSpace(payout.TransactionID)
	payout.Provider = provider.NormalizeKey(payout.Provider)
	payout.Currency = strings.ToUpper(strings.TrimSpace(payout.Currency))
	payout.DestinationPhone = strings.TrimSpace(payout.DestinationPhone)

	if payout.TransactionID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "transaction_id is required", nil)
	}
	if payout.Provider == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "provider is required", nil)
	}
	if payout.Amount <= 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "amount must be greater than zero", nil)
	}
	if payout.Currency == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "currency is required", nil)
	}

	now := p.now()
	payout.PayoutID = model.GenerateUUIDWithSuffix("pay")
	if strings.TrimSpace(payout.ExternalRef) == "" {
		payout.ExternalRef = payout.PayoutID
	}
	payout.Status = model.PayoutStatusPending
	payout.ProviderRef = nil
	payout.AttemptCount = 0
	payout.RetryBaseline = 0
	payout.LastAttemptAt = nil
	payout.NextRetryAt = nil
	payout.Retryable = false
	payout.LastError = ""
	payout.ProviderResponse = nil
	payout.CreatedAt = now
	payout.UpdatedAt = now

	created, err := p.datasource.CreatePayout(ctx, &payout)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"payout_id":    created.PayoutID,
		"provider":     created.Provider,
		"external_ref": created.ExternalRef,
	}).Info("payout created")
	return created, nil
}

// announce fans a terminal payout out to the notifier and the event bus. It
// runs after the write that made the payout terminal has committed.
func (p *Payouts) announce(ctx context.Context, payouts []*model.Payout) {
	for _, payout := range payouts {
		if !payout.Status.IsTerminal() {
			continue
		}
		event := events.NewStatusEvent(payout, p.now())
		if p.notifier != nil {
			if err := p.notifier.Notify(ctx, event); err != nil {
				logrus.WithField("payout_id", payout.PayoutID).Errorf("failed to enqueue payout notification: %v", err)
			}
		}
		if p.publisher != nil {
			if err := p.publisher.Publish(ctx, event); err != nil {
				logrus.WithField("payout_id", payout.PayoutID).Errorf("failed to publish payout event: %v", err)
			}
		}
	}
}
