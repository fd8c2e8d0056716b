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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blnkfinance/payouts/internal/apierror"
	redlock "github.com/blnkfinance/payouts/internal/lock"
	"github.com/blnkfinance/payouts/internal/metrics"
	"github.com/blnkfinance/payouts/internal/notification"
	"github.com/blnkfinance/payouts/model"
	"github.com/blnkfinance/payouts/provider"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Keys of ReconcileReport.Checked.
const (
	CheckedStaleInFlight = "stale_in_flight"
	CheckedConfirmed     = "confirmed"
	CheckedLedgerDebits  = "ledger_debits"
	CheckedLedgerErrors  = "ledger_errors"
)

// Reconciler runs RunReconciliation on a timer.
type Reconciler struct {
	payouts  *Payouts
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func NewReconciler(p *Payouts) *Reconciler {
	return &Reconciler{
		payouts:  p,
		interval: p.config.Reconciliation.Interval(),
		stopCh:   make(chan struct{}),
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()

	logrus.Info("Payout reconciler started")
}

func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	logrus.Info("Payout reconciler stopped")
}

func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Payout reconciler context cancelled")
			return
		case <-r.stopCh:
			logrus.Info("Payout reconciler stop signal received")
			return
		case <-ticker.C:
			if _, err := r.payouts.RunReconciliation(ctx); err != nil {
				if apierror.IsConflict(err) {
					logrus.Info("reconciliation pass skipped, another process holds the lock")
					continue
				}
				logrus.Errorf("reconciliation pass failed: %v", err)
			}
		}
	}
}

// RunReconciliation runs the three read-only checks once and records a report.
// Nothing found here is written back to payouts.
func (p *Payouts) RunReconciliation(ctx context.Context) (*model.ReconcileReport, error) {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Running payout reconciliation")
	defer span.End()

	cfg := p.config.Reconciliation
	if p.locker != nil {
		if err := p.locker.Lock(ctx, cfg.LockTTL()); err != nil {
			if errors.Is(err, redlock.ErrLockHeld) {
				return nil, apierror.NewAPIError(apierror.ErrConflict, "a reconciliation pass is already running", nil)
			}
			return nil, err
		}
		defer func() {
			if err := p.locker.Unlock(context.Background()); err != nil {
				logrus.Warnf("failed to release reconciliation lock: %v", err)
			}
		}()
	}

	now := p.now()
	report := model.NewReconcileReport(now)

	if err := p.checkStaleInFlight(ctx, report, now.Add(-cfg.StaleThreshold()), cfg.BatchSize); err != nil {
		return nil, err
	}
	since := now.Add(-cfg.Lookback())
	if p.ledger == nil {
		logrus.Warn("no ledger reader configured, skipping ledger checks")
	} else {
		if err := p.checkConfirmedInLedger(ctx, report, since, cfg.BatchSize); err != nil {
			return nil, err
		}
		if err := p.checkLedgerDebits(ctx, report, since, cfg.BatchSize); err != nil {
			return nil, err
		}
	}
	report.CompletedAt = p.now()

	if p.archiver != nil {
		url, err := p.archiver.Archive(ctx, report)
		if err != nil {
			logrus.Errorf("failed to archive reconciliation report %s: %v", report.ReportID, err)
		} else {
			report.ArchiveURL = url
		}
	}
	if err := p.datasource.RecordReconcileReport(ctx, report); err != nil {
		return nil, err
	}

	for category, n := range report.Summary {
		metrics.ReconciliationDiscrepanciesTotal.WithLabelValues(string(category)).Add(float64(n))
	}
	span.AddEvent("reconciliation completed", trace.WithAttributes(
		attribute.String("report.id", report.ReportID),
		attribute.Int("report.discrepancies", report.Total()),
	))
	logrus.WithField("report_id", report.ReportID).Infof("reconciliation finished: %d discrepancies %v", report.Total(), report.Summary)

	if err := notification.NotifyReconciliation(ctx, p.config.Notification.Slack.WebhookUrl, report); err != nil {
		logrus.Errorf("failed to send reconciliation alert: %v", err)
	}
	return report, nil
}

// checkStaleInFlight compares payouts stuck in PENDING or SENT with what the
// provider reports for them.
func (p *Payouts) checkStaleInFlight(ctx context.Context, report *model.ReconcileReport, cutoff time.Time, limit int) error {
	stale, err := p.datasource.ListStaleInFlight(ctx, cutoff, limit)
	if err != nil {
		return err
	}
	report.Checked[CheckedStaleInFlight] = len(stale)

	for _, payout := range stale {
		observed, source, detail := p.observeStatus(ctx, payout)
		if observed == payout.Status {
			continue
		}
		report.Add(model.Discrepancy{
			Category:       model.DiscrepancyStatusMismatch,
			PayoutID:       payout.PayoutID,
			TransactionID:  payout.TransactionID,
			Provider:       payout.Provider,
			StoredStatus:   payout.Status,
			ObservedStatus: observed,
			Source:         source,
			Detail:         detail,
		})
	}
	return nil
}

// observeStatus asks the provider about payout when it has a reference to ask
// with, and falls back to classifyStale otherwise.
func (p *Payouts) observeStatus(ctx context.Context, payout *model.Payout) (model.PayoutStatus, string, string) {
	detail := "payout has no provider reference"
	if payout.HasProviderRef() {
		adapter, ok := p.registry.Adapter(payout.Provider)
		if !ok {
			detail = fmt.Sprintf("%v: %s", provider.ErrProviderNotFound, payout.Provider)
		} else {
			callCtx, cancel := context.WithTimeout(ctx, p.config.Worker.ProviderTimeout())
			res, err := adapter.CheckStatus(callCtx, payout)
			cancel()
			if err == nil {
				res = provider.Normalize(res, nil)
				return res.Outcome, model.ObservationSourceProvider, res.Error
			}
			detail = fmt.Sprintf("provider unreachable: %v", err)
		}
	}
	return classifyStale(payout, p.config.Worker.MaxAttempts), model.ObservationSourceFallback, detail
}

// classifyStale decides a stale payout's likely state without the provider.
// A payout the provider never acknowledged is still PENDING, or FAILED once
// its attempts are spent; an acknowledged one is taken at its stored status.
func classifyStale(payout *model.Payout, maxAttempts int) model.PayoutStatus {
	if payout.HasProviderRef() {
		return payout.Status
	}
	if payout.AttemptsInBudget() >= maxAttempts {
		return model.PayoutStatusFailed
	}
	return model.PayoutStatusPending
}

// checkConfirmedInLedger flags confirmed payouts whose transaction has no ledger posting.
func (p *Payouts) checkConfirmedInLedger(ctx context.Context, report *model.ReconcileReport, since time.Time, limit int) error {
	confirmed, err := p.datasource.ListConfirmedSince(ctx, since, limit)
	if err != nil {
		return err
	}
	report.Checked[CheckedConfirmed] = len(confirmed)

	for _, payout := range confirmed {
		posted, err := p.ledger.HasPostings(ctx, payout.TransactionID)
		if err != nil {
			report.Checked[CheckedLedgerErrors]++
			logrus.WithField("payout_id", payout.PayoutID).Errorf("ledger lookup failed: %v", err)
			continue
		}
		if posted {
			continue
		}
		report.Add(model.Discrepancy{
			Category:      model.DiscrepancyConfirmedMissingLedger,
			PayoutID:      payout.PayoutID,
			TransactionID: payout.TransactionID,
			Provider:      payout.Provider,
			StoredStatus:  payout.Status,
			Detail:        "no ledger posting found for transaction",
		})
	}
	return nil
}

// checkLedgerDebits flags cash-out debits in the ledger that no payout tracks.
func (p *Payouts) checkLedgerDebits(ctx context.Context, report *model.ReconcileReport, since time.Time, limit int) error {
	debits, err := p.ledger.ListCashoutDebits(ctx, since, limit)
	if err != nil {
		report.Checked[CheckedLedgerErrors]++
		logrus.Errorf("failed to list ledger cash-out debits: %v", err)
		return nil
	}
	report.Checked[CheckedLedgerDebits] = len(debits)
	if len(debits) == 0 {
		return nil
	}

	ids := make([]string, 0, len(debits))
	for _, debit := range debits {
		ids = append(ids, debit.TransactionID)
	}
	tracked, err := p.datasource.PayoutTransactionIDs(ctx, ids)
	if err != nil {
		return err
	}

	for _, debit := range debits {
		if tracked[debit.TransactionID] {
			continue
		}
		report.Add(model.Discrepancy{
			Category:      model.DiscrepancyLedgerMissingPayout,
			TransactionID: debit.TransactionID,
			Detail:        fmt.Sprintf("%s %s debit %s (%s) has no payout", debit.Amount, debit.Currency, debit.Reference, debit.Status),
		})
	}
	return nil
}
