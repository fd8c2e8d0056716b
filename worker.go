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

	"github.com/blnkfinance/payouts/database"
	"github.com/blnkfinance/payouts/internal/metrics"
	"github.com/blnkfinance/payouts/internal/notification"
	"github.com/blnkfinance/payouts/model"
	"github.com/blnkfinance/payouts/provider"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
	"go.opentelemetry.io/otel"
)

const maxRetryDelay = 24 * time.Hour

// PassResult counts what one claim-and-process pass did.
type PassResult struct {
	Claimed     int `json:"claimed"`
	Sent        int `json:"sent"`
	Rescheduled int `json:"rescheduled"`
	Confirmed   int `json:"confirmed"`
	Failed      int `json:"failed"`
	Errors      int `json:"errors"`
}

func (r *PassResult) add(o PassResult) {
	r.Claimed += o.Claimed
	r.Sent += o.Sent
	r.Rescheduled += o.Rescheduled
	r.Confirmed += o.Confirmed
	r.Failed += o.Failed
	r.Errors += o.Errors
}

func (r *PassResult) count(p *model.Payout) {
	switch p.Status {
	case model.PayoutStatusSent:
		if p.NextRetryAt != nil {
			r.Rescheduled++
			return
		}
		r.Sent++
	case model.PayoutStatusConfirmed:
		r.Confirmed++
	case model.PayoutStatusFailed:
		r.Failed++
	}
}

// PayoutWorker drains the due PENDING and stale SENT queues. Several workers,
// in one process or many, can run against the same store: rows are leased
// with SKIP LOCKED so each pass only sees payouts nobody else holds.
type PayoutWorker struct {
	payouts         *Payouts
	batchSize       int
	concurrency     int
	maxAttempts     int
	baseBackoff     time.Duration
	staleSentAfter  time.Duration
	pollInterval    time.Duration
	providerTimeout time.Duration
	stopCh          chan struct{}
	wakeCh          chan struct{}
	wg              sync.WaitGroup
	running         bool
	mu              sync.Mutex
}

func NewPayoutWorker(p *Payouts) *PayoutWorker {
	cfg := p.config.Worker
	return &PayoutWorker{
		payouts:         p,
		batchSize:       cfg.BatchSize,
		concurrency:     cfg.Concurrency,
		maxAttempts:     cfg.MaxAttempts,
		baseBackoff:     cfg.BaseBackoff(),
		staleSentAfter:  cfg.StaleSentAfter(),
		pollInterval:    cfg.PollInterval(),
		providerTimeout: cfg.ProviderTimeout(),
		stopCh:          make(chan struct{}),
		wakeCh:          make(chan struct{}, 1),
	}
}

// Wake asks a running worker for a pass now instead of at the next tick.
// Wakeups that arrive while one is pending collapse into it.
func (w *PayoutWorker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// HandleNotification wakes the worker when the store announces a PENDING payout.
func (w *PayoutWorker) HandleNotification(table string, data map[string]interface{}) error {
	logrus.WithField("payout_id", data["payout_id"]).Debugf("wakeup from %s", table)
	w.Wake()
	return nil
}

func (w *PayoutWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()

	logrus.Info("Payout worker started")
}

func (w *PayoutWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	logrus.Info("Payout worker stopped")
}

func (w *PayoutWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *PayoutWorker) run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Payout worker context cancelled")
			return
		case <-w.stopCh:
			logrus.Info("Payout worker stop signal received")
			return
		case <-ticker.C:
			w.tick(ctx)
		case <-w.wakeCh:
			w.tick(ctx)
		}
	}
}

func (w *PayoutWorker) tick(ctx context.Context) {
	result, err := w.RunOnce(ctx)
	if err != nil {
		logrus.Errorf("payout worker pass failed: %v", err)
		return
	}
	if result.Claimed > 0 {
		logrus.Infof("payout worker pass: claimed=%d sent=%d rescheduled=%d confirmed=%d failed=%d errors=%d",
			result.Claimed, result.Sent, result.Rescheduled, result.Confirmed, result.Failed, result.Errors)
	}
}

// RunOnce runs one pass per configured concurrency slot and waits for all of them.
func (w *PayoutWorker) RunOnce(ctx context.Context) (PassResult, error) {
	started := time.Now()
	defer func() {
		metrics.WorkerPassDuration.Observe(time.Since(started).Seconds())
	}()

	slots := w.concurrency
	if slots < 1 {
		slots = 1
	}
	results := make([]PassResult, slots)
	errs := make([]error, slots)

	var wg sync.WaitGroup
	for i := 0; i < slots; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = w.pass(ctx)
		}(i)
	}
	wg.Wait()

	var total PassResult
	for _, r := range results {
		total.add(r)
	}
	return total, errors.Join(errs...)
}

// pass leases a batch from both queues inside one transaction and processes
// each payout under its own savepoint. Notifications for payouts that became
// terminal go out only after the transaction commits.
func (w *PayoutWorker) pass(ctx context.Context) (PassResult, error) {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Payout worker pass")
	defer span.End()

	var (
		result  PassResult
		settled []*model.Payout
	)
	err := w.payouts.datasource.WithLease(ctx, func(ctx context.Context, tx database.LeaseTx) error {
		result = PassResult{}
		settled = nil

		now := w.payouts.now()
		pending, err := tx.ClaimDuePending(ctx, now, w.batchSize)
		if err != nil {
			return err
		}
		stale, err := tx.ClaimStaleSent(ctx, now, now.Add(-w.staleSentAfter), w.batchSize)
		if err != nil {
			return err
		}
		metrics.PayoutsClaimedTotal.WithLabelValues("pending").Add(float64(len(pending)))
		metrics.PayoutsClaimedTotal.WithLabelValues("stale_sent").Add(float64(len(stale)))
		result.Claimed = len(pending) + len(stale)

		for _, payout := range append(pending, stale...) {
			var next *model.Payout
			err := tx.Isolate(ctx, func() error {
				var err error
				next, err = w.process(ctx, tx, payout)
				return err
			})
			if err != nil {
				if errors.Is(err, database.ErrLeaseAborted) {
					return err
				}
				result.Errors++
				reportItemFailure("worker", payout, err)
				continue
			}
			result.count(next)
			if next.Status.IsTerminal() {
				settled = append(settled, next)
			}
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	w.payouts.announce(ctx, settled)
	return result, nil
}

func (w *PayoutWorker) process(ctx context.Context, tx database.LeaseTx, payout *model.Payout) (*model.Payout, error) {
	switch payout.Status {
	case model.PayoutStatusPending:
		return w.attempt(ctx, tx, payout)
	case model.PayoutStatusSent:
		// nothing to poll without a provider reference, so send again
		if !payout.HasProviderRef() {
			return w.attempt(ctx, tx, payout)
		}
		return w.poll(ctx, tx, payout)
	}
	return nil, fmt.Errorf("payout %s claimed in status %s", payout.PayoutID, payout.Status)
}

// attempt sends payout to its provider. Payouts that cannot be sent at all
// are failed here; only the missing phone counts as an attempt because it is
// a defect in the payout itself.
func (w *PayoutWorker) attempt(ctx context.Context, tx database.LeaseTx, payout *model.Payout) (*model.Payout, error) {
	if payout.DestinationPhone == "" {
		return w.write(ctx, tx, payout, model.StatusChange{
			To:           model.PayoutStatusFailed,
			At:           w.payouts.now(),
			CountAttempt: true,
			LastError:    "destination phone is missing",
		})
	}

	adapter, ok := w.payouts.registry.Adapter(payout.Provider)
	if !ok {
		return w.write(ctx, tx, payout, model.StatusChange{
			To:        model.PayoutStatusFailed,
			At:        w.payouts.now(),
			LastError: fmt.Sprintf("%v: %s", provider.ErrProviderNotFound, payout.Provider),
		})
	}

	if payout.AttemptsInBudget()+1 > w.maxAttempts {
		return w.write(ctx, tx, payout, model.StatusChange{
			To:        model.PayoutStatusFailed,
			At:        w.payouts.now(),
			LastError: fmt.Sprintf("max attempts (%d) reached", w.maxAttempts),
		})
	}

	res := w.call(ctx, adapter, "send", payout, adapter.Send)
	return w.write(ctx, tx, payout, w.decide(payout, res, true))
}

// poll asks the provider where a SENT payout stands. Polls are not attempts.
func (w *PayoutWorker) poll(ctx context.Context, tx database.LeaseTx, payout *model.Payout) (*model.Payout, error) {
	adapter, ok := w.payouts.registry.Adapter(payout.Provider)
	if !ok {
		// touch the row so it waits out another staleness window
		return w.write(ctx, tx, payout, model.StatusChange{
			To:        model.PayoutStatusSent,
			At:        w.payouts.now(),
			LastError: fmt.Sprintf("%v: %s", provider.ErrProviderNotFound, payout.Provider),
		})
	}

	res := w.call(ctx, adapter, "check_status", payout, adapter.CheckStatus)
	return w.write(ctx, tx, payout, w.decide(payout, res, false))
}

func (w *PayoutWorker) call(ctx context.Context, adapter provider.Adapter, operation string, payout *model.Payout,
	fn func(context.Context, *model.Payout) (*provider.Result, error)) *provider.Result {
	callCtx, cancel := context.WithTimeout(ctx, w.providerTimeout)
	defer cancel()

	started := time.Now()
	res := provider.Normalize(fn(callCtx, payout))
	metrics.ProviderCallDuration.WithLabelValues(adapter.Name(), operation).Observe(time.Since(started).Seconds())
	metrics.ProviderCallsTotal.WithLabelValues(adapter.Name(), operation, string(res.Outcome)).Inc()
	return res
}

// decide turns a normalized provider result into the change to write. A
// retryable failure keeps the payout in SENT with a backoff schedule while
// sends remain in the attempt budget; polls are never cut off by the budget.
func (w *PayoutWorker) decide(payout *model.Payout, res *provider.Result, counted bool) model.StatusChange {
	now := w.payouts.now()
	change := model.StatusChange{
		At:           now,
		ProviderRef:  res.ProviderRef,
		CountAttempt: counted,
		LastError:    res.Error,
		Response:     res.Payload,
	}

	switch res.Outcome {
	case model.PayoutStatusSent:
		change.To = model.PayoutStatusSent
	case model.PayoutStatusConfirmed:
		change.To = model.PayoutStatusConfirmed
	default:
		attempts := payout.AttemptsInBudget()
		if counted {
			attempts++
		}
		retryable := provider.IsRetryable(res)
		if retryable && (!counted || attempts < w.maxAttempts) {
			change.To = model.PayoutStatusSent
			change.Retryable = true
			change.NextRetryAt = ptr.Time(now.Add(retryDelay(w.baseBackoff, attempts)))
			return change
		}
		change.To = model.PayoutStatusFailed
		change.Retryable = retryable
	}
	return change
}

func (w *PayoutWorker) write(ctx context.Context, tx database.LeaseTx, payout *model.Payout, change model.StatusChange) (*model.Payout, error) {
	return applyChange(ctx, tx, payout, change, model.TransitionOptions{}, "worker")
}

// applyChange runs change through the state machine and writes the result,
// guarded on the status the caller read under the same lock.
func applyChange(ctx context.Context, tx database.LeaseTx, payout *model.Payout, change model.StatusChange,
	opts model.TransitionOptions, source string) (*model.Payout, error) {
	next, err := model.ApplyTransition(payout, change, opts)
	if err != nil {
		return nil, err
	}
	if err := tx.UpdatePayout(ctx, next, payout.Status); err != nil {
		return nil, err
	}

	metrics.PayoutTransitionsTotal.WithLabelValues(next.Provider, string(payout.Status), string(next.Status), source).Inc()
	logrus.WithFields(logrus.Fields{
		"payout_id":    next.PayoutID,
		"provider":     next.Provider,
		"external_ref": next.ExternalRef,
		"attempts":     next.AttemptCount,
		"source":       source,
	}).Infof("payout %s -> %s", payout.Status, next.Status)
	return next, nil
}

// reportItemFailure logs a payout whose changes were rolled back. Invariant
// violations also go to the error channel.
func reportItemFailure(component string, payout *model.Payout, err error) {
	metrics.ItemFailuresTotal.WithLabelValues(component).Inc()
	entry := logrus.WithFields(logrus.Fields{
		"payout_id":    payout.PayoutID,
		"provider":     payout.Provider,
		"external_ref": payout.ExternalRef,
		"status":       payout.Status,
	}).WithError(err)

	if model.IsInvalidTransition(err) {
		entry.Error("payout invariant violated, changes rolled back")
		notification.NotifyError(fmt.Errorf("%s: payout %s: %w", component, payout.PayoutID, err))
		return
	}
	entry.Warn("payout processing failed, changes rolled back")
}

// retryDelay is base * 2^(attempt-1), capped at a day.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxRetryDelay
	b.MaxElapsedTime = 0
	b.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
