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
	"fmt"
	"strings"

	"github.com/blnkfinance/payouts/database"
	"github.com/blnkfinance/payouts/internal/apierror"
	"github.com/blnkfinance/payouts/model"
	"go.opentelemetry.io/otel"
)

const (
	MetaForcedBy    = "forced_by_operator"
	MetaForceReason = "force_reason"
)

// ForceConfirmRequest carries an operator's proof that a payout landed.
type ForceConfirmRequest struct {
	ProviderRef  string
	AllowRefless bool
	Reason       string
}

func (p *Payouts) GetPayout(ctx context.Context, id string) (*model.Payout, error) {
	return p.datasource.GetPayout(ctx, id)
}

func (p *Payouts) ListPayouts(ctx context.Context, filter model.PayoutFilter) ([]*model.Payout, error) {
	return p.datasource.ListPayouts(ctx, filter)
}

// GetWebhookEvents returns the callbacks recorded against a payout, oldest first.
func (p *Payouts) GetWebhookEvents(ctx context.Context, payoutID string) ([]*model.WebhookEvent, error) {
	if _, err := p.datasource.GetPayout(ctx, payoutID); err != nil {
		return nil, err
	}
	return p.datasource.GetWebhookEventsByPayout(ctx, payoutID)
}

func (p *Payouts) GetWebhookEvent(ctx context.Context, eventID string) (*model.WebhookEvent, error) {
	return p.datasource.GetWebhookEvent(ctx, eventID)
}

func (p *Payouts) GetReconcileReport(ctx context.Context, id string) (*model.ReconcileReport, error) {
	return p.datasource.GetReconcileReport(ctx, id)
}

func (p *Payouts) ListReconcileReports(ctx context.Context, limit, offset int) ([]*model.ReconcileReport, error) {
	return p.datasource.ListReconcileReports(ctx, limit, offset)
}

// RetryPayout moves a FAILED payout back to PENDING with a fresh attempt
// budget. A payout that failed for a non-retryable reason needs force.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - id string: The payout ID.
// - force bool: Whether to retry a non-retryable failure.
//
// Returns:
// - *model.Payout: The payout as written.
// - error: A conflict when the payout is not FAILED or not retryable without force.
func (p *Payouts) RetryPayout(ctx context.Context, id string, force bool) (*model.Payout, error) {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Retrying payout")
	defer span.End()

	var updated *model.Payout
	err := p.datasource.WithLease(ctx, func(ctx context.Context, tx database.LeaseTx) error {
		payout, err := tx.LockPayout(ctx, id)
		if err != nil {
			return err
		}
		if payout.Status != model.PayoutStatusFailed {
			return apierror.NewAPIError(apierror.ErrConflict,
				fmt.Sprintf("payout %s is %s, only FAILED payouts can be retried", id, payout.Status), nil)
		}
		if !payout.Retryable && !force {
			return apierror.NewAPIError(apierror.ErrConflict,
				fmt.Sprintf("payout %s failed with a non-retryable error, retry with force to override", id), nil)
		}

		updated, err = applyChange(ctx, tx, payout, model.StatusChange{
			To: model.PayoutStatusPending,
			At: p.now(),
		}, model.TransitionOptions{OperatorRetry: true}, "operator")
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ForceConfirm marks a non-terminal payout CONFIRMED on an operator's word.
// A provider reference is still required unless AllowRefless is set.
func (p *Payouts) ForceConfirm(ctx context.Context, id string, req ForceConfirmRequest) (*model.Payout, error) {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Force confirming payout")
	defer span.End()

	return p.force(ctx, id, req.Reason, model.StatusChange{
		To:          model.PayoutStatusConfirmed,
		ProviderRef: strings.TrimSpace(req.ProviderRef),
	}, model.TransitionOptions{AllowReflessConfirm: req.AllowRefless})
}

// ForceFail marks a non-terminal payout FAILED. It is not retryable until an
// operator retries it with force.
func (p *Payouts) ForceFail(ctx context.Context, id string, reason string) (*model.Payout, error) {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Force failing payout")
	defer span.End()

	lastError := strings.TrimSpace(reason)
	if lastError == "" {
		lastError = "failed by operator"
	}
	return p.force(ctx, id, reason, model.StatusChange{
		To:        model.PayoutStatusFailed,
		LastError: lastError,
	}, model.TransitionOptions{})
}

func (p *Payouts) force(ctx context.Context, id, reason string, change model.StatusChange, opts model.TransitionOptions) (*model.Payout, error) {
	change.Meta = map[string]interface{}{MetaForcedBy: true}
	if reason != "" {
		change.Meta[MetaForceReason] = reason
	}

	var updated *model.Payout
	err := p.datasource.WithLease(ctx, func(ctx context.Context, tx database.LeaseTx) error {
		payout, err := tx.LockPayout(ctx, id)
		if err != nil {
			return err
		}
		if payout.Status.IsTerminal() {
			return apierror.NewAPIError(apierror.ErrConflict,
				fmt.Sprintf("payout %s is already %s", id, payout.Status), nil)
		}

		change.At = p.now()
		updated, err = applyChange(ctx, tx, payout, change, opts, "operator")
		if model.IsInvalidTransition(err) {
			return apierror.NewAPIError(apierror.ErrBadRequest, err.Error(), nil)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	p.announce(ctx, []*model.Payout{updated})
	return updated, nil
}
