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
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/blnkfinance/payouts/database"
	"github.com/blnkfinance/payouts/internal/apierror"
	"github.com/blnkfinance/payouts/internal/metrics"
	"github.com/blnkfinance/payouts/internal/notification"
	"github.com/blnkfinance/payouts/model"
	"github.com/blnkfinance/payouts/provider"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
	"go.opentelemetry.io/otel"
)

const (
	DefaultSignatureHeader = "X-Signature"
	signaturePrefix        = "sha256="
)

var (
	ErrWebhookSecretNotConfigured = errors.New("webhook secret is not configured for provider")
	ErrMissingSignature           = errors.New("signature header is missing")
	ErrInvalidSignature           = errors.New("signature does not match payload")
)

// Field names providers use for the same three facts. Lookups go in order.
var (
	providerRefAliases = []string{
		"provider_ref", "providerRef", "provider_reference", "transfer_id", "transferId",
		"payment_id", "paymentId", "tx_id", "txn_id",
	}
	externalRefAliases = []string{
		"external_ref", "externalRef", "external_reference", "externalReference",
		"client_reference", "merchant_reference", "reference",
	}
	statusAliases = []string{"status", "state", "transaction_status", "transfer_status", "result"}
	errorAliases  = []string{"error", "error_message", "failure_reason", "reason", "message"}

	envelopeFields = []string{"data", "payload", "event", "object"}
)

// WebhookRequest is one inbound provider callback exactly as received.
type WebhookRequest struct {
	Provider      string
	Headers       http.Header
	Body          []byte
	CorrelationID string
}

// SignPayload returns the signature header value a provider sends for body.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 of body, with or without the
// sha256= prefix, in constant time.
func VerifySignature(secret string, body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// IngestWebhook authenticates, parses and applies one provider callback.
// Every call records exactly one WebhookEvent; its HTTPStatus is the answer
// owed to the provider. The error is non-nil only when that answer is a 500.
func (p *Payouts) IngestWebhook(ctx context.Context, req WebhookRequest) (*model.WebhookEvent, error) {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Ingesting provider webhook")
	defer span.End()

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	event := &model.WebhookEvent{
		EventID:       model.GenerateUUIDWithSuffix("whe"),
		Provider:      provider.NormalizeKey(req.Provider),
		CorrelationID: correlationID,
		Headers:       map[string][]string(req.Headers.Clone()),
		RawBody:       string(req.Body),
		ReceivedAt:    p.now(),
	}

	settings, ok := p.registry.Settings(event.Provider)
	if !ok || settings.WebhookSecret == "" {
		event.SignatureError = ErrWebhookSecretNotConfigured.Error()
		event.ProcessingErr = fmt.Sprintf("%v: %s", ErrWebhookSecretNotConfigured, event.Provider)
		event.HTTPStatus = http.StatusInternalServerError
		logrus.WithFields(logrus.Fields{"provider": event.Provider, "correlation_id": correlationID}).
			Error("rejecting webhook, no secret configured")
		if err := p.recordWebhookEvent(ctx, event, "secret_missing"); err != nil {
			return event, err
		}
		return event, ErrWebhookSecretNotConfigured
	}

	header := settings.SignatureHeader
	if header == "" {
		header = DefaultSignatureHeader
	}
	if err := VerifySignature(settings.WebhookSecret, req.Body, req.Headers.Get(header)); err != nil {
		event.SignatureError = err.Error()
		event.HTTPStatus = http.StatusUnauthorized
		logrus.WithFields(logrus.Fields{"provider": event.Provider, "correlation_id": correlationID}).
			Warnf("rejecting webhook: %v", err)
		return event, p.recordWebhookEvent(ctx, event, "unauthorized")
	}
	event.SignatureValid = true

	return p.applyWebhook(ctx, event, settings, false)
}

// ReplayWebhookEvent re-runs a stored callback from the parse step on. The
// replay is recorded as a new event pointing at the original. Terminal payouts
// stay untouched unless override is set, and override only lets a FAILED
// payout become CONFIRMED.
func (p *Payouts) ReplayWebhookEvent(ctx context.Context, eventID string, override bool) (*model.WebhookEvent, error) {
	ctx, span := otel.Tracer("Payouts").Start(ctx, "Replaying provider webhook")
	defer span.End()

	stored, err := p.datasource.GetWebhookEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !stored.SignatureValid {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest,
			fmt.Sprintf("webhook event %s failed signature verification and cannot be replayed", eventID), nil)
	}
	settings, ok := p.registry.Settings(stored.Provider)
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest,
			fmt.Sprintf("provider %s is not configured", stored.Provider), nil)
	}

	event := &model.WebhookEvent{
		EventID:        model.GenerateUUIDWithSuffix("whe"),
		Provider:       stored.Provider,
		CorrelationID:  stored.CorrelationID,
		Headers:        stored.Headers,
		RawBody:        stored.RawBody,
		SignatureValid: true,
		ReplayOf:       stored.EventID,
		ReceivedAt:     p.now(),
	}
	logrus.WithFields(logrus.Fields{
		"provider":       event.Provider,
		"correlation_id": event.CorrelationID,
		"replay_of":      stored.EventID,
		"override":       override,
	}).Info("replaying webhook event")

	return p.applyWebhook(ctx, event, settings, override)
}

// applyWebhook covers parse, resolve, apply and record for an authenticated event.
func (p *Payouts) applyWebhook(ctx context.Context, event *model.WebhookEvent, settings provider.Settings, override bool) (*model.WebhookEvent, error) {
	payload, outer, err := parseWebhookPayload([]byte(event.RawBody))
	if err != nil {
		return event, p.rejectMalformed(ctx, event, err.Error())
	}
	event.Payload = payload
	event.ProviderRef = providerRefOf(payload, outer, settings.ResponseMapping)
	event.ExternalRef = firstString(payload, externalRefAliases)
	event.ReportedStatus = firstString(payload, statusAliases)
	if event.ReportedStatus == "" {
		event.ReportedStatus = firstString(outer, statusAliases)
	}

	if event.ReportedStatus == "" {
		return event, p.rejectMalformed(ctx, event, "payload carries no status")
	}
	if event.ProviderRef == "" && event.ExternalRef == "" {
		return event, p.rejectMalformed(ctx, event, "payload carries neither a provider nor an external reference")
	}

	var settled *model.Payout
	err = p.datasource.WithLease(ctx, func(ctx context.Context, tx database.LeaseTx) error {
		settled = nil
		event.HTTPStatus = http.StatusOK
		event.Applied, event.Ignored, event.IgnoreReason = false, false, ""

		payout, err := tx.LockPayoutByRefs(ctx, event.Provider, event.ProviderRef, event.ExternalRef)
		if err != nil {
			return err
		}
		if payout == nil {
			ignoreEvent(event, model.IgnoreReasonPayoutNotFound)
			return tx.RecordWebhookEvent(ctx, event)
		}
		event.PayoutID = payout.PayoutID
		event.StatusBefore = payout.Status
		event.StatusAfter = payout.Status

		target, ok := provider.MapStatus(event.ReportedStatus, settings.ResponseMapping)
		if !ok {
			ignoreEvent(event, model.IgnoreReasonUnrecognisedStatus)
			return tx.RecordWebhookEvent(ctx, event)
		}
		overriding := override && payout.Status == model.PayoutStatusFailed && target == model.PayoutStatusConfirmed
		if payout.Status.IsTerminal() && !overriding {
			ignoreEvent(event, model.AlreadyTerminalReason(payout.Status))
			return tx.RecordWebhookEvent(ctx, event)
		}

		next, err := applyChange(ctx, tx, payout, p.webhookChange(payout, target, event), model.TransitionOptions{
			AllowReflessConfirm: settings.ConfirmByExternalRef,
			TerminalOverride:    overriding,
		}, "webhook")
		if err != nil {
			return err
		}
		event.StatusAfter = next.Status
		event.Applied = true
		if next.Status.IsTerminal() {
			settled = next
		}
		return tx.RecordWebhookEvent(ctx, event)
	})
	if err != nil {
		return event, p.failWebhook(ctx, event, err)
	}

	outcome := "applied"
	if event.Ignored {
		outcome = "ignored"
	}
	metrics.WebhookEventsTotal.WithLabelValues(event.Provider, outcome).Inc()
	logrus.WithFields(logrus.Fields{
		"provider":       event.Provider,
		"correlation_id": event.CorrelationID,
		"payout_id":      event.PayoutID,
		"external_ref":   event.ExternalRef,
		"ignore_reason":  event.IgnoreReason,
	}).Infof("webhook %s: %s -> %s", outcome, event.StatusBefore, event.StatusAfter)

	if settled != nil {
		p.announce(ctx, []*model.Payout{settled})
	}
	return event, nil
}

func (p *Payouts) webhookChange(payout *model.Payout, target model.PayoutStatus, event *model.WebhookEvent) model.StatusChange {
	now := p.now()
	change := model.StatusChange{
		To:          target,
		At:          now,
		ProviderRef: event.ProviderRef,
		Response:    event.Payload,
	}
	switch target {
	case model.PayoutStatusFailed:
		change.LastError = firstString(event.Payload, errorAliases)
		if change.LastError == "" {
			change.LastError = "provider reported " + event.ReportedStatus
		}
	case model.PayoutStatusSent:
		change.Retryable = true
		attempt := payout.AttemptsInBudget()
		if attempt < 1 {
			attempt = 1
		}
		change.NextRetryAt = ptr.Time(now.Add(retryDelay(p.config.Worker.BaseBackoff(), attempt)))
	}
	return change
}

// failWebhook records an event whose lease was rolled back and returns the
// error behind it. State machine violations are reported as errors of their own.
func (p *Payouts) failWebhook(ctx context.Context, event *model.WebhookEvent, cause error) error {
	event.Applied = false
	event.Ignored = false
	event.IgnoreReason = ""
	event.StatusAfter = event.StatusBefore
	event.ProcessingErr = cause.Error()
	event.HTTPStatus = http.StatusInternalServerError

	fields := logrus.Fields{
		"provider":       event.Provider,
		"correlation_id": event.CorrelationID,
		"payout_id":      event.PayoutID,
	}
	outcome := "error"
	if model.IsInvalidTransition(cause) {
		outcome = "invariant_violation"
		logrus.WithFields(fields).WithError(cause).Error("webhook would violate payout invariants, nothing applied")
		notification.NotifyError(fmt.Errorf("webhook %s: %w", event.EventID, cause))
	} else {
		logrus.WithFields(fields).WithError(cause).Error("failed to apply webhook")
	}
	metrics.ItemFailuresTotal.WithLabelValues("webhook").Inc()

	if err := p.recordWebhookEvent(ctx, event, outcome); err != nil {
		logrus.WithFields(fields).Errorf("failed to record webhook event: %v", err)
	}
	return cause
}

func (p *Payouts) rejectMalformed(ctx context.Context, event *model.WebhookEvent, reason string) error {
	event.ProcessingErr = reason
	event.HTTPStatus = http.StatusBadRequest
	logrus.WithFields(logrus.Fields{"provider": event.Provider, "correlation_id": event.CorrelationID}).
		Warnf("rejecting webhook: %s", reason)
	return p.recordWebhookEvent(ctx, event, "bad_request")
}

func (p *Payouts) recordWebhookEvent(ctx context.Context, event *model.WebhookEvent, outcome string) error {
	metrics.WebhookEventsTotal.WithLabelValues(event.Provider, outcome).Inc()
	return p.datasource.RecordWebhookEvent(ctx, event)
}

func ignoreEvent(event *model.WebhookEvent, reason string) {
	event.Ignored = true
	event.IgnoreReason = reason
}

// parseWebhookPayload decodes body as a JSON object and unwraps one envelope
// level when the real payload sits under a field such as data. The outer
// object is returned as well; it equals payload when nothing was unwrapped.
func parseWebhookPayload(body []byte) (payload, outer map[string]interface{}, err error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()

	if err := decoder.Decode(&outer); err != nil {
		return nil, nil, fmt.Errorf("payload is not a JSON object: %v", err)
	}
	if outer == nil {
		return nil, nil, errors.New("payload is not a JSON object")
	}

	for _, field := range envelopeFields {
		inner, ok := outer[field].(map[string]interface{})
		if ok && carriesWebhookFacts(inner) {
			return inner, outer, nil
		}
	}
	return outer, outer, nil
}

func carriesWebhookFacts(data map[string]interface{}) bool {
	return firstString(data, statusAliases) != "" ||
		firstString(data, providerRefAliases) != "" ||
		firstString(data, externalRefAliases) != ""
}

// providerRefOf prefers the reference field configured for the provider,
// resolved against the unwrapped payload and then the outer object.
// Generic aliases are the fallback; a bare id is never assumed to be the
// provider reference since most callbacks use it for their own event id.
func providerRefOf(payload, outer map[string]interface{}, mapping provider.ResponseMapping) string {
	if mapping.ReferenceField != "" {
		for _, data := range []map[string]interface{}{payload, outer} {
			if ref := stringValue(provider.GetNestedValue(data, mapping.ReferenceField)); ref != "" {
				return ref
			}
		}
	}
	return firstString(payload, providerRefAliases)
}

func firstString(data map[string]interface{}, aliases []string) string {
	for _, alias := range aliases {
		if s := stringValue(data[alias]); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}
