package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/blnkfinance/payouts/internal/apierror"
	"github.com/blnkfinance/payouts/model"
	"go.opentelemetry.io/otel"
)

const webhookEventColumns = `event_id, provider, correlation_id, headers, raw_body, payload, signature_valid,
	signature_error, provider_ref, external_ref, reported_status, payout_id, status_before, status_after,
	applied, ignored, ignore_reason, processing_error, http_status, replay_of, received_at`

func insertWebhookEvent(ctx context.Context, q queryer, e *model.WebhookEvent) error {
	ctx, span := otel.Tracer("Webhooks").Start(ctx, "Saving webhook event to db")
	defer span.End()

	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO payouts.webhook_events (`+webhookEventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		e.EventID, e.Provider, e.CorrelationID, headers, e.RawBody, payload, e.SignatureValid,
		e.SignatureError, e.ProviderRef, e.ExternalRef, e.ReportedStatus, e.PayoutID,
		string(e.StatusBefore), string(e.StatusAfter), e.Applied, e.Ignored, e.IgnoreReason,
		e.ProcessingErr, e.HTTPStatus, e.ReplayOf, e.ReceivedAt,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record webhook event", err)
	}
	return nil
}

func scanWebhookEvent(row rowScanner) (*model.WebhookEvent, error) {
	e := &model.WebhookEvent{}
	var (
		headers, payload          []byte
		statusBefore, statusAfter string
	)
	err := row.Scan(
		&e.EventID, &e.Provider, &e.CorrelationID, &headers, &e.RawBody, &payload, &e.SignatureValid,
		&e.SignatureError, &e.ProviderRef, &e.ExternalRef, &e.ReportedStatus, &e.PayoutID,
		&statusBefore, &statusAfter, &e.Applied, &e.Ignored, &e.IgnoreReason,
		&e.ProcessingErr, &e.HTTPStatus, &e.ReplayOf, &e.ReceivedAt,
	)
	if err != nil {
		return nil, err
	}
	e.StatusBefore = model.PayoutStatus(statusBefore)
	e.StatusAfter = model.PayoutStatus(statusAfter)
	if len(headers) > 0 && string(headers) != "null" {
		if err := json.Unmarshal(headers, &e.Headers); err != nil {
			return nil, err
		}
	}
	if err := unmarshalJSONColumn(payload, &e.Payload); err != nil {
		return nil, err
	}
	return e, nil
}

// RecordWebhookEvent appends an event outside of any lease.
func (d Datasource) RecordWebhookEvent(ctx context.Context, event *model.WebhookEvent) error {
	return insertWebhookEvent(ctx, d.Conn, event)
}

func (d Datasource) GetWebhookEvent(ctx context.Context, id string) (*model.WebhookEvent, error) {
	ctx, span := otel.Tracer("Webhooks").Start(ctx, "Fetching webhook event from db")
	defer span.End()

	e, err := scanWebhookEvent(d.Conn.QueryRowContext(ctx,
		`SELECT `+webhookEventColumns+` FROM payouts.webhook_events WHERE event_id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("webhook event with ID '%s' not found", id), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve webhook event", err)
	}
	return e, nil
}

func (d Datasource) GetWebhookEventsByPayout(ctx context.Context, payoutID string) ([]*model.WebhookEvent, error) {
	ctx, span := otel.Tracer("Webhooks").Start(ctx, "Fetching webhook events by payout")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+webhookEventColumns+` FROM payouts.webhook_events
		WHERE payout_id = $1
		ORDER BY received_at ASC`, payoutID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list webhook events", err)
	}
	defer rows.Close()

	events := []*model.WebhookEvent{}
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
