package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/blnkfinance/payouts/internal/apierror"
	"github.com/blnkfinance/payouts/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var webhookEventRowColumns = []string{
	"event_id", "provider", "correlation_id", "headers", "raw_body", "payload", "signature_valid",
	"signature_error", "provider_ref", "external_ref", "reported_status", "payout_id", "status_before", "status_after",
	"applied", "ignored", "ignore_reason", "processing_error", "http_status", "replay_of", "received_at",
}

func TestRecordWebhookEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	receivedAt := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	event := &model.WebhookEvent{
		EventID:        "whe_1",
		Provider:       "mpesa",
		CorrelationID:  "corr-1",
		Headers:        map[string][]string{"X-Signature": {"sha256=abc"}},
		RawBody:        `{"status":"SUCCESS"}`,
		SignatureValid: false,
		SignatureError: "signature mismatch",
		HTTPStatus:     401,
		ReceivedAt:     receivedAt,
	}

	mock.ExpectExec("INSERT INTO payouts.webhook_events").
		WithArgs("whe_1", "mpesa", "corr-1", sqlmock.AnyArg(), event.RawBody, sqlmock.AnyArg(), false,
			"signature mismatch", "", "", "", "", "", "", false, false, "", "", 401, "", receivedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	assert.NoError(t, ds.RecordWebhookEvent(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWebhookEventsByPayout(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	receivedAt := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(webhookEventRowColumns).
		AddRow("whe_1", "mpesa", "corr-1", []byte(`{"X-Signature":["sha256=abc"]}`), `{"status":"SUCCESS"}`,
			[]byte(`{"status":"SUCCESS"}`), true, "", "MP1", "", "SUCCESS", "pay_1", "SENT", "CONFIRMED",
			true, false, "", "", 200, "", receivedAt).
		AddRow("whe_2", "mpesa", "corr-2", []byte(`{}`), `{"status":"SUCCESS"}`,
			[]byte(`{"status":"SUCCESS"}`), true, "", "MP1", "", "SUCCESS", "pay_1", "CONFIRMED", "CONFIRMED",
			false, true, "ALREADY_CONFIRMED", "", 200, "", receivedAt.Add(time.Minute))

	mock.ExpectQuery("SELECT (.+) FROM payouts.webhook_events\\s+WHERE payout_id = \\$1").
		WithArgs("pay_1").
		WillReturnRows(rows)

	events, err := ds.GetWebhookEventsByPayout(context.Background(), "pay_1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Applied)
	assert.Equal(t, model.PayoutStatusConfirmed, events[0].StatusAfter)
	assert.Equal(t, []string{"sha256=abc"}, events[0].Headers["X-Signature"])
	assert.True(t, events[1].Ignored)
	assert.Equal(t, "ALREADY_CONFIRMED", events[1].IgnoreReason)
}

func TestGetWebhookEvent_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("SELECT (.+) FROM payouts.webhook_events WHERE event_id = \\$1").
		WithArgs("whe_missing").
		WillReturnError(sql.ErrNoRows)

	_, err = ds.GetWebhookEvent(context.Background(), "whe_missing")
	assert.True(t, apierror.IsNotFound(err))
}

func TestRecordAndGetReconcileReport(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	started := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	report := model.NewReconcileReport(started)
	report.CompletedAt = started.Add(time.Second)
	report.Add(model.Discrepancy{Category: model.DiscrepancyConfirmedMissingLedger, PayoutID: "pay_1", TransactionID: "txn_1"})

	mock.ExpectExec("INSERT INTO payouts.reconcile_reports").
		WithArgs(report.ReportID, started, report.CompletedAt, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, ds.RecordReconcileReport(context.Background(), report))

	mock.ExpectQuery("SELECT (.+) FROM payouts.reconcile_reports WHERE report_id = \\$1").
		WithArgs(report.ReportID).
		WillReturnRows(sqlmock.NewRows([]string{"report_id", "started_at", "completed_at", "summary", "items", "checked", "archive_url"}).
			AddRow(report.ReportID, started, report.CompletedAt,
				[]byte(`{"status_mismatch":0,"confirmed_missing_ledger":1,"ledger_missing_payout":0}`),
				[]byte(`[{"category":"confirmed_missing_ledger","payout_id":"pay_1","transaction_id":"txn_1"}]`),
				[]byte(`{"confirmed":1}`), ""))

	got, err := ds.GetReconcileReport(context.Background(), report.ReportID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Summary[model.DiscrepancyConfirmedMissingLedger])
	require.Len(t, got.Items, 1)
	assert.Equal(t, "pay_1", got.Items[0].PayoutID)
	assert.Equal(t, 1, got.Checked["confirmed"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
