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

// RecordReconcileReport inserts a finished report. Reports are never updated.
func (d Datasource) RecordReconcileReport(ctx context.Context, report *model.ReconcileReport) error {
	ctx, span := otel.Tracer("Reconciliation").Start(ctx, "Saving reconcile report to db")
	defer span.End()

	summary, err := json.Marshal(report.Summary)
	if err != nil {
		return err
	}
	items, err := json.Marshal(report.Items)
	if err != nil {
		return err
	}
	checked, err := json.Marshal(report.Checked)
	if err != nil {
		return err
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO payouts.reconcile_reports (report_id, started_at, completed_at, summary, items, checked, archive_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		report.ReportID, report.StartedAt, report.CompletedAt, summary, items, checked, report.ArchiveURL,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record reconcile report", err)
	}
	return nil
}

const reconcileReportColumns = `report_id, started_at, completed_at, summary, items, checked, archive_url`

func scanReconcileReport(row rowScanner) (*model.ReconcileReport, error) {
	r := &model.ReconcileReport{}
	var summary, items, checked []byte
	if err := row.Scan(&r.ReportID, &r.StartedAt, &r.CompletedAt, &summary, &items, &checked, &r.ArchiveURL); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(summary, &r.Summary); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &r.Items); err != nil {
		return nil, err
	}
	if len(checked) > 0 {
		if err := json.Unmarshal(checked, &r.Checked); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (d Datasource) GetReconcileReport(ctx context.Context, id string) (*model.ReconcileReport, error) {
	ctx, span := otel.Tracer("Reconciliation").Start(ctx, "Fetching reconcile report from db")
	defer span.End()

	r, err := scanReconcileReport(d.Conn.QueryRowContext(ctx,
		`SELECT `+reconcileReportColumns+` FROM payouts.reconcile_reports WHERE report_id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("reconcile report with ID '%s' not found", id), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve reconcile report", err)
	}
	return r, nil
}

func (d Datasource) ListReconcileReports(ctx context.Context, limit, offset int) ([]*model.ReconcileReport, error) {
	ctx, span := otel.Tracer("Reconciliation").Start(ctx, "Listing reconcile reports")
	defer span.End()

	if limit <= 0 {
		limit = 20
	}
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+reconcileReportColumns+` FROM payouts.reconcile_reports
		ORDER BY started_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list reconcile reports", err)
	}
	defer rows.Close()

	reports := []*model.ReconcileReport{}
	for rows.Next() {
		r, err := scanReconcileReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}
