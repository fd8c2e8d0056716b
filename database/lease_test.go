package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/blnkfinance/payouts/internal/apierror"
	"github.com/blnkfinance/payouts/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLease_ClaimAndUpdateCommits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM payouts.payouts\\s+WHERE status = 'PENDING'(.+)FOR UPDATE SKIP LOCKED").
		WithArgs(now, 10).
		WillReturnRows(payoutRow(sqlmock.NewRows(payoutRowColumns), "1", "PENDING", nil, nil))
	mock.ExpectExec("SAVEPOINT payout_item_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE payouts.payouts").
		WithArgs("1", "SENT", sqlmock.AnyArg(), 2, 0, sqlmock.AnyArg(), sqlmock.AnyArg(), false, "",
			sqlmock.AnyArg(), sqlmock.AnyArg(), now, "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("RELEASE SAVEPOINT payout_item_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err = ds.WithLease(context.Background(), func(ctx context.Context, tx LeaseTx) error {
		claimed, err := tx.ClaimDuePending(ctx, now, 10)
		if err != nil {
			return err
		}
		require.Len(t, claimed, 1)
		return tx.Isolate(ctx, func() error {
			p := claimed[0]
			p.Status = model.PayoutStatusSent
			p.AttemptCount++
			p.UpdatedAt = now
			return tx.UpdatePayout(ctx, p, model.PayoutStatusPending)
		})
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithLease_ErrorRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err = ds.WithLease(context.Background(), func(ctx context.Context, tx LeaseTx) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsolate_RollsBackToSavepoint(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	itemErr := errors.New("provider exploded")

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT payout_item_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT payout_item_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SAVEPOINT payout_item_2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT payout_item_2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	var firstErr error
	err = ds.WithLease(context.Background(), func(ctx context.Context, tx LeaseTx) error {
		firstErr = tx.Isolate(ctx, func() error { return itemErr })
		return tx.Isolate(ctx, func() error { return nil })
	})
	assert.NoError(t, err)
	assert.ErrorIs(t, firstErr, itemErr)
	assert.False(t, errors.Is(firstErr, ErrLeaseAborted))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsolate_BrokenSavepointAbortsLease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT payout_item_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT payout_item_1").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err = ds.WithLease(context.Background(), func(ctx context.Context, tx LeaseTx) error {
		return tx.Isolate(ctx, func() error { return errors.New("item failed") })
	})
	assert.ErrorIs(t, err, ErrLeaseAborted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePayout_StatusMovedIsConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	p := newPayout()
	p.Status = model.PayoutStatusFailed

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payouts.payouts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = ds.WithLease(context.Background(), func(ctx context.Context, tx LeaseTx) error {
		return tx.UpdatePayout(ctx, p, model.PayoutStatusPending)
	})
	assert.True(t, apierror.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockPayoutByRefs_FallsBackToExternalRef(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM payouts.payouts\\s+WHERE provider = \\$1 AND provider_ref = \\$2").
		WithArgs("mpesa", "MP404").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM payouts.payouts\\s+WHERE provider = \\$1 AND external_ref = \\$2").
		WithArgs("mpesa", "ext_1").
		WillReturnRows(payoutRow(sqlmock.NewRows(payoutRowColumns), "1", "SENT", nil, nil))
	mock.ExpectCommit()

	var found *model.Payout
	err = ds.WithLease(context.Background(), func(ctx context.Context, tx LeaseTx) error {
		var err error
		found, err = tx.LockPayoutByRefs(ctx, "mpesa", "MP404", "ext_1")
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "1", found.PayoutID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockPayoutByRefs_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	mock.ExpectQuery("provider_ref = \\$2").WithArgs("mpesa", "MP404").WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()

	err = ds.WithLease(context.Background(), func(ctx context.Context, tx LeaseTx) error {
		found, err := tx.LockPayoutByRefs(ctx, "mpesa", "MP404", "")
		assert.Nil(t, found)
		return err
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
