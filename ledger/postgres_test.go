package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresReader_HasPostings(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reader := NewPostgresReader(db, "@MobileMoneyCashOut")

	mock.ExpectQuery("SELECT EXISTS\\(\\s+SELECT 1 FROM blnk.transactions").
		WithArgs("txn_1", pq.Array(PostedStatuses)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("txn_2", pq.Array(PostedStatuses)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("txn_3", pq.Array(PostedStatuses)).
		WillReturnError(errors.New("connection reset"))

	ok, err := reader.HasPostings(context.Background(), "txn_1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reader.HasPostings(context.Background(), "txn_2")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = reader.HasPostings(context.Background(), "txn_3")
	assert.ErrorContains(t, err, "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReader_ListCashoutDebits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reader := NewPostgresReader(db, "@MobileMoneyCashOut")
	since := time.Date(2025, 3, 13, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"transaction_id", "reference", "precise_amount", "currency", "status", "created_at"}).
		AddRow("txn_1", "ref_1", "150000", "KES", "INFLIGHT", since.Add(time.Minute)).
		AddRow("txn_1", "ref_1", "150000", "KES", "APPLIED", since.Add(2*time.Minute)).
		AddRow("txn_2", "ref_2", "5000", "UGX", "APPLIED", since.Add(3*time.Minute))

	mock.ExpectQuery("FROM blnk.transactions\\s+WHERE destination = \\$1 AND created_at >= \\$2").
		WithArgs("@MobileMoneyCashOut", since, pq.Array(PostedStatuses), 500).
		WillReturnRows(rows)

	debits, err := reader.ListCashoutDebits(context.Background(), since, 500)
	require.NoError(t, err)
	require.Len(t, debits, 2)
	assert.Equal(t, "txn_1", debits[0].TransactionID)
	assert.Equal(t, "INFLIGHT", debits[0].Status)
	assert.Equal(t, "txn_2", debits[1].TransactionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
