package ledger

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockedHTTPReader(t *testing.T) *HTTPReader {
	t.Helper()
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)
	return NewHTTPReader("https://ledger.test/", "secret", "@MobileMoneyCashOut", client)
}

func TestHTTPReader_HasPostings(t *testing.T) {
	reader := newMockedHTTPReader(t)

	httpmock.RegisterResponder(http.MethodGet, "https://ledger.test/transactions/txn_1",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "secret", req.Header.Get("X-Blnk-Key"))
			return httpmock.NewStringResponse(200, `{"transaction_id":"txn_1","status":"APPLIED"}`), nil
		})
	httpmock.RegisterResponder(http.MethodGet, "https://ledger.test/transactions/txn_rejected",
		httpmock.NewStringResponder(200, `{"transaction_id":"txn_rejected","status":"REJECTED"}`))
	httpmock.RegisterResponder(http.MethodGet, "https://ledger.test/transactions/txn_missing",
		httpmock.NewStringResponder(404, `{"error":"not found"}`))

	ok, err := reader.HasPostings(context.Background(), "txn_1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reader.HasPostings(context.Background(), "txn_rejected")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = reader.HasPostings(context.Background(), "txn_missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, httpmock.GetCallCountInfo()["GET https://ledger.test/transactions/txn_missing"])
}

func TestHTTPReader_RetriesServerErrors(t *testing.T) {
	reader := newMockedHTTPReader(t)

	calls := 0
	httpmock.RegisterResponder(http.MethodGet, "https://ledger.test/transactions/txn_1",
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls < 3 {
				return httpmock.NewStringResponse(503, `{}`), nil
			}
			return httpmock.NewStringResponse(200, `{"transaction_id":"txn_1","status":"COMMIT"}`), nil
		})

	ok, err := reader.HasPostings(context.Background(), "txn_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, calls)
}

func TestHTTPReader_ClientErrorIsNotRetried(t *testing.T) {
	reader := newMockedHTTPReader(t)
	httpmock.RegisterResponder(http.MethodGet, "https://ledger.test/transactions/txn_1",
		httpmock.NewStringResponder(401, `{"error":"unauthorized"}`))

	_, err := reader.HasPostings(context.Background(), "txn_1")
	assert.Error(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestHTTPReader_ListCashoutDebits(t *testing.T) {
	reader := newMockedHTTPReader(t)
	since := time.Date(2025, 3, 13, 9, 0, 0, 0, time.UTC)

	var sent filterRequest
	httpmock.RegisterResponder(http.MethodPost, "https://ledger.test/transactions/filter",
		func(req *http.Request) (*http.Response, error) {
			raw, _ := io.ReadAll(req.Body)
			require.NoError(t, json.Unmarshal(raw, &sent))
			return httpmock.NewStringResponse(200, `{"data":[
				{"transaction_id":"txn_a","parent_transaction":"txn_1","reference":"r1","precise_amount":150000,"currency":"KES","status":"INFLIGHT","created_at":"2025-03-13T09:01:00Z"},
				{"transaction_id":"txn_b","parent_transaction":"txn_1","reference":"r1","precise_amount":150000,"currency":"KES","status":"COMMIT","created_at":"2025-03-13T09:02:00Z"},
				{"transaction_id":"txn_2","reference":"r2","precise_amount":5000,"currency":"UGX","status":"APPLIED","created_at":"2025-03-13T09:03:00Z"}
			]}`), nil
		})

	debits, err := reader.ListCashoutDebits(context.Background(), since, 50)
	require.NoError(t, err)
	require.Len(t, debits, 2)
	assert.Equal(t, "txn_1", debits[0].TransactionID)
	assert.Equal(t, "150000", debits[0].Amount)
	assert.Equal(t, "txn_2", debits[1].TransactionID)

	require.Len(t, sent.Filters, 3)
	assert.Equal(t, "@MobileMoneyCashOut", sent.Filters[0].Value)
	assert.Equal(t, "2025-03-13T09:00:00Z", sent.Filters[1].Value)
	assert.Equal(t, "created_at", sent.SortBy)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}
