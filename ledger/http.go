package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

const (
	filterPageSize  = 100
	httpMaxRetries  = 3
	defaultTimeout  = 10 * time.Second
	ledgerKeyHeader = "X-Blnk-Key"
)

// HTTPReader talks to the ledger's REST API. Transient failures are retried
// with exponential backoff; 4xx responses are not.
type HTTPReader struct {
	baseURL     string
	apiKey      string
	destination string
	client      *http.Client
	maxRetries  uint64
}

func NewHTTPReader(baseURL, apiKey, cashoutDestination string, client *http.Client) *HTTPReader {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPReader{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		destination: cashoutDestination,
		client:      client,
		maxRetries:  httpMaxRetries,
	}
}

type ledgerTransaction struct {
	TransactionID     string      `json:"transaction_id"`
	ParentTransaction string      `json:"parent_transaction"`
	Reference         string      `json:"reference"`
	PreciseAmount     json.Number `json:"precise_amount"`
	Currency          string      `json:"currency"`
	Status            string      `json:"status"`
	CreatedAt         time.Time   `json:"created_at"`
}

type filterCondition struct {
	Field    string        `json:"field"`
	Operator string        `json:"operator"`
	Value    interface{}   `json:"value,omitempty"`
	Values   []interface{} `json:"values,omitempty"`
}

type filterRequest struct {
	Filters   []filterCondition `json:"filters"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
	SortBy    string            `json:"sort_by"`
	SortOrder string            `json:"sort_order"`
}

type filterResponse struct {
	Data []ledgerTransaction `json:"data"`
}

func (r *HTTPReader) HasPostings(ctx context.Context, transactionID string) (bool, error) {
	var txn ledgerTransaction
	status, err := r.call(ctx, http.MethodGet, "/transactions/"+url.PathEscape(transactionID), nil, &txn)
	if status == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return isPosted(txn.Status), nil
}

func (r *HTTPReader) ListCashoutDebits(ctx context.Context, since time.Time, limit int) ([]Debit, error) {
	statuses := make([]interface{}, len(PostedStatuses))
	for i, s := range PostedStatuses {
		statuses[i] = s
	}

	var debits []Debit
	seen := make(map[string]bool)
	for offset := 0; len(debits) < limit; offset += filterPageSize {
		req := filterRequest{
			Filters: []filterCondition{
				{Field: "destination", Operator: "eq", Value: r.destination},
				{Field: "created_at", Operator: "gte", Value: since.UTC().Format(time.RFC3339)},
				{Field: "status", Operator: "in", Values: statuses},
			},
			Limit:     filterPageSize,
			Offset:    offset,
			SortBy:    "created_at",
			SortOrder: "asc",
		}
		var page filterResponse
		if _, err := r.call(ctx, http.MethodPost, "/transactions/filter", req, &page); err != nil {
			return nil, err
		}
		for _, txn := range page.Data {
			id := txn.TransactionID
			if txn.ParentTransaction != "" {
				id = txn.ParentTransaction
			}
			if seen[id] || len(debits) >= limit {
				continue
			}
			seen[id] = true
			debits = append(debits, Debit{
				TransactionID: id,
				Reference:     txn.Reference,
				Amount:        txn.PreciseAmount.String(),
				Currency:      txn.Currency,
				Status:        txn.Status,
				CreatedAt:     txn.CreatedAt,
			})
		}
		if len(page.Data) < filterPageSize {
			break
		}
	}
	return debits, nil
}

// call performs one request with retries and returns the last HTTP status seen.
func (r *HTTPReader) call(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return 0, errors.Wrap(err, "encoding ledger request")
		}
	}

	status := 0
	operation := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if r.apiKey != "" {
			req.Header.Set(ledgerKeyHeader, r.apiKey)
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return errors.Wrapf(err, "ledger request %s %s", method, path)
		}
		defer resp.Body.Close()
		status = resp.StatusCode

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("ledger %s %s: not found", method, path))
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("ledger %s %s: status %d", method, path, resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("ledger %s %s: status %d", method, path, resp.StatusCode))
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(errors.Wrap(err, "decoding ledger response"))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, r.maxRetries), ctx))
	return status, err
}

func isPosted(status string) bool {
	for _, s := range PostedStatuses {
		if strings.EqualFold(s, status) {
			return true
		}
	}
	return false
}
