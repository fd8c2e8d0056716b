// Package ledger reads postings from the ledger service. Payouts never write to
// the ledger; reconciliation only checks that the two sides agree.
package ledger

import (
	"context"
	"time"
)

// PostedStatuses are the ledger transaction statuses that count as a posting.
var PostedStatuses = []string{"APPLIED", "INFLIGHT", "COMMIT"}

// Debit is a cash-out posting towards the mobile money settlement balance.
type Debit struct {
	TransactionID string    `json:"transaction_id"`
	Reference     string    `json:"reference"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

type Reader interface {
	// HasPostings reports whether the ledger holds a posting for the payout's transaction.
	HasPostings(ctx context.Context, transactionID string) (bool, error)
	// ListCashoutDebits lists cash-out debits created at or after since, oldest first.
	ListCashoutDebits(ctx context.Context, since time.Time, limit int) ([]Debit, error)
}
