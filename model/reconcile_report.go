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

package model

import "time"

type DiscrepancyCategory string

const (
	DiscrepancyStatusMismatch         DiscrepancyCategory = "status_mismatch"
	DiscrepancyConfirmedMissingLedger DiscrepancyCategory = "confirmed_missing_ledger"
	DiscrepancyLedgerMissingPayout    DiscrepancyCategory = "ledger_missing_payout"
)

var DiscrepancyCategories = []DiscrepancyCategory{
	DiscrepancyStatusMismatch,
	DiscrepancyConfirmedMissingLedger,
	DiscrepancyLedgerMissingPayout,
}

const (
	ObservationSourceProvider = "provider"
	ObservationSourceFallback = "fallback"
)

type Discrepancy struct {
	Category       DiscrepancyCategory `json:"category"`
	PayoutID       string              `json:"payout_id,omitempty"`
	TransactionID  string              `json:"transaction_id,omitempty"`
	Provider       string              `json:"provider,omitempty"`
	StoredStatus   PayoutStatus        `json:"stored_status,omitempty"`
	ObservedStatus PayoutStatus        `json:"observed_status,omitempty"`
	Source         string              `json:"source,omitempty"`
	Detail         string              `json:"detail,omitempty"`
}

// ReconcileReport is the immutable record of one reconciliation pass.
type ReconcileReport struct {
	ReportID    string                      `json:"report_id"`
	StartedAt   time.Time                   `json:"started_at"`
	CompletedAt time.Time                   `json:"completed_at"`
	Summary     map[DiscrepancyCategory]int `json:"summary"`
	Items       []Discrepancy               `json:"items"`
	Checked     map[string]int              `json:"checked"`
	ArchiveURL  string                      `json:"archive_url,omitempty"`
}

// NewReconcileReport returns a report with every category counted at zero.
func NewReconcileReport(startedAt time.Time) *ReconcileReport {
	summary := make(map[DiscrepancyCategory]int, len(DiscrepancyCategories))
	for _, c := range DiscrepancyCategories {
		summary[c] = 0
	}
	return &ReconcileReport{
		ReportID:  GenerateUUIDWithSuffix("rec"),
		StartedAt: startedAt,
		Summary:   summary,
		Items:     []Discrepancy{},
		Checked:   map[string]int{},
	}
}

func (r *ReconcileReport) Add(d Discrepancy) {
	r.Items = append(r.Items, d)
	r.Summary[d.Category]++
}

func (r *ReconcileReport) Total() int {
	return len(r.Items)
}
