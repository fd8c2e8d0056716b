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

import (
	"fmt"
	"strings"
	"time"
)

type PayoutStatus string

const (
	PayoutStatusPending   PayoutStatus = "PENDING"
	PayoutStatusSent      PayoutStatus = "SENT"
	PayoutStatusConfirmed PayoutStatus = "CONFIRMED"
	PayoutStatusFailed    PayoutStatus = "FAILED"
)

// PayoutStatuses lists every lifecycle status in order.
var PayoutStatuses = []PayoutStatus{
	PayoutStatusPending,
	PayoutStatusSent,
	PayoutStatusConfirmed,
	PayoutStatusFailed,
}

// IsTerminal reports whether no further automatic transition can leave the status.
func (s PayoutStatus) IsTerminal() bool {
	return s == PayoutStatusConfirmed || s == PayoutStatusFailed
}

func (s PayoutStatus) String() string {
	return string(s)
}

// ParsePayoutStatus parses a status case-insensitively.
func ParsePayoutStatus(value string) (PayoutStatus, error) {
	status := PayoutStatus(strings.ToUpper(strings.TrimSpace(value)))
	for _, known := range PayoutStatuses {
		if status == known {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown payout status %q", value)
}

// Payout is a single outbound transfer of funds to a mobile money wallet.
type Payout struct {
	PayoutID         string                 `json:"payout_id"`
	TransactionID    string                 `json:"transaction_id"`
	ExternalRef      string                 `json:"external_ref"`
	Provider         string                 `json:"provider"`
	DestinationPhone string                 `json:"destination_phone"`
	Amount           int64                  `json:"amount"`
	Currency         string                 `json:"currency"`
	Status           PayoutStatus           `json:"status"`
	ProviderRef      *string                `json:"provider_ref,omitempty"`
	AttemptCount     int                    `json:"attempt_count"`
	RetryBaseline    int                    `json:"retry_baseline"`
	LastAttemptAt    *time.Time             `json:"last_attempt_at,omitempty"`
	NextRetryAt      *time.Time             `json:"next_retry_at,omitempty"`
	Retryable        bool                   `json:"retryable"`
	LastError        string                 `json:"last_error,omitempty"`
	ProviderResponse map[string]interface{} `json:"provider_response,omitempty"`
	MetaData         map[string]interface{} `json:"meta_data,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// HasProviderRef reports whether the provider has assigned its own reference.
func (p *Payout) HasProviderRef() bool {
	return p.ProviderRef != nil && strings.TrimSpace(*p.ProviderRef) != ""
}

// ProviderRefValue returns the provider reference or an empty string.
func (p *Payout) ProviderRefValue() string {
	if p.ProviderRef == nil {
		return ""
	}
	return *p.ProviderRef
}

// AttemptsInBudget is the number of attempts made since the last operator retry.
func (p *Payout) AttemptsInBudget() int {
	n := p.AttemptCount - p.RetryBaseline
	if n < 0 {
		return 0
	}
	return n
}

// AmountMajor renders the amount in major units, e.g. "1500.50".
func (p *Payout) AmountMajor() string {
	return MinorToMajor(p.Amount, p.Currency).StringFixed(CurrencyExponent(p.Currency))
}

// Clone returns a deep copy so callers can build a candidate state without touching the original.
func (p *Payout) Clone() *Payout {
	if p == nil {
		return nil
	}
	c := *p
	if p.ProviderRef != nil {
		ref := *p.ProviderRef
		c.ProviderRef = &ref
	}
	if p.LastAttemptAt != nil {
		t := *p.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if p.NextRetryAt != nil {
		t := *p.NextRetryAt
		c.NextRetryAt = &t
	}
	c.ProviderResponse = cloneMap(p.ProviderResponse)
	c.MetaData = cloneMap(p.MetaData)
	return &c
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// PayoutFilter narrows admin listings. Zero values are ignored.
type PayoutFilter struct {
	Status        PayoutStatus `json:"status,omitempty"`
	Provider      string       `json:"provider,omitempty"`
	TransactionID string       `json:"transaction_id,omitempty"`
	ExternalRef   string       `json:"external_ref,omitempty"`
	CreatedAfter  *time.Time   `json:"created_after,omitempty"`
	CreatedBefore *time.Time   `json:"created_before,omitempty"`
	Limit         int          `json:"limit,omitempty"`
	Offset        int          `json:"offset,omitempty"`
}
