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
	"strings"

	"github.com/blnkfinance/payouts/model"
)

type CreatePayout struct {
	TransactionID    string                 `json:"transaction_id"`
	ExternalRef      string                 `json:"external_ref"`
	Provider         string                 `json:"provider"`
	DestinationPhone string                 `json:"destination_phone"`
	Amount           int64                  `json:"amount"`
	Currency         string                 `json:"currency"`
	MetaData         map[string]interface{} `json:"meta_data"`
}

func (p *CreatePayout) ToPayout() model.Payout {
	return model.Payout{
		TransactionID:    p.TransactionID,
		ExternalRef:      strings.TrimSpace(p.ExternalRef),
		Provider:         p.Provider,
		DestinationPhone: p.DestinationPhone,
		Amount:           p.Amount,
		Currency:         p.Currency,
		MetaData:         p.MetaData,
	}
}

type RetryPayout struct {
	Force bool `json:"force"`
}

type ForceConfirm struct {
	ProviderRef  string `json:"provider_ref"`
	AllowRefless bool   `json:"allow_refless"`
	Reason       string `json:"reason"`
}

type ForceFail struct {
	Reason string `json:"reason"`
}

type ReplayWebhookEvent struct {
	Override bool `json:"override"`
}

// PayoutQuery is the query string accepted by GET /payouts.
type PayoutQuery struct {
	Status        string `form:"status"`
	Provider      string `form:"provider"`
	TransactionID string `form:"transaction_id"`
	ExternalRef   string `form:"external_ref"`
	CreatedAfter  string `form:"created_after"`
	CreatedBefore string `form:"created_before"`
	Limit         int    `form:"limit"`
	Offset        int    `form:"offset"`
}

// ToFilter converts a validated query into a store filter.
func (q *PayoutQuery) ToFilter() model.PayoutFilter {
	filter := model.PayoutFilter{
		Provider:      strings.TrimSpace(q.Provider),
		TransactionID: strings.TrimSpace(q.TransactionID),
		ExternalRef:   strings.TrimSpace(q.ExternalRef),
		CreatedAfter:  parseOptionalTime(q.CreatedAfter),
		CreatedBefore: parseOptionalTime(q.CreatedBefore),
		Limit:         q.Limit,
		Offset:        q.Offset,
	}
	if q.Status != "" {
		filter.Status = normalizeStatus(q.Status)
	}
	return filter
}

type ReportQuery struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}
