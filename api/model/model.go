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
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/blnkfinance/payouts/model"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var phoneNumber = regexp.MustCompile(`^\+?[1-9][0-9]{7,14}$`)

func payoutStatusRule(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := model.ParsePayoutStatus(s); err != nil {
		return errors.New("status must be one of PENDING, SENT, CONFIRMED, FAILED")
	}
	return nil
}

func validateDateFormat(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := time.Parse(time.RFC3339, s); err != nil {
		return errors.New("please format dates as RFC 3339 (e.g., 2025-03-14T09:00:00Z)")
	}
	return nil
}

func (p *CreatePayout) ValidateCreatePayout() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.TransactionID, validation.Required, validation.Length(1, 128)),
		validation.Field(&p.ExternalRef, validation.Length(0, 128)),
		validation.Field(&p.Provider, validation.Required),
		validation.Field(&p.DestinationPhone, validation.Match(phoneNumber).Error("must be an E.164 phone number")),
		validation.Field(&p.Amount, validation.Required, validation.Min(int64(1))),
		validation.Field(&p.Currency, validation.Required, validation.Length(3, 3)),
	)
}

func (r *ForceConfirm) ValidateForceConfirm() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.ProviderRef, validation.When(!r.AllowRefless, validation.Required.Error("is required unless allow_refless is set"))),
		validation.Field(&r.Reason, validation.Required),
	)
}

func (r *ForceFail) ValidateForceFail() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Reason, validation.Required),
	)
}

func (q *PayoutQuery) ValidatePayoutQuery() error {
	return validation.ValidateStruct(q,
		validation.Field(&q.Status, validation.By(payoutStatusRule)),
		validation.Field(&q.CreatedAfter, validation.By(validateDateFormat)),
		validation.Field(&q.CreatedBefore, validation.By(validateDateFormat)),
		validation.Field(&q.Limit, validation.Min(0), validation.Max(100)),
		validation.Field(&q.Offset, validation.Min(0)),
	)
}

func parseOptionalTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func normalizeStatus(value string) model.PayoutStatus {
	return model.PayoutStatus(strings.ToUpper(strings.TrimSpace(value)))
}
