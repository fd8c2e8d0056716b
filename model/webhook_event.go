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

const (
	IgnoreReasonPayoutNotFound     = "PAYOUT_NOT_FOUND"
	IgnoreReasonUnrecognisedStatus = "UNRECOGNISED_STATUS"
	IgnoreReasonAlreadyPrefix      = "ALREADY_"
)

// AlreadyTerminalReason returns the ignore reason recorded for callbacks on settled payouts.
func AlreadyTerminalReason(status PayoutStatus) string {
	return IgnoreReasonAlreadyPrefix + string(status)
}

// WebhookEvent is the audit record written for every inbound provider callback,
// whether it was applied, ignored or rejected.
type WebhookEvent struct {
	EventID        string                 `json:"event_id"`
	Provider       string                 `json:"provider"`
	CorrelationID  string                 `json:"correlation_id"`
	Headers        map[string][]string    `json:"headers"`
	RawBody        string                 `json:"raw_body"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	SignatureValid bool                   `json:"signature_valid"`
	SignatureError string                 `json:"signature_error,omitempty"`
	ProviderRef    string                 `json:"provider_ref,omitempty"`
	ExternalRef    string                 `json:"external_ref,omitempty"`
	ReportedStatus string                 `json:"reported_status,omitempty"`
	PayoutID       string                 `json:"payout_id,omitempty"`
	StatusBefore   PayoutStatus           `json:"status_before,omitempty"`
	StatusAfter    PayoutStatus           `json:"status_after,omitempty"`
	Applied        bool                   `json:"applied"`
	Ignored        bool                   `json:"ignored"`
	IgnoreReason   string                 `json:"ignore_reason,omitempty"`
	ProcessingErr  string                 `json:"processing_error,omitempty"`
	HTTPStatus     int                    `json:"http_status"`
	ReplayOf       string                 `json:"replay_of,omitempty"`
	ReceivedAt     time.Time              `json:"received_at"`
}
