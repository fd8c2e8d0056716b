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
	"fmt"
	"time"
)

// ErrProviderRefRequired is returned when a payout would be confirmed without a provider reference.
var ErrProviderRefRequired = errors.New("confirming a payout requires a provider reference")

// MetaReflessConfirm marks payouts confirmed without a provider reference.
const MetaReflessConfirm = "refless_confirm"

// ErrProviderRefMismatch is returned when a change carries a provider reference different from the stored one.
var ErrProviderRefMismatch = errors.New("provider reference does not match the stored reference")

var allowedTransitions = map[PayoutStatus]map[PayoutStatus]bool{
	PayoutStatusPending: {
		PayoutStatusSent:   true,
		PayoutStatusFailed: true,
	},
	PayoutStatusSent: {
		PayoutStatusSent:      true,
		PayoutStatusConfirmed: true,
		PayoutStatusFailed:    true,
	},
}

// TransitionOptions unlock edges that are never taken automatically.
type TransitionOptions struct {
	// AllowReflessConfirm permits CONFIRMED without a provider reference.
	AllowReflessConfirm bool
	// OperatorRetry permits FAILED -> PENDING.
	OperatorRetry bool
	// TerminalOverride permits FAILED -> CONFIRMED when a replayed provider callback proves success.
	TerminalOverride bool
}

type InvalidTransitionError struct {
	PayoutID string
	From     PayoutStatus
	To       PayoutStatus
	Err      error
}

func (e *InvalidTransitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid transition %s -> %s for payout %s: %v", e.From, e.To, e.PayoutID, e.Err)
	}
	return fmt.Sprintf("invalid transition %s -> %s for payout %s", e.From, e.To, e.PayoutID)
}

func (e *InvalidTransitionError) Unwrap() error {
	return e.Err
}

// IsInvalidTransition reports whether err was raised by the state machine.
func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}

// CanTransition reports whether a single edge from -> to is allowed under opts.
func CanTransition(from, to PayoutStatus, opts TransitionOptions) bool {
	if allowedTransitions[from][to] {
		return true
	}
	switch {
	case opts.OperatorRetry && from == PayoutStatusFailed && to == PayoutStatusPending:
		return true
	case opts.TerminalOverride && from == PayoutStatusFailed && to == PayoutStatusConfirmed:
		return true
	}
	return false
}

// transitionPath returns the edges walked to get from -> to. A PENDING payout
// confirmed in one step passes through SENT.
func transitionPath(from, to PayoutStatus, opts TransitionOptions) ([]PayoutStatus, bool) {
	if CanTransition(from, to, opts) {
		return []PayoutStatus{to}, true
	}
	if from == PayoutStatusPending && to == PayoutStatusConfirmed {
		return []PayoutStatus{PayoutStatusSent, PayoutStatusConfirmed}, true
	}
	return nil, false
}

// ValidateTransition checks that to is reachable from from.
func ValidateTransition(from, to PayoutStatus, opts TransitionOptions) error {
	if _, ok := transitionPath(from, to, opts); !ok {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// StatusChange describes the outcome to be written onto a payout.
type StatusChange struct {
	To           PayoutStatus
	At           time.Time
	ProviderRef  string
	CountAttempt bool
	Retryable    bool
	NextRetryAt  *time.Time
	LastError    string
	Response     map[string]interface{}
	// Meta is merged into the payout's meta data.
	Meta map[string]interface{}
}

// ApplyTransition validates change against the lifecycle and returns the payout
// as it should be persisted. The input payout is never modified.
func ApplyTransition(p *Payout, change StatusChange, opts TransitionOptions) (*Payout, error) {
	if p == nil {
		return nil, errors.New("payout is nil")
	}
	if _, ok := transitionPath(p.Status, change.To, opts); !ok {
		return nil, &InvalidTransitionError{PayoutID: p.PayoutID, From: p.Status, To: change.To}
	}

	next := p.Clone()

	if change.ProviderRef != "" {
		if next.HasProviderRef() && next.ProviderRefValue() != change.ProviderRef {
			return nil, &InvalidTransitionError{PayoutID: p.PayoutID, From: p.Status, To: change.To, Err: ErrProviderRefMismatch}
		}
		ref := change.ProviderRef
		next.ProviderRef = &ref
	}

	if change.To == PayoutStatusConfirmed && !next.HasProviderRef() {
		if !opts.AllowReflessConfirm {
			return nil, &InvalidTransitionError{PayoutID: p.PayoutID, From: p.Status, To: change.To, Err: ErrProviderRefRequired}
		}
		if next.MetaData == nil {
			next.MetaData = map[string]interface{}{}
		}
		next.MetaData[MetaReflessConfirm] = true
	}

	if change.CountAttempt {
		next.AttemptCount++
		at := change.At
		next.LastAttemptAt = &at
	}

	switch {
	case change.To == PayoutStatusConfirmed:
		next.Retryable = false
		next.NextRetryAt = nil
		next.LastError = ""
	case change.To.IsTerminal():
		next.Retryable = change.Retryable
		next.NextRetryAt = nil
	case change.To == PayoutStatusPending && p.Status == PayoutStatusFailed:
		next.Retryable = true
		next.NextRetryAt = nil
		next.RetryBaseline = next.AttemptCount
	default:
		next.Retryable = change.Retryable
		next.NextRetryAt = nil
		if change.Retryable && change.NextRetryAt != nil {
			t := *change.NextRetryAt
			next.NextRetryAt = &t
		}
	}

	if change.LastError != "" && change.To != PayoutStatusConfirmed {
		next.LastError = change.LastError
	}
	if change.Response != nil {
		next.ProviderResponse = change.Response
	}
	if len(change.Meta) > 0 {
		if next.MetaData == nil {
			next.MetaData = map[string]interface{}{}
		}
		for k, v := range change.Meta {
			next.MetaData[k] = v
		}
	}

	next.Status = change.To
	next.UpdatedAt = change.At
	return next, nil
}
