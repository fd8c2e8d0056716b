package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func TestCanTransition(t *testing.T) {
	none := TransitionOptions{}
	tests := []struct {
		from, to PayoutStatus
		opts     TransitionOptions
		want     bool
	}{
		{PayoutStatusPending, PayoutStatusSent, none, true},
		{PayoutStatusPending, PayoutStatusFailed, none, true},
		{PayoutStatusPending, PayoutStatusPending, none, false},
		{PayoutStatusPending, PayoutStatusConfirmed, none, false},
		{PayoutStatusSent, PayoutStatusSent, none, true},
		{PayoutStatusSent, PayoutStatusConfirmed, none, true},
		{PayoutStatusSent, PayoutStatusFailed, none, true},
		{PayoutStatusSent, PayoutStatusPending, none, false},
		{PayoutStatusConfirmed, PayoutStatusFailed, none, false},
		{PayoutStatusConfirmed, PayoutStatusConfirmed, none, false},
		{PayoutStatusFailed, PayoutStatusConfirmed, none, false},
		{PayoutStatusFailed, PayoutStatusPending, none, false},
		{PayoutStatusFailed, PayoutStatusPending, TransitionOptions{OperatorRetry: true}, true},
		{PayoutStatusFailed, PayoutStatusConfirmed, TransitionOptions{TerminalOverride: true}, true},
		{PayoutStatusConfirmed, PayoutStatusPending, TransitionOptions{OperatorRetry: true, TerminalOverride: true}, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to, tt.opts))
		})
	}
}

func TestValidateTransitionPendingToConfirmedGoesThroughSent(t *testing.T) {
	assert.NoError(t, ValidateTransition(PayoutStatusPending, PayoutStatusConfirmed, TransitionOptions{}))
	err := ValidateTransition(PayoutStatusConfirmed, PayoutStatusSent, TransitionOptions{})
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))
}

func TestApplyTransitionConfirmRequiresProviderRef(t *testing.T) {
	p := &Payout{PayoutID: "pay_1", Status: PayoutStatusSent}

	_, err := ApplyTransition(p, StatusChange{To: PayoutStatusConfirmed, At: fixedTime}, TransitionOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderRefRequired))
	assert.True(t, IsInvalidTransition(err))

	next, err := ApplyTransition(p, StatusChange{To: PayoutStatusConfirmed, At: fixedTime}, TransitionOptions{AllowReflessConfirm: true})
	require.NoError(t, err)
	assert.Equal(t, PayoutStatusConfirmed, next.Status)
	assert.False(t, next.HasProviderRef())
	assert.Equal(t, true, next.MetaData[MetaReflessConfirm])
	assert.Nil(t, p.MetaData)

	next, err = ApplyTransition(p, StatusChange{To: PayoutStatusConfirmed, At: fixedTime, ProviderRef: "MP123"}, TransitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "MP123", next.ProviderRefValue())
	assert.Equal(t, PayoutStatusSent, p.Status, "input payout must not change")
	assert.Nil(t, p.ProviderRef)
}

func TestApplyTransitionRejectsDifferentProviderRef(t *testing.T) {
	p := &Payout{PayoutID: "pay_1", Status: PayoutStatusSent, ProviderRef: strPtr("A")}
	_, err := ApplyTransition(p, StatusChange{To: PayoutStatusConfirmed, At: fixedTime, ProviderRef: "B"}, TransitionOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderRefMismatch))

	next, err := ApplyTransition(p, StatusChange{To: PayoutStatusConfirmed, At: fixedTime, ProviderRef: "A"}, TransitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "A", next.ProviderRefValue())
}

func TestApplyTransitionAttemptAccounting(t *testing.T) {
	p := &Payout{PayoutID: "pay_1", Status: PayoutStatusPending, AttemptCount: 1}

	next, err := ApplyTransition(p, StatusChange{To: PayoutStatusSent, At: fixedTime, CountAttempt: true}, TransitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, next.AttemptCount)
	require.NotNil(t, next.LastAttemptAt)
	assert.Equal(t, fixedTime, *next.LastAttemptAt)

	next, err = ApplyTransition(p, StatusChange{To: PayoutStatusFailed, At: fixedTime}, TransitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, next.AttemptCount)
	assert.Nil(t, next.LastAttemptAt)
}

func TestApplyTransitionRetrySchedule(t *testing.T) {
	retryAt := fixedTime.Add(time.Minute)
	p := &Payout{PayoutID: "pay_1", Status: PayoutStatusPending}

	next, err := ApplyTransition(p, StatusChange{
		To: PayoutStatusSent, At: fixedTime, Retryable: true, NextRetryAt: &retryAt, LastError: "503",
	}, TransitionOptions{})
	require.NoError(t, err)
	require.NotNil(t, next.NextRetryAt)
	assert.Equal(t, retryAt, *next.NextRetryAt)
	assert.True(t, next.Retryable)
	assert.Equal(t, "503", next.LastError)

	// a non-retryable change never keeps a schedule
	next, err = ApplyTransition(p, StatusChange{
		To: PayoutStatusSent, At: fixedTime, Retryable: false, NextRetryAt: &retryAt,
	}, TransitionOptions{})
	require.NoError(t, err)
	assert.Nil(t, next.NextRetryAt)

	// terminal states clear the schedule
	p = &Payout{PayoutID: "pay_1", Status: PayoutStatusSent, NextRetryAt: &retryAt, Retryable: true}
	next, err = ApplyTransition(p, StatusChange{To: PayoutStatusFailed, At: fixedTime, Retryable: true, NextRetryAt: &retryAt}, TransitionOptions{})
	require.NoError(t, err)
	assert.Nil(t, next.NextRetryAt)
	assert.True(t, next.Retryable)
}

func TestApplyTransitionConfirmedClearsError(t *testing.T) {
	p := &Payout{PayoutID: "pay_1", Status: PayoutStatusSent, ProviderRef: strPtr("X"), LastError: "timeout", Retryable: true}
	next, err := ApplyTransition(p, StatusChange{To: PayoutStatusConfirmed, At: fixedTime}, TransitionOptions{})
	require.NoError(t, err)
	assert.Empty(t, next.LastError)
	assert.False(t, next.Retryable)
	assert.Equal(t, fixedTime, next.UpdatedAt)
}

func TestApplyTransitionOperatorRetry(t *testing.T) {
	p := &Payout{PayoutID: "pay_1", Status: PayoutStatusFailed, AttemptCount: 5, LastError: "exhausted"}

	_, err := ApplyTransition(p, StatusChange{To: PayoutStatusPending, At: fixedTime}, TransitionOptions{})
	require.Error(t, err)

	next, err := ApplyTransition(p, StatusChange{To: PayoutStatusPending, At: fixedTime}, TransitionOptions{OperatorRetry: true})
	require.NoError(t, err)
	assert.Equal(t, PayoutStatusPending, next.Status)
	assert.Equal(t, 5, next.AttemptCount)
	assert.Equal(t, 5, next.RetryBaseline)
	assert.Equal(t, 0, next.AttemptsInBudget())
	assert.Nil(t, next.NextRetryAt)
	assert.Equal(t, "exhausted", next.LastError)
}

func TestApplyTransitionTerminalIsFinal(t *testing.T) {
	for _, status := range []PayoutStatus{PayoutStatusConfirmed, PayoutStatusFailed} {
		p := &Payout{PayoutID: "pay_1", Status: status, ProviderRef: strPtr("X")}
		for _, to := range PayoutStatuses {
			_, err := ApplyTransition(p, StatusChange{To: to, At: fixedTime}, TransitionOptions{})
			assert.Error(t, err, "%s -> %s", status, to)
		}
	}
}

func TestApplyTransitionMergesMeta(t *testing.T) {
	p := &Payout{PayoutID: "pay_1", Status: PayoutStatusSent, ProviderRef: strPtr("X"), MetaData: map[string]interface{}{"channel": "app"}}
	next, err := ApplyTransition(p, StatusChange{To: PayoutStatusFailed, At: fixedTime, Meta: map[string]interface{}{"reason": "ops"}}, TransitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "app", next.MetaData["channel"])
	assert.Equal(t, "ops", next.MetaData["reason"])
	assert.NotContains(t, p.MetaData, "reason")
}
