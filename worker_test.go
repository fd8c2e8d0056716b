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

package payouts

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/blnkfinance/payouts/model"
	"github.com/blnkfinance/payouts/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_SendAcknowledgedWithReference(t *testing.T) {
	h := newHarness(t, nil)
	p := payoutFixture("1")
	p.DestinationPhone = "+1000"
	h.ds.Seed(p)
	h.adapter.queueSend(&provider.Result{Outcome: model.PayoutStatusSent, ProviderRef: "R1"}, nil)

	result, err := NewPayoutWorker(h.payouts).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Claimed)
	assert.Equal(t, 1, result.Sent)

	got := h.ds.Payout("1")
	assert.Equal(t, model.PayoutStatusSent, got.Status)
	assert.Equal(t, "R1", got.ProviderRefValue())
	assert.Equal(t, 1, got.AttemptCount)
	assert.Nil(t, got.NextRetryAt)
	assert.False(t, got.Retryable)
	require.NotNil(t, got.LastAttemptAt)
	assert.Equal(t, testNow, *got.LastAttemptAt)
	assert.Empty(t, h.notifier.sent())
}

func TestWorker_ConfirmedOnSendNotifies(t *testing.T) {
	h := newHarness(t, nil)
	h.ds.Seed(payoutFixture("1"))
	h.adapter.queueSend(&provider.Result{Outcome: model.PayoutStatusConfirmed, ProviderRef: "R1"}, nil)

	_, err := NewPayoutWorker(h.payouts).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.PayoutStatusConfirmed, h.ds.Payout("1").Status)
	sent := h.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "payout.confirmed", sent[0].Event)
	assert.Equal(t, "1", sent[0].PayoutID)
}

func TestWorker_MissingPhoneIsACountedAttempt(t *testing.T) {
	h := newHarness(t, nil)
	p := payoutFixture("1")
	p.DestinationPhone = ""
	h.ds.Seed(p)

	_, err := NewPayoutWorker(h.payouts).RunOnce(context.Background())
	require.NoError(t, err)

	got := h.ds.Payout("1")
	assert.Equal(t, model.PayoutStatusFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.False(t, got.Retryable)
	assert.Equal(t, "destination phone is missing", got.LastError)
	assert.Zero(t, h.adapter.totalSends())

	sent := h.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "payout.failed", sent[0].Event)
}

func TestWorker_UnregisteredProviderIsNotAnAttempt(t *testing.T) {
	h := newHarness(t, nil)
	p := payoutFixture("1")
	p.Provider = "airtel"
	p.AttemptCount = 2
	h.ds.Seed(p)

	_, err := NewPayoutWorker(h.payouts).RunOnce(context.Background())
	require.NoError(t, err)

	got := h.ds.Payout("1")
	assert.Equal(t, model.PayoutStatusFailed, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Nil(t, got.LastAttemptAt)
	assert.False(t, got.Retryable)
	assert.Contains(t, got.LastError, "airtel")
}

func TestWorker_AttemptCeiling(t *testing.T) {
	h := newHarness(t, nil)
	p := payoutFixture("1")
	p.AttemptCount = 3
	h.ds.Seed(p)

	_, err := NewPayoutWorker(h.payouts).RunOnce(context.Background())
	require.NoError(t, err)

	got := h.ds.Payout("1")
	assert.Equal(t, model.PayoutStatusFailed, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	assert.False(t, got.Retryable)
	assert.Zero(t, h.adapter.totalSends())
}

func TestWorker_OperatorRetryGrantsFreshBudget(t *testing.T) {
	h := newHarness(t, nil)
	p := payoutFixture("1")
	p.Status = model.PayoutStatusPending
	p.AttemptCount = 3
	p.RetryBaseline = 3
	h.ds.Seed(p)

	_, err := NewPayoutWorker(h.payouts).RunOnce(context.Background())
	require.NoError(t, err)

	got := h.ds.Payout("1")
	assert.Equal(t, model.PayoutStatusSent, got.Status)
	assert.Equal(t, 4, got.AttemptCount)
}

func TestWorker_RetryableFailureSchedulesBackoff(t *testing.T) {
	h := newHarness(t, nil)
	h.ds.Seed(payoutFixture("1"))
	h.adapter.queueSend(nil, &provider.HTTPError{StatusCode: 503, Body: "unavailable"})

	result, err := NewPayoutWorker(h.payouts).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rescheduled)

	got := h.ds.Payout("1")
	assert.Equal(t, model.PayoutStatusSent, got.Status)
	assert.True(t, got.Retryable)
	assert.Equal(t, 1, got.AttemptCount)
	assert.False(t, got.HasProviderRef())
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, testNow.Add(30*time.Second), *got.NextRetryAt)
	assert.Contains(t, got.LastError, "503")
}

func TestWorker_TerminalFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.ds.Seed(payoutFixture("1"))
	h.adapter.queueSend(nil, &provider.HTTPError{StatusCode: 422, Body: "invalid msisdn"})

	_, err := NewPayoutWorker(h.payouts).RunOnce(context.Background())
	require.NoError(t, err)

	got := h.ds.Payout("1")
	assert.Equal(t, model.PayoutStatusFailed, got.Status)
	assert.False(t, got.Retryable)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestWorker_ExplicitRetryableFlagWins(t *testing.T) {
	h := newHarness(t, nil)
	h.ds.Seed(payoutFixture("1"))
	h.adapter.queueSend(&provider.Result{
		Outcome:   model.PayoutStatusFailed,
		Error:     "float exhausted",
		Retryable: provider.Bool(true),
		Payload:   map[string]interface{}{"status_code": 400},
	}, nil)

	_, err := NewPayoutWorker(h.payouts).RunOnce(context.Background())
	require.NoError(t, err)

	got := h.ds.Payout("1")
	assert.Equal(t, model.PayoutStatusSent, got.Status)
	assert.True(t, got.Retryable)
	assert.NotNil(t, got.NextRetryAt)
}

func TestWorker_BackoffGapsDoubleUntilCeiling(t *testing.T) {
	h := newHarness(t, nil)
	h.payouts.config.Worker.MaxAttempts = 5
	h.ds.Seed(payoutFixture("1"))
	worker := NewPayoutWorker(h.payouts)

	var gaps []time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		h.adapter.queueSend(nil, &provider.HTTPError{StatusCode: 503})
		result, err := worker.RunOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, result.Claimed, "attempt %d", attempt)

		got := h.ds.Payout("1")
		assert.Equal(t, attempt, got.AttemptCount)
		if got.Status == model.PayoutStatusFailed {
			break
		}
		require.NotNil(t, got.NextRetryAt)
		gaps = append(gaps, got.NextRetryAt.Sub(got.UpdatedAt))

		wait := *got.NextRetryAt
		if stale := got.UpdatedAt.Add(5 * time.Minute); stale.After(wait) {
			wait = stale
		}
		h.clock.Advance(wait.Sub(h.clock.Now()) + time.Second)
	}

	assert.Equal(t, []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 4 * time.Minute}, gaps)
	for i := 1; i < len(gaps); i++ {
		assert.Greater(t, gaps[i], gaps[i-1])
	}

	got := h.ds.Payout("1")
	assert.Equal(t, model.PayoutStatusFailed, got.Status)
	assert.True(t, got.Retryable, "exhausted retryable failures stay retryable for operators")
	assert.Zero(t, h.adapter.totalChecks(), "payouts without a reference are resent, never polled")
}

func TestWorker_StaleSentWithoutReferenceIsResent(t *testing.T) {
	h := newHarness(t, nil)
	h.ds.Seed(sentFixture("1", "", 10*time.Minute))
	h.adapter.queueSend(&provider.Result{Outcome: model.PayoutStatusSent, ProviderRef: "R9"}, nil)

	_, err := NewPayoutWorker(h.payouts).RunOnce(context.Background())
	require.NoError(t, err)

	got := h.ds.Payout("1")
	assert.Equal(t, model.PayoutStatusSent, got.Status)
	assert.Equal(t, "R9", got.ProviderRefValue())
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, 1, h.adapter.totalSends())
	assert.Zero(t, h.adapter.totalChecks())
}

func TestWorker_StaleSentWithReferenceIsPolled(t *testing.T) {
	h := newHarness(t, nil)
	h.ds.Seed(sentFixture("1", "R1", 10*time.Minute))
	h.adapter.queueCheck(&provider.Result{Outcome: model.PayoutStatusConfirmed, ProviderRef: "R1"}, nil)

	_, err := NewPayoutWorker(h.payouts).RunOnce(context.Background())
	require.NoError(t, err)

	got := h.ds.Payout("1")
	assert.Equal(t, model.PayoutStatusConfirmed, got.Status)
	assert.Equal(t, 1, got.AttemptCount, "a poll is not an attempt")
	assert.Zero(t, h.adapter.totalSends())
	assert.Equal(t, 1, h.adapter.totalChecks())
	require.Len(t, h.notifier.sent(), 1)
}

func TestWorker_StillInFlightPollRefreshesRow(t *testing.T) {
	h := newHarness(t, nil)
	h.ds.Seed(sentFixture("1", "R1", 10*time.Minute))

	_, err := NewPayoutWorker(h.payouts).RunOnce(context.Background())
	require.NoError(t, err)

	got := h.ds.Payout("1")
	assert.Equal(t, model.PayoutStatusSent, got.Status)
	assert.Equal(t, testNow, got.UpdatedAt)
	assert.Nil(t, got.NextRetryAt)

	// the refreshed row waits out another staleness window
	result, err := NewPayoutWorker(h.payouts).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Claimed)
}

func TestWorker_FreshSentIsLeftAlone(t *testing.T) {
	h := newHarness(t, nil)
	h.ds.Seed(sentFixture("1", "R1", time.Minute))

	result, err := NewPayoutWorker(h.payouts).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Claimed)
	assert.Zero(t, h.adapter.totalChecks())
}

func TestWorker_PollFailureKeepsPayoutInFlight(t *testing.T) {
	h := newHarness(t, nil)
	p := sentFixture("1", "R1", 10*time.Minute)
	p.AttemptCount = 3
	h.ds.Seed(p)
	h.adapter.queueCheck(nil, &provider.HTTPError{StatusCode: 502})

	_, err := NewPayoutWorker(h.payouts).RunOnce(context.Background())
	require.NoError(t, err)

	got := h.ds.Payout("1")
	assert.Equal(t, model.PayoutStatusSent, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	assert.True(t, got.Retryable)
	require.NotNil(t, got.NextRetryAt)
}

func TestWorker_InvariantViolationIsIsolated(t *testing.T) {
	h := newHarness(t, nil)
	first := payoutFixture("1")
	second := payoutFixture("2")
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	h.ds.Seed(first, second)

	// confirmed without any reference
	h.adapter.queueSend(&provider.Result{Outcome: model.PayoutStatusConfirmed}, nil)
	h.adapter.queueSend(&provider.Result{Outcome: model.PayoutStatusSent, ProviderRef: "R2"}, nil)

	result, err := NewPayoutWorker(h.payouts).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Errors)
	assert.Equal(t, 1, result.Sent)

	got := h.ds.Payout("1")
	assert.Equal(t, model.PayoutStatusPending, got.Status)
	assert.Zero(t, got.AttemptCount)

	assert.Equal(t, model.PayoutStatusSent, h.ds.Payout("2").Status)
}

func TestWorker_LeaseFailureReturnsError(t *testing.T) {
	h := newHarness(t, nil)
	h.ds.Seed(payoutFixture("1"))
	h.ds.Errors["WithLease"] = fmt.Errorf("connection refused")

	_, err := NewPayoutWorker(h.payouts).RunOnce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, model.PayoutStatusPending, h.ds.Payout("1").Status)
}

func TestWorker_ConcurrentPassesNeverShareAPayout(t *testing.T) {
	h := newHarness(t, nil)
	h.payouts.config.Worker.Concurrency = 4
	h.payouts.config.Worker.BatchSize = 5
	h.adapter.delay = 5 * time.Millisecond

	for i := 0; i < 20; i++ {
		p := payoutFixture(fmt.Sprintf("%02d", i))
		p.CreatedAt = p.CreatedAt.Add(time.Duration(i) * time.Second)
		h.ds.Seed(p)
	}

	result, err := NewPayoutWorker(h.payouts).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, result.Claimed)
	assert.Equal(t, 20, result.Sent)

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("%02d", i)
		assert.Equal(t, 1, h.adapter.sends[id], "payout %s", id)
		assert.Equal(t, 1, h.ds.Payout(id).AttemptCount)
	}
}

func TestWorker_StartStop(t *testing.T) {
	h := newHarness(t, nil)
	worker := NewPayoutWorker(h.payouts)
	assert.False(t, worker.IsRunning())

	worker.Start(context.Background())
	worker.Start(context.Background())
	assert.True(t, worker.IsRunning())

	worker.Stop()
	assert.False(t, worker.IsRunning())
	worker.Stop()
}

func TestWorker_NotificationWakesWorker(t *testing.T) {
	h := newHarness(t, nil)
	worker := NewPayoutWorker(h.payouts)
	worker.pollInterval = time.Hour
	worker.Start(context.Background())
	defer worker.Stop()

	h.ds.Seed(payoutFixture("1"))
	require.NoError(t, worker.HandleNotification("payouts", map[string]interface{}{"payout_id": "1"}))
	worker.Wake()

	assert.Eventually(t, func() bool {
		return h.ds.Payout("1").Status == model.PayoutStatusSent
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetryDelay(t *testing.T) {
	base := 30 * time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{5, 8 * time.Minute},
		{30, maxRetryDelay},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, retryDelay(base, tt.attempt))
		})
	}
}
