package provider

import (
	"context"
	"fmt"
	"testing"

	"github.com/blnkfinance/payouts/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		res  *Result
		want bool
	}{
		{"explicit true wins", &Result{Outcome: model.PayoutStatusFailed, Retryable: Bool(true), Payload: map[string]interface{}{"status_code": 400}}, true},
		{"explicit false wins", &Result{Outcome: model.PayoutStatusFailed, Retryable: Bool(false), Payload: map[string]interface{}{"status_code": 503}}, false},
		{"timeout", &Result{Outcome: model.PayoutStatusFailed, Payload: map[string]interface{}{"timeout": true}}, true},
		{"429", &Result{Outcome: model.PayoutStatusFailed, Payload: map[string]interface{}{"status_code": 429}}, true},
		{"decoded 502", &Result{Outcome: model.PayoutStatusFailed, Payload: map[string]interface{}{"status_code": float64(502)}}, true},
		{"string 504", &Result{Outcome: model.PayoutStatusFailed, Payload: map[string]interface{}{"status_code": "504"}}, true},
		{"400 terminal", &Result{Outcome: model.PayoutStatusFailed, Payload: map[string]interface{}{"status_code": 400}}, false},
		{"501 terminal", &Result{Outcome: model.PayoutStatusFailed, Payload: map[string]interface{}{"status_code": 501}}, false},
		{"no code terminal", &Result{Outcome: model.PayoutStatusFailed, Payload: map[string]interface{}{}}, false},
		{"sent is never retryable failure", &Result{Outcome: model.PayoutStatusSent, Payload: map[string]interface{}{"status_code": 503}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.res))
		})
	}
}

func TestNormalize(t *testing.T) {
	res := Normalize(nil, errors.Wrap(context.DeadlineExceeded, "request failed"))
	assert.Equal(t, model.PayoutStatusFailed, res.Outcome)
	assert.Equal(t, true, res.Payload["timeout"])
	assert.True(t, IsRetryable(res))

	res = Normalize(nil, fmt.Errorf("wrapped: %w", &HTTPError{StatusCode: 429, Body: "slow down"}))
	assert.Equal(t, 429, res.Payload["status_code"])
	assert.Equal(t, "slow down", res.Payload["body"])

	res = Normalize(&Result{Outcome: model.PayoutStatusPending, ProviderRef: "X"}, nil)
	assert.Equal(t, model.PayoutStatusFailed, res.Outcome)
	assert.Equal(t, "X", res.ProviderRef)

	res = Normalize(nil, nil)
	assert.Equal(t, model.PayoutStatusFailed, res.Outcome)

	res = Normalize(&Result{Outcome: model.PayoutStatusSent, ProviderRef: "X"}, nil)
	assert.Equal(t, model.PayoutStatusSent, res.Outcome)
	assert.NotNil(t, res.Payload)
}

func TestMapStatus(t *testing.T) {
	mapping := ResponseMapping{ConfirmedValues: []string{"TS"}, FailedValues: []string{"TF", "completed"}}

	status, ok := MapStatus("ts", mapping)
	require.True(t, ok)
	assert.Equal(t, model.PayoutStatusConfirmed, status)

	status, ok = MapStatus("completed", mapping)
	require.True(t, ok)
	assert.Equal(t, model.PayoutStatusFailed, status, "configured values take precedence")

	status, ok = MapStatus(" SUCCESSFUL ", ResponseMapping{})
	require.True(t, ok)
	assert.Equal(t, model.PayoutStatusConfirmed, status)

	status, ok = MapStatus("processing", ResponseMapping{})
	require.True(t, ok)
	assert.Equal(t, model.PayoutStatusSent, status)

	_, ok = MapStatus("weird", ResponseMapping{})
	assert.False(t, ok)
	_, ok = MapStatus("", ResponseMapping{})
	assert.False(t, ok)
}

func TestGetNestedValue(t *testing.T) {
	data := map[string]interface{}{"data": map[string]interface{}{"tx": map[string]interface{}{"id": "A"}}}
	assert.Equal(t, "A", GetNestedValue(data, "data.tx.id"))
	assert.Nil(t, GetNestedValue(data, "data.missing.id"))
	assert.Nil(t, GetNestedValue(data, ""))
}

func TestSandboxAdapter(t *testing.T) {
	sbx := NewSandboxAdapter("")
	assert.Equal(t, "sandbox", sbx.Name())

	p := testPayout()
	res, err := sbx.Send(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusSent, res.Outcome)
	assert.Contains(t, res.ProviderRef, "sbx_")

	p.DestinationPhone = "+256700000999"
	res, err = sbx.Send(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusConfirmed, res.Outcome)

	p.DestinationPhone = "+256700000000"
	res = Normalize(sbx.Send(context.Background(), p))
	assert.Equal(t, model.PayoutStatusFailed, res.Outcome)
	assert.False(t, IsRetryable(res))

	p.DestinationPhone = "+256700000503"
	res = Normalize(sbx.Send(context.Background(), p))
	assert.True(t, IsRetryable(res))

	_, err = sbx.CheckStatus(context.Background(), testPayout())
	assert.ErrorIs(t, err, ErrNoProviderRef)
}
