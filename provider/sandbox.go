package provider

import (
	"context"
	"strings"
	"time"

	"github.com/blnkfinance/payouts/model"
	"github.com/google/uuid"
)

// SandboxAdapter is an in-process provider for local runs and tests. The last
// digits of the destination phone pick the outcome:
//
//	...000 rejected, terminal
//	...503 provider unavailable, retryable
//	...999 confirmed immediately
//	anything else accepted and confirmed on the next status check
type SandboxAdapter struct {
	name  string
	Delay time.Duration
}

func NewSandboxAdapter(name string) *SandboxAdapter {
	if name == "" {
		name = "sandbox"
	}
	return &SandboxAdapter{name: name}
}

func (s *SandboxAdapter) Name() string {
	return s.name
}

func (s *SandboxAdapter) Send(ctx context.Context, payout *model.Payout) (*Result, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	phone := strings.TrimSpace(payout.DestinationPhone)
	switch {
	case strings.HasSuffix(phone, "000"):
		return &Result{
			Outcome:   model.PayoutStatusFailed,
			Error:     "destination wallet rejected the transfer",
			Payload:   map[string]interface{}{"status": "rejected", "status_code": 422},
			Retryable: Bool(false),
		}, nil
	case strings.HasSuffix(phone, "503"):
		return nil, &HTTPError{StatusCode: 503, Body: `{"error":"sandbox unavailable"}`}
	case strings.HasSuffix(phone, "999"):
		return &Result{
			Outcome:     model.PayoutStatusConfirmed,
			ProviderRef: "sbx_" + uuid.New().String(),
			Payload:     map[string]interface{}{"status": "completed", "status_code": 200},
		}, nil
	}

	return &Result{
		Outcome:     model.PayoutStatusSent,
		ProviderRef: "sbx_" + uuid.New().String(),
		Payload:     map[string]interface{}{"status": "processing", "status_code": 202},
	}, nil
}

func (s *SandboxAdapter) CheckStatus(ctx context.Context, payout *model.Payout) (*Result, error) {
	if !payout.HasProviderRef() {
		return nil, ErrNoProviderRef
	}
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return &Result{
		Outcome:     model.PayoutStatusConfirmed,
		ProviderRef: payout.ProviderRefValue(),
		Payload:     map[string]interface{}{"status": "completed", "status_code": 200},
	}, nil
}

func (s *SandboxAdapter) wait(ctx context.Context) error {
	if s.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(s.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
