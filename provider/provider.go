package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/blnkfinance/payouts/model"
)

// ErrNoProviderRef is returned when a status check is attempted for a payout
// the provider never acknowledged.
var ErrNoProviderRef = errors.New("status check requires a provider reference")

// Result is the single shape every adapter reports in. Outcome is SENT,
// CONFIRMED or FAILED.
type Result struct {
	Outcome     model.PayoutStatus     `json:"outcome"`
	ProviderRef string                 `json:"provider_ref,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Retryable   *bool                  `json:"retryable,omitempty"`
}

type Adapter interface {
	Name() string
	Send(ctx context.Context, payout *model.Payout) (*Result, error)
	CheckStatus(ctx context.Context, payout *model.Payout) (*Result, error)
}

// HTTPError carries the status code of a failed provider call.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider returned error status %d: %s", e.StatusCode, e.Body)
}

var retryableStatusCodes = map[int]bool{
	408: true,
	425: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

const maxPayloadBody = 2048

// Normalize folds an adapter's return values into a Result. Transport errors
// become FAILED results carrying the status code or timeout flag.
func Normalize(res *Result, err error) *Result {
	if err != nil {
		out := &Result{
			Outcome: model.PayoutStatusFailed,
			Error:   err.Error(),
			Payload: map[string]interface{}{},
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			out.Payload["status_code"] = httpErr.StatusCode
			body := httpErr.Body
			if len(body) > maxPayloadBody {
				body = body[:maxPayloadBody]
			}
			out.Payload["body"] = body
		}
		if isTimeout(err) {
			out.Payload["timeout"] = true
		}
		return out
	}
	if res == nil {
		return &Result{Outcome: model.PayoutStatusFailed, Error: "provider returned no result", Payload: map[string]interface{}{}}
	}
	switch res.Outcome {
	case model.PayoutStatusSent, model.PayoutStatusConfirmed, model.PayoutStatusFailed:
	default:
		return &Result{
			Outcome:     model.PayoutStatusFailed,
			ProviderRef: res.ProviderRef,
			Error:       fmt.Sprintf("provider reported unsupported outcome %q", res.Outcome),
			Payload:     res.Payload,
		}
	}
	if res.Payload == nil {
		res.Payload = map[string]interface{}{}
	}
	return res
}

// IsRetryable classifies a FAILED result. An explicit adapter decision wins;
// otherwise timeouts and transient HTTP status codes are retryable.
func IsRetryable(res *Result) bool {
	if res == nil || res.Outcome != model.PayoutStatusFailed {
		return false
	}
	if res.Retryable != nil {
		return *res.Retryable
	}
	if timeout, ok := res.Payload["timeout"].(bool); ok && timeout {
		return true
	}
	code, ok := StatusCode(res.Payload["status_code"])
	return ok && retryableStatusCodes[code]
}

// IsRetryableStatusCode reports whether an HTTP status is worth retrying.
func IsRetryableStatusCode(code int) bool {
	return retryableStatusCodes[code]
}

// StatusCode reads an HTTP status code out of a diagnostic payload value.
func StatusCode(v interface{}) (int, bool) {
	switch c := v.(type) {
	case int:
		return c, true
	case int64:
		return int(c), true
	case float64:
		return int(c), true
	case json.Number:
		n, err := c.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(c)
		return n, err == nil
	}
	return 0, false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func Bool(b bool) *bool {
	return &b
}
