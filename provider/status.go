package provider

import (
	"strings"

	"github.com/blnkfinance/payouts/model"
)

var (
	defaultConfirmedValues = []string{"success", "successful", "succeeded", "completed", "complete", "confirmed", "paid", "settled", "delivered"}
	defaultFailedValues    = []string{"failed", "failure", "declined", "rejected", "cancelled", "canceled", "reversed", "expired", "error"}
	defaultSentValues      = []string{"pending", "processing", "queued", "in_progress", "sent", "accepted", "submitted", "initiated"}
)

// MapStatus translates a provider status string to a canonical outcome.
// Values configured for the provider take precedence over the built-in vocabulary.
func MapStatus(raw string, mapping ResponseMapping) (model.PayoutStatus, bool) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return "", false
	}

	configured := []struct {
		values []string
		status model.PayoutStatus
	}{
		{mapping.ConfirmedValues, model.PayoutStatusConfirmed},
		{mapping.FailedValues, model.PayoutStatusFailed},
		{mapping.SentValues, model.PayoutStatusSent},
		{defaultConfirmedValues, model.PayoutStatusConfirmed},
		{defaultFailedValues, model.PayoutStatusFailed},
		{defaultSentValues, model.PayoutStatusSent},
	}
	for _, c := range configured {
		for _, v := range c.values {
			if strings.ToLower(v) == value {
				return c.status, true
			}
		}
	}
	return "", false
}

// GetNestedValue walks a dotted path through decoded JSON.
func GetNestedValue(data map[string]interface{}, path string) interface{} {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	current := interface{}(data)

	for _, part := range parts {
		if m, ok := current.(map[string]interface{}); ok {
			current = m[part]
		} else {
			return nil
		}
	}

	return current
}
