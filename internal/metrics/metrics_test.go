package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Register()
		Register()
	})
	assert.Error(t, prometheus.Register(PayoutsClaimedTotal), "already registered")
}

func TestCountersAccumulate(t *testing.T) {
	WebhookEventsTotal.WithLabelValues("mtn", "applied").Inc()
	WebhookEventsTotal.WithLabelValues("mtn", "applied").Inc()
	assert.Equal(t, float64(2), testutil.ToFloat64(WebhookEventsTotal.WithLabelValues("mtn", "applied")))
}
