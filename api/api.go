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

package api

import (
	"net/http"

	"github.com/blnkfinance/payouts"
	"github.com/blnkfinance/payouts/api/middleware"
	"github.com/blnkfinance/payouts/config"
	"github.com/blnkfinance/payouts/internal/apierror"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type Api struct {
	payouts *payouts.Payouts
	router  *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	webhooks := router.Group("/webhooks")
	webhooks.Use(middleware.ProviderRateLimit(a.conf()))
	webhooks.POST("/:provider", a.ReceiveWebhook)

	router.POST("/payouts", a.CreatePayout)
	router.GET("/payouts", a.ListPayouts)
	router.GET("/payouts/:id", a.GetPayout)
	router.POST("/payouts/:id/retry", a.RetryPayout)
	router.POST("/payouts/:id/force-confirm", a.ForceConfirm)
	router.POST("/payouts/:id/force-fail", a.ForceFail)
	router.GET("/payouts/:id/webhook-events", a.GetPayoutWebhookEvents)

	router.GET("/webhook-events/:id", a.GetWebhookEvent)
	router.POST("/webhook-events/:id/replay", a.ReplayWebhookEvent)

	router.POST("/reconciliation/run", a.RunReconciliation)
	router.GET("/reconciliation/reports", a.ListReconcileReports)
	router.GET("/reconciliation/reports/:id", a.GetReconcileReport)

	return a.router
}

func (a Api) conf() *config.Configuration {
	conf, err := config.Fetch()
	if err != nil {
		return &config.Configuration{}
	}
	return conf
}

// NewAPI builds the gin engine with tracing, rate limiting and key auth in front
// of every route. It returns nil when the configuration has not been loaded.
func NewAPI(p *payouts.Payouts) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(conf.ProjectName))
	r.Use(middleware.CorrelationID())
	r.Use(middleware.RateLimitMiddleware(conf))
	r.Use(middleware.Authenticate())

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &Api{payouts: p, router: r}
}

// respondError writes err with the status its API error code maps to.
func respondError(c *gin.Context, err error) {
	status := apierror.MapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logrus.WithField("path", c.FullPath()).Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
