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
	"github.com/blnkfinance/payouts/api/model"
	pmodel "github.com/blnkfinance/payouts/model"
	"github.com/gin-gonic/gin"
)

func webhookResponse(event *pmodel.WebhookEvent) gin.H {
	resp := gin.H{
		"event_id": event.EventID,
		"applied":  event.Applied,
		"ignored":  event.Ignored,
	}
	if event.IgnoreReason != "" {
		resp["ignore_reason"] = event.IgnoreReason
	}
	if event.PayoutID != "" {
		resp["payout_id"] = event.PayoutID
		resp["status"] = event.StatusAfter
	}
	if event.HTTPStatus >= http.StatusBadRequest {
		if event.SignatureError != "" && !event.SignatureValid {
			resp["error"] = event.SignatureError
		} else if event.ProcessingErr != "" {
			resp["error"] = event.ProcessingErr
		}
	}
	return resp
}

// ReceiveWebhook answers provider callbacks. The status code comes from the
// recorded event so providers only retry what is worth retrying.
func (a Api) ReceiveWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read request body"})
		return
	}

	event, err := a.payouts.IngestWebhook(c.Request.Context(), payouts.WebhookRequest{
		Provider:      c.Param("provider"),
		Headers:       c.Request.Header,
		Body:          body,
		CorrelationID: c.GetString(middleware.CorrelationKey),
	})
	if event == nil {
		respondError(c, err)
		return
	}
	status := event.HTTPStatus
	if status == 0 {
		status = http.StatusOK
		if err != nil {
			status = http.StatusInternalServerError
		}
	}
	c.JSON(status, webhookResponse(event))
}

func (a Api) GetWebhookEvent(c *gin.Context) {
	event, err := a.payouts.GetWebhookEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// ReplayWebhookEvent re-applies a stored callback and returns the new event.
func (a Api) ReplayWebhookEvent(c *gin.Context) {
	var req model.ReplayWebhookEvent
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	event, err := a.payouts.ReplayWebhookEvent(c.Request.Context(), c.Param("id"), req.Override)
	if event == nil {
		respondError(c, err)
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "event": event})
		return
	}
	c.JSON(http.StatusOK, event)
}
