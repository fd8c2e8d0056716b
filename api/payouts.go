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
	"github.com/blnkfinance/payouts/api/model"
	"github.com/gin-gonic/gin"
)

func (a Api) CreatePayout(c *gin.Context) {
	var newPayout model.CreatePayout
	if err := c.ShouldBindJSON(&newPayout); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := newPayout.ValidateCreatePayout(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.payouts.CreatePayout(c.Request.Context(), newPayout.ToPayout())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (a Api) GetPayout(c *gin.Context) {
	payout, err := a.payouts.GetPayout(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payout)
}

func (a Api) ListPayouts(c *gin.Context) {
	var query model.PayoutQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := query.ValidatePayoutQuery(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.payouts.ListPayouts(c.Request.Context(), query.ToFilter())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// RetryPayout moves a FAILED payout back to PENDING. An empty body is a plain retry.
func (a Api) RetryPayout(c *gin.Context) {
	var req model.RetryPayout
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	payout, err := a.payouts.RetryPayout(c.Request.Context(), c.Param("id"), req.Force)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payout)
}

func (a Api) ForceConfirm(c *gin.Context) {
	var req model.ForceConfirm
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.ValidateForceConfirm(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	payout, err := a.payouts.ForceConfirm(c.Request.Context(), c.Param("id"), payouts.ForceConfirmRequest{
		ProviderRef:  req.ProviderRef,
		AllowRefless: req.AllowRefless,
		Reason:       req.Reason,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payout)
}

func (a Api) ForceFail(c *gin.Context) {
	var req model.ForceFail
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.ValidateForceFail(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	payout, err := a.payouts.ForceFail(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payout)
}

func (a Api) GetPayoutWebhookEvents(c *gin.Context) {
	events, err := a.payouts.GetWebhookEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}
