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

	"github.com/blnkfinance/payouts/api/model"
	"github.com/gin-gonic/gin"
)

// RunReconciliation runs one reconciliation pass inline and returns its report.
// A pass already running elsewhere answers 409.
func (a Api) RunReconciliation(c *gin.Context) {
	report, err := a.payouts.RunReconciliation(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a Api) ListReconcileReports(c *gin.Context) {
	var query model.ReportQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reports, err := a.payouts.ListReconcileReports(c.Request.Context(), query.Limit, query.Offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reports)
}

func (a Api) GetReconcileReport(c *gin.Context) {
	report, err := a.payouts.GetReconcileReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
