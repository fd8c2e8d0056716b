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

package notification

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/blnkfinance/payouts/config"
	"github.com/blnkfinance/payouts/internal/request"
	"github.com/blnkfinance/payouts/model"
	"github.com/sirupsen/logrus"
)

var slackClient = &http.Client{Timeout: 10 * time.Second}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

// Field is one labelled value in a Slack message.
type Field struct {
	Label string
	Value string
}

func buildSlackMessage(title string, fields []Field, at time.Time) slackMessage {
	msg := slackMessage{Blocks: []slackBlock{{
		Type: "header",
		Text: &slackText{Type: "plain_text", Text: title, Emoji: true},
	}}}
	for _, f := range fields {
		msg.Blocks = append(msg.Blocks, slackBlock{
			Type:   "section",
			Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%s", f.Label, f.Value)}},
		})
	}
	msg.Blocks = append(msg.Blocks, slackBlock{
		Type:   "section",
		Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%s", at.Format(time.RFC822))}},
	})
	return msg
}

// SlackNotification posts a block message to a Slack incoming webhook.
func SlackNotification(ctx context.Context, webhookURL, title string, fields []Field) error {
	if webhookURL == "" {
		return nil
	}
	_, err := request.PostJSON(ctx, slackClient, webhookURL, nil, buildSlackMessage(title, fields, time.Now()))
	return err
}

// NotifyError logs systemError and forwards it to Slack when a webhook is configured.
// Delivery happens in the background.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)

		conf, err := config.Fetch()
		if err != nil {
			logrus.Error(err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err = SlackNotification(ctx, conf.Notification.Slack.WebhookUrl, "Error From Payouts 🐞",
			[]Field{{Label: "Error", Value: systemError.Error()}})
		if err != nil {
			logrus.Errorf("slack notification failed: %v", err)
		}
	}(systemError)
}

// ReconciliationAlert builds the Slack fields for a report that found payouts
// the ledger never recorded. It returns false when there is nothing to alert on.
func ReconciliationAlert(report *model.ReconcileReport) ([]Field, bool) {
	missing := report.Summary[model.DiscrepancyConfirmedMissingLedger]
	if missing == 0 {
		return nil, false
	}

	var ids []string
	for _, item := range report.Items {
		if item.Category == model.DiscrepancyConfirmedMissingLedger && len(ids) < 10 {
			ids = append(ids, item.PayoutID)
		}
	}

	fields := []Field{
		{Label: "Report", Value: report.ReportID},
		{Label: "Confirmed payouts missing ledger postings", Value: fmt.Sprintf("%d", missing)},
		{Label: "Payouts", Value: strings.Join(ids, ", ")},
	}
	for _, category := range model.DiscrepancyCategories {
		if category == model.DiscrepancyConfirmedMissingLedger {
			continue
		}
		fields = append(fields, Field{Label: string(category), Value: fmt.Sprintf("%d", report.Summary[category])})
	}
	if report.ArchiveURL != "" {
		fields = append(fields, Field{Label: "Archive", Value: report.ArchiveURL})
	}
	return fields, true
}

// NotifyReconciliation sends a Slack alert when report holds confirmed payouts
// without ledger postings.
func NotifyReconciliation(ctx context.Context, webhookURL string, report *model.ReconcileReport) error {
	fields, ok := ReconciliationAlert(report)
	if !ok {
		return nil
	}
	return SlackNotification(ctx, webhookURL, "Payout reconciliation discrepancies 🚨", fields)
}
