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

package payouts

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/blnkfinance/payouts/config"
	"github.com/blnkfinance/payouts/internal/events"
	"github.com/blnkfinance/payouts/internal/request"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Notifier delivers payout status changes to the merchant.
type Notifier interface {
	Notify(ctx context.Context, event events.StatusEvent) error
}

// QueueNotifier enqueues notifications as asynq tasks so delivery is retried
// independently of the worker pass that produced them.
type QueueNotifier struct {
	client *asynq.Client
	queue  string
}

// NewQueueNotifier returns a notifier that writes to queue on the given redis.
func NewQueueNotifier(opt asynq.RedisConnOpt, queue string) *QueueNotifier {
	if queue == "" {
		queue = config.DEFAULT_NOTIFICATION_QUEUE
	}
	return &QueueNotifier{client: asynq.NewClient(opt), queue: queue}
}

// Notify enqueues event. Nothing is enqueued when no merchant webhook URL is configured.
func (n *QueueNotifier) Notify(ctx context.Context, event events.StatusEvent) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	task := asynq.NewTask(n.queue, payload, asynq.Queue(n.queue), asynq.MaxRetry(10), asynq.Timeout(30*time.Second))
	info, err := n.client.EnqueueContext(ctx, task)
	if err != nil {
		return err
	}
	logrus.WithField("payout_id", event.PayoutID).Debugf("payout notification enqueued as %s", info.ID)
	return nil
}

func (n *QueueNotifier) Close() error {
	return n.client.Close()
}

var notificationClient = &http.Client{Timeout: 30 * time.Second}

// ProcessStatusNotification is the asynq handler that POSTs a queued status
// event to the merchant webhook. A non-2xx answer fails the task so asynq retries it.
func ProcessStatusNotification(ctx context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	var event events.StatusEvent
	if err := json.Unmarshal(task.Payload(), &event); err != nil {
		logrus.Errorf("error unmarshaling notification payload: %v", err)
		return err
	}

	resp, err := request.PostJSON(ctx, notificationClient, conf.Notification.Webhook.Url, conf.Notification.Webhook.Headers, event)
	if err != nil {
		logrus.WithField("payout_id", event.PayoutID).Errorf("payout notification failed: %v", err)
		return err
	}
	logrus.WithField("payout_id", event.PayoutID).Infof("payout notification %s delivered with status %d", event.Event, resp.StatusCode)
	return nil
}
