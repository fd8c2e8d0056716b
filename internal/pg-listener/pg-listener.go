package pg_listener

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// PendingChannel is the channel the payouts trigger notifies on.
const PendingChannel = "payouts_pending"

type NotificationHandler interface {
	HandleNotification(table string, data map[string]interface{}) error
}

type ListenerConfig struct {
	PgConnStr string
	Channel   string
	// Interval is how long to wait for a notification before pinging the connection.
	Interval time.Duration
	// Timeout is the longest reconnect backoff.
	Timeout time.Duration
}

type DBListener struct {
	config  ListenerConfig
	handler NotificationHandler
}

type NotificationPayload struct {
	Table string                 `json:"table"`
	Data  map[string]interface{} `json:"data"`
}

func NewDBListener(config ListenerConfig, handler NotificationHandler) *DBListener {
	if config.Channel == "" {
		config.Channel = PendingChannel
	}
	if config.Interval <= 0 {
		config.Interval = 90 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Minute
	}
	return &DBListener{
		config:  config,
		handler: handler,
	}
}

// Start listens until ctx is cancelled.
func (d *DBListener) Start(ctx context.Context) error {
	listener := pq.NewListener(d.config.PgConnStr, 10*time.Second, d.config.Timeout, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logrus.Warnf("postgres listener event %d: %v", ev, err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(d.config.Channel); err != nil {
		return err
	}
	logrus.Infof("listening for postgres notifications on channel %q", d.config.Channel)

	for {
		select {
		case <-ctx.Done():
			return nil
		case notification := <-listener.Notify:
			d.handleNotification(notification)
		case <-time.After(d.config.Interval):
			if err := listener.Ping(); err != nil {
				logrus.Warnf("postgres listener ping failed: %v", err)
			}
		}
	}
}

// handleNotification decodes one notification. pq sends nil after a
// reconnect; notifications may have been missed, so the handler still runs.
func (d *DBListener) handleNotification(notification *pq.Notification) {
	payload := NotificationPayload{Data: map[string]interface{}{}}
	if notification != nil && notification.Extra != "" {
		if err := json.Unmarshal([]byte(notification.Extra), &payload); err != nil {
			logrus.Errorf("error unmarshalling notification payload: %v", err)
			return
		}
	}

	if err := d.handler.HandleNotification(payload.Table, payload.Data); err != nil {
		logrus.Errorf("error handling notification: %v", err)
	}
}
