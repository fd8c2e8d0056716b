// Package events publishes payout status changes to NATS.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/blnkfinance/payouts/model"
	"github.com/nats-io/nats.go"
)

// StatusEvent is the message published when a payout reaches a terminal state.
type StatusEvent struct {
	Event      string        `json:"event"`
	PayoutID   string        `json:"payout_id"`
	Status     string        `json:"status"`
	Payout     *model.Payout `json:"data"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// NewStatusEvent names the event after the payout's status, e.g. payout.confirmed.
func NewStatusEvent(p *model.Payout, at time.Time) StatusEvent {
	return StatusEvent{
		Event:      EventName(p.Status),
		PayoutID:   p.PayoutID,
		Status:     string(p.Status),
		Payout:     p,
		OccurredAt: at,
	}
}

func EventName(status model.PayoutStatus) string {
	switch status {
	case model.PayoutStatusConfirmed:
		return "payout.confirmed"
	case model.PayoutStatusFailed:
		return "payout.failed"
	case model.PayoutStatusSent:
		return "payout.sent"
	default:
		return "payout.pending"
	}
}

type Publisher interface {
	Publish(ctx context.Context, event StatusEvent) error
}

type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

type NatsPublisher struct {
	conn    conn
	subject string
}

// Connect dials the NATS server at url. Events go to subject with the event
// name appended, e.g. payouts.status.payout.confirmed.
func Connect(url, subject string) (*NatsPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("payouts"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NatsPublisher{conn: nc, subject: subject}, nil
}

func (p *NatsPublisher) Publish(_ context.Context, event StatusEvent) error {
	if p == nil || p.conn == nil {
		return nats.ErrConnectionClosed
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.subject+"."+event.Event, data)
}

func (p *NatsPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
