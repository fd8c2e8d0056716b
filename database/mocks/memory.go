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

package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blnkfinance/payouts/database"
	"github.com/blnkfinance/payouts/internal/apierror"
	"github.com/blnkfinance/payouts/model"
)

// MemoryDataSource is an in-memory IDataSource. Leases behave like the
// Postgres ones: claimed rows are skipped by other leases, LockPayout waits,
// writes become visible on commit and Isolate undoes only its own writes.
type MemoryDataSource struct {
	mu      sync.Mutex
	payouts map[string]*model.Payout
	order   []string
	events  []*model.WebhookEvent
	reports []*model.ReconcileReport
	leased  map[string]*memoryLease

	// Errors makes the named method fail once with the given error.
	Errors map[string]error
}

var _ database.IDataSource = (*MemoryDataSource)(nil)

func NewMemoryDataSource() *MemoryDataSource {
	return &MemoryDataSource{
		payouts: map[string]*model.Payout{},
		leased:  map[string]*memoryLease{},
		Errors:  map[string]error{},
	}
}

// Seed stores payouts as committed rows.
func (m *MemoryDataSource) Seed(payouts ...*model.Payout) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range payouts {
		if _, exists := m.payouts[p.PayoutID]; !exists {
			m.order = append(m.order, p.PayoutID)
		}
		m.payouts[p.PayoutID] = p.Clone()
	}
}

// Payout returns the committed row for id, or nil.
func (m *MemoryDataSource) Payout(id string) *model.Payout {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payouts[id].Clone()
}

// WebhookEvents returns every committed event in insertion order.
func (m *MemoryDataSource) WebhookEvents() []*model.WebhookEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.WebhookEvent, 0, len(m.events))
	for _, e := range m.events {
		c := *e
		out = append(out, &c)
	}
	return out
}

func (m *MemoryDataSource) Reports() []*model.ReconcileReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.ReconcileReport(nil), m.reports...)
}

func (m *MemoryDataSource) takeErr(method string) error {
	err, ok := m.Errors[method]
	if !ok {
		return nil
	}
	delete(m.Errors, method)
	return err
}

func (m *MemoryDataSource) CreatePayout(_ context.Context, p *model.Payout) (*model.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr("CreatePayout"); err != nil {
		return nil, err
	}
	for _, existing := range m.payouts {
		if existing.TransactionID == p.TransactionID {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "payout already exists for this transaction", nil)
		}
	}
	m.order = append(m.order, p.PayoutID)
	m.payouts[p.PayoutID] = p.Clone()
	return p, nil
}

func (m *MemoryDataSource) GetPayout(_ context.Context, id string) (*model.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr("GetPayout"); err != nil {
		return nil, err
	}
	p, ok := m.payouts[id]
	if !ok {
		return nil, notFound(id)
	}
	return p.Clone(), nil
}

func (m *MemoryDataSource) ListPayouts(_ context.Context, filter model.PayoutFilter) ([]*model.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Payout
	for i := len(m.order) - 1; i >= 0; i-- {
		p := m.payouts[m.order[i]]
		switch {
		case filter.Status != "" && p.Status != filter.Status:
		case filter.Provider != "" && p.Provider != filter.Provider:
		case filter.TransactionID != "" && p.TransactionID != filter.TransactionID:
		case filter.ExternalRef != "" && p.ExternalRef != filter.ExternalRef:
		case filter.CreatedAfter != nil && p.CreatedAt.Before(*filter.CreatedAfter):
		case filter.CreatedBefore != nil && !p.CreatedAt.Before(*filter.CreatedBefore):
		default:
			out = append(out, p.Clone())
		}
	}
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if filter.Offset >= len(out) {
		return []*model.Payout{}, nil
	}
	out = out[filter.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryDataSource) ListStaleInFlight(_ context.Context, updatedBefore time.Time, limit int) ([]*model.Payout, error) {
	return m.selectCommitted(limit, func(p *model.Payout) bool {
		return (p.Status == model.PayoutStatusPending || p.Status == model.PayoutStatusSent) && !p.UpdatedAt.After(updatedBefore)
	}), nil
}

func (m *MemoryDataSource) ListConfirmedSince(_ context.Context, since time.Time, limit int) ([]*model.Payout, error) {
	return m.selectCommitted(limit, func(p *model.Payout) bool {
		return p.Status == model.PayoutStatusConfirmed && !p.UpdatedAt.Before(since)
	}), nil
}

func (m *MemoryDataSource) PayoutTransactionIDs(_ context.Context, transactionIDs []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[string]bool, len(transactionIDs))
	for _, id := range transactionIDs {
		wanted[id] = true
	}
	found := map[string]bool{}
	for _, p := range m.payouts {
		if wanted[p.TransactionID] {
			found[p.TransactionID] = true
		}
	}
	return found, nil
}

func (m *MemoryDataSource) selectCommitted(limit int, match func(*model.Payout) bool) []*model.Payout {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Payout
	for _, id := range m.order {
		if p := m.payouts[id]; match(p) {
			out = append(out, p.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryDataSource) RecordWebhookEvent(_ context.Context, event *model.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr("RecordWebhookEvent"); err != nil {
		return err
	}
	c := *event
	m.events = append(m.events, &c)
	return nil
}

func (m *MemoryDataSource) GetWebhookEvent(_ context.Context, id string) (*model.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.EventID == id {
			c := *e
			return &c, nil
		}
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("webhook event with ID '%s' not found", id), nil)
}

func (m *MemoryDataSource) GetWebhookEventsByPayout(_ context.Context, payoutID string) ([]*model.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.WebhookEvent{}
	for _, e := range m.events {
		if e.PayoutID == payoutID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryDataSource) RecordReconcileReport(_ context.Context, report *model.ReconcileReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr("RecordReconcileReport"); err != nil {
		return err
	}
	m.reports = append(m.reports, report)
	return nil
}

func (m *MemoryDataSource) GetReconcileReport(_ context.Context, id string) (*model.ReconcileReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reports {
		if r.ReportID == id {
			return r, nil
		}
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("reconciliation report with ID '%s' not found", id), nil)
}

func (m *MemoryDataSource) ListReconcileReports(_ context.Context, limit, offset int) ([]*model.ReconcileReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ReconcileReport
	for i := len(m.reports) - 1; i >= 0; i-- {
		out = append(out, m.reports[i])
	}
	if offset >= len(out) {
		return []*model.ReconcileReport{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryDataSource) WithLease(ctx context.Context, fn func(ctx context.Context, tx database.LeaseTx) error) error {
	m.mu.Lock()
	err := m.takeErr("WithLease")
	m.mu.Unlock()
	if err != nil {
		return err
	}

	l := &memoryLease{m: m, writes: map[string]*model.Payout{}, held: map[string]bool{}}
	err = fn(ctx, l)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range l.held {
		delete(m.leased, id)
	}
	if err != nil {
		return err
	}
	for id, p := range l.writes {
		m.payouts[id] = p
	}
	m.events = append(m.events, l.events...)
	return nil
}

type memoryLease struct {
	m      *MemoryDataSource
	writes map[string]*model.Payout
	events []*model.WebhookEvent
	held   map[string]bool
}

// current must be called with m.mu held.
func (l *memoryLease) current(id string) *model.Payout {
	if p, ok := l.writes[id]; ok {
		return p
	}
	return l.m.payouts[id]
}

func (l *memoryLease) claim(limit int, match func(*model.Payout) bool, less func(a, b *model.Payout) bool) []*model.Payout {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	var candidates []*model.Payout
	for _, id := range l.m.order {
		if owner, ok := l.m.leased[id]; ok && owner != l {
			continue
		}
		if p := l.current(id); match(p) {
			candidates = append(candidates, p)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return less(candidates[i], candidates[j]) })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*model.Payout, 0, len(candidates))
	for _, p := range candidates {
		l.m.leased[p.PayoutID] = l
		l.held[p.PayoutID] = true
		out = append(out, p.Clone())
	}
	return out
}

func (l *memoryLease) ClaimDuePending(_ context.Context, now time.Time, limit int) ([]*model.Payout, error) {
	return l.claim(limit, func(p *model.Payout) bool {
		return p.Status == model.PayoutStatusPending && (p.NextRetryAt == nil || !p.NextRetryAt.After(now))
	}, func(a, b *model.Payout) bool { return a.CreatedAt.Before(b.CreatedAt) }), nil
}

func (l *memoryLease) ClaimStaleSent(_ context.Context, now, updatedBefore time.Time, limit int) ([]*model.Payout, error) {
	return l.claim(limit, func(p *model.Payout) bool {
		return p.Status == model.PayoutStatusSent &&
			(p.NextRetryAt == nil || !p.NextRetryAt.After(now)) &&
			!p.UpdatedAt.After(updatedBefore)
	}, func(a, b *model.Payout) bool { return a.UpdatedAt.Before(b.UpdatedAt) }), nil
}

func (l *memoryLease) LockPayout(ctx context.Context, id string) (*model.Payout, error) {
	for {
		l.m.mu.Lock()
		p := l.current(id)
		if p == nil {
			l.m.mu.Unlock()
			return nil, notFound(id)
		}
		if owner, ok := l.m.leased[id]; !ok || owner == l {
			l.m.leased[id] = l
			l.held[id] = true
			c := p.Clone()
			l.m.mu.Unlock()
			return c, nil
		}
		l.m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (l *memoryLease) LockPayoutByRefs(ctx context.Context, provider, providerRef, externalRef string) (*model.Payout, error) {
	id := l.findByRefs(provider, providerRef, externalRef)
	if id == "" {
		return nil, nil
	}
	return l.LockPayout(ctx, id)
}

func (l *memoryLease) findByRefs(provider, providerRef, externalRef string) string {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if providerRef != "" {
		for _, id := range l.m.order {
			if p := l.current(id); p.Provider == provider && p.ProviderRefValue() == providerRef {
				return id
			}
		}
	}
	if externalRef != "" {
		for _, id := range l.m.order {
			if p := l.current(id); p.Provider == provider && p.ExternalRef == externalRef {
				return id
			}
		}
	}
	return ""
}

func (l *memoryLease) UpdatePayout(_ context.Context, p *model.Payout, expected model.PayoutStatus) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if err := l.m.takeErr("UpdatePayout"); err != nil {
		return err
	}
	current := l.current(p.PayoutID)
	if current == nil {
		return notFound(p.PayoutID)
	}
	if current.Status != expected {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("payout %s is no longer %s", p.PayoutID, expected), nil)
	}
	l.writes[p.PayoutID] = p.Clone()
	return nil
}

func (l *memoryLease) RecordWebhookEvent(_ context.Context, event *model.WebhookEvent) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if err := l.m.takeErr("RecordWebhookEvent"); err != nil {
		return err
	}
	c := *event
	l.events = append(l.events, &c)
	return nil
}

func (l *memoryLease) Isolate(_ context.Context, fn func() error) error {
	l.m.mu.Lock()
	writes := make(map[string]*model.Payout, len(l.writes))
	for id, p := range l.writes {
		writes[id] = p
	}
	events := len(l.events)
	l.m.mu.Unlock()

	if err := fn(); err != nil {
		l.m.mu.Lock()
		l.writes = writes
		l.events = l.events[:events]
		l.m.mu.Unlock()
		return err
	}
	return nil
}

func notFound(id string) error {
	return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("payout with ID '%s' not found", id), nil)
}
