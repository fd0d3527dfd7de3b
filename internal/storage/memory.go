package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"duewatch/internal/domain"
)

// Memory is a non-durable Store. It is safe for concurrent use.
type Memory struct {
	mu          sync.Mutex
	obligations map[string]domain.Obligation
	dispatches  map[string]domain.DispatchRecord
	plans       map[string]domain.PlanState
	contacts    map[string]domain.TenantContact
}

func NewMemory() *Memory {
	return &Memory{
		obligations: map[string]domain.Obligation{},
		dispatches:  map[string]domain.DispatchRecord{},
		plans:       map[string]domain.PlanState{},
		contacts:    map[string]domain.TenantContact{},
	}
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }
func (m *Memory) Close() error                   { return nil }

func (m *Memory) ListActiveObligations(ctx context.Context, pageToken string, limit int) ([]domain.Obligation, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.obligations))
	for id, ob := range m.obligations {
		if ob.Active && id > pageToken {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]domain.Obligation, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.obligations[id])
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (m *Memory) GetObligation(_ context.Context, id string) (domain.Obligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ob, ok := m.obligations[id]
	if !ok {
		return domain.Obligation{}, fmt.Errorf("obligation %s: %w", id, domain.ErrNotFound)
	}
	return ob, nil
}

func (m *Memory) PutObligation(_ context.Context, ob domain.Obligation) error {
	if strings.TrimSpace(ob.ID) == "" {
		return errors.New("obligation id is required")
	}
	if ob.CreatedAt.IsZero() {
		ob.CreatedAt = time.Now()
	}
	if ob.PaymentStatus == "" {
		ob.PaymentStatus = domain.PaymentPending
	}
	m.mu.Lock()
	if prev, ok := m.obligations[ob.ID]; ok {
		ob.CreatedAt = prev.CreatedAt
	}
	m.obligations[ob.ID] = ob
	m.mu.Unlock()
	return nil
}

func (m *Memory) UpdateNextDueDate(_ context.Context, id string, next, last time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ob, ok := m.obligations[id]
	if !ok {
		return fmt.Errorf("obligation %s: %w", id, domain.ErrNotFound)
	}
	ob.NextDueDate = next
	ob.LastDueDate = last
	m.obligations[id] = ob
	return nil
}

func (m *Memory) DeactivateExcess(_ context.Context, tenantID string, keep int) (int, error) {
	if keep < 0 {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var active []domain.Obligation
	for _, ob := range m.obligations {
		if ob.TenantID == tenantID && ob.Active {
			active = append(active, ob)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].ID < active[j].ID
	})
	n := 0
	for i := keep; i < len(active); i++ {
		ob := active[i]
		ob.Active = false
		m.obligations[ob.ID] = ob
		n++
	}
	return n, nil
}

func (m *Memory) ClaimDispatch(ctx context.Context, rec domain.DispatchRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if rec.OccasionKey == "" {
		return false, errors.New("occasion key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.dispatches[rec.OccasionKey]; exists {
		return false, nil
	}
	m.dispatches[rec.OccasionKey] = rec
	return true, nil
}

func (m *Memory) RecordDispatch(_ context.Context, rec domain.DispatchRecord) error {
	if rec.OccasionKey == "" {
		return errors.New("occasion key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.dispatches[rec.OccasionKey]; ok && !prev.AttemptedAt.IsZero() {
		rec.AttemptedAt = prev.AttemptedAt
	}
	m.dispatches[rec.OccasionKey] = rec
	return nil
}

func (m *Memory) GetDispatch(_ context.Context, key string) (domain.DispatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.dispatches[key]
	if !ok {
		return domain.DispatchRecord{}, fmt.Errorf("dispatch %s: %w", key, domain.ErrNotFound)
	}
	return rec, nil
}

func (m *Memory) ListDispatches(_ context.Context, f DispatchFilter) ([]domain.DispatchRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	out := make([]domain.DispatchRecord, 0, len(m.dispatches))
	for _, rec := range m.dispatches {
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.TenantID != "" && rec.TenantID != f.TenantID {
			continue
		}
		out = append(out, rec)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].AttemptedAt.Equal(out[j].AttemptedAt) {
			return out[i].AttemptedAt.After(out[j].AttemptedAt)
		}
		return out[i].OccasionKey < out[j].OccasionKey
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetPlanState(_ context.Context, tenantID string) (domain.PlanState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[tenantID]
	return p, ok, nil
}

func (m *Memory) PutPlanState(_ context.Context, p domain.PlanState) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	if p.Status == "" {
		p.Status = domain.PlanActive
	}
	m.mu.Lock()
	m.plans[p.TenantID] = p
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListExpiredPlans(_ context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	m.mu.Lock()
	var out []string
	for id, p := range m.plans {
		if expiredActive(p, now) {
			out = append(out, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListExpiringPlans(_ context.Context, from, to time.Time, afterTenant string, limit int) ([]domain.PlanState, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	m.mu.Lock()
	var out []domain.PlanState
	for id, p := range m.plans {
		if id <= afterTenant || p.ExpiresAt.IsZero() {
			continue
		}
		if !p.ExpiresAt.Before(from) && p.ExpiresAt.Before(to) {
			out = append(out, p)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Downgrade(_ context.Context, tenantID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[tenantID]
	if !ok || !expiredActive(p, now) {
		return false, nil
	}
	p.Tier = domain.TierFree
	p.Status = domain.PlanExpired
	p.UpdatedAt = now
	m.plans[tenantID] = p
	return true, nil
}

func expiredActive(p domain.PlanState, now time.Time) bool {
	return p.Status == domain.PlanActive && !p.ExpiresAt.IsZero() && p.ExpiresAt.Before(now)
}

func (m *Memory) GetContact(_ context.Context, tenantID string) (domain.TenantContact, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[tenantID]
	return c, ok, nil
}

func (m *Memory) PutContact(_ context.Context, c domain.TenantContact) error {
	m.mu.Lock()
	m.contacts[c.TenantID] = c
	m.mu.Unlock()
	return nil
}
