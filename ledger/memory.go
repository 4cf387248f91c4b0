package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store used by tests and local runs.
type MemoryStore struct {
	mu       sync.Mutex
	budgets  map[string]*Budget
	requests map[string]*Request
	order    []string // request ids in insertion order
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		budgets:  make(map[string]*Budget),
		requests: make(map[string]*Request),
	}
}

func (m *MemoryStore) PutBudget(ctx context.Context, b *Budget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.budgets[b.ID] = &cp
	return nil
}

func (m *MemoryStore) GetBudget(ctx context.Context, entityID string) (*Budget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[entityID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) ListBudgets(ctx context.Context) ([]*Budget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Budget, 0, len(m.budgets))
	for _, b := range m.budgets {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateBudgetAccruals(ctx context.Context, entityID string, upd AccrualUpdate, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[entityID]
	if !ok {
		return ErrNotFound
	}
	if b.Version != expectedVersion {
		return ErrVersionConflict
	}
	b.AccruedForecastedSpend = upd.Forecasted
	b.AccruedBlockedSpend = upd.Blocked
	b.AccruedApprovedSpend = upd.Approved
	if upd.MarkForecastProcessed {
		b.ForecastProcessed = true
		at := upd.ProcessedAt
		b.ForecastProcessedAt = &at
	}
	b.Version++
	return nil
}

func (m *MemoryStore) RebaseBudget(ctx context.Context, entityID string, upd RebaseUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[entityID]
	if !ok {
		return ErrNotFound
	}
	b.BudgetLimit = upd.BudgetLimit
	b.ActualSpend = upd.ActualSpend
	b.ForecastedSpend = upd.ForecastedSpend
	b.UpdatedAt = upd.UpdatedAt
	b.ForecastProcessed = false
	b.ForecastProcessedAt = nil
	return nil
}

func (m *MemoryStore) ResetApprovedSpend(ctx context.Context, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[entityID]
	if !ok {
		return ErrNotFound
	}
	b.AccruedApprovedSpend = decimal.Zero
	return nil
}

func (m *MemoryStore) PutRequest(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; !ok {
		m.order = append(m.order, r.ID)
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRequestsByStatus(ctx context.Context, s RequestStatus) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Request
	for _, id := range m.order {
		if r := m.requests[id]; r.Status == s {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateRequest(ctx context.Context, id string, upd RequestUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if len(upd.ExpectStatus) > 0 {
		matched := false
		for _, s := range upd.ExpectStatus {
			if r.Status == s {
				matched = true
				break
			}
		}
		if !matched {
			return ErrPreconditionFailed
		}
	}
	if upd.Status != nil {
		r.Status = *upd.Status
	}
	if upd.EntityID != nil {
		r.EntityID = *upd.EntityID
	}
	if upd.ResourceStatus != nil {
		r.ResourceStatus = *upd.ResourceStatus
	}
	if upd.ApprovedAt != nil {
		at := *upd.ApprovedAt
		r.ApprovedAt = &at
	}
	if upd.RejectedAt != nil {
		at := *upd.RejectedAt
		r.RejectedAt = &at
	}
	if upd.TerminatedAt != nil {
		at := *upd.TerminatedAt
		r.TerminatedAt = &at
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
