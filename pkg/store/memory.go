package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"opsguard/pkg/actionfsm"
)

// MemoryRepository keeps records in a mutex-guarded map. Copies go in and out
// so callers never share the stored aggregate.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]*actionfsm.ActionRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: map[string]*actionfsm.ActionRecord{}}
}

func (m *MemoryRepository) CreateActionRecord(ctx context.Context, rec *actionfsm.ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("action record %s already exists", rec.ID)
	}
	rec.Version = 1
	m.records[rec.ID] = copyRecord(rec)
	return nil
}

func (m *MemoryRepository) GetByID(ctx context.Context, id string) (*actionfsm.ActionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *MemoryRepository) Save(ctx context.Context, rec *actionfsm.ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.records[rec.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != rec.Version {
		return fmt.Errorf("%w: have %d, want %d", ErrVersionConflict, current.Version, rec.Version)
	}
	rec.Version++
	stored := copyRecord(rec)
	stored.Approvals = current.Approvals
	stored.Logs = current.Logs
	m.records[rec.ID] = stored
	return nil
}

func (m *MemoryRepository) AppendApproval(ctx context.Context, approval actionfsm.ApprovalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[approval.ActionRecordID]
	if !ok {
		return ErrNotFound
	}
	rec.Approvals = append(rec.Approvals, approval)
	return nil
}

func (m *MemoryRepository) AppendExecutionLog(ctx context.Context, entry actionfsm.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[entry.ActionRecordID]
	if !ok {
		return ErrNotFound
	}
	rec.Logs = append(rec.Logs, entry)
	return nil
}

func (m *MemoryRepository) QueryByTenant(ctx context.Context, filter TenantFilter) ([]*actionfsm.ActionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*actionfsm.ActionRecord
	for _, rec := range m.records {
		if filter.Tenant != "" && !strings.EqualFold(rec.Tenant, filter.Tenant) {
			continue
		}
		if filter.RunID != "" && rec.RunID != filter.RunID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.ActionType != "" && !strings.EqualFold(rec.ActionType, filter.ActionType) {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func copyRecord(rec *actionfsm.ActionRecord) *actionfsm.ActionRecord {
	dup := *rec
	dup.Approvals = append([]actionfsm.ApprovalRecord(nil), rec.Approvals...)
	dup.Logs = append([]actionfsm.ExecutionLog(nil), rec.Logs...)
	return &dup
}
