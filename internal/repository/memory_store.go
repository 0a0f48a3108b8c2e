package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-approvals/internal/errors"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

// MemoryStore is an in-process Store for development and tests. It keeps
// deep copies so callers never observe shared mutable state.
type MemoryStore struct {
	mu          sync.RWMutex
	requests    map[string]*workflow.ApprovalRequest
	codes       map[string]string
	transitions map[string][]*workflow.Transition
	sequences   map[string]int64
	now         func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string]*workflow.ApprovalRequest),
		codes:       make(map[string]string),
		transitions: make(map[string][]*workflow.Transition),
		sequences:   make(map[string]int64),
		now:         time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, req *workflow.ApprovalRequest) (string, error) {
	if err := ctxErr(ctx, "create request"); err != nil {
		return "", err
	}
	rec, err := prepareCreate(req, m.now())
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.codes[rec.RequestCode]; ok {
		return "", errors.Conflict("request_code " + rec.RequestCode + " already exists")
	}
	if _, ok := m.requests[rec.ID]; ok {
		return "", errors.Conflict("request id " + rec.ID + " already exists")
	}
	m.requests[rec.ID] = rec
	m.codes[rec.RequestCode] = rec.ID
	return rec.ID, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*workflow.ApprovalRequest, error) {
	if err := ctxErr(ctx, "get request"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec := m.requests[id]
	if rec == nil {
		return nil, errors.NotFound(resourceRequest, id)
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutate MutateFunc) (*workflow.ApprovalRequest, error) {
	if err := ctxErr(ctx, "update request"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.requests[id]
	if current == nil {
		return nil, errors.NotFound(resourceRequest, id)
	}
	if current.Version != expectedVersion {
		return nil, errors.Conflict("request was modified concurrently")
	}

	next, tr, err := applyMutation(current, mutate, m.now())
	if err != nil {
		return nil, err
	}
	m.requests[id] = next
	m.transitions[id] = append(m.transitions[id], tr)
	return next.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter, p Page) ([]*workflow.ApprovalRequest, int, error) {
	if err := ctxErr(ctx, "list requests"); err != nil {
		return nil, 0, err
	}
	p = p.Normalize()

	m.mu.RLock()
	matched := make([]*workflow.ApprovalRequest, 0)
	for _, rec := range m.requests {
		if f.Matches(rec) {
			matched = append(matched, rec.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	start := p.Offset()
	if start < 0 || start >= total {
		return []*workflow.ApprovalRequest{}, total, nil
	}
	end := start + p.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *MemoryStore) History(ctx context.Context, id string) ([]*workflow.Transition, error) {
	if err := ctxErr(ctx, "read history"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.requests[id]; !ok {
		return nil, errors.NotFound(resourceRequest, id)
	}
	out := make([]*workflow.Transition, 0, len(m.transitions[id]))
	for _, t := range m.transitions[id] {
		cp := *t
		if t.Comment != nil {
			c := *t.Comment
			cp.Comment = &c
		}
		out = append(out, &cp)
	}
	return out, nil
}

// Next implements Sequencer.
func (m *MemoryStore) Next(ctx context.Context, scope string) (int64, error) {
	if err := ctxErr(ctx, "next sequence"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[scope]++
	return m.sequences[scope], nil
}
