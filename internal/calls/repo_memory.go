package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and local runs.
type MemoryStore struct {
	mu    sync.Mutex
	calls map[string]CallRequest
	ticks map[string][]BillingTick
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: map[string]CallRequest{}, ticks: map[string][]BillingTick{}}
}

func (s *MemoryStore) Create(ctx context.Context, c CallRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[c.ID]; ok {
		return ErrAlreadyExists
	}
	s.calls[c.ID] = c
	return nil
}

func (s *MemoryStore) Save(ctx context.Context, c CallRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.calls[c.ID]
	if !ok {
		return ErrNotFound
	}
	if err := checkTransition(cur.Status, c.Status); err != nil {
		return err
	}
	s.calls[c.ID] = c
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (CallRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return CallRequest{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) AppendTick(ctx context.Context, t BillingTick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[t.SessionID]; !ok {
		return ErrNotFound
	}
	for _, existing := range s.ticks[t.SessionID] {
		if existing.Seq == t.Seq {
			return ErrAlreadyExists
		}
	}
	s.ticks[t.SessionID] = append(s.ticks[t.SessionID], t)
	return nil
}

func (s *MemoryStore) Ticks(ctx context.Context, sessionID string) ([]BillingTick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BillingTick, len(s.ticks[sessionID]))
	copy(out, s.ticks[sessionID])
	return out, nil
}

func (s *MemoryStore) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]CallRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CallRequest
	for _, c := range s.calls {
		if c.Status.IsPending() && c.ResponseDeadline.Before(cutoff) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResponseDeadline.Before(out[j].ResponseDeadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListStaleEngaged(ctx context.Context, cutoff time.Time, limit int) ([]CallRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CallRequest
	for _, c := range s.calls {
		if c.Status.IsEngaged() && c.UpdatedAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByParty(ctx context.Context, partyID string, from, to time.Time) ([]CallRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CallRequest
	for _, c := range s.calls {
		if !c.IsParty(partyID) {
			continue
		}
		if c.CreatedAt.Before(from) || !c.CreatedAt.Before(to) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
