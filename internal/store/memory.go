// Package store holds the engine's working state: candidates, services,
// signals, and controls postures. The memory backend is authoritative
// for a single node; candidate updates use optimistic concurrency so a
// re-scoring pass can never silently overwrite a human decision.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
)

// CandidateFilter narrows ListCandidates results. Zero values mean "no
// constraint".
type CandidateFilter struct {
	TenantID  string
	ServiceID string
	State     model.DecisionState
	MinScore  float64
	MaxScore  float64
	Since     time.Time
	Until     time.Time
}

// MemoryStore is the in-memory backend. All methods are safe for
// concurrent use.
type MemoryStore struct {
	mu         sync.RWMutex
	candidates map[string]*model.Candidate
	services   map[string]*model.Service
	signals    map[string]model.Signal
	postures   map[string]model.ControlsPosture

	// keyLocks serializes merge resolution per dedupe key so two
	// concurrent candidates cannot both become the survivor.
	keyLocks sync.Map // dedupe key -> *sync.Mutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		candidates: make(map[string]*model.Candidate),
		services:   make(map[string]*model.Service),
		signals:    make(map[string]model.Signal),
		postures:   make(map[string]model.ControlsPosture),
	}
}

// LockKey acquires the per-dedupe-key mutex, returning the unlock
// function. Dedupe resolution wraps its read-modify-write in this.
func (s *MemoryStore) LockKey(key string) func() {
	v, _ := s.keyLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// --- candidates ---

// CreateCandidate inserts a new candidate at version 1.
func (s *MemoryStore) CreateCandidate(_ context.Context, c *model.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.candidates[c.ID]; exists {
		return fmt.Errorf("candidate %s already exists", c.ID)
	}
	cp := cloneCandidate(c)
	cp.Version = 1
	s.candidates[c.ID] = cp
	c.Version = 1
	return nil
}

// GetCandidate returns a copy of the candidate.
func (s *MemoryStore) GetCandidate(_ context.Context, id string) (*model.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.candidates[id]
	if !ok {
		return nil, fmt.Errorf("candidate %s: %w", id, model.ErrNotFound)
	}
	return cloneCandidate(c), nil
}

// UpdateCandidate applies an update if the caller's version matches the
// stored version, then bumps it. On mismatch it returns
// model.ErrConcurrencyConflict and the caller must re-read and retry.
func (s *MemoryStore) UpdateCandidate(_ context.Context, c *model.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.candidates[c.ID]
	if !ok {
		return fmt.Errorf("candidate %s: %w", c.ID, model.ErrNotFound)
	}
	if current.Version != c.Version {
		return fmt.Errorf("candidate %s: stored v%d, submitted v%d: %w",
			c.ID, current.Version, c.Version, model.ErrConcurrencyConflict)
	}
	cp := cloneCandidate(c)
	cp.Version = current.Version + 1
	s.candidates[c.ID] = cp
	c.Version = cp.Version
	return nil
}

// FindOpenByDedupeKey returns non-terminal candidates carrying the
// dedupe key created at or after since, oldest first.
func (s *MemoryStore) FindOpenByDedupeKey(_ context.Context, key string, since time.Time) ([]*model.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Candidate
	for _, c := range s.candidates {
		if c.DedupeKey != key || c.State.Terminal() {
			continue
		}
		if c.CreatedAt.Before(since) {
			continue
		}
		out = append(out, cloneCandidate(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListCandidates returns candidates matching the filter, newest first.
func (s *MemoryStore) ListCandidates(_ context.Context, f CandidateFilter) ([]*model.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Candidate
	for _, c := range s.candidates {
		if f.TenantID != "" && c.TenantID != f.TenantID {
			continue
		}
		if f.ServiceID != "" && c.ServiceID != f.ServiceID {
			continue
		}
		if f.State != "" && c.State != f.State {
			continue
		}
		if f.MaxScore > 0 && c.Composite > f.MaxScore {
			continue
		}
		if c.Composite < f.MinScore {
			continue
		}
		if !f.Since.IsZero() && c.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && c.CreatedAt.After(f.Until) {
			continue
		}
		out = append(out, cloneCandidate(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// CandidatesByService returns all non-terminal candidates for a
// service.
func (s *MemoryStore) CandidatesByService(_ context.Context, serviceID string) ([]*model.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Candidate
	for _, c := range s.candidates {
		if c.ServiceID == serviceID && !c.State.Terminal() {
			out = append(out, cloneCandidate(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- services ---

// UpsertService inserts or replaces a service record.
func (s *MemoryStore) UpsertService(_ context.Context, svc *model.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *svc
	s.services[svc.ID] = &cp
	return nil
}

// GetService returns a copy of the service.
func (s *MemoryStore) GetService(_ context.Context, id string) (*model.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	svc, ok := s.services[id]
	if !ok {
		return nil, fmt.Errorf("service %s: %w", id, model.ErrNotFound)
	}
	cp := *svc
	return &cp, nil
}

// ListServices returns all services for a tenant, active first.
func (s *MemoryStore) ListServices(_ context.Context, tenantID string) ([]*model.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Service
	for _, svc := range s.services {
		if tenantID != "" && svc.TenantID != tenantID {
			continue
		}
		cp := *svc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateServiceIndices persists freshly computed indices and trend.
func (s *MemoryStore) UpdateServiceIndices(_ context.Context, serviceID string, indices model.ServiceIndices, trend model.Trend) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, ok := s.services[serviceID]
	if !ok {
		return fmt.Errorf("service %s: %w", serviceID, model.ErrNotFound)
	}
	svc.Indices = indices
	svc.Trend = trend
	return nil
}

// DeactivateService marks a service inactive. Services are never
// deleted.
func (s *MemoryStore) DeactivateService(_ context.Context, serviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, ok := s.services[serviceID]
	if !ok {
		return fmt.Errorf("service %s: %w", serviceID, model.ErrNotFound)
	}
	svc.Active = false
	return nil
}

// --- signals ---

// AppendSignals stores immutable signal rows.
func (s *MemoryStore) AppendSignals(_ context.Context, signals []model.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sig := range signals {
		if _, exists := s.signals[sig.ID]; exists {
			continue // immutable, first write wins
		}
		s.signals[sig.ID] = sig
	}
	return nil
}

// GetSignals resolves signal references; missing IDs are skipped.
func (s *MemoryStore) GetSignals(_ context.Context, ids []string) ([]model.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Signal, 0, len(ids))
	for _, id := range ids {
		if sig, ok := s.signals[id]; ok {
			out = append(out, sig)
		}
	}
	return out, nil
}

// --- controls postures ---

// SetPosture stores the last-known controls posture for a service.
func (s *MemoryStore) SetPosture(_ context.Context, p model.ControlsPosture) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postures[p.ServiceID] = p
	return nil
}

// GetPosture returns the last-known posture, or ErrNotFound when the
// service has never reported one.
func (s *MemoryStore) GetPosture(_ context.Context, serviceID string) (*model.ControlsPosture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.postures[serviceID]
	if !ok {
		return nil, fmt.Errorf("posture for %s: %w", serviceID, model.ErrNotFound)
	}
	cp := p
	return &cp, nil
}

func cloneCandidate(c *model.Candidate) *model.Candidate {
	cp := *c
	cp.SignalIDs = append([]string(nil), c.SignalIDs...)
	cp.Explanations = append([]model.Explanation(nil), c.Explanations...)
	cp.Transitions = append([]model.Transition(nil), c.Transitions...)
	if c.Annotation != nil {
		a := *c.Annotation
		cp.Annotation = &a
	}
	return &cp
}
