package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
)

// Store is the versioned policy store consumed by every scoring
// component. Published versions are immutable; only the active pointer
// moves.
type Store interface {
	// Active returns the currently active policy for a tenant, or
	// model.ErrPolicyNotFound when the tenant has none.
	Active(ctx context.Context, tenantID string) (*Policy, error)
	// Get returns a specific historical version.
	Get(ctx context.Context, tenantID string, version int) (*Policy, error)
	// Versions lists all published versions for a tenant, oldest first.
	Versions(ctx context.Context, tenantID string) ([]*Policy, error)
	// Publish validates and stores a new version, making it active.
	// The version number is assigned by the store.
	Publish(ctx context.Context, p *Policy) (*Policy, error)
}

// MemoryStore keeps policy versions in memory. It is the default
// backend for tests and single-node deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	byTenant map[string][]*Policy
}

// NewMemoryStore creates an empty in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTenant: make(map[string][]*Policy)}
}

// Active implements Store.
func (s *MemoryStore) Active(_ context.Context, tenantID string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.byTenant[tenantID] {
		if p.Active {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("tenant %q: %w", tenantID, model.ErrPolicyNotFound)
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, tenantID string, version int) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.byTenant[tenantID] {
		if p.Version == version {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("tenant %q policy v%d: %w", tenantID, version, model.ErrNotFound)
}

// Versions implements Store.
func (s *MemoryStore) Versions(_ context.Context, tenantID string) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.byTenant[tenantID]
	out := make([]*Policy, len(versions))
	for i, p := range versions {
		cp := *p
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Publish implements Store. The new version becomes active and the
// previous active version is demoted, atomically.
func (s *MemoryStore) Publish(_ context.Context, p *Policy) (*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := 1
	for _, existing := range s.byTenant[p.TenantID] {
		if existing.Version >= next {
			next = existing.Version + 1
		}
	}

	cp := *p
	cp.Version = next
	cp.Active = true
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	for _, existing := range s.byTenant[p.TenantID] {
		existing.Active = false
	}
	if cp.PublishedAt.IsZero() {
		cp.PublishedAt = time.Now().UTC()
	}
	s.byTenant[p.TenantID] = append(s.byTenant[p.TenantID], &cp)

	out := cp
	return &out, nil
}
