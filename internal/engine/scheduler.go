package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
)

// Scheduler drives periodic batch re-scoring and retention sweeps.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler ticking at the given interval.
func NewScheduler(e *Engine, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{engine: e, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled, running one batch per tick for
// every known tenant. A tenant without an active policy is skipped with
// an error log; scoring never invents a default policy.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Scheduler started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	tenants, err := s.tenants(ctx)
	if err != nil {
		s.logger.Error("Failed to enumerate tenants", "error", err)
		return
	}
	for _, tenantID := range tenants {
		if err := s.engine.RescoreBatch(ctx, tenantID); err != nil {
			if errors.Is(err, model.ErrPolicyNotFound) {
				s.logger.Error("Tenant has no active policy, batch skipped", "tenant_id", tenantID)
				continue
			}
			s.logger.Error("Batch re-scoring failed", "tenant_id", tenantID, "error", err)
			continue
		}
		if err := s.engine.SweepExpired(ctx, tenantID); err != nil {
			s.logger.Warn("Retention sweep failed", "tenant_id", tenantID, "error", err)
		}
	}
}

func (s *Scheduler) tenants(ctx context.Context) ([]string, error) {
	services, err := s.engine.store.ListServices(ctx, "")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, svc := range services {
		if !seen[svc.TenantID] {
			seen[svc.TenantID] = true
			out = append(out, svc.TenantID)
		}
	}
	return out, nil
}
