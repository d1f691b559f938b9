// Package annotate enriches candidates with human-readable summaries
// and remediation hints. Annotation is best effort: providers are tried
// in priority order with a per-call timeout and the deterministic
// rule-based annotator always terminates the chain, so annotation can
// never block or fail the scoring path.
package annotate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
)

// Annotator produces an annotation for a scored candidate.
type Annotator interface {
	// Annotate returns structured enrichment for the candidate.
	Annotate(ctx context.Context, c *model.Candidate) (model.Annotation, error)
	// Name identifies the provider in logs and annotations.
	Name() string
}

// Chain tries annotators in order until one succeeds.
type Chain struct {
	providers []Annotator
	timeout   time.Duration
	logger    *slog.Logger
}

// NewChain builds an annotator chain. The rule-based annotator is
// appended automatically so the chain always produces something.
func NewChain(timeout time.Duration, logger *slog.Logger, providers ...Annotator) *Chain {
	all := append(append([]Annotator{}, providers...), NewRuleBased())
	return &Chain{providers: all, timeout: timeout, logger: logger}
}

// Annotate runs the chain. The returned annotation comes from the first
// provider that answers within its timeout.
func (c *Chain) Annotate(ctx context.Context, cand *model.Candidate) model.Annotation {
	for _, provider := range c.providers {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		ann, err := provider.Annotate(callCtx, cand)
		cancel()
		if err != nil {
			c.logger.Warn("Annotator failed, trying next",
				"provider", provider.Name(), "candidate_id", cand.ID, "error", err)
			continue
		}
		ann.Provider = provider.Name()
		ann.AnnotatedAt = time.Now().UTC()
		return ann
	}
	// Unreachable in practice: the rule-based annotator never errors.
	return model.Annotation{Provider: "none", AnnotatedAt: time.Now().UTC()}
}

// RuleBased is the deterministic fallback annotator.
type RuleBased struct{}

// NewRuleBased creates the fallback annotator.
func NewRuleBased() *RuleBased {
	return &RuleBased{}
}

// Name implements Annotator.
func (r *RuleBased) Name() string { return "rule-based" }

// Annotate implements Annotator. It derives a summary from the
// candidate's scored fields alone.
func (r *RuleBased) Annotate(_ context.Context, c *model.Candidate) (model.Annotation, error) {
	band := "low"
	switch {
	case c.Composite >= 80:
		band = "critical"
	case c.Composite >= 60:
		band = "high"
	case c.Composite >= 40:
		band = "medium"
	}

	summary := fmt.Sprintf("%s %s risk on service %s (composite %.0f, likelihood %.0f, impact %.0f)",
		band, c.Category, c.ServiceID, c.Composite, c.Likelihood, c.Impact)

	remediation := ""
	switch c.Category {
	case model.CategoryVulnerability:
		remediation = "Prioritize patching of the contributing vulnerabilities; verify exposure and exploit status."
	case model.CategorySecurityEvent:
		remediation = "Investigate the correlated security events; confirm containment before closing."
	case model.CategoryBusinessContext:
		remediation = "Review the recent operational changes contributing to this risk."
	case model.CategoryExternal:
		remediation = "Assess supply-chain and sector exposure indicated by external feeds."
	}

	return model.Annotation{Summary: summary, Remediation: remediation}, nil
}
