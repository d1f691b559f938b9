package annotate

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
)

type failingAnnotator struct{ calls int }

func (f *failingAnnotator) Annotate(context.Context, *model.Candidate) (model.Annotation, error) {
	f.calls++
	return model.Annotation{}, errors.New("provider down")
}

func (f *failingAnnotator) Name() string { return "failing" }

type fixedAnnotator struct{ summary string }

func (f *fixedAnnotator) Annotate(context.Context, *model.Candidate) (model.Annotation, error) {
	return model.Annotation{Summary: f.summary}, nil
}

func (f *fixedAnnotator) Name() string { return "fixed" }

func annotateCandidate(composite float64, category model.SignalCategory) *model.Candidate {
	return &model.Candidate{
		ID:         "c1",
		ServiceID:  "svc-payments",
		Category:   category,
		Composite:  composite,
		Likelihood: 60,
		Impact:     70,
	}
}

func TestChainPrefersFirstProvider(t *testing.T) {
	chain := NewChain(time.Second, slog.Default(), &fixedAnnotator{summary: "from provider"})

	ann := chain.Annotate(context.Background(), annotateCandidate(75, model.CategoryVulnerability))
	assert.Equal(t, "from provider", ann.Summary)
	assert.Equal(t, "fixed", ann.Provider)
	assert.False(t, ann.AnnotatedAt.IsZero())
}

func TestChainFallsBackToRuleBased(t *testing.T) {
	failing := &failingAnnotator{}
	chain := NewChain(time.Second, slog.Default(), failing)

	ann := chain.Annotate(context.Background(), annotateCandidate(75, model.CategoryVulnerability))
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, "rule-based", ann.Provider)
	assert.NotEmpty(t, ann.Summary)
	assert.NotEmpty(t, ann.Remediation)
}

func TestRuleBasedBands(t *testing.T) {
	r := NewRuleBased()

	tests := []struct {
		composite float64
		band      string
	}{
		{90, "critical"},
		{65, "high"},
		{45, "medium"},
		{10, "low"},
	}
	for _, tt := range tests {
		ann, err := r.Annotate(context.Background(), annotateCandidate(tt.composite, model.CategorySecurityEvent))
		require.NoError(t, err)
		assert.Contains(t, ann.Summary, tt.band)
	}
}

func TestRuleBasedRemediationPerCategory(t *testing.T) {
	r := NewRuleBased()

	seen := map[string]bool{}
	for _, category := range []model.SignalCategory{
		model.CategoryVulnerability,
		model.CategorySecurityEvent,
		model.CategoryBusinessContext,
		model.CategoryExternal,
	} {
		ann, err := r.Annotate(context.Background(), annotateCandidate(50, category))
		require.NoError(t, err)
		require.NotEmpty(t, ann.Remediation)
		assert.False(t, seen[ann.Remediation], "each category gets distinct guidance")
		seen[ann.Remediation] = true
	}
}
