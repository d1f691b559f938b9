package score

import (
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/policy"
)

var scoreNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func scoreService() *model.Service {
	return &model.Service{
		ID:              "svc-payments",
		TenantID:        "tenant-1",
		Name:            "payments",
		CriticalityTier: 4,
		DataSensitivity: 0.8,
		Regulated:       true,
		InternetFacing:  true,
		Active:          true,
		Indices:         model.ServiceIndices{SVI: 60, SEI: 40, BCI: 70, ERI: 20},
	}
}

func vulnSignal(id string, severity float64) model.Signal {
	return model.Signal{
		ID: id, TenantID: "tenant-1", ServiceID: "svc-payments",
		Category: model.CategoryVulnerability, Severity: severity,
		Confidence: 0.9, Source: "scanner",
		OccurredAt: scoreNow.Add(-2 * time.Hour), DetectedAt: scoreNow.Add(-time.Hour),
	}
}

func fullPosture() *model.ControlsPosture {
	return &model.ControlsPosture{
		ServiceID:            "svc-payments",
		EndpointCoverage:     1.0,
		SegmentationCoverage: 1.0,
		PatchLatencyDays:     0,
		BackupTestedDays:     0,
		IdentityCoverage:     1.0,
		AsOf:                 scoreNow,
	}
}

func scoreInputs(evidence []model.Signal, posture *model.ControlsPosture) Inputs {
	return Inputs{
		Service:     scoreService(),
		Evidence:    evidence,
		Posture:     posture,
		BlastRadius: 2,
		Now:         scoreNow,
	}
}

func TestScoreBounds(t *testing.T) {
	s := NewScorer(slog.Default())
	pol := policy.Default("tenant-1")

	evidence := []model.Signal{vulnSignal("v1", 1.0)}
	evidence[0].KnownExploited = true
	evidence[0].PublicExploit = true
	evidence[0].AttackChain = true

	res := s.Score("cand-1", model.CategoryVulnerability, scoreInputs(evidence, nil), pol)

	for name, v := range map[string]float64{
		"likelihood": res.Likelihood,
		"impact":     res.Impact,
		"composite":  res.Composite,
	} {
		assert.GreaterOrEqual(t, v, 0.0, name)
		assert.LessOrEqual(t, v, 100.0, name)
	}
	assert.GreaterOrEqual(t, res.Confidence, 0.0)
	assert.LessOrEqual(t, res.Confidence, 1.0)
}

func TestScoreDeterministic(t *testing.T) {
	s := NewScorer(slog.Default())
	pol := policy.Default("tenant-1")
	evidence := []model.Signal{vulnSignal("v1", 0.7), vulnSignal("v2", 0.9)}

	a := s.Score("cand-1", model.CategoryVulnerability, scoreInputs(evidence, fullPosture()), pol)
	b := s.Score("cand-1", model.CategoryVulnerability, scoreInputs(evidence, fullPosture()), pol)

	assert.Equal(t, a.Composite, b.Composite)
	assert.Equal(t, a.Likelihood, b.Likelihood)
	assert.Equal(t, a.Impact, b.Impact)
	require.Equal(t, len(a.Explanation.Factors), len(b.Explanation.Factors))
	for i := range a.Explanation.Factors {
		assert.Equal(t, a.Explanation.Factors[i].Name, b.Explanation.Factors[i].Name)
		assert.Equal(t, a.Explanation.Factors[i].Contribution, b.Explanation.Factors[i].Contribution)
	}
}

func TestScoreMonotonicInSeverity(t *testing.T) {
	s := NewScorer(slog.Default())
	pol := policy.Default("tenant-1")

	low := s.Score("cand-1", model.CategoryVulnerability,
		scoreInputs([]model.Signal{vulnSignal("v1", 0.2)}, nil), pol)
	high := s.Score("cand-1", model.CategoryVulnerability,
		scoreInputs([]model.Signal{vulnSignal("v1", 0.9)}, nil), pol)

	assert.Greater(t, high.Composite, low.Composite)
	assert.Greater(t, high.Likelihood, low.Likelihood)
}

func TestControlsDiscountCapped(t *testing.T) {
	s := NewScorer(slog.Default())
	pol := policy.Default("tenant-1")
	evidence := []model.Signal{vulnSignal("v1", 0.9)}

	res := s.Score("cand-1", model.CategoryVulnerability, scoreInputs(evidence, fullPosture()), pol)

	// Uncapped likelihood discount would be 12+8+10+8 = 38.
	assert.Equal(t, pol.Controls.LikelihoodCap, res.LikelihoodDiscount)
	// Impact side (15 + 4) stays under its cap.
	assert.InDelta(t, 19.0, res.ImpactDiscount, 1e-9)

	bare := s.Score("cand-1", model.CategoryVulnerability, scoreInputs(evidence, nil), pol)
	assert.Less(t, res.Composite, bare.Composite, "controls reduce but never raise the score")
	assert.Greater(t, res.Composite, 0.0, "capped discount cannot zero out real risk")
}

func TestScoreDegradedWithoutPosture(t *testing.T) {
	s := NewScorer(slog.Default())
	pol := policy.Default("tenant-1")
	evidence := []model.Signal{vulnSignal("v1", 0.9)}

	res := s.Score("cand-1", model.CategoryVulnerability, scoreInputs(evidence, nil), pol)
	assert.True(t, res.Degraded)
	assert.True(t, res.Explanation.Degraded)
	assert.Zero(t, res.LikelihoodDiscount)
	assert.Zero(t, res.ImpactDiscount)

	in := scoreInputs(evidence, fullPosture())
	in.PostureStale = true
	stale := s.Score("cand-1", model.CategoryVulnerability, in, pol)
	assert.True(t, stale.Degraded, "stale cached posture still degrades")

	fresh := s.Score("cand-1", model.CategoryVulnerability, scoreInputs(evidence, fullPosture()), pol)
	assert.False(t, fresh.Degraded)
}

func TestExplanationFactorsOrdered(t *testing.T) {
	s := NewScorer(slog.Default())
	pol := policy.Default("tenant-1")
	evidence := []model.Signal{vulnSignal("v1", 0.9)}

	res := s.Score("cand-1", model.CategoryVulnerability, scoreInputs(evidence, fullPosture()), pol)

	factors := res.Explanation.Factors
	require.NotEmpty(t, factors)
	for i := 1; i < len(factors); i++ {
		assert.GreaterOrEqual(t,
			math.Abs(factors[i-1].Contribution), math.Abs(factors[i].Contribution),
			"factors must be ordered by absolute contribution")
	}
	assert.Equal(t, pol.Version, res.Explanation.PolicyVersion)
	assert.Equal(t, "cand-1", res.Explanation.CandidateID)
}

func TestCategoryMultiplierScalesComposite(t *testing.T) {
	s := NewScorer(slog.Default())
	evidence := []model.Signal{vulnSignal("v1", 0.9)}

	base := policy.Default("tenant-1")
	baseline := s.Score("cand-1", model.CategoryVulnerability, scoreInputs(evidence, nil), base)

	scaled := policy.Default("tenant-1")
	scaled.CategoryMultipliers = map[string]float64{"vulnerability": 0.5}
	half := s.Score("cand-1", model.CategoryVulnerability, scoreInputs(evidence, nil), scaled)

	assert.InDelta(t, baseline.Composite/2, half.Composite, 0.01)
}

func TestExploitabilityFlags(t *testing.T) {
	plain := []model.Signal{vulnSignal("v1", 0.5)}
	assert.InDelta(t, 30.0, exploitability(plain), 1e-9)

	flagged := []model.Signal{vulnSignal("v1", 0.5)}
	flagged[0].KnownExploited = true
	flagged[0].PublicExploit = true
	assert.InDelta(t, 70.0, exploitability(flagged), 1e-9)

	assert.Zero(t, exploitability(nil))
}

func TestEvidenceConfidenceMultiSourceBonus(t *testing.T) {
	single := []model.Signal{vulnSignal("v1", 0.5)}
	assert.InDelta(t, 0.9, evidenceConfidence(single), 1e-9)

	multi := []model.Signal{vulnSignal("v1", 0.5), vulnSignal("v2", 0.5)}
	multi[1].Source = "edr"
	assert.InDelta(t, 0.95, evidenceConfidence(multi), 1e-9)

	// The bonus caps and never exceeds 1.
	many := make([]model.Signal, 6)
	for i := range many {
		many[i] = vulnSignal("v", 0.5)
		many[i].Source = string(rune('a' + i))
		many[i].Confidence = 0.95
	}
	assert.LessOrEqual(t, evidenceConfidence(many), 1.0)
}

func TestFreshnessDecay(t *testing.T) {
	fresh := []model.Signal{vulnSignal("v1", 0.5)}
	fresh[0].DetectedAt = scoreNow
	assert.InDelta(t, 100.0, freshness(fresh, scoreNow), 1e-9)

	weekOld := []model.Signal{vulnSignal("v1", 0.5)}
	weekOld[0].DetectedAt = scoreNow.Add(-168 * time.Hour)
	assert.InDelta(t, 50.0, freshness(weekOld, scoreNow), 1e-6)

	assert.Zero(t, freshness(nil, scoreNow))
}
