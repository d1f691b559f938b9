package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyValidates(t *testing.T) {
	p := Default("tenant-1")
	require.NoError(t, p.Validate())
	assert.Equal(t, 1, p.Version)
	assert.True(t, p.Active)
	assert.Equal(t, 30.0, p.Controls.LikelihoodCap)
	assert.Equal(t, 30.0, p.Controls.ImpactCap)
	assert.Equal(t, 0.8, p.Merge.SimilarityThreshold)
	assert.Equal(t, 48, p.Merge.WindowHours)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"missing tenant", func(p *Policy) { p.TenantID = "" }},
		{"zero version", func(p *Policy) { p.Version = 0 }},
		{"negative likelihood weight", func(p *Policy) { p.Likelihood.SEI = -0.1 }},
		{"negative impact weight", func(p *Policy) { p.Impact.BCI = -1 }},
		{"cap above 100", func(p *Policy) { p.Controls.LikelihoodCap = 120 }},
		{"negative impact cap", func(p *Policy) { p.Controls.ImpactCap = -5 }},
		{"confidence threshold out of range", func(p *Policy) { p.Thresholds.AutoApproveConfidenceMin = 1.5 }},
		{"suppress above auto-approve", func(p *Policy) {
			p.Thresholds.SuppressCompositeMax = 80
			p.Thresholds.AutoApproveCompositeMin = 70
		}},
		{"suppress confidence above auto-approve confidence", func(p *Policy) {
			p.Thresholds.SuppressConfidenceMax = 0.9
			p.Thresholds.AutoApproveConfidenceMin = 0.8
		}},
		{"similarity out of range", func(p *Policy) { p.Merge.SimilarityThreshold = 1.2 }},
		{"zero merge window", func(p *Policy) { p.Merge.WindowHours = 0 }},
		{"zero ewma alpha", func(p *Policy) { p.SEI.EWMAAlpha = 0 }},
		{"alpha above one", func(p *Policy) { p.SEI.EWMAAlpha = 1.1 }},
		{"zero half life", func(p *Policy) { p.DecayHalfLifeHours = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Default("tenant-1")
			tt.mutate(p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestCategoryMultiplierDefaults(t *testing.T) {
	p := Default("tenant-1")
	assert.Equal(t, 1.0, p.CategoryMultiplier("vulnerability"))

	p.CategoryMultipliers = map[string]float64{"external": 0.7}
	assert.Equal(t, 0.7, p.CategoryMultiplier("external"))
	assert.Equal(t, 1.0, p.CategoryMultiplier("vulnerability"))
}

func TestMergeWindowDuration(t *testing.T) {
	p := Default("tenant-1")
	assert.Equal(t, "48h0m0s", p.MergeWindow().String())
}
