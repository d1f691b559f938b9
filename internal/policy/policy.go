// Package policy holds versioned, per-tenant scoring and decision
// configuration. Policies are immutable once published: changes create
// a new version, and exactly one version is active per tenant.
package policy

import (
	"fmt"
	"time"
)

// SVIWeights configures the Service Vulnerability Index.
type SVIWeights struct {
	MeanSeverity        float64 `json:"mean_severity" yaml:"mean_severity"`
	KnownExploitedBonus float64 `json:"known_exploited_bonus" yaml:"known_exploited_bonus"`
	PublicExploitBonus  float64 `json:"public_exploit_bonus" yaml:"public_exploit_bonus"`
	SLABreachPenalty    float64 `json:"sla_breach_penalty" yaml:"sla_breach_penalty"`
	ExposureBonus       float64 `json:"exposure_bonus" yaml:"exposure_bonus"`
	CriticalityTerm     float64 `json:"criticality_term" yaml:"criticality_term"`
}

// SEIWeights configures the Security Event Index.
type SEIWeights struct {
	HighSeverityCount float64 `json:"high_severity_count" yaml:"high_severity_count"`
	AttackChainBonus  float64 `json:"attack_chain_bonus" yaml:"attack_chain_bonus"`
	RecencyBonus      float64 `json:"recency_bonus" yaml:"recency_bonus"`
	EscalationBonus   float64 `json:"escalation_bonus" yaml:"escalation_bonus"`
	DwellTimePenalty  float64 `json:"dwell_time_penalty" yaml:"dwell_time_penalty"`
	// EWMAAlpha smooths SEI across scoring passes. Alpha 1.0 disables
	// smoothing and recomputes purely from the current window.
	EWMAAlpha float64 `json:"ewma_alpha" yaml:"ewma_alpha"`
}

// BCIWeights configures the Business Context Index.
type BCIWeights struct {
	CriticalityTier float64 `json:"criticality_tier" yaml:"criticality_tier"`
	DataSensitivity float64 `json:"data_sensitivity" yaml:"data_sensitivity"`
	Regulatory      float64 `json:"regulatory" yaml:"regulatory"`
	DependencyFanIn float64 `json:"dependency_fan_in" yaml:"dependency_fan_in"`
}

// ERIWeights configures the External Risk Index.
type ERIWeights struct {
	GeoEscalation  float64 `json:"geo_escalation" yaml:"geo_escalation"`
	SectorActivity float64 `json:"sector_activity" yaml:"sector_activity"`
	VendorBreach   float64 `json:"vendor_breach" yaml:"vendor_breach"`
}

// LikelihoodWeights blends the likelihood dimension of a candidate.
type LikelihoodWeights struct {
	SEI                float64 `json:"sei" yaml:"sei"`
	Exploitability     float64 `json:"exploitability" yaml:"exploitability"`
	IntelCorroboration float64 `json:"intel_corroboration" yaml:"intel_corroboration"`
	ChangeRisk         float64 `json:"change_risk" yaml:"change_risk"`
	ERI                float64 `json:"eri" yaml:"eri"`
}

// ImpactWeights blends the impact dimension of a candidate.
type ImpactWeights struct {
	BCI              float64 `json:"bci" yaml:"bci"`
	CriticalAssetSVI float64 `json:"critical_asset_svi" yaml:"critical_asset_svi"`
	DataSensitivity  float64 `json:"data_sensitivity" yaml:"data_sensitivity"`
	RegulatoryFine   float64 `json:"regulatory_fine" yaml:"regulatory_fine"`
	BlastRadius      float64 `json:"blast_radius" yaml:"blast_radius"`
}

// ControlsDiscount configures per-control percentage reductions and the
// per-dimension cap. Percentages are in score points on the 0-100 scale.
type ControlsDiscount struct {
	EndpointCoverage     float64 `json:"endpoint_coverage" yaml:"endpoint_coverage"`
	SegmentationCoverage float64 `json:"segmentation_coverage" yaml:"segmentation_coverage"`
	PatchCadence         float64 `json:"patch_cadence" yaml:"patch_cadence"`
	BackupTested         float64 `json:"backup_tested" yaml:"backup_tested"`
	IdentityCoverage     float64 `json:"identity_coverage" yaml:"identity_coverage"`
	// LikelihoodCap and ImpactCap bound the total discount per
	// dimension so no combination of controls can zero out risk.
	LikelihoodCap float64 `json:"likelihood_cap" yaml:"likelihood_cap"`
	ImpactCap     float64 `json:"impact_cap" yaml:"impact_cap"`
}

// CompositeWeights blends adjusted likelihood/impact and the secondary
// terms into the final composite score.
type CompositeWeights struct {
	Likelihood          float64 `json:"likelihood" yaml:"likelihood"`
	Impact              float64 `json:"impact" yaml:"impact"`
	Confidence          float64 `json:"confidence" yaml:"confidence"`
	Freshness           float64 `json:"freshness" yaml:"freshness"`
	EvidenceQuality     float64 `json:"evidence_quality" yaml:"evidence_quality"`
	TechniqueComplexity float64 `json:"technique_complexity" yaml:"technique_complexity"`
	AssetCriticality    float64 `json:"asset_criticality" yaml:"asset_criticality"`
}

// Thresholds holds the decision cut points.
type Thresholds struct {
	AutoApproveConfidenceMin float64 `json:"auto_approve_confidence_min" yaml:"auto_approve_confidence_min"`
	AutoApproveCompositeMin  float64 `json:"auto_approve_composite_min" yaml:"auto_approve_composite_min"`
	SuppressConfidenceMax    float64 `json:"suppress_confidence_max" yaml:"suppress_confidence_max"`
	SuppressCompositeMax     float64 `json:"suppress_composite_max" yaml:"suppress_composite_max"`
	// OverrideTierMin is the minimum criticality tier for the
	// known-exploited override to fire.
	OverrideTierMin int `json:"override_tier_min" yaml:"override_tier_min"`
	// OverrideBypassesSuppress controls whether the known-exploited
	// override also rescues candidates that would otherwise be
	// suppressed.
	OverrideBypassesSuppress bool `json:"override_bypasses_suppress" yaml:"override_bypasses_suppress"`
}

// Merge configures deduplication behavior.
type Merge struct {
	WindowHours         int     `json:"window_hours" yaml:"window_hours"`
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold"`
	TitleWeight         float64 `json:"title_weight" yaml:"title_weight"`
	EvidenceWeight      float64 `json:"evidence_weight" yaml:"evidence_weight"`
}

// Policy is one immutable, versioned tenant policy document.
type Policy struct {
	TenantID    string    `json:"tenant_id" yaml:"tenant_id"`
	Version     int       `json:"version" yaml:"version"`
	Active      bool      `json:"active" yaml:"active"`
	PublishedAt time.Time `json:"published_at" yaml:"published_at"`
	PublishedBy string    `json:"published_by" yaml:"published_by"`

	SVI SVIWeights `json:"svi" yaml:"svi"`
	SEI SEIWeights `json:"sei" yaml:"sei"`
	BCI BCIWeights `json:"bci" yaml:"bci"`
	ERI ERIWeights `json:"eri" yaml:"eri"`

	Likelihood LikelihoodWeights `json:"likelihood" yaml:"likelihood"`
	Impact     ImpactWeights     `json:"impact" yaml:"impact"`
	Controls   ControlsDiscount  `json:"controls" yaml:"controls"`
	Composite  CompositeWeights  `json:"composite" yaml:"composite"`

	// CategoryMultipliers optionally scale the composite score per
	// risk category. Missing categories default to 1.0.
	CategoryMultipliers map[string]float64 `json:"category_multipliers,omitempty" yaml:"category_multipliers,omitempty"`

	Thresholds Thresholds `json:"thresholds" yaml:"thresholds"`
	Merge      Merge      `json:"merge" yaml:"merge"`

	// DecayHalfLifeHours drives the exponential time-decay applied to
	// vulnerability signals in SVI.
	DecayHalfLifeHours float64 `json:"decay_half_life_hours" yaml:"decay_half_life_hours"`
	// RetentionDays is the candidate expiry window with no signal
	// activity.
	RetentionDays int `json:"retention_days" yaml:"retention_days"`
}

// CategoryMultiplier returns the configured multiplier for a category,
// defaulting to 1.0.
func (p *Policy) CategoryMultiplier(category string) float64 {
	if p.CategoryMultipliers == nil {
		return 1.0
	}
	if m, ok := p.CategoryMultipliers[category]; ok {
		return m
	}
	return 1.0
}

// MergeWindow returns the merge window as a duration.
func (p *Policy) MergeWindow() time.Duration {
	return time.Duration(p.Merge.WindowHours) * time.Hour
}

// Default returns the baseline policy a tenant starts from. Weights are
// tuned so each index's contributions can reach but not exceed 100.
func Default(tenantID string) *Policy {
	return &Policy{
		TenantID: tenantID,
		Version:  1,
		Active:   true,
		SVI: SVIWeights{
			MeanSeverity:        0.45,
			KnownExploitedBonus: 20,
			PublicExploitBonus:  10,
			SLABreachPenalty:    15,
			ExposureBonus:       10,
			CriticalityTerm:     2,
		},
		SEI: SEIWeights{
			HighSeverityCount: 12,
			AttackChainBonus:  20,
			RecencyBonus:      10,
			EscalationBonus:   15,
			DwellTimePenalty:  0.5,
			EWMAAlpha:         0.4,
		},
		BCI: BCIWeights{
			CriticalityTier: 12,
			DataSensitivity: 25,
			Regulatory:      10,
			DependencyFanIn: 5,
		},
		ERI: ERIWeights{
			GeoEscalation:  40,
			SectorActivity: 40,
			VendorBreach:   20,
		},
		Likelihood: LikelihoodWeights{
			SEI:                0.35,
			Exploitability:     0.30,
			IntelCorroboration: 0.10,
			ChangeRisk:         0.10,
			ERI:                0.15,
		},
		Impact: ImpactWeights{
			BCI:              0.35,
			CriticalAssetSVI: 0.20,
			DataSensitivity:  0.20,
			RegulatoryFine:   0.10,
			BlastRadius:      0.15,
		},
		Controls: ControlsDiscount{
			EndpointCoverage:     12,
			SegmentationCoverage: 8,
			PatchCadence:         8,
			BackupTested:         15,
			IdentityCoverage:     10,
			LikelihoodCap:        30,
			ImpactCap:            30,
		},
		Composite: CompositeWeights{
			Likelihood:          0.40,
			Impact:              0.35,
			Confidence:          0.08,
			Freshness:           0.07,
			EvidenceQuality:     0.05,
			TechniqueComplexity: 0.02,
			AssetCriticality:    0.03,
		},
		Thresholds: Thresholds{
			AutoApproveConfidenceMin: 0.8,
			AutoApproveCompositeMin:  70,
			SuppressConfidenceMax:    0.3,
			SuppressCompositeMax:     25,
			OverrideTierMin:          4,
			OverrideBypassesSuppress: true,
		},
		Merge: Merge{
			WindowHours:         48,
			SimilarityThreshold: 0.8,
			TitleWeight:         0.6,
			EvidenceWeight:      0.4,
		},
		DecayHalfLifeHours: 720, // 30 days
		RetentionDays:      30,
	}
}

// Validate performs semantic validation beyond the JSON schema: weight
// signs, cap ranges, and threshold ordering.
func (p *Policy) Validate() error {
	if p.TenantID == "" {
		return fmt.Errorf("policy tenant_id is required")
	}
	if p.Version < 1 {
		return fmt.Errorf("policy version must be >= 1, got %d", p.Version)
	}
	for name, v := range map[string]float64{
		"likelihood.sei":                 p.Likelihood.SEI,
		"likelihood.exploitability":      p.Likelihood.Exploitability,
		"likelihood.intel_corroboration": p.Likelihood.IntelCorroboration,
		"likelihood.change_risk":         p.Likelihood.ChangeRisk,
		"likelihood.eri":                 p.Likelihood.ERI,
		"impact.bci":                     p.Impact.BCI,
		"impact.critical_asset_svi":      p.Impact.CriticalAssetSVI,
		"impact.data_sensitivity":        p.Impact.DataSensitivity,
		"impact.regulatory_fine":         p.Impact.RegulatoryFine,
		"impact.blast_radius":            p.Impact.BlastRadius,
		"composite.likelihood":           p.Composite.Likelihood,
		"composite.impact":               p.Composite.Impact,
	} {
		if v < 0 {
			return fmt.Errorf("weight %s must be non-negative, got %v", name, v)
		}
	}
	if p.Controls.LikelihoodCap < 0 || p.Controls.LikelihoodCap > 100 {
		return fmt.Errorf("controls likelihood_cap must be in [0,100], got %v", p.Controls.LikelihoodCap)
	}
	if p.Controls.ImpactCap < 0 || p.Controls.ImpactCap > 100 {
		return fmt.Errorf("controls impact_cap must be in [0,100], got %v", p.Controls.ImpactCap)
	}
	t := p.Thresholds
	if t.AutoApproveConfidenceMin < 0 || t.AutoApproveConfidenceMin > 1 {
		return fmt.Errorf("auto_approve_confidence_min must be in [0,1], got %v", t.AutoApproveConfidenceMin)
	}
	if t.SuppressConfidenceMax < 0 || t.SuppressConfidenceMax > 1 {
		return fmt.Errorf("suppress_confidence_max must be in [0,1], got %v", t.SuppressConfidenceMax)
	}
	if t.SuppressCompositeMax >= t.AutoApproveCompositeMin {
		return fmt.Errorf("suppress_composite_max (%v) must be below auto_approve_composite_min (%v)",
			t.SuppressCompositeMax, t.AutoApproveCompositeMin)
	}
	if t.SuppressConfidenceMax > t.AutoApproveConfidenceMin {
		return fmt.Errorf("suppress_confidence_max (%v) must not exceed auto_approve_confidence_min (%v)",
			t.SuppressConfidenceMax, t.AutoApproveConfidenceMin)
	}
	if p.Merge.SimilarityThreshold < 0 || p.Merge.SimilarityThreshold > 1 {
		return fmt.Errorf("merge similarity_threshold must be in [0,1], got %v", p.Merge.SimilarityThreshold)
	}
	if p.Merge.WindowHours <= 0 {
		return fmt.Errorf("merge window_hours must be positive, got %d", p.Merge.WindowHours)
	}
	if p.SEI.EWMAAlpha <= 0 || p.SEI.EWMAAlpha > 1 {
		return fmt.Errorf("sei ewma_alpha must be in (0,1], got %v", p.SEI.EWMAAlpha)
	}
	if p.DecayHalfLifeHours <= 0 {
		return fmt.Errorf("decay_half_life_hours must be positive, got %v", p.DecayHalfLifeHours)
	}
	return nil
}
