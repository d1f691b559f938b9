// Package score produces the explainable composite risk score for a
// candidate: a policy-weighted blend of likelihood and impact, reduced
// by a capped controls discount, with every contributing factor
// recorded for audit.
package score

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/policy"
)

// patchLatencyFullDays is the median patch latency at which the patch
// cadence control stops granting any discount.
const patchLatencyFullDays = 30

// backupStaleDays is the DR-test recency beyond which the backup
// control stops granting any discount.
const backupStaleDays = 180

// Inputs carries everything a scoring pass needs. Posture may be nil
// when the provider is unreachable; scoring then proceeds with zero
// discount and the result is flagged degraded.
type Inputs struct {
	Service     *model.Service
	Evidence    []model.Signal
	Posture     *model.ControlsPosture
	BlastRadius float64 // bounded-hop dependent weight from the graph
	PostureStale bool   // posture came from a stale cache
	Now         time.Time
}

// Result is the outcome of one scoring pass.
type Result struct {
	RawLikelihood      float64
	RawImpact          float64
	LikelihoodDiscount float64
	ImpactDiscount     float64
	Likelihood         float64
	Impact             float64
	Composite          float64
	Confidence         float64
	Degraded           bool
	Explanation        model.Explanation
}

// Scorer computes composite scores. It is stateless; determinism is
// guaranteed given identical inputs and policy version.
type Scorer struct {
	logger *slog.Logger
}

// NewScorer creates a Scorer.
func NewScorer(logger *slog.Logger) *Scorer {
	return &Scorer{logger: logger}
}

// Score runs the full pipeline: raw likelihood and impact, controls
// discount, composite blend, and the explanation record. All
// intermediate math stays in floating point; only the persisted values
// are rounded.
func (s *Scorer) Score(candidateID string, category model.SignalCategory, in Inputs, pol *policy.Policy) Result {
	confidence := evidenceConfidence(in.Evidence)

	likelihoodTerms := s.likelihoodTerms(in)
	rawLikelihood := blend(likelihoodTerms, likelihoodWeights(pol))

	impactTerms := s.impactTerms(in)
	rawImpact := blend(impactTerms, impactWeights(pol))

	ldisc, idisc, discounts := s.controlsDiscount(in.Posture, pol)
	adjLikelihood := math.Max(0, rawLikelihood-ldisc)
	adjImpact := math.Max(0, rawImpact-idisc)

	compositeTerms := map[string]float64{
		"likelihood":           adjLikelihood,
		"impact":               adjImpact,
		"confidence":           confidence * 100,
		"freshness":            freshness(in.Evidence, in.Now),
		"evidence_quality":     evidenceQuality(in.Evidence),
		"technique_complexity": techniqueComplexity(in.Evidence),
		"asset_criticality":    float64(in.Service.CriticalityTier) / 5 * 100,
	}
	weights := compositeWeights(pol)
	composite := blend(compositeTerms, weights) * pol.CategoryMultiplier(string(category))
	composite = clamp100(composite)

	degraded := in.Posture == nil || in.PostureStale

	factors := explainFactors(compositeTerms, weights)
	explanation := model.Explanation{
		ID:            uuid.NewString(),
		CandidateID:   candidateID,
		Factors:       factors,
		Discounts:     discounts,
		PolicyVersion: pol.Version,
		Degraded:      degraded,
		ComputedAt:    in.Now.UTC(),
	}

	res := Result{
		RawLikelihood:      rawLikelihood,
		RawImpact:          rawImpact,
		LikelihoodDiscount: round2(ldisc),
		ImpactDiscount:     round2(idisc),
		Likelihood:         round2(adjLikelihood),
		Impact:             round2(adjImpact),
		Composite:          round2(composite),
		Confidence:         confidence,
		Degraded:           degraded,
		Explanation:        explanation,
	}

	s.logger.Debug("Candidate scored",
		"candidate_id", candidateID,
		"composite", res.Composite,
		"likelihood", res.Likelihood,
		"impact", res.Impact,
		"degraded", degraded,
		"policy_version", pol.Version)
	return res
}

// likelihoodTerms computes the five likelihood inputs on the 0-100
// scale.
func (s *Scorer) likelihoodTerms(in Inputs) map[string]float64 {
	return map[string]float64{
		"sei":                 in.Service.Indices.SEI,
		"exploitability":      exploitability(in.Evidence),
		"intel_corroboration": corroboration(in.Evidence),
		"change_risk":         changeRisk(in.Evidence),
		"eri":                 in.Service.Indices.ERI,
	}
}

// impactTerms computes the five impact inputs on the 0-100 scale.
func (s *Scorer) impactTerms(in Inputs) map[string]float64 {
	svc := in.Service

	// SVI counts fully toward impact only on high-criticality assets.
	criticalSVI := svc.Indices.SVI * float64(svc.CriticalityTier) / 5

	regulatory := 0.0
	if svc.Regulated {
		regulatory = 60 + 40*svc.DataSensitivity
	}

	radius := in.BlastRadius
	if radius > 10 {
		radius = 10
	}

	return map[string]float64{
		"bci":                svc.Indices.BCI,
		"critical_asset_svi": criticalSVI,
		"data_sensitivity":   svc.DataSensitivity * 100,
		"regulatory_fine":    regulatory,
		"blast_radius":       radius / 10 * 100,
	}
}

// controlsDiscount computes the per-dimension discounts from posture,
// capped so no control mix can zero out risk. A nil posture yields zero
// discount.
func (s *Scorer) controlsDiscount(posture *model.ControlsPosture, pol *policy.Policy) (likelihood, impact float64, applied []model.Discount) {
	if posture == nil {
		return 0, 0, nil
	}
	w := pol.Controls

	add := func(control, dimension string, magnitude float64) {
		if magnitude <= 0 {
			return
		}
		applied = append(applied, model.Discount{Control: control, Dimension: dimension, Magnitude: round2(magnitude)})
		if dimension == "likelihood" {
			likelihood += magnitude
		} else {
			impact += magnitude
		}
	}

	add("endpoint_detection", "likelihood", posture.EndpointCoverage*w.EndpointCoverage)
	add("network_segmentation", "likelihood", posture.SegmentationCoverage*w.SegmentationCoverage)
	add("identity_mfa", "likelihood", posture.IdentityCoverage*w.IdentityCoverage)

	patchFactor := 1 - posture.PatchLatencyDays/patchLatencyFullDays
	if patchFactor < 0 {
		patchFactor = 0
	}
	add("patch_cadence", "likelihood", patchFactor*w.PatchCadence)

	backupFactor := 1 - posture.BackupTestedDays/backupStaleDays
	if backupFactor < 0 {
		backupFactor = 0
	}
	add("backup_dr", "impact", backupFactor*w.BackupTested)
	add("network_segmentation", "impact", posture.SegmentationCoverage*w.SegmentationCoverage/2)

	if likelihood > w.LikelihoodCap {
		likelihood = w.LikelihoodCap
	}
	if impact > w.ImpactCap {
		impact = w.ImpactCap
	}
	return likelihood, impact, applied
}

func exploitability(evidence []model.Signal) float64 {
	var sum float64
	var n int
	var exploited, public bool
	for _, sig := range evidence {
		if sig.Category != model.CategoryVulnerability {
			continue
		}
		sum += sig.Severity
		n++
		exploited = exploited || sig.KnownExploited
		public = public || sig.PublicExploit
	}
	if n == 0 {
		return 0
	}
	v := sum / float64(n) * 60
	if exploited {
		v += 30
	}
	if public {
		v += 10
	}
	return clamp100(v)
}

func corroboration(evidence []model.Signal) float64 {
	if len(evidence) == 0 {
		return 0
	}
	var corroborated int
	for _, sig := range evidence {
		if sig.Corroborated {
			corroborated++
		}
	}
	return float64(corroborated) / float64(len(evidence)) * 100
}

// changeRisk measures recent risky operational changes, carried by
// business-context signals on the candidate's evidence set.
func changeRisk(evidence []model.Signal) float64 {
	var sum float64
	var n int
	for _, sig := range evidence {
		if sig.Category != model.CategoryBusinessContext {
			continue
		}
		sum += sig.Severity
		n++
	}
	if n == 0 {
		return 0
	}
	return clamp100(sum / float64(n) * 100)
}

// evidenceConfidence is the maximum source confidence across the
// evidence set, nudged upward when several sources agree.
func evidenceConfidence(evidence []model.Signal) float64 {
	if len(evidence) == 0 {
		return 0
	}
	var max float64
	sources := map[string]bool{}
	for _, sig := range evidence {
		if sig.Confidence > max {
			max = sig.Confidence
		}
		sources[sig.Source] = true
	}
	bonus := float64(len(sources)-1) * 0.05
	if bonus > 0.15 {
		bonus = 0.15
	}
	v := max + bonus
	if v > 1 {
		v = 1
	}
	return v
}

// freshness scores how recent the newest evidence is, decaying over a
// week.
func freshness(evidence []model.Signal, now time.Time) float64 {
	if len(evidence) == 0 {
		return 0
	}
	newest := evidence[0].DetectedAt
	for _, sig := range evidence[1:] {
		if sig.DetectedAt.After(newest) {
			newest = sig.DetectedAt
		}
	}
	ageHours := now.Sub(newest).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	return 100 * math.Exp2(-ageHours/168)
}

// evidenceQuality rewards both volume and mean source confidence.
func evidenceQuality(evidence []model.Signal) float64 {
	if len(evidence) == 0 {
		return 0
	}
	var sum float64
	for _, sig := range evidence {
		sum += sig.Confidence
	}
	mean := sum / float64(len(evidence))
	volume := float64(len(evidence)) / 5
	if volume > 1 {
		volume = 1
	}
	return clamp100(mean * volume * 100)
}

func techniqueComplexity(evidence []model.Signal) float64 {
	for _, sig := range evidence {
		if sig.AttackChain {
			return 100
		}
	}
	return 0
}

func likelihoodWeights(pol *policy.Policy) map[string]float64 {
	w := pol.Likelihood
	return map[string]float64{
		"sei":                 w.SEI,
		"exploitability":      w.Exploitability,
		"intel_corroboration": w.IntelCorroboration,
		"change_risk":         w.ChangeRisk,
		"eri":                 w.ERI,
	}
}

func impactWeights(pol *policy.Policy) map[string]float64 {
	w := pol.Impact
	return map[string]float64{
		"bci":                w.BCI,
		"critical_asset_svi": w.CriticalAssetSVI,
		"data_sensitivity":   w.DataSensitivity,
		"regulatory_fine":    w.RegulatoryFine,
		"blast_radius":       w.BlastRadius,
	}
}

func compositeWeights(pol *policy.Policy) map[string]float64 {
	w := pol.Composite
	return map[string]float64{
		"likelihood":           w.Likelihood,
		"impact":               w.Impact,
		"confidence":           w.Confidence,
		"freshness":            w.Freshness,
		"evidence_quality":     w.EvidenceQuality,
		"technique_complexity": w.TechniqueComplexity,
		"asset_criticality":    w.AssetCriticality,
	}
}

// blend computes the weight-normalized sum of terms. With all terms on
// the 0-100 scale the result stays on it.
func blend(terms, weights map[string]float64) float64 {
	var sum, totalWeight float64
	for name, term := range terms {
		w := weights[name]
		sum += term * w
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0
	}
	return sum / totalWeight
}

var factorReasons = map[string]string{
	"likelihood":           "adjusted likelihood after controls discount",
	"impact":               "adjusted impact after controls discount",
	"confidence":           "source confidence across contributing signals",
	"freshness":            "recency of the newest contributing signal",
	"evidence_quality":     "volume and confidence of the evidence set",
	"technique_complexity": "multi-stage attack technique observed",
	"asset_criticality":    "criticality tier of the affected service",
}

// explainFactors converts the weighted terms into explanation factors,
// ordered by absolute contribution descending. Ties break on name so
// the ordering is deterministic.
func explainFactors(terms, weights map[string]float64) []model.Factor {
	var totalWeight float64
	for name := range terms {
		totalWeight += weights[name]
	}
	if totalWeight == 0 {
		return nil
	}

	factors := make([]model.Factor, 0, len(terms))
	for name, term := range terms {
		contribution := term * weights[name] / totalWeight
		factors = append(factors, model.Factor{
			Name:         name,
			Contribution: round2(contribution),
			Reason:       factorReasons[name],
		})
	}
	sort.Slice(factors, func(i, j int) bool {
		ci, cj := math.Abs(factors[i].Contribution), math.Abs(factors[j].Contribution)
		if ci != cj {
			return ci > cj
		}
		return factors[i].Name < factors[j].Name
	})
	return factors
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
