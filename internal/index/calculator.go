// Package index reduces a service's recent signal window into the four
// 0-100 risk indices: SVI (vulnerability), SEI (security events),
// BCI (business context), ERI (external).
package index

import (
	"log/slog"
	"math"
	"time"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/policy"
)

// highSeverityFloor marks the normalized severity at which an event
// counts as high severity (ordinal 3 and above).
const highSeverityFloor = 0.75

// Calculator computes service indices from the signal window. It holds
// no mutable state of its own: EWMA continuity comes from the
// previously persisted SEI on the service record, so a computation is a
// pure function of (service, window, policy, now).
type Calculator struct {
	window *SignalWindow
	graph  *DepGraph
	logger *slog.Logger
}

// NewCalculator creates a Calculator over the given window and graph.
func NewCalculator(window *SignalWindow, graph *DepGraph, logger *slog.Logger) *Calculator {
	return &Calculator{window: window, graph: graph, logger: logger}
}

// Compute derives fresh indices for a service under the given policy.
// The previous indices on svc feed SEI smoothing and trend detection;
// svc itself is not mutated.
func (c *Calculator) Compute(svc *model.Service, pol *policy.Policy, now time.Time) model.ServiceIndices {
	within := time.Duration(pol.DecayHalfLifeHours*2) * time.Hour

	vulns := c.window.RecentByCategory(svc.ID, model.CategoryVulnerability, within, now)
	events := c.window.RecentByCategory(svc.ID, model.CategorySecurityEvent, within, now)
	external := c.window.RecentByCategory(svc.ID, model.CategoryExternal, within, now)

	svi := c.computeSVI(svc, vulns, pol, now)
	sei := c.computeSEI(svc, events, pol, now)
	bci := c.computeBCI(svc, pol)
	eri := c.computeERI(external, pol)

	indices := model.ServiceIndices{
		SVI:            svi,
		SEI:            sei,
		BCI:            bci,
		ERI:            eri,
		Composite:      clamp100((svi + sei + bci + eri) / 4),
		PolicyVersion:  pol.Version,
		LastComputedAt: now.UTC(),
	}

	c.logger.Debug("Service indices computed",
		"service_id", svc.ID,
		"svi", indices.SVI, "sei", indices.SEI,
		"bci", indices.BCI, "eri", indices.ERI,
		"policy_version", pol.Version)
	return indices
}

// TrendFor compares freshly computed indices against the previous ones.
func TrendFor(previous, current model.ServiceIndices) model.Trend {
	const deadband = 1.0
	delta := current.Composite - previous.Composite
	switch {
	case delta > deadband:
		return model.TrendRising
	case delta < -deadband:
		return model.TrendFalling
	default:
		return model.TrendStable
	}
}

func (c *Calculator) computeSVI(svc *model.Service, vulns []model.Signal, pol *policy.Policy, now time.Time) float64 {
	if len(vulns) == 0 {
		return 0
	}
	w := pol.SVI

	var severitySum, ageSum float64
	var exploited, public bool
	var pastSLA, exposed int
	for _, v := range vulns {
		severitySum += v.Severity
		ageSum += v.Age(now).Hours()
		exploited = exploited || v.KnownExploited
		public = public || v.PublicExploit
		if v.PastSLA {
			pastSLA++
		}
		if v.InternetFacing {
			exposed++
		}
	}
	n := float64(len(vulns))

	sum := (severitySum / n * 100) * w.MeanSeverity
	if exploited {
		sum += w.KnownExploitedBonus
	}
	if public {
		sum += w.PublicExploitBonus
	}
	sum += float64(pastSLA) / n * w.SLABreachPenalty
	sum += float64(exposed) / n * w.ExposureBonus
	sum += float64(svc.CriticalityTier) * w.CriticalityTerm

	// Half-life decay over the mean signal age.
	meanAge := ageSum / n
	decay := math.Exp2(-meanAge / pol.DecayHalfLifeHours)

	return clamp100(sum) * decay
}

func (c *Calculator) computeSEI(svc *model.Service, events []model.Signal, pol *policy.Policy, now time.Time) float64 {
	w := pol.SEI

	var sum float64
	if len(events) > 0 {
		var high int
		var attackChain, recent, escalated bool
		var dwellSum float64
		for _, ev := range events {
			if ev.Severity >= highSeverityFloor {
				high++
			}
			attackChain = attackChain || ev.AttackChain
			escalated = escalated || ev.ConfirmedEscalation
			if ev.Age(now) <= 24*time.Hour {
				recent = true
			}
			dwellSum += ev.DwellTimeHours
		}

		sum = float64(high) * w.HighSeverityCount
		if attackChain {
			sum += w.AttackChainBonus
		}
		if recent {
			sum += w.RecencyBonus
		}
		if escalated {
			sum += w.EscalationBonus
		}
		sum += dwellSum / float64(len(events)) * w.DwellTimePenalty
	}

	raw := clamp100(sum)

	// EWMA across passes keeps a single burst from dominating the
	// index. Alpha 1.0 degrades to pure window recomputation.
	prev := svc.Indices.SEI
	return clamp100(w.EWMAAlpha*raw + (1-w.EWMAAlpha)*prev)
}

func (c *Calculator) computeBCI(svc *model.Service, pol *policy.Policy) float64 {
	w := pol.BCI

	sum := float64(svc.CriticalityTier) * w.CriticalityTier
	sum += svc.DataSensitivity * w.DataSensitivity
	if svc.Regulated {
		sum += w.Regulatory
	}
	fanIn := c.graph.FanIn(svc.ID)
	if fanIn > 8 {
		fanIn = 8
	}
	sum += float64(fanIn) * w.DependencyFanIn

	return clamp100(sum)
}

func (c *Calculator) computeERI(external []model.Signal, pol *policy.Policy) float64 {
	if len(external) == 0 {
		return 0
	}
	w := pol.ERI

	var geo, sector float64
	var breach bool
	for _, ex := range external {
		if ex.GeoEscalation > geo {
			geo = ex.GeoEscalation
		}
		if ex.SectorActivity > sector {
			sector = ex.SectorActivity
		}
		breach = breach || ex.VendorBreach
	}

	sum := geo*w.GeoEscalation + sector*w.SectorActivity
	if breach {
		sum += w.VendorBreach
	}
	return clamp100(sum)
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
