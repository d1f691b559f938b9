package model

import (
	"time"
)

// SignalCategory classifies a normalized signal.
type SignalCategory string

const (
	CategoryVulnerability   SignalCategory = "vulnerability"
	CategorySecurityEvent   SignalCategory = "security_event"
	CategoryBusinessContext SignalCategory = "business_context"
	CategoryExternal        SignalCategory = "external"
)

// ValidCategory reports whether c is one of the four signal categories.
func ValidCategory(c SignalCategory) bool {
	switch c {
	case CategoryVulnerability, CategorySecurityEvent, CategoryBusinessContext, CategoryExternal:
		return true
	}
	return false
}

// Signal is an atomic normalized observation attributed to a service.
// Signals are immutable once stored; newer signals supersede older ones.
type Signal struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	ServiceID  string         `json:"service_id"`
	Category   SignalCategory `json:"category"`
	// Severity is normalized to 0.0-1.0. Ordinal inputs (1-4) are mapped
	// by the normalizer before the signal is stored.
	Severity   float64        `json:"severity"`
	Confidence float64        `json:"confidence"`
	Source     string         `json:"source"`
	OccurredAt time.Time      `json:"occurred_at"`
	DetectedAt time.Time      `json:"detected_at"`

	// Vulnerability-specific flags.
	KnownExploited bool `json:"known_exploited,omitempty"`
	PublicExploit  bool `json:"public_exploit,omitempty"`
	PastSLA        bool `json:"past_sla,omitempty"`
	InternetFacing bool `json:"internet_facing,omitempty"`

	// Security-event-specific flags.
	AttackChain         bool    `json:"attack_chain,omitempty"`
	ConfirmedEscalation bool    `json:"confirmed_escalation,omitempty"`
	DwellTimeHours      float64 `json:"dwell_time_hours,omitempty"`

	// External-signal fields.
	GeoEscalation  float64 `json:"geo_escalation,omitempty"`  // 0-1
	SectorActivity float64 `json:"sector_activity,omitempty"` // 0-1
	VendorBreach   bool    `json:"vendor_breach,omitempty"`

	// Corroborated is set when a second independent source confirms
	// the same indicator.
	Corroborated bool `json:"corroborated,omitempty"`
}

// Age returns the age of the signal at the given instant, measured from
// detection time.
func (s *Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.DetectedAt)
}

// ServiceIndices holds the four per-service risk indices plus their
// composite, all on a 0-100 scale.
type ServiceIndices struct {
	SVI            float64   `json:"svi"`
	SEI            float64   `json:"sei"`
	BCI            float64   `json:"bci"`
	ERI            float64   `json:"eri"`
	Composite      float64   `json:"composite"`
	PolicyVersion  int       `json:"policy_version"`
	LastComputedAt time.Time `json:"last_computed_at"`
}

// Trend indicates the direction a service's composite index moved over
// the last two computations.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

// Service is a business/technical unit being protected. Services are
// never deleted, only deactivated.
type Service struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	Name            string         `json:"name"`
	CriticalityTier int            `json:"criticality_tier"` // 1 (lowest) to 5 (highest)
	DataSensitivity float64        `json:"data_sensitivity"` // 0-1
	Regulated       bool           `json:"regulated"`
	InternetFacing  bool           `json:"internet_facing"`
	Active          bool           `json:"active"`
	Indices         ServiceIndices `json:"indices"`
	Trend           Trend          `json:"trend"`
}

// ControlsPosture is the per-service record of control coverage ratios.
// It is a read-only input to the scorer, maintained by an external
// collaborator.
type ControlsPosture struct {
	ServiceID            string    `json:"service_id"`
	EndpointCoverage     float64   `json:"endpoint_coverage"`      // 0-1
	SegmentationCoverage float64   `json:"segmentation_coverage"`  // 0-1
	PatchLatencyDays     float64   `json:"patch_latency_days"`     // median
	BackupTestedDays     float64   `json:"backup_tested_days"`     // days since last DR test
	IdentityCoverage     float64   `json:"identity_coverage"`      // MFA coverage, 0-1
	AsOf                 time.Time `json:"as_of"`
}

// DecisionState is the lifecycle classification of a risk candidate.
type DecisionState string

const (
	StateCreated       DecisionState = "created"
	StateScored        DecisionState = "scored"
	StateAutoApproved  DecisionState = "auto_approved"
	StatePendingReview DecisionState = "pending_review"
	StateSuppressed    DecisionState = "suppressed"
	StateMerged        DecisionState = "merged"
	StateExpired       DecisionState = "expired"
	StatePromoted      DecisionState = "promoted"
)

// Terminal reports whether the state admits no further transitions.
func (s DecisionState) Terminal() bool {
	switch s {
	case StateMerged, StateExpired, StatePromoted:
		return true
	}
	return false
}

// Transition records one decision-state change on a candidate.
type Transition struct {
	From     DecisionState `json:"from"`
	To       DecisionState `json:"to"`
	At       time.Time     `json:"at"`
	Actor    string        `json:"actor"` // "engine" or a reviewer identity
	Note     string        `json:"note,omitempty"`
}

// Factor is one contributing factor inside an explanation record.
type Factor struct {
	Name         string  `json:"name"`
	Contribution float64 `json:"contribution"`
	Reason       string  `json:"reason"`
}

// Discount is one applied controls discount inside an explanation record.
type Discount struct {
	Control   string  `json:"control"`
	Dimension string  `json:"dimension"` // "likelihood" or "impact"
	Magnitude float64 `json:"magnitude"` // score points, 0-100 scale
}

// Explanation is the audit record attached to a candidate at each
// scoring pass. Explanations are append-only: re-scoring produces a new
// snapshot and retains the previous ones.
type Explanation struct {
	ID            string     `json:"id"`
	CandidateID   string     `json:"candidate_id"`
	Factors       []Factor   `json:"factors"` // ordered by |contribution| desc
	Discounts     []Discount `json:"discounts"`
	PolicyVersion int        `json:"policy_version"`
	Degraded      bool       `json:"degraded"` // scored with stale or missing inputs
	ComputedAt    time.Time  `json:"computed_at"`
}

// Annotation is enrichment attached to a candidate by an annotator. It
// never influences scoring or decisions.
type Annotation struct {
	Summary     string    `json:"summary"`
	Remediation string    `json:"remediation,omitempty"`
	Provider    string    `json:"provider"`
	AnnotatedAt time.Time `json:"annotated_at"`
}

// Candidate is a unit of work produced by the engine: one potential
// risk, scored and classified.
type Candidate struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	ServiceID   string         `json:"service_id"`
	Category    SignalCategory `json:"category"`
	Title       string         `json:"title"`
	Description string         `json:"description"`

	Likelihood         float64 `json:"likelihood"`          // 0-100, after discount
	Impact             float64 `json:"impact"`              // 0-100, after discount
	LikelihoodDiscount float64 `json:"likelihood_discount"` // 0-100 score points
	ImpactDiscount     float64 `json:"impact_discount"`     // 0-100 score points
	Composite          float64 `json:"composite"`           // 0-100
	Confidence         float64 `json:"confidence"`          // 0-1

	State      DecisionState `json:"state"`
	DedupeKey  string        `json:"dedupe_key"`
	MergedInto string        `json:"merged_into,omitempty"`

	SignalIDs    []string     `json:"signal_ids"`
	Explanations []Explanation `json:"explanations"`
	Transitions  []Transition  `json:"transitions"`
	Annotation   *Annotation   `json:"annotation,omitempty"`

	PolicyVersion int       `json:"policy_version"`
	Degraded      bool      `json:"degraded"`
	CreatedAt     time.Time `json:"created_at"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
	// LastSignalAt is the last time the evidence set changed. Retention
	// expiry is measured from it, not from re-scoring passes.
	LastSignalAt time.Time `json:"last_signal_at"`

	// Version supports optimistic concurrency on updates.
	Version int64 `json:"version"`
}

// LatestExplanation returns the most recent explanation snapshot, or nil
// if the candidate has never been scored.
func (c *Candidate) LatestExplanation() *Explanation {
	if len(c.Explanations) == 0 {
		return nil
	}
	return &c.Explanations[len(c.Explanations)-1]
}

// HasSignal reports whether the candidate already references the signal.
func (c *Candidate) HasSignal(id string) bool {
	for _, s := range c.SignalIDs {
		if s == id {
			return true
		}
	}
	return false
}

// PromotionEvent is the payload emitted when a candidate is handed off
// to the external risk register.
type PromotionEvent struct {
	Candidate   Candidate   `json:"candidate"`
	Explanation Explanation `json:"explanation"`
	EmittedAt   time.Time   `json:"emitted_at"`
}
