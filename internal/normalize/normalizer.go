// Package normalize converts heterogeneous source payloads into typed
// Signal records. Inputs arrive pre-parsed from the integration layer;
// this package only validates ranges and shapes them. Rejection is
// terminal for a payload — the caller re-submits, the normalizer never
// retries.
package normalize

import (
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
)

// ordinalSeverity maps the 1-4 ordinal scale onto the continuous 0-1
// scale used internally.
var ordinalSeverity = map[int]float64{1: 0.25, 2: 0.5, 3: 0.75, 4: 1.0}

// clockSkewTolerance allows for small disagreements between source
// clocks and ours.
const clockSkewTolerance = 5 * time.Minute

// RawSignal is the wire shape of one normalized-signal submission.
// Exactly one of Severity (continuous) or SeverityOrdinal must be set.
type RawSignal struct {
	TenantID        string    `json:"tenant_id"`
	ServiceID       string    `json:"service_id"`
	Category        string    `json:"category"`
	Severity        *float64  `json:"severity,omitempty"`
	SeverityOrdinal *int      `json:"severity_ordinal,omitempty"`
	Confidence      float64   `json:"confidence"`
	Source          string    `json:"source"`
	OccurredAt      time.Time `json:"occurred_at"`
	DetectedAt      time.Time `json:"detected_at"`

	KnownExploited      bool    `json:"known_exploited,omitempty"`
	PublicExploit       bool    `json:"public_exploit,omitempty"`
	PastSLA             bool    `json:"past_sla,omitempty"`
	InternetFacing      bool    `json:"internet_facing,omitempty"`
	AttackChain         bool    `json:"attack_chain,omitempty"`
	ConfirmedEscalation bool    `json:"confirmed_escalation,omitempty"`
	DwellTimeHours      float64 `json:"dwell_time_hours,omitempty"`
	GeoEscalation       float64 `json:"geo_escalation,omitempty"`
	SectorActivity      float64 `json:"sector_activity,omitempty"`
	VendorBreach        bool    `json:"vendor_breach,omitempty"`
	Corroborated        bool    `json:"corroborated,omitempty"`
}

// Rejection pairs a rejected record's batch position with the reason.
type Rejection struct {
	Index int                    `json:"index"`
	Err   *model.ValidationError `json:"error"`
}

// Normalizer validates raw signal payloads and emits immutable Signal
// records.
type Normalizer struct {
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Normalizer.
func New(logger *slog.Logger) *Normalizer {
	return &Normalizer{logger: logger, now: time.Now}
}

// Normalize processes a batch, returning accepted signals and
// per-record rejections. Order within the accepted slice follows batch
// order.
func (n *Normalizer) Normalize(batch []RawSignal) ([]model.Signal, []Rejection) {
	signals := make([]model.Signal, 0, len(batch))
	var rejections []Rejection

	for i, raw := range batch {
		sig, err := n.normalizeOne(raw)
		if err != nil {
			n.logger.Debug("Signal rejected", "index", i, "source", raw.Source, "error", err)
			rejections = append(rejections, Rejection{Index: i, Err: err})
			continue
		}
		signals = append(signals, sig)
	}
	return signals, rejections
}

func (n *Normalizer) normalizeOne(raw RawSignal) (model.Signal, *model.ValidationError) {
	if raw.TenantID == "" {
		return model.Signal{}, model.NewValidationError("tenant_id", "required")
	}
	if raw.ServiceID == "" {
		return model.Signal{}, model.NewValidationError("service_id", "required")
	}
	if raw.Source == "" {
		return model.Signal{}, model.NewValidationError("source", "required")
	}

	category := model.SignalCategory(raw.Category)
	if !model.ValidCategory(category) {
		return model.Signal{}, model.NewValidationError("category", "unknown category %q", raw.Category)
	}

	severity, verr := resolveSeverity(raw)
	if verr != nil {
		return model.Signal{}, verr
	}

	if raw.Confidence < 0 || raw.Confidence > 1 || !finite(raw.Confidence) {
		return model.Signal{}, model.NewValidationError("confidence", "must be in [0,1], got %v", raw.Confidence)
	}

	now := n.now()
	if raw.DetectedAt.IsZero() || raw.OccurredAt.IsZero() {
		return model.Signal{}, model.NewValidationError("timestamps", "occurred_at and detected_at are required")
	}
	if raw.DetectedAt.After(now.Add(clockSkewTolerance)) {
		return model.Signal{}, model.NewValidationError("detected_at", "in the future")
	}
	if raw.OccurredAt.After(raw.DetectedAt.Add(clockSkewTolerance)) {
		return model.Signal{}, model.NewValidationError("occurred_at", "after detected_at")
	}

	if raw.DwellTimeHours < 0 || !finite(raw.DwellTimeHours) {
		return model.Signal{}, model.NewValidationError("dwell_time_hours", "must be non-negative and finite")
	}
	if raw.GeoEscalation < 0 || raw.GeoEscalation > 1 || !finite(raw.GeoEscalation) {
		return model.Signal{}, model.NewValidationError("geo_escalation", "must be in [0,1]")
	}
	if raw.SectorActivity < 0 || raw.SectorActivity > 1 || !finite(raw.SectorActivity) {
		return model.Signal{}, model.NewValidationError("sector_activity", "must be in [0,1]")
	}

	return model.Signal{
		ID:         uuid.NewString(),
		TenantID:   raw.TenantID,
		ServiceID:  raw.ServiceID,
		Category:   category,
		Severity:   severity,
		Confidence: raw.Confidence,
		Source:     raw.Source,
		OccurredAt: raw.OccurredAt.UTC(),
		DetectedAt: raw.DetectedAt.UTC(),

		KnownExploited:      raw.KnownExploited,
		PublicExploit:       raw.PublicExploit,
		PastSLA:             raw.PastSLA,
		InternetFacing:      raw.InternetFacing,
		AttackChain:         raw.AttackChain,
		ConfirmedEscalation: raw.ConfirmedEscalation,
		DwellTimeHours:      raw.DwellTimeHours,
		GeoEscalation:       raw.GeoEscalation,
		SectorActivity:      raw.SectorActivity,
		VendorBreach:        raw.VendorBreach,
		Corroborated:        raw.Corroborated,
	}, nil
}

func resolveSeverity(raw RawSignal) (float64, *model.ValidationError) {
	switch {
	case raw.Severity != nil && raw.SeverityOrdinal != nil:
		return 0, model.NewValidationError("severity", "severity and severity_ordinal are mutually exclusive")
	case raw.Severity != nil:
		v := *raw.Severity
		if v < 0 || v > 1 || !finite(v) {
			return 0, model.NewValidationError("severity", "must be in [0,1], got %v", v)
		}
		return v, nil
	case raw.SeverityOrdinal != nil:
		v, ok := ordinalSeverity[*raw.SeverityOrdinal]
		if !ok {
			return 0, model.NewValidationError("severity_ordinal", "must be 1-4, got %d", *raw.SeverityOrdinal)
		}
		return v, nil
	default:
		return 0, model.NewValidationError("severity", "required")
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
