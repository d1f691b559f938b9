// Package decision classifies scored candidates against the active
// tenant policy and enforces the candidate lifecycle state machine.
package decision

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/policy"
)

// allowedTransitions is the lifecycle state machine. Expiry is handled
// separately: any non-terminal state may expire.
var allowedTransitions = map[model.DecisionState][]model.DecisionState{
	model.StateCreated:       {model.StateScored, model.StateMerged},
	model.StateScored:        {model.StateAutoApproved, model.StatePendingReview, model.StateSuppressed, model.StateMerged},
	model.StateAutoApproved:  {model.StatePendingReview, model.StatePromoted, model.StateMerged},
	model.StatePendingReview: {model.StateAutoApproved, model.StateSuppressed, model.StateMerged},
	model.StateSuppressed:    {model.StateScored, model.StateMerged},
}

// CanTransition reports whether the lifecycle permits from -> to.
func CanTransition(from, to model.DecisionState) bool {
	if to == model.StateExpired {
		return !from.Terminal()
	}
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// OverrideInputs carries the evidence facts the known-exploited
// override needs.
type OverrideInputs struct {
	KnownExploited  bool
	InternetFacing  bool
	CriticalityTier int
}

// Engine evaluates decision policy for candidates.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a decision Engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// Classify returns the decision state for a scored candidate under the
// policy thresholds. The known-exploited override forces auto-approval
// on internet-exposed, high-criticality services regardless of
// confidence; whether it also rescues would-be-suppressed candidates is
// policy-controlled.
func (e *Engine) Classify(composite, confidence float64, override OverrideInputs, pol *policy.Policy) model.DecisionState {
	t := pol.Thresholds

	overrideFires := override.KnownExploited &&
		override.InternetFacing &&
		override.CriticalityTier >= t.OverrideTierMin

	suppressed := confidence < t.SuppressConfidenceMax || composite < t.SuppressCompositeMax
	if suppressed {
		if overrideFires && t.OverrideBypassesSuppress {
			return model.StateAutoApproved
		}
		return model.StateSuppressed
	}

	if overrideFires {
		return model.StateAutoApproved
	}
	if confidence >= t.AutoApproveConfidenceMin && composite >= t.AutoApproveCompositeMin {
		return model.StateAutoApproved
	}
	return model.StatePendingReview
}

// Apply transitions a candidate to the next state, recording the
// transition. It returns model.ErrInvalidTransition when the lifecycle
// forbids the move, and is a no-op when the state is unchanged.
func (e *Engine) Apply(c *model.Candidate, next model.DecisionState, actor, note string, now time.Time) error {
	if c.State == next {
		return nil
	}
	if !CanTransition(c.State, next) {
		return fmt.Errorf("%s -> %s: %w", c.State, next, model.ErrInvalidTransition)
	}

	c.Transitions = append(c.Transitions, model.Transition{
		From:  c.State,
		To:    next,
		At:    now.UTC(),
		Actor: actor,
		Note:  note,
	})
	e.logger.Info("Candidate state transition",
		"candidate_id", c.ID, "from", c.State, "to", next, "actor", actor)
	c.State = next
	return nil
}

// Reclassify re-runs classification on an already classified candidate
// after a re-scoring pass. Auto-approved candidates may downgrade to
// pending review when evidence weakens, but never vanish; the
// transition trail records every move.
func (e *Engine) Reclassify(c *model.Candidate, override OverrideInputs, pol *policy.Policy, now time.Time) error {
	next := e.Classify(c.Composite, c.Confidence, override, pol)
	if c.State == next {
		return nil
	}

	switch c.State {
	case model.StateAutoApproved:
		// A human-visible approval only ever weakens to review, it is
		// never silently suppressed.
		if next == model.StateSuppressed {
			next = model.StatePendingReview
		}
	case model.StatePendingReview:
		// Human queue entries are not auto-suppressed behind the
		// reviewer's back; stronger evidence may still auto-approve.
		if next == model.StateSuppressed {
			return nil
		}
	case model.StateSuppressed:
		// Suppressed candidates can resurface via scored.
		if err := e.Apply(c, model.StateScored, "engine", "re-scored with new evidence", now); err != nil {
			return err
		}
	}
	return e.Apply(c, next, "engine", "policy re-evaluation", now)
}

// Expired reports whether a candidate has passed the retention window
// with no further signal activity. The clock starts at the last change
// to the evidence set; periodic re-scoring does not reset it.
func Expired(c *model.Candidate, pol *policy.Policy, now time.Time) bool {
	if c.State.Terminal() {
		return false
	}
	last := c.LastSignalAt
	if last.IsZero() {
		last = c.CreatedAt
	}
	retention := time.Duration(pol.RetentionDays) * 24 * time.Hour
	return now.Sub(last) > retention
}
