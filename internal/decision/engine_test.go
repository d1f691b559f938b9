package decision

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/policy"
)

var decisionNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.DecisionState
		want     bool
	}{
		{model.StateCreated, model.StateScored, true},
		{model.StateCreated, model.StateAutoApproved, false},
		{model.StateScored, model.StateAutoApproved, true},
		{model.StateScored, model.StatePendingReview, true},
		{model.StateScored, model.StateSuppressed, true},
		{model.StateAutoApproved, model.StatePromoted, true},
		{model.StateAutoApproved, model.StatePendingReview, true},
		{model.StateAutoApproved, model.StateSuppressed, false},
		{model.StatePendingReview, model.StateAutoApproved, true},
		{model.StatePendingReview, model.StateSuppressed, true},
		{model.StateSuppressed, model.StateScored, true},
		{model.StateSuppressed, model.StateAutoApproved, false},
		// Expiry from any non-terminal state, never from terminal ones.
		{model.StatePendingReview, model.StateExpired, true},
		{model.StateCreated, model.StateExpired, true},
		{model.StatePromoted, model.StateExpired, false},
		{model.StateMerged, model.StateExpired, false},
		{model.StatePromoted, model.StateScored, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestClassifyThresholds(t *testing.T) {
	e := NewEngine(slog.Default())
	pol := policy.Default("tenant-1")
	none := OverrideInputs{}

	tests := []struct {
		name       string
		composite  float64
		confidence float64
		want       model.DecisionState
	}{
		{"strong and confident", 85, 0.9, model.StateAutoApproved},
		{"at exact thresholds", 70, 0.8, model.StateAutoApproved},
		{"strong but uncertain", 85, 0.6, model.StatePendingReview},
		{"confident but weak score", 40, 0.9, model.StatePendingReview},
		{"low confidence", 50, 0.2, model.StateSuppressed},
		{"low composite", 20, 0.9, model.StateSuppressed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Classify(tt.composite, tt.confidence, none, pol))
		})
	}
}

func TestClassifyKnownExploitedOverride(t *testing.T) {
	e := NewEngine(slog.Default())
	pol := policy.Default("tenant-1")
	override := OverrideInputs{KnownExploited: true, InternetFacing: true, CriticalityTier: 5}

	// Moderate confidence that would otherwise land in review.
	assert.Equal(t, model.StateAutoApproved, e.Classify(50, 0.5, override, pol))

	// The override needs all three conditions.
	assert.Equal(t, model.StatePendingReview,
		e.Classify(50, 0.5, OverrideInputs{KnownExploited: true, InternetFacing: true, CriticalityTier: 2}, pol))
	assert.Equal(t, model.StatePendingReview,
		e.Classify(50, 0.5, OverrideInputs{KnownExploited: true, CriticalityTier: 5}, pol))
}

func TestClassifyOverrideVsSuppression(t *testing.T) {
	e := NewEngine(slog.Default())
	override := OverrideInputs{KnownExploited: true, InternetFacing: true, CriticalityTier: 5}

	bypass := policy.Default("tenant-1")
	bypass.Thresholds.OverrideBypassesSuppress = true
	assert.Equal(t, model.StateAutoApproved, e.Classify(20, 0.2, override, bypass))

	strict := policy.Default("tenant-1")
	strict.Thresholds.OverrideBypassesSuppress = false
	assert.Equal(t, model.StateSuppressed, e.Classify(20, 0.2, override, strict))
}

func TestApplyRecordsTransition(t *testing.T) {
	e := NewEngine(slog.Default())
	c := &model.Candidate{ID: "c1", State: model.StateCreated}

	require.NoError(t, e.Apply(c, model.StateScored, "engine", "initial scoring", decisionNow))
	assert.Equal(t, model.StateScored, c.State)
	require.Len(t, c.Transitions, 1)
	assert.Equal(t, model.StateCreated, c.Transitions[0].From)
	assert.Equal(t, model.StateScored, c.Transitions[0].To)
	assert.Equal(t, "engine", c.Transitions[0].Actor)

	// Same-state apply is a no-op, not an error.
	require.NoError(t, e.Apply(c, model.StateScored, "engine", "", decisionNow))
	assert.Len(t, c.Transitions, 1)
}

func TestApplyRejectsInvalidTransition(t *testing.T) {
	e := NewEngine(slog.Default())
	c := &model.Candidate{ID: "c1", State: model.StatePromoted}

	err := e.Apply(c, model.StateScored, "engine", "", decisionNow)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidTransition))
	assert.Equal(t, model.StatePromoted, c.State, "state unchanged on rejection")
	assert.Empty(t, c.Transitions)
}

func TestReclassifyAutoApprovedNeverSilentlySuppressed(t *testing.T) {
	e := NewEngine(slog.Default())
	pol := policy.Default("tenant-1")

	c := &model.Candidate{ID: "c1", State: model.StateAutoApproved, Composite: 10, Confidence: 0.1}
	require.NoError(t, e.Reclassify(c, OverrideInputs{}, pol, decisionNow))

	assert.Equal(t, model.StatePendingReview, c.State,
		"weakened approval downgrades to review, never to suppressed")
	require.NotEmpty(t, c.Transitions)
}

func TestReclassifyPendingNotAutoSuppressed(t *testing.T) {
	e := NewEngine(slog.Default())
	pol := policy.Default("tenant-1")

	c := &model.Candidate{ID: "c1", State: model.StatePendingReview, Composite: 10, Confidence: 0.1}
	require.NoError(t, e.Reclassify(c, OverrideInputs{}, pol, decisionNow))

	assert.Equal(t, model.StatePendingReview, c.State)
	assert.Empty(t, c.Transitions)
}

func TestReclassifyPendingStrengthensToApproved(t *testing.T) {
	e := NewEngine(slog.Default())
	pol := policy.Default("tenant-1")

	c := &model.Candidate{ID: "c1", State: model.StatePendingReview, Composite: 90, Confidence: 0.9}
	require.NoError(t, e.Reclassify(c, OverrideInputs{}, pol, decisionNow))
	assert.Equal(t, model.StateAutoApproved, c.State)
}

func TestReclassifySuppressedResurfaces(t *testing.T) {
	e := NewEngine(slog.Default())
	pol := policy.Default("tenant-1")

	c := &model.Candidate{ID: "c1", State: model.StateSuppressed, Composite: 90, Confidence: 0.9}
	require.NoError(t, e.Reclassify(c, OverrideInputs{}, pol, decisionNow))

	assert.Equal(t, model.StateAutoApproved, c.State)
	// The trail passes through scored on the way back up.
	require.Len(t, c.Transitions, 2)
	assert.Equal(t, model.StateScored, c.Transitions[0].To)
	assert.Equal(t, model.StateAutoApproved, c.Transitions[1].To)
}

func TestExpired(t *testing.T) {
	pol := policy.Default("tenant-1")
	retention := time.Duration(pol.RetentionDays) * 24 * time.Hour

	fresh := &model.Candidate{State: model.StatePendingReview, LastSignalAt: decisionNow.Add(-retention / 2)}
	assert.False(t, Expired(fresh, pol, decisionNow))

	stale := &model.Candidate{State: model.StatePendingReview, LastSignalAt: decisionNow.Add(-retention - time.Hour)}
	assert.True(t, Expired(stale, pol, decisionNow))

	// Re-scoring bumps EvaluatedAt but never resets the retention clock.
	rescored := &model.Candidate{
		State:        model.StatePendingReview,
		EvaluatedAt:  decisionNow,
		LastSignalAt: decisionNow.Add(-retention - time.Hour),
	}
	assert.True(t, Expired(rescored, pol, decisionNow))

	// Candidates persisted before the field existed fall back to
	// creation time.
	legacy := &model.Candidate{State: model.StatePendingReview, CreatedAt: decisionNow.Add(-retention - time.Hour)}
	assert.True(t, Expired(legacy, pol, decisionNow))

	terminal := &model.Candidate{State: model.StatePromoted, LastSignalAt: decisionNow.Add(-retention * 2)}
	assert.False(t, Expired(terminal, pol, decisionNow), "terminal candidates never expire")
}
