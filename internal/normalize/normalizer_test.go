package normalize

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
)

func testNormalizer(now time.Time) *Normalizer {
	n := New(slog.Default())
	n.now = func() time.Time { return now }
	return n
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func validRaw(now time.Time) RawSignal {
	return RawSignal{
		TenantID:   "tenant-1",
		ServiceID:  "svc-payments",
		Category:   "vulnerability",
		Severity:   floatPtr(0.8),
		Confidence: 0.9,
		Source:     "scanner",
		OccurredAt: now.Add(-2 * time.Hour),
		DetectedAt: now.Add(-1 * time.Hour),
	}
}

func TestNormalizeValidSignal(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := testNormalizer(now)

	signals, rejections := n.Normalize([]RawSignal{validRaw(now)})

	require.Len(t, signals, 1)
	assert.Empty(t, rejections)

	sig := signals[0]
	assert.NotEmpty(t, sig.ID)
	assert.Equal(t, "tenant-1", sig.TenantID)
	assert.Equal(t, model.CategoryVulnerability, sig.Category)
	assert.InDelta(t, 0.8, sig.Severity, 1e-9)
	assert.Equal(t, time.UTC, sig.DetectedAt.Location())
}

func TestNormalizeOrdinalSeverity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := testNormalizer(now)

	tests := []struct {
		ordinal int
		want    float64
	}{
		{1, 0.25},
		{2, 0.5},
		{3, 0.75},
		{4, 1.0},
	}
	for _, tt := range tests {
		raw := validRaw(now)
		raw.Severity = nil
		raw.SeverityOrdinal = intPtr(tt.ordinal)

		signals, rejections := n.Normalize([]RawSignal{raw})
		require.Len(t, signals, 1, "ordinal %d", tt.ordinal)
		require.Empty(t, rejections)
		assert.InDelta(t, tt.want, signals[0].Severity, 1e-9)
	}
}

func TestNormalizeRejections(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := testNormalizer(now)

	tests := []struct {
		name   string
		mutate func(*RawSignal)
		field  string
	}{
		{"missing tenant", func(r *RawSignal) { r.TenantID = "" }, "tenant_id"},
		{"missing service", func(r *RawSignal) { r.ServiceID = "" }, "service_id"},
		{"missing source", func(r *RawSignal) { r.Source = "" }, "source"},
		{"unknown category", func(r *RawSignal) { r.Category = "weather" }, "category"},
		{"severity out of range", func(r *RawSignal) { r.Severity = floatPtr(1.5) }, "severity"},
		{"negative severity", func(r *RawSignal) { r.Severity = floatPtr(-0.1) }, "severity"},
		{"both severity forms", func(r *RawSignal) { r.SeverityOrdinal = intPtr(2) }, "severity"},
		{"no severity", func(r *RawSignal) { r.Severity = nil }, "severity"},
		{"bad ordinal", func(r *RawSignal) {
			r.Severity = nil
			r.SeverityOrdinal = intPtr(7)
		}, "severity_ordinal"},
		{"confidence out of range", func(r *RawSignal) { r.Confidence = 1.2 }, "confidence"},
		{"missing timestamps", func(r *RawSignal) { r.DetectedAt = time.Time{} }, "timestamps"},
		{"detected in future", func(r *RawSignal) { r.DetectedAt = now.Add(time.Hour) }, "detected_at"},
		{"occurred after detected", func(r *RawSignal) {
			r.OccurredAt = r.DetectedAt.Add(time.Hour)
		}, "occurred_at"},
		{"negative dwell time", func(r *RawSignal) { r.DwellTimeHours = -1 }, "dwell_time_hours"},
		{"geo escalation out of range", func(r *RawSignal) { r.GeoEscalation = 2 }, "geo_escalation"},
		{"sector activity out of range", func(r *RawSignal) { r.SectorActivity = -0.5 }, "sector_activity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validRaw(now)
			tt.mutate(&raw)

			signals, rejections := n.Normalize([]RawSignal{raw})
			assert.Empty(t, signals)
			require.Len(t, rejections, 1)
			assert.Equal(t, 0, rejections[0].Index)
			assert.Equal(t, tt.field, rejections[0].Err.Field)
		})
	}
}

func TestNormalizeClockSkewTolerated(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := testNormalizer(now)

	raw := validRaw(now)
	raw.DetectedAt = now.Add(3 * time.Minute) // within tolerance
	raw.OccurredAt = raw.DetectedAt.Add(2 * time.Minute)

	signals, rejections := n.Normalize([]RawSignal{raw})
	assert.Len(t, signals, 1)
	assert.Empty(t, rejections)
}

func TestNormalizePartialBatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := testNormalizer(now)

	bad := validRaw(now)
	bad.Category = "nope"
	batch := []RawSignal{validRaw(now), bad, validRaw(now)}

	signals, rejections := n.Normalize(batch)
	assert.Len(t, signals, 2)
	require.Len(t, rejections, 1)
	assert.Equal(t, 1, rejections[0].Index)
}
