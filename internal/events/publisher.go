// Package events wires the engine to NATS: promotion and decision
// events out, signal-delta notifications in.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
)

// Subjects used by the engine.
const (
	SubjectPromoted    = "risk.candidate.promoted"
	SubjectDecided     = "risk.candidate.decided"
	SubjectSignalDelta = "risk.signals.delta" // + ".<service_id>"
)

// Publisher emits candidate lifecycle events to NATS.
type Publisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewPublisher creates a Publisher over an existing connection.
func NewPublisher(nc *nats.Conn, logger *slog.Logger) *Publisher {
	return &Publisher{nc: nc, logger: logger}
}

// PublishPromotion emits the full scored payload for the external risk
// register to create a durable risk record.
func (p *Publisher) PublishPromotion(c *model.Candidate) error {
	expl := c.LatestExplanation()
	if expl == nil {
		return fmt.Errorf("candidate %s has no explanation to promote", c.ID)
	}
	event := model.PromotionEvent{
		Candidate:   *c,
		Explanation: *expl,
		EmittedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal promotion event: %w", err)
	}
	if err := p.nc.Publish(SubjectPromoted, data); err != nil {
		return fmt.Errorf("failed to publish promotion: %w", err)
	}
	p.logger.Info("Promotion event published",
		"candidate_id", c.ID, "composite", c.Composite, "subject", SubjectPromoted)
	return nil
}

// DecisionEvent is the payload for decision-state changes.
type DecisionEvent struct {
	CandidateID string              `json:"candidate_id"`
	TenantID    string              `json:"tenant_id"`
	ServiceID   string              `json:"service_id"`
	State       model.DecisionState `json:"state"`
	Composite   float64             `json:"composite"`
	Confidence  float64             `json:"confidence"`
	Degraded    bool                `json:"degraded"`
	At          time.Time           `json:"at"`
}

// PublishDecision emits a decision-state change.
func (p *Publisher) PublishDecision(c *model.Candidate) error {
	event := DecisionEvent{
		CandidateID: c.ID,
		TenantID:    c.TenantID,
		ServiceID:   c.ServiceID,
		State:       c.State,
		Composite:   c.Composite,
		Confidence:  c.Confidence,
		Degraded:    c.Degraded,
		At:          time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal decision event: %w", err)
	}
	if err := p.nc.Publish(SubjectDecided, data); err != nil {
		return fmt.Errorf("failed to publish decision: %w", err)
	}
	return nil
}

// SignalDelta notifies the engine that a service's signals changed
// upstream.
type SignalDelta struct {
	TenantID  string    `json:"tenant_id"`
	ServiceID string    `json:"service_id"`
	At        time.Time `json:"at"`
}

// SubscribeSignalDeltas invokes handler for every delta notification.
// The subscription lives until the connection closes.
func SubscribeSignalDeltas(nc *nats.Conn, logger *slog.Logger, handler func(SignalDelta)) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(SubjectSignalDelta+".>", func(msg *nats.Msg) {
		var delta SignalDelta
		if err := json.Unmarshal(msg.Data, &delta); err != nil {
			logger.Warn("Dropping malformed signal delta", "subject", msg.Subject, "error", err)
			return
		}
		if delta.ServiceID == "" {
			logger.Warn("Dropping signal delta without service_id", "subject", msg.Subject)
			return
		}
		handler(delta)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to signal deltas: %w", err)
	}
	logger.Info("Subscribed to signal deltas", "subject", SubjectSignalDelta+".>")
	return sub, nil
}
