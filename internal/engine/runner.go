// Package engine orchestrates the scoring pipeline: signal ingestion,
// index computation, candidate scoring, dedup, decision, and promotion.
// Work is batch and queue driven. Jobs for independent services run
// concurrently; everything touching a single service is serialized, and
// an in-flight pass is cancelled when newer signals for the same
// service arrive, with no partial persistence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/decision"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/dedupe"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/index"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/metrics"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/normalize"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/policy"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/score"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/store"
)

// postureTimeout bounds the external controls-posture fetch. On expiry
// the engine falls back to the last-known posture and flags the pass
// degraded.
const postureTimeout = 5 * time.Second

// PostureProvider fetches live controls posture from the external
// collaborator.
type PostureProvider interface {
	Fetch(ctx context.Context, serviceID string) (*model.ControlsPosture, error)
}

// EventSink receives candidate lifecycle events. events.Publisher
// implements it; tests plug in a recorder.
type EventSink interface {
	PublishPromotion(c *model.Candidate) error
	PublishDecision(c *model.Candidate) error
}

// Annotator enriches candidates after decisions; see package annotate.
type Annotator interface {
	Annotate(ctx context.Context, c *model.Candidate) model.Annotation
}

// Options configures an Engine.
type Options struct {
	MaxConcurrentServices int
	RetryAttempts         int
	RetryBase             time.Duration
	DedupeCacheSize       int
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		MaxConcurrentServices: 8,
		RetryAttempts:         3,
		RetryBase:             200 * time.Millisecond,
		DedupeCacheSize:       100000,
	}
}

// Engine is the batch scoring engine.
type Engine struct {
	store      *store.MemoryStore
	policies   policy.Store
	normalizer *normalize.Normalizer
	window     *index.SignalWindow
	calculator *index.Calculator
	graph      *index.DepGraph
	scorer     *score.Scorer
	resolver   *dedupe.Resolver
	decider    *decision.Engine
	postures   PostureProvider
	events     EventSink
	annotator  Annotator
	metrics    *metrics.Metrics
	logger     *slog.Logger
	opts       Options

	// serviceLocks serializes all scoring work per service.
	serviceLocks sync.Map // service ID -> *sync.Mutex
	// inflight tracks the cancel function of the running pass per
	// service so a newer signal can abort it.
	inflight sync.Map // service ID -> context.CancelFunc

	sem chan struct{}

	now func() time.Time
}

// New wires an Engine from its collaborators. events and annotator may
// be nil; posture may be nil when no provider is configured.
func New(
	st *store.MemoryStore,
	policies policy.Store,
	window *index.SignalWindow,
	graph *index.DepGraph,
	postures PostureProvider,
	events EventSink,
	annotator Annotator,
	m *metrics.Metrics,
	logger *slog.Logger,
	opts Options,
) (*Engine, error) {
	resolver, err := dedupe.NewResolver(st, opts.DedupeCacheSize, logger)
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:      st,
		policies:   policies,
		normalizer: normalize.New(logger),
		window:     window,
		calculator: index.NewCalculator(window, graph, logger),
		graph:      graph,
		scorer:     score.NewScorer(logger),
		resolver:   resolver,
		decider:    decision.NewEngine(logger),
		postures:   postures,
		events:     events,
		annotator:  annotator,
		metrics:    m,
		logger:     logger,
		opts:       opts,
		sem:        make(chan struct{}, opts.MaxConcurrentServices),
		now:        time.Now,
	}, nil
}

// IngestResult reports per-record outcomes for one ingestion batch.
type IngestResult struct {
	Accepted   int                   `json:"accepted"`
	Rejected   int                   `json:"rejected"`
	Rejections []normalize.Rejection `json:"rejections,omitempty"`
	SignalIDs  []string              `json:"signal_ids"`
}

// Ingest normalizes and persists a signal batch, then triggers
// re-scoring for every affected service. Rejected records are terminal;
// the caller re-submits corrected payloads.
func (e *Engine) Ingest(ctx context.Context, batch []normalize.RawSignal) (IngestResult, error) {
	signals, rejections := e.normalizer.Normalize(batch)

	if err := retryBackoff(ctx, e.opts.RetryAttempts, e.opts.RetryBase, func() error {
		return e.store.AppendSignals(ctx, signals)
	}); err != nil {
		return IngestResult{}, fmt.Errorf("failed to persist signals: %w", err)
	}

	touched := make(map[string]string) // service ID -> tenant ID
	ids := make([]string, 0, len(signals))
	for _, sig := range signals {
		e.window.Add(sig)
		touched[sig.ServiceID] = sig.TenantID
		ids = append(ids, sig.ID)
	}

	e.metrics.SignalsAccepted.Add(float64(len(signals)))
	e.metrics.SignalsRejected.Add(float64(len(rejections)))
	_, windowSignals := e.window.Stats()
	e.metrics.WindowSignals.Set(float64(windowSignals))

	for serviceID, tenantID := range touched {
		e.TriggerRescore(ctx, tenantID, serviceID)
	}

	return IngestResult{
		Accepted:   len(signals),
		Rejected:   len(rejections),
		Rejections: rejections,
		SignalIDs:  ids,
	}, nil
}

// TriggerRescore cancels any in-flight pass for the service and runs a
// fresh one asynchronously, bounded by the service concurrency limit.
func (e *Engine) TriggerRescore(ctx context.Context, tenantID, serviceID string) {
	if prev, ok := e.inflight.Load(serviceID); ok {
		prev.(context.CancelFunc)()
	}

	passCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.inflight.Store(serviceID, cancel)

	go func() {
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		defer cancel()

		if err := e.RescoreService(passCtx, tenantID, serviceID); err != nil {
			if errors.Is(err, context.Canceled) {
				e.metrics.ScoringCancelled.Inc()
				e.logger.Info("Scoring pass cancelled by newer signals", "service_id", serviceID)
				return
			}
			e.metrics.ScoringFailures.Inc()
			e.logger.Error("Scoring pass failed", "service_id", serviceID, "error", err)
		}
	}()
}

// RescoreBatch re-scores every active service of a tenant. Per-service
// failures are isolated: one service failing never aborts the rest.
func (e *Engine) RescoreBatch(ctx context.Context, tenantID string) error {
	services, err := e.store.ListServices(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}

	var compositeSum float64
	var scored int
	for _, svc := range services {
		if !svc.Active {
			continue
		}
		if err := e.RescoreService(ctx, tenantID, svc.ID); err != nil {
			if errors.Is(err, model.ErrPolicyNotFound) {
				// No policy means nothing in this tenant can be scored.
				return err
			}
			e.metrics.ScoringFailures.Inc()
			e.logger.Error("Service scoring failed, continuing batch",
				"service_id", svc.ID, "error", err)
			continue
		}
		updated, err := e.store.GetService(ctx, svc.ID)
		if err == nil {
			compositeSum += updated.Indices.Composite
			scored++
		}
	}
	if scored > 0 {
		e.metrics.MeanComposite.Set(compositeSum / float64(scored))
	}
	return nil
}

// RescoreService runs one full scoring pass for a service: indices,
// candidate creation from fresh evidence, re-scoring of open
// candidates, dedup, decision, and promotion. All state is staged and
// only persisted after the final cancellation check.
func (e *Engine) RescoreService(ctx context.Context, tenantID, serviceID string) error {
	unlock := e.lockService(serviceID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	pol, err := e.policies.Active(ctx, tenantID)
	if err != nil {
		return err
	}

	svc, err := e.store.GetService(ctx, serviceID)
	if err != nil {
		return fmt.Errorf("failed to load service: %w", err)
	}
	now := e.now()

	// Stage 1: indices.
	indices := e.calculator.Compute(svc, pol, now)
	trend := index.TrendFor(svc.Indices, indices)
	previous := svc.Indices
	svc.Indices = indices
	svc.Trend = trend

	// Stage 2: fetch posture with bounded timeout; fall back to the
	// last-known value and degrade rather than fail the pass.
	posture, stale := e.fetchPosture(ctx, serviceID)

	// Stage 3: candidates. Open candidates are re-scored over their
	// own evidence; window signals not yet attached to any open
	// candidate spawn new ones per category.
	open, err := e.store.CandidatesByService(ctx, serviceID)
	if err != nil {
		return fmt.Errorf("failed to load open candidates: %w", err)
	}
	drafts := e.draftCandidates(svc, open, pol, now)

	type staged struct {
		cand    *model.Candidate
		created bool
	}
	var stagedAll []staged
	for _, c := range open {
		if err := e.scoreCandidate(ctx, c, svc, posture, stale, pol, now); err != nil {
			return err
		}
		stagedAll = append(stagedAll, staged{cand: c})
	}
	for _, c := range drafts {
		if err := e.scoreCandidate(ctx, c, svc, posture, stale, pol, now); err != nil {
			return err
		}
		stagedAll = append(stagedAll, staged{cand: c, created: true})
	}

	// Cancellation barrier: nothing below persists if a newer signal
	// for this service superseded the pass.
	if err := ctx.Err(); err != nil {
		svc.Indices = previous
		return err
	}

	if err := retryBackoff(ctx, e.opts.RetryAttempts, e.opts.RetryBase, func() error {
		return e.store.UpdateServiceIndices(ctx, serviceID, indices, trend)
	}); err != nil {
		return fmt.Errorf("failed to persist indices: %w", err)
	}

	for _, st := range stagedAll {
		if err := e.commitCandidate(ctx, st.cand, st.created, svc, pol, now); err != nil {
			return err
		}
	}

	e.metrics.ScoringPasses.Inc()
	e.logger.Info("Scoring pass completed",
		"service_id", serviceID,
		"tenant_id", tenantID,
		"svi", indices.SVI, "sei", indices.SEI, "bci", indices.BCI, "eri", indices.ERI,
		"candidates", len(stagedAll),
		"policy_version", pol.Version)
	return nil
}

// scoreCandidate recomputes a candidate's score in place (staged, not
// persisted).
func (e *Engine) scoreCandidate(ctx context.Context, c *model.Candidate, svc *model.Service, posture *model.ControlsPosture, stale bool, pol *policy.Policy, now time.Time) error {
	evidence, err := e.store.GetSignals(ctx, c.SignalIDs)
	if err != nil {
		return fmt.Errorf("failed to load evidence: %w", err)
	}

	result := e.scorer.Score(c.ID, c.Category, score.Inputs{
		Service:      svc,
		Evidence:     evidence,
		Posture:      posture,
		BlastRadius:  e.graph.BlastRadius(svc.ID),
		PostureStale: stale,
		Now:          now,
	}, pol)

	c.Likelihood = result.Likelihood
	c.Impact = result.Impact
	c.LikelihoodDiscount = result.LikelihoodDiscount
	c.ImpactDiscount = result.ImpactDiscount
	c.Composite = result.Composite
	c.Confidence = result.Confidence
	c.Degraded = result.Degraded
	c.PolicyVersion = pol.Version
	c.EvaluatedAt = now.UTC()
	c.Explanations = append(c.Explanations, result.Explanation)
	if result.Degraded {
		e.metrics.DegradedScores.Inc()
	}
	return nil
}

// commitCandidate persists a staged candidate, runs dedup for new ones,
// applies the decision, and emits events.
func (e *Engine) commitCandidate(ctx context.Context, c *model.Candidate, created bool, svc *model.Service, pol *policy.Policy, now time.Time) error {
	evidence, err := e.store.GetSignals(ctx, c.SignalIDs)
	if err != nil {
		return fmt.Errorf("failed to load evidence: %w", err)
	}
	override := overrideInputs(svc, evidence)

	if created {
		if err := retryBackoff(ctx, e.opts.RetryAttempts, e.opts.RetryBase, func() error {
			return e.store.CreateCandidate(ctx, c)
		}); err != nil {
			return fmt.Errorf("failed to create candidate: %w", err)
		}
		e.metrics.CandidatesCreated.Inc()

		outcome, err := e.resolver.Resolve(ctx, c, pol, now)
		if err != nil {
			return err
		}
		if outcome.Merged {
			e.metrics.CandidatesMerged.Inc()
			// Re-score the survivor over the unioned evidence and
			// re-run its decision.
			return e.rescoreSurvivor(ctx, outcome.Survivor.ID, svc, pol, now)
		}
	}

	if err := e.decideAndPersist(ctx, c, override, pol, now); err != nil {
		return err
	}
	e.annotate(ctx, c)
	return nil
}

// rescoreSurvivor refreshes a merge survivor after evidence absorption.
func (e *Engine) rescoreSurvivor(ctx context.Context, survivorID string, svc *model.Service, pol *policy.Policy, now time.Time) error {
	survivor, err := e.store.GetCandidate(ctx, survivorID)
	if err != nil {
		return err
	}
	posture, stale := e.fetchPosture(ctx, svc.ID)
	if err := e.scoreCandidate(ctx, survivor, svc, posture, stale, pol, now); err != nil {
		return err
	}
	evidence, err := e.store.GetSignals(ctx, survivor.SignalIDs)
	if err != nil {
		return err
	}
	return e.decideAndPersist(ctx, survivor, overrideInputs(svc, evidence), pol, now)
}

// decideAndPersist classifies the candidate, persists it, and emits
// decision and promotion events.
func (e *Engine) decideAndPersist(ctx context.Context, c *model.Candidate, override decision.OverrideInputs, pol *policy.Policy, now time.Time) error {
	if c.State == model.StateCreated {
		if err := e.decider.Apply(c, model.StateScored, "engine", "initial scoring", now); err != nil {
			return err
		}
	}
	if err := e.decider.Reclassify(c, override, pol, now); err != nil {
		return err
	}

	if err := retryBackoff(ctx, e.opts.RetryAttempts, e.opts.RetryBase, func() error {
		err := e.store.UpdateCandidate(ctx, c)
		if errors.Is(err, model.ErrConcurrencyConflict) {
			// A human decision landed mid-pass: re-read and keep the
			// human's state, refreshing only the scores.
			fresh, gerr := e.store.GetCandidate(ctx, c.ID)
			if gerr != nil {
				return gerr
			}
			fresh.Likelihood = c.Likelihood
			fresh.Impact = c.Impact
			fresh.LikelihoodDiscount = c.LikelihoodDiscount
			fresh.ImpactDiscount = c.ImpactDiscount
			fresh.Composite = c.Composite
			fresh.Confidence = c.Confidence
			fresh.Degraded = c.Degraded
			fresh.PolicyVersion = c.PolicyVersion
			fresh.EvaluatedAt = c.EvaluatedAt
			fresh.Explanations = append(fresh.Explanations, c.Explanations[len(c.Explanations)-1])
			*c = *fresh
			return e.store.UpdateCandidate(ctx, c)
		}
		return err
	}); err != nil {
		return fmt.Errorf("failed to persist candidate: %w", err)
	}

	e.metrics.ObserveDecision(string(c.State))
	if e.events != nil {
		if err := e.events.PublishDecision(c); err != nil {
			e.logger.Warn("Failed to publish decision event", "candidate_id", c.ID, "error", err)
		}
	}

	if c.State == model.StateAutoApproved {
		return e.promote(ctx, c, now)
	}
	return nil
}

// promote hands an approved candidate off to the external risk
// register and marks it promoted.
func (e *Engine) promote(ctx context.Context, c *model.Candidate, now time.Time) error {
	if e.events != nil {
		if err := e.events.PublishPromotion(c); err != nil {
			// Promotion is retried on the next pass; the candidate
			// stays auto_approved.
			e.logger.Warn("Failed to publish promotion event", "candidate_id", c.ID, "error", err)
			return nil
		}
	}
	if err := e.decider.Apply(c, model.StatePromoted, "engine", "handed off to risk register", now); err != nil {
		return err
	}
	if err := e.store.UpdateCandidate(ctx, c); err != nil {
		return fmt.Errorf("failed to persist promotion: %w", err)
	}
	e.metrics.CandidatesPromoted.Inc()
	return nil
}

// annotate attaches best-effort enrichment. Failures never propagate.
func (e *Engine) annotate(ctx context.Context, c *model.Candidate) {
	if e.annotator == nil || c.Annotation != nil || c.State.Terminal() {
		return
	}
	ann := e.annotator.Annotate(ctx, c)
	fresh, err := e.store.GetCandidate(ctx, c.ID)
	if err != nil {
		return
	}
	fresh.Annotation = &ann
	if err := e.store.UpdateCandidate(ctx, fresh); err != nil {
		e.logger.Debug("Annotation not persisted", "candidate_id", c.ID, "error", err)
		return
	}
	*c = *fresh
}

// draftCandidates groups window signals that no open candidate
// references yet into one new candidate per category.
func (e *Engine) draftCandidates(svc *model.Service, open []*model.Candidate, pol *policy.Policy, now time.Time) []*model.Candidate {
	within := time.Duration(pol.Merge.WindowHours) * time.Hour
	recent := e.window.Recent(svc.ID, within, now)

	attached := make(map[string]bool)
	for _, c := range open {
		for _, id := range c.SignalIDs {
			attached[id] = true
		}
	}

	byCategory := make(map[model.SignalCategory][]model.Signal)
	for _, sig := range recent {
		if attached[sig.ID] {
			continue
		}
		// business_context signals only modulate other candidates.
		if sig.Category == model.CategoryBusinessContext {
			continue
		}
		byCategory[sig.Category] = append(byCategory[sig.Category], sig)
	}

	var drafts []*model.Candidate
	for category, sigs := range byCategory {
		ids := make([]string, len(sigs))
		sources := make(map[string]bool)
		for i, sig := range sigs {
			ids[i] = sig.ID
			sources[sig.Source] = true
		}
		sort.Strings(ids)

		drafts = append(drafts, &model.Candidate{
			ID:           uuid.NewString(),
			TenantID:     svc.TenantID,
			ServiceID:    svc.ID,
			Category:     category,
			Title:        draftTitle(category, svc, sources),
			Description:  fmt.Sprintf("Derived from %d %s signal(s) observed on %s", len(sigs), category, svc.Name),
			State:        model.StateCreated,
			DedupeKey:    dedupe.Key(svc.TenantID, svc.ID, category, sigs, now),
			SignalIDs:    ids,
			CreatedAt:    now.UTC(),
			EvaluatedAt:  now.UTC(),
			LastSignalAt: now.UTC(),
		})
	}
	sort.Slice(drafts, func(i, j int) bool { return drafts[i].Category < drafts[j].Category })
	return drafts
}

// SweepExpired transitions candidates past the retention window to
// expired. Runs on the scheduler tick.
func (e *Engine) SweepExpired(ctx context.Context, tenantID string) error {
	pol, err := e.policies.Active(ctx, tenantID)
	if err != nil {
		return err
	}
	now := e.now()

	candidates, err := e.store.ListCandidates(ctx, store.CandidateFilter{TenantID: tenantID})
	if err != nil {
		return fmt.Errorf("failed to list candidates: %w", err)
	}
	for _, c := range candidates {
		if !decision.Expired(c, pol, now) {
			continue
		}
		if err := e.decider.Apply(c, model.StateExpired, "engine", "retention window elapsed", now); err != nil {
			continue
		}
		if err := e.store.UpdateCandidate(ctx, c); err != nil {
			e.logger.Warn("Failed to expire candidate", "candidate_id", c.ID, "error", err)
			continue
		}
		e.metrics.CandidatesExpired.Inc()
	}
	return nil
}

// ApplyHumanDecision records a reviewer's approve/suppress verdict with
// optimistic concurrency: expectedVersion must match the stored
// candidate version or the update is rejected with
// model.ErrConcurrencyConflict.
func (e *Engine) ApplyHumanDecision(ctx context.Context, candidateID string, approve bool, reviewer, note string, expectedVersion int64) (*model.Candidate, error) {
	c, err := e.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if c.Version != expectedVersion {
		return nil, fmt.Errorf("candidate %s: stored v%d, submitted v%d: %w",
			candidateID, c.Version, expectedVersion, model.ErrConcurrencyConflict)
	}
	if c.State != model.StatePendingReview {
		return nil, fmt.Errorf("candidate %s is %s, not pending_review: %w",
			candidateID, c.State, model.ErrInvalidTransition)
	}

	next := model.StateSuppressed
	if approve {
		next = model.StateAutoApproved
	}
	now := e.now()
	if err := e.decider.Apply(c, next, reviewer, note, now); err != nil {
		return nil, err
	}
	if err := e.store.UpdateCandidate(ctx, c); err != nil {
		return nil, err
	}

	e.metrics.ObserveDecision(string(c.State))
	if e.events != nil {
		if err := e.events.PublishDecision(c); err != nil {
			e.logger.Warn("Failed to publish decision event", "candidate_id", c.ID, "error", err)
		}
	}
	if approve {
		if err := e.promote(ctx, c, now); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// fetchPosture fetches live posture within the timeout, falling back to
// the last-known stored value. Returns (nil, false) when the service
// has never reported posture; the scorer treats that as zero discount.
func (e *Engine) fetchPosture(ctx context.Context, serviceID string) (*model.ControlsPosture, bool) {
	if e.postures != nil {
		fetchCtx, cancel := context.WithTimeout(ctx, postureTimeout)
		posture, err := e.postures.Fetch(fetchCtx, serviceID)
		cancel()
		if err == nil && posture != nil {
			if serr := e.store.SetPosture(ctx, *posture); serr != nil {
				e.logger.Warn("Failed to cache posture", "service_id", serviceID, "error", serr)
			}
			return posture, false
		}
		e.logger.Warn("Controls posture fetch failed, using last-known value",
			"service_id", serviceID, "error", err)
	}

	cached, err := e.store.GetPosture(ctx, serviceID)
	if err != nil {
		return nil, false
	}
	return cached, e.postures != nil
}

func (e *Engine) lockService(serviceID string) func() {
	v, _ := e.serviceLocks.LoadOrStore(serviceID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func overrideInputs(svc *model.Service, evidence []model.Signal) decision.OverrideInputs {
	in := decision.OverrideInputs{CriticalityTier: svc.CriticalityTier}
	for _, sig := range evidence {
		in.KnownExploited = in.KnownExploited || sig.KnownExploited
		in.InternetFacing = in.InternetFacing || sig.InternetFacing
	}
	in.InternetFacing = in.InternetFacing || svc.InternetFacing
	return in
}

func draftTitle(category model.SignalCategory, svc *model.Service, sources map[string]bool) string {
	names := make([]string, 0, len(sources))
	for src := range sources {
		names = append(names, src)
	}
	sort.Strings(names)

	label := map[model.SignalCategory]string{
		model.CategoryVulnerability: "Vulnerability exposure",
		model.CategorySecurityEvent: "Security event cluster",
		model.CategoryExternal:      "External threat exposure",
	}[category]
	if label == "" {
		label = "Risk condition"
	}
	return fmt.Sprintf("%s on %s (%s)", label, svc.Name, strings.Join(names, ", "))
}
