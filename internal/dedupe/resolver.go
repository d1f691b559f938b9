// Package dedupe prevents duplicate risk candidates from the same
// underlying condition: a deterministic identity key narrows the search
// to plausible duplicates, a similarity score decides, and merging
// folds the newcomer into the older survivor.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/policy"
)

// CandidateStore is the slice of the store the resolver needs.
type CandidateStore interface {
	LockKey(key string) func()
	FindOpenByDedupeKey(ctx context.Context, key string, since time.Time) ([]*model.Candidate, error)
	GetCandidate(ctx context.Context, id string) (*model.Candidate, error)
	UpdateCandidate(ctx context.Context, c *model.Candidate) error
}

// Outcome describes what Resolve did with a new candidate.
type Outcome struct {
	// Merged is true when the newcomer was folded into Survivor.
	Merged bool
	// Survivor is the candidate that absorbed the newcomer, nil when
	// no merge happened.
	Survivor *model.Candidate
	// Similarity is the best similarity found against open candidates
	// sharing the key, 0 when none were found.
	Similarity float64
}

// Resolver computes dedupe keys and merges duplicate candidates.
type Resolver struct {
	store  CandidateStore
	seen   *lru.Cache[string, string] // dedupe key -> surviving candidate ID
	logger *slog.Logger
}

// NewResolver creates a Resolver with an LRU of recently resolved keys.
func NewResolver(store CandidateStore, cacheSize int, logger *slog.Logger) (*Resolver, error) {
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}
	return &Resolver{store: store, seen: cache, logger: logger}, nil
}

// Key derives the deterministic dedupe key: tenant, service, category,
// a fingerprint of the triggering signal set, and a UTC day bucket.
func Key(tenantID, serviceID string, category model.SignalCategory, signals []model.Signal, at time.Time) string {
	fingerprint := signalFingerprint(signals)
	bucket := at.UTC().Format("2006-01-02")

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s", tenantID, serviceID, category, fingerprint, bucket)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// signalFingerprint hashes the sorted set of source tags so equivalent
// signal sets from re-detection produce the same key even though the
// individual signal IDs differ.
func signalFingerprint(signals []model.Signal) string {
	set := make(map[string]bool, len(signals))
	for _, sig := range signals {
		set[sig.Source] = true
	}
	sources := make([]string, 0, len(set))
	for src := range set {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	return strings.Join(sources, ",")
}

// Similarity scores how alike two candidates are: a weighted blend of
// title/description token-set Jaccard similarity and evidence overlap.
func Similarity(a, b *model.Candidate, pol *policy.Policy) float64 {
	title := jaccard(tokens(a.Title+" "+a.Description), tokens(b.Title+" "+b.Description))
	evidence := overlap(a.SignalIDs, b.SignalIDs)

	tw, ew := pol.Merge.TitleWeight, pol.Merge.EvidenceWeight
	if tw+ew == 0 {
		return 0
	}
	return (title*tw + evidence*ew) / (tw + ew)
}

// Resolve inspects open candidates sharing the newcomer's dedupe key
// within the merge window. Above the similarity threshold the oldest
// match absorbs the newcomer; otherwise both remain open. The whole
// read-modify-write is serialized per dedupe key.
//
// Resolve is idempotent: a newcomer that is already merged, or whose
// signals the survivor already carries, leaves the state unchanged.
func (r *Resolver) Resolve(ctx context.Context, newcomer *model.Candidate, pol *policy.Policy, now time.Time) (Outcome, error) {
	unlock := r.store.LockKey(newcomer.DedupeKey)
	defer unlock()

	if newcomer.State.Terminal() {
		return Outcome{}, nil
	}

	since := now.Add(-pol.MergeWindow())

	// Fast path: the cached survivor for this key spares the store scan
	// when it is still open, inside the merge window, and similar enough.
	if id, ok := r.seen.Get(newcomer.DedupeKey); ok && id != newcomer.ID {
		cached, err := r.store.GetCandidate(ctx, id)
		if err == nil && !cached.State.Terminal() && !cached.CreatedAt.Before(since) {
			if sim := Similarity(cached, newcomer, pol); sim >= pol.Merge.SimilarityThreshold {
				return r.mergeInto(ctx, cached, newcomer, sim, now)
			}
		}
	}

	open, err := r.store.FindOpenByDedupeKey(ctx, newcomer.DedupeKey, since)
	if err != nil {
		return Outcome{}, fmt.Errorf("dedupe lookup failed: %w", err)
	}

	var best *model.Candidate
	var bestSim float64
	for _, existing := range open {
		if existing.ID == newcomer.ID {
			continue
		}
		sim := Similarity(existing, newcomer, pol)
		if sim > bestSim {
			bestSim = sim
			best = existing
		}
	}

	if best == nil || bestSim < pol.Merge.SimilarityThreshold {
		r.seen.Add(newcomer.DedupeKey, newcomer.ID)
		return Outcome{Similarity: bestSim}, nil
	}
	return r.mergeInto(ctx, best, newcomer, bestSim, now)
}

// mergeInto folds the newcomer into the chosen survivor and refreshes
// the key cache.
func (r *Resolver) mergeInto(ctx context.Context, best, newcomer *model.Candidate, sim float64, now time.Time) (Outcome, error) {
	survivor, err := r.merge(ctx, best, newcomer, now)
	if err != nil {
		return Outcome{}, err
	}

	r.seen.Add(newcomer.DedupeKey, survivor.ID)
	r.logger.Info("Candidates merged",
		"survivor_id", survivor.ID,
		"merged_id", newcomer.ID,
		"similarity", sim,
		"dedupe_key", newcomer.DedupeKey)
	return Outcome{Merged: true, Survivor: survivor, Similarity: sim}, nil
}

// RecentSurvivor returns the candidate ID last seen for a dedupe key,
// if still cached. A cache miss is not authoritative; Resolve falls
// back to the full store scan.
func (r *Resolver) RecentSurvivor(key string) (string, bool) {
	return r.seen.Get(key)
}

// merge folds newcomer into survivor: union of signal references,
// confidence upgraded to the maximum of the two, newcomer marked
// merged. The caller re-scores the survivor over the unioned evidence
// afterward.
func (r *Resolver) merge(ctx context.Context, survivor, newcomer *model.Candidate, now time.Time) (*model.Candidate, error) {
	absorbed := false
	for _, sigID := range newcomer.SignalIDs {
		if !survivor.HasSignal(sigID) {
			survivor.SignalIDs = append(survivor.SignalIDs, sigID)
			absorbed = true
		}
	}
	changed := absorbed
	if newcomer.Confidence > survivor.Confidence {
		survivor.Confidence = newcomer.Confidence
		changed = true
	}
	if absorbed {
		// New evidence restarts the survivor's retention clock.
		survivor.LastSignalAt = now.UTC()
	}
	if changed {
		survivor.EvaluatedAt = now.UTC()
		if err := r.store.UpdateCandidate(ctx, survivor); err != nil {
			return nil, fmt.Errorf("failed to update merge survivor: %w", err)
		}
	}

	if newcomer.State != model.StateMerged {
		newcomer.Transitions = append(newcomer.Transitions, model.Transition{
			From:  newcomer.State,
			To:    model.StateMerged,
			At:    now.UTC(),
			Actor: "engine",
			Note:  "merged into " + survivor.ID,
		})
		newcomer.State = model.StateMerged
		newcomer.MergedInto = survivor.ID
		if err := r.store.UpdateCandidate(ctx, newcomer); err != nil {
			return nil, fmt.Errorf("failed to mark candidate merged: %w", err)
		}
	}
	return survivor, nil
}

// tokens lowercases and splits free text into a token set.
func tokens(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(tok) > 1 {
			set[tok] = true
		}
	}
	return set
}

// jaccard computes intersection-over-union on token sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// overlap computes the fraction of the smaller evidence set present in
// the other.
func overlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, id := range a {
		setA[id] = true
	}
	inter := 0
	for _, id := range b {
		if setA[id] {
			inter++
		}
	}
	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}
	return float64(inter) / float64(smaller)
}
