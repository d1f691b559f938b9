// Package api exposes the engine's HTTP surface: signal ingestion,
// candidate queries, human decisions, policy management, and health.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/engine"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/normalize"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/policy"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

// API wires the HTTP handlers to the engine and stores.
type API struct {
	engine   *engine.Engine
	store    *store.MemoryStore
	policies policy.Store
	graph    GraphWriter
	logger   *slog.Logger
	ready    func() bool
}

// GraphWriter is the dependency-graph mutation surface the API needs.
type GraphWriter interface {
	AddDependency(from, to string)
}

// New creates the API.
func New(e *engine.Engine, st *store.MemoryStore, policies policy.Store, graph GraphWriter, ready func() bool, logger *slog.Logger) *API {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &API{engine: e, store: st, policies: policies, graph: graph, logger: logger, ready: ready}
}

// Router builds the mux router with all routes registered.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/signals", a.handleIngest).Methods(http.MethodPost)

	r.HandleFunc("/candidates", a.handleListCandidates).Methods(http.MethodGet)
	r.HandleFunc("/candidates/{id}", a.handleGetCandidate).Methods(http.MethodGet)
	r.HandleFunc("/candidates/{id}/decision", a.handleDecision).Methods(http.MethodPost)

	r.HandleFunc("/services", a.handleUpsertService).Methods(http.MethodPost)
	r.HandleFunc("/services", a.handleListServices).Methods(http.MethodGet)
	r.HandleFunc("/services/{id}", a.handleDeactivateService).Methods(http.MethodDelete)
	r.HandleFunc("/services/{id}/dependencies", a.handleAddDependency).Methods(http.MethodPost)
	r.HandleFunc("/postures", a.handleSetPosture).Methods(http.MethodPost)

	r.HandleFunc("/policies/{tenant}/active", a.handleActivePolicy).Methods(http.MethodGet)
	r.HandleFunc("/policies/{tenant}/versions", a.handlePolicyVersions).Methods(http.MethodGet)
	r.HandleFunc("/policies/{tenant}/versions/{version}", a.handlePolicyVersion).Methods(http.MethodGet)
	r.HandleFunc("/policies/{tenant}", a.handlePublishPolicy).Methods(http.MethodPost)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReady).Methods(http.MethodGet)
	return r
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	var batch []normalize.RawSignal
	if !a.decode(w, r, &batch) {
		return
	}
	result, err := a.engine.Ingest(r.Context(), batch)
	if err != nil {
		a.writeError(w, err)
		return
	}
	status := http.StatusOK
	if result.Rejected > 0 && result.Accepted == 0 {
		status = http.StatusUnprocessableEntity
	} else if result.Rejected > 0 {
		status = http.StatusMultiStatus
	}
	a.writeJSON(w, status, result)
}

func (a *API) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.CandidateFilter{
		TenantID:  q.Get("tenant_id"),
		ServiceID: q.Get("service_id"),
		State:     model.DecisionState(q.Get("state")),
	}
	var err error
	if filter.MinScore, err = parseFloat(q.Get("min_score")); err != nil {
		http.Error(w, "invalid min_score", http.StatusBadRequest)
		return
	}
	if filter.MaxScore, err = parseFloat(q.Get("max_score")); err != nil {
		http.Error(w, "invalid max_score", http.StatusBadRequest)
		return
	}
	if filter.Since, err = parseTime(q.Get("since")); err != nil {
		http.Error(w, "invalid since", http.StatusBadRequest)
		return
	}
	if filter.Until, err = parseTime(q.Get("until")); err != nil {
		http.Error(w, "invalid until", http.StatusBadRequest)
		return
	}

	candidates, err := a.store.ListCandidates(r.Context(), filter)
	if err != nil {
		a.writeError(w, err)
		return
	}

	type item struct {
		*model.Candidate
		LatestExplanation *model.Explanation `json:"latest_explanation,omitempty"`
	}
	out := make([]item, len(candidates))
	for i, c := range candidates {
		out[i] = item{Candidate: c, LatestExplanation: c.LatestExplanation()}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"candidates": out, "count": len(out)})
}

func (a *API) handleGetCandidate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, err := a.store.GetCandidate(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.Header().Set("ETag", fmt.Sprintf(`"%d"`, c.Version))
	a.writeJSON(w, http.StatusOK, c)
}

// decisionRequest is the human-review payload.
type decisionRequest struct {
	Approve  bool   `json:"approve"`
	Reviewer string `json:"reviewer"`
	Note     string `json:"note,omitempty"`
}

func (a *API) handleDecision(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	version, err := parseETag(r.Header.Get("If-Match"))
	if err != nil {
		http.Error(w, "If-Match header with the candidate version is required", http.StatusPreconditionRequired)
		return
	}

	var req decisionRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Reviewer == "" {
		http.Error(w, "reviewer is required", http.StatusBadRequest)
		return
	}

	c, err := a.engine.ApplyHumanDecision(r.Context(), id, req.Approve, req.Reviewer, req.Note, version)
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.Header().Set("ETag", fmt.Sprintf(`"%d"`, c.Version))
	a.writeJSON(w, http.StatusOK, c)
}

func (a *API) handleUpsertService(w http.ResponseWriter, r *http.Request) {
	var svc model.Service
	if !a.decode(w, r, &svc) {
		return
	}
	if svc.ID == "" || svc.TenantID == "" {
		http.Error(w, "id and tenant_id are required", http.StatusBadRequest)
		return
	}
	if svc.CriticalityTier < 1 || svc.CriticalityTier > 5 {
		http.Error(w, "criticality_tier must be 1-5", http.StatusBadRequest)
		return
	}
	svc.Active = true
	if err := a.store.UpsertService(r.Context(), &svc); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, svc)
}

// handleDeactivateService marks a service inactive. Services are never
// deleted; scoring skips inactive services.
func (a *API) handleDeactivateService(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeactivateService(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := a.store.ListServices(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"services": services, "count": len(services)})
}

func (a *API) handleAddDependency(w http.ResponseWriter, r *http.Request) {
	serviceID := mux.Vars(r)["id"]
	var req struct {
		DependsOn string `json:"depends_on"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if req.DependsOn == "" {
		http.Error(w, "depends_on is required", http.StatusBadRequest)
		return
	}
	a.graph.AddDependency(serviceID, req.DependsOn)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetPosture(w http.ResponseWriter, r *http.Request) {
	var p model.ControlsPosture
	if !a.decode(w, r, &p) {
		return
	}
	if p.ServiceID == "" {
		http.Error(w, "service_id is required", http.StatusBadRequest)
		return
	}
	if p.AsOf.IsZero() {
		p.AsOf = time.Now().UTC()
	}
	if err := a.store.SetPosture(r.Context(), p); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleActivePolicy(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	p, err := a.policies.Active(r.Context(), tenant)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, p)
}

func (a *API) handlePolicyVersions(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	versions, err := a.policies.Versions(r.Context(), tenant)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"versions": versions, "count": len(versions)})
}

func (a *API) handlePolicyVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	version, err := strconv.Atoi(vars["version"])
	if err != nil {
		http.Error(w, "invalid version", http.StatusBadRequest)
		return
	}
	p, err := a.policies.Get(r.Context(), vars["tenant"], version)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, p)
}

func (a *API) handlePublishPolicy(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	p, err := policy.ValidateDocument(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if p.TenantID != tenant {
		http.Error(w, "tenant_id in document does not match URL", http.StatusBadRequest)
		return
	}

	published, err := a.policies.Publish(r.Context(), p)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.logger.Info("Policy published via API", "tenant_id", tenant, "version", published.Version)
	a.writeJSON(w, http.StatusCreated, published)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !a.ready() {
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// decode reads a JSON body, writing a 400 on failure.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError maps the engine's error taxonomy to HTTP statuses.
func (a *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrConcurrencyConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, model.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, model.ErrPolicyNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case model.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		a.logger.Error("Internal error", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func parseETag(header string) (int64, error) {
	if header == "" {
		return 0, fmt.Errorf("missing If-Match")
	}
	trimmed := header
	if len(trimmed) >= 2 && trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		trimmed = trimmed[1 : len(trimmed)-1]
	}
	return strconv.ParseInt(trimmed, 10, 64)
}
