// Package api exposes the queue and dispatch operations over HTTP. Workers
// drive the claim/complete endpoints; operators and schedulers drive build,
// reclaim and the job endpoints.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/neurify-goto/fs-runner-sub001/internal/dispatch"
	"github.com/neurify-goto/fs-runner-sub001/internal/domain"
	"github.com/neurify-goto/fs-runner-sub001/internal/queue"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// DefaultStaleAfter is the lease age beyond which /queue/reclaim resets
// assigned items when the request does not specify one.
const DefaultStaleAfter = 10 * time.Minute

// CampaignStore resolves campaign configuration for builds and submissions.
type CampaignStore interface {
	GetCampaign(ctx context.Context, id int64) (domain.Campaign, error)
}

// HealthChecker probes one backing component for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	campaigns  CampaignStore
	builder    *queue.Builder
	leaser     *queue.Leaser
	recorder   *queue.Recorder
	reclaimer  *queue.Reclaimer
	dispatcher *dispatch.Dispatcher

	staleAfter time.Duration

	db    HealthChecker // optional
	cache HealthChecker // optional
}

func NewHandler(campaigns CampaignStore, builder *queue.Builder, leaser *queue.Leaser, recorder *queue.Recorder, reclaimer *queue.Reclaimer, dispatcher *dispatch.Dispatcher) *Handler {
	return &Handler{
		campaigns:  campaigns,
		builder:    builder,
		leaser:     leaser,
		recorder:   recorder,
		reclaimer:  reclaimer,
		dispatcher: dispatcher,
		staleAfter: DefaultStaleAfter,
	}
}

// WithHealthCheckers sets the component probes for verbose /health responses.
func (h *Handler) WithHealthCheckers(db, cache HealthChecker) *Handler {
	h.db = db
	h.cache = cache
	return h
}

// WithStaleAfter overrides the default reclaim lease-age threshold.
func (h *Handler) WithStaleAfter(d time.Duration) *Handler {
	if d > 0 {
		h.staleAfter = d
	}
	return h
}

// Router builds the HTTP route table.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", h.health)

	r.Post("/queue/build", h.buildQueue)
	r.Post("/queue/claim", h.claim)
	r.Post("/queue/complete", h.complete)
	r.Post("/queue/reclaim", h.reclaim)

	r.Post("/jobs", h.submitJob)
	r.Get("/jobs", h.listJobs)
	r.Post("/jobs/{id}/cancel", h.cancelJob)

	return r
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	// Check if verbose mode requested via ?verbose=true
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	probe := func(name string, checker HealthChecker) {
		if checker == nil {
			return
		}
		if err := checker.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = "unhealthy: " + err.Error()
		} else {
			resp.Components[name] = "healthy"
		}
	}
	probe("database", h.db)
	probe("redis", h.cache)

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

func (h *Handler) buildQueue(w http.ResponseWriter, r *http.Request) {
	var req BuildQueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	targetDate, err := validateBuildQueue(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	campaign, ok := h.loadCampaign(w, r, req.CampaignID)
	if !ok {
		return
	}

	inserted, err := h.builder.Build(r.Context(), targetDate, campaign)
	if err != nil {
		log.Printf("api: build queue error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to build queue")
		return
	}

	writeJSON(w, http.StatusOK, BuildQueueResponse{
		CampaignID: req.CampaignID,
		TargetDate: targetDate.Format("2006-01-02"),
		Inserted:   inserted,
	})
}

func (h *Handler) claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	targetDate, err := validateClaim(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := req.Limit
	if limit == 0 {
		limit = queue.DefaultClaimLimit
	}

	ids, err := h.leaser.Claim(r.Context(), targetDate, req.CampaignID, req.Shard, req.HolderID, limit)
	if err != nil {
		log.Printf("api: claim error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to claim work items")
		return
	}
	if ids == nil {
		ids = []int64{}
	}

	writeJSON(w, http.StatusOK, ClaimResponse{EntityIDs: ids})
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	targetDate, err := validateComplete(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.recorder.Complete(r.Context(), queue.CompletionInput{
		TargetDate:    targetDate,
		CampaignID:    req.CampaignID,
		EntityID:      req.EntityID,
		Success:       req.Success,
		ErrorClass:    req.ErrorClass,
		ResultPayload: req.Result,
		PolicyFlag:    req.PolicyFlag,
		HolderID:      req.HolderID,
	})
	if err != nil {
		log.Printf("api: complete error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to record completion")
		return
	}

	writeJSON(w, http.StatusOK, CompleteResponse{Updated: updated})
}

func (h *Handler) reclaim(w http.ResponseWriter, r *http.Request) {
	var req ReclaimRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	targetDate, err := validateReclaim(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	staleAfter := h.staleAfter
	if req.StaleAfterSeconds > 0 {
		staleAfter = time.Duration(req.StaleAfterSeconds) * time.Second
	}

	reclaimed, err := h.reclaimer.Reclaim(r.Context(), targetDate, req.CampaignID, staleAfter)
	if err != nil {
		log.Printf("api: reclaim error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to reclaim leases")
		return
	}

	writeJSON(w, http.StatusOK, ReclaimResponse{Reclaimed: reclaimed})
}

func (h *Handler) submitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := validateSubmitJob(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	campaign, ok := h.loadCampaign(w, r, req.CampaignID)
	if !ok {
		return
	}
	if !campaign.Enabled {
		writeError(w, http.StatusConflict, "campaign is disabled")
		return
	}

	submitReq := dispatch.SubmitRequest{
		CampaignID:        req.CampaignID,
		TaskCount:         req.TaskCount,
		Parallelism:       req.Parallelism,
		BackendPreference: domain.BackendKind(req.Backend),
		ConfigArtifact:    req.ConfigArtifact,
	}
	if req.Resource != nil {
		submitReq.Resource = domain.ResourceProfile{
			WorkerVCPU:     req.Resource.WorkerVCPU,
			WorkerMemoryMB: req.Resource.WorkerMemoryMB,
		}
	}

	exec, err := h.dispatcher.Submit(r.Context(), submitReq)
	if err != nil {
		log.Printf("api: submit job error: %v", err)
		// A failed submission still produced an execution record; report it
		// so the caller can inspect and retry.
		if exec.ID != uuid.Nil {
			writeJSON(w, http.StatusBadGateway, executionResponse(exec))
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	writeJSON(w, http.StatusCreated, executionResponse(exec))
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid execution id")
		return
	}

	status, err := h.dispatcher.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, dispatch.ErrUnknownExecution) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		log.Printf("api: cancel job error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel execution")
		return
	}

	writeJSON(w, http.StatusOK, CancelResponse{ID: id.String(), Status: string(status)})
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	campaignID, err := strconv.ParseInt(r.URL.Query().Get("campaign_id"), 10, 64)
	if err != nil || campaignID <= 0 {
		writeError(w, http.StatusBadRequest, "campaign_id is required")
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	executions, err := h.dispatcher.List(r.Context(), campaignID, limit, offset)
	if err != nil {
		log.Printf("api: list jobs error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	resp := ListExecutionsResponse{Executions: make([]ExecutionResponse, len(executions))}
	for i, exec := range executions {
		resp.Executions[i] = executionResponse(exec)
	}

	writeJSON(w, http.StatusOK, resp)
}

// loadCampaign fetches a campaign, writing the error response itself when
// the lookup fails.
func (h *Handler) loadCampaign(w http.ResponseWriter, r *http.Request, id int64) (domain.Campaign, bool) {
	campaign, err := h.campaigns.GetCampaign(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "campaign not found")
			return domain.Campaign{}, false
		}
		log.Printf("api: get campaign %d error: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load campaign")
		return domain.Campaign{}, false
	}
	return campaign, true
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// decodeJSON decodes the request body into v, writing the error response
// itself on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	// Limit request body size to prevent DoS via large payloads
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// Check if error is due to body size limit
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
