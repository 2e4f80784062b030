package api

import (
	"encoding/json"
	"time"

	"github.com/neurify-goto/fs-runner-sub001/internal/domain"
)

type BuildQueueRequest struct {
	CampaignID int64  `json:"campaign_id"`
	TargetDate string `json:"target_date"` // YYYY-MM-DD
}

type BuildQueueResponse struct {
	CampaignID int64  `json:"campaign_id"`
	TargetDate string `json:"target_date"`
	Inserted   int    `json:"inserted"`
}

type ClaimRequest struct {
	CampaignID int64  `json:"campaign_id"`
	TargetDate string `json:"target_date"`
	HolderID   string `json:"holder_id"`
	Shard      *int   `json:"shard,omitempty"`
	Limit      int    `json:"limit,omitempty"` // default 1
}

type ClaimResponse struct {
	EntityIDs []int64 `json:"entity_ids"`
}

type CompleteRequest struct {
	CampaignID int64  `json:"campaign_id"`
	TargetDate string `json:"target_date"`
	EntityID   int64  `json:"entity_id"`
	HolderID   string `json:"holder_id"`

	Success    bool            `json:"success"`
	ErrorClass string          `json:"error_class,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	PolicyFlag bool            `json:"policy_flag,omitempty"`
}

type CompleteResponse struct {
	Updated int `json:"updated"`
}

type ReclaimRequest struct {
	CampaignID        int64  `json:"campaign_id"`
	TargetDate        string `json:"target_date"`
	StaleAfterSeconds int    `json:"stale_after_seconds,omitempty"` // default from config
}

type ReclaimResponse struct {
	Reclaimed int `json:"reclaimed"`
}

type SubmitJobRequest struct {
	CampaignID  int64  `json:"campaign_id"`
	TaskCount   int    `json:"task_count"`
	Parallelism int    `json:"parallelism"`
	Backend     string `json:"backend,omitempty"` // force a backend kind

	ConfigArtifact string `json:"config_artifact"`

	Resource *ResourceRequest `json:"resource,omitempty"`
}

// ResourceRequest overrides the campaign's per-worker profile.
type ResourceRequest struct {
	WorkerVCPU     float64 `json:"worker_vcpu"`
	WorkerMemoryMB int     `json:"worker_memory_mb"`
}

type ExecutionResponse struct {
	ID         string `json:"id"`
	CampaignID int64  `json:"campaign_id"`

	Backend     string  `json:"backend"`
	Spot        bool    `json:"spot"`
	TaskCount   int     `json:"task_count"`
	Parallelism int     `json:"parallelism"`
	VCPU        float64 `json:"vcpu"`
	MemoryMB    int     `json:"memory_mb"`

	SizingWarning string `json:"sizing_warning,omitempty"`

	Handle   string `json:"handle,omitempty"`
	Attempts int    `json:"attempts"`
	Status   string `json:"status"`

	StartedAt string `json:"started_at"`
	EndedAt   string `json:"ended_at,omitempty"`
	CreatedAt string `json:"created_at"`
}

type CancelResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type ListExecutionsResponse struct {
	Executions []ExecutionResponse `json:"executions"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func executionResponse(exec domain.Execution) ExecutionResponse {
	resp := ExecutionResponse{
		ID:            exec.ID.String(),
		CampaignID:    exec.CampaignID,
		Backend:       string(exec.Backend),
		Spot:          exec.Spot,
		TaskCount:     exec.TaskCount,
		Parallelism:   exec.Parallelism,
		VCPU:          exec.Machine.VCPU,
		MemoryMB:      exec.Machine.MemoryMB,
		SizingWarning: exec.SizingWarning,
		Handle:        exec.Handle,
		Attempts:      exec.Attempts,
		Status:        string(exec.Status),
		StartedAt:     formatTime(exec.StartedAt),
		CreatedAt:     formatTime(exec.CreatedAt),
	}
	if !exec.EndedAt.IsZero() {
		resp.EndedAt = formatTime(exec.EndedAt)
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
