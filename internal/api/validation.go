package api

import (
	"fmt"
	"time"

	"github.com/neurify-goto/fs-runner-sub001/internal/domain"
	"github.com/neurify-goto/fs-runner-sub001/internal/queue"
)

func validateBuildQueue(req BuildQueueRequest) (time.Time, error) {
	if req.CampaignID <= 0 {
		return time.Time{}, fmt.Errorf("campaign_id is required")
	}
	return parseTargetDate(req.TargetDate)
}

func validateClaim(req ClaimRequest) (time.Time, error) {
	if req.CampaignID <= 0 {
		return time.Time{}, fmt.Errorf("campaign_id is required")
	}
	if req.HolderID == "" {
		return time.Time{}, fmt.Errorf("holder_id is required")
	}
	if req.Limit < 0 || req.Limit > queue.MaxClaimLimit {
		return time.Time{}, fmt.Errorf("limit must be between 1 and %d", queue.MaxClaimLimit)
	}
	if req.Shard != nil && *req.Shard < 0 {
		return time.Time{}, fmt.Errorf("shard must be non-negative")
	}
	return parseTargetDate(req.TargetDate)
}

func validateComplete(req CompleteRequest) (time.Time, error) {
	if req.CampaignID <= 0 {
		return time.Time{}, fmt.Errorf("campaign_id is required")
	}
	if req.EntityID <= 0 {
		return time.Time{}, fmt.Errorf("entity_id is required")
	}
	if req.HolderID == "" {
		return time.Time{}, fmt.Errorf("holder_id is required")
	}
	return parseTargetDate(req.TargetDate)
}

func validateReclaim(req ReclaimRequest) (time.Time, error) {
	if req.CampaignID <= 0 {
		return time.Time{}, fmt.Errorf("campaign_id is required")
	}
	if req.StaleAfterSeconds < 0 {
		return time.Time{}, fmt.Errorf("stale_after_seconds must be non-negative")
	}
	return parseTargetDate(req.TargetDate)
}

func validateSubmitJob(req SubmitJobRequest) error {
	if req.CampaignID <= 0 {
		return fmt.Errorf("campaign_id is required")
	}
	if req.TaskCount <= 0 {
		return fmt.Errorf("task_count must be positive")
	}
	if req.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if req.Parallelism > req.TaskCount {
		return fmt.Errorf("parallelism must not exceed task_count")
	}
	if req.ConfigArtifact == "" {
		return fmt.Errorf("config_artifact is required")
	}
	switch domain.BackendKind(req.Backend) {
	case "", domain.BackendQuickServerless, domain.BackendBatchPool:
	default:
		return fmt.Errorf("unknown backend %q", req.Backend)
	}
	if req.Resource != nil {
		if req.Resource.WorkerVCPU <= 0 {
			return fmt.Errorf("resource.worker_vcpu must be positive")
		}
		if req.Resource.WorkerMemoryMB <= 0 {
			return fmt.Errorf("resource.worker_memory_mb must be positive")
		}
	}
	return nil
}

// parseTargetDate parses a YYYY-MM-DD target date into midnight UTC.
func parseTargetDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("target_date is required")
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid target_date: %v", err)
	}
	return domain.Day(t), nil
}
