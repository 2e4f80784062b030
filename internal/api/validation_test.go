package api

import (
	"strings"
	"testing"
	"time"
)

func TestValidateBuildQueue_ValidRequest(t *testing.T) {
	req := BuildQueueRequest{CampaignID: 7, TargetDate: "2025-06-15"}

	targetDate, err := validateBuildQueue(req)
	if err != nil {
		t.Fatalf("valid request should not return error, got: %v", err)
	}

	want := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	if !targetDate.Equal(want) {
		t.Errorf("expected midnight UTC %v, got %v", want, targetDate)
	}
}

func TestValidateBuildQueue_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*BuildQueueRequest)
		errPart string
	}{
		{"missing campaign", func(r *BuildQueueRequest) { r.CampaignID = 0 }, "campaign_id"},
		{"missing date", func(r *BuildQueueRequest) { r.TargetDate = "" }, "target_date"},
		{"wrong date format", func(r *BuildQueueRequest) { r.TargetDate = "June 15, 2025" }, "target_date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := BuildQueueRequest{CampaignID: 7, TargetDate: "2025-06-15"}
			tt.modify(&req)

			_, err := validateBuildQueue(req)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("expected error mentioning %q, got: %v", tt.errPart, err)
			}
		})
	}
}

func TestValidateClaim_ValidRequest(t *testing.T) {
	shard := 2
	req := ClaimRequest{
		CampaignID: 7,
		TargetDate: "2025-06-15",
		HolderID:   "worker-1",
		Shard:      &shard,
		Limit:      10,
	}

	if _, err := validateClaim(req); err != nil {
		t.Errorf("valid request should not return error, got: %v", err)
	}
}

func TestValidateClaim_Invalid(t *testing.T) {
	negativeShard := -1

	tests := []struct {
		name    string
		modify  func(*ClaimRequest)
		errPart string
	}{
		{"missing campaign", func(r *ClaimRequest) { r.CampaignID = 0 }, "campaign_id"},
		{"missing holder", func(r *ClaimRequest) { r.HolderID = "" }, "holder_id"},
		{"limit above max", func(r *ClaimRequest) { r.Limit = 101 }, "limit"},
		{"negative limit", func(r *ClaimRequest) { r.Limit = -1 }, "limit"},
		{"negative shard", func(r *ClaimRequest) { r.Shard = &negativeShard }, "shard"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := ClaimRequest{CampaignID: 7, TargetDate: "2025-06-15", HolderID: "worker-1", Limit: 1}
			tt.modify(&req)

			if _, err := validateClaim(req); err == nil {
				t.Fatal("expected error")
			} else if !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("expected error mentioning %q, got: %v", tt.errPart, err)
			}
		})
	}
}

func TestValidateComplete_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*CompleteRequest)
		errPart string
	}{
		{"missing campaign", func(r *CompleteRequest) { r.CampaignID = 0 }, "campaign_id"},
		{"missing entity", func(r *CompleteRequest) { r.EntityID = 0 }, "entity_id"},
		{"missing holder", func(r *CompleteRequest) { r.HolderID = "" }, "holder_id"},
		{"missing date", func(r *CompleteRequest) { r.TargetDate = "" }, "target_date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := CompleteRequest{CampaignID: 7, TargetDate: "2025-06-15", EntityID: 201, HolderID: "worker-1"}
			tt.modify(&req)

			if _, err := validateComplete(req); err == nil {
				t.Fatal("expected error")
			} else if !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("expected error mentioning %q, got: %v", tt.errPart, err)
			}
		})
	}
}

func TestValidateReclaim(t *testing.T) {
	req := ReclaimRequest{CampaignID: 7, TargetDate: "2025-06-15", StaleAfterSeconds: 300}
	if _, err := validateReclaim(req); err != nil {
		t.Errorf("valid request should not return error, got: %v", err)
	}

	req.StaleAfterSeconds = -1
	if _, err := validateReclaim(req); err == nil {
		t.Error("expected error for negative stale_after_seconds")
	}
}

func TestValidateSubmitJob_ValidRequest(t *testing.T) {
	req := SubmitJobRequest{
		CampaignID:     7,
		TaskCount:      100,
		Parallelism:    10,
		Backend:        "batch-pool",
		ConfigArtifact: "campaign-7/run-config.json",
		Resource:       &ResourceRequest{WorkerVCPU: 2, WorkerMemoryMB: 4096},
	}

	if err := validateSubmitJob(req); err != nil {
		t.Errorf("valid request should not return error, got: %v", err)
	}
}

func TestValidateSubmitJob_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*SubmitJobRequest)
		errPart string
	}{
		{"missing campaign", func(r *SubmitJobRequest) { r.CampaignID = 0 }, "campaign_id"},
		{"zero task count", func(r *SubmitJobRequest) { r.TaskCount = 0 }, "task_count"},
		{"zero parallelism", func(r *SubmitJobRequest) { r.Parallelism = 0 }, "parallelism"},
		{"parallelism above tasks", func(r *SubmitJobRequest) { r.TaskCount = 5; r.Parallelism = 10 }, "parallelism"},
		{"missing artifact", func(r *SubmitJobRequest) { r.ConfigArtifact = "" }, "config_artifact"},
		{"unknown backend", func(r *SubmitJobRequest) { r.Backend = "mainframe" }, "backend"},
		{"zero vcpu", func(r *SubmitJobRequest) { r.Resource = &ResourceRequest{WorkerMemoryMB: 1024} }, "worker_vcpu"},
		{"zero memory", func(r *SubmitJobRequest) { r.Resource = &ResourceRequest{WorkerVCPU: 1} }, "worker_memory_mb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := SubmitJobRequest{
				CampaignID:     7,
				TaskCount:      100,
				Parallelism:    10,
				ConfigArtifact: "campaign-7/run-config.json",
			}
			tt.modify(&req)

			if err := validateSubmitJob(req); err == nil {
				t.Fatal("expected error")
			} else if !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("expected error mentioning %q, got: %v", tt.errPart, err)
			}
		})
	}
}

func TestParseTargetDate_IgnoresTimeOfDay(t *testing.T) {
	got, err := parseTargetDate("2025-12-31")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Hour() != 0 || got.Location() != time.UTC {
		t.Errorf("expected midnight UTC, got %v", got)
	}
}
