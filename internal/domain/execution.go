package domain

import (
	"time"

	"github.com/google/uuid"
)

type ExecutionStatus string

const (
	ExecutionStatusSubmitted ExecutionStatus = "submitted"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal executions are
// never transitioned again; re-cancel is a no-op.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSucceeded, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

type BackendKind string

const (
	BackendQuickServerless BackendKind = "quick-serverless"
	BackendBatchPool       BackendKind = "batch-pool"
)

// MachineProfile is the derived per-run machine shape after clamping to the
// selected backend's allowed shapes.
type MachineProfile struct {
	VCPU     float64 `json:"vcpu"`
	MemoryMB int     `json:"memory_mb"`
}

// Credential is a time-limited reference granting a worker read access to
// its run configuration. It is threaded through the Execution explicitly,
// never cached in process-global state.
type Credential struct {
	Ref       string
	Artifact  string // config artifact the credential was issued for
	ExpiresAt time.Time
}

// Execution records the lifecycle of one dispatcher-initiated run.
type Execution struct {
	ID         uuid.UUID
	CampaignID int64

	Backend     BackendKind
	Spot        bool // batch pool only: preemptible capacity
	TaskCount   int
	Parallelism int
	Machine     MachineProfile

	// SizingWarning is set when the requested resource profile under- or
	// overshoots sizing heuristics. Informational only.
	SizingWarning string

	Credential Credential

	// Handle is the backend's opaque identifier for the submitted run.
	Handle string

	Attempts int
	Status   ExecutionStatus

	StartedAt time.Time
	EndedAt   time.Time // zero until terminal

	CreatedAt time.Time
	UpdatedAt time.Time
}
