package domain

import (
	"encoding/json"
	"time"
)

// ResourceProfile is the per-worker shape a campaign requests.
type ResourceProfile struct {
	WorkerVCPU     float64 `json:"worker_vcpu"`
	WorkerMemoryMB int     `json:"worker_memory_mb"`
}

// Campaign describes which entities to target and under what constraints.
// It arrives pre-validated from the registry; the predicate is still checked
// against the field/operator allow-list before compilation.
type Campaign struct {
	ID   int64
	Name string

	// Predicate is the serialized filter-expression tree over the entity
	// attribute schema. Opaque here; internal/predicate owns its shape.
	Predicate json.RawMessage

	// Exclusions is the campaign's exclusion name list. Entities whose name
	// matches are never enqueued.
	Exclusions []string

	DailyCapacity int
	ShardCount    int

	Workers  int
	Resource ResourceProfile

	// PreferSpot routes runs to the preemptible batch pool first.
	// AllowOnDemandFallback permits retrying on on-demand capacity when the
	// spot submission fails; off by default to bound cost.
	PreferSpot            bool
	AllowOnDemandFallback bool

	Enabled bool

	CreatedAt time.Time
	UpdatedAt time.Time
}
