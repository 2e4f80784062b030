package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Error classification codes recorded with failed completions.
// The executor owns the taxonomy; these are the values it emits today.
const (
	ErrorClassTimeout      = "timeout"
	ErrorClassFormNotFound = "form_not_found"
	ErrorClassSubmitDenied = "submit_denied"
	ErrorClassNavigation   = "navigation"
	ErrorClassUnknown      = "unknown"
)

// CompletionRecord is one append-only outcome row per completion call.
// A retried WorkItem accumulates several. Never updated or deleted.
type CompletionRecord struct {
	ID uuid.UUID

	CampaignID int64
	EntityID   int64

	Success    bool
	ErrorClass string // empty on success
	// ResultPayload is the executor's structured result, stored opaquely.
	ResultPayload json.RawMessage
	// PolicyFlag marks an anti-automation signal observed on the entity.
	PolicyFlag bool

	HolderID   string
	RecordedAt time.Time
}
