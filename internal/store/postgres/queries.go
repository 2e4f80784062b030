package postgres

// Candidate selects embed a compiled predicate fragment via fmt.Sprintf. The
// fragment comes from predicate.Compile and contains only allow-listed column
// names and $n placeholders, never request data.

const querySelectFreshCandidates = `
SELECT e.id
FROM entities e
WHERE e.blacklisted = false
  AND e.policy_detected = false
  AND NOT (e.name = ANY($2))
  AND NOT EXISTS (
      SELECT 1 FROM completions c
      WHERE c.campaign_id = $1 AND c.entity_id = e.id
  )
  AND %s
ORDER BY e.id ASC
LIMIT $3
`

const querySelectBackfillCandidates = `
SELECT e.id
FROM entities e
WHERE e.blacklisted = false
  AND e.policy_detected = false
  AND NOT (e.name = ANY($3))
  AND EXISTS (
      SELECT 1 FROM completions c
      WHERE c.campaign_id = $2 AND c.entity_id = e.id
  )
  AND NOT EXISTS (
      SELECT 1 FROM completions c
      WHERE c.campaign_id = $2 AND c.entity_id = e.id AND c.success = true
  )
  AND NOT EXISTS (
      SELECT 1 FROM completions c
      WHERE c.campaign_id = $2 AND c.entity_id = e.id AND c.recorded_at > $4
  )
  AND NOT EXISTS (
      SELECT 1 FROM work_items w
      WHERE w.target_date = $1 AND w.campaign_id = $2 AND w.entity_id = e.id
  )
  AND %s
ORDER BY e.id ASC
LIMIT $5
`

const queryMaxPriority = `
SELECT COALESCE(MAX(priority), 0)
FROM work_items
WHERE target_date = $1 AND campaign_id = $2
`

const queryInsertWorkItem = `
INSERT INTO work_items (target_date, campaign_id, entity_id, priority, shard, status, lease_holder, attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, '', 0, $7, $7)
ON CONFLICT (target_date, campaign_id, entity_id) DO NOTHING
`

const queryClaimPending = `
WITH claimable AS (
    SELECT id FROM work_items
    WHERE target_date = $1
      AND campaign_id = $2
      AND status = 'pending'
      AND ($3::int IS NULL OR shard = $3)
    ORDER BY priority ASC, entity_id ASC
    LIMIT $6
    FOR UPDATE SKIP LOCKED
)
UPDATE work_items w
SET status = 'assigned', lease_holder = $4, leased_at = $5, updated_at = $5
FROM claimable c
WHERE w.id = c.id
RETURNING w.entity_id, w.priority
`

const queryLockWorkItem = `
SELECT id, status, lease_holder
FROM work_items
WHERE target_date = $1 AND campaign_id = $2 AND entity_id = $3
FOR UPDATE
`

const queryCloseWorkItem = `
UPDATE work_items
SET status = $1, lease_holder = '', leased_at = NULL, attempts = attempts + 1, updated_at = $2
WHERE id = $3
`

const queryInsertCompletion = `
INSERT INTO completions (id, campaign_id, entity_id, success, error_class, result_payload, policy_flag, holder_id, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

const queryStampPolicyDetected = `
UPDATE entities
SET policy_detected = true, updated_at = $2
WHERE id = $1
`

const queryReclaimStale = `
WITH stale AS (
    SELECT id FROM work_items
    WHERE target_date = $1
      AND campaign_id = $2
      AND status = 'assigned'
      AND leased_at < $3
    FOR UPDATE SKIP LOCKED
)
UPDATE work_items w
SET status = 'pending', lease_holder = '', leased_at = NULL, updated_at = NOW()
FROM stale s
WHERE w.id = s.id
`

const queryReclaimStaleAll = `
WITH stale AS (
    SELECT id FROM work_items
    WHERE status = 'assigned'
      AND leased_at < $1
    FOR UPDATE SKIP LOCKED
)
UPDATE work_items w
SET status = 'pending', lease_holder = '', leased_at = NULL, updated_at = NOW()
FROM stale s
WHERE w.id = s.id
`

const queryGetCampaign = `
SELECT
    id, name, predicate, exclusions,
    daily_capacity, shard_count, workers,
    worker_vcpu, worker_memory_mb,
    prefer_spot, allow_on_demand_fallback, enabled,
    created_at, updated_at
FROM campaigns
WHERE id = $1
`

const queryListCampaigns = `
SELECT
    id, name, predicate, exclusions,
    daily_capacity, shard_count, workers,
    worker_vcpu, worker_memory_mb,
    prefer_spot, allow_on_demand_fallback, enabled,
    created_at, updated_at
FROM campaigns
ORDER BY id ASC
LIMIT $1 OFFSET $2
`

const queryListEnabledCampaignIDs = `
SELECT id FROM campaigns WHERE enabled = true ORDER BY id ASC
`

const queryInsertExecution = `
INSERT INTO executions (
    id, campaign_id, backend, spot, task_count, parallelism,
    vcpu, memory_mb, sizing_warning,
    credential_ref, credential_artifact, credential_expires_at,
    handle, attempts, status,
    started_at, ended_at, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NULL, $17, $18)
`

const queryMarkExecutionSubmitted = `
UPDATE executions
SET handle = $1, attempts = $2, spot = $3, updated_at = NOW()
WHERE id = $4
`

const queryUpdateExecutionStatus = `
UPDATE executions
SET status = $1,
    ended_at = CASE
        WHEN $1 IN ('succeeded', 'failed', 'cancelled') THEN NOW()
        ELSE ended_at
    END,
    updated_at = NOW()
WHERE id = $2
  AND status NOT IN ('succeeded', 'failed', 'cancelled')
`

const queryGetExecutionStatus = `
SELECT status FROM executions WHERE id = $1
`

const executionColumns = `
    id, campaign_id, backend, spot, task_count, parallelism,
    vcpu, memory_mb, sizing_warning,
    credential_ref, credential_artifact, credential_expires_at,
    handle, attempts, status,
    started_at, ended_at, created_at, updated_at
`

const queryGetExecution = `
SELECT` + executionColumns + `FROM executions
WHERE id = $1
`

const queryListExecutions = `
SELECT` + executionColumns + `FROM executions
WHERE campaign_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`

const queryListUnsettledExecutions = `
SELECT` + executionColumns + `FROM executions
WHERE status IN ('submitted', 'running')
  AND updated_at < $1
ORDER BY updated_at ASC
LIMIT $2
`

const queryLatestCredential = `
SELECT credential_ref, credential_artifact, credential_expires_at
FROM executions
WHERE campaign_id = $1
ORDER BY created_at DESC
LIMIT 1
`
