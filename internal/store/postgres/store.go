package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/neurify-goto/fs-runner-sub001/internal/dispatch"
	"github.com/neurify-goto/fs-runner-sub001/internal/domain"
	"github.com/neurify-goto/fs-runner-sub001/internal/predicate"
	"github.com/neurify-goto/fs-runner-sub001/internal/queue"
)

// Store implements the queue and dispatch persistence surfaces using
// PostgreSQL.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a new PostgreSQL store. opTimeout bounds every operation;
// zero disables the bound.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

// DB exposes the underlying connection for health probes.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// SelectFreshCandidates returns never-attempted entity ids matching the
// campaign predicate, excluding blacklisted, policy-detected and
// name-excluded entities.
func (s *Store) SelectFreshCandidates(ctx context.Context, campaignID int64, pred predicate.Expr, exclusions []string, limit int) ([]int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	frag, predArgs, err := predicate.Compile(pred, 4)
	if err != nil {
		return nil, fmt.Errorf("compile predicate: %w", err)
	}
	if exclusions == nil {
		exclusions = []string{}
	}

	args := append([]interface{}{campaignID, pq.Array(exclusions), limit}, predArgs...)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(querySelectFreshCandidates, frag), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanIDs(rows)
}

// SelectBackfillCandidates returns entity ids with a completion history but
// no success, excluding recent attempts and entities already enqueued for
// targetDate.
func (s *Store) SelectBackfillCandidates(ctx context.Context, targetDate time.Time, campaignID int64, pred predicate.Expr, exclusions []string, attemptedSince time.Time, limit int) ([]int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	frag, predArgs, err := predicate.Compile(pred, 6)
	if err != nil {
		return nil, fmt.Errorf("compile predicate: %w", err)
	}
	if exclusions == nil {
		exclusions = []string{}
	}

	args := append([]interface{}{targetDate, campaignID, pq.Array(exclusions), attemptedSince, limit}, predArgs...)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(querySelectBackfillCandidates, frag), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanIDs(rows)
}

// MaxPriority returns the highest priority enqueued for (targetDate,
// campaignID), or 0 when the queue is empty.
func (s *Store) MaxPriority(ctx context.Context, targetDate time.Time, campaignID int64) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var max int
	err := s.db.QueryRowContext(ctx, queryMaxPriority, targetDate, campaignID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max, nil
}

// InsertWorkItems inserts rows with insert-or-ignore semantics and returns
// how many rows were actually inserted.
func (s *Store) InsertWorkItems(ctx context.Context, items []domain.WorkItem) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if len(items) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	inserted := 0
	for _, item := range items {
		result, err := tx.ExecContext(ctx, queryInsertWorkItem,
			item.TargetDate,
			item.CampaignID,
			item.EntityID,
			item.Priority,
			item.Shard,
			string(item.Status),
			item.CreatedAt,
		)
		if err != nil {
			return 0, err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// ClaimPending atomically transitions up to limit pending rows to assigned.
// FOR UPDATE SKIP LOCKED keeps concurrent claimers from blocking on or
// receiving each other's rows.
func (s *Store) ClaimPending(ctx context.Context, targetDate time.Time, campaignID int64, shard *int, holderID string, leasedAt time.Time, limit int) ([]int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var shardArg interface{}
	if shard != nil {
		shardArg = *shard
	}

	rows, err := s.db.QueryContext(ctx, queryClaimPending, targetDate, campaignID, shardArg, holderID, leasedAt, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type claimed struct {
		entityID int64
		priority int
	}
	var result []claimed
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.entityID, &c.priority); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING gives no ordering guarantee.
	sort.Slice(result, func(i, j int) bool {
		if result[i].priority != result[j].priority {
			return result[i].priority < result[j].priority
		}
		return result[i].entityID < result[j].entityID
	})

	ids := make([]int64, len(result))
	for i, c := range result {
		ids[i] = c.entityID
	}
	return ids, nil
}

// RecordCompletion applies a completion in a single transaction: conditional
// work-item transition, append-only completion row, and the policy-detected
// stamp when flagged. Returns queue.ErrLeaseConflict, with no mutation, when
// the item exists but is terminal or leased by a different holder; an
// unleased (pending) item may still be closed.
func (s *Store) RecordCompletion(ctx context.Context, targetDate time.Time, rec domain.CompletionRecord) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var itemID int64
	var status, leaseHolder string
	updated := 0

	err = tx.QueryRowContext(ctx, queryLockWorkItem, targetDate, rec.CampaignID, rec.EntityID).
		Scan(&itemID, &status, &leaseHolder)
	switch {
	case err == sql.ErrNoRows:
		// Out-of-queue completion: the outcome row is still the durable
		// record of the attempt.
	case err != nil:
		return 0, err
	default:
		if !domain.CanComplete(domain.WorkItemStatus(status), leaseHolder, rec.HolderID) {
			return 0, queue.ErrLeaseConflict
		}
		newStatus := domain.WorkItemStatusDone
		if !rec.Success {
			newStatus = domain.WorkItemStatusFailed
		}
		if _, err := tx.ExecContext(ctx, queryCloseWorkItem, string(newStatus), rec.RecordedAt, itemID); err != nil {
			return 0, err
		}
		updated = 1
	}

	var payload interface{}
	if len(rec.ResultPayload) > 0 {
		payload = []byte(rec.ResultPayload)
	}
	_, err = tx.ExecContext(ctx, queryInsertCompletion,
		rec.ID,
		rec.CampaignID,
		rec.EntityID,
		rec.Success,
		rec.ErrorClass,
		payload,
		rec.PolicyFlag,
		rec.HolderID,
		rec.RecordedAt,
	)
	if err != nil {
		return 0, err
	}

	if rec.PolicyFlag {
		if _, err := tx.ExecContext(ctx, queryStampPolicyDetected, rec.EntityID, rec.RecordedAt); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return updated, nil
}

// ReclaimStale resets assigned rows of (targetDate, campaignID) with a lease
// older than cutoff back to pending.
func (s *Store) ReclaimStale(ctx context.Context, targetDate time.Time, campaignID int64, cutoff time.Time) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryReclaimStale, targetDate, campaignID, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// ReclaimStaleAll is the background-sweep variant covering every date and
// campaign.
func (s *Store) ReclaimStaleAll(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryReclaimStaleAll, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// GetCampaign returns a campaign by its ID.
func (s *Store) GetCampaign(ctx context.Context, id int64) (domain.Campaign, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	c, err := scanCampaign(s.db.QueryRowContext(ctx, queryGetCampaign, id))
	if err != nil {
		return domain.Campaign{}, err
	}
	return c, nil
}

// ListCampaigns returns campaigns ordered by id, paginated by limit and
// offset.
func (s *Store) ListCampaigns(ctx context.Context, limit, offset int) ([]domain.Campaign, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListCampaigns, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListEnabledCampaignIDs returns the ids of all enabled campaigns.
func (s *Store) ListEnabledCampaignIDs(ctx context.Context) ([]int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListEnabledCampaignIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanIDs(rows)
}

// InsertExecution inserts a new execution record.
func (s *Store) InsertExecution(ctx context.Context, exec domain.Execution) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var expiresAt interface{}
	if !exec.Credential.ExpiresAt.IsZero() {
		expiresAt = exec.Credential.ExpiresAt
	}
	_, err := s.db.ExecContext(ctx, queryInsertExecution,
		exec.ID,
		exec.CampaignID,
		string(exec.Backend),
		exec.Spot,
		exec.TaskCount,
		exec.Parallelism,
		exec.Machine.VCPU,
		exec.Machine.MemoryMB,
		exec.SizingWarning,
		exec.Credential.Ref,
		exec.Credential.Artifact,
		expiresAt,
		exec.Handle,
		exec.Attempts,
		string(exec.Status),
		exec.StartedAt,
		exec.CreatedAt,
		exec.UpdatedAt,
	)
	return err
}

// MarkExecutionSubmitted records the backend handle, attempt count, and final
// spot flag of a successful submission. Spot is rewritten here so an
// on-demand fallback is reflected in the persisted row, not just in memory.
func (s *Store) MarkExecutionSubmitted(ctx context.Context, id uuid.UUID, handle string, attempts int, spot bool) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryMarkExecutionSubmitted, handle, attempts, spot, id)
	return err
}

// UpdateExecutionStatus sets the execution status, stamping ended_at on the
// first transition into a terminal state.
// Returns dispatch.ErrStatusTransitionDenied if the execution is already
// terminal. This uses an atomic UPDATE with the guard in the WHERE clause to
// prevent TOCTOU race conditions.
func (s *Store) UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryUpdateExecutionStatus, string(status), id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		// Either: (a) execution not found, or (b) already terminal.
		// Distinguish by checking if the row exists.
		var currentStatus string
		err := s.db.QueryRowContext(ctx, queryGetExecutionStatus, id).Scan(&currentStatus)
		if err == sql.ErrNoRows {
			return dispatch.ErrUnknownExecution
		}
		if err != nil {
			return err
		}
		return dispatch.ErrStatusTransitionDenied
	}

	return nil
}

// GetExecution returns an execution by its ID.
func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (domain.Execution, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	exec, err := scanExecution(s.db.QueryRowContext(ctx, queryGetExecution, id))
	if err == sql.ErrNoRows {
		return domain.Execution{}, dispatch.ErrUnknownExecution
	}
	if err != nil {
		return domain.Execution{}, err
	}
	return exec, nil
}

// ListExecutions returns executions for a campaign, most recent first,
// paginated by limit and offset.
func (s *Store) ListExecutions(ctx context.Context, campaignID int64, limit, offset int) ([]domain.Execution, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListExecutions, campaignID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// ListUnsettledExecutions returns non-terminal executions last updated
// before olderThan, oldest first, limited to maxResults.
func (s *Store) ListUnsettledExecutions(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Execution, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListUnsettledExecutions, olderThan, maxResults)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// LatestCredential returns the credential of the campaign's most recent
// execution, or a zero credential when the campaign has none.
func (s *Store) LatestCredential(ctx context.Context, campaignID int64) (domain.Credential, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var cred domain.Credential
	var expiresAt sql.NullTime

	err := s.db.QueryRowContext(ctx, queryLatestCredential, campaignID).Scan(&cred.Ref, &cred.Artifact, &expiresAt)
	if err == sql.ErrNoRows {
		return domain.Credential{}, nil
	}
	if err != nil {
		return domain.Credential{}, err
	}
	if expiresAt.Valid {
		cred.ExpiresAt = expiresAt.Time
	}
	return cred, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (domain.Campaign, error) {
	var c domain.Campaign
	var predicateRaw []byte

	err := row.Scan(
		&c.ID,
		&c.Name,
		&predicateRaw,
		pq.Array(&c.Exclusions),
		&c.DailyCapacity,
		&c.ShardCount,
		&c.Workers,
		&c.Resource.WorkerVCPU,
		&c.Resource.WorkerMemoryMB,
		&c.PreferSpot,
		&c.AllowOnDemandFallback,
		&c.Enabled,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return domain.Campaign{}, err
	}
	c.Predicate = predicateRaw
	return c, nil
}

func scanExecution(row rowScanner) (domain.Execution, error) {
	var exec domain.Execution
	var backend, status string
	var credExpiresAt, endedAt sql.NullTime

	err := row.Scan(
		&exec.ID,
		&exec.CampaignID,
		&backend,
		&exec.Spot,
		&exec.TaskCount,
		&exec.Parallelism,
		&exec.Machine.VCPU,
		&exec.Machine.MemoryMB,
		&exec.SizingWarning,
		&exec.Credential.Ref,
		&exec.Credential.Artifact,
		&credExpiresAt,
		&exec.Handle,
		&exec.Attempts,
		&status,
		&exec.StartedAt,
		&endedAt,
		&exec.CreatedAt,
		&exec.UpdatedAt,
	)
	if err != nil {
		return domain.Execution{}, err
	}
	exec.Backend = domain.BackendKind(backend)
	exec.Status = domain.ExecutionStatus(status)
	if credExpiresAt.Valid {
		exec.Credential.ExpiresAt = credExpiresAt.Time
	}
	if endedAt.Valid {
		exec.EndedAt = endedAt.Time
	}
	return exec, nil
}

func scanExecutions(rows *sql.Rows) ([]domain.Execution, error) {
	var result []domain.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Compile-time interface assertions
var (
	_ queue.BuilderStore    = (*Store)(nil)
	_ queue.LeaseStore      = (*Store)(nil)
	_ queue.CompletionStore = (*Store)(nil)
	_ queue.ReclaimStore    = (*Store)(nil)
	_ dispatch.Store        = (*Store)(nil)
)
