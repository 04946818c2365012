package campaign

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voice-campaigns/pkg/utils"
)

// PostgresRepo implements Repository on database/sql (pgx stdlib driver).
//
// Tables are defined in migrations/001_campaigns.sql:
// - campaigns
// - campaign_recipients (UNIQUE (campaign_id, phone_number))
// - campaign_queue (one row per campaign; carries the chunk lease)
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const campaignColumns = `id, workspace_id, name, agent_id, agent_external_id, status, settings,
  total_recipients, pending_calls, completed_calls, successful_calls, failed_calls,
  started_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (Campaign, error) {
	var (
		c                      Campaign
		settings               []byte
		startedAt, completedAt sql.NullTime
	)
	if err := row.Scan(
		&c.ID,
		&c.WorkspaceID,
		&c.Name,
		&c.AgentID,
		&c.AgentExternalID,
		&c.Status,
		&settings,
		&c.TotalRecipients,
		&c.PendingCalls,
		&c.CompletedCalls,
		&c.SuccessfulCalls,
		&c.FailedCalls,
		&startedAt,
		&completedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Campaign{}, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &c.Settings); err != nil {
			return Campaign{}, fmt.Errorf("decode campaign settings: %w", err)
		}
	}
	c.StartedAt = timePtr(startedAt)
	c.CompletedAt = timePtr(completedAt)
	return c, nil
}

const recipientColumns = `id, campaign_id, workspace_id, phone_number, first_name, last_name, email, company, metadata,
  call_status, call_outcome, attempts, external_call_id, last_error, next_attempt_at, created_at, updated_at`

func scanRecipient(row rowScanner) (Recipient, error) {
	var (
		r           Recipient
		metadata    []byte
		nextAttempt sql.NullTime
	)
	if err := row.Scan(
		&r.ID,
		&r.CampaignID,
		&r.WorkspaceID,
		&r.PhoneNumber,
		&r.FirstName,
		&r.LastName,
		&r.Email,
		&r.Company,
		&metadata,
		&r.CallStatus,
		&r.CallOutcome,
		&r.Attempts,
		&r.ExternalCallID,
		&r.LastError,
		&nextAttempt,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return Recipient{}, err
	}
	if len(metadata) > 0 {
		r.Metadata = json.RawMessage(metadata)
	}
	r.NextAttemptAt = timePtr(nextAttempt)
	return r, nil
}

const queueColumns = `campaign_id, workspace_id, status, processed_count, successful_count, failed_count,
  chunks_processed, total_chunks, config, last_chunk_at, next_process_at, started_at, completed_at,
  error_message, lease_token, lease_expires_at, updated_at`

func scanQueue(row rowScanner) (QueueEntry, error) {
	var (
		q                               QueueEntry
		config                          []byte
		lastChunk, nextProcess, started sql.NullTime
		completed, leaseExpires         sql.NullTime
	)
	if err := row.Scan(
		&q.CampaignID,
		&q.WorkspaceID,
		&q.Status,
		&q.ProcessedCount,
		&q.SuccessfulCount,
		&q.FailedCount,
		&q.ChunksProcessed,
		&q.TotalChunks,
		&config,
		&lastChunk,
		&nextProcess,
		&started,
		&completed,
		&q.ErrorMessage,
		&q.LeaseToken,
		&leaseExpires,
		&q.UpdatedAt,
	); err != nil {
		return QueueEntry{}, err
	}
	if err := json.Unmarshal(config, &q.Config); err != nil {
		return QueueEntry{}, fmt.Errorf("decode queue config: %w", err)
	}
	q.LastChunkAt = timePtr(lastChunk)
	q.NextProcessAt = timePtr(nextProcess)
	q.StartedAt = timePtr(started)
	q.CompletedAt = timePtr(completed)
	q.LeaseExpiresAt = timePtr(leaseExpires)
	return q, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func (r *PostgresRepo) CreateCampaign(ctx context.Context, c Campaign) error {
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO campaigns (
  id, workspace_id, name, agent_id, agent_external_id, status, settings,
  total_recipients, pending_calls, completed_calls, successful_calls, failed_calls,
  created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,0,0,0,0,0,$8,$9)
`
	_, err = r.db.ExecContext(ctx, q,
		c.ID,
		c.WorkspaceID,
		c.Name,
		c.AgentID,
		c.AgentExternalID,
		c.Status,
		settings,
		c.CreatedAt,
		c.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) GetCampaign(ctx context.Context, workspaceID, campaignID string) (Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE workspace_id = $1 AND id = $2`
	c, err := scanCampaign(r.db.QueryRowContext(ctx, q, workspaceID, campaignID))
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	return c, err
}

func (r *PostgresRepo) DeleteCampaign(ctx context.Context, workspaceID, campaignID string) error {
	// recipients and queue rows go with ON DELETE CASCADE
	const q = `DELETE FROM campaigns WHERE workspace_id = $1 AND id = $2`
	res, err := r.db.ExecContext(ctx, q, workspaceID, campaignID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) TransitionCampaign(ctx context.Context, t Transition) (Campaign, error) {
	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}
	q := `
UPDATE campaigns SET
  status = $3,
  started_at = CASE WHEN $5 THEN $4 ELSE started_at END,
  completed_at = CASE WHEN $6 THEN $4 ELSE completed_at END,
  updated_at = $4
WHERE workspace_id = $1 AND id = $2 AND status = ANY($7)
RETURNING ` + campaignColumns
	c, err := scanCampaign(r.db.QueryRowContext(ctx, q,
		t.WorkspaceID, t.CampaignID, t.To, t.At, t.SetStartedAt, t.SetCompletedAt, from,
	))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, err
	}
	// Distinguish a missing campaign from a rejected transition.
	current, getErr := r.GetCampaign(ctx, t.WorkspaceID, t.CampaignID)
	if getErr != nil {
		return Campaign{}, getErr
	}
	return current, ErrInvalidTransition
}

func (r *PostgresRepo) UpdateCounters(ctx context.Context, campaignID string, s Stats, now time.Time) error {
	const q = `
UPDATE campaigns SET
  total_recipients = $2, pending_calls = $3, completed_calls = $4,
  successful_calls = $5, failed_calls = $6, updated_at = $7
WHERE id = $1
`
	_, err := r.db.ExecContext(ctx, q, campaignID, s.Total, s.Pending, s.Completed, s.Successful, s.Failed, now)
	return err
}

func (r *PostgresRepo) InsertRecipients(ctx context.Context, workspaceID, campaignID string, rs []Recipient) (int, error) {
	inserted := 0
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const lock = `SELECT id FROM campaigns WHERE workspace_id = $1 AND id = $2 FOR UPDATE`
		var id string
		if err := tx.QueryRowContext(ctx, lock, workspaceID, campaignID).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		const q = `
INSERT INTO campaign_recipients (
  id, campaign_id, workspace_id, phone_number, first_name, last_name, email, company, metadata,
  call_status, call_outcome, attempts, external_call_id, last_error, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'',0,'','',$11,$12)
ON CONFLICT (campaign_id, phone_number) DO NOTHING
`
		for _, rec := range rs {
			res, err := tx.ExecContext(ctx, q,
				rec.ID,
				campaignID,
				workspaceID,
				rec.PhoneNumber,
				rec.FirstName,
				rec.LastName,
				rec.Email,
				rec.Company,
				nullJSON(rec.Metadata),
				CallStatusPending,
				rec.CreatedAt,
				rec.UpdatedAt,
			)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}

		const counters = `
UPDATE campaigns SET
  total_recipients = total_recipients + $2,
  pending_calls = pending_calls + $2,
  updated_at = now()
WHERE id = $1
`
		_, err := tx.ExecContext(ctx, counters, campaignID, inserted)
		return err
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (r *PostgresRepo) SelectPendingBatch(ctx context.Context, workspaceID, campaignID string, limit int, now time.Time) ([]Recipient, error) {
	q := `
SELECT ` + recipientColumns + `
FROM campaign_recipients
WHERE workspace_id = $1 AND campaign_id = $2 AND call_status = 'pending'
  AND (next_attempt_at IS NULL OR next_attempt_at <= $3)
ORDER BY created_at ASC, id ASC
LIMIT $4
`
	return r.queryRecipients(ctx, q, workspaceID, campaignID, now, limit)
}

func (r *PostgresRepo) ClaimRecipients(ctx context.Context, campaignID string, ids []string, now time.Time) ([]Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := `
UPDATE campaign_recipients SET call_status = 'queued', updated_at = $3
WHERE campaign_id = $1 AND id = ANY($2::uuid[]) AND call_status = 'pending'
RETURNING ` + recipientColumns
	out, err := r.queryRecipients(ctx, q, campaignID, ids, now)
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified; restore selection order.
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}
	ordered := make([]Recipient, 0, len(out))
	slots := make([]*Recipient, len(ids))
	for i := range out {
		slots[pos[out[i].ID]] = &out[i]
	}
	for _, p := range slots {
		if p != nil {
			ordered = append(ordered, *p)
		}
	}
	return ordered, nil
}

func (r *PostgresRepo) queryRecipients(ctx context.Context, q string, args ...any) ([]Recipient, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ResetStaleClaims(ctx context.Context, campaignID string, olderThan time.Time) (int64, error) {
	const q = `
UPDATE campaign_recipients SET call_status = 'pending', updated_at = now()
WHERE campaign_id = $1 AND call_status IN ('queued', 'calling') AND updated_at < $2
`
	res, err := r.db.ExecContext(ctx, q, campaignID, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepo) MarkInitiated(ctx context.Context, campaignID, recipientID, externalCallID string, attempts int, now time.Time) error {
	const q = `
UPDATE campaign_recipients SET
  call_status = 'in_progress',
  external_call_id = $3,
  attempts = $4,
  last_error = '',
  next_attempt_at = NULL,
  updated_at = $5
WHERE campaign_id = $1 AND id = $2 AND call_status = 'queued'
`
	_, err := r.db.ExecContext(ctx, q, campaignID, recipientID, externalCallID, attempts, now)
	return err
}

func (r *PostgresRepo) CancelPendingRecipients(ctx context.Context, workspaceID, campaignID string, now time.Time) (int64, error) {
	const q = `
UPDATE campaign_recipients SET call_status = 'cancelled', updated_at = $3
WHERE workspace_id = $1 AND campaign_id = $2 AND call_status = 'pending'
`
	res, err := r.db.ExecContext(ctx, q, workspaceID, campaignID, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepo) PendingSummary(ctx context.Context, campaignID string, now time.Time) (PendingSummary, error) {
	const q = `
SELECT
  COUNT(*) FILTER (WHERE call_status IN ('pending', 'queued', 'calling')),
  COUNT(*) FILTER (WHERE call_status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= $2)),
  MIN(next_attempt_at) FILTER (WHERE call_status = 'pending' AND next_attempt_at > $2)
FROM campaign_recipients
WHERE campaign_id = $1
`
	var (
		s    PendingSummary
		next sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, q, campaignID, now).Scan(&s.Remaining, &s.Ready, &next); err != nil {
		return PendingSummary{}, err
	}
	s.NextAttemptAt = timePtr(next)
	return s, nil
}

func (r *PostgresRepo) RecipientStatusCounts(ctx context.Context, workspaceID, campaignID string) ([]StatusCount, error) {
	const q = `
SELECT call_status, call_outcome, COUNT(*)
FROM campaign_recipients
WHERE workspace_id = $1 AND campaign_id = $2
GROUP BY call_status, call_outcome
`
	rows, err := r.db.QueryContext(ctx, q, workspaceID, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusCount
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Outcome, &sc.Count); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ApplyCallCompletion(ctx context.Context, externalCallID string, status CallStatus, outcome CallOutcome, reason string, now time.Time) (Recipient, bool, error) {
	var (
		rec     Recipient
		applied bool
	)
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		q := `
UPDATE campaign_recipients SET
  call_status = $2,
  call_outcome = $3,
  last_error = CASE WHEN $4 = '' THEN last_error ELSE $4 END,
  updated_at = $5
WHERE external_call_id = $1 AND call_status NOT IN ('completed', 'failed', 'cancelled')
RETURNING ` + recipientColumns
		var err error
		rec, err = scanRecipient(tx.QueryRowContext(ctx, q, externalCallID, status, outcome, reason, now))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		applied = true

		const counters = `
UPDATE campaigns SET
  completed_calls = completed_calls + 1,
  successful_calls = successful_calls + $2,
  failed_calls = failed_calls + $3,
  updated_at = $4
WHERE id = $1
`
		_, err = tx.ExecContext(ctx, counters, rec.CampaignID, b2i(outcome == OutcomeAnswered), b2i(status == CallStatusFailed), now)
		return err
	})
	if err != nil {
		return Recipient{}, false, err
	}
	return rec, applied, nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r *PostgresRepo) GetQueue(ctx context.Context, campaignID string) (QueueEntry, error) {
	q := `SELECT ` + queueColumns + ` FROM campaign_queue WHERE campaign_id = $1`
	e, err := scanQueue(r.db.QueryRowContext(ctx, q, campaignID))
	if errors.Is(err, sql.ErrNoRows) {
		return QueueEntry{}, ErrQueueNotInitialized
	}
	return e, err
}

func (r *PostgresRepo) InitQueue(ctx context.Context, e QueueEntry) (QueueEntry, error) {
	config, err := json.Marshal(e.Config)
	if err != nil {
		return QueueEntry{}, err
	}
	// Insert, or reset a failed/cancelled entry; anything else is left alone
	// and returned as-is by the follow-up read.
	const q = `
INSERT INTO campaign_queue (
  campaign_id, workspace_id, status, processed_count, successful_count, failed_count,
  chunks_processed, total_chunks, config, next_process_at, started_at, error_message,
  lease_token, updated_at
) VALUES ($1,$2,$3,0,0,0,0,$4,$5,$6,$7,'','',$8)
ON CONFLICT (campaign_id) DO UPDATE SET
  status = EXCLUDED.status,
  processed_count = 0,
  successful_count = 0,
  failed_count = 0,
  chunks_processed = 0,
  total_chunks = EXCLUDED.total_chunks,
  config = EXCLUDED.config,
  last_chunk_at = NULL,
  next_process_at = EXCLUDED.next_process_at,
  started_at = EXCLUDED.started_at,
  completed_at = NULL,
  error_message = '',
  lease_token = '',
  lease_expires_at = NULL,
  updated_at = EXCLUDED.updated_at
WHERE campaign_queue.status IN ('failed', 'cancelled')
`
	if _, err := r.db.ExecContext(ctx, q,
		e.CampaignID,
		e.WorkspaceID,
		e.Status,
		e.TotalChunks,
		config,
		nullTime(e.NextProcessAt),
		nullTime(e.StartedAt),
		e.UpdatedAt,
	); err != nil {
		return QueueEntry{}, err
	}
	return r.GetQueue(ctx, e.CampaignID)
}

func (r *PostgresRepo) SetQueueStatus(ctx context.Context, campaignID string, from []QueueStatus, to QueueStatus, now time.Time) (bool, error) {
	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}
	const q = `
UPDATE campaign_queue SET
  status = $2,
  completed_at = CASE WHEN $2 IN ('completed', 'cancelled') THEN $3 ELSE completed_at END,
  next_process_at = CASE WHEN $2 IN ('completed', 'cancelled') THEN NULL ELSE next_process_at END,
  updated_at = $3
WHERE campaign_id = $1 AND status = ANY($4)
`
	res, err := r.db.ExecContext(ctx, q, campaignID, to, now, statuses)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresRepo) ScheduleQueue(ctx context.Context, campaignID string, at time.Time) error {
	const q = `UPDATE campaign_queue SET next_process_at = $2 WHERE campaign_id = $1`
	_, err := r.db.ExecContext(ctx, q, campaignID, at)
	return err
}

func (r *PostgresRepo) AcquireChunkLease(ctx context.Context, campaignID, token string, now time.Time, ttl time.Duration) (bool, error) {
	const q = `
UPDATE campaign_queue SET
  status = 'processing',
  lease_token = $2,
  lease_expires_at = $4,
  updated_at = $3
WHERE campaign_id = $1
  AND status IN ('pending', 'processing')
  AND (lease_token = '' OR lease_expires_at IS NULL OR lease_expires_at <= $3)
`
	res, err := r.db.ExecContext(ctx, q, campaignID, token, now, now.Add(ttl))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PostgresRepo) ReleaseChunkLease(ctx context.Context, campaignID, token string) error {
	const q = `
UPDATE campaign_queue SET lease_token = '', lease_expires_at = NULL
WHERE campaign_id = $1 AND lease_token = $2
`
	_, err := r.db.ExecContext(ctx, q, campaignID, token)
	return err
}

func (r *PostgresRepo) RecordChunk(ctx context.Context, rec ChunkRecord) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		processed, successful, failed := rec.Totals()
		const fold = `
UPDATE campaign_queue SET
  processed_count = processed_count + $3,
  successful_count = successful_count + $4,
  failed_count = failed_count + $5,
  chunks_processed = chunks_processed + 1,
  last_chunk_at = $6,
  lease_token = '',
  lease_expires_at = NULL,
  updated_at = $6
WHERE campaign_id = $1 AND lease_token = $2
`
		res, err := tx.ExecContext(ctx, fold, rec.CampaignID, rec.LeaseToken, processed, successful, failed, rec.At)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrLeaseLost
		}

		// Serializes with a concurrent Terminate: either it committed and
		// retries are cancelled here, or it waits and cancels them itself.
		var status Status
		if err := tx.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = $1 FOR UPDATE`, rec.CampaignID).Scan(&status); err != nil {
			return err
		}
		if status == StatusCancelled {
			rec = rec.cancelRetries()
		}

		const upd = `
UPDATE campaign_recipients SET
  call_status = $3,
  call_outcome = CASE WHEN $3 = 'failed' THEN 'failed' ELSE call_outcome END,
  attempts = $4,
  external_call_id = $5,
  last_error = $6,
  next_attempt_at = $7,
  updated_at = $8
WHERE campaign_id = $1 AND id = $2 AND call_status = 'queued'
`
		for _, o := range rec.Outcomes {
			if _, err := tx.ExecContext(ctx, upd,
				rec.CampaignID,
				o.RecipientID,
				o.Status,
				o.Attempts,
				o.ExternalCallID,
				o.LastError,
				nullTime(o.NextAttemptAt),
				rec.At,
			); err != nil {
				return err
			}
		}

		left, terminal := rec.counterDelta()
		const counters = `
UPDATE campaigns SET
  pending_calls = GREATEST(pending_calls - $2, 0),
  completed_calls = completed_calls + $3,
  failed_calls = failed_calls + $3,
  updated_at = $4
WHERE id = $1
`
		_, err = tx.ExecContext(ctx, counters, rec.CampaignID, left, terminal, rec.At)
		return err
	})
}

func (r *PostgresRepo) CompleteQueue(ctx context.Context, campaignID string, now time.Time) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const q = `
UPDATE campaign_queue SET
  status = 'completed', completed_at = $2, next_process_at = NULL,
  lease_token = '', lease_expires_at = NULL, updated_at = $2
WHERE campaign_id = $1 AND status NOT IN ('completed', 'cancelled', 'failed')
`
		if _, err := tx.ExecContext(ctx, q, campaignID, now); err != nil {
			return err
		}
		const c = `
UPDATE campaigns SET status = 'completed', completed_at = $2, updated_at = $2
WHERE id = $1 AND status = 'active'
`
		_, err := tx.ExecContext(ctx, c, campaignID, now)
		return err
	})
}

func (r *PostgresRepo) FailQueue(ctx context.Context, campaignID, message string, now time.Time) error {
	const q = `
UPDATE campaign_queue SET
  status = 'failed', error_message = $2, next_process_at = NULL,
  lease_token = '', lease_expires_at = NULL, updated_at = $3
WHERE campaign_id = $1
`
	_, err := r.db.ExecContext(ctx, q, campaignID, message, now)
	return err
}

func (r *PostgresRepo) ListDueQueues(ctx context.Context, now time.Time, limit int) ([]QueueEntry, error) {
	q := `
SELECT ` + queueColumns + `
FROM campaign_queue
WHERE status IN ('pending', 'processing')
  AND (next_process_at IS NULL OR next_process_at <= $1)
  AND (lease_token = '' OR lease_expires_at IS NULL OR lease_expires_at <= $1)
ORDER BY next_process_at ASC NULLS FIRST
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueueEntry
	for rows.Next() {
		e, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
