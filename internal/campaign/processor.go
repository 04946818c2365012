package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"voice-campaigns/pkg/utils"

	"github.com/google/uuid"
)

// StopReason explains why an invocation did not ask to be continued right
// away. Policy stops are successful responses, not errors.
type StopReason string

const (
	StopNone                 StopReason = ""
	StopCompleted            StopReason = "completed"
	StopPaused               StopReason = "paused"
	StopCancelled            StopReason = "cancelled"
	StopOutsideBusinessHours StopReason = "outside_business_hours"
	StopChunkInFlight        StopReason = "chunk_in_flight"
	StopAwaitingRetry        StopReason = "awaiting_retry"
)

// ChunkResponse is the result of one ProcessNextChunk invocation. Callers
// re-invoke while HasMore is true, no earlier than NextProcessAt.
type ChunkResponse struct {
	CampaignID     string       `json:"campaign_id"`
	HasMore        bool         `json:"has_more"`
	ShouldContinue bool         `json:"should_continue"`
	PendingCount   int          `json:"pending_count"`
	NextProcessAt  *time.Time   `json:"next_process_at,omitempty"`
	StopReason     StopReason   `json:"stop_reason,omitempty"`
	Chunk          *ChunkResult `json:"chunk,omitempty"`
}

// ChunkResult summarizes the recipients dispatched by one chunk.
type ChunkResult struct {
	Number     int `json:"number"`
	Dispatched int `json:"dispatched"`
	Initiated  int `json:"initiated"`
	Failed     int `json:"failed"`
	Retrying   int `json:"retrying"`
	Skipped    int `json:"skipped,omitempty"`
}

// FailureHook is told when a queue is marked failed.
type FailureHook func(ctx context.Context, q QueueEntry, err error)

// Processor runs the resumable, chunked dispatch loop one invocation at a
// time. It holds no state between invocations beyond what it persists.
type Processor struct {
	repo       Repository
	dispatcher *Dispatcher
	locker     Locker
	metrics    *Metrics
	log        *slog.Logger
	onFailure  FailureHook

	clock    func() time.Time
	newToken func() string

	// persistTimeout bounds writes made after dispatch; they run detached
	// from the caller's context so placed calls are never lost to its deadline.
	persistTimeout time.Duration
}

type ProcessorOption func(*Processor)

func WithLocker(l Locker) ProcessorOption { return func(p *Processor) { p.locker = l } }

func WithMetrics(m *Metrics) ProcessorOption { return func(p *Processor) { p.metrics = m } }

func WithLogger(l *slog.Logger) ProcessorOption { return func(p *Processor) { p.log = l } }

func WithFailureHook(h FailureHook) ProcessorOption { return func(p *Processor) { p.onFailure = h } }

func WithClock(now func() time.Time) ProcessorOption { return func(p *Processor) { p.clock = now } }

func NewProcessor(repo Repository, dispatcher *Dispatcher, opts ...ProcessorOption) *Processor {
	p := &Processor{
		repo:           repo,
		dispatcher:     dispatcher,
		log:            slog.Default(),
		clock:          time.Now,
		newToken:       uuid.NewString,
		persistTimeout: PersistTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ProcessNextChunk performs at most one chunk of work for campaignID.
//
// Errors are returned only for configuration problems (unknown campaign,
// queue not initialized), stopped queues and persistence failures. Pause,
// cancellation and business-hours gating are reported through StopReason.
func (p *Processor) ProcessNextChunk(ctx context.Context, campaignID string) (ChunkResponse, error) {
	resp := ChunkResponse{CampaignID: campaignID}
	if campaignID == "" {
		return resp, fmt.Errorf("%w: campaign id is required", ErrInvalidArgument)
	}
	now := p.clock().UTC()

	q, err := p.repo.GetQueue(ctx, campaignID)
	if err != nil {
		return resp, err
	}
	log := p.log.With("campaign_id", campaignID, "workspace_id", q.WorkspaceID)

	switch q.Status {
	case QueueStatusCompleted:
		resp.StopReason = StopCompleted
		return resp, nil
	case QueueStatusCancelled, QueueStatusFailed:
		return resp, fmt.Errorf("%w: queue is %s", ErrQueueStopped, q.Status)
	case QueueStatusPaused:
		resp.HasMore = true
		resp.StopReason = StopPaused
		p.metrics.chunk(string(StopPaused))
		return resp, nil
	}

	// The campaign row is the user-facing source of truth and can change
	// between invocations; propagate it into the queue.
	c, err := p.repo.GetCampaign(ctx, q.WorkspaceID, campaignID)
	if err != nil {
		return resp, err
	}
	switch c.Status {
	case StatusPaused:
		if _, err := p.repo.SetQueueStatus(ctx, campaignID, []QueueStatus{QueueStatusPending, QueueStatusProcessing}, QueueStatusPaused, now); err != nil {
			return resp, err
		}
		log.Info("queue paused with campaign")
		resp.HasMore = true
		resp.StopReason = StopPaused
		p.metrics.chunk(string(StopPaused))
		return resp, nil
	case StatusCancelled:
		if _, err := p.repo.SetQueueStatus(ctx, campaignID, []QueueStatus{QueueStatusPending, QueueStatusProcessing, QueueStatusPaused}, QueueStatusCancelled, now); err != nil {
			return resp, err
		}
		log.Info("queue cancelled with campaign")
		resp.StopReason = StopCancelled
		p.metrics.chunk(string(StopCancelled))
		return resp, nil
	case StatusCompleted:
		if err := p.repo.CompleteQueue(ctx, campaignID, now); err != nil {
			return resp, err
		}
		resp.StopReason = StopCompleted
		return resp, nil
	case StatusDraft:
		return resp, fmt.Errorf("%w: campaign %s has not been started", ErrInvalidTransition, campaignID)
	}

	cfg := q.Config
	if !IsWithinBusinessHours(cfg.BusinessHours, cfg.EffectiveTimezone(), now) {
		next, ok := NextWindowStart(cfg.BusinessHours, cfg.EffectiveTimezone(), now)
		if !ok {
			// No usable slot within a week; look again in an hour.
			next = now.Add(time.Hour)
		}
		if err := p.repo.ScheduleQueue(ctx, campaignID, next); err != nil {
			return resp, err
		}
		sum, err := p.repo.PendingSummary(ctx, campaignID, now)
		if err != nil {
			return resp, err
		}
		log.Info("outside business hours", "next_process_at", next)
		resp.HasMore = true
		resp.PendingCount = sum.Remaining
		resp.NextProcessAt = &next
		resp.StopReason = StopOutsideBusinessHours
		p.metrics.chunk(string(StopOutsideBusinessHours))
		return resp, nil
	}

	if p.locker != nil {
		unlock, ok, err := p.locker.TryLock(ctx, campaignID, cfg.LeaseTTL)
		switch {
		case err != nil:
			// the database lease still guarantees exclusivity
			log.Warn("chunk lock unavailable, relying on queue lease", "err", err)
		case !ok:
			return p.inFlight(resp, now, cfg), nil
		default:
			defer func() {
				if err := unlock(context.WithoutCancel(ctx)); err != nil {
					log.Warn("chunk lock release failed", "err", err)
				}
			}()
		}
	}

	token := p.newToken()
	acquired, err := p.repo.AcquireChunkLease(ctx, campaignID, token, now, cfg.LeaseTTL)
	if err != nil {
		return resp, err
	}
	if !acquired {
		return p.inFlight(resp, now, cfg), nil
	}

	if n, err := p.repo.ResetStaleClaims(ctx, campaignID, now.Add(-cfg.LeaseTTL)); err != nil {
		p.release(ctx, log, campaignID, token)
		return resp, err
	} else if n > 0 {
		log.Warn("reset stale recipient claims", "count", n)
	}

	batch, err := p.repo.SelectPendingBatch(ctx, q.WorkspaceID, campaignID, cfg.ChunkSize, now)
	if err != nil {
		p.release(ctx, log, campaignID, token)
		return resp, err
	}
	if len(batch) > 0 {
		claimed, err := p.repo.ClaimRecipients(ctx, campaignID, recipientIDs(batch), now)
		if err != nil {
			p.release(ctx, log, campaignID, token)
			return resp, err
		}
		if len(claimed) == 0 {
			p.release(ctx, log, campaignID, token)
		} else {
			chunk, err := p.runChunk(ctx, log, q, c, cfg, token, claimed)
			if err != nil {
				return resp, err
			}
			resp.Chunk = chunk
		}
	} else {
		p.release(ctx, log, campaignID, token)
	}

	return p.finish(ctx, log, resp, cfg)
}

func (p *Processor) runChunk(ctx context.Context, log *slog.Logger, q QueueEntry, c Campaign, cfg DispatchConfig, token string, claimed []Recipient) (*ChunkResult, error) {
	results := p.dispatcher.DispatchNotify(ctx, cfg, c, claimed, func(r Recipient, res DispatchResult) {
		p.markInitiated(ctx, log, q.CampaignID, r, res)
	})

	at := p.clock().UTC()
	rec := ChunkRecord{CampaignID: q.CampaignID, LeaseToken: token, At: at}
	chunk := &ChunkResult{Number: q.ChunksProcessed + 1, Dispatched: len(claimed)}
	for i, r := range claimed {
		o := settle(r, results[i], cfg, at)
		rec.Outcomes = append(rec.Outcomes, o)
		switch {
		case results[i].Skipped:
			chunk.Skipped++
		case o.Status == CallStatusInProgress:
			chunk.Initiated++
		case o.Status == CallStatusPending:
			chunk.Failed++
			chunk.Retrying++
		default:
			chunk.Failed++
		}
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.persistTimeout)
	defer cancel()
	if err := p.repo.RecordChunk(persistCtx, rec); err != nil {
		return nil, p.failQueue(persistCtx, log, q, err)
	}

	log.Info("chunk processed",
		"chunk", chunk.Number,
		"dispatched", chunk.Dispatched,
		"initiated", chunk.Initiated,
		"failed", chunk.Failed,
		"retrying", chunk.Retrying,
		"skipped", chunk.Skipped,
	)
	p.metrics.chunk("dispatched")
	return chunk, nil
}

// markInitiated stores the provider call id as soon as the call is accepted so
// a completion signal arriving before the chunk is recorded finds its
// recipient. A failed write is not fatal: RecordChunk still moves the
// recipient from queued.
func (p *Processor) markInitiated(ctx context.Context, log *slog.Logger, campaignID string, r Recipient, res DispatchResult) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.persistTimeout)
	defer cancel()
	if err := p.repo.MarkInitiated(wctx, campaignID, r.ID, res.ExternalCallID, r.Attempts+1, p.clock().UTC()); err != nil {
		log.Warn("initiation not persisted ahead of chunk", "recipient_id", r.ID, "external_call_id", res.ExternalCallID, "err", err)
	}
}

// settle applies the retry policy to one dispatch result.
func settle(r Recipient, res DispatchResult, cfg DispatchConfig, at time.Time) RecipientOutcome {
	if res.Skipped {
		// never reached the provider; not an attempt
		return RecipientOutcome{RecipientID: r.ID, Status: CallStatusPending, Attempts: r.Attempts, LastError: r.LastError, NextAttemptAt: r.NextAttemptAt, Skipped: true}
	}
	o := RecipientOutcome{RecipientID: r.ID, Attempts: r.Attempts + 1}
	if res.Err == nil {
		o.Status = CallStatusInProgress
		o.ExternalCallID = res.ExternalCallID
		return o
	}
	o.LastError = utils.TruncateUTF8(res.Err.Error(), 500)
	if o.Attempts >= cfg.MaxAttempts {
		o.Status = CallStatusFailed
		return o
	}
	o.Status = CallStatusPending
	if d := cfg.RetryDelay(); d > 0 {
		next := at.Add(d)
		o.NextAttemptAt = &next
	}
	return o
}

// finish decides between completion and continuation once the chunk (if any)
// is persisted.
func (p *Processor) finish(ctx context.Context, log *slog.Logger, resp ChunkResponse, cfg DispatchConfig) (ChunkResponse, error) {
	now := p.clock().UTC()
	sum, err := p.repo.PendingSummary(ctx, resp.CampaignID, now)
	if err != nil {
		return resp, err
	}
	resp.PendingCount = sum.Remaining

	if sum.Remaining == 0 {
		if err := p.repo.CompleteQueue(ctx, resp.CampaignID, now); err != nil {
			return resp, err
		}
		p.reconcile(ctx, log, resp.CampaignID, now)
		log.Info("campaign completed")
		resp.StopReason = StopCompleted
		p.metrics.chunk(string(StopCompleted))
		return resp, nil
	}

	next := now.Add(cfg.InterChunkDelay)
	if sum.Ready == 0 && sum.NextAttemptAt != nil {
		next = *sum.NextAttemptAt
		resp.StopReason = StopAwaitingRetry
	}
	if err := p.repo.ScheduleQueue(ctx, resp.CampaignID, next); err != nil {
		return resp, err
	}
	resp.HasMore = true
	resp.ShouldContinue = true
	resp.NextProcessAt = &next
	if resp.Chunk == nil && resp.StopReason == StopNone {
		p.metrics.chunk("empty")
	}
	return resp, nil
}

func (p *Processor) inFlight(resp ChunkResponse, now time.Time, cfg DispatchConfig) ChunkResponse {
	next := now.Add(max(cfg.InterChunkDelay, time.Second))
	resp.HasMore = true
	resp.NextProcessAt = &next
	resp.StopReason = StopChunkInFlight
	p.metrics.chunk(string(StopChunkInFlight))
	return resp
}

func (p *Processor) release(ctx context.Context, log *slog.Logger, campaignID, token string) {
	if err := p.repo.ReleaseChunkLease(context.WithoutCancel(ctx), campaignID, token); err != nil {
		log.Warn("chunk lease release failed", "err", err)
	}
}

// reconcile overwrites the advisory campaign counters with recomputed stats.
func (p *Processor) reconcile(ctx context.Context, log *slog.Logger, campaignID string, now time.Time) {
	q, err := p.repo.GetQueue(ctx, campaignID)
	if err != nil {
		log.Warn("counter reconciliation skipped", "err", err)
		return
	}
	rows, err := p.repo.RecipientStatusCounts(ctx, q.WorkspaceID, campaignID)
	if err != nil {
		log.Warn("counter reconciliation failed", "err", err)
		return
	}
	if err := p.repo.UpdateCounters(ctx, campaignID, AggregateStats(rows), now); err != nil {
		log.Warn("counter reconciliation failed", "err", err)
	}
}

func (p *Processor) failQueue(ctx context.Context, log *slog.Logger, q QueueEntry, cause error) error {
	log.Error("persisting chunk failed, marking queue failed", "err", cause)
	p.metrics.queueFailed()
	p.metrics.chunk("failed")
	if err := p.repo.FailQueue(ctx, q.CampaignID, utils.TruncateUTF8(cause.Error(), 1000), p.clock().UTC()); err != nil {
		log.Error("marking queue failed also failed", "err", err)
	}
	if p.onFailure != nil {
		p.onFailure(ctx, q, cause)
	}
	return fmt.Errorf("%w: %w", ErrPersistence, cause)
}

// ReconcileDue recomputes counters for a campaign; used by the scheduler for
// touched campaigns so drift from racing completions is bounded.
func (p *Processor) ReconcileDue(ctx context.Context, campaignID string) {
	p.reconcile(ctx, p.log.With("campaign_id", campaignID), campaignID, p.clock().UTC())
}

func recipientIDs(rs []Recipient) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
