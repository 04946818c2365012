package campaign

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository for tests and local runs.
// It is not intended for production use.
type MemoryRepo struct {
	mu         sync.Mutex
	campaigns  map[string]Campaign
	recipients map[string][]*Recipient // campaign id -> insertion order
	queues     map[string]QueueEntry
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		campaigns:  make(map[string]Campaign),
		recipients: make(map[string][]*Recipient),
		queues:     make(map[string]QueueEntry),
	}
}

func (r *MemoryRepo) CreateCampaign(ctx context.Context, c Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.campaigns[c.ID]; ok {
		return ErrInvalidArgument
	}
	r.campaigns[c.ID] = c
	return nil
}

func (r *MemoryRepo) GetCampaign(ctx context.Context, workspaceID, campaignID string) (Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.campaignLocked(workspaceID, campaignID)
}

func (r *MemoryRepo) campaignLocked(workspaceID, campaignID string) (Campaign, error) {
	c, ok := r.campaigns[campaignID]
	if !ok || c.WorkspaceID != workspaceID {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) DeleteCampaign(ctx context.Context, workspaceID, campaignID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.campaignLocked(workspaceID, campaignID); err != nil {
		return err
	}
	delete(r.campaigns, campaignID)
	delete(r.recipients, campaignID)
	delete(r.queues, campaignID)
	return nil
}

func (r *MemoryRepo) TransitionCampaign(ctx context.Context, t Transition) (Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.campaignLocked(t.WorkspaceID, t.CampaignID)
	if err != nil {
		return Campaign{}, err
	}
	if !t.allowed(c.Status) {
		return c, ErrInvalidTransition
	}
	at := t.At
	c.Status = t.To
	c.UpdatedAt = at
	if t.SetStartedAt {
		c.StartedAt = &at
	}
	if t.SetCompletedAt {
		c.CompletedAt = &at
	}
	r.campaigns[c.ID] = c
	return c, nil
}

func (r *MemoryRepo) UpdateCounters(ctx context.Context, campaignID string, s Stats, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return ErrNotFound
	}
	c.TotalRecipients = s.Total
	c.PendingCalls = s.Pending
	c.CompletedCalls = s.Completed
	c.SuccessfulCalls = s.Successful
	c.FailedCalls = s.Failed
	c.UpdatedAt = now
	r.campaigns[campaignID] = c
	return nil
}

func (r *MemoryRepo) InsertRecipients(ctx context.Context, workspaceID, campaignID string, rs []Recipient) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.campaignLocked(workspaceID, campaignID)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{}, len(r.recipients[campaignID]))
	for _, existing := range r.recipients[campaignID] {
		seen[existing.PhoneNumber] = struct{}{}
	}
	inserted := 0
	for _, rec := range rs {
		if _, dup := seen[rec.PhoneNumber]; dup {
			continue
		}
		seen[rec.PhoneNumber] = struct{}{}
		cp := rec
		r.recipients[campaignID] = append(r.recipients[campaignID], &cp)
		inserted++
	}
	c.TotalRecipients += inserted
	c.PendingCalls += inserted
	r.campaigns[campaignID] = c
	return inserted, nil
}

func (r *MemoryRepo) SelectPendingBatch(ctx context.Context, workspaceID, campaignID string, limit int, now time.Time) ([]Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		return nil, nil
	}
	var out []Recipient
	for _, rec := range r.ordered(campaignID) {
		if rec.WorkspaceID != workspaceID || !ready(*rec, now) {
			continue
		}
		out = append(out, *rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func ready(rec Recipient, now time.Time) bool {
	if rec.CallStatus != CallStatusPending {
		return false
	}
	return rec.NextAttemptAt == nil || !rec.NextAttemptAt.After(now)
}

// ordered returns recipients oldest first, ties broken by insertion order.
func (r *MemoryRepo) ordered(campaignID string) []*Recipient {
	list := make([]*Recipient, len(r.recipients[campaignID]))
	copy(list, r.recipients[campaignID])
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list
}

func (r *MemoryRepo) ClaimRecipients(ctx context.Context, campaignID string, ids []string, now time.Time) ([]Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []Recipient
	for _, rec := range r.recipients[campaignID] {
		if _, ok := want[rec.ID]; !ok || rec.CallStatus != CallStatusPending {
			continue
		}
		rec.CallStatus = CallStatusQueued
		rec.UpdatedAt = now
		out = append(out, *rec)
	}
	return out, nil
}

func (r *MemoryRepo) ResetStaleClaims(ctx context.Context, campaignID string, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, rec := range r.recipients[campaignID] {
		if (rec.CallStatus == CallStatusQueued || rec.CallStatus == CallStatusCalling) && rec.UpdatedAt.Before(olderThan) {
			rec.CallStatus = CallStatusPending
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) MarkInitiated(ctx context.Context, campaignID, recipientID, externalCallID string, attempts int, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.recipients[campaignID] {
		if rec.ID != recipientID {
			continue
		}
		if rec.CallStatus == CallStatusQueued {
			rec.CallStatus = CallStatusInProgress
			rec.ExternalCallID = externalCallID
			rec.Attempts = attempts
			rec.LastError = ""
			rec.NextAttemptAt = nil
			rec.UpdatedAt = now
		}
		return nil
	}
	return nil
}

func (r *MemoryRepo) CancelPendingRecipients(ctx context.Context, workspaceID, campaignID string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, rec := range r.recipients[campaignID] {
		if rec.WorkspaceID == workspaceID && rec.CallStatus == CallStatusPending {
			rec.CallStatus = CallStatusCancelled
			rec.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) PendingSummary(ctx context.Context, campaignID string, now time.Time) (PendingSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s PendingSummary
	for _, rec := range r.recipients[campaignID] {
		switch rec.CallStatus {
		case CallStatusPending:
			s.Remaining++
			if ready(*rec, now) {
				s.Ready++
				continue
			}
			if s.NextAttemptAt == nil || rec.NextAttemptAt.Before(*s.NextAttemptAt) {
				at := *rec.NextAttemptAt
				s.NextAttemptAt = &at
			}
		case CallStatusQueued, CallStatusCalling:
			s.Remaining++
		}
	}
	return s, nil
}

func (r *MemoryRepo) RecipientStatusCounts(ctx context.Context, workspaceID, campaignID string) ([]StatusCount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]Recipient, 0, len(r.recipients[campaignID]))
	for _, rec := range r.recipients[campaignID] {
		if rec.WorkspaceID == workspaceID {
			list = append(list, *rec)
		}
	}
	return CountRecipients(list), nil
}

func (r *MemoryRepo) ApplyCallCompletion(ctx context.Context, externalCallID string, status CallStatus, outcome CallOutcome, reason string, now time.Time) (Recipient, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for campaignID, list := range r.recipients {
		for _, rec := range list {
			if rec.ExternalCallID != externalCallID {
				continue
			}
			if rec.CallStatus.Terminal() {
				return *rec, false, nil
			}
			rec.CallStatus = status
			rec.CallOutcome = outcome
			if reason != "" {
				rec.LastError = reason
			}
			rec.UpdatedAt = now

			c := r.campaigns[campaignID]
			c.CompletedCalls++
			if outcome == OutcomeAnswered {
				c.SuccessfulCalls++
			}
			if status == CallStatusFailed {
				c.FailedCalls++
			}
			c.UpdatedAt = now
			r.campaigns[campaignID] = c
			return *rec, true, nil
		}
	}
	return Recipient{}, false, nil
}

func (r *MemoryRepo) GetQueue(ctx context.Context, campaignID string) (QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[campaignID]
	if !ok {
		return QueueEntry{}, ErrQueueNotInitialized
	}
	return q, nil
}

func (r *MemoryRepo) InitQueue(ctx context.Context, e QueueEntry) (QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.queues[e.CampaignID]; ok && !existing.Status.Resettable() {
		return existing, nil
	}
	r.queues[e.CampaignID] = e
	return e, nil
}

func (r *MemoryRepo) SetQueueStatus(ctx context.Context, campaignID string, from []QueueStatus, to QueueStatus, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[campaignID]
	if !ok {
		return false, ErrQueueNotInitialized
	}
	if !containsQueueStatus(from, q.Status) {
		return false, nil
	}
	q.Status = to
	q.UpdatedAt = now
	if to == QueueStatusCompleted || to == QueueStatusCancelled {
		q.CompletedAt = &now
		q.NextProcessAt = nil
	}
	r.queues[campaignID] = q
	return true, nil
}

func (r *MemoryRepo) ScheduleQueue(ctx context.Context, campaignID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[campaignID]
	if !ok {
		return ErrQueueNotInitialized
	}
	q.NextProcessAt = &at
	r.queues[campaignID] = q
	return nil
}

func (r *MemoryRepo) AcquireChunkLease(ctx context.Context, campaignID, token string, now time.Time, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[campaignID]
	if !ok {
		return false, ErrQueueNotInitialized
	}
	if q.Status != QueueStatusPending && q.Status != QueueStatusProcessing {
		return false, nil
	}
	if q.LeaseToken != "" && q.LeaseExpiresAt != nil && q.LeaseExpiresAt.After(now) {
		return false, nil
	}
	exp := now.Add(ttl)
	q.Status = QueueStatusProcessing
	q.LeaseToken = token
	q.LeaseExpiresAt = &exp
	q.UpdatedAt = now
	r.queues[campaignID] = q
	return true, nil
}

func (r *MemoryRepo) ReleaseChunkLease(ctx context.Context, campaignID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[campaignID]
	if !ok || q.LeaseToken != token {
		return nil
	}
	q.LeaseToken = ""
	q.LeaseExpiresAt = nil
	r.queues[campaignID] = q
	return nil
}

func (r *MemoryRepo) RecordChunk(ctx context.Context, rec ChunkRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[rec.CampaignID]
	if !ok {
		return ErrQueueNotInitialized
	}
	if q.LeaseToken != rec.LeaseToken {
		return ErrLeaseLost
	}
	if r.campaigns[rec.CampaignID].Status == StatusCancelled {
		rec = rec.cancelRetries()
	}

	byID := make(map[string]*Recipient, len(r.recipients[rec.CampaignID]))
	for _, p := range r.recipients[rec.CampaignID] {
		byID[p.ID] = p
	}
	for _, o := range rec.Outcomes {
		p, ok := byID[o.RecipientID]
		if !ok || p.CallStatus != CallStatusQueued {
			continue
		}
		p.CallStatus = o.Status
		p.Attempts = o.Attempts
		p.ExternalCallID = o.ExternalCallID
		p.LastError = o.LastError
		p.NextAttemptAt = o.NextAttemptAt
		if o.Status == CallStatusFailed {
			p.CallOutcome = OutcomeFailed
		}
		p.UpdatedAt = rec.At
	}

	processed, successful, failed := rec.Totals()
	at := rec.At
	q.ProcessedCount += processed
	q.SuccessfulCount += successful
	q.FailedCount += failed
	q.ChunksProcessed++
	q.LastChunkAt = &at
	q.LeaseToken = ""
	q.LeaseExpiresAt = nil
	q.UpdatedAt = at
	r.queues[rec.CampaignID] = q

	left, terminal := rec.counterDelta()
	c := r.campaigns[rec.CampaignID]
	c.PendingCalls = max(c.PendingCalls-left, 0)
	c.CompletedCalls += terminal
	c.FailedCalls += terminal
	c.UpdatedAt = at
	r.campaigns[rec.CampaignID] = c
	return nil
}

func (r *MemoryRepo) CompleteQueue(ctx context.Context, campaignID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[campaignID]
	if !ok {
		return ErrQueueNotInitialized
	}
	if q.Status != QueueStatusCompleted && q.Status != QueueStatusCancelled && q.Status != QueueStatusFailed {
		q.Status = QueueStatusCompleted
		q.CompletedAt = &now
		q.NextProcessAt = nil
		q.LeaseToken = ""
		q.LeaseExpiresAt = nil
		q.UpdatedAt = now
		r.queues[campaignID] = q
	}
	if c, ok := r.campaigns[campaignID]; ok && c.Status == StatusActive {
		c.Status = StatusCompleted
		c.CompletedAt = &now
		c.UpdatedAt = now
		r.campaigns[campaignID] = c
	}
	return nil
}

func (r *MemoryRepo) FailQueue(ctx context.Context, campaignID, message string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[campaignID]
	if !ok {
		return ErrQueueNotInitialized
	}
	q.Status = QueueStatusFailed
	q.ErrorMessage = message
	q.NextProcessAt = nil
	q.LeaseToken = ""
	q.LeaseExpiresAt = nil
	q.UpdatedAt = now
	r.queues[campaignID] = q
	return nil
}

func (r *MemoryRepo) ListDueQueues(ctx context.Context, now time.Time, limit int) ([]QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []QueueEntry
	for _, q := range r.queues {
		if q.Status != QueueStatusPending && q.Status != QueueStatusProcessing {
			continue
		}
		if q.NextProcessAt != nil && q.NextProcessAt.After(now) {
			continue
		}
		if q.LeaseToken != "" && q.LeaseExpiresAt != nil && q.LeaseExpiresAt.After(now) {
			continue
		}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].NextProcessAt, out[j].NextProcessAt
		switch {
		case a == nil && b == nil:
			return out[i].CampaignID < out[j].CampaignID
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Recipients returns a snapshot of a campaign's recipients in insertion order.
func (r *MemoryRepo) Recipients(campaignID string) []Recipient {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recipient, 0, len(r.recipients[campaignID]))
	for _, rec := range r.recipients[campaignID] {
		out = append(out, *rec)
	}
	return out
}
