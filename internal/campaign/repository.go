package campaign

import (
	"context"
	"time"
)

// Repository is the persistence contract for campaigns, recipients and queue
// entries.
//
// Tenancy: every campaign/recipient read that originates from a user request
// is scoped by workspace_id. Queue-level methods are keyed by campaign id only
// because the trigger that drives chunk processing carries no tenant context;
// the queue row itself records the owning workspace.
type Repository interface {
	CreateCampaign(ctx context.Context, c Campaign) error
	GetCampaign(ctx context.Context, workspaceID, campaignID string) (Campaign, error)
	DeleteCampaign(ctx context.Context, workspaceID, campaignID string) error
	// TransitionCampaign is a conditional status update. It returns
	// ErrInvalidTransition when the current status is not in t.From.
	TransitionCampaign(ctx context.Context, t Transition) (Campaign, error)
	// UpdateCounters overwrites the advisory counters with recomputed stats.
	UpdateCounters(ctx context.Context, campaignID string, s Stats, now time.Time) error

	// InsertRecipients skips phone numbers already present in the campaign and
	// returns how many rows were written.
	InsertRecipients(ctx context.Context, workspaceID, campaignID string, rs []Recipient) (int, error)
	SelectPendingBatch(ctx context.Context, workspaceID, campaignID string, limit int, now time.Time) ([]Recipient, error)
	// ClaimRecipients moves the given recipients pending -> queued and returns
	// only those it actually moved.
	ClaimRecipients(ctx context.Context, campaignID string, ids []string, now time.Time) ([]Recipient, error)
	// ResetStaleClaims returns queued/calling recipients untouched since
	// olderThan back to pending.
	ResetStaleClaims(ctx context.Context, campaignID string, olderThan time.Time) (int64, error)
	// MarkInitiated moves one claimed recipient queued -> in_progress and
	// stores the provider call id. Recipients no longer queued are untouched.
	MarkInitiated(ctx context.Context, campaignID, recipientID, externalCallID string, attempts int, now time.Time) error
	CancelPendingRecipients(ctx context.Context, workspaceID, campaignID string, now time.Time) (int64, error)
	PendingSummary(ctx context.Context, campaignID string, now time.Time) (PendingSummary, error)
	RecipientStatusCounts(ctx context.Context, workspaceID, campaignID string) ([]StatusCount, error)
	// ApplyCallCompletion settles the recipient owning externalCallID. The
	// bool is false when no non-terminal recipient matched.
	ApplyCallCompletion(ctx context.Context, externalCallID string, status CallStatus, outcome CallOutcome, reason string, now time.Time) (Recipient, bool, error)

	GetQueue(ctx context.Context, campaignID string) (QueueEntry, error)
	// InitQueue inserts the entry, or resets an existing failed/cancelled one.
	// An existing entry in any other state is returned unchanged.
	InitQueue(ctx context.Context, e QueueEntry) (QueueEntry, error)
	SetQueueStatus(ctx context.Context, campaignID string, from []QueueStatus, to QueueStatus, now time.Time) (bool, error)
	ScheduleQueue(ctx context.Context, campaignID string, at time.Time) error
	// AcquireChunkLease marks the entry processing and stamps a lease, but only
	// when the entry is runnable and no unexpired lease is held.
	AcquireChunkLease(ctx context.Context, campaignID, token string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseChunkLease(ctx context.Context, campaignID, token string) error
	// RecordChunk persists recipient outcomes, folds the chunk into the queue
	// totals, adjusts campaign counters and releases the lease, atomically.
	// Only recipients still queued take their outcome. Retryable outcomes of a
	// cancelled campaign are stored as cancelled.
	RecordChunk(ctx context.Context, rec ChunkRecord) error
	// CompleteQueue marks queue and campaign completed.
	CompleteQueue(ctx context.Context, campaignID string, now time.Time) error
	FailQueue(ctx context.Context, campaignID, message string, now time.Time) error
	ListDueQueues(ctx context.Context, now time.Time, limit int) ([]QueueEntry, error)
}

// Transition describes a guarded campaign status change.
type Transition struct {
	WorkspaceID string
	CampaignID  string
	From        []Status
	To          Status
	At          time.Time

	SetStartedAt   bool
	SetCompletedAt bool
}

func (t Transition) allowed(s Status) bool {
	for _, f := range t.From {
		if f == s {
			return true
		}
	}
	return false
}

// PendingSummary describes the work left for a campaign.
type PendingSummary struct {
	// Remaining counts pending, queued and calling recipients.
	Remaining int
	// Ready counts pending recipients eligible for selection now.
	Ready int
	// NextAttemptAt is the earliest retry not-before among pending recipients
	// that are not ready yet.
	NextAttemptAt *time.Time
}

// ChunkRecord is everything a chunk writes back in one transaction.
type ChunkRecord struct {
	CampaignID string
	LeaseToken string
	Outcomes   []RecipientOutcome
	At         time.Time
}

// RecipientOutcome is the post-dispatch state of one recipient.
type RecipientOutcome struct {
	RecipientID    string
	Status         CallStatus
	Attempts       int
	ExternalCallID string
	LastError      string
	NextAttemptAt  *time.Time
	// Skipped outcomes only release the claim; they are not counted.
	Skipped bool
}

// Totals folds outcomes into queue counters.
func (r ChunkRecord) Totals() (processed, successful, failed int) {
	for _, o := range r.Outcomes {
		if o.Skipped {
			continue
		}
		processed++
		if o.Status == CallStatusInProgress {
			successful++
		} else {
			failed++
		}
	}
	return processed, successful, failed
}

// counterDelta is the advisory campaign counter adjustment for a chunk: how
// many recipients left the pending pool and how many failed terminally.
func (r ChunkRecord) counterDelta() (leftPending, terminalFailed int) {
	for _, o := range r.Outcomes {
		switch o.Status {
		case CallStatusPending:
		case CallStatusFailed:
			leftPending++
			terminalFailed++
		default:
			leftPending++
		}
	}
	return leftPending, terminalFailed
}

// cancelRetries turns outcomes that would return to the pending pool into
// cancelled ones, for a campaign terminated while its chunk was in flight.
func (r ChunkRecord) cancelRetries() ChunkRecord {
	out := r
	out.Outcomes = make([]RecipientOutcome, len(r.Outcomes))
	for i, o := range r.Outcomes {
		if o.Status == CallStatusPending {
			o.Status = CallStatusCancelled
			o.NextAttemptAt = nil
		}
		out.Outcomes[i] = o
	}
	return out
}

func containsQueueStatus(list []QueueStatus, s QueueStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
