package campaign

import (
	"encoding/json"
	"time"
)

// Campaign is a tenant-scoped bulk outbound-calling job.
//
// Multi-tenant invariant: WorkspaceID is required on every row.
//
// The counters below are advisory. They are maintained incrementally by the
// queue processor and the call-completion path and can drift; anything that
// must be correct reads AggregateStats over recipient rows instead.
type Campaign struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	Name        string `json:"name" db:"name"`

	// AgentID is the internal calling-agent reference; AgentExternalID is the
	// identifier the voice provider knows the agent by.
	AgentID         string `json:"agent_id" db:"agent_id"`
	AgentExternalID string `json:"agent_external_id" db:"agent_external_id"`

	Status   Status   `json:"status" db:"status"`
	Settings Settings `json:"settings" db:"settings"`

	TotalRecipients int `json:"total_recipients" db:"total_recipients"`
	PendingCalls    int `json:"pending_calls" db:"pending_calls"`
	CompletedCalls  int `json:"completed_calls" db:"completed_calls"`
	SuccessfulCalls int `json:"successful_calls" db:"successful_calls"`
	FailedCalls     int `json:"failed_calls" db:"failed_calls"`

	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Settings are per-campaign overrides of the service dispatch defaults.
// Zero values mean "use the default". Stored as JSONB.
type Settings struct {
	ConcurrencyLimit  int                  `json:"concurrency_limit,omitempty"`
	MaxAttempts       int                  `json:"max_attempts,omitempty"`
	RetryDelayMinutes int                  `json:"retry_delay_minutes,omitempty"`
	BusinessHours     *BusinessHoursConfig `json:"business_hours,omitempty"`
	Timezone          string               `json:"timezone,omitempty"`
	PhoneNumberID     string               `json:"phone_number_id,omitempty"`
}

// Recipient is one phone-number target within a campaign.
type Recipient struct {
	ID          string `json:"id" db:"id"`
	CampaignID  string `json:"campaign_id" db:"campaign_id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`

	// PhoneNumber is normalized to E.164 at import time.
	PhoneNumber string `json:"phone_number" db:"phone_number"`
	FirstName   string `json:"first_name,omitempty" db:"first_name"`
	LastName    string `json:"last_name,omitempty" db:"last_name"`
	Email       string `json:"email,omitempty" db:"email"`
	Company     string `json:"company,omitempty" db:"company"`

	// Metadata is optional JSON contact data.
	Metadata json.RawMessage `json:"metadata,omitempty" db:"metadata"`

	CallStatus     CallStatus  `json:"call_status" db:"call_status"`
	CallOutcome    CallOutcome `json:"call_outcome,omitempty" db:"call_outcome"`
	Attempts       int         `json:"attempts" db:"attempts"`
	ExternalCallID string      `json:"external_call_id,omitempty" db:"external_call_id"`
	LastError      string      `json:"last_error,omitempty" db:"last_error"`

	// NextAttemptAt gates re-selection of a recipient put back to pending
	// after a failed dispatch. Nil means eligible immediately.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty" db:"next_attempt_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DisplayName is the customer name passed to the voice provider.
func (r Recipient) DisplayName() string {
	switch {
	case r.FirstName != "" && r.LastName != "":
		return r.FirstName + " " + r.LastName
	case r.FirstName != "":
		return r.FirstName
	default:
		return r.LastName
	}
}

type CallStatus string

const (
	CallStatusPending    CallStatus = "pending"
	CallStatusQueued     CallStatus = "queued"
	CallStatusCalling    CallStatus = "calling"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusCancelled  CallStatus = "cancelled"
)

// Terminal reports whether no further transition is expected for the recipient.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusCancelled:
		return true
	default:
		return false
	}
}

// CallOutcome is the final result reported by the call-completion signal.
type CallOutcome string

const (
	OutcomeNone     CallOutcome = ""
	OutcomeAnswered CallOutcome = "answered"
	OutcomeNoAnswer CallOutcome = "no_answer"
	OutcomeBusy     CallOutcome = "busy"
	OutcomeFailed   CallOutcome = "failed"
)

// QueueEntry is the persisted resumability record for a campaign's chunked
// processing. There is at most one per campaign.
type QueueEntry struct {
	CampaignID  string      `json:"campaign_id" db:"campaign_id"`
	WorkspaceID string      `json:"workspace_id" db:"workspace_id"`
	Status      QueueStatus `json:"status" db:"status"`

	ProcessedCount  int `json:"processed_count" db:"processed_count"`
	SuccessfulCount int `json:"successful_count" db:"successful_count"`
	FailedCount     int `json:"failed_count" db:"failed_count"`
	ChunksProcessed int `json:"chunks_processed" db:"chunks_processed"`
	TotalChunks     int `json:"total_chunks" db:"total_chunks"`

	// Config is frozen when the campaign starts; later settings changes do
	// not alter an in-flight run.
	Config DispatchConfig `json:"config" db:"config"`

	LastChunkAt   *time.Time `json:"last_chunk_at,omitempty" db:"last_chunk_at"`
	NextProcessAt *time.Time `json:"next_process_at,omitempty" db:"next_process_at"`
	StartedAt     *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ErrorMessage  string     `json:"error_message,omitempty" db:"error_message"`

	// Chunk lease: set while a chunk is in flight.
	LeaseToken     string     `json:"-" db:"lease_token"`
	LeaseExpiresAt *time.Time `json:"-" db:"lease_expires_at"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusPaused     QueueStatus = "paused"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCancelled  QueueStatus = "cancelled"
)

// Resettable reports whether a re-initialization may wipe the entry's progress.
func (s QueueStatus) Resettable() bool {
	return s == QueueStatusFailed || s == QueueStatusCancelled
}

// Progress is the read model for UI polling.
type Progress struct {
	Campaign Campaign    `json:"campaign"`
	Stats    Stats       `json:"stats"`
	Queue    *QueueEntry `json:"queue,omitempty"`
}
