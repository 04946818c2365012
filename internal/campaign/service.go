package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"voice-campaigns/internal/telephony"
	"voice-campaigns/pkg/utils"

	"github.com/google/uuid"
)

// AuditLogger records lifecycle events. Audit is best-effort: failures are
// logged and never block a transition.
type AuditLogger interface {
	LogCampaignEvent(ctx context.Context, ev AuditEvent) error
}

// AuditEvent is the campaign-side view of an audit record.
type AuditEvent struct {
	WorkspaceID string
	CampaignID  string
	Action      string
	Message     string
	Metadata    map[string]any
}

// Service implements campaign lifecycle operations as guarded transitions.
//
// Every method takes the caller's workspace id; the service trusts it and
// scopes every query by it.
type Service struct {
	repo     Repository
	provider telephony.OutboundProvider
	audit    AuditLogger
	metrics  *Metrics
	log      *slog.Logger

	defaults    DispatchConfig
	phoneRegion string
	clock       func() time.Time
}

type ServiceConfig struct {
	Defaults DispatchConfig
	// PhoneRegion is the ISO region assumed for numbers without a + prefix.
	PhoneRegion string
}

func NewService(repo Repository, provider telephony.OutboundProvider, audit AuditLogger, metrics *Metrics, cfg ServiceConfig) *Service {
	return &Service{
		repo:        repo,
		provider:    provider,
		audit:       audit,
		metrics:     metrics,
		log:         slog.Default(),
		defaults:    cfg.Defaults,
		phoneRegion: cfg.PhoneRegion,
		clock:       time.Now,
	}
}

// NewCampaign is the input to Create.
type NewCampaign struct {
	Name            string   `json:"name" binding:"required"`
	AgentID         string   `json:"agent_id" binding:"required"`
	AgentExternalID string   `json:"agent_external_id" binding:"required"`
	Settings        Settings `json:"settings"`
}

// Create stores a draft campaign after validating its settings against the
// service defaults.
func (s *Service) Create(ctx context.Context, workspaceID string, in NewCampaign) (Campaign, error) {
	if workspaceID == "" {
		return Campaign{}, fmt.Errorf("%w: workspace id is required", ErrInvalidArgument)
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" || in.AgentExternalID == "" {
		return Campaign{}, fmt.Errorf("%w: name and agent are required", ErrInvalidArgument)
	}
	if err := Resolve(s.defaults, in.Settings).Validate(); err != nil {
		return Campaign{}, err
	}

	now := s.clock().UTC()
	c := Campaign{
		ID:              uuid.NewString(),
		WorkspaceID:     workspaceID,
		Name:            in.Name,
		AgentID:         in.AgentID,
		AgentExternalID: in.AgentExternalID,
		Status:          StatusDraft,
		Settings:        in.Settings,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.CreateCampaign(ctx, c); err != nil {
		return Campaign{}, err
	}
	s.record(ctx, c, "campaign.created", "campaign created", nil)
	return c, nil
}

func (s *Service) Get(ctx context.Context, workspaceID, campaignID string) (Campaign, error) {
	return s.repo.GetCampaign(ctx, workspaceID, campaignID)
}

// RecipientInput is one row of a bulk import.
type RecipientInput struct {
	PhoneNumber string          `json:"phone_number"`
	FirstName   string          `json:"first_name,omitempty"`
	LastName    string          `json:"last_name,omitempty"`
	Email       string          `json:"email,omitempty"`
	Company     string          `json:"company,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// ImportReport summarizes a bulk import.
type ImportReport struct {
	Received   int                `json:"received"`
	Imported   int                `json:"imported"`
	Duplicates int                `json:"duplicates"`
	Invalid    []InvalidRecipient `json:"invalid,omitempty"`
}

type InvalidRecipient struct {
	Index       int    `json:"index"`
	PhoneNumber string `json:"phone_number"`
	Reason      string `json:"reason"`
}

// AddRecipients normalizes phone numbers to E.164 and inserts the valid,
// non-duplicate rows. Only draft campaigns accept recipients.
func (s *Service) AddRecipients(ctx context.Context, workspaceID, campaignID string, in []RecipientInput) (ImportReport, error) {
	c, err := s.repo.GetCampaign(ctx, workspaceID, campaignID)
	if err != nil {
		return ImportReport{}, err
	}
	if c.Status != StatusDraft {
		return ImportReport{}, fmt.Errorf("%w: recipients can only be added to a draft campaign", ErrInvalidTransition)
	}

	report := ImportReport{Received: len(in)}
	now := s.clock().UTC()
	seen := make(map[string]struct{}, len(in))
	rows := make([]Recipient, 0, len(in))
	for i, r := range in {
		phone, err := NormalizePhone(r.PhoneNumber, s.phoneRegion)
		if err != nil {
			report.Invalid = append(report.Invalid, InvalidRecipient{Index: i, PhoneNumber: r.PhoneNumber, Reason: "invalid phone number"})
			continue
		}
		if len(r.Metadata) > 0 && !json.Valid(r.Metadata) {
			report.Invalid = append(report.Invalid, InvalidRecipient{Index: i, PhoneNumber: r.PhoneNumber, Reason: "metadata is not valid json"})
			continue
		}
		if _, dup := seen[phone]; dup {
			report.Duplicates++
			continue
		}
		seen[phone] = struct{}{}
		// created_at carries import order; FIFO selection depends on it
		at := now.Add(time.Duration(len(rows)) * time.Microsecond)
		rows = append(rows, Recipient{
			ID:          uuid.NewString(),
			CampaignID:  campaignID,
			WorkspaceID: workspaceID,
			PhoneNumber: phone,
			FirstName:   strings.TrimSpace(r.FirstName),
			LastName:    strings.TrimSpace(r.LastName),
			Email:       strings.TrimSpace(r.Email),
			Company:     strings.TrimSpace(r.Company),
			Metadata:    r.Metadata,
			CallStatus:  CallStatusPending,
			CreatedAt:   at,
			UpdatedAt:   at,
		})
	}
	if len(rows) == 0 {
		return report, nil
	}

	inserted, err := s.repo.InsertRecipients(ctx, workspaceID, campaignID, rows)
	if err != nil {
		return ImportReport{}, err
	}
	report.Imported = inserted
	report.Duplicates += len(rows) - inserted
	s.record(ctx, c, "campaign.recipients_imported", fmt.Sprintf("%d recipients imported", inserted), map[string]any{
		"received": report.Received, "invalid": len(report.Invalid), "duplicates": report.Duplicates,
	})
	return report, nil
}

// Start moves a draft campaign to active and initializes its queue with a
// frozen config snapshot. Dispatch itself begins on the next trigger.
func (s *Service) Start(ctx context.Context, workspaceID, campaignID string) (Campaign, error) {
	c, err := s.repo.GetCampaign(ctx, workspaceID, campaignID)
	if err != nil {
		return Campaign{}, err
	}
	if c.Status != StatusDraft {
		return c, fmt.Errorf("%w: cannot start a %s campaign", ErrInvalidTransition, c.Status)
	}

	cfg := Resolve(s.defaults, c.Settings)
	if err := cfg.Validate(); err != nil {
		return c, err
	}
	rows, err := s.repo.RecipientStatusCounts(ctx, workspaceID, campaignID)
	if err != nil {
		return c, err
	}
	stats := AggregateStats(rows)
	if stats.Pending == 0 {
		return c, ErrNoRecipients
	}

	now := s.clock().UTC()
	// queue first: the processor must never see an active campaign without one
	if _, err := s.repo.InitQueue(ctx, QueueEntry{
		CampaignID:    campaignID,
		WorkspaceID:   workspaceID,
		Status:        QueueStatusPending,
		TotalChunks:   cfg.TotalChunks(stats.Pending),
		Config:        cfg,
		NextProcessAt: &now,
		StartedAt:     &now,
		UpdatedAt:     now,
	}); err != nil {
		return c, err
	}

	c, err = s.repo.TransitionCampaign(ctx, Transition{
		WorkspaceID:  workspaceID,
		CampaignID:   campaignID,
		From:         []Status{StatusDraft},
		To:           StatusActive,
		At:           now,
		SetStartedAt: true,
	})
	if err != nil {
		return c, err
	}
	s.record(ctx, c, "campaign.started", "campaign started", map[string]any{
		"recipients": stats.Pending, "total_chunks": cfg.TotalChunks(stats.Pending),
	})
	return c, nil
}

// Pause only applies to active campaigns. In-flight provider calls are not
// touched; the next chunk invocation observes the pause.
func (s *Service) Pause(ctx context.Context, workspaceID, campaignID string) (Campaign, error) {
	now := s.clock().UTC()
	c, err := s.repo.TransitionCampaign(ctx, Transition{
		WorkspaceID: workspaceID,
		CampaignID:  campaignID,
		From:        []Status{StatusActive},
		To:          StatusPaused,
		At:          now,
	})
	if err != nil {
		return c, err
	}
	if _, err := s.repo.SetQueueStatus(ctx, campaignID, []QueueStatus{QueueStatusPending, QueueStatusProcessing}, QueueStatusPaused, now); err != nil && !errors.Is(err, ErrQueueNotInitialized) {
		return c, err
	}
	s.record(ctx, c, "campaign.paused", "campaign paused", nil)
	return c, nil
}

// Resume only applies to paused campaigns and makes the queue due now.
func (s *Service) Resume(ctx context.Context, workspaceID, campaignID string) (Campaign, error) {
	now := s.clock().UTC()
	c, err := s.repo.TransitionCampaign(ctx, Transition{
		WorkspaceID: workspaceID,
		CampaignID:  campaignID,
		From:        []Status{StatusPaused},
		To:          StatusActive,
		At:          now,
	})
	if err != nil {
		return c, err
	}
	if _, err := s.repo.SetQueueStatus(ctx, campaignID, []QueueStatus{QueueStatusPaused}, QueueStatusPending, now); err != nil {
		return c, err
	}
	if err := s.repo.ScheduleQueue(ctx, campaignID, now); err != nil {
		return c, err
	}
	s.record(ctx, c, "campaign.resumed", "campaign resumed", nil)
	return c, nil
}

// Terminate cancels an active or paused campaign and every pending
// recipient. Provider-side batch termination is best-effort.
func (s *Service) Terminate(ctx context.Context, workspaceID, campaignID string) (Campaign, error) {
	now := s.clock().UTC()
	c, err := s.repo.TransitionCampaign(ctx, Transition{
		WorkspaceID:    workspaceID,
		CampaignID:     campaignID,
		From:           []Status{StatusActive, StatusPaused},
		To:             StatusCancelled,
		At:             now,
		SetCompletedAt: true,
	})
	if err != nil {
		return c, err
	}

	cancelled, err := s.repo.CancelPendingRecipients(ctx, workspaceID, campaignID, now)
	if err != nil {
		return c, err
	}
	if _, err := s.repo.SetQueueStatus(ctx, campaignID,
		[]QueueStatus{QueueStatusPending, QueueStatusProcessing, QueueStatusPaused}, QueueStatusCancelled, now,
	); err != nil && !errors.Is(err, ErrQueueNotInitialized) {
		return c, err
	}
	s.terminateAtProvider(ctx, c)

	if stats, err := s.ReconcileCounters(ctx, workspaceID, campaignID); err == nil {
		c.TotalRecipients = stats.Total
		c.PendingCalls = stats.Pending
		c.CompletedCalls = stats.Completed
		c.SuccessfulCalls = stats.Successful
		c.FailedCalls = stats.Failed
	}
	s.record(ctx, c, "campaign.terminated", "campaign terminated", map[string]any{"cancelled_recipients": cancelled})
	return c, nil
}

func (s *Service) terminateAtProvider(ctx context.Context, c Campaign) {
	t, ok := s.provider.(telephony.BatchTerminator)
	if !ok {
		return
	}
	if err := t.TerminateBatch(ctx, c.WorkspaceID, c.ID); err != nil {
		s.log.Warn("provider batch termination failed", "campaign_id", c.ID, "workspace_id", c.WorkspaceID, "err", err)
	}
}

// Delete removes a campaign with its recipients and queue. Running campaigns
// are stopped at the provider first, best-effort.
func (s *Service) Delete(ctx context.Context, workspaceID, campaignID string) error {
	c, err := s.repo.GetCampaign(ctx, workspaceID, campaignID)
	if err != nil {
		return err
	}
	if c.Status == StatusActive || c.Status == StatusPaused {
		s.terminateAtProvider(ctx, c)
	}
	if err := s.repo.DeleteCampaign(ctx, workspaceID, campaignID); err != nil {
		return err
	}
	s.record(ctx, c, "campaign.deleted", "campaign deleted", nil)
	return nil
}

// Progress returns recomputed stats plus queue metadata.
func (s *Service) Progress(ctx context.Context, workspaceID, campaignID string) (Progress, error) {
	c, err := s.repo.GetCampaign(ctx, workspaceID, campaignID)
	if err != nil {
		return Progress{}, err
	}
	rows, err := s.repo.RecipientStatusCounts(ctx, workspaceID, campaignID)
	if err != nil {
		return Progress{}, err
	}
	p := Progress{Campaign: c, Stats: AggregateStats(rows)}
	q, err := s.repo.GetQueue(ctx, campaignID)
	switch {
	case err == nil:
		p.Queue = &q
	case !errors.Is(err, ErrQueueNotInitialized):
		return Progress{}, err
	}
	return p, nil
}

// ReinitializeQueue is operator recovery for a failed queue: progress
// counters reset, the config is re-snapshotted and the queue is due now.
// Recipients keep their state, so nothing already dialed is dialed again.
func (s *Service) ReinitializeQueue(ctx context.Context, workspaceID, campaignID string) (QueueEntry, error) {
	c, err := s.repo.GetCampaign(ctx, workspaceID, campaignID)
	if err != nil {
		return QueueEntry{}, err
	}
	if c.Status != StatusActive {
		return QueueEntry{}, fmt.Errorf("%w: only an active campaign's queue can be re-initialized", ErrInvalidTransition)
	}
	current, err := s.repo.GetQueue(ctx, campaignID)
	if err != nil {
		return QueueEntry{}, err
	}
	if current.Status != QueueStatusFailed {
		return current, fmt.Errorf("%w: queue is %s", ErrInvalidTransition, current.Status)
	}

	cfg := Resolve(s.defaults, c.Settings)
	if err := cfg.Validate(); err != nil {
		return QueueEntry{}, err
	}
	rows, err := s.repo.RecipientStatusCounts(ctx, workspaceID, campaignID)
	if err != nil {
		return QueueEntry{}, err
	}
	pending := AggregateStats(rows).Pending
	now := s.clock().UTC()
	q, err := s.repo.InitQueue(ctx, QueueEntry{
		CampaignID:    campaignID,
		WorkspaceID:   workspaceID,
		Status:        QueueStatusPending,
		TotalChunks:   cfg.TotalChunks(pending),
		Config:        cfg,
		NextProcessAt: &now,
		StartedAt:     &now,
		UpdatedAt:     now,
	})
	if err != nil {
		return QueueEntry{}, err
	}
	s.record(ctx, c, "campaign.queue_reinitialized", "queue re-initialized", map[string]any{"previous_error": current.ErrorMessage})
	return q, nil
}

// ReconcileCounters overwrites the advisory counters with AggregateStats.
func (s *Service) ReconcileCounters(ctx context.Context, workspaceID, campaignID string) (Stats, error) {
	rows, err := s.repo.RecipientStatusCounts(ctx, workspaceID, campaignID)
	if err != nil {
		return Stats{}, err
	}
	stats := AggregateStats(rows)
	if err := s.repo.UpdateCounters(ctx, campaignID, stats, s.clock().UTC()); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// CompleteCall applies an asynchronous call-completion signal. Signals for
// unknown or already-settled calls are ignored.
func (s *Service) CompleteCall(ctx context.Context, ev telephony.CallCompletion) (bool, error) {
	if ev.ProviderCallID == "" || !ev.Outcome.Valid() {
		return false, fmt.Errorf("%w: call id and a known outcome are required", ErrInvalidArgument)
	}
	outcome := CallOutcome(ev.Outcome)
	status := CallStatusCompleted
	if outcome == OutcomeFailed {
		status = CallStatusFailed
	}

	reason := utils.TruncateUTF8(ev.Reason, 500)
	_, applied, err := s.repo.ApplyCallCompletion(ctx, ev.ProviderCallID, status, outcome, reason, s.clock().UTC())
	if err != nil {
		return false, err
	}
	s.metrics.completion(outcome, applied)
	return applied, nil
}

func (s *Service) record(ctx context.Context, c Campaign, action, message string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.LogCampaignEvent(ctx, AuditEvent{
		WorkspaceID: c.WorkspaceID,
		CampaignID:  c.ID,
		Action:      action,
		Message:     message,
		Metadata:    meta,
	})
	if err != nil {
		s.log.Warn("audit write failed", "action", action, "campaign_id", c.ID, "err", err)
	}
}
