package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only; there are no Update/Delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// Audit is internal-only and callers treat it as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.WorkspaceID == "" || e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Actor identifies who caused an event.
type Actor struct {
	UserID string
	Role   string
	IP     string
}

// LogCampaignEvent records a campaign lifecycle action. Metadata is encoded as JSON.
func (s *Service) LogCampaignEvent(ctx context.Context, actor Actor, workspaceID, campaignID, action, message string, metadata map[string]any) error {
	if action == "" {
		return ErrInvalidEvent
	}
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	return s.Append(ctx, Event{
		WorkspaceID: workspaceID,
		Type:        EventTypeCampaignLifecycle,
		Action:      action,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		IPAddress:   actor.IP,
		CampaignID:  campaignID,
		Message:     message,
		Metadata:    meta,
	})
}

// LogQueueFailure records a queue that was marked failed by the processor.
func (s *Service) LogQueueFailure(ctx context.Context, workspaceID, campaignID string, cause error) error {
	msg := "queue failed"
	if cause != nil {
		msg = cause.Error()
	}
	return s.Append(ctx, Event{
		WorkspaceID: workspaceID,
		Type:        EventTypeQueueFailure,
		Action:      "campaign.queue_failed",
		ActorRole:   "system",
		CampaignID:  campaignID,
		Message:     msg,
	})
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("audit: encode metadata: %w", err)
	}
	return string(b), nil
}
