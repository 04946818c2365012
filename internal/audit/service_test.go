package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"voice-campaigns/internal/auth"
	"voice-campaigns/internal/campaign"
)

func TestService_AppendRequiresWorkspaceAndType(t *testing.T) {
	svc := NewService(NewMemoryRepo())

	if err := svc.Append(context.Background(), Event{Type: EventTypeCampaignLifecycle}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if err := svc.Append(context.Background(), Event{WorkspaceID: "w"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestService_LogCampaignEventEncodesMetadata(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	err := svc.LogCampaignEvent(context.Background(), Actor{UserID: "u", Role: "owner", IP: "1.2.3.4"},
		"w", "c1", "campaign.started", "campaign started", map[string]any{"pending": 12})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.ForCampaign("c1")
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	ev := evs[0]
	if ev.ID == "" || ev.CreatedAt.IsZero() {
		t.Fatalf("expected id and created_at to be assigned")
	}
	if ev.IPAddress != "1.2.3.4" || ev.ActorRole != "owner" {
		t.Fatalf("expected actor captured, got %+v", ev)
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(ev.Metadata), &meta); err != nil {
		t.Fatalf("metadata not json: %v", err)
	}
	if meta["pending"] != float64(12) {
		t.Fatalf("unexpected metadata: %v", meta)
	}
}

func TestService_LogCampaignEventRequiresAction(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	if err := svc.LogCampaignEvent(context.Background(), Actor{}, "w", "c1", "", "", nil); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestService_LogQueueFailure(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogQueueFailure(context.Background(), "w", "c1", errors.New("db down")); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	evs := repo.Events()
	if len(evs) != 1 || evs[0].Type != EventTypeQueueFailure || evs[0].Message != "db down" {
		t.Fatalf("unexpected events: %+v", evs)
	}
}

func TestCampaignAdapter_TakesActorFromContext(t *testing.T) {
	repo := NewMemoryRepo()
	adapter := CampaignAdapter{Audit: NewService(repo)}

	ctx := auth.WithIdentity(context.Background(), "u-7", "w", "operator")
	ctx = WithClientIP(ctx, "10.0.0.9")
	err := adapter.LogCampaignEvent(ctx, campaign.AuditEvent{
		WorkspaceID: "w",
		CampaignID:  "c1",
		Action:      "campaign.paused",
		Message:     "campaign paused",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	if evs[0].ActorUserID != "u-7" || evs[0].ActorRole != "operator" || evs[0].IPAddress != "10.0.0.9" {
		t.Fatalf("actor not captured: %+v", evs[0])
	}
	if evs[0].Metadata != "" {
		t.Fatalf("expected empty metadata, got %q", evs[0].Metadata)
	}
}

func TestCampaignAdapter_NilServiceIsNoop(t *testing.T) {
	if err := (CampaignAdapter{}).LogCampaignEvent(context.Background(), campaign.AuditEvent{}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}
