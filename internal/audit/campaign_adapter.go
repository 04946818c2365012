package audit

import (
	"context"

	"voice-campaigns/internal/auth"
	"voice-campaigns/internal/campaign"
)

// CampaignAdapter bridges campaign's audit hook to the shared audit.Service.
// The actor is taken from the authenticated identity on ctx, if any.
type CampaignAdapter struct {
	Audit *Service
}

var _ campaign.AuditLogger = CampaignAdapter{}

func (a CampaignAdapter) LogCampaignEvent(ctx context.Context, e campaign.AuditEvent) error {
	if a.Audit == nil {
		return nil
	}
	actor := Actor{IP: ClientIPFromContext(ctx)}
	if id, ok := auth.IdentityFrom(ctx); ok {
		actor.UserID = id.UserID
		actor.Role = id.Role
	}
	return a.Audit.LogCampaignEvent(ctx, actor, e.WorkspaceID, e.CampaignID, e.Action, e.Message, e.Metadata)
}
