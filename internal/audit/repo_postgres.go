package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends to audit_events. The table has no UPDATE/DELETE path.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, workspace_id, type, action, actor_user_id, actor_role, ip_address,
  campaign_id, message, metadata, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.WorkspaceID,
		string(e.Type),
		e.Action,
		nullString(e.ActorUserID),
		nullString(e.ActorRole),
		nullString(e.IPAddress),
		nullString(e.CampaignID),
		e.Message,
		nullString(e.Metadata),
		e.CreatedAt,
	)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
