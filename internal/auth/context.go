package auth

import (
	"context"
	"errors"
)

// Identity is the authenticated caller attached to a request context.
type Identity struct {
	UserID      string
	WorkspaceID string
	Role        string
	// Service is set for internal callers authenticated by the service token.
	Service bool
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, userID, workspaceID, role string) context.Context {
	return context.WithValue(ctx, ctxKey{}, Identity{UserID: userID, WorkspaceID: workspaceID, Role: role})
}

func withServiceIdentity(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, Identity{UserID: "service", Role: "service", Service: true})
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

func UserID(ctx context.Context) (string, error) {
	if id, ok := IdentityFrom(ctx); ok && id.UserID != "" {
		return id.UserID, nil
	}
	return "", errors.New("user_id not in context")
}

func WorkspaceID(ctx context.Context) (string, error) {
	if id, ok := IdentityFrom(ctx); ok && id.WorkspaceID != "" {
		return id.WorkspaceID, nil
	}
	return "", errors.New("workspace_id not in context")
}

func Role(ctx context.Context) (string, error) {
	if id, ok := IdentityFrom(ctx); ok && id.Role != "" {
		return id.Role, nil
	}
	return "", errors.New("role not in context")
}
