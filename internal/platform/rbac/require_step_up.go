// Package rbac holds per-RPC authorization checks that run after the session interceptor
// has put the caller's identity in context.
package rbac

import (
	"context"

	"session-gateway/backend/internal/platform/apperr"
	"session-gateway/backend/internal/server/interceptors"
)

// MFAChecker reports whether a session still has to complete MFA step-up.
type MFAChecker interface {
	RequiresMFA(ctx context.Context, sessionID string) (bool, error)
}

// RequireStepUp ensures the caller is authenticated and that its session needs no further MFA step-up.
// Returns (userID, sessionID, nil) on success; returns a translated gRPC status error on failure.
func RequireStepUp(ctx context.Context, checker MFAChecker) (userID, sessionID string, err error) {
	const op = "rbac.RequireStepUp"
	sessionID, okSession := interceptors.GetSessionID(ctx)
	userID, okUser := interceptors.GetUserID(ctx)
	if !okSession || sessionID == "" || !okUser || userID == "" {
		return "", "", apperr.GRPCStatus(apperr.New(apperr.AuthenticationFailed, op, "session context required")).Err()
	}
	required, err := checker.RequiresMFA(ctx, sessionID)
	if err != nil {
		return "", "", apperr.GRPCStatus(err).Err()
	}
	if required {
		return "", "", apperr.GRPCStatus(apperr.New(apperr.AuthorizationFailed, op, "mfa step-up required")).Err()
	}
	return userID, sessionID, nil
}
