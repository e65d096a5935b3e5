package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
)

// ErrUnauthenticated is returned by an Authenticator when no user identity
// can be attached to the connection.
var ErrUnauthenticated = errors.New("no authenticated user")

// Authenticator attaches a user identity to a connection before its first
// message is processed. Token verification itself lives outside the gateway.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// QueryAuthenticator trusts a user_id query parameter. It stands in for the
// real token-verifying collaborator in development and tests.
type QueryAuthenticator struct{}

// Authenticate implements Authenticator.
func (QueryAuthenticator) Authenticate(r *http.Request) (string, error) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		return "", ErrUnauthenticated
	}
	if _, err := uuid.Parse(userID); err != nil {
		return "", ErrUnauthenticated
	}
	return userID, nil
}

// ModerationResult is the moderation collaborator's verdict on one message.
type ModerationResult struct {
	IsToxic    bool
	Score      float64
	Suggestion string
}

// Moderator scores message content. It is invoked synchronously in the
// message path but its failure never blocks delivery; errors are logged only.
type Moderator interface {
	ScanForToxicity(ctx context.Context, content, roomID, msgID, userID string) (ModerationResult, error)
}

// NoopModerator accepts everything. Used when no moderation collaborator is
// configured.
type NoopModerator struct{}

// ScanForToxicity implements Moderator.
func (NoopModerator) ScanForToxicity(context.Context, string, string, string, string) (ModerationResult, error) {
	return ModerationResult{}, nil
}
