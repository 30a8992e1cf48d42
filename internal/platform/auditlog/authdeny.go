package auditlog

import (
	"context"
	"strings"

	"github.com/animus-labs/runengine/internal/platform/auth"
)

// InsertAuthDeny records an authentication or authorization denial from auth.Middleware.
func InsertAuthDeny(ctx context.Context, q QueryRower, service string, event auth.DenyEvent) error {
	_, err := Insert(ctx, q, AuthDenyEvent(service, event))
	return err
}

// AuthDenyEvent converts a middleware denial into an audit event.
func AuthDenyEvent(service string, event auth.DenyEvent) Event {
	actor := "anonymous"
	if strings.TrimSpace(event.Subject) != "" {
		actor = strings.TrimSpace(event.Subject)
	}
	return Event{
		OccurredAt:   event.Time,
		Actor:        actor,
		Action:       "auth." + strings.TrimSpace(event.Reason),
		ResourceType: "http",
		ResourceID:   event.Method + " " + event.Path,
		RequestID:    event.RequestID,
		IP:           RequestIP(event.RemoteAddr),
		UserAgent:    event.UserAgent,
		Payload: map[string]any{
			"service":       service,
			"status":        event.Status,
			"reason":        event.Reason,
			"error":         event.Error,
			"subject":       event.Subject,
			"email":         event.Email,
			"roles":         event.Roles,
			"required_role": event.RequiredRole,
		},
	}
}
