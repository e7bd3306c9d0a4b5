package context

import (
	"context"
	"strings"

	"github.com/smallbiznis/brokerpay/internal/authcontext"
)

type requestIDKey struct{}

// WithRequestID stores the request correlation id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request id, or "" when unset.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

// ActorFromContext returns the caller's user id and role for log fields.
func ActorFromContext(ctx context.Context) (role string, userID string) {
	actor, ok := authcontext.ActorFromContext(ctx)
	if !ok {
		return "", ""
	}
	return string(actor.Role), actor.UserID
}

// BrokerIDFromContext returns the caller's broker id, or "" for reviewers.
func BrokerIDFromContext(ctx context.Context) string {
	actor, ok := authcontext.ActorFromContext(ctx)
	if !ok || actor.BrokerID == nil {
		return ""
	}
	return actor.BrokerID.String()
}
