// Package authcontext carries the caller identity resolved by the upstream
// gateway. Authentication itself happens elsewhere.
package authcontext

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type Role string

const (
	RoleMaster Role = "master"
	RoleBroker Role = "broker"
)

// Actor is the opaque {userId, role, brokerId} identity of a request.
type Actor struct {
	UserID   string
	Role     Role
	BrokerID *snowflake.ID
}

func (a Actor) IsMaster() bool {
	return a.Role == RoleMaster
}

type actorContextKey struct{}

// WithActor stores the actor in the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the actor from context, if set.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	if !ok || actor.UserID == "" || actor.Role == "" {
		return Actor{}, false
	}
	return actor, true
}

// ParseRole maps a header value to a known role.
func ParseRole(raw string) (Role, bool) {
	switch Role(raw) {
	case RoleMaster:
		return RoleMaster, true
	case RoleBroker:
		return RoleBroker, true
	default:
		return "", false
	}
}
