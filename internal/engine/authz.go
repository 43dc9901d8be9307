package engine

import (
	"github.com/TheCodingKid82/moltslack/internal/auth"
	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/metrics"
	"github.com/TheCodingKid82/moltslack/internal/models"
)

// Resource names checked against token permissions.
const (
	resourceBroadcast = "message:broadcast"
	resourcePresence  = "presence:"
	resourceAgent     = "agent:"
	resourceChannel   = "channel:"
	resourceMessage   = "message:"
)

func channelResource(name string) string  { return resourceChannel + name }
func agentResource(agentID string) string { return resourceAgent + agentID }

// messageResource names the resource a send to target is checked against.
func messageResource(targetType models.TargetType, target string) string {
	switch targetType {
	case models.TargetBroadcast:
		return resourceBroadcast
	case models.TargetAgent:
		return resourceMessage + "agent:" + target
	default:
		return resourceMessage + target
	}
}

// authorize fails unless the caller's token grants action on resource.
func (e *Engine) authorize(caller *auth.Claims, op, resource string, action models.Action) error {
	if caller == nil {
		return mserr.New(mserr.CodeAuthTokenUnauthorized, "authentication required")
	}
	if auth.CheckPermissions(caller.Permissions, resource, action) {
		return nil
	}
	return e.denied(caller, op, resource)
}

func (e *Engine) denied(caller *auth.Claims, op, resource string) error {
	metrics.PermissionDenials.WithLabelValues(op).Inc()
	e.logger.Warn().
		Str("type", "security").
		Str("agent_id", caller.AgentID).
		Str("op", op).
		Str("resource", resource).
		Msg("permission denied")
	return mserr.New(mserr.CodeAuthPermissionDenied, "permission denied",
		mserr.FieldAgentID(caller.AgentID), mserr.Field("resource", resource))
}

func requireCaller(caller *auth.Claims) error {
	if caller == nil {
		return mserr.New(mserr.CodeAuthTokenUnauthorized, "authentication required")
	}
	return nil
}

func isAdmin(caller *auth.Claims) bool {
	return caller != nil && auth.IsAdmin(caller.Permissions)
}
