package master

import (
	"context"
)

// Authorization actions gated by the master.
const (
	ActionLaunchTasks   = "launch-tasks"
	ActionUpdateWeights = "update-weights"
)

// AuthRequest describes one authorization decision.
type AuthRequest struct {
	FrameworkID string
	Action      string
}

// Authorizer gates privileged calls. Implementations may block; the master
// awaits decisions off its event loop so other work continues.
type Authorizer interface {
	Authorized(ctx context.Context, req *AuthRequest) bool
}

// permissiveAuthorizer approves everything, used when no authorizer is
// configured.
type permissiveAuthorizer struct{}

// NewPermissiveAuthorizer returns an Authorizer which approves all
// requests.
func NewPermissiveAuthorizer() Authorizer {
	return permissiveAuthorizer{}
}

func (permissiveAuthorizer) Authorized(
	ctx context.Context, req *AuthRequest) bool {
	return true
}
