package agent

import (
	"context"
	"errors"

	"github.com/stellarlinkco/leasebroker/internal/market"
	"github.com/stellarlinkco/leasebroker/internal/session"
)

var ErrEmptyReply = errors.New("empty reply")

// Context is everything a role sees when it takes its turn.
type Context struct {
	Role    session.Role
	State   session.State
	Seeker  market.SeekerProfile
	Owner   market.OwnerProfile
	Listing market.ListingProfile
}

// Decider produces one role's next message. Implementations own their retry
// policy; any error returned is final for the turn.
type Decider interface {
	Decide(ctx context.Context, c Context) (session.Message, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, c Context) (session.Message, error)

func (f DeciderFunc) Decide(ctx context.Context, c Context) (session.Message, error) {
	return f(ctx, c)
}

// Pair holds one decider per negotiating role.
type Pair struct {
	Seeker Decider
	Owner  Decider
}

func (p Pair) For(role session.Role) Decider {
	switch role {
	case session.RoleSeeker:
		return p.Seeker
	case session.RoleOwner:
		return p.Owner
	}
	return nil
}
