package permissions

import (
	"context"
	"fmt"

	"clanforge/pkg/lifecycle"
)

// Gate evaluates whether an acting identity holds sufficient standing
// for a requested transition. System actors (the expiry sweeper) always
// pass: their transitions are validated by the state machine itself.
type Gate struct {
	directory ClanDirectory
	admin     AdminChecker
}

// NewGate creates an authorization gate
func NewGate(directory ClanDirectory, admin AdminChecker) *Gate {
	return &Gate{
		directory: directory,
		admin:     admin,
	}
}

// IsAdmin reports whether the actor holds the global administrator
// capability
func (g *Gate) IsAdmin(ctx context.Context, actor lifecycle.Actor) (bool, error) {
	if actor.System {
		return true, nil
	}
	if g.admin == nil {
		return false, nil
	}
	return g.admin.IsAdmin(ctx, actor.ID)
}

// HoldsLeadership reports whether the actor is leader or sub-leader of
// any of the given clans
func (g *Gate) HoldsLeadership(ctx context.Context, actor lifecycle.Actor, clanIDs ...string) (bool, error) {
	if actor.System {
		return true, nil
	}
	for _, clanID := range clanIDs {
		ok, err := g.directory.IsLeaderOrSubLeader(ctx, clanID, actor.ID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// RequireClanLeadership denies unless the actor holds leadership in one
// of the given clans
func (g *Gate) RequireClanLeadership(ctx context.Context, actor lifecycle.Actor, clanIDs ...string) error {
	ok, err := g.HoldsLeadership(ctx, actor, clanIDs...)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("actor %s lacks clan leadership: %w", actor.ID, lifecycle.ErrForbidden)
	}
	return nil
}

// RequireClanLeadershipOrAdmin denies unless the actor holds leadership
// in one of the given clans or the global administrator capability
func (g *Gate) RequireClanLeadershipOrAdmin(ctx context.Context, actor lifecycle.Actor, clanIDs ...string) error {
	ok, err := g.HoldsLeadership(ctx, actor, clanIDs...)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	isAdmin, err := g.IsAdmin(ctx, actor)
	if err != nil {
		return err
	}
	if !isAdmin {
		return fmt.Errorf("actor %s lacks clan leadership and admin capability: %w", actor.ID, lifecycle.ErrForbidden)
	}
	return nil
}
