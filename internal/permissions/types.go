// Package permissions implements the authorization gate for lifecycle
// transitions: leadership checks against the clan directory and a
// pluggable global-administrator capability.
package permissions

import (
	"context"

	"clanforge/internal/clans/models"
)

// ClanDirectory is the slice of the clans module the gate consumes.
type ClanDirectory interface {
	GetClan(ctx context.Context, clanID string) (*models.Clan, error)
	IsLeaderOrSubLeader(ctx context.Context, clanID, userID string) (bool, error)
}

// AdminChecker decides whether an identity holds the global
// administrator capability. Implementations are swappable so the
// deployment can choose its policy engine without touching transition
// logic.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// StaticAdminChecker grants the capability to a fixed set of user ids.
// Useful for tests and minimal deployments.
type StaticAdminChecker struct {
	admins map[string]struct{}
}

// NewStaticAdminChecker creates a checker for the given admin user ids
func NewStaticAdminChecker(userIDs ...string) *StaticAdminChecker {
	admins := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		admins[id] = struct{}{}
	}
	return &StaticAdminChecker{admins: admins}
}

func (c *StaticAdminChecker) IsAdmin(_ context.Context, userID string) (bool, error) {
	_, ok := c.admins[userID]
	return ok, nil
}
