package models

import (
	"time"
)

// Clan represents a persistent group of users with a leader and a set of
// sub-leaders granted leader-equivalent standing for lifecycle actions.
type Clan struct {
	ID           string    `json:"id" bson:"_id"`
	Name         string    `json:"name" bson:"name"`
	Tag          string    `json:"tag" bson:"tag"`
	Description  string    `json:"description,omitempty" bson:"description,omitempty"`
	LeaderID     string    `json:"leader_id" bson:"leader_id"`
	SubLeaderIDs []string  `json:"sub_leader_ids" bson:"sub_leader_ids"`
	CreatedAt    time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" bson:"updated_at"`
}

// IsLeadership reports whether userID is the leader or one of the
// sub-leaders of the clan.
func (c *Clan) IsLeadership(userID string) bool {
	if userID == "" {
		return false
	}
	if c.LeaderID == userID {
		return true
	}
	for _, id := range c.SubLeaderIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Member holds the denormalized display projection for a clan member.
// It is a read convenience maintained by the user directory, never
// authoritative state.
type Member struct {
	UserID    string    `json:"user_id" bson:"user_id"`
	ClanID    string    `json:"clan_id" bson:"clan_id"`
	Username  string    `json:"username" bson:"username"`
	Avatar    string    `json:"avatar,omitempty" bson:"avatar,omitempty"`
	Role      string    `json:"role" bson:"role"`
	ClanRole  string    `json:"clan_role" bson:"clan_role"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Collection names
const (
	ClansCollection   = "clans"
	MembersCollection = "clan_members"
)
