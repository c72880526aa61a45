package models

import (
	"strings"
	"time"

	"clanforge/pkg/lifecycle"
)

// Kind is the entity kind wars register with the lifecycle engine.
const Kind lifecycle.Kind = "war"

// War lifecycle statuses. Acceptance starts the war clock immediately:
// there is no separate idle "accepted" state, a responded war is active
// with started_at set.
const (
	StatusPending   lifecycle.Status = "pending"
	StatusActive    lifecycle.Status = "active"
	StatusRejected  lifecycle.Status = "rejected"
	StatusCompleted lifecycle.Status = "completed"
	StatusCancelled lifecycle.Status = "cancelled"
)

// Table is the war transition table. Rejected, completed and cancelled
// are terminal.
var Table = map[lifecycle.Status][]lifecycle.Status{
	StatusPending: {StatusActive, StatusRejected, StatusCancelled},
	StatusActive:  {StatusCompleted, StatusCancelled},
}

// NonTerminalStatuses are the statuses counted by the clan-pair
// uniqueness constraint.
var NonTerminalStatuses = []lifecycle.Status{StatusPending, StatusActive}

// Score holds the reported tallies for both sides.
type Score struct {
	Challenger int `json:"challenger" bson:"challenger"`
	Challenged int `json:"challenged" bson:"challenged"`
}

// War represents a declared conflict between two clans.
type War struct {
	ID             string           `json:"id" bson:"_id"`
	ChallengerClan string           `json:"challenger_clan" bson:"challenger_clan"`
	ChallengedClan string           `json:"challenged_clan" bson:"challenged_clan"`
	PairKey        string           `json:"-" bson:"pair_key"`
	Status         lifecycle.Status `json:"status" bson:"status"`
	Rules          string           `json:"rules,omitempty" bson:"rules,omitempty"`

	DeclaredBy  string `json:"declared_by" bson:"declared_by"`
	RespondedBy string `json:"responded_by,omitempty" bson:"responded_by,omitempty"`
	ReportedBy  string `json:"reported_by,omitempty" bson:"reported_by,omitempty"`

	DeclaredAt time.Time  `json:"declared_at" bson:"declared_at"`
	StartedAt  *time.Time `json:"started_at,omitempty" bson:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty" bson:"ended_at,omitempty"`

	WinnerClan string   `json:"winner_clan,omitempty" bson:"winner_clan,omitempty"`
	LoserClan  string   `json:"loser_clan,omitempty" bson:"loser_clan,omitempty"`
	Score      Score    `json:"score" bson:"score"`
	Evidence   []string `json:"evidence,omitempty" bson:"evidence,omitempty"`

	CancellationReason string `json:"cancellation_reason,omitempty" bson:"cancellation_reason,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// EntityID implements lifecycle.Entity
func (w *War) EntityID() string {
	return w.ID
}

// CurrentStatus implements lifecycle.Entity
func (w *War) CurrentStatus() lifecycle.Status {
	return w.Status
}

// SetStatus implements lifecycle.Entity
func (w *War) SetStatus(status lifecycle.Status) {
	w.Status = status
}

// HasParticipant reports whether clanID is one of the two war clans
func (w *War) HasParticipant(clanID string) bool {
	return clanID != "" && (clanID == w.ChallengerClan || clanID == w.ChallengedClan)
}

// Opponent returns the other participant, or "" if clanID is not one
func (w *War) Opponent(clanID string) string {
	switch clanID {
	case w.ChallengerClan:
		return w.ChallengedClan
	case w.ChallengedClan:
		return w.ChallengerClan
	}
	return ""
}

// PairKeyFor normalizes an unordered clan pair into the key the
// uniqueness index is built over.
func PairKeyFor(clanA, clanB string) string {
	if strings.Compare(clanA, clanB) > 0 {
		clanA, clanB = clanB, clanA
	}
	return clanA + "|" + clanB
}

// WarsCollection is the MongoDB collection name
const WarsCollection = "wars"
