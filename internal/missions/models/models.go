package models

import (
	"time"

	"clanforge/pkg/lifecycle"
)

// Kind is the entity kind missions register with the lifecycle engine.
const Kind lifecycle.Kind = "mission"

// Mission lifecycle statuses. Completed, cancelled and expired are
// terminal.
const (
	StatusPending   lifecycle.Status = "pending"
	StatusActive    lifecycle.Status = "active"
	StatusCompleted lifecycle.Status = "completed"
	StatusCancelled lifecycle.Status = "cancelled"
	StatusExpired   lifecycle.Status = "expired"
)

// Table is the mission transition table.
var Table = map[lifecycle.Status][]lifecycle.Status{
	StatusPending: {StatusActive, StatusCancelled, StatusExpired},
	StatusActive:  {StatusCompleted, StatusCancelled, StatusExpired},
}

// MissionType classifies the scheduled activity
type MissionType string

const (
	TypeMission     MissionType = "mission"
	TypeTraining    MissionType = "training"
	TypeEvent       MissionType = "event"
	TypeCompetition MissionType = "competition"
	TypeMeeting     MissionType = "meeting"
	TypeEmergency   MissionType = "emergency"
)

// MissionPriority defines scheduling priority
type MissionPriority string

const (
	PriorityLow      MissionPriority = "low"
	PriorityMedium   MissionPriority = "medium"
	PriorityHigh     MissionPriority = "high"
	PriorityCritical MissionPriority = "critical"
)

// Participant is one roster entry. The display fields are a
// denormalized projection from the clan directory, kept for read
// convenience only.
type Participant struct {
	UserID          string         `json:"user_id" bson:"user_id"`
	Username        string         `json:"username,omitempty" bson:"username,omitempty"`
	Avatar          string         `json:"avatar,omitempty" bson:"avatar,omitempty"`
	Role            string         `json:"role,omitempty" bson:"role,omitempty"`
	ClanRole        string         `json:"clan_role,omitempty" bson:"clan_role,omitempty"`
	JoinedAt        time.Time      `json:"joined_at" bson:"joined_at"`
	IsPresent       bool           `json:"is_present" bson:"is_present"`
	MarkedPresentAt *time.Time     `json:"marked_present_at,omitempty" bson:"marked_present_at,omitempty"`
	Performance     map[string]any `json:"performance,omitempty" bson:"performance,omitempty"`
}

// HistoryEntry records one join/leave cycle in the roster audit trail.
// A re-joining user produces a fresh entry; left_at stays unset while
// the entry is open.
type HistoryEntry struct {
	ID       string     `json:"id" bson:"id"`
	UserID   string     `json:"user_id" bson:"user_id"`
	JoinedAt time.Time  `json:"joined_at" bson:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty" bson:"left_at,omitempty"`
}

// Result holds the outcome of a completed mission.
type Result struct {
	Success     bool               `json:"success" bson:"success"`
	Notes       string             `json:"notes,omitempty" bson:"notes,omitempty"`
	Evidence    []string           `json:"evidence,omitempty" bson:"evidence,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty" bson:"metrics,omitempty"`
	CompletedAt time.Time          `json:"completed_at" bson:"completed_at"`
	CompletedBy string             `json:"completed_by" bson:"completed_by"`
}

// Mission (QRR) is a scheduled clan activity with a capacity-bounded
// participant roster and its own lifecycle.
type Mission struct {
	ID          string           `json:"id" bson:"_id"`
	ClanID      string           `json:"clan_id" bson:"clan_id"`
	CreatedBy   string           `json:"created_by" bson:"created_by"`
	Title       string           `json:"title" bson:"title"`
	Description string           `json:"description,omitempty" bson:"description,omitempty"`
	Type        MissionType      `json:"type" bson:"type"`
	Priority    MissionPriority  `json:"priority" bson:"priority"`
	Status      lifecycle.Status `json:"status" bson:"status"`

	StartTime time.Time `json:"start_time" bson:"start_time"`
	EndTime   time.Time `json:"end_time" bson:"end_time"`

	Participants    []Participant  `json:"participants" bson:"participants"`
	MaxParticipants *int           `json:"max_participants,omitempty" bson:"max_participants,omitempty"`
	RequiredRoles   []string       `json:"required_roles,omitempty" bson:"required_roles,omitempty"`
	JoinCount       int            `json:"join_count" bson:"join_count"`
	History         []HistoryEntry `json:"history,omitempty" bson:"history,omitempty"`

	Result *Result `json:"result,omitempty" bson:"result,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// EntityID implements lifecycle.Entity
func (m *Mission) EntityID() string {
	return m.ID
}

// CurrentStatus implements lifecycle.Entity
func (m *Mission) CurrentStatus() lifecycle.Status {
	return m.Status
}

// SetStatus implements lifecycle.Entity
func (m *Mission) SetStatus(status lifecycle.Status) {
	m.Status = status
}

// Participant returns the roster entry for userID if present
func (m *Mission) Participant(userID string) (*Participant, bool) {
	for i := range m.Participants {
		if m.Participants[i].UserID == userID {
			return &m.Participants[i], true
		}
	}
	return nil, false
}

// IsFull reports whether the roster has reached its capacity bound
func (m *Mission) IsFull() bool {
	return m.MaxParticipants != nil && len(m.Participants) >= *m.MaxParticipants
}

// RoleAllowed reports whether the role is eligible to join. An empty
// required-roles set admits everyone.
func (m *Mission) RoleAllowed(role string) bool {
	if len(m.RequiredRoles) == 0 {
		return true
	}
	for _, r := range m.RequiredRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Terminal reports whether the mission status has no outgoing edges
func (m *Mission) Terminal() bool {
	return len(Table[m.Status]) == 0
}

// MissionsCollection is the MongoDB collection name
const MissionsCollection = "missions"
