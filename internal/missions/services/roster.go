package services

import (
	"context"
	"fmt"
	"log/slog"

	"clanforge/internal/missions/models"
	"clanforge/pkg/lifecycle"

	"github.com/google/uuid"
)

// Roster failures. Each wraps its lifecycle error class so callers can
// classify with errors.Is.
var (
	ErrAlreadyMember  = fmt.Errorf("user already on the roster: %w", lifecycle.ErrConflict)
	ErrRoleNotAllowed = fmt.Errorf("role not eligible for this mission: %w", lifecycle.ErrForbidden)
	ErrFull           = fmt.Errorf("mission roster is full: %w", lifecycle.ErrConflict)
	ErrNotMember      = fmt.Errorf("user is not on the roster: %w", lifecycle.ErrNotFound)
)

// Join adds a user to the mission roster. The membership and capacity
// checks ride on the same conditional update as the append, so racing
// joins beyond the capacity bound collapse to exactly the allowed
// number of successes.
func (s *Service) Join(ctx context.Context, missionID, userID string) (*models.Mission, error) {
	mission, err := s.store.GetByID(ctx, missionID)
	if err != nil {
		return nil, err
	}

	if mission.Terminal() {
		return nil, fmt.Errorf("mission %s is no longer open: %w", missionID, lifecycle.ErrInvalidTransition)
	}
	if _, joined := mission.Participant(userID); joined {
		return nil, ErrAlreadyMember
	}

	display := s.directory.MemberDisplay(ctx, userID)
	if !mission.RoleAllowed(display.Role) {
		return nil, ErrRoleNotAllowed
	}
	if mission.IsFull() {
		return nil, ErrFull
	}

	now := s.now()
	participant := models.Participant{
		UserID:   userID,
		Username: display.Username,
		Avatar:   display.Avatar,
		Role:     display.Role,
		ClanRole: display.ClanRole,
		JoinedAt: now,
	}
	entry := models.HistoryEntry{
		ID:       uuid.New().String(),
		UserID:   userID,
		JoinedAt: now,
	}

	ok, err := s.store.AppendParticipant(ctx, missionID, participant, entry)
	if err != nil {
		return nil, err
	}
	if !ok {
		// The conditional write lost a race; re-read to name the reason.
		return nil, s.classifyJoinFailure(ctx, missionID, userID)
	}

	slog.Info("Mission roster join", "mission_id", missionID, "user_id", userID)
	return s.store.GetByID(ctx, missionID)
}

// classifyJoinFailure turns an unmatched conditional append into the
// precise roster error
func (s *Service) classifyJoinFailure(ctx context.Context, missionID, userID string) error {
	mission, err := s.store.GetByID(ctx, missionID)
	if err != nil {
		return err
	}

	if mission.Terminal() {
		return fmt.Errorf("mission %s is no longer open: %w", missionID, lifecycle.ErrInvalidTransition)
	}
	if _, joined := mission.Participant(userID); joined {
		return ErrAlreadyMember
	}
	if mission.IsFull() {
		return ErrFull
	}
	return fmt.Errorf("concurrent roster update on mission %s: %w", missionID, lifecycle.ErrConflict)
}

// Leave removes the user from the roster and closes their open history
// entry. Previous cycles' closed entries stay as the audit trail, so a
// re-joining user accumulates one entry per cycle.
func (s *Service) Leave(ctx context.Context, missionID, userID string) (*models.Mission, error) {
	mission, err := s.store.GetByID(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if _, joined := mission.Participant(userID); !joined {
		return nil, ErrNotMember
	}

	ok, err := s.store.RemoveParticipant(ctx, missionID, userID, s.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotMember
	}

	slog.Info("Mission roster leave", "mission_id", missionID, "user_id", userID)
	return s.store.GetByID(ctx, missionID)
}

// MarkPresent records attendance for a participant of an active mission
func (s *Service) MarkPresent(ctx context.Context, missionID, userID string) (*models.Mission, error) {
	ok, err := s.store.SetPresence(ctx, missionID, userID, s.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.classifyRosterFailure(ctx, missionID, userID, models.StatusActive)
	}
	return s.store.GetByID(ctx, missionID)
}

// RecordPerformance stores per-participant performance annotations
func (s *Service) RecordPerformance(ctx context.Context, missionID, userID string, metrics map[string]any) (*models.Mission, error) {
	if len(metrics) == 0 {
		return nil, fmt.Errorf("performance metrics required: %w", lifecycle.ErrBadRequest)
	}

	ok, err := s.store.SetPerformance(ctx, missionID, userID, metrics)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.classifyRosterFailure(ctx, missionID, userID, models.StatusActive, models.StatusCompleted)
	}
	return s.store.GetByID(ctx, missionID)
}

// classifyRosterFailure names why a presence/performance update did not
// match: missing mission, wrong status, or non-member
func (s *Service) classifyRosterFailure(ctx context.Context, missionID, userID string, allowed ...lifecycle.Status) error {
	mission, err := s.store.GetByID(ctx, missionID)
	if err != nil {
		return err
	}

	statusOK := false
	for _, status := range allowed {
		if mission.Status == status {
			statusOK = true
			break
		}
	}
	if !statusOK {
		return fmt.Errorf("mission %s is %q: %w", missionID, mission.Status, lifecycle.ErrInvalidTransition)
	}
	if _, joined := mission.Participant(userID); !joined {
		return ErrNotMember
	}
	return fmt.Errorf("concurrent roster update on mission %s: %w", missionID, lifecycle.ErrConflict)
}

// History returns the join/leave audit trail of a mission
func (s *Service) History(ctx context.Context, missionID string) ([]models.HistoryEntry, error) {
	mission, err := s.store.GetByID(ctx, missionID)
	if err != nil {
		return nil, err
	}
	return mission.History, nil
}
