package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	clansmodels "clanforge/internal/clans/models"
	"clanforge/internal/missions/models"
	"clanforge/internal/permissions"
	"clanforge/pkg/database"
	"clanforge/pkg/lifecycle"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// memberDirectory is the slice of the clans module the mission service
// consumes: clan lookups plus the denormalized member display
// projection for roster entries.
type memberDirectory interface {
	permissions.ClanDirectory
	MemberDisplay(ctx context.Context, userID string) *clansmodels.Member
}

// missionStore is the repository surface the service needs. The roster
// mutations are conditional single updates so capacity and membership
// checks stay atomic with the write.
type missionStore interface {
	Insert(ctx context.Context, mission *models.Mission) error
	GetByID(ctx context.Context, missionID string) (*models.Mission, error)
	Save(ctx context.Context, mission *models.Mission, prior lifecycle.Status) error
	AppendParticipant(ctx context.Context, missionID string, participant models.Participant, entry models.HistoryEntry) (bool, error)
	RemoveParticipant(ctx context.Context, missionID, userID string, leftAt time.Time) (bool, error)
	SetPresence(ctx context.Context, missionID, userID string, at time.Time) (bool, error)
	SetPerformance(ctx context.Context, missionID, userID string, metrics map[string]any) (bool, error)
	Find(ctx context.Context, filter MissionFilter) ([]*models.Mission, error)
	FindExpiryCandidates(ctx context.Context, now time.Time) ([]*models.Mission, error)
}

// CreateMissionRequest is the payload for scheduling a mission
type CreateMissionRequest struct {
	ClanID          string    `json:"clan_id" validate:"required"`
	Title           string    `json:"title" validate:"required,max=200"`
	Description     string    `json:"description,omitempty" validate:"omitempty,max=5000"`
	Type            string    `json:"type" validate:"required,oneof=mission training event competition meeting emergency"`
	Priority        string    `json:"priority,omitempty" validate:"omitempty,oneof=low medium high critical"`
	StartTime       time.Time `json:"start_time" validate:"required"`
	EndTime         time.Time `json:"end_time" validate:"required,gtfield=StartTime"`
	MaxParticipants *int      `json:"max_participants,omitempty" validate:"omitempty,min=1"`
	RequiredRoles   []string  `json:"required_roles,omitempty"`
}

// CompleteMissionRequest is the payload for reporting a mission outcome
type CompleteMissionRequest struct {
	Success  bool               `json:"success"`
	Notes    string             `json:"notes,omitempty" validate:"omitempty,max=5000"`
	Evidence []string           `json:"evidence,omitempty" validate:"omitempty,dive,url"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
}

// ManagePolicy decides who may activate, complete or cancel a mission.
// The default admits the creator, clan leadership and administrators;
// deployments swap it without touching transition logic.
type ManagePolicy func(ctx context.Context, mission *models.Mission, actor lifecycle.Actor) error

// Service implements the mission lifecycle and roster operations
type Service struct {
	store        missionStore
	directory    memberDirectory
	gate         *permissions.Gate
	engine       *lifecycle.Engine
	sink         lifecycle.Sink
	validate     *validator.Validate
	now          func() time.Time
	managePolicy ManagePolicy
}

// NewService creates the mission service and registers the mission
// descriptor with the lifecycle engine
func NewService(mongodb *database.MongoDB, directory memberDirectory, gate *permissions.Gate, engine *lifecycle.Engine, sink lifecycle.Sink) (*Service, error) {
	return newService(NewRepository(mongodb), directory, gate, engine, sink)
}

func newService(store missionStore, directory memberDirectory, gate *permissions.Gate, engine *lifecycle.Engine, sink lifecycle.Sink) (*Service, error) {
	s := &Service{
		store:     store,
		directory: directory,
		gate:      gate,
		engine:    engine,
		sink:      sink,
		validate:  validator.New(),
		now:       time.Now,
	}
	s.managePolicy = s.defaultManagePolicy

	if err := engine.Register(s.descriptor()); err != nil {
		return nil, fmt.Errorf("failed to register mission descriptor: %w", err)
	}
	return s, nil
}

// SetManagePolicy replaces the activate/complete/cancel authorization
// policy
func (s *Service) SetManagePolicy(policy ManagePolicy) {
	if policy != nil {
		s.managePolicy = policy
	}
}

func (s *Service) defaultManagePolicy(ctx context.Context, mission *models.Mission, actor lifecycle.Actor) error {
	if actor.System || actor.ID == mission.CreatedBy {
		return nil
	}
	return s.gate.RequireClanLeadershipOrAdmin(ctx, actor, mission.ClanID)
}

func (s *Service) descriptor() *lifecycle.Descriptor {
	return &lifecycle.Descriptor{
		Kind:  models.Kind,
		Table: models.Table,
		Guards: map[lifecycle.Status]lifecycle.Guard{
			models.StatusActive:    s.guardActivate,
			models.StatusCompleted: s.guardComplete,
			models.StatusExpired:   s.guardExpire,
		},
		Authorize: s.authorize,
		Load: func(ctx context.Context, id string) (lifecycle.Entity, error) {
			return s.store.GetByID(ctx, id)
		},
		Save: func(ctx context.Context, entity lifecycle.Entity, prior lifecycle.Status) error {
			return s.store.Save(ctx, entity.(*models.Mission), prior)
		},
	}
}

// guardActivate refuses activation before the scheduled window opens
func (s *Service) guardActivate(_ context.Context, entity lifecycle.Entity, _ lifecycle.Actor, _ any) (lifecycle.Effect, error) {
	mission := entity.(*models.Mission)
	if mission.StartTime.After(s.now()) {
		return nil, fmt.Errorf("mission %s does not start until %s: %w",
			mission.ID, mission.StartTime.Format(time.RFC3339), lifecycle.ErrInvalidTransition)
	}
	return nil, nil
}

// guardComplete attaches the outcome; completion always has an acting
// identity.
func (s *Service) guardComplete(_ context.Context, _ lifecycle.Entity, actor lifecycle.Actor, payload any) (lifecycle.Effect, error) {
	req, ok := payload.(*CompleteMissionRequest)
	if !ok || req == nil {
		return nil, fmt.Errorf("completion payload required: %w", lifecycle.ErrBadRequest)
	}
	if actor.ID == "" {
		return nil, fmt.Errorf("completion requires an acting identity: %w", lifecycle.ErrForbidden)
	}

	return func(entity lifecycle.Entity, now time.Time) {
		mission := entity.(*models.Mission)
		mission.Result = &models.Result{
			Success:     req.Success,
			Notes:       req.Notes,
			Evidence:    req.Evidence,
			Metrics:     req.Metrics,
			CompletedAt: now,
			CompletedBy: actor.ID,
		}
	}, nil
}

// guardExpire only fires once the scheduled end has passed
func (s *Service) guardExpire(_ context.Context, entity lifecycle.Entity, _ lifecycle.Actor, _ any) (lifecycle.Effect, error) {
	mission := entity.(*models.Mission)
	if mission.EndTime.After(s.now()) {
		return nil, fmt.Errorf("mission %s has not reached its scheduled end: %w",
			mission.ID, lifecycle.ErrInvalidTransition)
	}
	return nil, nil
}

func (s *Service) authorize(ctx context.Context, entity lifecycle.Entity, target lifecycle.Status, actor lifecycle.Actor) error {
	mission := entity.(*models.Mission)

	switch target {
	case models.StatusActive, models.StatusCompleted, models.StatusCancelled:
		return s.managePolicy(ctx, mission, actor)
	case models.StatusExpired:
		// Expiry is time-triggered; only the sweeper or an administrator
		// may force it.
		isAdmin, err := s.gate.IsAdmin(ctx, actor)
		if err != nil {
			return err
		}
		if !isAdmin {
			return fmt.Errorf("actor %s may not force expiry: %w", actor.ID, lifecycle.ErrForbidden)
		}
		return nil
	}
	return fmt.Errorf("no authorization rule for mission target %q: %w", target, lifecycle.ErrForbidden)
}

// Create schedules a new mission in pending status
func (s *Service) Create(ctx context.Context, req CreateMissionRequest, actor lifecycle.Actor) (*models.Mission, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid mission: %v: %w", err, lifecycle.ErrBadRequest)
	}

	if _, err := s.directory.GetClan(ctx, req.ClanID); err != nil {
		return nil, err
	}

	if err := s.gate.RequireClanLeadershipOrAdmin(ctx, actor, req.ClanID); err != nil {
		return nil, err
	}

	priority := models.MissionPriority(req.Priority)
	if priority == "" {
		priority = models.PriorityMedium
	}

	mission := &models.Mission{
		ID:              uuid.New().String(),
		ClanID:          req.ClanID,
		CreatedBy:       actor.ID,
		Title:           req.Title,
		Description:     req.Description,
		Type:            models.MissionType(req.Type),
		Priority:        priority,
		Status:          models.StatusPending,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		Participants:    []models.Participant{},
		MaxParticipants: req.MaxParticipants,
		RequiredRoles:   req.RequiredRoles,
	}

	if err := s.store.Insert(ctx, mission); err != nil {
		return nil, err
	}

	slog.Info("Mission created",
		"mission_id", mission.ID,
		"clan_id", mission.ClanID,
		"type", string(mission.Type),
		"created_by", actor.ID)

	s.publish(ctx, lifecycle.Event{
		ID:         uuid.New().String(),
		Kind:       models.Kind,
		EntityID:   mission.ID,
		To:         models.StatusPending,
		ActorID:    actor.ID,
		ActorName:  actor.Username,
		OccurredAt: s.now(),
	})

	return mission, nil
}

// Activate starts a pending mission once its window has opened
func (s *Service) Activate(ctx context.Context, missionID string, actor lifecycle.Actor) (*models.Mission, error) {
	return s.transition(ctx, missionID, models.StatusActive, actor, nil)
}

// Complete finishes an active mission with its outcome
func (s *Service) Complete(ctx context.Context, missionID string, actor lifecycle.Actor, req CompleteMissionRequest) (*models.Mission, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid completion report: %v: %w", err, lifecycle.ErrBadRequest)
	}
	return s.transition(ctx, missionID, models.StatusCompleted, actor, &req)
}

// Cancel calls off a pending or active mission
func (s *Service) Cancel(ctx context.Context, missionID string, actor lifecycle.Actor) (*models.Mission, error) {
	return s.transition(ctx, missionID, models.StatusCancelled, actor, nil)
}

// Get retrieves a mission by ID
func (s *Service) Get(ctx context.Context, missionID string) (*models.Mission, error) {
	return s.store.GetByID(ctx, missionID)
}

// List lists missions matching the filter
func (s *Service) List(ctx context.Context, filter MissionFilter) ([]*models.Mission, error) {
	return s.store.Find(ctx, filter)
}

// UpdateSchedule moves the execution window of a mission that has not
// left pending yet. Once a mission is underway its window is immutable.
func (s *Service) UpdateSchedule(ctx context.Context, missionID string, actor lifecycle.Actor, start, end time.Time) (*models.Mission, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("end time must be after start time: %w", lifecycle.ErrBadRequest)
	}

	mission, err := s.store.GetByID(ctx, missionID)
	if err != nil {
		return nil, err
	}

	if mission.Status != models.StatusPending {
		return nil, fmt.Errorf("mission %s schedule is immutable in status %q: %w",
			missionID, mission.Status, lifecycle.ErrInvalidTransition)
	}

	if err := s.managePolicy(ctx, mission, actor); err != nil {
		return nil, err
	}

	mission.StartTime = start
	mission.EndTime = end
	if err := s.store.Save(ctx, mission, models.StatusPending); err != nil {
		return nil, err
	}
	return mission, nil
}

// ExpireOverdue expires open missions whose scheduled end has passed.
// Missions concurrently resolved by a user action lose the race cleanly
// and are counted as skipped.
func (s *Service) ExpireOverdue(ctx context.Context) (expired, skipped int, err error) {
	candidates, err := s.store.FindExpiryCandidates(ctx, s.now())
	if err != nil {
		return 0, 0, err
	}

	for _, mission := range candidates {
		_, terr := s.transition(ctx, mission.ID, models.StatusExpired, lifecycle.SystemActor, nil)
		if terr != nil {
			if lifecycle.IsRace(terr) {
				skipped++
				continue
			}
			return expired, skipped, terr
		}
		expired++
	}

	return expired, skipped, nil
}

func (s *Service) transition(ctx context.Context, missionID string, target lifecycle.Status, actor lifecycle.Actor, payload any) (*models.Mission, error) {
	entity, err := s.engine.Transition(ctx, models.Kind, missionID, target, actor, payload)
	if err != nil {
		return nil, err
	}
	return entity.(*models.Mission), nil
}

func (s *Service) publish(ctx context.Context, event lifecycle.Event) {
	if s.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event sink panicked", "event_id", event.ID, "panic", r)
		}
	}()
	s.sink.Publish(ctx, event)
}
