package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"clanforge/internal/permissions"
	"clanforge/internal/wars/models"
	"clanforge/pkg/database"
	"clanforge/pkg/lifecycle"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	activeWarsCacheKey = "wars:active"
	activeWarsCacheTTL = 30 * time.Second
)

// warStore is the slice of the repository the service needs. Narrow so
// the lifecycle logic can be exercised against an in-memory store.
type warStore interface {
	Insert(ctx context.Context, war *models.War) error
	GetByID(ctx context.Context, warID string) (*models.War, error)
	Save(ctx context.Context, war *models.War, prior lifecycle.Status) error
	HasOpenWar(ctx context.Context, clanA, clanB string) (bool, error)
	FindActive(ctx context.Context) ([]*models.War, error)
	FindExpiryCandidates(ctx context.Context, pendingBefore, activeBefore time.Time) ([]*models.War, error)
}

// DeclareWarRequest is the payload for declaring a war
type DeclareWarRequest struct {
	ChallengerClan string `json:"challenger_clan" validate:"required"`
	ChallengedClan string `json:"challenged_clan" validate:"required,nefield=ChallengerClan"`
	Rules          string `json:"rules,omitempty" validate:"omitempty,max=2000"`
}

// ReportResultRequest is the payload for reporting a war result
type ReportResultRequest struct {
	WinnerClan      string   `json:"winner_clan" validate:"required"`
	ChallengerScore int      `json:"challenger_score" validate:"min=0"`
	ChallengedScore int      `json:"challenged_score" validate:"min=0"`
	Evidence        []string `json:"evidence,omitempty" validate:"omitempty,dive,url"`
}

// Service implements the war lifecycle operations
type Service struct {
	store     warStore
	directory permissions.ClanDirectory
	gate      *permissions.Gate
	engine    *lifecycle.Engine
	redis     *database.Redis
	sink      lifecycle.Sink
	validate  *validator.Validate
	now       func() time.Time
}

// NewService creates the war service and registers the war descriptor
// with the lifecycle engine
func NewService(mongodb *database.MongoDB, redis *database.Redis, directory permissions.ClanDirectory, gate *permissions.Gate, engine *lifecycle.Engine, sink lifecycle.Sink) (*Service, error) {
	return newService(NewRepository(mongodb), redis, directory, gate, engine, sink)
}

func newService(store warStore, redis *database.Redis, directory permissions.ClanDirectory, gate *permissions.Gate, engine *lifecycle.Engine, sink lifecycle.Sink) (*Service, error) {
	s := &Service{
		store:     store,
		directory: directory,
		gate:      gate,
		engine:    engine,
		redis:     redis,
		sink:      sink,
		validate:  validator.New(),
		now:       time.Now,
	}

	if err := engine.Register(s.descriptor()); err != nil {
		return nil, fmt.Errorf("failed to register war descriptor: %w", err)
	}
	return s, nil
}

// descriptor defines the war lifecycle for the generic engine
func (s *Service) descriptor() *lifecycle.Descriptor {
	return &lifecycle.Descriptor{
		Kind:  models.Kind,
		Table: models.Table,
		Guards: map[lifecycle.Status]lifecycle.Guard{
			models.StatusActive:    s.guardActivate,
			models.StatusRejected:  s.guardReject,
			models.StatusCompleted: s.guardComplete,
			models.StatusCancelled: s.guardCancel,
		},
		Authorize: s.authorize,
		Load: func(ctx context.Context, id string) (lifecycle.Entity, error) {
			return s.store.GetByID(ctx, id)
		},
		Save: func(ctx context.Context, entity lifecycle.Entity, prior lifecycle.Status) error {
			return s.store.Save(ctx, entity.(*models.War), prior)
		},
	}
}

// guardActivate starts the war clock on acceptance
func (s *Service) guardActivate(_ context.Context, _ lifecycle.Entity, actor lifecycle.Actor, _ any) (lifecycle.Effect, error) {
	return func(entity lifecycle.Entity, now time.Time) {
		war := entity.(*models.War)
		war.RespondedBy = actor.ID
		war.StartedAt = &now
	}, nil
}

func (s *Service) guardReject(_ context.Context, _ lifecycle.Entity, actor lifecycle.Actor, _ any) (lifecycle.Effect, error) {
	return func(entity lifecycle.Entity, _ time.Time) {
		entity.(*models.War).RespondedBy = actor.ID
	}, nil
}

// guardComplete validates the reported result: the winner must be one
// of the two participants.
func (s *Service) guardComplete(_ context.Context, entity lifecycle.Entity, actor lifecycle.Actor, payload any) (lifecycle.Effect, error) {
	req, ok := payload.(*ReportResultRequest)
	if !ok || req == nil {
		return nil, fmt.Errorf("result report payload required: %w", lifecycle.ErrBadRequest)
	}

	war := entity.(*models.War)
	if !war.HasParticipant(req.WinnerClan) {
		return nil, fmt.Errorf("winner %s is not a participant of war %s: %w",
			req.WinnerClan, war.ID, lifecycle.ErrBadRequest)
	}

	return func(entity lifecycle.Entity, now time.Time) {
		war := entity.(*models.War)
		war.WinnerClan = req.WinnerClan
		war.LoserClan = war.Opponent(req.WinnerClan)
		war.Score = models.Score{
			Challenger: req.ChallengerScore,
			Challenged: req.ChallengedScore,
		}
		war.Evidence = append(war.Evidence, req.Evidence...)
		war.ReportedBy = actor.ID
		war.EndedAt = &now
	}, nil
}

func (s *Service) guardCancel(_ context.Context, _ lifecycle.Entity, _ lifecycle.Actor, payload any) (lifecycle.Effect, error) {
	reason, _ := payload.(string)

	return func(entity lifecycle.Entity, now time.Time) {
		war := entity.(*models.War)
		war.CancellationReason = reason
		war.EndedAt = &now
	}, nil
}

// authorize maps each target status to the standing it requires
func (s *Service) authorize(ctx context.Context, entity lifecycle.Entity, target lifecycle.Status, actor lifecycle.Actor) error {
	war := entity.(*models.War)

	switch target {
	case models.StatusActive, models.StatusRejected:
		// Only the challenged side answers a declaration
		return s.gate.RequireClanLeadership(ctx, actor, war.ChallengedClan)
	case models.StatusCompleted:
		return s.gate.RequireClanLeadership(ctx, actor, war.ChallengerClan, war.ChallengedClan)
	case models.StatusCancelled:
		return s.gate.RequireClanLeadershipOrAdmin(ctx, actor, war.ChallengerClan, war.ChallengedClan)
	}
	return fmt.Errorf("no authorization rule for war target %q: %w", target, lifecycle.ErrForbidden)
}

// Declare creates a new pending war between two clans. The existence
// check plus the partial unique index make concurrent declarations for
// the same pair collapse to a single winner.
func (s *Service) Declare(ctx context.Context, req DeclareWarRequest, actor lifecycle.Actor) (*models.War, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid declaration: %v: %w", err, lifecycle.ErrBadRequest)
	}

	if _, err := s.directory.GetClan(ctx, req.ChallengerClan); err != nil {
		return nil, err
	}
	if _, err := s.directory.GetClan(ctx, req.ChallengedClan); err != nil {
		return nil, err
	}

	if err := s.gate.RequireClanLeadership(ctx, actor, req.ChallengerClan); err != nil {
		return nil, err
	}

	open, err := s.store.HasOpenWar(ctx, req.ChallengerClan, req.ChallengedClan)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, fmt.Errorf("open war already exists between %s and %s: %w",
			req.ChallengerClan, req.ChallengedClan, lifecycle.ErrConflict)
	}

	war := &models.War{
		ID:             uuid.New().String(),
		ChallengerClan: req.ChallengerClan,
		ChallengedClan: req.ChallengedClan,
		PairKey:        models.PairKeyFor(req.ChallengerClan, req.ChallengedClan),
		Status:         models.StatusPending,
		Rules:          req.Rules,
		DeclaredBy:     actor.ID,
		DeclaredAt:     s.now(),
	}

	if err := s.store.Insert(ctx, war); err != nil {
		return nil, err
	}

	slog.Info("War declared",
		"war_id", war.ID,
		"challenger", war.ChallengerClan,
		"challenged", war.ChallengedClan,
		"declared_by", actor.ID)

	s.publish(ctx, lifecycle.Event{
		ID:         uuid.New().String(),
		Kind:       models.Kind,
		EntityID:   war.ID,
		To:         models.StatusPending,
		ActorID:    actor.ID,
		ActorName:  actor.Username,
		OccurredAt: s.now(),
	})

	return war, nil
}

// Respond accepts or rejects a pending war. Acceptance immediately
// starts the war.
func (s *Service) Respond(ctx context.Context, warID string, actor lifecycle.Actor, accept bool) (*models.War, error) {
	target := models.StatusRejected
	if accept {
		target = models.StatusActive
	}
	return s.transition(ctx, warID, target, actor, nil)
}

// ReportResult completes an active war with its outcome
func (s *Service) ReportResult(ctx context.Context, warID string, actor lifecycle.Actor, req ReportResultRequest) (*models.War, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid result report: %v: %w", err, lifecycle.ErrBadRequest)
	}
	return s.transition(ctx, warID, models.StatusCompleted, actor, &req)
}

// Cancel cancels a pending or active war
func (s *Service) Cancel(ctx context.Context, warID string, actor lifecycle.Actor, reason string) (*models.War, error) {
	return s.transition(ctx, warID, models.StatusCancelled, actor, reason)
}

// Get retrieves a war by ID
func (s *Service) Get(ctx context.Context, warID string) (*models.War, error) {
	return s.store.GetByID(ctx, warID)
}

// ListActive lists wars currently being fought. Results carry no
// evidence field and are served from a short-lived cache.
func (s *Service) ListActive(ctx context.Context) ([]*models.War, error) {
	if s.redis != nil {
		var cached []*models.War
		if err := s.redis.GetJSON(ctx, activeWarsCacheKey, &cached); err == nil {
			return cached, nil
		} else if !database.IsNotFound(err) {
			slog.Warn("Active wars cache read failed", "error", err)
		}
	}

	wars, err := s.store.FindActive(ctx)
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		if err := s.redis.SetJSON(ctx, activeWarsCacheKey, wars, activeWarsCacheTTL); err != nil {
			slog.Warn("Active wars cache write failed", "error", err)
		}
	}

	return wars, nil
}

// ExpireOverdue cancels open wars past the configured age policy. Wars
// concurrently resolved by a user action lose the race cleanly and are
// counted as skipped.
func (s *Service) ExpireOverdue(ctx context.Context, pendingMaxAge, activeMaxAge time.Duration) (expired, skipped int, err error) {
	now := s.now()
	candidates, err := s.store.FindExpiryCandidates(ctx, now.Add(-pendingMaxAge), now.Add(-activeMaxAge))
	if err != nil {
		return 0, 0, err
	}

	for _, war := range candidates {
		_, terr := s.transition(ctx, war.ID, models.StatusCancelled, lifecycle.SystemActor, "expired: deadline passed without resolution")
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

// transition routes through the engine and drops the list cache on
// success
func (s *Service) transition(ctx context.Context, warID string, target lifecycle.Status, actor lifecycle.Actor, payload any) (*models.War, error) {
	entity, err := s.engine.Transition(ctx, models.Kind, warID, target, actor, payload)
	if err != nil {
		return nil, err
	}

	s.invalidateActiveCache(ctx)
	return entity.(*models.War), nil
}

func (s *Service) invalidateActiveCache(ctx context.Context) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Delete(ctx, activeWarsCacheKey); err != nil {
		slog.Warn("Active wars cache invalidation failed", "error", err)
	}
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
