package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"clanforge/internal/clans/models"
	"clanforge/pkg/database"

	"github.com/google/uuid"
)

const clanCacheTTL = 5 * time.Minute

// Service exposes the clan directory to the lifecycle modules: clan
// existence, leadership sets and member display projections.
type Service struct {
	repository *Repository
	redis      *database.Redis
}

// NewService creates a new clan directory service
func NewService(mongodb *database.MongoDB, redis *database.Redis) *Service {
	return &Service{
		repository: NewRepository(mongodb),
		redis:      redis,
	}
}

// EnsureIndexes creates the directory indexes
func (s *Service) EnsureIndexes(ctx context.Context) error {
	return s.repository.EnsureIndexes(ctx)
}

// CreateClan registers a new clan with its initial leader
func (s *Service) CreateClan(ctx context.Context, name, tag, leaderID string) (*models.Clan, error) {
	clan := &models.Clan{
		ID:           uuid.New().String(),
		Name:         name,
		Tag:          tag,
		LeaderID:     leaderID,
		SubLeaderIDs: []string{},
	}

	if err := s.repository.InsertClan(ctx, clan); err != nil {
		return nil, err
	}

	slog.Info("Clan created", "clan_id", clan.ID, "tag", clan.Tag)
	return clan, nil
}

// GetClan returns the clan, served from the cache when possible
func (s *Service) GetClan(ctx context.Context, clanID string) (*models.Clan, error) {
	cacheKey := clanCacheKey(clanID)

	if s.redis != nil {
		var cached models.Clan
		if err := s.redis.GetJSON(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		} else if !database.IsNotFound(err) {
			slog.Warn("Clan cache read failed", "clan_id", clanID, "error", err)
		}
	}

	clan, err := s.repository.GetClan(ctx, clanID)
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		if err := s.redis.SetJSON(ctx, cacheKey, clan, clanCacheTTL); err != nil {
			slog.Warn("Clan cache write failed", "clan_id", clanID, "error", err)
		}
	}

	return clan, nil
}

// IsLeaderOrSubLeader reports whether the user holds leadership standing
// in the clan
func (s *Service) IsLeaderOrSubLeader(ctx context.Context, clanID, userID string) (bool, error) {
	clan, err := s.GetClan(ctx, clanID)
	if err != nil {
		return false, err
	}
	return clan.IsLeadership(userID), nil
}

// SetLeadership replaces the leadership set and invalidates the cache
func (s *Service) SetLeadership(ctx context.Context, clanID, leaderID string, subLeaderIDs []string) error {
	if err := s.repository.SetLeadership(ctx, clanID, leaderID, subLeaderIDs); err != nil {
		return err
	}

	if s.redis != nil {
		if err := s.redis.Delete(ctx, clanCacheKey(clanID)); err != nil {
			slog.Warn("Clan cache invalidation failed", "clan_id", clanID, "error", err)
		}
	}

	slog.Info("Clan leadership updated", "clan_id", clanID, "leader_id", leaderID)
	return nil
}

// MemberDisplay returns the denormalized display projection for a user.
// A missing projection is not an error for roster purposes; callers get
// a minimal record instead.
func (s *Service) MemberDisplay(ctx context.Context, userID string) *models.Member {
	member, err := s.repository.GetMember(ctx, userID)
	if err != nil {
		return &models.Member{UserID: userID}
	}
	return member
}

// UpsertMember stores a display projection pushed by the external user
// directory
func (s *Service) UpsertMember(ctx context.Context, member *models.Member) error {
	return s.repository.UpsertMember(ctx, member)
}

// ListClanMembers lists the display projections of a clan
func (s *Service) ListClanMembers(ctx context.Context, clanID string) ([]models.Member, error) {
	return s.repository.ListClanMembers(ctx, clanID)
}

func clanCacheKey(clanID string) string {
	return fmt.Sprintf("clans:directory:%s", clanID)
}
