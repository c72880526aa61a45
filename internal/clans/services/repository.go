package services

import (
	"context"
	"fmt"
	"time"

	"clanforge/internal/clans/models"
	"clanforge/pkg/database"
	"clanforge/pkg/lifecycle"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Repository handles database operations for the clan directory
type Repository struct {
	mongodb *database.MongoDB
	clans   *mongo.Collection
	members *mongo.Collection
}

// NewRepository creates a new repository instance
func NewRepository(mongodb *database.MongoDB) *Repository {
	return &Repository{
		mongodb: mongodb,
		clans:   mongodb.Database.Collection(models.ClansCollection),
		members: mongodb.Database.Collection(models.MembersCollection),
	}
}

// EnsureIndexes creates the indexes the directory relies on
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	_, err := r.clans.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "tag", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create clan tag index: %w", err)
	}

	_, err = r.members.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create member index: %w", err)
	}
	return nil
}

// InsertClan creates a new clan
func (r *Repository) InsertClan(ctx context.Context, clan *models.Clan) error {
	clan.CreatedAt = time.Now()
	clan.UpdatedAt = clan.CreatedAt

	_, err := r.clans.InsertOne(ctx, clan)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("clan tag %q already taken: %w", clan.Tag, lifecycle.ErrConflict)
	}
	return err
}

// GetClan retrieves a clan by ID
func (r *Repository) GetClan(ctx context.Context, clanID string) (*models.Clan, error) {
	var clan models.Clan
	err := r.clans.FindOne(ctx, bson.M{"_id": clanID}).Decode(&clan)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("clan %s: %w", clanID, lifecycle.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &clan, nil
}

// SetLeadership replaces the leader and sub-leader set of a clan
func (r *Repository) SetLeadership(ctx context.Context, clanID, leaderID string, subLeaderIDs []string) error {
	update := bson.M{
		"$set": bson.M{
			"leader_id":      leaderID,
			"sub_leader_ids": subLeaderIDs,
			"updated_at":     time.Now(),
		},
	}

	result, err := r.clans.UpdateOne(ctx, bson.M{"_id": clanID}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("clan %s: %w", clanID, lifecycle.ErrNotFound)
	}
	return nil
}

// GetMember retrieves the display projection for a user
func (r *Repository) GetMember(ctx context.Context, userID string) (*models.Member, error) {
	var member models.Member
	err := r.members.FindOne(ctx, bson.M{"user_id": userID}).Decode(&member)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("member %s: %w", userID, lifecycle.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &member, nil
}

// UpsertMember stores the display projection supplied by the external
// user directory
func (r *Repository) UpsertMember(ctx context.Context, member *models.Member) error {
	member.UpdatedAt = time.Now()

	opts := options.Replace().SetUpsert(true)
	_, err := r.members.ReplaceOne(ctx, bson.M{"user_id": member.UserID}, member, opts)
	return err
}

// ListClanMembers lists the display projections for a clan
func (r *Repository) ListClanMembers(ctx context.Context, clanID string) ([]models.Member, error) {
	cursor, err := r.members.Find(ctx, bson.M{"clan_id": clanID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var members []models.Member
	if err := cursor.All(ctx, &members); err != nil {
		return nil, err
	}
	return members, nil
}
