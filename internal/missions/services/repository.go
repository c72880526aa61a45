package services

import (
	"context"
	"fmt"
	"time"

	"clanforge/internal/missions/models"
	"clanforge/pkg/database"
	"clanforge/pkg/lifecycle"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MissionFilter narrows mission listings
type MissionFilter struct {
	ClanID string
	Status lifecycle.Status
	Type   models.MissionType
}

// Repository handles database operations for missions
type Repository struct {
	mongodb  *database.MongoDB
	missions *mongo.Collection
}

// NewRepository creates a new repository instance
func NewRepository(mongodb *database.MongoDB) *Repository {
	return &Repository{
		mongodb:  mongodb,
		missions: mongodb.Database.Collection(models.MissionsCollection),
	}
}

// EnsureIndexes creates the indexes the mission store relies on
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	_, err := r.missions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "clan_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "end_time", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create mission indexes: %w", err)
	}
	return nil
}

// Insert stores a newly created mission
func (r *Repository) Insert(ctx context.Context, mission *models.Mission) error {
	mission.CreatedAt = time.Now()
	mission.UpdatedAt = mission.CreatedAt

	_, err := r.missions.InsertOne(ctx, mission)
	return err
}

// GetByID retrieves a mission by ID
func (r *Repository) GetByID(ctx context.Context, missionID string) (*models.Mission, error) {
	var mission models.Mission
	err := r.missions.FindOne(ctx, bson.M{"_id": missionID}).Decode(&mission)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("mission %s: %w", missionID, lifecycle.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &mission, nil
}

// Save replaces the mission document iff its stored status still equals
// prior
func (r *Repository) Save(ctx context.Context, mission *models.Mission, prior lifecycle.Status) error {
	mission.UpdatedAt = time.Now()

	result, err := r.missions.ReplaceOne(ctx, bson.M{"_id": mission.ID, "status": string(prior)}, mission)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("mission %s changed since read (expected status %q): %w",
			mission.ID, prior, lifecycle.ErrConflict)
	}
	return nil
}

// AppendParticipant appends a roster entry with a single conditional
// update: the mission must still be open, the user absent, and the
// capacity bound not yet reached. The capacity check is atomic with the
// append, so concurrent joins beyond the bound cannot all succeed.
func (r *Repository) AppendParticipant(ctx context.Context, missionID string, participant models.Participant, entry models.HistoryEntry) (bool, error) {
	openStatuses := bson.A{string(models.StatusPending), string(models.StatusActive)}

	filter := bson.M{
		"_id":                  missionID,
		"status":               bson.M{"$in": openStatuses},
		"participants.user_id": bson.M{"$ne": participant.UserID},
		"$expr": bson.M{"$or": bson.A{
			bson.M{"$lte": bson.A{"$max_participants", nil}},
			bson.M{"$lt": bson.A{bson.M{"$size": "$participants"}, "$max_participants"}},
		}},
	}

	update := bson.M{
		"$push": bson.M{
			"participants": participant,
			"history":      entry,
		},
		"$inc": bson.M{"join_count": 1},
		"$set": bson.M{"updated_at": time.Now()},
	}

	result, err := r.missions.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return result.ModifiedCount > 0, nil
}

// RemoveParticipant removes the user from the active roster and closes
// their open history entry. Earlier closed entries from previous
// join/leave cycles are left untouched.
func (r *Repository) RemoveParticipant(ctx context.Context, missionID, userID string, leftAt time.Time) (bool, error) {
	filter := bson.M{
		"_id":                  missionID,
		"participants.user_id": userID,
	}

	update := bson.M{
		"$pull": bson.M{"participants": bson.M{"user_id": userID}},
		"$set": bson.M{
			"history.$[open].left_at": leftAt,
			"updated_at":              time.Now(),
		},
	}

	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{
			bson.M{"open.user_id": userID, "open.left_at": nil},
		},
	})

	result, err := r.missions.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return false, err
	}
	return result.ModifiedCount > 0, nil
}

// SetPresence marks the participant present. Only valid while the
// mission is active.
func (r *Repository) SetPresence(ctx context.Context, missionID, userID string, at time.Time) (bool, error) {
	filter := bson.M{
		"_id":                  missionID,
		"status":               string(models.StatusActive),
		"participants.user_id": userID,
	}

	update := bson.M{
		"$set": bson.M{
			"participants.$.is_present":        true,
			"participants.$.marked_present_at": at,
			"updated_at":                       time.Now(),
		},
	}

	result, err := r.missions.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return result.MatchedCount > 0, nil
}

// SetPerformance stores the per-participant performance annotations
func (r *Repository) SetPerformance(ctx context.Context, missionID, userID string, metrics map[string]any) (bool, error) {
	filter := bson.M{
		"_id": missionID,
		"status": bson.M{"$in": bson.A{
			string(models.StatusActive), string(models.StatusCompleted),
		}},
		"participants.user_id": userID,
	}

	update := bson.M{
		"$set": bson.M{
			"participants.$.performance": metrics,
			"updated_at":                 time.Now(),
		},
	}

	result, err := r.missions.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return result.MatchedCount > 0, nil
}

// Find lists missions matching the filter, soonest start first
func (r *Repository) Find(ctx context.Context, filter MissionFilter) ([]*models.Mission, error) {
	query := bson.M{}
	if filter.ClanID != "" {
		query["clan_id"] = filter.ClanID
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}
	if filter.Type != "" {
		query["type"] = string(filter.Type)
	}

	opts := options.Find().SetSort(bson.D{{Key: "start_time", Value: 1}})

	cursor, err := r.missions.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var missions []*models.Mission
	if err := cursor.All(ctx, &missions); err != nil {
		return nil, err
	}
	return missions, nil
}

// FindExpiryCandidates lists open missions whose scheduled end has
// passed
func (r *Repository) FindExpiryCandidates(ctx context.Context, now time.Time) ([]*models.Mission, error) {
	filter := bson.M{
		"status": bson.M{"$in": bson.A{
			string(models.StatusPending), string(models.StatusActive),
		}},
		"end_time": bson.M{"$lt": now},
	}

	cursor, err := r.missions.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var missions []*models.Mission
	if err := cursor.All(ctx, &missions); err != nil {
		return nil, err
	}
	return missions, nil
}
