package services

import (
	"context"
	"fmt"
	"time"

	"clanforge/internal/wars/models"
	"clanforge/pkg/database"
	"clanforge/pkg/lifecycle"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Repository handles database operations for wars
type Repository struct {
	mongodb *database.MongoDB
	wars    *mongo.Collection
}

// NewRepository creates a new repository instance
func NewRepository(mongodb *database.MongoDB) *Repository {
	return &Repository{
		mongodb: mongodb,
		wars:    mongodb.Database.Collection(models.WarsCollection),
	}
}

// EnsureIndexes creates the indexes the war store relies on. The
// partial unique index over pair_key is the store-level backstop for
// the "no two concurrent open wars per clan pair" invariant: two
// declarations racing past the existence check cannot both insert.
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	nonTerminal := bson.A{}
	for _, status := range models.NonTerminalStatuses {
		nonTerminal = append(nonTerminal, string(status))
	}

	_, err := r.wars.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "pair_key", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": bson.M{"$in": nonTerminal}}),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create war indexes: %w", err)
	}
	return nil
}

// Insert stores a newly declared war. A duplicate pair key means an
// open war for the pair already exists.
func (r *Repository) Insert(ctx context.Context, war *models.War) error {
	war.CreatedAt = time.Now()
	war.UpdatedAt = war.CreatedAt

	_, err := r.wars.InsertOne(ctx, war)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("open war already exists between %s and %s: %w",
			war.ChallengerClan, war.ChallengedClan, lifecycle.ErrConflict)
	}
	return err
}

// GetByID retrieves a war by ID
func (r *Repository) GetByID(ctx context.Context, warID string) (*models.War, error) {
	var war models.War
	err := r.wars.FindOne(ctx, bson.M{"_id": warID}).Decode(&war)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("war %s: %w", warID, lifecycle.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &war, nil
}

// Save replaces the war document iff its stored status still equals
// prior. A lost race surfaces as Conflict.
func (r *Repository) Save(ctx context.Context, war *models.War, prior lifecycle.Status) error {
	war.UpdatedAt = time.Now()

	result, err := r.wars.ReplaceOne(ctx, bson.M{"_id": war.ID, "status": string(prior)}, war)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("war %s changed since read (expected status %q): %w",
			war.ID, prior, lifecycle.ErrConflict)
	}
	return nil
}

// HasOpenWar reports whether a pending or active war exists for the
// unordered clan pair
func (r *Repository) HasOpenWar(ctx context.Context, clanA, clanB string) (bool, error) {
	nonTerminal := bson.A{}
	for _, status := range models.NonTerminalStatuses {
		nonTerminal = append(nonTerminal, string(status))
	}

	count, err := r.wars.CountDocuments(ctx, bson.M{
		"pair_key": models.PairKeyFor(clanA, clanB),
		"status":   bson.M{"$in": nonTerminal},
	})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// FindActive lists wars currently being fought, newest first, with the
// evidence field projected away.
func (r *Repository) FindActive(ctx context.Context) ([]*models.War, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}}).
		SetProjection(bson.M{"evidence": 0})

	cursor, err := r.wars.Find(ctx, bson.M{"status": string(models.StatusActive)}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var wars []*models.War
	if err := cursor.All(ctx, &wars); err != nil {
		return nil, err
	}
	return wars, nil
}

// FindExpiryCandidates lists open wars past their deadline policy:
// pending wars declared before pendingBefore and active wars started
// before activeBefore.
func (r *Repository) FindExpiryCandidates(ctx context.Context, pendingBefore, activeBefore time.Time) ([]*models.War, error) {
	filter := bson.M{
		"$or": bson.A{
			bson.M{
				"status":      string(models.StatusPending),
				"declared_at": bson.M{"$lt": pendingBefore},
			},
			bson.M{
				"status":     string(models.StatusActive),
				"started_at": bson.M{"$lt": activeBefore},
			},
		},
	}

	cursor, err := r.wars.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var wars []*models.War
	if err := cursor.All(ctx, &wars); err != nil {
		return nil, err
	}
	return wars, nil
}
