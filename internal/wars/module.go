package wars

import (
	"context"
	"log/slog"

	"clanforge/internal/permissions"
	"clanforge/internal/wars/services"
	"clanforge/pkg/database"
	"clanforge/pkg/lifecycle"
	"clanforge/pkg/module"

	"github.com/go-chi/chi/v5"
)

// Module represents the war lifecycle module
type Module struct {
	*module.BaseModule
	service    *services.Service
	repository *services.Repository
}

// New creates a new wars module and registers its lifecycle descriptor
func New(mongodb *database.MongoDB, redis *database.Redis, directory permissions.ClanDirectory, gate *permissions.Gate, engine *lifecycle.Engine, sink lifecycle.Sink) (*Module, error) {
	service, err := services.NewService(mongodb, redis, directory, gate, engine, sink)
	if err != nil {
		return nil, err
	}

	return &Module{
		BaseModule: module.NewBaseModule("wars", mongodb, redis),
		service:    service,
		repository: services.NewRepository(mongodb),
	}, nil
}

// Initialize creates the war store indexes, including the partial
// unique index enforcing the one-open-war-per-pair invariant
func (m *Module) Initialize(ctx context.Context) error {
	slog.Info("Initializing wars module")
	return m.repository.EnsureIndexes(ctx)
}

// Routes registers the module's routes
func (m *Module) Routes(r chi.Router) {
	m.RegisterHealthRoute(r)
}

// Service returns the war service for callers and the sweeper
func (m *Module) Service() *services.Service {
	return m.service
}
