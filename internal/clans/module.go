package clans

import (
	"context"
	"log/slog"

	"clanforge/internal/clans/services"
	"clanforge/pkg/database"
	"clanforge/pkg/module"

	"github.com/go-chi/chi/v5"
)

// Module provides the clan directory consumed by the war and mission
// lifecycle modules.
type Module struct {
	*module.BaseModule
	service *services.Service
}

// New creates a new clan directory module
func New(mongodb *database.MongoDB, redis *database.Redis) *Module {
	return &Module{
		BaseModule: module.NewBaseModule("clans", mongodb, redis),
		service:    services.NewService(mongodb, redis),
	}
}

// Initialize creates the directory indexes
func (m *Module) Initialize(ctx context.Context) error {
	slog.Info("Initializing clans module")
	return m.service.EnsureIndexes(ctx)
}

// Routes registers the module's routes
func (m *Module) Routes(r chi.Router) {
	m.RegisterHealthRoute(r)
}

// Service returns the directory service for other modules
func (m *Module) Service() *services.Service {
	return m.service
}
