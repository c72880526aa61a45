package missions

import (
	"context"
	"log/slog"

	clansservices "clanforge/internal/clans/services"
	"clanforge/internal/missions/services"
	"clanforge/internal/permissions"
	"clanforge/pkg/database"
	"clanforge/pkg/lifecycle"
	"clanforge/pkg/module"

	"github.com/go-chi/chi/v5"
)

// Module represents the mission (QRR) lifecycle module
type Module struct {
	*module.BaseModule
	service    *services.Service
	repository *services.Repository
}

// New creates a new missions module and registers its lifecycle
// descriptor
func New(mongodb *database.MongoDB, redis *database.Redis, directory *clansservices.Service, gate *permissions.Gate, engine *lifecycle.Engine, sink lifecycle.Sink) (*Module, error) {
	service, err := services.NewService(mongodb, directory, gate, engine, sink)
	if err != nil {
		return nil, err
	}

	return &Module{
		BaseModule: module.NewBaseModule("missions", mongodb, redis),
		service:    service,
		repository: services.NewRepository(mongodb),
	}, nil
}

// Initialize creates the mission store indexes
func (m *Module) Initialize(ctx context.Context) error {
	slog.Info("Initializing missions module")
	return m.repository.EnsureIndexes(ctx)
}

// Routes registers the module's routes
func (m *Module) Routes(r chi.Router) {
	m.RegisterHealthRoute(r)
}

// Service returns the mission service for callers and the sweeper
func (m *Module) Service() *services.Service {
	return m.service
}
