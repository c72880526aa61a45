// Package sweeper hosts the time-triggered expiry process. It is the
// single source of time-based transitions: overdue entities are routed
// through the same validated transition path as user actions, so a
// sweep racing a user never corrupts state, one of the two simply loses
// and is skipped.
package sweeper

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"clanforge/pkg/config"
	"clanforge/pkg/database"
	"clanforge/pkg/handlers"
	"clanforge/pkg/module"

	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"
)

// WarExpirer is the slice of the wars module the sweeper drives
type WarExpirer interface {
	ExpireOverdue(ctx context.Context, pendingMaxAge, activeMaxAge time.Duration) (expired, skipped int, err error)
}

// MissionExpirer is the slice of the missions module the sweeper drives
type MissionExpirer interface {
	ExpireOverdue(ctx context.Context) (expired, skipped int, err error)
}

// Config holds the sweep schedule and the deployment's war age policy.
// Wars carry no explicit deadline field; how long a war may sit pending
// or run active is deployment policy, not a core rule.
type Config struct {
	Schedule         string
	WarPendingMaxAge time.Duration
	WarActiveMaxAge  time.Duration
}

// ConfigFromEnv reads the sweeper configuration from the environment
func ConfigFromEnv() Config {
	return Config{
		Schedule:         config.GetEnv("SWEEPER_SCHEDULE", "@every 1m"),
		WarPendingMaxAge: config.GetDurationEnv("WAR_PENDING_MAX_AGE", 72*time.Hour),
		WarActiveMaxAge:  config.GetDurationEnv("WAR_ACTIVE_MAX_AGE", 14*24*time.Hour),
	}
}

// Stats counts sweep outcomes since startup
type Stats struct {
	Runs            int64     `json:"runs"`
	WarsExpired     int64     `json:"wars_expired"`
	MissionsExpired int64     `json:"missions_expired"`
	Skipped         int64     `json:"skipped"`
	LastRun         time.Time `json:"last_run"`
}

// Module runs the expiry sweep on a cron schedule
type Module struct {
	*module.BaseModule
	config   Config
	cron     *cron.Cron
	wars     WarExpirer
	missions MissionExpirer

	mu    sync.Mutex
	stats Stats
}

// New creates a new sweeper module
func New(mongodb *database.MongoDB, redis *database.Redis, wars WarExpirer, missions MissionExpirer, cfg Config) *Module {
	return &Module{
		BaseModule: module.NewBaseModule("sweeper", mongodb, redis),
		config:     cfg,
		wars:       wars,
		missions:   missions,
	}
}

// Routes registers the module's routes
func (m *Module) Routes(r chi.Router) {
	m.RegisterHealthRoute(r)
	r.Get("/stats", m.statsHandler)
}

func (m *Module) statsHandler(w http.ResponseWriter, _ *http.Request) {
	handlers.JSONResponse(w, m.Stats(), http.StatusOK)
}

// StartBackgroundTasks starts the cron schedule and blocks until the
// module stops
func (m *Module) StartBackgroundTasks(ctx context.Context) {
	m.cron = cron.New()

	if _, err := m.cron.AddFunc(m.config.Schedule, func() {
		m.Sweep(context.Background())
	}); err != nil {
		slog.Error("Invalid sweeper schedule", "schedule", m.config.Schedule, "error", err)
		return
	}

	slog.Info("Starting expiry sweeper",
		"schedule", m.config.Schedule,
		"war_pending_max_age", m.config.WarPendingMaxAge.String(),
		"war_active_max_age", m.config.WarActiveMaxAge.String())
	m.cron.Start()

	select {
	case <-ctx.Done():
	case <-m.StopChannel():
	}

	stopCtx := m.cron.Stop()
	<-stopCtx.Done()
	slog.Info("Expiry sweeper stopped")
}

// Sweep runs one expiry pass over wars and missions. Entities already
// resolved by a concurrent user action are skipped, not failed.
func (m *Module) Sweep(ctx context.Context) {
	warsExpired, warsSkipped, err := m.wars.ExpireOverdue(ctx, m.config.WarPendingMaxAge, m.config.WarActiveMaxAge)
	if err != nil {
		slog.Error("War expiry sweep failed", "error", err)
	}

	missionsExpired, missionsSkipped, err := m.missions.ExpireOverdue(ctx)
	if err != nil {
		slog.Error("Mission expiry sweep failed", "error", err)
	}

	m.mu.Lock()
	m.stats.Runs++
	m.stats.WarsExpired += int64(warsExpired)
	m.stats.MissionsExpired += int64(missionsExpired)
	m.stats.Skipped += int64(warsSkipped + missionsSkipped)
	m.stats.LastRun = time.Now()
	m.mu.Unlock()

	if warsExpired+missionsExpired+warsSkipped+missionsSkipped > 0 {
		slog.Info("Expiry sweep completed",
			"wars_expired", warsExpired,
			"missions_expired", missionsExpired,
			"skipped", warsSkipped+missionsSkipped)
	}
}

// Stats returns a copy of the sweep counters
func (m *Module) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
