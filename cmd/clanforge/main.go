package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"clanforge/internal/clans"
	"clanforge/internal/missions"
	"clanforge/internal/notifications"
	"clanforge/internal/permissions"
	"clanforge/internal/sweeper"
	"clanforge/internal/wars"
	"clanforge/pkg/app"
	"clanforge/pkg/config"
	"clanforge/pkg/handlers"
	"clanforge/pkg/lifecycle"
	"clanforge/pkg/module"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	_ "go.uber.org/automaxprocs"
)

func main() {
	ctx := context.Background()

	appCtx, err := app.InitializeApp("clanforge")
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	defer appCtx.Shutdown(ctx)

	sink := buildSink()

	engine := lifecycle.NewEngine(sink)

	clansModule := clans.New(appCtx.MongoDB, appCtx.Redis)
	if err := clansModule.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize clans module: %v", err)
	}

	gate := permissions.NewGate(clansModule.Service(), buildAdminChecker(appCtx))

	warsModule, err := wars.New(appCtx.MongoDB, appCtx.Redis, clansModule.Service(), gate, engine, sink)
	if err != nil {
		log.Fatalf("Failed to create wars module: %v", err)
	}
	if err := warsModule.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize wars module: %v", err)
	}

	missionsModule, err := missions.New(appCtx.MongoDB, appCtx.Redis, clansModule.Service(), gate, engine, sink)
	if err != nil {
		log.Fatalf("Failed to create missions module: %v", err)
	}
	if err := missionsModule.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize missions module: %v", err)
	}

	sweeperModule := sweeper.New(appCtx.MongoDB, appCtx.Redis,
		warsModule.Service(), missionsModule.Service(), sweeper.ConfigFromEnv())

	modules := []module.Module{clansModule, warsModule, missionsModule, sweeperModule}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Get("/health", handlers.SimpleHealthHandler())

	bgCtx, cancelBg := context.WithCancel(ctx)
	for _, m := range modules {
		r.Route("/"+m.Name(), m.Routes)
		go m.StartBackgroundTasks(bgCtx)
	}

	port := config.GetEnv("PORT", "8080")
	server := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	go func() {
		slog.Info("Server listening", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutdown signal received")
	cancelBg()
	for _, m := range modules {
		m.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}
}

// buildSink wires the lifecycle event sinks: structured logging always,
// Kafka when brokers are configured.
func buildSink() lifecycle.Sink {
	sinks := []lifecycle.Sink{notifications.NewSlogSink()}

	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		kafkaSink, err := notifications.NewKafkaSink(notifications.KafkaSinkConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   config.GetEnv("KAFKA_TOPIC", "clanforge.lifecycle"),
		})
		if err != nil {
			slog.Error("Failed to create Kafka sink, events go to logs only", "error", err)
		} else {
			sinks = append(sinks, kafkaSink)
		}
	}

	return notifications.NewFanout(sinks...)
}

// buildAdminChecker prefers Casbin policies in MongoDB and falls back
// to the ADMIN_USER_IDS list when the enforcer cannot start.
func buildAdminChecker(appCtx *app.AppContext) permissions.AdminChecker {
	checker, err := permissions.NewCasbinAdminChecker(appCtx.MongoDB.Client, appCtx.MongoDB.Database.Name())
	if err == nil {
		return checker
	}
	slog.Error("Failed to initialize Casbin admin checker, using static fallback", "error", err)

	var ids []string
	if raw := config.GetEnv("ADMIN_USER_IDS", ""); raw != "" {
		ids = strings.Split(raw, ",")
	}
	return permissions.NewStaticAdminChecker(ids...)
}
