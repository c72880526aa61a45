// Package notifications delivers lifecycle transition events to
// external consumers. Delivery is strictly fire-and-forget: a sink
// failure is logged and swallowed, never surfaced to the transition
// path.
package notifications

import (
	"context"
	"log/slog"

	"clanforge/pkg/lifecycle"
)

// SlogSink logs every lifecycle event through the structured logger.
// It doubles as the always-on delivery channel when no broker is
// configured.
type SlogSink struct{}

// NewSlogSink creates a logging sink
func NewSlogSink() *SlogSink {
	return &SlogSink{}
}

func (s *SlogSink) Publish(_ context.Context, event lifecycle.Event) {
	slog.Info("Lifecycle transition",
		"event_id", event.ID,
		"kind", string(event.Kind),
		"entity_id", event.EntityID,
		"from", string(event.From),
		"to", string(event.To),
		"actor_id", event.ActorID)
}

// Fanout publishes each event to every configured sink
type Fanout struct {
	sinks []lifecycle.Sink
}

// NewFanout creates a fan-out over the given sinks
func NewFanout(sinks ...lifecycle.Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Publish(ctx context.Context, event lifecycle.Event) {
	for _, sink := range f.sinks {
		sink.Publish(ctx, event)
	}
}
