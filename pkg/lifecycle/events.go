package lifecycle

import (
	"context"
	"time"
)

// Event describes a completed lifecycle transition. Events are emitted
// fire-and-forget after the conditional write succeeds.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	EntityID   string    `json:"entity_id"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	ActorID    string    `json:"actor_id"`
	ActorName  string    `json:"actor_name,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink receives lifecycle events. Implementations must never block the
// transition path; delivery failures are theirs to log and swallow.
type Sink interface {
	Publish(ctx context.Context, event Event)
}
