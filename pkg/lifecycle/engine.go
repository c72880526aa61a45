// Package lifecycle provides the generic state machine engine driving
// both war and mission lifecycles. Each entity kind registers a
// Descriptor holding its transition table, target-status guards,
// authorization predicate and persistence hooks; the engine itself is
// written once and knows nothing about the concrete entities.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an entity kind registered with the engine.
type Kind string

// Status is an entity lifecycle status.
type Status string

// Entity is the minimal surface the engine needs from a managed record.
type Entity interface {
	EntityID() string
	CurrentStatus() Status
	SetStatus(Status)
}

// Effect applies the field mutations a guard prescribes (timestamps,
// result fields, reasons). It runs after the engine has set the target
// status and before the conditional write.
type Effect func(entity Entity, now time.Time)

// Guard validates preconditions for a target status beyond the edge
// itself and returns the effect to apply. Guards reject with
// ErrBadRequest or ErrInvalidTransition wrapped errors.
type Guard func(ctx context.Context, entity Entity, actor Actor, payload any) (Effect, error)

// AuthorizeFunc decides whether the actor may drive the entity to the
// target status. A nil return approves; denial returns an ErrForbidden
// wrapped error.
type AuthorizeFunc func(ctx context.Context, entity Entity, target Status, actor Actor) error

// Descriptor defines one entity kind's lifecycle.
type Descriptor struct {
	Kind  Kind
	Table map[Status][]Status

	// Guards are keyed by target status; a missing guard means the edge
	// check alone is sufficient.
	Guards map[Status]Guard

	Authorize AuthorizeFunc

	// Load returns the current entity or an ErrNotFound wrapped error.
	Load func(ctx context.Context, id string) (Entity, error)

	// Save persists the entity with a write conditioned on the
	// previously-read status. It returns an ErrConflict wrapped error
	// when the condition no longer holds.
	Save func(ctx context.Context, entity Entity, prior Status) error
}

// Allows reports whether from -> to is an edge of the transition table.
func (d *Descriptor) Allows(from, to Status) bool {
	for _, next := range d.Table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status has no outgoing edges.
func (d *Descriptor) Terminal(status Status) bool {
	return len(d.Table[status]) == 0
}

const (
	saveAttempts = 3
	saveBackoff  = 50 * time.Millisecond
)

// Engine validates and applies lifecycle transitions.
type Engine struct {
	mu          sync.RWMutex
	descriptors map[Kind]*Descriptor
	sink        Sink
	now         func() time.Time
}

// NewEngine creates an engine publishing transition events to sink.
// A nil sink disables event emission.
func NewEngine(sink Sink) *Engine {
	return &Engine{
		descriptors: make(map[Kind]*Descriptor),
		sink:        sink,
		now:         time.Now,
	}
}

// SetClock overrides the engine clock. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Register adds an entity kind descriptor to the engine.
func (e *Engine) Register(d *Descriptor) error {
	if d.Kind == "" {
		return fmt.Errorf("descriptor has empty kind")
	}
	if d.Load == nil || d.Save == nil {
		return fmt.Errorf("descriptor %q is missing persistence hooks", d.Kind)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.descriptors[d.Kind]; exists {
		return fmt.Errorf("descriptor %q is already registered", d.Kind)
	}
	e.descriptors[d.Kind] = d
	return nil
}

// Descriptor returns the registered descriptor for kind.
func (e *Engine) Descriptor(kind Kind) (*Descriptor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.descriptors[kind]
	return d, ok
}

// Transition drives the entity to the target status: load, edge check,
// guard, authorization, mutation, conditional persist, event emission.
// A Conflict result means a concurrent writer won; callers retry from a
// fresh read if they still care.
func (e *Engine) Transition(ctx context.Context, kind Kind, id string, target Status, actor Actor, payload any) (Entity, error) {
	d, ok := e.Descriptor(kind)
	if !ok {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}

	entity, err := d.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	prior := entity.CurrentStatus()
	if !d.Allows(prior, target) {
		return nil, NewTransitionError(kind, prior, target)
	}

	var effect Effect
	if guard := d.Guards[target]; guard != nil {
		effect, err = guard(ctx, entity, actor, payload)
		if err != nil {
			return nil, err
		}
	}

	if d.Authorize != nil {
		if err := d.Authorize(ctx, entity, target, actor); err != nil {
			return nil, err
		}
	}

	entity.SetStatus(target)
	if effect != nil {
		effect(entity, e.now())
	}

	if err := e.save(ctx, d, entity, prior); err != nil {
		return nil, err
	}

	e.emit(ctx, Event{
		ID:         uuid.New().String(),
		Kind:       kind,
		EntityID:   entity.EntityID(),
		From:       prior,
		To:         target,
		ActorID:    actor.ID,
		ActorName:  actor.Username,
		OccurredAt: e.now(),
	})

	return entity, nil
}

// save retries transient store failures a bounded number of times.
// Conflicts are surfaced immediately; they mean a concurrent writer won
// and a retry without a fresh read would be wrong.
func (e *Engine) save(ctx context.Context, d *Descriptor, entity Entity, prior Status) error {
	var err error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(saveBackoff * time.Duration(attempt)):
			}
		}

		err = d.Save(ctx, entity, prior)
		if err == nil || errors.Is(err, ErrConflict) {
			return err
		}

		slog.Warn("Transient save failure, retrying",
			"kind", string(d.Kind),
			"entity_id", entity.EntityID(),
			"attempt", attempt+1,
			"error", err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (e *Engine) emit(ctx context.Context, event Event) {
	if e.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event sink panicked", "event_id", event.ID, "panic", r)
		}
	}()
	e.sink.Publish(ctx, event)
}
