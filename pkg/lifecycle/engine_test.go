package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ticket is a minimal entity for exercising the engine.
type ticket struct {
	id     string
	status Status
	closed *time.Time
}

func (t *ticket) EntityID() string        { return t.id }
func (t *ticket) CurrentStatus() Status   { return t.status }
func (t *ticket) SetStatus(status Status) { t.status = status }

// ticketStore is an in-memory store with conditional writes and
// injectable failures.
type ticketStore struct {
	mu        sync.Mutex
	records   map[string]*ticket
	saveFails int
	saveCalls int
}

func newTicketStore(tickets ...*ticket) *ticketStore {
	s := &ticketStore{records: make(map[string]*ticket)}
	for _, t := range tickets {
		copied := *t
		s.records[t.id] = &copied
	}
	return s
}

func (s *ticketStore) load(_ context.Context, id string) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	copied := *t
	return &copied, nil
}

func (s *ticketStore) save(_ context.Context, entity Entity, prior Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saveCalls++
	if s.saveFails > 0 {
		s.saveFails--
		return errors.New("store hiccup")
	}

	t := entity.(*ticket)
	current, ok := s.records[t.id]
	if !ok || current.status != prior {
		return fmt.Errorf("ticket %s moved past %q: %w", t.id, prior, ErrConflict)
	}
	copied := *t
	s.records[t.id] = &copied
	return nil
}

// recordSink captures emitted events.
type recordSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordSink) Publish(_ context.Context, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

var ticketTable = map[Status][]Status{
	"open":    {"claimed", "closed"},
	"claimed": {"closed"},
}

func ticketDescriptor(store *ticketStore) *Descriptor {
	return &Descriptor{
		Kind:  "ticket",
		Table: ticketTable,
		Guards: map[Status]Guard{
			"closed": func(_ context.Context, _ Entity, _ Actor, _ any) (Effect, error) {
				return func(entity Entity, now time.Time) {
					entity.(*ticket).closed = &now
				}, nil
			},
		},
		Load: store.load,
		Save: store.save,
	}
}

func newTestEngine(t *testing.T, store *ticketStore, sink Sink) *Engine {
	t.Helper()
	engine := NewEngine(sink)
	require.NoError(t, engine.Register(ticketDescriptor(store)))
	return engine
}

func TestEngineTransition(t *testing.T) {
	ctx := context.Background()
	actor := Actor{ID: "user-1", Username: "alice"}

	t.Run("valid transition applies effect and persists", func(t *testing.T) {
		store := newTicketStore(&ticket{id: "t1", status: "open"})
		engine := newTestEngine(t, store, nil)

		frozen := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
		engine.SetClock(func() time.Time { return frozen })

		entity, err := engine.Transition(ctx, "ticket", "t1", "closed", actor, nil)
		require.NoError(t, err)

		result := entity.(*ticket)
		assert.Equal(t, Status("closed"), result.status)
		require.NotNil(t, result.closed)
		assert.Equal(t, frozen, *result.closed)

		persisted, err := store.load(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, Status("closed"), persisted.CurrentStatus())
	})

	t.Run("edge not in table", func(t *testing.T) {
		store := newTicketStore(&ticket{id: "t1", status: "closed"})
		engine := newTestEngine(t, store, nil)

		_, err := engine.Transition(ctx, "ticket", "t1", "claimed", actor, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		var terr *TransitionError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, Kind("ticket"), terr.Kind)
		assert.Equal(t, Status("closed"), terr.From)
		assert.Equal(t, Status("claimed"), terr.To)
	})

	t.Run("missing entity", func(t *testing.T) {
		store := newTicketStore()
		engine := newTestEngine(t, store, nil)

		_, err := engine.Transition(ctx, "ticket", "nope", "closed", actor, nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown kind", func(t *testing.T) {
		engine := newTestEngine(t, newTicketStore(), nil)

		_, err := engine.Transition(ctx, "invoice", "t1", "closed", actor, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invoice")
	})

	t.Run("guard rejection stops the transition", func(t *testing.T) {
		store := newTicketStore(&ticket{id: "t1", status: "open"})
		d := ticketDescriptor(store)
		d.Guards["claimed"] = func(_ context.Context, _ Entity, _ Actor, _ any) (Effect, error) {
			return nil, fmt.Errorf("claim window closed: %w", ErrBadRequest)
		}
		engine := NewEngine(nil)
		require.NoError(t, engine.Register(d))

		_, err := engine.Transition(ctx, "ticket", "t1", "claimed", actor, nil)
		assert.ErrorIs(t, err, ErrBadRequest)

		persisted, err := store.load(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, Status("open"), persisted.CurrentStatus())
	})

	t.Run("authorization denial stops the transition", func(t *testing.T) {
		store := newTicketStore(&ticket{id: "t1", status: "open"})
		d := ticketDescriptor(store)
		d.Authorize = func(_ context.Context, _ Entity, _ Status, a Actor) error {
			if a.ID != "owner" {
				return fmt.Errorf("actor %s: %w", a.ID, ErrForbidden)
			}
			return nil
		}
		engine := NewEngine(nil)
		require.NoError(t, engine.Register(d))

		_, err := engine.Transition(ctx, "ticket", "t1", "closed", actor, nil)
		assert.ErrorIs(t, err, ErrForbidden)

		_, err = engine.Transition(ctx, "ticket", "t1", "closed", Actor{ID: "owner"}, nil)
		assert.NoError(t, err)
	})
}

func TestEngineSaveRetry(t *testing.T) {
	ctx := context.Background()
	actor := Actor{ID: "user-1"}

	t.Run("transient failures are retried", func(t *testing.T) {
		store := newTicketStore(&ticket{id: "t1", status: "open"})
		store.saveFails = 2
		engine := newTestEngine(t, store, nil)

		_, err := engine.Transition(ctx, "ticket", "t1", "closed", actor, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, store.saveCalls)
	})

	t.Run("exhausted retries surface unavailable", func(t *testing.T) {
		store := newTicketStore(&ticket{id: "t1", status: "open"})
		store.saveFails = 10
		engine := newTestEngine(t, store, nil)

		_, err := engine.Transition(ctx, "ticket", "t1", "closed", actor, nil)
		assert.ErrorIs(t, err, ErrUnavailable)
	})

}

func TestEngineSaveConflictNotRetried(t *testing.T) {
	ctx := context.Background()

	store := newTicketStore(&ticket{id: "t1", status: "open"})
	d := ticketDescriptor(store)
	// Save always reports a lost race.
	d.Save = func(_ context.Context, _ Entity, _ Status) error {
		store.saveCalls++
		return ErrConflict
	}
	engine := NewEngine(nil)
	require.NoError(t, engine.Register(d))

	_, err := engine.Transition(ctx, "ticket", "t1", "closed", Actor{ID: "u"}, nil)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, store.saveCalls)
}

func TestEngineEventEmission(t *testing.T) {
	ctx := context.Background()

	t.Run("successful transitions emit one event", func(t *testing.T) {
		store := newTicketStore(&ticket{id: "t1", status: "open"})
		sink := &recordSink{}
		engine := newTestEngine(t, store, sink)

		_, err := engine.Transition(ctx, "ticket", "t1", "claimed", Actor{ID: "u1", Username: "alice"}, nil)
		require.NoError(t, err)

		events := sink.all()
		require.Len(t, events, 1)
		assert.Equal(t, Kind("ticket"), events[0].Kind)
		assert.Equal(t, "t1", events[0].EntityID)
		assert.Equal(t, Status("open"), events[0].From)
		assert.Equal(t, Status("claimed"), events[0].To)
		assert.Equal(t, "u1", events[0].ActorID)
		assert.Equal(t, "alice", events[0].ActorName)
		assert.NotEmpty(t, events[0].ID)
	})

	t.Run("failed transitions emit nothing", func(t *testing.T) {
		store := newTicketStore(&ticket{id: "t1", status: "closed"})
		sink := &recordSink{}
		engine := newTestEngine(t, store, sink)

		_, err := engine.Transition(ctx, "ticket", "t1", "claimed", Actor{ID: "u1"}, nil)
		require.Error(t, err)
		assert.Empty(t, sink.all())
	})

	t.Run("sink panic does not fail the transition", func(t *testing.T) {
		store := newTicketStore(&ticket{id: "t1", status: "open"})
		engine := newTestEngine(t, store, panicSink{})

		_, err := engine.Transition(ctx, "ticket", "t1", "claimed", Actor{ID: "u1"}, nil)
		assert.NoError(t, err)
	})
}

type panicSink struct{}

func (panicSink) Publish(context.Context, Event) { panic("broker down") }

func TestEngineRegister(t *testing.T) {
	store := newTicketStore()
	engine := NewEngine(nil)

	require.NoError(t, engine.Register(ticketDescriptor(store)))
	assert.Error(t, engine.Register(ticketDescriptor(store)), "duplicate kind must be rejected")
	assert.Error(t, engine.Register(&Descriptor{Kind: ""}))
	assert.Error(t, engine.Register(&Descriptor{Kind: "half", Load: store.load}))
}

func TestDescriptorTable(t *testing.T) {
	d := ticketDescriptor(newTicketStore())

	assert.True(t, d.Allows("open", "claimed"))
	assert.True(t, d.Allows("claimed", "closed"))
	assert.False(t, d.Allows("closed", "open"))
	assert.False(t, d.Allows("open", "open"))

	assert.False(t, d.Terminal("open"))
	assert.True(t, d.Terminal("closed"))
}

func TestIsRace(t *testing.T) {
	assert.True(t, IsRace(ErrConflict))
	assert.True(t, IsRace(fmt.Errorf("wrapped: %w", ErrConflict)))
	assert.True(t, IsRace(NewTransitionError("ticket", "closed", "claimed")))
	assert.False(t, IsRace(ErrNotFound))
	assert.False(t, IsRace(ErrForbidden))
	assert.False(t, IsRace(nil))
}
