package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	clansmodels "clanforge/internal/clans/models"
	"clanforge/internal/missions/models"
	"clanforge/internal/permissions"
	"clanforge/pkg/lifecycle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMissionStore is an in-memory missionStore. The roster mutations
// reproduce the Mongo repository's conditional-update semantics so the
// service's race classification paths are exercised for real.
type fakeMissionStore struct {
	mu       sync.Mutex
	missions map[string]*models.Mission
}

func newFakeMissionStore() *fakeMissionStore {
	return &fakeMissionStore{missions: make(map[string]*models.Mission)}
}

func cloneMission(m *models.Mission) *models.Mission {
	copied := *m
	copied.Participants = append([]models.Participant(nil), m.Participants...)
	copied.History = append([]models.HistoryEntry(nil), m.History...)
	return &copied
}

func (s *fakeMissionStore) put(mission *models.Mission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missions[mission.ID] = cloneMission(mission)
}

func (s *fakeMissionStore) Insert(_ context.Context, mission *models.Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missions[mission.ID] = cloneMission(mission)
	return nil
}

func (s *fakeMissionStore) GetByID(_ context.Context, missionID string) (*models.Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mission, ok := s.missions[missionID]
	if !ok {
		return nil, fmt.Errorf("mission %s: %w", missionID, lifecycle.ErrNotFound)
	}
	return cloneMission(mission), nil
}

func (s *fakeMissionStore) Save(_ context.Context, mission *models.Mission, prior lifecycle.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.missions[mission.ID]
	if !ok || current.Status != prior {
		return fmt.Errorf("mission %s moved past %q: %w", mission.ID, prior, lifecycle.ErrConflict)
	}
	s.missions[mission.ID] = cloneMission(mission)
	return nil
}

func (s *fakeMissionStore) AppendParticipant(_ context.Context, missionID string, participant models.Participant, entry models.HistoryEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mission, ok := s.missions[missionID]
	if !ok {
		return false, nil
	}
	if mission.Status != models.StatusPending && mission.Status != models.StatusActive {
		return false, nil
	}
	if _, joined := mission.Participant(participant.UserID); joined {
		return false, nil
	}
	if mission.IsFull() {
		return false, nil
	}

	mission.Participants = append(mission.Participants, participant)
	mission.History = append(mission.History, entry)
	mission.JoinCount++
	return true, nil
}

func (s *fakeMissionStore) RemoveParticipant(_ context.Context, missionID, userID string, leftAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mission, ok := s.missions[missionID]
	if !ok {
		return false, nil
	}
	if _, joined := mission.Participant(userID); !joined {
		return false, nil
	}

	kept := mission.Participants[:0]
	for _, p := range mission.Participants {
		if p.UserID != userID {
			kept = append(kept, p)
		}
	}
	mission.Participants = kept

	for i := range mission.History {
		if mission.History[i].UserID == userID && mission.History[i].LeftAt == nil {
			at := leftAt
			mission.History[i].LeftAt = &at
		}
	}
	return true, nil
}

func (s *fakeMissionStore) SetPresence(_ context.Context, missionID, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mission, ok := s.missions[missionID]
	if !ok || mission.Status != models.StatusActive {
		return false, nil
	}
	participant, joined := mission.Participant(userID)
	if !joined {
		return false, nil
	}

	participant.IsPresent = true
	marked := at
	participant.MarkedPresentAt = &marked
	return true, nil
}

func (s *fakeMissionStore) SetPerformance(_ context.Context, missionID, userID string, metrics map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mission, ok := s.missions[missionID]
	if !ok {
		return false, nil
	}
	if mission.Status != models.StatusActive && mission.Status != models.StatusCompleted {
		return false, nil
	}
	participant, joined := mission.Participant(userID)
	if !joined {
		return false, nil
	}

	participant.Performance = metrics
	return true, nil
}

func (s *fakeMissionStore) Find(_ context.Context, filter MissionFilter) ([]*models.Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Mission
	for _, mission := range s.missions {
		if filter.ClanID != "" && mission.ClanID != filter.ClanID {
			continue
		}
		if filter.Status != "" && mission.Status != filter.Status {
			continue
		}
		if filter.Type != "" && mission.Type != filter.Type {
			continue
		}
		matched = append(matched, cloneMission(mission))
	}
	return matched, nil
}

func (s *fakeMissionStore) FindExpiryCandidates(_ context.Context, now time.Time) ([]*models.Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*models.Mission
	for _, mission := range s.missions {
		if mission.Status != models.StatusPending && mission.Status != models.StatusActive {
			continue
		}
		if mission.EndTime.Before(now) {
			candidates = append(candidates, cloneMission(mission))
		}
	}
	return candidates, nil
}

// fakeMembers serves clan lookups and member display projections.
type fakeMembers struct {
	clans   map[string]*clansmodels.Clan
	members map[string]*clansmodels.Member
}

func (d *fakeMembers) GetClan(_ context.Context, clanID string) (*clansmodels.Clan, error) {
	clan, ok := d.clans[clanID]
	if !ok {
		return nil, fmt.Errorf("clan %s: %w", clanID, lifecycle.ErrNotFound)
	}
	return clan, nil
}

func (d *fakeMembers) IsLeaderOrSubLeader(ctx context.Context, clanID, userID string) (bool, error) {
	clan, err := d.GetClan(ctx, clanID)
	if err != nil {
		return false, err
	}
	return clan.IsLeadership(userID), nil
}

func (d *fakeMembers) MemberDisplay(_ context.Context, userID string) *clansmodels.Member {
	if member, ok := d.members[userID]; ok {
		return member
	}
	return &clansmodels.Member{UserID: userID}
}

type crashingSink struct{}

func (crashingSink) Publish(context.Context, lifecycle.Event) { panic("broker down") }

type missionFixture struct {
	service *Service
	store   *fakeMissionStore
	clock   time.Time
}

var (
	leader  = lifecycle.Actor{ID: "leader-1", Username: "Leader", ClanID: "clan-1"}
	member  = lifecycle.Actor{ID: "member-1", Username: "Member", ClanID: "clan-1"}
	sysRoot = lifecycle.Actor{ID: "root", Username: "Root"}
)

func newMissionFixture(t *testing.T) *missionFixture {
	t.Helper()

	directory := &fakeMembers{
		clans: map[string]*clansmodels.Clan{
			"clan-1": {ID: "clan-1", Name: "First", Tag: "ONE", LeaderID: "leader-1"},
		},
		members: map[string]*clansmodels.Member{
			"member-1": {UserID: "member-1", Username: "Member", Role: "soldier", ClanRole: "member"},
			"medic-1":  {UserID: "medic-1", Username: "Medic", Role: "medic", ClanRole: "member"},
			"scout-1":  {UserID: "scout-1", Username: "Scout", Role: "scout", ClanRole: "member"},
		},
	}
	gate := permissions.NewGate(directory, permissions.NewStaticAdminChecker("root"))

	store := newFakeMissionStore()
	service, err := newService(store, directory, gate, lifecycle.NewEngine(nil), nil)
	require.NoError(t, err)

	f := &missionFixture{service: service, store: store, clock: time.Now()}
	service.now = func() time.Time { return f.clock }
	service.engine.SetClock(func() time.Time { return f.clock })
	return f
}

func (f *missionFixture) create(t *testing.T, mutate func(*CreateMissionRequest)) *models.Mission {
	t.Helper()

	req := CreateMissionRequest{
		ClanID:    "clan-1",
		Title:     "Border patrol",
		Type:      "mission",
		StartTime: f.clock.Add(time.Hour),
		EndTime:   f.clock.Add(3 * time.Hour),
	}
	if mutate != nil {
		mutate(&req)
	}

	mission, err := f.service.Create(context.Background(), req, leader)
	require.NoError(t, err)
	return mission
}

// activate fast-forwards past the start time and starts the mission.
func (f *missionFixture) activate(t *testing.T, missionID string) *models.Mission {
	t.Helper()

	f.clock = f.clock.Add(2 * time.Hour)
	mission, err := f.service.Activate(context.Background(), missionID, leader)
	require.NoError(t, err)
	return mission
}

func TestCreateMission(t *testing.T) {
	ctx := context.Background()

	t.Run("leader schedules a pending mission", func(t *testing.T) {
		f := newMissionFixture(t)

		mission := f.create(t, nil)
		assert.Equal(t, models.StatusPending, mission.Status)
		assert.Equal(t, models.TypeMission, mission.Type)
		assert.Equal(t, models.PriorityMedium, mission.Priority, "priority defaults to medium")
		assert.Equal(t, "leader-1", mission.CreatedBy)
		assert.Empty(t, mission.Participants)
	})

	t.Run("end before start is rejected", func(t *testing.T) {
		f := newMissionFixture(t)

		_, err := f.service.Create(ctx, CreateMissionRequest{
			ClanID:    "clan-1",
			Title:     "Backwards",
			Type:      "training",
			StartTime: f.clock.Add(2 * time.Hour),
			EndTime:   f.clock.Add(time.Hour),
		}, leader)
		assert.ErrorIs(t, err, lifecycle.ErrBadRequest)
	})

	t.Run("unknown type is rejected", func(t *testing.T) {
		f := newMissionFixture(t)

		_, err := f.service.Create(ctx, CreateMissionRequest{
			ClanID:    "clan-1",
			Title:     "Bad type",
			Type:      "raid",
			StartTime: f.clock.Add(time.Hour),
			EndTime:   f.clock.Add(2 * time.Hour),
		}, leader)
		assert.ErrorIs(t, err, lifecycle.ErrBadRequest)
	})

	t.Run("regular member cannot schedule", func(t *testing.T) {
		f := newMissionFixture(t)

		_, err := f.service.Create(ctx, CreateMissionRequest{
			ClanID:    "clan-1",
			Title:     "Unauthorized",
			Type:      "mission",
			StartTime: f.clock.Add(time.Hour),
			EndTime:   f.clock.Add(2 * time.Hour),
		}, member)
		assert.ErrorIs(t, err, lifecycle.ErrForbidden)
	})

	t.Run("panicking sink does not fail creation", func(t *testing.T) {
		f := newMissionFixture(t)
		f.service.sink = crashingSink{}

		mission := f.create(t, nil)
		assert.Equal(t, models.StatusPending, mission.Status)
	})

	t.Run("admin may schedule for any clan", func(t *testing.T) {
		f := newMissionFixture(t)

		_, err := f.service.Create(ctx, CreateMissionRequest{
			ClanID:    "clan-1",
			Title:     "Admin scheduled",
			Type:      "event",
			StartTime: f.clock.Add(time.Hour),
			EndTime:   f.clock.Add(2 * time.Hour),
		}, sysRoot)
		assert.NoError(t, err)
	})
}

func TestActivateMission(t *testing.T) {
	ctx := context.Background()

	t.Run("activation before the window opens is refused", func(t *testing.T) {
		f := newMissionFixture(t)
		mission := f.create(t, nil)

		_, err := f.service.Activate(ctx, mission.ID, leader)
		assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
	})

	t.Run("activation inside the window succeeds", func(t *testing.T) {
		f := newMissionFixture(t)
		mission := f.create(t, nil)

		active := f.activate(t, mission.ID)
		assert.Equal(t, models.StatusActive, active.Status)
	})

	t.Run("creator may activate without leadership", func(t *testing.T) {
		f := newMissionFixture(t)
		mission := f.create(t, nil)

		stored, err := f.store.GetByID(ctx, mission.ID)
		require.NoError(t, err)
		stored.CreatedBy = "member-1"
		f.store.put(stored)

		f.clock = f.clock.Add(2 * time.Hour)
		_, err = f.service.Activate(ctx, mission.ID, member)
		assert.NoError(t, err)
	})

	t.Run("outsider cannot activate", func(t *testing.T) {
		f := newMissionFixture(t)
		mission := f.create(t, nil)

		f.clock = f.clock.Add(2 * time.Hour)
		_, err := f.service.Activate(ctx, mission.ID, lifecycle.Actor{ID: "stranger"})
		assert.ErrorIs(t, err, lifecycle.ErrForbidden)
	})
}

func TestMissionRoster(t *testing.T) {
	ctx := context.Background()

	t.Run("join and leave with history trail", func(t *testing.T) {
		f := newMissionFixture(t)
		mission := f.create(t, nil)

		joined, err := f.service.Join(ctx, mission.ID, "member-1")
		require.NoError(t, err)
		require.Len(t, joined.Participants, 1)
		assert.Equal(t, "Member", joined.Participants[0].Username)
		assert.Equal(t, 1, joined.JoinCount)
		require.Len(t, joined.History, 1)
		assert.Nil(t, joined.History[0].LeftAt)

		left, err := f.service.Leave(ctx, mission.ID, "member-1")
		require.NoError(t, err)
		assert.Empty(t, left.Participants)
		require.Len(t, left.History, 1)
		require.NotNil(t, left.History[0].LeftAt)

		// Re-joining opens a second cycle; the first stays closed.
		rejoined, err := f.service.Join(ctx, mission.ID, "member-1")
		require.NoError(t, err)
		assert.Equal(t, 2, rejoined.JoinCount)
		require.Len(t, rejoined.History, 2)
		assert.NotNil(t, rejoined.History[0].LeftAt)
		assert.Nil(t, rejoined.History[1].LeftAt)
	})

	t.Run("double join conflicts", func(t *testing.T) {
		f := newMissionFixture(t)
		mission := f.create(t, nil)

		_, err := f.service.Join(ctx, mission.ID, "member-1")
		require.NoError(t, err)

		_, err = f.service.Join(ctx, mission.ID, "member-1")
		assert.ErrorIs(t, err, ErrAlreadyMember)
		assert.ErrorIs(t, err, lifecycle.ErrConflict)
	})

	t.Run("capacity bound is enforced", func(t *testing.T) {
		f := newMissionFixture(t)
		one := 1
		mission := f.create(t, func(req *CreateMissionRequest) {
			req.MaxParticipants = &one
		})

		_, err := f.service.Join(ctx, mission.ID, "member-1")
		require.NoError(t, err)

		_, err = f.service.Join(ctx, mission.ID, "medic-1")
		assert.ErrorIs(t, err, ErrFull)
		assert.ErrorIs(t, err, lifecycle.ErrConflict)
	})

	t.Run("required roles gate the roster", func(t *testing.T) {
		f := newMissionFixture(t)
		mission := f.create(t, func(req *CreateMissionRequest) {
			req.RequiredRoles = []string{"medic", "scout"}
		})

		_, err := f.service.Join(ctx, mission.ID, "member-1")
		assert.ErrorIs(t, err, ErrRoleNotAllowed)

		_, err = f.service.Join(ctx, mission.ID, "medic-1")
		assert.NoError(t, err)
	})

	t.Run("terminal mission takes no joins", func(t *testing.T) {
		f := newMissionFixture(t)
		mission := f.create(t, nil)

		_, err := f.service.Cancel(ctx, mission.ID, leader)
		require.NoError(t, err)

		_, err = f.service.Join(ctx, mission.ID, "member-1")
		assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
	})

	t.Run("concurrent joins never exceed capacity", func(t *testing.T) {
		f := newMissionFixture(t)
		two := 2
		mission := f.create(t, func(req *CreateMissionRequest) {
			req.MaxParticipants = &two
		})

		const joiners = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		var failures []error
		successes := 0

		for i := 0; i < joiners; i++ {
			wg.Add(1)
			go func(userID string) {
				defer wg.Done()
				_, err := f.service.Join(ctx, mission.ID, userID)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failures = append(failures, err)
					return
				}
				successes++
			}(fmt.Sprintf("racer-%d", i))
		}
		wg.Wait()

		assert.Equal(t, two, successes, "exactly the capacity bound may join")
		require.Len(t, failures, joiners-two)
		for _, err := range failures {
			assert.ErrorIs(t, err, lifecycle.ErrConflict)
		}

		after, err := f.service.Get(ctx, mission.ID)
		require.NoError(t, err)
		assert.Len(t, after.Participants, two)
		assert.Equal(t, two, after.JoinCount)
	})

	t.Run("leaving without joining", func(t *testing.T) {
		f := newMissionFixture(t)
		mission := f.create(t, nil)

		_, err := f.service.Leave(ctx, mission.ID, "member-1")
		assert.ErrorIs(t, err, ErrNotMember)
	})
}

func TestMarkPresent(t *testing.T) {
	ctx := context.Background()

	t.Run("participant of an active mission", func(t *testing.T) {
		f := newMissionFixture(t)
		mission := f.create(t, nil)
		_, err := f.service.Join(ctx, mission.ID, "member-1")
		require.NoError(t, err)
		f.activate(t, mission.ID)

		marked, err := f.service.MarkPresent(ctx, mission.ID, "member-1")
		require.NoError(t, err)

		participant, ok := marked.Participant("member-1")
		require.True(t, ok)
		assert.True(t, participant.IsPresent)
		require.NotNil(t, participant.MarkedPresentAt)
	})

	t.Run("pending mission refuses attendance", func(t *testing.T) {
		f := newMissionFixture(t)
		mission := f.create(t, nil)
		_, err := f.service.Join(ctx, mission.ID, "member-1")
		require.NoError(t, err)

		_, err = f.service.MarkPresent(ctx, mission.ID, "member-1")
		assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
	})

	t.Run("non-member cannot be marked", func(t *testing.T) {
		f := newMissionFixture(t)
		mission := f.create(t, nil)
		f.activate(t, mission.ID)

		_, err := f.service.MarkPresent(ctx, mission.ID, "member-1")
		assert.ErrorIs(t, err, ErrNotMember)
	})
}

func TestRecordPerformance(t *testing.T) {
	ctx := context.Background()

	f := newMissionFixture(t)
	mission := f.create(t, nil)
	_, err := f.service.Join(ctx, mission.ID, "member-1")
	require.NoError(t, err)
	f.activate(t, mission.ID)

	_, err = f.service.RecordPerformance(ctx, mission.ID, "member-1", nil)
	assert.ErrorIs(t, err, lifecycle.ErrBadRequest)

	updated, err := f.service.RecordPerformance(ctx, mission.ID, "member-1", map[string]any{"kills": 7})
	require.NoError(t, err)
	participant, ok := updated.Participant("member-1")
	require.True(t, ok)
	assert.Equal(t, 7, participant.Performance["kills"])

	// Annotations remain writable after completion.
	_, err = f.service.Complete(ctx, mission.ID, leader, CompleteMissionRequest{Success: true})
	require.NoError(t, err)
	_, err = f.service.RecordPerformance(ctx, mission.ID, "member-1", map[string]any{"kills": 9})
	assert.NoError(t, err)
}

func TestCompleteMission(t *testing.T) {
	ctx := context.Background()

	t.Run("completion attaches the result", func(t *testing.T) {
		f := newMissionFixture(t)
		mission := f.create(t, nil)
		f.activate(t, mission.ID)

		done, err := f.service.Complete(ctx, mission.ID, leader, CompleteMissionRequest{
			Success: true,
			Notes:   "objective secured",
			Metrics: map[string]float64{"duration_min": 42},
		})
		require.NoError(t, err)

		assert.Equal(t, models.StatusCompleted, done.Status)
		require.NotNil(t, done.Result)
		assert.True(t, done.Result.Success)
		assert.Equal(t, "leader-1", done.Result.CompletedBy)
		assert.Equal(t, f.clock, done.Result.CompletedAt)
	})

	t.Run("pending mission cannot complete", func(t *testing.T) {
		f := newMissionFixture(t)
		mission := f.create(t, nil)

		_, err := f.service.Complete(ctx, mission.ID, leader, CompleteMissionRequest{Success: false})
		assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
	})
}

func TestUpdateSchedule(t *testing.T) {
	ctx := context.Background()

	t.Run("pending window can move", func(t *testing.T) {
		f := newMissionFixture(t)
		mission := f.create(t, nil)

		start := f.clock.Add(4 * time.Hour)
		end := f.clock.Add(6 * time.Hour)
		updated, err := f.service.UpdateSchedule(ctx, mission.ID, leader, start, end)
		require.NoError(t, err)
		assert.Equal(t, start, updated.StartTime)
		assert.Equal(t, end, updated.EndTime)
	})

	t.Run("active window is immutable", func(t *testing.T) {
		f := newMissionFixture(t)
		mission := f.create(t, nil)
		f.activate(t, mission.ID)

		_, err := f.service.UpdateSchedule(ctx, mission.ID, leader, f.clock, f.clock.Add(time.Hour))
		assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
	})

	t.Run("inverted window is rejected", func(t *testing.T) {
		f := newMissionFixture(t)
		mission := f.create(t, nil)

		_, err := f.service.UpdateSchedule(ctx, mission.ID, leader, f.clock.Add(time.Hour), f.clock.Add(time.Hour))
		assert.ErrorIs(t, err, lifecycle.ErrBadRequest)
	})
}

func TestExpireOverdueMissions(t *testing.T) {
	ctx := context.Background()

	t.Run("overdue missions expire", func(t *testing.T) {
		f := newMissionFixture(t)
		mission := f.create(t, nil)

		f.clock = f.clock.Add(4 * time.Hour)
		expired, skipped, err := f.service.ExpireOverdue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, expired)
		assert.Zero(t, skipped)

		after, err := f.service.Get(ctx, mission.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusExpired, after.Status)
	})

	t.Run("missions still inside their window survive", func(t *testing.T) {
		f := newMissionFixture(t)
		f.create(t, nil)

		expired, skipped, err := f.service.ExpireOverdue(ctx)
		require.NoError(t, err)
		assert.Zero(t, expired)
		assert.Zero(t, skipped)
	})

	t.Run("only the sweeper or an admin may force expiry", func(t *testing.T) {
		f := newMissionFixture(t)
		mission := f.create(t, nil)
		f.clock = f.clock.Add(4 * time.Hour)

		_, err := f.service.engine.Transition(ctx, models.Kind, mission.ID, models.StatusExpired, leader, nil)
		assert.ErrorIs(t, err, lifecycle.ErrForbidden)

		_, err = f.service.engine.Transition(ctx, models.Kind, mission.ID, models.StatusExpired, sysRoot, nil)
		assert.NoError(t, err)
	})
}

func TestManagePolicyOverride(t *testing.T) {
	ctx := context.Background()

	f := newMissionFixture(t)
	mission := f.create(t, nil)

	// A stricter deployment policy: only administrators manage missions.
	f.service.SetManagePolicy(func(ctx context.Context, _ *models.Mission, actor lifecycle.Actor) error {
		isAdmin, err := permissions.NewGate(nil, permissions.NewStaticAdminChecker("root")).IsAdmin(ctx, actor)
		if err != nil {
			return err
		}
		if !isAdmin {
			return fmt.Errorf("admins only: %w", lifecycle.ErrForbidden)
		}
		return nil
	})

	f.clock = f.clock.Add(2 * time.Hour)
	_, err := f.service.Activate(ctx, mission.ID, leader)
	assert.ErrorIs(t, err, lifecycle.ErrForbidden)

	_, err = f.service.Activate(ctx, mission.ID, sysRoot)
	assert.NoError(t, err)
}
