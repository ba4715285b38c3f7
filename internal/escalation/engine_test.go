package escalation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportrag/backend/internal/storage/models"
)

// fakeStore mirrors the storage-level assignment semantics: the team cursor
// is compared-and-bumped on assignment, and open counts track non-terminal
// assignments.
type fakeStore struct {
	escalations map[string]*models.EscalatedQuestion
	team        *models.ExpertTeam
	members     []models.ExpertTeamMember
	responses   []models.ExpertResponse

	contendFirst int // force this many TryAssign attempts to lose the race
}

func newFakeStore(team *models.ExpertTeam, members []models.ExpertTeamMember) *fakeStore {
	return &fakeStore{
		escalations: make(map[string]*models.EscalatedQuestion),
		team:        team,
		members:     members,
	}
}

func (f *fakeStore) InsertEscalation(ctx context.Context, q *models.EscalatedQuestion) error {
	cp := *q
	f.escalations[q.ID] = &cp
	return nil
}

func (f *fakeStore) GetEscalation(ctx context.Context, id string) (*models.EscalatedQuestion, error) {
	q, ok := f.escalations[id]
	if !ok {
		return nil, nil
	}
	cp := *q
	return &cp, nil
}

func (f *fakeStore) ListEscalations(ctx context.Context, tenantID string, status models.EscalationStatus, limit int) ([]models.EscalatedQuestion, error) {
	var out []models.EscalatedQuestion
	for _, q := range f.escalations {
		if q.TenantID != tenantID {
			continue
		}
		if status != "" && q.Status != status {
			continue
		}
		out = append(out, *q)
	}
	return out, nil
}

func (f *fakeStore) UpdateEscalationStatus(ctx context.Context, id string, status models.EscalationStatus, resolution string) error {
	q := f.escalations[id]
	if isTerminal(status) && !isTerminal(q.Status) && q.AssignedTo != "" {
		f.decrementOpen(q.AssignedTo)
	}
	q.Status = status
	q.Resolution = resolution
	if status == models.StatusResolved {
		now := time.Now()
		q.ResolvedAt = &now
	}
	return nil
}

func (f *fakeStore) AssignDirect(ctx context.Context, questionID, expertID string) (bool, error) {
	q := f.escalations[questionID]
	if q.Status != models.StatusPending {
		return false, nil
	}
	now := time.Now()
	q.Status = models.StatusAssigned
	q.AssignedTo = expertID
	q.AssignedAt = &now
	return true, nil
}

func (f *fakeStore) DefaultTeam(ctx context.Context, tenantID string) (*models.ExpertTeam, error) {
	if f.team == nil || f.team.TenantID != tenantID {
		return nil, nil
	}
	cp := *f.team
	return &cp, nil
}

func (f *fakeStore) ActiveMembers(ctx context.Context, teamID string) ([]models.ExpertTeamMember, error) {
	var out []models.ExpertTeamMember
	for _, m := range f.members {
		if m.TeamID == teamID && m.Active {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) TryAssign(ctx context.Context, questionID, teamID, expertID string, cursor int64) (bool, error) {
	if f.contendFirst > 0 {
		f.contendFirst--
		f.team.Cursor++
		return false, nil
	}
	if f.team.Cursor != cursor {
		return false, nil
	}
	f.team.Cursor++

	q := f.escalations[questionID]
	if q.Status != models.StatusPending {
		return false, nil
	}
	now := time.Now()
	q.Status = models.StatusAssigned
	q.TeamID = teamID
	q.AssignedTo = expertID
	q.AssignedAt = &now

	for i := range f.members {
		if f.members[i].ExpertID == expertID {
			f.members[i].LastAssignedAt = now
			f.members[i].OpenAssignments++
		}
	}
	return true, nil
}

func (f *fakeStore) InsertExpertResponse(ctx context.Context, r *models.ExpertResponse) error {
	f.responses = append(f.responses, *r)
	return nil
}

func (f *fakeStore) decrementOpen(expertID string) {
	for i := range f.members {
		if f.members[i].ExpertID == expertID {
			f.members[i].OpenAssignments--
		}
	}
}

func isTerminal(s models.EscalationStatus) bool {
	return s == models.StatusResolved || s == models.StatusClosed
}

type fakePromoter struct {
	promoted []string
	err      error
}

func (f *fakePromoter) PromoteToKB(ctx context.Context, tenantID, question, answer string) error {
	if f.err != nil {
		return f.err
	}
	f.promoted = append(f.promoted, question)
	return nil
}

func threeExpertStore() *fakeStore {
	team := &models.ExpertTeam{ID: "team-1", TenantID: "acme", Default: true}
	members := []models.ExpertTeamMember{
		{TeamID: "team-1", ExpertID: "expert-a", Active: true},
		{TeamID: "team-1", ExpertID: "expert-b", Active: true},
		{TeamID: "team-1", ExpertID: "expert-c", Active: true},
	}
	return newFakeStore(team, members)
}

func escalateRequest(i int) Request {
	return Request{
		ConversationID: fmt.Sprintf("conv-%d", i),
		TenantID:       "acme",
		Question:       fmt.Sprintf("question %d", i),
		OriginalAnswer: "uncertain answer",
		Confidence:     0.3,
	}
}

func TestEscalateCreatesAndAssigns(t *testing.T) {
	store := threeExpertStore()
	engine := NewEngine(store, nil, nil, 3)

	q, err := engine.Escalate(context.Background(), escalateRequest(1))

	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, models.StatusAssigned, q.Status)
	assert.Equal(t, "team-1", q.TeamID)
	assert.NotEmpty(t, q.AssignedTo)
	assert.NotNil(t, q.AssignedAt)

	stored := store.escalations[q.ID]
	assert.Equal(t, models.StatusAssigned, stored.Status)
}

func TestEscalateDistributesEvenly(t *testing.T) {
	store := threeExpertStore()
	engine := NewEngine(store, nil, nil, 3)

	counts := map[string]int{}
	for i := 0; i < 9; i++ {
		q, err := engine.Escalate(context.Background(), escalateRequest(i))
		require.NoError(t, err)
		require.Equal(t, models.StatusAssigned, q.Status)
		counts[q.AssignedTo]++
	}

	require.Len(t, counts, 3)
	for expert, n := range counts {
		assert.Equal(t, 3, n, "expert %s", expert)
	}
}

func TestEscalateFairnessWithResolutions(t *testing.T) {
	// An expert who resolves their questions becomes the least loaded and
	// receives the next assignment.
	store := threeExpertStore()
	engine := NewEngine(store, nil, nil, 3)

	var first *models.EscalatedQuestion
	for i := 0; i < 3; i++ {
		q, err := engine.Escalate(context.Background(), escalateRequest(i))
		require.NoError(t, err)
		if i == 0 {
			first = q
		}
	}

	require.NoError(t, engine.Respond(context.Background(), first.ID, first.AssignedTo, "done", false))

	next, err := engine.Escalate(context.Background(), escalateRequest(99))
	require.NoError(t, err)
	assert.Equal(t, first.AssignedTo, next.AssignedTo)
}

func TestEscalateSkipsInactiveMembers(t *testing.T) {
	team := &models.ExpertTeam{ID: "team-1", TenantID: "acme", Default: true}
	store := newFakeStore(team, []models.ExpertTeamMember{
		{TeamID: "team-1", ExpertID: "expert-gone", Active: false},
		{TeamID: "team-1", ExpertID: "expert-here", Active: true},
	})
	engine := NewEngine(store, nil, nil, 3)

	q, err := engine.Escalate(context.Background(), escalateRequest(1))

	require.NoError(t, err)
	assert.Equal(t, "expert-here", q.AssignedTo)
}

func TestEscalateNoTeamLeavesPending(t *testing.T) {
	store := newFakeStore(nil, nil)
	engine := NewEngine(store, nil, nil, 3)

	q, err := engine.Escalate(context.Background(), escalateRequest(1))

	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, q.Status)
	assert.Empty(t, q.AssignedTo)
}

func TestEscalateRetriesOnCursorContention(t *testing.T) {
	store := threeExpertStore()
	store.contendFirst = 2
	engine := NewEngine(store, nil, nil, 3)

	q, err := engine.Escalate(context.Background(), escalateRequest(1))

	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, q.Status)
}

func TestEscalateGivesUpAfterRetries(t *testing.T) {
	store := threeExpertStore()
	store.contendFirst = 10
	engine := NewEngine(store, nil, nil, 3)

	q, err := engine.Escalate(context.Background(), escalateRequest(1))

	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, q.Status)
}

func TestSelfAssignPending(t *testing.T) {
	store := newFakeStore(nil, nil)
	engine := NewEngine(store, nil, nil, 3)

	q, err := engine.Escalate(context.Background(), escalateRequest(1))
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, q.Status)

	assigned, err := engine.SelfAssign(context.Background(), q.ID, "expert-x")

	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, assigned.Status)
	assert.Equal(t, "expert-x", assigned.AssignedTo)
}

func TestSelfAssignAlreadyAssigned(t *testing.T) {
	store := threeExpertStore()
	engine := NewEngine(store, nil, nil, 3)

	q, err := engine.Escalate(context.Background(), escalateRequest(1))
	require.NoError(t, err)
	require.Equal(t, models.StatusAssigned, q.Status)

	_, err = engine.SelfAssign(context.Background(), q.ID, "expert-x")

	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStartRequiresAssigned(t *testing.T) {
	store := newFakeStore(nil, nil)
	engine := NewEngine(store, nil, nil, 3)

	q, err := engine.Escalate(context.Background(), escalateRequest(1))
	require.NoError(t, err)

	err = engine.Start(context.Background(), q.ID)

	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFullLifecycle(t *testing.T) {
	store := threeExpertStore()
	promoter := &fakePromoter{}
	engine := NewEngine(store, promoter, nil, 3)

	q, err := engine.Escalate(context.Background(), escalateRequest(1))
	require.NoError(t, err)

	require.NoError(t, engine.Start(context.Background(), q.ID))

	got, err := engine.Get(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, got.Status)

	require.NoError(t, engine.Respond(context.Background(), q.ID, q.AssignedTo, "the real answer", true))

	got, err = engine.Get(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, got.Status)
	assert.Equal(t, "the real answer", got.Resolution)
	assert.NotNil(t, got.ResolvedAt)

	require.Len(t, store.responses, 1)
	assert.Equal(t, "the real answer", store.responses[0].ResponseText)
	assert.True(t, store.responses[0].AddedToKB)

	assert.Equal(t, []string{"question 1"}, promoter.promoted)
}

func TestRespondWithoutKBPromotion(t *testing.T) {
	store := threeExpertStore()
	promoter := &fakePromoter{}
	engine := NewEngine(store, promoter, nil, 3)

	q, err := engine.Escalate(context.Background(), escalateRequest(1))
	require.NoError(t, err)

	require.NoError(t, engine.Respond(context.Background(), q.ID, q.AssignedTo, "answer", false))

	assert.Empty(t, promoter.promoted)
}

func TestRespondKBFailureStillResolves(t *testing.T) {
	store := threeExpertStore()
	promoter := &fakePromoter{err: fmt.Errorf("kb unavailable")}
	engine := NewEngine(store, promoter, nil, 3)

	q, err := engine.Escalate(context.Background(), escalateRequest(1))
	require.NoError(t, err)

	require.NoError(t, engine.Respond(context.Background(), q.ID, q.AssignedTo, "answer", true))

	got, err := engine.Get(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, got.Status)
}

func TestTerminalStatesReject(t *testing.T) {
	store := threeExpertStore()
	engine := NewEngine(store, nil, nil, 3)

	q, err := engine.Escalate(context.Background(), escalateRequest(1))
	require.NoError(t, err)

	require.NoError(t, engine.Respond(context.Background(), q.ID, q.AssignedTo, "answer", false))

	assert.ErrorIs(t, engine.Start(context.Background(), q.ID), ErrInvalidTransition)
	assert.ErrorIs(t, engine.Close(context.Background(), q.ID), ErrInvalidTransition)
	assert.ErrorIs(t, engine.Respond(context.Background(), q.ID, "x", "again", false), ErrInvalidTransition)

	_, err = engine.SelfAssign(context.Background(), q.ID, "x")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestClosePending(t *testing.T) {
	store := newFakeStore(nil, nil)
	engine := NewEngine(store, nil, nil, 3)

	q, err := engine.Escalate(context.Background(), escalateRequest(1))
	require.NoError(t, err)

	require.NoError(t, engine.Close(context.Background(), q.ID))

	got, err := engine.Get(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
}

func TestGetUnknownEscalation(t *testing.T) {
	engine := NewEngine(newFakeStore(nil, nil), nil, nil, 3)

	_, err := engine.Get(context.Background(), "missing")

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPickExpert(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("fewest open wins", func(t *testing.T) {
		members := []models.ExpertTeamMember{
			{ExpertID: "a", OpenAssignments: 2},
			{ExpertID: "b", OpenAssignments: 0},
			{ExpertID: "c", OpenAssignments: 1},
		}
		assert.Equal(t, "b", pickExpert(members))
	})

	t.Run("tie broken by least recently assigned", func(t *testing.T) {
		members := []models.ExpertTeamMember{
			{ExpertID: "a", OpenAssignments: 1, LastAssignedAt: base.Add(2 * time.Hour)},
			{ExpertID: "b", OpenAssignments: 1, LastAssignedAt: base},
		}
		assert.Equal(t, "b", pickExpert(members))
	})

	t.Run("full tie broken by id", func(t *testing.T) {
		members := []models.ExpertTeamMember{
			{ExpertID: "b", OpenAssignments: 1, LastAssignedAt: base},
			{ExpertID: "a", OpenAssignments: 1, LastAssignedAt: base},
		}
		assert.Equal(t, "a", pickExpert(members))
	})
}

func TestNotifierPublishesLifecycleEvents(t *testing.T) {
	store := threeExpertStore()
	notifier := NewNotifier()
	engine := NewEngine(store, nil, notifier, 3)

	events, cancel := notifier.Subscribe("acme")
	defer cancel()

	q, err := engine.Escalate(context.Background(), escalateRequest(1))
	require.NoError(t, err)

	created := <-events
	assert.Equal(t, EventCreated, created.Type)
	assert.Equal(t, q.ID, created.Escalation.ID)

	require.NoError(t, engine.Respond(context.Background(), q.ID, q.AssignedTo, "answer", false))

	// The event must carry the record as it is after the transition, not the
	// snapshot read before it.
	resolved := <-events
	assert.Equal(t, EventResolved, resolved.Type)
	assert.Equal(t, models.StatusResolved, resolved.Escalation.Status)
	assert.Equal(t, "answer", resolved.Escalation.Resolution)
	require.NotNil(t, resolved.Escalation.ResolvedAt)
}

func TestNotifierSelfAssignEventCarriesAssignedState(t *testing.T) {
	store := newFakeStore(nil, nil)
	notifier := NewNotifier()
	engine := NewEngine(store, nil, notifier, 3)

	q, err := engine.Escalate(context.Background(), escalateRequest(1))
	require.NoError(t, err)

	events, cancel := notifier.Subscribe("acme")
	defer cancel()

	_, err = engine.SelfAssign(context.Background(), q.ID, "expert-x")
	require.NoError(t, err)

	assigned := <-events
	assert.Equal(t, EventAssigned, assigned.Type)
	assert.Equal(t, models.StatusAssigned, assigned.Escalation.Status)
	assert.Equal(t, "expert-x", assigned.Escalation.AssignedTo)
}

func TestNotifierIsolatesTenants(t *testing.T) {
	notifier := NewNotifier()

	acme, cancelAcme := notifier.Subscribe("acme")
	defer cancelAcme()
	globex, cancelGlobex := notifier.Subscribe("globex")
	defer cancelGlobex()

	notifier.Publish(Event{Type: EventCreated, TenantID: "acme"})

	assert.Len(t, acme, 1)
	assert.Len(t, globex, 0)
}
