package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/remedyd/internal/incident"
)

func newTestMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	return NewMemoryStore(7*24*time.Hour, time.Hour, nil)
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, "inc-1", Fields{
		"title":   "checkout latency spike",
		"service": "checkout",
		"urgency": incident.UrgencyHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, "inc-1", rec.IncidentID)
	assert.Equal(t, incident.StageTriggered, rec.CurrentStage)
	assert.Equal(t, "checkout latency spike", rec.Title)
	assert.Empty(t, rec.StageHistory)
	assert.False(t, rec.CreatedAt.IsZero())

	got, err := s.Get(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, rec.IncidentID, got.IncidentID)
	assert.Equal(t, rec.Title, got.Title)
}

func TestMemoryStore_CreateIdempotent(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	first, err := s.Create(ctx, "inc-1", Fields{"title": "original"})
	require.NoError(t, err)

	// Second create for the same id must not reset the record.
	second, err := s.Create(ctx, "inc-1", Fields{"title": "duplicate"})
	require.NoError(t, err)
	assert.Equal(t, "original", second.Title)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := newTestMemoryStore(t)

	_, err := s.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, incident.IsNotFound(err))
}

func TestMemoryStore_UpdateShallowMerge(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "inc-1", Fields{
		"title":   "db connection pool exhausted",
		"service": "orders",
	})
	require.NoError(t, err)

	rec, err := s.Update(ctx, "inc-1", Fields{
		"hypothesis": &incident.Hypothesis{Text: "pool too small", Confidence: 92},
	})
	require.NoError(t, err)

	// Untouched fields survive the patch.
	assert.Equal(t, "db connection pool exhausted", rec.Title)
	assert.Equal(t, "orders", rec.Service)
	require.NotNil(t, rec.Hypothesis)
	assert.Equal(t, "pool too small", rec.Hypothesis.Text)
}

func TestMemoryStore_UpdateIgnoresReservedFields(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "inc-1", nil)
	require.NoError(t, err)

	rec, err := s.Update(ctx, "inc-1", Fields{
		"incident_id":   "hijacked",
		"current_stage": string(incident.StageResolved),
		"created_at":    "1999-01-01T00:00:00Z",
		"title":         "kept",
	})
	require.NoError(t, err)
	assert.Equal(t, "inc-1", rec.IncidentID)
	assert.Equal(t, incident.StageTriggered, rec.CurrentStage)
	assert.Equal(t, created.CreatedAt, rec.CreatedAt)
	assert.Equal(t, "kept", rec.Title)
}

func TestMemoryStore_RequiresApprovalMonotonic(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "inc-1", nil)
	require.NoError(t, err)

	rec, err := s.Update(ctx, "inc-1", Fields{"requires_approval": true})
	require.NoError(t, err)
	assert.True(t, rec.RequiresApproval)

	// Once set, a later patch cannot clear it.
	rec, err = s.Update(ctx, "inc-1", Fields{"requires_approval": false})
	require.NoError(t, err)
	assert.True(t, rec.RequiresApproval)
}

func TestMemoryStore_TransitionAppendsHistory(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "inc-1", nil)
	require.NoError(t, err)

	rec, err := s.Transition(ctx, "inc-1", incident.StageInvestigating, nil)
	require.NoError(t, err)
	assert.Equal(t, incident.StageInvestigating, rec.CurrentStage)
	require.Len(t, rec.StageHistory, 1)
	assert.Equal(t, incident.StageTriggered, rec.StageHistory[0].From)
	assert.Equal(t, incident.StageInvestigating, rec.StageHistory[0].To)

	rec, err = s.Transition(ctx, "inc-1", incident.StageHypothesisReceived, Fields{
		"hypothesis": &incident.Hypothesis{Text: "oom loop", Confidence: 88},
	})
	require.NoError(t, err)
	assert.Equal(t, incident.StageHypothesisReceived, rec.CurrentStage)
	require.Len(t, rec.StageHistory, 2)
	require.NotNil(t, rec.Hypothesis)
}

func TestMemoryStore_TransitionRejectsIllegalEdge(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "inc-1", nil)
	require.NoError(t, err)

	_, err = s.Transition(ctx, "inc-1", incident.StageExecuting, nil)
	require.Error(t, err)
	var te *incident.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, incident.StageTriggered, te.From)
	assert.Equal(t, incident.StageExecuting, te.To)

	// Record must be untouched by the failed transition.
	rec, err := s.Get(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, incident.StageTriggered, rec.CurrentStage)
	assert.Empty(t, rec.StageHistory)
}

func TestMemoryStore_TransitionEscalateFromAnywhere(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "inc-1", nil)
	require.NoError(t, err)

	rec, err := s.Transition(ctx, "inc-1", incident.StageEscalated, Fields{
		"error_stage": string(incident.StageTriggered),
		"error":       "investigator unreachable",
	})
	require.NoError(t, err)
	assert.Equal(t, incident.StageEscalated, rec.CurrentStage)
	assert.Equal(t, "investigator unreachable", rec.Error)

	// Terminal stages accept no further transitions.
	_, err = s.Transition(ctx, "inc-1", incident.StageInvestigating, nil)
	require.Error(t, err)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	s := NewMemoryStore(time.Minute, time.Minute, nil)
	ctx := context.Background()

	base := time.Now()
	timeNow = func() time.Time { return base }
	defer func() { timeNow = time.Now }()

	_, err := s.Create(ctx, "inc-1", nil)
	require.NoError(t, err)

	timeNow = func() time.Time { return base.Add(30 * time.Second) }
	_, err = s.Get(ctx, "inc-1")
	require.NoError(t, err)

	timeNow = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = s.Get(ctx, "inc-1")
	require.Error(t, err)
	assert.True(t, incident.IsNotFound(err))
}

func TestMemoryStore_UpdateRefreshesTTL(t *testing.T) {
	s := NewMemoryStore(time.Minute, time.Minute, nil)
	ctx := context.Background()

	base := time.Now()
	timeNow = func() time.Time { return base }
	defer func() { timeNow = time.Now }()

	_, err := s.Create(ctx, "inc-1", nil)
	require.NoError(t, err)

	timeNow = func() time.Time { return base.Add(45 * time.Second) }
	_, err = s.Update(ctx, "inc-1", Fields{"title": "still hot"})
	require.NoError(t, err)

	// Past the original deadline but inside the refreshed one.
	timeNow = func() time.Time { return base.Add(90 * time.Second) }
	_, err = s.Get(ctx, "inc-1")
	require.NoError(t, err)
}

func TestMemoryStore_ListActive(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "inc-a", nil)
	require.NoError(t, err)
	_, err = s.Create(ctx, "inc-b", nil)
	require.NoError(t, err)
	_, err = s.Transition(ctx, "inc-b", incident.StageEscalated, nil)
	require.NoError(t, err)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "inc-a", active[0].IncidentID)
}

func TestMemoryStore_ListByStage(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "inc-a", nil)
	require.NoError(t, err)
	_, err = s.Create(ctx, "inc-b", nil)
	require.NoError(t, err)
	_, err = s.Transition(ctx, "inc-b", incident.StageEscalated, nil)
	require.NoError(t, err)

	escalated, err := s.ListByStage(ctx, incident.StageEscalated)
	require.NoError(t, err)
	require.Len(t, escalated, 1)
	assert.Equal(t, "inc-b", escalated[0].IncidentID)

	resolved, err := s.ListByStage(ctx, incident.StageResolved)
	require.NoError(t, err)
	assert.Empty(t, resolved)
}

func TestMemoryStore_PendingApprovalLifecycle(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	snap := &incident.ApprovalSnapshot{
		IncidentID:  "inc-1",
		Title:       "restart payment workers",
		Code:        "kubectl rollout restart deploy/payments",
		Risk:        incident.RiskMedium,
		Reason:      "hypothesis confidence 82 below threshold 90",
		RequestedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SetPendingApproval(ctx, snap))

	// Only one in flight per incident.
	err := s.SetPendingApproval(ctx, snap)
	require.ErrorIs(t, err, incident.ErrApprovalExists)

	got, err := s.GetPendingApproval(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, snap.Code, got.Code)
	assert.Equal(t, snap.Reason, got.Reason)

	require.NoError(t, s.ClearPendingApproval(ctx, "inc-1"))
	_, err = s.GetPendingApproval(ctx, "inc-1")
	assert.True(t, incident.IsNotFound(err))

	// Clearing again is a no-op.
	require.NoError(t, s.ClearPendingApproval(ctx, "inc-1"))
}

func TestMemoryStore_TakePendingApproval(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	snap := &incident.ApprovalSnapshot{
		IncidentID:  "inc-1",
		Code:        "kubectl rollout restart deploy/payments",
		RequestedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SetPendingApproval(ctx, snap))

	got, err := s.TakePendingApproval(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, snap.Code, got.Code)

	// The take consumed the slot; a second consumer loses.
	_, err = s.TakePendingApproval(ctx, "inc-1")
	assert.True(t, incident.IsNotFound(err))
	_, err = s.GetPendingApproval(ctx, "inc-1")
	assert.True(t, incident.IsNotFound(err))
}

func TestMemoryStore_ApprovalTTLExpiry(t *testing.T) {
	s := NewMemoryStore(time.Hour, time.Minute, nil)
	ctx := context.Background()

	base := time.Now()
	timeNow = func() time.Time { return base }
	defer func() { timeNow = time.Now }()

	snap := &incident.ApprovalSnapshot{IncidentID: "inc-1", Code: "noop", RequestedAt: base}
	require.NoError(t, s.SetPendingApproval(ctx, snap))

	timeNow = func() time.Time { return base.Add(2 * time.Minute) }
	_, err := s.GetPendingApproval(ctx, "inc-1")
	assert.True(t, incident.IsNotFound(err))

	// Expired slot frees up for a new request.
	require.NoError(t, s.SetPendingApproval(ctx, snap))
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "inc-1", Fields{"title": "original"})
	require.NoError(t, err)

	rec, err := s.Get(ctx, "inc-1")
	require.NoError(t, err)
	rec.Title = "mutated by caller"

	again, err := s.Get(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, "original", again.Title)
}
