package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/remedyd/internal/incident"
	"github.com/fyrsmithlabs/remedyd/internal/store"
)

// fakePrompter records prompts and optionally fails delivery.
type fakePrompter struct {
	prompts []*incident.ApprovalSnapshot
	handle  string
	err     error
}

func (f *fakePrompter) NotifyApproval(_ context.Context, snap *incident.ApprovalSnapshot) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.prompts = append(f.prompts, snap)
	return f.handle, nil
}

// fakeResumer records orchestrator callbacks.
type fakeResumer struct {
	mu        sync.Mutex
	executed  []string
	escalated []string
}

func (f *fakeResumer) ExecuteRemediation(_ context.Context, id string) (*incident.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, id)
	return &incident.Record{IncidentID: id, CurrentStage: incident.StageExecuting}, nil
}

func (f *fakeResumer) Escalate(_ context.Context, id, errorStage, reason string) (*incident.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalated = append(f.escalated, id+":"+errorStage)
	return &incident.Record{IncidentID: id, CurrentStage: incident.StageEscalated}, nil
}

func setup(t *testing.T) (*Gateway, store.Store, *fakePrompter, *fakeResumer) {
	t.Helper()

	st := store.NewMemoryStore(time.Hour, time.Hour, nil)
	prompter := &fakePrompter{handle: "msg-1"}
	g, err := NewGateway(st, prompter, nil)
	require.NoError(t, err)

	resumer := &fakeResumer{}
	g.Bind(resumer, resumer)
	return g, st, prompter, resumer
}

// seedAwaiting drives a record to SYNTHESIZING with a stored remediation.
func seedAwaiting(t *testing.T, st store.Store) *incident.Record {
	t.Helper()
	ctx := context.Background()

	_, err := st.Create(ctx, "inc-1", store.Fields{"title": "api down", "service": "api"})
	require.NoError(t, err)
	for _, stage := range []incident.Stage{
		incident.StageInvestigating,
		incident.StageHypothesisReceived,
		incident.StageContextRetrieved,
		incident.StageSynthesizing,
	} {
		_, err = st.Transition(ctx, "inc-1", stage, nil)
		require.NoError(t, err)
	}
	rec, err := st.Update(ctx, "inc-1", store.Fields{
		"hypothesis":  &incident.Hypothesis{Text: "bad deploy", Confidence: 80},
		"remediation": &incident.Remediation{Code: "kubectl rollout undo deploy/api", Risk: incident.RiskMedium, Confidence: 75},
	})
	require.NoError(t, err)
	return rec
}

func TestRequestApproval(t *testing.T) {
	g, st, prompter, _ := setup(t)
	ctx := context.Background()
	rec := seedAwaiting(t, st)

	require.NoError(t, g.RequestApproval(ctx, rec, "risk assessed HIGH"))

	// Prompt delivered with the snapshot contents.
	require.Len(t, prompter.prompts, 1)
	assert.Equal(t, "kubectl rollout undo deploy/api", prompter.prompts[0].Code)
	assert.Equal(t, "bad deploy", prompter.prompts[0].Hypothesis)
	assert.Equal(t, "risk assessed HIGH", prompter.prompts[0].Reason)

	// Pending record stored.
	snap, err := st.GetPendingApproval(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, incident.RiskMedium, snap.Risk)

	// Incident marked and staged.
	got, err := st.Get(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, incident.StageAwaitingApproval, got.CurrentStage)
	assert.True(t, got.PendingApproval)
	require.NotNil(t, got.ApprovalAsked)
}

func TestRequestApproval_OneInFlight(t *testing.T) {
	g, st, _, _ := setup(t)
	ctx := context.Background()
	rec := seedAwaiting(t, st)

	require.NoError(t, g.RequestApproval(ctx, rec, "first"))
	err := g.RequestApproval(ctx, rec, "second")
	require.ErrorIs(t, err, incident.ErrApprovalExists)
}

func TestRequestApproval_PromptFailureFreesSlot(t *testing.T) {
	g, st, prompter, _ := setup(t)
	ctx := context.Background()
	rec := seedAwaiting(t, st)

	prompter.err = errors.New("webhook 502")
	require.Error(t, g.RequestApproval(ctx, rec, "reason"))

	// The slot is free again and the incident never moved.
	_, err := st.GetPendingApproval(ctx, "inc-1")
	assert.True(t, incident.IsNotFound(err))
	got, err := st.Get(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, incident.StageSynthesizing, got.CurrentStage)

	prompter.err = nil
	require.NoError(t, g.RequestApproval(ctx, rec, "retry"))
}

func TestRequestApproval_TransitionFailureFreesSlot(t *testing.T) {
	g, st, prompter, _ := setup(t)
	ctx := context.Background()

	// A freshly triggered incident cannot move to AWAITING_APPROVAL, so the
	// transition fails after the prompt already went out.
	_, err := st.Create(ctx, "inc-2", store.Fields{"title": "api down", "service": "api"})
	require.NoError(t, err)
	rec, err := st.Update(ctx, "inc-2", store.Fields{
		"remediation": &incident.Remediation{Code: "systemctl restart api", Risk: incident.RiskLow},
	})
	require.NoError(t, err)

	require.Error(t, g.RequestApproval(ctx, rec, "reason"))
	require.Len(t, prompter.prompts, 1)

	// The slot did not stay occupied.
	_, err = st.GetPendingApproval(ctx, "inc-2")
	assert.True(t, incident.IsNotFound(err))
}

func TestRequestApproval_RequiresRemediation(t *testing.T) {
	g, _, _, _ := setup(t)

	err := g.RequestApproval(context.Background(), &incident.Record{IncidentID: "inc-1"}, "r")
	assert.True(t, incident.IsValidation(err))
}

func TestResolveApproval_Approve(t *testing.T) {
	g, st, _, resumer := setup(t)
	ctx := context.Background()
	rec := seedAwaiting(t, st)
	require.NoError(t, g.RequestApproval(ctx, rec, "reason"))

	base := time.Now()
	timeNow = func() time.Time { return base }
	defer func() { timeNow = time.Now }()

	_, err := g.ResolveApproval(ctx, "inc-1", true, "oncall@example.com")
	require.NoError(t, err)

	// Execution resumed exactly once.
	assert.Equal(t, []string{"inc-1"}, resumer.executed)
	assert.Empty(t, resumer.escalated)

	// Audit fields recorded and the slot cleared.
	got, err := st.Get(ctx, "inc-1")
	require.NoError(t, err)
	assert.True(t, got.HumanApproved)
	assert.Equal(t, "oncall@example.com", got.ApprovedBy)
	require.NotNil(t, got.ApprovedAt)
	assert.False(t, got.PendingApproval)

	_, err = st.GetPendingApproval(ctx, "inc-1")
	assert.True(t, incident.IsNotFound(err))
}

func TestResolveApproval_Reject(t *testing.T) {
	g, st, _, resumer := setup(t)
	ctx := context.Background()
	rec := seedAwaiting(t, st)
	require.NoError(t, g.RequestApproval(ctx, rec, "reason"))

	_, err := g.ResolveApproval(ctx, "inc-1", false, "oncall@example.com")
	require.NoError(t, err)

	assert.Empty(t, resumer.executed)
	assert.Equal(t, []string{"inc-1:approval"}, resumer.escalated)

	got, err := st.Get(ctx, "inc-1")
	require.NoError(t, err)
	assert.True(t, got.HumanRejected)
	assert.Equal(t, "oncall@example.com", got.RejectedBy)
	require.NotNil(t, got.RejectedAt)
}

func TestResolveApproval_NoPending(t *testing.T) {
	g, st, _, _ := setup(t)
	seedAwaiting(t, st)

	_, err := g.ResolveApproval(context.Background(), "inc-1", true, "oncall")
	assert.True(t, incident.IsNotFound(err))
}

func TestResolveApproval_ResolvedTwice(t *testing.T) {
	g, st, _, resumer := setup(t)
	ctx := context.Background()
	rec := seedAwaiting(t, st)
	require.NoError(t, g.RequestApproval(ctx, rec, "reason"))

	_, err := g.ResolveApproval(ctx, "inc-1", true, "a")
	require.NoError(t, err)

	// A second decision finds no pending approval.
	_, err = g.ResolveApproval(ctx, "inc-1", true, "b")
	assert.True(t, incident.IsNotFound(err))
	assert.Len(t, resumer.executed, 1)
}

func TestResolveApproval_ConcurrentDecisionsExecuteOnce(t *testing.T) {
	g, st, _, resumer := setup(t)
	ctx := context.Background()
	rec := seedAwaiting(t, st)
	require.NoError(t, g.RequestApproval(ctx, rec, "reason"))

	// Several resolvers race for the same approval; the atomic take lets
	// exactly one through.
	const resolvers = 4
	errs := make([]error, resolvers)
	var wg sync.WaitGroup
	for i := 0; i < resolvers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.ResolveApproval(ctx, "inc-1", true, "oncall@example.com")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.True(t, incident.IsNotFound(err))
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, []string{"inc-1"}, resumer.executed)
}

func TestResolveApproval_RequiresApprover(t *testing.T) {
	g, _, _, _ := setup(t)

	_, err := g.ResolveApproval(context.Background(), "inc-1", true, "")
	assert.True(t, incident.IsValidation(err))
}
