package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/incident"
	"github.com/fyrsmithlabs/remedyd/internal/notify"
	"github.com/fyrsmithlabs/remedyd/internal/store"
)

type fakeContexts struct {
	set *incident.ContextSet
	err error
}

func (f *fakeContexts) Retrieve(_ context.Context, _ *incident.Record) (*incident.ContextSet, error) {
	return f.set, f.err
}

type fakeReasoning struct {
	rem *incident.Remediation
	err error
}

func (f *fakeReasoning) Synthesize(_ context.Context, _ *incident.Record) (*incident.Remediation, error) {
	return f.rem, f.err
}

type fakeExecutor struct {
	result *incident.ExecutionResult
	err    error
	calls  int
}

func (f *fakeExecutor) Execute(_ context.Context, _ *incident.Remediation) (*incident.ExecutionResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeHealth struct {
	healthy bool
	err     error
}

func (f *fakeHealth) Healthy(_ context.Context, _ string) (bool, error) {
	return f.healthy, f.err
}

type fakeVerifier struct {
	result *incident.VerificationResult
	err    error
}

func (f *fakeVerifier) Verify(_ context.Context, _ string) (*incident.VerificationResult, error) {
	return f.result, f.err
}

// fakeApprovals mimics the gateway: it stores the pending approval and
// moves the incident to AWAITING_APPROVAL.
type fakeApprovals struct {
	st      store.Store
	reasons []string
	err     error
}

func (f *fakeApprovals) RequestApproval(ctx context.Context, rec *incident.Record, reason string) error {
	if f.err != nil {
		return f.err
	}
	f.reasons = append(f.reasons, reason)
	if err := f.st.SetPendingApproval(ctx, &incident.ApprovalSnapshot{
		IncidentID:  rec.IncidentID,
		Code:        rec.Remediation.Code,
		RequestedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	_, err := f.st.Transition(ctx, rec.IncidentID, incident.StageAwaitingApproval, store.Fields{
		"pending_approval": true,
	})
	return err
}

type fakeSink struct {
	resolutions []string
	events      []notify.Event
}

func (f *fakeSink) NotifyResolution(_ context.Context, rec *incident.Record) {
	f.resolutions = append(f.resolutions, rec.IncidentID)
}

func (f *fakeSink) PublishEvent(_ context.Context, ev notify.Event) {
	f.events = append(f.events, ev)
}

// harness bundles the orchestrator with its mocks for one test.
type harness struct {
	orch      *Orchestrator
	st        store.Store
	contexts  *fakeContexts
	reasoning *fakeReasoning
	executor  *fakeExecutor
	health    *fakeHealth
	verifier  *fakeVerifier
	approvals *fakeApprovals
	sink      *fakeSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st := store.NewMemoryStore(time.Hour, time.Hour, nil)
	h := &harness{
		st: st,
		contexts: &fakeContexts{set: &incident.ContextSet{
			Results: []incident.ContextResult{
				{Title: "runbook", Content: "restart the service", Score: 0.92},
			},
			MaxScore: 0.92,
		}},
		reasoning: &fakeReasoning{rem: &incident.Remediation{
			Code:       "systemctl restart api",
			Language:   "bash",
			Risk:       incident.RiskLow,
			Confidence: 88,
		}},
		executor:  &fakeExecutor{result: &incident.ExecutionResult{ExitCode: 0, Stdout: "ok"}},
		health:    &fakeHealth{healthy: false},
		verifier:  &fakeVerifier{result: &incident.VerificationResult{Success: true, Summary: map[string]string{"http": "ok"}}},
		approvals: &fakeApprovals{st: st},
		sink:      &fakeSink{},
	}

	cfg := &config.Config{
		Confidence: config.ConfidenceConfig{HypothesisThreshold: 90, ContextThreshold: 85},
		EdgeCase:   config.EdgeCaseConfig{LowConfidenceThreshold: 60, CriticalServices: []string{"payments"}},
	}

	orch, err := New(st, Deps{
		Contexts:  h.contexts,
		Reasoning: h.reasoning,
		Executor:  h.executor,
		Health:    h.health,
		Verifier:  h.verifier,
		Approvals: h.approvals,
		Events:    h.sink,
	}, cfg, nil)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func goodHypothesis() *incident.Hypothesis {
	return &incident.Hypothesis{
		Text:       "api deploy regressed the connection pool",
		Confidence: 95,
		RootCause:  "pool size regression",
	}
}

func trigger(t *testing.T, h *harness) {
	t.Helper()
	_, err := h.orch.HandleTrigger(context.Background(), "inc-1", store.Fields{
		"title":   "api 5xx spike",
		"service": "api",
		"urgency": incident.UrgencyHigh,
	})
	require.NoError(t, err)
}

func TestHandleTrigger(t *testing.T) {
	h := newHarness(t)

	rec, err := h.orch.HandleTrigger(context.Background(), "inc-1", store.Fields{"title": "api down"})
	require.NoError(t, err)
	assert.Equal(t, incident.StageInvestigating, rec.CurrentStage)
	require.Len(t, rec.StageHistory, 1)
	require.Len(t, h.sink.events, 1)
}

func TestHandleTrigger_Idempotent(t *testing.T) {
	h := newHarness(t)
	trigger(t, h)

	rec, err := h.orch.HandleTrigger(context.Background(), "inc-1", store.Fields{"title": "duplicate"})
	require.NoError(t, err)
	assert.Equal(t, incident.StageInvestigating, rec.CurrentStage)
	assert.Equal(t, "api 5xx spike", rec.Title)
	assert.Len(t, rec.StageHistory, 1)
}

func TestHandleTrigger_EmptyID(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.HandleTrigger(context.Background(), "", nil)
	assert.True(t, incident.IsValidation(err))
}

// Scenario: everything confident, low risk -> fully autonomous resolution.
func TestProcessHypothesis_AutoExecute(t *testing.T) {
	h := newHarness(t)
	trigger(t, h)

	rec, err := h.orch.ProcessHypothesis(context.Background(), "inc-1", goodHypothesis())
	require.NoError(t, err)

	assert.Equal(t, incident.StageResolved, rec.CurrentStage)
	assert.Equal(t, incident.ResolutionAutoRemediated, rec.Resolution)
	assert.False(t, rec.RequiresApproval)
	assert.Equal(t, 1, h.executor.calls)
	assert.Empty(t, h.approvals.reasons)

	// Full forward walk recorded in history.
	want := []incident.Stage{
		incident.StageInvestigating,
		incident.StageHypothesisReceived,
		incident.StageContextRetrieved,
		incident.StageSynthesizing,
		incident.StageExecuting,
		incident.StageVerifying,
		incident.StageResolved,
	}
	require.Len(t, rec.StageHistory, len(want))
	for i, stage := range want {
		assert.Equal(t, stage, rec.StageHistory[i].To)
	}

	require.NotNil(t, rec.ExecutionResult)
	require.NotNil(t, rec.VerificationResult)
	assert.Equal(t, []string{"inc-1"}, h.sink.resolutions)
}

// Scenario: HIGH risk blocks autonomy even with perfect scores.
func TestProcessHypothesis_RiskGate(t *testing.T) {
	h := newHarness(t)
	trigger(t, h)
	h.reasoning.rem.Risk = incident.RiskHigh
	h.reasoning.rem.Confidence = 100

	rec, err := h.orch.ProcessHypothesis(context.Background(), "inc-1", goodHypothesis())
	require.NoError(t, err)

	assert.Equal(t, incident.StageAwaitingApproval, rec.CurrentStage)
	assert.True(t, rec.RequiresApproval)
	assert.Equal(t, 0, h.executor.calls)
	require.Len(t, h.approvals.reasons, 1)
	assert.Equal(t, "risk assessed HIGH", h.approvals.reasons[0])
}

// The reasoning collaborator can demand a human itself; its flag blocks
// autonomy even when every score and gate would allow it.
func TestProcessHypothesis_ReasoningFlagsApproval(t *testing.T) {
	h := newHarness(t)
	trigger(t, h)
	h.reasoning.rem.Confidence = 100
	h.reasoning.rem.RequiresApproval = true

	rec, err := h.orch.ProcessHypothesis(context.Background(), "inc-1", goodHypothesis())
	require.NoError(t, err)

	assert.Equal(t, incident.StageAwaitingApproval, rec.CurrentStage)
	assert.True(t, rec.RequiresApproval)
	assert.Equal(t, 0, h.executor.calls)
	require.Len(t, h.approvals.reasons, 1)
	assert.Equal(t, "reasoning flagged human approval", h.approvals.reasons[0])

	_, err = h.st.GetPendingApproval(context.Background(), "inc-1")
	require.NoError(t, err)
}

// Edge cases supplied by the collaborator merge with detected ones and
// reach the confidence gate.
func TestProcessHypothesis_ReasoningEdgeCasesMerge(t *testing.T) {
	h := newHarness(t)
	trigger(t, h)
	h.reasoning.rem.Confidence = 100
	h.reasoning.rem.EdgeCases = []string{"data_sensitive"}

	rec, err := h.orch.ProcessHypothesis(context.Background(), "inc-1", goodHypothesis())
	require.NoError(t, err)

	assert.Equal(t, incident.StageAwaitingApproval, rec.CurrentStage)
	assert.Equal(t, 0, h.executor.calls)
	assert.Contains(t, rec.EdgeCases, "data_sensitive")
}

// Scenario: empty context corpus -> novel_failure forces a human even when
// every confidence input is perfect.
func TestProcessHypothesis_NovelFailure(t *testing.T) {
	h := newHarness(t)
	trigger(t, h)
	h.contexts.set = &incident.ContextSet{}
	h.reasoning.rem.Confidence = 100
	hyp := goodHypothesis()
	hyp.Confidence = 100

	rec, err := h.orch.ProcessHypothesis(context.Background(), "inc-1", hyp)
	require.NoError(t, err)

	assert.Equal(t, incident.StageAwaitingApproval, rec.CurrentStage)
	assert.True(t, rec.RequiresApproval)
	assert.Contains(t, rec.EdgeCases, "novel_failure")
	assert.Equal(t, 0, h.executor.calls)
}

// Scenario: service recovered before execution -> self-healed, no code ran.
func TestProcessHypothesis_SelfHeal(t *testing.T) {
	h := newHarness(t)
	trigger(t, h)
	h.health.healthy = true

	rec, err := h.orch.ProcessHypothesis(context.Background(), "inc-1", goodHypothesis())
	require.NoError(t, err)

	assert.Equal(t, incident.StageResolved, rec.CurrentStage)
	assert.Equal(t, incident.ResolutionSelfHealed, rec.Resolution)
	assert.Equal(t, 0, h.executor.calls)
	assert.Equal(t, []string{"inc-1"}, h.sink.resolutions)
}

func TestProcessHypothesis_ContextFailureEscalates(t *testing.T) {
	h := newHarness(t)
	trigger(t, h)
	h.contexts.err = incident.NewExternalServiceError("context_retrieval", errors.New("store offline"))

	rec, err := h.orch.ProcessHypothesis(context.Background(), "inc-1", goodHypothesis())
	require.NoError(t, err)

	assert.Equal(t, incident.StageEscalated, rec.CurrentStage)
	assert.Equal(t, "context_retrieval", rec.ErrorStage)
}

func TestProcessHypothesis_SynthesisFailureEscalates(t *testing.T) {
	h := newHarness(t)
	trigger(t, h)
	h.reasoning.rem = nil
	h.reasoning.err = incident.NewExternalServiceError("reasoning", errors.New("model offline"))

	rec, err := h.orch.ProcessHypothesis(context.Background(), "inc-1", goodHypothesis())
	require.NoError(t, err)

	assert.Equal(t, incident.StageEscalated, rec.CurrentStage)
	assert.Equal(t, "synthesis", rec.ErrorStage)
}

func TestProcessHypothesis_NoCodeEscalates(t *testing.T) {
	h := newHarness(t)
	trigger(t, h)
	h.reasoning.rem = &incident.Remediation{Code: "", Risk: incident.RiskLow, Confidence: 90}

	rec, err := h.orch.ProcessHypothesis(context.Background(), "inc-1", goodHypothesis())
	require.NoError(t, err)

	assert.Equal(t, incident.StageEscalated, rec.CurrentStage)
	assert.Equal(t, "synthesis", rec.ErrorStage)
}

func TestProcessHypothesis_ExecutionFailureEscalates(t *testing.T) {
	h := newHarness(t)
	trigger(t, h)
	h.executor.result = &incident.ExecutionResult{ExitCode: 1, Stderr: "permission denied"}

	rec, err := h.orch.ProcessHypothesis(context.Background(), "inc-1", goodHypothesis())
	require.NoError(t, err)

	assert.Equal(t, incident.StageEscalated, rec.CurrentStage)
	assert.Equal(t, "execution", rec.ErrorStage)
	require.NotNil(t, rec.ExecutionResult)
	assert.Equal(t, 1, rec.ExecutionResult.ExitCode)
}

func TestProcessHypothesis_VerificationFailureEscalates(t *testing.T) {
	h := newHarness(t)
	trigger(t, h)
	h.verifier.result = &incident.VerificationResult{Success: false}

	rec, err := h.orch.ProcessHypothesis(context.Background(), "inc-1", goodHypothesis())
	require.NoError(t, err)

	assert.Equal(t, incident.StageEscalated, rec.CurrentStage)
	assert.Equal(t, "verification", rec.ErrorStage)
}

func TestProcessHypothesis_UnknownIncident(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.ProcessHypothesis(context.Background(), "ghost", goodHypothesis())
	assert.True(t, incident.IsNotFound(err))
}

func TestProcessHypothesis_HealthProbeErrorStillExecutes(t *testing.T) {
	h := newHarness(t)
	trigger(t, h)
	h.health.err = errors.New("probe timeout")

	rec, err := h.orch.ProcessHypothesis(context.Background(), "inc-1", goodHypothesis())
	require.NoError(t, err)

	assert.Equal(t, incident.StageResolved, rec.CurrentStage)
	assert.Equal(t, 1, h.executor.calls)
}

func TestExecuteRemediation_AfterApproval(t *testing.T) {
	h := newHarness(t)
	trigger(t, h)
	h.reasoning.rem.Risk = incident.RiskHigh

	rec, err := h.orch.ProcessHypothesis(context.Background(), "inc-1", goodHypothesis())
	require.NoError(t, err)
	require.Equal(t, incident.StageAwaitingApproval, rec.CurrentStage)

	rec, err = h.orch.ExecuteRemediation(context.Background(), "inc-1")
	require.NoError(t, err)
	assert.Equal(t, incident.StageResolved, rec.CurrentStage)
	assert.Equal(t, incident.ResolutionAutoRemediated, rec.Resolution)
	assert.Equal(t, 1, h.executor.calls)
}

func TestEscalate_FromAnyStage(t *testing.T) {
	h := newHarness(t)
	trigger(t, h)

	rec, err := h.orch.Escalate(context.Background(), "inc-1", "manual", "operator requested")
	require.NoError(t, err)
	assert.Equal(t, incident.StageEscalated, rec.CurrentStage)
	assert.Equal(t, "manual", rec.ErrorStage)
	assert.Equal(t, []string{"inc-1"}, h.sink.resolutions)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	st := store.NewMemoryStore(time.Hour, time.Hour, nil)
	cfg := &config.Config{}

	_, err := New(st, Deps{}, cfg, nil)
	require.Error(t, err)
	var ce *incident.ConfigurationError
	assert.ErrorAs(t, err, &ce)
}
