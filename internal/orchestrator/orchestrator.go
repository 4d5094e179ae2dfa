// Package orchestrator drives incidents through the remediation lifecycle:
// trigger, hypothesis, context retrieval, synthesis, the confidence gate,
// execution, and verification. Every phase handler leaves the incident in a
// progressed stage or in ESCALATED before returning; collaborator failures
// never propagate past this package.
package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/confidence"
	"github.com/fyrsmithlabs/remedyd/internal/edgecase"
	"github.com/fyrsmithlabs/remedyd/internal/incident"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/notify"
	"github.com/fyrsmithlabs/remedyd/internal/store"
)

var tracer = otel.Tracer("remedyd.orchestrator")

// Execution modes recorded on the executions counter.
const (
	modeAuto     = "auto"
	modeApproved = "approved"
)

// Deps bundles the orchestrator's collaborators. Contexts, Reasoning,
// Executor, Verifier, and Approvals are required; Health and Events are
// optional.
type Deps struct {
	Contexts  ContextProvider
	Reasoning ReasoningProvider
	Executor  ExecutionProvider
	Health    HealthChecker
	Verifier  VerificationProvider
	Approvals ApprovalRequester
	Events    EventSink
}

// Orchestrator owns the incident state machine.
type Orchestrator struct {
	store     store.Store
	deps      Deps
	detector  *edgecase.Detector
	evaluator *confidence.Evaluator
	locks     *keyedMutex
	metrics   *metrics
	logger    *logging.Logger
}

// New creates the orchestrator. Missing required collaborators fail fast
// with a ConfigurationError.
func New(st store.Store, deps Deps, cfg *config.Config, logger *logging.Logger) (*Orchestrator, error) {
	if st == nil {
		return nil, &incident.ConfigurationError{Component: "orchestrator", Reason: "store is required"}
	}
	for _, req := range []struct {
		name string
		ok   bool
	}{
		{"context provider", deps.Contexts != nil},
		{"reasoning provider", deps.Reasoning != nil},
		{"execution provider", deps.Executor != nil},
		{"verification provider", deps.Verifier != nil},
		{"approval requester", deps.Approvals != nil},
	} {
		if !req.ok {
			return nil, &incident.ConfigurationError{Component: "orchestrator", Reason: req.name + " is required"}
		}
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	m, err := newMetrics()
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		store:     st,
		deps:      deps,
		detector:  edgecase.NewDetector(cfg.EdgeCase),
		evaluator: confidence.NewEvaluator(cfg.Confidence),
		locks:     newKeyedMutex(),
		metrics:   m,
		logger:    logger,
	}, nil
}

// HandleTrigger creates the incident record and starts the investigation.
// Idempotent: a duplicate trigger returns the current record untouched.
func (o *Orchestrator) HandleTrigger(ctx context.Context, id string, fields store.Fields) (*incident.Record, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.HandleTrigger")
	defer span.End()
	span.SetAttributes(attribute.String("incident_id", id))
	ctx = logging.WithIncidentID(ctx, id)

	if id == "" {
		return nil, &incident.ValidationError{Field: "incident_id", Reason: "required"}
	}

	unlock := o.locks.Lock(id)
	defer unlock()

	o.metrics.phase(ctx, "trigger")

	rec, err := o.store.Create(ctx, id, fields)
	if err != nil {
		return nil, err
	}
	if rec.CurrentStage != incident.StageTriggered {
		o.logger.Info(ctx, "duplicate trigger ignored",
			zap.String("stage", string(rec.CurrentStage)))
		return rec, nil
	}

	rec, err = o.store.Transition(ctx, id, incident.StageInvestigating, nil)
	if err != nil {
		return nil, err
	}

	o.logger.Info(ctx, "incident triggered",
		zap.String("title", rec.Title),
		zap.String("service", rec.Service),
		zap.String("urgency", rec.Urgency))
	o.publish(ctx, rec, "investigation started")
	return rec, nil
}

// ProcessHypothesis stores the investigator's hypothesis and drives the
// incident through context retrieval, synthesis, and the confidence gate.
// The returned record is in EXECUTING-or-beyond, AWAITING_APPROVAL, or
// ESCALATED.
func (o *Orchestrator) ProcessHypothesis(ctx context.Context, id string, h *incident.Hypothesis) (*incident.Record, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.ProcessHypothesis")
	defer span.End()
	span.SetAttributes(attribute.String("incident_id", id))
	ctx = logging.WithIncidentID(ctx, id)

	if h == nil || h.Text == "" {
		return nil, &incident.ValidationError{Field: "hypothesis", Reason: "required"}
	}

	unlock := o.locks.Lock(id)
	defer unlock()

	o.metrics.phase(ctx, "hypothesis")

	rec, err := o.store.Transition(ctx, id, incident.StageHypothesisReceived, store.Fields{
		"hypothesis": h,
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info(ctx, "hypothesis received",
		zap.Float64("confidence", h.Confidence),
		zap.String("root_cause", h.RootCause))
	o.publish(ctx, rec, "hypothesis received")

	rec, done := o.retrieveContext(ctx, rec)
	if done {
		return rec, nil
	}
	return o.synthesize(ctx, rec)
}

// retrieveContext fetches runbook context. done=true means the incident is
// terminal (escalated) and the pipeline must stop.
func (o *Orchestrator) retrieveContext(ctx context.Context, rec *incident.Record) (*incident.Record, bool) {
	o.metrics.phase(ctx, "context_retrieval")
	id := rec.IncidentID

	set, err := o.deps.Contexts.Retrieve(ctx, rec)
	if err != nil {
		return o.escalate(ctx, id, "context_retrieval", err.Error()), true
	}

	rec, err = o.store.Transition(ctx, id, incident.StageContextRetrieved, store.Fields{
		"context":             set,
		"context_match_score": set.MaxScore * 100,
	})
	if err != nil {
		return o.escalate(ctx, id, "context_retrieval", err.Error()), true
	}

	o.logger.Info(ctx, "context retrieved",
		zap.Int("results", len(set.Results)),
		zap.Float64("max_score", set.MaxScore))
	o.publish(ctx, rec, "context retrieved")
	return rec, false
}

// synthesize asks the reasoning collaborator for a fix and applies the
// confidence gate. Caller holds the incident lock.
func (o *Orchestrator) synthesize(ctx context.Context, rec *incident.Record) (*incident.Record, error) {
	o.metrics.phase(ctx, "synthesis")
	id := rec.IncidentID

	rec, err := o.store.Transition(ctx, id, incident.StageSynthesizing, nil)
	if err != nil {
		return o.escalate(ctx, id, "synthesis", err.Error()), nil
	}

	rem, err := o.deps.Reasoning.Synthesize(ctx, rec)
	if err != nil {
		return o.escalate(ctx, id, "synthesis", err.Error()), nil
	}
	if rem.Code == "" {
		return o.escalate(ctx, id, "synthesis", "reasoning produced no executable code"), nil
	}

	det := o.detector.Detect(edgecase.Input{
		Title:           rec.Title,
		Service:         rec.Service,
		Urgency:         rec.Urgency,
		Hypothesis:      rec.Hypothesis,
		Context:         rec.Context,
		RemediationText: rem.Code + " " + rem.Reasoning,
	})
	tags := mergeTags(det.Tags, rem.EdgeCases)

	var hypoConfidence float64
	if rec.Hypothesis != nil {
		hypoConfidence = rec.Hypothesis.Confidence
	}
	decision := o.evaluator.Evaluate(confidence.Input{
		HypothesisConfidence:  hypoConfidence,
		ContextMatchScore:     rec.ContextMatchScore,
		RemediationConfidence: rem.Confidence,
		Risk:                  rem.Risk,
		EdgeCases:             tags,
	})

	// The reasoning collaborator can demand review on its own authority.
	autoExecute := decision.AutoExecute && !det.RequiresHuman && !rem.RequiresApproval
	flaggedByReasoning := rem.RequiresApproval
	rem.RequiresApproval = !autoExecute
	rem.EdgeCases = tags

	rec, err = o.store.Update(ctx, id, store.Fields{
		"remediation":       rem,
		"edge_cases":        tags,
		"requires_approval": !autoExecute,
	})
	if err != nil {
		return o.escalate(ctx, id, "synthesis", err.Error()), nil
	}

	o.logger.Info(ctx, "remediation synthesized",
		zap.String("risk", string(rem.Risk)),
		zap.Float64("confidence", rem.Confidence),
		zap.Strings("edge_cases", tags),
		zap.Bool("auto_execute", autoExecute))

	if autoExecute {
		return o.execute(ctx, rec, modeAuto), nil
	}

	reason := decision.Reason
	if reason == "" && flaggedByReasoning {
		reason = "reasoning flagged human approval"
	}
	if reason == "" {
		reason = "edge cases require human review"
	}
	if err := o.deps.Approvals.RequestApproval(ctx, rec, reason); err != nil {
		return o.escalate(ctx, id, "approval", err.Error()), nil
	}
	rec, err = o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	o.publish(ctx, rec, "awaiting approval: "+reason)
	return rec, nil
}

// ExecuteRemediation runs the stored remediation for an incident whose
// approval was granted.
func (o *Orchestrator) ExecuteRemediation(ctx context.Context, id string) (*incident.Record, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.ExecuteRemediation")
	defer span.End()
	span.SetAttributes(attribute.String("incident_id", id))
	ctx = logging.WithIncidentID(ctx, id)

	unlock := o.locks.Lock(id)
	defer unlock()

	rec, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, rec, modeApproved), nil
}

// execute transitions to EXECUTING and runs the self-heal check, the
// sandbox execution, and verification. Caller holds the incident lock.
func (o *Orchestrator) execute(ctx context.Context, rec *incident.Record, mode string) *incident.Record {
	o.metrics.phase(ctx, "execution")
	id := rec.IncidentID

	rec, err := o.store.Transition(ctx, id, incident.StageExecuting, nil)
	if err != nil {
		return o.escalate(ctx, id, "execution", err.Error())
	}

	// Pre-flight: a service that already recovered needs no fix. A failed
	// probe is treated as unhealthy, not as an escalation.
	if o.deps.Health != nil && rec.Service != "" {
		healthy, err := o.deps.Health.Healthy(ctx, rec.Service)
		if err != nil {
			o.logger.Warn(ctx, "pre-flight health check failed, proceeding with execution", zap.Error(err))
		} else if healthy {
			rec, err = o.store.Transition(ctx, id, incident.StageResolved, store.Fields{
				"resolution": incident.ResolutionSelfHealed,
			})
			if err != nil {
				return o.escalate(ctx, id, "execution", err.Error())
			}
			o.logger.Info(ctx, "incident self-healed, skipping execution")
			o.publish(ctx, rec, "self-healed before execution")
			o.notifyResolution(ctx, rec)
			return rec
		}
	}

	if rec.Remediation == nil || rec.Remediation.Code == "" {
		return o.escalate(ctx, id, "execution", "no remediation stored")
	}

	o.metrics.execution(ctx, mode)

	result, err := o.deps.Executor.Execute(ctx, rec.Remediation)
	if err != nil {
		return o.escalate(ctx, id, "execution", err.Error())
	}
	if result.ExitCode != 0 {
		if _, uerr := o.store.Update(ctx, id, store.Fields{"execution_result": result}); uerr != nil {
			o.logger.Warn(ctx, "storing failed execution result", zap.Error(uerr))
		}
		return o.escalate(ctx, id, "execution", "remediation exited non-zero")
	}

	return o.verify(ctx, id, result)
}

// verify checks the service's health surface after execution. Caller holds
// the incident lock.
func (o *Orchestrator) verify(ctx context.Context, id string, result *incident.ExecutionResult) *incident.Record {
	o.metrics.phase(ctx, "verification")

	rec, err := o.store.Transition(ctx, id, incident.StageVerifying, store.Fields{
		"execution_result": result,
	})
	if err != nil {
		return o.escalate(ctx, id, "verification", err.Error())
	}

	verdict, err := o.deps.Verifier.Verify(ctx, rec.Service)
	if err != nil {
		return o.escalate(ctx, id, "verification", err.Error())
	}
	if !verdict.Success {
		if _, uerr := o.store.Update(ctx, id, store.Fields{"verification_result": verdict}); uerr != nil {
			o.logger.Warn(ctx, "storing failed verification result", zap.Error(uerr))
		}
		return o.escalate(ctx, id, "verification", "service still unhealthy after remediation")
	}

	rec, err = o.store.Transition(ctx, id, incident.StageResolved, store.Fields{
		"verification_result": verdict,
		"resolution":          incident.ResolutionAutoRemediated,
	})
	if err != nil {
		return o.escalate(ctx, id, "verification", err.Error())
	}

	o.logger.Info(ctx, "incident resolved", zap.String("resolution", rec.Resolution))
	o.publish(ctx, rec, "verified and resolved")
	o.notifyResolution(ctx, rec)
	return rec
}

// Escalate hands the incident to a human from any non-terminal stage.
func (o *Orchestrator) Escalate(ctx context.Context, id, errorStage, reason string) (*incident.Record, error) {
	ctx = logging.WithIncidentID(ctx, id)

	unlock := o.locks.Lock(id)
	defer unlock()

	rec := o.escalate(ctx, id, errorStage, reason)
	if rec == nil {
		return nil, incident.NewIncidentNotFound(id)
	}
	return rec, nil
}

// escalate performs the ESCALATED transition and its side effects. Returns
// the record, or nil if it cannot be read at all.
func (o *Orchestrator) escalate(ctx context.Context, id, errorStage, reason string) *incident.Record {
	o.metrics.escalation(ctx, errorStage)

	rec, err := o.store.Transition(ctx, id, incident.StageEscalated, store.Fields{
		"error_stage": errorStage,
		"error":       reason,
	})
	if err != nil {
		// Terminal records cannot move again; report the current state.
		o.logger.Error(ctx, "escalation transition failed",
			zap.String("error_stage", errorStage),
			zap.Error(err))
		rec, err = o.store.Get(ctx, id)
		if err != nil {
			return nil
		}
		return rec
	}

	o.logger.Warn(ctx, "incident escalated",
		zap.String("error_stage", errorStage),
		zap.String("reason", reason))
	o.publish(ctx, rec, "escalated at "+errorStage+": "+reason)
	o.notifyResolution(ctx, rec)
	return rec
}

func (o *Orchestrator) publish(ctx context.Context, rec *incident.Record, detail string) {
	if o.deps.Events == nil {
		return
	}
	o.deps.Events.PublishEvent(ctx, notify.Event{
		IncidentID: rec.IncidentID,
		Stage:      rec.CurrentStage,
		Detail:     detail,
	})
}

func (o *Orchestrator) notifyResolution(ctx context.Context, rec *incident.Record) {
	if o.deps.Events == nil {
		return
	}
	o.deps.Events.NotifyResolution(ctx, rec)
}

// mergeTags unions detector tags with collaborator-supplied edge cases,
// preserving order and dropping duplicates.
func mergeTags(detected, supplied []string) []string {
	out := detected
	for _, tag := range supplied {
		dup := false
		for _, have := range out {
			if have == tag {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, tag)
		}
	}
	return out
}
