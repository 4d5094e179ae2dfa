// Package approval owns the human-in-the-loop gate: it opens a single
// pending approval per incident, delivers the prompt, and resumes or
// escalates the incident when the decision arrives.
package approval

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/incident"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/store"
)

var tracer = otel.Tracer("remedyd.approval")

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// Prompter delivers the approval prompt to the human channel and returns
// an opaque message handle when the channel provides one.
type Prompter interface {
	NotifyApproval(ctx context.Context, snap *incident.ApprovalSnapshot) (string, error)
}

// Executor resumes remediation after a granted approval. Implemented by
// the orchestrator.
type Executor interface {
	ExecuteRemediation(ctx context.Context, id string) (*incident.Record, error)
}

// Escalator hands a rejected incident to a human. Implemented by the
// orchestrator.
type Escalator interface {
	Escalate(ctx context.Context, id, errorStage, reason string) (*incident.Record, error)
}

// Gateway is the approval gateway.
type Gateway struct {
	store    store.Store
	prompter Prompter
	executor Executor
	escalate Escalator
	logger   *logging.Logger
}

// NewGateway creates the gateway. The executor and escalator are bound
// separately because the orchestrator and the gateway reference each other;
// Bind must be called once at startup before any decision arrives.
func NewGateway(st store.Store, prompter Prompter, logger *logging.Logger) (*Gateway, error) {
	if st == nil {
		return nil, &incident.ConfigurationError{Component: "approval", Reason: "store is required"}
	}
	if prompter == nil {
		return nil, &incident.ConfigurationError{Component: "approval", Reason: "prompter is required"}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Gateway{store: st, prompter: prompter, logger: logger}, nil
}

// Bind wires the orchestrator-side callbacks.
func (g *Gateway) Bind(executor Executor, escalator Escalator) {
	g.executor = executor
	g.escalate = escalator
}

// RequestApproval opens the pending approval for an incident, delivers the
// prompt, and moves the incident to AWAITING_APPROVAL. At most one approval
// may be in flight per incident; a duplicate request fails with
// ErrApprovalExists and changes nothing.
func (g *Gateway) RequestApproval(ctx context.Context, rec *incident.Record, reason string) error {
	ctx, span := tracer.Start(ctx, "approval.RequestApproval")
	defer span.End()
	span.SetAttributes(attribute.String("incident_id", rec.IncidentID))

	if rec.Remediation == nil || rec.Remediation.Code == "" {
		return &incident.ValidationError{Field: "remediation", Reason: "required for approval"}
	}

	snap := &incident.ApprovalSnapshot{
		IncidentID:  rec.IncidentID,
		Title:       rec.Title,
		Service:     rec.Service,
		Code:        rec.Remediation.Code,
		Reasoning:   rec.Remediation.Reasoning,
		Risk:        rec.Remediation.Risk,
		Reason:      reason,
		RequestedAt: timeNow().UTC(),
	}
	if rec.Hypothesis != nil {
		snap.Hypothesis = rec.Hypothesis.Text
	}

	if err := g.store.SetPendingApproval(ctx, snap); err != nil {
		return err
	}

	handle, err := g.prompter.NotifyApproval(ctx, snap)
	if err != nil {
		// The prompt never reached a human; the approval slot must not
		// stay occupied.
		if cerr := g.store.ClearPendingApproval(ctx, rec.IncidentID); cerr != nil {
			g.logger.Error(ctx, "clearing approval after failed prompt",
				zap.String("incident_id", rec.IncidentID),
				zap.Error(cerr))
		}
		return err
	}
	if handle != "" {
		snap.MessageHandle = handle
	}

	requested := snap.RequestedAt
	if _, err := g.store.Transition(ctx, rec.IncidentID, incident.StageAwaitingApproval, store.Fields{
		"pending_approval":      true,
		"approval_requested_at": requested,
	}); err != nil {
		// The incident never reached AWAITING_APPROVAL, so the decision
		// endpoints cannot resolve this slot; release it.
		if cerr := g.store.ClearPendingApproval(ctx, rec.IncidentID); cerr != nil {
			g.logger.Error(ctx, "clearing approval after failed transition",
				zap.String("incident_id", rec.IncidentID),
				zap.Error(cerr))
		}
		return err
	}

	g.logger.Info(ctx, "approval requested",
		zap.String("incident_id", rec.IncidentID),
		zap.String("risk", string(snap.Risk)),
		zap.String("reason", reason))
	return nil
}

// ResolveApproval applies a human decision. Approval records the audit
// fields and resumes execution; rejection escalates. Resolving an absent
// or expired approval fails with NotFoundError.
func (g *Gateway) ResolveApproval(ctx context.Context, id string, approved bool, approver string) (*incident.Record, error) {
	ctx, span := tracer.Start(ctx, "approval.ResolveApproval")
	defer span.End()
	span.SetAttributes(
		attribute.String("incident_id", id),
		attribute.Bool("approved", approved),
	)

	if approver == "" {
		return nil, &incident.ValidationError{Field: "approver", Reason: "required"}
	}

	// The atomic take consumes the approval; of two racing resolvers only
	// one proceeds, the other gets NotFoundError.
	if _, err := g.store.TakePendingApproval(ctx, id); err != nil {
		return nil, err
	}

	now := timeNow().UTC()
	if approved {
		if _, err := g.store.Update(ctx, id, store.Fields{
			"pending_approval": false,
			"human_approved":   true,
			"approved_by":      approver,
			"approved_at":      now,
		}); err != nil {
			return nil, err
		}

		g.logger.Info(ctx, "remediation approved",
			zap.String("incident_id", id),
			zap.String("approved_by", approver))
		return g.executor.ExecuteRemediation(ctx, id)
	}

	if _, err := g.store.Update(ctx, id, store.Fields{
		"pending_approval": false,
		"human_rejected":   true,
		"rejected_by":      approver,
		"rejected_at":      now,
	}); err != nil {
		return nil, err
	}

	g.logger.Info(ctx, "remediation rejected",
		zap.String("incident_id", id),
		zap.String("rejected_by", approver))
	return g.escalate.Escalate(ctx, id, "approval", "remediation rejected by "+approver)
}
