package orchestrator

import (
	"context"

	"github.com/fyrsmithlabs/remedyd/internal/incident"
	"github.com/fyrsmithlabs/remedyd/internal/notify"
)

// ContextProvider retrieves runbook context for an incident's hypothesis.
type ContextProvider interface {
	Retrieve(ctx context.Context, rec *incident.Record) (*incident.ContextSet, error)
}

// ReasoningProvider synthesizes a remediation proposal.
type ReasoningProvider interface {
	Synthesize(ctx context.Context, rec *incident.Record) (*incident.Remediation, error)
}

// ExecutionProvider runs remediation code in an isolated environment.
type ExecutionProvider interface {
	Execute(ctx context.Context, rem *incident.Remediation) (*incident.ExecutionResult, error)
}

// HealthChecker probes a service's health surface. Used for the pre-flight
// self-heal check; optional.
type HealthChecker interface {
	Healthy(ctx context.Context, service string) (bool, error)
}

// VerificationProvider checks whether the remediation worked.
type VerificationProvider interface {
	Verify(ctx context.Context, service string) (*incident.VerificationResult, error)
}

// ApprovalRequester opens a pending approval for an incident. Implemented
// by the approval gateway.
type ApprovalRequester interface {
	RequestApproval(ctx context.Context, rec *incident.Record, reason string) error
}

// EventSink receives outbound side effects. Implemented by notify.Notifier;
// both methods are best effort.
type EventSink interface {
	NotifyResolution(ctx context.Context, rec *incident.Record)
	PublishEvent(ctx context.Context, ev notify.Event)
}
