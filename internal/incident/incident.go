// Package incident defines the incident data model shared by the state
// store, the orchestrator, and the approval gateway: the durable incident
// record, the pending-approval record, the stage enum with its legal
// transition edges, and the error taxonomy for the public boundary.
package incident

import (
	"time"
)

// Stage represents the position of an incident in the remediation lifecycle.
type Stage string

const (
	// StageTriggered is the only initial stage, set when the trigger
	// webhook first creates the record.
	StageTriggered Stage = "TRIGGERED"

	// StageInvestigating means the upstream investigator is working on a
	// hypothesis for the incident.
	StageInvestigating Stage = "INVESTIGATING"

	// StageHypothesisReceived means a parsed hypothesis has been stored.
	StageHypothesisReceived Stage = "HYPOTHESIS_RECEIVED"

	// StageContextRetrieved means supporting runbook context has been
	// fetched and scored.
	StageContextRetrieved Stage = "CONTEXT_RETRIEVED"

	// StageSynthesizing means the reasoning collaborator is producing a
	// candidate remediation.
	StageSynthesizing Stage = "SYNTHESIZING"

	// StageAwaitingApproval means the confidence gate declined autonomous
	// execution and a human decision is pending.
	StageAwaitingApproval Stage = "AWAITING_APPROVAL"

	// StageExecuting means the remediation is running in the sandbox.
	StageExecuting Stage = "EXECUTING"

	// StageVerifying means the fix ran and its effect is being checked.
	StageVerifying Stage = "VERIFYING"

	// StageResolved is terminal: the incident was remediated or self-healed.
	StageResolved Stage = "RESOLVED"

	// StageEscalated is terminal: automation gave up and handed the
	// incident to a human.
	StageEscalated Stage = "ESCALATED"
)

// Terminal reports whether the stage ends the incident lifecycle.
func (s Stage) Terminal() bool {
	return s == StageResolved || s == StageEscalated
}

// Valid reports whether s is a known stage value.
func (s Stage) Valid() bool {
	_, ok := forwardEdges[s]
	return ok || s.Terminal()
}

// forwardEdges lists the legal forward transitions. ESCALATED is reachable
// from every non-terminal stage and is handled in CanTransition directly.
var forwardEdges = map[Stage][]Stage{
	StageTriggered:          {StageInvestigating},
	StageInvestigating:      {StageHypothesisReceived},
	StageHypothesisReceived: {StageContextRetrieved},
	StageContextRetrieved:   {StageSynthesizing},
	StageSynthesizing:       {StageExecuting, StageAwaitingApproval},
	StageAwaitingApproval:   {StageExecuting},
	StageExecuting:          {StageVerifying, StageResolved},
	StageVerifying:          {StageResolved},
}

// CanTransition reports whether moving from one stage to another is a legal
// edge of the state machine.
func CanTransition(from, to Stage) bool {
	if from.Terminal() {
		return false
	}
	if to == StageEscalated {
		return true
	}
	for _, next := range forwardEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RiskLevel is the reasoning collaborator's assessment of a remediation.
type RiskLevel string

const (
	RiskLow     RiskLevel = "LOW"
	RiskMedium  RiskLevel = "MEDIUM"
	RiskHigh    RiskLevel = "HIGH"
	RiskUnknown RiskLevel = "UNKNOWN"
)

// ParseRisk normalizes a collaborator-provided risk string. Anything
// unrecognized maps to RiskUnknown rather than failing the cycle.
func ParseRisk(s string) RiskLevel {
	switch RiskLevel(s) {
	case RiskLow, RiskMedium, RiskHigh:
		return RiskLevel(s)
	default:
		return RiskUnknown
	}
}

// Urgency levels assigned by the upstream trigger.
const (
	UrgencyLow      = "low"
	UrgencyMedium   = "medium"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)

// Hypothesis is the parsed investigation output claiming a root cause.
// The payload is produced by the upstream hypothesis parser and treated as
// opaque beyond the fields the evaluators inspect.
type Hypothesis struct {
	Text             string   `json:"hypothesis"`
	Confidence       float64  `json:"confidence"`
	RootCause        string   `json:"root_cause,omitempty"`
	AffectedServices []string `json:"affected_services,omitempty"`
	FailureTags      []string `json:"failure_tags,omitempty"`
	Recommendation   string   `json:"recommendation,omitempty"`
}

// ContextResult is a retrieved runbook/context item used to ground a fix.
type ContextResult struct {
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ContextSet is the full retrieval outcome for one hypothesis.
type ContextSet struct {
	Results  []ContextResult `json:"results"`
	MaxScore float64         `json:"max_score"`
}

// Remediation is the reasoning collaborator's proposed fix.
type Remediation struct {
	Code             string    `json:"code"`
	Language         string    `json:"language,omitempty"`
	Reasoning        string    `json:"reasoning,omitempty"`
	Risk             RiskLevel `json:"risk"`
	Confidence       float64   `json:"confidence"`
	RequiresApproval bool      `json:"requires_approval"`
	EdgeCases        []string  `json:"edge_cases,omitempty"`
}

// ExecutionResult is the sandbox outcome of running remediation code.
type ExecutionResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// VerificationResult is the post-execution health verdict.
type VerificationResult struct {
	Success bool              `json:"success"`
	Summary map[string]string `json:"summary,omitempty"`
}

// StageChange is one audit entry in the append-only stage history.
type StageChange struct {
	From      Stage     `json:"from"`
	To        Stage     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// Resolution values recorded on RESOLVED incidents.
const (
	ResolutionSelfHealed     = "self_healed"
	ResolutionAutoRemediated = "auto_remediated"
)

// Record is the central per-incident entity. IncidentID is externally
// assigned and immutable; CurrentStage is mutated only through store
// transitions driven by the orchestrator.
type Record struct {
	IncidentID string `json:"incident_id"`
	Title      string `json:"title,omitempty"`
	Service    string `json:"service,omitempty"`
	Urgency    string `json:"urgency,omitempty"`

	CurrentStage Stage `json:"current_stage"`

	Hypothesis        *Hypothesis `json:"hypothesis,omitempty"`
	Context           *ContextSet `json:"context,omitempty"`
	ContextMatchScore float64     `json:"context_match_score"`

	Remediation *Remediation `json:"remediation,omitempty"`

	EdgeCases        []string `json:"edge_cases,omitempty"`
	RequiresApproval bool     `json:"requires_approval"`

	ExecutionResult    *ExecutionResult    `json:"execution_result,omitempty"`
	VerificationResult *VerificationResult `json:"verification_result,omitempty"`

	Resolution string `json:"resolution,omitempty"`
	ErrorStage string `json:"error_stage,omitempty"`
	Error      string `json:"error,omitempty"`

	PendingApproval bool       `json:"pending_approval"`
	ApprovalAsked   *time.Time `json:"approval_requested_at,omitempty"`
	HumanApproved   bool       `json:"human_approved,omitempty"`
	ApprovedBy      string     `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	HumanRejected   bool       `json:"human_rejected,omitempty"`
	RejectedBy      string     `json:"rejected_by,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`

	StageHistory []StageChange `json:"stage_history"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the incident is still being worked.
func (r *Record) Active() bool {
	return !r.CurrentStage.Terminal()
}

// ApprovalSnapshot is the ephemeral pending-approval record: everything
// needed to resume execution after a human decision. Keyed by incident id in
// its own store namespace with a short TTL.
type ApprovalSnapshot struct {
	IncidentID    string    `json:"incident_id"`
	Title         string    `json:"title,omitempty"`
	Service       string    `json:"service,omitempty"`
	Hypothesis    string    `json:"hypothesis,omitempty"`
	Code          string    `json:"code"`
	Reasoning     string    `json:"reasoning,omitempty"`
	Risk          RiskLevel `json:"risk"`
	Reason        string    `json:"reason,omitempty"`
	MessageHandle string    `json:"message_handle,omitempty"`
	RequestedAt   time.Time `json:"requested_at"`
}
