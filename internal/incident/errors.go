package incident

import (
	"errors"
	"fmt"
)

// NotFoundError indicates an operation on a nonexistent (or expired)
// incident or approval record.
type NotFoundError struct {
	Kind string // "incident" or "approval"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NewIncidentNotFound returns a NotFoundError for an incident id.
func NewIncidentNotFound(id string) *NotFoundError {
	return &NotFoundError{Kind: "incident", ID: id}
}

// NewApprovalNotFound returns a NotFoundError for a pending approval.
func NewApprovalNotFound(id string) *NotFoundError {
	return &NotFoundError{Kind: "approval", ID: id}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ConfigurationError indicates a required collaborator is unconfigured.
// It fails fast at the public boundary before any state mutation.
type ConfigurationError struct {
	Component string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Component, e.Reason)
}

// ExternalServiceError indicates a configured collaborator call failed.
// Phase handlers always catch it and convert it into an ESCALATED
// transition; it never escapes the orchestrator.
type ExternalServiceError struct {
	Service string // collaborator role, e.g. "context_retrieval"
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// NewExternalServiceError wraps a collaborator failure with its role name.
func NewExternalServiceError(service string, err error) *ExternalServiceError {
	return &ExternalServiceError{Service: service, Err: err}
}

// ValidationError indicates malformed input at a public entry point. It may
// propagate to the transport layer for a 4xx response.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransitionError indicates an attempted illegal state-machine edge.
type TransitionError struct {
	IncidentID string
	From       Stage
	To         Stage
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition for incident %s: %s -> %s", e.IncidentID, e.From, e.To)
}

// ErrApprovalExists is returned when a second pending approval is requested
// for an incident that already has one in flight.
var ErrApprovalExists = errors.New("pending approval already exists for incident")
