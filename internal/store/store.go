// Package store provides the durable, TTL-bound state store for incident
// and pending-approval records.
//
// The primary implementation persists to NATS JetStream key/value buckets
// (incidents: 7-day TTL, approvals: 1-hour TTL). When the backing server is
// unreachable at startup the factory degrades transparently to an
// in-process map store with the identical contract; the degradation is
// logged and explicitly best-effort, not crash-safe.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/incident"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// Fields is a partial-state patch applied to an incident record. Keys use
// the record's JSON field names; a shallow merge preserves any field the
// patch does not mention.
type Fields map[string]any

// Store is the state store contract shared by the NATS-backed and the
// in-process implementations.
type Store interface {
	// Create creates the incident record for id in the TRIGGERED stage.
	// It is idempotent: a second create for an existing id is a no-op
	// that returns the existing record.
	Create(ctx context.Context, id string, fields Fields) (*incident.Record, error)

	// Update applies a shallow field merge onto the existing record and
	// refreshes updated_at. Returns NotFoundError if the record does not
	// exist or has expired.
	Update(ctx context.Context, id string, fields Fields) (*incident.Record, error)

	// Get returns the record, or NotFoundError past TTL or when absent.
	Get(ctx context.Context, id string) (*incident.Record, error)

	// Transition is Update plus an atomic append to stage_history. It
	// rejects edges not defined by the state machine.
	Transition(ctx context.Context, id string, to incident.Stage, fields Fields) (*incident.Record, error)

	// ListActive returns all records whose stage is not terminal.
	ListActive(ctx context.Context) ([]*incident.Record, error)

	// ListByStage returns all unexpired records currently in stage.
	ListByStage(ctx context.Context, stage incident.Stage) ([]*incident.Record, error)

	// SetPendingApproval stores the pending-approval snapshot for its
	// incident id. At most one may exist per incident; storing over an
	// existing one returns ErrApprovalExists.
	SetPendingApproval(ctx context.Context, snapshot *incident.ApprovalSnapshot) error

	// GetPendingApproval returns the snapshot, or NotFoundError when
	// absent or expired.
	GetPendingApproval(ctx context.Context, id string) (*incident.ApprovalSnapshot, error)

	// TakePendingApproval atomically returns and deletes the snapshot.
	// Exactly one of two concurrent takers wins; the other gets
	// NotFoundError, so an approval is consumed at most once.
	TakePendingApproval(ctx context.Context, id string) (*incident.ApprovalSnapshot, error)

	// ClearPendingApproval deletes the snapshot. Clearing a nonexistent
	// snapshot is a no-op.
	ClearPendingApproval(ctx context.Context, id string) error

	// Close releases store resources.
	Close() error
}

// reservedFields are record fields a patch may never touch: identity,
// stage bookkeeping, and timestamps are owned by the store itself.
var reservedFields = map[string]struct{}{
	"incident_id":   {},
	"current_stage": {},
	"stage_history": {},
	"created_at":    {},
	"updated_at":    {},
}

// applyFields merges a patch onto the record in place. Top-level JSON
// fields present in the patch are replaced; absent fields are preserved.
// requires_approval is monotonic: once set it cannot be cleared by a patch.
func applyFields(rec *incident.Record, fields Fields) error {
	if len(fields) == 0 {
		return nil
	}

	clean := make(Fields, len(fields))
	for k, v := range fields {
		if _, reserved := reservedFields[k]; reserved {
			continue
		}
		clean[k] = v
	}

	requiresApproval := rec.RequiresApproval

	data, err := json.Marshal(clean)
	if err != nil {
		return fmt.Errorf("marshaling patch: %w", err)
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return fmt.Errorf("applying patch: %w", err)
	}

	if requiresApproval {
		rec.RequiresApproval = true
	}
	return nil
}

// newRecord builds the initial TRIGGERED record for an incident id.
func newRecord(id string, fields Fields) (*incident.Record, error) {
	now := timeNow().UTC()
	rec := &incident.Record{
		IncidentID:   id,
		CurrentStage: incident.StageTriggered,
		StageHistory: []incident.StageChange{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := applyFields(rec, fields); err != nil {
		return nil, err
	}
	return rec, nil
}

// transitionRecord validates the edge, applies the patch, appends history,
// and advances the stage. Mutates rec in place.
func transitionRecord(rec *incident.Record, to incident.Stage, fields Fields) error {
	if !incident.CanTransition(rec.CurrentStage, to) {
		return &incident.TransitionError{IncidentID: rec.IncidentID, From: rec.CurrentStage, To: to}
	}
	if err := applyFields(rec, fields); err != nil {
		return err
	}
	now := timeNow().UTC()
	rec.StageHistory = append(rec.StageHistory, incident.StageChange{
		From:      rec.CurrentStage,
		To:        to,
		Timestamp: now,
	})
	rec.CurrentStage = to
	rec.UpdatedAt = now
	return nil
}

// cloneRecord deep-copies a record through JSON so callers never alias
// store-internal state.
func cloneRecord(rec *incident.Record) (*incident.Record, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("cloning record: %w", err)
	}
	var out incident.Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cloning record: %w", err)
	}
	return &out, nil
}
