package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/incident"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

// memoryEntry holds one serialized record with its expiry.
type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is the in-process degraded-mode store. Records live in a map
// for the process lifetime; TTLs are still honored on read so the contract
// matches the NATS-backed store, but nothing survives a restart.
type MemoryStore struct {
	incidentTTL time.Duration
	approvalTTL time.Duration
	logger      *logging.Logger

	mu        sync.RWMutex
	incidents map[string]*memoryEntry
	approvals map[string]*memoryEntry
}

// NewMemoryStore creates an in-process store with the given TTLs.
func NewMemoryStore(incidentTTL, approvalTTL time.Duration, logger *logging.Logger) *MemoryStore {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &MemoryStore{
		incidentTTL: incidentTTL,
		approvalTTL: approvalTTL,
		logger:      logger,
		incidents:   make(map[string]*memoryEntry),
		approvals:   make(map[string]*memoryEntry),
	}
}

// liveEntry returns the entry if present and unexpired. Caller holds mu.
func liveEntry(m map[string]*memoryEntry, id string) *memoryEntry {
	e, ok := m[id]
	if !ok {
		return nil
	}
	if timeNow().After(e.expiresAt) {
		return nil
	}
	return e
}

func (s *MemoryStore) Create(ctx context.Context, id string, fields Fields) (*incident.Record, error) {
	if id == "" {
		return nil, &incident.ValidationError{Field: "incident_id", Reason: "required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e := liveEntry(s.incidents, id); e != nil {
		return decodeRecord(e.data)
	}

	rec, err := newRecord(id, fields)
	if err != nil {
		return nil, err
	}
	if err := s.putIncidentLocked(rec); err != nil {
		return nil, err
	}
	return cloneRecord(rec)
}

func (s *MemoryStore) Update(ctx context.Context, id string, fields Fields) (*incident.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.getIncidentLocked(id)
	if err != nil {
		return nil, err
	}
	if err := applyFields(rec, fields); err != nil {
		return nil, err
	}
	rec.UpdatedAt = timeNow().UTC()
	if err := s.putIncidentLocked(rec); err != nil {
		return nil, err
	}
	return cloneRecord(rec)
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*incident.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := liveEntry(s.incidents, id)
	if e == nil {
		return nil, incident.NewIncidentNotFound(id)
	}
	return decodeRecord(e.data)
}

func (s *MemoryStore) Transition(ctx context.Context, id string, to incident.Stage, fields Fields) (*incident.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.getIncidentLocked(id)
	if err != nil {
		return nil, err
	}
	if err := transitionRecord(rec, to, fields); err != nil {
		return nil, err
	}
	if err := s.putIncidentLocked(rec); err != nil {
		return nil, err
	}
	return cloneRecord(rec)
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]*incident.Record, error) {
	return s.list(func(rec *incident.Record) bool { return rec.Active() })
}

func (s *MemoryStore) ListByStage(ctx context.Context, stage incident.Stage) ([]*incident.Record, error) {
	return s.list(func(rec *incident.Record) bool { return rec.CurrentStage == stage })
}

func (s *MemoryStore) list(keep func(*incident.Record) bool) ([]*incident.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*incident.Record
	for id := range s.incidents {
		e := liveEntry(s.incidents, id)
		if e == nil {
			continue
		}
		rec, err := decodeRecord(e.data)
		if err != nil {
			return nil, err
		}
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) SetPendingApproval(ctx context.Context, snapshot *incident.ApprovalSnapshot) error {
	if snapshot == nil || snapshot.IncidentID == "" {
		return &incident.ValidationError{Field: "incident_id", Reason: "required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if liveEntry(s.approvals, snapshot.IncidentID) != nil {
		return incident.ErrApprovalExists
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encoding approval: %w", err)
	}
	s.approvals[snapshot.IncidentID] = &memoryEntry{
		data:      data,
		expiresAt: timeNow().Add(s.approvalTTL),
	}
	return nil
}

func (s *MemoryStore) GetPendingApproval(ctx context.Context, id string) (*incident.ApprovalSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := liveEntry(s.approvals, id)
	if e == nil {
		return nil, incident.NewApprovalNotFound(id)
	}
	var snap incident.ApprovalSnapshot
	if err := json.Unmarshal(e.data, &snap); err != nil {
		return nil, fmt.Errorf("decoding approval: %w", err)
	}
	return &snap, nil
}

func (s *MemoryStore) TakePendingApproval(ctx context.Context, id string) (*incident.ApprovalSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := liveEntry(s.approvals, id)
	if e == nil {
		return nil, incident.NewApprovalNotFound(id)
	}
	var snap incident.ApprovalSnapshot
	if err := json.Unmarshal(e.data, &snap); err != nil {
		return nil, fmt.Errorf("decoding approval: %w", err)
	}
	delete(s.approvals, id)
	return &snap, nil
}

func (s *MemoryStore) ClearPendingApproval(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.approvals, id)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// getIncidentLocked reads and decodes a live record. Caller holds mu.
func (s *MemoryStore) getIncidentLocked(id string) (*incident.Record, error) {
	e := liveEntry(s.incidents, id)
	if e == nil {
		return nil, incident.NewIncidentNotFound(id)
	}
	return decodeRecord(e.data)
}

// putIncidentLocked encodes and stores the record, refreshing its TTL.
// Caller holds mu.
func (s *MemoryStore) putIncidentLocked(rec *incident.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	s.incidents[rec.IncidentID] = &memoryEntry{
		data:      data,
		expiresAt: timeNow().Add(s.incidentTTL),
	}
	return nil
}

func decodeRecord(data []byte) (*incident.Record, error) {
	var rec incident.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &rec, nil
}
