package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/incident"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

// updateRetries bounds optimistic-concurrency retries on revision
// conflicts. Each loser of an n-writer race needs up to n-1 more attempts,
// so the budget is sized well above the handful of writers a single
// incident sees (webhook delivery, approval callback, sweeper).
const updateRetries = 10

// retryBackoff spaces conflict retries so racing writers stop colliding on
// the same revision.
const retryBackoff = 5 * time.Millisecond

// keyPattern restricts incident ids to the charset JetStream KV accepts.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_=.-]+$`)

// NATSStore persists incident and approval records in two JetStream
// key/value buckets with per-bucket TTLs. Every write is a fresh message,
// so TTLs refresh on write; reads past TTL behave as absent because
// JetStream has already expired the entry.
type NATSStore struct {
	nc        *nats.Conn
	ownsConn  bool
	incidents nats.KeyValue
	approvals nats.KeyValue
	logger    *logging.Logger
}

// NATSStoreConfig configures bucket names and TTLs.
type NATSStoreConfig struct {
	BucketPrefix string
	IncidentTTL  time.Duration
	ApprovalTTL  time.Duration
}

// NewNATSStore creates the JetStream-backed store, creating the buckets if
// they do not exist yet.
func NewNATSStore(nc *nats.Conn, cfg NATSStoreConfig, logger *logging.Logger) (*NATSStore, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	incidents, err := ensureBucket(js, cfg.BucketPrefix+"_incidents", cfg.IncidentTTL)
	if err != nil {
		return nil, err
	}
	approvals, err := ensureBucket(js, cfg.BucketPrefix+"_approvals", cfg.ApprovalTTL)
	if err != nil {
		return nil, err
	}

	return &NATSStore{
		nc:        nc,
		incidents: incidents,
		approvals: approvals,
		logger:    logger,
	}, nil
}

// ensureBucket opens a KV bucket, creating it with the given TTL if absent.
func ensureBucket(js nats.JetStreamContext, bucket string, ttl time.Duration) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("opening bucket %s: %w", bucket, err)
	}

	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  bucket,
		TTL:     ttl,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bucket %s: %w", bucket, err)
	}
	return kv, nil
}

func validateKey(id string) error {
	if id == "" || !keyPattern.MatchString(id) {
		return &incident.ValidationError{Field: "incident_id", Reason: "must be non-empty and match [A-Za-z0-9_=.-]"}
	}
	return nil
}

func (s *NATSStore) Create(ctx context.Context, id string, fields Fields) (*incident.Record, error) {
	if err := validateKey(id); err != nil {
		return nil, err
	}

	rec, err := newRecord(id, fields)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}

	// Atomic create: a concurrent or repeated trigger loses the race and
	// reads the existing record instead.
	if _, err := s.incidents.Create(id, data); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return s.Get(ctx, id)
		}
		return nil, fmt.Errorf("creating record %s: %w", id, err)
	}
	return rec, nil
}

func (s *NATSStore) Update(ctx context.Context, id string, fields Fields) (*incident.Record, error) {
	return s.mutate(ctx, id, func(rec *incident.Record) error {
		if err := applyFields(rec, fields); err != nil {
			return err
		}
		rec.UpdatedAt = timeNow().UTC()
		return nil
	})
}

func (s *NATSStore) Get(ctx context.Context, id string) (*incident.Record, error) {
	if err := validateKey(id); err != nil {
		return nil, err
	}
	entry, err := s.incidents.Get(id)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, incident.NewIncidentNotFound(id)
		}
		return nil, fmt.Errorf("reading record %s: %w", id, err)
	}
	return decodeRecord(entry.Value())
}

func (s *NATSStore) Transition(ctx context.Context, id string, to incident.Stage, fields Fields) (*incident.Record, error) {
	return s.mutate(ctx, id, func(rec *incident.Record) error {
		return transitionRecord(rec, to, fields)
	})
}

// mutate runs a read-modify-write cycle with optimistic revision checks.
// A revision conflict means another writer touched the record between read
// and write; the cycle is retried on fresh state a bounded number of times.
func (s *NATSStore) mutate(ctx context.Context, id string, fn func(*incident.Record) error) (*incident.Record, error) {
	if err := validateKey(id); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < updateRetries; attempt++ {
		entry, err := s.incidents.Get(id)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				return nil, incident.NewIncidentNotFound(id)
			}
			return nil, fmt.Errorf("reading record %s: %w", id, err)
		}

		rec, err := decodeRecord(entry.Value())
		if err != nil {
			return nil, err
		}
		if err := fn(rec); err != nil {
			return nil, err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encoding record: %w", err)
		}

		if _, err := s.incidents.Update(id, data, entry.Revision()); err != nil {
			if !isRevisionConflict(err) {
				return nil, fmt.Errorf("writing record %s: %w", id, err)
			}
			lastErr = err
			s.logger.Warn(ctx, "revision conflict on incident write, retrying",
				zap.String("incident_id", id),
				zap.Int("attempt", attempt+1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt+1) * retryBackoff):
			}
			continue
		}
		return rec, nil
	}
	return nil, fmt.Errorf("writing record %s after %d attempts: %w", id, updateRetries, lastErr)
}

// isRevisionConflict reports whether a KV write failed because another
// writer advanced the revision first. Only these failures are retryable.
func isRevisionConflict(err error) bool {
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

func (s *NATSStore) ListActive(ctx context.Context) ([]*incident.Record, error) {
	return s.list(ctx, func(rec *incident.Record) bool { return rec.Active() })
}

func (s *NATSStore) ListByStage(ctx context.Context, stage incident.Stage) ([]*incident.Record, error) {
	return s.list(ctx, func(rec *incident.Record) bool { return rec.CurrentStage == stage })
}

func (s *NATSStore) list(ctx context.Context, keep func(*incident.Record) bool) ([]*incident.Record, error) {
	keys, err := s.incidents.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing incidents: %w", err)
	}

	var out []*incident.Record
	for _, key := range keys {
		rec, err := s.Get(ctx, key)
		if err != nil {
			if incident.IsNotFound(err) {
				continue // expired between Keys and Get
			}
			return nil, err
		}
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *NATSStore) SetPendingApproval(ctx context.Context, snapshot *incident.ApprovalSnapshot) error {
	if snapshot == nil {
		return &incident.ValidationError{Field: "snapshot", Reason: "required"}
	}
	if err := validateKey(snapshot.IncidentID); err != nil {
		return err
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encoding approval: %w", err)
	}

	if _, err := s.approvals.Create(snapshot.IncidentID, data); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return incident.ErrApprovalExists
		}
		return fmt.Errorf("storing approval %s: %w", snapshot.IncidentID, err)
	}
	return nil
}

func (s *NATSStore) GetPendingApproval(ctx context.Context, id string) (*incident.ApprovalSnapshot, error) {
	if err := validateKey(id); err != nil {
		return nil, err
	}
	entry, err := s.approvals.Get(id)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, incident.NewApprovalNotFound(id)
		}
		return nil, fmt.Errorf("reading approval %s: %w", id, err)
	}
	var snap incident.ApprovalSnapshot
	if err := json.Unmarshal(entry.Value(), &snap); err != nil {
		return nil, fmt.Errorf("decoding approval: %w", err)
	}
	return &snap, nil
}

func (s *NATSStore) TakePendingApproval(ctx context.Context, id string) (*incident.ApprovalSnapshot, error) {
	if err := validateKey(id); err != nil {
		return nil, err
	}
	entry, err := s.approvals.Get(id)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, incident.NewApprovalNotFound(id)
		}
		return nil, fmt.Errorf("reading approval %s: %w", id, err)
	}
	var snap incident.ApprovalSnapshot
	if err := json.Unmarshal(entry.Value(), &snap); err != nil {
		return nil, fmt.Errorf("decoding approval: %w", err)
	}
	// The revision-checked delete makes the take exclusive: of two racing
	// resolvers, the one whose delete loses sees not-found.
	if err := s.approvals.Delete(id, nats.LastRevision(entry.Revision())); err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) || isRevisionConflict(err) {
			return nil, incident.NewApprovalNotFound(id)
		}
		return nil, fmt.Errorf("taking approval %s: %w", id, err)
	}
	return &snap, nil
}

func (s *NATSStore) ClearPendingApproval(ctx context.Context, id string) error {
	if err := validateKey(id); err != nil {
		return err
	}
	if err := s.approvals.Delete(id); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("clearing approval %s: %w", id, err)
	}
	return nil
}

// Conn exposes the underlying NATS connection so components that publish
// on the same server (event notifications) can share it.
func (s *NATSStore) Conn() *nats.Conn {
	return s.nc
}

func (s *NATSStore) Close() error {
	if s.ownsConn && s.nc != nil {
		s.nc.Close()
	}
	return nil
}
