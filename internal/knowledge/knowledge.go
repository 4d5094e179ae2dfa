// Package knowledge is the retrieval collaborator: an embedded vector store
// of remediation runbooks queried per incident to ground the synthesized
// fix in prior operational knowledge.
package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/incident"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

var tracer = otel.Tracer("remedyd.knowledge")

// Runbook is one stored remediation precedent.
type Runbook struct {
	ID      string
	Title   string
	Content string
	Service string
	// FailureTag classifies the failure mode, e.g. "oom" or "disk_full".
	FailureTag string
	// Source records where the runbook came from: "seed" or an incident id.
	Source string
}

// Store is a chromem-go backed runbook store. chromem keeps documents in
// memory with gob persistence, so retrieval needs no external service.
type Store struct {
	db         *chromem.DB
	collection *chromem.Collection
	topK       int
	logger     *logging.Logger
}

// NewStore opens (or creates) the persistent runbook collection. The
// embedding function turns runbook text into vectors; production wires an
// OpenAI-compatible embedder, tests use a stub.
func NewStore(cfg config.KnowledgeConfig, embed chromem.EmbeddingFunc, logger *logging.Logger) (*Store, error) {
	if embed == nil {
		return nil, &incident.ConfigurationError{Component: "knowledge", Reason: "embedding function is required"}
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	path, err := expandPath(cfg.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating knowledge dir %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("opening knowledge db: %w", err)
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", cfg.Collection, err)
	}

	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}

	logger.Info(context.Background(), "knowledge store opened",
		zap.String("path", path),
		zap.String("collection", cfg.Collection),
		zap.Int("documents", collection.Count()))

	return &Store{db: db, collection: collection, topK: topK, logger: logger}, nil
}

// Retrieve queries the runbook corpus with the incident's hypothesis and
// returns the scored result set. The query runs once unfiltered and once
// per metadata filter derived from the incident (affected service, failure
// tags); the passes are merged by best similarity so a same-service or
// same-failure runbook surfaces even when the plain text match ranks it
// below topK. An empty corpus yields an empty set, not an error; the
// edge-case detector turns that into novel_failure.
func (s *Store) Retrieve(ctx context.Context, rec *incident.Record) (*incident.ContextSet, error) {
	ctx, span := tracer.Start(ctx, "knowledge.Retrieve")
	defer span.End()

	query := buildQuery(rec)
	if query == "" {
		return nil, &incident.ValidationError{Field: "hypothesis", Reason: "required for context retrieval"}
	}
	span.SetAttributes(attribute.String("incident_id", rec.IncidentID))

	// chromem requires nResults <= document count.
	count := s.collection.Count()
	if count == 0 {
		return &incident.ContextSet{}, nil
	}
	k := s.topK
	if k > count {
		k = count
	}

	best := make(map[string]chromem.Result)
	for _, where := range retrievalFilters(rec) {
		results, err := s.collection.Query(ctx, query, k, where, nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("querying runbooks: %w", err)
		}
		for _, r := range results {
			if have, ok := best[r.ID]; !ok || r.Similarity > have.Similarity {
				best[r.ID] = r
			}
		}
	}

	// Each pass is capped at topK; the union keeps every filtered hit even
	// when it ranks below the plain text matches.
	merged := make([]chromem.Result, 0, len(best))
	for _, r := range best {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Similarity > merged[j].Similarity })

	set := &incident.ContextSet{Results: make([]incident.ContextResult, 0, len(merged))}
	for _, r := range merged {
		set.Results = append(set.Results, incident.ContextResult{
			Title:    r.Metadata["title"],
			Content:  r.Content,
			Score:    float64(r.Similarity),
			Metadata: r.Metadata,
		})
		if float64(r.Similarity) > set.MaxScore {
			set.MaxScore = float64(r.Similarity)
		}
	}

	s.logger.Debug(ctx, "retrieved runbook context",
		zap.String("incident_id", rec.IncidentID),
		zap.Int("results", len(set.Results)),
		zap.Float64("max_score", set.MaxScore))
	return set, nil
}

// retrievalFilters derives the metadata filters for one retrieval: the
// unfiltered pass first, then one pass per affected service and failure
// tag the hypothesis names.
func retrievalFilters(rec *incident.Record) []map[string]string {
	filters := []map[string]string{nil}
	if rec.Service != "" {
		filters = append(filters, map[string]string{"service": rec.Service})
	}
	if rec.Hypothesis != nil {
		for _, svc := range rec.Hypothesis.AffectedServices {
			if svc != "" && svc != rec.Service {
				filters = append(filters, map[string]string{"service": svc})
			}
		}
		for _, tag := range rec.Hypothesis.FailureTags {
			if tag != "" {
				filters = append(filters, map[string]string{"failure_tag": tag})
			}
		}
	}
	return filters
}

// Record stores one runbook. The learning sweeper calls this with the
// remediation of every resolved incident so future retrievals can find it.
func (s *Store) Record(ctx context.Context, rb Runbook) error {
	ctx, span := tracer.Start(ctx, "knowledge.Record")
	defer span.End()

	if rb.Content == "" {
		return &incident.ValidationError{Field: "content", Reason: "required"}
	}
	if rb.ID == "" {
		return &incident.ValidationError{Field: "id", Reason: "required"}
	}

	doc := chromem.Document{
		ID:      rb.ID,
		Content: rb.Content,
		Metadata: map[string]string{
			"title":       rb.Title,
			"service":     rb.Service,
			"failure_tag": rb.FailureTag,
			"source":      rb.Source,
		},
	}
	if err := s.collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing runbook %s: %w", rb.ID, err)
	}

	s.logger.Info(ctx, "runbook recorded",
		zap.String("runbook_id", rb.ID),
		zap.String("service", rb.Service),
		zap.String("source", rb.Source))
	return nil
}

// Has reports whether a runbook with the given id exists.
func (s *Store) Has(id string) bool {
	_, err := s.collection.GetByID(context.Background(), id)
	return err == nil
}

// Seed loads the given runbooks into an empty collection. A non-empty
// collection is left untouched so restarts do not duplicate documents.
func (s *Store) Seed(ctx context.Context, runbooks []Runbook) error {
	if s.collection.Count() > 0 || len(runbooks) == 0 {
		return nil
	}
	for _, rb := range runbooks {
		if err := s.Record(ctx, rb); err != nil {
			return err
		}
	}
	s.logger.Info(ctx, "seeded runbook corpus", zap.Int("count", len(runbooks)))
	return nil
}

// Count returns the number of stored runbooks.
func (s *Store) Count() int {
	return s.collection.Count()
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

// buildQuery assembles the retrieval query from the incident's hypothesis.
func buildQuery(rec *incident.Record) string {
	if rec == nil || rec.Hypothesis == nil {
		return ""
	}
	parts := []string{rec.Hypothesis.Text}
	if rec.Hypothesis.RootCause != "" {
		parts = append(parts, rec.Hypothesis.RootCause)
	}
	if rec.Service != "" {
		parts = append(parts, rec.Service)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
