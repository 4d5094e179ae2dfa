// Package learning turns resolved incidents back into retrievable
// knowledge and watches for approvals nobody is answering.
package learning

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/incident"
	"github.com/fyrsmithlabs/remedyd/internal/knowledge"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/notify"
	"github.com/fyrsmithlabs/remedyd/internal/store"
)

var tracer = otel.Tracer("remedyd.learning")

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// Recorder is the slice of the knowledge store the sweeper writes to.
type Recorder interface {
	Record(ctx context.Context, rb knowledge.Runbook) error
	Has(id string) bool
}

// EventPublisher receives stale-approval events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev notify.Event)
}

// Sweeper periodically harvests auto-remediated incidents into the runbook
// corpus and flags approval prompts that have gone unanswered.
type Sweeper struct {
	store      store.Store
	knowledge  Recorder
	events     EventPublisher
	interval   time.Duration
	staleAfter time.Duration
	logger     *logging.Logger

	mu      sync.Mutex
	running bool
	flagged map[string]struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper wires the sweeper. events may be nil.
func NewSweeper(st store.Store, kn Recorder, events EventPublisher, cfg config.LearningConfig, logger *logging.Logger) (*Sweeper, error) {
	if st == nil {
		return nil, &incident.ConfigurationError{Component: "learning", Reason: "store is required"}
	}
	if kn == nil {
		return nil, &incident.ConfigurationError{Component: "learning", Reason: "knowledge store is required"}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	staleAfter := cfg.ApprovalStaleAfter
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &Sweeper{
		store:      st,
		knowledge:  kn,
		events:     events,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
		flagged:    make(map[string]struct{}),
	}, nil
}

// Start begins sweeping in the background. Returns immediately.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	// Fresh channels each start so the sweeper can be restarted after Stop.
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	s.logger.Info(ctx, "starting learning sweeper",
		zap.Duration("interval", s.interval),
		zap.Duration("approval_stale_after", s.staleAfter))

	go s.run(ctx, stopCh, doneCh)
}

// Stop halts the sweeper and waits for the current sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning reports whether the sweep loop is active.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sweeper) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "learning sweeper stopped: context canceled")
			return
		case <-stopCh:
			s.logger.Info(context.Background(), "learning sweeper stopped: stop requested")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one harvest-and-flag pass. Exported so operators can trigger
// an immediate pass without waiting for the ticker.
func (s *Sweeper) Sweep(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "learning.Sweep")
	defer span.End()

	if n, err := s.harvestResolved(ctx); err != nil {
		s.logger.Error(ctx, "runbook harvest failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info(ctx, "harvested resolved incidents into runbooks", zap.Int("count", n))
	}

	if err := s.flagStaleApprovals(ctx); err != nil {
		s.logger.Error(ctx, "stale approval scan failed", zap.Error(err))
	}
}

// harvestResolved records a runbook for every auto-remediated incident not
// yet in the corpus. Self-healed incidents carry no remediation lesson and
// are skipped.
func (s *Sweeper) harvestResolved(ctx context.Context) (int, error) {
	resolved, err := s.store.ListByStage(ctx, incident.StageResolved)
	if err != nil {
		return 0, fmt.Errorf("listing resolved incidents: %w", err)
	}

	harvested := 0
	for _, rec := range resolved {
		if rec.Resolution != incident.ResolutionAutoRemediated {
			continue
		}
		if rec.Remediation == nil || rec.Remediation.Code == "" {
			continue
		}
		id := runbookID(rec.IncidentID)
		if s.knowledge.Has(id) {
			continue
		}
		if err := s.knowledge.Record(ctx, harvestRunbook(id, rec)); err != nil {
			return harvested, fmt.Errorf("recording runbook for %s: %w", rec.IncidentID, err)
		}
		harvested++
	}
	return harvested, nil
}

// flagStaleApprovals warns once per incident about approval prompts older
// than the staleness threshold. Humans answer or escalate; the sweeper
// never decides for them.
func (s *Sweeper) flagStaleApprovals(ctx context.Context) error {
	waiting, err := s.store.ListByStage(ctx, incident.StageAwaitingApproval)
	if err != nil {
		return fmt.Errorf("listing awaiting incidents: %w", err)
	}

	stale := make(map[string]struct{}, len(waiting))
	now := timeNow()
	for _, rec := range waiting {
		if rec.ApprovalAsked == nil {
			continue
		}
		age := now.Sub(*rec.ApprovalAsked)
		if age < s.staleAfter {
			continue
		}
		stale[rec.IncidentID] = struct{}{}

		s.mu.Lock()
		_, seen := s.flagged[rec.IncidentID]
		if !seen {
			s.flagged[rec.IncidentID] = struct{}{}
		}
		s.mu.Unlock()
		if seen {
			continue
		}

		s.logger.Warn(ctx, "approval prompt unanswered",
			zap.String("incident_id", rec.IncidentID),
			zap.Duration("age", age))
		if s.events != nil {
			s.events.PublishEvent(ctx, notify.Event{
				IncidentID: rec.IncidentID,
				Stage:      rec.CurrentStage,
				Detail:     fmt.Sprintf("approval pending for %s", age.Round(time.Minute)),
			})
		}
	}

	// Incidents that moved on can be flagged again if they come back.
	s.mu.Lock()
	for id := range s.flagged {
		if _, ok := stale[id]; !ok {
			delete(s.flagged, id)
		}
	}
	s.mu.Unlock()
	return nil
}

func runbookID(incidentID string) string {
	return "incident-" + incidentID
}

// harvestRunbook renders the incident's hypothesis and fix into a runbook
// document the retriever can match against future hypotheses.
func harvestRunbook(id string, rec *incident.Record) knowledge.Runbook {
	var b strings.Builder
	if rec.Hypothesis != nil {
		fmt.Fprintf(&b, "Failure: %s\n", rec.Hypothesis.Text)
		if rec.Hypothesis.RootCause != "" {
			fmt.Fprintf(&b, "Root cause: %s\n", rec.Hypothesis.RootCause)
		}
	}
	if rec.Remediation.Reasoning != "" {
		fmt.Fprintf(&b, "Approach: %s\n", rec.Remediation.Reasoning)
	}
	fmt.Fprintf(&b, "Fix:\n%s\n", rec.Remediation.Code)
	if rec.VerificationResult != nil && rec.VerificationResult.Success {
		b.WriteString("Verified healthy after applying the fix.\n")
	}

	title := rec.Title
	if title == "" {
		title = "Remediation for " + rec.IncidentID
	}
	failureTag := ""
	if rec.Hypothesis != nil && len(rec.Hypothesis.FailureTags) > 0 {
		failureTag = rec.Hypothesis.FailureTags[0]
	}
	return knowledge.Runbook{
		ID:         id,
		Title:      title,
		Content:    b.String(),
		Service:    rec.Service,
		FailureTag: failureTag,
		Source:     rec.IncidentID,
	}
}
