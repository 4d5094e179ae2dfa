package edgecase

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/remedyd/internal/incident"
)

// Tag values produced by the built-in rules.
const (
	TagLowConfidence          = "low_confidence"
	TagAmbiguousRootCause     = "ambiguous_root_cause"
	TagMultipleFailures       = "multiple_failures"
	TagCascadingFailure       = "cascading_failure"
	TagNovelFailure           = "novel_failure"
	TagConflictingEvidence    = "conflicting_evidence"
	TagHighBlastRadius        = "high_blast_radius"
	TagDataSensitive          = "data_sensitive"
	TagCustomerFacingCritical = "customer_facing_critical"
)

// Rule is one tagged heuristic. Rules are independent predicates so each
// can be tested and replaced on its own.
type Rule interface {
	// Tag is the stable identifier recorded on the incident.
	Tag() string

	// ForcesHuman reports whether a match mandates human review.
	ForcesHuman() bool

	// Match reports whether the rule fires for the given input.
	Match(in Input) bool
}

// lowConfidenceRule fires when the hypothesis itself is weak.
type lowConfidenceRule struct {
	threshold float64
}

func (r lowConfidenceRule) Tag() string       { return TagLowConfidence }
func (r lowConfidenceRule) ForcesHuman() bool { return false }

func (r lowConfidenceRule) Match(in Input) bool {
	if in.Hypothesis == nil {
		return false
	}
	return in.Hypothesis.Confidence < r.threshold
}

// hedgingMarkers are phrases that signal an uncertain root cause. "or" is
// matched on word boundaries to avoid firing inside words like "error".
var hedgingMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)could be`),
	regexp.MustCompile(`(?i)might be`),
	regexp.MustCompile(`(?i)possibly`),
	regexp.MustCompile(`(?i)\bor\b`),
	regexp.MustCompile(`(?i)alternatively`),
}

// ambiguousRootCauseRule fires when the hypothesis hedges twice or more.
type ambiguousRootCauseRule struct{}

func (ambiguousRootCauseRule) Tag() string       { return TagAmbiguousRootCause }
func (ambiguousRootCauseRule) ForcesHuman() bool { return false }

func (ambiguousRootCauseRule) Match(in Input) bool {
	if in.Hypothesis == nil {
		return false
	}
	hits := 0
	for _, marker := range hedgingMarkers {
		if marker.MatchString(in.Hypothesis.Text) {
			hits++
		}
	}
	return hits >= 2
}

// multipleFailuresRule fires when the blast pattern spans more than two
// services or failure modes.
type multipleFailuresRule struct{}

func (multipleFailuresRule) Tag() string       { return TagMultipleFailures }
func (multipleFailuresRule) ForcesHuman() bool { return false }

func (multipleFailuresRule) Match(in Input) bool {
	if in.Hypothesis == nil {
		return false
	}
	if len(in.Hypothesis.AffectedServices) > 2 {
		return true
	}
	distinct := make(map[string]struct{})
	for _, tag := range in.Hypothesis.FailureTags {
		distinct[strings.ToLower(tag)] = struct{}{}
	}
	return len(distinct) > 2
}

// cascadeVocabulary signals failure propagation across components.
var cascadeVocabulary = regexp.MustCompile(`(?i)cascad|propagat|downstream|ripple|domino|knock-on|chain reaction`)

type cascadingFailureRule struct{}

func (cascadingFailureRule) Tag() string       { return TagCascadingFailure }
func (cascadingFailureRule) ForcesHuman() bool { return false }

func (cascadingFailureRule) Match(in Input) bool {
	return in.Hypothesis != nil && cascadeVocabulary.MatchString(in.Hypothesis.Text)
}

// novelFailureMinScore is the retrieval similarity below which nothing in
// the runbook corpus is considered a real precedent.
const novelFailureMinScore = 0.5

// novelFailureRule fires when the corpus has no usable precedent.
type novelFailureRule struct{}

func (novelFailureRule) Tag() string       { return TagNovelFailure }
func (novelFailureRule) ForcesHuman() bool { return true }

func (novelFailureRule) Match(in Input) bool {
	if in.Context == nil || len(in.Context.Results) == 0 {
		return true
	}
	return in.Context.MaxScore < novelFailureMinScore
}

// actionPair is a pair of mutually exclusive actions.
type actionPair struct {
	action  string
	counter string
}

// conflictPairs is the fixed table of opposite actions. A conflict exists
// when the hypothesis side asserts one and a retrieved runbook asserts the
// other, in either direction.
var conflictPairs = []actionPair{
	{action: "restart", counter: "do not restart"},
	{action: "restart", counter: "don't restart"},
	{action: "scale up", counter: "scale down"},
	{action: "roll back", counter: "roll forward"},
	{action: "rollback", counter: "roll forward"},
	{action: "failover", counter: "do not failover"},
	{action: "increase", counter: "decrease"},
}

type conflictingEvidenceRule struct{}

func (conflictingEvidenceRule) Tag() string       { return TagConflictingEvidence }
func (conflictingEvidenceRule) ForcesHuman() bool { return true }

func (conflictingEvidenceRule) Match(in Input) bool {
	if in.Hypothesis == nil || in.Context == nil {
		return false
	}
	claim := strings.ToLower(in.Hypothesis.Text + " " + in.Hypothesis.Recommendation)
	for _, result := range in.Context.Results {
		evidence := strings.ToLower(result.Content)
		for _, pair := range conflictPairs {
			if conflicts(claim, evidence, pair) || conflicts(evidence, claim, pair) {
				return true
			}
		}
	}
	return false
}

// conflicts reports whether a asserts the action while b asserts its
// counter. The counter phrase is checked first on the action side so
// "don't restart" does not count as asserting "restart".
func conflicts(a, b string, pair actionPair) bool {
	if !strings.Contains(b, pair.counter) {
		return false
	}
	return strings.Contains(a, pair.action) && !strings.Contains(a, pair.counter)
}

// highBlastRadiusRule fires on top urgency or a configured critical service.
type highBlastRadiusRule struct {
	criticalServices []string
}

func (highBlastRadiusRule) Tag() string       { return TagHighBlastRadius }
func (highBlastRadiusRule) ForcesHuman() bool { return true }

func (r highBlastRadiusRule) Match(in Input) bool {
	if strings.EqualFold(in.Urgency, incident.UrgencyCritical) {
		return true
	}
	affected := []string{in.Service}
	if in.Hypothesis != nil {
		affected = append(affected, in.Hypothesis.AffectedServices...)
	}
	for _, svc := range affected {
		for _, critical := range r.criticalServices {
			if strings.EqualFold(svc, critical) {
				return true
			}
		}
	}
	return false
}

// sensitiveVocabulary covers destructive operations and PII-adjacent terms.
var sensitiveVocabulary = regexp.MustCompile(`(?i)\b(delete|drop|truncate|wipe|purge|pii|credential|secret|token|password)`)

// dataSensitiveRule fires when the hypothesis or the proposed fix touches
// destructive or sensitive territory.
type dataSensitiveRule struct{}

func (dataSensitiveRule) Tag() string       { return TagDataSensitive }
func (dataSensitiveRule) ForcesHuman() bool { return true }

func (dataSensitiveRule) Match(in Input) bool {
	if in.Hypothesis != nil && sensitiveVocabulary.MatchString(in.Hypothesis.Text) {
		return true
	}
	return sensitiveVocabulary.MatchString(in.RemediationText)
}

// customerFacingRule surfaces customer impact without forcing review.
type customerFacingRule struct {
	keywords []string
}

func (customerFacingRule) Tag() string       { return TagCustomerFacingCritical }
func (customerFacingRule) ForcesHuman() bool { return false }

func (r customerFacingRule) Match(in Input) bool {
	title := strings.ToLower(in.Title)
	service := strings.ToLower(in.Service)
	for _, kw := range r.keywords {
		kw = strings.ToLower(kw)
		if strings.Contains(title, kw) || strings.Contains(service, kw) {
			return true
		}
	}
	return false
}
