// Package confidence implements the deterministic gate that decides whether
// a synthesized remediation may run autonomously or needs a human approval.
package confidence

import (
	"fmt"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/incident"
)

// remediationFloor is the minimum remediation confidence for autonomous
// execution. Unlike the hypothesis and context thresholds it is not
// configurable: a collaborator unsure of its own fix never runs unattended.
const remediationFloor = 70.0

// criticalTags are the edge-case tags that veto autonomous execution on
// their own, regardless of how high the scalar scores are.
var criticalTags = map[string]struct{}{
	"novel_failure":        {},
	"conflicting_evidence": {},
	"data_sensitive":       {},
	"high_blast_radius":    {},
}

// Input bundles everything the gate inspects for one incident.
type Input struct {
	HypothesisConfidence  float64
	ContextMatchScore     float64
	RemediationConfidence float64
	Risk                  incident.RiskLevel
	EdgeCases             []string
}

// Decision is the gate outcome. Reason names the first rule that blocked
// autonomous execution; it is empty when AutoExecute is true.
type Decision struct {
	AutoExecute bool
	Reason      string
}

// rule is one ordered check. It returns a blocking reason, or "" to pass.
type rule struct {
	name  string
	check func(in Input, cfg config.ConfidenceConfig) string
}

// Evaluator applies its rules in order; the first blocking rule wins and
// names the reported reason. Every rule also gates independently, so a
// single failing condition blocks no matter which rules precede it.
type Evaluator struct {
	cfg   config.ConfidenceConfig
	rules []rule
}

// NewEvaluator builds the gate with the configured thresholds.
func NewEvaluator(cfg config.ConfidenceConfig) *Evaluator {
	return &Evaluator{
		cfg: cfg,
		rules: []rule{
			{name: "high-risk", check: checkRisk},
			{name: "hypothesis-confidence", check: checkHypothesis},
			{name: "context-match", check: checkContext},
			{name: "remediation-confidence", check: checkRemediation},
			{name: "critical-edge-case", check: checkCriticalEdgeCases},
		},
	}
}

// Evaluate runs the ordered rules over one incident's scores.
func (e *Evaluator) Evaluate(in Input) Decision {
	for _, r := range e.rules {
		if reason := r.check(in, e.cfg); reason != "" {
			return Decision{AutoExecute: false, Reason: reason}
		}
	}
	return Decision{AutoExecute: true}
}

func checkRisk(in Input, _ config.ConfidenceConfig) string {
	if in.Risk == incident.RiskHigh {
		return "risk assessed HIGH"
	}
	return ""
}

func checkHypothesis(in Input, cfg config.ConfidenceConfig) string {
	if in.HypothesisConfidence < cfg.HypothesisThreshold {
		return fmt.Sprintf("hypothesis confidence %.0f below threshold %.0f",
			in.HypothesisConfidence, cfg.HypothesisThreshold)
	}
	return ""
}

func checkContext(in Input, cfg config.ConfidenceConfig) string {
	if in.ContextMatchScore < cfg.ContextThreshold {
		return fmt.Sprintf("context match score %.0f below threshold %.0f",
			in.ContextMatchScore, cfg.ContextThreshold)
	}
	return ""
}

func checkRemediation(in Input, _ config.ConfidenceConfig) string {
	if in.RemediationConfidence < remediationFloor {
		return fmt.Sprintf("remediation confidence %.0f below floor %.0f",
			in.RemediationConfidence, remediationFloor)
	}
	return ""
}

func checkCriticalEdgeCases(in Input, _ config.ConfidenceConfig) string {
	for _, tag := range in.EdgeCases {
		if _, critical := criticalTags[tag]; critical {
			return fmt.Sprintf("critical edge case detected: %s", tag)
		}
	}
	return ""
}
