// Package edgecase inspects an incident's hypothesis, retrieved context,
// and proposed remediation for conditions that make autonomous execution
// unsafe. Each condition is a tagged rule object; some tags force human
// review on their own, the rest feed the confidence gate as signals.
package edgecase

import (
	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/incident"
)

// Input is everything the rules may inspect for one incident.
type Input struct {
	Title           string
	Service         string
	Urgency         string
	Hypothesis      *incident.Hypothesis
	Context         *incident.ContextSet
	RemediationText string
}

// Result is the detection outcome. RequiresHuman is the OR of the forcing
// tags and is independent of the confidence gate's own decision.
type Result struct {
	Tags          []string
	RequiresHuman bool
}

// Has reports whether the result carries the given tag.
func (r Result) Has(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Detector runs a fixed, ordered rule set.
type Detector struct {
	rules []Rule
}

// NewDetector builds the detector with the built-in rules and the
// configured thresholds and service lists.
func NewDetector(cfg config.EdgeCaseConfig) *Detector {
	return &Detector{
		rules: []Rule{
			lowConfidenceRule{threshold: cfg.LowConfidenceThreshold},
			ambiguousRootCauseRule{},
			multipleFailuresRule{},
			cascadingFailureRule{},
			novelFailureRule{},
			conflictingEvidenceRule{},
			highBlastRadiusRule{criticalServices: cfg.CriticalServices},
			dataSensitiveRule{},
			customerFacingRule{keywords: cfg.CustomerFacingKeywords},
		},
	}
}

// NewDetectorWithRules builds a detector over a caller-supplied rule set.
// Used by tests and by deployments that swap or extend the heuristics.
func NewDetectorWithRules(rules ...Rule) *Detector {
	return &Detector{rules: rules}
}

// Detect evaluates every rule and collects the matching tags in rule order.
func (d *Detector) Detect(in Input) Result {
	var result Result
	for _, r := range d.rules {
		if !r.Match(in) {
			continue
		}
		result.Tags = append(result.Tags, r.Tag())
		if r.ForcesHuman() {
			result.RequiresHuman = true
		}
	}
	return result
}
