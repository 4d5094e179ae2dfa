package confidence

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/incident"
)

func defaultConfig() config.ConfidenceConfig {
	return config.ConfidenceConfig{
		HypothesisThreshold: 90,
		ContextThreshold:    85,
	}
}

// passingInput satisfies every rule; individual tests break one rule at a
// time to prove each gates independently.
func passingInput() Input {
	return Input{
		HypothesisConfidence:  95,
		ContextMatchScore:     90,
		RemediationConfidence: 80,
		Risk:                  incident.RiskLow,
	}
}

func TestEvaluate_AllClear(t *testing.T) {
	e := NewEvaluator(defaultConfig())

	d := e.Evaluate(passingInput())
	assert.True(t, d.AutoExecute)
	assert.Empty(t, d.Reason)
}

func TestEvaluate_HighRiskAlwaysBlocks(t *testing.T) {
	e := NewEvaluator(defaultConfig())

	// Regardless of the scalar scores.
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		in := Input{
			HypothesisConfidence:  rng.Float64() * 100,
			ContextMatchScore:     rng.Float64() * 100,
			RemediationConfidence: rng.Float64() * 100,
			Risk:                  incident.RiskHigh,
		}
		d := e.Evaluate(in)
		assert.False(t, d.AutoExecute)
		assert.Equal(t, "risk assessed HIGH", d.Reason)
	}
}

func TestEvaluate_HypothesisBelowThreshold(t *testing.T) {
	e := NewEvaluator(defaultConfig())

	in := passingInput()
	in.HypothesisConfidence = 89
	d := e.Evaluate(in)
	assert.False(t, d.AutoExecute)
	assert.Contains(t, d.Reason, "hypothesis confidence 89")
}

func TestEvaluate_ContextBelowThreshold(t *testing.T) {
	e := NewEvaluator(defaultConfig())

	in := passingInput()
	in.ContextMatchScore = 84
	d := e.Evaluate(in)
	assert.False(t, d.AutoExecute)
	assert.Contains(t, d.Reason, "context match score 84")
}

func TestEvaluate_RemediationBelowFixedFloor(t *testing.T) {
	e := NewEvaluator(defaultConfig())

	in := passingInput()
	in.RemediationConfidence = 69
	d := e.Evaluate(in)
	assert.False(t, d.AutoExecute)
	assert.Contains(t, d.Reason, "remediation confidence 69")
}

func TestEvaluate_CriticalEdgeCaseOverride(t *testing.T) {
	e := NewEvaluator(defaultConfig())

	for _, tag := range []string{"novel_failure", "conflicting_evidence", "data_sensitive", "high_blast_radius"} {
		in := Input{
			HypothesisConfidence:  100,
			ContextMatchScore:     100,
			RemediationConfidence: 100,
			Risk:                  incident.RiskLow,
			EdgeCases:             []string{tag},
		}
		d := e.Evaluate(in)
		assert.False(t, d.AutoExecute, "tag %s", tag)
		assert.Contains(t, d.Reason, tag)
	}
}

func TestEvaluate_NonCriticalEdgeCasesPass(t *testing.T) {
	e := NewEvaluator(defaultConfig())

	in := passingInput()
	in.EdgeCases = []string{"low_confidence", "ambiguous_root_cause", "customer_facing_critical"}
	d := e.Evaluate(in)
	assert.True(t, d.AutoExecute)
}

func TestEvaluate_FirstMatchNamesReason(t *testing.T) {
	e := NewEvaluator(defaultConfig())

	// Multiple failing conditions: the risk rule precedes the rest.
	in := Input{
		HypothesisConfidence:  10,
		ContextMatchScore:     10,
		RemediationConfidence: 10,
		Risk:                  incident.RiskHigh,
		EdgeCases:             []string{"novel_failure"},
	}
	d := e.Evaluate(in)
	assert.False(t, d.AutoExecute)
	assert.Equal(t, "risk assessed HIGH", d.Reason)
}

func TestEvaluate_UnknownRiskDoesNotBlock(t *testing.T) {
	e := NewEvaluator(defaultConfig())

	in := passingInput()
	in.Risk = incident.RiskUnknown
	d := e.Evaluate(in)
	assert.True(t, d.AutoExecute)
}

func TestEvaluate_ThresholdsFromConfig(t *testing.T) {
	e := NewEvaluator(config.ConfidenceConfig{
		HypothesisThreshold: 50,
		ContextThreshold:    40,
	})

	in := Input{
		HypothesisConfidence:  55,
		ContextMatchScore:     45,
		RemediationConfidence: 75,
		Risk:                  incident.RiskMedium,
	}
	d := e.Evaluate(in)
	assert.True(t, d.AutoExecute)
}

func TestEvaluate_BoundaryValuesInclusive(t *testing.T) {
	e := NewEvaluator(defaultConfig())

	// Exactly at threshold passes; the rules gate strictly below.
	in := Input{
		HypothesisConfidence:  90,
		ContextMatchScore:     85,
		RemediationConfidence: 70,
		Risk:                  incident.RiskLow,
	}
	d := e.Evaluate(in)
	assert.True(t, d.AutoExecute)
}
