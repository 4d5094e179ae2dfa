// Package reasoning is the synthesis collaborator: it asks an
// OpenAI-compatible LLM for a remediation proposal grounded in the
// incident's hypothesis and retrieved runbook context, and parses the
// structured reply.
package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/incident"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

var tracer = otel.Tracer("remedyd.reasoning")

// Generator is the text-generation surface the provider depends on.
// Production uses a langchaingo model; tests supply a canned generator.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Provider synthesizes remediation proposals.
type Provider struct {
	generator Generator
	timeout   time.Duration
	logger    *logging.Logger
}

// NewProvider creates the LLM-backed provider from config.
func NewProvider(cfg config.ReasoningConfig, logger *logging.Logger) (*Provider, error) {
	if cfg.BaseURL == "" {
		return nil, &incident.ConfigurationError{Component: "reasoning", Reason: "base_url is required"}
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		// langchaingo requires a token; local OpenAI-compatible servers
		// ignore it.
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating LLM client: %w", err)
	}

	return NewProviderWithGenerator(llmGenerator{llm: llm}, cfg.Timeout, logger), nil
}

// NewProviderWithGenerator builds a provider over any Generator.
func NewProviderWithGenerator(g Generator, timeout time.Duration, logger *logging.Logger) *Provider {
	if logger == nil {
		logger = logging.NewNop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Provider{generator: g, timeout: timeout, logger: logger}
}

// llmGenerator adapts a langchaingo model to the Generator interface.
type llmGenerator struct {
	llm llms.Model
}

func (g llmGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, g.llm, prompt, llms.WithTemperature(0.2))
}

// proposal is the wire shape the model is instructed to reply with.
type proposal struct {
	Code             string   `json:"code"`
	Language         string   `json:"language"`
	Reasoning        string   `json:"reasoning"`
	Risk             string   `json:"risk"`
	Confidence       float64  `json:"confidence"`
	RequiresApproval bool     `json:"requires_approval"`
	EdgeCases        []string `json:"edge_cases"`
}

// Synthesize produces a remediation proposal for the incident. A reply the
// model marks with no executable code comes back with an empty Code field;
// the orchestrator decides what that means for the incident.
func (p *Provider) Synthesize(ctx context.Context, rec *incident.Record) (*incident.Remediation, error) {
	ctx, span := tracer.Start(ctx, "reasoning.Synthesize")
	defer span.End()
	span.SetAttributes(attribute.String("incident_id", rec.IncidentID))

	if rec.Hypothesis == nil {
		return nil, &incident.ValidationError{Field: "hypothesis", Reason: "required for synthesis"}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	reply, err := p.generator.Generate(ctx, buildPrompt(rec))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, incident.NewExternalServiceError("reasoning", err)
	}

	prop, err := parseProposal(reply)
	if err != nil {
		span.RecordError(err)
		return nil, incident.NewExternalServiceError("reasoning", err)
	}

	rem := &incident.Remediation{
		Code:             strings.TrimSpace(prop.Code),
		Language:         prop.Language,
		Reasoning:        prop.Reasoning,
		Risk:             incident.ParseRisk(strings.ToUpper(prop.Risk)),
		Confidence:       prop.Confidence,
		RequiresApproval: prop.RequiresApproval,
		EdgeCases:        prop.EdgeCases,
	}

	p.logger.Info(ctx, "remediation synthesized",
		zap.String("incident_id", rec.IncidentID),
		zap.String("risk", string(rem.Risk)),
		zap.Float64("confidence", rem.Confidence),
		zap.Bool("requires_approval", rem.RequiresApproval),
		zap.Bool("has_code", rem.Code != ""))
	return rem, nil
}

// buildPrompt assembles the synthesis prompt from the hypothesis and the
// retrieved runbook excerpts.
func buildPrompt(rec *incident.Record) string {
	var b strings.Builder
	b.WriteString("You are an SRE automation assistant. Propose a single remediation for the incident below.\n\n")

	fmt.Fprintf(&b, "Incident: %s\n", rec.Title)
	if rec.Service != "" {
		fmt.Fprintf(&b, "Service: %s\n", rec.Service)
	}
	fmt.Fprintf(&b, "Hypothesis (confidence %.0f): %s\n", rec.Hypothesis.Confidence, rec.Hypothesis.Text)
	if rec.Hypothesis.RootCause != "" {
		fmt.Fprintf(&b, "Root cause: %s\n", rec.Hypothesis.RootCause)
	}
	if rec.Hypothesis.Recommendation != "" {
		fmt.Fprintf(&b, "Investigator recommendation: %s\n", rec.Hypothesis.Recommendation)
	}

	if rec.Context != nil && len(rec.Context.Results) > 0 {
		b.WriteString("\nRelevant runbooks:\n")
		for i, r := range rec.Context.Results {
			fmt.Fprintf(&b, "%d. %s (match %.2f): %s\n", i+1, r.Title, r.Score, r.Content)
		}
	}

	b.WriteString(`
Reply with JSON only, no prose, using exactly this shape:
{"code": "<shell commands, or empty string if no safe automated fix exists>", "language": "bash", "reasoning": "<one paragraph>", "risk": "LOW|MEDIUM|HIGH", "confidence": <0-100>, "requires_approval": <true if a human must review before execution>, "edge_cases": ["<optional risk tags>"]}
`)
	return b.String()
}

// parseProposal extracts the JSON object from the model reply, tolerating
// markdown code fences and surrounding prose.
func parseProposal(reply string) (*proposal, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model reply")
	}

	var prop proposal
	if err := json.Unmarshal([]byte(reply[start:end+1]), &prop); err != nil {
		return nil, fmt.Errorf("parsing model reply: %w", err)
	}
	return &prop, nil
}
