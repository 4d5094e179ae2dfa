package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/telemetry"
)

// Config is the root configuration for remedyd.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Store      StoreConfig      `koanf:"store"`
	Confidence ConfidenceConfig `koanf:"confidence"`
	EdgeCase   EdgeCaseConfig   `koanf:"edgecase"`
	Knowledge  KnowledgeConfig  `koanf:"knowledge"`
	Reasoning  ReasoningConfig  `koanf:"reasoning"`
	Sandbox    SandboxConfig    `koanf:"sandbox"`
	Notify     NotifyConfig     `koanf:"notify"`
	Learning   LearningConfig   `koanf:"learning"`
	Logging    logging.Config   `koanf:"logging"`
	Telemetry  telemetry.Config `koanf:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// RateLimit is the sustained webhook request rate per second.
	RateLimit float64 `koanf:"rate_limit"`
}

// StoreConfig holds state store settings.
type StoreConfig struct {
	// NATSURL is the JetStream server. When unreachable at startup the
	// store degrades to an in-process map.
	NATSURL string `koanf:"nats_url"`

	// IncidentTTL bounds the lifetime of incident records (default 7 days).
	IncidentTTL time.Duration `koanf:"incident_ttl"`

	// ApprovalTTL bounds pending-approval records (default 1 hour).
	ApprovalTTL time.Duration `koanf:"approval_ttl"`

	// BucketPrefix namespaces the KV buckets (default "remedyd").
	BucketPrefix string `koanf:"bucket_prefix"`
}

// ConfidenceConfig holds the auto-execution gate thresholds.
type ConfidenceConfig struct {
	// HypothesisThreshold is the minimum hypothesis confidence (0-100)
	// for autonomous execution. Default: 90.
	HypothesisThreshold float64 `koanf:"hypothesis_threshold"`

	// ContextThreshold is the minimum context match score (0-100) for
	// autonomous execution. Default: 85.
	ContextThreshold float64 `koanf:"context_threshold"`
}

// EdgeCaseConfig tunes the edge case detector.
type EdgeCaseConfig struct {
	// LowConfidenceThreshold tags hypotheses below it (0-100). Default: 60.
	LowConfidenceThreshold float64 `koanf:"low_confidence_threshold"`

	// CriticalServices always require human review when affected.
	CriticalServices []string `koanf:"critical_services"`

	// CustomerFacingKeywords surface customer impact to risk elevation.
	CustomerFacingKeywords []string `koanf:"customer_facing_keywords"`
}

// KnowledgeConfig holds the embedded runbook store settings.
type KnowledgeConfig struct {
	Path       string `koanf:"path"`
	Collection string `koanf:"collection"`
	// TopK is how many runbooks a retrieval returns. Default: 5.
	TopK int `koanf:"top_k"`
}

// ReasoningConfig holds the LLM synthesis settings. The same endpoint also
// serves the embedding model for the knowledge store.
type ReasoningConfig struct {
	BaseURL        string        `koanf:"base_url"`
	Model          string        `koanf:"model"`
	EmbeddingModel string        `koanf:"embedding_model"`
	APIKey         string        `koanf:"api_key"`
	Timeout        time.Duration `koanf:"timeout"`
}

// SandboxConfig holds the execution sandbox runner settings.
type SandboxConfig struct {
	RunnerURL      string        `koanf:"runner_url"`
	ExecuteTimeout time.Duration `koanf:"execute_timeout"`
	VerifyTimeout  time.Duration `koanf:"verify_timeout"`
}

// NotifyConfig holds outbound notification settings.
type NotifyConfig struct {
	// ApprovalWebhookURL receives approval prompts (chat webhook).
	ApprovalWebhookURL string `koanf:"approval_webhook_url"`

	// ResolutionWebhookURL receives resolution/escalation notes.
	ResolutionWebhookURL string `koanf:"resolution_webhook_url"`

	// EventSubject is the NATS subject for incident event fan-out.
	EventSubject string `koanf:"event_subject"`

	Timeout time.Duration `koanf:"timeout"`
}

// LearningConfig holds the recurring learning sweep settings.
type LearningConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`

	// ApprovalStaleAfter flags AWAITING_APPROVAL incidents whose prompt
	// has gone unanswered longer than this. Default: 30 minutes.
	ApprovalStaleAfter time.Duration `koanf:"approval_stale_after"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Store.IncidentTTL <= 0 {
		return fmt.Errorf("store.incident_ttl must be positive")
	}
	if c.Store.ApprovalTTL <= 0 {
		return fmt.Errorf("store.approval_ttl must be positive")
	}
	if c.Store.ApprovalTTL >= c.Store.IncidentTTL {
		return fmt.Errorf("store.approval_ttl must be shorter than store.incident_ttl")
	}
	if c.Confidence.HypothesisThreshold < 0 || c.Confidence.HypothesisThreshold > 100 {
		return fmt.Errorf("confidence.hypothesis_threshold must be 0-100")
	}
	if c.Confidence.ContextThreshold < 0 || c.Confidence.ContextThreshold > 100 {
		return fmt.Errorf("confidence.context_threshold must be 0-100")
	}
	if c.EdgeCase.LowConfidenceThreshold < 0 || c.EdgeCase.LowConfidenceThreshold > 100 {
		return fmt.Errorf("edgecase.low_confidence_threshold must be 0-100")
	}
	if c.Learning.Enabled && c.Learning.Interval <= 0 {
		return fmt.Errorf("learning.interval must be positive when learning enabled")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}
