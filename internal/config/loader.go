// Package config provides configuration loading for remedyd.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/telemetry"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// envPrefix namespaces remedyd environment variables.
const envPrefix = "REMEDYD_"

// Load loads configuration from an optional YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (REMEDYD_SERVER_PORT, REMEDYD_STORE_NATS_URL, ...)
//  2. YAML config file
//  3. Hardcoded defaults
//
// Environment variables drop the REMEDYD_ prefix, are lowercased, and the
// first underscore becomes the section separator:
//
//	REMEDYD_SERVER_PORT            -> server.port
//	REMEDYD_STORE_NATS_URL         -> store.nats_url
//	REMEDYD_CONFIDENCE_HYPOTHESIS_THRESHOLD -> confidence.hypothesis_threshold
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if err := loadFile(k, configPath); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		// Split on the first underscore only: section.field_name.
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFile reads and parses a YAML config file with a size cap.
func loadFile(k *koanf.Koanf, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 20
	}

	if cfg.Store.NATSURL == "" {
		cfg.Store.NATSURL = "nats://localhost:4222"
	}
	if cfg.Store.IncidentTTL == 0 {
		cfg.Store.IncidentTTL = 7 * 24 * time.Hour
	}
	if cfg.Store.ApprovalTTL == 0 {
		cfg.Store.ApprovalTTL = time.Hour
	}
	if cfg.Store.BucketPrefix == "" {
		cfg.Store.BucketPrefix = "remedyd"
	}

	if cfg.Confidence.HypothesisThreshold == 0 {
		cfg.Confidence.HypothesisThreshold = 90
	}
	if cfg.Confidence.ContextThreshold == 0 {
		cfg.Confidence.ContextThreshold = 85
	}

	if cfg.EdgeCase.LowConfidenceThreshold == 0 {
		cfg.EdgeCase.LowConfidenceThreshold = 60
	}
	if len(cfg.EdgeCase.CustomerFacingKeywords) == 0 {
		cfg.EdgeCase.CustomerFacingKeywords = []string{
			"checkout", "payment", "login", "signup", "billing",
		}
	}

	if cfg.Knowledge.Path == "" {
		cfg.Knowledge.Path = "~/.config/remedyd/runbooks"
	}
	if cfg.Knowledge.Collection == "" {
		cfg.Knowledge.Collection = "runbooks"
	}
	if cfg.Knowledge.TopK == 0 {
		cfg.Knowledge.TopK = 5
	}

	if cfg.Reasoning.Model == "" {
		cfg.Reasoning.Model = "gpt-4o"
	}
	if cfg.Reasoning.EmbeddingModel == "" {
		cfg.Reasoning.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.Reasoning.Timeout == 0 {
		cfg.Reasoning.Timeout = 2 * time.Minute
	}

	if cfg.Sandbox.ExecuteTimeout == 0 {
		cfg.Sandbox.ExecuteTimeout = 5 * time.Minute
	}
	if cfg.Sandbox.VerifyTimeout == 0 {
		cfg.Sandbox.VerifyTimeout = 30 * time.Second
	}

	if cfg.Notify.EventSubject == "" {
		cfg.Notify.EventSubject = "remedyd.incident.events"
	}
	if cfg.Notify.Timeout == 0 {
		cfg.Notify.Timeout = 10 * time.Second
	}

	if cfg.Learning.Interval == 0 {
		cfg.Learning.Interval = 5 * time.Minute
	}
	if cfg.Learning.ApprovalStaleAfter == 0 {
		cfg.Learning.ApprovalStaleAfter = 30 * time.Minute
	}

	tdef := telemetry.NewDefaultConfig()
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = tdef.Endpoint
		cfg.Telemetry.Insecure = true
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = tdef.ServiceName
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = tdef.ServiceVersion
	}
	if cfg.Telemetry.Sampling.Rate == 0 {
		cfg.Telemetry.Sampling = tdef.Sampling
	}
	if cfg.Telemetry.Metrics.ExportInterval == 0 {
		cfg.Telemetry.Metrics = tdef.Metrics
	}
	if cfg.Telemetry.Shutdown.Timeout == 0 {
		cfg.Telemetry.Shutdown = tdef.Shutdown
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Fields == nil {
		cfg.Logging.Fields = logging.NewDefaultConfig().Fields
	}
}
