// Remedyd is an incident remediation daemon.
//
// It receives monitoring triggers and investigation hypotheses over HTTP,
// retrieves matching runbooks, synthesizes a remediation, and either runs
// it in a sandbox or asks a human, depending on confidence and risk.
//
// Usage:
//
//	# Start daemon with defaults
//	remedyd
//
//	# Start with a config file
//	remedyd -config /etc/remedyd/config.yaml
//
//	# Configure via environment
//	REMEDYD_SERVER_PORT=8090 REMEDYD_STORE_NATS_URL=nats://localhost:4222 remedyd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	natsgo "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/approval"
	"github.com/fyrsmithlabs/remedyd/internal/config"
	httpapi "github.com/fyrsmithlabs/remedyd/internal/http"
	"github.com/fyrsmithlabs/remedyd/internal/knowledge"
	"github.com/fyrsmithlabs/remedyd/internal/learning"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/notify"
	"github.com/fyrsmithlabs/remedyd/internal/orchestrator"
	"github.com/fyrsmithlabs/remedyd/internal/reasoning"
	"github.com/fyrsmithlabs/remedyd/internal/sandbox"
	"github.com/fyrsmithlabs/remedyd/internal/store"
	"github.com/fyrsmithlabs/remedyd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()
	args := flag.Args()

	// Handle subcommands
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  remedyd           Start the remedyd daemon\n")
			fmt.Fprintf(os.Stderr, "  remedyd version   Show version information\n")
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("remedyd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the remedyd daemon and blocks until context is cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Initialize logger and telemetry
//  3. Open the incident store (NATS JetStream, degrading to in-process)
//  4. Create the knowledge, reasoning, sandbox, and notify collaborators
//  5. Wire the approval gateway and orchestrator
//  6. Start the learning sweeper and HTTP server
//  7. Graceful shutdown on context cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info(ctx, "starting remedyd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	tel, err := telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	// Incident store: NATS JetStream KV, or in-process when unreachable.
	st := store.Open(cfg.Store, logger)
	defer st.Close()

	// The notifier shares the store's NATS connection for event fan-out.
	// In degraded mode there is no connection and events become no-ops.
	var nc *natsgo.Conn
	if ns, ok := st.(*store.NATSStore); ok {
		nc = ns.Conn()
	}

	embed, err := reasoning.NewEmbeddingFunc(cfg.Reasoning)
	if err != nil {
		return fmt.Errorf("failed to create embedding client: %w", err)
	}

	kn, err := knowledge.NewStore(cfg.Knowledge, embed, logger)
	if err != nil {
		return fmt.Errorf("failed to open knowledge store: %w", err)
	}
	logger.Info(ctx, "knowledge store ready",
		zap.String("path", cfg.Knowledge.Path),
		zap.Int("runbooks", kn.Count()))

	reasoner, err := reasoning.NewProvider(cfg.Reasoning, logger)
	if err != nil {
		return fmt.Errorf("failed to create reasoning provider: %w", err)
	}

	sb, err := sandbox.NewClient(cfg.Sandbox, logger)
	if err != nil {
		return fmt.Errorf("failed to create sandbox client: %w", err)
	}

	notifier := notify.New(cfg.Notify, nc, logger)

	gateway, err := approval.NewGateway(st, notifier, logger)
	if err != nil {
		return fmt.Errorf("failed to create approval gateway: %w", err)
	}

	orch, err := orchestrator.New(st, orchestrator.Deps{
		Contexts:  kn,
		Reasoning: reasoner,
		Executor:  sb,
		Health:    sb,
		Verifier:  sb,
		Approvals: gateway,
		Events:    notifier,
	}, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	// The gateway resumes or escalates through the orchestrator once a
	// human decides; bound after construction since each needs the other.
	gateway.Bind(orch, orch)

	if cfg.Learning.Enabled {
		sweeper, err := learning.NewSweeper(st, kn, notifier, cfg.Learning, logger)
		if err != nil {
			return fmt.Errorf("failed to create learning sweeper: %w", err)
		}
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	srv, err := httpapi.NewServer(orch, gateway, st, logger.Underlying(), &cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}
	srv.Echo().Use(httpapi.NewHTTPMetrics(logger.Underlying()).MetricsMiddleware())
	srv.Echo().GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	logger.Info(ctx, "server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancelShutdown()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
