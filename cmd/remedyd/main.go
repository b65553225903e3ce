// Remedyd is a remediation daemon that drives coding agents through a
// clarify/plan/execute/validate/commit pipeline over HTTP/SSE.
//
// The daemon supervises agent subprocesses, scores their output with a
// validator loop, and commits accepted fixes to a git worktree.
//
// Usage:
//
//	# Start with defaults
//	remedyd
//
//	# Configure via file and environment
//	remedyd -config /etc/remedyd/config.yaml
//	SERVER_HTTP_PORT=9290 remedyd -items findings.json
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/agent"
	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/event"
	"github.com/fyrsmithlabs/remedyd/internal/httpapi"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
	"github.com/fyrsmithlabs/remedyd/internal/question"
	"github.com/fyrsmithlabs/remedyd/internal/supervisor"
	"github.com/fyrsmithlabs/remedyd/internal/telemetry"
	"github.com/fyrsmithlabs/remedyd/internal/workitem"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	itemsPath := flag.String("items", "", "path to a JSON work items file to seed the store")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "json", "log format (json, console)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  remedyd            Start the remedyd daemon\n")
			fmt.Fprintf(os.Stderr, "  remedyd version    Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath, *itemsPath, *logLevel, *logFormat); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("remedyd\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until the context is cancelled.
//
// Initialization order:
//  1. Configuration and validation
//  2. Telemetry and logger
//  3. NATS bridge (optional) and event broadcaster
//  4. Agent registry and process supervisor
//  5. Pipeline runner and run manager
//  6. HTTP server
func run(ctx context.Context, configPath, itemsPath, logLevel, logFormat string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, cfg.Observability)
	if err != nil {
		// Telemetry is best-effort; the daemon runs degraded.
		log.Printf("Telemetry init failed, continuing without exporters: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := logging.New(&logging.Config{
		Level:  logLevel,
		Format: logFormat,
		Output: logging.OutputConfig{Stdout: true},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("Starting remedyd",
		zap.Int("port", cfg.Server.Port),
		zap.Int("max_processes", cfg.Supervisor.MaxProcesses),
		zap.String("version", version))

	deps, err := initDependencies(cfg, itemsPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info("Dependencies initialized",
		zap.Bool("nats_connected", deps.natsConn != nil),
		zap.Int("work_items", deps.itemCount))

	runner, err := pipeline.NewRunner(cfg, pipeline.Deps{
		Invoker:   pipeline.SupervisorInvoker{Svc: deps.supervisor},
		Store:     deps.store,
		Questions: deps.questions,
		Events:    deps.broadcaster,
		Gate:      deps.gate,
		Committer: pipeline.NewGitCommitter("", ""),
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	manager := httpapi.NewRunManager(runner, logger)

	srv, err := httpapi.NewServer(cfg.Server, manager, deps.questions, deps.broadcaster, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize http server: %w", err)
	}

	// Forward supervisor stream events into the run broadcaster so SSE
	// subscribers see per-session progress alongside pipeline events.
	go forwardStreamEvents(deps.supervisor.Events(), deps.broadcaster)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("Server started",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("api_prefix", "/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Warn("Run manager shutdown failed", zap.Error(err))
	}
	if err := deps.supervisor.Close(shutdownCtx); err != nil {
		logger.Warn("Supervisor shutdown failed", zap.Error(err))
	}
	return nil
}

// dependencies holds infrastructure shared by the pipeline and server.
type dependencies struct {
	natsConn    *nats.Conn
	broadcaster *event.Broadcaster
	questions   *question.Store
	supervisor  supervisor.Service
	store       *workitem.MemoryStore
	gate        *pipeline.Gatekeeper
	itemCount   int
}

// Close releases infrastructure resources not covered by run's
// ordered shutdown.
func (d *dependencies) Close() {
	if d.broadcaster != nil {
		d.broadcaster.Close()
	}
	if d.natsConn != nil {
		d.natsConn.Close()
	}
}

func initDependencies(cfg *config.Config, itemsPath string, logger *zap.Logger) (*dependencies, error) {
	var (
		nc   *nats.Conn
		sink event.Sink
	)
	if cfg.Events.NATSURL != "" {
		var err error
		nc, err = nats.Connect(cfg.Events.NATSURL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Events.NATSURL, err)
		}
		sink = event.NewNATSBridge(nc, cfg.Events.SubjectPrefix, logger)
		logger.Info("Connected to NATS", zap.String("url", cfg.Events.NATSURL))
	}

	broadcaster := event.NewBroadcaster(cfg.Events.BufferSize, sink)

	questions, err := question.NewStore(logger)
	if err != nil {
		closeAll(nc, broadcaster)
		return nil, fmt.Errorf("failed to create question store: %w", err)
	}

	registry := agent.NewRegistry()
	if cfg.Supervisor.RolesFile != "" {
		registry, err = agent.LoadRegistry(cfg.Supervisor.RolesFile)
		if err != nil {
			closeAll(nc, broadcaster)
			return nil, fmt.Errorf("failed to load agent roles: %w", err)
		}
	}

	sup, err := supervisor.New(cfg.Supervisor, registry, logger)
	if err != nil {
		closeAll(nc, broadcaster)
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}

	store := workitem.NewMemoryStore()
	itemCount := 0
	if itemsPath != "" {
		items, err := workitem.LoadFile(itemsPath)
		if err != nil {
			closeAll(nc, broadcaster)
			return nil, err
		}
		for _, it := range items {
			store.Put(it)
		}
		itemCount = len(items)
	}

	gate, err := pipeline.NewGatekeeper(pipeline.GitInspector{}, cfg.Pipeline.SecretsAllowlist, logger)
	if err != nil {
		closeAll(nc, broadcaster)
		return nil, fmt.Errorf("failed to create gatekeeper: %w", err)
	}

	return &dependencies{
		natsConn:    nc,
		broadcaster: broadcaster,
		questions:   questions,
		supervisor:  sup,
		store:       store,
		gate:        gate,
		itemCount:   itemCount,
	}, nil
}

func closeAll(nc *nats.Conn, b *event.Broadcaster) {
	if b != nil {
		b.Close()
	}
	if nc != nil {
		nc.Close()
	}
}

// forwardStreamEvents republishes supervisor stream events as run
// events. Task IDs are "<run_id>:<item_id>:<role>:<attempt>", so the
// run is the prefix before the first colon.
func forwardStreamEvents(events <-chan supervisor.StreamEvent, b *event.Broadcaster) {
	for ev := range events {
		runID, _, found := strings.Cut(ev.TaskID, ":")
		if !found || runID == "" {
			continue
		}

		var typ event.Type
		switch ev.Record.Kind {
		case agent.RecordPartial:
			typ = event.TypePartialOutput
		case agent.RecordResult:
			typ = event.TypeSessionCompleted
		case agent.RecordError:
			typ = event.TypeSessionError
		default:
			continue
		}

		b.Publish(event.Event{
			RunID:   runID,
			TaskID:  ev.TaskID,
			Type:    typ,
			Payload: ev.Record,
		})
	}
}
