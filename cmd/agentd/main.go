package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/multiagent/ma/cmd/agentd/consumer"
	"github.com/multiagent/ma/cmd/agentd/coordinator"
	"github.com/multiagent/ma/cmd/agentd/engine"
	"github.com/multiagent/ma/cmd/agentd/steps"
	"github.com/multiagent/ma/common/clients"
	"github.com/multiagent/ma/common/config"
	"github.com/multiagent/ma/common/dedup"
	"github.com/multiagent/ma/common/gitrepo"
	"github.com/multiagent/ma/common/logger"
	"github.com/multiagent/ma/common/persona"
	"github.com/multiagent/ma/common/server"
	"github.com/multiagent/ma/common/transport"
)

func main() {
	coordinateProject := flag.String("coordinate", "", "run one coordination pass for the given project id and exit")
	flag.Parse()

	cfg, err := config.Load("agentd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr, err := newTransport(cfg, log)
	if err != nil {
		log.Error("transport setup failed", "error", err)
		os.Exit(1)
	}
	if err := tr.Connect(ctx); err != nil {
		log.Error("transport connect failed", "type", cfg.Transport.Type, "error", err)
		os.Exit(1)
	}
	defer func() { _ = tr.Disconnect() }()
	log.Info("transport connected", "type", cfg.Transport.Type)

	tracker := dedup.New(dedup.DefaultTTL, log)
	tracker.StartSweeper(time.Hour)
	defer tracker.StopSweeper()

	deps := buildDependencies(cfg, tr, log)
	co := coordinator.New(deps.dashboard, deps.engine, tr, deps.workflowDir, log, coordinator.Options{})

	if *coordinateProject != "" {
		runOnce(ctx, co, *coordinateProject, log)
		return
	}

	serve(ctx, cancel, cfg, tr, tracker, co, log)
}

// runOnce performs a single coordination pass. Exit code 2 flags a
// coordination failure so callers can tell it apart from setup errors.
func runOnce(ctx context.Context, co *coordinator.Coordinator, projectID string, log *logger.Logger) {
	outcome, err := co.Coordinate(ctx, projectID)
	if err != nil {
		log.Error("coordination failed", "project_id", projectID, "error", err)
		os.Exit(2)
	}
	if !outcome.Success {
		for _, res := range outcome.Results {
			if !res.Success {
				log.Error("task workflow failed",
					"task_id", res.TaskID,
					"workflow", res.Workflow,
					"failed_step", res.FailedStep,
					"error", res.Error)
			}
		}
		os.Exit(2)
	}
	log.Info("coordination succeeded", "project_id", projectID, "tasks", len(outcome.Results))
}

// serve runs the consumer pool and the operational HTTP server until a
// shutdown signal or a fatal component error.
func serve(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, tr transport.Transport, tracker *dedup.Tracker, co *coordinator.Coordinator, log *logger.Logger) {
	pool := consumer.NewPool(
		tr,
		cfg.Transport.RequestStream,
		cfg.Transport.ResponseStream,
		cfg.Transport.ConsumerGroup,
		poolPersonas(),
		coordinateHandler(co),
		tracker,
		log,
		consumer.Options{
			Block: time.Duration(cfg.Transport.BlockMS) * time.Millisecond,
			Batch: cfg.Transport.BatchSize,
		},
	)
	if err := pool.Start(ctx); err != nil {
		log.Error("consumer pool start failed", "error", err)
		os.Exit(1)
	}
	defer pool.Stop()

	srv := server.New(cfg.Service.Name, cfg.Service.Port, tr, tracker,
		[]string{cfg.Transport.RequestStream, cfg.Transport.ResponseStream}, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("http server failed", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
		cancel()
		<-errCh
	}
	log.Info("agentd shutting down gracefully")
}

// dependencies holds everything the step implementations and the coordinator
// need at runtime.
type dependencies struct {
	dashboard   clients.Dashboard
	engine      *engine.Engine
	workflowDir string
}

func buildDependencies(cfg *config.Config, tr transport.Transport, log *logger.Logger) *dependencies {
	dash := newDashboard(log)
	client := persona.NewClient(tr, cfg.Transport.RequestStream, cfg.Transport.ResponseStream, log)

	registry := engine.NewRegistry()
	eng := engine.New(registry, log)

	workflowDir := getEnv("WORKFLOW_DIR", "configs/workflows")
	steps.RegisterBuiltins(registry, steps.Deps{
		Client:    client,
		Dashboard: dash,
		NewMutator: func(repoRoot string) (*gitrepo.Mutator, error) {
			return gitrepo.NewMutator(repoRoot, cfg.Mutation, gitrepo.ExecRunner{}, log)
		},
		Engine:      eng,
		WorkflowDir: workflowDir,
		Log:         log,
	})

	return &dependencies{dashboard: dash, engine: eng, workflowDir: workflowDir}
}

func newDashboard(log *logger.Logger) clients.Dashboard {
	if url := os.Getenv("DASHBOARD_URL"); url != "" {
		log.Info("using dashboard", "url", url)
		return clients.NewHTTPDashboard(url, log)
	}
	log.Warn("DASHBOARD_URL not set, using in-memory dashboard")
	return clients.NewMemoryDashboard()
}

func newTransport(cfg *config.Config, log *logger.Logger) (transport.Transport, error) {
	switch cfg.Transport.Type {
	case "local":
		return transport.NewMemory(log), nil
	case "redis":
		return transport.NewRedis(cfg.Transport.RedisURL, cfg.Transport.RedisPassword, log)
	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Transport.Type)
	}
}

// coordinateHandler serves the coordinator persona: an inbound coordinate
// request fans the named project's open tasks into workflows.
func coordinateHandler(co *coordinator.Coordinator) consumer.Handler {
	return func(ctx context.Context, req consumer.Request) (map[string]any, error) {
		if req.Intent != "" && req.Intent != "coordinate" {
			return nil, fmt.Errorf("no in-process handler for intent %q", req.Intent)
		}
		projectID, _ := req.Payload["project_id"].(string)
		if projectID == "" {
			return nil, fmt.Errorf("coordinate request is missing project_id")
		}

		outcome, err := co.Coordinate(ctx, projectID)
		if err != nil {
			return nil, err
		}

		results := make([]any, 0, len(outcome.Results))
		for _, res := range outcome.Results {
			entry := map[string]any{
				"task_id":  res.TaskID,
				"workflow": res.Workflow,
				"success":  res.Success,
			}
			if res.FailedStep != "" {
				entry["failed_step"] = res.FailedStep
			}
			if res.Error != "" {
				entry["error"] = res.Error
			}
			results = append(results, entry)
		}

		status := persona.StatusPass
		if !outcome.Success {
			status = persona.StatusFail
		}
		return map[string]any{
			"status":     status,
			"project_id": outcome.ProjectID,
			"success":    outcome.Success,
			"results":    results,
		}, nil
	}
}

// poolPersonas lists the personas this process consumes for. Only the
// coordinator has in-process business logic; worker personas run elsewhere.
func poolPersonas() []string {
	raw := getEnv("POOL_PERSONAS", "coordinator")
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
