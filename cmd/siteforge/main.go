package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"siteforge/pkg/agent"
	"siteforge/pkg/agents"
	"siteforge/pkg/broadcast"
	"siteforge/pkg/config"
	"siteforge/pkg/eventlog"
	"siteforge/pkg/llm"
	"siteforge/pkg/logx"
	"siteforge/pkg/metrics"
	"siteforge/pkg/persistence"
	"siteforge/pkg/state"
	"siteforge/pkg/webui"
	"siteforge/pkg/workflow"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to JSON config file (defaults apply when omitted)")
		projectDir  = flag.String("projectdir", ".", "Project directory")
		host        = flag.String("host", "", "Override server host")
		port        = flag.Int("port", 0, "Override server port")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("siteforge %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	logx.SetDebug(*debug, nil)

	os.Exit(run(*configPath, *projectDir, *host, *port))
}

// run contains the main application logic and returns an exit code.
// This allows defers to execute before os.Exit is called.
func run(configPath, projectDir, host string, port int) int {
	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		return 1
	}

	// Load API keys from the encrypted secrets file when one exists;
	// otherwise GetSecret falls back to the environment.
	if err := handleSecretsDecryption(projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to unlock secrets: %v\n", err)
		return 1
	}

	db, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("database close failed: %v", closeErr)
		}
	}()
	ops := persistence.NewOperations(db)

	snapshots, err := state.NewStore(cfg.Workflow.SnapshotDir, cfg.RunningLease())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state store: %v\n", err)
		return 1
	}

	eventLog, err := eventlog.NewWriter(cfg.Workflow.EventLogDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open event log: %v\n", err)
		return 1
	}
	defer func() {
		if closeErr := eventLog.Close(); closeErr != nil {
			logger.Warn("event log close failed: %v", closeErr)
		}
	}()

	recorder := metrics.NewPrometheusRecorder()

	orch := workflow.NewOrchestrator(workflow.Config{
		Recipes: workflow.Recipes(workflow.RecipeConfig{
			QualityThreshold: cfg.Workflow.QualityThreshold,
			ImproveMaxCycles: cfg.Workflow.ImproveMaxCycles,
		}),
		Retry:       retryPolicy(cfg.Retry),
		Broadcaster: broadcast.NewBroadcaster(),
		Snapshots:   snapshots,
		Recorder:    recorder,
		EventSink:   eventLog,
		MaxRetries:  cfg.Workflow.MaxRetries,
		StepTimeout: cfg.StepTimeout(),
	})

	if err := registerAgents(orch, cfg, ops, recorder); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up agents: %v\n", err)
		return 1
	}

	server := webui.NewServer(orch, ops, cfg.PublishDir)
	if cfg.Metrics.PrometheusURL != "" {
		queries, qerr := metrics.NewQueryService(cfg.Metrics.PrometheusURL)
		if qerr != nil {
			fmt.Fprintf(os.Stderr, "Failed to create metrics query service: %v\n", qerr)
			return 1
		}
		server.SetQueryService(queries)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.StartServer(ctx, cfg.Server.Host, cfg.Server.Port); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		return 1
	}
	logger.Info("siteforge %s ready on http://%s:%d", version, cfg.Server.Host, cfg.Server.Port)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining workflows")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown: %v", err)
	}

	logger.Info("shutdown complete")
	return 0
}

// registerAgents builds the five workflow agents and registers them with the
// orchestrator. LLM-backed agents get instrumented clients so token usage
// lands in Prometheus.
func registerAgents(orch *workflow.Orchestrator, cfg *config.Config, ops *persistence.Operations, recorder *metrics.PrometheusRecorder) error {
	inputClient, err := agentClient(cfg, cfg.Agents.Input, agents.NameInput, recorder)
	if err != nil {
		return err
	}
	codegenClient, err := agentClient(cfg, cfg.Agents.Codegen, agents.NameCodegen, recorder)
	if err != nil {
		return err
	}
	auditClient, err := agentClient(cfg, cfg.Agents.Audit, agents.NameAudit, recorder)
	if err != nil {
		return err
	}

	rubric, err := agents.LoadRubric(cfg.RubricPath)
	if err != nil {
		return fmt.Errorf("load rubric: %w", err)
	}

	baseURL := fmt.Sprintf("http://%s:%d/sites", cfg.Server.Host, cfg.Server.Port)

	orch.Register(agents.NewInputAgent(inputClient))
	orch.Register(agents.NewCodegenAgent(codegenClient))
	orch.Register(agents.NewAuditAgent(auditClient, rubric))
	orch.Register(agents.NewDeployAgent(cfg.PublishDir, baseURL))
	orch.Register(agents.NewMemoryAgent(ops))
	return nil
}

func agentClient(cfg *config.Config, modelName, agentName string, recorder llm.Recorder) (llm.Client, error) {
	model, ok := cfg.ModelByName(modelName)
	if !ok {
		return nil, fmt.Errorf("agent %s references unknown model %q", agentName, modelName)
	}
	client, err := llm.NewClient(model)
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", agentName, err)
	}
	return llm.NewInstrumentedClient(client, agentName, recorder), nil
}

func retryPolicy(rc config.RetryConfig) agent.RetryPolicy {
	return agent.RetryPolicy{
		MaxRetries:    rc.MaxRetries,
		InitialDelay:  time.Duration(rc.InitialDelayMS) * time.Millisecond,
		MaxDelay:      time.Duration(rc.MaxDelayMS) * time.Millisecond,
		BackoffFactor: rc.BackoffFactor,
		Jitter:        rc.Jitter,
	}
}

// handleSecretsDecryption prompts for the master password and loads the
// encrypted secrets file into memory. No file means env-var credentials.
func handleSecretsDecryption(projectDir string) error {
	if !config.SecretsFileExists(projectDir) {
		return nil
	}

	fmt.Println("🔐 Encrypted secrets file found.")
	for attempt := 1; attempt <= 3; attempt++ {
		fmt.Print("Enter master password: ")
		password, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		if err := config.DecryptSecretsFile(projectDir, string(password)); err == nil {
			fmt.Println("✅ Secrets loaded.")
			return nil
		}
		fmt.Println("❌ Incorrect password, try again.")
	}
	return fmt.Errorf("too many failed password attempts")
}
