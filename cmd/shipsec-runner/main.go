// Command shipsec-runner hosts the component execution runtime: a Temporal
// worker registering the node activity and the discovery workflow, and an
// HTTP server serving the GitHub webhook, MCP gateway, and audit endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"goa.design/clue/log"

	"github.com/ShipSecAI/studio-sub005/internal/activity"
	"github.com/ShipSecAI/studio-sub005/internal/container"
	"github.com/ShipSecAI/studio-sub005/internal/discovery"
	"github.com/ShipSecAI/studio-sub005/internal/ingest"
	"github.com/ShipSecAI/studio-sub005/internal/mcpclient"
	"github.com/ShipSecAI/studio-sub005/internal/mcpgateway"
	"github.com/ShipSecAI/studio-sub005/internal/registry"
	"github.com/ShipSecAI/studio-sub005/internal/runner"
	"github.com/ShipSecAI/studio-sub005/internal/telemetry"
	"github.com/ShipSecAI/studio-sub005/internal/terminal"
	"github.com/ShipSecAI/studio-sub005/internal/volume"
	"github.com/ShipSecAI/studio-sub005/internal/webhook"
)

func main() {
	var (
		httpPortF = flag.String("http-port", envOr("HTTP_PORT", "8080"), "HTTP server port")
		dbgF      = flag.Bool("debug", os.Getenv("DEBUG") != "", "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg := loadConfig(*httpPortF)
	log.Print(ctx, log.KV{K: "environment", V: cfg.Environment}, log.KV{K: "http-port", V: cfg.HTTPPort})

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	// Component registry: process-wide, loaded once at startup, read-only
	// thereafter.
	componentRegistry := registry.New(registry.WithLogger(logger))
	if cfg.ComponentsManifest != "" {
		if err := componentRegistry.LoadManifest(cfg.ComponentsManifest); err != nil {
			log.Fatal(ctx, fmt.Errorf("load component manifest: %w", err))
		}
	}

	// Container executor: optional. A Docker-less deployment runs inline
	// components only; container-runner dispatches fail with a
	// configuration error rather than preventing startup.
	var containerExecutor runner.ContainerRunner
	containerExec, err := container.New(container.WithLogger(logger), container.WithMetrics(metrics), container.WithTracer(tracer))
	if err != nil {
		log.Printf(ctx, "container executor unavailable, container-runner components will fail: %v", err)
	} else {
		containerExecutor = containerExec
		defer containerExec.Close()
	}

	dispatcher := runner.New(containerExecutor,
		runner.WithLogger(logger), runner.WithMetrics(metrics), runner.WithTracer(tracer),
		runner.WithProduction(cfg.Environment == "production"))

	volumeManager := volume.New(cfg.VolumeBaseDir)

	terminalHub := terminal.NewHub(terminalHubOptions(cfg, logger)...)

	auditStore := ingest.NewMemoryStore()
	auditWriter := ingest.NewAuditWriter(auditStore, logger)

	mcpPool := mcpclient.NewPool(mcpclient.WithLogger(logger), mcpclient.WithTracer(tracer))
	defer mcpPool.Cleanup()

	toolStore := mcpgateway.NewStore()

	nodeRuntime := activity.NewRuntime(componentRegistry, dispatcher, auditWriter, terminalHub,
		activity.WithToolStore(toolStore),
		activity.WithVolumeManager(volumeManager),
		activity.WithLogger(logger), activity.WithMetrics(metrics), activity.WithTracer(tracer))

	issuer, err := mcpgateway.NewTokenIssuer([]byte(cfg.MCPGatewaySecret), mcpgateway.DefaultTokenTTL)
	if err != nil {
		log.Fatal(ctx, err)
	}
	gateway := mcpgateway.New(issuer, toolStore, mcpPool, nodeRuntime, mcpgateway.WithLogger(logger), mcpgateway.WithTracer(tracer))

	discoveryCache := discovery.NewMemoryCache()
	discoveryActivities := discovery.NewActivities(mcpPool, discoveryCache, logger)

	temporalClient, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalAddress,
		Namespace: cfg.TemporalNamespace,
	})
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("dial temporal: %w", err))
	}
	defer temporalClient.Close()

	w := worker.New(temporalClient, cfg.TemporalTaskQueue, worker.Options{})
	nodeRuntime.Register(w)
	discoveryActivities.Register(w)

	webhookDispatcher, err := webhook.New(
		[]byte(cfg.GitHubWebhookSecret),
		cfg.Environment == "production",
		&temporalEnqueuer{client: temporalClient, taskQueue: cfg.TemporalTaskQueue, workflowName: cfg.GitHubWebhookWorkflow},
		webhook.WithLogger(logger),
	)
	if err != nil {
		log.Fatal(ctx, err)
	}

	ingestors := startIngestors(ctx, cfg, auditStore, logger, metrics)

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "temporal worker starting on task queue %q", cfg.TemporalTaskQueue)
		if err := w.Run(worker.InterruptCh()); err != nil {
			errc <- fmt.Errorf("temporal worker: %w", err)
		}
	}()

	handleHTTPServer(ctx, cfg, httpDeps{
		webhook:     webhookDispatcher,
		gateway:     gateway,
		audit:       auditWriter,
		registry:    componentRegistry,
		internalTok: cfg.InternalServiceToken,
	}, &wg, errc, *dbgF)

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	for _, ing := range ingestors {
		_ = ing.Close()
	}
	wg.Wait()
	log.Printf(ctx, "exited")
}

type config struct {
	Environment           string
	HTTPPort              string
	TemporalAddress       string
	TemporalNamespace     string
	TemporalTaskQueue     string
	Instance              string
	ComponentsManifest    string
	VolumeBaseDir         string
	MCPGatewaySecret      string
	InternalServiceToken  string
	GitHubWebhookSecret   string
	GitHubWebhookWorkflow string
	TerminalRedisURL      string
	LogKafkaBrokers       string
	EventsKafkaBrokers    string
	NodeIOKafkaBrokers    string
}

func loadConfig(httpPort string) config {
	return config{
		Environment:           envOr("SHIPSEC_ENV", "development"),
		HTTPPort:              httpPort,
		TemporalAddress:       envOr("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalNamespace:     envOr("TEMPORAL_NAMESPACE", "default"),
		TemporalTaskQueue:     envOr("TEMPORAL_TASK_QUEUE", "shipsec-runner"),
		Instance:              os.Getenv("SHIPSEC_INSTANCE"),
		ComponentsManifest:    os.Getenv("SHIPSEC_COMPONENTS_FILE"),
		VolumeBaseDir:         os.Getenv("SHIPSEC_VOLUME_BASE_DIR"),
		MCPGatewaySecret:      envOr("MCP_GATEWAY_SECRET", "dev-only-insecure-secret"),
		InternalServiceToken:  os.Getenv("INTERNAL_SERVICE_TOKEN"),
		GitHubWebhookSecret:   os.Getenv("GITHUB_WEBHOOK_SECRET"),
		GitHubWebhookWorkflow: envOr("GITHUB_WEBHOOK_WORKFLOW", "GitHubWebhookIngest"),
		TerminalRedisURL:      os.Getenv("TERMINAL_REDIS_URL"),
		LogKafkaBrokers:       os.Getenv("LOG_KAFKA_BROKERS"),
		EventsKafkaBrokers:    os.Getenv("EVENTS_KAFKA_BROKERS"),
		NodeIOKafkaBrokers:    os.Getenv("NODE_IO_KAFKA_BROKERS"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func terminalHubOptions(cfg config, logger telemetry.Logger) []terminal.Option {
	opts := []terminal.Option{terminal.WithHubLogger(logger)}
	if cfg.TerminalRedisURL == "" {
		return opts
	}
	redisOpts, err := redis.ParseURL(cfg.TerminalRedisURL)
	if err != nil {
		return opts
	}
	rdb := redis.NewClient(redisOpts)
	return append(opts, terminal.WithJournal(terminal.NewRedisJournal(rdb, terminal.DefaultJournalTTL)))
}

// temporalEnqueuer adapts a Temporal client to webhook.Enqueuer, starting
// the orchestrator's GitHub-event workflow under the dedupe-derived id.
type temporalEnqueuer struct {
	client       client.Client
	taskQueue    string
	workflowName string
}

func (e *temporalEnqueuer) EnqueueWorkflow(ctx context.Context, workflowID string, envelope webhook.Envelope) error {
	_, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: e.taskQueue,
	}, e.workflowName, envelope)
	return err
}

func startIngestors(ctx context.Context, cfg config, store ingest.Store, logger telemetry.Logger, metrics telemetry.Metrics) []*ingest.Ingestor {
	specs := []struct {
		kind    ingest.Kind
		brokers string
	}{
		{ingest.KindLogs, cfg.LogKafkaBrokers},
		{ingest.KindEvents, cfg.EventsKafkaBrokers},
		{ingest.KindNodeIO, cfg.NodeIOKafkaBrokers},
	}
	var ingestors []*ingest.Ingestor
	for _, s := range specs {
		if s.brokers == "" {
			continue
		}
		ing := ingest.New(ingest.Config{
			Brokers:  strings.Split(s.brokers, ","),
			Topic:    fmt.Sprintf("shipsec.%s", s.kind),
			Kind:     s.kind,
			Instance: cfg.Instance,
		}, store, ingest.WithLogger(logger), ingest.WithMetrics(metrics))
		ingestors = append(ingestors, ing)
		go func(kind ingest.Kind) {
			if err := ing.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warn(ctx, "ingestor stopped", "kind", string(kind), "error", err.Error())
			}
		}(s.kind)
	}
	return ingestors
}
