package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/taskmesh/config"
	"github.com/taskmesh/taskmesh/pkg/agent"
	"github.com/taskmesh/taskmesh/pkg/api"
	"github.com/taskmesh/taskmesh/pkg/api/handlers"
	"github.com/taskmesh/taskmesh/pkg/api/middleware"
	"github.com/taskmesh/taskmesh/pkg/audit"
	"github.com/taskmesh/taskmesh/pkg/autoscaler"
	"github.com/taskmesh/taskmesh/pkg/controlplane"
	"github.com/taskmesh/taskmesh/pkg/logger"
	"github.com/taskmesh/taskmesh/pkg/metrics"
	"github.com/taskmesh/taskmesh/pkg/pool"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/recovery"
	"github.com/taskmesh/taskmesh/pkg/registry"
	"github.com/taskmesh/taskmesh/pkg/results"
	"github.com/taskmesh/taskmesh/pkg/router"
	"github.com/taskmesh/taskmesh/pkg/rpc"
	"github.com/taskmesh/taskmesh/pkg/saga"
	"github.com/taskmesh/taskmesh/pkg/sandbox"
	sigbus "github.com/taskmesh/taskmesh/pkg/signal"
	sagastore "github.com/taskmesh/taskmesh/pkg/storage/badger"
	"github.com/taskmesh/taskmesh/pkg/task"
	"github.com/taskmesh/taskmesh/pkg/telemetry/tracing"
	"github.com/taskmesh/taskmesh/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	appName    = flag.String("app-name", "", "Override app name")
	serverPort = flag.Int("port", 0, "Override server port")
	logLevel   = flag.String("log-level", "", "Override log level")
	debugMode  = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)

	log.Info("Starting Taskmesh",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name, version.Version)
	if err != nil {
		log.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// One Badger database backs task results, saga state, idempotency
	// bindings, and the audit chain.
	db, err := openBadger(cfg.Storage.Badger)
	if err != nil {
		log.Error("Failed to open Badger database", "error", err, "path", cfg.Storage.Badger.Path)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing Badger database", "error", err)
		}
	}()
	log.Info("Opened Badger database", "path", cfg.Storage.Badger.Path)

	metricsManager := metrics.NewManager(metricsConfig(cfg))
	if metricsManager.Enabled() && cfg.Metrics.Port != 0 {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	// Queue and signal bus share the Redis connection in distributed
	// deployments; memory mode keeps everything in-process.
	var (
		q           queue.Queue
		bus         sigbus.Bus
		redisClient redis.UniversalClient
	)
	switch cfg.Queue.Type {
	case "redis":
		redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Queue.Redis.Address,
			Password:     cfg.Queue.Redis.Password,
			DB:           cfg.Queue.Redis.DB,
			DialTimeout:  cfg.Queue.Redis.DialTimeout,
			ReadTimeout:  cfg.Queue.Redis.ReadTimeout,
			WriteTimeout: cfg.Queue.Redis.WriteTimeout,
			PoolSize:     cfg.Queue.Redis.PoolSize,
		})
		rq, qerr := queue.NewRedisQueue(redisClient)
		if qerr != nil {
			log.Error("Failed to create Redis queue", "error", qerr)
			os.Exit(1)
		}
		if err := rq.EnsureGroups(ctx); err != nil {
			log.Error("Failed to create consumer groups", "error", err)
			os.Exit(1)
		}
		q = rq
		bus = sigbus.NewRedisBus(redisClient, cfg.App.Name, signalBufferSize)
		log.Info("Initialized Redis queue", "address", cfg.Queue.Redis.Address)
	default:
		q = queue.NewMemoryQueue()
		bus = sigbus.NewLocalBus(signalBufferSize)
		log.Info("Initialized memory queue")
	}
	defer func() {
		if err := q.Close(); err != nil {
			log.Error("Error closing queue", "error", err)
		}
		if err := bus.Close(); err != nil {
			log.Error("Error closing signal bus", "error", err)
		}
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				log.Error("Error closing Redis client", "error", err)
			}
		}
	}()

	store, err := results.NewStore(db, cfg.Storage.ResultRetention)
	if err != nil {
		log.Error("Failed to create result store", "error", err)
		os.Exit(1)
	}
	pub := results.NewPublisher(store, log)

	auditLog, err := audit.NewBadgerLog(db)
	if err != nil {
		log.Error("Failed to create audit log", "error", err)
		os.Exit(1)
	}

	reg := registry.New()
	if err := registry.RegisterBuiltins(reg); err != nil {
		log.Error("Failed to register method catalog", "error", err)
		os.Exit(1)
	}

	rt := router.New(routerConfig(cfg), reg, q, store, auditLog, log, metricsManager)

	// Worker pools. The sandbox capability always executes locally
	// through Docker; other capabilities run locally only when an agent
	// endpoint is configured, and are otherwise served by external
	// workers over the worker API.
	pools := make(map[task.Capability]*pool.Pool)
	for name, pc := range cfg.Pools {
		capability := task.Capability(name)
		var handler pool.Handler
		switch {
		case name == "sandbox":
			backend, berr := sandbox.NewDockerBackend(cfg.Sandbox.Grace, log)
			if berr != nil {
				log.Warn("Sandbox backend unavailable, run_sandbox left to external workers", "error", berr)
				continue
			}
			mgr := sandbox.NewManager(sandbox.Config{
				ImageAllowlist:  cfg.Sandbox.ImageAllowlist,
				EgressAllowlist: cfg.Sandbox.EgressAllowlist,
				Grace:           cfg.Sandbox.Grace,
				Defaults:        sandboxLimits(cfg.Sandbox.Defaults),
			}, backend, auditLog, log, metricsManager)
			handler = mgr.Handler()
		case pc.Endpoint != "":
			handler = agent.New(pc.Endpoint, cfg.Router.DefaultTaskTimeout, log).Handler()
		default:
			log.Info("No agent endpoint configured, capability left to external workers", "capability", name)
			continue
		}

		p, perr := pool.New(pool.Config{
			Capability:        capability,
			Min:               pc.Min,
			Max:               pc.Max,
			Initial:           pc.Initial,
			HeartbeatInterval: pc.HeartbeatInterval,
			Grace:             pc.Grace,
			MaxPreempts:       pc.MaxPreempts,
			FairnessN:         pc.FairnessN,
			PollInterval:      pc.PollInterval,
		}, q, bus, pub, auditLog, log, metricsManager, handler)
		if perr != nil {
			log.Error("Failed to create worker pool", "capability", name, "error", perr)
			os.Exit(1)
		}
		if err := p.Start(ctx); err != nil {
			log.Error("Failed to start worker pool", "capability", name, "error", err)
			os.Exit(1)
		}
		rt.RegisterPool(capability, p)
		pools[capability] = p
		log.Info("Started worker pool", "capability", name, "initial", pc.Initial, "max", pc.Max)
	}

	sagaStore := sagastore.NewStoreFromDB(db)
	sagas := saga.NewEngine(sagaStore, sagaStore,
		saga.WithAudit(auditLog),
		saga.WithLogger(log),
		saga.WithMetrics(metricsManager),
	)
	if err := registerBuiltinSagas(sagas, rt, store, cfg); err != nil {
		log.Error("Failed to register saga definitions", "error", err)
		os.Exit(1)
	}

	supervisor := recovery.New(recovery.Config{
		ScanInterval: cfg.Recovery.ScanInterval,
		IdleReclaim:  cfg.Recovery.IdleReclaim,
		MaxAttempts:  cfg.Recovery.MaxAttempts,
	}, q, sagas, sagaStore, auditLog, log, metricsManager)
	for _, p := range pools {
		supervisor.RegisterPool(p)
	}
	supervisor.Start(ctx)

	var scaler *autoscaler.Autoscaler
	if cfg.Autoscaler.Enabled && len(pools) > 0 {
		scalable := make([]autoscaler.ScalablePool, 0, len(pools))
		for _, p := range pools {
			scalable = append(scalable, p)
		}
		scaler = autoscaler.New(autoscaler.Config{
			Interval: cfg.Autoscaler.Interval,
			Default: autoscaler.Policy{
				UpThreshold:   cfg.Autoscaler.UpThreshold,
				DownThreshold: cfg.Autoscaler.DownThreshold,
				K:             cfg.Autoscaler.K,
				KDown:         cfg.Autoscaler.KDown,
				Cooldown:      cfg.Autoscaler.Cooldown,
				Step:          cfg.Autoscaler.Step,
			},
		}, q, scalable, auditLog, log, metricsManager)
		scaler.Start(ctx)
	}

	svc := controlplane.New(controlplane.Config{
		AuthEnabled: cfg.Auth.Enabled,
	}, rt, reg, q, store, pub, sagas, supervisor, auditLog, auditLog, log, metricsManager)
	for _, p := range pools {
		svc.RegisterPool(p)
	}
	pub.AddSink(svc.ResultSink())

	mux := rpc.NewMux(log, svc)
	svc.Register(mux)

	wsHandler := handlers.NewWebSocketHandler(log, handlers.WebSocketConfig{
		AllowedOrigins: cfg.Server.CORS.AllowedOrigins,
	})
	pub.AddSink(wsHandler)

	checks := map[string]handlers.Check{
		"storage": func(ctx context.Context) error {
			return db.View(func(*badgerdb.Txn) error { return nil })
		},
	}
	if redisClient != nil {
		checks["queue"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}

	apiHandlers := &api.Handlers{
		RPC:       mux,
		Health:    handlers.NewHealthHandler(version.Version, checks),
		WebSocket: wsHandler,
		Recorder:  metricsManager,
	}
	if cfg.Auth.Enabled {
		apiHandlers.Tokens = middleware.StaticTokens(cfg.Auth.Tokens)
	}
	if metricsManager.Enabled() && cfg.Metrics.Port == 0 {
		apiHandlers.Metrics = metricsManager.Handler()
	}

	httpServer := api.NewHTTPServer(cfg, log, apiHandlers)
	serverErrChan := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "address", cfg.Server.Address())
		if err := httpServer.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	watchConfig(ctx, *configPath, log)

	log.Info("Taskmesh is running",
		"http_port", cfg.Server.Port,
		"metrics_port", cfg.Metrics.Port,
		"pools", len(pools),
	)
	log.Info("Press Ctrl+C to stop")

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErrChan:
		log.Error("HTTP server error", "error", err)
	case <-ctx.Done():
		log.Info("Context cancelled")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info("Shutting down HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down HTTP server", "error", err)
	}

	if scaler != nil {
		scaler.Stop()
	}
	supervisor.Stop()
	for capability, p := range pools {
		log.Info("Stopping worker pool", "capability", string(capability))
		p.Stop()
	}
	wsHandler.Close()

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("Error shutting down tracing", "error", err)
	}

	log.Info("Taskmesh stopped gracefully")
}

const signalBufferSize = 64

func openBadger(cfg config.BadgerConfig) (*badgerdb.DB, error) {
	opts := badgerdb.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	if cfg.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = cfg.NumVersionsToKeep
	}
	opts.Logger = nil
	return badgerdb.Open(opts)
}

func metricsConfig(cfg *config.Config) metrics.Config {
	defaults := metrics.DefaultConfig()
	return metrics.Config{
		Enabled:               cfg.Metrics.Enabled,
		Port:                  cfg.Metrics.Port,
		Path:                  cfg.Metrics.Path,
		TaskLatencyBuckets:    defaults.TaskLatencyBuckets,
		QueueWaitBuckets:      defaults.QueueWaitBuckets,
		SagaDurationBuckets:   defaults.SagaDurationBuckets,
		StepLatencyBuckets:    defaults.StepLatencyBuckets,
		SandboxRuntimeBuckets: defaults.SandboxRuntimeBuckets,
		HTTPDurationBuckets:   defaults.HTTPDurationBuckets,
	}
}

func routerConfig(cfg *config.Config) router.Config {
	rc := router.Config{
		RejectThreshold:    int64(cfg.Router.RejectThreshold),
		DefaultTaskTimeout: cfg.Router.DefaultTaskTimeout,
		AppendRetries:      uint64(cfg.Router.AppendRetries),
		DefaultTenant:      tenantPolicy(cfg.Router.DefaultTenant),
	}
	if len(cfg.Router.Tenants) > 0 {
		rc.Tenants = make(map[string]router.TenantPolicy, len(cfg.Router.Tenants))
		for id, tc := range cfg.Router.Tenants {
			rc.Tenants[id] = tenantPolicy(tc)
		}
	}
	return rc
}

func tenantPolicy(tc config.TenantConfig) router.TenantPolicy {
	return router.TenantPolicy{
		MaxPriority: task.PriorityClass(tc.MaxPriority),
		SubmitRate:  tc.SubmitRate,
		Burst:       tc.Burst,
	}
}

func sandboxLimits(lc config.SandboxLimitConfig) sandbox.Limits {
	return sandbox.Limits{
		CPUCores:       lc.CPUCores,
		MemoryBytes:    lc.MemoryBytes,
		Wallclock:      lc.Wallclock,
		Pids:           lc.Pids,
		TmpfsBytes:     lc.TmpfsBytes,
		OutputBytesCap: lc.OutputBytesCap,
	}
}

// watchConfig hot-reloads the log level when the config file changes.
// Everything else requires a restart.
func watchConfig(ctx context.Context, path string, log logger.Logger) {
	if path == "" {
		return
	}
	watcher, err := config.NewWatcher(path, config.NewLoader())
	if err != nil {
		log.Warn("Config watcher unavailable", "error", err)
		return
	}
	watcher.OnChange(func(next *config.Config) {
		logger.SetLevel(logger.ParseLevel(next.Log.Level))
		log.Info("Reloaded configuration", "log_level", next.Log.Level)
	})
	go func() {
		if err := watcher.Watch(ctx); err != nil {
			log.Warn("Config watcher stopped", "error", err)
		}
	}()
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *appName != "" {
		overrides["app.name"] = *appName
	}
	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	fmt.Printf("Taskmesh - AI Task Orchestration Server\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
	fmt.Printf("Go Version: %s\n", version.GoVersion)
}

func printHelp() {
	fmt.Printf("Taskmesh - priority-aware orchestration server for AI task dispatch\n\n")
	fmt.Printf("Usage: taskmesh [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  taskmesh                                  # Run with default config\n")
	fmt.Printf("  taskmesh -config config.yaml              # Use specific config file\n")
	fmt.Printf("  taskmesh -port 9090 -log-level debug      # Override specific options\n")
	fmt.Printf("  taskmesh -version                         # Print version info\n")
}
