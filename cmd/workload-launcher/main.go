package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"workload-launcher-go/internal/api"
	"workload-launcher-go/internal/api/handlers"
	"workload-launcher-go/internal/config"
	"workload-launcher-go/internal/consumer"
	"workload-launcher-go/internal/k8s"
	"workload-launcher-go/internal/labels"
	"workload-launcher-go/internal/mapper"
	"workload-launcher-go/internal/metrics"
	"workload-launcher-go/internal/models"
	"workload-launcher-go/internal/pipeline"
	"workload-launcher-go/internal/pipeline/stages"
	"workload-launcher-go/internal/pods"
	"workload-launcher-go/internal/reaper"
	"workload-launcher-go/internal/redisclient"
	"workload-launcher-go/internal/runner"
	"workload-launcher-go/internal/store"
)

// globalFlags override the environment.
type globalFlags struct {
	configFile string
	logLevel   string
}

func (f *globalFlags) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&f.configFile, "config", "", "YAML overlay file (overrides LAUNCHER_CONFIG_FILE)")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides LOG_LEVEL)")
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "workload-launcher",
		Short: "Launch orchestrated workload pod sets on Kubernetes",
		Long: `The workload launcher consumes launch requests, runs each one through a
fixed stage pipeline and provisions the orchestrator and connector pods of the
workload, serialising launches that share a mutex key.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLauncher(signalContext(), flags)
		},
	}
	flags.addFlags(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Consume launch requests until terminated (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLauncher(signalContext(), flags)
		},
	})
	root.AddCommand(newCancelCommand(flags))
	return root
}

func newCancelCommand(flags *globalFlags) *cobra.Command {
	var mutexKey, workloadID string

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Delete the active pod set of a mutex key and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(cmd.Context(), flags, mutexKey, workloadID)
		},
	}
	cmd.Flags().StringVar(&mutexKey, "mutex-key", "", "mutex key whose pods are deleted")
	cmd.Flags().StringVar(&workloadID, "workload-id", "", "also mark this workload cancelled in the status store")
	_ = cmd.MarkFlagRequired("mutex-key")
	return cmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		cancel()
	}()
	return ctx
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.configFile != "" {
		cfg, err = config.LoadFile(flags.configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// observer is satisfied by both metrics.Recorder and metrics.Nop.
type observer interface {
	pipeline.Observer
	pods.Observer
	runner.Observer
	reaper.Observer
}

func runLauncher(ctx context.Context, flags *globalFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	logger, err := setupLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting workload launcher",
		zap.String("pod_name", cfg.PodName),
		zap.String("dataplane_id", cfg.DataplaneID),
		zap.String("transport", cfg.QueueTransport),
		zap.Any("capabilities", cfg.Capabilities),
	)

	var obs observer = metrics.Nop{}
	if cfg.Capabilities.Metrics {
		obs = metrics.NewRecorder(prometheus.DefaultRegisterer)
	}

	// Redis backs the status store, the mutex lock and the reliable queue.
	var redisClient *redisclient.Client
	if cfg.Capabilities.StatusStore || cfg.Capabilities.MutexLock || cfg.QueueTransport == config.TransportRedis {
		redisClient, err = redisclient.NewClient(cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error("Error closing Redis connection", zap.Error(err))
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("Connected to Redis")
	}

	cluster, err := k8s.NewClient(cfg.K8sNamespace, cfg.K8sInCluster, cfg.K8sKubeConfigPath, logger,
		k8s.WithPollInterval(cfg.PodPollInterval),
		k8s.WithServiceAccount(cfg.ServiceAccount),
	)
	if err != nil {
		return err
	}

	labeler := labels.NewLabeler()
	inputMapper := mapper.NewMapper(mapperConfig(cfg))
	lifecycle := pods.NewClient(cluster, labeler, inputMapper, obs, pods.Timeouts{
		OrchestratorInit: cfg.OrchestratorInitTimeout,
		FullPod:          cfg.FullPodTimeout,
		Slack:            cfg.TimeoutSlack,
	}, logger)

	var (
		statusStore *store.Store
		reporter    pipeline.StatusReporter = pipeline.NopReporter{}
	)
	deps := stages.Deps{
		Capabilities: cfg.Capabilities,
		Lifecycle:    lifecycle,
		Labeler:      labeler,
		Validator:    inputMapper,
		Logger:       logger,
	}
	if cfg.Capabilities.StatusStore {
		statusStore = store.NewStore(redisClient.GetRedis(), cfg.DataplaneID, logger)
		reporter = pipeline.NewStoreReporter(statusStore, logger)
		deps.Store = statusStore
	}
	if cfg.Capabilities.MutexLock {
		deps.Locker = store.NewMutexLock(redisClient.GetRedis(), cfg.MutexLockTTL, logger)
	}

	dispatcher, err := stages.NewDispatcher(deps, obs, reporter)
	if err != nil {
		return err
	}

	in, publisher, readiness, closeTransport, err := openTransport(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}
	defer closeTransport()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var reaperDone <-chan struct{}
	if cfg.Capabilities.Reaper {
		r := reaper.New(cluster, cluster.GetClientset(), reaper.Config{
			Interval:    cfg.ReaperInterval,
			TerminalTTL: cfg.ReaperTerminalTTL,
			StuckTTL:    cfg.ReaperStuckTTL,
			LeaderElection: reaper.LeaderElection{
				Enabled:       cfg.LeaderElectionEnabled,
				LockName:      cfg.LeaderElectionLockName,
				Namespace:     cfg.LeaderElectionNamespace,
				Identity:      cfg.PodName,
				LeaseDuration: cfg.LeaderElectionDuration,
				RenewDeadline: cfg.LeaderElectionRenewDeadline,
				RetryPeriod:   cfg.LeaderElectionRetryPeriod,
			},
		}, obs, logger)
		reaperDone = startReaper(ctx, r, logger)
	}

	var httpServer *http.Server
	if cfg.Capabilities.AdminAPI {
		routeDeps := api.Deps{
			Publisher: publisher,
			Validator: inputMapper,
			Labeler:   labeler,
			Pods:      lifecycle,
			Readiness: readiness,
			Panics:    obs,
		}
		if statusStore != nil {
			routeDeps.Workloads = statusStore
			routeDeps.CancelMarker = statusStore
		}
		httpServer = &http.Server{
			Addr:    cfg.GetServerAddress(),
			Handler: api.NewRouter(routeDeps, logger),
		}
		go func() {
			logger.Info("Starting HTTP server", zap.String("addr", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", zap.Error(err))
				cancel()
			}
		}()
	}

	run := runner.New(in, dispatcher, runner.Options{Workers: cfg.WorkerCount}, obs, logger)
	runDone := make(chan error, 1)
	go func() { runDone <- run.Run(ctx) }()

	logger.Info("Workload launcher started", zap.Int("workers", cfg.WorkerCount))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
	case runErr = <-runDone:
		runDone = nil
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	// In-flight launches observe the cancelled context and hand their requests back.
	if runDone != nil {
		select {
		case runErr = <-runDone:
		case <-shutdownCtx.Done():
			logger.Warn("Runner did not stop within the shutdown timeout")
		}
	}

	// The reaper gives its lease back on the way out.
	if reaperDone != nil && !awaitStopped(shutdownCtx, reaperDone) {
		logger.Warn("Reaper did not stop within the shutdown timeout")
	}

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		} else {
			logger.Info("HTTP server shut down gracefully")
		}
	}

	logger.Info("Workload launcher shutdown complete")
	return runErr
}

// startReaper runs r until ctx is cancelled. The returned channel is closed
// once Run has returned, after the lease is released.
func startReaper(ctx context.Context, r *reaper.Reaper, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := r.Run(ctx); err != nil {
			logger.Error("Reaper stopped with error", zap.Error(err))
		}
	}()
	return done
}

// awaitStopped reports whether done closed before shutdownCtx expired.
func awaitStopped(shutdownCtx context.Context, done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	case <-shutdownCtx.Done():
		return false
	}
}

// openTransport connects the inbound consumer, the publisher used by the
// admin API and the readiness checks of the chosen transport.
func openTransport(ctx context.Context, cfg *config.Config, redisClient *redisclient.Client, logger *zap.Logger) (
	consumer.Consumer, consumer.Publisher, []handlers.ReadinessCheck, func(), error,
) {
	var checks []handlers.ReadinessCheck
	if redisClient != nil {
		checks = append(checks, handlers.ReadinessCheck{Name: "redis", Check: redisClient.Ping})
	}

	switch cfg.QueueTransport {
	case config.TransportNATS:
		conn, err := consumer.ConnectNATS(cfg.NATSURL, "workload-launcher-"+cfg.PodName, logger)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		in, err := consumer.NewNATSConsumer(conn, cfg.QueueName, cfg.DataplaneID, logger)
		if err != nil {
			conn.Close()
			return nil, nil, nil, nil, err
		}
		checks = append(checks, handlers.ReadinessCheck{Name: "nats", Check: func(context.Context) error {
			if status := conn.Status(); status != nats.CONNECTED {
				return fmt.Errorf("connection %s", status)
			}
			return nil
		}})
		closeFn := func() {
			_ = in.Close()
			if err := conn.Drain(); err != nil {
				conn.Close()
			}
		}
		return in, consumer.NewNATSPublisher(conn, cfg.QueueName), checks, closeFn, nil

	default:
		queue := consumer.NewRedisQueue(redisClient.GetRedis(), cfg.QueueName, cfg.ConsumerID(), logger)
		recovered, err := queue.Recover(ctx)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		if recovered > 0 {
			logger.Info("Recovered unacknowledged launch requests", zap.Int("count", recovered))
		}
		return queue, queue, checks, func() { _ = queue.Close() }, nil
	}
}

func mapperConfig(cfg *config.Config) mapper.Config {
	resources := mapper.DefaultResources()
	for role, req := range cfg.Resources {
		resources[role] = req
	}
	return mapper.Config{
		OrchestratorImage:  cfg.OrchestratorImage,
		Resources:          resources,
		NodeSelectors:      cfg.NodeSelectors,
		CheckNodeSelectors: cfg.CheckNodeSelectors,
	}
}

func runCancel(ctx context.Context, flags *globalFlags, mutexKey, workloadID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger, err := setupLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cluster, err := k8s.NewClient(cfg.K8sNamespace, cfg.K8sInCluster, cfg.K8sKubeConfigPath, logger)
	if err != nil {
		return err
	}
	lifecycle := pods.NewClient(cluster, labels.NewLabeler(), nil, nil, pods.DefaultTimeouts(), logger)

	result := models.CancelResult{MutexKey: mutexKey}
	deleted, err := lifecycle.DeleteMutexPods(ctx, mutexKey)
	if err != nil && !deleted {
		return err
	}
	result.Deleted = deleted
	if err != nil {
		result.Warning = "some pods could not be deleted: " + err.Error()
	}

	if workloadID != "" && cfg.Capabilities.StatusStore {
		redisClient, err := redisclient.NewClient(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = redisClient.Close() }()
		if err := store.NewStore(redisClient.GetRedis(), cfg.DataplaneID, logger).MarkCancelled(ctx, workloadID); err != nil {
			return err
		}
	}

	return json.NewEncoder(os.Stdout).Encode(result)
}

func setupLogger(cfg *config.Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)

	if cfg.LogFormat == "console" {
		config.Encoding = "console"
		config.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	return config.Build()
}
