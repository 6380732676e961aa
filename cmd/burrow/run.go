package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/backoff"
	"github.com/cuemby/burrow/pkg/clock"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/controlplane"
	"github.com/cuemby/burrow/pkg/credentials"
	"github.com/cuemby/burrow/pkg/dispatcher"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/runner"
	"github.com/cuemby/burrow/pkg/session"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/updater"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const metricsShutdownTimeout = 5 * time.Second

// errAgentExited ends the errgroup once the control loop returns.
var errAgentExited = errors.New("agent exited")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent",
	Long: `Run the agent until it is stopped, told to shut down or replaced by an
update. The exit code tells a supervisor what to do next:

  0  stopped normally
  1  stopped on an error that a restart will not fix
  2  stopped on an error worth retrying
  3  exiting so the update script can swap in a new version
  4  same as 3, after a run-once job`,
	RunE: runAgent,
}

func init() {
	runCmd.Flags().Bool("once", false, "Exit after running a single job")
	runCmd.Flags().String("metrics-addr", "", "Address for /metrics and health endpoints (overrides metrics_addr)")
}

func initLogging(cmd *cobra.Command) {
	level, _ := cmd.Flags().GetString("log-level")
	jsonOutput, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOutput,
	})
}

func runAgent(cmd *cobra.Command, args []string) error {
	initLogging(cmd)
	configPath, _ := cmd.Flags().GetString("config")
	once, _ := cmd.Flags().GetBool("once")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	settings, err := config.Load(configPath)
	if err != nil {
		exitCode = types.ExitTerminatedError
		return err
	}
	if metricsAddr == "" {
		metricsAddr = settings.MetricsAddr
	}
	runOnce := once || settings.Ephemeral

	creds, err := credentials.New(settings.Credentials)
	if err != nil {
		exitCode = types.ExitTerminatedError
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	client, err := controlplane.NewClient(settings.ServerURL, creds)
	if err != nil {
		exitCode = types.ExitTerminatedError
		return err
	}
	defer client.Close()

	// The dispatcher refreshes its connection after renewal failures, so
	// it gets one of its own instead of the session's.
	jobsClient, err := client.Clone()
	if err != nil {
		exitCode = types.ExitTerminatedError
		return err
	}
	defer jobsClient.Close()

	store, err := storage.NewBoltStore(settings.StatePath())
	if err != nil {
		exitCode = types.ExitRetryableError
		return err
	}
	defer store.Close()

	metrics.SetVersion(Version)
	metrics.RegisterComponent(metrics.ComponentStore, true, "")
	metrics.RegisterComponent(metrics.ComponentDispatcher, true, "")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	collector := metrics.NewCollector(broker)
	collector.Start()
	defer collector.Stop()

	history := runner.NewHistory(broker, store)
	history.Start()
	defer history.Stop()

	owner, _ := os.Hostname()
	manager := session.NewManager(client, session.Options{
		PoolID: settings.PoolID,
		Agent: types.AgentIdentity{
			ID:            settings.AgentID,
			Name:          settings.AgentName,
			Version:       Version,
			OSDescription: runtime.GOOS + "/" + runtime.GOARCH,
			Ephemeral:     runOnce,
			Labels:        settings.Labels,
		},
		OwnerName:     owner,
		DisableUpdate: settings.DisableUpdate,
		Credentials:   creds,
		Store:         store,
		Events:        broker,
	})

	jobs := dispatcher.New(jobsClient, dispatcher.Options{
		WorkDir:        settings.WorkDir(),
		DiagDir:        filepath.Join(settings.RootFolder, "_diag"),
		ChannelTimeout: config.ChannelTimeout(),
		RenewInterval:  settings.RenewInterval,
		OnStatus:       manager.OnJobStatus,
		Events:         broker,
	})

	selfUpdate := updater.New(client, updater.Options{
		PoolID:          settings.PoolID,
		AgentID:         settings.AgentID,
		Version:         Version,
		RootDir:         settings.RootFolder,
		WorkDir:         settings.WorkDir(),
		DownloadTimeout: config.DownloadTimeout(),
		MockUpdate:      config.MockUpdate(),
		Events:          broker,
	})

	agent := runner.New(manager, jobs, selfUpdate, client, runner.Options{
		Settings:   settings,
		ConfigPath: configPath,
		Version:    Version,
		RunOnce:    runOnce,
		Throttler:  backoff.NewThrottler(clock.Real()),
		Events:     broker,
		SetCredentials: func(c config.Credentials) error {
			provider, err := credentials.New(c)
			if err != nil {
				return err
			}
			if err := client.SetCredentials(provider); err != nil {
				return err
			}
			return jobsClient.SetCredentials(provider)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	code := types.ExitSuccess
	g.Go(func() error {
		code = agent.Run(gctx)
		return errAgentExited
	})
	if metricsAddr != "" {
		server := newMetricsServer(metricsAddr)
		g.Go(func() error {
			log.Logger.Info().Str("addr", metricsAddr).Msg("Serving metrics and health")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errAgentExited) {
		log.Logger.Error().Err(err).Msg("Agent stopped")
	}
	exitCode = code
	log.Logger.Info().Int("exit_code", code).Msg("Agent exited")
	return nil
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
