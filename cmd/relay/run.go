package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"monoklix/relay/pkg/activity"
	"monoklix/relay/pkg/admission"
	"monoklix/relay/pkg/backend"
	"monoklix/relay/pkg/catalog"
	"monoklix/relay/pkg/config"
	"monoklix/relay/pkg/credential"
	"monoklix/relay/pkg/executor"
	"monoklix/relay/pkg/monitor"
	"monoklix/relay/pkg/probe"
	"monoklix/relay/pkg/routing"
	"monoklix/relay/pkg/server"
	"monoklix/relay/pkg/session"
	"monoklix/relay/pkg/telemetry/logging"
	"monoklix/relay/pkg/telemetry/metrics"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the relay server",
	Long: `Start the relay server with the specified configuration.

The server connects to the shared Redis backend, loads the proxy fleet
catalog, and serves the login, generation, and session endpoints.

Examples:
  # Start with default config
  relay run

  # Start with custom config
  relay run --config /etc/relay/config.yaml

  # Override listen address
  relay run --listen 0.0.0.0:8780

  # Validate config without starting
  relay run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting server")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if runFlags.listenAddress != "" {
		cfg.API.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	if _, err := logging.Setup(cfg.Telemetry.Logging, os.Stdout); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	if runFlags.dryRun {
		fmt.Println("✓ Configuration valid")
		return nil
	}

	fmt.Printf("Monoklix Relay v%s\n", Version)
	fmt.Printf("Loading configuration from: %s\n", cfgFile)
	fmt.Println("✓ Configuration loaded")

	// Telemetry
	var collector *metrics.Collector
	var registry *prometheus.Registry
	if cfg.Telemetry.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		collector = metrics.NewCollector(cfg.Telemetry.Metrics, registry)
	}

	// Shared coordination backend
	be := backend.NewRedisBackend(cfg.Backend)
	defer be.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), cfg.Backend.DialTimeout)
	err = be.Ping(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("failed to reach backend at %s: %w", cfg.Backend.Addr, err)
	}
	fmt.Printf("✓ Backend connected (%s)\n", cfg.Backend.Addr)

	// Server catalog
	cat, err := catalog.New(catalogServers(cfg.Catalog.Servers))
	if err != nil {
		return fmt.Errorf("failed to build server catalog: %w", err)
	}
	fmt.Printf("✓ Server catalog loaded (%d servers)\n", len(cfg.Catalog.Servers))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Catalog.Watch {
		watcher, err := catalog.NewWatcher(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to create catalog watcher: %w", err)
		}
		go func() {
			err := watcher.Watch(ctx, func() error {
				reloaded, err := config.LoadConfigWithEnvOverrides(cfgFile)
				if err != nil {
					return err
				}
				return cat.Reload(catalogServers(reloaded.Catalog.Servers))
			})
			if err != nil {
				slog.Error("catalog watcher exited", "error", err)
			}
		}()
		defer watcher.Stop()
	}

	// Local stores
	identityStore, err := session.OpenIdentityStore(cfg.Storage.IdentityPath)
	if err != nil {
		return fmt.Errorf("failed to open identity store: %w", err)
	}
	defer identityStore.Close()

	recorder, err := activity.NewSQLiteRecorder(cfg.Storage.ActivityPath)
	if err != nil {
		return fmt.Errorf("failed to open activity log: %w", err)
	}
	defer recorder.Close()
	fmt.Println("✓ Local stores initialized")

	// Core components
	sessions := session.NewManager(collector)
	selector := routing.NewSelector(cat, be, be, collector)
	admitter := admission.NewController(be, cfg.Admission, collector)
	exec := executor.NewExecutor(cfg.Executor, admitter, selector, recorder, collector)
	prober := probe.NewHealthProber(exec, cfg.Assignment.ProbeTimeout, collector)
	assigner := credential.NewAssigner(be, collector)
	mon := monitor.NewMonitor(cfg.Heartbeat, be, sessions, collector)
	defer mon.Stop()

	relay := server.NewRelay(be, cat, selector, sessions, assigner, prober, exec, mon, identityStore)

	// Re-open the last persisted session, if any.
	restoreCtx, restoreCancel := context.WithTimeout(ctx, 15*time.Second)
	restored, err := relay.Restore(restoreCtx)
	restoreCancel()
	if err != nil {
		slog.Warn("failed to restore previous session", "error", err)
	} else if restored {
		fmt.Println("✓ Previous session restored")
	}

	// HTTP facade
	var metricsHandler http.Handler
	if registry != nil {
		metricsHandler = metrics.Handler(registry)
	}
	srv := server.NewServer(cfg.API, cfg.Telemetry, relay, metricsHandler)

	fmt.Println()
	fmt.Printf("✓ Server listening on %s\n", cfg.API.ListenAddress)
	fmt.Printf("✓ Health endpoint: http://%s/healthz\n", cfg.API.ListenAddress)
	if cfg.Telemetry.Metrics.Enabled {
		fmt.Printf("✓ Metrics endpoint: http://%s%s\n", cfg.API.ListenAddress, cfg.Telemetry.Metrics.Path)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	// Start blocks until a signal, context cancellation, or server error.
	return srv.Start(ctx)
}

// catalogServers converts config entries into catalog servers.
func catalogServers(entries []config.ServerEntry) []catalog.Server {
	out := make([]catalog.Server, len(entries))
	for i, e := range entries {
		tags := make([]catalog.Tag, len(e.Tags))
		for j, t := range e.Tags {
			tags[j] = catalog.Tag(t)
		}
		out[i] = catalog.Server{URL: e.URL, Tags: tags}
	}
	return out
}
