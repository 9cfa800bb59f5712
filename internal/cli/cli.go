// Package cli wires the fluxion command line: serve, routes, install, and
// the hidden worker entrypoint the supervisor spawns.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fluxionhq/fluxion/internal/archive"
	"github.com/fluxionhq/fluxion/internal/metrics"
	"github.com/fluxionhq/fluxion/internal/routing"
	"github.com/fluxionhq/fluxion/internal/runtime"
	"github.com/fluxionhq/fluxion/internal/server"
	"github.com/fluxionhq/fluxion/internal/worker"
)

var configFile string

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fluxion",
		Short: "Fluxion: a meta HTTP server driven by a dynamic directory",
		Long: `Fluxion serves whatever sits in its dynamic directory: .mjs files become
routed handlers executed inside supervised workers with resource caps, and
everything else is served as static content. Content hot-reloads by file
version.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildRoutesCommand())
	rootCmd.AddCommand(buildInstallCommand())
	rootCmd.AddCommand(buildWorkerCommand())

	return rootCmd
}

func buildServeCommand() *cobra.Command {
	var dir, host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the fluxion server",
		Long:  "Load the configuration, build the worker pool, and serve the dynamic directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if dir != "" {
				cfg.Dir = dir
			}
			if host != "" {
				cfg.Host = host
			}
			if port != 0 {
				cfg.Port = port
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "dynamic directory (overrides config)")
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")

	return cmd
}

func serve(cfg *Config) error {
	log := newLogger(cfg.LogLevel)

	var registry *prometheus.Registry
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		collector = metrics.NewCollector(registry)
	}

	rt, err := runtime.New(runtime.Config{
		Dir:           cfg.Dir,
		Databases:     cfg.Databases,
		Workers:       cfg.WorkerSpecs(),
		WorkerOptions: cfg.WorkerOptions.toSupervisor(),
		Logger:        log,
		Metrics:       collector,
	})
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}
	defer rt.Close()

	var maxRequest int64
	if cfg.MaxRequestBytes != nil {
		maxRequest = *cfg.MaxRequestBytes
	}
	srv, err := server.New(server.Config{
		Runtime:         rt,
		Logger:          log,
		Metrics:         collector,
		MetricsRegistry: registry,
		MaxRequestBytes: maxRequest,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	log.Info("starting fluxion", "dir", cfg.Dir, "addr", addr)
	return srv.Run(ctx, addr)
}

func buildRoutesCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Print the route snapshot",
		Long:  "Walk the dynamic directory and print the routable handlers and static files as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				cfg, err := LoadConfig(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				dir = cfg.Dir
			}
			snapshot, err := routing.WalkRoutes(dir)
			if err != nil {
				return fmt.Errorf("failed to walk routes: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snapshot)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "dynamic directory (overrides config)")
	return cmd
}

func buildInstallCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "install <archive>",
		Short: "Install a module archive into the dynamic directory",
		Long:  "Extract a .tar, .tar.gz, or .tgz archive into the dynamic directory, detecting nested vs flat layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				cfg, err := LoadConfig(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				dir = cfg.Dir
			}
			module, err := archive.Install(dir, args[0])
			if err != nil {
				return fmt.Errorf("failed to install archive: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed module %q\n", module)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "dynamic directory (overrides config)")
	return cmd
}

// buildWorkerCommand is the entrypoint the supervisor spawns; it speaks the
// framed protocol on stdin/stdout and logs to stderr.
func buildWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run a handler worker (internal)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := slog.New(slog.NewTextHandler(os.Stderr, nil))
			return worker.Serve(os.Stdin, os.Stdout, log)
		},
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
