// datanode runs the block storage node's rolling upgrade machinery.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/datanode/internal/config"
	"github.com/tunnelmesh/datanode/internal/logging/audit"
	"github.com/tunnelmesh/datanode/internal/logging/loki"
	"github.com/tunnelmesh/datanode/internal/metrics"
	"github.com/tunnelmesh/datanode/internal/node"
	"github.com/tunnelmesh/datanode/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Startup directive for a rollback boot
	rollbackBoot bool

	statusJSON bool
)

func main() {
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "datanode",
		Short: "Datanode - block storage node with rolling upgrade support",
		Long: `Datanode stores block pools and keeps every deletion reversible while a
rolling upgrade is in progress.

While the coordinator reports an upgrade as started, deleted blocks are moved
into a per-pool trash. When the upgrade is finalized the trash is purged. To
roll back, restart the node with --rollback: trashed blocks are restored before
the node serves anything.

Examples:
  # Run the node
  datanode serve --config /etc/datanode/datanode.yaml

  # Restart as part of a rollback
  datanode serve --config /etc/datanode/datanode.yaml --rollback

  # Inspect upgrade state without changing it
  datanode status --config /etc/datanode/datanode.yaml

  # Install as a system service
  sudo datanode service install --config /etc/datanode/datanode.yaml`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides config)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the datanode",
		RunE:  runServe,
	}
	serveCmd.Flags().BoolVar(&rollbackBoot, "rollback", false, "this boot rolls back an in-progress rolling upgrade")
	rootCmd.AddCommand(serveCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show rolling upgrade state of every block pool",
		RunE:  runStatus,
	}
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print status as JSON")
	rootCmd.AddCommand(statusCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("datanode %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(newServiceCmd())

	return rootCmd
}

func loadConfig() (*config.NodeConfig, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("--config is required")
	}
	return loadConfigFrom(cfgFile)
}

func loadConfigFrom(path string) (*config.NodeConfig, error) {
	cfg, err := config.LoadNodeConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runNode(ctx, cfg, rollbackBoot)
}

// runNode starts the datanode and blocks until ctx is cancelled.
func runNode(ctx context.Context, cfg *config.NodeConfig, rollback bool) error {
	// Initialize Loki log shipping if enabled
	if cfg.Loki.URL != "" {
		lokiWriter := loki.NewWriter(loki.Config{
			URL:           cfg.Loki.URL,
			FlushInterval: cfg.LokiFlushInterval(),
			Labels:        lokiLabels(cfg),
		})
		lokiWriter.Start()
		defer lokiWriter.Stop()

		log.Logger = log.Output(zerolog.MultiLevelWriter(
			zerolog.ConsoleWriter{Out: os.Stderr},
			lokiWriter,
		))
		log.Info().Str("url", cfg.Loki.URL).Msg("Loki log shipping enabled")
	}

	var auditLogger *audit.Logger
	if cfg.AuditLog != "" {
		f, err := openAuditLog(cfg.AuditLog)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		auditLogger = audit.NewLogger(zerolog.New(f).With().Timestamp().Str("node", cfg.Name).Logger())
	}

	m := metrics.InitMetrics(cfg.Name)

	n, err := node.New(ctx, cfg, node.Options{Rollback: rollback, Metrics: m, Audit: auditLogger})
	if err != nil {
		log.Error().Err(err).Msg("datanode failed to start")
		return err
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("listen", cfg.Metrics.Listen).Msg("metrics endpoint listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	n.Start(ctx)
	<-ctx.Done()
	log.Info().Msg("shutting down")
	n.Wait()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// runAsService is entered when the service manager launches the binary.
// Rollback boots under a service manager are requested with the config
// file's startup_option.
func runAsService() {
	setupLogging("")

	configPath := svc.ConfigPathFromArgs(os.Args)
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}
	log.Info().Str("config", configPath).Msg("starting as service")

	prg := &svc.Program{
		ConfigPath: configPath,
		Run: func(ctx context.Context, configPath string) error {
			cfg, err := loadConfigFrom(configPath)
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel)
			return runNode(ctx, cfg, false)
		},
	}
	if err := svc.Run(prg, svc.NewServiceConfig(svc.ServiceNameFromArgs(os.Args), configPath, "")); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}

func lokiLabels(cfg *config.NodeConfig) map[string]string {
	labels := map[string]string{
		"node":    cfg.Name,
		"version": Version,
	}
	for k, v := range cfg.Loki.Labels {
		labels[k] = v
	}
	return labels
}

func openAuditLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return f, nil
}

func setupLogging(configured string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl := logLevel
	if lvl == "" {
		lvl = configured
	}
	level, err := zerolog.ParseLevel(lvl)
	if err != nil || lvl == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
