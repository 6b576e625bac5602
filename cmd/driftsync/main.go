package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/engine"
	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/connector/registry"
	"github.com/driftsync/driftsync/pkg/logger"
	"github.com/driftsync/driftsync/pkg/observability"

	// Import all built-in connectors to register them.
	_ "github.com/driftsync/driftsync/pkg/connector/file"
	_ "github.com/driftsync/driftsync/pkg/connector/kafka"
	_ "github.com/driftsync/driftsync/pkg/connector/memory"
	_ "github.com/driftsync/driftsync/pkg/connector/mongodb"
	_ "github.com/driftsync/driftsync/pkg/connector/postgres"
	_ "github.com/driftsync/driftsync/pkg/connector/s3"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "driftsync",
		Short: "Driftsync - bidirectional data synchronization engine",
		Long: `Driftsync keeps record sets in different systems convergent. It drives
change-detection sync cycles between connector pairs, with checkpointed
resume, pluggable conflict resolution, and dead-letter routing for
records that cannot be applied.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Driftsync v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "connectors",
		Short: "List registered connector types",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available connectors:")
			for _, meta := range registry.List() {
				line := fmt.Sprintf("  %-10s %s", meta.Type, meta.Description)
				if len(meta.Capabilities) > 0 {
					line += fmt.Sprintf(" [%s]", strings.Join(meta.Capabilities, ", "))
				}
				fmt.Println(line)
			}
		},
	})

	var validateFile string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate an engine configuration file",
		Long: `Validate parses the configuration, applies defaults, checks every
setting, and confirms each pair references a registered connector type.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(cmd.OutOrStdout(), validateFile)
		},
	}
	validateCmd.Flags().StringVarP(&validateFile, "config", "c", "", "Path to the engine configuration YAML file (required)")
	_ = validateCmd.MarkFlagRequired("config")
	root.AddCommand(validateCmd)

	var runFile, logLevel, oncePair string
	var once bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine",
		Long: `Run the sync engine with the pairs defined in the configuration file.
The engine keeps running until SIGINT or SIGTERM, then drains in-flight
cycles and shuts down.

Example:
  driftsync run --config pairs.yaml
  driftsync run --config pairs.yaml --once --pair orders`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(runFile, logLevel, once, oncePair)
		},
	}
	runCmd.Flags().StringVarP(&runFile, "config", "c", "", "Path to the engine configuration YAML file (required)")
	_ = runCmd.MarkFlagRequired("config")
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&once, "once", false, "Trigger one sync cycle per pair, print the outcomes, and exit")
	runCmd.Flags().StringVar(&oncePair, "pair", "", "With --once, sync only this pair")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// validateConfig loads and validates an engine configuration, then
// reports the configured pairs.
func validateConfig(w io.Writer, path string) error {
	cfg, err := config.LoadEngineConfig(path)
	if err != nil {
		return err
	}

	for _, pc := range cfg.Pairs {
		if !registry.Exists(pc.Source.Type) {
			return fmt.Errorf("pair %s: unknown source connector type %q", pc.ID, pc.Source.Type)
		}
		if !registry.Exists(pc.Target.Type) {
			return fmt.Errorf("pair %s: unknown target connector type %q", pc.ID, pc.Target.Type)
		}
	}

	fmt.Fprintf(w, "configuration OK: %d pair(s)\n", len(cfg.Pairs))
	for _, pc := range cfg.Pairs {
		fmt.Fprintf(w, "  %s: %s/%s -> %s/%s (%s, %s)\n",
			pc.ID, pc.Source.Type, pc.Source.Name, pc.Target.Type, pc.Target.Name, pc.Mode, pc.Strategy)
	}
	return nil
}

// runEngine brings the engine up and keeps it running until a shutdown
// signal. With once set it instead triggers a single cycle per pair and
// exits.
func runEngine(configFile, logLevel string, once bool, oncePair string) error {
	cfg, err := config.LoadEngineConfig(configFile)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	if err := logger.Init(logger.Config{
		Level:       level,
		Encoding:    cfg.Logging.Encoding,
		Development: cfg.Logging.Development,
	}); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Observability.EnableTracing {
		obsCfg := observability.DefaultConfig()
		obsCfg.ServiceVersion = version
		obsCfg.SampleRate = cfg.Observability.TracingSampleRate
		if err := observability.Initialize(obsCfg); err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = observability.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, sink, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg, store, sink)
	if err != nil {
		store.Close()
		sink.Close()
		return err
	}

	log := logger.Get().Named("cli")
	if err := eng.Start(ctx); err != nil {
		store.Close()
		sink.Close()
		return fmt.Errorf("starting engine: %w", err)
	}

	stopEngine := func() error {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
		defer cancel()
		return eng.Stop(stopCtx)
	}

	if once {
		err := syncOnce(ctx, eng, oncePair)
		if stopErr := stopEngine(); stopErr != nil && err == nil {
			err = stopErr
		}
		return err
	}

	log.Info("engine running",
		zap.Int("pairs", len(eng.Pairs())),
		zap.String("config", configFile))

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	if err := stopEngine(); err != nil {
		return fmt.Errorf("stopping engine: %w", err)
	}
	return nil
}

// syncOnce triggers a cycle for each selected pair and prints the run
// outcomes.
func syncOnce(ctx context.Context, eng *engine.Engine, only string) error {
	pairs := eng.Pairs()
	if only != "" {
		pairs = []string{only}
	}

	var failed bool
	for _, id := range pairs {
		st, err := eng.SyncNow(ctx, id)
		if err != nil {
			return err
		}
		if st.Run == nil {
			continue
		}
		fmt.Printf("%s: %s (%s)\n", id, st.Run.Status, st.Run.Summary)
		if st.Run.Status == engine.RunStatusFailed {
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("one or more pairs failed to sync")
	}
	return nil
}
