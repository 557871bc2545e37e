// Command logship runs the log shipping pipeline.
//
// Logging:
//   - Base logger is created here from the loaded configuration
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"logship/internal/config"
	"logship/internal/delivery"
	"logship/internal/logging"
	"logship/internal/shipper"
	"logship/internal/sink"
	"logship/internal/source/chatterbox"
	"logship/internal/source/fluentfwd"
	sourcehttp "logship/internal/source/http"
	"logship/internal/source/kafka"
	"logship/internal/source/stdin"
	"logship/internal/source/tail"
	"logship/internal/transform"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "logship",
		Short: "Ships application logs to the backend",
	}

	rootCmd.PersistentFlags().String("config", "logship.yaml", "path to configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			pprofAddr, _ := cmd.Flags().GetString("pprof")

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, cfg, pprofAddr)
		},
	}

	runCmd.Flags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060). WARNING: exposes CPU/memory profiles and goroutine dumps, bind to loopback only")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			// Exercise the same wiring run uses so bad source types
			// and params fail here, not at startup.
			discard := logging.Discard()
			if _, err := buildShipper(cfg, delivery.NewLogging(discard), discard); err != nil {
				return err
			}
			fmt.Printf("%s: ok (%d sources)\n", cfgPath, len(cfg.Sources))
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(runCmd, checkCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, pprofAddr string) error {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(os.Stderr, cfg.Log.Format, level)
	if err != nil {
		return err
	}

	if pprofAddr != "" {
		go func() {
			logger.Info("pprof server listening", "addr", pprofAddr)
			if err := http.ListenAndServe(pprofAddr, nil); err != nil {
				logger.Error("pprof server error", "error", err)
			}
		}()
	}

	deliver, err := buildDeliverer(cfg, logger)
	if err != nil {
		return err
	}

	sh, err := buildShipper(cfg, deliver, logger)
	if err != nil {
		return err
	}

	logger.Info("starting pipeline",
		"sources", len(cfg.Sources),
		"application", cfg.Backend.ApplicationName,
		"subsystem", cfg.Backend.SubsystemName,
	)
	if err := sh.Start(ctx); err != nil {
		return err
	}

	// A finite input set (stdin pipe, bounded files) ends the process once
	// everything has been shipped; a signal ends it early.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-sh.SourcesDone():
		logger.Info("all sources finished")
	}

	if err := sh.Stop(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// buildShipper wires a pipeline from a validated config. It starts
// nothing; factories only validate params and construct sources.
func buildShipper(cfg *config.Config, deliver sink.DeliverFunc, logger *slog.Logger) (*shipper.Shipper, error) {
	sh, err := shipper.New(shipper.Config{
		Deliver: deliver,
		Static: transform.Static{
			ApplicationName: cfg.Backend.ApplicationName,
			SubsystemName:   cfg.Backend.SubsystemName,
			ComputerName:    cfg.Backend.ComputerName,
			Category:        cfg.Backend.Category,
			HiResTimestamps: cfg.Backend.HiResTimestamps,
		},
		CountThreshold: cfg.Batch.CountThreshold,
		FlushInterval:  cfg.Batch.FlushInterval.Duration(),
		MaxBatchBytes:  cfg.Batch.MaxBatchBytes,
		MinLevel:       cfg.Pipeline.MinLevel,
		ChannelSize:    cfg.Pipeline.ChannelSize,
		DrainTimeout:   cfg.Pipeline.DrainTimeout.Duration(),
		StatsCron:      cfg.Pipeline.StatsCron,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	if err := sh.ApplyConfig(cfg.Sources, buildFactories(cfg, logger)); err != nil {
		return nil, err
	}
	return sh, nil
}

// buildDeliverer picks the real backend client or the dry-run logger.
func buildDeliverer(cfg *config.Config, logger *slog.Logger) (sink.DeliverFunc, error) {
	if cfg.Backend.DryRun {
		logger.Info("dry run enabled, batches will be logged and discarded")
		return delivery.NewLogging(logger), nil
	}

	client, err := delivery.New(delivery.Config{
		Domain:     cfg.Backend.Domain,
		URL:        cfg.Backend.URL,
		PrivateKey: cfg.Backend.PrivateKey,
		Timeout:    cfg.Backend.Timeout.Duration(),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return client.Deliver, nil
}

// buildFactories maps source type names to their factories.
// The logger is passed to source factories for structured logging.
func buildFactories(cfg *config.Config, logger *slog.Logger) shipper.Factories {
	return shipper.Factories{
		Sources: map[string]shipper.SourceFactory{
			"chatterbox": chatterbox.NewSource,
			"fluentfwd":  fluentfwd.NewFactory(),
			"http":       sourcehttp.NewFactory(),
			"kafka":      kafka.NewFactory(),
			"stdin":      stdin.NewFactory(),
			"tail":       tail.NewFactory(),
		},
		StateDir: cfg.Pipeline.StateDir,
		Logger:   logger,
	}
}
