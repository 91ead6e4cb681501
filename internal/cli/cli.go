// ============================================================================
// flink-harness CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running pipeline test scenarios
//
// Command Structure:
//   flink-harness                  # Root command
//   ├── run                        # Run the configured scenario
//   ├── cleanup                    # Remove orphaned batches and channels
//   │   ├── --prefix              # Batch name prefix to bulk delete
//   │   └── --channel             # Channel to delete (repeatable)
//   ├── agent                      # Serve the gRPC control plane in front of the REST API
//   │   └── --listen              # Listen address
//   ├── status                     # Show effective configuration
//   ├── --config, -c              # Config file (default: configs/default.yaml)
//   └── --version
//
// Configuration:
//   YAML file, ${ENV} references expanded before parsing so secrets can stay
//   in the environment. See configs/default.yaml.
//
// run Command:
//   1. Load and validate config
//   2. Build transport, control plane client, registry, credentials
//   3. Start the metrics server (if enabled)
//   4. Run the scenario; SIGINT/SIGTERM cancels it, Stop and Cleanup still run
//   5. Exit non-zero when the scenario failed
//
//   Examples:
//     ./flink-harness run
//     ./flink-harness run -c nightly.yaml
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/signal"
	"syscall"

	"github.com/ChuLiYu/flink-harness/internal/harness"
	"github.com/ChuLiYu/flink-harness/internal/metrics"
	"github.com/ChuLiYu/flink-harness/internal/notify"
	"github.com/ChuLiYu/flink-harness/internal/pipeline"
	"github.com/ChuLiYu/flink-harness/internal/scenario"
	"github.com/ChuLiYu/flink-harness/pkg/types"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flink-harness",
		Short: "flink-harness: end-to-end test harness for streaming pipelines",
		Long: `flink-harness drives a streaming validation pipeline end to end:
- provisions uniquely named channels per run
- submits batches through the batch registry
- monitors notifications, outputs and pipeline health
- always cancels the run and cleans up`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildCleanupCommand())
	rootCmd.AddCommand(buildAgentCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// loadValidConfig 讀取並驗證設定
func loadValidConfig() (*Config, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// signalContext 在 SIGINT/SIGTERM 時取消
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the configured test scenario",
		Long:  "Start one or two monitored pipeline runs, push the scenario's records and report throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig()
			if err != nil {
				return err
			}
			slog.SetDefault(newLogger(cfg, cmd.ErrOrStderr()))
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runScenario(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	return cmd
}

func runScenario(ctx context.Context, cfg *Config, logOut io.Writer) error {
	logger := newLogger(cfg, logOut)
	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.Metrics.Enabled {
		go func() {
			logger.Info("Starting metrics server", "addr", cfg.Metrics.Addr)
			if err := metrics.StartServer(ctx, cfg.Metrics.Addr); err != nil {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	}

	source, err := recordSource(cfg)
	if err != nil {
		return err
	}

	creds, err := credentials(rt)
	if err != nil {
		return err
	}

	runner, err := scenario.NewRunner(harness.NewSession(), rt.deps, cfg.HarnessConfig(), cfg.ScenarioConfig(), source)
	if err != nil {
		return err
	}
	runner.Logger = logger
	runner.Notifier = rt.notifier
	if rt.collector != nil {
		runner.Throughput = rt.collector
	}
	runner.Failure = notify.Failure{
		Repository: cfg.Slack.Repository,
		Branch:     cfg.Slack.Branch,
		BuildURL:   cfg.Slack.BuildURL,
	}

	res, err := runner.Run(ctx, creds)
	if err != nil {
		return fmt.Errorf("scenario %s failed: %w", cfg.Scenario.Name, err)
	}
	logger.Info("Scenario passed",
		"batch", res.Batch,
		"records", res.Sent,
		"valid", res.Valid,
		"invalid", res.Invalid,
		"records_per_sec", res.RecordsPerSec,
		"mb_per_sec", res.MBPerSec)
	return nil
}

func recordSource(cfg *Config) (scenario.RecordSource, error) {
	if cfg.Scenario.RecordDir != "" {
		return scenario.NewDirSource(cfg.Scenario.RecordDir)
	}
	return &scenario.GeneratedSource{InvalidEvery: cfg.Scenario.InvalidEvery}, nil
}

func credentials(rt *runtime) (scenario.Credentials, error) {
	pc, err := rt.pipelineAuth.Credential()
	if err != nil {
		return scenario.Credentials{}, err
	}
	rc, err := rt.registryAuth.Credential()
	if err != nil {
		return scenario.Credentials{}, err
	}
	return scenario.Credentials{Pipeline: pc, Registry: rc}, nil
}

// ============================================================================
// cleanup
// ============================================================================

func buildCleanupCommand() *cobra.Command {
	var prefix string
	var channels []string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete orphaned batches and channels",
		Long:  "Bulk delete registry batches whose name starts with --prefix and delete every --channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			if prefix == "" && len(channels) == 0 {
				return fmt.Errorf("nothing to clean up (use --prefix and/or --channel)")
			}
			cfg, err := loadValidConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return cleanupResources(ctx, cfg, prefix, channels, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "batch name prefix to bulk delete")
	cmd.Flags().StringSliceVar(&channels, "channel", nil, "channel to delete (repeatable)")

	return cmd
}

func cleanupResources(ctx context.Context, cfg *Config, prefix string, channels []string, logOut io.Writer) error {
	logger := newLogger(cfg, logOut)
	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	var errs []error
	if prefix != "" {
		cred, err := rt.registryAuth.Credential()
		if err != nil {
			return err
		}
		if err := rt.registry.BulkDeleteByNamePrefix(ctx, cred, cfg.Tenant, prefix); err != nil {
			errs = append(errs, err)
		} else {
			logger.Info("Deleted batches", "prefix", prefix)
		}
	}
	for _, ch := range channels {
		if err := rt.deps.Admin.DeleteChannel(ctx, ch); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete channel %s: %w", ch, err))
			continue
		}
		logger.Info("Deleted channel", "channel", ch)
	}
	return errors.Join(errs...)
}

// ============================================================================
// agent
// ============================================================================

func buildAgentCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Serve the gRPC control plane backed by the REST API",
		Long:  "Expose the pipeline REST API as the gRPC control plane so harness runs can reach it through a single agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Pipeline.URL == "" {
				return fmt.Errorf("pipeline.url is required for the agent")
			}
			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", listen, err)
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return serveAgent(ctx, lis, newRESTPipeline(cfg), newLogger(cfg, cmd.ErrOrStderr()))
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":50051", "address to listen on")

	return cmd
}

func serveAgent(ctx context.Context, lis net.Listener, backend pipeline.Client, logger *slog.Logger) error {
	grpcServer := grpc.NewServer()
	pipeline.RegisterControlPlaneServer(grpcServer, backend)

	go func() {
		<-ctx.Done()
		logger.Info("Received shutdown signal, stopping gracefully...")
		grpcServer.GracefulStop()
	}()

	logger.Info("gRPC control plane listening", "addr", lis.Addr().String())
	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration status",
		Long:  "Display the effective configuration and whether it validates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			showStatus(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
	return cmd
}

func showStatus(w io.Writer, cfg *Config) {
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           flink-harness Configuration                     ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Run:")
	fmt.Fprintf(w, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(w, "  ├─ Tenant:          %s\n", cfg.Tenant)
	fmt.Fprintf(w, "  ├─ Run Tag:         %s\n", cfg.RunTag)
	fmt.Fprintf(w, "  └─ Test Name:       %s\n", cfg.TestName)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🚀 Pipeline:")
	fmt.Fprintf(w, "  ├─ Control Plane:   %s %s\n", cfg.Pipeline.Kind, firstNonEmpty(cfg.Pipeline.URL, cfg.Pipeline.Address))
	fmt.Fprintf(w, "  ├─ Artifact:        %s\n", cfg.Pipeline.ArtifactID)
	fmt.Fprintf(w, "  ├─ Parallelism:     %d\n", cfg.Pipeline.Parallelism)
	fmt.Fprintf(w, "  └─ Completion Delay: %s\n", cfg.Pipeline.CompletionDelay)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📨 Channels:")
	fmt.Fprintf(w, "  ├─ Transport:       %s\n", cfg.Transport.Kind)
	for _, kind := range []types.ChannelKind{types.ChannelInput, types.ChannelOutput, types.ChannelNotification, types.ChannelInvalid} {
		fmt.Fprintf(w, "  ├─ %-16s %s\n", string(kind)+":", channelName(cfg.Channels, kind))
	}
	fmt.Fprintf(w, "  └─ Flush Threshold: %.1f MB\n", float64(cfg.Transport.FlushThreshold)/(1024*1024))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🔑 Credentials:")
	fmt.Fprintf(w, "  ├─ Pipeline:        %s\n", authMode(cfg.Auth.Pipeline))
	fmt.Fprintf(w, "  └─ Registry:        %s\n", authMode(cfg.Auth.Registry))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ Enabled on %s/metrics\n", cfg.Metrics.Addr)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "❌ Config invalid: %v\n", err)
	} else {
		fmt.Fprintln(w, "✅ Config valid")
	}
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
}

func channelName(c types.Channels, kind types.ChannelKind) string {
	switch kind {
	case types.ChannelInput:
		return c.Input
	case types.ChannelOutput:
		return c.Output
	case types.ChannelNotification:
		return c.Notification
	default:
		return c.Invalid
	}
}

// authMode 不輸出任何密鑰
func authMode(c OAuthConfig) string {
	switch {
	case c.Token != "":
		return "static token"
	case c.TokenURL != "":
		return "client credentials (" + c.ClientID + ")"
	default:
		return "none"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
