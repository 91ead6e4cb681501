package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ChuLiYu/flink-harness/internal/auth"
	"github.com/ChuLiYu/flink-harness/internal/harness"
	"github.com/ChuLiYu/flink-harness/internal/messaging"
	"github.com/ChuLiYu/flink-harness/internal/metrics"
	"github.com/ChuLiYu/flink-harness/internal/notify"
	"github.com/ChuLiYu/flink-harness/internal/pipeline"
	"github.com/ChuLiYu/flink-harness/internal/registry"
	"github.com/ChuLiYu/flink-harness/internal/sandbox"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// newLogger 依 logging 設定建立 slog.Logger
func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// runtime 所有外部協作者
type runtime struct {
	deps         harness.Deps
	registry     registry.Client
	pipelineAuth *auth.Provider
	registryAuth *auth.Provider
	notifier     notify.Notifier
	collector    *metrics.Collector

	closers []func() error
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i]()
	}
}

// buildRuntime 建立 transport、pipeline client、registry、認證與告警
func buildRuntime(ctx context.Context, cfg *Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{notifier: notify.Nop{}}

	// transport
	var broker *messaging.Broker
	switch cfg.Transport.Kind {
	case TransportMemory:
		broker = messaging.NewBroker()
		rt.deps.Transport = broker
		rt.deps.Admin = broker
	case TransportSQS:
		client, err := newSQSClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		t := messaging.NewSQSTransport(client, messaging.WithWaitTime(cfg.Transport.WaitTime))
		rt.deps.Transport = t
		rt.deps.Admin = t
	}

	// pipeline control plane + registry
	switch cfg.Pipeline.Kind {
	case PipelineSimulator:
		reg := sandbox.NewMemoryRegistry()
		rt.deps.Pipeline = sandbox.NewSimulator(broker, reg)
		rt.registry = reg
	case PipelineGRPC:
		conn, err := grpc.NewClient(cfg.Pipeline.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to control plane: %w", err)
		}
		rt.closers = append(rt.closers, conn.Close)
		rt.deps.Pipeline = pipeline.NewGRPCClient(conn)
	default:
		rt.deps.Pipeline = newRESTPipeline(cfg)
	}
	if rt.registry == nil {
		rt.registry = registry.NewHTTPClient(cfg.Registry.URL,
			registry.WithRateLimit(cfg.Registry.RateLimit),
			registry.WithSearch(registry.SearchConfig{
				URL:      cfg.Registry.Search.URL,
				Username: cfg.Registry.Search.Username,
				Password: cfg.Registry.Search.Password,
			}),
		)
	}
	rt.deps.Registry = rt.registry

	var err error
	if rt.pipelineAuth, err = newProvider(ctx, cfg.Auth.Pipeline); err != nil {
		return nil, fmt.Errorf("pipeline auth: %w", err)
	}
	if rt.registryAuth, err = newProvider(ctx, cfg.Auth.Registry); err != nil {
		return nil, fmt.Errorf("registry auth: %w", err)
	}

	if cfg.Slack.WebhookURL != "" {
		rt.notifier = notify.NewSlackNotifier(cfg.Slack.WebhookURL)
	}

	if cfg.Metrics.Enabled {
		rt.collector = metrics.NewCollector()
		rt.deps.Recorder = rt.collector
	}
	rt.deps.Logger = logger
	return rt, nil
}

func newRESTPipeline(cfg *Config) *pipeline.RESTClient {
	return pipeline.NewRESTClient(cfg.Pipeline.URL, pipeline.WithRateLimit(cfg.Pipeline.RateLimit))
}

func newSQSClient(ctx context.Context, cfg *Config) (*sqs.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Transport.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	endpoint := cfg.Transport.Endpoint
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// newProvider 靜態 token 優先，其次 client credentials，都沒有則不帶認證
func newProvider(ctx context.Context, c OAuthConfig) (*auth.Provider, error) {
	if c.Token != "" || c.TokenURL == "" {
		return auth.NewStaticProvider(c.Token), nil
	}
	return auth.NewClientCredentialsProvider(ctx, auth.ClientCredentials{
		TokenURL:     c.TokenURL,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Scopes:       c.Scopes,
		Audience:     c.Audience,
	})
}
