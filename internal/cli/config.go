package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/flink-harness/internal/harness"
	"github.com/ChuLiYu/flink-harness/internal/scenario"
	"github.com/ChuLiYu/flink-harness/pkg/types"
	"gopkg.in/yaml.v3"
)

// Transport / pipeline kinds
const (
	TransportSQS    = "sqs"
	TransportMemory = "memory"

	PipelineREST      = "rest"
	PipelineGRPC      = "grpc"
	PipelineSimulator = "simulator"
)

// OAuthConfig 一組 client-credentials 設定；Token 非空時直接使用靜態 token
type OAuthConfig struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
	Audience     string   `yaml:"audience"`
	Token        string   `yaml:"token"`
}

// Config represents the complete harness configuration.
// Values of the form ${NAME} are expanded from the environment before parsing.
type Config struct {
	Tenant   string `yaml:"tenant"`
	RunTag   string `yaml:"run_tag"`
	TestName string `yaml:"test_name"`

	Logging struct {
		Level  string `yaml:"level"`  // debug, info, warn, error
		Format string `yaml:"format"` // text, json
	} `yaml:"logging"`

	Pipeline struct {
		Kind            string            `yaml:"kind"`
		URL             string            `yaml:"url"`     // REST control plane
		Address         string            `yaml:"address"` // gRPC control plane
		RateLimit       int               `yaml:"rate_limit"`
		ArtifactID      string            `yaml:"artifact_id"`
		EntryClass      string            `yaml:"entry_class"`
		Parallelism     int               `yaml:"parallelism"`
		CompletionDelay time.Duration     `yaml:"completion_delay"`
		StartTimeout    time.Duration     `yaml:"start_timeout"`
		StopTimeout     time.Duration     `yaml:"stop_timeout"`
		PollInterval    time.Duration     `yaml:"poll_interval"`
		Properties      map[string]string `yaml:"properties"`
	} `yaml:"pipeline"`

	Transport struct {
		Kind           string        `yaml:"kind"`
		Region         string        `yaml:"region"`
		Endpoint       string        `yaml:"endpoint"`
		WaitTime       time.Duration `yaml:"wait_time"`
		FlushThreshold int           `yaml:"flush_threshold"`
	} `yaml:"transport"`

	Channels types.Channels `yaml:"channels"`

	Registry struct {
		URL       string `yaml:"url"`
		RateLimit int    `yaml:"rate_limit"`
		Search    struct {
			URL      string `yaml:"url"`
			Username string `yaml:"username"`
			Password string `yaml:"password"`
		} `yaml:"search"`
	} `yaml:"registry"`

	Auth struct {
		Pipeline OAuthConfig `yaml:"pipeline"`
		Registry OAuthConfig `yaml:"registry"`
	} `yaml:"auth"`

	Monitor struct {
		HealthInterval time.Duration `yaml:"health_interval"`
		SettleDelay    time.Duration `yaml:"settle_delay"`
	} `yaml:"monitor"`

	Scenario struct {
		Name            string        `yaml:"name"`
		Records         int           `yaml:"records"`
		Timeout         time.Duration `yaml:"timeout"`
		WarmUp          time.Duration `yaml:"warm_up"`
		Interval        time.Duration `yaml:"interval"`
		Background      bool          `yaml:"background"`
		MaxRecordBytes  int           `yaml:"max_record_bytes"`
		MinThroughputMB float64       `yaml:"min_throughput_mb"`
		RecordDir       string        `yaml:"record_dir"`
		InvalidEvery    int           `yaml:"invalid_every"` // generated records only
	} `yaml:"scenario"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Slack struct {
		WebhookURL string `yaml:"webhook_url"`
		Repository string `yaml:"repository"`
		Branch     string `yaml:"branch"`
		BuildURL   string `yaml:"build_url"`
	} `yaml:"slack"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.Tenant = "test"
	cfg.TestName = "smoke"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Pipeline.Kind = PipelineREST
	cfg.Pipeline.RateLimit = 10
	cfg.Pipeline.Parallelism = 2
	cfg.Pipeline.CompletionDelay = 30 * time.Second
	cfg.Pipeline.StartTimeout = harness.DefaultStartTimeout
	cfg.Pipeline.StopTimeout = harness.DefaultStopTimeout
	cfg.Pipeline.PollInterval = harness.DefaultStatePollInterval
	cfg.Transport.Kind = TransportSQS
	cfg.Transport.Region = "us-east-1"
	cfg.Transport.WaitTime = time.Second
	cfg.Transport.FlushThreshold = harness.DefaultFlushThreshold
	cfg.Registry.RateLimit = 20
	cfg.Monitor.HealthInterval = harness.DefaultHealthInterval
	cfg.Monitor.SettleDelay = harness.DefaultSettleDelay
	cfg.Scenario.Name = "smoke"
	cfg.Scenario.Records = 200
	cfg.Scenario.Timeout = 450 * time.Second
	cfg.Scenario.MaxRecordBytes = scenario.DefaultMaxRecordBytes
	cfg.Metrics.Addr = ":9090"
	return cfg
}

// Validate 檢查必要欄位
func (c *Config) Validate() error {
	var errs []error
	if c.Tenant == "" {
		errs = append(errs, errors.New("tenant is required"))
	}
	if c.Channels.Input == "" || c.Channels.Output == "" || c.Channels.Notification == "" || c.Channels.Invalid == "" {
		errs = append(errs, errors.New("channels.input, output, notification and invalid are required"))
	}

	switch c.Pipeline.Kind {
	case PipelineREST:
		if c.Pipeline.URL == "" {
			errs = append(errs, errors.New("pipeline.url is required for the rest control plane"))
		}
	case PipelineGRPC:
		if c.Pipeline.Address == "" {
			errs = append(errs, errors.New("pipeline.address is required for the grpc control plane"))
		}
	case PipelineSimulator:
		if c.Transport.Kind != TransportMemory {
			errs = append(errs, errors.New("the simulator pipeline requires the memory transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown pipeline.kind %q", c.Pipeline.Kind))
	}
	if c.Pipeline.Kind != PipelineSimulator {
		if c.Pipeline.ArtifactID == "" {
			errs = append(errs, errors.New("pipeline.artifact_id is required"))
		}
		if c.Registry.URL == "" {
			errs = append(errs, errors.New("registry.url is required"))
		}
	}

	switch c.Transport.Kind {
	case TransportSQS, TransportMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown transport.kind %q", c.Transport.Kind))
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// HarnessConfig 轉成 harness.Config
func (c *Config) HarnessConfig() harness.Config {
	return harness.Config{
		Tenant:            c.Tenant,
		ArtifactID:        c.Pipeline.ArtifactID,
		EntryClass:        c.Pipeline.EntryClass,
		RunTag:            c.RunTag,
		TestName:          c.TestName,
		HealthInterval:    c.Monitor.HealthInterval,
		SettleDelay:       c.Monitor.SettleDelay,
		StartTimeout:      c.Pipeline.StartTimeout,
		StopTimeout:       c.Pipeline.StopTimeout,
		StatePollInterval: c.Pipeline.PollInterval,
		FlushThreshold:    c.Transport.FlushThreshold,
		Properties:        c.Pipeline.Properties,
	}
}

// ScenarioConfig 轉成 scenario.Config
func (c *Config) ScenarioConfig() scenario.Config {
	return scenario.Config{
		Name:            c.Scenario.Name,
		Records:         c.Scenario.Records,
		Timeout:         c.Scenario.Timeout,
		WarmUp:          c.Scenario.WarmUp,
		Interval:        c.Scenario.Interval,
		Parallelism:     c.Pipeline.Parallelism,
		CompletionDelay: c.Pipeline.CompletionDelay,
		Background:      c.Scenario.Background,
		MaxRecordBytes:  c.Scenario.MaxRecordBytes,
		MinThroughputMB: c.Scenario.MinThroughputMB,
		Channels:        c.Channels,
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}
