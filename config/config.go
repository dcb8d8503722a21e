// Package config loads auditq settings from a YAML file and AUDITQ_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Swind/go-audit-queue/core"
)

const (
	envConfig           = "AUDITQ_CONFIG"
	envLogLevel         = "AUDITQ_LOG_LEVEL"
	envLogFormat        = "AUDITQ_LOG_FORMAT"
	envAsync            = "AUDITQ_ASYNC"
	envPoolSize         = "AUDITQ_POOL_SIZE"
	envTaskTimeout      = "AUDITQ_TASK_TIMEOUT"
	envShutdownWait     = "AUDITQ_SHUTDOWN_WAIT"
	envTransportKind    = "AUDITQ_TRANSPORT"
	envTransportAddress = "AUDITQ_TRANSPORT_ADDRESS"
	envMetricsAddr      = "AUDITQ_METRICS_ADDR"
)

// Transport kinds.
const (
	TransportLog       = "log"
	TransportSyslogUDP = "syslog-udp"
	TransportSyslogTCP = "syslog-tcp"
	TransportSyslogTLS = "syslog-tls"
	TransportRedis     = "redis"
)

// Config is the file layout.
type Config struct {
	LogLevel  string          `yaml:"logLevel"`
	LogFormat string          `yaml:"logFormat"`
	Queue     QueueConfig     `yaml:"queue"`
	Transport TransportConfig `yaml:"transport"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// QueueConfig mirrors core.QueueConfig.
type QueueConfig struct {
	Async        bool          `yaml:"async"`
	Name         string        `yaml:"name"`
	PoolSize     int           `yaml:"poolSize"`
	TaskTimeout  time.Duration `yaml:"taskTimeout"`
	ShutdownWait time.Duration `yaml:"shutdownWait"`
}

// TransportConfig selects and configures the Sender.
type TransportConfig struct {
	Kind        string        `yaml:"kind"`
	Address     string        `yaml:"address"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	AppName     string        `yaml:"appName"`
	Hostname    string        `yaml:"hostname"`
	TLS         TLSConfig     `yaml:"tls"`
	Retry       RetryConfig   `yaml:"retry"`
	Redis       RedisConfig   `yaml:"redis"`
}

// TLSConfig configures syslog-tls.
type TLSConfig struct {
	CAFile             string `yaml:"caFile"`
	CertFile           string `yaml:"certFile"`
	KeyFile            string `yaml:"keyFile"`
	ServerName         string `yaml:"serverName"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

// RetryConfig configures stream transport redials.
type RetryConfig struct {
	MaxRetries   int           `yaml:"maxRetries"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	BackoffRatio float64       `yaml:"backoffRatio"`
}

// RedisConfig configures the redis transport.
type RedisConfig struct {
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"maxLen"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Queue: QueueConfig{
			Async:        true,
			Name:         "audit",
			PoolSize:     core.DefaultPoolSize,
			ShutdownWait: core.DefaultShutdownWait,
		},
		Transport: TransportConfig{
			Kind: TransportLog,
			Retry: RetryConfig{
				MaxRetries:   3,
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				BackoffRatio: 2.0,
			},
		},
		Metrics: MetricsConfig{
			Namespace: "auditq",
		},
	}
}

// Load reads path (if not empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfigPath returns AUDITQ_CONFIG, or an empty path.
func DefaultConfigPath() string {
	return os.Getenv(envConfig)
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(envLogFormat); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv(envAsync); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envAsync, err)
		}
		c.Queue.Async = b
	}
	if v := os.Getenv(envPoolSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envPoolSize, err)
		}
		c.Queue.PoolSize = n
	}
	if v := os.Getenv(envTaskTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envTaskTimeout, err)
		}
		c.Queue.TaskTimeout = d
	}
	if v := os.Getenv(envShutdownWait); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envShutdownWait, err)
		}
		c.Queue.ShutdownWait = d
	}
	if v := os.Getenv(envTransportKind); v != "" {
		c.Transport.Kind = v
	}
	if v := os.Getenv(envTransportAddress); v != "" {
		c.Transport.Address = v
	}
	if v := os.Getenv(envMetricsAddr); v != "" {
		c.Metrics.Addr = v
	}
	return nil
}

// Validate checks values the queue and transports cannot default.
func (c *Config) Validate() error {
	var errs []error

	if c.Queue.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("queue.poolSize must not be negative, got %d", c.Queue.PoolSize))
	}
	if c.Queue.ShutdownWait < 0 {
		errs = append(errs, fmt.Errorf("queue.shutdownWait must not be negative, got %s", c.Queue.ShutdownWait))
	}

	switch c.Transport.Kind {
	case TransportLog:
	case TransportSyslogUDP, TransportSyslogTCP, TransportSyslogTLS, TransportRedis:
		if c.Transport.Address == "" {
			errs = append(errs, fmt.Errorf("transport.address is required for %s", c.Transport.Kind))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport.kind %q", c.Transport.Kind))
	}

	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown logFormat %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// QueueConfig builds the core queue configuration.
func (c *Config) QueueConfig(logger core.Logger, metrics core.Metrics) *core.QueueConfig {
	return &core.QueueConfig{
		Async:        c.Queue.Async,
		Name:         c.Queue.Name,
		PoolSize:     c.Queue.PoolSize,
		TaskTimeout:  c.Queue.TaskTimeout,
		ShutdownWait: c.Queue.ShutdownWait,
		Logger:       logger,
		Metrics:      metrics,
	}
}

// ParseLogLevel maps a level name to slog.Level; unknown names mean info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates the slog logger described by c, writing to w. Its
// handler adds task diagnostics to every record logged with a context.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLogLevel(c.LogLevel)}

	var h slog.Handler
	if strings.EqualFold(c.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(core.NewDiagnosticHandler(h))
}
