package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Event bus drivers
const (
	DriverRabbitMQ = "rabbitmq"
	DriverMemory   = "memory"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	EventBus EventBusConfig `yaml:"eventbus"`
	Relay    RelayConfig    `yaml:"relay"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
// URL takes precedence over the discrete host/port fields when set.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
}

// RabbitMQConfig holds RabbitMQ connection settings used by the event bus
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// EventBusConfig selects the bus driver and the job event stream
type EventBusConfig struct {
	Driver   string        `yaml:"driver"`
	Stream   string        `yaml:"stream"`
	Subjects []string      `yaml:"subjects"`
	AckWait  time.Duration `yaml:"ack_wait"`
}

// RelayConfig holds SSE relay settings
type RelayConfig struct {
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	ConsumerPrefix string        `yaml:"consumer_prefix"`
	MaxConnections int64         `yaml:"max_connections"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// TracingConfig holds OpenTelemetry tracing settings.
// Output is "stdout" or a file path.
type TracingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Output  string `yaml:"output"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID              string         `yaml:"id"`
	Concurrency     int            `yaml:"concurrency"`
	PollInterval    time.Duration  `yaml:"poll_interval"`
	GPUSimulation   bool           `yaml:"gpu_simulation"`
	GPUCount        int            `yaml:"gpu_count"`
	Executor        ExecutorConfig `yaml:"executor"`
	ReportSchedule  string         `yaml:"report_schedule"`
	ShutdownTimeout time.Duration  `yaml:"shutdown_timeout"`
}

// ExecutorConfig holds simulated workload settings
type ExecutorConfig struct {
	MinDuration time.Duration `yaml:"min_duration"`
	MaxDuration time.Duration `yaml:"max_duration"`
	FailureRate float64       `yaml:"failure_rate"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// applyDefaults fills optional settings left empty in the file
func (c *Config) applyDefaults() {
	if c.EventBus.Driver == "" {
		c.EventBus.Driver = DriverRabbitMQ
	}
	if c.EventBus.Stream == "" {
		c.EventBus.Stream = "JOBS"
	}
	if len(c.EventBus.Subjects) == 0 {
		c.EventBus.Subjects = []string{"jobs.>"}
	}
	if c.EventBus.AckWait <= 0 {
		c.EventBus.AckWait = 30 * time.Second
	}
	if c.Relay.FetchTimeout <= 0 {
		c.Relay.FetchTimeout = time.Second
	}
	if c.Relay.ConsumerPrefix == "" {
		c.Relay.ConsumerPrefix = "sse"
	}
	if c.Relay.MaxConnections <= 0 {
		c.Relay.MaxConnections = 100
	}
	if c.Database.RetryAttempts <= 0 {
		c.Database.RetryAttempts = 1
	}
	if c.RabbitMQ.Connection.RetryAttempts <= 0 {
		c.RabbitMQ.Connection.RetryAttempts = 1
	}
}

// ValidateAPIConfig checks if the configuration is valid for the API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateEventBus(); err != nil {
		return err
	}

	if c.Relay.FetchTimeout <= 0 {
		return fmt.Errorf("relay fetch_timeout must be greater than 0")
	}

	return nil
}

// ValidateWorkerConfig checks if the configuration is valid for the worker service
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateEventBus(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker poll_interval must be greater than 0")
	}

	if c.Worker.GPUSimulation && c.Worker.GPUCount <= 0 {
		return fmt.Errorf("worker gpu_count must be greater than 0")
	}

	if !c.Worker.GPUSimulation {
		return fmt.Errorf("worker gpu_simulation must be enabled (no device backend available)")
	}

	exec := c.Worker.Executor
	if exec.MinDuration < 0 || exec.MaxDuration < exec.MinDuration {
		return fmt.Errorf("worker executor durations invalid: min=%s max=%s", exec.MinDuration, exec.MaxDuration)
	}

	if exec.FailureRate < 0 || exec.FailureRate > 1 {
		return fmt.Errorf("worker executor failure_rate must be between 0 and 1")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.URL != "" {
		return nil
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateEventBus() error {
	switch c.EventBus.Driver {
	case DriverMemory:
	case DriverRabbitMQ:
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}

		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
	default:
		return fmt.Errorf("unknown eventbus driver: %q", c.EventBus.Driver)
	}

	if c.EventBus.Stream == "" {
		return fmt.Errorf("eventbus stream name is required")
	}

	return nil
}
