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

// Backend names accepted by the broker and state_store sections.
const (
	BrokerRabbitMQ = "rabbitmq"
	BrokerMemory   = "memory"

	StoreSQL    = "sql"
	StoreEtcd   = "etcd"
	StoreMemory = "memory"

	RegistryEmbedded = "embedded"
	RegistryFile     = "file"
)

// Config represents the complete application configuration
type Config struct {
	App        AppConfig        `yaml:"app"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Broker     BrokerConfig     `yaml:"broker"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	StateStore StateStoreConfig `yaml:"state_store"`
	Etcd       EtcdConfig       `yaml:"etcd"`
	Model      ModelConfig      `yaml:"model"`
	Worker     WorkerConfig     `yaml:"worker"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BrokerConfig selects the job queue implementation
type BrokerConfig struct {
	Backend        string        `yaml:"backend"` // rabbitmq or memory
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// DatabaseConfig holds SQL connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // postgres, pgx or sqlite
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
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name               string `yaml:"name"`
	Type               string `yaml:"type"` // classic or quorum
	Durable            bool   `yaml:"durable"`
	AutoDelete         bool   `yaml:"auto_delete"`
	Exclusive          bool   `yaml:"exclusive"`
	DeliveryLimit      int    `yaml:"delivery_limit"`
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
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
	Confirm           bool          `yaml:"confirm"`
}

// StateStoreConfig selects where job state lives and for how long
type StateStoreConfig struct {
	Backend         string        `yaml:"backend"` // sql, etcd or memory
	Retention       time.Duration `yaml:"retention"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	EtcdPrefix      string        `yaml:"etcd_prefix"`
}

// EtcdConfig holds etcd cluster connection settings
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ModelConfig names the registry and the model reference to serve
type ModelConfig struct {
	Registry string `yaml:"registry"` // embedded or file
	Dir      string `yaml:"dir"`
	Name     string `yaml:"name"`
	Stage    string `yaml:"stage"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                string        `yaml:"id"`
	Concurrency       int           `yaml:"concurrency"`
	PrefetchCount     int           `yaml:"prefetch_count"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// MaxAttempts fails a job once it has been claimed more often than this.
	// 0 disables the cap.
	MaxAttempts int `yaml:"max_attempts"`
}

// MetricsConfig holds the worker's metrics listener settings
type MetricsConfig struct {
	Port int `yaml:"port"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.setDefaults()

	return &config, nil
}

func (c *Config) setDefaults() {
	if c.Broker.Backend == "" {
		c.Broker.Backend = BrokerRabbitMQ
	}
	if c.Broker.PublishTimeout <= 0 {
		c.Broker.PublishTimeout = 5 * time.Second
	}
	if c.StateStore.Backend == "" {
		c.StateStore.Backend = StoreSQL
	}
	if c.StateStore.Retention <= 0 {
		c.StateStore.Retention = 24 * time.Hour
	}
	if c.Model.Registry == "" {
		c.Model.Registry = RegistryEmbedded
	}
	if c.Model.Name == "" {
		c.Model.Name = "iris-classifier"
	}
	if c.Model.Stage == "" {
		c.Model.Stage = "Production"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Worker.MaxAttempts == 0 && c.Broker.Backend == BrokerRabbitMQ {
		c.Worker.MaxAttempts = c.RabbitMQ.Queue.DeliveryLimit
	}
}

// ValidateAPIConfig checks the sections the api-service reads
func (c *Config) ValidateAPIConfig() error {
	if err := validatePort("server", c.Server.Port); err != nil {
		return err
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	if c.Broker.Backend == BrokerMemory {
		// the api-service runs the pool in-process
		return c.validateWorker()
	}
	return nil
}

// ValidateWorkerConfig checks the sections the worker-service reads
func (c *Config) ValidateWorkerConfig() error {
	if c.Broker.Backend == BrokerMemory {
		return fmt.Errorf("memory broker cannot be shared with a separate worker-service")
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	// the broker must redeliver at least once past the cap so FAILURE gets recorded
	if limit := c.RabbitMQ.Queue.DeliveryLimit; limit > 0 && c.Worker.MaxAttempts > limit {
		return fmt.Errorf("worker max_attempts (%d) must not exceed rabbitmq delivery_limit (%d)", c.Worker.MaxAttempts, limit)
	}
	if c.Metrics.Port != 0 {
		if err := validatePort("metrics", c.Metrics.Port); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.PrefetchCount < 0 {
		return fmt.Errorf("worker prefetch_count must not be negative")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.MaxAttempts < 0 {
		return fmt.Errorf("worker max_attempts must not be negative")
	}

	return nil
}

func (c *Config) validateBackends() error {
	switch c.Broker.Backend {
	case BrokerRabbitMQ:
		if err := c.RabbitMQ.validate(); err != nil {
			return err
		}
	case BrokerMemory:
	default:
		return fmt.Errorf("unknown broker backend: %q", c.Broker.Backend)
	}

	switch c.StateStore.Backend {
	case StoreSQL:
		if err := c.Database.validate(); err != nil {
			return err
		}
	case StoreEtcd:
		if len(c.Etcd.Endpoints) == 0 {
			return fmt.Errorf("etcd endpoints are required")
		}
	case StoreMemory:
		if c.Broker.Backend != BrokerMemory {
			return fmt.Errorf("memory state store requires the memory broker")
		}
	default:
		return fmt.Errorf("unknown state_store backend: %q", c.StateStore.Backend)
	}

	if c.StateStore.Retention <= 0 {
		return fmt.Errorf("state_store retention must be greater than 0")
	}

	switch c.Model.Registry {
	case RegistryEmbedded:
	case RegistryFile:
		if c.Model.Dir == "" {
			return fmt.Errorf("model dir is required for the file registry")
		}
	default:
		return fmt.Errorf("unknown model registry: %q", c.Model.Registry)
	}

	return nil
}

func (d *DatabaseConfig) validate() error {
	switch d.Driver {
	case "", "postgres", "pgx":
		if d.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if err := validatePort("database", d.Port); err != nil {
			return err
		}
	case "sqlite":
	default:
		return fmt.Errorf("unknown database driver: %q", d.Driver)
	}

	if d.Database == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

func (r *RabbitMQConfig) validate() error {
	if r.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if err := validatePort("rabbitmq", r.Port); err != nil {
		return err
	}

	if r.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if r.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	switch r.Queue.Type {
	case "", "classic", "quorum":
	default:
		return fmt.Errorf("unknown rabbitmq queue type: %q", r.Queue.Type)
	}

	if r.Queue.DeliveryLimit < 0 {
		return fmt.Errorf("rabbitmq delivery_limit must not be negative")
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}
