package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	t.Setenv("IRIS_TEST_DB_PASSWORD", "s3cret")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, "s3cret", cfg.Database.Password)
				assert.Equal(t, "jobs_db", cfg.Database.Database)
				assert.Equal(t, "jobs_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "jobs_queue", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, "quorum", cfg.RabbitMQ.Queue.Type)
				assert.Equal(t, 5, cfg.RabbitMQ.Queue.DeliveryLimit)
				assert.True(t, cfg.RabbitMQ.Publish.Confirm)
				assert.Equal(t, 3*time.Second, cfg.Broker.PublishTimeout)
				assert.Equal(t, time.Hour, cfg.StateStore.Retention)
				assert.Equal(t, "Staging", cfg.Model.Stage)
				assert.Equal(t, "iris-api-service", cfg.App.Name)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("testdata/invalid_port.yaml")
	require.NoError(t, err)

	assert.Equal(t, BrokerRabbitMQ, cfg.Broker.Backend)
	assert.Equal(t, 5*time.Second, cfg.Broker.PublishTimeout)
	assert.Equal(t, StoreSQL, cfg.StateStore.Backend)
	assert.Equal(t, 24*time.Hour, cfg.StateStore.Retention)
	assert.Equal(t, RegistryEmbedded, cfg.Model.Registry)
	assert.Equal(t, "iris-classifier", cfg.Model.Name)
	assert.Equal(t, "Production", cfg.Model.Stage)
}

func TestConfig_MaxAttemptsDefault(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		limit   int
		set     int
		want    int
	}{
		{name: "follows delivery limit", backend: BrokerRabbitMQ, limit: 5, want: 5},
		{name: "explicit value kept", backend: BrokerRabbitMQ, limit: 5, set: 2, want: 2},
		{name: "no delivery limit", backend: BrokerRabbitMQ, want: 0},
		{name: "memory broker", backend: BrokerMemory, limit: 5, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Broker.Backend = tt.backend
			cfg.RabbitMQ.Queue.DeliveryLimit = tt.limit
			cfg.Worker.MaxAttempts = tt.set

			cfg.setDefaults()
			assert.Equal(t, tt.want, cfg.Worker.MaxAttempts)
		})
	}
}

func validConfig() *Config {
	return &Config{
		Server:     ServerConfig{Port: 8080},
		Broker:     BrokerConfig{Backend: BrokerRabbitMQ},
		StateStore: StateStoreConfig{Backend: StoreSQL, Retention: time.Hour},
		Model:      ModelConfig{Registry: RegistryEmbedded},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "jobs_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "jobs_exchange"},
			Queue:    QueueConfig{Name: "jobs_queue"},
		},
		Worker: WorkerConfig{
			Concurrency:       4,
			JobTimeout:        time.Minute,
			HeartbeatInterval: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "invalid server port - too low", mutate: func(c *Config) { c.Server.Port = 0 }, errString: "invalid server port"},
		{name: "invalid server port - too high", mutate: func(c *Config) { c.Server.Port = 70000 }, errString: "invalid server port"},
		{name: "empty database host", mutate: func(c *Config) { c.Database.Host = "" }, errString: "database host is required"},
		{name: "empty database name", mutate: func(c *Config) { c.Database.Database = "" }, errString: "database name is required"},
		{name: "unknown database driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, errString: "unknown database driver"},
		{
			name: "sqlite needs no host",
			mutate: func(c *Config) {
				c.Database = DatabaseConfig{Driver: "sqlite", Database: "/tmp/jobs.db"}
			},
		},
		{name: "empty rabbitmq host", mutate: func(c *Config) { c.RabbitMQ.Host = "" }, errString: "rabbitmq host is required"},
		{name: "empty exchange name", mutate: func(c *Config) { c.RabbitMQ.Exchange.Name = "" }, errString: "rabbitmq exchange name is required"},
		{name: "empty queue name", mutate: func(c *Config) { c.RabbitMQ.Queue.Name = "" }, errString: "rabbitmq queue name is required"},
		{name: "unknown queue type", mutate: func(c *Config) { c.RabbitMQ.Queue.Type = "stream" }, errString: "unknown rabbitmq queue type"},
		{name: "unknown broker", mutate: func(c *Config) { c.Broker.Backend = "kafka" }, errString: "unknown broker backend"},
		{name: "unknown store", mutate: func(c *Config) { c.StateStore.Backend = "redis" }, errString: "unknown state_store backend"},
		{name: "etcd without endpoints", mutate: func(c *Config) { c.StateStore.Backend = StoreEtcd }, errString: "etcd endpoints are required"},
		{
			name: "etcd with endpoints",
			mutate: func(c *Config) {
				c.StateStore.Backend = StoreEtcd
				c.Etcd.Endpoints = []string{"localhost:2379"}
			},
		},
		{name: "memory store with rabbitmq", mutate: func(c *Config) { c.StateStore.Backend = StoreMemory }, errString: "requires the memory broker"},
		{
			name: "standalone",
			mutate: func(c *Config) {
				c.Broker.Backend = BrokerMemory
				c.StateStore.Backend = StoreMemory
			},
		},
		{
			name: "standalone checks the in-process pool",
			mutate: func(c *Config) {
				c.Broker.Backend = BrokerMemory
				c.StateStore.Backend = StoreMemory
				c.Worker.Concurrency = 0
			},
			errString: "worker concurrency",
		},
		{name: "zero retention", mutate: func(c *Config) { c.StateStore.Retention = 0 }, errString: "retention must be greater than 0"},
		{name: "file registry without dir", mutate: func(c *Config) { c.Model.Registry = RegistryFile }, errString: "model dir is required"},
		{name: "unknown registry", mutate: func(c *Config) { c.Model.Registry = "mlflow" }, errString: "unknown model registry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.ValidateAPIConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "server port is not needed", mutate: func(c *Config) { c.Server.Port = 0 }},
		{name: "zero concurrency", mutate: func(c *Config) { c.Worker.Concurrency = 0 }, errString: "worker concurrency must be greater than 0"},
		{name: "negative prefetch", mutate: func(c *Config) { c.Worker.PrefetchCount = -1 }, errString: "prefetch_count"},
		{name: "zero job timeout", mutate: func(c *Config) { c.Worker.JobTimeout = 0 }, errString: "job_timeout"},
		{name: "zero heartbeat", mutate: func(c *Config) { c.Worker.HeartbeatInterval = 0 }, errString: "heartbeat_interval"},
		{name: "zero shutdown timeout", mutate: func(c *Config) { c.Worker.ShutdownTimeout = 0 }, errString: "shutdown_timeout"},
		{name: "bad metrics port", mutate: func(c *Config) { c.Metrics.Port = 70000 }, errString: "invalid metrics port"},
		{name: "memory broker", mutate: func(c *Config) { c.Broker.Backend = BrokerMemory }, errString: "memory broker"},
		{name: "negative max attempts", mutate: func(c *Config) { c.Worker.MaxAttempts = -1 }, errString: "max_attempts must not be negative"},
		{
			name: "max attempts above delivery limit",
			mutate: func(c *Config) {
				c.RabbitMQ.Queue.DeliveryLimit = 3
				c.Worker.MaxAttempts = 4
			},
			errString: "must not exceed rabbitmq delivery_limit",
		},
		{
			name: "max attempts at delivery limit",
			mutate: func(c *Config) {
				c.RabbitMQ.Queue.DeliveryLimit = 3
				c.Worker.MaxAttempts = 3
			},
		},
		{name: "max attempts without delivery limit", mutate: func(c *Config) { c.Worker.MaxAttempts = 10 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.ValidateWorkerConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.NoError(t, err)
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})

	t.Run("load standalone config", func(t *testing.T) {
		cfg, err := Load("testdata/standalone.yaml")
		require.NoError(t, err)
		require.NoError(t, cfg.ValidateAPIConfig())
		assert.Error(t, cfg.ValidateWorkerConfig())
	})
}

func TestPortConstants(t *testing.T) {
	t.Run("port constants are correct", func(t *testing.T) {
		assert.Equal(t, 1, MinPort)
		assert.Equal(t, 65535, MaxPort)
	})

	t.Run("invalid port range", func(t *testing.T) {
		for _, port := range []int{0, -1, 65536, 70000} {
			assert.Error(t, validatePort("test", port), "port %d should be invalid", port)
		}
		for _, port := range []int{1, 80, 443, 8080, 65535} {
			assert.NoError(t, validatePort("test", port), "port %d should be valid", port)
		}
	})
}
