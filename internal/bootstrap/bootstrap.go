// Package bootstrap turns a loaded config into the clients and backends
// both services run on.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/iris-serving/internal/broker"
	"github.com/cuongbtq/iris-serving/internal/config"
	"github.com/cuongbtq/iris-serving/internal/domain"
	"github.com/cuongbtq/iris-serving/internal/model"
	"github.com/cuongbtq/iris-serving/internal/store"
	"github.com/cuongbtq/iris-serving/internal/worker"
	"github.com/cuongbtq/iris-serving/shared/database"
	"github.com/cuongbtq/iris-serving/shared/etcd"
	"github.com/cuongbtq/iris-serving/shared/logger"
	"github.com/cuongbtq/iris-serving/shared/rabbitmq"
)

// Backends holds the queue and state store a service runs against, plus
// the connections that must be closed on shutdown.
type Backends struct {
	Broker broker.Broker
	Store  store.Store

	logger  *slog.Logger
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

func (b *Backends) onClose(name string, fn func() error) {
	b.closers = append(b.closers, namedCloser{name: name, close: fn})
}

// Healthy reports a broker that cannot currently take work.
func (b *Backends) Healthy() error {
	if hc, ok := b.Broker.(broker.HealthChecker); ok {
		if err := hc.Healthy(); err != nil {
			return fmt.Errorf("broker: %w", err)
		}
	}
	return nil
}

// Close releases connections in reverse order of opening.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		c := b.closers[i]
		if err := c.close(); err != nil {
			b.logger.Error("Failed to close "+c.name, slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// NewLogger initializes and configures the application logger
func NewLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// OpenBackends connects the configured broker and state store. SQL
// schemas are migrated before the store is returned.
func OpenBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backends, error) {
	b := &Backends{logger: logger}

	if err := b.openBroker(cfg, logger); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.openStore(ctx, cfg, logger); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backends) openBroker(cfg *config.Config, logger *slog.Logger) error {
	switch cfg.Broker.Backend {
	case config.BrokerMemory:
		mem := broker.NewMemory()
		b.Broker = mem
		b.onClose("memory broker", mem.Close)
		logger.Info("Using in-memory broker")
		return nil
	case config.BrokerRabbitMQ:
		client, err := initRabbitMQ(&cfg.RabbitMQ, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		b.Broker = broker.NewRabbitMQ(client, logger)
		b.onClose("rabbitmq", client.Close)
		logger.Info("RabbitMQ connection established")
		return nil
	default:
		return fmt.Errorf("unknown broker backend: %q", cfg.Broker.Backend)
	}
}

func (b *Backends) openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	opts := store.Options{Retention: cfg.StateStore.Retention}

	switch cfg.StateStore.Backend {
	case config.StoreMemory:
		b.Store = store.NewMemory(opts)
		logger.Info("Using in-memory state store")
		return nil
	case config.StoreSQL:
		client, err := initDatabase(&cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		b.onClose("database", client.Close)
		sqlStore := store.NewSQL(client.GetDB(), opts, logger)
		if err := sqlStore.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate state store: %w", err)
		}
		b.Store = sqlStore
		logger.Info("Database connection established", slog.String("driver", client.Driver()))
		return nil
	case config.StoreEtcd:
		client, err := etcd.NewClient(&etcd.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			Username:    cfg.Etcd.Username,
			Password:    cfg.Etcd.Password,
			DialTimeout: cfg.Etcd.DialTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize etcd: %w", err)
		}
		b.onClose("etcd", client.Close)
		b.Store = store.NewEtcd(client.Client, cfg.StateStore.EtcdPrefix, opts, logger)
		logger.Info("etcd connection established")
		return nil
	default:
		return fmt.Errorf("unknown state_store backend: %q", cfg.StateStore.Backend)
	}
}

// initDatabase initializes the SQL database client
func initDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	return database.NewClient(&database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		BusyTimeout:     cfg.BusyTimeout,
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		QueueType:          cfg.Queue.Type,
		DeliveryLimit:      cfg.Queue.DeliveryLimit,
		DeadLetterExchange: cfg.Queue.DeadLetterExchange,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PublishConfirm:     cfg.Publish.Confirm,
	}, logger)
}

// NewModelProvider builds the cached provider for the configured model.
func NewModelProvider(cfg *config.ModelConfig, logger *slog.Logger, observer model.ResolveObserver) (*model.Provider, error) {
	var registry model.Registry
	switch cfg.Registry {
	case config.RegistryEmbedded:
		registry = model.NewEmbeddedRegistry()
	case config.RegistryFile:
		fileRegistry, err := model.NewFileRegistry(cfg.Dir)
		if err != nil {
			return nil, err
		}
		registry = fileRegistry
	default:
		return nil, fmt.Errorf("unknown model registry: %q", cfg.Registry)
	}

	return model.NewProvider(&model.ProviderConfig{
		Registry:  registry,
		Reference: model.Reference{Name: cfg.Name, Stage: cfg.Stage},
		Logger:    logger,
		Observer:  observer,
	}), nil
}

// NewWorker builds a pool consuming from b with the batch prediction
// handler registered.
func NewWorker(cfg *config.WorkerConfig, stateStore *config.StateStoreConfig, b *Backends, scorer worker.BatchScorer, observer worker.FinishObserver, logger *slog.Logger) *worker.Worker {
	w := worker.NewWorker(&worker.Config{
		Logger:            logger,
		Consumer:          b.Broker,
		Store:             b.Store,
		Observer:          observer,
		WorkerID:          cfg.ID,
		Concurrency:       cfg.Concurrency,
		PrefetchCount:     cfg.PrefetchCount,
		JobTimeout:        cfg.JobTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		JanitorInterval:   stateStore.JanitorInterval,
		MaxAttempts:       cfg.MaxAttempts,
	})
	w.Register(domain.TaskPredictBatch, worker.PredictBatchHandler(scorer))
	return w
}
