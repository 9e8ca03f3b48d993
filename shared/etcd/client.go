package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Config holds etcd connection configuration
type Config struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
}

// Client wraps an etcd v3 client
type Client struct {
	*clientv3.Client
	config *Config
	logger *slog.Logger
}

// NewClient connects to the etcd cluster and checks that an endpoint answers
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	dialTimeout := config.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	logger.Info("Connecting to etcd",
		slog.Any("endpoints", config.Endpoints),
	)

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		Username:    config.Username,
		Password:    config.Password,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		logger.Error("Failed to create etcd client",
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if _, err := cli.Status(ctx, config.Endpoints[0]); err != nil {
		logger.Error("Failed to reach etcd",
			slog.Any("error", err),
		)
		cli.Close()
		return nil, fmt.Errorf("failed to reach etcd: %w", err)
	}

	logger.Info("Successfully connected to etcd")

	return &Client{Client: cli, config: config, logger: logger}, nil
}

// Close closes the etcd client
func (c *Client) Close() error {
	c.logger.Info("Closing etcd connection")
	if err := c.Client.Close(); err != nil {
		c.logger.Error("Failed to close etcd connection",
			slog.Any("error", err),
		)
		return err
	}
	return nil
}
