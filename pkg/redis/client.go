package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/retry"
)

type Client struct {
	rdb    *redis.Client
	logger *logrus.Logger
}

type ConnectionConfig struct {
	URL             string
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PoolSize        int
	MinIdleConns    int
	MaxConnAge      time.Duration
	PoolTimeout     time.Duration
	IdleTimeout     time.Duration

	// Connect keeps pinging with this policy until the server answers.
	Connect retry.Policy
}

// NewClient parses the URL and waits for the server to answer a PING.
func NewClient(ctx context.Context, config ConnectionConfig, logger *logrus.Logger) (*Client, error) {
	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.MaxRetries = config.MaxRetries
	opt.MinRetryBackoff = config.MinRetryBackoff
	opt.MaxRetryBackoff = config.MaxRetryBackoff
	opt.DialTimeout = config.DialTimeout
	opt.ReadTimeout = config.ReadTimeout
	opt.WriteTimeout = config.WriteTimeout
	opt.PoolSize = config.PoolSize
	opt.MinIdleConns = config.MinIdleConns
	opt.MaxConnAge = config.MaxConnAge
	opt.PoolTimeout = config.PoolTimeout
	opt.IdleTimeout = config.IdleTimeout

	client := &Client{
		rdb:    redis.NewClient(opt),
		logger: logger,
	}

	entry := logger.WithField("addr", opt.Addr)
	res := retry.Do(ctx, config.Connect, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
		defer cancel()
		return client.Ping(pingCtx)
	}, entry)
	if !res.Success {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", res.Attempts, res.LastError)
	}

	entry.WithField("attempts", res.Attempts).Info("Successfully connected to Redis")
	return client, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Latency times one PING round trip.
func (c *Client) Latency(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.Ping(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) GetRedisClient() *redis.Client {
	return c.rdb
}

// DefaultConnectionConfig sizes the pool for dispatchWorkers concurrent sends
// plus the HTTP surface and background loops.
func DefaultConnectionConfig(url string, dispatchWorkers int) ConnectionConfig {
	poolSize := 10
	if dispatchWorkers*2 > poolSize {
		poolSize = dispatchWorkers * 2
	}
	return ConnectionConfig{
		URL:             url,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        poolSize,
		MinIdleConns:    5,
		MaxConnAge:      30 * time.Minute,
		PoolTimeout:     4 * time.Second,
		IdleTimeout:     5 * time.Minute,
		Connect: retry.Policy{
			MaxRetries: 5,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   8 * time.Second,
			Multiplier: 2.0,
			Jitter:     true,
			LogRetries: true,
		},
	}
}
