package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestNewClient_Connects(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), DefaultConnectionConfig("redis://"+mr.Addr(), 4), quietLogger())
	require.NoError(t, err)
	defer client.Close()

	latency, err := client.Latency(context.Background())
	require.NoError(t, err)
	assert.Greater(t, latency, time.Duration(0))
}

func TestNewClient_GivesUp(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := DefaultConnectionConfig("redis://"+addr, 1)
	cfg.MaxRetries = 0
	cfg.DialTimeout = 100 * time.Millisecond
	cfg.Connect.MaxRetries = 1
	cfg.Connect.BaseDelay = time.Millisecond

	_, err := NewClient(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}

func TestNewClient_BadURL(t *testing.T) {
	_, err := NewClient(context.Background(), DefaultConnectionConfig("not-a-url", 1), quietLogger())
	assert.Error(t, err)
}

func TestDefaultConnectionConfig_PoolSize(t *testing.T) {
	assert.Equal(t, 10, DefaultConnectionConfig("redis://x", 2).PoolSize)
	assert.Equal(t, 32, DefaultConnectionConfig("redis://x", 16).PoolSize)
}
