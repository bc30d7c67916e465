// Package testutil wires the engine's Redis-backed components to an in-process
// server for tests.
package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/metrics"
)

// NewRedis starts a miniredis server that lives for the duration of the test.
func NewRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

// Logger returns a logger that only reports errors, keeping test output quiet.
func Logger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// Metrics registers a fresh set of collectors on a private registry.
func Metrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}
