package worker

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/constants"
	"followup-nudge-engine/pkg/metrics"
)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

var resignScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// LeaderElection holds a Redis lease so that exactly one pod runs the
// conversation sweep. Ticks run on every pod regardless.
type LeaderElection struct {
	rdb           *redis.Client
	podID         string
	ttl           time.Duration
	renewInterval time.Duration
	logger        *logrus.Logger
	metrics       *metrics.Metrics

	mu       sync.Mutex
	isLeader bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewLeaderElection(rdb *redis.Client, podID string, ttl, renewInterval time.Duration, logger *logrus.Logger, metrics *metrics.Metrics) *LeaderElection {
	if ttl <= 0 {
		ttl = constants.DefaultLeaderElectionTTL
	}
	if renewInterval <= 0 || renewInterval >= ttl {
		renewInterval = ttl / 3
	}
	return &LeaderElection{
		rdb:           rdb,
		podID:         podID,
		ttl:           ttl,
		renewInterval: renewInterval,
		logger:        logger,
		metrics:       metrics,
		stopCh:        make(chan struct{}),
	}
}

func (le *LeaderElection) Start(ctx context.Context) {
	le.logger.WithField("pod_id", le.podID).Info("Starting leader election")
	le.tryBecomeLeader(ctx)
	go le.electionLoop(ctx)
}

// Stop ends the election loop and gives up the lease so another pod can take
// over without waiting for it to expire.
func (le *LeaderElection) Stop() {
	le.stopOnce.Do(func() {
		close(le.stopCh)
		if le.leader() {
			le.resign(context.Background())
		}
	})
}

// IsLeader checks the lease in Redis, falling back to false on errors.
func (le *LeaderElection) IsLeader(ctx context.Context) bool {
	current, err := le.rdb.Get(ctx, constants.LeaderElectionKey).Result()
	if err != nil {
		le.setLeader(false)
		return false
	}
	le.setLeader(current == le.podID)
	return current == le.podID
}

func (le *LeaderElection) electionLoop(ctx context.Context) {
	ticker := time.NewTicker(le.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-le.stopCh:
			return
		case <-ticker.C:
			le.tryBecomeLeader(ctx)
		}
	}
}

func (le *LeaderElection) tryBecomeLeader(ctx context.Context) {
	ok, err := le.rdb.SetNX(ctx, constants.LeaderElectionKey, le.podID, le.ttl).Result()
	if err != nil {
		le.logger.WithError(err).Error("Failed to attempt leader election")
		le.setLeader(false)
		return
	}
	if ok {
		le.setLeader(true)
		return
	}
	// Somebody holds the lease; extend it if it is us.
	le.setLeader(le.renew(ctx))
}

func (le *LeaderElection) renew(ctx context.Context) bool {
	res, err := renewScript.Run(ctx, le.rdb, []string{constants.LeaderElectionKey}, le.podID, le.ttl.Milliseconds()).Int()
	if err != nil {
		le.logger.WithError(err).Error("Failed to renew leadership")
		return false
	}
	return res == 1
}

func (le *LeaderElection) resign(ctx context.Context) {
	if err := resignScript.Run(ctx, le.rdb, []string{constants.LeaderElectionKey}, le.podID).Err(); err != nil {
		le.logger.WithError(err).Error("Failed to resign leadership")
	} else {
		le.logger.WithField("pod_id", le.podID).Info("Resigned leadership")
	}
	le.setLeader(false)
}

func (le *LeaderElection) leader() bool {
	le.mu.Lock()
	defer le.mu.Unlock()
	return le.isLeader
}

func (le *LeaderElection) setLeader(v bool) {
	le.mu.Lock()
	changed := le.isLeader != v
	le.isLeader = v
	le.mu.Unlock()

	if !changed {
		return
	}
	if v {
		le.logger.WithField("pod_id", le.podID).Info("Became leader")
		le.metrics.IsLeader.Set(1)
		le.metrics.LeaderChanges.Inc()
	} else {
		le.logger.WithField("pod_id", le.podID).Info("Lost leadership")
		le.metrics.IsLeader.Set(0)
	}
}
