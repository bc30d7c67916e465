// Package worker drives the periodic claim-and-dispatch cycle on every pod and
// the conversation sweep on the elected leader.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/engine"
)

// Cycle is the work done on each tick.
type Cycle interface {
	Tick(ctx context.Context) (engine.TickReport, error)
	Sweep(ctx context.Context) (engine.SweepReport, error)
}

// Leadership reports whether this pod should run the sweep.
type Leadership interface {
	IsLeader(ctx context.Context) bool
}

type Runner struct {
	cycle    Cycle
	leader   Leadership
	schedule string
	interval time.Duration
	logger   *logrus.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRunner validates schedule, a cron expression. An empty schedule falls
// back to a fixed interval.
func NewRunner(cycle Cycle, leader Leadership, schedule string, interval time.Duration, logger *logrus.Logger) (*Runner, error) {
	if schedule != "" && !gronx.IsValid(schedule) {
		return nil, fmt.Errorf("invalid tick schedule %q", schedule)
	}
	if schedule == "" && interval <= 0 {
		return nil, fmt.Errorf("either a tick schedule or an interval is required")
	}
	return &Runner{
		cycle:    cycle,
		leader:   leader,
		schedule: schedule,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}, nil
}

func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.WithFields(logrus.Fields{
		"schedule": r.schedule,
		"interval": r.interval,
	}).Info("Tick runner started")
}

// Stop waits for an in-progress cycle to finish.
func (r *Runner) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		now := time.Now().UTC()
		next, err := r.nextRun(now)
		if err != nil {
			r.logger.WithError(err).Error("Failed to compute next tick")
			next = now.Add(30 * time.Second)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			r.RunCycle(ctx)
		}
	}
}

func (r *Runner) nextRun(now time.Time) (time.Time, error) {
	if r.schedule == "" {
		return now.Add(r.interval), nil
	}
	return gronx.NextTickAfter(r.schedule, now, false)
}

// RunCycle sweeps (leader only) so freshly due conversations get a nudge, then
// dispatches whatever is due.
func (r *Runner) RunCycle(ctx context.Context) {
	if r.leader != nil && r.leader.IsLeader(ctx) {
		if _, err := r.cycle.Sweep(ctx); err != nil {
			r.logger.WithError(err).Error("Sweep failed")
		}
	}
	if _, err := r.cycle.Tick(ctx); err != nil {
		r.logger.WithError(err).Error("Tick failed")
	}
}
