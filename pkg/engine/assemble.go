package engine

import (
	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/approval"
	"followup-nudge-engine/pkg/audit"
	"followup-nudge-engine/pkg/clock"
	"followup-nudge-engine/pkg/dispatch"
	"followup-nudge-engine/pkg/metrics"
	"followup-nudge-engine/pkg/models"
	"followup-nudge-engine/pkg/policy"
	"followup-nudge-engine/pkg/scheduler"
	"followup-nudge-engine/pkg/store"
	"followup-nudge-engine/pkg/tracker"
)

// Setup is everything needed to build an engine over a shared store.
type Setup struct {
	Store      store.Store
	Clock      clock.Clock
	Escalation policy.Config
	Guardrails approval.Guardrails
	Scheduling scheduler.Options
	Dispatch   dispatch.Options
	Senders    map[models.Channel]dispatch.Sender
	Drafter    scheduler.Drafter
	Calendar   scheduler.CalendarLookup
	Emitter    audit.Emitter
	Options    Options
}

// Assemble wires the components in dependency order: the tracker cancels
// through the scheduler, which drafts and classifies through the gate.
func Assemble(s Setup, logger *logrus.Logger, metrics *metrics.Metrics) *Engine {
	if s.Clock == nil {
		s.Clock = clock.System()
	}
	if s.Emitter == nil {
		s.Emitter = audit.Discard{}
	}
	pol := policy.New(s.Escalation)
	svc := clock.NewService(s.Clock, pol.Config().Hours)

	gate := approval.NewGate(s.Store, s.Guardrails, logger, metrics)
	sched := scheduler.New(s.Store, svc, gate, s.Drafter, s.Calendar, s.Emitter, s.Scheduling, logger, metrics)
	disp := dispatch.New(s.Store, s.Senders, s.Dispatch, s.Clock, s.Emitter, logger, metrics)
	tr := tracker.New(s.Store, sched, s.Emitter, s.Clock, logger)

	return New(Components{
		Store:      s.Store,
		Clock:      svc,
		Tracker:    tr,
		Policy:     pol,
		Scheduler:  sched,
		Gate:       gate,
		Dispatcher: disp,
		Emitter:    s.Emitter,
	}, s.Options, logger, metrics)
}
