// Package scheduler runs periodic work in-process without overlap: the
// heartbeat, dreamer and monologue loops plus persisted cron jobs. Every
// tick is a system-driven runtime turn; single-flight state and backoff
// live on the job record so restarts resume cleanly.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/audit"
	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

const (
	cronPollInterval = 15 * time.Second
	busSubscriberID  = "scheduler"
)

// TaskRunner executes one system-driven turn. source identifies the tick
// ("heartbeat", "dreamer", "monologue", "cron:<name>").
type TaskRunner func(ctx context.Context, source, instruction string) error

// Scheduler owns the autonomous loops and the cron job table.
type Scheduler struct {
	st     *store.Store
	log    *audit.Logger
	events bus.EventPublisher
	cfg    config.SchedulerConfig
	run    TaskRunner
	now    func() time.Time

	mu      sync.Mutex
	jobs    map[string]*store.CronJob
	ticking map[string]bool // heartbeat/dreamer/monologue single-flight
}

// New creates the scheduler and reloads persisted jobs. Nothing runs
// until Start.
func New(ctx context.Context, st *store.Store, log *audit.Logger, events bus.EventPublisher, cfg config.SchedulerConfig, run TaskRunner) (*Scheduler, error) {
	s := &Scheduler{
		st:      st,
		log:     log,
		events:  events,
		cfg:     cfg,
		run:     run,
		now:     time.Now,
		jobs:    make(map[string]*store.CronJob),
		ticking: make(map[string]bool),
	}
	loaded, err := st.LoadCronJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("reload cron jobs: %w", err)
	}
	for _, j := range loaded {
		s.jobs[j.Name] = j
	}
	if len(loaded) > 0 {
		slog.Info("cron jobs reloaded", "count", len(loaded))
	}
	return s, nil
}

// Start launches the loops and subscribes to the emergency-stop signal.
// They run until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.events.Subscribe(busSubscriberID, func(ev bus.Event) {
		if ev.Name == protocol.EventCriticalFailure {
			s.EmergencyStop(context.WithoutCancel(ctx))
		}
	})

	go s.cronLoop(ctx)
	s.startCadence(ctx, "heartbeat", s.cfg.HeartbeatIntervalMinutes, s.heartbeatInstruction)
	s.startCadence(ctx, "dreamer", s.cfg.DreamerIntervalMinutes, func() string {
		return "Reflect on recent work. Summarize what went well, what failed, and one improvement to carry forward. Update your memory notes if something is worth keeping."
	})
	s.startCadence(ctx, "monologue", s.cfg.MonologueIntervalMinutes, func() string {
		return "Think out loud about the current state of your objectives. No user is waiting; surface risks or stalled work you should raise at the next opportunity."
	})
}

// Stop unsubscribes the control signal. Loop goroutines exit with the
// context passed to Start.
func (s *Scheduler) Stop() {
	s.events.Unsubscribe(busSubscriberID)
}

// EmergencyStop pauses every enabled cron job with an error status. Used
// when the model router reports an exhausted chain; an operator resumes
// jobs individually.
func (s *Scheduler) EmergencyStop(ctx context.Context) {
	s.mu.Lock()
	var paused []string
	for name, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		job.Enabled = false
		job.NextScheduledMs = nil
		job.LastStatus = store.CronStatusError
		if err := s.st.SaveCronJob(ctx, job); err != nil {
			slog.Error("emergency stop write-through failed", "name", name, "error", err)
		}
		paused = append(paused, name)
	}
	s.mu.Unlock()

	if len(paused) == 0 {
		return
	}
	slog.Error("scheduler emergency stop", "paused", paused)
	s.log.Log(ctx, store.ActionError, map[string]interface{}{
		"event": "scheduler_emergency_stop", "paused": paused,
	}, store.AuditError)
	s.events.Broadcast(bus.Event{Name: protocol.EventSchedulerPaused, Payload: paused})
}

func (s *Scheduler) cronLoop(ctx context.Context) {
	ticker := time.NewTicker(cronPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDueJobs(ctx)
		}
	}
}

// startCadence runs one autonomous loop at a fixed interval. A cadence of
// zero disables the loop.
func (s *Scheduler) startCadence(ctx context.Context, source string, minutes int, instruction func() string) {
	if minutes <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(time.Duration(minutes) * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tickCadence(ctx, source, instruction())
			}
		}
	}()
}

// tickCadence runs one heartbeat/dreamer/monologue tick with the same
// single-flight rule as cron jobs.
func (s *Scheduler) tickCadence(ctx context.Context, source, instruction string) {
	if instruction == "" {
		return
	}
	s.mu.Lock()
	if s.ticking[source] {
		s.mu.Unlock()
		slog.Debug("cadence tick skipped, already running", "source", source)
		return
	}
	s.ticking[source] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.ticking[source] = false
		s.mu.Unlock()
	}()

	s.log.Log(ctx, store.ActionCronTick, map[string]interface{}{"source": source}, store.AuditPending)
	if err := s.run(ctx, source, instruction); err != nil {
		slog.Warn("cadence tick failed", "source", source, "error", err)
		s.log.Log(ctx, store.ActionCronTick, map[string]interface{}{
			"source": source, "error": err.Error(),
		}, store.AuditError)
		return
	}
	s.log.Log(ctx, store.ActionCronTick, map[string]interface{}{"source": source}, store.AuditSuccess)
}

// heartbeatInstruction drains HEARTBEAT.md into a turn instruction.
// Missing or empty files skip the tick.
func (s *Scheduler) heartbeatInstruction() string {
	if s.cfg.HeartbeatPath == "" {
		return ""
	}
	data, err := os.ReadFile(s.cfg.HeartbeatPath)
	if err != nil {
		return ""
	}
	objectives := strings.TrimSpace(string(data))
	if objectives == "" {
		return ""
	}
	return "Heartbeat. Work through these standing objectives, delegating where appropriate:\n\n" + objectives
}
