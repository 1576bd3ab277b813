package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/swarmgate/internal/fault"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
)

const maxBackoffFactor = 32

// AddJob validates the expression, computes the first tick and persists
// the job. Name is the stable key: re-adding a name replaces the job.
func (s *Scheduler) AddJob(ctx context.Context, job store.CronJob) (*store.CronJob, error) {
	if job.Name == "" {
		return nil, fault.New(fault.CodeSchema, "cron job needs a name")
	}
	if !gronx.New().IsValid(job.Expression) {
		return nil, fault.New(fault.CodeSchema, "invalid cron expression %q", job.Expression)
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.WakeMode == "" {
		job.WakeMode = store.WakeNextHeartbeat
	}
	job.RunningAtMs = nil
	job.ConsecutiveErrors = 0
	if next, err := s.nextTick(job.Expression); err == nil {
		ms := next.UnixMilli()
		job.NextScheduledMs = &ms
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.st.SaveCronJob(ctx, &job); err != nil {
		return nil, err
	}
	stored := job
	s.jobs[job.Name] = &stored
	slog.Info("cron job added", "name", job.Name, "expression", job.Expression, "runOnce", job.RunOnce)
	out := stored
	return &out, nil
}

// RemoveJob deletes a job by name.
func (s *Scheduler) RemoveJob(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; !ok {
		return fault.New(fault.CodeNoRecipient, "no cron job %q", name)
	}
	if err := s.st.DeleteCronJob(ctx, name); err != nil {
		return err
	}
	delete(s.jobs, name)
	slog.Info("cron job removed", "name", name)
	return nil
}

// UpdateJob patches a job's expression, task or timeout. Runtime state
// (errors, last status) is preserved; the next tick is recomputed.
func (s *Scheduler) UpdateJob(ctx context.Context, name string, expression, task *string, timeoutSeconds *int) (*store.CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	if !ok {
		return nil, fault.New(fault.CodeNoRecipient, "no cron job %q", name)
	}
	if expression != nil {
		if !gronx.New().IsValid(*expression) {
			return nil, fault.New(fault.CodeSchema, "invalid cron expression %q", *expression)
		}
		job.Expression = *expression
		if next, err := s.nextTick(job.Expression); err == nil {
			ms := next.UnixMilli()
			job.NextScheduledMs = &ms
		}
	}
	if task != nil {
		job.Task = *task
	}
	if timeoutSeconds != nil {
		job.TimeoutSeconds = *timeoutSeconds
	}
	if err := s.st.SaveCronJob(ctx, job); err != nil {
		return nil, err
	}
	out := *job
	return &out, nil
}

// GetJobStatus returns a copy of one job's state.
func (s *Scheduler) GetJobStatus(name string) (store.CronJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	if !ok {
		return store.CronJob{}, false
	}
	return *job, true
}

// Jobs returns a snapshot of every job, sorted by the store's load order.
func (s *Scheduler) Jobs() []store.CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

// TriggerJob runs a job immediately, outside its schedule. Fails with
// BUSY when the job is mid-tick. The check and the claim share one lock
// acquisition so concurrent triggers cannot both pass the check.
func (s *Scheduler) TriggerJob(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fault.New(fault.CodeNoRecipient, "no cron job %q", name)
	}
	if job.RunningAtMs != nil {
		s.mu.Unlock()
		return fault.New(fault.CodeBusy, "cron job %q is running", name)
	}
	snapshot := s.claimLocked(ctx, job)
	s.mu.Unlock()

	s.executeJob(ctx, name, snapshot)
	return nil
}

// PauseJob stops future ticks but keeps state. An in-flight tick is
// allowed to finish.
func (s *Scheduler) PauseJob(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	if !ok {
		return fault.New(fault.CodeNoRecipient, "no cron job %q", name)
	}
	job.Enabled = false
	job.NextScheduledMs = nil
	slog.Info("cron job paused", "name", name)
	return s.st.SaveCronJob(ctx, job)
}

// ResumeJob re-enables a job, resets its backoff and schedules the next
// tick from the expression.
func (s *Scheduler) ResumeJob(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	if !ok {
		return fault.New(fault.CodeNoRecipient, "no cron job %q", name)
	}
	job.Enabled = true
	job.ConsecutiveErrors = 0
	if next, err := s.nextTick(job.Expression); err == nil {
		ms := next.UnixMilli()
		job.NextScheduledMs = &ms
	}
	slog.Info("cron job resumed", "name", name)
	return s.st.SaveCronJob(ctx, job)
}

// runDueJobs fires every enabled job whose scheduled time has passed.
func (s *Scheduler) runDueJobs(ctx context.Context) {
	now := s.now().UnixMilli()

	s.mu.Lock()
	var due []string
	for name, job := range s.jobs {
		if job.Enabled && job.NextScheduledMs != nil && *job.NextScheduledMs <= now {
			due = append(due, name)
		}
	}
	s.mu.Unlock()

	for _, name := range due {
		s.runJob(ctx, name)
	}
}

// runJob executes one scheduled tick of a job: single-flight guard (an
// overlapping tick is recorded as skipped), then the shared claim/execute
// path.
func (s *Scheduler) runJob(ctx context.Context, name string) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	if job.RunningAtMs != nil {
		job.LastStatus = store.CronStatusSkipped
		s.st.SaveCronJob(ctx, job)
		s.mu.Unlock()
		slog.Debug("cron tick skipped, already running", "name", name)
		return
	}
	snapshot := s.claimLocked(ctx, job)
	s.mu.Unlock()

	s.executeJob(ctx, name, snapshot)
}

// claimLocked marks the job running and persists the claim. Caller holds
// the lock.
func (s *Scheduler) claimLocked(ctx context.Context, job *store.CronJob) store.CronJob {
	startMs := s.now().UnixMilli()
	job.RunningAtMs = &startMs
	s.st.SaveCronJob(ctx, job)
	return *job
}

// executeJob runs one claimed tick end to end: audit entry, runtime turn,
// terminal-state bookkeeping, write-through.
func (s *Scheduler) executeJob(ctx context.Context, name string, snapshot store.CronJob) {
	s.log.Log(ctx, store.ActionCronTick, map[string]interface{}{
		"job": name, "expression": snapshot.Expression,
	}, store.AuditPending)

	runCtx := ctx
	var cancel context.CancelFunc
	if snapshot.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(snapshot.TimeoutSeconds)*time.Second)
	}
	err := s.run(runCtx, "cron:"+name, snapshot.Task)
	if cancel != nil {
		if runCtx.Err() == context.DeadlineExceeded && err == nil {
			err = fault.New(fault.CodeTimeout, "cron job %q exceeded %ds", name, snapshot.TimeoutSeconds)
		}
		cancel()
	}

	endMs := s.now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	if !ok {
		return // removed mid-tick
	}
	job.RunningAtMs = nil
	job.LastRunAtMs = &endMs

	if err != nil {
		job.ConsecutiveErrors++
		job.LastStatus = store.CronStatusError
		delay := s.backoff(job)
		ms := endMs + delay.Milliseconds()
		job.NextScheduledMs = &ms
		s.log.Log(ctx, store.ActionCronTick, map[string]interface{}{
			"job": name, "error": err.Error(), "consecutiveErrors": job.ConsecutiveErrors,
			"retryInMs": delay.Milliseconds(),
		}, store.AuditError)
		slog.Warn("cron tick failed", "name", name, "errors", job.ConsecutiveErrors, "error", err)
	} else {
		job.ConsecutiveErrors = 0
		job.LastStatus = store.CronStatusSuccess
		if job.RunOnce {
			job.Enabled = false
			job.NextScheduledMs = nil
		} else if next, nerr := s.nextTick(job.Expression); nerr == nil {
			ms := next.UnixMilli()
			job.NextScheduledMs = &ms
		}
		s.log.Log(ctx, store.ActionCronTick, map[string]interface{}{"job": name}, store.AuditSuccess)
	}
	if err := s.st.SaveCronJob(ctx, job); err != nil {
		slog.Error("cron job write-through failed", "name", name, "error", err)
	}
}

// backoff delays the next attempt by min(base * 2^(errors-1), base * 32),
// where base is the gap between two consecutive expression ticks.
func (s *Scheduler) backoff(job *store.CronJob) time.Duration {
	base := s.expressionInterval(job.Expression)
	// Clamp the exponent before shifting: 2^(n-1) reaches the cap at n=6
	// and would overflow int64 past n=64.
	factor := int64(maxBackoffFactor)
	if n := job.ConsecutiveErrors; n >= 1 && n <= 6 {
		factor = int64(1) << uint(n-1)
	}
	return time.Duration(factor) * base
}

// expressionInterval approximates a job's natural cadence as the gap
// between its next two ticks. Falls back to one minute.
func (s *Scheduler) expressionInterval(expression string) time.Duration {
	first, err := gronx.NextTickAfter(expression, s.now(), false)
	if err != nil {
		return time.Minute
	}
	second, err := gronx.NextTickAfter(expression, first, false)
	if err != nil || !second.After(first) {
		return time.Minute
	}
	return second.Sub(first)
}

func (s *Scheduler) nextTick(expression string) (time.Time, error) {
	next, err := gronx.NextTickAfter(expression, s.now(), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("next tick for %q: %w", expression, err)
	}
	return next, nil
}
