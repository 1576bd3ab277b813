package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/audit"
	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/fault"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

type runRecorder struct {
	mu      sync.Mutex
	calls   []string
	err     error
	block   chan struct{} // when set, Run blocks until closed
	started chan struct{}
}

func (r *runRecorder) Run(ctx context.Context, source, instruction string) error {
	r.mu.Lock()
	r.calls = append(r.calls, source)
	r.mu.Unlock()
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return r.err
}

func (r *runRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newScheduler(t *testing.T, rec *runRecorder) (*Scheduler, *store.Store, *bus.Bus) {
	t.Helper()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	b := bus.New()
	s, err := New(context.Background(), st, audit.NewLogger(st, b), b, config.SchedulerConfig{}, rec.Run)
	if err != nil {
		t.Fatal(err)
	}
	return s, st, b
}

func TestAddJob_Validation(t *testing.T) {
	s, _, _ := newScheduler(t, &runRecorder{})
	ctx := context.Background()

	if _, err := s.AddJob(ctx, store.CronJob{Name: "bad", Expression: "not a cron"}); fault.CodeOf(err) != fault.CodeSchema {
		t.Errorf("invalid expression err = %v", err)
	}
	if _, err := s.AddJob(ctx, store.CronJob{Expression: "* * * * *"}); fault.CodeOf(err) != fault.CodeSchema {
		t.Errorf("missing name err = %v", err)
	}

	job, err := s.AddJob(ctx, store.CronJob{Name: "tidy", Expression: "*/5 * * * *", Task: "tidy up", Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	if job.NextScheduledMs == nil || *job.NextScheduledMs <= time.Now().UnixMilli() {
		t.Errorf("next tick = %v", job.NextScheduledMs)
	}
}

func TestRunOnce_DisablesAfterSuccess(t *testing.T) {
	rec := &runRecorder{}
	s, _, _ := newScheduler(t, rec)
	ctx := context.Background()

	if _, err := s.AddJob(ctx, store.CronJob{
		Name: "once", Expression: "* * * * *", Task: "noop", Enabled: true, RunOnce: true,
	}); err != nil {
		t.Fatal(err)
	}

	// Force the tick due and fire.
	s.mu.Lock()
	past := time.Now().Add(-time.Minute).UnixMilli()
	s.jobs["once"].NextScheduledMs = &past
	s.mu.Unlock()
	s.runDueJobs(ctx)

	job, _ := s.GetJobStatus("once")
	if job.Enabled {
		t.Error("runOnce job must disable after success")
	}
	if job.LastStatus != store.CronStatusSuccess || job.RunningAtMs != nil {
		t.Errorf("terminal state = %+v", job)
	}
	if rec.count() != 1 {
		t.Fatalf("runs = %d", rec.count())
	}

	// Subsequent sweeps do nothing.
	s.runDueJobs(ctx)
	if rec.count() != 1 {
		t.Error("disabled job must not run again")
	}
}

func TestSingleFlight_SkipsOverlappingTick(t *testing.T) {
	rec := &runRecorder{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s, _, _ := newScheduler(t, rec)
	ctx := context.Background()

	s.AddJob(ctx, store.CronJob{Name: "slow", Expression: "* * * * *", Task: "x", Enabled: true})

	go s.runJob(ctx, "slow")
	<-rec.started

	// A second tick while running records a skip, not a second run.
	s.runJob(ctx, "slow")
	if job, _ := s.GetJobStatus("slow"); job.LastStatus != store.CronStatusSkipped {
		t.Errorf("lastStatus = %q", job.LastStatus)
	}

	// Triggering is BUSY while running.
	if err := s.TriggerJob(ctx, "slow"); fault.CodeOf(err) != fault.CodeBusy {
		t.Errorf("trigger while running err = %v", err)
	}

	close(rec.block)
	deadline := time.After(2 * time.Second)
	for {
		job, _ := s.GetJobStatus("slow")
		if job.RunningAtMs == nil && job.LastStatus == store.CronStatusSuccess {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("tick never finished: %+v", job)
		case <-time.After(5 * time.Millisecond):
		}
	}
	if rec.count() != 1 {
		t.Errorf("runs = %d", rec.count())
	}
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	rec := &runRecorder{err: errors.New("boom")}
	s, _, _ := newScheduler(t, rec)
	ctx := context.Background()

	s.AddJob(ctx, store.CronJob{Name: "fail", Expression: "* * * * *", Task: "x", Enabled: true})

	var delays []int64
	for i := 0; i < 8; i++ {
		before := s.now().UnixMilli()
		s.runJob(ctx, "fail")
		job, _ := s.GetJobStatus("fail")
		if job.LastStatus != store.CronStatusError || job.ConsecutiveErrors != i+1 {
			t.Fatalf("attempt %d state = %+v", i, job)
		}
		delays = append(delays, *job.NextScheduledMs-before)
	}

	minute := time.Minute.Milliseconds()
	// 2^(n-1) doubling: 1m, 2m, 4m ... capped at 32m.
	for i, want := range []int64{1, 2, 4, 8, 16, 32, 32, 32} {
		got := delays[i]
		if got < want*minute-minute/2 || got > want*minute+minute/2 {
			t.Errorf("attempt %d backoff = %dms, want ~%dm", i+1, got, want)
		}
	}

	// Resume resets the backoff counter.
	if err := s.ResumeJob(ctx, "fail"); err != nil {
		t.Fatal(err)
	}
	if job, _ := s.GetJobStatus("fail"); job.ConsecutiveErrors != 0 || !job.Enabled {
		t.Errorf("after resume = %+v", job)
	}
}

func TestBackoff_StaysCappedAtHighErrorCounts(t *testing.T) {
	s, _, _ := newScheduler(t, &runRecorder{})
	cap := 32 * time.Minute

	for _, n := range []int{6, 7, 63, 64, 65, 100} {
		job := &store.CronJob{Expression: "* * * * *", ConsecutiveErrors: n}
		got := s.backoff(job)
		if got != cap {
			t.Errorf("errors=%d backoff = %v, want %v", n, got, cap)
		}
	}
	// Below the cap the doubling is intact.
	if got := s.backoff(&store.CronJob{Expression: "* * * * *", ConsecutiveErrors: 3}); got != 4*time.Minute {
		t.Errorf("errors=3 backoff = %v", got)
	}
}

func TestTriggerJob_ConcurrentTriggersOneWinner(t *testing.T) {
	rec := &runRecorder{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s, _, _ := newScheduler(t, rec)
	ctx := context.Background()

	s.AddJob(ctx, store.CronJob{Name: "job", Expression: "* * * * *", Task: "x", Enabled: true})

	const triggers = 8
	errs := make(chan error, triggers)
	for i := 0; i < triggers; i++ {
		go func() { errs <- s.TriggerJob(ctx, "job") }()
	}

	// One trigger claims the job and blocks in the runner; every other
	// trigger must fail BUSY while the claim is held.
	<-rec.started
	for i := 0; i < triggers-1; i++ {
		if err := <-errs; fault.CodeOf(err) != fault.CodeBusy {
			t.Errorf("losing trigger err = %v", err)
		}
	}
	close(rec.block)
	if err := <-errs; err != nil {
		t.Errorf("winning trigger err = %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("runs = %d", rec.count())
	}
	// Losing triggers fail BUSY; none of them is recorded as a skipped tick.
	if job, _ := s.GetJobStatus("job"); job.LastStatus != store.CronStatusSuccess {
		t.Errorf("lastStatus = %q", job.LastStatus)
	}
}

func TestPause_InFlightFinishesNextPrevented(t *testing.T) {
	rec := &runRecorder{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s, _, _ := newScheduler(t, rec)
	ctx := context.Background()

	s.AddJob(ctx, store.CronJob{Name: "job", Expression: "* * * * *", Task: "x", Enabled: true})

	done := make(chan struct{})
	go func() { s.runJob(ctx, "job"); close(done) }()
	<-rec.started

	if err := s.PauseJob(ctx, "job"); err != nil {
		t.Fatal(err)
	}
	close(rec.block)
	<-done

	// The in-flight tick completed...
	if rec.count() != 1 {
		t.Fatalf("runs = %d", rec.count())
	}
	job, _ := s.GetJobStatus("job")
	if job.LastStatus != store.CronStatusSuccess {
		t.Errorf("in-flight tick status = %q", job.LastStatus)
	}
	// ...and nothing further fires.
	if job.Enabled {
		t.Error("paused job must stay disabled")
	}
	s.runDueJobs(ctx)
	if rec.count() != 1 {
		t.Error("paused job ticked again")
	}
}

func TestTimeout_CancelsAndRecordsError(t *testing.T) {
	rec := &runRecorder{block: make(chan struct{})} // never closed; only ctx frees it
	s, _, _ := newScheduler(t, rec)
	ctx := context.Background()

	s.AddJob(ctx, store.CronJob{
		Name: "hang", Expression: "* * * * *", Task: "x", Enabled: true, TimeoutSeconds: 1,
	})

	start := time.Now()
	s.runJob(ctx, "hang")
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout not enforced, took %v", elapsed)
	}

	job, _ := s.GetJobStatus("hang")
	if job.LastStatus != store.CronStatusError || job.ConsecutiveErrors != 1 {
		t.Errorf("after timeout = %+v", job)
	}
	if job.RunningAtMs != nil {
		t.Error("runningAtMs must clear after a timed-out tick")
	}
}

func TestPersistence_ReloadByName(t *testing.T) {
	rec := &runRecorder{}
	s, st, _ := newScheduler(t, rec)
	ctx := context.Background()

	s.AddJob(ctx, store.CronJob{Name: "keep", Expression: "0 3 * * *", Task: "backup", Enabled: true})
	s.AddJob(ctx, store.CronJob{Name: "gone", Expression: "* * * * *", Task: "x", Enabled: true})
	s.RemoveJob(ctx, "gone")
	// Re-adding a name replaces the job.
	s.AddJob(ctx, store.CronJob{Name: "keep", Expression: "0 4 * * *", Task: "backup v2", Enabled: true})

	s2, err := New(ctx, st, audit.NewLogger(st, bus.New()), bus.New(), config.SchedulerConfig{}, rec.Run)
	if err != nil {
		t.Fatal(err)
	}
	jobs := s2.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("reloaded %d jobs", len(jobs))
	}
	if jobs[0].Name != "keep" || jobs[0].Expression != "0 4 * * *" || jobs[0].Task != "backup v2" {
		t.Errorf("reloaded job = %+v", jobs[0])
	}
	if jobs[0].RunningAtMs != nil {
		t.Error("runningAtMs must never survive a restart")
	}
}

func TestEmergencyStop_OnCriticalFailure(t *testing.T) {
	rec := &runRecorder{}
	s, _, b := newScheduler(t, rec)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.AddJob(ctx, store.CronJob{Name: "a", Expression: "* * * * *", Task: "x", Enabled: true})
	s.AddJob(ctx, store.CronJob{Name: "b", Expression: "* * * * *", Task: "y", Enabled: true})
	s.AddJob(ctx, store.CronJob{Name: "off", Expression: "* * * * *", Task: "z", Enabled: false})

	s.Start(ctx)
	defer s.Stop()
	b.Broadcast(bus.Event{Name: protocol.EventCriticalFailure})

	deadline := time.After(2 * time.Second)
	for {
		a, _ := s.GetJobStatus("a")
		bj, _ := s.GetJobStatus("b")
		if !a.Enabled && !bj.Enabled && a.LastStatus == store.CronStatusError {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("emergency stop never applied: a=%+v b=%+v", a, bj)
		case <-time.After(5 * time.Millisecond):
		}
	}
	// The already-disabled job keeps its status untouched.
	if off, _ := s.GetJobStatus("off"); off.LastStatus == store.CronStatusError {
		t.Errorf("disabled job touched: %+v", off)
	}

	// Operator recovery.
	if err := s.ResumeJob(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if a, _ := s.GetJobStatus("a"); !a.Enabled || a.NextScheduledMs == nil {
		t.Errorf("after resume = %+v", a)
	}
}
