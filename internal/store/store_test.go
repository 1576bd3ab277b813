package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAudit_AppendPreservesOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	trace := uuid.New()

	for i, action := range []string{ActionToolCall, ActionToolResult, ActionModelResponse} {
		e := &AuditEntry{
			ID:         uuid.New(),
			TraceID:    trace,
			ActionType: action,
			Payload:    `{}`,
			Status:     AuditSuccess,
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatal(err)
		}
		if e.Seq != int64(i+1) {
			t.Errorf("seq = %d, want %d", e.Seq, i+1)
		}
	}

	got, err := s.ListAuditByTrace(ctx, trace)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	if got[0].ActionType != ActionToolCall || got[1].ActionType != ActionToolResult {
		t.Error("tool_call must precede tool_result in read order")
	}
}

func TestTokenUsage_Totals(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	records := []TokenUsage{
		{Model: "a/x", Role: "thinking", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, EstimatedCost: 0.01, Timestamp: now.Add(-48 * time.Hour)},
		{Model: "a/x", Role: "fast", PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30, EstimatedCost: 0.02, Timestamp: now},
	}
	for _, r := range records {
		if err := s.AppendTokenUsage(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	total, err := s.TokenTotalsSince(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if total.TotalTokens != 45 || total.Records != 2 {
		t.Errorf("total = %+v, want 45 tokens over 2 records", total)
	}

	daily, err := s.TokenTotalsSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if daily.TotalTokens != 30 || daily.Records != 1 {
		t.Errorf("daily = %+v, want 30 tokens over 1 record", daily)
	}
}

func TestAgents_SaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	architect := &Agent{
		ID:             uuid.New(),
		Name:           "architect",
		Tier:           TierArchitect,
		Type:           TypeArchitect,
		Status:         StatusIdle,
		Soul:           "I am the architect.",
		TimeoutMs:      3600000,
		BirthTime:      time.Now().UTC().Truncate(time.Millisecond),
		LastActivityAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.SaveAgent(ctx, architect); err != nil {
		t.Fatal(err)
	}

	mgr := &Agent{
		ID:             uuid.New(),
		Name:           "manager-1",
		Tier:           TierManager,
		Type:           TypeManager,
		ParentID:       &architect.ID,
		Status:         StatusSpawning,
		Mission:        "refactor the parser",
		Tools:          []string{"file_read", "file_write"},
		TimeoutMs:      3600000,
		BirthTime:      time.Now().UTC().Truncate(time.Millisecond),
		LastActivityAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.SaveAgent(ctx, mgr); err != nil {
		t.Fatal(err)
	}

	// Deactivate and verify the graveyard row survives.
	ended := time.Now().UTC().Truncate(time.Millisecond)
	mgr.Status = StatusDeactivated
	mgr.EndedAt = &ended
	if err := s.SaveAgent(ctx, mgr); err != nil {
		t.Fatal(err)
	}

	agents, err := s.LoadAgents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 2 {
		t.Fatalf("got %d agents, want 2", len(agents))
	}
	got := agents[1]
	if got.Status != StatusDeactivated || got.EndedAt == nil {
		t.Error("deactivated agent not persisted")
	}
	if got.ParentID == nil || *got.ParentID != architect.ID {
		t.Error("parent id lost")
	}
	if len(got.Tools) != 2 {
		t.Errorf("tools = %v", got.Tools)
	}
}

func TestCronJobs_PersistAcrossReload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	last := time.Now().UnixMilli()
	job := &CronJob{
		ID:             uuid.New(),
		Name:           "nightly-report",
		Expression:     "0 3 * * *",
		Task:           "summarize the day",
		Enabled:        true,
		TimeoutSeconds: 300,
		WakeMode:       WakeNow,
		LastRunAtMs:    &last,
		LastStatus:     CronStatusSuccess,
	}
	if err := s.SaveCronJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	// Update in place (upsert by name).
	job.ConsecutiveErrors = 2
	job.LastStatus = CronStatusError
	if err := s.SaveCronJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	jobs, err := s.LoadCronJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}
	got := jobs[0]
	if got.ConsecutiveErrors != 2 || got.LastStatus != CronStatusError {
		t.Errorf("runtime state not persisted: %+v", got)
	}
	if got.RunningAtMs != nil {
		t.Error("runningAtMs must not survive reload")
	}

	if err := s.DeleteCronJob(ctx, "nightly-report"); err != nil {
		t.Fatal(err)
	}
	jobs, _ = s.LoadCronJobs(ctx)
	if len(jobs) != 0 {
		t.Error("job not deleted")
	}
}
