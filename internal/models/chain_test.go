package models

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
)

func testRepo(t *testing.T) *Repo {
	t.Helper()
	repo, err := NewRepo([]config.ModelSpec{
		{ID: "openai/gpt-4.1", ContextWindow: 128000, InputCost: 2, OutputCost: 8},
		{ID: "openai/gpt-4.1-mini", ContextWindow: 128000},
		{ID: "anthropic/claude-sonnet", ContextWindow: 200000, InputCost: 3, OutputCost: 15},
		{ID: "anthropic/claude-haiku", ContextWindow: 200000},
		{ID: "ollama/llama3", ContextWindow: 8192},
		{ID: "openai/gpt-4.1-big", ContextWindow: 1000000},
	})
	if err != nil {
		t.Fatal(err)
	}
	return repo
}

func testResolver(t *testing.T) *Resolver {
	return NewResolver(testRepo(t),
		map[string][]string{
			"thinking": {"anthropic/claude-sonnet", "openai/gpt-4.1", "openai/gpt-4.1-big", "anthropic/claude-haiku", "openai/gpt-4.1-mini", "ollama/llama3"},
			"fast":     {"openai/gpt-4.1-mini", "anthropic/claude-haiku"},
			"local":    {"ollama/llama3"},
		},
		map[string]string{
			"summarize": "fast",
			"review":    "anthropic/claude-sonnet",
		})
}

func TestResolve(t *testing.T) {
	r := testResolver(t)

	tests := []struct {
		name       string
		roleOrTask string
		override   string
		tier       int
		wantIDs    []string
	}{
		{
			"direct override wins",
			"thinking", "ollama/llama3", store.TierArchitect,
			[]string{"ollama/llama3"},
		},
		{
			"role name override redirects the chain",
			"thinking", "fast", store.TierArchitect,
			[]string{"openai/gpt-4.1-mini", "anthropic/claude-haiku"},
		},
		{
			"task override to role",
			"summarize", "", store.TierManager,
			[]string{"openai/gpt-4.1-mini", "anthropic/claude-haiku"},
		},
		{
			"task override to concrete id",
			"review", "", store.TierManager,
			[]string{"anthropic/claude-sonnet"},
		},
		{
			"tier 1 truncated to 5",
			"thinking", "", store.TierArchitect,
			[]string{"anthropic/claude-sonnet", "openai/gpt-4.1", "openai/gpt-4.1-big", "anthropic/claude-haiku", "openai/gpt-4.1-mini"},
		},
		{
			"tier 3 truncated to 3",
			"thinking", "", store.TierWorker,
			[]string{"anthropic/claude-sonnet", "openai/gpt-4.1", "openai/gpt-4.1-big"},
		},
		{
			"unknown role falls back to legacy order",
			"nonsense", "", store.TierWorker,
			[]string{"anthropic/claude-sonnet", "openai/gpt-4.1", "openai/gpt-4.1-big"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := r.Resolve(tt.roleOrTask, tt.override, tt.tier)
			if len(chain) != len(tt.wantIDs) {
				t.Fatalf("chain length %d, want %d: %v", len(chain), len(tt.wantIDs), ids(chain))
			}
			for i, want := range tt.wantIDs {
				if chain[i].ID != want {
					t.Errorf("chain[%d] = %s, want %s", i, chain[i].ID, want)
				}
			}
		})
	}
}

func TestResolve_Dedupes(t *testing.T) {
	repo := testRepo(t)
	r := NewResolver(repo, map[string][]string{
		"thinking": {"ollama/llama3", "ollama/llama3", "openai/gpt-4.1", "ollama/llama3"},
	}, nil)

	chain := r.Resolve("thinking", "", store.TierArchitect)
	if len(chain) != 2 {
		t.Fatalf("chain = %v, want deduped pair", ids(chain))
	}
}

func TestResolve_UnknownOverrideYieldsEmpty(t *testing.T) {
	r := testResolver(t)
	if chain := r.Resolve("thinking", "ghost/model", store.TierArchitect); len(chain) != 0 {
		t.Errorf("chain = %v, want empty", ids(chain))
	}
}

func TestLargerContext_PrefersSameProviderThenSmallestSufficient(t *testing.T) {
	repo := testRepo(t)
	got := repo.LargerContext(128000, "openai")
	if len(got) == 0 {
		t.Fatal("no candidates")
	}
	// openai candidates first even though anthropic has 200k entries.
	if got[0].Provider != "openai" {
		t.Errorf("first candidate = %s, want openai/*", got[0].ID)
	}
	// Within the rest, smallest sufficient window before the giant one.
	last := got[len(got)-1]
	if last.ID != "openai/gpt-4.1-big" && last.ContextWindow < 1000000 {
		// the non-preferred provider group must still be window-ordered
		for i := 1; i < len(got); i++ {
			if got[i].Provider == got[i-1].Provider && got[i].ContextWindow < got[i-1].ContextWindow {
				t.Errorf("window order violated: %v", ids(got))
			}
		}
	}
}

func TestCooldown_ExpiryAndMultiplier(t *testing.T) {
	table := NewCooldownTable()
	now := time.Now()
	table.now = func() time.Time { return now }

	s1 := table.Set("a/x", time.Second, ReasonRateLimited, "429")
	if s1.FailureCount != 1 || !s1.ExpiresAt.Equal(now.Add(time.Second)) {
		t.Errorf("first cooldown = %+v", s1)
	}

	// Repeated failures multiply the TTL, capped at x5.
	for i := 0; i < 10; i++ {
		table.Set("a/x", time.Second, ReasonRateLimited, "")
	}
	s, ok := table.Active("a/x")
	if !ok {
		t.Fatal("cooldown should be live")
	}
	if got := s.ExpiresAt.Sub(now); got != 5*time.Second {
		t.Errorf("ttl = %v, want capped 5s", got)
	}
	if s.FailureCount != 11 {
		t.Errorf("failureCount = %d, want 11", s.FailureCount)
	}

	// Reads that observe expiry delete the entry.
	now = now.Add(6 * time.Second)
	if _, ok := table.Active("a/x"); ok {
		t.Error("expired cooldown still active")
	}
	if len(table.Snapshot()) != 0 {
		t.Error("snapshot should prune expired entries")
	}
}

func ids(chain []*Descriptor) []string {
	out := make([]string, len(chain))
	for i, d := range chain {
		out[i] = d.ID
	}
	return out
}
