package swarm

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/swarmgate/internal/store"
)

const sweepInterval = 60 * time.Second

// StartSweeper reaps stuck and idle agents every minute until ctx ends.
// The architect is exempt: the root never times out.
func (m *Manager) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Sweep terminates agents stuck in spawning for over ten minutes and
// agents idle beyond their timeout. Exposed for the scheduler and tests.
func (m *Manager) Sweep(ctx context.Context) int {
	now := time.Now().UTC()

	type victim struct {
		id     uuid.UUID
		reason string
	}
	var victims []victim

	m.mu.Lock()
	for _, a := range m.agents {
		if a.Tier == store.TierArchitect || a.Status == store.StatusDeactivated {
			continue
		}
		switch {
		case a.Status == store.StatusSpawning && now.Sub(a.BirthTime) > spawnStuckAfter:
			victims = append(victims, victim{a.ID, "stuck in spawning"})
		case a.Status == store.StatusIdle && a.TimeoutMs > 0 &&
			now.Sub(a.LastActivityAt) > time.Duration(a.TimeoutMs)*time.Millisecond:
			victims = append(victims, victim{a.ID, "idle timeout"})
		}
	}
	m.mu.Unlock()

	for _, v := range victims {
		if err := m.Terminate(ctx, v.id, v.reason); err != nil {
			slog.Warn("sweep terminate failed", "id", v.id, "error", err)
		}
	}
	if len(victims) > 0 {
		slog.Info("swarm sweep", "reaped", len(victims))
	}
	return len(victims)
}
