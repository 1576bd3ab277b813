package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

// rollingWindow bounds the in-memory usage history.
const rollingWindow = 500

// TokenMeter accumulates token-usage records. Reads are linearizable with
// respect to Record: a usage total always includes every record already
// appended to the audit-visible store.
type TokenMeter struct {
	store *store.Store
	bus   bus.EventPublisher

	mu     sync.Mutex
	recent []store.TokenUsage // rolling window, newest last
	total  store.UsageTotals
	daily  store.UsageTotals
	day    time.Time // UTC midnight the daily counter belongs to
}

// NewTokenMeter creates the meter, recovering totals from the store.
func NewTokenMeter(st *store.Store, eventPub bus.EventPublisher) *TokenMeter {
	m := &TokenMeter{store: st, bus: eventPub, day: utcMidnight(time.Now())}

	total, err := st.TokenTotalsSince(context.Background(), time.Time{})
	if err != nil {
		slog.Warn("tokens: recover totals failed", "error", err)
	} else {
		m.total = total
	}
	daily, err := st.TokenTotalsSince(context.Background(), m.day)
	if err == nil {
		m.daily = daily
	}
	return m
}

// Record appends a usage record, updates aggregates, and broadcasts a
// token_update event.
func (m *TokenMeter) Record(ctx context.Context, u store.TokenUsage) {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	if err := m.store.AppendTokenUsage(ctx, u); err != nil {
		slog.Error("tokens: append failed", "model", u.Model, "error", err)
	}

	m.recent = append(m.recent, u)
	if len(m.recent) > rollingWindow {
		m.recent = m.recent[len(m.recent)-rollingWindow:]
	}

	if day := utcMidnight(u.Timestamp); !day.Equal(m.day) {
		m.day = day
		m.daily = store.UsageTotals{}
	}
	addUsage(&m.total, u)
	addUsage(&m.daily, u)
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Broadcast(bus.Event{Name: protocol.EventTokenUsage, Payload: u})
	}
}

// TotalUsage returns the aggregate over every recorded usage.
func (m *TokenMeter) TotalUsage() store.UsageTotals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// DailyUsage returns the aggregate for the current UTC day.
func (m *TokenMeter) DailyUsage() store.UsageTotals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.daily
}

// RecentUsage returns a copy of the rolling window, newest last.
func (m *TokenMeter) RecentUsage() []store.TokenUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.TokenUsage, len(m.recent))
	copy(out, m.recent)
	return out
}

func addUsage(t *store.UsageTotals, u store.TokenUsage) {
	t.PromptTokens += int64(u.PromptTokens)
	t.CompletionTokens += int64(u.CompletionTokens)
	t.TotalTokens += int64(u.TotalTokens)
	t.EstimatedCost += u.EstimatedCost
	t.Records++
}

func utcMidnight(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}
