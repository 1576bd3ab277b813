// Package approval provides the request/response rendezvous between
// long-running runtime code and an external decider. A pending entry is
// fulfilled exactly once, by a client response or by its expiry timer,
// whichever comes first.
package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/swarmgate/internal/audit"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/internal/tools"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

// Default expiries.
const (
	ApprovalTTL = 60 * time.Second
	InputTTL    = 5 * time.Minute
)

// Broadcaster delivers frames to every connected client.
type Broadcaster interface {
	Broadcast(f *protocol.Frame)
}

// BroadcastFunc adapts a function to Broadcaster.
type BroadcastFunc func(f *protocol.Frame)

func (fn BroadcastFunc) Broadcast(f *protocol.Frame) { fn(f) }

// Request describes one approval prompt.
type Request struct {
	Kind        string
	Description string
	Meta        map[string]interface{}
	SessionID   string
	WorkspaceID string
}

type outcome struct {
	approved bool
	value    string
}

type pending struct {
	ch    chan outcome
	timer *time.Timer
	done  bool
}

// Gate is the approval/input rendezvous.
type Gate struct {
	broadcast Broadcaster
	comm      tools.Tool // optional side-channel notifier
	commChan  string
	log       *audit.Logger

	approvalTTL time.Duration
	inputTTL    time.Duration

	mu      sync.Mutex
	entries map[string]*pending
}

// NewGate creates the gate. comm may be nil; commChannel is the channel id
// handed to the communication tool for side-channel notices.
func NewGate(broadcast Broadcaster, comm tools.Tool, commChannel string, log *audit.Logger) *Gate {
	return &Gate{
		broadcast:   broadcast,
		comm:        comm,
		commChan:    commChannel,
		log:         log,
		approvalTTL: ApprovalTTL,
		inputTTL:    InputTTL,
		entries:     make(map[string]*pending),
	}
}

// SetTTLs overrides the expiries (tests).
func (g *Gate) SetTTLs(approval, input time.Duration) {
	g.approvalTTL = approval
	g.inputTTL = input
}

// RequestApproval broadcasts an approval_request and blocks until the
// prompt is resolved, expires (false), or ctx is cancelled.
func (g *Gate) RequestApproval(ctx context.Context, req Request) bool {
	id := uuid.NewString()
	expiresAt := time.Now().Add(g.approvalTTL)
	entry := g.register(id, g.approvalTTL)

	g.broadcast.Broadcast(&protocol.Frame{
		Type:        protocol.TypeApprovalRequest,
		SessionID:   req.SessionID,
		ID:          id,
		Kind:        req.Kind,
		Description: req.Description,
		Meta:        req.Meta,
		ExpiresAt:   expiresAt.UnixMilli(),
		WorkspaceID: req.WorkspaceID,
	})
	g.notify(ctx, "Approval needed: "+req.Description)

	select {
	case out := <-entry.ch:
		return out.approved
	case <-ctx.Done():
		g.expire(id)
		return false
	}
}

// RequestInput broadcasts an input_request and blocks for the reply.
// Expiry and cancellation yield ("", false).
func (g *Gate) RequestInput(ctx context.Context, description, sessionID string) (string, bool) {
	id := uuid.NewString()
	expiresAt := time.Now().Add(g.inputTTL)
	entry := g.register(id, g.inputTTL)

	g.broadcast.Broadcast(&protocol.Frame{
		Type:        protocol.TypeInputRequest,
		SessionID:   sessionID,
		ID:          id,
		Description: description,
		ExpiresAt:   expiresAt.UnixMilli(),
	})
	g.notify(ctx, "Input needed: "+description)

	select {
	case out := <-entry.ch:
		return out.value, out.approved
	case <-ctx.Done():
		g.expire(id)
		return "", false
	}
}

// ResolveApproval fulfills a pending approval. Returns false when the id
// is unknown or already fulfilled, so callers can detect staleness.
func (g *Gate) ResolveApproval(id string, approved bool) bool {
	return g.resolve(id, outcome{approved: approved})
}

// ResolveInput fulfills a pending input request.
func (g *Gate) ResolveInput(id, value string) bool {
	return g.resolve(id, outcome{approved: true, value: value})
}

// Pending returns the number of unresolved prompts.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func (g *Gate) register(id string, ttl time.Duration) *pending {
	entry := &pending{ch: make(chan outcome, 1)}
	entry.timer = time.AfterFunc(ttl, func() { g.expire(id) })

	g.mu.Lock()
	g.entries[id] = entry
	g.mu.Unlock()
	return entry
}

func (g *Gate) resolve(id string, out outcome) bool {
	g.mu.Lock()
	entry, ok := g.entries[id]
	if !ok || entry.done {
		g.mu.Unlock()
		return false
	}
	entry.done = true
	entry.timer.Stop()
	delete(g.entries, id)
	g.mu.Unlock()

	entry.ch <- out
	return true
}

// expire fulfills with the zero outcome (denied / empty).
func (g *Gate) expire(id string) {
	if g.resolve(id, outcome{}) {
		slog.Debug("approval: prompt expired", "id", id)
	}
}

// notify sends a fire-and-forget side-channel notice through the
// configured communication tool. Failures are logged, never propagated.
func (g *Gate) notify(ctx context.Context, text string) {
	if g.comm == nil {
		return
	}
	go func() {
		res := g.comm.Execute(context.WithoutCancel(ctx), map[string]interface{}{
			"channelId": g.commChan,
			"content":   text,
		})
		if res != nil && res.IsError {
			slog.Warn("approval: side-channel notice failed", "tool", g.comm.Name(), "error", res.ForLLM)
			if g.log != nil {
				g.log.Log(ctx, store.ActionError, map[string]string{
					"component": "approval", "notice": res.ForLLM,
				}, store.AuditError)
			}
		}
	}()
}
