package gateway

import (
	"fmt"

	"github.com/nextlevelbuilder/swarmgate/internal/audit"
	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/router"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

const bridgeSubscriberID = "gateway-bridge"

// StartBridge converts internal bus events into client frames: audit
// entries become status streams, usage records become token updates, and
// router critical failures become a broadcast banner. Bridge frames use
// the broadcast sentinel session.
func (s *Server) StartBridge() {
	s.events.Subscribe(bridgeSubscriberID, func(ev bus.Event) {
		switch ev.Name {
		case protocol.EventAuditEntry:
			entry, ok := ev.Payload.(*store.AuditEntry)
			if !ok {
				return
			}
			s.Broadcast(&protocol.Frame{
				Type:       protocol.TypeStream,
				SessionID:  protocol.BroadcastSessionID,
				TraceID:    entry.TraceID.String(),
				StreamType: protocol.StreamStatus,
				Delta:      audit.StatusDelta(entry),
			})

		case protocol.EventTokenUsage:
			u, ok := ev.Payload.(store.TokenUsage)
			if !ok {
				return
			}
			s.Broadcast(&protocol.Frame{
				Type:             protocol.TypeTokenUpdate,
				SessionID:        protocol.BroadcastSessionID,
				Model:            u.Model,
				Role:             u.Role,
				PromptTokens:     u.PromptTokens,
				CompletionTokens: u.CompletionTokens,
				TotalTokens:      u.TotalTokens,
				EstimatedCost:    u.EstimatedCost,
				Timestamp:        u.Timestamp.UnixMilli(),
			})

		case protocol.EventCriticalFailure:
			// The failing turn already sent its session-scoped error frame;
			// the broadcast is a status banner, not a second error.
			msg := "model routing exhausted every candidate"
			if cf, ok := ev.Payload.(router.CriticalFailure); ok {
				msg = fmt.Sprintf("model routing for %q exhausted every candidate", cf.RoleOrTask)
			}
			s.Broadcast(&protocol.Frame{
				Type:       protocol.TypeStream,
				SessionID:  protocol.BroadcastSessionID,
				StreamType: protocol.StreamStatus,
				Delta:      msg,
			})

		case protocol.EventSchedulerPaused:
			s.Broadcast(&protocol.Frame{
				Type:       protocol.TypeStream,
				SessionID:  protocol.BroadcastSessionID,
				StreamType: protocol.StreamStatus,
				Delta:      "scheduler paused after critical failure; resume jobs manually",
			})
		}
	})
}

// StopBridge removes the bus subscription.
func (s *Server) StopBridge() {
	s.events.Unsubscribe(bridgeSubscriberID)
}
