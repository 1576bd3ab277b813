package protocol

// Internal event topic names carried on the gateway bus. These never reach
// the wire directly; the transport layer converts them into frames.
const (
	EventAuditEntry      = "audit.entry"
	EventTokenUsage      = "tokens.usage"
	EventCriticalFailure = "router.critical_failure"
	EventClientConnected = "client_connected"
	EventClientClosed    = "client_disconnected"
	EventSchedulerPaused = "scheduler.paused"
	EventAgentSpawned    = "swarm.agent.spawned"
	EventAgentReaped     = "swarm.agent.reaped"
	EventShutdown        = "shutdown"
)
