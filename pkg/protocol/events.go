package protocol

// Event names broadcast to observers (WebSocket clients, HITL consoles).
const (
	EventMessageReceived = "message.received"
	EventTurnStarted     = "turn.started"
	EventTurnCompleted   = "turn.completed"
	EventTurnFailed      = "turn.failed"

	EventConnectionStatus = "connection.status"
	EventOutboxSent       = "outbox.sent"
	EventOutboxDeadLetter = "outbox.dead_letter"

	EventShutdown = "shutdown"
)

// Agent turn stream event types, as produced by the agent execution
// collaborator. The router consumes these in order.
const (
	TurnEventThought   = "thought"
	TurnEventAct       = "act"
	TurnEventObserve   = "observe"
	TurnEventTextDelta = "text_delta"
	TurnEventTextEnd   = "text_end"
	TurnEventComplete  = "complete"
	TurnEventError     = "error"
)
