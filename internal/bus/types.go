package bus

// Event is a structured server-side event broadcast to observers
// (WebSocket clients, HITL consoles). Delivery is best-effort.
type Event struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	ConfigID       string `json:"config_id,omitempty"`
	EventTimeUs    int64  `json:"event_time_us,omitempty"`
	EventCounter   int32  `json:"event_counter,omitempty"`
	Data           any    `json:"data,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// The router and connection manager publish through this; the gateway
// WebSocket server and tests subscribe.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
