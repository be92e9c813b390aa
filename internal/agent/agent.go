// Package agent defines the contract against the external agent-execution
// platform. The reasoning loop itself is out of process; the router only
// consumes its typed event stream.
package agent

import (
	"context"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relaygate/pkg/protocol"
)

// Event types emitted on a turn stream, in rough lifecycle order. A stream
// ends with complete or error; anything else means the stream was cut short.
// The wire names live in pkg/protocol so observers share them.
const (
	EventThought   = protocol.TurnEventThought
	EventAct       = protocol.TurnEventAct
	EventObserve   = protocol.TurnEventObserve
	EventTextDelta = protocol.TurnEventTextDelta
	EventTextEnd   = protocol.TurnEventTextEnd
	EventComplete  = protocol.TurnEventComplete
	EventError     = protocol.TurnEventError
)

// TurnEvent is one element of an agent turn stream.
type TurnEvent struct {
	Type string `json:"type"`
	// Text carries delta content for text_delta, the authoritative final
	// answer for complete, and the error message for error.
	Text string `json:"text,omitempty"`
	// Data carries event-specific payload (tool name for act, status label
	// for thought, ...). Opaque to the router beyond logging.
	Data map[string]any `json:"data,omitempty"`
}

// Terminal reports whether the event ends the turn.
func (e TurnEvent) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// TurnRequest describes one agent invocation.
type TurnRequest struct {
	ConversationID uuid.UUID
	Text           string
	ProjectID      string
	UserID         string
	TenantID       string
	// FileMetadata describes attachments referenced by the message, if any.
	FileMetadata []FileMeta
	// Context carries channel hints the platform may use (chat title, scope).
	Context map[string]string
}

// FileMeta is a reference to an uploaded attachment.
type FileMeta struct {
	Name string `json:"name"`
	Mime string `json:"mime"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// Runner invokes agent turns. StreamTurn returns immediately with a channel
// the implementation closes when the turn ends; cancelling ctx abandons the
// turn. The router enforces its own overall turn timeout on top.
type Runner interface {
	StreamTurn(ctx context.Context, req TurnRequest) (<-chan TurnEvent, error)
}
