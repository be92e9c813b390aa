package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/relaygate/internal/agent"
	"github.com/nextlevelbuilder/relaygate/internal/channels"
	"github.com/nextlevelbuilder/relaygate/internal/store"
	"github.com/nextlevelbuilder/relaygate/pkg/protocol"
)

// streamState accumulates one agent turn. In-memory only, discarded at turn
// end. version increments on every visible change so the card updater can
// skip no-op pushes.
type streamState struct {
	mu      sync.Mutex
	text    strings.Builder
	status  string
	version uint64
}

func (s *streamState) appendText(delta string) {
	s.mu.Lock()
	s.text.WriteString(delta)
	s.version++
	s.mu.Unlock()
}

func (s *streamState) setStatus(label string) {
	s.mu.Lock()
	if label != s.status {
		s.status = label
		s.version++
	}
	s.mu.Unlock()
}

func (s *streamState) snapshot() (text, status string, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String(), s.status, s.version
}

func (s *streamState) accumulated() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// runTurn invokes the agent and drives the response stream to completion.
// Runs in its own goroutine per inbound message.
func (r *Router) runTurn(ctx context.Context, cfg *store.ChannelConfig, in channels.Inbound, binding store.SessionBinding) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.TurnTimeout)
	defer cancel()

	convID := binding.ConversationID.String()
	ctx, span := r.tracer.Start(ctx, "router.turn",
		trace.WithAttributes(
			attribute.String("conversation.id", convID),
			attribute.String("channel.config_id", in.ConfigID),
		))
	defer span.End()

	r.broadcast(protocol.EventTurnStarted, convID, in.ConfigID, map[string]any{
		"chat_id": in.ChatID,
	})

	stream, err := r.runner.StreamTurn(ctx, agent.TurnRequest{
		ConversationID: binding.ConversationID,
		Text:           in.Content,
		ProjectID:      cfg.ProjectID,
		UserID:         in.SenderID,
		Context: map[string]string{
			"channel_type": in.ChannelType,
			"chat_id":      in.ChatID,
			"scope":        string(in.Scope),
		},
	})
	if err != nil {
		slog.Error("agent invocation failed", "conversation_id", convID, "error", err)
		r.finishTurn(ctx, cfg, in, binding, apologyText, "", err)
		return
	}

	state := &streamState{}
	updater := r.startCardUpdater(ctx, in, state)

	finalText, turnErr := r.consume(ctx, stream, state, convID)

	// The updater is given the final text so a live card ends on the
	// answer, then a bounded grace to flush before being abandoned.
	cardMessageID := updater.finish(finalText)

	if turnErr != nil && finalText == "" {
		finalText = apologyText
	}
	r.finishTurn(ctx, cfg, in, binding, finalText, cardMessageID, turnErr)
}

// consume drains the stream until a terminal event, channel close, or the
// turn deadline. Returns the answer text: the complete payload when present,
// the accumulated deltas otherwise.
func (r *Router) consume(ctx context.Context, stream <-chan agent.TurnEvent, state *streamState, convID string) (string, error) {
	for {
		select {
		case <-ctx.Done():
			// Timeout: whatever text arrived is the answer.
			slog.Warn("agent turn timed out, using partial text", "conversation_id", convID)
			return state.accumulated(), nil

		case ev, ok := <-stream:
			if !ok {
				// Stream ended without a terminal event.
				return state.accumulated(), nil
			}
			switch ev.Type {
			case agent.EventThought, agent.EventAct, agent.EventObserve:
				state.setStatus(statusLabel(ev))
			case agent.EventTextDelta:
				state.appendText(ev.Text)
			case agent.EventTextEnd:
				// Segment boundary only; text is already accumulated.
			case agent.EventComplete:
				if ev.Text != "" {
					return ev.Text, nil
				}
				return state.accumulated(), nil
			case agent.EventError:
				slog.Error("agent turn errored", "conversation_id", convID, "error", ev.Text)
				return state.accumulated(), &turnError{msg: ev.Text}
			default:
				slog.Debug("ignoring unknown stream event", "type", ev.Type)
			}
		}
	}
}

// finishTurn delivers the answer and broadcasts the terminal event.
// cardMessageID is non-empty when a streaming card already carries the final
// text, in which case the outbox only records the delivery.
func (r *Router) finishTurn(ctx context.Context, cfg *store.ChannelConfig, in channels.Inbound, binding store.SessionBinding, finalText, cardMessageID string, turnErr error) {
	// The turn context is usually expired here when the answer is partial
	// text from a timed-out turn. Delivery gets its own deadline so the
	// partial answer is still persisted and sent.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultDeliveryTimeout)
	defer cancel()

	convID := binding.ConversationID.String()

	if finalText == "" {
		// Nothing to say and no error: a silent turn ends silently.
		r.broadcast(protocol.EventTurnCompleted, convID, in.ConfigID, map[string]any{"empty": true})
		return
	}

	if cardMessageID != "" {
		if err := r.outbox.RecordDelivered(ctx, in.ConfigID, binding.ConversationID, in.ChatID, finalText, cardMessageID); err != nil {
			slog.Error("record card delivery failed", "conversation_id", convID, "error", err)
		}
	} else {
		if _, err := r.outbox.SendText(ctx, in.ConfigID, binding.ConversationID, in.ChatID, finalText, in.NativeID); err != nil {
			slog.Error("outbox send failed", "conversation_id", convID, "error", err)
		}
	}

	if turnErr != nil {
		r.broadcast(protocol.EventTurnFailed, convID, in.ConfigID, map[string]any{
			"error":   turnErr.Error(),
			"partial": finalText != apologyText,
		})
		return
	}
	r.broadcast(protocol.EventTurnCompleted, convID, in.ConfigID, map[string]any{
		"chars": len(finalText),
	})
}

type turnError struct{ msg string }

func (e *turnError) Error() string {
	if e.msg == "" {
		return "agent turn failed"
	}
	return e.msg
}

func statusLabel(ev agent.TurnEvent) string {
	switch ev.Type {
	case agent.EventThought:
		return "thinking..."
	case agent.EventAct:
		if name, ok := ev.Data["tool"].(string); ok && name != "" {
			return "running " + name + "..."
		}
		return "working..."
	case agent.EventObserve:
		return "reading results..."
	default:
		return ""
	}
}

// cardUpdater mirrors stream progress into an in-place card on platforms
// that support it. It never blocks the consume path: pushes happen on its
// own goroutine, throttled between the configured floor and ceiling.
type cardUpdater struct {
	cancel context.CancelFunc
	done   chan struct{}
	grace  time.Duration
	chatID string

	streamer  channels.CardStreamer // preferred capability
	patcher   channels.CardPatcher
	canStream bool

	mu        sync.Mutex
	messageID string // entity/card id once created
	seq       int
}

// noopUpdater is returned when the adapter has no card capability.
var noopUpdater = &cardUpdater{done: closedChan()}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// startCardUpdater begins the background updater when the live adapter
// supports streaming or patchable cards; otherwise returns a no-op.
func (r *Router) startCardUpdater(ctx context.Context, in channels.Inbound, state *streamState) *cardUpdater {
	adapter, ok := r.adapters.Adapter(in.ConfigID)
	if !ok {
		return noopUpdater
	}

	streamer, canStream := adapter.(channels.CardStreamer)
	patcher, canPatch := adapter.(channels.CardPatcher)
	if !canStream && !canPatch {
		return noopUpdater
	}

	uctx, cancel := context.WithCancel(ctx)
	u := &cardUpdater{
		cancel:    cancel,
		done:      make(chan struct{}),
		grace:     r.opts.UpdaterGrace,
		chatID:    in.ChatID,
		streamer:  streamer,
		patcher:   patcher,
		canStream: canStream,
	}

	go func() {
		defer close(u.done)
		u.run(uctx, state, r.opts.CardMinInterval, r.opts.CardMaxInterval)
	}()
	return u
}

// run pushes snapshots until cancelled. The interval starts at the floor,
// doubles while nothing changed, and snaps back to the floor on change.
func (u *cardUpdater) run(ctx context.Context, state *streamState, minIvl, maxIvl time.Duration) {
	var (
		lastVersion uint64
		interval    = minIvl
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		text, status, version := state.snapshot()
		if version == lastVersion {
			interval = min(interval*2, maxIvl)
			continue
		}
		lastVersion = version
		interval = minIvl

		body := text
		if body == "" {
			body = status
		}
		if body == "" {
			continue
		}

		if u.canStream {
			u.pushStreaming(ctx, body)
		} else {
			u.pushPatch(ctx, body)
		}
	}
}

func (u *cardUpdater) pushStreaming(ctx context.Context, body string) {
	u.mu.Lock()
	entityID := u.messageID
	u.mu.Unlock()

	if entityID == "" {
		id, err := u.streamer.CreateCardEntity(ctx, u.chatID)
		if err != nil {
			slog.Debug("create card entity failed", "chat_id", u.chatID, "error", err)
			return
		}
		u.mu.Lock()
		u.messageID = id
		u.mu.Unlock()
		entityID = id
	}

	u.mu.Lock()
	u.seq++
	seq := u.seq
	u.mu.Unlock()
	if err := u.streamer.StreamTextContent(ctx, entityID, body, seq); err != nil {
		slog.Debug("stream card content failed", "entity_id", entityID, "error", err)
	}
}

func (u *cardUpdater) pushPatch(ctx context.Context, body string) {
	u.mu.Lock()
	cardID := u.messageID
	u.mu.Unlock()

	if cardID == "" {
		id, err := u.patcher.SendCard(ctx, u.chatID, body)
		if err != nil {
			slog.Debug("send card failed", "chat_id", u.chatID, "error", err)
			return
		}
		u.mu.Lock()
		u.messageID = id
		u.mu.Unlock()
		return
	}

	if err := u.patcher.PatchCard(ctx, cardID, body); err != nil {
		slog.Debug("patch card failed", "card_id", cardID, "error", err)
	}
}

// finish stops the update loop, waits for it with a bounded grace, and —
// when a card exists — finalizes it with the answer. Returns the card's
// message id when the final text was delivered through the card, "" when the
// caller must deliver the text itself.
func (u *cardUpdater) finish(finalText string) string {
	if u == noopUpdater {
		return ""
	}

	u.cancel()
	select {
	case <-u.done:
	case <-time.After(u.grace):
		slog.Warn("card updater did not stop within grace, abandoning")
		return ""
	}

	u.mu.Lock()
	messageID := u.messageID
	u.mu.Unlock()
	if messageID == "" || finalText == "" {
		return ""
	}

	// Final flush outside the cancelled loop context.
	ctx, cancel := context.WithTimeout(context.Background(), u.grace)
	defer cancel()

	if err := u.finalize(ctx, messageID, finalText); err != nil {
		slog.Warn("card finalize failed, falling back to text send", "card_id", messageID, "error", err)
		return ""
	}
	return messageID
}

// finalize closes out the card with the answer text.
func (u *cardUpdater) finalize(ctx context.Context, messageID, finalText string) error {
	if u.canStream {
		return u.streamer.FinishCardEntity(ctx, messageID, finalText)
	}
	return u.patcher.PatchCard(ctx, messageID, finalText)
}
