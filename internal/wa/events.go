package wa

import (
	"context"
	"time"

	"github.com/matheus3301/relay/internal/bus"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// inboundPublishTimeout bounds how long a message or receipt event may wait
// for the relay engine to accept it.
const inboundPublishTimeout = 30 * time.Second

// JIDResolver maps a JID to its canonical form, e.g. a LID to a phone number.
type JIDResolver interface {
	ResolveLID(ctx context.Context, jid types.JID) types.JID
}

// EventHandler processes whatsmeow events, drives the link state machine,
// and publishes inbound messages on the bus. The relay engine subscribes to
// the bus independently.
type EventHandler struct {
	bus      *bus.Bus
	machine  *LinkMachine
	resolver JIDResolver
	logger   *zap.Logger
}

// NewEventHandler creates a new event handler. resolver may be nil.
func NewEventHandler(b *bus.Bus, machine *LinkMachine, resolver JIDResolver, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{
		bus:      b,
		machine:  machine,
		resolver: resolver,
		logger:   logger,
	}
}

// Handle is the main whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.handleMessage(evt)
	case *events.Receipt:
		h.handleReceipt(evt)
	case *events.Connected:
		h.logger.Info("WhatsApp connected")
		if h.machine.Current() == AuthRequired || h.machine.Current() == LoggedOut {
			_ = h.machine.Transition(Connecting)
		}
		_ = h.machine.Transition(Connected)
	case *events.Disconnected:
		h.logger.Warn("WhatsApp disconnected")
		_ = h.machine.Transition(Disconnected)
	case *events.LoggedOut:
		h.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		_ = h.machine.Transition(LoggedOut)
	}
}

func (h *EventHandler) resolve(jid types.JID) types.JID {
	if h.resolver == nil {
		return jid
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.resolver.ResolveLID(ctx, jid)
}

func (h *EventHandler) handleMessage(evt *events.Message) {
	evt.Info.Chat = h.resolve(normalizeJID(evt.Info.Chat))
	in, ok := ParseInbound(evt)
	if !ok {
		return
	}

	// Inbound messages must reach the engine; block instead of dropping.
	ctx, cancel := context.WithTimeout(context.Background(), inboundPublishTimeout)
	defer cancel()
	if err := h.bus.PublishWait(ctx, bus.Event{
		Kind:      bus.KindTransportMessage,
		Timestamp: time.Now(),
		Payload:   in,
	}); err != nil {
		h.logger.Error("inbound message not relayed", zap.String("party", in.Party), zap.String("msg_id", in.Handle), zap.Error(err))
	}
}

func (h *EventHandler) handleReceipt(evt *events.Receipt) {
	evt.Chat = h.resolve(normalizeJID(evt.Chat))
	r, ok := ParseReport(evt)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), inboundPublishTimeout)
	defer cancel()
	if err := h.bus.PublishWait(ctx, bus.Event{
		Kind:      bus.KindTransportReport,
		Timestamp: time.Now(),
		Payload:   r,
	}); err != nil {
		h.logger.Warn("receipt not relayed", zap.String("party", r.Party), zap.Strings("handles", r.Handles), zap.Error(err))
	}
}
