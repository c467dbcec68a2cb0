// Package relay reconciles message status between the store, the operator
// connections and the chat transport.
//
// Every operation commits to the store first and only then notifies: a push
// or bus event is never produced for a write that failed. Commits and their
// pushes are serialized per party; transport calls run outside that section.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/dispatch"
	"github.com/matheus3301/relay/internal/media"
	"github.com/matheus3301/relay/internal/metrics"
	"github.com/matheus3301/relay/internal/status"
	"github.com/matheus3301/relay/internal/store"
	"github.com/matheus3301/relay/internal/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrNotFound         = store.ErrNotFound
	ErrEmptyMessage     = store.ErrEmptyMessage
	ErrInvalidMediaKind = store.ErrInvalidMediaKind
	// ErrDeliveryFailed wraps the transport error of a send that was
	// recorded as failed.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Store is the persistence the engine needs.
type Store interface {
	Create(ctx context.Context, n store.NewMessage) (*store.Message, error)
	Get(ctx context.Context, id int64) (*store.Message, error)
	FindByHandle(ctx context.Context, party, handle string) (*store.Message, error)
	RepliedSince(ctx context.Context, party string, id int64) (bool, error)
	ListByParty(ctx context.Context, party string) ([]store.Message, error)
	ListParties(ctx context.Context) ([]store.Party, error)
	SetStatus(ctx context.Context, id int64, to status.Status) (bool, error)
	MarkDelivered(ctx context.Context, id int64, handle, mediaRef string) (*store.Message, bool, error)
	BulkMarkDeleted(ctx context.Context, party string) ([]status.Change, error)
	MarkOperatorMessagesRead(ctx context.Context, party string) ([]status.Change, error)
}

// Notifier pushes events to operator connections.
type Notifier interface {
	Unicast(ctx context.Context, party string, event any) bool
	Broadcast(ctx context.Context, event any) error
}

// Outbound is an operator message to send.
type Outbound struct {
	Text      string
	MediaKind media.Kind
	MediaRef  string
}

// ClearResult reports the outcome of clearing a conversation.
type ClearResult struct {
	// Deleted lists the ids moved to deleted.
	Deleted []int64
	// TransportErr aggregates remote delete failures. They never abort a clear.
	TransportErr error
}

// Engine drives the message status state machine.
type Engine struct {
	store     Store
	push      Notifier
	transport transport.Transport
	bus       *bus.Bus
	operator  string
	logger    *zap.Logger
	parties   partyLocks

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a relay engine. operator is the sender name recorded on
// operator messages.
func NewEngine(st Store, push Notifier, tr transport.Transport, b *bus.Bus, operator string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     st,
		push:      push,
		transport: tr,
		bus:       b,
		operator:  operator,
		logger:    logger.Named("relay"),
	}
}

// Start subscribes to inbound messages and delivery reports on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.SubscribeReliable("transport.", 256)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch p := evt.Payload.(type) {
	case transport.Inbound:
		if _, err := e.HandleInbound(ctx, p); err != nil {
			e.logger.Error("failed to relay inbound message", zap.Error(err), zap.String("party", p.Party))
		}
	case *transport.Inbound:
		if _, err := e.HandleInbound(ctx, *p); err != nil {
			e.logger.Error("failed to relay inbound message", zap.Error(err), zap.String("party", p.Party))
		}
	case transport.Report:
		if err := e.HandleReport(ctx, p); err != nil {
			e.logger.Error("failed to apply delivery report", zap.Error(err), zap.String("party", p.Party))
		}
	}
}

func (e *Engine) publish(kind string, payload any) {
	if e.bus != nil {
		e.bus.Publish(bus.Event{Kind: kind, Payload: payload})
	}
}

// notify announces one committed transition.
func (e *Engine) notify(ctx context.Context, c status.Change) {
	metrics.StatusTransitions.WithLabelValues(string(c.To)).Inc()
	e.push.Unicast(ctx, c.PartyID, dispatch.NewStatusUpdate(c.MessageID, c.To))
	e.publish(bus.KindStatusChanged, c)
}

func (e *Engine) created(ctx context.Context, m *store.Message) {
	e.publish(bus.KindMessageCreated, m)
	e.push.Unicast(ctx, m.PartyID, dispatch.NewMessageEvent(m))
}

// normalize validates an outbound message and fills the media kind.
func normalize(out Outbound) (Outbound, error) {
	out.Text = strings.TrimSpace(out.Text)
	out.MediaRef = strings.TrimSpace(out.MediaRef)
	if out.Text == "" && out.MediaRef == "" {
		return out, ErrEmptyMessage
	}
	if out.MediaRef == "" {
		out.MediaKind = ""
		return out, nil
	}
	kind, err := media.Parse(string(out.MediaKind))
	if err != nil {
		return out, fmt.Errorf("%w: %q", ErrInvalidMediaKind, out.MediaKind)
	}
	out.MediaKind = kind
	return out, nil
}

// Send persists an operator message, pushes it to the party's console and
// hands it to the transport. The outcome is recorded as delivered or failed
// and pushed as a status update. A failed send is never retried; the returned
// message then carries status failed and the error wraps ErrDeliveryFailed.
func (e *Engine) Send(ctx context.Context, party string, out Outbound) (*store.Message, error) {
	// The operator connection may go away mid-send; the outcome still has
	// to be recorded.
	ctx = context.WithoutCancel(ctx)

	out, err := normalize(out)
	if err != nil {
		return nil, err
	}

	unlock := e.parties.lock(party)
	m, err := e.store.Create(ctx, store.NewMessage{
		PartyID:      party,
		SenderName:   e.operator,
		FromOperator: true,
		Text:         out.Text,
		MediaRef:     out.MediaRef,
		MediaKind:    out.MediaKind,
	})
	if err != nil {
		unlock()
		return nil, fmt.Errorf("persist message: %w", err)
	}
	e.created(ctx, m)
	unlock()

	receipt, sendErr := e.transport.Send(ctx, party, transport.Content{
		Text:      m.Text,
		MediaKind: m.MediaKind,
		MediaRef:  m.MediaRef,
	})
	if sendErr != nil {
		e.logger.Warn("send failed",
			zap.Int64("msg_id", m.ID),
			zap.String("party", party),
			zap.String("kind", string(transport.KindOf(sendErr))),
			zap.Error(sendErr),
		)
		return e.recordFailure(ctx, m, sendErr)
	}

	updated, err := e.recordDelivery(ctx, m, receipt)
	if err != nil {
		return m, err
	}
	if updated.Status == status.Deleted && receipt.Handle != "" {
		// Deleted before the provider answered; take the remote copy down too.
		if err := e.transport.Delete(ctx, party, receipt.Handle); err != nil {
			e.logger.Warn("remote delete after late delivery failed", zap.Int64("msg_id", m.ID), zap.Error(err))
		}
	}
	e.logger.Info("message sent", zap.Int64("msg_id", updated.ID), zap.String("party", party), zap.String("handle", receipt.Handle))
	return updated, nil
}

func (e *Engine) recordFailure(ctx context.Context, m *store.Message, sendErr error) (*store.Message, error) {
	defer e.parties.lock(m.PartyID)()

	changed, err := e.store.SetStatus(ctx, m.ID, status.Failed)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Deleted while the send was in flight.
			return m, fmt.Errorf("%w: %w", ErrDeliveryFailed, sendErr)
		}
		return m, fmt.Errorf("record failed send: %w", err)
	}
	if changed {
		m.Status = status.Failed
		e.notify(ctx, status.Change{MessageID: m.ID, PartyID: m.PartyID, From: status.Sent, To: status.Failed})
	}
	return m, fmt.Errorf("%w: %w", ErrDeliveryFailed, sendErr)
}

func (e *Engine) recordDelivery(ctx context.Context, m *store.Message, receipt transport.Receipt) (*store.Message, error) {
	defer e.parties.lock(m.PartyID)()

	updated, changed, err := e.store.MarkDelivered(ctx, m.ID, receipt.Handle, receipt.MediaRef)
	if err != nil {
		return nil, fmt.Errorf("record delivery: %w", err)
	}
	if !changed {
		return updated, nil
	}
	e.notify(ctx, status.Change{MessageID: updated.ID, PartyID: m.PartyID, From: status.Sent, To: status.Delivered})

	// The party may have written back while the send was in flight.
	replied, err := e.store.RepliedSince(ctx, m.PartyID, m.ID)
	if err != nil {
		e.logger.Warn("read check after delivery failed", zap.Int64("msg_id", m.ID), zap.Error(err))
		return updated, nil
	}
	if !replied {
		return updated, nil
	}
	read, err := e.store.SetStatus(ctx, m.ID, status.Read)
	if err != nil {
		e.logger.Warn("mark read after delivery failed", zap.Int64("msg_id", m.ID), zap.Error(err))
		return updated, nil
	}
	if read {
		updated.Status = status.Read
		e.notify(ctx, status.Change{MessageID: updated.ID, PartyID: m.PartyID, From: status.Delivered, To: status.Read})
	}
	return updated, nil
}

// SendUpload stages a file with the transport and sends it as media with an
// optional caption. The media kind is detected from the content. Nothing is
// persisted when the upload fails.
func (e *Engine) SendUpload(ctx context.Context, party, fileName string, data []byte, caption string) (*store.Message, error) {
	ctx = context.WithoutCancel(ctx)
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}
	mime, kind := media.Detect(data)
	ref, err := e.transport.Upload(ctx, transport.Upload{
		Data:     data,
		Kind:     kind,
		FileName: fileName,
		MimeType: mime,
	})
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", fileName, err)
	}
	return e.Send(ctx, party, Outbound{Text: caption, MediaKind: kind, MediaRef: ref})
}

// HandleInbound persists a message from a party, pushes it to that party's
// console, tells every console about the activity and marks the operator's
// delivered messages to the party read. Messages still in flight are marked
// read once their delivery is recorded.
func (e *Engine) HandleInbound(ctx context.Context, in transport.Inbound) (*store.Message, error) {
	ctx = context.WithoutCancel(ctx)
	kind := in.MediaKind
	if in.MediaRef != "" && !kind.Valid() {
		kind = media.Document
	}
	defer e.parties.lock(in.Party)()

	m, err := e.store.Create(ctx, store.NewMessage{
		PartyID:    in.Party,
		SenderName: in.SenderName,
		Text:       strings.TrimSpace(in.Text),
		MediaRef:   in.MediaRef,
		MediaKind:  kind,
		Handle:     in.Handle,
	})
	if err != nil {
		return nil, fmt.Errorf("persist inbound message: %w", err)
	}
	metrics.InboundMessages.Inc()
	e.created(ctx, m)
	if err := e.push.Broadcast(ctx, dispatch.NewPartyActivity(m)); err != nil {
		e.logger.Debug("party activity broadcast incomplete", zap.Error(err))
	}

	changes, err := e.store.MarkOperatorMessagesRead(ctx, in.Party)
	if err != nil {
		return m, fmt.Errorf("mark read: %w", err)
	}
	for _, c := range changes {
		e.notify(ctx, c)
	}
	return m, nil
}

// Delete marks a message deleted and takes down its remote copy when the
// provider handle is known. A remote failure is logged and does not stop the
// local delete. Deleting an already deleted message is a no-op.
func (e *Engine) Delete(ctx context.Context, id int64) error {
	ctx = context.WithoutCancel(ctx)
	m, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if m == nil {
		return ErrNotFound
	}
	if m.Status.Terminal() {
		return nil
	}
	if m.Handle != "" {
		if err := e.transport.Delete(ctx, m.PartyID, m.Handle); err != nil {
			e.logger.Warn("remote delete failed", zap.Int64("msg_id", id), zap.Error(err))
		}
	}

	defer e.parties.lock(m.PartyID)()
	// The status may have moved while the remote delete ran.
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur == nil || cur.Status.Terminal() {
		return nil
	}
	changed, err := e.store.SetStatus(ctx, id, status.Deleted)
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	if changed {
		e.notify(ctx, status.Change{MessageID: id, PartyID: m.PartyID, From: cur.Status, To: status.Deleted})
	}
	return nil
}

// Clear deletes every message of a conversation. Remote deletes are best
// effort and collected into the result.
func (e *Engine) Clear(ctx context.Context, party string) (ClearResult, error) {
	ctx = context.WithoutCancel(ctx)
	msgs, err := e.store.ListByParty(ctx, party)
	if err != nil {
		return ClearResult{}, err
	}

	var res ClearResult
	for _, m := range msgs {
		if m.Status.Terminal() || m.Handle == "" {
			continue
		}
		if err := e.transport.Delete(ctx, party, m.Handle); err != nil {
			res.TransportErr = multierr.Append(res.TransportErr, fmt.Errorf("message %d: %w", m.ID, err))
		}
	}
	if res.TransportErr != nil {
		e.logger.Warn("remote deletes failed during clear", zap.String("party", party), zap.Error(res.TransportErr))
	}

	defer e.parties.lock(party)()
	changes, err := e.store.BulkMarkDeleted(ctx, party)
	if err != nil {
		return res, fmt.Errorf("mark deleted: %w", err)
	}
	res.Deleted = make([]int64, 0, len(changes))
	for _, c := range changes {
		res.Deleted = append(res.Deleted, c.MessageID)
		e.notify(ctx, c)
	}
	return res, nil
}

// HandleReport applies a provider receipt to the operator messages it names.
// Handles that match no operator message, and moves the state machine does
// not allow, are skipped.
func (e *Engine) HandleReport(ctx context.Context, r transport.Report) error {
	ctx = context.WithoutCancel(ctx)
	to := status.Delivered
	if r.Read {
		to = status.Read
	}
	defer e.parties.lock(r.Party)()

	var errs error
	for _, handle := range r.Handles {
		m, err := e.store.FindByHandle(ctx, r.Party, handle)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if m == nil || !m.FromOperator || !status.CanTransition(m.Status, to) {
			continue
		}
		changed, err := e.store.SetStatus(ctx, m.ID, to)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("message %d: %w", m.ID, err))
			continue
		}
		if changed {
			e.notify(ctx, status.Change{MessageID: m.ID, PartyID: r.Party, From: m.Status, To: to})
		}
	}
	return errs
}

// Conversation returns the messages exchanged with a party, oldest first.
func (e *Engine) Conversation(ctx context.Context, party string) ([]store.Message, error) {
	return e.store.ListByParty(ctx, party)
}

// Parties lists every party with a conversation.
func (e *Engine) Parties(ctx context.Context) ([]store.Party, error) {
	return e.store.ListParties(ctx)
}
