package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/registry"
	"github.com/matheus3301/relay/internal/relay"
	"github.com/matheus3301/relay/internal/store"
	"github.com/matheus3301/relay/internal/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Engine is the relay engine surface driven by the control API.
type Engine interface {
	Send(ctx context.Context, party string, out relay.Outbound) (*store.Message, error)
	Delete(ctx context.Context, id int64) error
	Clear(ctx context.Context, party string) (relay.ClearResult, error)
	Conversation(ctx context.Context, party string) ([]store.Message, error)
	Parties(ctx context.Context) ([]store.Party, error)
}

// Counter reports totals for GetStatus.
type Counter interface {
	Counts(ctx context.Context) (store.Counts, error)
}

// Deps are the collaborators of the control service. Link and Pairer are
// nil for transports without a persistent connection.
type Deps struct {
	Instance  string
	Transport string
	Engine    Engine
	Counter   Counter
	Registry  *registry.Registry
	Bus       *bus.Bus
	Link      transport.Link
	Pairer    transport.Pairer
	Logger    *zap.Logger
}

// Service implements ControlServer.
type Service struct {
	deps      Deps
	startedAt time.Time
	logger    *zap.Logger
}

// NewService creates the control service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{deps: d, startedAt: time.Now(), logger: d.Logger.Named("api")}
}

// grpcError maps engine errors to status codes.
func grpcError(op string, err error) error {
	switch {
	case errors.Is(err, relay.ErrNotFound):
		return grpcstatus.Errorf(codes.NotFound, "%s: %v", op, err)
	case errors.Is(err, relay.ErrEmptyMessage), errors.Is(err, relay.ErrInvalidMediaKind):
		return grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	default:
		return grpcstatus.Errorf(codes.Internal, "%s: %v", op, err)
	}
}

func decodeRequest(req *structpb.Struct, v any) error {
	if err := FromStruct(req, v); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	return nil
}

func reply(v any) (*structpb.Struct, error) {
	s, err := ToStruct(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "%v", err)
	}
	return s, nil
}

func (s *Service) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st := Status{
		Instance:  s.deps.Instance,
		Transport: s.deps.Transport,
		UptimeMs:  time.Since(s.startedAt).Milliseconds(),
	}
	if s.deps.Link != nil {
		st.LinkState = s.deps.Link.State()
	}
	if s.deps.Registry != nil {
		st.Connections = s.deps.Registry.Len()
	}
	if s.deps.Counter != nil {
		if c, err := s.deps.Counter.Counts(ctx); err == nil {
			st.Messages, st.Parties = c.Messages, c.Parties
		} else {
			s.logger.Warn("count messages", zap.Error(err))
		}
	}
	return reply(st)
}

func (s *Service) ListParties(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	parties, err := s.deps.Engine.Parties(ctx)
	if err != nil {
		return nil, grpcError("list parties", err)
	}
	out := PartyList{Parties: make([]Party, 0, len(parties))}
	for _, p := range parties {
		out.Parties = append(out.Parties, Party{
			ID:            p.ID,
			Name:          p.Name,
			LastMessageAt: p.LastMessageAt.UTC().Format(time.RFC3339),
			Messages:      p.Messages,
		})
	}
	return reply(out)
}

func (s *Service) ListMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var r PartyRequest
	if err := decodeRequest(req, &r); err != nil {
		return nil, err
	}
	if r.Party == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "party is required")
	}
	msgs, err := s.deps.Engine.Conversation(ctx, r.Party)
	if err != nil {
		return nil, grpcError("list messages", err)
	}
	out := MessageList{Messages: make([]Message, 0, len(msgs))}
	for i := range msgs {
		out.Messages = append(out.Messages, messageView(&msgs[i]))
	}
	return reply(out)
}

func (s *Service) SendText(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var r SendRequest
	if err := decodeRequest(req, &r); err != nil {
		return nil, err
	}
	if r.Party == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "party is required")
	}
	m, err := s.deps.Engine.Send(ctx, r.Party, relay.Outbound{Text: r.Text})
	if err != nil && !errors.Is(err, relay.ErrDeliveryFailed) {
		return nil, grpcError("send", err)
	}
	res := SendResult{Message: messageView(m), Delivered: err == nil}
	if err != nil {
		res.Error = err.Error()
	}
	return reply(res)
}

func (s *Service) DeleteMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var r DeleteRequest
	if err := decodeRequest(req, &r); err != nil {
		return nil, err
	}
	if err := s.deps.Engine.Delete(ctx, r.ID); err != nil {
		return nil, grpcError("delete", err)
	}
	return reply(map[string]any{"deleted": r.ID})
}

func (s *Service) ClearConversation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var r PartyRequest
	if err := decodeRequest(req, &r); err != nil {
		return nil, err
	}
	if r.Party == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "party is required")
	}
	res, err := s.deps.Engine.Clear(ctx, r.Party)
	if err != nil {
		return nil, grpcError("clear", err)
	}
	out := ClearResult{Deleted: res.Deleted}
	if out.Deleted == nil {
		out.Deleted = []int64{}
	}
	if res.TransportErr != nil {
		out.TransportError = res.TransportErr.Error()
	}
	return reply(out)
}

// WatchEvents streams bus events until the client goes away.
func (s *Service) WatchEvents(req *structpb.Struct, stream StructStream) error {
	var r WatchRequest
	if err := decodeRequest(req, &r); err != nil {
		return err
	}
	if s.deps.Bus == nil {
		return grpcstatus.Error(codes.Unavailable, "event bus not available")
	}
	ch, unsub := s.deps.Bus.Subscribe(r.Prefix, 64)
	defer unsub()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			out, err := eventView(evt)
			if err != nil {
				s.logger.Warn("encode event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			msg, err := reply(out)
			if err != nil {
				return err
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

func eventView(evt bus.Event) (Event, error) {
	payload := evt.Payload
	if m, ok := payload.(*store.Message); ok {
		payload = messageView(m)
	}
	out := Event{
		ID:        evt.ID,
		Kind:      evt.Kind,
		Timestamp: evt.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		out.Payload = data
	}
	return out, nil
}

// StartPairing relays pairing codes until the flow ends.
func (s *Service) StartPairing(_ *structpb.Struct, stream StructStream) error {
	if s.deps.Pairer == nil {
		return grpcstatus.Errorf(codes.FailedPrecondition, "transport %s does not pair devices", s.deps.Transport)
	}
	ch, err := s.deps.Pairer.Pair(stream.Context())
	if err != nil {
		if errors.Is(err, transport.ErrAlreadyPaired) {
			return grpcstatus.Errorf(codes.FailedPrecondition, "pair: %v", err)
		}
		return grpcstatus.Errorf(codes.Internal, "pair: %v", err)
	}
	for evt := range ch {
		msg, err := reply(PairingStep{Kind: evt.Kind, Code: evt.Code, Detail: evt.Detail})
		if err != nil {
			return err
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
	}
	return nil
}
