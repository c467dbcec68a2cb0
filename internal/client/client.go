// Package client talks to a running relayd over its control socket.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/relay/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := api.ToStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return api.FromStruct(out, resp)
}

func (c *Client) GetStatus(ctx context.Context) (*api.Status, error) {
	var st api.Status
	if err := c.invoke(ctx, api.MethodGetStatus, struct{}{}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) ListParties(ctx context.Context) ([]api.Party, error) {
	var out api.PartyList
	if err := c.invoke(ctx, api.MethodListParties, struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.Parties, nil
}

func (c *Client) ListMessages(ctx context.Context, party string) ([]api.Message, error) {
	var out api.MessageList
	if err := c.invoke(ctx, api.MethodListMessages, api.PartyRequest{Party: party}, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) SendText(ctx context.Context, party, text string) (*api.SendResult, error) {
	var out api.SendResult
	if err := c.invoke(ctx, api.MethodSendText, api.SendRequest{Party: party, Text: text}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteMessage(ctx context.Context, id int64) error {
	return c.invoke(ctx, api.MethodDeleteMessage, api.DeleteRequest{ID: id}, nil)
}

func (c *Client) ClearConversation(ctx context.Context, party string) (*api.ClearResult, error) {
	var out api.ClearResult
	if err := c.invoke(ctx, api.MethodClearConversation, api.PartyRequest{Party: party}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stream reads values of one server-streaming call.
type Stream[T any] struct {
	stream grpc.ClientStream
}

// Recv returns the next value, or io.EOF when the server ended the stream.
func (s *Stream[T]) Recv() (T, error) {
	var v T
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return v, err
	}
	err := api.FromStruct(msg, &v)
	return v, err
}

func openStream[T any](ctx context.Context, c *Client, method string, req any) (*Stream[T], error) {
	desc := api.StreamDesc(method)
	if desc == nil {
		return nil, errors.New("unknown stream " + method)
	}
	in, err := api.ToStruct(req)
	if err != nil {
		return nil, err
	}
	cs, err := c.conn.NewStream(ctx, desc, api.FullMethod(method))
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(in); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &Stream[T]{stream: cs}, nil
}

// WatchEvents streams daemon events whose kind starts with prefix.
func (c *Client) WatchEvents(ctx context.Context, prefix string) (*Stream[api.Event], error) {
	return openStream[api.Event](ctx, c, api.MethodWatchEvents, api.WatchRequest{Prefix: prefix})
}

// StartPairing streams pairing codes until the flow ends.
func (c *Client) StartPairing(ctx context.Context) (*Stream[api.PairingStep], error) {
	return openStream[api.PairingStep](ctx, c, api.MethodStartPairing, struct{}{})
}

// IsEOF reports whether err marks the normal end of a stream.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
