package quantfolio

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

var watchStreamDesc = grpc.StreamDesc{
	StreamName:    WatchStatusStream,
	ServerStreams: true,
}

// Client talks to a quantfolio-trader status service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for addr. Without options the connection is
// unencrypted.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Status returns the latest published status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, GetStatusMethod, &emptypb.Empty{}, out); err != nil {
		return Status{}, fmt.Errorf("GetStatus: %w", err)
	}
	var s Status
	err := Decode(out, &s)
	return s, err
}

// Watch streams status snapshots to fn, starting with the latest one. It
// blocks until ctx is cancelled, the server ends the stream, or fn returns an
// error.
func (c *Client) Watch(ctx context.Context, fn func(Status) error) error {
	stream, err := c.conn.NewStream(ctx, &watchStreamDesc, WatchStatusMethod)
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	x := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: stream}
	if err := x.SendMsg(&emptypb.Empty{}); err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	if err := x.CloseSend(); err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}

	for {
		msg, err := x.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving status: %w", err)
		}
		var s Status
		if err := Decode(msg, &s); err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
	}
}

// Orders returns journaled orders, newest first.
func (c *Client) Orders(ctx context.Context, fundID string, limit int) ([]Order, error) {
	var out OrderList
	if err := c.call(ctx, ListOrdersMethod, ListRequest{FundID: fundID, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

// Signals returns journaled consensus changes, newest first.
func (c *Client) Signals(ctx context.Context, fundID string, limit int) ([]Signal, error) {
	var out SignalList
	if err := c.call(ctx, ListSignalsMethod, ListRequest{FundID: fundID, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out.Signals, nil
}

// StartFund starts a fund.
func (c *Client) StartFund(ctx context.Context, fundID string) error {
	return c.control(ctx, fundID, FundActionStart)
}

// StopFund stops a fund.
func (c *Client) StopFund(ctx context.Context, fundID string) error {
	return c.control(ctx, fundID, FundActionStop)
}

func (c *Client) control(ctx context.Context, fundID, action string) error {
	in, err := Encode(FundControl{FundID: fundID, Action: action})
	if err != nil {
		return err
	}
	if err := c.conn.Invoke(ctx, ControlFundMethod, in, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("ControlFund: %w", err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := Encode(req)
	if err != nil {
		return err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return Decode(out, resp)
}
