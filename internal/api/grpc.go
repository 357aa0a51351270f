package api

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"quantfolio/internal/portfolio"
	"quantfolio/internal/store"
	"quantfolio/pkg/quantfolio"
)

// StatusServer is the server API of the status service.
type StatusServer interface {
	GetStatus(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	WatchStatus(in *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error
	ListOrders(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ListSignals(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ControlFund(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
}

// FundController starts and stops funds.
type FundController interface {
	StartFund(id string) error
	StopFund(id string) error
}

// StatusService implements StatusServer over a Hub, the journals and a fund
// controller. Journals and controller are optional; calls that need a missing
// one fail with Unimplemented.
type StatusService struct {
	hub     *Hub
	orders  store.OrderJournal
	signals store.SignalStore
	funds   FundController
	log     *slog.Logger
}

var _ StatusServer = (*StatusService)(nil)

// NewStatusService creates a StatusService.
func NewStatusService(hub *Hub, orders store.OrderJournal, signals store.SignalStore, funds FundController, log *slog.Logger) *StatusService {
	return &StatusService{
		hub:     hub,
		orders:  orders,
		signals: signals,
		funds:   funds,
		log:     log.With("component", "status-service"),
	}
}

// RegisterGRPC registers the service on the given gRPC server instance.
func (s *StatusService) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&StatusServiceDesc, s)
}

// GetStatus returns the latest status.
func (s *StatusService) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, ok := s.hub.Latest()
	if !ok {
		return nil, grpcstatus.Error(codes.Unavailable, "no status published yet")
	}
	return encode(st)
}

// WatchStatus sends the latest status, then streams new ones as they are
// published. The stream ends when the client disconnects.
func (s *StatusService) WatchStatus(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	// Subscribe before sending the snapshot so nothing published in
	// between is lost.
	subID, ch := s.hub.Subscribe(quantfolio.DefaultWatchBuffer)
	defer s.hub.Unsubscribe(subID)

	if st, ok := s.hub.Latest(); ok {
		if err := send(stream, st); err != nil {
			return err
		}
	}

	s.log.Info("grpc client subscribed", "subID", subID)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("grpc client disconnected", "subID", subID)
			return nil
		case st, ok := <-ch:
			if !ok {
				return nil
			}
			if err := send(stream, st); err != nil {
				return err
			}
		}
	}
}

// ListOrders returns journaled orders, newest first.
func (s *StatusService) ListOrders(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.orders == nil {
		return nil, grpcstatus.Error(codes.Unimplemented, "order journal not configured")
	}
	req, err := listRequest(in)
	if err != nil {
		return nil, err
	}
	recs, err := s.orders.ListOrders(ctx, req.FundID, req.Limit)
	if err != nil {
		s.log.Error("listing orders failed", "error", err)
		return nil, grpcstatus.Error(codes.Internal, err.Error())
	}
	out := quantfolio.OrderList{Orders: make([]quantfolio.Order, 0, len(recs))}
	for _, r := range recs {
		out.Orders = append(out.Orders, quantfolio.Order{
			ID:           r.ID,
			FundID:       r.FundID,
			Security:     r.Security.String(),
			Type:         r.Type,
			State:        r.State,
			Quantity:     r.Quantity,
			LimitPrice:   r.LimitPrice,
			StopPrice:    r.StopPrice,
			FilledQty:    r.FilledQty,
			AvgFillPrice: r.AvgFillPrice,
			BrokerID:     r.BrokerID,
			Comment:      r.Comment,
			CreatedAt:    r.CreatedAt.UTC(),
			UpdatedAt:    r.UpdatedAt.UTC(),
		})
	}
	return encode(out)
}

// ListSignals returns journaled consensus changes, newest first.
func (s *StatusService) ListSignals(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.signals == nil {
		return nil, grpcstatus.Error(codes.Unimplemented, "signal journal not configured")
	}
	req, err := listRequest(in)
	if err != nil {
		return nil, err
	}
	recs, err := s.signals.ListSignals(ctx, req.FundID, req.Limit)
	if err != nil {
		s.log.Error("listing signals failed", "error", err)
		return nil, grpcstatus.Error(codes.Internal, err.Error())
	}
	out := quantfolio.SignalList{Signals: make([]quantfolio.Signal, 0, len(recs))}
	for _, r := range recs {
		out.Signals = append(out.Signals, quantfolio.Signal{
			FundID:   r.FundID,
			Security: r.Security.String(),
			State:    r.State.String(),
			Time:     r.Time.UTC(),
		})
	}
	return encode(out)
}

// ControlFund starts or stops a fund.
func (s *StatusService) ControlFund(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if s.funds == nil {
		return nil, grpcstatus.Error(codes.Unimplemented, "fund control not configured")
	}
	var req quantfolio.FundControl
	if err := quantfolio.Decode(in, &req); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}

	var err error
	switch req.Action {
	case quantfolio.FundActionStart:
		err = s.funds.StartFund(req.FundID)
	case quantfolio.FundActionStop:
		err = s.funds.StopFund(req.FundID)
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown action %q", req.Action)
	}
	switch {
	case errors.Is(err, portfolio.ErrFundNotFound):
		return nil, grpcstatus.Error(codes.NotFound, err.Error())
	case err != nil:
		return nil, grpcstatus.Error(codes.FailedPrecondition, err.Error())
	}
	s.log.Info("fund control", "fund", req.FundID, "action", req.Action)
	return &emptypb.Empty{}, nil
}

func listRequest(in *structpb.Struct) (quantfolio.ListRequest, error) {
	var req quantfolio.ListRequest
	if err := quantfolio.Decode(in, &req); err != nil {
		return req, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if req.Limit <= 0 {
		req.Limit = quantfolio.DefaultListLimit
	}
	return req, nil
}

func encode(v any) (*structpb.Struct, error) {
	st, err := quantfolio.Encode(v)
	if err != nil {
		return nil, grpcstatus.Error(codes.Internal, err.Error())
	}
	return st, nil
}

func send(stream grpc.ServerStreamingServer[structpb.Struct], st quantfolio.Status) error {
	msg, err := encode(st)
	if err != nil {
		return err
	}
	return stream.Send(msg)
}

// ---------------------------------------------------------------------------
// Service descriptor
// ---------------------------------------------------------------------------

// StatusServiceDesc describes the status service for grpc.Server.
var StatusServiceDesc = grpc.ServiceDesc{
	ServiceName: quantfolio.ServiceName,
	HandlerType: (*StatusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: getStatusHandler},
		{MethodName: "ListOrders", Handler: listOrdersHandler},
		{MethodName: "ListSignals", Handler: listSignalsHandler},
		{MethodName: "ControlFund", Handler: controlFundHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    quantfolio.WatchStatusStream,
			Handler:       watchStatusHandler,
			ServerStreams: true,
		},
	},
}

func unary[Req any, Res any](
	method string,
	call func(StatusServer, context.Context, *Req) (*Res, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(StatusServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(StatusServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	getStatusHandler   = unary(quantfolio.GetStatusMethod, StatusServer.GetStatus)
	listOrdersHandler  = unary(quantfolio.ListOrdersMethod, StatusServer.ListOrders)
	listSignalsHandler = unary(quantfolio.ListSignalsMethod, StatusServer.ListSignals)
	controlFundHandler = unary(quantfolio.ControlFundMethod, StatusServer.ControlFund)
)

func watchStatusHandler(srv any, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(StatusServer).WatchStatus(m, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}
