// Package rpc serves the engine as the gRPC service recall.v1.Recall.
//
// Every method takes and returns a google.protobuf.Struct whose fields match
// the websocket payloads, so no generated code is needed. The standard gRPC
// health service reports the service as SERVING.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/logging"
	"github.com/becomeliminal/nim-recall/server"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "recall.v1.Recall"

// RecallServer is the server API of recall.v1.Recall.
type RecallServer interface {
	Ingest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retrieve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Preferences(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Erase(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Links(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ConfirmLink(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RejectLink(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type method func(RecallServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call method) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RecallServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(RecallServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes recall.v1.Recall for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RecallServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Ingest", RecallServer.Ingest),
		unary("Retrieve", RecallServer.Retrieve),
		unary("Preferences", RecallServer.Preferences),
		unary("Erase", RecallServer.Erase),
		unary("Links", RecallServer.Links),
		unary("ConfirmLink", RecallServer.ConfirmLink),
		unary("RejectLink", RecallServer.RejectLink),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "recall/v1/recall.proto",
}

// Service implements RecallServer on top of the engine.
type Service struct {
	recall server.Recall
	log    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.log = logging.Component(l, "rpc")
	}
}

// NewService creates the service.
func NewService(recall server.Recall, opts ...Option) *Service {
	s := &Service{recall: recall, log: logging.Component(nil, "rpc")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ingest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, server.OpIngest, in)
}

func (s *Service) Retrieve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, server.OpRetrieve, in)
}

func (s *Service) Preferences(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, server.OpPreferences, in)
}

func (s *Service) Erase(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, server.OpErase, in)
}

func (s *Service) Links(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, server.OpLinks, in)
}

func (s *Service) ConfirmLink(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, server.OpConfirmLink, in)
}

func (s *Service) RejectLink(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, server.OpRejectLink, in)
}

func (s *Service) call(ctx context.Context, op string, in *structpb.Struct) (*structpb.Struct, error) {
	payload, err := json.Marshal(in.AsMap())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	result, err := server.Dispatch(ctx, s.recall, op, payload)
	if err != nil {
		st := toStatus(err)
		if st.Code() == codes.Internal || st.Code() == codes.Unavailable {
			s.log.Error("call failed", "op", op, "error", err)
		}
		return nil, st.Err()
	}
	out, err := toStruct(result)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func toStatus(err error) *status.Status {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return status.New(codes.NotFound, err.Error())
	case errors.Is(err, core.ErrInvalidInput):
		return status.New(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	case core.IsTransient(err):
		return status.New(codes.Unavailable, err.Error())
	}
	return status.New(codes.Internal, err.Error())
}

// NewServer returns a grpc.Server with the recall and health services
// registered.
func NewServer(svc RecallServer, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&ServiceDesc, svc)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv
}

// Serve runs srv on addr until ctx is cancelled.
func Serve(ctx context.Context, srv *grpc.Server, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		srv.GracefulStop()
		return nil
	}
}

// Client calls recall.v1.Recall.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, name string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+name, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Ingest(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Ingest", in, opts...)
}

func (c *Client) Retrieve(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Retrieve", in, opts...)
}

func (c *Client) Preferences(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Preferences", in, opts...)
}

func (c *Client) Erase(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Erase", in, opts...)
}

func (c *Client) Links(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Links", in, opts...)
}

func (c *Client) ConfirmLink(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ConfirmLink", in, opts...)
}

func (c *Client) RejectLink(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "RejectLink", in, opts...)
}

var _ RecallServer = (*Service)(nil)
