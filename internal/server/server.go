// Package server exposes a running bridge over gRPC for the admin CLI.
//
// The service is described by hand on top of the protobuf well-known types:
// requests and replies are google.protobuf.Struct or google.protobuf.Empty,
// so no generated code is needed on either side.
package server

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	bridgeerrors "github.com/ChuLiYu/fieldbus-bridge/internal/errors"
	"github.com/ChuLiYu/fieldbus-bridge/internal/jobmanager"
	"github.com/ChuLiYu/fieldbus-bridge/internal/mapper"
	"github.com/ChuLiYu/fieldbus-bridge/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "fieldbus.v1.BridgeAdmin"

// Bridge is the part of the bridge the admin service drives.
type Bridge interface {
	GetStatus() map[string]interface{}
	Jobs() []jobmanager.ReadJob
	ScheduleRead(addr types.GroupAddress, interval time.Duration) error
	UnscheduleRead(addr types.GroupAddress) error
	WriteValue(ctx context.Context, addr types.GroupAddress, v mapper.Value, dpt mapper.DPT) bool
}

// AdminServer is the service implemented by Server.
type AdminServer interface {
	GetStatus(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	ListJobs(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	ScheduleRead(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
	UnscheduleRead(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
	WriteValue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// Server implements AdminServer.
type Server struct {
	bridge Bridge
}

// NewServer creates an admin server for b.
func NewServer(b Bridge) *Server {
	return &Server{bridge: b}
}

// Register attaches srv to a gRPC server.
func Register(g *grpc.Server, srv AdminServer) {
	g.RegisterService(&serviceDesc, srv)
}

// GetStatus returns the bridge summary.
func (s *Server) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(s.bridge.GetStatus())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

// ListJobs returns the scheduled reads, earliest first.
func (s *Server) ListJobs(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	jobs := s.bridge.Jobs()
	list := make([]interface{}, 0, len(jobs))
	for _, j := range jobs {
		list = append(list, map[string]interface{}{
			"address":          j.Address.String(),
			"interval_seconds": j.Interval.Seconds(),
			"periodic":         j.Periodic(),
			"budget":           j.Budget,
			"due":              j.Due.Format(time.RFC3339),
		})
	}
	out, err := structpb.NewStruct(map[string]interface{}{"jobs": list})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode jobs: %v", err)
	}
	return out, nil
}

// ScheduleRead expects {address, interval_seconds}.
func (s *Server) ScheduleRead(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	addr, err := addressField(in)
	if err != nil {
		return nil, err
	}
	secs := in.GetFields()["interval_seconds"].GetNumberValue()
	if secs < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "interval_seconds must not be negative")
	}
	interval := time.Duration(secs * float64(time.Second))
	if err := s.bridge.ScheduleRead(addr, interval); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// UnscheduleRead expects {address}.
func (s *Server) UnscheduleRead(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	addr, err := addressField(in)
	if err != nil {
		return nil, err
	}
	if err := s.bridge.UnscheduleRead(addr); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// WriteValue expects {address, kind, value, dpt} and replies {sent}. The
// dpt may be empty to use the default of the kind.
func (s *Server) WriteValue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	addr, err := addressField(in)
	if err != nil {
		return nil, err
	}
	fields := in.GetFields()
	kind, err := types.ParseCommandKind(fields["kind"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	v, err := mapper.ParseValue(kind, fields["value"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	var dpt mapper.DPT
	if raw := fields["dpt"].GetStringValue(); raw != "" {
		if dpt, err = mapper.ParseDPT(raw); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}

	sent := s.bridge.WriteValue(ctx, addr, v, dpt)
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"sent": structpb.NewBoolValue(sent),
	}}, nil
}

func addressField(in *structpb.Struct) (types.GroupAddress, error) {
	raw := in.GetFields()["address"].GetStringValue()
	addr, err := types.ParseGroupAddress(raw)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "address %q: %v", raw, err)
	}
	return addr, nil
}

// toStatus maps bridge error categories onto gRPC codes.
func toStatus(err error) error {
	switch {
	case bridgeerrors.Is(err, bridgeerrors.ErrNoJob):
		return status.Error(codes.NotFound, err.Error())
	case bridgeerrors.Is(err, bridgeerrors.ErrShutdown):
		return status.Error(codes.Unavailable, err.Error())
	case bridgeerrors.IsConfiguration(err), bridgeerrors.IsEncoding(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case bridgeerrors.IsTransport(err):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// ============================================================================
// Service description
// ============================================================================

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", func() proto.Message { return &emptypb.Empty{} },
			func(s AdminServer, ctx context.Context, in proto.Message) (interface{}, error) {
				return s.GetStatus(ctx, in.(*emptypb.Empty))
			}),
		unary("ListJobs", func() proto.Message { return &emptypb.Empty{} },
			func(s AdminServer, ctx context.Context, in proto.Message) (interface{}, error) {
				return s.ListJobs(ctx, in.(*emptypb.Empty))
			}),
		unary("ScheduleRead", func() proto.Message { return &structpb.Struct{} },
			func(s AdminServer, ctx context.Context, in proto.Message) (interface{}, error) {
				return s.ScheduleRead(ctx, in.(*structpb.Struct))
			}),
		unary("UnscheduleRead", func() proto.Message { return &structpb.Struct{} },
			func(s AdminServer, ctx context.Context, in proto.Message) (interface{}, error) {
				return s.UnscheduleRead(ctx, in.(*structpb.Struct))
			}),
		unary("WriteValue", func() proto.Message { return &structpb.Struct{} },
			func(s AdminServer, ctx context.Context, in proto.Message) (interface{}, error) {
				return s.WriteValue(ctx, in.(*structpb.Struct))
			}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fieldbus/v1/admin.proto",
}

type callFunc func(s AdminServer, ctx context.Context, in proto.Message) (interface{}, error)

func unary(method string, newReq func() proto.Message, call callFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(AdminServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(s, ctx, req.(proto.Message))
			})
		},
	}
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ============================================================================
// Client
// ============================================================================

// Client calls a remote admin service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for target (host:port). The connection is
// established lazily on the first call.
func Dial(target string) (*Client, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// GetStatus returns the bridge summary. Numbers arrive as float64.
func (c *Client) GetStatus(ctx context.Context) (map[string]interface{}, error) {
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, fullMethod("GetStatus"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// ListJobs returns the scheduled reads as generic maps.
func (c *Client) ListJobs(ctx context.Context) ([]interface{}, error) {
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, fullMethod("ListJobs"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	jobs, _ := out.AsMap()["jobs"].([]interface{})
	return jobs, nil
}

// ScheduleRead schedules a read of address; interval 0 reads once.
func (c *Client) ScheduleRead(ctx context.Context, address string, interval time.Duration) error {
	in, err := structpb.NewStruct(map[string]interface{}{
		"address":          address,
		"interval_seconds": interval.Seconds(),
	})
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, fullMethod("ScheduleRead"), in, &emptypb.Empty{})
}

// UnscheduleRead drops the read job of address.
func (c *Client) UnscheduleRead(ctx context.Context, address string) error {
	in, err := structpb.NewStruct(map[string]interface{}{"address": address})
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, fullMethod("UnscheduleRead"), in, &emptypb.Empty{})
}

// WriteValue writes the text form of a value of kind to address and
// reports whether the telegram left the bridge.
func (c *Client) WriteValue(ctx context.Context, address, kind, value, dpt string) (bool, error) {
	in, err := structpb.NewStruct(map[string]interface{}{
		"address": address,
		"kind":    kind,
		"value":   value,
		"dpt":     dpt,
	})
	if err != nil {
		return false, err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, fullMethod("WriteValue"), in, out); err != nil {
		return false, err
	}
	return out.GetFields()["sent"].GetBoolValue(), nil
}
