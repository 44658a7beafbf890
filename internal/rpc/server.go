// Package rpc streams registration searches over gRPC. The service is
// cpicp.v1.Registration with one server-streaming method, Search, whose
// request is a registration.Request and whose responses are
// registration.Events, both carried as google.protobuf.Struct.
package rpc

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/monitoring"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/registration"
)

const (
	ServiceName  = "cpicp.v1.Registration"
	searchMethod = "/" + ServiceName + "/Search"

	// Rounds carry whole clouds, well past the 4MB gRPC default.
	maxMsgSize = 16 * 1024 * 1024
)

// searchServer is the handler type checked by grpc.RegisterService.
type searchServer interface {
	Search(req *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*searchServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Search",
			Handler:       searchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "cpicp/v1/registration.proto",
}

func searchHandler(srv any, stream grpc.ServerStream) error {
	req := &structpb.Struct{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(searchServer).Search(req, stream)
}

// Ensure Server implements the service handler.
var _ searchServer = (*Server)(nil)

// Server serves searches from a registration.Searcher.
type Server struct {
	searcher registration.Searcher
	grpc     *grpc.Server
}

// NewServer creates a gRPC server with the Registration service registered.
func NewServer(searcher registration.Searcher, opts ...grpc.ServerOption) *Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	}, opts...)
	s := &Server{searcher: searcher, grpc: grpc.NewServer(opts...)}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	monitoring.Logf("[gRPC] listening on %s", lis.Addr())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop waits for open streams to finish, forcing them closed once ctx ends.
func (s *Server) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
		<-done
	}
	monitoring.Logf("[gRPC] server stopped")
}

// Search implements the streaming RPC. Fatal search errors travel as
// failed events; only a bad request or a dropped stream ends the call with
// a gRPC error.
func (s *Server) Search(msg *structpb.Struct, stream grpc.ServerStream) error {
	var req registration.Request
	if err := fromStruct(msg, &req); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	if err := req.Validate(); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	ctx := stream.Context()
	start := time.Now()
	monitoring.Logf("[gRPC] search %s -> %s np=%d started", req.SrcName, req.TgtName, req.NPMax)
	for ev := range s.searcher.Search(ctx, req) {
		out, err := toStruct(ev)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.SendMsg(out); err != nil {
			monitoring.Logf("[gRPC] send error: %v", err)
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		monitoring.Logf("[gRPC] search %s -> %s cancelled", req.SrcName, req.TgtName)
		return status.FromContextError(err).Err()
	}
	monitoring.Logf("[gRPC] search %s -> %s finished in %v", req.SrcName, req.TgtName, time.Since(start).Round(time.Millisecond))
	return nil
}
