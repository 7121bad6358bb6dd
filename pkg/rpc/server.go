package rpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	"github.com/cuemby/hummock/pkg/manager"
	"github.com/cuemby/hummock/pkg/security"
	"github.com/cuemby/hummock/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// ServiceName is the fully qualified gRPC service name used both at
// registration and by clients constructing method paths.
const ServiceName = "hummock.meta.v1.HummockMeta"

// ServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would generate from a .proto file describing the same RPCs.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CommitEpoch", Handler: commitEpochHandler},
		{MethodName: "PinVersion", Handler: pinVersionHandler},
		{MethodName: "UnpinVersion", Handler: unpinVersionHandler},
		{MethodName: "UnpinVersionBefore", Handler: unpinVersionBeforeHandler},
		{MethodName: "PinSnapshot", Handler: pinSnapshotHandler},
		{MethodName: "UnpinSnapshotBefore", Handler: unpinSnapshotBeforeHandler},
		{MethodName: "GetNewSstIds", Handler: getNewSstIdsHandler},
		{MethodName: "ReportCompactionTask", Handler: reportCompactionTaskHandler},
		{MethodName: "TriggerManualCompaction", Handler: triggerManualCompactionHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeCompactTasks",
			Handler:       subscribeCompactTasksHandler,
			ServerStreams: true,
		},
	},
	Metadata: "hummock/meta.proto",
}

func commitEpochHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CommitEpochRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Service).CommitEpoch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/CommitEpoch"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Service).CommitEpoch(ctx, req.(*CommitEpochRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func pinVersionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PinVersionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Service).PinVersion(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/PinVersion"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Service).PinVersion(ctx, req.(*PinVersionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func unpinVersionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(UnpinVersionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Service).UnpinVersion(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/UnpinVersion"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Service).UnpinVersion(ctx, req.(*UnpinVersionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func unpinVersionBeforeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(UnpinVersionBeforeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Service).UnpinVersionBefore(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/UnpinVersionBefore"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Service).UnpinVersionBefore(ctx, req.(*UnpinVersionBeforeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func pinSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PinSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Service).PinSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/PinSnapshot"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Service).PinSnapshot(ctx, req.(*PinSnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func unpinSnapshotBeforeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(UnpinSnapshotBeforeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Service).UnpinSnapshotBefore(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/UnpinSnapshotBefore"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Service).UnpinSnapshotBefore(ctx, req.(*UnpinSnapshotBeforeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getNewSstIdsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetNewSstIdsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Service).GetNewSstIds(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/GetNewSstIds"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Service).GetNewSstIds(ctx, req.(*GetNewSstIdsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func reportCompactionTaskHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReportCompactionTaskRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Service).ReportCompactionTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/ReportCompactionTask"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Service).ReportCompactionTask(ctx, req.(*ReportCompactionTaskRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func triggerManualCompactionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(TriggerManualCompactionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Service).TriggerManualCompaction(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/TriggerManualCompaction"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Service).TriggerManualCompaction(ctx, req.(*TriggerManualCompactionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeCompactTasksHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(SubscribeCompactTasksRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*Service).SubscribeCompactTasks(in, &subscribeStream{stream})
}

// subscribeStream narrows a grpc.ServerStream to the Send method
// SubscribeCompactTasks needs, matching what protoc-gen-go-grpc would
// generate for a server-streaming RPC.
type subscribeStream struct {
	grpc.ServerStream
}

func (x *subscribeStream) Send(task *types.CompactTask) error {
	return x.ServerStream.SendMsg(task)
}

// Server hosts the rpc.Service behind mTLS, mirroring the certificate
// lookup and leader-fencing conventions of the wider control plane.
type Server struct {
	svc    *Service
	mgr    *manager.Manager
	grpc   *grpc.Server
	logger zerolog.Logger
}

// NewServer loads nodeID's certificate from disk (see pkg/security) and
// builds a gRPC server requiring mutual TLS from every caller.
func NewServer(mgr *manager.Manager, svc *Service, nodeType, nodeID string, logger zerolog.Logger) (*Server, error) {
	certDir, err := security.GetCertDir(nodeType, nodeID)
	if err != nil {
		return nil, fmt.Errorf("get cert directory: %w", err)
	}
	if !security.CertExists(certDir) {
		return nil, fmt.Errorf("certificate not found at %s - ensure cluster is initialized", certDir)
	}

	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("load CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	tlsConfig := &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}

	grpcServer := grpc.NewServer(grpc.Creds(credentials.NewTLS(tlsConfig)))
	grpcServer.RegisterService(&ServiceDesc, svc)

	return &Server{svc: svc, mgr: mgr, grpc: grpcServer, logger: logger.With().Str("component", "rpc-server").Logger()}, nil
}

// Start listens on addr and serves until Stop is called or the listener
// errors.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.logger.Info().Str("addr", addr).Msg("rpc server listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully drains in-flight RPCs, including open
// SubscribeCompactTasks streams.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
