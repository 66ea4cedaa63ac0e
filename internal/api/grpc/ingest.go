// Package grpc exposes the ingest buffer's Append over gRPC. Messages are
// protobuf well-known types, so producers need no generated stubs: the request
// is the raw event bytes and the reply a Struct acknowledging the stored candidate.
package grpc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	ferrors "github.com/factlog/factlog/internal/errors"
	"github.com/factlog/factlog/pkg/types"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "factlog.v1.IngestService"
	// AppendMethod is the full method path of Append.
	AppendMethod = "/" + ServiceName + "/Append"

	// Metadata keys read by Append.
	MetaSourceLane = "x-source-lane"
	MetaReceivedAt = "x-received-at"
	MetaRequestID  = "x-request-id"
)

// Appender is the write side of the ingest buffer.
type Appender interface {
	Append(ctx context.Context, sub types.Submission) (types.Candidate, error)
}

// IngestService is the server side of factlog.v1.IngestService.
type IngestService interface {
	Append(ctx context.Context, payload *wrapperspb.BytesValue) (*structpb.Struct, error)
}

// IngestServiceDesc describes factlog.v1.IngestService for grpc.Server.RegisterService.
var IngestServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IngestService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Append", Handler: appendHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "factlog/v1/ingest.proto",
}

func appendHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IngestService).Append(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AppendMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IngestService).Append(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// IngestServer implements IngestService on top of a buffer.
type IngestServer struct {
	buf    Appender
	logger *zap.Logger
}

// NewIngestServer creates a new gRPC ingest server.
func NewIngestServer(buf Appender, logger *zap.Logger) *IngestServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestServer{buf: buf, logger: logger.Named("grpc")}
}

// Append stores the payload bytes as one candidate. An empty payload is
// rejected here; anything else is stored and judged by the pipeline later.
func (s *IngestServer) Append(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	requestID := extractRequestID(ctx)

	if len(in.GetValue()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "payload is required")
	}

	sub := types.Submission{Payload: in.GetValue(), SourceLane: metaValue(ctx, MetaSourceLane)}
	if v := metaValue(ctx, MetaReceivedAt); v != "" {
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "%s must be RFC 3339: %v", MetaReceivedAt, err)
		}
		sub.ReceivedAt = at
	}

	c, err := s.buf.Append(ctx, sub)
	if err != nil {
		s.logger.Warn("append failed", zap.Error(err), zap.String("request_id", requestID))
		return nil, toStatus(err)
	}

	return structpb.NewStruct(map[string]interface{}{
		"lsn":          float64(c.LSN),
		"candidate_id": c.CandidateID,
		"source_lane":  c.SourceLane,
		"received_at":  c.ReceivedAt.UTC().Format(time.RFC3339Nano),
		"request_id":   requestID,
	})
}

// NewServer builds a grpc.Server with the ingest and health services registered.
func NewServer(buf Appender, maxMsgBytes int, logger *zap.Logger) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(RecoveryInterceptor(logger), LoggingInterceptor(logger))}
	if maxMsgBytes > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(maxMsgBytes))
	}
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&IngestServiceDesc, NewIngestServer(buf, logger))

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv
}

// RecoveryInterceptor turns a handler panic into codes.Internal.
func RecoveryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("grpc handler panic", zap.Any("panic", rec), zap.String("method", info.FullMethod))
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// LoggingInterceptor logs failed calls.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Warn("grpc call failed",
				zap.String("method", info.FullMethod),
				zap.String("code", status.Code(err).String()),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))
		}
		return resp, err
	}
}

// IngestClient calls factlog.v1.IngestService.
type IngestClient struct {
	cc grpc.ClientConnInterface
}

// NewIngestClient wraps a client connection.
func NewIngestClient(cc grpc.ClientConnInterface) *IngestClient {
	return &IngestClient{cc: cc}
}

// Append sends one payload. Lane and receipt time travel as metadata.
func (c *IngestClient) Append(ctx context.Context, payload []byte, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, AppendMethod, wrapperspb.Bytes(payload), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// toStatus maps a factlog error onto a gRPC status.
func toStatus(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	switch ferrors.GetCategory(err) {
	case ferrors.ErrCategoryValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case ferrors.ErrCategoryStorage:
		switch ferrors.GetCode(err) {
		case ferrors.CodeCircuitOpen, ferrors.CodeAppendFailed:
			return status.Error(codes.Unavailable, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// extractRequestID gets the request ID from metadata or generates a new one.
func extractRequestID(ctx context.Context) string {
	if id := metaValue(ctx, MetaRequestID); id != "" {
		return id
	}
	return uuid.New().String()
}

func metaValue(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
