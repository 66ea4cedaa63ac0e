package grpc

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	ferrors "github.com/factlog/factlog/internal/errors"
	"github.com/factlog/factlog/internal/ingest"
	"github.com/factlog/factlog/pkg/types"
)

func dial(t *testing.T, buf Appender) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(buf, 1<<16, nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type failingBuffer struct{ err error }

func (f failingBuffer) Append(context.Context, types.Submission) (types.Candidate, error) {
	return types.Candidate{}, f.err
}

func TestAppend_StoresCandidate(t *testing.T) {
	wal, err := ingest.OpenWAL(filepath.Join(t.TempDir(), "wal"), 0)
	require.NoError(t, err)
	defer wal.Close()

	client := NewIngestClient(dial(t, wal))
	ctx := metadata.AppendToOutgoingContext(context.Background(),
		MetaSourceLane, "billing",
		MetaReceivedAt, "2026-05-04T10:00:00Z",
		MetaRequestID, "req-7")

	ack, err := client.Append(ctx, []byte(`{"action":"invoice.issued"}`))
	require.NoError(t, err)
	fields := ack.AsMap()
	assert.Equal(t, 1.0, fields["lsn"])
	assert.Equal(t, "billing", fields["source_lane"])
	assert.Equal(t, "2026-05-04T10:00:00Z", fields["received_at"])
	assert.Equal(t, "req-7", fields["request_id"])

	stored, err := wal.Scan(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, `{"action":"invoice.issued"}`, string(stored[0].Payload))
	assert.Equal(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC), stored[0].ReceivedAt.UTC())
}

func TestAppend_Errors(t *testing.T) {
	tests := []struct {
		name    string
		buf     Appender
		payload []byte
		md      []string
		want    codes.Code
	}{
		{"empty payload", failingBuffer{}, nil, nil, codes.InvalidArgument},
		{"bad receipt time", failingBuffer{}, []byte(`{}`), []string{MetaReceivedAt, "noon"}, codes.InvalidArgument},
		{"breaker open", failingBuffer{ferrors.NewStorageError(ferrors.CodeCircuitOpen, "open", nil)}, []byte(`{}`), nil, codes.Unavailable},
		{"unexpected", failingBuffer{ferrors.NewInternalError("boom", nil)}, []byte(`{}`), nil, codes.Internal},
		{"oversized message", failingBuffer{}, make([]byte, 1<<17), nil, codes.ResourceExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewIngestClient(dial(t, tt.buf))
			ctx := context.Background()
			if len(tt.md) > 0 {
				ctx = metadata.AppendToOutgoingContext(ctx, tt.md...)
			}
			_, err := client.Append(ctx, tt.payload)
			require.Error(t, err)
			assert.Equal(t, tt.want, status.Code(err))
		})
	}
}

func TestHealth(t *testing.T) {
	conn := dial(t, failingBuffer{})
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestRecoveryInterceptor(t *testing.T) {
	ic := RecoveryInterceptor(zap.NewNop())
	_, err := ic(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: AppendMethod},
		func(context.Context, interface{}) (interface{}, error) { panic("boom") })
	assert.Equal(t, codes.Internal, status.Code(err))
}
