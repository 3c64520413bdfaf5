package api

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"parkwise/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestAuthInterceptorUnary(t *testing.T) {
	cfg := testAPIConfig()
	auth, err := NewAuthInterceptor(cfg)
	require.NoError(t, err)
	interceptor := auth.Unary()

	var seen models.Actor
	handler := func(ctx context.Context, req any) (any, error) {
		seen, _ = ActorFrom(ctx)
		return "ok", nil
	}
	call := func(ctx context.Context, method string) error {
		_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: method}, handler)
		return err
	}

	t.Run("PublicHealth", func(t *testing.T) {
		assert.NoError(t, call(context.Background(), "/grpc.health.v1.Health/Check"))
	})

	t.Run("MissingKey", func(t *testing.T) {
		err := call(context.Background(), "/parkwise.Engine/Anything")
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("InvalidKey", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "nope"))
		assert.Equal(t, codes.Unauthenticated, status.Code(call(ctx, "/parkwise.Engine/Anything")))
	})

	t.Run("ValidKeyCarriesActor", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", studentKey))
		require.NoError(t, call(ctx, "/parkwise.Engine/Anything"))
		assert.Equal(t, "stu-1", seen.UserID)
		assert.Equal(t, models.RoleStudent, seen.Role)
	})
}

func TestAuthInterceptorRateLimit(t *testing.T) {
	cfg := testAPIConfig()
	cfg.RateLimit.RPS = 0.001
	cfg.RateLimit.Burst = 1
	auth, err := NewAuthInterceptor(cfg)
	require.NoError(t, err)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", adminKey))
	_, err = auth.authorize(ctx, "/parkwise.Engine/Anything")
	require.NoError(t, err)
	_, err = auth.authorize(ctx, "/parkwise.Engine/Anything")
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestRecoveryInterceptor(t *testing.T) {
	logger := zerolog.New(io.Discard)
	interceptor := RecoveryUnaryInterceptor(&logger)
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/y"},
		func(context.Context, any) (any, error) { panic("boom") })
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestRequestIDFromMetadata(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(requestIDMetadataKey, " req-1 "))
	assert.Equal(t, "req-1", requestIDFromMetadata(ctx))
	assert.NotEmpty(t, requestIDFromMetadata(context.Background()))
}

func TestGRPCHealthFollowsStore(t *testing.T) {
	logger := zerolog.New(io.Discard)
	cfg := testAPIConfig()
	cfg.GRPC.Port = 0

	var storeErr error
	srv, err := NewGRPCServer(cfg, func(context.Context) error { return storeErr }, &logger)
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: EngineService})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	srv.checkHealth(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	storeErr = errors.New("store down")
	srv.checkHealth(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
}
