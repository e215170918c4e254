package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"clinicbook/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	reflectionpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/status"
)

type togglePinger struct {
	down atomic.Bool
}

func (p *togglePinger) PingContext(context.Context) error {
	if p.down.Load() {
		return errors.New("database is locked")
	}
	return nil
}

func startGRPC(t *testing.T, cfg *config.APIConfig, db Pinger) (*GRPCServer, *grpc.ClientConn) {
	t.Helper()
	logger := zerolog.Nop()
	srv, err := NewGRPCServer(cfg, db, &logger)
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return srv, conn
}

func TestGRPCHealth(t *testing.T) {
	db := &togglePinger{}
	cfg := &config.APIConfig{
		GRPC: config.APIGRPCConfig{Enabled: true, Port: 0},
		Auth: config.APIAuthConfig{Enabled: true, APIKeys: []config.APIClientKey{{Key: "admin-key"}}},
	}
	srv, conn := startGRPC(t, cfg, db)
	client := healthpb.NewHealthClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: BookingHealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	db.down.Store(true)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, srv.RefreshHealth(ctx))
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: BookingHealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "unknown"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGRPCWatchHealth(t *testing.T) {
	db := &togglePinger{}
	cfg := &config.APIConfig{GRPC: config.APIGRPCConfig{HealthInterval: 10 * time.Millisecond}}
	srv, conn := startGRPC(t, cfg, db)
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.WatchHealth(ctx)

	db.down.Store(true)
	require.Eventually(t, func() bool {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	db.down.Store(false)
	require.Eventually(t, func() bool {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGRPCReflectionRequiresKey(t *testing.T) {
	cfg := &config.APIConfig{
		GRPC: config.APIGRPCConfig{Reflection: true},
		Auth: config.APIAuthConfig{Enabled: true, APIKeys: []config.APIClientKey{{Key: "admin-key"}}},
	}
	_, conn := startGRPC(t, cfg, &togglePinger{})
	client := reflectionpb.NewServerReflectionClient(conn)

	listServices := func(ctx context.Context) error {
		stream, err := client.ServerReflectionInfo(ctx)
		if err != nil {
			return err
		}
		// A rejected stream surfaces its status on Recv, not Send.
		_ = stream.Send(&reflectionpb.ServerReflectionRequest{
			MessageRequest: &reflectionpb.ServerReflectionRequest_ListServices{ListServices: "*"},
		})
		_, err = stream.Recv()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := listServices(ctx)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	authed := metadata.AppendToOutgoingContext(ctx, "x-api-key", "admin-key")
	assert.NoError(t, listServices(authed))
}

func TestBuildTLSConfig(t *testing.T) {
	_, err := buildTLSConfig(config.APITLSConfig{Enabled: true})
	assert.Error(t, err)

	_, err = buildTLSConfig(config.APITLSConfig{Enabled: true, CertFile: "missing.crt", KeyFile: "missing.key"})
	assert.Error(t, err)
}
