package server

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthServer_Reports_Listener_Status(t *testing.T) {
	req := require.New(t)
	h := NewHealthServer("127.0.0.1:0", slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	defer func() {
		cancel()
		req.NoError(<-done)
	}()
	<-h.Ready()

	conn, err := grpc.NewClient(h.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	req.NoError(err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer callCancel()
		resp, err := client.Check(callCtx, &healthpb.HealthCheckRequest{Service: service})
		req.NoError(err)
		return resp.Status
	}

	// Given the listener is not accepting yet
	req.Equal(healthpb.HealthCheckResponse_NOT_SERVING, check(""))

	// When it starts accepting
	h.SetServing(true)
	req.Equal(healthpb.HealthCheckResponse_SERVING, check(""))
	req.Equal(healthpb.HealthCheckResponse_SERVING, check(RelayService))

	// When it stops
	h.SetServing(false)
	req.Equal(healthpb.HealthCheckResponse_NOT_SERVING, check(RelayService))
}
