package server

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"sync"

	sdkgrpc "github.com/mama165/sdk-go/grpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// RelayService is the service name reported by the health endpoint in
// addition to the overall ("") status.
const RelayService = "chat_relay.Relay"

// HealthServer exposes the standard grpc.health.v1.Health service. The
// relay reports SERVING while its TCP listener accepts connections.
type HealthServer struct {
	addr   string
	log    *slog.Logger
	health *health.Server

	mu    sync.Mutex
	bound net.Addr
	ready chan struct{}
	once  sync.Once
}

func NewHealthServer(addr string, log *slog.Logger) *HealthServer {
	h := &HealthServer{
		addr:   addr,
		log:    log,
		health: health.NewServer(),
		ready:  make(chan struct{}),
	}
	h.SetServing(false)
	return h
}

// SetServing matches the listener hook signature.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(RelayService, status)
	h.log.Debug("Health status changed", "status", status.String())
}

func (h *HealthServer) Ready() <-chan struct{} {
	return h.ready
}

func (h *HealthServer) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bound
}

func (h *HealthServer) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(sdkgrpc.UnaryLoggingInterceptor(h.log)))
	healthpb.RegisterHealthServer(s, h.health)

	h.mu.Lock()
	h.bound = listener.Addr()
	h.mu.Unlock()
	h.once.Do(func() { close(h.ready) })

	errChan := make(chan error, 1)
	go func() {
		h.log.Info("Starting health server", "address", listener.Addr().String())
		if err := s.Serve(listener); err != nil && !stderrors.Is(err, grpc.ErrServerStopped) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		h.health.Shutdown()
		s.GracefulStop()
		return nil
	case err := <-errChan:
		return err
	}
}
