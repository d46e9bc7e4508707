package tcp

import (
	"chat-relay/protocol"
	"chat-relay/services"
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Listener accepts client connections and serves each one with its own
// Router goroutine. It is run as a supervised worker.
type Listener struct {
	addr      string
	chat      services.IChatService
	codec     protocol.Codec
	cfg       RouterConfig
	log       *slog.Logger
	onServing func(serving bool)

	mu        sync.Mutex
	bound     net.Addr
	ready     chan struct{}
	readyOnce sync.Once
	active    atomic.Int64
}

func NewListener(addr string, chat services.IChatService, codec protocol.Codec, cfg RouterConfig, log *slog.Logger) *Listener {
	return &Listener{
		addr:      addr,
		chat:      chat,
		codec:     codec,
		cfg:       cfg,
		log:       log,
		onServing: func(bool) {},
		ready:     make(chan struct{}),
	}
}

// OnServing registers a hook told when the listener starts and stops
// accepting connections.
func (l *Listener) OnServing(fn func(serving bool)) *Listener {
	l.onServing = fn
	return l
}

// Ready is closed once the listener is bound for the first time.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Addr is the bound address, nil before Ready.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bound
}

// Active returns the number of open client connections.
func (l *Listener) Active() int64 {
	return l.active.Load()
}

func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	l.mu.Lock()
	l.bound = ln.Addr()
	l.mu.Unlock()
	l.readyOnce.Do(func() { close(l.ready) })
	l.log.Info("Relay listening", "addr", ln.Addr().String())
	l.onServing(true)
	defer l.onServing(false)

	// Routers outlive a failed listener: only a cancelled ctx ends them.
	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				l.log.Info("Relay listener stopped")
				return nil
			}
			var netErr net.Error
			if stderrors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			_ = ln.Close()
			return err
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
		id := uuid.NewString()
		router := NewRouter(id, conn, l.chat, l.codec, l.cfg, l.log)
		l.active.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer l.active.Add(-1)
			router.Serve(ctx)
		}()
	}
}
