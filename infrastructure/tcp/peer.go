package tcp

import (
	"bufio"
	"chat-relay/errors"
	"chat-relay/protocol"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const writeBufferSize = 32 * 1024

// Peer is the write side of one client connection. A frame and the file
// body that follows it are written under the same lock.
type Peer struct {
	id        string
	username  atomic.Value
	conn      net.Conn
	log       *slog.Logger
	mu        sync.Mutex
	writer    *bufio.Writer
	closeOnce sync.Once
}

func NewPeer(id string, conn net.Conn, writeTimeout time.Duration, log *slog.Logger) *Peer {
	return &Peer{
		id:     id,
		conn:   conn,
		log:    log,
		writer: bufio.NewWriterSize(&deadlineWriter{conn: conn, timeout: writeTimeout}, writeBufferSize),
	}
}

// Username is empty until the connection authenticated.
func (p *Peer) Username() string {
	username, _ := p.username.Load().(string)
	return username
}

func (p *Peer) ID() string {
	return p.id
}

// bind is called once by the router before the peer is registered.
func (p *Peer) bind(username string) {
	p.username.Store(username)
}

func (p *Peer) Send(ctx context.Context, reply protocol.Reply) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := protocol.Encode(reply)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := protocol.WriteFrame(p.writer, payload); err != nil {
		return err
	}
	return p.writer.Flush()
}

// SendFile writes the header frame then exactly header.Size bytes of body.
func (p *Peer) SendFile(ctx context.Context, header protocol.FileDelivery, body io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := protocol.Encode(header)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := protocol.WriteFrame(p.writer, payload); err != nil {
		return err
	}
	written, err := io.CopyN(p.writer, body, header.Size)
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("%w: file body ended after %d of %d bytes", errors.ErrProtocol, written, header.Size)
		}
		return err
	}
	return p.writer.Flush()
}

func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.conn.Close()
		p.log.Debug("Connection closed", "conn", p.id, "user", p.Username())
	})
	return err
}

// deadlineWriter pushes the write deadline forward before every write so
// that a long file transfer is bounded per chunk, not in total.
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w *deadlineWriter) Write(b []byte) (int, error) {
	if w.timeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return 0, err
		}
	}
	return w.conn.Write(b)
}
