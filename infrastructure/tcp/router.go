package tcp

import (
	"bufio"
	"chat-relay/contract"
	"chat-relay/errors"
	"chat-relay/protocol"
	"chat-relay/services"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

const readBufferSize = 32 * 1024

type RouterConfig struct {
	AuthTimeout  time.Duration
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
}

type state int

const (
	unauthenticated state = iota
	authenticated
	closed
)

// Router owns one client connection: it authenticates it, then reads
// requests one at a time and dispatches them to the chat service.
type Router struct {
	conn     net.Conn
	reader   *bufio.Reader
	peer     *Peer
	chat     services.IChatService
	codec    protocol.Codec
	cfg      RouterConfig
	log      *slog.Logger
	state    state
	loggedIn bool
}

func NewRouter(id string, conn net.Conn, chat services.IChatService, codec protocol.Codec, cfg RouterConfig, log *slog.Logger) *Router {
	log = log.With("conn", id, "remote", conn.RemoteAddr().String())
	return &Router{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, readBufferSize),
		peer:   NewPeer(id, conn, cfg.WriteTimeout, log),
		chat:   chat,
		codec:  codec,
		cfg:    cfg,
		log:    log,
		state:  unauthenticated,
	}
}

// Serve runs until the client quits, the connection fails or ctx is
// cancelled. The session, if any, is released on the way out.
func (r *Router) Serve(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { _ = r.peer.Close() })
	defer stop()
	defer r.close()

	if !r.authenticate(ctx) {
		return
	}
	for r.state == authenticated {
		msg, err := r.read(r.cfg.IdleTimeout)
		if err != nil {
			if !r.skipBadFrame(ctx, msg, err) {
				return
			}
			continue
		}
		if err := r.dispatch(ctx, msg); err != nil {
			r.logDisconnect(err)
			return
		}
	}
}

func (r *Router) authenticate(ctx context.Context) bool {
	msg, err := r.read(r.cfg.AuthTimeout)
	if isTimeout(err) {
		r.reply(ctx, errorReply(errors.CodeAuthRequired, "authentication timed out"))
		r.log.Info("Authentication timed out")
		return false
	}
	if isConnError(err) {
		r.logDisconnect(err)
		return false
	}
	auth, ok := msg.(protocol.Auth)
	if err != nil || !ok {
		r.reply(ctx, errorReply(errors.CodeAuthRequired, "first frame must be a valid auth"))
		r.log.Info("Unauthenticated request rejected", "error", err)
		return false
	}

	r.peer.bind(auth.Username)
	if _, err := r.chat.Login(ctx, r.peer); err != nil {
		if stderrors.Is(err, errors.ErrDuplicateSession) {
			r.reply(ctx, errorReply(errors.CodeUsernameTaken, fmt.Sprintf("%s is already connected", auth.Username)))
		} else {
			r.log.Warn("Login failed", "user", auth.Username, "error", err)
		}
		// A session registered before the flush failed is still released
		r.chat.Logout(auth.Username, r.peer)
		return false
	}

	r.state = authenticated
	r.loggedIn = true
	r.log = r.log.With("user", auth.Username)
	r.log.Info("Client authenticated")
	return true
}

// read waits at most timeout for the next request; zero waits forever.
func (r *Router) read(timeout time.Duration) (protocol.Message, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := r.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	return r.codec.ReadMessage(r.reader)
}

// skipBadFrame handles a request that could not be decoded. It returns
// false when the connection has to go.
func (r *Router) skipBadFrame(ctx context.Context, msg protocol.Message, err error) bool {
	if !stderrors.Is(err, errors.ErrBadRequest) {
		r.logDisconnect(err)
		return false
	}
	if file, ok := msg.(protocol.File); ok {
		// the body is on the wire whatever was wrong with the header
		if drainErr := protocol.Drain(protocol.Body(r.reader, file.Size)); drainErr != nil {
			r.logDisconnect(drainErr)
			return false
		}
	}
	r.log.Debug("Bad request", "error", err)
	return r.reply(ctx, errorReply(errors.CodeBadRequest, err.Error()))
}

// dispatch runs one request. Per-request failures become error frames;
// only a connection-level failure is returned.
func (r *Router) dispatch(ctx context.Context, msg protocol.Message) error {
	var reply protocol.Reply
	var err error

	switch m := msg.(type) {
	case protocol.Auth:
		err = fmt.Errorf("%w: already authenticated as %s", errors.ErrBadRequest, r.peer.Username())
	case protocol.PrivateMessage:
		reply, err = r.sendMessage(ctx, m)
	case protocol.GroupMessage:
		var count int
		count, err = r.chat.SendGroupMessage(ctx, r.peer.Username(), m.Group, m.Text)
		reply = info("group_sent:%s:%d", m.Group, count)
	case protocol.File:
		// the idle limit applies between commands, not inside a body
		if err := r.conn.SetReadDeadline(time.Time{}); err != nil {
			return err
		}
		_, err = r.chat.SendFile(ctx, r.peer.Username(), m, r.reader)
		if stderrors.Is(err, errors.ErrProtocol) || isConnError(err) {
			return err
		}
		reply = info("file_sent:%s", m.Filename)
	case protocol.CreateGroup:
		err = r.chat.CreateGroup(r.peer.Username(), m.Group)
		reply = info("group_created:%s", m.Group)
	case protocol.JoinGroup:
		err = r.chat.JoinGroup(r.peer.Username(), m.Group)
		reply = info("joined:%s", m.Group)
	case protocol.AddToGroup:
		err = r.chat.AddToGroup(ctx, r.peer.Username(), m.Group, m.Username)
		reply = info("added:%s:%s", m.Group, m.Username)
	case protocol.List:
		reply = r.chat.List()
	case protocol.Quit:
		r.reply(ctx, info("bye"))
		r.state = closed
		r.log.Info("Client quit")
		return nil
	default:
		err = fmt.Errorf("%w: unsupported request %T", errors.ErrBadRequest, msg)
	}

	if err != nil {
		r.log.Debug("Request failed", "type", msg.Type(), "error", err)
		reply = errorReply(errors.Code(err), err.Error())
	}
	if !r.reply(ctx, reply) {
		return fmt.Errorf("%w: replying to %s", errors.ErrDeliveryFailed, r.peer.Username())
	}
	return nil
}

func (r *Router) sendMessage(ctx context.Context, m protocol.PrivateMessage) (protocol.Reply, error) {
	outcome, err := r.chat.SendMessage(ctx, r.peer.Username(), m.To, m.Text)
	if err != nil {
		return nil, err
	}
	if outcome == contract.Queued {
		return info("queued:%s", m.To), nil
	}
	return info("sent:%s", m.To), nil
}

func (r *Router) reply(ctx context.Context, reply protocol.Reply) bool {
	if err := r.peer.Send(ctx, reply); err != nil {
		r.log.Debug("Reply not written", "error", err)
		return false
	}
	return true
}

func (r *Router) close() {
	if r.loggedIn {
		r.chat.Logout(r.peer.Username(), r.peer)
	}
	r.state = closed
	_ = r.peer.Close()
}

func (r *Router) logDisconnect(err error) {
	switch {
	case err == nil, stderrors.Is(err, io.EOF), stderrors.Is(err, net.ErrClosed):
		r.log.Info("Client disconnected")
	case stderrors.Is(err, errors.ErrProtocol):
		r.log.Warn("Protocol violation, closing", "error", err)
	default:
		r.log.Info("Connection lost", "error", err)
	}
}

func isConnError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	return stderrors.Is(err, io.EOF) || stderrors.Is(err, net.ErrClosed) || stderrors.As(err, &netErr)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

func info(format string, args ...any) protocol.Info {
	return protocol.Info{Message: fmt.Sprintf(format, args...)}
}

func errorReply(code, message string) protocol.Error {
	return protocol.Error{Code: code, Message: message}
}
