// Package client speaks the relay wire protocol. It is used by the
// integration suites and by scripts; it has no user interface.
package client

import (
	"bufio"
	"chat-relay/protocol"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const defaultMaxFrame = 1 << 20

// Received is one server frame, with its body for file frames.
type Received struct {
	protocol.Event
	Body []byte
}

type Client struct {
	conn     net.Conn
	reader   *bufio.Reader
	maxFrame uint32
	mu       sync.Mutex
}

func Dial(ctx context.Context, addr string) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn), maxFrame: defaultMaxFrame}, nil
}

// Auth sends the auth frame and waits for the server's verdict.
func (c *Client) Auth(username string, timeout time.Duration) error {
	if err := c.Send(protocol.Auth{Username: username}); err != nil {
		return err
	}
	ev, err := c.Next(timeout)
	if err != nil {
		return err
	}
	if ev.Type == "info" && ev.Message == "auth_ok" {
		return nil
	}
	return fmt.Errorf("auth refused: %s %s", ev.Code, ev.Message)
}

func (c *Client) Send(msg protocol.Message) error {
	payload, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.WriteFrame(c.conn, payload)
}

// SendRaw writes an arbitrary payload as one frame.
func (c *Client) SendRaw(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.WriteFrame(c.conn, payload)
}

// WriteRaw writes bytes as they are, without framing.
func (c *Client) WriteRaw(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

// SendFile announces a file to a user or a group and writes its body.
func (c *Client) SendFile(to, target, filename string, body []byte) error {
	payload, err := protocol.EncodeMessage(protocol.File{To: to, Target: target, Filename: filename, Size: int64(len(body))})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := protocol.WriteFrame(c.conn, payload); err != nil {
		return err
	}
	_, err = c.conn.Write(body)
	return err
}

// Next waits at most timeout for the next frame; zero waits forever.
func (c *Client) Next(timeout time.Duration) (Received, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return Received{}, err
	}
	payload, err := protocol.ReadFrame(c.reader, c.maxFrame)
	if err != nil {
		return Received{}, err
	}
	ev, err := protocol.DecodeEvent(payload)
	if err != nil {
		return Received{}, err
	}
	received := Received{Event: ev}
	if ev.Type == string(protocol.TypeFile) {
		received.Body = make([]byte, ev.Size)
		if _, err := io.ReadFull(c.reader, received.Body); err != nil {
			return Received{}, err
		}
	}
	return received, nil
}

// Until reads frames until one matches, returning the frames skipped.
func (c *Client) Until(timeout time.Duration, match func(Received) bool) (Received, []Received, error) {
	var skipped []Received
	for {
		ev, err := c.Next(timeout)
		if err != nil {
			return Received{}, skipped, err
		}
		if match(ev) {
			return ev, skipped, nil
		}
		skipped = append(skipped, ev)
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// SaveFile stores a received file in dir as {sender}_{filename}.
func SaveFile(dir string, file Received) (string, error) {
	if file.Type != string(protocol.TypeFile) {
		return "", fmt.Errorf("frame %s carries no file", file.Type)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s", file.From, filepath.Base(file.Filename)))
	if err := os.WriteFile(path, file.Body, 0o640); err != nil {
		return "", err
	}
	return path, nil
}
