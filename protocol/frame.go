// Package protocol frames and parses the relay wire format: a 4-byte
// big-endian length, a JSON payload of that length and, for file frames,
// exactly `size` raw bytes of file body.
package protocol

import (
	"chat-relay/errors"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"io"
)

const HeaderSize = 4

// ReadFrame reads one length-prefixed payload.
// A stream closed cleanly on a frame boundary returns io.EOF; any other
// short read, an empty frame or a frame above maxSize is a protocol error.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if stderrors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame header", errors.ErrProtocol)
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, fmt.Errorf("%w: empty frame", errors.ErrProtocol)
	}
	if size > maxSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", errors.ErrProtocol, size, maxSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame payload", errors.ErrProtocol)
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes header and payload with a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty frame", errors.ErrProtocol)
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// Body limits r to the size declared by a file frame.
// Reaching the end of r before size bytes is a protocol error.
func Body(r io.Reader, size int64) io.Reader {
	return &bodyReader{r: r, remaining: size}
}

type bodyReader struct {
	r         io.Reader
	remaining int64
}

func (b *bodyReader) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	if stderrors.Is(err, io.EOF) {
		if b.remaining > 0 {
			return n, fmt.Errorf("%w: file body truncated, %d bytes missing", errors.ErrProtocol, b.remaining)
		}
		err = nil
	}
	if err == nil && b.remaining == 0 {
		return n, io.EOF
	}
	return n, err
}

// Drain consumes whatever is left of a file body so the stream stays
// aligned on the next frame.
func Drain(body io.Reader) error {
	_, err := io.Copy(io.Discard, body)
	return err
}
