package services

import (
	"chat-relay/contract"
	"io"
)

// fileSink consumes one copy of a fanned-out file body in its own
// goroutine, fed through a pipe.
type fileSink struct {
	peer   contract.Peer
	pw     *io.PipeWriter
	failed bool
	done   chan error
}

func startSink(peer contract.Peer, consume func(r io.Reader) error) *fileSink {
	pr, pw := io.Pipe()
	sink := &fileSink{peer: peer, pw: pw, done: make(chan error, 1)}
	go func() {
		err := consume(pr)
		// a consumer that stopped early must not block the writer
		_ = pr.Close()
		sink.done <- err
	}()
	return sink
}

// finish ends the copy, passing on the sender's error if any, and waits
// for the consumer.
func (s *fileSink) finish(sourceErr error) error {
	if sourceErr != nil {
		_ = s.pw.CloseWithError(sourceErr)
	} else {
		_ = s.pw.Close()
	}
	return <-s.done
}

// fanOutWriter copies every chunk to each sink still alive. Unlike
// io.MultiWriter, a failed sink is dropped and the others keep going.
type fanOutWriter struct {
	sinks []*fileSink
}

func (w *fanOutWriter) Write(p []byte) (int, error) {
	for _, sink := range w.sinks {
		if sink.failed {
			continue
		}
		if _, err := sink.pw.Write(p); err != nil {
			sink.failed = true
		}
	}
	return len(p), nil
}
