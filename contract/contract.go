//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"chat-relay/domain"
	"chat-relay/protocol"
	"context"
	"io"
	"reflect"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes, avoiding the need
// for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// Peer is the outbound side of an authenticated connection.
// Implementations serialize writes: a frame and its file body are never
// interleaved with another frame.
type Peer interface {
	Username() string
	Send(ctx context.Context, reply protocol.Reply) error
	SendFile(ctx context.Context, header protocol.FileDelivery, body io.Reader) error
	Close() error
}

// Deliverer routes a payload to its target: written directly when the
// target has a session, queued otherwise.
type Deliverer interface {
	Deliver(ctx context.Context, pending domain.Pending) (Outcome, error)
}

type Outcome int

const (
	Delivered Outcome = iota + 1
	Queued
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	default:
		return "unknown"
	}
}
