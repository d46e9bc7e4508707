package services

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/errors"
	"chat-relay/protocol"
	"chat-relay/runtime"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/samber/lo"
)

// DeliveryService is the single place deciding between a direct write and
// the offline queue. Every decision for a username runs under that
// username's lock, and so does its login: a payload is either written
// before the backlog is flushed or queued behind it, never in between.
type DeliveryService struct {
	log      *slog.Logger
	sessions *runtime.SessionRegistry
	queue    *OfflineQueue
	locks    *keyedMutex
}

func NewDeliveryService(log *slog.Logger, sessions *runtime.SessionRegistry, queue *OfflineQueue) *DeliveryService {
	return &DeliveryService{
		log:      log,
		sessions: sessions,
		queue:    queue,
		locks:    newKeyedMutex(),
	}
}

var _ contract.Deliverer = (*DeliveryService)(nil)

// Deliver writes pending to its target if connected and queues it
// otherwise. A failed write closes the broken connection and falls back
// to the queue.
func (d *DeliveryService) Deliver(ctx context.Context, pending domain.Pending) (contract.Outcome, error) {
	unlock := d.locks.Lock(pending.Target)
	defer unlock()

	if peer, err := d.sessions.Lookup(pending.Target); err == nil {
		err = d.queue.WriteTo(ctx, peer, pending)
		if err == nil {
			d.queue.release(pending)
			return contract.Delivered, nil
		}
		d.log.Warn("Direct delivery failed, queueing", "user", pending.Target, "kind", pending.Kind, "error", err)
		_ = peer.Close()
	}

	if err := d.queue.Enqueue(ctx, pending); err != nil {
		return 0, err
	}
	return contract.Queued, nil
}

// WithRecipient runs fn while holding username's delivery lock. peer is
// nil when username has no session.
func (d *DeliveryService) WithRecipient(username string, fn func(peer contract.Peer) error) error {
	unlock := d.locks.Lock(username)
	defer unlock()

	peer, err := d.sessions.Lookup(username)
	if err != nil {
		peer = nil
	}
	return fn(peer)
}

// WithRecipients runs fn while holding the delivery lock of every
// username. Locks are taken in sorted order so two fan-outs never wait on
// each other. online maps connected usernames to their peer; offline keeps
// the others in sorted order.
func (d *DeliveryService) WithRecipients(usernames []string, fn func(online map[string]contract.Peer, offline []string) error) error {
	names := lo.Uniq(usernames)
	sort.Strings(names)
	for _, username := range names {
		unlock := d.locks.Lock(username)
		defer unlock()
	}

	online := make(map[string]contract.Peer, len(names))
	var offline []string
	for _, username := range names {
		if peer, err := d.sessions.Lookup(username); err == nil {
			online[username] = peer
		} else {
			offline = append(offline, username)
		}
	}
	return fn(online, offline)
}

// Attach registers peer, greets it and flushes its backlog before any
// other delivery to that username can start.
func (d *DeliveryService) Attach(ctx context.Context, peer contract.Peer, welcome protocol.Reply) (int, error) {
	username := peer.Username()
	unlock := d.locks.Lock(username)
	defer unlock()

	if err := d.sessions.Register(username, peer); err != nil {
		return 0, err
	}
	if err := peer.Send(ctx, welcome); err != nil {
		d.sessions.Unregister(username)
		return 0, fmt.Errorf("%w: greeting %s: %v", errors.ErrDeliveryFailed, username, err)
	}

	flushed, err := d.queue.Flush(ctx, username, peer)
	if err != nil {
		if stderrors.Is(err, errors.ErrDeliveryFailed) {
			_ = peer.Close()
		}
		return flushed, err
	}
	return flushed, nil
}

// Detach removes username's session if it is still bound to peer.
func (d *DeliveryService) Detach(username string, peer contract.Peer) {
	unlock := d.locks.Lock(username)
	defer unlock()

	if current, err := d.sessions.Lookup(username); err == nil && current == peer {
		d.sessions.Unregister(username)
	}
}
