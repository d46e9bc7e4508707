package services

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/errors"
	"chat-relay/infrastructure/storage"
	"chat-relay/protocol"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// OfflineQueue keeps what could not be written to a user while they were
// away and hands it back, in order, when they reconnect.
type OfflineQueue struct {
	log     *slog.Logger
	pending storage.IPendingRepository
	files   storage.IStagedFileRepository
	staging *storage.StagingArea

	// Entries written to their target whose ack failed. A later flush
	// acks them again without writing them twice.
	mu      sync.Mutex
	unacked map[string]struct{}
}

func NewOfflineQueue(
	log *slog.Logger,
	pending storage.IPendingRepository,
	files storage.IStagedFileRepository,
	staging *storage.StagingArea,
) *OfflineQueue {
	return &OfflineQueue{
		log:     log,
		pending: pending,
		files:   files,
		staging: staging,
		unacked: make(map[string]struct{}),
	}
}

func (q *OfflineQueue) Enqueue(_ context.Context, pending domain.Pending) error {
	_, err := q.pending.Enqueue(pending)
	return err
}

// EnqueueFile queues a file-ready descriptor together with the metadata
// of its staged body.
func (q *OfflineQueue) EnqueueFile(_ context.Context, pending domain.Pending, file domain.StagedFile) error {
	_, err := q.pending.EnqueueWithFile(pending, file)
	return err
}

// Flush writes the backlog of username to peer in enqueue order. A
// payload is removed only after it was written; the first failed write
// stops the flush and leaves the rest queued. A failed removal does not:
// the payload is remembered as written and only acked on the next flush.
func (q *OfflineQueue) Flush(ctx context.Context, username string, peer contract.Peer) (int, error) {
	pendings, err := q.pending.List(username)
	if err != nil {
		return 0, err
	}

	flushed := 0
	for i, pending := range pendings {
		if err := ctx.Err(); err != nil {
			return flushed, err
		}
		if !q.isUnacked(pending) {
			if err := q.WriteTo(ctx, peer, pending); err != nil {
				q.log.Warn("Flush interrupted", "user", username, "seq", pending.Seq, "remaining", len(pendings)-i, "error", err)
				return flushed, fmt.Errorf("%w: flushing %s: %v", errors.ErrDeliveryFailed, username, err)
			}
			flushed++
		}
		q.ack(pending)
	}
	if flushed > 0 {
		q.log.Info("Pending deliveries flushed", "user", username, "count", flushed)
	}
	return flushed, nil
}

// ack removes a written payload and gives back its staged reference when
// this call was the one that removed it.
func (q *OfflineQueue) ack(pending domain.Pending) {
	removed, err := q.pending.Ack(pending)
	if err != nil {
		q.log.Warn("Delivered payload not acked", "user", pending.Target, "seq", pending.Seq, "error", err)
		q.mu.Lock()
		q.unacked[unackedKey(pending)] = struct{}{}
		q.mu.Unlock()
		return
	}
	q.forget(pending)
	if removed {
		q.release(pending)
	}
}

func (q *OfflineQueue) isUnacked(pending domain.Pending) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.unacked[unackedKey(pending)]
	return ok
}

func (q *OfflineQueue) forget(pending domain.Pending) {
	q.mu.Lock()
	delete(q.unacked, unackedKey(pending))
	q.mu.Unlock()
}

func unackedKey(pending domain.Pending) string {
	return fmt.Sprintf("%s:%d", pending.Target, pending.Seq)
}

// WriteTo renders pending as the frame its target expects and writes it.
func (q *OfflineQueue) WriteTo(ctx context.Context, peer contract.Peer, pending domain.Pending) error {
	switch pending.Kind {
	case domain.KindMessage:
		return peer.Send(ctx, protocol.MessageDelivery{From: pending.From, To: pending.Target, Text: pending.Text})
	case domain.KindGroupMessage:
		return peer.Send(ctx, protocol.GroupMessageDelivery{From: pending.From, Group: pending.Group, Text: pending.Text})
	case domain.KindNotice:
		return peer.Send(ctx, protocol.Info{Message: pending.Text, From: pending.From})
	case domain.KindFileReady:
		return q.writeStaged(ctx, peer, pending)
	default:
		return fmt.Errorf("%w: unknown pending kind %d", errors.ErrBadRequest, pending.Kind)
	}
}

func (q *OfflineQueue) writeStaged(ctx context.Context, peer contract.Peer, pending domain.Pending) error {
	file, err := q.files.Get(pending.FileID)
	if err == nil {
		body, openErr := q.staging.Open(file)
		if openErr == nil {
			defer body.Close()
			return peer.SendFile(ctx, fileHeader(file, pending.Target), body)
		}
		err = openErr
	}
	if stderrors.Is(err, errors.ErrNotFound) || stderrors.Is(err, errors.ErrIO) {
		// The body is gone or corrupted: tell the recipient instead of
		// blocking the rest of the backlog behind it.
		q.log.Error("Staged file unavailable", "id", pending.FileID, "user", pending.Target, "error", err)
		return peer.Send(ctx, protocol.Error{
			Code:    errors.CodeIO,
			Message: fmt.Sprintf("file from %s is no longer available", pending.From),
		})
	}
	return err
}

// release drops the staged reference held by a delivered file descriptor
// and removes the body with its last reference.
func (q *OfflineQueue) release(pending domain.Pending) {
	if pending.Kind != domain.KindFileReady {
		return
	}
	file, last, err := q.files.Release(pending.FileID)
	if err != nil {
		q.log.Debug("Staged reference not released", "id", pending.FileID, "error", err)
		return
	}
	if last {
		if err := q.staging.Remove(file); err != nil {
			q.log.Warn("Staged file not removed", "id", file.ID, "error", err)
			return
		}
		q.log.Debug("Staged file removed", "id", file.ID)
	}
}

// Expire drops deliveries enqueued before the given time.
func (q *OfflineQueue) Expire(before time.Time) (int, error) {
	expired, err := q.pending.Expire(before)
	if err != nil {
		return 0, err
	}
	for _, pending := range expired {
		q.forget(pending)
		q.release(pending)
	}
	return len(expired), nil
}

// SweepOrphans removes staged bodies that no metadata references.
func (q *OfflineQueue) SweepOrphans(before time.Time) (int, error) {
	files, err := q.files.All()
	if err != nil {
		return 0, err
	}
	known := make(map[string]struct{}, len(files))
	for _, file := range files {
		known[file.ID] = struct{}{}
	}
	orphans, err := q.staging.Orphans(known, before)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, path := range orphans {
		if err := q.staging.RemovePath(path); err != nil {
			q.log.Warn("Orphan not removed", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func fileHeader(file domain.StagedFile, recipient string) protocol.FileDelivery {
	header := protocol.FileDelivery{
		From:     file.Sender,
		Filename: file.Filename,
		Size:     file.Size,
		Mime:     file.Mime,
	}
	if file.Group {
		header.Target = protocol.TargetGroup
		header.Group = file.Target
	} else {
		header.Target = protocol.TargetUser
		header.To = recipient
	}
	return header
}
