package services

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/errors"
	"chat-relay/infrastructure/storage"
	"chat-relay/protocol"
	"chat-relay/runtime"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// FileReceipt summarizes where a relayed file went.
type FileReceipt struct {
	Filename  string
	Delivered int
	Queued    int
	Staged    bool
}

// FileRelay moves a file body from its sender to its recipients. A body
// for a connected user is streamed straight through; anything that has
// to wait is staged on disk first.
type FileRelay struct {
	log      *slog.Logger
	groups   *runtime.GroupRegistry
	delivery *DeliveryService
	queue    *OfflineQueue
	files    storage.IStagedFileRepository
	staging  *storage.StagingArea
}

func NewFileRelay(
	log *slog.Logger,
	groups *runtime.GroupRegistry,
	delivery *DeliveryService,
	queue *OfflineQueue,
	files storage.IStagedFileRepository,
	staging *storage.StagingArea,
) *FileRelay {
	return &FileRelay{
		log:      log,
		groups:   groups,
		delivery: delivery,
		queue:    queue,
		files:    files,
		staging:  staging,
	}
}

// SendFile consumes exactly req.Size bytes of body whatever the outcome,
// unless the sender's own stream fails, which is returned as a protocol
// error.
func (f *FileRelay) SendFile(ctx context.Context, sender string, req protocol.File, body io.Reader) (FileReceipt, error) {
	body = protocol.Body(body, req.Size)
	receipt := FileReceipt{Filename: req.Filename}

	if f.isGroup(req) {
		return f.sendToGroup(ctx, sender, req, body, receipt)
	}
	header := protocol.FileDelivery{
		From:     sender,
		To:       req.To,
		Target:   protocol.TargetUser,
		Filename: req.Filename,
		Size:     req.Size,
	}
	staged := domain.StagedFile{Sender: sender, Target: req.To, Filename: req.Filename, Size: req.Size}
	return f.sendToUser(ctx, req.To, header, staged, body, receipt)
}

func (f *FileRelay) isGroup(req protocol.File) bool {
	switch req.Target {
	case protocol.TargetGroup:
		return true
	case protocol.TargetUser:
		return false
	default:
		return f.groups.Exists(req.To)
	}
}

// sendToUser streams body to recipient when connected, otherwise stages
// it with a single reference and queues a descriptor. Both happen under
// the recipient's delivery lock.
func (f *FileRelay) sendToUser(
	ctx context.Context,
	recipient string,
	header protocol.FileDelivery,
	staged domain.StagedFile,
	body io.Reader,
	receipt FileReceipt,
) (FileReceipt, error) {
	err := f.delivery.WithRecipient(recipient, func(peer contract.Peer) error {
		if peer != nil {
			return f.stream(ctx, peer, header, body)
		}
		staged.Refs = 1
		file, err := f.stage(staged, body)
		if err != nil {
			return err
		}
		pending := domain.NewFileReady(header.From, header.Group, file.ID).For(recipient)
		if err := f.queue.EnqueueFile(ctx, pending, file); err != nil {
			_ = f.staging.Remove(file)
			return err
		}
		receipt.Staged = true
		return nil
	})
	if err != nil {
		return receipt, err
	}
	if receipt.Staged {
		receipt.Queued = 1
	} else {
		receipt.Delivered = 1
	}
	return receipt, nil
}

// stream copies the sender's body straight to peer. Whatever failed, the
// recipient got a partial file: its connection is closed.
func (f *FileRelay) stream(ctx context.Context, peer contract.Peer, header protocol.FileDelivery, body io.Reader) error {
	mime, sniffed, err := storage.SniffMime(body, header.Size)
	if err != nil {
		return err
	}
	header.Mime = mime

	source := &sourceReader{r: sniffed}
	if err := peer.SendFile(ctx, header, source); err != nil {
		_ = peer.Close()
		if source.err != nil {
			return source.err
		}
		f.log.Warn("File stream failed", "from", header.From, "to", peer.Username(), "file", header.Filename, "error", err)
		if drainErr := protocol.Drain(body); drainErr != nil {
			return drainErr
		}
		return fmt.Errorf("%w: streaming %s to %s: %v", errors.ErrDeliveryFailed, header.Filename, peer.Username(), err)
	}
	return nil
}

func (f *FileRelay) stage(file domain.StagedFile, body io.Reader) (domain.StagedFile, error) {
	file.ID = uuid.NewString()
	file.CreatedAt = time.Now().UTC()
	staged, err := f.staging.Write(file, body)
	if err != nil {
		if stderrors.Is(err, errors.ErrProtocol) {
			return domain.StagedFile{}, err
		}
		if drainErr := protocol.Drain(body); drainErr != nil {
			return domain.StagedFile{}, drainErr
		}
		return domain.StagedFile{}, err
	}
	return staged, nil
}

// sendToGroup applies the per-user rule to every member but the sender
// in a single pass over the body: online members get it streamed while
// their locks are held, offline members share one staged copy.
func (f *FileRelay) sendToGroup(ctx context.Context, sender string, req protocol.File, body io.Reader, receipt FileReceipt) (FileReceipt, error) {
	recipients, err := f.groups.Recipients(req.To, sender)
	if err != nil {
		return receipt, f.reject(body, err)
	}
	if len(recipients) == 0 {
		return receipt, protocol.Drain(body)
	}

	header := protocol.FileDelivery{
		From:     sender,
		Group:    req.To,
		Target:   protocol.TargetGroup,
		Filename: req.Filename,
		Size:     req.Size,
	}
	staged := domain.StagedFile{Sender: sender, Target: req.To, Group: true, Filename: req.Filename, Size: req.Size}

	err = f.delivery.WithRecipients(recipients, func(online map[string]contract.Peer, offline []string) error {
		return f.fanOut(ctx, header, staged, online, offline, body, &receipt)
	})
	return receipt, err
}

func (f *FileRelay) fanOut(
	ctx context.Context,
	header protocol.FileDelivery,
	staged domain.StagedFile,
	online map[string]contract.Peer,
	offline []string,
	body io.Reader,
	receipt *FileReceipt,
) error {
	mime, sniffed, err := storage.SniffMime(body, header.Size)
	if err != nil {
		return err
	}
	header.Mime = mime

	var sinks []*fileSink
	for _, username := range lo.Keys(online) {
		peer := online[username]
		sinks = append(sinks, startSink(peer, func(r io.Reader) error {
			return peer.SendFile(ctx, header, r)
		}))
	}
	var file domain.StagedFile
	if len(offline) > 0 {
		staged.ID = uuid.NewString()
		staged.CreatedAt = time.Now().UTC()
		staged.Refs = len(offline)
		sinks = append(sinks, startSink(nil, func(r io.Reader) error {
			var err error
			file, err = f.staging.Write(staged, r)
			return err
		}))
	}

	source := &sourceReader{r: sniffed}
	_, copyErr := io.Copy(&fanOutWriter{sinks: sinks}, source)

	var firstErr, stageErr error
	for _, sink := range sinks {
		err := sink.finish(copyErr)
		if sink.peer == nil {
			stageErr = err
			continue
		}
		if copyErr != nil || err != nil {
			// the recipient holds a partial file
			_ = sink.peer.Close()
		}
		if copyErr != nil {
			continue
		}
		if err != nil {
			f.log.Warn("Group file stream failed", "group", header.Group, "to", sink.peer.Username(), "file", header.Filename, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: streaming %s to %s: %v", errors.ErrDeliveryFailed, header.Filename, sink.peer.Username(), err)
			}
			continue
		}
		receipt.Delivered++
	}
	if copyErr != nil {
		return copyErr
	}

	if len(offline) > 0 {
		if stageErr != nil {
			f.log.Error("Group file not staged", "group", header.Group, "file", header.Filename, "offline", len(offline), "error", stageErr)
			if firstErr == nil {
				firstErr = stageErr
			}
		} else {
			receipt.Staged = true
			queued, err := f.queueStaged(ctx, file, offline)
			receipt.Queued = queued
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if receipt.Delivered+receipt.Queued == 0 {
		return firstErr
	}
	return nil
}

// queueStaged hands a staged body to its offline recipients. The first
// descriptor commits the metadata along with it; a recipient that cannot
// be queued afterwards gives its reference back.
func (f *FileRelay) queueStaged(ctx context.Context, file domain.StagedFile, recipients []string) (int, error) {
	queued, committed := 0, false
	var firstErr error
	for i, member := range recipients {
		pending := domain.NewFileReady(file.Sender, file.Target, file.ID).For(member)
		var err error
		if committed {
			if err = f.queue.Enqueue(ctx, pending); err != nil {
				f.queue.release(pending)
			}
		} else {
			file.Refs = len(recipients) - i
			err = f.queue.EnqueueFile(ctx, pending, file)
			committed = err == nil
		}
		if err != nil {
			f.log.Warn("Group file not queued", "group", file.Target, "user", member, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		queued++
	}
	if !committed {
		_ = f.staging.Remove(file)
	}
	return queued, firstErr
}

// reject drains the body so the sender's stream stays aligned and
// returns err.
func (f *FileRelay) reject(body io.Reader, err error) error {
	if drainErr := protocol.Drain(body); drainErr != nil {
		return drainErr
	}
	return err
}

// sourceReader remembers a failure of the sender's stream so it can be
// told apart from a failure of the recipient's.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}
