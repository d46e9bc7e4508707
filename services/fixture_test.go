package services

import (
	"chat-relay/infrastructure/storage"
	"chat-relay/protocol"
	"chat-relay/runtime"
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	sessions   *runtime.SessionRegistry
	groups     *runtime.GroupRegistry
	pending    *storage.PendingRepository
	files      *storage.StagedFileRepository
	staging    *storage.StagingArea
	stagingDir string
	queue      *OfflineQueue
	delivery   *DeliveryService
	relay      *FileRelay
	chat       *ChatService
}

func newFixture(t *testing.T, maxPending int) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pending, err := storage.NewPendingRepository(db, log, maxPending)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pending.Close() })

	dir := t.TempDir()
	staging, err := storage.NewStagingArea(dir, log)
	require.NoError(t, err)

	f := &fixture{
		sessions:   runtime.NewSessionRegistry(log),
		pending:    pending,
		files:      storage.NewStagedFileRepository(db, log),
		staging:    staging,
		stagingDir: dir,
	}
	f.queue = NewOfflineQueue(log, f.pending, f.files, f.staging)
	f.delivery = NewDeliveryService(log, f.sessions, f.queue)
	f.groups = runtime.NewGroupRegistry(log, f.delivery)
	f.relay = NewFileRelay(log, f.groups, f.delivery, f.queue, f.files, f.staging)
	f.chat = NewChatService(log, f.sessions, f.groups, f.delivery, f.relay)
	return f
}

func (f *fixture) login(t *testing.T, username string) *recordingPeer {
	t.Helper()
	peer := newRecordingPeer(username)
	_, err := f.chat.Login(context.Background(), peer)
	require.NoError(t, err)
	return peer
}

func (f *fixture) stagedEntries(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(f.stagingDir)
	require.NoError(t, err)
	return len(entries)
}

type receivedFile struct {
	header protocol.FileDelivery
	body   []byte
}

// recordingPeer keeps every frame written to it.
type recordingPeer struct {
	username string
	mu       sync.Mutex
	replies  []protocol.Reply
	files    []receivedFile
	closed   bool
}

func newRecordingPeer(username string) *recordingPeer {
	return &recordingPeer{username: username}
}

func (p *recordingPeer) Username() string { return p.username }

func (p *recordingPeer) Send(_ context.Context, reply protocol.Reply) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, reply)
	return nil
}

func (p *recordingPeer) SendFile(_ context.Context, header protocol.FileDelivery, body io.Reader) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	p.replies = append(p.replies, header)
	p.files = append(p.files, receivedFile{header: header, body: data})
	return nil
}

func (p *recordingPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPeer) Replies() []protocol.Reply {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Reply(nil), p.replies...)
}

func (p *recordingPeer) Files() []receivedFile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]receivedFile(nil), p.files...)
}

// Messages returns the private and group texts received, in order.
func (p *recordingPeer) Messages() []string {
	var texts []string
	for _, reply := range p.Replies() {
		switch r := reply.(type) {
		case protocol.MessageDelivery:
			texts = append(texts, r.Text)
		case protocol.GroupMessageDelivery:
			texts = append(texts, r.Text)
		}
	}
	return texts
}
