package services

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/errors"
	"chat-relay/mocks"
	"chat-relay/protocol"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestDeliveryService_Offline_Messages_Flushed_In_Order_Exactly_Once(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, 0)

	// Given bob is offline and alice sends him three messages
	for _, text := range []string{"one", "two", "three"} {
		outcome, err := f.chat.SendMessage(ctx, "alice", "bob", text)
		req.NoError(err)
		req.Equal(contract.Queued, outcome)
	}

	// When bob connects
	bob := newRecordingPeer("bob")
	flushed, err := f.chat.Login(ctx, bob)
	req.NoError(err)
	req.Equal(3, flushed)

	// Then auth_ok comes first, followed by the backlog in order
	replies := bob.Replies()
	req.Equal(protocol.Info{Message: "auth_ok"}, replies[0])
	req.Equal([]string{"one", "two", "three"}, bob.Messages())

	// And reconnecting delivers nothing twice
	f.chat.Logout("bob", bob)
	again := f.login(t, "bob")
	req.Empty(again.Messages())
	count, err := f.pending.Count("bob")
	req.NoError(err)
	req.Zero(count)
}

func TestDeliveryService_Oi_Scenario(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, 0)
	f.login(t, "alice")

	// Given bob is not connected, alice sends "Oi"
	outcome, err := f.chat.SendMessage(ctx, "alice", "bob", "Oi")
	req.NoError(err)
	req.Equal(contract.Queued, outcome)

	// When bob connects he receives it
	bob := f.login(t, "bob")
	req.Contains(bob.Replies(), protocol.Reply(protocol.MessageDelivery{From: "alice", To: "bob", Text: "Oi"}))

	// And a message sent now is written directly
	outcome, err = f.chat.SendMessage(ctx, "alice", "bob", "tudo bem?")
	req.NoError(err)
	req.Equal(contract.Delivered, outcome)
	req.Equal([]string{"Oi", "tudo bem?"}, bob.Messages())
}

func TestDeliveryService_Duplicate_Login_Keeps_First_Session(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, 0)
	first := f.login(t, "bob")

	// When a second connection claims bob
	second := newRecordingPeer("bob")
	_, err := f.chat.Login(ctx, second)

	// Then it is refused without a greeting
	req.ErrorIs(err, errors.ErrDuplicateSession)
	req.Empty(second.Replies())

	// And the first session still receives messages
	_, err = f.chat.SendMessage(ctx, "alice", "bob", "still there?")
	req.NoError(err)
	req.Equal([]string{"still there?"}, first.Messages())

	// And the refused peer cannot detach the live session
	f.chat.Logout("bob", second)
	req.Equal([]string{"bob"}, f.sessions.ListActive())
}

func TestDeliveryService_Failed_Write_Falls_Back_To_Queue(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	f := newFixture(t, 0)

	broken := mocks.NewMockPeer(ctrl)
	broken.EXPECT().Username().Return("bob").AnyTimes()
	req.NoError(f.sessions.Register("bob", broken))

	broken.EXPECT().Send(gomock.Any(), gomock.Any()).Return(fmt.Errorf("broken pipe"))
	broken.EXPECT().Close().Return(nil).Times(1)

	// When the write to bob fails
	outcome, err := f.chat.SendMessage(ctx, "alice", "bob", "lost?")

	// Then the message is queued, not dropped
	req.NoError(err)
	req.Equal(contract.Queued, outcome)
	pendings, err := f.pending.List("bob")
	req.NoError(err)
	req.Len(pendings, 1)
	req.Equal("lost?", pendings[0].Text)
}

func TestDeliveryService_Flush_Stops_On_First_Failure(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	f := newFixture(t, 0)

	for _, text := range []string{"one", "two", "three"} {
		_, err := f.chat.SendMessage(ctx, "alice", "bob", text)
		req.NoError(err)
	}

	peer := mocks.NewMockPeer(ctrl)
	peer.EXPECT().Username().Return("bob").AnyTimes()
	gomock.InOrder(
		peer.EXPECT().Send(gomock.Any(), protocol.Info{Message: "auth_ok"}).Return(nil),
		peer.EXPECT().Send(gomock.Any(), protocol.MessageDelivery{From: "alice", To: "bob", Text: "one"}).Return(nil),
		peer.EXPECT().Send(gomock.Any(), protocol.MessageDelivery{From: "alice", To: "bob", Text: "two"}).Return(fmt.Errorf("reset by peer")),
		peer.EXPECT().Close().Return(nil),
	)

	// When the flush breaks on the second payload
	flushed, err := f.chat.Login(ctx, peer)

	// Then only the first one is acknowledged
	req.ErrorIs(err, errors.ErrDeliveryFailed)
	req.Equal(1, flushed)
	pendings, err := f.pending.List("bob")
	req.NoError(err)
	req.Len(pendings, 2)
	req.Equal("two", pendings[0].Text)
	req.Equal("three", pendings[1].Text)
}

func TestDeliveryService_Queue_Full_Is_Reported(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, 1)

	_, err := f.chat.SendMessage(ctx, "alice", "bob", "first")
	req.NoError(err)
	_, err = f.chat.SendMessage(ctx, "alice", "bob", "second")
	req.ErrorIs(err, errors.ErrQueueFull)
}

func TestDeliveryService_Nothing_Stranded_During_Reconnection(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, 0)

	const senders = 4
	const perSender = 50
	start := make(chan struct{})
	errs := make(chan error, senders*perSender)
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			<-start
			for i := 0; i < perSender; i++ {
				if _, err := f.chat.SendMessage(ctx, fmt.Sprintf("sender%d", s), "bob", fmt.Sprintf("%d:%d", s, i)); err != nil {
					errs <- err
				}
			}
		}(s)
	}

	// When bob logs in while messages are in flight
	close(start)
	bob := f.login(t, "bob")
	wg.Wait()
	close(errs)
	for err := range errs {
		req.NoError(err)
	}

	// Then every message reached him once, per-sender order preserved
	messages := bob.Messages()
	req.Len(messages, senders*perSender)
	next := make(map[int]int)
	for _, m := range messages {
		var s, i int
		_, err := fmt.Sscanf(m, "%d:%d", &s, &i)
		req.NoError(err)
		req.Equal(next[s], i, "sender %d out of order", s)
		next[s]++
	}
	count, err := f.pending.Count("bob")
	req.NoError(err)
	req.Zero(count)
	req.Zero(f.delivery.locks.size())
}

func TestOfflineQueue_Expire_Releases_Staged_Files(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, 0)

	_, err := f.relay.SendFile(ctx, "alice", protocol.File{To: "bob", Filename: "a.txt", Size: 5}, stringsReader("hello"))
	req.NoError(err)
	_, err = f.chat.SendMessage(ctx, "alice", "bob", "see attachment")
	req.NoError(err)
	req.Equal(1, f.stagedEntries(t))

	expired, err := f.queue.Expire(farFuture())
	req.NoError(err)
	req.Equal(2, expired)
	req.Zero(f.stagedEntries(t))
	files, err := f.files.All()
	req.NoError(err)
	req.Empty(files)
}

func TestOfflineQueue_Missing_Staged_File_Does_Not_Block_Backlog(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, 0)

	// Given a descriptor whose metadata is gone, followed by a message
	_, err := f.pending.Enqueue(domain.NewFileReady("alice", "", "missing").For("bob"))
	req.NoError(err)
	_, err = f.chat.SendMessage(ctx, "alice", "bob", "after")
	req.NoError(err)

	bob := f.login(t, "bob")

	replies := bob.Replies()
	req.Len(replies, 3)
	req.Equal(errors.CodeIO, replies[1].(protocol.Error).Code)
	req.Equal([]string{"after"}, bob.Messages())
}

func TestOfflineQueue_SweepOrphans_Keeps_Referenced_Bodies(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, 0)

	// Given a body staged for offline bob and a stray file left by a crash
	_, err := f.relay.SendFile(ctx, "alice", protocol.File{To: "bob", Filename: "a.txt", Size: 5}, stringsReader("hello"))
	req.NoError(err)
	stray := filepath.Join(f.stagingDir, "deadbeef_alice_lost.txt.part")
	req.NoError(os.WriteFile(stray, []byte("partial"), 0o640))

	// When the sweep runs
	removed, err := f.queue.SweepOrphans(farFuture())

	// Then only the stray file is gone and bob still gets his file
	req.NoError(err)
	req.Equal(1, removed)
	req.NoFileExists(stray)
	req.Equal(1, f.stagedEntries(t))
	bob := f.login(t, "bob")
	req.Len(bob.Files(), 1)
	req.Equal([]byte("hello"), bob.Files()[0].body)
}

func TestKeyedMutex_Releases_Entries(t *testing.T) {
	req := require.New(t)
	locks := newKeyedMutex()

	unlockA := locks.Lock("a")
	unlockB := locks.Lock("b")
	req.Equal(2, locks.size())

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("a")
		unlock()
		close(done)
	}()
	unlockA()
	<-done
	unlockB()
	req.Zero(locks.size())
}
