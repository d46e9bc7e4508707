package test

import (
	"bytes"
	"chat-relay/client"
	"chat-relay/infrastructure/grpc/server"
	"chat-relay/infrastructure/storage"
	"chat-relay/infrastructure/tcp"
	"chat-relay/protocol"
	"chat-relay/runtime"
	"chat-relay/runtime/workers"
	"chat-relay/services"
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const wait = 3 * time.Second

type relay struct {
	addr       string
	healthAddr string
	stop       func()
}

// startRelay wires the whole relay the way cmd/main does, on a badger
// directory that survives stop so a restart can be observed.
func startRelay(t *testing.T, dbPath, stagingDir string) *relay {
	t.Helper()
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	// Reduced to 16 Mo for testing
	db, err := badger.Open(badger.DefaultOptions(dbPath).
		WithLoggingLevel(badger.ERROR).
		WithValueLogFileSize(16 << 20))
	req.NoError(err)
	pending, err := storage.NewPendingRepository(db, log, 100)
	req.NoError(err)
	files := storage.NewStagedFileRepository(db, log)
	staging, err := storage.NewStagingArea(stagingDir, log)
	req.NoError(err)

	sessions := runtime.NewSessionRegistry(log)
	queue := services.NewOfflineQueue(log, pending, files, staging)
	delivery := services.NewDeliveryService(log, sessions, queue)
	groups := runtime.NewGroupRegistry(log, delivery)
	fileRelay := services.NewFileRelay(log, groups, delivery, queue, files, staging)
	chat := services.NewChatService(log, sessions, groups, delivery, fileRelay)

	listener := tcp.NewListener("127.0.0.1:0", chat, protocol.NewCodec(64*1024, 1<<20),
		tcp.RouterConfig{AuthTimeout: wait, WriteTimeout: wait}, log)
	health := server.NewHealthServer("127.0.0.1:0", log)
	listener.OnServing(health.SetServing)

	supervisor := workers.NewSupervisor(log).WithRestartInterval(50 * time.Millisecond)
	supervisor.Add(
		listener,
		health,
		workers.NewJanitor(log, queue, 0, time.Hour),
		workers.NewStatsReporter(log, services.NewStats(sessions, groups, pending, listener.Active), time.Hour),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		supervisor.Run(ctx)
		close(done)
	}()
	<-listener.Ready()
	<-health.Ready()

	r := &relay{addr: listener.Addr().String(), healthAddr: health.Addr().String()}
	stopped := false
	r.stop = func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		<-done
		_ = pending.Close()
		_ = db.Close()
	}
	t.Cleanup(r.stop)
	return r
}

func (r *relay) login(t *testing.T, username string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	c, err := client.Dial(ctx, r.addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Auth(username, wait))
	return c
}

func next(t *testing.T, c *client.Client, kind string) client.Received {
	t.Helper()
	ev, err := c.Next(wait)
	require.NoError(t, err)
	require.Equal(t, kind, ev.Type, "unexpected frame %+v", ev.Event)
	return ev
}

func Test_Scenario(t *testing.T) {
	req := require.New(t)
	dbPath, stagingDir := t.TempDir(), t.TempDir()
	relay := startRelay(t, dbPath, stagingDir)

	// 1. The health endpoint follows the listener
	conn, err := grpc.NewClient(relay.healthAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	req.NoError(err)
	defer conn.Close()
	req.Eventually(func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: server.RelayService})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, wait, 20*time.Millisecond)

	// 2. Group with an online and an offline member
	alice := relay.login(t, "alice")
	bob := relay.login(t, "bob")
	req.NoError(alice.Send(protocol.CreateGroup{Group: "estudos"}))
	req.Equal("group_created:estudos", next(t, alice, "info").Message)
	req.NoError(alice.Send(protocol.AddToGroup{Group: "estudos", Username: "bob"}))
	req.Equal("added:estudos:bob", next(t, alice, "info").Message)
	req.Equal("added_to_group:estudos:alice", next(t, bob, "info").Message)
	req.NoError(alice.Send(protocol.AddToGroup{Group: "estudos", Username: "carol"}))
	req.Equal("added:estudos:carol", next(t, alice, "info").Message)

	req.NoError(alice.Send(protocol.GroupMessage{Group: "estudos", Text: "Olá pessoal!"}))
	req.Equal("group_sent:estudos:2", next(t, alice, "info").Message)
	req.Equal("Olá pessoal!", next(t, bob, "group_msg").Text)

	// 3. A group file is streamed to bob and staged for carol
	content := bytes.Repeat([]byte("slides "), 4096)
	req.NoError(alice.SendFile("estudos", protocol.TargetGroup, "slides.txt", content))
	req.Equal("file_sent:slides.txt", next(t, alice, "info").Message)
	file := next(t, bob, "file")
	req.Equal("estudos", file.Group)
	req.Equal(content, file.Body)

	// 4. A private message for carol, then the relay restarts
	req.NoError(alice.Send(protocol.PrivateMessage{To: "carol", Text: "Oi"}))
	req.Equal("queued:carol", next(t, alice, "info").Message)
	relay.stop()
	relay = startRelay(t, dbPath, stagingDir)

	// 5. carol gets her backlog in order after auth_ok
	carol := relay.login(t, "carol")
	req.Equal("added_to_group:estudos:alice", next(t, carol, "info").Message)
	req.Equal("Olá pessoal!", next(t, carol, "group_msg").Text)
	staged := next(t, carol, "file")
	req.Equal("slides.txt", staged.Filename)
	req.Equal(content, staged.Body)
	req.Equal("Oi", next(t, carol, "msg").Text)

	// 6. Served bodies are removed from the staging area
	req.Eventually(func() bool {
		entries, err := os.ReadDir(stagingDir)
		return err == nil && len(entries) == 0
	}, wait, 20*time.Millisecond)

	// 7. Nothing is delivered twice on the next login
	req.NoError(carol.Send(protocol.Quit{}))
	req.Equal("bye", next(t, carol, "info").Message)
	carol = relay.login(t, "carol")
	req.NoError(carol.Send(protocol.List{}))
	list := next(t, carol, "list")
	req.Equal([]string{"carol"}, list.Online)
}
