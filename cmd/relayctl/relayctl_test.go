package main

import (
	"bytes"
	"chat-relay/domain"
	"chat-relay/infrastructure/storage"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T) (string, string) {
	req := require.New(t)
	dbPath, stagingDir := t.TempDir(), t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	req.NoError(err)
	pending, err := storage.NewPendingRepository(db, log, 0)
	req.NoError(err)
	staging, err := storage.NewStagingArea(stagingDir, log)
	req.NoError(err)

	_, err = pending.Enqueue(domain.NewMessage("alice", "bob", "Oi"))
	req.NoError(err)
	file, err := staging.Write(domain.StagedFile{
		ID: "f1", Sender: "alice", Target: "bob", Filename: "notes.txt", Size: 5, Refs: 1,
	}, strings.NewReader("hello"))
	req.NoError(err)
	_, err = pending.EnqueueWithFile(domain.NewFileReady("alice", "", file.ID).For("bob"), file)
	req.NoError(err)

	req.NoError(pending.Close())
	req.NoError(db.Close())
	return dbPath, stagingDir
}

func execute(t *testing.T, args ...string) string {
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestRelayctl_Pending(t *testing.T) {
	req := require.New(t)
	dbPath, _ := seedStore(t)

	// When every backlog is listed
	out := execute(t, "pending", "--db", dbPath)

	// Then both deliveries show up with the summary
	req.Contains(out, "Oi")
	req.Contains(out, "file f1")
	req.Contains(out, "2 pending deliveries for 1 users")
}

func TestRelayctl_Pending_Filter_By_User(t *testing.T) {
	req := require.New(t)
	dbPath, _ := seedStore(t)

	// When the backlog of a user without deliveries is listed
	out := execute(t, "pending", "--db", dbPath, "--user", "carol")

	// Then nothing is shown
	req.NotContains(out, "Oi")
	req.Contains(out, "0 pending deliveries for 0 users")
}

func TestRelayctl_Staged_Verify(t *testing.T) {
	req := require.New(t)
	dbPath, stagingDir := seedStore(t)

	// When staged files are listed with verification
	out := execute(t, "staged", "--db", dbPath, "--staging", stagingDir, "--verify")

	// Then the body matches its checksum
	req.Contains(out, "notes.txt")
	req.Contains(out, "ok")
	req.Contains(out, "1 staged files")
	req.NotContains(out, "corrupt")
}

func TestRelayctl_Missing_Database(t *testing.T) {
	// Given a path that holds no database
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs([]string{"pending", "--db", t.TempDir() + "/missing"})

	// Then opening read-only fails
	require.Error(t, cmd.Execute())
}

func TestPrintPending_Age(t *testing.T) {
	var out bytes.Buffer
	now := time.Now()
	printPending(&out, []domain.Pending{{Seq: 7, Target: "bob", Kind: domain.KindNotice, Text: "added_to_group:g:alice", EnqueuedAt: now.Add(-90 * time.Second)}}, now)

	require.Contains(t, out.String(), "1m30s")
	require.Contains(t, out.String(), "notice")
}
