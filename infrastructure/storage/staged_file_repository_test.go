package storage

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestStagedFileRepository_Release_Until_Last_Reference(t *testing.T) {
	req := require.New(t)
	repo := NewStagedFileRepository(SetupTestDB(t), testLogger())
	file := domain.StagedFile{
		ID: uuid.NewString(), Sender: "alice", Target: "estudos", Group: true,
		Filename: "notes.pdf", Size: 10, Mime: "application/pdf", Checksum: "abc",
		Path: "/tmp/x", Refs: 2, CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	req.NoError(repo.Create(file))

	stored, err := repo.Get(file.ID)
	req.NoError(err)
	req.Equal(file, stored)

	// When the first recipient is served
	released, last, err := repo.Release(file.ID)
	req.NoError(err)
	req.False(last)
	req.Equal(1, released.Refs)

	// When the second one is served the metadata goes away
	_, last, err = repo.Release(file.ID)
	req.NoError(err)
	req.True(last)

	_, err = repo.Get(file.ID)
	req.ErrorIs(err, errors.ErrNotFound)
	_, _, err = repo.Release(file.ID)
	req.ErrorIs(err, errors.ErrNotFound)
}

func TestStagedFileRepository_Create_Requires_References(t *testing.T) {
	repo := NewStagedFileRepository(SetupTestDB(t), testLogger())
	err := repo.Create(domain.StagedFile{ID: "x"})
	require.ErrorIs(t, err, errors.ErrBadRequest)
}

func TestStagedFileRepository_All(t *testing.T) {
	req := require.New(t)
	repo := NewStagedFileRepository(SetupTestDB(t), testLogger())
	req.NoError(repo.Create(domain.StagedFile{ID: "a", Refs: 1}))
	req.NoError(repo.Create(domain.StagedFile{ID: "b", Refs: 3}))

	files, err := repo.All()
	req.NoError(err)
	req.Len(files, 2)
	req.Equal("a", files[0].ID)
	req.Equal(3, files[1].Refs)
}
