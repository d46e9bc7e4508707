package storage

import (
	"chat-relay/domain"
	"chat-relay/errors"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

type IStagedFileRepository interface {
	Create(file domain.StagedFile) error
	Get(id string) (domain.StagedFile, error)
	Release(id string) (domain.StagedFile, bool, error)
	All() ([]domain.StagedFile, error)
}

// StagedFileRepository keeps the metadata and reference count of every
// staged file body. It shares the pending store's badger instance.
type StagedFileRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewStagedFileRepository(db *badger.DB, log *slog.Logger) *StagedFileRepository {
	return &StagedFileRepository{db: db, log: log}
}

func (r *StagedFileRepository) Create(file domain.StagedFile) error {
	if file.Refs <= 0 {
		return fmt.Errorf("%w: staged file %s without references", errors.ErrBadRequest, file.ID)
	}
	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stagedKey(file.ID), marshalStagedFile(file))
	})
	if err != nil {
		return fmt.Errorf("%w: saving staged file %s: %v", errors.ErrIO, file.ID, err)
	}
	return nil
}

func (r *StagedFileRepository) Get(id string) (domain.StagedFile, error) {
	var file domain.StagedFile
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		file, err = getStaged(txn, id)
		return err
	})
	if err != nil {
		return domain.StagedFile{}, wrapStagedErr(id, err)
	}
	return file, nil
}

// Release drops one reference. When the last one is gone the metadata is
// deleted and the boolean is true: the caller then owns removing the body.
func (r *StagedFileRepository) Release(id string) (domain.StagedFile, bool, error) {
	var file domain.StagedFile
	var last bool
	err := r.db.Update(func(txn *badger.Txn) error {
		var err error
		file, err = getStaged(txn, id)
		if err != nil {
			return err
		}
		file.Refs--
		if file.Refs <= 0 {
			last = true
			return txn.Delete(stagedKey(id))
		}
		return txn.Set(stagedKey(id), marshalStagedFile(file))
	})
	if err != nil {
		return domain.StagedFile{}, false, wrapStagedErr(id, err)
	}
	r.log.Debug("Staged file released", "id", id, "refs", file.Refs)
	return file, last, nil
}

func (r *StagedFileRepository) All() ([]domain.StagedFile, error) {
	var files []domain.StagedFile
	prefix := []byte(stagedPrefix)
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				file, err := unmarshalStagedFile(v)
				if err != nil {
					return err
				}
				files = append(files, file)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing staged files: %v", errors.ErrIO, err)
	}
	return files, nil
}

func getStaged(txn *badger.Txn, id string) (domain.StagedFile, error) {
	item, err := txn.Get(stagedKey(id))
	if err != nil {
		return domain.StagedFile{}, err
	}
	var file domain.StagedFile
	err = item.Value(func(v []byte) error {
		file, err = unmarshalStagedFile(v)
		return err
	})
	return file, err
}

func wrapStagedErr(id string, err error) error {
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: staged file %s", errors.ErrNotFound, id)
	}
	return fmt.Errorf("%w: staged file %s: %v", errors.ErrIO, id, err)
}
