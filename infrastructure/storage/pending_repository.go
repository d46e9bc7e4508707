package storage

import (
	"bytes"
	"chat-relay/domain"
	"chat-relay/errors"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	pendingPrefix = "pending:"
	stagedPrefix  = "staged:"
	sequenceKey   = "seq:pending"
	// Number of sequence values leased from badger at once.
	sequenceBandwidth = 128
	// Attempts of a removal that lost a race with another one.
	conflictRetries = 3
)

type IPendingRepository interface {
	Enqueue(pending domain.Pending) (domain.Pending, error)
	EnqueueWithFile(pending domain.Pending, file domain.StagedFile) (domain.Pending, error)
	List(username string) ([]domain.Pending, error)
	Ack(pending domain.Pending) (bool, error)
	Count(username string) (int, error)
	Users() (map[string]int, error)
	Expire(before time.Time) ([]domain.Pending, error)
}

// PendingRepository stores one FIFO backlog per user in BadgerDB.
// Keys are pending:{username}:{seq} with a zero padded seq taken from a
// badger Sequence, so a prefix scan returns the backlog in enqueue order.
type PendingRepository struct {
	db         *badger.DB
	log        *slog.Logger
	seq        *badger.Sequence
	maxPending int
}

func NewPendingRepository(db *badger.DB, log *slog.Logger, maxPending int) (*PendingRepository, error) {
	seq, err := db.GetSequence([]byte(sequenceKey), sequenceBandwidth)
	if err != nil {
		return nil, fmt.Errorf("%w: leasing pending sequence: %v", errors.ErrIO, err)
	}
	return &PendingRepository{
		db:         db,
		log:        log,
		seq:        seq,
		maxPending: maxPending,
	}, nil
}

// Close returns the unused part of the leased sequence.
func (r *PendingRepository) Close() error {
	return r.seq.Release()
}

// Enqueue appends pending to its target's backlog and returns it with its
// sequence assigned.
func (r *PendingRepository) Enqueue(pending domain.Pending) (domain.Pending, error) {
	return r.enqueue(pending, nil)
}

// EnqueueWithFile commits the staged file metadata and its descriptor in
// a single transaction: either the recipient will see the file or nothing
// references it.
func (r *PendingRepository) EnqueueWithFile(pending domain.Pending, file domain.StagedFile) (domain.Pending, error) {
	pending.FileID = file.ID
	return r.enqueue(pending, &file)
}

func (r *PendingRepository) enqueue(pending domain.Pending, file *domain.StagedFile) (domain.Pending, error) {
	if pending.Target == "" {
		return domain.Pending{}, fmt.Errorf("%w: pending delivery without target", errors.ErrBadRequest)
	}
	seq, err := r.seq.Next()
	if err != nil {
		return domain.Pending{}, fmt.Errorf("%w: next pending sequence: %v", errors.ErrIO, err)
	}
	pending.Seq = seq
	if pending.EnqueuedAt.IsZero() {
		pending.EnqueuedAt = time.Now().UTC()
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		if r.maxPending > 0 {
			count := countPrefix(txn, userPrefix(pending.Target))
			if count >= r.maxPending {
				return fmt.Errorf("%w: %s has %d pending deliveries", errors.ErrQueueFull, pending.Target, count)
			}
		}
		if file != nil {
			if err := txn.Set(stagedKey(file.ID), marshalStagedFile(*file)); err != nil {
				return err
			}
		}
		return txn.Set(pendingKey(pending.Target, pending.Seq), marshalPending(pending))
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrQueueFull) {
			return domain.Pending{}, err
		}
		return domain.Pending{}, fmt.Errorf("%w: enqueue for %s: %v", errors.ErrIO, pending.Target, err)
	}

	r.log.Debug("Pending delivery enqueued", "user", pending.Target, "kind", pending.Kind, "seq", pending.Seq)
	return pending, nil
}

// List returns the backlog of username in delivery order.
func (r *PendingRepository) List(username string) ([]domain.Pending, error) {
	return ListPending(r.db, username)
}

// All returns every pending delivery grouped by user, each backlog in
// delivery order.
func (r *PendingRepository) All() ([]domain.Pending, error) {
	return ListPending(r.db, "")
}

// ListPending reads backlogs without leasing a sequence, so it also works
// on a database opened read-only. An empty username lists every backlog.
func ListPending(db *badger.DB, username string) ([]domain.Pending, error) {
	prefix := []byte(pendingPrefix)
	if username != "" {
		prefix = []byte(userPrefix(username))
	}
	var pendings []domain.Pending
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				pending, err := unmarshalPending(v)
				if err != nil {
					return fmt.Errorf("failed to unmarshal pending delivery: %w", err)
				}
				pendings = append(pendings, pending)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scanning %s: %v", errors.ErrIO, prefix, err)
	}
	return pendings, nil
}

// Ack removes a delivered payload and reports whether this call removed
// it. Acking twice is harmless; only the first call returns true, so a
// staged reference is given back once.
func (r *PendingRepository) Ack(pending domain.Pending) (bool, error) {
	removed := false
	err := r.update(func(txn *badger.Txn) error {
		var err error
		removed, err = deleteIfPresent(txn, pendingKey(pending.Target, pending.Seq))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: ack %s/%d: %v", errors.ErrIO, pending.Target, pending.Seq, err)
	}
	return removed, nil
}

func (r *PendingRepository) Count(username string) (int, error) {
	count := 0
	err := r.db.View(func(txn *badger.Txn) error {
		count = countPrefix(txn, userPrefix(username))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: counting pending for %s: %v", errors.ErrIO, username, err)
	}
	return count, nil
}

// Users returns the size of every non-empty backlog.
func (r *PendingRepository) Users() (map[string]int, error) {
	users := make(map[string]int)
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(pendingPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if username, ok := userFromKey(it.Item().Key()); ok {
				users[username]++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing pending users: %v", errors.ErrIO, err)
	}
	return users, nil
}

// Expire deletes every pending delivery enqueued before the given time
// and returns what it removed so staged references can be released. An
// entry acked in the meantime is not part of the result.
func (r *PendingRepository) Expire(before time.Time) ([]domain.Pending, error) {
	all, err := r.All()
	if err != nil {
		return nil, err
	}

	var expired []domain.Pending
	err = r.update(func(txn *badger.Txn) error {
		expired = expired[:0]
		for _, pending := range all {
			if !pending.EnqueuedAt.Before(before) {
				continue
			}
			removed, err := deleteIfPresent(txn, pendingKey(pending.Target, pending.Seq))
			if err != nil {
				return err
			}
			if removed {
				expired = append(expired, pending)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: expiring pending deliveries: %v", errors.ErrIO, err)
	}
	if len(expired) > 0 {
		r.log.Info("Pending deliveries expired", "count", len(expired), "before", before)
	}
	return expired, nil
}

// update runs fn in a read-write transaction, again when it conflicted
// with a concurrent one. Every read in fn is tracked for conflicts.
func (r *PendingRepository) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		if err = r.db.Update(fn); !stderrors.Is(err, badger.ErrConflict) {
			return err
		}
		r.log.Debug("Pending update conflicted, retrying", "attempt", attempt+1)
	}
	return err
}

func deleteIfPresent(txn *badger.Txn, key []byte) (bool, error) {
	if _, err := txn.Get(key); err != nil {
		if stderrors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, txn.Delete(key)
}

func countPrefix(txn *badger.Txn, prefix string) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	count := 0
	for it.Rewind(); it.Valid(); it.Next() {
		count++
	}
	return count
}

func userPrefix(username string) string {
	return pendingPrefix + username + ":"
}

func pendingKey(username string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", userPrefix(username), seq))
}

func stagedKey(id string) []byte {
	return []byte(stagedPrefix + id)
}

func userFromKey(key []byte) (string, bool) {
	rest, ok := bytes.CutPrefix(key, []byte(pendingPrefix))
	if !ok {
		return "", false
	}
	i := strings.LastIndexByte(string(rest), ':')
	if i <= 0 {
		return "", false
	}
	return string(rest[:i]), true
}
