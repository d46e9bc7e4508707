// Package runtime holds the shared in-memory state of the relay: who is
// connected and which groups exist. It never touches sockets or storage.
package runtime

import (
	"chat-relay/contract"
	"chat-relay/errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// SessionRegistry maps an authenticated username to its connection.
// At most one session exists per username.
type SessionRegistry struct {
	mu       sync.RWMutex
	log      *slog.Logger
	sessions map[string]contract.Peer
}

func NewSessionRegistry(log *slog.Logger) *SessionRegistry {
	return &SessionRegistry{
		log:      log,
		sessions: make(map[string]contract.Peer),
	}
}

// Register binds username to peer. A second connection for the same
// username is rejected; the existing session is left untouched.
func (r *SessionRegistry) Register(username string, peer contract.Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[username]; ok {
		return fmt.Errorf("%w: %s", errors.ErrDuplicateSession, username)
	}
	r.sessions[username] = peer
	r.log.Info("User online", "user", username, "online", len(r.sessions))
	return nil
}

func (r *SessionRegistry) Lookup(username string) (contract.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.sessions[username]
	if !ok {
		return nil, fmt.Errorf("%w: user %s is offline", errors.ErrNotFound, username)
	}
	return peer, nil
}

// Unregister is idempotent.
func (r *SessionRegistry) Unregister(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[username]; ok {
		delete(r.sessions, username)
		r.log.Info("User offline", "user", username, "online", len(r.sessions))
	}
}

// ListActive returns a sorted snapshot of connected usernames.
func (r *SessionRegistry) ListActive() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	usernames := lo.Keys(r.sessions)
	sort.Strings(usernames)
	return usernames
}

func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every connection, used on shutdown. Routers notice the
// closed sockets and unregister themselves.
func (r *SessionRegistry) CloseAll() int {
	r.mu.RLock()
	peers := make([]contract.Peer, 0, len(r.sessions))
	for _, peer := range r.sessions {
		peers = append(peers, peer)
	}
	r.mu.RUnlock()

	for _, peer := range peers {
		if err := peer.Close(); err != nil {
			r.log.Debug("Closing session failed", "user", peer.Username(), "error", err)
		}
	}
	return len(peers)
}
