package services

import (
	"chat-relay/infrastructure/storage"
	"chat-relay/runtime"
)

// Stats gathers the relay counters logged by the stats reporter.
type Stats struct {
	sessions    *runtime.SessionRegistry
	groups      *runtime.GroupRegistry
	pending     storage.IPendingRepository
	connections func() int64
}

func NewStats(sessions *runtime.SessionRegistry, groups *runtime.GroupRegistry, pending storage.IPendingRepository, connections func() int64) *Stats {
	return &Stats{sessions: sessions, groups: groups, pending: pending, connections: connections}
}

func (s *Stats) Sessions() int { return s.sessions.Count() }

func (s *Stats) Groups() int { return s.groups.Count() }

func (s *Stats) Connections() int64 {
	if s.connections == nil {
		return 0
	}
	return s.connections()
}

func (s *Stats) PendingByUser() (map[string]int, error) {
	return s.pending.Users()
}
