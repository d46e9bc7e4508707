package runtime

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// GroupRegistry owns group membership. It knows usernames only; delivery
// to members goes through the injected Deliverer.
type GroupRegistry struct {
	mu        sync.RWMutex
	log       *slog.Logger
	groups    map[string]*domain.Group
	deliverer contract.Deliverer
}

func NewGroupRegistry(log *slog.Logger, deliverer contract.Deliverer) *GroupRegistry {
	return &GroupRegistry{
		log:       log,
		groups:    make(map[string]*domain.Group),
		deliverer: deliverer,
	}
}

// Create registers a new group whose sole member is its creator.
func (g *GroupRegistry) Create(name, creator string) (domain.Group, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.groups[name]; ok {
		return domain.Group{}, fmt.Errorf("%w: group %s", errors.ErrAlreadyExists, name)
	}
	group := domain.NewGroup(name, creator, time.Now().UTC())
	g.groups[name] = group
	g.log.Info("Group created", "group", name, "creator", creator)
	return copyGroup(group), nil
}

func (g *GroupRegistry) Join(name, user string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	group, ok := g.groups[name]
	if !ok {
		return fmt.Errorf("%w: group %s", errors.ErrNotFound, name)
	}
	group.Members[user] = struct{}{}
	g.log.Debug("Group joined", "group", name, "user", user)
	return nil
}

// AddMember lets an existing member add target. Adding a member twice is
// a no-op.
func (g *GroupRegistry) AddMember(name, actor, target string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	group, ok := g.groups[name]
	if !ok {
		return fmt.Errorf("%w: group %s", errors.ErrNotFound, name)
	}
	if !group.Members.Has(actor) {
		return fmt.Errorf("%w: %s is not a member of %s", errors.ErrPermission, actor, name)
	}
	group.Members[target] = struct{}{}
	g.log.Debug("Group member added", "group", name, "actor", actor, "user", target)
	return nil
}

func (g *GroupRegistry) Members(name string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	group, ok := g.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", errors.ErrNotFound, name)
	}
	return group.Members.Sorted(), nil
}

func (g *GroupRegistry) Exists(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.groups[name]
	return ok
}

func (g *GroupRegistry) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := lo.Keys(g.groups)
	sort.Strings(names)
	return names
}

// Snapshot returns every group with its sorted members.
func (g *GroupRegistry) Snapshot() map[string][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return lo.MapValues(g.groups, func(group *domain.Group, _ string) []string {
		return group.Members.Sorted()
	})
}

func (g *GroupRegistry) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.groups)
}

// Recipients returns the members of name except sender. Anyone may post
// to an existing group.
func (g *GroupRegistry) Recipients(name, sender string) ([]string, error) {
	members, err := g.Members(name)
	if err != nil {
		return nil, err
	}
	return lo.Without(members, sender), nil
}

// Broadcast hands payload to every member except sender and returns how
// many members were notified, directly or through their offline queue.
// The membership snapshot is taken before any delivery so the lock is
// never held during network writes.
func (g *GroupRegistry) Broadcast(ctx context.Context, name, sender string, payload domain.Pending) (int, error) {
	recipients, err := g.Recipients(name, sender)
	if err != nil {
		return 0, err
	}

	payload.Group = name
	payload.From = sender
	notified := 0
	var firstErr error
	for _, member := range recipients {
		outcome, err := g.deliverer.Deliver(ctx, payload.For(member))
		if err != nil {
			g.log.Warn("Group delivery failed", "group", name, "user", member, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		g.log.Debug("Group delivery", "group", name, "user", member, "outcome", outcome)
		notified++
	}
	if notified == 0 && firstErr != nil {
		return 0, firstErr
	}
	return notified, nil
}

func copyGroup(group *domain.Group) domain.Group {
	members := make(domain.Set, len(group.Members))
	for m := range group.Members {
		members[m] = struct{}{}
	}
	return domain.Group{Name: group.Name, Creator: group.Creator, Members: members, CreatedAt: group.CreatedAt}
}
