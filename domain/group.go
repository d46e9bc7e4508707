package domain

import (
	"sort"
	"time"
)

type Set map[string]struct{}

func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Sorted returns the members in a stable order.
func (s Set) Sorted() []string {
	res := make([]string, 0, len(s))
	for name := range s {
		res = append(res, name)
	}
	sort.Strings(res)
	return res
}

// Group is a named set of usernames with fan-out messaging.
// Groups are never deleted.
type Group struct {
	Name      string
	Creator   string
	Members   Set
	CreatedAt time.Time
}

func NewGroup(name, creator string, at time.Time) *Group {
	return &Group{
		Name:      name,
		Creator:   creator,
		Members:   Set{creator: {}},
		CreatedAt: at,
	}
}
