// Package domain contains core concepts of the relay.
// This file defines pending deliveries kept for offline users.
// No network or storage logic should be added here.
package domain

import "time"

type PendingKind int

const (
	KindMessage PendingKind = iota + 1
	KindGroupMessage
	KindFileReady
	KindNotice
)

func (k PendingKind) String() string {
	switch k {
	case KindMessage:
		return "msg"
	case KindGroupMessage:
		return "group_msg"
	case KindFileReady:
		return "file"
	case KindNotice:
		return "notice"
	default:
		return "unknown"
	}
}

// Pending is a payload waiting for its target to come back online.
// Seq is assigned by the queue on enqueue and defines the delivery order.
type Pending struct {
	Seq        uint64
	Target     string
	Kind       PendingKind
	From       string
	Group      string
	Text       string
	FileID     string
	EnqueuedAt time.Time
}

func NewMessage(from, to, text string) Pending {
	return Pending{Target: to, Kind: KindMessage, From: from, Text: text}
}

func NewGroupMessage(from, group, text string) Pending {
	return Pending{Kind: KindGroupMessage, From: from, Group: group, Text: text}
}

func NewNotice(from, to, text string) Pending {
	return Pending{Target: to, Kind: KindNotice, From: from, Text: text}
}

// NewFileReady references a staged file instead of carrying its bytes.
func NewFileReady(from, group, fileID string) Pending {
	return Pending{Kind: KindFileReady, From: from, Group: group, FileID: fileID}
}

// For returns a copy addressed to target.
func (p Pending) For(target string) Pending {
	p.Target = target
	return p
}
