package storage

import (
	"chat-relay/domain"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Values are stored as protobuf wire messages. Field numbers are part of
// the on-disk format and must never be reused.
const (
	pendingSeq protowire.Number = iota + 1
	pendingTarget
	pendingKind
	pendingFrom
	pendingGroup
	pendingText
	pendingFileID
	pendingEnqueuedAt
)

const (
	stagedID protowire.Number = iota + 1
	stagedSender
	stagedTarget
	stagedGroup
	stagedFilename
	stagedSize
	stagedMime
	stagedChecksum
	stagedPath
	stagedRefs
	stagedCreatedAt
)

func marshalPending(p domain.Pending) []byte {
	var b []byte
	b = appendVarint(b, pendingSeq, p.Seq)
	b = appendString(b, pendingTarget, p.Target)
	b = appendVarint(b, pendingKind, uint64(p.Kind))
	b = appendString(b, pendingFrom, p.From)
	b = appendString(b, pendingGroup, p.Group)
	b = appendString(b, pendingText, p.Text)
	b = appendString(b, pendingFileID, p.FileID)
	b = appendTime(b, pendingEnqueuedAt, p.EnqueuedAt)
	return b
}

func unmarshalPending(b []byte) (domain.Pending, error) {
	var p domain.Pending
	err := consumeFields(b, func(num protowire.Number, v uint64, s string) {
		switch num {
		case pendingSeq:
			p.Seq = v
		case pendingTarget:
			p.Target = s
		case pendingKind:
			p.Kind = domain.PendingKind(v)
		case pendingFrom:
			p.From = s
		case pendingGroup:
			p.Group = s
		case pendingText:
			p.Text = s
		case pendingFileID:
			p.FileID = s
		case pendingEnqueuedAt:
			p.EnqueuedAt = fromUnixNano(v)
		}
	})
	return p, err
}

func marshalStagedFile(f domain.StagedFile) []byte {
	var b []byte
	b = appendString(b, stagedID, f.ID)
	b = appendString(b, stagedSender, f.Sender)
	b = appendString(b, stagedTarget, f.Target)
	b = appendVarint(b, stagedGroup, protowire.EncodeBool(f.Group))
	b = appendString(b, stagedFilename, f.Filename)
	b = appendVarint(b, stagedSize, uint64(f.Size))
	b = appendString(b, stagedMime, f.Mime)
	b = appendString(b, stagedChecksum, f.Checksum)
	b = appendString(b, stagedPath, f.Path)
	b = appendVarint(b, stagedRefs, uint64(f.Refs))
	b = appendTime(b, stagedCreatedAt, f.CreatedAt)
	return b
}

func unmarshalStagedFile(b []byte) (domain.StagedFile, error) {
	var f domain.StagedFile
	err := consumeFields(b, func(num protowire.Number, v uint64, s string) {
		switch num {
		case stagedID:
			f.ID = s
		case stagedSender:
			f.Sender = s
		case stagedTarget:
			f.Target = s
		case stagedGroup:
			f.Group = protowire.DecodeBool(v)
		case stagedFilename:
			f.Filename = s
		case stagedSize:
			f.Size = int64(v)
		case stagedMime:
			f.Mime = s
		case stagedChecksum:
			f.Checksum = s
		case stagedPath:
			f.Path = s
		case stagedRefs:
			f.Refs = int(v)
		case stagedCreatedAt:
			f.CreatedAt = fromUnixNano(v)
		}
	})
	return f, err
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	return appendVarint(b, num, uint64(t.UnixNano()))
}

func fromUnixNano(v uint64) time.Time {
	return time.Unix(0, int64(v)).UTC()
}

// consumeFields walks a wire message, handing varint and bytes fields to
// visit. Unknown wire types are skipped.
func consumeFields(b []byte, visit func(num protowire.Number, v uint64, s string)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("decoding tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("decoding field %d: %w", num, protowire.ParseError(n))
			}
			visit(num, v, "")
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("decoding field %d: %w", num, protowire.ParseError(n))
			}
			visit(num, 0, string(v))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("skipping field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
