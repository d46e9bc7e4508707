package protocol

import (
	"encoding/json"
	"fmt"
)

// Reply is a server to client frame.
type Reply interface {
	ReplyType() string
}

type Info struct {
	Message string `json:"message"`
	From    string `json:"from,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type MessageDelivery struct {
	From string `json:"from"`
	To   string `json:"to"`
	Text string `json:"text"`
}

type GroupMessageDelivery struct {
	From  string `json:"from"`
	Group string `json:"group"`
	Text  string `json:"text"`
}

// FileDelivery is followed on the wire by exactly Size bytes.
type FileDelivery struct {
	From     string `json:"from"`
	To       string `json:"to,omitempty"`
	Group    string `json:"group,omitempty"`
	Target   string `json:"target"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Mime     string `json:"mime,omitempty"`
}

type ListReply struct {
	Online []string            `json:"online"`
	Groups map[string][]string `json:"groups"`
}

func (Info) ReplyType() string                 { return "info" }
func (Error) ReplyType() string                { return "error" }
func (MessageDelivery) ReplyType() string      { return string(TypeMsg) }
func (GroupMessageDelivery) ReplyType() string { return string(TypeGroupMsg) }
func (FileDelivery) ReplyType() string         { return string(TypeFile) }
func (ListReply) ReplyType() string            { return string(TypeList) }

// Encode serializes a reply as a JSON object whose first key is "type".
func Encode(r Reply) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("reply %T is not a json object", r)
	}
	tag, err := json.Marshal(r.ReplyType())
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(tag)+9)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	return append(out, body[1:]...), nil
}

// Event is the client side view of any server frame.
type Event struct {
	Type     string              `json:"type"`
	Message  string              `json:"message,omitempty"`
	Code     string              `json:"code,omitempty"`
	From     string              `json:"from,omitempty"`
	To       string              `json:"to,omitempty"`
	Group    string              `json:"group,omitempty"`
	Target   string              `json:"target,omitempty"`
	Text     string              `json:"text,omitempty"`
	Filename string              `json:"filename,omitempty"`
	Size     int64               `json:"size,omitempty"`
	Mime     string              `json:"mime,omitempty"`
	Online   []string            `json:"online,omitempty"`
	Groups   map[string][]string `json:"groups,omitempty"`
}

func DecodeEvent(payload []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(payload, &e)
	return e, err
}
