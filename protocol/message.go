package protocol

import (
	"chat-relay/errors"
	"encoding/json"
	"fmt"
	"io"
)

type Type string

const (
	TypeAuth        Type = "auth"
	TypeMsg         Type = "msg"
	TypeGroupMsg    Type = "group_msg"
	TypeFile        Type = "file"
	TypeCreateGroup Type = "create_group"
	TypeJoinGroup   Type = "join_group"
	TypeAddToGroup  Type = "add_to_group"
	TypeList        Type = "list"
	TypeQuit        Type = "quit"
)

const (
	TargetUser  = "user"
	TargetGroup = "group"
)

// Message is one of the nine client requests. The set is closed: only
// types of this package implement it.
type Message interface {
	Type() Type
	sealed()
}

type Auth struct {
	Username string `validate:"required,handle"`
}

type PrivateMessage struct {
	To   string `validate:"required,handle"`
	Text string `validate:"required"`
}

type GroupMessage struct {
	Group string `validate:"required,handle"`
	Text  string `validate:"required"`
}

// File announces Size raw bytes following the frame. Target is "user",
// "group" or empty, in which case the relay resolves To itself.
type File struct {
	To       string `validate:"required,handle"`
	Target   string `validate:"omitempty,oneof=user group"`
	Filename string `validate:"required,max=255,basename"`
	Size     int64  `validate:"gte=0"`
}

type CreateGroup struct {
	Group string `validate:"required,handle"`
}

type JoinGroup struct {
	Group string `validate:"required,handle"`
}

type AddToGroup struct {
	Group    string `validate:"required,handle"`
	Username string `validate:"required,handle"`
}

type List struct{}

type Quit struct{}

func (Auth) Type() Type           { return TypeAuth }
func (PrivateMessage) Type() Type { return TypeMsg }
func (GroupMessage) Type() Type   { return TypeGroupMsg }
func (File) Type() Type           { return TypeFile }
func (CreateGroup) Type() Type    { return TypeCreateGroup }
func (JoinGroup) Type() Type      { return TypeJoinGroup }
func (AddToGroup) Type() Type     { return TypeAddToGroup }
func (List) Type() Type           { return TypeList }
func (Quit) Type() Type           { return TypeQuit }

func (Auth) sealed()           {}
func (PrivateMessage) sealed() {}
func (GroupMessage) sealed()   {}
func (File) sealed()           {}
func (CreateGroup) sealed()    {}
func (JoinGroup) sealed()      {}
func (AddToGroup) sealed()     {}
func (List) sealed()           {}
func (Quit) sealed()           {}

// wireMessage is the union of every request field, including the names
// used by older clients (filesize, user_to_add).
type wireMessage struct {
	Type      Type   `json:"type"`
	Username  string `json:"username"`
	UserToAdd string `json:"user_to_add"`
	To        string `json:"to"`
	Text      string `json:"text"`
	Group     string `json:"group"`
	Target    string `json:"target"`
	Filename  string `json:"filename"`
	Size      *int64 `json:"size"`
	FileSize  *int64 `json:"filesize"`
}

// Codec bounds what a peer may announce.
type Codec struct {
	maxFrameSize uint32
	maxFileSize  int64
}

func NewCodec(maxFrameSize uint32, maxFileSize int64) Codec {
	return Codec{maxFrameSize: maxFrameSize, maxFileSize: maxFileSize}
}

// ReadMessage reads and decodes the next frame. The body of a File is
// left on r for the caller.
func (c Codec) ReadMessage(r io.Reader) (Message, error) {
	payload, err := ReadFrame(r, c.maxFrameSize)
	if err != nil {
		return nil, err
	}
	return c.Decode(payload)
}

// Decode turns a payload into its Message variant.
// ErrProtocol means the connection cannot continue. ErrBadRequest means
// the frame was readable but incomplete; for a File the returned value
// still carries Size so the caller can skip the body.
func (c Codec) Decode(payload []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", errors.ErrProtocol, err)
	}

	var msg Message
	switch w.Type {
	case TypeAuth:
		msg = Auth{Username: w.Username}
	case TypeMsg:
		msg = PrivateMessage{To: w.To, Text: w.Text}
	case TypeGroupMsg:
		msg = GroupMessage{Group: w.Group, Text: w.Text}
	case TypeFile:
		file, err := c.decodeFile(w)
		if err != nil {
			return nil, err
		}
		msg = file
	case TypeCreateGroup:
		msg = CreateGroup{Group: w.Group}
	case TypeJoinGroup:
		msg = JoinGroup{Group: w.Group}
	case TypeAddToGroup:
		username := w.Username
		if username == "" {
			username = w.UserToAdd
		}
		msg = AddToGroup{Group: w.Group, Username: username}
	case TypeList:
		msg = List{}
	case TypeQuit:
		msg = Quit{}
	case "":
		return nil, fmt.Errorf("%w: missing type", errors.ErrBadRequest)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", errors.ErrBadRequest, w.Type)
	}

	if err := validate.Struct(msg); err != nil {
		return msg, fmt.Errorf("%w: %s: %v", errors.ErrBadRequest, msg.Type(), err)
	}
	return msg, nil
}

func (c Codec) decodeFile(w wireMessage) (File, error) {
	size := w.Size
	if size == nil {
		size = w.FileSize
	}
	if size == nil {
		return File{}, fmt.Errorf("%w: file frame without size", errors.ErrProtocol)
	}
	if *size < 0 || *size > c.maxFileSize {
		return File{}, fmt.Errorf("%w: file size %d outside [0, %d]", errors.ErrProtocol, *size, c.maxFileSize)
	}

	file := File{To: w.To, Target: w.Target, Filename: w.Filename, Size: *size}
	// older clients name the group in its own field
	if w.Group != "" && (w.Target == TargetGroup || w.To == "") {
		file.To = w.Group
		file.Target = TargetGroup
	}
	return file, nil
}

// EncodeMessage is the client side counterpart of Decode.
func EncodeMessage(msg Message) ([]byte, error) {
	w := wireMessage{Type: msg.Type()}
	switch m := msg.(type) {
	case Auth:
		w.Username = m.Username
	case PrivateMessage:
		w.To, w.Text = m.To, m.Text
	case GroupMessage:
		w.Group, w.Text = m.Group, m.Text
	case File:
		w.To, w.Target, w.Filename, w.Size = m.To, m.Target, m.Filename, &m.Size
	case CreateGroup:
		w.Group = m.Group
	case JoinGroup:
		w.Group = m.Group
	case AddToGroup:
		w.Group, w.Username = m.Group, m.Username
	case List, Quit:
	}
	return json.Marshal(compactWire(w))
}

// compactWire drops empty fields so encoded requests stay minimal.
func compactWire(w wireMessage) map[string]any {
	out := map[string]any{"type": w.Type}
	set := func(key, value string) {
		if value != "" {
			out[key] = value
		}
	}
	set("username", w.Username)
	set("to", w.To)
	set("text", w.Text)
	set("group", w.Group)
	set("target", w.Target)
	set("filename", w.Filename)
	if w.Size != nil {
		out["size"] = *w.Size
	}
	return out
}
