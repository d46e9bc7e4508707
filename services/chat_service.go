package services

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/protocol"
	"chat-relay/runtime"
	"context"
	"fmt"
	"io"
	"log/slog"
)

const welcomeMessage = "auth_ok"

type IChatService interface {
	Login(ctx context.Context, peer contract.Peer) (int, error)
	Logout(username string, peer contract.Peer)
	SendMessage(ctx context.Context, from, to, text string) (contract.Outcome, error)
	SendGroupMessage(ctx context.Context, from, group, text string) (int, error)
	SendFile(ctx context.Context, from string, req protocol.File, body io.Reader) (FileReceipt, error)
	CreateGroup(creator, group string) error
	JoinGroup(user, group string) error
	AddToGroup(ctx context.Context, actor, group, user string) error
	List() protocol.ListReply
}

// ChatService is what a connection router talks to once its user is
// known. It holds no state of its own.
type ChatService struct {
	log      *slog.Logger
	sessions *runtime.SessionRegistry
	groups   *runtime.GroupRegistry
	delivery *DeliveryService
	files    *FileRelay
}

func NewChatService(
	log *slog.Logger,
	sessions *runtime.SessionRegistry,
	groups *runtime.GroupRegistry,
	delivery *DeliveryService,
	files *FileRelay,
) *ChatService {
	return &ChatService{
		log:      log,
		sessions: sessions,
		groups:   groups,
		delivery: delivery,
		files:    files,
	}
}

// Login registers peer, replies auth_ok and flushes what was queued
// while its user was away.
func (s *ChatService) Login(ctx context.Context, peer contract.Peer) (int, error) {
	return s.delivery.Attach(ctx, peer, protocol.Info{Message: welcomeMessage})
}

func (s *ChatService) Logout(username string, peer contract.Peer) {
	s.delivery.Detach(username, peer)
}

func (s *ChatService) SendMessage(ctx context.Context, from, to, text string) (contract.Outcome, error) {
	return s.delivery.Deliver(ctx, domain.NewMessage(from, to, text))
}

func (s *ChatService) SendGroupMessage(ctx context.Context, from, group, text string) (int, error) {
	return s.groups.Broadcast(ctx, group, from, domain.NewGroupMessage(from, group, text))
}

func (s *ChatService) SendFile(ctx context.Context, from string, req protocol.File, body io.Reader) (FileReceipt, error) {
	return s.files.SendFile(ctx, from, req, body)
}

func (s *ChatService) CreateGroup(creator, group string) error {
	_, err := s.groups.Create(group, creator)
	return err
}

func (s *ChatService) JoinGroup(user, group string) error {
	return s.groups.Join(group, user)
}

// AddToGroup adds user to group on behalf of actor and notifies user,
// through its queue if needed. A failed notice does not undo the add.
func (s *ChatService) AddToGroup(ctx context.Context, actor, group, user string) error {
	if err := s.groups.AddMember(group, actor, user); err != nil {
		return err
	}
	if user == actor {
		return nil
	}
	notice := domain.NewNotice(actor, user, fmt.Sprintf("added_to_group:%s:%s", group, actor))
	if _, err := s.delivery.Deliver(ctx, notice); err != nil {
		s.log.Warn("Group notice not delivered", "group", group, "user", user, "error", err)
	}
	return nil
}

func (s *ChatService) List() protocol.ListReply {
	return protocol.ListReply{
		Online: s.sessions.ListActive(),
		Groups: s.groups.Snapshot(),
	}
}
