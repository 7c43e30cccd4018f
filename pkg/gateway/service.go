package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/lo"

	"github.com/mahaj/messaging-core/pkg/accounts"
	"github.com/mahaj/messaging-core/pkg/auth"
	"github.com/mahaj/messaging-core/pkg/errs"
	"github.com/mahaj/messaging-core/pkg/model"
	"github.com/mahaj/messaging-core/pkg/registry"
	"github.com/mahaj/messaging-core/pkg/snowflake"
	"github.com/mahaj/messaging-core/pkg/store"
	"github.com/mahaj/messaging-core/pkg/validate"
)

type Verifier interface {
	VerifyToken(token string) (auth.Identity, error)
}

type MessageStore interface {
	Append(ctx context.Context, conversationID, senderID, recipientID, content string, isGroup bool) (model.Message, error)
	GetWindow(ctx context.Context, conversationID string, limit int, beforeID snowflake.ID) ([]model.Message, error)
	Get(ctx context.Context, id snowflake.ID) (model.Message, error)
}

type ReadTracker interface {
	OnRead(ctx context.Context, id snowflake.ID, readerID string) (model.Message, bool, error)
}

type Connections interface {
	Register(conn registry.Conn, userID string) (string, error)
	Subscribe(connectionID, conversationID string) error
	Unregister(connectionID string)
	UserOf(connectionID string) (string, bool)
	Online(userID string) bool
	Touch(connectionID string)
}

type StatusPublisher interface {
	StatusChanged(m model.Message)
}

type Groups interface {
	Members(ctx context.Context, groupID string) ([]string, error)
	AddMembers(ctx context.Context, groupID string, userIDs ...string) error
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
}

type Accounts interface {
	Register(ctx context.Context, req accounts.RegisterRequest) (accounts.Session, error)
	Login(ctx context.Context, req accounts.LoginRequest) (accounts.Session, error)
	Exists(ctx context.Context, userID string) (bool, error)
}

type RemotePresence interface {
	Online(ctx context.Context, userID string) (bool, error)
}

type Deps struct {
	Verifier    Verifier
	Store       MessageStore
	Tracker     ReadTracker
	Connections Connections
	Publisher   StatusPublisher
	Groups      Groups

	// Optional. Without Accounts direct recipients are not checked and the
	// auth routes answer 404; without Presence only local connections count.
	Accounts Accounts
	Presence RemotePresence

	// ReadOnly refuses new messages; receipts, history and pushes still work.
	ReadOnly bool
}

// Service is the transport independent entry point of the messaging core.
// Every call that takes a token verifies it before touching any component.
type Service struct {
	Deps
	log *slog.Logger
}

func NewService(deps Deps, log *slog.Logger) *Service {
	return &Service{Deps: deps, log: log}
}

// maxContentRunes bounds message content. Keep it in sync with the max tag below.
const maxContentRunes = 4096

type PostMessageRequest struct {
	Content     string `json:"content" validate:"required,max=4096"`
	RecipientID string `json:"recipient_id" validate:"required"`
	IsGroup     bool   `json:"is_group"`
}

type GetMessagesRequest struct {
	ReceiverID string       `json:"receiver_id" validate:"required"`
	IsGroup    bool         `json:"is_group"`
	Limit      int          `json:"limit" validate:"min=0"`
	BeforeID   snowflake.ID `json:"before_id"`
}

// Authenticate verifies a raw or "Bearer " prefixed token.
func (s *Service) Authenticate(token string) (auth.Identity, error) {
	return s.authenticate(token)
}

func (s *Service) authenticate(token string) (auth.Identity, error) {
	return s.Verifier.VerifyToken(strings.TrimSpace(strings.TrimPrefix(token, "Bearer ")))
}

// PostMessage appends a message for the caller. Push to recipients happens
// asynchronously through the store observer.
func (s *Service) PostMessage(ctx context.Context, token string, req PostMessageRequest) (model.Message, error) {
	id, err := s.authenticate(token)
	if err != nil {
		return model.Message{}, err
	}
	// Whitespace only content counts as empty.
	if strings.TrimSpace(req.Content) == "" {
		req.Content = ""
	}
	if err := validate.Struct(req); err != nil {
		return model.Message{}, err
	}
	if s.ReadOnly {
		return model.Message{}, fmt.Errorf("node does not accept writes: %w", errs.ErrForbidden)
	}

	if req.IsGroup {
		if err := s.requireMember(ctx, req.RecipientID, id.UserID); err != nil {
			return model.Message{}, err
		}
	} else if err := s.requireAccount(ctx, req.RecipientID); err != nil {
		return model.Message{}, err
	}

	conv := store.ConversationID(id.UserID, req.RecipientID, req.IsGroup)
	m, err := s.Store.Append(ctx, conv, id.UserID, req.RecipientID, req.Content, req.IsGroup)
	if err != nil {
		return model.Message{}, err
	}
	s.log.Debug("message appended", "message_id", m.ID, "conversation_id", conv, "user_id", id.UserID)
	return m, nil
}

// GetMessages pages backwards through a conversation the caller belongs to.
func (s *Service) GetMessages(ctx context.Context, token string, req GetMessagesRequest) ([]model.Message, error) {
	id, err := s.authenticate(token)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	if req.IsGroup {
		if err := s.requireMember(ctx, req.ReceiverID, id.UserID); err != nil {
			return nil, err
		}
	}
	conv := store.ConversationID(id.UserID, req.ReceiverID, req.IsGroup)
	return s.Store.GetWindow(ctx, conv, req.Limit, req.BeforeID)
}

// MarkRead records a read receipt from the caller, who must be a recipient.
func (s *Service) MarkRead(ctx context.Context, token string, messageID snowflake.ID) error {
	id, err := s.authenticate(token)
	if err != nil {
		return err
	}
	if messageID <= 0 {
		return errs.Field("message_id", "required")
	}

	m, err := s.Store.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if err := s.requireRecipient(ctx, m, id.UserID); err != nil {
		return err
	}

	updated, changed, err := s.Tracker.OnRead(ctx, messageID, id.UserID)
	if err != nil {
		return err
	}
	if changed {
		s.Publisher.StatusChanged(updated)
	}
	return nil
}

// Connect registers conn for the caller and returns the identity and connection id.
func (s *Service) Connect(ctx context.Context, token string, conn registry.Conn) (auth.Identity, string, error) {
	id, err := s.authenticate(token)
	if err != nil {
		return auth.Identity{}, "", err
	}
	connID, err := s.Connections.Register(conn, id.UserID)
	if err != nil {
		return auth.Identity{}, "", err
	}
	s.log.Info("client connected", "connection_id", connID, "user_id", id.UserID)
	return id, connID, nil
}

// Subscribe attaches one of the caller's connections to a conversation and
// returns the conversation id.
func (s *Service) Subscribe(ctx context.Context, token, connectionID, receiverID string, isGroup bool) (string, error) {
	id, err := s.authenticate(token)
	if err != nil {
		return "", err
	}
	if receiverID == "" {
		return "", errs.Field("receiver_id", "required")
	}
	owner, ok := s.Connections.UserOf(connectionID)
	if !ok {
		return "", fmt.Errorf("connection %s: %w", connectionID, errs.ErrNotFound)
	}
	if owner != id.UserID {
		return "", fmt.Errorf("connection %s belongs to another user: %w", connectionID, errs.ErrForbidden)
	}
	if isGroup {
		if err := s.requireMember(ctx, receiverID, id.UserID); err != nil {
			return "", err
		}
	}
	conv := store.ConversationID(id.UserID, receiverID, isGroup)
	if err := s.Connections.Subscribe(connectionID, conv); err != nil {
		return "", err
	}
	return conv, nil
}

func (s *Service) Disconnect(connectionID string) {
	s.Connections.Unregister(connectionID)
	s.log.Info("client disconnected", "connection_id", connectionID)
}

func (s *Service) Touch(connectionID string) {
	s.Connections.Touch(connectionID)
}

// AddGroupMembers creates the group with the caller as first member when it
// has neither members nor messages; otherwise only members may add.
func (s *Service) AddGroupMembers(ctx context.Context, token, groupID string, userIDs []string) error {
	id, err := s.authenticate(token)
	if err != nil {
		return err
	}
	userIDs = lo.Uniq(lo.Compact(userIDs))
	if groupID == "" {
		return errs.Field("group_id", "required")
	}

	members, err := s.Groups.Members(ctx, groupID)
	if err != nil {
		return errs.Unavailable("group members", err)
	}
	if len(members) == 0 {
		// A group with history but no members lost its directory, it is not up for grabs.
		history, err := s.Store.GetWindow(ctx, store.GroupConversationID(groupID), 1, 0)
		if err != nil {
			return err
		}
		if len(history) > 0 {
			return fmt.Errorf("group %s has history but no members: %w", groupID, errs.ErrForbidden)
		}
		userIDs = lo.Uniq(append([]string{id.UserID}, userIDs...))
	} else if !lo.Contains(members, id.UserID) {
		return fmt.Errorf("user %s is not a member of %s: %w", id.UserID, groupID, errs.ErrForbidden)
	}
	if len(userIDs) == 0 {
		return errs.Field("user_ids", "required")
	}
	if err := s.Groups.AddMembers(ctx, groupID, userIDs...); err != nil {
		return errs.Unavailable("add group members", err)
	}
	s.log.Info("group members added", "group_id", groupID, "user_id", id.UserID, "added", len(userIDs))
	return nil
}

// Online reports whether userID has a live connection on any node.
func (s *Service) Online(ctx context.Context, token, userID string) (bool, error) {
	if _, err := s.authenticate(token); err != nil {
		return false, err
	}
	if s.Connections.Online(userID) {
		return true, nil
	}
	if s.Presence == nil {
		return false, nil
	}
	online, err := s.Presence.Online(ctx, userID)
	if err != nil {
		s.log.Warn("remote presence lookup failed", "user_id", userID, "err", err)
		return false, nil
	}
	return online, nil
}

func (s *Service) Register(ctx context.Context, req accounts.RegisterRequest) (accounts.Session, error) {
	if s.Accounts == nil {
		return accounts.Session{}, fmt.Errorf("accounts: %w", errs.ErrNotFound)
	}
	return s.Accounts.Register(ctx, req)
}

func (s *Service) Login(ctx context.Context, req accounts.LoginRequest) (accounts.Session, error) {
	if s.Accounts == nil {
		return accounts.Session{}, fmt.Errorf("accounts: %w", errs.ErrNotFound)
	}
	return s.Accounts.Login(ctx, req)
}

func (s *Service) requireMember(ctx context.Context, groupID, userID string) error {
	ok, err := s.Groups.IsMember(ctx, groupID, userID)
	if err != nil {
		return errs.Unavailable("group membership", err)
	}
	if !ok {
		return fmt.Errorf("user %s is not a member of %s: %w", userID, groupID, errs.ErrForbidden)
	}
	return nil
}

func (s *Service) requireAccount(ctx context.Context, userID string) error {
	if s.Accounts == nil {
		return nil
	}
	ok, err := s.Accounts.Exists(ctx, userID)
	if err != nil {
		return errs.Unavailable("account lookup", err)
	}
	if !ok {
		return fmt.Errorf("recipient %s: %w", userID, errs.ErrNotFound)
	}
	return nil
}

func (s *Service) requireRecipient(ctx context.Context, m model.Message, userID string) error {
	forbidden := fmt.Errorf("user %s is not a recipient of %s: %w", userID, m.ID, errs.ErrForbidden)
	if !m.IsGroup {
		if m.RecipientID != userID {
			return forbidden
		}
		return nil
	}
	if m.SenderID == userID {
		return forbidden
	}
	err := s.requireMember(ctx, m.RecipientID, userID)
	if errors.Is(err, errs.ErrForbidden) {
		return forbidden
	}
	return err
}
