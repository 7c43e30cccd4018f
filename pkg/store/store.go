package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mahaj/messaging-core/pkg/errs"
	"github.com/mahaj/messaging-core/pkg/model"
	"github.com/mahaj/messaging-core/pkg/snowflake"
)

const (
	DefaultWindow = 50
	MaxWindow     = 100
)

// Backend is the durable engine behind the Store.
//
// Insert must apply the record and its conversation index atomically.
// Window returns up to limit ids older than before (0 = newest), in ascending order.
// Advance applies model.Message.Advance atomically against the stored record.
type Backend interface {
	Insert(ctx context.Context, m model.Message) error
	Window(ctx context.Context, conversationID string, limit int, before snowflake.ID) ([]model.Message, error)
	Get(ctx context.Context, id snowflake.ID) (model.Message, error)
	Advance(ctx context.Context, id snowflake.ID, to model.Status, readerID string) (model.Message, bool, error)
	Close() error
}

// AppendObserver is called in append order while the conversation is still locked.
// It must not block.
type AppendObserver func(model.Message)

type Store struct {
	backend Backend
	ids     *snowflake.Node
	locks   *keyLock
	log     *slog.Logger

	obsMu     sync.RWMutex
	observers []AppendObserver
}

func New(backend Backend, ids *snowflake.Node, log *slog.Logger) *Store {
	return &Store{
		backend: backend,
		ids:     ids,
		locks:   newKeyLock(),
		log:     log,
	}
}

func (s *Store) Observe(fn AppendObserver) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, fn)
}

// Append assigns id, timestamp and status server side and durably appends the message.
// Appends to one conversation are linearized; different conversations never share a lock.
func (s *Store) Append(ctx context.Context, conversationID, senderID, recipientID, content string, isGroup bool) (model.Message, error) {
	fields := map[string]string{}
	if conversationID == "" {
		fields["conversation_id"] = "required"
	}
	if senderID == "" {
		fields["sender_id"] = "required"
	}
	if recipientID == "" {
		fields["recipient_id"] = "required"
	}
	if strings.TrimSpace(content) == "" {
		fields["content"] = "required"
	}
	if len(fields) > 0 {
		return model.Message{}, errs.Validation(fields)
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	id := s.ids.Generate()
	msg := model.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		RecipientID:    recipientID,
		Content:        content,
		CreatedAt:      id.Time(),
		IsGroup:        isGroup,
		Status:         model.StatusSent,
	}

	if err := s.backend.Insert(ctx, msg); err != nil {
		s.log.Error("append failed", "conversation_id", conversationID, "message_id", id, "err", err)
		return model.Message{}, asUnavailable("append", err)
	}

	s.obsMu.RLock()
	for _, fn := range s.observers {
		fn(msg)
	}
	s.obsMu.RUnlock()

	return msg, nil
}

// GetWindow returns up to limit messages older than beforeID, oldest first.
func (s *Store) GetWindow(ctx context.Context, conversationID string, limit int, beforeID snowflake.ID) ([]model.Message, error) {
	if conversationID == "" {
		return nil, errs.Field("conversation_id", "required")
	}
	if limit <= 0 {
		limit = DefaultWindow
	}
	if limit > MaxWindow {
		limit = MaxWindow
	}
	msgs, err := s.backend.Window(ctx, conversationID, limit, beforeID)
	if err != nil {
		return nil, asUnavailable("get window", err)
	}
	return msgs, nil
}

func (s *Store) Get(ctx context.Context, id snowflake.ID) (model.Message, error) {
	m, err := s.backend.Get(ctx, id)
	if err != nil {
		return model.Message{}, asUnavailable("get message", err)
	}
	return m, nil
}

// SetStatus advances the message status; a non-advancing target is a no-op.
func (s *Store) SetStatus(ctx context.Context, id snowflake.ID, to model.Status) (model.Message, bool, error) {
	if !to.Valid() {
		return model.Message{}, false, errs.Field("status", fmt.Sprintf("unknown status %q", to))
	}
	return s.advance(ctx, id, to, "")
}

// MarkReadBy advances the message to read and records readerID as a reader.
func (s *Store) MarkReadBy(ctx context.Context, id snowflake.ID, readerID string) (model.Message, bool, error) {
	if readerID == "" {
		return model.Message{}, false, errs.Field("reader_id", "required")
	}
	return s.advance(ctx, id, model.StatusRead, readerID)
}

func (s *Store) advance(ctx context.Context, id snowflake.ID, to model.Status, readerID string) (model.Message, bool, error) {
	m, changed, err := s.backend.Advance(ctx, id, to, readerID)
	if err != nil {
		return model.Message{}, false, asUnavailable("set status", err)
	}
	if changed {
		s.log.Debug("status advanced", "message_id", id, "status", m.Status, "reader", readerID)
	}
	return m, changed, nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// asUnavailable keeps domain errors and classifies everything else as a backend outage.
func asUnavailable(op string, err error) error {
	if errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrValidation) || errors.Is(err, errs.ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return errs.Unavailable(op, err)
}
