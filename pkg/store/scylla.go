package store

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/gocql/gocql"

	"github.com/mahaj/messaging-core/pkg/errs"
	"github.com/mahaj/messaging-core/pkg/model"
	"github.com/mahaj/messaging-core/pkg/snowflake"
)

const selectMessage = `SELECT id, conversation_id, sender_id, recipient_id, content, created_at, is_group, status, read_by FROM messages`

// ScyllaBackend stores records in `messages` and the per-conversation order in
// `conversation_messages` (clustered by id DESC). Both are written in one logged batch.
type ScyllaBackend struct {
	session *gocql.Session
}

func NewScyllaBackend(session *gocql.Session) *ScyllaBackend {
	return &ScyllaBackend{session: session}
}

func (s *ScyllaBackend) Insert(ctx context.Context, m model.Message) error {
	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`INSERT INTO messages (id, conversation_id, sender_id, recipient_id, content, created_at, is_group, status, read_by) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(m.ID), m.ConversationID, m.SenderID, m.RecipientID, m.Content, m.CreatedAt, m.IsGroup, int8(m.Status.Rank()), m.ReadBy)
	batch.Query(`INSERT INTO conversation_messages (conversation_id, id) VALUES (?, ?)`,
		m.ConversationID, int64(m.ID))
	return s.session.ExecuteBatch(batch)
}

func (s *ScyllaBackend) Window(ctx context.Context, conversationID string, limit int, before snowflake.ID) ([]model.Message, error) {
	var q *gocql.Query
	if before == 0 {
		q = s.session.Query(`SELECT id FROM conversation_messages WHERE conversation_id = ? LIMIT ?`, conversationID, limit)
	} else {
		q = s.session.Query(`SELECT id FROM conversation_messages WHERE conversation_id = ? AND id < ? LIMIT ?`, conversationID, int64(before), limit)
	}

	var ids []int64
	var id int64
	iter := q.WithContext(ctx).Iter()
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []model.Message{}, nil
	}

	out := make([]model.Message, 0, len(ids))
	iter = s.session.Query(selectMessage+` WHERE id IN ?`, ids).WithContext(ctx).Iter()
	for {
		m, ok, err := scanMessage(iter)
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, m)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	slices.SortFunc(out, func(a, b model.Message) int {
		if a.Before(b) {
			return -1
		}
		if b.Before(a) {
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *ScyllaBackend) Get(ctx context.Context, id snowflake.ID) (model.Message, error) {
	iter := s.session.Query(selectMessage+` WHERE id = ?`, int64(id)).WithContext(ctx).Iter()
	m, ok, err := scanMessage(iter)
	cerr := iter.Close()
	if err != nil {
		return model.Message{}, err
	}
	if cerr != nil {
		return model.Message{}, cerr
	}
	if !ok {
		return model.Message{}, fmt.Errorf("message %s: %w", id, errs.ErrNotFound)
	}
	return m, nil
}

// advanceAttempts bounds the compare and set loop in Advance.
const advanceAttempts = 8

// Advance writes status and readers in one lightweight transaction conditioned
// on the status it read, and retries from a fresh read when another writer won.
func (s *ScyllaBackend) Advance(ctx context.Context, id snowflake.ID, to model.Status, readerID string) (model.Message, bool, error) {
	for range advanceAttempts {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return model.Message{}, false, err
		}

		next := cur.Status
		if to.Rank() > next.Rank() {
			next = to
		}
		var readers []string
		if readerID != "" && to == model.StatusRead && !slices.Contains(cur.ReadBy, readerID) {
			readers = []string{readerID}
		}
		if next == cur.Status && len(readers) == 0 {
			return cur, false, nil
		}

		stmt := `UPDATE messages SET status = ? WHERE id = ? IF status = ?`
		args := []any{int8(next.Rank()), int64(id), int8(cur.Status.Rank())}
		if len(readers) > 0 {
			stmt = `UPDATE messages SET status = ?, read_by = read_by + ? WHERE id = ? IF status = ?`
			args = []any{int8(next.Rank()), readers, int64(id), int8(cur.Status.Rank())}
		}
		var existing int8
		applied, err := s.session.Query(stmt, args...).WithContext(ctx).ScanCAS(&existing)
		if err != nil {
			return model.Message{}, false, err
		}
		if applied {
			m, err := s.Get(ctx, id)
			return m, true, err
		}
	}
	return model.Message{}, false, fmt.Errorf("advance message %s: %w", id, errs.ErrConflict)
}

func (s *ScyllaBackend) Close() error {
	s.session.Close()
	return nil
}

func scanMessage(iter *gocql.Iter) (model.Message, bool, error) {
	var (
		m         model.Message
		id        int64
		createdAt time.Time
		rank      int8
		readBy    []string
	)
	if !iter.Scan(&id, &m.ConversationID, &m.SenderID, &m.RecipientID, &m.Content, &createdAt, &m.IsGroup, &rank, &readBy) {
		return m, false, nil
	}
	status, err := model.StatusFromRank(int(rank))
	if err != nil {
		return m, false, err
	}
	m.ID = snowflake.ID(id)
	m.CreatedAt = createdAt.UTC()
	m.Status = status
	if len(readBy) > 0 {
		slices.Sort(readBy)
		m.ReadBy = readBy
	}
	return m, true, nil
}

var _ Backend = (*ScyllaBackend)(nil)
var _ Backend = (*BadgerBackend)(nil)
