package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/dgraph-io/badger/v4"

	"github.com/mahaj/messaging-core/pkg/errs"
	"github.com/mahaj/messaging-core/pkg/model"
	"github.com/mahaj/messaging-core/pkg/snowflake"
)

const (
	maxConflictRetries = 16
	seekNewest         = "9999999999999999999"
)

// BadgerBackend keeps two key families in one embedded database:
//
//	msg:{id}                         -> JSON message record
//	idx:{len}:{conversation_id}:{id} -> empty, one per message, ordered by id
//
// The conversation id is length prefixed so that no conversation prefix can
// be a prefix of another one.
type BadgerBackend struct {
	db *badger.DB
}

func NewBadgerBackend(db *badger.DB) *BadgerBackend {
	return &BadgerBackend{db: db}
}

func msgKey(id snowflake.ID) []byte {
	return []byte("msg:" + id.Key())
}

func idxPrefix(conversationID string) string {
	return fmt.Sprintf("idx:%d:%s:", len(conversationID), conversationID)
}

func (b *BadgerBackend) Insert(ctx context.Context, m model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(msgKey(m.ID), data); err != nil {
			return err
		}
		return txn.Set([]byte(idxPrefix(m.ConversationID)+m.ID.Key()), []byte{})
	})
}

func (b *BadgerBackend) Window(ctx context.Context, conversationID string, limit int, before snowflake.ID) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []model.Message
	err := b.db.View(func(txn *badger.Txn) error {
		prefixStr := idxPrefix(conversationID)
		prefix := []byte(prefixStr)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := prefixStr + seekNewest
		if before != 0 {
			seek = prefixStr + before.Key()
		}

		var ids []snowflake.ID
		for it.Seek([]byte(seek)); it.ValidForPrefix(prefix) && len(ids) < limit; it.Next() {
			raw := string(it.Item().Key()[len(prefix):])
			id, err := snowflake.ParseID(raw)
			if err != nil {
				return err
			}
			if before != 0 && id >= before {
				continue
			}
			ids = append(ids, id)
		}

		out = make([]model.Message, 0, len(ids))
		for _, id := range slices.Backward(ids) {
			m, err := readMessage(txn, id)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b model.Message) int {
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

func (b *BadgerBackend) Get(ctx context.Context, id snowflake.ID) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	var m model.Message
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		m, err = readMessage(txn, id)
		return err
	})
	return m, err
}

// Advance retries on optimistic transaction conflicts, concurrent acks for the
// same message converge because Advance is idempotent.
func (b *BadgerBackend) Advance(ctx context.Context, id snowflake.ID, to model.Status, readerID string) (model.Message, bool, error) {
	var (
		m       model.Message
		changed bool
		err     error
	)
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return model.Message{}, false, err
		}
		err = b.db.Update(func(txn *badger.Txn) error {
			var rerr error
			m, rerr = readMessage(txn, id)
			if rerr != nil {
				return rerr
			}
			changed = m.Advance(to, readerID)
			if !changed {
				return nil
			}
			data, rerr := json.Marshal(m)
			if rerr != nil {
				return rerr
			}
			return txn.Set(msgKey(id), data)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return model.Message{}, false, err
	}
	return m, changed, nil
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

func readMessage(txn *badger.Txn, id snowflake.ID) (model.Message, error) {
	var m model.Message
	item, err := txn.Get(msgKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return m, fmt.Errorf("message %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return m, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &m)
	})
	return m, err
}
