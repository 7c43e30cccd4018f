package membership

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Badger keeps membership next to accounts and messages in the embedded database:
//
//	grp:{len}:{group_id}:{user_id} -> empty
//
// Keys sort by user id, so Members comes back sorted.
type Badger struct {
	db *badger.DB
}

func NewBadger(db *badger.DB) *Badger {
	return &Badger{db: db}
}

func groupPrefix(groupID string) []byte {
	return []byte(fmt.Sprintf("grp:%d:%s:", len(groupID), groupID))
}

func memberKey(groupID, userID string) []byte {
	return append(groupPrefix(groupID), userID...)
}

func (b *Badger) Members(ctx context.Context, groupID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	members := []string{}
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := groupPrefix(groupID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			members = append(members, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (b *Badger) AddMembers(ctx context.Context, groupID string, userIDs ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(userIDs) == 0 {
		return nil
	}
	return b.db.Update(func(txn *badger.Txn) error {
		for _, id := range userIDs {
			if err := txn.Set(memberKey(groupID, id), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Badger) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(memberKey(groupID, userID))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

var _ Directory = (*Badger)(nil)
