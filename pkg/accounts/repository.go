//go:generate go run go.uber.org/mock/mockgen -source=repository.go -destination=../mocks/mock_accounts_repository.go -package=mocks
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/mahaj/messaging-core/pkg/errs"
)

type Repository interface {
	CreateUser(ctx context.Context, username, email, passwordHash string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
}

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// BadgerRepository keeps one record per user under user:id:{id} and an
// email index under user:email:{email}.
type BadgerRepository struct {
	db *badger.DB
}

func NewBadgerRepository(db *badger.DB) *BadgerRepository {
	return &BadgerRepository{db: db}
}

func emailKey(email string) []byte {
	return []byte("user:email:" + strings.ToLower(email))
}

func idKey(id string) []byte {
	return []byte("user:id:" + id)
}

func (r *BadgerRepository) CreateUser(ctx context.Context, username, email, passwordHash string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	u := User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        strings.ToLower(email),
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	data, err := json.Marshal(u)
	if err != nil {
		return User{}, fmt.Errorf("marshal failed: %w", err)
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		key := emailKey(email)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("email %s already registered: %w", u.Email, errs.ErrConflict)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, []byte(u.ID)); err != nil {
			return err
		}
		return txn.Set(idKey(u.ID), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		return User{}, fmt.Errorf("email %s already registered: %w", u.Email, errs.ErrConflict)
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (r *BadgerRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	var u User
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(emailKey(email))
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		u, err = readUser(txn, string(id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return User{}, fmt.Errorf("user %s: %w", email, errs.ErrNotFound)
	}
	return u, err
}

func (r *BadgerRepository) GetUser(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	var u User
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		u, err = readUser(txn, id)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return User{}, fmt.Errorf("user %s: %w", id, errs.ErrNotFound)
	}
	return u, err
}

func readUser(txn *badger.Txn, id string) (User, error) {
	var u User
	item, err := txn.Get(idKey(id))
	if err != nil {
		return u, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &u)
	})
	return u, err
}
