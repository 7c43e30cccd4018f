package accounts_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/crypto/bcrypt"

	"github.com/mahaj/messaging-core/pkg/accounts"
	"github.com/mahaj/messaging-core/pkg/auth"
	"github.com/mahaj/messaging-core/pkg/errs"
	"github.com/mahaj/messaging-core/pkg/mocks"
)

func newService(t *testing.T) (*accounts.Service, *mocks.MockRepository, *auth.Issuer) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockRepository(ctrl)
	issuer, err := auth.NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)
	return accounts.NewService(repo, issuer, bcrypt.MinCost, slog.Default()), repo, issuer
}

func TestService_Register(t *testing.T) {
	ctx := context.Background()

	t.Run("should register and issue a token", func(t *testing.T) {
		req := require.New(t)
		svc, repo, issuer := newService(t)

		repo.EXPECT().
			CreateUser(gomock.Any(), "alice", "alice@example.com", gomock.Not("password123")).
			Return(accounts.User{ID: "u1", Username: "alice", Email: "alice@example.com"}, nil).
			Times(1)

		sess, err := svc.Register(ctx, accounts.RegisterRequest{Username: " alice ", Email: "alice@example.com", Password: "password123"})
		req.NoError(err)
		req.Equal(accounts.Profile{ID: "u1", Username: "alice", Email: "alice@example.com"}, sess.User)

		id, err := issuer.VerifyToken(sess.Token)
		req.NoError(err)
		req.Equal("u1", id.UserID)
		req.Equal("alice", id.Username)
	})

	t.Run("should reject invalid input before touching storage", func(t *testing.T) {
		req := require.New(t)
		svc, repo, _ := newService(t)
		repo.EXPECT().CreateUser(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		_, err := svc.Register(ctx, accounts.RegisterRequest{Username: "al", Email: "not-an-email", Password: "short"})
		req.ErrorIs(err, errs.ErrValidation)
		fields := errs.Fields(err)
		req.Contains(fields, "username")
		req.Contains(fields, "email")
		req.Contains(fields, "password")
	})

	t.Run("should bound the password in bytes", func(t *testing.T) {
		req := require.New(t)
		svc, repo, _ := newService(t)
		repo.EXPECT().CreateUser(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		// 40 runes, 80 bytes
		_, err := svc.Register(ctx, accounts.RegisterRequest{Username: "alice", Email: "alice@example.com", Password: strings.Repeat("я", 40)})
		req.ErrorIs(err, errs.ErrValidation)
		req.Equal("must be at most 72 bytes", errs.Fields(err)["password"])
	})

	t.Run("should surface duplicates as conflict", func(t *testing.T) {
		req := require.New(t)
		svc, repo, _ := newService(t)
		repo.EXPECT().
			CreateUser(gomock.Any(), "bob", "bob@example.com", gomock.Any()).
			Return(accounts.User{}, errs.ErrConflict)

		_, err := svc.Register(ctx, accounts.RegisterRequest{Username: "bob", Email: "bob@example.com", Password: "password123"})
		req.ErrorIs(err, errs.ErrConflict)
	})
}

func TestService_Login(t *testing.T) {
	ctx := context.Background()
	hash, err := auth.HashPassword("password123", bcrypt.MinCost)
	require.NoError(t, err)
	stored := accounts.User{ID: "u1", Username: "alice", Email: "alice@example.com", PasswordHash: hash}

	t.Run("should login with correct credentials", func(t *testing.T) {
		req := require.New(t)
		svc, repo, _ := newService(t)
		repo.EXPECT().GetUserByEmail(gomock.Any(), "alice@example.com").Return(stored, nil)

		sess, err := svc.Login(ctx, accounts.LoginRequest{Email: "alice@example.com", Password: "password123"})
		req.NoError(err)
		req.NotEmpty(sess.Token)
		req.Equal("u1", sess.User.ID)
	})

	t.Run("should not tell unknown users from wrong passwords", func(t *testing.T) {
		req := require.New(t)
		svc, repo, _ := newService(t)
		repo.EXPECT().GetUserByEmail(gomock.Any(), "alice@example.com").Return(stored, nil)
		repo.EXPECT().GetUserByEmail(gomock.Any(), "ghost@example.com").Return(accounts.User{}, errs.ErrNotFound)

		_, err := svc.Login(ctx, accounts.LoginRequest{Email: "alice@example.com", Password: "wrong-password"})
		req.ErrorIs(err, errs.ErrUnauthorized)
		_, err = svc.Login(ctx, accounts.LoginRequest{Email: "ghost@example.com", Password: "password123"})
		req.ErrorIs(err, errs.ErrUnauthorized)
	})
}

func TestService_Exists(t *testing.T) {
	req := require.New(t)
	svc, repo, _ := newService(t)
	ctx := context.Background()

	repo.EXPECT().GetUser(gomock.Any(), "u1").Return(accounts.User{ID: "u1"}, nil)
	repo.EXPECT().GetUser(gomock.Any(), "u2").Return(accounts.User{}, errs.ErrNotFound)
	repo.EXPECT().GetUser(gomock.Any(), "u3").Return(accounts.User{}, errors.New("disk on fire"))

	ok, err := svc.Exists(ctx, "u1")
	req.NoError(err)
	req.True(ok)

	ok, err = svc.Exists(ctx, "u2")
	req.NoError(err)
	req.False(ok)

	_, err = svc.Exists(ctx, "u3")
	req.Error(err)
}
