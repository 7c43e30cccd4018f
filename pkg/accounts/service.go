package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mahaj/messaging-core/pkg/auth"
	"github.com/mahaj/messaging-core/pkg/errs"
	"github.com/mahaj/messaging-core/pkg/validate"
)

type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email"`
	// bcrypt reads at most 72 bytes.
	Password string `json:"password" validate:"required,min=8,maxbytes=72"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Profile is the public part of a User.
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type Session struct {
	User  Profile `json:"user"`
	Token string  `json:"token"`
}

type Service struct {
	repo       Repository
	issuer     *auth.Issuer
	bcryptCost int
	log        *slog.Logger
}

func NewService(repo Repository, issuer *auth.Issuer, bcryptCost int, log *slog.Logger) *Service {
	return &Service{repo: repo, issuer: issuer, bcryptCost: bcryptCost, log: log}
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (Session, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if err := validate.Struct(req); err != nil {
		return Session{}, err
	}

	hash, err := auth.HashPassword(req.Password, s.bcryptCost)
	if err != nil {
		return Session{}, fmt.Errorf("hashing failed: %w", err)
	}

	u, err := s.repo.CreateUser(ctx, req.Username, req.Email, hash)
	if err != nil {
		return Session{}, err
	}
	s.log.Info("user registered", "user_id", u.ID, "username", u.Username)
	return s.session(u)
}

// Login answers ErrUnauthorized for both unknown emails and wrong passwords.
func (s *Service) Login(ctx context.Context, req LoginRequest) (Session, error) {
	req.Email = strings.TrimSpace(req.Email)
	if err := validate.Struct(req); err != nil {
		return Session{}, err
	}

	u, err := s.repo.GetUserByEmail(ctx, req.Email)
	if errors.Is(err, errs.ErrNotFound) {
		return Session{}, fmt.Errorf("invalid credentials: %w", errs.ErrUnauthorized)
	}
	if err != nil {
		return Session{}, err
	}
	if err := auth.ComparePassword(u.PasswordHash, req.Password); err != nil {
		return Session{}, err
	}
	return s.session(u)
}

// Exists reports whether userID names a registered account.
func (s *Service) Exists(ctx context.Context, userID string) (bool, error) {
	_, err := s.repo.GetUser(ctx, userID)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) session(u User) (Session, error) {
	token, err := s.issuer.IssueToken(u.ID, u.Email, u.Username)
	if err != nil {
		return Session{}, fmt.Errorf("token generation: %w", err)
	}
	return Session{
		User:  Profile{ID: u.ID, Username: u.Username, Email: u.Email},
		Token: token,
	}, nil
}
