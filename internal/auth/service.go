package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/EternisAI/silo-desk/internal/users"
)

var (
	ErrUsernameExists     = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// UserStore is the slice of users.Service the login flow needs.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash, role string) (users.User, error)
	GetUserByUsername(ctx context.Context, username string) (users.User, error)
}

type RegisterResult struct {
	ID       string
	Username string
	Role     string
}

type LoginResult struct {
	UserID string
	Token  string
}

type Service struct {
	store  UserStore
	config Config
}

func NewService(store UserStore, config Config) *Service {
	return &Service{
		store:  store,
		config: config,
	}
}

func (s *Service) Register(ctx context.Context, username, password string) (RegisterResult, error) {
	hash, err := users.HashPassword(password)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, username, hash, users.RoleUser)
	if err != nil {
		if errors.Is(err, users.ErrUsernameExists) {
			return RegisterResult{}, ErrUsernameExists
		}
		return RegisterResult{}, fmt.Errorf("create user: %w", err)
	}

	return RegisterResult{
		ID:       user.ID,
		Username: user.Username,
		Role:     user.Role,
	}, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (LoginResult, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, fmt.Errorf("query user: %w", err)
	}

	if !users.CheckPassword(password, user.PasswordHash) {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := GenerateToken(s.config, user.ID, user.Username, user.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("generate token: %w", err)
	}

	return LoginResult{UserID: user.ID, Token: token}, nil
}
