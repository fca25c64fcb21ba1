package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrUsernameExists = errors.New("username already exists")
)

const (
	RoleAdmin = "Admin"
	RoleUser  = "User"
)

type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

func (s *Service) CreateUser(ctx context.Context, username, passwordHash, role string) (User, error) {
	var u User
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (id, username, password_hash, role)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, username, password_hash, role, created_at`,
		uuid.New(), username, passwordHash, role,
	).Scan(&id, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, ErrUsernameExists
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	u.ID = id.String()
	return u, nil
}

func (s *Service) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return s.getUser(ctx, `WHERE username = $1`, username)
}

func (s *Service) GetUserByID(ctx context.Context, userID string) (User, error) {
	parsed, err := uuid.Parse(userID)
	if err != nil {
		return User{}, ErrUserNotFound
	}
	return s.getUser(ctx, `WHERE id = $1`, parsed)
}

func (s *Service) getUser(ctx context.Context, where string, arg any) (User, error) {
	var u User
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, role, created_at FROM users `+where, arg,
	).Scan(&id, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user: %w", err)
	}
	u.ID = id.String()
	return u, nil
}

func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	parsed, err := uuid.Parse(userID)
	if err != nil {
		return ErrUserNotFound
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, parsed)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *Service) ListUsers(ctx context.Context, limit, offset int) ([]User, int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username, password_hash, role, created_at
		 FROM users ORDER BY created_at, username LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}

	result, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (User, error) {
		var u User
		var id uuid.UUID
		if err := row.Scan(&id, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
			return User{}, err
		}
		u.ID = id.String()
		return u, nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	return result, total, nil
}

// EnsureAdmin creates the bootstrap admin account when it is missing.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return nil
	}

	_, err := s.GetUserByUsername(ctx, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	if _, err := s.CreateUser(ctx, username, hash, RoleAdmin); err != nil && !errors.Is(err, ErrUsernameExists) {
		return err
	}
	return nil
}
