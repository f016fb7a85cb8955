package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"apologize/internal/models"
)

const (
	usernameMinLen = 3
	usernameMaxLen = 50
	passwordMinLen = 6
	bcryptCost     = 10
)

// Store persists users, sessions and messages through one shared *sql.DB.
// It is injected into every component that needs it; there is no package
// level instance.
type Store struct {
	db *sql.DB
}

// New builds a store over an opened, migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

func validUsernameChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '.' || r == '-':
		return true
	}
	return false
}

func validateCredentials(username, password string) error {
	if username == "" {
		return validationErr("username", "is required")
	}
	if len(username) < usernameMinLen {
		return validationErr("username", fmt.Sprintf("must be at least %d characters", usernameMinLen))
	}
	if len(username) > usernameMaxLen {
		return validationErr("username", fmt.Sprintf("must be at most %d characters", usernameMaxLen))
	}
	for _, r := range username {
		if !validUsernameChar(r) {
			return validationErr("username", "can only contain letters, digits, '_', '.' and '-'")
		}
	}
	if password == "" {
		return validationErr("password", "is required")
	}
	if len(password) < passwordMinLen {
		return validationErr("password", fmt.Sprintf("must be at least %d characters", passwordMinLen))
	}
	return nil
}

// Register creates a user with the supplied credentials. The password is
// stored only as a bcrypt hash; the returned user never carries it.
func (s *Store) Register(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if err := validateCredentials(username, password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, role, is_active, created_at) VALUES (?, ?, ?, 1, ?)`,
		username, string(hash), models.UserRoleUser, now,
	)
	if err != nil {
		// The uniqueness constraint is the sole arbiter for concurrent
		// registration of the same name.
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}

	log.WithFields(log.Fields{"user_id": id, "username": username}).Info("user registered")
	return &models.User{
		ID:        id,
		Username:  username,
		Role:      models.UserRoleUser,
		IsActive:  true,
		CreatedAt: now,
	}, nil
}

// Authenticate validates credentials and returns the user. Unknown
// usernames and wrong passwords yield the same error; disabled accounts
// are reported distinctly because the caller already proved knowledge of
// the credentials.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.userByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		log.WithFields(log.Fields{"user_id": user.ID}).Warn("login attempt on disabled account")
		return nil, ErrAccountDisabled
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, now, user.ID); err != nil {
		return nil, fmt.Errorf("update last login: %w", err)
	}
	user.LastLogin = &now
	user.PasswordHash = ""
	return user, nil
}

// SetActive flips the soft-disable flag. Authorization is the caller's
// responsibility; the store only persists the change.
func (s *Store) SetActive(ctx context.Context, userID int64, active bool) (*models.User, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_active = ? WHERE id = ?`, active, userID)
	if err != nil {
		return nil, fmt.Errorf("set active: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrUserNotFound
	}
	log.WithFields(log.Fields{"user_id": userID, "is_active": active}).Info("user status updated")
	return s.GetUserByID(ctx, userID)
}

// GetUserByID returns the identity record without the password hash.
func (s *Store) GetUserByID(ctx context.Context, userID int64) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, role, is_active, created_at, last_login FROM users WHERE id = ?`, userID)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return user, nil
}

// GetAllUsers lists every account, newest first, without password hashes.
func (s *Store) GetAllUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, role, is_active, created_at, last_login FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// CountMessages reports how many messages a user has written.
func (s *Store) CountMessages(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *Store) userByUsername(ctx context.Context, username string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, is_active, created_at, last_login FROM users WHERE username = ?`,
		username)
	var (
		user      models.User
		lastLogin sql.NullTime
	)
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.IsActive, &user.CreatedAt, &lastLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		user.LastLogin = &t
	}
	return &user, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		user      models.User
		lastLogin sql.NullTime
	)
	err := row.Scan(&user.ID, &user.Username, &user.Role, &user.IsActive, &user.CreatedAt, &lastLogin)
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		user.LastLogin = &t
	}
	return &user, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "Error 1062") // mysql duplicate entry
}
