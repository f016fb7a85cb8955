package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"apologize/internal/models"
)

// GetOrCreateSession returns the session when it already belongs to the
// user, creates it when the identifier is unbound, and fails with
// ErrOwnershipConflict when another user holds it. Existence, not content,
// decides the conflict: an empty session still blocks a second binder.
func (s *Store) GetOrCreateSession(ctx context.Context, sessionID string, userID int64) (*models.Session, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	session, err := s.GetSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		return session, nil
	}

	// Global existence check, unscoped on purpose: a hit here means the
	// identifier is bound to someone else.
	var owner int64
	err = s.db.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE id = ?`, sessionID).Scan(&owner)
	switch {
	case err == nil:
		log.WithFields(log.Fields{
			"session_id":   sessionID,
			"requested_by": userID,
		}).Warn("session id collision attempt")
		return nil, ErrOwnershipConflict
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("check session owner: %w", err)
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, title, created_at, updated_at) VALUES (?, ?, NULL, ?, ?)`,
		sessionID, userID, now, now,
	); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	log.WithFields(log.Fields{"session_id": sessionID, "user_id": userID}).Info("session created")
	return &models.Session{ID: sessionID, UserID: userID, CreatedAt: now, UpdatedAt: now}, nil
}

// SessionOwner reports who holds the identifier, 0 when it is unbound.
// This is the guard layer's global existence check: it is deliberately
// not scoped to the caller.
func (s *Store) SessionOwner(ctx context.Context, sessionID string) (int64, error) {
	var owner int64
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE id = ?`, sessionID).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("check session owner: %w", err)
	}
	return owner, nil
}

// GetSession returns the session only when it belongs to the user; nil
// when absent or owned by someone else.
func (s *Store) GetSession(ctx context.Context, sessionID string, userID int64) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM sessions WHERE id = ? AND user_id = ?`,
		sessionID, userID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// AddMessage binds the session if needed, inserts the message stamped
// with the owner's id, and bumps the session timestamp. All three effects
// happen in one transaction or not at all.
func (s *Store) AddMessage(ctx context.Context, sessionID string, userID int64, role models.Role, content string, tokensUsed int) (*models.Message, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()

	var owner int64
	err = tx.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE id = ?`, sessionID).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (id, user_id, title, created_at, updated_at) VALUES (?, ?, NULL, ?, ?)`,
			sessionID, userID, now, now,
		); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("check session owner: %w", err)
	case owner != userID:
		err = ErrOwnershipConflict
		log.WithFields(log.Fields{
			"session_id":   sessionID,
			"requested_by": userID,
		}).Warn("session id collision attempt")
		return nil, err
	}

	var res sql.Result
	res, err = tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, user_id, role, content, tokens_used, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, userID, role, content, tokensUsed, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	var id int64
	id, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ? AND user_id = ?`, now, sessionID, userID,
	); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}

	return &models.Message{
		ID:         id,
		SessionID:  sessionID,
		UserID:     userID,
		Role:       role,
		Content:    content,
		TokensUsed: tokensUsed,
		CreatedAt:  now,
	}, nil
}

// GetMessages returns the user's messages for the session, oldest first.
// A foreign or missing session yields an empty slice, not an error: the
// store stays silent about existence and leaves 403-vs-404 to the guard.
func (s *Store) GetMessages(ctx context.Context, sessionID string, userID int64) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, role, content, tokens_used, created_at
		 FROM messages WHERE session_id = ? AND user_id = ? ORDER BY created_at ASC, id ASC`,
		sessionID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// GetUserSessions returns all sessions owned by the user, most recently
// updated first.
func (s *Store) GetUserSessions(ctx context.Context, userID int64) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM sessions WHERE user_id = ? ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// DeleteSession removes the session and its messages when the caller owns
// it. Not-found and not-owned are indistinguishable by design.
func (s *Store) DeleteSession(ctx context.Context, sessionID string, userID int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var res sql.Result
	res, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	var affected int64
	affected, err = res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		tx.Rollback()
		return false, nil
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ? AND user_id = ?`, sessionID, userID); err != nil {
		return false, fmt.Errorf("delete messages: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete session: %w", err)
	}
	log.WithFields(log.Fields{"session_id": sessionID, "user_id": userID}).Info("session deleted")
	return true, nil
}

// ClearMessages deletes the session's messages; the row and title survive.
func (s *Store) ClearMessages(ctx context.Context, sessionID string, userID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ? AND user_id = ?`, sessionID, userID,
	); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

// UpdateSessionTitle sets a session title for the owning user.
func (s *Store) UpdateSessionTitle(ctx context.Context, sessionID string, userID int64, title string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		title, time.Now().UTC(), sessionID, userID,
	); err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	return nil
}

// Admin bypass operations below take no owner filter. Callers must have
// passed the admin role check; the store trusts them.

// GetAllSessions returns every session, most recently updated first.
func (s *Store) GetAllSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list all sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// GetSessionAny returns a session regardless of owner, with its messages.
func (s *Store) GetSessionAny(ctx context.Context, sessionID string) (*models.Session, []models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM sessions WHERE id = ?`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrSessionNotFound
		}
		return nil, nil, fmt.Errorf("get session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, role, content, tokens_used, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	messages, err := collectMessages(rows)
	if err != nil {
		return nil, nil, err
	}
	return session, messages, nil
}

// CountSessions counts sessions, optionally for one user (userID > 0).
func (s *Store) CountSessions(ctx context.Context, userID int64) (int, error) {
	var (
		n   int
		err error
	)
	if userID > 0 {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE user_id = ?`, userID).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// CountSessionMessages counts a session's messages regardless of owner.
func (s *Store) CountSessionMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count session messages: %w", err)
	}
	return n, nil
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session models.Session
		title   sql.NullString
	)
	if err := row.Scan(&session.ID, &session.UserID, &title, &session.CreatedAt, &session.UpdatedAt); err != nil {
		return nil, err
	}
	session.Title = title.String
	return &session, nil
}

func collectSessions(rows *sql.Rows) ([]models.Session, error) {
	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Content, &m.TokensUsed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
