package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"golang.org/x/crypto/bcrypt"

	"apologize/internal/models"
)

// BootstrapAdmin provisions the configured administrator account once per
// deployment. If the username already exists nothing changes, not even a
// differing password. With no configured password a random one is
// generated and printed to the operator log exactly once; it is never
// stored in recoverable form.
func (s *Store) BootstrapAdmin(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		log.Info("admin username not configured, skipping bootstrap")
		return nil
	}

	var existing int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE username = ?`, username).Scan(&existing)
	switch {
	case err == nil:
		log.WithFields(log.Fields{"username": username}).Debug("admin already exists, bootstrap is a no-op")
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check admin: %w", err)
	}

	generated := password == ""
	if generated {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate admin password: %w", err)
		}
		password = hex.EncodeToString(buf)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, role, is_active, created_at) VALUES (?, ?, ?, 1, ?)`,
		username, string(hash), models.UserRoleAdmin, now,
	); err != nil {
		if isUniqueViolation(err) {
			// Lost a race against a concurrent bootstrap; the winner's
			// credential stands.
			return nil
		}
		return fmt.Errorf("create admin: %w", err)
	}

	if generated {
		// One-shot operator disclosure. The plaintext exists nowhere else.
		log.WithFields(log.Fields{
			"username": username,
			"password": password,
		}).Warn("auto-generated admin credentials - save them now, they will not be shown again")
	} else {
		log.WithFields(log.Fields{"username": username}).Info("admin account created")
		log.Warn("change the configured admin password after first login")
	}
	return nil
}

// ReassignOrphanedSessions rebinds sessions whose user_id matches no user
// row to the first administrator. Such rows only appear after manual data
// edits; they are invisible to every owner-scoped query until reassigned.
// Startup never fails on this path.
func (s *Store) ReassignOrphanedSessions(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id FROM sessions s
		LEFT JOIN users u ON s.user_id = u.id
		WHERE u.id IS NULL`)
	if err != nil {
		return fmt.Errorf("find orphaned sessions: %w", err)
	}
	var orphans []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan orphaned session: %w", err)
		}
		orphans = append(orphans, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate orphaned sessions: %w", err)
	}
	if len(orphans) == 0 {
		return nil
	}

	var adminID int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE role = ? ORDER BY id ASC LIMIT 1`, models.UserRoleAdmin).Scan(&adminID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.WithFields(log.Fields{"count": len(orphans)}).Warn("orphaned sessions found but no admin exists to adopt them")
			return nil
		}
		return fmt.Errorf("find admin: %w", err)
	}

	for _, id := range orphans {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET user_id = ? WHERE id = ?`, adminID, id); err != nil {
			log.WithFields(log.Fields{"session_id": id}).WithError(err).Warn("reassign orphaned session failed")
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE messages SET user_id = ? WHERE session_id = ?`, adminID, id); err != nil {
			log.WithFields(log.Fields{"session_id": id}).WithError(err).Warn("reassign orphaned messages failed")
		}
	}
	log.WithFields(log.Fields{"count": len(orphans), "admin_id": adminID}).Info("orphaned sessions reassigned")
	return nil
}
