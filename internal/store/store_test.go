package store

import (
	"context"
	"database/sql"
	"testing"

	"apologize/internal/config"
	"apologize/internal/models"
	"apologize/internal/storage"
)

func openTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {
				DSN: ":memory:",
			},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return New(db), db
}

func registerTestUser(t *testing.T, s *Store, username string) *models.User {
	t.Helper()
	user, err := s.Register(context.Background(), username, "secret123")
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	return user
}
