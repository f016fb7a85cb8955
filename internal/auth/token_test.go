package auth

import (
	"errors"
	"testing"
	"time"

	"apologize/internal/models"
)

func testUser() *models.User {
	return &models.User{
		ID:       7,
		Username: "alice",
		Role:     models.UserRoleUser,
		IsActive: true,
	}
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	svc := NewService("test-secret", time.Hour)

	token, err := svc.Issue(testUser())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != 7 || claims.Username != "alice" || claims.Role != models.UserRoleUser {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.Authenticated || !claims.HasIdentity() {
		t.Fatalf("claims not authenticated: %+v", claims)
	}
}

func TestIssueRejectsInvalidUser(t *testing.T) {
	svc := NewService("test-secret", time.Hour)
	if _, err := svc.Issue(nil); err == nil {
		t.Fatalf("expected error for nil user")
	}
	if _, err := svc.Issue(&models.User{ID: 0}); err == nil {
		t.Fatalf("expected error for zero id")
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	svc := NewService("test-secret", -time.Minute)
	// A negative lifetime falls back to the default; force expiry directly.
	svc.ttl = -time.Minute
	token, err := svc.Issue(testUser())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	_, err = svc.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	issuer := NewService("secret-a", time.Hour)
	verifier := NewService("secret-b", time.Hour)

	token, err := issuer.Issue(testUser())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	svc := NewService("test-secret", time.Hour)
	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token %q: expected ErrInvalidToken, got %v", token, err)
		}
	}
}

func TestLegacyTokenHasNoIdentity(t *testing.T) {
	svc := NewService("test-secret", time.Hour)
	token, err := svc.IssueLegacy()
	if err != nil {
		t.Fatalf("issue legacy: %v", err)
	}
	claims, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify legacy: %v", err)
	}
	if !claims.Authenticated {
		t.Fatalf("legacy token not authenticated")
	}
	if claims.HasIdentity() {
		t.Fatalf("legacy token resolved an identity: %+v", claims)
	}
}

func TestDefaultTTL(t *testing.T) {
	svc := NewService("test-secret", 0)
	if svc.TTL() != 7*24*time.Hour {
		t.Fatalf("unexpected default ttl %v", svc.TTL())
	}
}
