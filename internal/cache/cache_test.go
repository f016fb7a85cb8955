package cache

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"

	"apologize/internal/config"
	"apologize/internal/models"
)

func newTestClient(t *testing.T) (*Client, func()) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed cache tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	cfg := &config.Config{}
	cfg.Redis.Host = host
	cfg.Redis.Port = port
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, func() { client.Close() }
}

func TestHistoryRoundTripAndInvalidate(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()
	ctx := context.Background()

	history := []models.Message{
		{ID: 1, SessionID: "c1", UserID: 9, Role: models.RoleUser, Content: "hello"},
		{ID: 2, SessionID: "c1", UserID: 9, Role: models.RoleAssistant, Content: "I am sorry"},
	}
	client.PutHistory(ctx, "c1", history)

	got, ok := client.GetHistory(ctx, "c1", 9)
	if !ok || len(got) != 2 {
		t.Fatalf("expected cached history, got ok=%v n=%d", ok, len(got))
	}
	if got[0].Content != "hello" {
		t.Fatalf("history content mismatch: %+v", got[0])
	}

	// A different user gets nothing from the same key.
	if _, ok := client.GetHistory(ctx, "c1", 10); ok {
		t.Fatalf("foreign user read cached history")
	}

	client.InvalidateHistory(ctx, "c1")
	if _, ok := client.GetHistory(ctx, "c1", 9); ok {
		t.Fatalf("history survived invalidation")
	}
}

func TestNilClientIsInert(t *testing.T) {
	var client *Client
	ctx := context.Background()

	client.PutHistory(ctx, "c1", []models.Message{{ID: 1}})
	if _, ok := client.GetHistory(ctx, "c1", 1); ok {
		t.Fatalf("nil client returned a hit")
	}
	client.InvalidateHistory(ctx, "c1")
	if err := client.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
	if client.Raw() != nil {
		t.Fatalf("nil client exposed a raw handle")
	}
}
