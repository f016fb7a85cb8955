package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"apologize/internal/config"
	"apologize/internal/models"
)

const historyTTL = 30 * time.Minute

// ErrMiss mirrors redis.Nil for callers.
var ErrMiss = redis.Nil

// Client caches recent conversation history keyed by session. Every
// method tolerates a nil receiver so the cache stays strictly optional:
// without redis the chat flow falls back to store reads.
type Client struct {
	inner *redis.Client
}

// NewClient creates the redis-backed cache from app config.
func NewClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	host := cfg.Redis.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Redis.Port
	if port == 0 {
		port = 6379
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Client{inner: client}, nil
}

func historyKey(sessionID string) string {
	return "chat:history:" + sessionID
}

// PutHistory stores a session's messages.
func (c *Client) PutHistory(ctx context.Context, sessionID string, history []models.Message) {
	if c == nil || c.inner == nil || sessionID == "" {
		return
	}
	data, err := json.Marshal(history)
	if err != nil {
		log.WithError(err).Warn("cache history marshal failed")
		return
	}
	if err := c.inner.Set(ctx, historyKey(sessionID), data, historyTTL).Err(); err != nil {
		log.WithError(err).Warn("cache history set failed")
	}
}

// GetHistory loads cached messages for the session. The owner check
// guards against a key surviving a session's reassignment.
func (c *Client) GetHistory(ctx context.Context, sessionID string, userID int64) ([]models.Message, bool) {
	if c == nil || c.inner == nil || sessionID == "" {
		return nil, false
	}
	raw, err := c.inner.Get(ctx, historyKey(sessionID)).Result()
	if err != nil {
		if err != ErrMiss {
			log.WithError(err).Warn("cache history get failed")
		}
		return nil, false
	}
	var history []models.Message
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		log.WithError(err).Warn("cache history decode failed")
		return nil, false
	}
	for _, m := range history {
		if m.UserID != userID {
			return nil, false
		}
	}
	return history, true
}

// InvalidateHistory drops the cached messages for the session.
func (c *Client) InvalidateHistory(ctx context.Context, sessionID string) {
	if c == nil || c.inner == nil || sessionID == "" {
		return
	}
	if err := c.inner.Del(ctx, historyKey(sessionID)).Err(); err != nil && err != ErrMiss {
		log.WithError(err).Warn("cache history invalidate failed")
	}
}

// Close closes the underlying client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Raw exposes the underlying go-redis client.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.inner
}
