package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Registry keeps the current participant set per canvas in Redis with a
// TTL, so a session joining late can list who is already here without
// replaying the pub/sub stream, and a crashed client ages out on its own.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRegistry(client *redis.Client, ttl time.Duration) *Registry {
	return &Registry{client: client, ttl: ttl}
}

func (r *Registry) key(canvasID, userID string) string {
	return fmt.Sprintf("presence:%s:%s", canvasID, userID)
}

func (r *Registry) Set(ctx context.Context, canvasID string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	if err := r.client.Set(ctx, r.key(canvasID, entry.UserID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save presence entry: %w", err)
	}
	return nil
}

func (r *Registry) Remove(ctx context.Context, canvasID, userID string) error {
	if err := r.client.Del(ctx, r.key(canvasID, userID)).Err(); err != nil {
		return fmt.Errorf("remove presence entry: %w", err)
	}
	return nil
}

// List returns every registered participant on the canvas.
func (r *Registry) List(ctx context.Context, canvasID string) ([]Entry, error) {
	pattern := fmt.Sprintf("presence:%s:*", canvasID)
	entries := make([]Entry, 0)

	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan presence keys: %w", err)
		}
		for _, key := range keys {
			data, err := r.client.Get(ctx, key).Result()
			if err == redis.Nil {
				continue // expired between scan and get
			}
			if err != nil {
				return nil, fmt.Errorf("read presence entry: %w", err)
			}
			var entry Entry
			if err := json.Unmarshal([]byte(data), &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return entries, nil
}
