package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Broadcaster is one session's publishing side: join/leave, throttled
// activity pings, and throttled cursor positions, all scoped to a single
// canvas.
type Broadcaster struct {
	client   *redis.Client
	registry *Registry
	canvasID string
	self     Entry

	presenceEvery time.Duration
	cursorEvery   time.Duration

	mu           sync.Mutex
	lastPresence time.Time
	lastCursor   time.Time

	now func() time.Time
}

func NewBroadcaster(client *redis.Client, registry *Registry, canvasID string, self Entry, presenceEvery, cursorEvery time.Duration) *Broadcaster {
	return &Broadcaster{
		client:        client,
		registry:      registry,
		canvasID:      canvasID,
		self:          self,
		presenceEvery: presenceEvery,
		cursorEvery:   cursorEvery,
		now:           time.Now,
	}
}

// Join registers the session and announces it. Not throttled: a join is
// always delivered.
func (b *Broadcaster) Join(ctx context.Context) error {
	b.self.LastActivity = b.now()
	if err := b.registry.Set(ctx, b.canvasID, b.self); err != nil {
		return err
	}
	return b.publishPresence(ctx, kindJoin)
}

// Leave removes the session and announces the departure regardless of idle
// state.
func (b *Broadcaster) Leave(ctx context.Context) error {
	if err := b.registry.Remove(ctx, b.canvasID, b.self.UserID); err != nil {
		return err
	}
	return b.publishPresence(ctx, kindLeave)
}

// UpdateActivity refreshes this session's liveness, at most once per
// throttle window. Suppressed calls are not queued; the next allowed ping
// carries the freshest timestamp anyway.
func (b *Broadcaster) UpdateActivity(ctx context.Context) error {
	b.mu.Lock()
	now := b.now()
	if now.Sub(b.lastPresence) < b.presenceEvery {
		b.mu.Unlock()
		return nil
	}
	b.lastPresence = now
	b.mu.Unlock()

	b.self.LastActivity = now
	if err := b.registry.Set(ctx, b.canvasID, b.self); err != nil {
		return err
	}
	return b.publishPresence(ctx, kindPing)
}

// PublishCursor broadcasts the pointer position, throttled to the cursor
// rate (about 30 updates a second by default).
func (b *Broadcaster) PublishCursor(ctx context.Context, x, y float64) error {
	b.mu.Lock()
	now := b.now()
	if now.Sub(b.lastCursor) < b.cursorEvery {
		b.mu.Unlock()
		return nil
	}
	b.lastCursor = now
	b.mu.Unlock()

	cursor := Cursor{
		UserID:      b.self.UserID,
		X:           x,
		Y:           y,
		Color:       b.self.Color,
		DisplayName: b.self.DisplayName,
		Timestamp:   now,
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}
	if err := b.client.Publish(ctx, CursorChannel(b.canvasID), data).Err(); err != nil {
		return fmt.Errorf("publish cursor: %w", err)
	}
	return nil
}

func (b *Broadcaster) publishPresence(ctx context.Context, kind messageKind) error {
	data, err := json.Marshal(message{Kind: kind, Entry: b.self})
	if err != nil {
		return fmt.Errorf("marshal presence message: %w", err)
	}
	if err := b.client.Publish(ctx, PresenceChannel(b.canvasID), data).Err(); err != nil {
		return fmt.Errorf("publish presence %s: %w", kind, err)
	}
	return nil
}
