package presence

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CursorView consumes the cursor channel for one canvas. Cursors silent
// past the stale window are dropped on the next sweep, since a network
// partition does not always deliver a clean disconnect.
type CursorView struct {
	canvasID   string
	staleAfter time.Duration

	mu      sync.Mutex
	cursors map[string]Cursor

	pubsub *redis.PubSub
	ticker *time.Ticker
	done   chan struct{}

	now func() time.Time
}

func NewCursorView(ctx context.Context, client *redis.Client, canvasID string, staleAfter time.Duration) (*CursorView, error) {
	pubsub := client.Subscribe(ctx, CursorChannel(canvasID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	v := &CursorView{
		canvasID:   canvasID,
		staleAfter: staleAfter,
		cursors:    make(map[string]Cursor),
		pubsub:     pubsub,
		ticker:     time.NewTicker(staleAfter / 2),
		done:       make(chan struct{}),
		now:        time.Now,
	}
	go v.run()
	return v, nil
}

func (v *CursorView) run() {
	ch := v.pubsub.Channel()
	for {
		select {
		case <-v.done:
			return
		case <-v.ticker.C:
			v.sweep()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var cursor Cursor
			if err := json.Unmarshal([]byte(msg.Payload), &cursor); err != nil {
				log.Printf("presence: dropping malformed cursor: %v", err)
				continue
			}
			v.mu.Lock()
			v.cursors[cursor.UserID] = cursor
			v.mu.Unlock()
		}
	}
}

func (v *CursorView) sweep() {
	cutoff := v.now().Add(-v.staleAfter)
	v.mu.Lock()
	defer v.mu.Unlock()
	for userID, cursor := range v.cursors {
		if cursor.Timestamp.Before(cutoff) {
			delete(v.cursors, userID)
		}
	}
}

// Cursors returns the live cursor set sorted by user ID.
func (v *CursorView) Cursors() []Cursor {
	v.mu.Lock()
	out := make([]Cursor, 0, len(v.cursors))
	for _, cursor := range v.cursors {
		out = append(out, cursor)
	}
	v.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (v *CursorView) Close() error {
	select {
	case <-v.done:
		return nil
	default:
	}
	close(v.done)
	v.ticker.Stop()
	return v.pubsub.Close()
}
