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

// Roster is the consuming side of the presence channel: it maintains the
// participant set for one canvas and recomputes idle flags on a fixed
// interval, independent of any single session's activity.
type Roster struct {
	canvasID      string
	idleThreshold time.Duration

	mu      sync.Mutex
	entries map[string]*Entry

	pubsub *redis.PubSub
	ticker *time.Ticker
	done   chan struct{}

	now func() time.Time
}

// NewRoster subscribes to the canvas presence channel, seeds the current
// participant set from the registry, and starts the idle checker.
func NewRoster(ctx context.Context, client *redis.Client, registry *Registry, canvasID string, idleCheckEvery, idleThreshold time.Duration) (*Roster, error) {
	pubsub := client.Subscribe(ctx, PresenceChannel(canvasID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	r := &Roster{
		canvasID:      canvasID,
		idleThreshold: idleThreshold,
		entries:       make(map[string]*Entry),
		pubsub:        pubsub,
		ticker:        time.NewTicker(idleCheckEvery),
		done:          make(chan struct{}),
		now:           time.Now,
	}

	if registry != nil {
		seeded, err := registry.List(ctx, canvasID)
		if err != nil {
			log.Printf("presence: seed roster for %s: %v", canvasID, err)
		}
		for _, entry := range seeded {
			e := entry
			r.entries[e.UserID] = &e
		}
	}

	go r.run()
	return r, nil
}

func (r *Roster) run() {
	ch := r.pubsub.Channel()
	for {
		select {
		case <-r.done:
			return
		case <-r.ticker.C:
			r.recomputeIdle()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var m message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				log.Printf("presence: dropping malformed message: %v", err)
				continue
			}
			r.handle(m)
		}
	}
}

func (r *Roster) handle(m message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch m.Kind {
	case kindJoin, kindPing:
		entry := m.Entry
		if existing, ok := r.entries[entry.UserID]; ok {
			existing.LastActivity = entry.LastActivity
			existing.DisplayName = entry.DisplayName
			existing.Color = entry.Color
			// Activity does not flip the idle flag here; only the
			// periodic recompute does.
		} else {
			r.entries[entry.UserID] = &entry
		}
	case kindLeave:
		delete(r.entries, m.Entry.UserID)
	}
}

// recomputeIdle flips each entry's idle flag from its last activity age.
func (r *Roster) recomputeIdle() {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		entry.IsIdle = now.Sub(entry.LastActivity) > r.idleThreshold
	}
}

// Entries returns the participant set sorted by user ID.
func (r *Roster) Entries() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, *entry)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Roster) Close() error {
	select {
	case <-r.done:
		return nil
	default:
	}
	close(r.done)
	r.ticker.Stop()
	return r.pubsub.Close()
}
