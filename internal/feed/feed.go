// Package feed carries canvas change notifications between sessions over
// Redis pub/sub. Each canvas gets its own channel so traffic never crosses
// workspace boundaries.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"easel/engine/internal/store"
)

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event is one remote change notification. Origin carries the session that
// produced the change so consumers can recognize their own echoes.
type Event struct {
	Type     EventType       `json:"type"`
	CanvasID string          `json:"canvasId"`
	ObjectID string          `json:"objectId"`
	Origin   string          `json:"origin"`
	Patch    json.RawMessage `json:"patch,omitempty"`
	Object   *store.Object   `json:"object,omitempty"`
	At       time.Time       `json:"at"`
}

func Channel(canvasID string) string {
	return "changes-" + canvasID
}

type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(ev.CanvasID), data).Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Subscription is an explicit, closeable feed of one canvas's changes,
// owned by whoever opened it rather than tied to any UI lifecycle.
type Subscription struct {
	pubsub *redis.PubSub
	events chan Event
	done   chan struct{}
}

func Subscribe(ctx context.Context, client *redis.Client, canvasID string) (*Subscription, error) {
	pubsub := client.Subscribe(ctx, Channel(canvasID))
	// Force the SUBSCRIBE round trip so a broken connection fails here,
	// not silently on the first missed event.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Channel(canvasID), err)
	}

	sub := &Subscription{
		pubsub: pubsub,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

func (s *Subscription) pump() {
	defer close(s.events)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("feed: dropping malformed change event: %v", err)
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	return s.pubsub.Close()
}
