// Package opqueue is the durable, retrying queue of pending remote
// mutations. It is what lets an offline edit session reconcile once
// connectivity returns: every local mutation is enqueued, the whole queue
// is persisted on each change, and a flush drains it against the remote
// store in enqueue order.
package opqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// ErrPermanent marks an apply failure that must not be retried, such as a
// validation rejection by the store.
var ErrPermanent = errors.New("permanent apply failure")

// Operation is one pending mutation.
type Operation struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	Type       OpType          `json:"type"`
	ObjectID   string          `json:"objectId"`
	CanvasID   string          `json:"canvasId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RetryCount int             `json:"retryCount"`
}

// State is the single blob written to durable storage on every change.
type State struct {
	Operations    []Operation `json:"operations"`
	LastFlushTime time.Time   `json:"lastFlushTime"`
}

// Storage persists the full queue state as one blob.
type Storage interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}

// ApplyFunc applies one operation against the remote store.
type ApplyFunc func(ctx context.Context, op Operation) error

// PermanentFailureFunc is invoked when an operation is dropped after
// exhausting retries or hitting a permanent rejection.
type PermanentFailureFunc func(op Operation, err error)

type Options struct {
	Capacity    int           // oldest-first eviction bound
	MaxRetries  int           // attempts before permanent failure
	BackoffBase time.Duration // exponential backoff base
	MaxAge      time.Duration // operations older than this are dropped on load
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = 1000
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 24 * time.Hour
	}
	return o
}

type Queue struct {
	storage     Storage
	apply       ApplyFunc
	onPermanent PermanentFailureFunc
	opts        Options

	mu        sync.Mutex
	ops       []Operation
	flushing  bool
	lastFlush time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New loads persisted state, discards expired operations, and returns a
// queue ready to flush.
func New(ctx context.Context, storage Storage, apply ApplyFunc, onPermanent PermanentFailureFunc, opts Options) (*Queue, error) {
	opts = opts.withDefaults()
	q := &Queue{
		storage:     storage,
		apply:       apply,
		onPermanent: onPermanent,
		opts:        opts,
		now:         time.Now,
		sleep:       sleepCtx,
	}

	state, err := storage.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load queue state: %w", err)
	}
	q.lastFlush = state.LastFlushTime

	cutoff := q.now().Add(-opts.MaxAge)
	kept := make([]Operation, 0, len(state.Operations))
	for _, op := range state.Operations {
		if op.Timestamp.Before(cutoff) {
			log.Printf("opqueue: dropping expired operation %s (%s %s)", op.ID, op.Type, op.ObjectID)
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept

	if len(kept) != len(state.Operations) {
		if err := q.persistLocked(ctx); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// Enqueue appends an operation, evicts the oldest entry past capacity, and
// persists the queue synchronously.
func (q *Queue) Enqueue(ctx context.Context, op Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if op.Timestamp.IsZero() {
		op.Timestamp = q.now()
	}
	q.ops = append(q.ops, op)
	for len(q.ops) > q.opts.Capacity {
		dropped := q.ops[0]
		q.ops = q.ops[1:]
		log.Printf("opqueue: capacity reached, evicting oldest operation %s", dropped.ID)
	}
	return q.persistLocked(ctx)
}

func (q *Queue) HasOperations() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops) > 0
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Pending returns a copy of the queued operations, oldest first.
func (q *Queue) Pending() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Operation, len(q.ops))
	copy(out, q.ops)
	return out
}

// Flush drains the queue in order. A flush already in progress makes the
// call a no-op; the active flush drains everything enqueued so far, so each
// operation is applied exactly once. As operations succeed they are removed
// and the queue persisted, so a crash mid-flush never replays completed
// work past the store's idempotent writes.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return nil
	}
	q.flushing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		if len(q.ops) == 0 {
			q.lastFlush = q.now()
			err := q.persistLocked(ctx)
			q.mu.Unlock()
			return err
		}
		op := q.ops[0]
		q.mu.Unlock()

		err := q.apply(ctx, op)
		if err == nil {
			if perr := q.dropHead(ctx, op.ID); perr != nil {
				return perr
			}
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		retries := op.RetryCount + 1
		if errors.Is(err, ErrPermanent) || retries >= q.opts.MaxRetries {
			log.Printf("opqueue: operation %s failed permanently after %d attempts: %v", op.ID, retries, err)
			if perr := q.dropHead(ctx, op.ID); perr != nil {
				return perr
			}
			if q.onPermanent != nil {
				q.onPermanent(op, err)
			}
			continue
		}

		q.mu.Lock()
		if len(q.ops) > 0 && q.ops[0].ID == op.ID {
			q.ops[0].RetryCount = retries
		}
		perr := q.persistLocked(ctx)
		q.mu.Unlock()
		if perr != nil {
			return perr
		}

		if err := q.sleep(ctx, q.backoff(retries)); err != nil {
			return err
		}
	}
}

func (q *Queue) dropHead(ctx context.Context, opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) > 0 && q.ops[0].ID == opID {
		q.ops = q.ops[1:]
	}
	return q.persistLocked(ctx)
}

func (q *Queue) backoff(retries int) time.Duration {
	d := q.opts.BackoffBase
	for i := 1; i < retries; i++ {
		d *= 2
		if d >= 30*time.Second {
			return 30 * time.Second
		}
	}
	return d
}

// persistLocked writes the whole queue as one blob. Callers hold q.mu.
func (q *Queue) persistLocked(ctx context.Context) error {
	state := State{
		Operations:    append([]Operation(nil), q.ops...),
		LastFlushTime: q.lastFlush,
	}
	if err := q.storage.Save(ctx, state); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
