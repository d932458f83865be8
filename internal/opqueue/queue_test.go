package opqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type memStorage struct {
	mu    sync.Mutex
	state State
	saves int
}

func (m *memStorage) Load(context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *memStorage) Save(_ context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.saves++
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func okApply(context.Context, Operation) error { return nil }

func newTestQueue(t *testing.T, storage Storage, apply ApplyFunc, onPermanent PermanentFailureFunc, opts Options) *Queue {
	t.Helper()
	q, err := New(context.Background(), storage, apply, onPermanent, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q.sleep = noSleep
	return q
}

func op(id, objectID string) Operation {
	return Operation{
		ID:        id,
		Type:      OpUpdate,
		ObjectID:  objectID,
		CanvasID:  "canvas-1",
		Payload:   json.RawMessage(`{"x":1}`),
		Timestamp: time.Now(),
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	q := newTestQueue(t, &memStorage{}, okApply, nil, Options{Capacity: 1000})
	ctx := context.Background()

	for i := 0; i < 1001; i++ {
		if err := q.Enqueue(ctx, op(fmt.Sprintf("op-%d", i), "rect-1")); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	if got := q.Len(); got != 1000 {
		t.Fatalf("queue length = %d, want 1000", got)
	}
	pending := q.Pending()
	if pending[0].ID != "op-1" {
		t.Errorf("oldest surviving op = %s, want op-1 (op-0 evicted)", pending[0].ID)
	}
	if pending[len(pending)-1].ID != "op-1000" {
		t.Errorf("newest op = %s, want op-1000", pending[len(pending)-1].ID)
	}
}

func TestConcurrentFlushAppliesExactlyOnce(t *testing.T) {
	var mu sync.Mutex
	applied := make(map[string]int)
	apply := func(_ context.Context, op Operation) error {
		mu.Lock()
		applied[op.ID]++
		mu.Unlock()
		return nil
	}

	q := newTestQueue(t, &memStorage{}, apply, nil, Options{})
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		if err := q.Enqueue(ctx, op(fmt.Sprintf("op-%d", i), "rect-1")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Flush(ctx)
		}()
	}
	wg.Wait()

	// The guard lets one flush in; the other returns immediately. The
	// active flush drains every op, so re-flush for the case where the
	// no-op call lost the race before the first enqueueing finished.
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("final flush: %v", err)
	}

	if len(applied) != 50 {
		t.Fatalf("applied %d distinct ops, want 50", len(applied))
	}
	for id, count := range applied {
		if count != 1 {
			t.Errorf("op %s applied %d times, want exactly once", id, count)
		}
	}
	if q.HasOperations() {
		t.Error("queue not drained")
	}
}

func TestFlushPreservesEnqueueOrder(t *testing.T) {
	var order []string
	apply := func(_ context.Context, op Operation) error {
		order = append(order, op.ID)
		return nil
	}

	q := newTestQueue(t, &memStorage{}, apply, nil, Options{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = q.Enqueue(ctx, op(fmt.Sprintf("op-%d", i), "rect-1"))
	}
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	for i, id := range order {
		if want := fmt.Sprintf("op-%d", i); id != want {
			t.Fatalf("apply order[%d] = %s, want %s", i, id, want)
		}
	}
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	apply := func(_ context.Context, op Operation) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	}

	q := newTestQueue(t, &memStorage{}, apply, nil, Options{MaxRetries: 5})
	ctx := context.Background()
	_ = q.Enqueue(ctx, op("op-1", "rect-1"))

	if err := q.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if q.HasOperations() {
		t.Error("op left in queue after success")
	}
}

func TestRetriesExhaustedSurfacesPermanentFailure(t *testing.T) {
	apply := func(context.Context, Operation) error {
		return errors.New("still down")
	}

	var failed []Operation
	onPermanent := func(op Operation, err error) {
		failed = append(failed, op)
	}

	q := newTestQueue(t, &memStorage{}, apply, onPermanent, Options{MaxRetries: 3})
	ctx := context.Background()
	_ = q.Enqueue(ctx, op("op-1", "rect-1"))
	_ = q.Enqueue(ctx, op("op-2", "rect-2"))

	if err := q.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if len(failed) != 2 {
		t.Fatalf("permanent failures = %d, want 2", len(failed))
	}
	if q.HasOperations() {
		t.Error("failed ops must be dropped, not retried forever")
	}
}

func TestPermanentRejectionSkipsRetries(t *testing.T) {
	attempts := 0
	apply := func(context.Context, Operation) error {
		attempts++
		return fmt.Errorf("width must be positive: %w", ErrPermanent)
	}

	var failed []Operation
	q := newTestQueue(t, &memStorage{}, apply, func(op Operation, err error) {
		failed = append(failed, op)
	}, Options{MaxRetries: 5})

	ctx := context.Background()
	_ = q.Enqueue(ctx, op("op-1", "rect-1"))
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 for permanent rejection", attempts)
	}
	if len(failed) != 1 {
		t.Errorf("permanent failures = %d, want 1", len(failed))
	}
}

func TestFailureIsolatedFromLaterOperations(t *testing.T) {
	apply := func(_ context.Context, op Operation) error {
		if op.ID == "op-bad" {
			return fmt.Errorf("rejected: %w", ErrPermanent)
		}
		return nil
	}

	applied := 0
	q := newTestQueue(t, &memStorage{}, func(ctx context.Context, op Operation) error {
		err := apply(ctx, op)
		if err == nil {
			applied++
		}
		return err
	}, nil, Options{})

	ctx := context.Background()
	_ = q.Enqueue(ctx, op("op-bad", "rect-1"))
	_ = q.Enqueue(ctx, op("op-good", "rect-2"))

	if err := q.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if applied != 1 {
		t.Errorf("later unrelated op not applied after isolated failure")
	}
}

func TestExpiredOperationsDroppedOnLoad(t *testing.T) {
	storage := &memStorage{
		state: State{
			Operations: []Operation{
				{ID: "op-old", Type: OpUpdate, ObjectID: "rect-1", Timestamp: time.Now().Add(-25 * time.Hour)},
				{ID: "op-new", Type: OpUpdate, ObjectID: "rect-2", Timestamp: time.Now().Add(-1 * time.Hour)},
			},
		},
	}

	q := newTestQueue(t, storage, okApply, nil, Options{MaxAge: 24 * time.Hour})

	pending := q.Pending()
	if len(pending) != 1 || pending[0].ID != "op-new" {
		t.Fatalf("pending after load = %v, want only op-new", pending)
	}
}

func TestSQLiteStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	db, err := OpenDB(path)
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	storage := NewSQLiteStorage(db, "session-1")

	q := newTestQueue(t, storage, okApply, nil, Options{})
	_ = q.Enqueue(ctx, op("op-1", "rect-1"))
	_ = q.Enqueue(ctx, op("op-2", "rect-2"))
	db.Close()

	db, err = OpenDB(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	reloaded := newTestQueue(t, NewSQLiteStorage(db, "session-1"), okApply, nil, Options{})
	if got := reloaded.Len(); got != 2 {
		t.Fatalf("reloaded queue length = %d, want 2", got)
	}

	// A different session must not see this queue.
	other := newTestQueue(t, NewSQLiteStorage(db, "session-2"), okApply, nil, Options{})
	if other.HasOperations() {
		t.Error("session isolation violated")
	}
}
