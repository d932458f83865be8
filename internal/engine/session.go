// Package engine is the synchronization core of a canvas session. It owns
// the local view of the shared object set, applies mutations optimistically,
// forwards them through the durable operation queue, and reconciles remote
// change notifications back into local state.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"easel/engine/internal/feed"
	"easel/engine/internal/geom"
	"easel/engine/internal/lock"
	"easel/engine/internal/opqueue"
	"easel/engine/internal/store"
	"easel/engine/internal/util"
)

// ErrObjectMissing reports a local mutation against an object this session
// no longer has. Remote races against deletions are reconciled silently;
// local calls get an explicit error.
var ErrObjectMissing = errors.New("object not present in session state")

// pendingWait bounds how long an optimistic write suppresses matching
// remote values before the entry is considered dead.
const pendingWait = 10 * time.Second

// RemoteStore is the slice of the object store the session needs.
type RemoteStore interface {
	ListObjects(ctx context.Context, canvasID string) ([]store.Object, error)
	InsertObject(ctx context.Context, obj store.Object) error
	UpdateObjectFields(ctx context.Context, objectID string, patch map[string]any) error
	DeleteObject(ctx context.Context, objectID string) error
}

// ChangePublisher fans a confirmed change out to the other sessions.
type ChangePublisher interface {
	Publish(ctx context.Context, ev feed.Event) error
}

// SubscribeFunc opens the change feed for a canvas.
type SubscribeFunc func(ctx context.Context, canvasID string) (*feed.Subscription, error)

// Config assembles one session. Everything is injected: a session is an
// explicitly constructed instance per canvas, never shared module state.
type Config struct {
	SessionID  string
	CanvasID   string
	Translator geom.Translator
	Locks      *lock.Manager
	Store      RemoteStore
	Publisher  ChangePublisher
	Subscribe  SubscribeFunc

	QueueStorage opqueue.Storage
	QueueOptions opqueue.Options

	// OnError surfaces user-visible failures (exhausted retries,
	// permanent rejections). Optional.
	OnError func(err error)
	// OnRemoteChange notifies the rendering side after a remote event has
	// been folded into local state. Optional.
	OnRemoteChange func(ev feed.Event)
}

type pendingKey struct {
	objectID string
	field    string
}

type pendingWrite struct {
	value    any
	deadline time.Time
}

// rollback captures what it takes to undo one optimistic mutation if its
// remote apply fails for good.
type rollback struct {
	kind     opqueue.OpType
	objectID string
	prior    map[string]any // update: the overwritten fields
	snapshot *store.Object  // delete: the removed object
}

type Session struct {
	cfg   Config
	queue *opqueue.Queue

	mu       sync.Mutex
	objects  map[string]store.Object
	pending  map[pendingKey]pendingWrite
	rollback map[string]rollback // keyed by operation ID

	sub     *feed.Subscription
	subDone chan struct{}

	now func() time.Time
}

// New builds the session and reloads any queued operations persisted by a
// previous run. The caller is expected to Load current state, Subscribe,
// and then Flush to reconcile offline work.
func New(ctx context.Context, cfg Config) (*Session, error) {
	s := &Session{
		cfg:      cfg,
		objects:  make(map[string]store.Object),
		pending:  make(map[pendingKey]pendingWrite),
		rollback: make(map[string]rollback),
		now:      time.Now,
	}

	queue, err := opqueue.New(ctx, cfg.QueueStorage, s.applyRemote, s.onPermanentFailure, cfg.QueueOptions)
	if err != nil {
		return nil, fmt.Errorf("session queue: %w", err)
	}
	s.queue = queue
	return s, nil
}

// Load pulls the current object set from the remote store into local state.
func (s *Session) Load(ctx context.Context) error {
	objects, err := s.cfg.Store.ListObjects(ctx, s.cfg.CanvasID)
	if err != nil {
		return fmt.Errorf("load canvas %s: %w", s.cfg.CanvasID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = make(map[string]store.Object, len(objects))
	for _, obj := range objects {
		s.objects[obj.ID] = obj
	}
	return nil
}

// Objects returns the local object set in draw order.
func (s *Session) Objects() []store.Object {
	s.mu.Lock()
	out := make([]store.Object, 0, len(s.objects))
	for _, obj := range s.objects {
		out = append(out, obj)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ZIndex != out[j].ZIndex {
			return out[i].ZIndex < out[j].ZIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Object returns one object from local state.
func (s *Session) Object(objectID string) (store.Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[objectID]
	return obj, ok
}

// PointerToUser translates an input-event position from the rendering
// surface's space into the stored user-facing space.
func (s *Session) PointerToUser(p geom.Point) (geom.Point, error) {
	return s.cfg.Translator.ToUser(p)
}

// RenderPosition translates a stored object position into render space.
func (s *Session) RenderPosition(obj store.Object) (geom.Point, error) {
	return s.cfg.Translator.ToRender(geom.Point{X: obj.X, Y: obj.Y})
}

// Locks exposes the session's lock manager for gated UI actions.
func (s *Session) Locks() *lock.Manager {
	return s.cfg.Locks
}

// UpdateObject applies a partial update optimistically and queues the
// remote write. It refuses the edit when another session holds a live lock
// on the object.
func (s *Session) UpdateObject(ctx context.Context, objectID string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}

	s.mu.Lock()
	obj, ok := s.objects[objectID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("update %s: %w", objectID, ErrObjectMissing)
	}
	if !obj.MutableBy(s.cfg.SessionID, s.cfg.Locks.Timeout(), s.now()) {
		s.mu.Unlock()
		return fmt.Errorf("update %s: %w", objectID, lock.ErrLocked)
	}

	prior := captureFields(obj, patch)
	updated, err := applyPatch(obj, patch, s.now())
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("update %s: %w", objectID, err)
	}
	s.objects[objectID] = updated

	deadline := s.now().Add(pendingWait)
	for field, value := range patch {
		s.pending[pendingKey{objectID: objectID, field: field}] = pendingWrite{value: value, deadline: deadline}
	}
	s.mu.Unlock()

	payload, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}
	op := opqueue.Operation{
		ID:       util.NewID("op"),
		Type:     opqueue.OpUpdate,
		ObjectID: objectID,
		CanvasID: s.cfg.CanvasID,
		Payload:  payload,
	}
	s.rememberRollback(op.ID, rollback{kind: opqueue.OpUpdate, objectID: objectID, prior: prior})
	return s.queue.Enqueue(ctx, op)
}

// CreateObject adds an object locally and queues the remote insert.
func (s *Session) CreateObject(ctx context.Context, obj store.Object) error {
	if obj.ID == "" {
		obj.ID = util.NewID("obj")
	}
	obj.CanvasID = s.cfg.CanvasID
	if obj.CreatedBy == "" {
		obj.CreatedBy = s.cfg.SessionID
	}

	s.mu.Lock()
	s.objects[obj.ID] = obj
	s.pending[pendingKey{objectID: obj.ID, field: "__create"}] = pendingWrite{deadline: s.now().Add(pendingWait)}
	s.mu.Unlock()

	payload, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode object: %w", err)
	}
	op := opqueue.Operation{
		ID:       util.NewID("op"),
		Type:     opqueue.OpCreate,
		ObjectID: obj.ID,
		CanvasID: s.cfg.CanvasID,
		Payload:  payload,
	}
	s.rememberRollback(op.ID, rollback{kind: opqueue.OpCreate, objectID: obj.ID})
	return s.queue.Enqueue(ctx, op)
}

// DeleteObject removes an object locally and queues the remote delete. The
// snapshot taken here makes the rollback an exact restore.
func (s *Session) DeleteObject(ctx context.Context, objectID string) error {
	s.mu.Lock()
	obj, ok := s.objects[objectID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("delete %s: %w", objectID, ErrObjectMissing)
	}
	if !obj.MutableBy(s.cfg.SessionID, s.cfg.Locks.Timeout(), s.now()) {
		s.mu.Unlock()
		return fmt.Errorf("delete %s: %w", objectID, lock.ErrLocked)
	}
	delete(s.objects, objectID)
	s.pending[pendingKey{objectID: objectID, field: "__delete"}] = pendingWrite{deadline: s.now().Add(pendingWait)}
	s.mu.Unlock()

	snapshot := obj
	op := opqueue.Operation{
		ID:       util.NewID("op"),
		Type:     opqueue.OpDelete,
		ObjectID: objectID,
		CanvasID: s.cfg.CanvasID,
	}
	s.rememberRollback(op.ID, rollback{kind: opqueue.OpDelete, objectID: objectID, snapshot: &snapshot})
	return s.queue.Enqueue(ctx, op)
}

// Flush drains the operation queue against the remote store.
func (s *Session) Flush(ctx context.Context) error {
	return s.queue.Flush(ctx)
}

// HasPendingOperations reports whether offline work is still queued.
func (s *Session) HasPendingOperations() bool {
	return s.queue.HasOperations()
}

// Run flushes on an interval until ctx is done, reconciling queued offline
// work whenever connectivity allows.
func (s *Session) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.queue.HasOperations() {
				continue
			}
			if err := s.queue.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("engine: flush for %s: %v", s.cfg.CanvasID, err)
			}
		}
	}
}

// Subscribe opens the change feed and starts folding remote events into
// local state. The subscription's lifecycle belongs to the session, not to
// any UI mount.
func (s *Session) Subscribe(ctx context.Context) error {
	if s.cfg.Subscribe == nil {
		return errors.New("session has no subscribe function")
	}
	sub, err := s.cfg.Subscribe(ctx, s.cfg.CanvasID)
	if err != nil {
		return fmt.Errorf("subscribe canvas %s: %w", s.cfg.CanvasID, err)
	}

	s.mu.Lock()
	s.sub = sub
	s.subDone = make(chan struct{})
	done := s.subDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		for ev := range sub.Events() {
			s.Reconcile(ev)
		}
	}()
	return nil
}

// Unsubscribe closes the change feed and waits for the dispatch loop.
func (s *Session) Unsubscribe() error {
	s.mu.Lock()
	sub := s.sub
	done := s.subDone
	s.sub = nil
	s.subDone = nil
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	err := sub.Close()
	if done != nil {
		<-done
	}
	return err
}

// Reconcile folds one remote change notification into local state. Echoes
// of this session's own optimistic writes are recognized by the pending
// set and skipped so a confirmation never causes a visible snap-back.
func (s *Session) Reconcile(ev feed.Event) {
	s.mu.Lock()
	s.prunePendingLocked()

	switch ev.Type {
	case feed.EventInsert:
		key := pendingKey{objectID: ev.ObjectID, field: "__create"}
		if _, waiting := s.pending[key]; waiting && ev.Origin == s.cfg.SessionID {
			delete(s.pending, key)
			break
		}
		if ev.Object != nil {
			// Remote is authoritative for existence, even when the
			// object already exists locally.
			s.objects[ev.Object.ID] = *ev.Object
		}

	case feed.EventUpdate:
		obj, exists := s.objects[ev.ObjectID]
		var patch map[string]any
		if len(ev.Patch) > 0 {
			if err := json.Unmarshal(ev.Patch, &patch); err != nil {
				log.Printf("engine: malformed remote patch for %s: %v", ev.ObjectID, err)
				break
			}
		}
		applied := make(map[string]any, len(patch))
		for field, value := range patch {
			key := pendingKey{objectID: ev.ObjectID, field: field}
			if waiting, ok := s.pending[key]; ok && jsonEqual(waiting.value, value) {
				// The server confirmed the value this session already
				// rendered.
				delete(s.pending, key)
				continue
			}
			applied[field] = value
		}
		if exists && len(applied) > 0 {
			if updated, err := applyPatch(obj, applied, s.now()); err == nil {
				s.objects[ev.ObjectID] = updated
			} else {
				log.Printf("engine: remote patch for %s: %v", ev.ObjectID, err)
			}
		}
		// An update for an object this session already deleted is a
		// benign race, nothing to do.

	case feed.EventDelete:
		key := pendingKey{objectID: ev.ObjectID, field: "__delete"}
		if _, waiting := s.pending[key]; waiting && ev.Origin == s.cfg.SessionID {
			delete(s.pending, key)
			break
		}
		delete(s.objects, ev.ObjectID)
	}
	s.mu.Unlock()

	if s.cfg.OnRemoteChange != nil {
		s.cfg.OnRemoteChange(ev)
	}
}

// applyRemote is the queue's apply function: one durable write against the
// remote store plus the fan-out publish.
func (s *Session) applyRemote(ctx context.Context, op opqueue.Operation) error {
	ev := feed.Event{
		CanvasID: op.CanvasID,
		ObjectID: op.ObjectID,
		Origin:   s.cfg.SessionID,
	}

	switch op.Type {
	case opqueue.OpCreate:
		var obj store.Object
		if err := json.Unmarshal(op.Payload, &obj); err != nil {
			return fmt.Errorf("decode queued object: %w", opqueue.ErrPermanent)
		}
		if err := s.cfg.Store.InsertObject(ctx, obj); err != nil {
			return s.classify(err)
		}
		ev.Type = feed.EventInsert
		ev.Object = &obj

	case opqueue.OpUpdate:
		var patch map[string]any
		if err := json.Unmarshal(op.Payload, &patch); err != nil {
			return fmt.Errorf("decode queued patch: %w", opqueue.ErrPermanent)
		}
		if err := s.cfg.Store.UpdateObjectFields(ctx, op.ObjectID, patch); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Deleted remotely while the update was queued: take the
				// remote's word for it and finalize the operation.
				s.dropLocal(op.ObjectID)
				s.forgetRollback(op.ID)
				return nil
			}
			return s.classify(err)
		}
		ev.Type = feed.EventUpdate
		ev.Patch = op.Payload

	case opqueue.OpDelete:
		if err := s.cfg.Store.DeleteObject(ctx, op.ObjectID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Already gone remotely, which is what this operation
				// wanted anyway.
				s.forgetRollback(op.ID)
				return nil
			}
			return s.classify(err)
		}
		ev.Type = feed.EventDelete

	default:
		return fmt.Errorf("unknown operation type %q: %w", op.Type, opqueue.ErrPermanent)
	}

	s.forgetRollback(op.ID)
	if s.cfg.Publisher != nil {
		if err := s.cfg.Publisher.Publish(ctx, ev); err != nil {
			// The store write is already committed and is never
			// retracted; peers fall back to their next full load.
			log.Printf("engine: publish change for %s: %v", op.ObjectID, err)
		}
	}
	return nil
}

// classify maps store validation rejections onto permanent failures so the
// queue does not retry them.
func (s *Session) classify(err error) error {
	if errors.Is(err, store.ErrInvalidPatch) {
		return fmt.Errorf("%v: %w", err, opqueue.ErrPermanent)
	}
	return err
}

// onPermanentFailure reverts the optimistic local change for an operation
// the remote store will never accept, so local state cannot silently claim
// success.
func (s *Session) onPermanentFailure(op opqueue.Operation, cause error) {
	s.mu.Lock()
	rb, ok := s.rollback[op.ID]
	delete(s.rollback, op.ID)
	if ok {
		switch rb.kind {
		case opqueue.OpCreate:
			delete(s.objects, rb.objectID)
			delete(s.pending, pendingKey{objectID: rb.objectID, field: "__create"})
		case opqueue.OpUpdate:
			if obj, exists := s.objects[rb.objectID]; exists {
				if reverted, err := applyPatch(obj, rb.prior, s.now()); err == nil {
					s.objects[rb.objectID] = reverted
				}
			}
			for field := range rb.prior {
				delete(s.pending, pendingKey{objectID: rb.objectID, field: field})
			}
		case opqueue.OpDelete:
			if rb.snapshot != nil {
				s.objects[rb.objectID] = *rb.snapshot
			}
			delete(s.pending, pendingKey{objectID: rb.objectID, field: "__delete"})
		}
	}
	s.mu.Unlock()

	if s.cfg.OnError != nil {
		s.cfg.OnError(fmt.Errorf("%s %s failed permanently: %w", op.Type, op.ObjectID, cause))
	}
}

func (s *Session) rememberRollback(opID string, rb rollback) {
	s.mu.Lock()
	s.rollback[opID] = rb
	s.mu.Unlock()
}

func (s *Session) forgetRollback(opID string) {
	s.mu.Lock()
	delete(s.rollback, opID)
	s.mu.Unlock()
}

func (s *Session) dropLocal(objectID string) {
	s.mu.Lock()
	delete(s.objects, objectID)
	s.mu.Unlock()
}

// prunePendingLocked drops pending entries whose echo never arrived, so a
// lost confirmation cannot suppress later legitimate remote values.
func (s *Session) prunePendingLocked() {
	now := s.now()
	for key, waiting := range s.pending {
		if now.After(waiting.deadline) {
			delete(s.pending, key)
		}
	}
}

func captureFields(obj store.Object, patch map[string]any) map[string]any {
	prior := make(map[string]any, len(patch))
	for field := range patch {
		switch field {
		case "x":
			prior[field] = obj.X
		case "y":
			prior[field] = obj.Y
		case "width":
			prior[field] = obj.Width
		case "height":
			prior[field] = obj.Height
		case "rotation":
			prior[field] = obj.Rotation
		case "fill":
			prior[field] = obj.Fill
		case "stroke":
			prior[field] = obj.Stroke
		case "opacity":
			prior[field] = obj.Opacity
		case "zIndex":
			prior[field] = obj.ZIndex
		case "typeProperties":
			prior[field] = obj.TypeProperties
		}
	}
	return prior
}

func applyPatch(obj store.Object, patch map[string]any, now time.Time) (store.Object, error) {
	for field, value := range patch {
		switch field {
		case "x", "y", "width", "height", "rotation", "opacity":
			f, err := toFloat(value)
			if err != nil {
				return obj, fmt.Errorf("field %s: %w", field, err)
			}
			switch field {
			case "x":
				obj.X = f
			case "y":
				obj.Y = f
			case "width":
				obj.Width = f
			case "height":
				obj.Height = f
			case "rotation":
				obj.Rotation = f
			case "opacity":
				obj.Opacity = f
			}
		case "fill", "stroke":
			str, ok := value.(string)
			if !ok {
				return obj, fmt.Errorf("field %s: expected string", field)
			}
			if field == "fill" {
				obj.Fill = str
			} else {
				obj.Stroke = str
			}
		case "zIndex":
			f, err := toFloat(value)
			if err != nil {
				return obj, fmt.Errorf("field zIndex: %w", err)
			}
			obj.ZIndex = int(f)
		case "typeProperties":
			encoded, err := json.Marshal(value)
			if err != nil {
				return obj, fmt.Errorf("field typeProperties: %w", err)
			}
			obj.TypeProperties = encoded
		default:
			return obj, fmt.Errorf("unknown field %q", field)
		}
	}
	obj.UpdatedAt = now
	return obj, nil
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	default:
		return 0, fmt.Errorf("expected number, got %T", value)
	}
}

// jsonEqual compares an optimistic local value against a remote echo after
// JSON normalization, so 300 and 300.0 compare equal.
func jsonEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
