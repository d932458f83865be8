package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"easel/engine/internal/config"
	"easel/engine/internal/feed"
	"easel/engine/internal/lock"
	"easel/engine/internal/presence"
	"easel/engine/internal/search"
	"easel/engine/internal/snapshot"
	"easel/engine/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	canvases map[string]store.Canvas
	objects  map[string]store.Object
	shares   map[string]store.ShareLink
	accesses map[string]int

	acquireLockFn func(ctx context.Context, objectID, sessionID string, timeout time.Duration) (bool, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		canvases: make(map[string]store.Canvas),
		objects:  make(map[string]store.Object),
		shares:   make(map[string]store.ShareLink),
		accesses: make(map[string]int),
	}
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) ListCanvases(context.Context) ([]store.Canvas, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Canvas, 0, len(f.canvases))
	for _, c := range f.canvases {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeStore) GetCanvas(_ context.Context, canvasID string) (store.Canvas, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.canvases[canvasID]
	if !ok {
		return store.Canvas{}, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) InsertCanvas(_ context.Context, item store.Canvas) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canvases[item.ID] = item
	return nil
}

func (f *fakeStore) DeleteCanvas(_ context.Context, canvasID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.canvases[canvasID]; !ok {
		return store.ErrNotFound
	}
	delete(f.canvases, canvasID)
	for id, obj := range f.objects {
		if obj.CanvasID == canvasID {
			delete(f.objects, id)
		}
	}
	return nil
}

func (f *fakeStore) ListObjects(_ context.Context, canvasID string) ([]store.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Object, 0)
	for _, obj := range f.objects {
		if obj.CanvasID == canvasID {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (f *fakeStore) GetObject(_ context.Context, objectID string) (store.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[objectID]
	if !ok {
		return store.Object{}, store.ErrNotFound
	}
	return obj, nil
}

func (f *fakeStore) InsertObject(_ context.Context, item store.Object) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[item.ID] = item
	return nil
}

func (f *fakeStore) UpdateObjectFields(_ context.Context, objectID string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[objectID]
	if !ok {
		return store.ErrNotFound
	}
	updated, err := applyTestPatch(obj, patch)
	if err != nil {
		return err
	}
	f.objects[objectID] = updated
	return nil
}

func (f *fakeStore) DeleteObject(_ context.Context, objectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[objectID]; !ok {
		return store.ErrNotFound
	}
	delete(f.objects, objectID)
	return nil
}

func (f *fakeStore) AcquireLock(ctx context.Context, objectID, sessionID string, timeout time.Duration) (bool, error) {
	if f.acquireLockFn != nil {
		return f.acquireLockFn(ctx, objectID, sessionID, timeout)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[objectID]
	if !ok {
		return false, store.ErrNotFound
	}
	now := time.Now()
	if obj.LockedBy != nil && *obj.LockedBy != sessionID &&
		obj.LockAcquiredAt != nil && now.Sub(*obj.LockAcquiredAt) <= timeout {
		return false, nil
	}
	obj.LockedBy = &sessionID
	obj.LockAcquiredAt = &now
	f.objects[objectID] = obj
	return true, nil
}

func (f *fakeStore) ReleaseLock(_ context.Context, objectID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[objectID]
	if !ok {
		return nil
	}
	if obj.LockedBy != nil && *obj.LockedBy == sessionID {
		obj.LockedBy = nil
		obj.LockAcquiredAt = nil
		f.objects[objectID] = obj
	}
	return nil
}

func (f *fakeStore) InsertShareLink(_ context.Context, link store.ShareLink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shares[link.Token] = link
	return nil
}

func (f *fakeStore) GetShareLinkByToken(_ context.Context, token string) (store.ShareLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	link, ok := f.shares[token]
	if !ok {
		return store.ShareLink{}, store.ErrNotFound
	}
	return link, nil
}

func (f *fakeStore) RevokeShareLink(_ context.Context, linkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for token, link := range f.shares {
		if link.ID == linkID {
			now := time.Now()
			link.RevokedAt = &now
			f.shares[token] = link
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) RecordShareAccess(_ context.Context, linkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accesses[linkID]++
	return nil
}

// applyTestPatch mirrors the store's column mapping closely enough for the
// engine's flush path to round-trip through the fake.
func applyTestPatch(obj store.Object, patch map[string]any) (store.Object, error) {
	for field, value := range patch {
		switch field {
		case "x":
			obj.X = asFloat(value)
		case "y":
			obj.Y = asFloat(value)
		case "width":
			obj.Width = asFloat(value)
		case "height":
			obj.Height = asFloat(value)
		case "rotation":
			obj.Rotation = asFloat(value)
		case "opacity":
			obj.Opacity = asFloat(value)
		case "zIndex":
			obj.ZIndex = int(asFloat(value))
		case "fill":
			obj.Fill, _ = value.(string)
		case "stroke":
			obj.Stroke, _ = value.(string)
		case "typeProperties":
			raw, err := json.Marshal(value)
			if err != nil {
				return obj, store.ErrInvalidPatch
			}
			obj.TypeProperties = raw
		default:
			return obj, store.ErrInvalidPatch
		}
	}
	obj.UpdatedAt = time.Now()
	return obj, nil
}

func asFloat(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

type fakePublisher struct {
	mu     sync.Mutex
	events []feed.Event
}

func (p *fakePublisher) Publish(_ context.Context, ev feed.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) byType(t feed.EventType) []feed.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []feed.Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeSearch struct {
	mu       sync.Mutex
	queries  []search.Query
	canvases []search.CanvasRecord
	texts    []search.TextRecord
	deleted  []string
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return search.Response{}
}
func (f *fakeSearch) IndexCanvas(c search.CanvasRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canvases = append(f.canvases, c)
}
func (f *fakeSearch) IndexText(t search.TextRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, t)
}
func (f *fakeSearch) DeleteCanvas(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}
func (f *fakeSearch) DeleteText(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

type fakeSnapshots struct {
	mu      sync.Mutex
	ensured []string
	commits []string
	byHash  map[string][]store.Object
	tagged  map[string]string
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{byHash: make(map[string][]store.Object), tagged: make(map[string]string)}
}

func (f *fakeSnapshots) EnsureCanvasRepo(canvasID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, canvasID)
	return nil
}

func (f *fakeSnapshots) CommitSnapshot(canvasID string, objects []store.Object, _, message string) (snapshot.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash := fmt.Sprintf("%07d", len(f.commits)+1)
	f.commits = append(f.commits, message)
	f.byHash[hash] = objects
	return snapshot.Info{Hash: hash, Message: message, CreatedAt: time.Now()}, nil
}

func (f *fakeSnapshots) History(string, int) ([]snapshot.Info, error) { return nil, nil }

func (f *fakeSnapshots) GetSnapshotByHash(_, hash string) ([]store.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	objects, ok := f.byHash[hash]
	if !ok {
		return nil, errors.New("unknown hash")
	}
	return objects, nil
}

func (f *fakeSnapshots) TagVersion(_, hash, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagged[name] = hash
	return nil
}

type fakeRoster struct {
	entries []presence.Entry
}

func (f *fakeRoster) List(context.Context, string) ([]presence.Entry, error) {
	return f.entries, nil
}

func testConfig() config.Config {
	return config.Config{
		CanvasExtent:     4000,
		ClampBounds:      false,
		LockTimeout:      30 * time.Second,
		QueueCapacity:    100,
		MaxRetryAttempts: 3,
		RetryBackoffBase: time.Millisecond,
	}
}

type testEnv struct {
	svc       *Service
	store     *fakeStore
	publisher *fakePublisher
	search    *fakeSearch
	snapshots *fakeSnapshots
}

func newTestService(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     newFakeStore(),
		publisher: &fakePublisher{},
		search:    &fakeSearch{},
		snapshots: newFakeSnapshots(),
	}
	env.svc = NewService(testConfig(), Dependencies{
		Store:     env.store,
		Publisher: env.publisher,
		Search:    env.search,
		Snapshots: env.snapshots,
		Roster:    &fakeRoster{},
	})
	return env
}

func seedCanvas(t *testing.T, env *testEnv) store.Canvas {
	t.Helper()
	canvas, err := env.svc.CreateCanvas(context.Background(), CreateCanvasInput{Name: "Board", CreatedBy: "ada"})
	if err != nil {
		t.Fatalf("create canvas: %v", err)
	}
	return canvas
}

func TestCreateCanvasValidatesName(t *testing.T) {
	env := newTestService(t)
	_, err := env.svc.CreateCanvas(context.Background(), CreateCanvasInput{Name: "   "})
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 domain error, got %v", err)
	}
}

func TestCreateCanvasIndexesAndPreparesSnapshots(t *testing.T) {
	env := newTestService(t)
	canvas := seedCanvas(t, env)

	if len(env.search.canvases) != 1 || env.search.canvases[0].ID != canvas.ID {
		t.Fatalf("canvas not indexed: %+v", env.search.canvases)
	}
	if len(env.snapshots.ensured) != 1 || env.snapshots.ensured[0] != canvas.ID {
		t.Fatalf("snapshot repo not prepared: %v", env.snapshots.ensured)
	}
}

func TestCreateObjectPersistsAndPublishes(t *testing.T) {
	env := newTestService(t)
	canvas := seedCanvas(t, env)

	obj, err := env.svc.CreateObject(context.Background(), "sess-a", canvas.ID, CreateObjectInput{
		Type: store.ObjectRectangle, X: 10, Y: 20, Width: 100, Height: 50, Fill: "#fff",
	})
	if err != nil {
		t.Fatalf("create object: %v", err)
	}
	stored, err := env.store.GetObject(context.Background(), obj.ID)
	if err != nil {
		t.Fatalf("object not persisted: %v", err)
	}
	if stored.X != 10 || stored.Width != 100 {
		t.Fatalf("unexpected stored object: %+v", stored)
	}
	inserts := env.publisher.byType(feed.EventInsert)
	if len(inserts) != 1 || inserts[0].Origin != "sess-a" {
		t.Fatalf("expected one insert event from sess-a, got %+v", inserts)
	}
}

func TestCreateObjectRejectsUnknownType(t *testing.T) {
	env := newTestService(t)
	canvas := seedCanvas(t, env)

	_, err := env.svc.CreateObject(context.Background(), "sess-a", canvas.ID, CreateObjectInput{
		Type: "triangle", X: 0, Y: 0, Width: 10, Height: 10,
	})
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %v", err)
	}
}

func TestCreateObjectRejectsOutOfBounds(t *testing.T) {
	env := newTestService(t)
	canvas := seedCanvas(t, env)

	_, err := env.svc.CreateObject(context.Background(), "sess-a", canvas.ID, CreateObjectInput{
		Type: store.ObjectRectangle, X: 5000, Y: 0, Width: 10, Height: 10,
	})
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Code != "OUT_OF_BOUNDS" {
		t.Fatalf("expected OUT_OF_BOUNDS, got %v", err)
	}
}

func TestUpdateUndoRedoRoundTrip(t *testing.T) {
	env := newTestService(t)
	canvas := seedCanvas(t, env)
	ctx := context.Background()

	obj, err := env.svc.CreateObject(ctx, "sess-a", canvas.ID, CreateObjectInput{
		Type: store.ObjectRectangle, X: 10, Y: 20, Width: 100, Height: 50,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.svc.UpdateObject(ctx, "sess-a", obj.ID, map[string]any{"x": 300.0}); err != nil {
		t.Fatalf("update: %v", err)
	}
	stored, _ := env.store.GetObject(ctx, obj.ID)
	if stored.X != 300 {
		t.Fatalf("update not persisted, x = %v", stored.X)
	}

	if err := env.svc.Undo(ctx, "sess-a", canvas.ID); err != nil {
		t.Fatalf("undo: %v", err)
	}
	stored, _ = env.store.GetObject(ctx, obj.ID)
	if stored.X != 10 {
		t.Fatalf("undo not persisted, x = %v", stored.X)
	}

	if err := env.svc.Redo(ctx, "sess-a", canvas.ID); err != nil {
		t.Fatalf("redo: %v", err)
	}
	stored, _ = env.store.GetObject(ctx, obj.ID)
	if stored.X != 300 {
		t.Fatalf("redo not persisted, x = %v", stored.X)
	}
}

func TestUndoWithEmptyHistoryConflicts(t *testing.T) {
	env := newTestService(t)
	canvas := seedCanvas(t, env)

	err := env.svc.Undo(context.Background(), "sess-a", canvas.ID)
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestDeleteObjectUndoRestores(t *testing.T) {
	env := newTestService(t)
	canvas := seedCanvas(t, env)
	ctx := context.Background()

	obj, err := env.svc.CreateObject(ctx, "sess-a", canvas.ID, CreateObjectInput{
		Type: store.ObjectCircle, X: 0, Y: 0, Width: 40, Height: 40,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.svc.DeleteObject(ctx, "sess-a", obj.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.store.GetObject(ctx, obj.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("object still in store after delete")
	}

	if err := env.svc.Undo(ctx, "sess-a", canvas.ID); err != nil {
		t.Fatalf("undo delete: %v", err)
	}
	restored, err := env.store.GetObject(ctx, obj.ID)
	if err != nil {
		t.Fatalf("object not restored: %v", err)
	}
	if restored.Width != 40 {
		t.Fatalf("restored object mangled: %+v", restored)
	}
}

func TestUpdateRefusedWhileLockedByOther(t *testing.T) {
	env := newTestService(t)
	canvas := seedCanvas(t, env)
	ctx := context.Background()

	obj, err := env.svc.CreateObject(ctx, "sess-a", canvas.ID, CreateObjectInput{
		Type: store.ObjectRectangle, X: 0, Y: 0, Width: 10, Height: 10,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	other := "sess-b"
	now := time.Now()
	env.store.mu.Lock()
	locked := env.store.objects[obj.ID]
	locked.LockedBy = &other
	locked.LockAcquiredAt = &now
	env.store.objects[obj.ID] = locked
	env.store.mu.Unlock()

	_, err = env.svc.UpdateObject(ctx, "sess-a", obj.ID, map[string]any{"x": 99.0})
	if !errors.Is(err, lock.ErrLocked) {
		t.Fatalf("expected lock refusal, got %v", err)
	}
}

func TestAcquireLockConflict(t *testing.T) {
	env := newTestService(t)
	canvas := seedCanvas(t, env)
	ctx := context.Background()

	obj, err := env.svc.CreateObject(ctx, "sess-a", canvas.ID, CreateObjectInput{
		Type: store.ObjectRectangle, X: 0, Y: 0, Width: 10, Height: 10,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.svc.AcquireLock(ctx, "sess-a", obj.ID); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	_, err = env.svc.AcquireLock(ctx, "sess-b", obj.ID)
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != http.StatusLocked {
		t.Fatalf("expected 423, got %v", err)
	}

	if err := env.svc.ReleaseLock(ctx, "sess-a", obj.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := env.svc.AcquireLock(ctx, "sess-b", obj.ID); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestAcquireLockTracksManagerHeldView(t *testing.T) {
	env := newTestService(t)
	canvas := seedCanvas(t, env)
	ctx := context.Background()

	obj, err := env.svc.CreateObject(ctx, "sess-a", canvas.ID, CreateObjectInput{
		Type: store.ObjectRectangle, X: 0, Y: 0, Width: 10, Height: 10,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.svc.AcquireLock(ctx, "sess-a", obj.ID); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	env.svc.mu.Lock()
	cs := env.svc.sessions[sessionKey("sess-a", canvas.ID)]
	env.svc.mu.Unlock()
	if cs == nil {
		t.Fatal("acquire must go through the canvas session")
	}
	if !cs.eng.Locks().Holds(obj.ID) {
		t.Fatal("manager held view must reflect the remote acquire")
	}

	if err := env.svc.ReleaseLock(ctx, "sess-a", obj.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if cs.eng.Locks().Holds(obj.ID) {
		t.Fatal("manager held view must clear on release")
	}
}

func TestDeleteRefusedWhileLockedByOther(t *testing.T) {
	env := newTestService(t)
	canvas := seedCanvas(t, env)
	ctx := context.Background()

	obj, err := env.svc.CreateObject(ctx, "sess-a", canvas.ID, CreateObjectInput{
		Type: store.ObjectRectangle, X: 0, Y: 0, Width: 10, Height: 10,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	other := "sess-b"
	now := time.Now()
	env.store.mu.Lock()
	locked := env.store.objects[obj.ID]
	locked.LockedBy = &other
	locked.LockAcquiredAt = &now
	env.store.objects[obj.ID] = locked
	env.store.mu.Unlock()

	if err := env.svc.DeleteObject(ctx, "sess-a", obj.ID); !errors.Is(err, lock.ErrLocked) {
		t.Fatalf("expected lock refusal, got %v", err)
	}
	if _, err := env.store.GetObject(ctx, obj.ID); err != nil {
		t.Fatalf("object must survive a refused delete: %v", err)
	}
}

func TestDeleteCanvasStopsSessionFlushLoop(t *testing.T) {
	env := newTestService(t)
	canvas := seedCanvas(t, env)
	ctx := context.Background()

	if _, err := env.svc.CreateObject(ctx, "sess-a", canvas.ID, CreateObjectInput{
		Type: store.ObjectRectangle, X: 0, Y: 0, Width: 10, Height: 10,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	env.svc.mu.Lock()
	cs := env.svc.sessions[sessionKey("sess-a", canvas.ID)]
	env.svc.mu.Unlock()
	if cs == nil {
		t.Fatal("no session after first mutation")
	}
	stopped := make(chan struct{})
	orig := cs.cancel
	cs.cancel = func() {
		orig()
		close(stopped)
	}

	if err := env.svc.DeleteCanvas(ctx, canvas.ID); err != nil {
		t.Fatalf("delete canvas: %v", err)
	}
	select {
	case <-stopped:
	default:
		t.Fatal("dropping the canvas must cancel the session's background loop")
	}
}

func TestDuplicateObjectsOffsetsCopies(t *testing.T) {
	env := newTestService(t)
	canvas := seedCanvas(t, env)
	ctx := context.Background()

	obj, err := env.svc.CreateObject(ctx, "sess-a", canvas.ID, CreateObjectInput{
		Type: store.ObjectRectangle, X: 10, Y: 10, Width: 50, Height: 50, ZIndex: 3,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	copies, err := env.svc.DuplicateObjects(ctx, "sess-a", canvas.ID, DuplicateInput{ObjectIDs: []string{obj.ID}})
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if len(copies) != 1 {
		t.Fatalf("expected 1 copy, got %d", len(copies))
	}
	dup := copies[0]
	if dup.ID == obj.ID || dup.X != 30 || dup.Y != 30 || dup.ZIndex != 4 {
		t.Fatalf("unexpected copy: %+v", dup)
	}
	if _, err := env.store.GetObject(ctx, dup.ID); err != nil {
		t.Fatalf("copy not persisted: %v", err)
	}
}

func TestAlignObjectsLeft(t *testing.T) {
	env := newTestService(t)
	canvas := seedCanvas(t, env)
	ctx := context.Background()

	a, _ := env.svc.CreateObject(ctx, "sess-a", canvas.ID, CreateObjectInput{
		Type: store.ObjectRectangle, X: 100, Y: 0, Width: 10, Height: 10,
	})
	b, _ := env.svc.CreateObject(ctx, "sess-a", canvas.ID, CreateObjectInput{
		Type: store.ObjectRectangle, X: 40, Y: 50, Width: 10, Height: 10,
	})

	if err := env.svc.AlignObjects(ctx, "sess-a", canvas.ID, AlignInput{
		ObjectIDs: []string{a.ID, b.ID}, Edge: "left",
	}); err != nil {
		t.Fatalf("align: %v", err)
	}
	got, _ := env.store.GetObject(ctx, a.ID)
	if got.X != 40 {
		t.Fatalf("a not aligned, x = %v", got.X)
	}
	got, _ = env.store.GetObject(ctx, b.ID)
	if got.X != 40 {
		t.Fatalf("b moved, x = %v", got.X)
	}
}

func TestShareLinkLifecycle(t *testing.T) {
	env := newTestService(t)
	canvas := seedCanvas(t, env)
	ctx := context.Background()

	link, err := env.svc.CreateShareLink(ctx, canvas.ID, CreateShareInput{Password: "hunter2"})
	if err != nil {
		t.Fatalf("create share link: %v", err)
	}
	if !link.Protected {
		t.Fatalf("link should be password protected")
	}

	_, err = env.svc.ResolveShareLink(ctx, link.Token, "")
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Code != "PASSWORD_REQUIRED" {
		t.Fatalf("expected PASSWORD_REQUIRED, got %v", err)
	}
	_, err = env.svc.ResolveShareLink(ctx, link.Token, "wrong")
	if !errors.As(err, &derr) || derr.Code != "PASSWORD_INVALID" {
		t.Fatalf("expected PASSWORD_INVALID, got %v", err)
	}

	shared, err := env.svc.ResolveShareLink(ctx, link.Token, "hunter2")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if shared.Canvas.ID != canvas.ID {
		t.Fatalf("resolved wrong canvas: %+v", shared.Canvas)
	}
	if env.store.accesses[link.ID] != 1 {
		t.Fatalf("access not recorded: %v", env.store.accesses)
	}

	if err := env.svc.RevokeShareLink(ctx, link.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := env.svc.ResolveShareLink(ctx, link.Token, "hunter2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("revoked link should resolve as not found, got %v", err)
	}
}

func TestExpiredShareLinkIsGone(t *testing.T) {
	env := newTestService(t)
	canvas := seedCanvas(t, env)
	ctx := context.Background()

	link, err := env.svc.CreateShareLink(ctx, canvas.ID, CreateShareInput{ExpiresInHours: 1})
	if err != nil {
		t.Fatalf("create share link: %v", err)
	}
	env.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = env.svc.ResolveShareLink(ctx, link.Token, "")
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != http.StatusGone {
		t.Fatalf("expected 410, got %v", err)
	}
}

func TestRestoreSnapshotRewritesCanvas(t *testing.T) {
	env := newTestService(t)
	canvas := seedCanvas(t, env)
	ctx := context.Background()

	kept, err := env.svc.CreateObject(ctx, "sess-a", canvas.ID, CreateObjectInput{
		Type: store.ObjectRectangle, X: 1, Y: 1, Width: 10, Height: 10,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	info, err := env.svc.CreateSnapshot(ctx, canvas.ID, SnapshotInput{Message: "baseline"})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if _, err := env.svc.UpdateObject(ctx, "sess-a", kept.ID, map[string]any{"x": 500.0}); err != nil {
		t.Fatalf("update: %v", err)
	}
	extra, err := env.svc.CreateObject(ctx, "sess-a", canvas.ID, CreateObjectInput{
		Type: store.ObjectCircle, X: 0, Y: 0, Width: 5, Height: 5,
	})
	if err != nil {
		t.Fatalf("create extra: %v", err)
	}

	restored, err := env.svc.RestoreSnapshot(ctx, "sess-a", canvas.ID, info.Hash, "ada")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !strings.HasPrefix(restored.Message, "Restore") {
		t.Fatalf("restore commit message: %q", restored.Message)
	}

	got, err := env.store.GetObject(ctx, kept.ID)
	if err != nil {
		t.Fatalf("kept object gone: %v", err)
	}
	if got.X != 1 {
		t.Fatalf("kept object not rewound, x = %v", got.X)
	}
	if _, err := env.store.GetObject(ctx, extra.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("extra object should be deleted after restore")
	}
}

func TestSnapshotObjectsByHash(t *testing.T) {
	env := newTestService(t)
	canvas := seedCanvas(t, env)
	ctx := context.Background()

	obj, err := env.svc.CreateObject(ctx, "sess-a", canvas.ID, CreateObjectInput{
		Type: store.ObjectRectangle, X: 7, Y: 7, Width: 10, Height: 10,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	info, err := env.svc.CreateSnapshot(ctx, canvas.ID, SnapshotInput{Message: "before edits"})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, err := env.svc.UpdateObject(ctx, "sess-a", obj.ID, map[string]any{"x": 900.0}); err != nil {
		t.Fatalf("update: %v", err)
	}

	objects, err := env.svc.SnapshotObjects(ctx, canvas.ID, info.Hash)
	if err != nil {
		t.Fatalf("snapshot objects: %v", err)
	}
	if len(objects) != 1 || objects[0].X != 7 {
		t.Fatalf("snapshot should hold the pre-edit state, got %+v", objects)
	}

	if _, err := env.svc.SnapshotObjects(ctx, canvas.ID, "no-such-hash"); err == nil {
		t.Fatal("unknown hash should fail")
	}
}

func TestTextObjectsIndexedOnCreate(t *testing.T) {
	env := newTestService(t)
	canvas := seedCanvas(t, env)

	props, _ := json.Marshal(map[string]any{"text": "launch checklist"})
	_, err := env.svc.CreateObject(context.Background(), "sess-a", canvas.ID, CreateObjectInput{
		Type: store.ObjectText, X: 0, Y: 0, Width: 200, Height: 30, TypeProperties: props,
	})
	if err != nil {
		t.Fatalf("create text: %v", err)
	}
	if len(env.search.texts) != 1 || env.search.texts[0].Text != "launch checklist" {
		t.Fatalf("text not indexed: %+v", env.search.texts)
	}
}

func TestSearchRequiresQueryText(t *testing.T) {
	env := newTestService(t)
	_, err := env.svc.Search(context.Background(), search.Query{Text: "  "})
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %v", err)
	}
}

func TestDeleteCanvasDropsSessionsAndIndex(t *testing.T) {
	env := newTestService(t)
	canvas := seedCanvas(t, env)
	ctx := context.Background()

	if _, err := env.svc.CreateObject(ctx, "sess-a", canvas.ID, CreateObjectInput{
		Type: store.ObjectRectangle, X: 0, Y: 0, Width: 10, Height: 10,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.svc.DeleteCanvas(ctx, canvas.ID); err != nil {
		t.Fatalf("delete canvas: %v", err)
	}
	env.svc.mu.Lock()
	remaining := len(env.svc.sessions)
	env.svc.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("sessions not dropped: %d", remaining)
	}
	found := false
	for _, id := range env.search.deleted {
		if id == canvas.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("canvas not removed from index: %v", env.search.deleted)
	}
}
