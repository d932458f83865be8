package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"easel/engine/internal/archive"
	"easel/engine/internal/config"
	"easel/engine/internal/engine"
	"easel/engine/internal/export"
	"easel/engine/internal/geom"
	"easel/engine/internal/history"
	"easel/engine/internal/lock"
	"easel/engine/internal/opqueue"
	"easel/engine/internal/presence"
	"easel/engine/internal/search"
	"easel/engine/internal/snapshot"
	"easel/engine/internal/store"
	"easel/engine/internal/util"
)

// dataStore is the persistence surface the service needs. *store.PostgresStore
// satisfies it; tests inject fakes.
type dataStore interface {
	Ping(ctx context.Context) error
	ListCanvases(ctx context.Context) ([]store.Canvas, error)
	GetCanvas(ctx context.Context, canvasID string) (store.Canvas, error)
	InsertCanvas(ctx context.Context, item store.Canvas) error
	DeleteCanvas(ctx context.Context, canvasID string) error
	ListObjects(ctx context.Context, canvasID string) ([]store.Object, error)
	GetObject(ctx context.Context, objectID string) (store.Object, error)
	InsertObject(ctx context.Context, item store.Object) error
	UpdateObjectFields(ctx context.Context, objectID string, patch map[string]any) error
	DeleteObject(ctx context.Context, objectID string) error
	AcquireLock(ctx context.Context, objectID, sessionID string, lockTimeout time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, objectID, sessionID string) error
	InsertShareLink(ctx context.Context, link store.ShareLink) error
	GetShareLinkByToken(ctx context.Context, token string) (store.ShareLink, error)
	RevokeShareLink(ctx context.Context, linkID string) error
	RecordShareAccess(ctx context.Context, linkID string) error
}

type searcher interface {
	Search(q search.Query) search.Response
	IndexCanvas(c search.CanvasRecord)
	IndexText(t search.TextRecord)
	DeleteCanvas(id string)
	DeleteText(id string)
}

type snapshotter interface {
	EnsureCanvasRepo(canvasID, author string) error
	CommitSnapshot(canvasID string, objects []store.Object, author, message string) (snapshot.Info, error)
	History(canvasID string, limit int) ([]snapshot.Info, error)
	GetSnapshotByHash(canvasID, hash string) ([]store.Object, error)
	TagVersion(canvasID, hash, name string) error
}

type exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type archiver interface {
	PutSnapshot(ctx context.Context, canvasID, hash string, payload []byte) (string, error)
	PutExport(ctx context.Context, canvasID, filename, mimeType string, payload []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	ListCanvas(ctx context.Context, canvasID string) ([]archive.Artifact, error)
}

type rosterStore interface {
	List(ctx context.Context, canvasID string) ([]presence.Entry, error)
}

// QueueStorageFunc hands each engine session its own durable queue storage,
// keyed so two sessions never share a backlog.
type QueueStorageFunc func(sessionKey string) (opqueue.Storage, error)

// Dependencies carries everything Service wires together. Search, Snapshots,
// Export, Archive and Roster are optional; the matching endpoints answer 503
// when absent.
type Dependencies struct {
	Store        dataStore
	Publisher    engine.ChangePublisher
	Subscribe    engine.SubscribeFunc
	Search       searcher
	Snapshots    snapshotter
	Export       exporter
	Archive      archiver
	Roster       rosterStore
	QueueStorage QueueStorageFunc
}

// Service implements the canvas API. Mutations never touch the store
// directly; they run as undoable commands through a per-client engine
// session so optimistic apply, locking and the durable queue all sit in the
// serving path.
type Service struct {
	cfg        config.Config
	store      dataStore
	publisher  engine.ChangePublisher
	subscribe  engine.SubscribeFunc
	search     searcher
	snapshots  snapshotter
	export     exporter
	archive    archiver
	roster     rosterStore
	translator geom.Translator
	queueStore QueueStorageFunc

	mu       sync.Mutex
	sessions map[string]*clientSession

	now func() time.Time
}

type clientSession struct {
	eng    *engine.Session
	hist   *history.History
	cancel context.CancelFunc
}

func NewService(cfg config.Config, deps Dependencies) *Service {
	s := &Service{
		cfg:        cfg,
		store:      deps.Store,
		publisher:  deps.Publisher,
		subscribe:  deps.Subscribe,
		search:     deps.Search,
		snapshots:  deps.Snapshots,
		export:     deps.Export,
		archive:    deps.Archive,
		roster:     deps.Roster,
		translator: geom.NewTranslator(cfg.CanvasExtent, cfg.ClampBounds),
		queueStore: deps.QueueStorage,
		sessions:   make(map[string]*clientSession),
		now:        time.Now,
	}
	if s.queueStore == nil {
		s.queueStore = func(string) (opqueue.Storage, error) { return memoryStorage{state: &opqueue.State{}}, nil }
	}
	return s
}

// memoryStorage is the fallback queue backend when no durable one is wired.
type memoryStorage struct {
	state *opqueue.State
}

func (m memoryStorage) Load(context.Context) (opqueue.State, error) { return *m.state, nil }
func (m memoryStorage) Save(_ context.Context, st opqueue.State) error {
	*m.state = st
	return nil
}

// retryFlushEvery paces the background drain of operations that failed
// transiently during their originating request.
const retryFlushEvery = 5 * time.Second

func sessionKey(sessionID, canvasID string) string {
	return sessionID + "|" + canvasID
}

// session returns the editing session for one client on one canvas, creating
// and loading it on first use.
func (s *Service) session(ctx context.Context, sessionID, canvasID string) (*clientSession, error) {
	key := sessionKey(sessionID, canvasID)

	s.mu.Lock()
	if cs, ok := s.sessions[key]; ok {
		s.mu.Unlock()
		return cs, nil
	}
	s.mu.Unlock()

	if _, err := s.store.GetCanvas(ctx, canvasID); err != nil {
		return nil, err
	}
	storage, err := s.queueStore(key)
	if err != nil {
		return nil, fmt.Errorf("queue storage for %s: %w", key, err)
	}
	eng, err := engine.New(ctx, engine.Config{
		SessionID:    sessionID,
		CanvasID:     canvasID,
		Translator:   s.translator,
		Locks:        lock.NewManager(s.store, sessionID, s.cfg.LockTimeout),
		Store:        s.store,
		Publisher:    s.publisher,
		Subscribe:    s.subscribe,
		QueueStorage: storage,
		QueueOptions: opqueue.Options{
			Capacity:    s.cfg.QueueCapacity,
			MaxRetries:  s.cfg.MaxRetryAttempts,
			BackoffBase: s.cfg.RetryBackoffBase,
			MaxAge:      s.cfg.QueueMaxAge,
		},
		OnError: func(err error) {
			log.Printf("app: session %s: dropped operation: %v", key, err)
		},
	})
	if err != nil {
		return nil, err
	}
	if err := eng.Load(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[key]; ok {
		return existing, nil
	}
	// The session lives until its canvas is dropped; the subscription folds
	// peers' changes into this session's optimistic state and the flush
	// loop drains operations that failed transiently during a request.
	runCtx, cancel := context.WithCancel(context.Background())
	if s.subscribe != nil {
		if err := eng.Subscribe(runCtx); err != nil {
			log.Printf("app: subscribe session %s: %v", key, err)
		}
	}
	go eng.Run(runCtx, retryFlushEvery)
	cs := &clientSession{eng: eng, hist: history.New(), cancel: cancel}
	s.sessions[key] = cs
	return cs, nil
}

func (s *Service) dropCanvasSessions(canvasID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, cs := range s.sessions {
		if strings.HasSuffix(key, "|"+canvasID) {
			if err := cs.eng.Unsubscribe(); err != nil {
				log.Printf("app: unsubscribe session %s: %v", key, err)
			}
			cs.cancel()
			delete(s.sessions, key)
		}
	}
}

// Ping reports datastore reachability for the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Canvases -----------------------------------------------------------------

type CreateCanvasInput struct {
	Name      string `json:"name"`
	CreatedBy string `json:"createdBy"`
}

func (s *Service) ListCanvases(ctx context.Context) ([]store.Canvas, error) {
	return s.store.ListCanvases(ctx)
}

func (s *Service) CreateCanvas(ctx context.Context, in CreateCanvasInput) (store.Canvas, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return store.Canvas{}, domainError(http.StatusUnprocessableEntity, "VALIDATION", "canvas name is required")
	}
	now := s.now().UTC()
	canvas := store.Canvas{
		ID:        util.NewID("cnv"),
		Name:      name,
		CreatedBy: strings.TrimSpace(in.CreatedBy),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertCanvas(ctx, canvas); err != nil {
		return store.Canvas{}, fmt.Errorf("insert canvas: %w", err)
	}
	if s.snapshots != nil {
		if err := s.snapshots.EnsureCanvasRepo(canvas.ID, canvas.CreatedBy); err != nil {
			log.Printf("app: init snapshot repo for %s: %v", canvas.ID, err)
		}
	}
	if s.search != nil {
		s.search.IndexCanvas(search.CanvasRecord{ID: canvas.ID, Name: canvas.Name})
	}
	return canvas, nil
}

func (s *Service) GetCanvas(ctx context.Context, canvasID string) (store.Canvas, error) {
	return s.store.GetCanvas(ctx, canvasID)
}

func (s *Service) DeleteCanvas(ctx context.Context, canvasID string) error {
	if _, err := s.store.GetCanvas(ctx, canvasID); err != nil {
		return err
	}
	if err := s.store.DeleteCanvas(ctx, canvasID); err != nil {
		return fmt.Errorf("delete canvas: %w", err)
	}
	s.dropCanvasSessions(canvasID)
	if s.search != nil {
		s.search.DeleteCanvas(canvasID)
	}
	return nil
}

func (s *Service) CanvasObjects(ctx context.Context, canvasID string) ([]store.Object, error) {
	if _, err := s.store.GetCanvas(ctx, canvasID); err != nil {
		return nil, err
	}
	objects, err := s.store.ListObjects(ctx, canvasID)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	sort.SliceStable(objects, func(i, j int) bool { return objects[i].ZIndex < objects[j].ZIndex })
	return objects, nil
}

// Objects ------------------------------------------------------------------

var allowedObjectTypes = map[store.ObjectType]bool{
	store.ObjectRectangle: true,
	store.ObjectCircle:    true,
	store.ObjectText:      true,
}

type CreateObjectInput struct {
	Type           store.ObjectType `json:"type"`
	X              float64          `json:"x"`
	Y              float64          `json:"y"`
	Width          float64          `json:"width"`
	Height         float64          `json:"height"`
	Rotation       float64          `json:"rotation"`
	Fill           string           `json:"fill"`
	Stroke         string           `json:"stroke"`
	Opacity        *float64         `json:"opacity"`
	ZIndex         int              `json:"zIndex"`
	TypeProperties json.RawMessage  `json:"typeProperties"`
	CreatedBy      string           `json:"createdBy"`
}

func (s *Service) CreateObject(ctx context.Context, sessionID, canvasID string, in CreateObjectInput) (store.Object, error) {
	if !allowedObjectTypes[in.Type] {
		return store.Object{}, domainErrorf(http.StatusUnprocessableEntity, "VALIDATION", "unknown object type %q", in.Type)
	}
	if in.Width <= 0 || in.Height <= 0 {
		return store.Object{}, domainError(http.StatusUnprocessableEntity, "VALIDATION", "width and height must be positive")
	}
	opacity := 1.0
	if in.Opacity != nil {
		opacity = *in.Opacity
	}
	if opacity < 0 || opacity > 1 {
		return store.Object{}, domainError(http.StatusUnprocessableEntity, "VALIDATION", "opacity must be within [0,1]")
	}
	if _, err := s.translator.ToRender(geom.Point{X: in.X, Y: in.Y}); err != nil {
		return store.Object{}, domainError(http.StatusUnprocessableEntity, "OUT_OF_BOUNDS", "position is outside the canvas")
	}

	cs, err := s.session(ctx, sessionID, canvasID)
	if err != nil {
		return store.Object{}, err
	}
	now := s.now().UTC()
	obj := store.Object{
		ID:             util.NewID("obj"),
		CanvasID:       canvasID,
		Type:           in.Type,
		X:              in.X,
		Y:              in.Y,
		Width:          in.Width,
		Height:         in.Height,
		Rotation:       in.Rotation,
		Fill:           in.Fill,
		Stroke:         in.Stroke,
		Opacity:        opacity,
		ZIndex:         in.ZIndex,
		TypeProperties: in.TypeProperties,
		CreatedBy:      strings.TrimSpace(in.CreatedBy),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := cs.hist.Execute(ctx, history.NewCreate(cs.eng, obj)); err != nil {
		return store.Object{}, err
	}
	s.flush(ctx, cs)
	s.indexObjectText(obj)
	return obj, nil
}

func (s *Service) UpdateObject(ctx context.Context, sessionID, objectID string, patch map[string]any) (store.Object, error) {
	if len(patch) == 0 {
		return store.Object{}, domainError(http.StatusUnprocessableEntity, "VALIDATION", "empty patch")
	}
	obj, cs, err := s.objectSession(ctx, sessionID, objectID)
	if err != nil {
		return store.Object{}, err
	}
	if !obj.MutableBy(sessionID, s.cfg.LockTimeout, s.now()) {
		return store.Object{}, fmt.Errorf("update %s: %w", objectID, lock.ErrLocked)
	}
	if x, ok := patchCoord(patch, "x", obj.X); ok {
		y, _ := patchCoord(patch, "y", obj.Y)
		if _, terr := s.translator.ToRender(geom.Point{X: x, Y: y}); terr != nil {
			return store.Object{}, domainError(http.StatusUnprocessableEntity, "OUT_OF_BOUNDS", "position is outside the canvas")
		}
	}
	cmd, err := history.NewPatch(cs.eng, "update", obj, patch)
	if err != nil {
		return store.Object{}, domainError(http.StatusUnprocessableEntity, "VALIDATION", err.Error())
	}
	if err := cs.hist.Execute(ctx, cmd); err != nil {
		return store.Object{}, err
	}
	s.flush(ctx, cs)
	updated, ok := cs.eng.Object(objectID)
	if !ok {
		return store.Object{}, store.ErrNotFound
	}
	s.indexObjectText(updated)
	return updated, nil
}

func (s *Service) DeleteObject(ctx context.Context, sessionID, objectID string) error {
	obj, cs, err := s.objectSession(ctx, sessionID, objectID)
	if err != nil {
		return err
	}
	// The delete runs while holding the object lock; the store arbitrates
	// against a concurrent edit and contention surfaces as ErrLocked.
	if err := cs.eng.Locks().WithLock(ctx, objectID, func(ctx context.Context) error {
		return cs.hist.Execute(ctx, history.NewDelete(cs.eng, obj))
	}); err != nil {
		return err
	}
	s.flush(ctx, cs)
	if s.search != nil && obj.Type == store.ObjectText {
		s.search.DeleteText(obj.ID)
	}
	return nil
}

type DuplicateInput struct {
	ObjectIDs []string `json:"objectIds"`
}

// DuplicateObjects copies the named objects with a fixed offset, all as one
// undoable step.
func (s *Service) DuplicateObjects(ctx context.Context, sessionID, canvasID string, in DuplicateInput) ([]store.Object, error) {
	if len(in.ObjectIDs) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION", "objectIds is required")
	}
	cs, err := s.session(ctx, sessionID, canvasID)
	if err != nil {
		return nil, err
	}
	maxZ := 0
	for _, obj := range cs.eng.Objects() {
		if obj.ZIndex > maxZ {
			maxZ = obj.ZIndex
		}
	}
	now := s.now().UTC()
	copies := make([]store.Object, 0, len(in.ObjectIDs))
	for _, id := range in.ObjectIDs {
		src, ok := cs.eng.Object(id)
		if !ok {
			return nil, domainErrorf(http.StatusNotFound, "NOT_FOUND", "object %s not found", id)
		}
		maxZ++
		dup := src
		dup.ID = util.NewID("obj")
		dup.X += 20
		dup.Y += 20
		dup.ZIndex = maxZ
		dup.LockedBy = nil
		dup.LockAcquiredAt = nil
		dup.CreatedAt = now
		dup.UpdatedAt = now
		copies = append(copies, dup)
	}
	if err := cs.hist.Execute(ctx, history.NewDuplicate(cs.eng, copies)); err != nil {
		return nil, err
	}
	s.flush(ctx, cs)
	for _, obj := range copies {
		s.indexObjectText(obj)
	}
	return copies, nil
}

type AlignInput struct {
	ObjectIDs []string `json:"objectIds"`
	Edge      string   `json:"edge"`
}

// AlignObjects lines the named objects up on a shared edge or center as one
// undoable step.
func (s *Service) AlignObjects(ctx context.Context, sessionID, canvasID string, in AlignInput) error {
	if len(in.ObjectIDs) < 2 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION", "alignment needs at least two objects")
	}
	cs, err := s.session(ctx, sessionID, canvasID)
	if err != nil {
		return err
	}
	objects := make([]store.Object, 0, len(in.ObjectIDs))
	for _, id := range in.ObjectIDs {
		obj, ok := cs.eng.Object(id)
		if !ok {
			return domainErrorf(http.StatusNotFound, "NOT_FOUND", "object %s not found", id)
		}
		objects = append(objects, obj)
	}
	targets, err := alignTargets(objects, in.Edge)
	if err != nil {
		return err
	}
	if err := cs.hist.Execute(ctx, history.NewLayout(cs.eng, "align-"+in.Edge, objects, targets)); err != nil {
		return err
	}
	s.flush(ctx, cs)
	return nil
}

func alignTargets(objects []store.Object, edge string) ([]struct{ X, Y float64 }, error) {
	targets := make([]struct{ X, Y float64 }, len(objects))
	for i, obj := range objects {
		targets[i] = struct{ X, Y float64 }{X: obj.X, Y: obj.Y}
	}
	switch edge {
	case "left":
		ref := objects[0].X
		for _, o := range objects[1:] {
			if o.X < ref {
				ref = o.X
			}
		}
		for i := range targets {
			targets[i].X = ref
		}
	case "right":
		ref := objects[0].X + objects[0].Width
		for _, o := range objects[1:] {
			if o.X+o.Width > ref {
				ref = o.X + o.Width
			}
		}
		for i, o := range objects {
			targets[i].X = ref - o.Width
		}
	case "top":
		ref := objects[0].Y
		for _, o := range objects[1:] {
			if o.Y < ref {
				ref = o.Y
			}
		}
		for i := range targets {
			targets[i].Y = ref
		}
	case "bottom":
		ref := objects[0].Y + objects[0].Height
		for _, o := range objects[1:] {
			if o.Y+o.Height > ref {
				ref = o.Y + o.Height
			}
		}
		for i, o := range objects {
			targets[i].Y = ref - o.Height
		}
	case "centerX":
		sum := 0.0
		for _, o := range objects {
			sum += o.X + o.Width/2
		}
		center := sum / float64(len(objects))
		for i, o := range objects {
			targets[i].X = center - o.Width/2
		}
	case "centerY":
		sum := 0.0
		for _, o := range objects {
			sum += o.Y + o.Height/2
		}
		center := sum / float64(len(objects))
		for i, o := range objects {
			targets[i].Y = center - o.Height/2
		}
	default:
		return nil, domainErrorf(http.StatusUnprocessableEntity, "VALIDATION", "unknown alignment edge %q", edge)
	}
	return targets, nil
}

// Undo reverts the session's most recent command on the canvas.
func (s *Service) Undo(ctx context.Context, sessionID, canvasID string) error {
	cs, err := s.session(ctx, sessionID, canvasID)
	if err != nil {
		return err
	}
	if !cs.hist.CanUndo() {
		return domainError(http.StatusConflict, "NOTHING_TO_UNDO", "no command to undo")
	}
	if err := cs.hist.Undo(ctx); err != nil {
		return err
	}
	s.flush(ctx, cs)
	return nil
}

func (s *Service) Redo(ctx context.Context, sessionID, canvasID string) error {
	cs, err := s.session(ctx, sessionID, canvasID)
	if err != nil {
		return err
	}
	if !cs.hist.CanRedo() {
		return domainError(http.StatusConflict, "NOTHING_TO_REDO", "no command to redo")
	}
	if err := cs.hist.Redo(ctx); err != nil {
		return err
	}
	s.flush(ctx, cs)
	return nil
}

// objectSession resolves an object to its canvas session. The engine's local
// copy wins over the store so optimistic state stays visible to follow-up
// mutations.
func (s *Service) objectSession(ctx context.Context, sessionID, objectID string) (store.Object, *clientSession, error) {
	obj, err := s.store.GetObject(ctx, objectID)
	if err != nil {
		return store.Object{}, nil, err
	}
	cs, err := s.session(ctx, sessionID, obj.CanvasID)
	if err != nil {
		return store.Object{}, nil, err
	}
	if local, ok := cs.eng.Object(objectID); ok {
		// Optimistic geometry comes from the session; the store stays
		// authoritative for lock state.
		local.LockedBy = obj.LockedBy
		local.LockAcquiredAt = obj.LockAcquiredAt
		obj = local
	}
	return obj, cs, nil
}

// flush pushes queued operations to the store, logging instead of failing the
// request; retry of whatever remains belongs to the queue.
func (s *Service) flush(ctx context.Context, cs *clientSession) {
	if err := cs.eng.Flush(ctx); err != nil {
		log.Printf("app: flush: %v", err)
	}
}

func (s *Service) indexObjectText(obj store.Object) {
	if s.search == nil || obj.Type != store.ObjectText {
		return
	}
	if text := obj.TextContent(); text != "" {
		s.search.IndexText(search.TextRecord{ID: obj.ID, Text: text, CanvasID: obj.CanvasID})
	}
}

func patchCoord(patch map[string]any, field string, current float64) (float64, bool) {
	raw, ok := patch[field]
	if !ok {
		return current, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return current, false
		}
		return f, true
	default:
		return current, false
	}
}

// Locks --------------------------------------------------------------------

type LockState struct {
	ObjectID string `json:"objectId"`
	Held     bool   `json:"held"`
}

// AcquireLock claims the object for the session through its lock manager,
// so the manager's held view tracks the remote outcome.
func (s *Service) AcquireLock(ctx context.Context, sessionID, objectID string) (LockState, error) {
	obj, err := s.store.GetObject(ctx, objectID)
	if err != nil {
		return LockState{}, err
	}
	cs, err := s.session(ctx, sessionID, obj.CanvasID)
	if err != nil {
		return LockState{}, err
	}
	ok, err := cs.eng.Locks().Acquire(ctx, objectID)
	if err != nil {
		return LockState{}, err
	}
	if !ok {
		return LockState{}, domainError(http.StatusLocked, "LOCKED", "object is locked by another session")
	}
	return LockState{ObjectID: objectID, Held: true}, nil
}

func (s *Service) ReleaseLock(ctx context.Context, sessionID, objectID string) error {
	obj, err := s.store.GetObject(ctx, objectID)
	if err != nil {
		// Releasing a lock on a deleted object has nothing left to free.
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	cs, err := s.session(ctx, sessionID, obj.CanvasID)
	if err != nil {
		return err
	}
	return cs.eng.Locks().Release(ctx, objectID)
}

// Share links --------------------------------------------------------------

type CreateShareInput struct {
	CreatedBy      string `json:"createdBy"`
	Password       string `json:"password"`
	ExpiresInHours int    `json:"expiresInHours"`
}

type ShareLinkOutput struct {
	ID        string     `json:"id"`
	Token     string     `json:"token"`
	CanvasID  string     `json:"canvasId"`
	Protected bool       `json:"protected"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

type SharedCanvas struct {
	Canvas  store.Canvas   `json:"canvas"`
	Objects []store.Object `json:"objects"`
}

func (s *Service) CreateShareLink(ctx context.Context, canvasID string, in CreateShareInput) (ShareLinkOutput, error) {
	if _, err := s.store.GetCanvas(ctx, canvasID); err != nil {
		return ShareLinkOutput{}, err
	}
	token, err := randomToken()
	if err != nil {
		return ShareLinkOutput{}, fmt.Errorf("share token: %w", err)
	}
	link := store.ShareLink{
		ID:        util.NewID("shr"),
		Token:     token,
		CanvasID:  canvasID,
		CreatedBy: strings.TrimSpace(in.CreatedBy),
		CreatedAt: s.now().UTC(),
	}
	if in.Password != "" {
		hash, herr := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
		if herr != nil {
			return ShareLinkOutput{}, fmt.Errorf("hash share password: %w", herr)
		}
		hashed := string(hash)
		link.PasswordHash = &hashed
	}
	if in.ExpiresInHours > 0 {
		at := link.CreatedAt.Add(time.Duration(in.ExpiresInHours) * time.Hour)
		link.ExpiresAt = &at
	}
	if err := s.store.InsertShareLink(ctx, link); err != nil {
		return ShareLinkOutput{}, fmt.Errorf("insert share link: %w", err)
	}
	return ShareLinkOutput{
		ID:        link.ID,
		Token:     link.Token,
		CanvasID:  link.CanvasID,
		Protected: link.PasswordHash != nil,
		ExpiresAt: link.ExpiresAt,
		CreatedAt: link.CreatedAt,
	}, nil
}

// ResolveShareLink grants read access through a token, enforcing expiry,
// revocation and the optional password.
func (s *Service) ResolveShareLink(ctx context.Context, token, password string) (SharedCanvas, error) {
	link, err := s.store.GetShareLinkByToken(ctx, token)
	if err != nil {
		return SharedCanvas{}, err
	}
	if link.RevokedAt != nil {
		return SharedCanvas{}, store.ErrNotFound
	}
	if link.ExpiresAt != nil && s.now().After(*link.ExpiresAt) {
		return SharedCanvas{}, domainError(http.StatusGone, "SHARE_EXPIRED", "share link has expired")
	}
	if link.PasswordHash != nil {
		if password == "" {
			return SharedCanvas{}, domainError(http.StatusUnauthorized, "PASSWORD_REQUIRED", "share link requires a password")
		}
		if bcrypt.CompareHashAndPassword([]byte(*link.PasswordHash), []byte(password)) != nil {
			return SharedCanvas{}, domainError(http.StatusUnauthorized, "PASSWORD_INVALID", "wrong share password")
		}
	}
	canvas, err := s.store.GetCanvas(ctx, link.CanvasID)
	if err != nil {
		return SharedCanvas{}, err
	}
	objects, err := s.CanvasObjects(ctx, link.CanvasID)
	if err != nil {
		return SharedCanvas{}, err
	}
	if err := s.store.RecordShareAccess(ctx, link.ID); err != nil {
		log.Printf("app: record share access %s: %v", link.ID, err)
	}
	return SharedCanvas{Canvas: canvas, Objects: objects}, nil
}

func (s *Service) RevokeShareLink(ctx context.Context, linkID string) error {
	return s.store.RevokeShareLink(ctx, linkID)
}

func randomToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Search -------------------------------------------------------------------

func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_DISABLED", "search is not configured")
	}
	if strings.TrimSpace(q.Text) == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION", "query text is required")
	}
	return s.search.Search(q), nil
}

// Snapshots ----------------------------------------------------------------

type SnapshotInput struct {
	Author  string `json:"author"`
	Message string `json:"message"`
}

func (s *Service) CreateSnapshot(ctx context.Context, canvasID string, in SnapshotInput) (snapshot.Info, error) {
	if s.snapshots == nil {
		return snapshot.Info{}, domainError(http.StatusServiceUnavailable, "SNAPSHOTS_DISABLED", "snapshots are not configured")
	}
	canvas, err := s.store.GetCanvas(ctx, canvasID)
	if err != nil {
		return snapshot.Info{}, err
	}
	objects, err := s.store.ListObjects(ctx, canvasID)
	if err != nil {
		return snapshot.Info{}, fmt.Errorf("list objects: %w", err)
	}
	message := strings.TrimSpace(in.Message)
	if message == "" {
		message = fmt.Sprintf("Snapshot of %s", canvas.Name)
	}
	info, err := s.snapshots.CommitSnapshot(canvasID, objects, in.Author, message)
	if err != nil {
		return snapshot.Info{}, fmt.Errorf("commit snapshot: %w", err)
	}
	if s.archive != nil {
		payload, merr := json.Marshal(objects)
		if merr == nil {
			go func() {
				actx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if _, aerr := s.archive.PutSnapshot(actx, canvasID, info.Hash, payload); aerr != nil {
					log.Printf("app: archive snapshot %s/%s: %v", canvasID, info.Hash, aerr)
				}
			}()
		}
	}
	return info, nil
}

func (s *Service) SnapshotHistory(ctx context.Context, canvasID string, limit int) ([]snapshot.Info, error) {
	if s.snapshots == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SNAPSHOTS_DISABLED", "snapshots are not configured")
	}
	if _, err := s.store.GetCanvas(ctx, canvasID); err != nil {
		return nil, err
	}
	return s.snapshots.History(canvasID, limit)
}

// SnapshotObjects returns the object set recorded under one snapshot hash.
func (s *Service) SnapshotObjects(ctx context.Context, canvasID, hash string) ([]store.Object, error) {
	if s.snapshots == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SNAPSHOTS_DISABLED", "snapshots are not configured")
	}
	if _, err := s.store.GetCanvas(ctx, canvasID); err != nil {
		return nil, err
	}
	objects, err := s.snapshots.GetSnapshotByHash(canvasID, hash)
	if err != nil {
		return nil, domainErrorf(http.StatusNotFound, "SNAPSHOT_NOT_FOUND", "snapshot %s not found", hash)
	}
	return objects, nil
}

// RestoreSnapshot rewrites the canvas to a recorded state through the editing
// session, so the restore broadcasts like any other mutation and is itself
// committed as a new snapshot.
func (s *Service) RestoreSnapshot(ctx context.Context, sessionID, canvasID, hash string, author string) (snapshot.Info, error) {
	if s.snapshots == nil {
		return snapshot.Info{}, domainError(http.StatusServiceUnavailable, "SNAPSHOTS_DISABLED", "snapshots are not configured")
	}
	target, err := s.snapshots.GetSnapshotByHash(canvasID, hash)
	if err != nil {
		return snapshot.Info{}, domainErrorf(http.StatusNotFound, "SNAPSHOT_NOT_FOUND", "snapshot %s not found", hash)
	}
	cs, err := s.session(ctx, sessionID, canvasID)
	if err != nil {
		return snapshot.Info{}, err
	}

	want := make(map[string]store.Object, len(target))
	for _, obj := range target {
		want[obj.ID] = obj
	}
	for _, current := range cs.eng.Objects() {
		if _, keep := want[current.ID]; !keep {
			if derr := cs.eng.DeleteObject(ctx, current.ID); derr != nil {
				return snapshot.Info{}, derr
			}
		}
	}
	for _, obj := range target {
		if _, exists := cs.eng.Object(obj.ID); exists {
			patch := map[string]any{
				"x": obj.X, "y": obj.Y,
				"width": obj.Width, "height": obj.Height,
				"rotation": obj.Rotation,
				"fill":     obj.Fill, "stroke": obj.Stroke,
				"opacity": obj.Opacity, "zIndex": obj.ZIndex,
			}
			if len(obj.TypeProperties) > 0 {
				patch["typeProperties"] = obj.TypeProperties
			}
			if uerr := cs.eng.UpdateObject(ctx, obj.ID, patch); uerr != nil {
				return snapshot.Info{}, uerr
			}
		} else {
			if cerr := cs.eng.CreateObject(ctx, obj); cerr != nil {
				return snapshot.Info{}, cerr
			}
		}
	}
	s.flush(ctx, cs)

	return s.snapshots.CommitSnapshot(canvasID, target, author, fmt.Sprintf("Restore %s", hash))
}

type TagInput struct {
	Name string `json:"name"`
}

func (s *Service) TagSnapshot(ctx context.Context, canvasID, hash string, in TagInput) error {
	if s.snapshots == nil {
		return domainError(http.StatusServiceUnavailable, "SNAPSHOTS_DISABLED", "snapshots are not configured")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION", "tag name is required")
	}
	if err := s.snapshots.TagVersion(canvasID, hash, name); err != nil {
		return fmt.Errorf("tag snapshot: %w", err)
	}
	return nil
}

// Export -------------------------------------------------------------------

func (s *Service) Export(ctx context.Context, canvasID string, format export.Format) (*export.Result, error) {
	if s.export == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_DISABLED", "export is not configured")
	}
	result, err := s.export.Export(ctx, export.Request{CanvasID: canvasID, Format: format})
	if err != nil {
		if errors.Is(err, export.ErrUnsupportedFormat) {
			return nil, domainErrorf(http.StatusUnprocessableEntity, "VALIDATION", "unsupported export format %q", format)
		}
		if errors.Is(err, export.ErrPDFDependencyMissing) {
			return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "no chromium binary available for PDF export")
		}
		return nil, err
	}
	if s.archive != nil {
		data := make([]byte, len(result.Data))
		copy(data, result.Data)
		go func() {
			actx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, aerr := s.archive.PutExport(actx, canvasID, result.Filename, result.MimeType, data); aerr != nil {
				log.Printf("app: archive export %s/%s: %v", canvasID, result.Filename, aerr)
			}
		}()
	}
	return result, nil
}

// Archive ------------------------------------------------------------------

func (s *Service) ListArtifacts(ctx context.Context, canvasID string) ([]archive.Artifact, error) {
	if s.archive == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ARCHIVE_DISABLED", "archive storage is not configured")
	}
	if _, err := s.store.GetCanvas(ctx, canvasID); err != nil {
		return nil, err
	}
	artifacts, err := s.archive.ListCanvas(ctx, canvasID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return artifacts, nil
}

// FetchArtifact reads one archived artifact; keys are confined to the
// canvas's own prefixes.
func (s *Service) FetchArtifact(ctx context.Context, canvasID, key string) ([]byte, error) {
	if s.archive == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ARCHIVE_DISABLED", "archive storage is not configured")
	}
	if !strings.HasPrefix(key, "snapshots/"+canvasID+"/") && !strings.HasPrefix(key, "exports/"+canvasID+"/") {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "no such artifact")
	}
	data, err := s.archive.Get(ctx, key)
	if err != nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "no such artifact")
	}
	return data, nil
}

// Presence -----------------------------------------------------------------

func (s *Service) Presence(ctx context.Context, canvasID string) ([]presence.Entry, error) {
	if s.roster == nil {
		return nil, domainError(http.StatusServiceUnavailable, "PRESENCE_DISABLED", "presence is not configured")
	}
	if _, err := s.store.GetCanvas(ctx, canvasID); err != nil {
		return nil, err
	}
	entries, err := s.roster.List(ctx, canvasID)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries, nil
}
