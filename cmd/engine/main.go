package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"easel/engine/internal/app"
	"easel/engine/internal/archive"
	"easel/engine/internal/config"
	"easel/engine/internal/engine"
	"easel/engine/internal/export"
	"easel/engine/internal/feed"
	"easel/engine/internal/geom"
	"easel/engine/internal/opqueue"
	"easel/engine/internal/presence"
	"easel/engine/internal/realtime"
	"easel/engine/internal/search"
	"easel/engine/internal/snapshot"
	"easel/engine/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.SnapshotsDir, 0o755); err != nil {
		log.Fatalf("failed to create snapshots dir: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.QueuePath), 0o755); err != nil {
		log.Fatalf("failed to create queue dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid redis url: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}

	publisher := feed.NewPublisher(redisClient)
	subscribe := engine.SubscribeFunc(func(ctx context.Context, canvasID string) (*feed.Subscription, error) {
		return feed.Subscribe(ctx, redisClient, canvasID)
	})

	queueDB, err := opqueue.OpenDB(cfg.QueuePath)
	if err != nil {
		log.Fatalf("queue db failed: %v", err)
	}
	defer queueDB.Close()
	queueStorage := app.QueueStorageFunc(func(sessionKey string) (opqueue.Storage, error) {
		return opqueue.NewSQLiteStorage(queueDB, sessionKey), nil
	})

	pgfts := search.NewPgFTS(dataStore.DB())
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	snapshots := snapshot.New(cfg.SnapshotsDir)
	translator := geom.NewTranslator(cfg.CanvasExtent, cfg.ClampBounds)
	exportService := export.NewService(dataStore, translator)

	registry := presence.NewRegistry(redisClient, 3*cfg.PresenceInterval)
	rosters := &rosterCache{
		client:   redisClient,
		registry: registry,
		cfg:      cfg,
		rosters:  make(map[string]*presence.Roster),
	}

	deps := app.Dependencies{
		Store:        dataStore,
		Publisher:    publisher,
		Subscribe:    subscribe,
		Search:       searchService,
		Snapshots:    snapshots,
		Export:       exportService,
		Roster:       rosters,
		QueueStorage: queueStorage,
	}
	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		archiveService, aerr := archive.New(ctx, cfg.ArchiveEndpoint, cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, cfg.ArchiveBucket, cfg.ArchiveUseSSL)
		if aerr != nil {
			log.Fatalf("archive connection failed: %v", aerr)
		}
		deps.Archive = archiveService
	}

	service := app.NewService(cfg, deps)

	checkOrigin := func(r *http.Request) bool {
		if cfg.CORSOrigin == "*" {
			return true
		}
		return r.Header.Get("Origin") == cfg.CORSOrigin
	}

	// Each websocket connection gets its own presence broadcaster so the
	// join/ping/cursor throttles apply per session.
	broadcasters := &broadcasterSet{
		client:   redisClient,
		registry: registry,
		cfg:      cfg,
		active:   make(map[string]*presence.Broadcaster),
	}
	hub := realtime.NewHub(realtime.Handlers{
		OnJoin: func(ctx context.Context, canvasID string, id realtime.Identity) {
			if err := broadcasters.join(ctx, canvasID, id); err != nil {
				log.Printf("presence join %s: %v", id.UserID, err)
			}
		},
		OnLeave: func(ctx context.Context, canvasID string, id realtime.Identity) {
			if err := broadcasters.leave(ctx, canvasID, id); err != nil {
				log.Printf("presence leave %s: %v", id.UserID, err)
			}
		},
		OnCursor: func(ctx context.Context, canvasID string, id realtime.Identity, msg realtime.CursorMessage) {
			if b := broadcasters.get(canvasID, id); b != nil {
				if err := b.PublishCursor(ctx, msg.X, msg.Y); err != nil {
					log.Printf("cursor %s: %v", id.UserID, err)
				}
			}
		},
		OnActivity: func(ctx context.Context, canvasID string, id realtime.Identity) {
			if b := broadcasters.get(canvasID, id); b != nil {
				if err := b.UpdateActivity(ctx); err != nil {
					log.Printf("presence activity %s: %v", id.UserID, err)
				}
			}
		},
	}, checkOrigin)

	// Fan redis traffic out to connected websocket clients on every node:
	// object changes, presence announcements and cursor positions.
	go forwardChannel(ctx, redisClient, hub, feed.Channel("*"), feed.Channel(""), "change")
	go forwardChannel(ctx, redisClient, hub, presence.PresenceChannel("*"), presence.PresenceChannel(""), "presence")
	go forwardChannel(ctx, redisClient, hub, presence.CursorChannel("*"), presence.CursorChannel(""), "cursor")

	httpServer := app.NewHTTPServer(service, hub, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Easel engine listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// broadcasterSet owns one presence broadcaster per live websocket
// connection, keyed by canvas and user.
type broadcasterSet struct {
	client   *redis.Client
	registry *presence.Registry
	cfg      config.Config

	mu     sync.Mutex
	active map[string]*presence.Broadcaster
}

func (s *broadcasterSet) key(canvasID string, id realtime.Identity) string {
	return canvasID + "|" + id.UserID
}

func (s *broadcasterSet) join(ctx context.Context, canvasID string, id realtime.Identity) error {
	b := presence.NewBroadcaster(s.client, s.registry, canvasID, presence.Entry{
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
		Color:       id.Color,
	}, s.cfg.PresenceInterval, s.cfg.CursorInterval)
	s.mu.Lock()
	s.active[s.key(canvasID, id)] = b
	s.mu.Unlock()
	return b.Join(ctx)
}

func (s *broadcasterSet) leave(ctx context.Context, canvasID string, id realtime.Identity) error {
	s.mu.Lock()
	key := s.key(canvasID, id)
	b := s.active[key]
	delete(s.active, key)
	s.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.Leave(ctx)
}

func (s *broadcasterSet) get(canvasID string, id realtime.Identity) *presence.Broadcaster {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[s.key(canvasID, id)]
}

// rosterCache lazily starts one idle-tracking roster per canvas so the
// presence endpoint reports idle state, not just raw registry entries.
type rosterCache struct {
	client   *redis.Client
	registry *presence.Registry
	cfg      config.Config

	mu      sync.Mutex
	rosters map[string]*presence.Roster
}

func (rc *rosterCache) List(ctx context.Context, canvasID string) ([]presence.Entry, error) {
	rc.mu.Lock()
	r, ok := rc.rosters[canvasID]
	if !ok {
		var err error
		r, err = presence.NewRoster(context.Background(), rc.client, rc.registry, canvasID, rc.cfg.IdleCheckEvery, rc.cfg.IdleThreshold)
		if err != nil {
			rc.mu.Unlock()
			return nil, err
		}
		rc.rosters[canvasID] = r
	}
	rc.mu.Unlock()
	return r.Entries(), nil
}

// forwardChannel bridges one family of per-canvas Redis channels into the
// matching websocket rooms, so traffic published on any node reaches every
// connected client.
func forwardChannel(ctx context.Context, client *redis.Client, hub *realtime.Hub, pattern, prefix, kind string) {
	pubsub := client.PSubscribe(ctx, pattern)
	defer pubsub.Close()
	for msg := range pubsub.Channel() {
		canvasID := strings.TrimPrefix(msg.Channel, prefix)
		payload, err := json.Marshal(map[string]any{
			"type":    kind,
			"payload": json.RawMessage(msg.Payload),
		})
		if err != nil {
			continue
		}
		hub.Broadcast(canvasID, payload)
	}
}
