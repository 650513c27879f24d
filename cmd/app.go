package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/kozaktomas/face-linker/internal/config"
	"github.com/kozaktomas/face-linker/internal/constants"
	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/database/postgres"
	"github.com/kozaktomas/face-linker/internal/engine"
	"github.com/kozaktomas/face-linker/internal/fingerprint"
	"github.com/kozaktomas/face-linker/internal/logging"
	"github.com/kozaktomas/face-linker/internal/matchcache"
	"github.com/kozaktomas/face-linker/internal/recognition"
	"github.com/kozaktomas/face-linker/internal/reconciler"
	"github.com/kozaktomas/face-linker/internal/storage"
	"github.com/kozaktomas/face-linker/internal/taskqueue"
	"go.uber.org/zap"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	pool   *postgres.Pool

	identities    *postgres.IdentityRepository
	faces         *postgres.DetectedFaceRepository
	photos        *postgres.PhotoRepository
	collection    *postgres.CollectionRepository
	records       *postgres.MatchRecordRepository
	tasks         *postgres.TaskRepository
	notifications *postgres.NotificationRepository
	profiles      *postgres.ProfileRepository
	links         *postgres.LinkedAccountRepository

	embedder *fingerprint.EmbeddingClient
	cache    *matchcache.Cache
	redis    *matchcache.RedisTier
	objects  storage.Store
	queue    *taskqueue.Queue
	engine   *engine.Engine
}

// appOptions selects the optional parts of the wiring.
type appOptions struct {
	hnsw bool // load or build the in-memory face indexes
}

// newApp loads the configuration, connects to PostgreSQL (applying
// migrations) and wires the engine.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	pool, err := postgres.Open(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:           cfg,
		logger:        logger,
		pool:          pool,
		identities:    postgres.NewIdentityRepository(pool),
		faces:         postgres.NewDetectedFaceRepository(pool),
		photos:        postgres.NewPhotoRepository(pool),
		collection:    postgres.NewCollectionRepository(pool),
		records:       postgres.NewMatchRecordRepository(pool),
		tasks:         postgres.NewTaskRepository(pool),
		notifications: postgres.NewNotificationRepository(pool),
		profiles:      postgres.NewProfileRepository(pool),
		links:         postgres.NewLinkedAccountRepository(pool),
		embedder:      fingerprint.NewEmbeddingClient(cfg.Embedding.URL),
	}

	if opts.hnsw {
		if err := a.collection.EnableHNSW(ctx, cfg.Database.HNSWIndexPath); err != nil {
			logger.Warn("failed to build face indexes, searching in PostgreSQL", zap.Error(err))
		} else {
			logger.Info("face indexes ready",
				zap.Int("identity_faces", a.collection.HNSWCount(database.FaceKindIdentity)),
				zap.Int("detected_faces", a.collection.HNSWCount(database.FaceKindDetected)))
		}
	}

	tiers := []matchcache.Tier{matchcache.NewMemoryTier()}
	if cfg.Redis.URL != "" {
		redisTier, err := matchcache.NewRedisTierFromURL(cfg.Redis.URL, constants.MatchCacheRedisPrefix)
		if err != nil {
			logger.Warn("redis cache tier disabled", zap.Error(err))
		} else {
			a.redis = redisTier
			tiers = append(tiers, redisTier)
		}
	}
	a.cache = matchcache.New(cfg.Matching.CacheTTL, logger, tiers...)

	a.objects, err = storage.New(cfg.Storage)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open object storage: %w", err)
	}

	m := cfg.Matching
	adapter := recognition.NewAdapter(
		recognition.NewCollection(a.embedder, a.collection, logger),
		a.cache,
		recognition.AdapterConfig{
			MaxRetries:       m.MaxRetries,
			RetryDelay:       m.RetryDelay,
			RequestTimeout:   m.RequestTimeout,
			CachePrefixBytes: m.CachePrefixBytes,
		},
		logger,
	)
	rec := reconciler.New(a.photos, a.records, a.notifications, reconciler.Config{ResetWait: m.ResetWait}, logger)
	a.queue = taskqueue.New(a.tasks, taskqueue.Config{Capacity: m.QueueCapacity, Interval: m.BackgroundInterval}, logger)

	stores := engine.Stores{
		Identities: a.identities,
		Faces:      a.faces,
		Photos:     a.photos,
		Profiles:   a.profiles,
		Links:      a.links,
	}
	a.engine = engine.New(adapter, rec, a.queue, a.objects, stores, engine.ConfigFromMatching(m), logger)
	return a, nil
}

// Close releases connections and flushes the logger.
func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		_ = a.pool.Close()
	}
	_ = a.logger.Sync()
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
