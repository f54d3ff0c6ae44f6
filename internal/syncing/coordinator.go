package syncing

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/rundownlab/rundown/internal/audit"
	"github.com/rundownlab/rundown/internal/cache"
	"github.com/rundownlab/rundown/internal/posts"
)

// Cache keys for the derived read views the coordinator can stale.
const (
	CacheKeyActivePosts = "posts:active"
	CacheKeyTrash       = "posts:trash"
)

// CacheKeySchedule names the day-filtered schedule view.
func CacheKeySchedule(day string) string {
	return "schedule:" + day
}

// CacheKeyPost names the single-record view for one post.
func CacheKeyPost(id string) string {
	return "post:" + id
}

var (
	errMissingStore    = errors.New("record store is required")
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opCoordinatorNew = "syncing.coordinator.new"
	opSyncStatus     = "syncing.status_upsert"
)

// CoordinatorConfig describes the coordinator dependencies.
type CoordinatorConfig struct {
	Store      *posts.Store
	Database   *gorm.DB
	Audit      *audit.Recorder
	Cache      *cache.Cache
	Dispatcher *Dispatcher
	Notifier   Notifier
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Coordinator reconciles change payloads from any client against the record
// store. It is stateless between requests: the store is the single shared
// mutable resource and the version check is the only mutual exclusion.
type Coordinator struct {
	store      *posts.Store
	db         *gorm.DB
	audit      *audit.Recorder
	cache      *cache.Cache
	dispatcher *Dispatcher
	notifier   Notifier
	clock      func() time.Time
	logger     *zap.Logger
}

// NewCoordinator constructs the sync coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, posts.NewServiceError(opCoordinatorNew, "missing_store", errMissingStore)
	}
	if cfg.Database == nil {
		return nil, posts.NewServiceError(opCoordinatorNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{
		store:      cfg.Store,
		db:         cfg.Database,
		audit:      cfg.Audit,
		cache:      cfg.Cache,
		dispatcher: cfg.Dispatcher,
		notifier:   cfg.Notifier,
		clock:      clock,
		logger:     logger,
	}, nil
}
