// Package engine implements the request-processing core: the state machine
// that consumes analysis requests, dispatches work to per-module queues,
// deduplicates in-flight and completed analyses through linking and the
// result cache, merges worker deltas into tracked roots under optimistic
// versioning, and manages request expiration and root lifecycle.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acelab/ace/internal/crypto"
	"github.com/acelab/ace/internal/domain/analysis"
	"github.com/acelab/ace/internal/events"
	"github.com/acelab/ace/internal/storage"
	"github.com/acelab/ace/pkg/logger"
)

const (
	// lockExpiredSweep serializes the expired-request sweep system-wide.
	lockExpiredSweep = "ace:expired_analysis_requests"
	// requestLockPrefix namespaces per-request processing locks.
	requestLockPrefix = "analysis_request:"
	// requestLockTTL bounds how long a dead engine can hold a request.
	requestLockTTL = 30 * time.Second
	// maxSaveAttempts bounds optimistic merge retries; exceeding it means
	// the system is broken, not busy.
	maxSaveAttempts = 100
)

// ConfigAnalysisEncryption enables detail encryption when set true.
const ConfigAnalysisEncryption = "/core/analysis/encrypted"

// Core composes the storage backends, the event bus and the processing
// state machine into one engine instance. All methods are safe for
// concurrent use; many engine goroutines may process requests at once.
type Core struct {
	id  string
	log *logger.Logger
	bus *events.Bus

	config   storage.ConfigStore
	modules  storage.ModuleTypeStore
	roots    storage.RootStore
	requests storage.RequestStore
	cache    storage.CacheStore
	queues   storage.WorkQueueStore
	alerts   storage.AlertStore
	locks    storage.LockStore
	apiKeys  storage.APIKeyStore
	content  storage.ContentStore

	encryption *crypto.EncryptionSettings
}

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the engine logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *Core) { c.log = log }
}

// WithEventBus sets the event bus.
func WithEventBus(bus *events.Bus) Option {
	return func(c *Core) { c.bus = bus }
}

// WithConfigStore overrides the configuration backend.
func WithConfigStore(s storage.ConfigStore) Option {
	return func(c *Core) { c.config = s }
}

// WithModuleTypeStore overrides the module registration backend.
func WithModuleTypeStore(s storage.ModuleTypeStore) Option {
	return func(c *Core) { c.modules = s }
}

// WithRootStore overrides the root tracking backend.
func WithRootStore(s storage.RootStore) Option {
	return func(c *Core) { c.roots = s }
}

// WithRequestStore overrides the request tracking backend.
func WithRequestStore(s storage.RequestStore) Option {
	return func(c *Core) { c.requests = s }
}

// WithCacheStore overrides the result cache backend.
func WithCacheStore(s storage.CacheStore) Option {
	return func(c *Core) { c.cache = s }
}

// WithWorkQueueStore overrides the work queue backend.
func WithWorkQueueStore(s storage.WorkQueueStore) Option {
	return func(c *Core) { c.queues = s }
}

// WithAlertStore overrides the alert subscription backend.
func WithAlertStore(s storage.AlertStore) Option {
	return func(c *Core) { c.alerts = s }
}

// WithLockStore overrides the named lock backend.
func WithLockStore(s storage.LockStore) Option {
	return func(c *Core) { c.locks = s }
}

// WithAPIKeyStore overrides the api key backend.
func WithAPIKeyStore(s storage.APIKeyStore) Option {
	return func(c *Core) { c.apiKeys = s }
}

// WithContentStore sets the content-addressed blob store.
func WithContentStore(s storage.ContentStore) Option {
	return func(c *Core) { c.content = s }
}

// WithEncryptionSettings enables detail encryption with the given settings.
func WithEncryptionSettings(s *crypto.EncryptionSettings) Option {
	return func(c *Core) { c.encryption = s }
}

// NewCore creates an engine. Every backend defaults to a shared in-memory
// store, which is the single-process deployment.
func NewCore(opts ...Option) *Core {
	c := &Core{
		id:  uuid.NewString(),
		log: logger.NewDefault("engine"),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.bus == nil {
		c.bus = events.NewBus(c.log)
	}

	var memory *storage.Memory
	defaultStore := func() *storage.Memory {
		if memory == nil {
			memory = storage.NewMemory()
		}
		return memory
	}

	if c.config == nil {
		c.config = defaultStore()
	}
	if c.modules == nil {
		c.modules = defaultStore()
	}
	if c.roots == nil {
		c.roots = defaultStore()
	}
	if c.requests == nil {
		c.requests = defaultStore()
	}
	if c.cache == nil {
		c.cache = defaultStore()
	}
	if c.queues == nil {
		c.queues = defaultStore()
	}
	if c.alerts == nil {
		c.alerts = defaultStore()
	}
	if c.locks == nil {
		c.locks = defaultStore()
	}
	if c.apiKeys == nil {
		c.apiKeys = defaultStore()
	}
	return c
}

// ID returns the engine instance uuid, used as the lock owner identity.
func (c *Core) ID() string {
	return c.id
}

// Events returns the engine's event bus.
func (c *Core) Events() *events.Bus {
	return c.bus
}

// APIKeys returns the api key backend for the remote façade.
func (c *Core) APIKeys() storage.APIKeyStore {
	return c.apiKeys
}

// EncryptionSettings returns the loaded settings, nil when not configured.
func (c *Core) EncryptionSettings() *crypto.EncryptionSettings {
	return c.encryption
}

// moduleResolver adapts the engine to analysis.ModuleTypeResolver for the
// acceptance predicate's dependency checks.
type moduleResolver struct {
	core *Core
}

func (r moduleResolver) ResolveModuleType(name string) *analysis.AnalysisModuleType {
	amt, err := r.core.modules.GetModuleType(context.Background(), name)
	if err != nil {
		return nil
	}
	return amt
}
