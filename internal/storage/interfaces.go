// Package storage defines the persistence interfaces the engine runs on,
// together with a thread-safe in-memory implementation used for tests,
// prototyping and single-process deployments. Backends over PostgreSQL and
// Redis live in subpackages.
package storage

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/acelab/ace/internal/domain/analysis"
)

// ConfigSetting is one configuration entry.
type ConfigSetting struct {
	Key           string          `json:"key"`
	Value         json.RawMessage `json:"value,omitempty"`
	Documentation string          `json:"documentation,omitempty"`
}

// ConfigStore persists key/value configuration settings.
type ConfigStore interface {
	// GetConfig returns the setting or nil when the key does not exist.
	GetConfig(ctx context.Context, key string) (*ConfigSetting, error)
	// SetConfig inserts or updates the setting. A nil value or nil
	// documentation leaves that field unchanged on an existing setting.
	SetConfig(ctx context.Context, key string, value json.RawMessage, documentation *string) error
	DeleteConfig(ctx context.Context, key string) (bool, error)
}

// ModuleTypeStore persists analysis module type registrations.
type ModuleTypeStore interface {
	TrackModuleType(ctx context.Context, amt *analysis.AnalysisModuleType) error
	GetModuleType(ctx context.Context, name string) (*analysis.AnalysisModuleType, error)
	DeleteModuleType(ctx context.Context, name string) (bool, error)
	AllModuleTypes(ctx context.Context) ([]*analysis.AnalysisModuleType, error)
}

// RootStore persists root analysis documents and their per-analysis detail
// blobs. Deleting a root cascades to its details.
type RootStore interface {
	// GetRoot returns the root or nil when it is not tracked.
	GetRoot(ctx context.Context, uuid string) (*analysis.RootAnalysis, error)
	// InsertRoot stores a new root; false when the uuid already exists.
	InsertRoot(ctx context.Context, root *analysis.RootAnalysis) (bool, error)
	// UpdateRoot replaces the stored root iff the stored version equals
	// expectedVersion.
	UpdateRoot(ctx context.Context, root *analysis.RootAnalysis, expectedVersion string) (bool, error)
	DeleteRoot(ctx context.Context, uuid string) (bool, error)
	RootExists(ctx context.Context, uuid string) (bool, error)

	// GetDetails returns the stored (possibly encrypted) detail blob for
	// the analysis uuid, or nil.
	GetDetails(ctx context.Context, uuid string) ([]byte, error)
	PutDetails(ctx context.Context, rootUUID, uuid string, value []byte) error
	DeleteDetails(ctx context.Context, uuid string) (bool, error)
	DetailsExist(ctx context.Context, uuid string) (bool, error)
}

// RequestStore tracks analysis requests by id, cache key and root, records
// links between them and watches claimed requests for expiration.
type RequestStore interface {
	// TrackRequest inserts or replaces the request. expiresAt is set when
	// the request is being analyzed and carries the claim deadline.
	TrackRequest(ctx context.Context, ar *analysis.AnalysisRequest, expiresAt *time.Time) error
	GetRequest(ctx context.Context, id string) (*analysis.AnalysisRequest, error)
	GetRequestByCacheKey(ctx context.Context, key string) (*analysis.AnalysisRequest, error)
	GetRequestsByRoot(ctx context.Context, rootUUID string) ([]*analysis.AnalysisRequest, error)
	// DeleteRequest removes the request, its indexes and its links.
	DeleteRequest(ctx context.Context, id string) (bool, error)

	// LinkRequests records that dest must be re-driven when source
	// resolves.
	LinkRequests(ctx context.Context, sourceID, destID string) error
	GetLinkedRequests(ctx context.Context, sourceID string) ([]*analysis.AnalysisRequest, error)

	// GetExpiredRequests returns requests in the analyzing state whose
	// claim deadline has passed, optionally filtered by module name.
	GetExpiredRequests(ctx context.Context, moduleName string) ([]*analysis.AnalysisRequest, error)
	ClearRequestsByModuleType(ctx context.Context, moduleName string) error
}

// CacheStore persists completed analysis requests keyed by cache key.
type CacheStore interface {
	PutCachedResult(ctx context.Context, key string, ar *analysis.AnalysisRequest, expiresAt *time.Time) error
	// GetCachedResult returns nil for a missing or expired entry.
	GetCachedResult(ctx context.Context, key string) (*analysis.AnalysisRequest, error)
	DeleteExpiredResults(ctx context.Context) (int, error)
	DeleteResultsByModuleType(ctx context.Context, moduleName string) (int, error)
	// CacheSize counts entries, for the given module or in total when
	// moduleName is empty.
	CacheSize(ctx context.Context, moduleName string) (int, error)
}

// WorkQueueStore provides one FIFO queue of analysis requests per
// registered module. Operations on a queue that does not exist fail with
// the unknown-module-type error.
type WorkQueueStore interface {
	AddQueue(ctx context.Context, name string) (bool, error)
	// DeleteQueue discards the queue and everything in it.
	DeleteQueue(ctx context.Context, name string) (bool, error)
	PutWork(ctx context.Context, name string, ar *analysis.AnalysisRequest) error
	// GetWork pops the next request. A zero timeout returns immediately;
	// a positive timeout blocks up to that long. nil when nothing
	// arrived.
	GetWork(ctx context.Context, name string, timeout time.Duration) (*analysis.AnalysisRequest, error)
	QueueSize(ctx context.Context, name string) (int, error)
}

// AlertStore maintains alert subscriber registrations and their pending
// alert queues.
type AlertStore interface {
	RegisterAlertSystem(ctx context.Context, name string) (bool, error)
	UnregisterAlertSystem(ctx context.Context, name string) (bool, error)
	// SubmitAlert pushes the root uuid to every registered system's
	// queue; false when no system is registered.
	SubmitAlert(ctx context.Context, rootUUID string) (bool, error)
	// GetAlert pops the next alert for the named system, blocking up to
	// timeout. Empty string when none arrived.
	GetAlert(ctx context.Context, name string, timeout time.Duration) (string, error)
}

// LockStore is a named-lock service with owner tracking, self-expiration
// and per-owner reentrancy.
type LockStore interface {
	// AcquireLock tries to take the lock for owner, waiting up to wait.
	// The lock self-expires after ttl. Reentrant for the same owner.
	AcquireLock(ctx context.Context, id, owner string, wait, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, id, owner string) (bool, error)
	IsLocked(ctx context.Context, id string) (bool, error)
}

// APIKey authenticates remote clients. Admin keys unlock key lifecycle and
// alert system management.
type APIKey struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Key         string    `json:"api_key"`
	Admin       bool      `json:"is_admin"`
	CreatedAt   time.Time `json:"created_at"`
}

// APIKeyStore persists api keys.
type APIKeyStore interface {
	// CreateAPIKey mints a key; duplicate names fail.
	CreateAPIKey(ctx context.Context, name, description string, admin bool) (*APIKey, error)
	DeleteAPIKey(ctx context.Context, name string) (bool, error)
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)
	// ValidateAPIKey returns the key record or nil when invalid.
	ValidateAPIKey(ctx context.Context, key string) (*APIKey, error)
}

// ContentMeta describes one content-addressed blob.
type ContentMeta struct {
	Name           string                 `json:"name"`
	SHA256         string                 `json:"sha256"`
	Size           int64                  `json:"size"`
	Location       string                 `json:"location"`
	InsertDate     time.Time              `json:"insert_date"`
	ExpirationDate *time.Time             `json:"expiration_date,omitempty"`
	Custom         map[string]interface{} `json:"custom,omitempty"`
	Roots          []string               `json:"roots,omitempty"`
}

// ContentStore is the sha256-addressed blob store.
type ContentStore interface {
	// StoreContent stores the stream and returns its lowercase hex
	// sha256. meta.Name and expiration are caller-provided; size, hash
	// and location are filled in.
	StoreContent(ctx context.Context, content io.Reader, meta *ContentMeta) (string, error)
	GetContentBytes(ctx context.Context, sha256 string) ([]byte, error)
	OpenContent(ctx context.Context, sha256 string) (io.ReadCloser, error)
	GetContentMeta(ctx context.Context, sha256 string) (*ContentMeta, error)
	// DeleteContent is idempotent; false when nothing was deleted.
	DeleteContent(ctx context.Context, sha256 string) (bool, error)
	// TrackContentRoot records that the root references the blob.
	TrackContentRoot(ctx context.Context, sha256, rootUUID string) error
	// ExpiredContent returns metadata whose expiration date has passed.
	ExpiredContent(ctx context.Context) ([]*ContentMeta, error)
}
