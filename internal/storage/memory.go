package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/acelab/ace/internal/domain/analysis"
)

// Memory is a thread-safe in-memory implementation of every storage
// interface. Documents are kept serialized and round-tripped on access so
// that callers never share mutable state with the store, mirroring how the
// durable backends behave.
type Memory struct {
	mu sync.RWMutex

	config      map[string]*ConfigSetting
	moduleTypes map[string][]byte

	roots       map[string][]byte          // root uuid -> serialized root
	details     map[string]memDetailRecord // analysis uuid -> blob
	detailsRoot map[string][]string        // root uuid -> analysis uuids

	requests   map[string][]byte    // request id -> serialized request
	cacheIndex map[string]string    // cache key -> request id
	rootIndex  map[string][]string  // root uuid -> request ids
	links      map[string][]string  // source id -> dest ids
	expiration map[string]time.Time // request id -> claim deadline

	cache      map[string]memCacheEntry
	cacheByAMT map[string][]string

	queues       map[string]*memQueue
	alertSystems map[string]*memQueue

	locks map[string]*memLock

	apiKeys map[string]*APIKey

	// Now is the clock used for expiration decisions; replaceable in
	// tests.
	Now func() time.Time
}

var (
	_ ConfigStore     = (*Memory)(nil)
	_ ModuleTypeStore = (*Memory)(nil)
	_ RootStore       = (*Memory)(nil)
	_ RequestStore    = (*Memory)(nil)
	_ CacheStore      = (*Memory)(nil)
	_ WorkQueueStore  = (*Memory)(nil)
	_ AlertStore      = (*Memory)(nil)
	_ LockStore       = (*Memory)(nil)
	_ APIKeyStore     = (*Memory)(nil)
)

type memDetailRecord struct {
	rootUUID string
	value    []byte
}

type memCacheEntry struct {
	data       []byte
	moduleName string
	expiresAt  *time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		config:       make(map[string]*ConfigSetting),
		moduleTypes:  make(map[string][]byte),
		roots:        make(map[string][]byte),
		details:      make(map[string]memDetailRecord),
		detailsRoot:  make(map[string][]string),
		requests:     make(map[string][]byte),
		cacheIndex:   make(map[string]string),
		rootIndex:    make(map[string][]string),
		links:        make(map[string][]string),
		expiration:   make(map[string]time.Time),
		cache:        make(map[string]memCacheEntry),
		cacheByAMT:   make(map[string][]string),
		queues:       make(map[string]*memQueue),
		alertSystems: make(map[string]*memQueue),
		locks:        make(map[string]*memLock),
		apiKeys:      make(map[string]*APIKey),
		Now:          time.Now,
	}
}

// ConfigStore ----------------------------------------------------------------

func (m *Memory) GetConfig(_ context.Context, key string) (*ConfigSetting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	setting, ok := m.config[key]
	if !ok {
		return nil, nil
	}
	clone := *setting
	return &clone, nil
}

func (m *Memory) SetConfig(_ context.Context, key string, value json.RawMessage, documentation *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	setting, ok := m.config[key]
	if !ok {
		setting = &ConfigSetting{Key: key}
		m.config[key] = setting
	}
	if value != nil {
		setting.Value = append(json.RawMessage(nil), value...)
	}
	if documentation != nil {
		setting.Documentation = *documentation
	}
	return nil
}

func (m *Memory) DeleteConfig(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.config[key]; !ok {
		return false, nil
	}
	delete(m.config, key)
	return true, nil
}

// ModuleTypeStore ------------------------------------------------------------

func (m *Memory) TrackModuleType(_ context.Context, amt *analysis.AnalysisModuleType) error {
	data, err := json.Marshal(amt)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.moduleTypes[amt.Name] = data
	return nil
}

func (m *Memory) GetModuleType(_ context.Context, name string) (*analysis.AnalysisModuleType, error) {
	m.mu.RLock()
	data, ok := m.moduleTypes[name]
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	return decodeModuleType(data)
}

func (m *Memory) DeleteModuleType(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.moduleTypes[name]; !ok {
		return false, nil
	}
	delete(m.moduleTypes, name)
	return true, nil
}

func (m *Memory) AllModuleTypes(_ context.Context) ([]*analysis.AnalysisModuleType, error) {
	m.mu.RLock()
	encoded := make([][]byte, 0, len(m.moduleTypes))
	for _, data := range m.moduleTypes {
		encoded = append(encoded, data)
	}
	m.mu.RUnlock()

	result := make([]*analysis.AnalysisModuleType, 0, len(encoded))
	for _, data := range encoded {
		amt, err := decodeModuleType(data)
		if err != nil {
			return nil, err
		}
		result = append(result, amt)
	}
	return result, nil
}

func decodeModuleType(data []byte) (*analysis.AnalysisModuleType, error) {
	var amt analysis.AnalysisModuleType
	if err := json.Unmarshal(data, &amt); err != nil {
		return nil, err
	}
	return &amt, nil
}

// RootStore ------------------------------------------------------------------

func (m *Memory) GetRoot(_ context.Context, uuid string) (*analysis.RootAnalysis, error) {
	m.mu.RLock()
	data, ok := m.roots[uuid]
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	var root analysis.RootAnalysis
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	return &root, nil
}

func (m *Memory) InsertRoot(_ context.Context, root *analysis.RootAnalysis) (bool, error) {
	data, err := json.Marshal(root)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.roots[root.UUID]; exists {
		return false, nil
	}
	m.roots[root.UUID] = data
	return true, nil
}

func (m *Memory) UpdateRoot(_ context.Context, root *analysis.RootAnalysis, expectedVersion string) (bool, error) {
	data, err := json.Marshal(root)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.roots[root.UUID]
	if !exists {
		return false, nil
	}

	var current struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(stored, &current); err != nil {
		return false, err
	}
	if current.Version != expectedVersion {
		return false, nil
	}

	m.roots[root.UUID] = data
	return true, nil
}

func (m *Memory) DeleteRoot(_ context.Context, uuid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.roots[uuid]; !ok {
		return false, nil
	}
	delete(m.roots, uuid)

	// cascade to analysis details
	for _, detailUUID := range m.detailsRoot[uuid] {
		delete(m.details, detailUUID)
	}
	delete(m.detailsRoot, uuid)
	return true, nil
}

func (m *Memory) RootExists(_ context.Context, uuid string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.roots[uuid]
	return ok, nil
}

func (m *Memory) GetDetails(_ context.Context, uuid string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.details[uuid]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), record.value...), nil
}

func (m *Memory) PutDetails(_ context.Context, rootUUID, uuid string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.details[uuid]; !exists {
		m.detailsRoot[rootUUID] = append(m.detailsRoot[rootUUID], uuid)
	}
	m.details[uuid] = memDetailRecord{rootUUID: rootUUID, value: append([]byte(nil), value...)}
	return nil
}

func (m *Memory) DeleteDetails(_ context.Context, uuid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.details[uuid]
	if !ok {
		return false, nil
	}
	delete(m.details, uuid)

	ids := m.detailsRoot[record.rootUUID]
	for i, id := range ids {
		if id == uuid {
			m.detailsRoot[record.rootUUID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *Memory) DetailsExist(_ context.Context, uuid string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.details[uuid]
	return ok, nil
}
