package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/acelab/ace/internal/domain/analysis"
)

// CacheStore implementation. Expired entries are served as misses and
// removed by DeleteExpiredResults.

func (m *Memory) PutCachedResult(_ context.Context, key string, ar *analysis.AnalysisRequest, expiresAt *time.Time) error {
	data, err := json.Marshal(ar)
	if err != nil {
		return err
	}

	moduleName := ""
	if ar.Type != nil {
		moduleName = ar.Type.Name
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cache[key]; !exists {
		m.cacheByAMT[moduleName] = append(m.cacheByAMT[moduleName], key)
	}
	m.cache[key] = memCacheEntry{data: data, moduleName: moduleName, expiresAt: expiresAt}
	return nil
}

func (m *Memory) GetCachedResult(_ context.Context, key string) (*analysis.AnalysisRequest, error) {
	m.mu.RLock()
	entry, ok := m.cache[key]
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if entry.expiresAt != nil && !m.Now().Before(*entry.expiresAt) {
		return nil, nil
	}
	return decodeRequest(entry.data)
}

func (m *Memory) DeleteExpiredResults(_ context.Context) (int, error) {
	now := m.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var targets []string
	for key, entry := range m.cache {
		if entry.expiresAt != nil && !now.Before(*entry.expiresAt) {
			targets = append(targets, key)
		}
	}
	for _, key := range targets {
		m.deleteCacheEntryLocked(key)
	}
	return len(targets), nil
}

func (m *Memory) DeleteResultsByModuleType(_ context.Context, moduleName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := append([]string(nil), m.cacheByAMT[moduleName]...)
	for _, key := range keys {
		delete(m.cache, key)
	}
	delete(m.cacheByAMT, moduleName)
	return len(keys), nil
}

func (m *Memory) CacheSize(_ context.Context, moduleName string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if moduleName == "" {
		return len(m.cache), nil
	}
	return len(m.cacheByAMT[moduleName]), nil
}

func (m *Memory) deleteCacheEntryLocked(key string) {
	entry, ok := m.cache[key]
	if !ok {
		return
	}
	delete(m.cache, key)

	keys := m.cacheByAMT[entry.moduleName]
	for i, existing := range keys {
		if existing == key {
			m.cacheByAMT[entry.moduleName] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
}
