package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/acelab/ace/internal/domain/analysis"
)

// RequestStore implementation. Requests are indexed by id, cache key and
// root uuid; claimed requests additionally carry a claim deadline used by
// the expiration sweep.

func (m *Memory) TrackRequest(_ context.Context, ar *analysis.AnalysisRequest, expiresAt *time.Time) error {
	data, err := json.Marshal(ar)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// if the cache key changed on re-track, drop the stale index entry
	if previous, ok := m.requests[ar.ID]; ok {
		var prior analysis.AnalysisRequest
		if err := json.Unmarshal(previous, &prior); err == nil {
			if prior.CacheKey != "" && prior.CacheKey != ar.CacheKey {
				delete(m.cacheIndex, prior.CacheKey)
			}
		}
	} else if ar.Root != nil {
		m.rootIndex[ar.Root.UUID] = append(m.rootIndex[ar.Root.UUID], ar.ID)
	}

	m.requests[ar.ID] = data
	if ar.CacheKey != "" {
		m.cacheIndex[ar.CacheKey] = ar.ID
	}

	if expiresAt != nil {
		m.expiration[ar.ID] = *expiresAt
	} else {
		delete(m.expiration, ar.ID)
	}
	return nil
}

func (m *Memory) GetRequest(_ context.Context, id string) (*analysis.AnalysisRequest, error) {
	m.mu.RLock()
	data, ok := m.requests[id]
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	return decodeRequest(data)
}

func (m *Memory) GetRequestByCacheKey(ctx context.Context, key string) (*analysis.AnalysisRequest, error) {
	m.mu.RLock()
	id, ok := m.cacheIndex[key]
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	return m.GetRequest(ctx, id)
}

func (m *Memory) GetRequestsByRoot(ctx context.Context, rootUUID string) ([]*analysis.AnalysisRequest, error) {
	m.mu.RLock()
	ids := append([]string(nil), m.rootIndex[rootUUID]...)
	m.mu.RUnlock()

	result := make([]*analysis.AnalysisRequest, 0, len(ids))
	for _, id := range ids {
		ar, err := m.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if ar != nil {
			result = append(result, ar)
		}
	}
	return result, nil
}

func (m *Memory) DeleteRequest(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteRequestLocked(id)
}

func (m *Memory) deleteRequestLocked(id string) (bool, error) {
	data, ok := m.requests[id]
	if !ok {
		return false, nil
	}
	delete(m.requests, id)
	delete(m.expiration, id)
	delete(m.links, id)

	var ar analysis.AnalysisRequest
	if err := json.Unmarshal(data, &ar); err != nil {
		return true, nil
	}
	if ar.CacheKey != "" && m.cacheIndex[ar.CacheKey] == id {
		delete(m.cacheIndex, ar.CacheKey)
	}
	if ar.Root != nil {
		ids := m.rootIndex[ar.Root.UUID]
		for i, existing := range ids {
			if existing == id {
				ids = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(ids) == 0 {
			delete(m.rootIndex, ar.Root.UUID)
		} else {
			m.rootIndex[ar.Root.UUID] = ids
		}
	}
	return true, nil
}

func (m *Memory) LinkRequests(_ context.Context, sourceID, destID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.links[sourceID] {
		if existing == destID {
			return nil
		}
	}
	m.links[sourceID] = append(m.links[sourceID], destID)
	return nil
}

func (m *Memory) GetLinkedRequests(ctx context.Context, sourceID string) ([]*analysis.AnalysisRequest, error) {
	m.mu.RLock()
	ids := append([]string(nil), m.links[sourceID]...)
	m.mu.RUnlock()

	result := make([]*analysis.AnalysisRequest, 0, len(ids))
	for _, id := range ids {
		ar, err := m.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if ar != nil {
			result = append(result, ar)
		}
	}
	return result, nil
}

func (m *Memory) GetExpiredRequests(_ context.Context, moduleName string) ([]*analysis.AnalysisRequest, error) {
	now := m.Now()

	m.mu.RLock()
	var encoded [][]byte
	for id, deadline := range m.expiration {
		if now.Before(deadline) {
			continue
		}
		if data, ok := m.requests[id]; ok {
			encoded = append(encoded, data)
		}
	}
	m.mu.RUnlock()

	var result []*analysis.AnalysisRequest
	for _, data := range encoded {
		ar, err := decodeRequest(data)
		if err != nil {
			return nil, err
		}
		if ar.Status != analysis.StatusAnalyzing {
			continue
		}
		if moduleName != "" && (ar.Type == nil || ar.Type.Name != moduleName) {
			continue
		}
		result = append(result, ar)
	}
	return result, nil
}

func (m *Memory) ClearRequestsByModuleType(_ context.Context, moduleName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var targets []string
	for id, data := range m.requests {
		var ar analysis.AnalysisRequest
		if err := json.Unmarshal(data, &ar); err != nil {
			continue
		}
		if ar.Type != nil && ar.Type.Name == moduleName {
			targets = append(targets, id)
		}
	}
	for _, id := range targets {
		if _, err := m.deleteRequestLocked(id); err != nil {
			return err
		}
	}
	return nil
}

func decodeRequest(data []byte) (*analysis.AnalysisRequest, error) {
	var ar analysis.AnalysisRequest
	if err := json.Unmarshal(data, &ar); err != nil {
		return nil, err
	}
	return &ar, nil
}
