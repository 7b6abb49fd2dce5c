package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/acelab/ace/internal/acerr"
)

// APIKeyStore implementation.

func (m *Memory) CreateAPIKey(_ context.Context, name, description string, admin bool) (*APIKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.apiKeys[name]; exists {
		return nil, acerr.DuplicateAPIKeyName(name)
	}

	key := &APIKey{
		Name:        name,
		Description: description,
		Key:         hex.EncodeToString(raw),
		Admin:       admin,
		CreatedAt:   m.Now().UTC(),
	}
	m.apiKeys[name] = key

	clone := *key
	return &clone, nil
}

func (m *Memory) DeleteAPIKey(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.apiKeys[name]; !ok {
		return false, nil
	}
	delete(m.apiKeys, name)
	return true, nil
}

func (m *Memory) ListAPIKeys(_ context.Context) ([]*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*APIKey, 0, len(m.apiKeys))
	for _, key := range m.apiKeys {
		clone := *key
		result = append(result, &clone)
	}
	return result, nil
}

func (m *Memory) ValidateAPIKey(_ context.Context, value string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, key := range m.apiKeys {
		if key.Key == value {
			clone := *key
			return &clone, nil
		}
	}
	return nil, nil
}
