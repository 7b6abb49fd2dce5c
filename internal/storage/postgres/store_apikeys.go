package postgres

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/acelab/ace/internal/acerr"
	"github.com/acelab/ace/internal/storage"
)

// APIKeyStore implementation.

func (s *Store) CreateAPIKey(ctx context.Context, name, description string, admin bool) (*storage.APIKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}

	key := &storage.APIKey{
		Name:        name,
		Description: description,
		Key:         hex.EncodeToString(raw),
		Admin:       admin,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (name, description, api_key, is_admin, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, key.Name, key.Description, key.Key, key.Admin, key.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, acerr.DuplicateAPIKeyName(name)
		}
		return nil, err
	}
	return key, nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, name string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE name = $1`, name)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]*storage.APIKey, error) {
	var rows []struct {
		Name        string    `db:"name"`
		Description string    `db:"description"`
		Key         string    `db:"api_key"`
		Admin       bool      `db:"is_admin"`
		CreatedAt   time.Time `db:"created_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT name, description, api_key, is_admin, created_at FROM api_keys ORDER BY name`); err != nil {
		return nil, err
	}
	result := make([]*storage.APIKey, 0, len(rows))
	for _, row := range rows {
		result = append(result, &storage.APIKey{
			Name:        row.Name,
			Description: row.Description,
			Key:         row.Key,
			Admin:       row.Admin,
			CreatedAt:   row.CreatedAt,
		})
	}
	return result, nil
}

func (s *Store) ValidateAPIKey(ctx context.Context, value string) (*storage.APIKey, error) {
	var row struct {
		Name        string    `db:"name"`
		Description string    `db:"description"`
		Key         string    `db:"api_key"`
		Admin       bool      `db:"is_admin"`
		CreatedAt   time.Time `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT name, description, api_key, is_admin, created_at FROM api_keys WHERE api_key = $1`, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &storage.APIKey{
		Name:        row.Name,
		Description: row.Description,
		Key:         row.Key,
		Admin:       row.Admin,
		CreatedAt:   row.CreatedAt,
	}, nil
}
