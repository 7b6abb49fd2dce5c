// Package postgres implements the storage interfaces over PostgreSQL using
// sqlx. Work queues and alert queues are not served from here; they live in
// the redisq backend.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/acelab/ace/internal/domain/analysis"
	"github.com/acelab/ace/internal/storage"
)

// Store implements the relational storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var (
	_ storage.ConfigStore     = (*Store)(nil)
	_ storage.ModuleTypeStore = (*Store)(nil)
	_ storage.RootStore       = (*Store)(nil)
	_ storage.RequestStore    = (*Store)(nil)
	_ storage.CacheStore      = (*Store)(nil)
	_ storage.LockStore       = (*Store)(nil)
	_ storage.APIKeyStore     = (*Store)(nil)
)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to the database at dsn and runs pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ConfigStore ----------------------------------------------------------------

func (s *Store) GetConfig(ctx context.Context, key string) (*storage.ConfigSetting, error) {
	var row struct {
		Key           string         `db:"key"`
		Value         []byte         `db:"value"`
		Documentation sql.NullString `db:"documentation"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT key, value, documentation FROM config WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &storage.ConfigSetting{
		Key:           row.Key,
		Value:         json.RawMessage(row.Value),
		Documentation: row.Documentation.String,
	}, nil
}

func (s *Store) SetConfig(ctx context.Context, key string, value json.RawMessage, documentation *string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value, documentation)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = COALESCE(EXCLUDED.value, config.value),
			documentation = COALESCE(EXCLUDED.documentation, config.documentation)
	`, key, []byte(value), documentation)
	return err
}

func (s *Store) DeleteConfig(ctx context.Context, key string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM config WHERE key = $1`, key)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ModuleTypeStore ------------------------------------------------------------

func (s *Store) TrackModuleType(ctx context.Context, amt *analysis.AnalysisModuleType) error {
	data, err := json.Marshal(amt)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis_module_tracking (name, json)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET json = EXCLUDED.json
	`, amt.Name, data)
	return err
}

func (s *Store) GetModuleType(ctx context.Context, name string) (*analysis.AnalysisModuleType, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `SELECT json FROM analysis_module_tracking WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var amt analysis.AnalysisModuleType
	if err := json.Unmarshal(data, &amt); err != nil {
		return nil, err
	}
	return &amt, nil
}

func (s *Store) DeleteModuleType(ctx context.Context, name string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM analysis_module_tracking WHERE name = $1`, name)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *Store) AllModuleTypes(ctx context.Context) ([]*analysis.AnalysisModuleType, error) {
	var rows [][]byte
	if err := s.db.SelectContext(ctx, &rows, `SELECT json FROM analysis_module_tracking ORDER BY name`); err != nil {
		return nil, err
	}
	result := make([]*analysis.AnalysisModuleType, 0, len(rows))
	for _, data := range rows {
		var amt analysis.AnalysisModuleType
		if err := json.Unmarshal(data, &amt); err != nil {
			return nil, err
		}
		result = append(result, &amt)
	}
	return result, nil
}

// RootStore ------------------------------------------------------------------

func (s *Store) GetRoot(ctx context.Context, uuid string) (*analysis.RootAnalysis, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `SELECT json FROM root_analysis_tracking WHERE uuid = $1`, uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var root analysis.RootAnalysis
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	return &root, nil
}

func (s *Store) InsertRoot(ctx context.Context, root *analysis.RootAnalysis) (bool, error) {
	data, err := json.Marshal(root)
	if err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO root_analysis_tracking (uuid, version, json, insert_date)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (uuid) DO NOTHING
	`, root.UUID, root.Version, data)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *Store) UpdateRoot(ctx context.Context, root *analysis.RootAnalysis, expectedVersion string) (bool, error) {
	data, err := json.Marshal(root)
	if err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE root_analysis_tracking
		SET version = $2, json = $3
		WHERE uuid = $1 AND version = $4
	`, root.UUID, root.Version, data, expectedVersion)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *Store) DeleteRoot(ctx context.Context, uuid string) (bool, error) {
	// analysis_details rows cascade on the foreign key
	result, err := s.db.ExecContext(ctx, `DELETE FROM root_analysis_tracking WHERE uuid = $1`, uuid)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *Store) RootExists(ctx context.Context, uuid string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM root_analysis_tracking WHERE uuid = $1)`, uuid)
	return exists, err
}

func (s *Store) GetDetails(ctx context.Context, uuid string) ([]byte, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `SELECT content FROM analysis_details WHERE uuid = $1`, uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return data, err
}

func (s *Store) PutDetails(ctx context.Context, rootUUID, uuid string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_details (uuid, root_uuid, content)
		VALUES ($1, $2, $3)
		ON CONFLICT (uuid) DO UPDATE SET content = EXCLUDED.content
	`, uuid, rootUUID, value)
	return err
}

func (s *Store) DeleteDetails(ctx context.Context, uuid string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM analysis_details WHERE uuid = $1`, uuid)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *Store) DetailsExist(ctx context.Context, uuid string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM analysis_details WHERE uuid = $1)`, uuid)
	return exists, err
}

// LockStore ------------------------------------------------------------------

func (s *Store) AcquireLock(ctx context.Context, id, owner string, wait, ttl time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		acquired, err := s.tryAcquireLock(ctx, id, owner, ttl)
		if err != nil || acquired {
			return acquired, err
		}
		if wait <= 0 || time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (s *Store) tryAcquireLock(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	expires := time.Now().Add(ttl)
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO locks (id, owner, acquire_date, expiration_date, count)
		VALUES ($1, $2, NOW(), $3, 1)
		ON CONFLICT (id) DO UPDATE SET
			owner = EXCLUDED.owner,
			acquire_date = NOW(),
			expiration_date = EXCLUDED.expiration_date,
			count = CASE WHEN locks.owner = EXCLUDED.owner THEN locks.count + 1 ELSE 1 END
		WHERE locks.owner = EXCLUDED.owner OR locks.expiration_date < NOW()
	`, id, owner, expires)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *Store) ReleaseLock(ctx context.Context, id, owner string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		WITH decremented AS (
			UPDATE locks SET count = count - 1
			WHERE id = $1 AND owner = $2
			RETURNING id, count
		)
		DELETE FROM locks
		WHERE id IN (SELECT id FROM decremented WHERE count <= 0)
	`, id, owner)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return true, nil
	}
	// the lock may still be held reentrantly; report whether we own it
	var held bool
	err = s.db.GetContext(ctx, &held, `SELECT EXISTS (SELECT 1 FROM locks WHERE id = $1 AND owner = $2)`, id, owner)
	return held, err
}

func (s *Store) IsLocked(ctx context.Context, id string) (bool, error) {
	var locked bool
	err := s.db.GetContext(ctx, &locked, `
		SELECT EXISTS (SELECT 1 FROM locks WHERE id = $1 AND expiration_date >= NOW())
	`, id)
	return locked, err
}
