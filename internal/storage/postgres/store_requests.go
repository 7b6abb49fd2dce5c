package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/acelab/ace/internal/domain/analysis"
)

// RequestStore and CacheStore implementations.

func (s *Store) TrackRequest(ctx context.Context, ar *analysis.AnalysisRequest, expiresAt *time.Time) error {
	data, err := json.Marshal(ar)
	if err != nil {
		return err
	}

	moduleName := sql.NullString{}
	if ar.Type != nil {
		moduleName = sql.NullString{String: ar.Type.Name, Valid: true}
	}
	cacheKey := sql.NullString{}
	if ar.CacheKey != "" {
		cacheKey = sql.NullString{String: ar.CacheKey, Valid: true}
	}
	rootUUID := sql.NullString{}
	if ar.Root != nil {
		rootUUID = sql.NullString{String: ar.Root.UUID, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis_request_tracking
			(id, insert_date, expiration_date, status, module, cache_key, root_uuid, json)
		VALUES ($1, NOW(), $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			expiration_date = EXCLUDED.expiration_date,
			status = EXCLUDED.status,
			module = EXCLUDED.module,
			cache_key = EXCLUDED.cache_key,
			root_uuid = EXCLUDED.root_uuid,
			json = EXCLUDED.json
	`, ar.ID, expiresAt, ar.Status, moduleName, cacheKey, rootUUID, data)
	return err
}

func (s *Store) GetRequest(ctx context.Context, id string) (*analysis.AnalysisRequest, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `SELECT json FROM analysis_request_tracking WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRequest(data)
}

func (s *Store) GetRequestByCacheKey(ctx context.Context, key string) (*analysis.AnalysisRequest, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `
		SELECT json FROM analysis_request_tracking
		WHERE cache_key = $1
		ORDER BY insert_date DESC
		LIMIT 1
	`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRequest(data)
}

func (s *Store) GetRequestsByRoot(ctx context.Context, rootUUID string) ([]*analysis.AnalysisRequest, error) {
	var rows [][]byte
	err := s.db.SelectContext(ctx, &rows, `
		SELECT json FROM analysis_request_tracking WHERE root_uuid = $1 ORDER BY insert_date
	`, rootUUID)
	if err != nil {
		return nil, err
	}
	return decodeRequests(rows)
}

func (s *Store) DeleteRequest(ctx context.Context, id string) (bool, error) {
	// link rows cascade on their foreign keys
	result, err := s.db.ExecContext(ctx, `DELETE FROM analysis_request_tracking WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *Store) LinkRequests(ctx context.Context, sourceID, destID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_request_links (source_id, dest_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, sourceID, destID)
	return err
}

func (s *Store) GetLinkedRequests(ctx context.Context, sourceID string) ([]*analysis.AnalysisRequest, error) {
	var rows [][]byte
	err := s.db.SelectContext(ctx, &rows, `
		SELECT t.json
		FROM analysis_request_links l
		JOIN analysis_request_tracking t ON t.id = l.dest_id
		WHERE l.source_id = $1
	`, sourceID)
	if err != nil {
		return nil, err
	}
	return decodeRequests(rows)
}

func (s *Store) GetExpiredRequests(ctx context.Context, moduleName string) ([]*analysis.AnalysisRequest, error) {
	query := `
		SELECT json FROM analysis_request_tracking
		WHERE status = $1 AND expiration_date IS NOT NULL AND expiration_date <= NOW()
	`
	args := []interface{}{analysis.StatusAnalyzing}
	if moduleName != "" {
		query += ` AND module = $2`
		args = append(args, moduleName)
	}

	var rows [][]byte
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return decodeRequests(rows)
}

func (s *Store) ClearRequestsByModuleType(ctx context.Context, moduleName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM analysis_request_tracking WHERE module = $1`, moduleName)
	return err
}

func decodeRequest(data []byte) (*analysis.AnalysisRequest, error) {
	var ar analysis.AnalysisRequest
	if err := json.Unmarshal(data, &ar); err != nil {
		return nil, err
	}
	return &ar, nil
}

func decodeRequests(rows [][]byte) ([]*analysis.AnalysisRequest, error) {
	result := make([]*analysis.AnalysisRequest, 0, len(rows))
	for _, data := range rows {
		ar, err := decodeRequest(data)
		if err != nil {
			return nil, err
		}
		result = append(result, ar)
	}
	return result, nil
}

// CacheStore -----------------------------------------------------------------

func (s *Store) PutCachedResult(ctx context.Context, key string, ar *analysis.AnalysisRequest, expiresAt *time.Time) error {
	data, err := json.Marshal(ar)
	if err != nil {
		return err
	}
	moduleName := ""
	if ar.Type != nil {
		moduleName = ar.Type.Name
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis_result_cache (cache_key, module, expiration_date, json)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cache_key) DO UPDATE SET
			module = EXCLUDED.module,
			expiration_date = EXCLUDED.expiration_date,
			json = EXCLUDED.json
	`, key, moduleName, expiresAt, data)
	return err
}

func (s *Store) GetCachedResult(ctx context.Context, key string) (*analysis.AnalysisRequest, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `
		SELECT json FROM analysis_result_cache
		WHERE cache_key = $1 AND (expiration_date IS NULL OR expiration_date > NOW())
	`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRequest(data)
}

func (s *Store) DeleteExpiredResults(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM analysis_result_cache
		WHERE expiration_date IS NOT NULL AND expiration_date <= NOW()
	`)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func (s *Store) DeleteResultsByModuleType(ctx context.Context, moduleName string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM analysis_result_cache WHERE module = $1`, moduleName)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func (s *Store) CacheSize(ctx context.Context, moduleName string) (int, error) {
	var count int
	if moduleName == "" {
		err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM analysis_result_cache`)
		return count, err
	}
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM analysis_result_cache WHERE module = $1`, moduleName)
	return count, err
}
