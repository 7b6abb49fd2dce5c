package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/acelab/ace/internal/domain/analysis"
	"github.com/acelab/ace/internal/events"
	"github.com/acelab/ace/pkg/metrics"
)

// GenerateCacheKey derives the cache key for (observable, module type).
// Empty for uncacheable modules.
func GenerateCacheKey(o *analysis.Observable, amt *analysis.AnalysisModuleType) string {
	return analysis.GenerateCacheKey(o, amt)
}

// CacheAnalysisResult stores the completed result request under its cache
// key with the module's TTL. Returns the key, or empty when the request is
// not cachable.
func (c *Core) CacheAnalysisResult(ctx context.Context, ar *analysis.AnalysisRequest) (string, error) {
	if !ar.IsObservableAnalysisResult() {
		return "", fmt.Errorf("request %s is not an analysis result", ar.ID)
	}
	if ar.CacheKey == "" || ar.Type == nil || ar.Type.CacheTTL == nil {
		return "", nil
	}

	expiresAt := time.Now().Add(time.Duration(*ar.Type.CacheTTL) * time.Second)
	if err := c.cache.PutCachedResult(ctx, ar.CacheKey, ar, &expiresAt); err != nil {
		return "", err
	}

	c.log.WithField("cache_key", ar.CacheKey).WithField("module", ar.Type.Name).
		Debug("cached analysis result")
	c.bus.FireEvent(ctx, events.EventCacheNew, ar.CacheKey)
	return ar.CacheKey, nil
}

// GetCachedAnalysisResult returns the unexpired cached result for the
// (observable, module type) pair, or nil.
func (c *Core) GetCachedAnalysisResult(ctx context.Context, o *analysis.Observable, amt *analysis.AnalysisModuleType) (*analysis.AnalysisRequest, error) {
	key := analysis.GenerateCacheKey(o, amt)
	if key == "" {
		return nil, nil
	}
	return c.cache.GetCachedResult(ctx, key)
}

// DeleteExpiredCachedAnalysisResults purges expired cache entries.
func (c *Core) DeleteExpiredCachedAnalysisResults(ctx context.Context) (int, error) {
	return c.cache.DeleteExpiredResults(ctx)
}

// DeleteCachedAnalysisResultsByModuleType purges every cached result of the
// named module type.
func (c *Core) DeleteCachedAnalysisResultsByModuleType(ctx context.Context, name string) (int, error) {
	return c.cache.DeleteResultsByModuleType(ctx, name)
}

// GetCacheSize counts cache entries for the module, or in total when name
// is empty.
func (c *Core) GetCacheSize(ctx context.Context, name string) (int, error) {
	return c.cache.CacheSize(ctx, name)
}

func (c *Core) markMergeRetry() {
	metrics.MergeRetries.Inc()
}
