package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acelab/ace/internal/acerr"
	"github.com/acelab/ace/internal/domain/analysis"
	"github.com/acelab/ace/internal/events"
	"github.com/acelab/ace/pkg/metrics"
)

// TrackAnalysisRequest begins (or refreshes) tracking of the request. The
// request's module type must be registered.
func (c *Core) TrackAnalysisRequest(ctx context.Context, ar *analysis.AnalysisRequest) error {
	if ar.Type != nil {
		registered, err := c.modules.GetModuleType(ctx, ar.Type.Name)
		if err != nil {
			return err
		}
		if registered == nil {
			return acerr.UnknownModuleType(ar.Type.Name)
		}
	}

	var expiresAt *time.Time
	if ar.Type != nil && ar.Status == analysis.StatusAnalyzing {
		deadline := time.Now().Add(time.Duration(ar.Type.Timeout) * time.Second)
		expiresAt = &deadline
	}

	if err := c.requests.TrackRequest(ctx, ar, expiresAt); err != nil {
		return err
	}
	c.bus.FireEvent(ctx, events.EventARNew, ar)
	return nil
}

// GetAnalysisRequest returns the tracked request by id, or nil.
func (c *Core) GetAnalysisRequest(ctx context.Context, id string) (*analysis.AnalysisRequest, error) {
	return c.requests.GetRequest(ctx, id)
}

// GetAnalysisRequestByObservable returns the tracked in-flight request for
// the (observable, module type) pair. Always nil for uncacheable modules,
// which have no cache key to index by.
func (c *Core) GetAnalysisRequestByObservable(ctx context.Context, o *analysis.Observable, amt *analysis.AnalysisModuleType) (*analysis.AnalysisRequest, error) {
	key := analysis.GenerateCacheKey(o, amt)
	if key == "" {
		return nil, nil
	}
	return c.requests.GetRequestByCacheKey(ctx, key)
}

// GetAnalysisRequestsByRoot returns every tracked request for the root.
func (c *Core) GetAnalysisRequestsByRoot(ctx context.Context, rootUUID string) ([]*analysis.AnalysisRequest, error) {
	return c.requests.GetRequestsByRoot(ctx, rootUUID)
}

// DeleteAnalysisRequest stops tracking the request, clearing its indexes
// and links.
func (c *Core) DeleteAnalysisRequest(ctx context.Context, id string) (bool, error) {
	deleted, err := c.requests.DeleteRequest(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		c.bus.FireEvent(ctx, events.EventARDeleted, id)
	}
	return deleted, nil
}

// lockAnalysisRequest takes the request's processing lock. The returned
// release function is safe to call on every exit path.
func (c *Core) lockAnalysisRequest(ctx context.Context, id string) (func(), bool, error) {
	token := uuid.NewString()
	locked, err := c.locks.AcquireLock(ctx, requestLockPrefix+id, token, 0, requestLockTTL)
	if err != nil || !locked {
		return func() {}, locked, err
	}
	return func() {
		if _, err := c.locks.ReleaseLock(context.Background(), requestLockPrefix+id, token); err != nil {
			c.log.WithField("request_id", id).WithError(err).Warning("failed to release request lock")
		}
	}, true, nil
}

// LinkAnalysisRequests records that dest must be re-driven with source's
// result when source resolves. Linking fails when source is locked (it is
// being resolved right now) or no longer tracked (it already resolved).
func (c *Core) LinkAnalysisRequests(ctx context.Context, source, dest *analysis.AnalysisRequest) (bool, error) {
	locked, err := c.locks.IsLocked(ctx, requestLockPrefix+source.ID)
	if err != nil {
		return false, err
	}
	if locked {
		return false, nil
	}

	tracked, err := c.requests.GetRequest(ctx, source.ID)
	if err != nil {
		return false, err
	}
	if tracked == nil {
		return false, nil
	}

	if err := c.requests.LinkRequests(ctx, source.ID, dest.ID); err != nil {
		return false, err
	}
	return true, nil
}

// GetLinkedAnalysisRequests returns the requests linked to source.
func (c *Core) GetLinkedAnalysisRequests(ctx context.Context, source *analysis.AnalysisRequest) ([]*analysis.AnalysisRequest, error) {
	return c.requests.GetLinkedRequests(ctx, source.ID)
}

// GetExpiredAnalysisRequests returns every claimed request whose module
// timeout has elapsed.
func (c *Core) GetExpiredAnalysisRequests(ctx context.Context) ([]*analysis.AnalysisRequest, error) {
	return c.requests.GetExpiredRequests(ctx, "")
}

// ProcessExpiredAnalysisRequests returns the module's expired, unlocked
// requests to its work queue so another worker can claim them. The sweep is
// serialized by a system-wide named lock; a second concurrent caller
// returns immediately.
func (c *Core) ProcessExpiredAnalysisRequests(ctx context.Context, amt *analysis.AnalysisModuleType) error {
	token := uuid.NewString()
	acquired, err := c.locks.AcquireLock(ctx, lockExpiredSweep, token, 0, requestLockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() {
		if _, err := c.locks.ReleaseLock(context.Background(), lockExpiredSweep, token); err != nil {
			c.log.WithError(err).Warning("failed to release expiration sweep lock")
		}
	}()

	moduleName := ""
	if amt != nil {
		moduleName = amt.Name
	}

	expired, err := c.requests.GetExpiredRequests(ctx, moduleName)
	if err != nil {
		return err
	}

	for _, ar := range expired {
		release, locked, err := c.lockAnalysisRequest(ctx, ar.ID)
		if err != nil {
			return err
		}
		if !locked {
			continue
		}

		c.log.WithField("request_id", ar.ID).WithField("owner", ar.Owner).
			Info("requeueing expired analysis request")
		metrics.ExpiredRequests.Inc()
		c.bus.FireEvent(ctx, events.EventARExpired, ar)

		err = c.SubmitAnalysisRequest(ctx, ar)
		if err != nil && acerr.CodeOf(err) == acerr.CodeUnknownModuleType {
			// the module was deleted while the request was claimed
			_, err = c.DeleteAnalysisRequest(ctx, ar.ID)
		}
		release()
		if err != nil {
			return err
		}
	}
	return nil
}

// SubmitAnalysisRequest queues the request for processing: ownership is
// cleared, the request is tracked as queued, and it is either processed
// inline (root submissions and results, which have no inbound queue) or
// placed on its module's work queue.
func (c *Core) SubmitAnalysisRequest(ctx context.Context, ar *analysis.AnalysisRequest) error {
	ar.Owner = ""
	ar.Status = analysis.StatusQueued

	if err := c.TrackAnalysisRequest(ctx, ar); err != nil {
		return err
	}

	if ar.IsRootAnalysisRequest() || ar.IsObservableAnalysisResult() {
		return c.ProcessAnalysisRequest(ctx, ar)
	}
	return c.PutWork(ctx, ar.Type.Name, ar)
}
