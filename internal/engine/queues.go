package engine

import (
	"context"
	"time"

	"github.com/acelab/ace/internal/acerr"
	"github.com/acelab/ace/internal/domain/analysis"
	"github.com/acelab/ace/internal/events"
	"github.com/acelab/ace/pkg/metrics"
)

// AddWorkQueue creates the FIFO work queue for the named module.
func (c *Core) AddWorkQueue(ctx context.Context, name string) (bool, error) {
	added, err := c.queues.AddQueue(ctx, name)
	if err != nil {
		return false, err
	}
	if added {
		c.bus.FireEvent(ctx, events.EventWorkQueueNew, name)
	}
	return added, nil
}

// DeleteWorkQueue removes the queue, discarding everything queued on it.
func (c *Core) DeleteWorkQueue(ctx context.Context, name string) (bool, error) {
	deleted, err := c.queues.DeleteQueue(ctx, name)
	if err != nil {
		return false, err
	}
	if deleted {
		metrics.QueueDepth.DeleteLabelValues(name)
		c.bus.FireEvent(ctx, events.EventWorkQueueDeleted, name)
	}
	return deleted, nil
}

// PutWork appends the request to the module's queue.
func (c *Core) PutWork(ctx context.Context, name string, ar *analysis.AnalysisRequest) error {
	if err := c.queues.PutWork(ctx, name, ar); err != nil {
		return err
	}
	metrics.QueueDepth.WithLabelValues(name).Inc()
	c.bus.FireEvent(ctx, events.EventWorkAdd, ar)
	return nil
}

// GetWork pops the next request from the module's queue, blocking up to
// timeout. nil when nothing arrived in time.
func (c *Core) GetWork(ctx context.Context, name string, timeout time.Duration) (*analysis.AnalysisRequest, error) {
	ar, err := c.queues.GetWork(ctx, name, timeout)
	if err != nil {
		return nil, err
	}
	if ar != nil {
		metrics.QueueDepth.WithLabelValues(name).Dec()
		c.bus.FireEvent(ctx, events.EventWorkRemove, ar)
	}
	return ar, nil
}

// GetQueueSize returns the queue depth for the module.
func (c *Core) GetQueueSize(ctx context.Context, name string) (int, error) {
	return c.queues.QueueSize(ctx, name)
}

// GetNextAnalysisRequest is the worker entry point: it verifies the worker
// runs the registered version of the module, requeues the module's expired
// requests, then claims the next queued request for the owner.
//
// A version mismatch forces the worker to upgrade before it is handed any
// work.
func (c *Core) GetNextAnalysisRequest(ctx context.Context, ownerUUID string, amt *analysis.AnalysisModuleType, timeout time.Duration) (*analysis.AnalysisRequest, error) {
	registered, err := c.modules.GetModuleType(ctx, amt.Name)
	if err != nil {
		return nil, err
	}
	if registered != nil {
		if !registered.VersionMatches(amt) {
			return nil, acerr.ModuleTypeVersion(amt.Name, amt.Version, registered.Version)
		}
		if !registered.ExtendedVersionMatches(amt) {
			return nil, acerr.ModuleTypeExtendedVersion(amt.Name)
		}
	}

	if err := c.ProcessExpiredAnalysisRequests(ctx, amt); err != nil {
		return nil, err
	}

	for {
		next, err := c.GetWork(ctx, amt.Name, timeout)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}

		// re-fetch the tracked record; the request may have been
		// deleted while it sat in the queue
		tracked, err := c.requests.GetRequest(ctx, next.ID)
		if err != nil {
			return nil, err
		}
		if tracked == nil {
			c.log.WithField("request_id", next.ID).
				Warning("dropping deleted request from work queue")
			continue
		}

		tracked.Owner = ownerUUID
		tracked.Status = analysis.StatusAnalyzing
		deadline := time.Now().Add(time.Duration(amt.Timeout) * time.Second)
		if err := c.requests.TrackRequest(ctx, tracked, &deadline); err != nil {
			return nil, err
		}

		c.log.WithField("request_id", tracked.ID).WithField("owner", ownerUUID).
			Debug("assigned analysis request")
		c.bus.FireEvent(ctx, events.EventWorkAssigned, tracked)
		return tracked, nil
	}
}
