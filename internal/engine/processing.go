package engine

import (
	"context"
	"fmt"

	"github.com/acelab/ace/internal/acerr"
	"github.com/acelab/ace/internal/domain/analysis"
	"github.com/acelab/ace/internal/events"
	"github.com/acelab/ace/pkg/metrics"
)

// ProcessAnalysisRequest drives the core state machine for one request:
// merge the submission or result into the tracked root, alert on detection
// points, dispatch follow-on analysis for every accepting (observable,
// module) pair, then retire the request and expire the root if it is done.
func (c *Core) ProcessAnalysisRequest(ctx context.Context, ar *analysis.AnalysisRequest) error {
	c.log.WithField("request_id", ar.ID).Debug("processing analysis request")

	var targetRoot *analysis.RootAnalysis
	var err error

	switch {
	case ar.IsObservableAnalysisResult():
		metrics.RequestsProcessed.WithLabelValues("result").Inc()
		targetRoot, err = c.processAnalysisResult(ctx, ar)
	case ar.IsRootAnalysisRequest():
		metrics.RequestsProcessed.WithLabelValues("root").Inc()
		targetRoot, err = c.processRootSubmission(ctx, ar)
	default:
		return fmt.Errorf("request %s carries neither a root submission nor a result", ar.ID)
	}
	if err != nil {
		return err
	}

	if err := c.dispatchAnalysis(ctx, ar, targetRoot); err != nil {
		return err
	}

	// this request is done
	if _, err := c.DeleteAnalysisRequest(ctx, ar.ID); err != nil {
		return err
	}

	outstanding, err := c.requests.GetRequestsByRoot(ctx, targetRoot.UUID)
	if err != nil {
		return err
	}
	if len(outstanding) > 0 {
		return nil
	}

	c.log.WithField("root", targetRoot.UUID).Debug("root analysis completed")
	c.bus.FireEvent(ctx, events.EventAnalysisRootCompleted, targetRoot.UUID)

	if targetRoot.Expires && !targetRoot.HasDetections() {
		c.log.WithField("root", targetRoot.UUID).Debug("deleting expired root analysis")
		c.bus.FireEvent(ctx, events.EventAnalysisRootExpired, targetRoot.UUID)
		if _, err := c.DeleteRootAnalysis(ctx, targetRoot.UUID); err != nil {
			return err
		}
	}
	return nil
}

// processAnalysisResult merges a worker's (original, modified) delta into
// the tracked root under the request lock, caches the result, and re-drives
// any linked requests with the same delta.
func (c *Core) processAnalysisResult(ctx context.Context, ar *analysis.AnalysisRequest) (*analysis.RootAnalysis, error) {
	tracked, err := c.requests.GetRequest(ctx, ar.ID)
	if err != nil {
		return nil, err
	}
	if tracked == nil {
		return nil, acerr.UnknownAnalysisRequest(ar.ID)
	}

	// an owner change means this worker took too long and the request was
	// reclaimed; its result is stale and must be discarded
	if tracked.Owner != ar.Owner {
		return nil, acerr.ExpiredAnalysisRequest(ar.ID)
	}

	targetRoot, err := c.roots.GetRoot(ctx, ar.Root.UUID)
	if err != nil {
		return nil, err
	}
	if targetRoot == nil {
		return nil, acerr.UnknownRoot(ar.Root.UUID)
	}

	// root updates are optimistic, but this lock keeps two engines from
	// racing on the same linked-request fan-out
	release, locked, err := c.lockAnalysisRequest(ctx, ar.ID)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, acerr.LockedAnalysisRequest(ar.ID)
	}
	defer release()

	if ar.IsCachable() && !ar.CacheHit {
		if _, err := c.CacheAnalysisResult(ctx, ar); err != nil {
			return nil, err
		}
	}

	requestObs := ar.Observable()
	if requestObs == nil {
		return nil, acerr.UnknownObservable(ar.ObservableID)
	}

	// the diff is always computed from the request's own snapshots, never
	// from the current tracked data
	for attempt := 0; ; attempt++ {
		if attempt >= maxSaveAttempts {
			return nil, fmt.Errorf("result merge for root %s exceeded retry budget", targetRoot.UUID)
		}

		if err := targetRoot.ApplyDiffMerge(ar.OriginalRoot, ar.ModifiedRoot); err != nil {
			return nil, err
		}

		targetObs := targetRoot.GetObservable(requestObs)
		if targetObs == nil {
			return nil, acerr.UnknownObservable(requestObs.UUID)
		}
		originalObs := ar.OriginalRoot.GetObservable(requestObs)
		if originalObs == nil {
			return nil, acerr.UnknownObservable(requestObs.UUID)
		}
		modifiedObs := ar.ModifiedRoot.GetObservable(requestObs)
		if modifiedObs == nil {
			return nil, acerr.UnknownObservable(requestObs.UUID)
		}

		targetObs.ApplyDiffMerge(originalObs, modifiedObs, ar.Type)

		updated, err := c.UpdateRootAnalysis(ctx, targetRoot)
		if err != nil {
			return nil, err
		}
		if updated {
			break
		}

		// another engine moved the root forward; reload and re-apply
		latest, err := c.roots.GetRoot(ctx, targetRoot.UUID)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			return nil, acerr.UnknownRoot(targetRoot.UUID)
		}
		if latest.Version == targetRoot.Version {
			return nil, fmt.Errorf("root %s update failed without a version change", targetRoot.UUID)
		}

		c.log.WithField("root", targetRoot.UUID).Debug("version mismatch during result merge, retrying")
		c.markMergeRetry()
		targetRoot = latest
	}

	c.bus.FireEvent(ctx, events.EventProcessingRequestResult, ar)

	linked, err := c.requests.GetLinkedRequests(ctx, ar.ID)
	if err != nil {
		return nil, err
	}
	for _, linkedAR := range linked {
		linkedAR.OriginalRoot = ar.OriginalRoot
		linkedAR.ModifiedRoot = ar.ModifiedRoot
		c.log.WithField("request_id", linkedAR.ID).WithField("source_id", ar.ID).
			Debug("processing linked analysis request")
		if err := c.ProcessAnalysisRequest(ctx, linkedAR); err != nil {
			return nil, err
		}
	}

	return targetRoot, nil
}

// processRootSubmission merges a submitted root into the tracked root, or
// stores it when the uuid is new.
func (c *Core) processRootSubmission(ctx context.Context, ar *analysis.AnalysisRequest) (*analysis.RootAnalysis, error) {
	for attempt := 0; ; attempt++ {
		if attempt >= maxSaveAttempts {
			return nil, fmt.Errorf("root submission %s exceeded retry budget", ar.Root.UUID)
		}

		targetRoot, err := c.roots.GetRoot(ctx, ar.Root.UUID)
		if err != nil {
			return nil, err
		}

		var saved bool
		if targetRoot != nil {
			if err := targetRoot.ApplyMerge(ar.Root); err != nil {
				return nil, err
			}
			saved, err = c.UpdateRootAnalysis(ctx, targetRoot)
		} else {
			targetRoot = ar.Root
			saved, err = c.TrackRootAnalysis(ctx, targetRoot)
		}
		if err != nil {
			return nil, err
		}
		if saved {
			c.bus.FireEvent(ctx, events.EventProcessingRequestRoot, ar)
			return targetRoot, nil
		}

		c.log.WithField("root", ar.Root.UUID).Debug("version mismatch during root submission, retrying")
		c.markMergeRetry()
	}
}

// dispatchAnalysis walks the request's observables against every
// registered module type and, for each accepting pair not yet analyzed or
// tracked, either links to the in-flight request for the same work, replays
// a cached result, or queues fresh work.
func (c *Core) dispatchAnalysis(ctx context.Context, ar *analysis.AnalysisRequest, targetRoot *analysis.RootAnalysis) error {
	if !targetRoot.AnalysisCancelled && targetRoot.HasDetections() {
		if _, err := c.SubmitAlert(ctx, targetRoot.UUID); err != nil {
			return err
		}
	}

	// a cancelled root still merges in-flight results but dispatches
	// nothing further
	if targetRoot.AnalysisCancelled {
		return nil
	}

	moduleTypes, err := c.modules.AllModuleTypes(ctx)
	if err != nil {
		return err
	}
	resolver := moduleResolver{core: c}

	for _, requestObs := range ar.Observables() {
		observable := targetRoot.GetObservable(requestObs)
		if observable == nil {
			continue
		}

		for _, amt := range moduleTypes {
			if !amt.Accepts(observable, resolver) {
				continue
			}
			if observable.AnalysisCompleted(amt.Name) {
				continue
			}
			if observable.AnalysisRequestID(amt.Name) != "" {
				continue
			}

			// is this observable already being analyzed under another
			// root? (always nil for uncacheable modules)
			trackedAR, err := c.GetAnalysisRequestByObservable(ctx, observable, amt)
			if err != nil {
				return err
			}

			newAR := observable.CreateAnalysisRequest(amt)
			if err := c.TrackAnalysisRequest(ctx, newAR); err != nil {
				return err
			}

			if trackedAR != nil && trackedAR.ID != ar.ID {
				linked, err := c.LinkAnalysisRequests(ctx, trackedAR, newAR)
				if err != nil {
					return err
				}
				if linked {
					// this request now just waits for trackedAR
					observable.TrackAnalysisRequest(newAR)
					if err := c.saveRoot(ctx, targetRoot); err != nil {
						return err
					}
					continue
				}
				// the in-flight request resolved before we could link;
				// fall through, its result may be in the cache
			}

			cached, err := c.GetCachedAnalysisResult(ctx, observable, amt)
			if err != nil {
				return err
			}
			if cached != nil {
				c.log.WithField("module", amt.Name).WithField("root", targetRoot.UUID).
					Debug("serving analysis from cache")

				newAR.OriginalRoot = cached.OriginalRoot
				newAR.ModifiedRoot = cached.ModifiedRoot
				newAR.CacheHit = true
				if err := c.TrackAnalysisRequest(ctx, newAR); err != nil {
					return err
				}
				observable.TrackAnalysisRequest(newAR)
				if err := c.saveRoot(ctx, targetRoot); err != nil {
					return err
				}

				metrics.CacheHits.Inc()
				c.bus.FireEvent(ctx, events.EventCacheHit, newAR)
				if err := c.ProcessAnalysisRequest(ctx, newAR); err != nil {
					return err
				}
				continue
			}

			c.log.WithField("module", amt.Name).WithField("root", targetRoot.UUID).
				Info("creating new analysis request")
			observable.TrackAnalysisRequest(newAR)
			if err := c.saveRoot(ctx, targetRoot); err != nil {
				return err
			}
			c.bus.FireEvent(ctx, events.EventProcessingRequestObservable, newAR)
			if err := c.SubmitAnalysisRequest(ctx, newAR); err != nil {
				return err
			}
		}
	}
	return nil
}
