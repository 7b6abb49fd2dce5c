package engine

import (
	"context"
	"strings"

	"github.com/acelab/ace/internal/acerr"
	"github.com/acelab/ace/internal/domain/analysis"
	"github.com/acelab/ace/internal/events"
)

// RegisterAnalysisModuleType registers (or re-registers) a module type.
// Every declared dependency must already be registered and the dependency
// graph must stay acyclic. A first-time registration creates the module's
// work queue.
func (c *Core) RegisterAnalysisModuleType(ctx context.Context, amt *analysis.AnalysisModuleType) error {
	for _, dep := range amt.Dependencies {
		if dep == amt.Name {
			// reported as a cycle by checkCircularDependency below
			continue
		}
		existing, err := c.modules.GetModuleType(ctx, dep)
		if err != nil {
			return err
		}
		if existing == nil {
			return acerr.InvalidDependency(amt.Name, dep)
		}
	}

	if err := c.checkCircularDependency(ctx, amt, amt, nil); err != nil {
		return err
	}

	current, err := c.modules.GetModuleType(ctx, amt.Name)
	if err != nil {
		return err
	}
	if current == nil {
		if _, err := c.AddWorkQueue(ctx, amt.Name); err != nil {
			return err
		}
	}

	if err := c.modules.TrackModuleType(ctx, amt); err != nil {
		return err
	}

	switch {
	case current == nil:
		c.bus.FireEvent(ctx, events.EventAMTNew, amt)
	case !current.ExtendedVersionMatches(amt):
		c.bus.FireEvent(ctx, events.EventAMTModified, amt)
	}
	return nil
}

// checkCircularDependency walks the dependency graph from target refusing
// any path that re-encounters source, self-dependencies included.
func (c *Core) checkCircularDependency(ctx context.Context, source, target *analysis.AnalysisModuleType, chain []string) error {
	chain = append(chain, target.Name)

	for _, dep := range target.Dependencies {
		if source.Name == dep {
			return acerr.CircularDependency(strings.Join(append(chain, dep), " -> "))
		}
		next, err := c.modules.GetModuleType(ctx, dep)
		if err != nil {
			return err
		}
		if next == nil {
			continue
		}
		if err := c.checkCircularDependency(ctx, source, next, chain); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAnalysisModuleType unregisters a module type: its work queue (and
// everything queued on it), any tracked requests for it and their links,
// and any cached results are all discarded.
func (c *Core) DeleteAnalysisModuleType(ctx context.Context, name string) (bool, error) {
	amt, err := c.modules.GetModuleType(ctx, name)
	if err != nil {
		return false, err
	}
	if amt == nil {
		return false, nil
	}

	c.log.WithField("module", name).Info("deleting analysis module type")

	if _, err := c.DeleteWorkQueue(ctx, name); err != nil {
		return false, err
	}
	if _, err := c.modules.DeleteModuleType(ctx, name); err != nil {
		return false, err
	}
	if err := c.requests.ClearRequestsByModuleType(ctx, name); err != nil {
		return false, err
	}
	if _, err := c.cache.DeleteResultsByModuleType(ctx, name); err != nil {
		return false, err
	}

	c.bus.FireEvent(ctx, events.EventAMTDeleted, amt)
	return true, nil
}

// GetAnalysisModuleType returns the registration by name, or nil.
func (c *Core) GetAnalysisModuleType(ctx context.Context, name string) (*analysis.AnalysisModuleType, error) {
	return c.modules.GetModuleType(ctx, name)
}

// GetAllAnalysisModuleTypes returns a snapshot of every registration.
func (c *Core) GetAllAnalysisModuleTypes(ctx context.Context) ([]*analysis.AnalysisModuleType, error) {
	return c.modules.AllModuleTypes(ctx)
}
