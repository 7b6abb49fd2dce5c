package engine

import (
	"context"
	"time"

	"github.com/acelab/ace/internal/events"
	"github.com/acelab/ace/pkg/metrics"
)

// RegisterAlertSystem subscribes a named alert consumer. Each registered
// system gets its own queue of alerted root uuids.
func (c *Core) RegisterAlertSystem(ctx context.Context, name string) (bool, error) {
	registered, err := c.alerts.RegisterAlertSystem(ctx, name)
	if err != nil {
		return false, err
	}
	if registered {
		c.bus.FireEvent(ctx, events.EventAlertSystemRegistered, name)
	}
	return registered, nil
}

// UnregisterAlertSystem removes the subscription and its pending alerts.
func (c *Core) UnregisterAlertSystem(ctx context.Context, name string) (bool, error) {
	unregistered, err := c.alerts.UnregisterAlertSystem(ctx, name)
	if err != nil {
		return false, err
	}
	if unregistered {
		c.bus.FireEvent(ctx, events.EventAlertSystemUnregistered, name)
	}
	return unregistered, nil
}

// SubmitAlert pushes the root uuid to every registered alert system.
// Returns true when at least one system is registered.
func (c *Core) SubmitAlert(ctx context.Context, rootUUID string) (bool, error) {
	submitted, err := c.alerts.SubmitAlert(ctx, rootUUID)
	if err != nil {
		return false, err
	}
	metrics.AlertsSubmitted.Inc()
	c.bus.FireEvent(ctx, events.EventAlert, rootUUID)
	return submitted, nil
}

// GetAlert pops the next alerted root uuid for the named system, blocking
// up to timeout. Empty when none arrived.
func (c *Core) GetAlert(ctx context.Context, name string, timeout time.Duration) (string, error) {
	return c.alerts.GetAlert(ctx, name, timeout)
}
