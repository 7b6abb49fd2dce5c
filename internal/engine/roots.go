package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/acelab/ace/internal/crypto"
	"github.com/acelab/ace/internal/domain/analysis"
	"github.com/acelab/ace/internal/events"
)

// GetRootAnalysis returns the authoritative root by uuid, or nil when it is
// not tracked. Analysis details are not loaded.
func (c *Core) GetRootAnalysis(ctx context.Context, id string) (*analysis.RootAnalysis, error) {
	return c.roots.GetRoot(ctx, id)
}

// RootAnalysisExists reports whether the root is tracked.
func (c *Core) RootAnalysisExists(ctx context.Context, id string) (bool, error) {
	return c.roots.RootExists(ctx, id)
}

// TrackRootAnalysis inserts the root if it is new, assigning it a fresh
// version, and otherwise falls through to UpdateRootAnalysis. Returns true
// when either operation succeeded.
func (c *Core) TrackRootAnalysis(ctx context.Context, root *analysis.RootAnalysis) (bool, error) {
	if root.UUID == "" {
		return false, fmt.Errorf("root analysis has no uuid")
	}

	previousVersion := root.Version
	root.Version = uuid.NewString()

	inserted, err := c.roots.InsertRoot(ctx, root)
	if err != nil {
		root.Version = previousVersion
		return false, err
	}
	if !inserted {
		root.Version = previousVersion
		return c.UpdateRootAnalysis(ctx, root)
	}

	if err := c.trackContentRoots(ctx, root); err != nil {
		return true, err
	}
	c.bus.FireEvent(ctx, events.EventAnalysisRootNew, root)
	return true, nil
}

// UpdateRootAnalysis persists the root iff the stored version still equals
// root.Version. On success a fresh version is assigned to root; on a
// version mismatch false is returned and nothing changes. Callers must
// reload, re-apply and retry.
func (c *Core) UpdateRootAnalysis(ctx context.Context, root *analysis.RootAnalysis) (bool, error) {
	if root.UUID == "" {
		return false, fmt.Errorf("root analysis has no uuid")
	}

	expected := root.Version
	root.Version = uuid.NewString()

	updated, err := c.roots.UpdateRoot(ctx, root, expected)
	if err != nil || !updated {
		root.Version = expected
		return updated, err
	}

	if err := c.trackContentRoots(ctx, root); err != nil {
		return true, err
	}
	c.bus.FireEvent(ctx, events.EventAnalysisRootModified, root)
	return true, nil
}

// saveRoot persists local changes to the root, merging in any concurrent
// updates: on a version mismatch the latest copy is loaded, merged into the
// local root, and the save is retried.
func (c *Core) saveRoot(ctx context.Context, root *analysis.RootAnalysis) error {
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		saved, err := c.TrackRootAnalysis(ctx, root)
		if err != nil {
			return err
		}
		if saved {
			return nil
		}

		latest, err := c.roots.GetRoot(ctx, root.UUID)
		if err != nil {
			return err
		}
		if latest == nil {
			// deleted out from under us; the next attempt inserts
			continue
		}
		if latest.Version == root.Version {
			return fmt.Errorf("root %s save failed with matching version", root.UUID)
		}

		c.markMergeRetry()
		if err := root.ApplyMerge(latest); err != nil {
			return err
		}
		root.Version = latest.Version
	}
	return fmt.Errorf("root %s save retries exceeded", root.UUID)
}

// DeleteRootAnalysis removes the root and cascades to its analysis
// details.
func (c *Core) DeleteRootAnalysis(ctx context.Context, id string) (bool, error) {
	deleted, err := c.roots.DeleteRoot(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		c.bus.FireEvent(ctx, events.EventAnalysisRootDeleted, id)
	}
	return deleted, nil
}

// trackContentRoots records the root against every file observable's
// stored content so expired content with live roots is retained.
func (c *Core) trackContentRoots(ctx context.Context, root *analysis.RootAnalysis) error {
	if c.content == nil {
		return nil
	}
	for _, o := range root.GetObservablesByType("file") {
		if err := c.content.TrackContentRoot(ctx, o.Value, root.UUID); err != nil {
			c.log.WithField("sha256", o.Value).WithError(err).
				Warning("failed to track content root")
		}
	}
	return nil
}

// analysisEncryptionEnabled reports whether details should be encrypted:
// settings loaded and the config flag set.
func (c *Core) analysisEncryptionEnabled(ctx context.Context) bool {
	if !c.encryption.Ready() {
		return false
	}
	return c.GetConfigBool(ctx, ConfigAnalysisEncryption, false)
}

// TrackAnalysisDetails stores the detail blob for the analysis uuid under
// the root, encrypting it when analysis encryption is enabled. Nil values
// are not stored.
func (c *Core) TrackAnalysisDetails(ctx context.Context, root *analysis.RootAnalysis, id string, value interface{}) (bool, error) {
	if value == nil {
		return false, nil
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return false, err
	}

	exists, err := c.roots.DetailsExist(ctx, id)
	if err != nil {
		return false, err
	}

	if c.analysisEncryptionEnabled(ctx) {
		encoded, err = crypto.EncryptChunk(c.encryption.AESKey, encoded)
		if err != nil {
			return false, err
		}
	}

	if err := c.roots.PutDetails(ctx, root.UUID, id, encoded); err != nil {
		return false, err
	}

	if exists {
		c.bus.FireEvent(ctx, events.EventAnalysisDetailsModified, id)
	} else {
		c.bus.FireEvent(ctx, events.EventAnalysisDetailsNew, id)
	}
	return true, nil
}

// GetAnalysisDetails loads and (if needed) decrypts the detail blob for the
// analysis uuid. nil when no details are stored.
func (c *Core) GetAnalysisDetails(ctx context.Context, id string) (json.RawMessage, error) {
	encoded, err := c.roots.GetDetails(ctx, id)
	if err != nil || encoded == nil {
		return nil, err
	}

	if c.analysisEncryptionEnabled(ctx) {
		encoded, err = crypto.DecryptChunk(c.encryption.AESKey, encoded)
		if err != nil {
			return nil, err
		}
	}
	return json.RawMessage(encoded), nil
}

// DeleteAnalysisDetails removes the stored details for the analysis uuid.
func (c *Core) DeleteAnalysisDetails(ctx context.Context, id string) (bool, error) {
	deleted, err := c.roots.DeleteDetails(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		c.bus.FireEvent(ctx, events.EventAnalysisDetailsDeleted, id)
	}
	return deleted, nil
}
