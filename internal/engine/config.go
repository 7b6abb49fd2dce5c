package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/acelab/ace/internal/events"
	"github.com/acelab/ace/internal/storage"
)

// GetConfig returns the configuration setting, or nil when unset.
func (c *Core) GetConfig(ctx context.Context, key string) (*storage.ConfigSetting, error) {
	return c.config.GetConfig(ctx, key)
}

// SetConfig inserts or updates a configuration setting. A nil value or nil
// documentation leaves that field unchanged; passing both as nil is an
// error.
func (c *Core) SetConfig(ctx context.Context, key string, value json.RawMessage, documentation *string) error {
	if value == nil && documentation == nil {
		return errors.New("set config requires a value or documentation")
	}
	if err := c.config.SetConfig(ctx, key, value, documentation); err != nil {
		return err
	}
	c.bus.FireEvent(ctx, events.EventConfigSet, key)
	return nil
}

// SetConfigValue marshals value and stores it under key.
func (c *Core) SetConfigValue(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.SetConfig(ctx, key, raw, nil)
}

// DeleteConfig removes the setting, reporting whether it existed.
func (c *Core) DeleteConfig(ctx context.Context, key string) (bool, error) {
	deleted, err := c.config.DeleteConfig(ctx, key)
	if err != nil {
		return false, err
	}
	if deleted {
		c.bus.FireEvent(ctx, events.EventConfigDelete, key)
	}
	return deleted, nil
}

// GetConfigValue decodes the setting into target. When the key is unset and
// envVar names a set environment variable, its value is used (JSON first,
// then as a plain string); otherwise target is left untouched and false is
// returned.
func (c *Core) GetConfigValue(ctx context.Context, key string, envVar string, target interface{}) (bool, error) {
	setting, err := c.config.GetConfig(ctx, key)
	if err != nil {
		return false, err
	}
	if setting != nil && setting.Value != nil {
		return true, json.Unmarshal(setting.Value, target)
	}

	if envVar != "" {
		if value, ok := os.LookupEnv(envVar); ok {
			if err := json.Unmarshal([]byte(value), target); err == nil {
				return true, nil
			}
			if s, ok := target.(*string); ok {
				*s = value
				return true, nil
			}
		}
	}
	return false, nil
}

// GetConfigBool is GetConfigValue for booleans with a default.
func (c *Core) GetConfigBool(ctx context.Context, key string, fallback bool) bool {
	value := fallback
	if ok, err := c.GetConfigValue(ctx, key, "", &value); err != nil || !ok {
		return fallback
	}
	return value
}
