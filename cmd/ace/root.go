package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/acelab/ace/infrastructure/config"
	"github.com/acelab/ace/internal/crypto"
	"github.com/acelab/ace/internal/engine"
	"github.com/acelab/ace/internal/storage/content"
	"github.com/acelab/ace/internal/storage/postgres"
	"github.com/acelab/ace/internal/storage/redisq"
	"github.com/acelab/ace/pkg/logger"
	"github.com/acelab/ace/sdk/client"
)

var rootCmd = &cobra.Command{
	Use:           "ace",
	Short:         "ace is the analysis correlation engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// buildCore assembles an engine from the environment: PostgreSQL when
// ACE_DB is set, Redis queues when ACE_REDIS_HOST is set, in-memory stores
// otherwise, and a filesystem content store under the storage root.
func buildCore(ctx context.Context, settings *config.Settings, log *logger.Logger) (*engine.Core, error) {
	opts := []engine.Option{engine.WithLogger(log)}

	if settings.DB != "" {
		store, err := postgres.Open(settings.DB)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		opts = append(opts,
			engine.WithConfigStore(store),
			engine.WithModuleTypeStore(store),
			engine.WithRootStore(store),
			engine.WithRequestStore(store),
			engine.WithCacheStore(store),
			engine.WithLockStore(store),
			engine.WithAPIKeyStore(store),
		)
	}

	if addr := settings.RedisAddr(); addr != "" {
		queues, err := redisq.Open(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("open redis: %w", err)
		}
		opts = append(opts,
			engine.WithWorkQueueStore(queues),
			engine.WithAlertStore(queues),
		)
	}

	blobs, err := content.NewStore(settings.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}
	opts = append(opts, engine.WithContentStore(blobs))

	encryption := &crypto.EncryptionSettings{}
	if err := encryption.LoadFromEnv(); err != nil {
		return nil, err
	}
	if len(encryption.EncryptedKey) > 0 {
		if password := os.Getenv(config.EnvAdminPassword); password != "" {
			if err := encryption.LoadAESKey(password); err != nil {
				return nil, fmt.Errorf("load encryption key: %w", err)
			}
		}
		opts = append(opts, engine.WithEncryptionSettings(encryption))
	}

	return engine.NewCore(opts...), nil
}

// remoteClient returns a client for ACE_URI, or nil when no remote engine
// is configured.
func remoteClient(settings *config.Settings) *client.Client {
	if settings.URI == "" {
		return nil
	}
	return client.New(settings.URI, settings.APIKey)
}
