package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/acelab/ace/infrastructure/config"
	"github.com/acelab/ace/internal/crypto"
	"github.com/acelab/ace/internal/storage"
	"github.com/acelab/ace/internal/storage/postgres"
)

var initializeCmd = &cobra.Command{
	Use:   "initialize",
	Short: "Create the service database, encryption settings and admin api key",
	RunE: func(cmd *cobra.Command, _ []string) error {
		settings, err := config.Load()
		if err != nil {
			return err
		}

		password := os.Getenv(config.EnvAdminPassword)
		if password == "" {
			return fmt.Errorf("%s must be set", config.EnvAdminPassword)
		}

		var apiKeys storage.APIKeyStore
		if settings.DB != "" {
			store, err := postgres.Open(settings.DB)
			if err != nil {
				return fmt.Errorf("initialize database: %w", err)
			}
			defer store.Close()
			apiKeys = store
		} else {
			apiKeys = storage.NewMemory()
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: no ACE_DB configured, the admin api key will not persist")
		}

		encryption, err := crypto.InitializeEncryptionSettings(password, nil)
		if err != nil {
			return err
		}

		adminKey, err := apiKeys.CreateAPIKey(cmd.Context(), "admin", "initial admin key", true)
		if err != nil {
			return err
		}

		exports := encryption.ExportEnv()
		exports[config.EnvAPIKey] = adminKey.Key

		names := make([]string, 0, len(exports))
		for name := range exports {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(cmd.OutOrStdout(), "export %s=%s\n", name, exports[name])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initializeCmd)
}
