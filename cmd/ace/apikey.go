package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/acelab/ace/infrastructure/config"
	"github.com/acelab/ace/internal/storage"
	"github.com/acelab/ace/internal/storage/postgres"
)

var apiKeyAdmin bool

var apiKeyCmd = &cobra.Command{
	Use:   "api-key",
	Short: "Manage api keys",
}

// apiKeyBackend resolves the local key backend, the configured database.
// A remote engine (ACE_URI) is handled by the callers, not here.
func apiKeyBackend(settings *config.Settings) (storage.APIKeyStore, func(), error) {
	if settings.DB != "" {
		store, err := postgres.Open(settings.DB)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
	return nil, nil, fmt.Errorf("api key management requires ACE_DB or ACE_URI")
}

var apiKeyCreateCmd = &cobra.Command{
	Use:   "create NAME [DESCRIPTION]",
	Short: "Create a new api key",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := config.Load()
		if err != nil {
			return err
		}

		description := ""
		if len(args) > 1 {
			description = args[1]
		}

		if remote := remoteClient(settings); remote != nil {
			key, err := remote.CreateAPIKey(cmd.Context(), args[0], description, apiKeyAdmin)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key.Key)
			return nil
		}

		backend, done, err := apiKeyBackend(settings)
		if err != nil {
			return err
		}
		defer done()

		key, err := backend.CreateAPIKey(cmd.Context(), args[0], description, apiKeyAdmin)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key.Key)
		return nil
	},
}

var apiKeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List api keys",
	RunE: func(cmd *cobra.Command, _ []string) error {
		settings, err := config.Load()
		if err != nil {
			return err
		}

		var keys []*storage.APIKey
		if remote := remoteClient(settings); remote != nil {
			keys, err = remote.ListAPIKeys(cmd.Context())
		} else {
			backend, done, berr := apiKeyBackend(settings)
			if berr != nil {
				return berr
			}
			defer done()
			keys, err = backend.ListAPIKeys(cmd.Context())
		}
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tADMIN\tCREATED\tDESCRIPTION")
		for _, key := range keys {
			fmt.Fprintf(w, "%s\t%v\t%s\t%s\n", key.Name, key.Admin, key.CreatedAt.Format("2006-01-02 15:04:05"), key.Description)
		}
		return w.Flush()
	},
}

var apiKeyDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete an api key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := config.Load()
		if err != nil {
			return err
		}

		if remote := remoteClient(settings); remote != nil {
			return remote.DeleteAPIKey(cmd.Context(), args[0])
		}

		backend, done, err := apiKeyBackend(settings)
		if err != nil {
			return err
		}
		defer done()

		deleted, err := backend.DeleteAPIKey(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("no api key named %s", args[0])
		}
		return nil
	},
}

func init() {
	apiKeyCreateCmd.Flags().BoolVar(&apiKeyAdmin, "admin", false, "create an admin key")
	apiKeyCmd.AddCommand(apiKeyCreateCmd, apiKeyListCmd, apiKeyDeleteCmd)
	rootCmd.AddCommand(apiKeyCmd)
}
