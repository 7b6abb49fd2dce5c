package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/acelab/ace/infrastructure/config"
)

// packageManifest describes a module package: a directory under the
// package dir containing a package.yml.
type packageManifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Modules     []string `yaml:"modules"`
}

var packageVerbose bool

var packageCmd = &cobra.Command{
	Use:   "package",
	Short: "Inspect loaded module packages",
}

var packageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded module packages",
	RunE: func(cmd *cobra.Command, _ []string) error {
		settings, err := config.Load()
		if err != nil {
			return err
		}

		entries, err := os.ReadDir(settings.PackageDir)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(settings.PackageDir, entry.Name(), "package.yml"))
			if err != nil {
				continue
			}
			var manifest packageManifest
			if err := yaml.Unmarshal(data, &manifest); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "invalid package manifest in %s: %v\n", entry.Name(), err)
				continue
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", manifest.Name, manifest.Version)
			if packageVerbose {
				if manifest.Description != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", manifest.Description)
				}
				for _, module := range manifest.Modules {
					fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", module)
				}
			}
		}
		return nil
	},
}

func init() {
	packageListCmd.Flags().BoolVarP(&packageVerbose, "verbose", "v", false, "show package details")
	packageCmd.AddCommand(packageListCmd)
	rootCmd.AddCommand(packageCmd)
}
