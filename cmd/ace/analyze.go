package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/acelab/ace/infrastructure/config"
	"github.com/acelab/ace/internal/domain/analysis"
	"github.com/acelab/ace/pkg/logger"
)

var (
	analyzeMode      string
	analyzeFromStdin bool
	analyzeStdinType string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [type value]...",
	Short: "Submit a root with the given observables for analysis",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args)%2 != 0 {
			return fmt.Errorf("observables are given as type value pairs")
		}

		settings, err := config.Load()
		if err != nil {
			return err
		}

		root := analysis.NewRootAnalysis()
		root.Tool = "ace"
		root.ToolInstance = "cli"
		if analyzeMode != "" {
			root.AnalysisMode = analyzeMode
		}

		for i := 0; i < len(args); i += 2 {
			root.AddObservable(args[i], args[i+1])
		}

		if analyzeFromStdin {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				value := strings.TrimSpace(scanner.Text())
				if value != "" {
					root.AddObservable(analyzeStdinType, value)
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}
		}

		if len(root.ObservableStore) == 0 {
			return fmt.Errorf("no observables to analyze")
		}

		if remote := remoteClient(settings); remote != nil {
			if err := remote.ProcessAnalysisRequest(cmd.Context(), root.CreateAnalysisRequest()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), root.UUID)
			return nil
		}

		core, err := buildCore(cmd.Context(), settings, logger.NewDefault("analyze"))
		if err != nil {
			return err
		}
		if err := core.ProcessAnalysisRequest(cmd.Context(), root.CreateAnalysisRequest()); err != nil {
			return err
		}

		stored, err := core.GetRootAnalysis(cmd.Context(), root.UUID)
		if err != nil {
			return err
		}
		if stored == nil {
			// the root expired immediately
			fmt.Fprintln(cmd.OutOrStdout(), root.UUID)
			return nil
		}

		encoded, err := json.MarshalIndent(stored, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
		return nil
	},
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeMode, "mode", "m", "", "analysis mode for the root")
	analyzeCmd.Flags().BoolVar(&analyzeFromStdin, "from-stdin", false, "read observable values from stdin, one per line")
	analyzeCmd.Flags().StringVar(&analyzeStdinType, "stdin-type", "generic", "observable type for values read from stdin")
	rootCmd.AddCommand(analyzeCmd)
}
