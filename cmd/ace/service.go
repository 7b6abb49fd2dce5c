package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"

	"github.com/acelab/ace/infrastructure/config"
)

// serviceRecord is one managed service process, persisted in the service
// state file under the base directory.
type serviceRecord struct {
	Name      string    `json:"name"`
	PID       int32     `json:"pid"`
	Command   []string  `json:"command"`
	StartedAt time.Time `json:"started_at"`
}

func serviceStatePath(settings *config.Settings) string {
	return filepath.Join(settings.BaseDir, "services.json")
}

func loadServiceState(settings *config.Settings) (map[string]*serviceRecord, error) {
	state := make(map[string]*serviceRecord)
	data, err := os.ReadFile(serviceStatePath(settings))
	if os.IsNotExist(err) {
		return state, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return state, nil
}

func saveServiceState(settings *config.Settings, state map[string]*serviceRecord) error {
	if err := os.MkdirAll(settings.BaseDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(serviceStatePath(settings), data, 0o644)
}

func serviceRunning(record *serviceRecord) bool {
	running, err := process.PidExists(record.PID)
	return err == nil && running
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage engine service processes",
}

var serviceStartCmd = &cobra.Command{
	Use:   "start NAME -- COMMAND [ARGS...]",
	Short: "Start a named service process",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := config.Load()
		if err != nil {
			return err
		}
		state, err := loadServiceState(settings)
		if err != nil {
			return err
		}

		name := args[0]
		if record, ok := state[name]; ok && serviceRunning(record) {
			return fmt.Errorf("service %s is already running (pid %d)", name, record.PID)
		}

		child := exec.Command(args[1], args[2:]...)
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		if err := child.Start(); err != nil {
			return err
		}

		state[name] = &serviceRecord{
			Name:      name,
			PID:       int32(child.Process.Pid),
			Command:   args[1:],
			StartedAt: time.Now().UTC(),
		}
		if err := saveServiceState(settings, state); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "started %s (pid %d)\n", name, child.Process.Pid)
		return child.Process.Release()
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status NAME",
	Short: "Show the status of a named service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := config.Load()
		if err != nil {
			return err
		}
		state, err := loadServiceState(settings)
		if err != nil {
			return err
		}

		record, ok := state[args[0]]
		if !ok {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: unknown\n", args[0])
			return nil
		}
		if serviceRunning(record) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: running (pid %d since %s)\n",
				record.Name, record.PID, record.StartedAt.Format(time.RFC3339))
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: stopped\n", record.Name)
		}
		return nil
	},
}

var serviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known services",
	RunE: func(cmd *cobra.Command, _ []string) error {
		settings, err := config.Load()
		if err != nil {
			return err
		}
		state, err := loadServiceState(settings)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPID\tSTATUS\tSTARTED")
		for _, record := range state {
			status := "stopped"
			if serviceRunning(record) {
				status = "running"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", record.Name, record.PID, status, record.StartedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	serviceCmd.AddCommand(serviceStartCmd, serviceStatusCmd, serviceListCmd)
	rootCmd.AddCommand(serviceCmd)
}
