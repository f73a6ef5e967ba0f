package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

// newStartCmd runs the orchestrator daemon in the foreground. The binary
// is resolved via PATH unless --bin points elsewhere.
func newStartCmd() *cobra.Command {
	var bin, configPath string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the TrafficControl daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := exec.LookPath(bin)
			if err != nil {
				return fmt.Errorf("daemon binary %q not found in PATH: %w", bin, err)
			}

			daemonArgs := []string{}
			if configPath != "" {
				daemonArgs = append(daemonArgs, "-config", configPath)
			}
			daemon := exec.Command(path, daemonArgs...)
			daemon.Stdout = os.Stdout
			daemon.Stderr = os.Stderr
			daemon.Stdin = os.Stdin
			if err := daemon.Run(); err != nil {
				return fmt.Errorf("daemon exited: %w", err)
			}
			return emit("daemon exited cleanly", nil)
		},
	}
	cmd.Flags().StringVar(&bin, "bin", "trafficcontrol", "daemon binary name or path")
	cmd.Flags().StringVar(&configPath, "config", "", "configuration file passed to the daemon")
	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop dispatching and cancel all running sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := clientFor(cmd).post("/api/control/stop", nil, &out); err != nil {
				return err
			}
			return emit("dispatch stopped; running sessions cancelled", out)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := clientFor(cmd).get("/api/status", &out); err != nil {
				return err
			}
			return emit("orchestrator status", out)
		},
	}
}

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Show productivity and spend metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := clientFor(cmd).get("/api/metrics", &out); err != nil {
				return err
			}
			return emit("productivity and spend report", out)
		},
	}
}
