// tcctl is the operator control CLI for TrafficControl. Commands are thin
// HTTP clients of the orchestrator's API and print one JSON result each:
// {"success": ..., "message": ..., "data": ...}. The exit code is zero on
// success and non-zero on any failure.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// result is the uniform command output shape.
type result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// emit prints a success result.
func emit(message string, data any) error {
	return printResult(result{Success: true, Message: message, Data: data})
}

func printResult(r result) error {
	out, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tcctl",
		Short:         "Operator control CLI for TrafficControl",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("api", "", "orchestrator API base URL (default $TC_API_URL or http://localhost:8080)")

	root.AddCommand(
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newReportCmd(),
		newTaskCmd(),
		newProjectCmd(),
		newAgentCmd(),
		newBacklogCmd(),
		newProposalCmd(),
		newDNDCmd(),
		newConfigCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_ = printResult(result{Success: false, Message: err.Error()})
		os.Exit(1)
	}
}
