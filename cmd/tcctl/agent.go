package main

import (
	"github.com/spf13/cobra"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect running agent sessions",
	}
	cmd.AddCommand(newAgentListCmd(), newAgentCapacityCmd())
	return cmd
}

func newAgentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active agent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := clientFor(cmd).get("/api/agents", &out); err != nil {
				return err
			}
			return emit("active agent sessions", out)
		},
	}
}

// newAgentCapacityCmd surfaces the per-model capacity snapshot carried on
// the status payload.
func newAgentCapacityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capacity",
		Short: "Show per-model capacity utilization",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status struct {
				Capacity any `json:"capacity"`
			}
			if err := clientFor(cmd).get("/api/status", &status); err != nil {
				return err
			}
			return emit("capacity snapshot", status.Capacity)
		},
	}
}

// newBacklogCmd summarizes the task backlog per project and status.
func newBacklogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backlog",
		Short: "Inspect the task backlog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "Summarize queued and blocked tasks per project",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Tasks []struct {
					ProjectID string `json:"project_id"`
					Status    string `json:"status"`
				} `json:"tasks"`
			}
			if err := clientFor(cmd).get("/api/tasks", &out); err != nil {
				return err
			}

			type projectSummary struct {
				Queued     int `json:"queued"`
				InProgress int `json:"in_progress"`
				Blocked    int `json:"blocked"`
			}
			summary := make(map[string]*projectSummary)
			for _, t := range out.Tasks {
				p := summary[t.ProjectID]
				if p == nil {
					p = &projectSummary{}
					summary[t.ProjectID] = p
				}
				switch t.Status {
				case "queued":
					p.Queued++
				case "in_progress":
					p.InProgress++
				case "blocked":
					p.Blocked++
				}
			}
			return emit("backlog summary by project", summary)
		},
	})
	return cmd
}
