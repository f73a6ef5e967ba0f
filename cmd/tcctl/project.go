package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}
	cmd.AddCommand(
		newProjectListCmd(),
		newProjectCreateCmd(),
		newProjectPauseCmd(),
		newProjectResumeCmd(),
		newProjectSetPriorityCmd(),
	)
	return cmd
}

func newProjectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := clientFor(cmd).get("/api/projects", &out); err != nil {
				return err
			}
			return emit("projects", out)
		},
	}
}

func newProjectCreateCmd() *cobra.Command {
	var id, name string
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"name": name, "priority": priority}
			if id != "" {
				body["id"] = id
			}
			var project map[string]any
			if err := clientFor(cmd).post("/api/projects", body, &project); err != nil {
				return err
			}
			return emit(fmt.Sprintf("project %v created", project["id"]), project)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (generated when omitted)")
	cmd.Flags().StringVar(&name, "name", "", "project name (required)")
	cmd.Flags().IntVar(&priority, "priority", 5, "priority 1-10")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newProjectPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <project-id>",
		Short: "Pause a project (running sessions continue)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := clientFor(cmd).post("/api/projects/"+args[0]+"/pause", nil, &out); err != nil {
				return err
			}
			return emit(fmt.Sprintf("project %s paused", args[0]), out)
		},
	}
}

func newProjectResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <project-id>",
		Short: "Resume a paused project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := clientFor(cmd).post("/api/projects/"+args[0]+"/resume", nil, &out); err != nil {
				return err
			}
			return emit(fmt.Sprintf("project %s resumed", args[0]), out)
		},
	}
}

func newProjectSetPriorityCmd() *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "set-priority <project-id>",
		Short: "Set a project's priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			body := map[string]any{"priority": priority}
			if err := clientFor(cmd).post("/api/projects/"+args[0]+"/priority", body, &out); err != nil {
				return err
			}
			return emit(fmt.Sprintf("project %s priority set", args[0]), out)
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "new priority 1-10 (required)")
	_ = cmd.MarkFlagRequired("priority")
	return cmd
}
