package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	cmd.AddCommand(newTaskAddCmd(), newTaskListCmd(), newTaskCancelCmd(), newTaskUpdateCmd())
	return cmd
}

func newTaskAddCmd() *cobra.Command {
	var (
		projectID   string
		title       string
		description string
		priority    int
		complexity  string
		blockedBy   string
		tags        []string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Enqueue a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"project_id":  projectID,
				"title":       title,
				"description": description,
				"priority":    priority,
				"complexity":  complexity,
				"tags":        tags,
			}
			if blockedBy != "" {
				body["blocked_by"] = blockedBy
			}
			var task map[string]any
			if err := clientFor(cmd).post("/api/tasks", body, &task); err != nil {
				return err
			}
			return emit(fmt.Sprintf("task %v queued", task["id"]), task)
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id (required)")
	cmd.Flags().StringVar(&title, "title", "", "task title (required)")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().IntVar(&priority, "priority", 5, "priority 1-10")
	cmd.Flags().StringVar(&complexity, "complexity", "medium", "low, medium, or high")
	cmd.Flags().StringVar(&blockedBy, "blocked-by", "", "task id this task waits on")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var projectID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if projectID != "" {
				q.Set("project_id", projectID)
			}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			path := "/api/tasks"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var out map[string]any
			if err := clientFor(cmd).get(path, &out); err != nil {
				return err
			}
			return emit("tasks", out)
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "filter by project id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 0, "max tasks to return")
	return cmd
}

func newTaskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a queued or blocked task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := clientFor(cmd).post("/api/tasks/"+args[0]+"/cancel", nil, &out); err != nil {
				return err
			}
			return emit(fmt.Sprintf("task %s cancelled", args[0]), out)
		},
	}
}

func newTaskUpdateCmd() *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Update a task's priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			body := map[string]any{"priority": priority}
			if err := clientFor(cmd).post("/api/tasks/"+args[0]+"/priority", body, &out); err != nil {
				return err
			}
			return emit(fmt.Sprintf("task %s updated", args[0]), out)
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "new priority 1-10 (required)")
	_ = cmd.MarkFlagRequired("priority")
	return cmd
}
