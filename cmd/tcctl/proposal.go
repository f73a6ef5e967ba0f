package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newProposalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proposal",
		Short: "Review allocation proposals",
	}
	cmd.AddCommand(newProposalListCmd(), newProposalDecideCmd("approve"), newProposalDecideCmd("reject"))
	return cmd
}

func newProposalListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List allocation proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			path := "/api/proposals"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var out map[string]any
			if err := clientFor(cmd).get(path, &out); err != nil {
				return err
			}
			return emit("allocation proposals", out)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter: pending, approved, or rejected")
	cmd.Flags().IntVar(&limit, "limit", 0, "max proposals to return")
	return cmd
}

func newProposalDecideCmd(decision string) *cobra.Command {
	return &cobra.Command{
		Use:   decision + " <proposal-id>",
		Short: fmt.Sprintf("%s an allocation proposal", decision),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := clientFor(cmd).post("/api/proposals/"+args[0]+"/"+decision, nil, &out); err != nil {
				return err
			}
			return emit(fmt.Sprintf("proposal %s %sd", args[0], decision), out)
		},
	}
}

func newDNDCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dnd",
		Short: "Control the Do-Not-Disturb notification gate",
	}
	cmd.AddCommand(
		newDNDSetCmd("on", true),
		newDNDSetCmd("off", false),
		&cobra.Command{
			Use:   "status",
			Short: "Show the DND gate state",
			RunE: func(cmd *cobra.Command, args []string) error {
				var out map[string]any
				if err := clientFor(cmd).get("/api/dnd", &out); err != nil {
					return err
				}
				return emit("DND status", out)
			},
		},
	)
	return cmd
}

func newDNDSetCmd(name string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("Turn DND %s", name),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			body := map[string]any{"enabled": enabled}
			if err := clientFor(cmd).post("/api/dnd", body, &out); err != nil {
				return err
			}
			return emit(fmt.Sprintf("DND turned %s", name), out)
		},
	}
}
