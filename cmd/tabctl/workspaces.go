// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func workspacesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspaces",
		Short: "manage sandbox workspaces",
	}
	var project string
	cmd.PersistentFlags().StringVarP(&project, "project", "p", "", "project id")

	requireProject := func() error {
		if project == "" {
			return usagef("--project is required")
		}
		return nil
	}
	base := func() string { return "/projects/" + url.PathEscape(project) + "/workspaces" }

	var branch, ttl, sizeLimit string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "create a workspace and print its credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireProject(); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			body := map[string]string{
				"branch_id":  branch,
				"ttl":        ttl,
				"size_limit": sizeLimit,
			}
			var out struct {
				Workspace struct {
					ID        string    `json:"id"`
					ExpiresAt time.Time `json:"expires_at"`
				} `json:"workspace"`
				Username string `json:"username"`
				Password string `json:"password"`
			}
			if err := c.do(cmd.Context(), http.MethodPost, base(), body, &out); err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(out)
			}
			info("workspace %s created, expires %s", out.Workspace.ID, humanize.Time(out.Workspace.ExpiresAt))
			fmt.Printf("username: %s\n", out.Username)
			fmt.Printf("password (shown once): %s\n", out.Password)
			return nil
		},
	}
	createCmd.Flags().StringVarP(&branch, "branch", "b", "default", "branch id")
	createCmd.Flags().StringVar(&ttl, "ttl", "", "lifetime, e.g. 24h")
	createCmd.Flags().StringVar(&sizeLimit, "size-limit", "", "size limit, e.g. 2GB")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list a project's workspaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireProject(); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			var out struct {
				Workspaces []struct {
					ID        string    `json:"id"`
					BranchID  string    `json:"branch_id"`
					Status    string    `json:"status"`
					SizeBytes int64     `json:"size_bytes"`
					ExpiresAt time.Time `json:"expires_at"`
				} `json:"workspaces"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, base(), nil, &out); err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(out)
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tBRANCH\tSTATUS\tSIZE\tEXPIRES")
			for _, ws := range out.Workspaces {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					ws.ID, ws.BranchID, ws.Status,
					humanize.Bytes(uint64(ws.SizeBytes)), humanize.Time(ws.ExpiresAt))
			}
			return w.Flush()
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <workspace-id>",
		Short: "show a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireProject(); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			var out map[string]interface{}
			err = c.do(cmd.Context(), http.MethodGet, base()+"/"+url.PathEscape(args[0]), nil, &out)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset-credential <workspace-id>",
		Short: "rotate a workspace's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireProject(); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			var out struct {
				Password string `json:"password"`
			}
			err = c.do(cmd.Context(), http.MethodPost,
				base()+"/"+url.PathEscape(args[0])+"/reset-credential", map[string]string{}, &out)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(out)
			}
			fmt.Printf("password (shown once): %s\n", out.Password)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <workspace-id>",
		Short: "delete a workspace and its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireProject(); err != nil {
				return err
			}
			if !confirm(fmt.Sprintf("delete workspace %q", args[0])) {
				return nil
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodDelete, base()+"/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			info("workspace %s deleted", args[0])
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd, getCmd, resetCmd, deleteCmd)
	return cmd
}
