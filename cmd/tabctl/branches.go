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

func branchesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branches",
		Short: "manage copy-on-write branches",
	}
	var project string
	cmd.PersistentFlags().StringVarP(&project, "project", "p", "", "project id")

	createCmd := &cobra.Command{
		Use:   "create <id>",
		Short: "create a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" {
				return usagef("--project is required")
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			var out struct {
				ID string `json:"id"`
			}
			err = c.do(cmd.Context(), http.MethodPost, "/projects/"+url.PathEscape(project)+"/branches",
				map[string]string{"id": args[0]}, &out)
			if err != nil {
				return err
			}
			info("branch %s created", out.ID)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list branches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" {
				return usagef("--project is required")
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			var out struct {
				Branches []struct {
					ID        string    `json:"id"`
					Name      string    `json:"name"`
					CreatedAt time.Time `json:"created_at"`
				} `json:"branches"`
			}
			err = c.do(cmd.Context(), http.MethodGet, "/projects/"+url.PathEscape(project)+"/branches", nil, &out)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(out)
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCREATED")
			for _, b := range out.Branches {
				fmt.Fprintf(w, "%s\t%s\t%s\n", b.ID, b.Name, humanize.Time(b.CreatedAt))
			}
			return w.Flush()
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "delete a branch and its diverged tables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" {
				return usagef("--project is required")
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			if !confirm(fmt.Sprintf("delete branch %q", args[0])) {
				return nil
			}
			err = c.do(cmd.Context(), http.MethodDelete,
				"/projects/"+url.PathEscape(project)+"/branches/"+url.PathEscape(args[0]), nil, nil)
			if err != nil {
				return err
			}
			info("branch %s deleted", args[0])
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd, deleteCmd)
	return cmd
}
