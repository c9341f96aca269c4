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

func projectsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "manage projects (admin)",
	}

	var name, description string
	createCmd := &cobra.Command{
		Use:   "create <id>",
		Short: "create a project and mint its first api key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if flags.DryRun {
				info("would create project %q", args[0])
				return nil
			}
			var out struct {
				Project struct {
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"project"`
				APIKey string `json:"api_key"`
			}
			err = c.do(cmd.Context(), http.MethodPost, "/projects", map[string]string{
				"id": args[0], "name": name, "description": description,
			}, &out)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(out)
			}
			info("project %s created", out.Project.ID)
			fmt.Printf("api key (shown once): %s\n", out.APIKey)
			return nil
		},
	}
	createCmd.Flags().StringVar(&name, "name", "", "display name")
	createCmd.Flags().StringVar(&description, "description", "", "description")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var out struct {
				Projects []struct {
					ID        string    `json:"id"`
					Name      string    `json:"name"`
					CreatedAt time.Time `json:"created_at"`
				} `json:"projects"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/projects", nil, &out); err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(out)
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCREATED")
			for _, p := range out.Projects {
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Name, humanize.Time(p.CreatedAt))
			}
			return w.Flush()
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "delete a project and all its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if !confirm(fmt.Sprintf("delete project %q and all its data", args[0])) {
				return nil
			}
			if flags.DryRun {
				info("would delete project %q", args[0])
				return nil
			}
			err = c.do(cmd.Context(), http.MethodDelete, "/projects/"+url.PathEscape(args[0]), nil, nil)
			if err != nil {
				return err
			}
			info("project %s deleted", args[0])
			return nil
		},
	}

	var keyDescription string
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "manage project api keys",
	}
	keyCreateCmd := &cobra.Command{
		Use:   "create <project>",
		Short: "mint a new api key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var out struct {
				APIKey string `json:"api_key"`
			}
			err = c.do(cmd.Context(), http.MethodPost, "/projects/"+url.PathEscape(args[0])+"/keys",
				map[string]string{"description": keyDescription}, &out)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(out)
			}
			fmt.Printf("api key (shown once): %s\n", out.APIKey)
			return nil
		},
	}
	keyCreateCmd.Flags().StringVar(&keyDescription, "description", "", "key description")
	keyListCmd := &cobra.Command{
		Use:   "list <project>",
		Short: "list api key hashes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var out struct {
				Keys []struct {
					Hash        string    `json:"hash"`
					Description string    `json:"description"`
					CreatedAt   time.Time `json:"created_at"`
				} `json:"keys"`
			}
			err = c.do(cmd.Context(), http.MethodGet, "/projects/"+url.PathEscape(args[0])+"/keys", nil, &out)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(out)
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HASH\tDESCRIPTION\tCREATED")
			for _, k := range out.Keys {
				fmt.Fprintf(w, "%s\t%s\t%s\n", k.Hash, k.Description, humanize.Time(k.CreatedAt))
			}
			return w.Flush()
		},
	}
	keyRevokeCmd := &cobra.Command{
		Use:   "revoke <project> <hash>",
		Short: "revoke an api key by hash",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if !confirm("revoke key " + args[1]) {
				return nil
			}
			err = c.do(cmd.Context(), http.MethodDelete,
				"/projects/"+url.PathEscape(args[0])+"/keys/"+url.PathEscape(args[1]), nil, nil)
			if err != nil {
				return err
			}
			info("key revoked")
			return nil
		},
	}
	keysCmd.AddCommand(keyCreateCmd, keyListCmd, keyRevokeCmd)

	cmd.AddCommand(createCmd, listCmd, deleteCmd, keysCmd)
	return cmd
}
