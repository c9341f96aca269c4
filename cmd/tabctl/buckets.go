// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func bucketsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buckets",
		Short: "manage buckets, shares and links",
	}
	var project string
	cmd.PersistentFlags().StringVarP(&project, "project", "p", "", "project id")

	requireProject := func() error {
		if project == "" {
			return usagef("--project is required")
		}
		return nil
	}

	createCmd := &cobra.Command{
		Use:   "create <stage.name>",
		Short: "create a bucket, e.g. in.c-main",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireProject(); err != nil {
				return err
			}
			stage, name, ok := strings.Cut(args[0], ".")
			if !ok {
				return usagef("bucket must be {stage}.{name}, e.g. in.c-main")
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			var out struct {
				Display string `json:"display"`
			}
			err = c.do(cmd.Context(), http.MethodPost, "/projects/"+url.PathEscape(project)+"/buckets",
				map[string]string{"stage": stage, "name": name}, &out)
			if err != nil {
				return err
			}
			info("bucket %s created", out.Display)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list buckets",
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
				Buckets []struct {
					Display   string    `json:"display"`
					CreatedAt time.Time `json:"created_at"`
				} `json:"buckets"`
			}
			err = c.do(cmd.Context(), http.MethodGet, "/projects/"+url.PathEscape(project)+"/buckets", nil, &out)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(out)
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BUCKET\tCREATED")
			for _, b := range out.Buckets {
				fmt.Fprintf(w, "%s\t%s\n", b.Display, humanize.Time(b.CreatedAt))
			}
			return w.Flush()
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <bucket>",
		Short: "delete an empty bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireProject(); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			if !confirm(fmt.Sprintf("delete bucket %q", args[0])) {
				return nil
			}
			err = c.do(cmd.Context(), http.MethodDelete,
				"/projects/"+url.PathEscape(project)+"/buckets/"+url.PathEscape(args[0]), nil, nil)
			if err != nil {
				return err
			}
			info("bucket %s deleted", args[0])
			return nil
		},
	}

	shareCmd := &cobra.Command{
		Use:   "share <bucket> <target-project>",
		Short: "offer a bucket to another project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireProject(); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			err = c.do(cmd.Context(), http.MethodPost,
				"/projects/"+url.PathEscape(project)+"/buckets/"+url.PathEscape(args[0])+"/shares",
				map[string]string{"target_project": args[1]}, nil)
			if err != nil {
				return err
			}
			info("bucket %s shared with %s", args[0], args[1])
			return nil
		},
	}

	linkCmd := &cobra.Command{
		Use:   "link <src-project> <bucket>",
		Short: "materialise a shared bucket in this project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireProject(); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			err = c.do(cmd.Context(), http.MethodPost, "/projects/"+url.PathEscape(project)+"/links",
				map[string]string{"src_project": args[0], "bucket": args[1]}, nil)
			if err != nil {
				return err
			}
			info("bucket %s linked from %s", args[1], args[0])
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd, deleteCmd, shareCmd, linkCmd)
	return cmd
}
