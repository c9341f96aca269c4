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

func snapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "manage table snapshots and snapshot settings",
	}
	target := &tableTarget{}
	target.register(cmd)

	createCmd := &cobra.Command{
		Use:   "create <table>",
		Short: "take a manual snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := target.validate(); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			var out struct {
				ID        string    `json:"id"`
				ExpiresAt time.Time `json:"expires_at"`
			}
			err = c.do(cmd.Context(), http.MethodPost,
				target.path()+"/"+url.PathEscape(args[0])+"/snapshots", map[string]string{}, &out)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(out)
			}
			info("snapshot %s taken, expires %s", out.ID, humanize.Time(out.ExpiresAt))
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list a project's snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if target.project == "" {
				return usagef("--project is required")
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			var out struct {
				Snapshots []struct {
					ID        string    `json:"id"`
					Bucket    string    `json:"bucket"`
					Table     string    `json:"table"`
					Kind      string    `json:"kind"`
					Trigger   string    `json:"trigger"`
					CreatedAt time.Time `json:"created_at"`
					ExpiresAt time.Time `json:"expires_at"`
					RowCount  int64     `json:"row_count"`
				} `json:"snapshots"`
			}
			err = c.do(cmd.Context(), http.MethodGet,
				"/projects/"+url.PathEscape(target.project)+"/snapshots", nil, &out)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(out)
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTABLE\tKIND\tTRIGGER\tROWS\tCREATED\tEXPIRES")
			for _, s := range out.Snapshots {
				fmt.Fprintf(w, "%s\t%s.%s\t%s\t%s\t%d\t%s\t%s\n",
					s.ID, s.Bucket, s.Table, s.Kind, s.Trigger, s.RowCount,
					humanize.Time(s.CreatedAt), humanize.Time(s.ExpiresAt))
			}
			return w.Flush()
		},
	}

	restoreCmd := &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "restore a snapshot over the current table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if target.project == "" {
				return usagef("--project is required")
			}
			if !confirm(fmt.Sprintf("restore snapshot %q over the current table", args[0])) {
				return nil
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			if flags.DryRun {
				info("would restore snapshot %q", args[0])
				return nil
			}
			err = c.do(cmd.Context(), http.MethodPost,
				"/projects/"+url.PathEscape(target.project)+"/snapshots/"+url.PathEscape(args[0])+"/restore",
				map[string]string{}, nil)
			if err != nil {
				return err
			}
			info("snapshot %s restored", args[0])
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <snapshot-id>",
		Short: "delete a snapshot and its artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if target.project == "" {
				return usagef("--project is required")
			}
			if !confirm(fmt.Sprintf("delete snapshot %q", args[0])) {
				return nil
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			err = c.do(cmd.Context(), http.MethodDelete,
				"/projects/"+url.PathEscape(target.project)+"/snapshots/"+url.PathEscape(args[0]), nil, nil)
			if err != nil {
				return err
			}
			info("snapshot %s deleted", args[0])
			return nil
		},
	}

	var scope, settingBucket, settingTable string
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "configure snapshot triggers and retention",
	}
	settingsCmd.PersistentFlags().StringVar(&scope, "scope", "project", "scope: system, project, bucket, table")
	settingsCmd.PersistentFlags().StringVar(&settingBucket, "scope-bucket", "", "bucket for bucket/table scope")
	settingsCmd.PersistentFlags().StringVar(&settingTable, "scope-table", "", "table for table scope")

	settingBody := func(key, value string) map[string]string {
		return map[string]string{
			"scope":  scope,
			"bucket": settingBucket,
			"table":  settingTable,
			"key":    key,
			"value":  value,
		}
	}

	settingsSetCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "set a snapshot setting, e.g. auto_snapshot_triggers drop_table,truncate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if target.project == "" {
				return usagef("--project is required")
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			err = c.do(cmd.Context(), http.MethodPut,
				"/projects/"+url.PathEscape(target.project)+"/snapshot-settings",
				settingBody(args[0], args[1]), nil)
			if err != nil {
				return err
			}
			info("%s set", args[0])
			return nil
		},
	}
	settingsUnsetCmd := &cobra.Command{
		Use:   "unset <key>",
		Short: "remove a snapshot setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if target.project == "" {
				return usagef("--project is required")
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			err = c.do(cmd.Context(), http.MethodDelete,
				"/projects/"+url.PathEscape(target.project)+"/snapshot-settings",
				settingBody(args[0], ""), nil)
			if err != nil {
				return err
			}
			info("%s unset", args[0])
			return nil
		},
	}
	settingsListCmd := &cobra.Command{
		Use:   "list",
		Short: "list settings at a scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if target.project == "" {
				return usagef("--project is required")
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/projects/%s/snapshot-settings?scope=%s&bucket=%s&table=%s",
				url.PathEscape(target.project), url.QueryEscape(scope),
				url.QueryEscape(settingBucket), url.QueryEscape(settingTable))
			var out struct {
				Settings []struct {
					Key   string `json:"key"`
					Value string `json:"value"`
				} `json:"settings"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(out)
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tVALUE")
			for _, s := range out.Settings {
				fmt.Fprintf(w, "%s\t%s\n", s.Key, s.Value)
			}
			return w.Flush()
		},
	}
	settingsCmd.AddCommand(settingsSetCmd, settingsUnsetCmd, settingsListCmd)

	cmd.AddCommand(createCmd, listCmd, restoreCmd, deleteCmd, settingsCmd)
	return cmd
}
