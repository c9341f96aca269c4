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

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// tableTarget is the common addressing of table commands.
type tableTarget struct {
	project string
	branch  string
	bucket  string
}

func (t *tableTarget) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&t.project, "project", "p", "", "project id")
	cmd.PersistentFlags().StringVarP(&t.branch, "branch", "b", "default", "branch id")
	cmd.PersistentFlags().StringVar(&t.bucket, "bucket", "", "bucket, e.g. in.c-main")
}

func (t *tableTarget) validate() error {
	if t.project == "" {
		return usagef("--project is required")
	}
	if t.bucket == "" {
		return usagef("--bucket is required")
	}
	return nil
}

func (t *tableTarget) path() string {
	return tablesPath(t.project, t.branch, t.bucket)
}

// parseColumns turns name:type[:nullable] specs into column documents.
func parseColumns(specs []string) ([]map[string]interface{}, error) {
	columns := make([]map[string]interface{}, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, usagef("column spec %q must be name:type[:nullable]", spec)
		}
		column := map[string]interface{}{
			"name":     parts[0],
			"type":     parts[1],
			"nullable": true,
		}
		if len(parts) == 3 {
			column["nullable"] = parts[2] == "nullable" || parts[2] == "null"
		}
		columns = append(columns, column)
	}
	return columns, nil
}

func tablesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "manage tables",
	}
	target := &tableTarget{}
	target.register(cmd)

	var columnSpecs []string
	var primaryKey string
	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "create a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := target.validate(); err != nil {
				return err
			}
			if len(columnSpecs) == 0 {
				return usagef("at least one --column is required")
			}
			columns, err := parseColumns(columnSpecs)
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			body := map[string]interface{}{
				"name":    args[0],
				"columns": columns,
			}
			if primaryKey != "" {
				body["primary_key"] = strings.Split(primaryKey, ",")
			}
			if err := c.do(cmd.Context(), http.MethodPost, target.path(), body, nil); err != nil {
				return err
			}
			info("table %s created", args[0])
			return nil
		},
	}
	createCmd.Flags().StringArrayVar(&columnSpecs, "column", nil, "column as name:type[:nullable], repeatable")
	createCmd.Flags().StringVar(&primaryKey, "primary-key", "", "comma-separated primary key columns")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list tables in a bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := target.validate(); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			var out struct {
				Tables []struct {
					Name      string `json:"name"`
					RowCount  int64  `json:"row_count"`
					SizeBytes int64  `json:"size_bytes"`
				} `json:"tables"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, target.path(), nil, &out); err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(out)
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tROWS\tSIZE")
			for _, t := range out.Tables {
				fmt.Fprintf(w, "%s\t%d\t%s\n", t.Name, t.RowCount, humanize.Bytes(uint64(t.SizeBytes)))
			}
			return w.Flush()
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <name>",
		Short: "show a table's schema and stats",
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
				Name    string `json:"name"`
				Columns []struct {
					Name     string `json:"name"`
					Type     string `json:"type"`
					Nullable bool   `json:"nullable"`
				} `json:"columns"`
				PrimaryKey []string `json:"primary_key"`
				RowCount   int64    `json:"row_count"`
				SizeBytes  int64    `json:"size_bytes"`
			}
			err = c.do(cmd.Context(), http.MethodGet, target.path()+"/"+url.PathEscape(args[0]), nil, &out)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(out)
			}
			fmt.Printf("table %s: %d rows, %s\n", out.Name, out.RowCount, humanize.Bytes(uint64(out.SizeBytes)))
			if len(out.PrimaryKey) > 0 {
				fmt.Printf("primary key: %s\n", strings.Join(out.PrimaryKey, ", "))
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "COLUMN\tTYPE\tNULLABLE")
			for _, col := range out.Columns {
				fmt.Fprintf(w, "%s\t%s\t%t\n", col.Name, col.Type, col.Nullable)
			}
			return w.Flush()
		},
	}

	dropCmd := &cobra.Command{
		Use:   "drop <name>",
		Short: "drop a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := target.validate(); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			if !confirm(fmt.Sprintf("drop table %q", args[0])) {
				return nil
			}
			if flags.DryRun {
				info("would drop table %q", args[0])
				return nil
			}
			err = c.do(cmd.Context(), http.MethodDelete, target.path()+"/"+url.PathEscape(args[0]), nil, nil)
			if err != nil {
				return err
			}
			info("table %s dropped", args[0])
			return nil
		},
	}

	var limit, offset int
	previewCmd := &cobra.Command{
		Use:   "preview <name>",
		Short: "preview table rows",
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
				Columns []string        `json:"columns"`
				Rows    [][]interface{} `json:"rows"`
			}
			path := fmt.Sprintf("%s/%s/preview?limit=%d&offset=%d",
				target.path(), url.PathEscape(args[0]), limit, offset)
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(out)
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, strings.Join(out.Columns, "\t"))
			for _, row := range out.Rows {
				cells := make([]string, len(row))
				for i, cell := range row {
					if cell == nil {
						cells[i] = "NULL"
						continue
					}
					cells[i] = fmt.Sprint(cell)
				}
				fmt.Fprintln(w, strings.Join(cells, "\t"))
			}
			return w.Flush()
		},
	}
	previewCmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	previewCmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")

	var mode string
	profileCmd := &cobra.Command{
		Use:   "profile <name>",
		Short: "profile a table's columns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := target.validate(); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			var out map[string]interface{}
			path := target.path() + "/" + url.PathEscape(args[0]) + "/profile?mode=" + url.QueryEscape(mode)
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			// Profiles are structured; table rendering loses too much.
			return printJSON(out)
		},
	}
	profileCmd.Flags().StringVar(&mode, "mode", "basic", "profile mode: basic or quality")

	cmd.AddCommand(createCmd, listCmd, getCmd, dropCmd, previewCmd, profileCmd)
	return cmd
}
