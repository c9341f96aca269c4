// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func dataCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "data",
		Short: "import, export and mutate table data",
	}
	target := &tableTarget{}
	target.register(cmd)

	var fileID, sourceURL, duplicates, delimiter string
	var incremental bool
	importCmd := &cobra.Command{
		Use:   "import <table>",
		Short: "import csv data from a registered file or a url",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := target.validate(); err != nil {
				return err
			}
			if (fileID == "") == (sourceURL == "") {
				return usagef("exactly one of --file-id and --url is required")
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			if flags.DryRun {
				info("would import into %q", args[0])
				return nil
			}
			body := map[string]interface{}{
				"file_id":     fileID,
				"url":         sourceURL,
				"incremental": incremental,
				"duplicates":  duplicates,
				"delimiter":   delimiter,
			}
			var out struct {
				ImportedRows   int64 `json:"imported_rows"`
				TableRowsTotal int64 `json:"table_rows_total"`
				TableSizeBytes int64 `json:"table_size_bytes"`
			}
			err = c.do(cmd.Context(), http.MethodPost,
				target.path()+"/"+url.PathEscape(args[0])+"/import", body, &out)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(out)
			}
			info("imported %d rows; table now %d rows, %s",
				out.ImportedRows, out.TableRowsTotal, humanize.Bytes(uint64(out.TableSizeBytes)))
			return nil
		},
	}
	importCmd.Flags().StringVar(&fileID, "file-id", "", "registered file id to import")
	importCmd.Flags().StringVar(&sourceURL, "url", "", "source url to import")
	importCmd.Flags().BoolVar(&incremental, "incremental", false, "append instead of replacing")
	importCmd.Flags().StringVar(&duplicates, "duplicates", "", "incremental strategy: update_duplicates, insert_duplicates, fail_on_duplicates")
	importCmd.Flags().StringVar(&delimiter, "delimiter", "", "csv delimiter, default comma")

	var format, where, codecName, destination string
	var exportLimit int64
	var compress bool
	exportCmd := &cobra.Command{
		Use:   "export <table>",
		Short: "export a table to a destination url or path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := target.validate(); err != nil {
				return err
			}
			if destination == "" {
				return usagef("--destination is required")
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			body := map[string]interface{}{
				"format":      format,
				"where":       where,
				"limit":       exportLimit,
				"compress":    compress,
				"codec":       codecName,
				"destination": destination,
			}
			var out struct {
				ExportedRows int64  `json:"exported_rows"`
				Path         string `json:"path"`
			}
			err = c.do(cmd.Context(), http.MethodPost,
				target.path()+"/"+url.PathEscape(args[0])+"/export", body, &out)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(out)
			}
			info("exported %d rows to %s", out.ExportedRows, out.Path)
			return nil
		},
	}
	exportCmd.Flags().StringVar(&format, "format", "csv", "export format: csv or columnar")
	exportCmd.Flags().StringVar(&where, "where", "", "filter predicate")
	exportCmd.Flags().Int64Var(&exportLimit, "limit", 0, "max rows, 0 for all")
	exportCmd.Flags().BoolVar(&compress, "compress", false, "gzip csv output")
	exportCmd.Flags().StringVar(&codecName, "codec", "", "columnar codec: gzip, zstd, snappy")
	exportCmd.Flags().StringVar(&destination, "destination", "", "destination url or path")

	var deleteWhere string
	deleteRowsCmd := &cobra.Command{
		Use:   "delete-rows <table>",
		Short: "delete rows matching a predicate; empty predicate deletes all",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := target.validate(); err != nil {
				return err
			}
			prompt := fmt.Sprintf("delete rows from %q where %q", args[0], deleteWhere)
			if deleteWhere == "" {
				prompt = fmt.Sprintf("delete ALL rows from %q", args[0])
			}
			if !confirm(prompt) {
				return nil
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			if flags.DryRun {
				info("would delete rows from %q", args[0])
				return nil
			}
			var out struct {
				Deleted int64 `json:"deleted"`
			}
			err = c.do(cmd.Context(), http.MethodDelete,
				target.path()+"/"+url.PathEscape(args[0])+"/rows",
				map[string]string{"where": deleteWhere}, &out)
			if err != nil {
				return err
			}
			info("%d rows deleted", out.Deleted)
			return nil
		},
	}
	deleteRowsCmd.Flags().StringVar(&deleteWhere, "where", "", "filter predicate")

	cmd.AddCommand(importCmd, exportCmd, deleteRowsCmd)
	return cmd
}
