// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func filesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "manage the project files store",
	}
	var project string
	cmd.PersistentFlags().StringVarP(&project, "project", "p", "", "project id")

	requireProject := func() error {
		if project == "" {
			return usagef("--project is required")
		}
		return nil
	}
	base := func() string { return "/projects/" + url.PathEscape(project) + "/files" }

	var tags []string
	uploadCmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "prepare, upload and register a local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireProject(); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var prepared struct {
				UploadKey string `json:"upload_key"`
			}
			err = c.do(ctx, http.MethodPost, base()+"/prepare",
				map[string]string{"name": filepath.Base(args[0])}, &prepared)
			if err != nil {
				return err
			}

			source, err := os.Open(args[0])
			if err != nil {
				return err
			}
			var uploaded struct {
				Written int64  `json:"written"`
				SHA256  string `json:"sha256"`
			}
			err = c.upload(ctx, base()+"/uploads/"+url.PathEscape(prepared.UploadKey), source, &uploaded)
			_ = source.Close()
			if err != nil {
				return err
			}

			var file struct {
				ID        string `json:"id"`
				SizeBytes int64  `json:"size_bytes"`
			}
			err = c.do(ctx, http.MethodPost, base()+"/uploads/"+url.PathEscape(prepared.UploadKey)+"/register",
				map[string]interface{}{"sha256": uploaded.SHA256, "tags": tags}, &file)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(file)
			}
			info("file %s registered (%s)", file.ID, humanize.Bytes(uint64(file.SizeBytes)))
			return nil
		},
	}
	uploadCmd.Flags().StringArrayVar(&tags, "tag", nil, "tag for the file, repeatable")

	var filterTag string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list registered files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireProject(); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			path := base()
			if filterTag != "" {
				path += "?tag=" + url.QueryEscape(filterTag)
			}
			var out struct {
				Files []struct {
					ID        string    `json:"id"`
					Name      string    `json:"name"`
					SizeBytes int64     `json:"size_bytes"`
					CreatedAt time.Time `json:"created_at"`
				} `json:"files"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(out)
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSIZE\tCREATED")
			for _, f := range out.Files {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					f.ID, f.Name, humanize.Bytes(uint64(f.SizeBytes)), humanize.Time(f.CreatedAt))
			}
			return w.Flush()
		},
	}
	listCmd.Flags().StringVar(&filterTag, "tag", "", "filter by tag")

	var outputPath string
	downloadCmd := &cobra.Command{
		Use:   "download <file-id>",
		Short: "download a file's content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireProject(); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			out := os.Stdout
			if outputPath != "" {
				f, err := os.Create(outputPath)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				out = f
			}
			return c.download(cmd.Context(), base()+"/"+url.PathEscape(args[0])+"/content", out)
		},
	}
	downloadCmd.Flags().StringVarP(&outputPath, "output", "o", "", "write to a file instead of stdout")

	deleteCmd := &cobra.Command{
		Use:   "delete <file-id>",
		Short: "delete a registered file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireProject(); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			if !confirm(fmt.Sprintf("delete file %q", args[0])) {
				return nil
			}
			if err := c.do(cmd.Context(), http.MethodDelete, base()+"/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			info("file %s deleted", args[0])
			return nil
		},
	}

	cmd.AddCommand(uploadCmd, listCmd, downloadCmd, deleteCmd)
	return cmd
}
