// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "mutate table schemas",
	}
	target := &tableTarget{}
	target.register(cmd)

	var colType, colDefault string
	var notNull bool
	addColumnCmd := &cobra.Command{
		Use:   "add-column <table> <column>",
		Short: "append a column",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := target.validate(); err != nil {
				return err
			}
			if colType == "" {
				return usagef("--type is required")
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			body := map[string]interface{}{
				"name":     args[1],
				"type":     colType,
				"nullable": !notNull,
				"default":  colDefault,
			}
			err = c.do(cmd.Context(), http.MethodPost,
				target.path()+"/"+url.PathEscape(args[0])+"/columns", body, nil)
			if err != nil {
				return err
			}
			info("column %s added to %s", args[1], args[0])
			return nil
		},
	}
	addColumnCmd.Flags().StringVar(&colType, "type", "", "column type")
	addColumnCmd.Flags().StringVar(&colDefault, "default", "", "default value")
	addColumnCmd.Flags().BoolVar(&notNull, "not-null", false, "disallow nulls (needs --default)")

	dropColumnCmd := &cobra.Command{
		Use:   "drop-column <table> <column>",
		Short: "remove a column",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := target.validate(); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			if !confirm(fmt.Sprintf("drop column %q from %q", args[1], args[0])) {
				return nil
			}
			err = c.do(cmd.Context(), http.MethodDelete,
				target.path()+"/"+url.PathEscape(args[0])+"/columns/"+url.PathEscape(args[1]), nil, nil)
			if err != nil {
				return err
			}
			info("column %s dropped from %s", args[1], args[0])
			return nil
		},
	}

	var newName, newType string
	alterColumnCmd := &cobra.Command{
		Use:   "alter-column <table> <column>",
		Short: "rename a column or change its type",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := target.validate(); err != nil {
				return err
			}
			if newName == "" && newType == "" {
				return usagef("one of --rename-to or --type is required")
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			body := map[string]string{"new_name": newName, "new_type": newType}
			err = c.do(cmd.Context(), http.MethodPut,
				target.path()+"/"+url.PathEscape(args[0])+"/columns/"+url.PathEscape(args[1]), body, nil)
			if err != nil {
				return err
			}
			info("column %s altered", args[1])
			return nil
		},
	}
	alterColumnCmd.Flags().StringVar(&newName, "rename-to", "", "new column name")
	alterColumnCmd.Flags().StringVar(&newType, "type", "", "new column type")

	addPKCmd := &cobra.Command{
		Use:   "add-primary-key <table> <columns>",
		Short: "declare a primary key over comma-separated columns",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := target.validate(); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			body := map[string][]string{"columns": strings.Split(args[1], ",")}
			err = c.do(cmd.Context(), http.MethodPost,
				target.path()+"/"+url.PathEscape(args[0])+"/primary-key", body, nil)
			if err != nil {
				return err
			}
			info("primary key added on %s", args[0])
			return nil
		},
	}

	dropPKCmd := &cobra.Command{
		Use:   "drop-primary-key <table>",
		Short: "remove the primary key, keeping the data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := target.validate(); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			err = c.do(cmd.Context(), http.MethodDelete,
				target.path()+"/"+url.PathEscape(args[0])+"/primary-key", nil, nil)
			if err != nil {
				return err
			}
			info("primary key dropped from %s", args[0])
			return nil
		},
	}

	cmd.AddCommand(addColumnCmd, dropColumnCmd, alterColumnCmd, addPKCmd, dropPKCmd)
	return cmd
}
