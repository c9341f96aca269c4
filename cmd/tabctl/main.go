// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Tabctl is the command line client for a tablehouse server.
//
// Exit codes: 0 on success, 1 on server or transport errors, 2 on usage
// errors.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

type globalFlags struct {
	Host    string
	APIKey  string
	Profile string

	JSON    bool
	Format  string
	Yes     bool
	DryRun  bool
	Quiet   bool
	Verbose bool
	NoColor bool
}

var flags globalFlags

// usageError signals exit code 2.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...interface{}) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

func main() {
	root := &cobra.Command{
		Use:           "tabctl",
		Short:         "tablehouse command line client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultProfile := os.Getenv("TABLEHOUSE_PROFILE")
	if defaultProfile == "" {
		defaultProfile = "default"
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.Host, "host", "", "server base url, e.g. http://localhost:8080")
	pf.StringVar(&flags.APIKey, "api-key", "", "api key; overrides the profile")
	pf.StringVar(&flags.Profile, "profile", defaultProfile, "named connection profile")
	pf.BoolVar(&flags.JSON, "json", false, "shorthand for --format json")
	pf.StringVar(&flags.Format, "format", "table", "output format: table or json")
	pf.BoolVar(&flags.Yes, "yes", false, "answer yes to confirmation prompts")
	pf.BoolVar(&flags.DryRun, "dry-run", false, "print what would be done without doing it")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress non-essential output")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "verbose output")
	pf.BoolVar(&flags.NoColor, "no-color", false, "disable colored output")

	root.AddCommand(
		projectsCmd(),
		branchesCmd(),
		bucketsCmd(),
		tablesCmd(),
		schemaCmd(),
		dataCmd(),
		filesCmd(),
		snapshotsCmd(),
		workspacesCmd(),
		configCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tabctl:", err)
		if _, ok := err.(usageError); ok {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func jsonOutput() bool {
	return flags.JSON || flags.Format == "json"
}

// printJSON renders v indented to stdout.
func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// confirm prompts unless --yes is set. Returns false when the user declines.
func confirm(prompt string) bool {
	if flags.Yes {
		return true
	}
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func info(format string, args ...interface{}) {
	if flags.Quiet {
		return
	}
	fmt.Printf(format+"\n", args...)
}
