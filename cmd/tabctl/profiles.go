// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// profile is one stored connection.
type profile struct {
	Host   string `json:"host"`
	APIKey string `json:"api_key"`
}

type profileFile struct {
	Profiles map[string]profile `json:"profiles"`
}

func profilePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "tabctl", "config.json"), nil
}

func loadProfiles() (*profileFile, error) {
	path, err := profilePath()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &profileFile{Profiles: map[string]profile{}}, nil
	}
	if err != nil {
		return nil, err
	}
	var file profileFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, err
	}
	if file.Profiles == nil {
		file.Profiles = map[string]profile{}
	}
	return &file, nil
}

func loadProfile(name string) (profile, error) {
	file, err := loadProfiles()
	if err != nil {
		return profile{}, err
	}
	p, ok := file.Profiles[name]
	if !ok {
		return profile{}, fmt.Errorf("profile %q not found", name)
	}
	return p, nil
}

func saveProfiles(file *profileFile) error {
	path, err := profilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	// The file holds credentials.
	return os.WriteFile(path, raw, 0600)
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "manage connection profiles",
	}

	var host string
	setCmd := &cobra.Command{
		Use:   "set-profile <name>",
		Short: "store a named host and api key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if host == "" {
				return usagef("--host is required")
			}
			fmt.Fprint(os.Stderr, "api key: ")
			key, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return err
			}
			file, err := loadProfiles()
			if err != nil {
				return err
			}
			file.Profiles[args[0]] = profile{
				Host:   strings.TrimRight(host, "/"),
				APIKey: strings.TrimSpace(string(key)),
			}
			if err := saveProfiles(file); err != nil {
				return err
			}
			info("profile %q saved", args[0])
			return nil
		},
	}
	setCmd.Flags().StringVar(&host, "host", "", "server base url")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list stored profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := loadProfiles()
			if err != nil {
				return err
			}
			for name, p := range file.Profiles {
				fmt.Printf("%s\t%s\n", name, p.Host)
			}
			return nil
		},
	}

	cmd.AddCommand(setCmd, listCmd)
	return cmd
}
