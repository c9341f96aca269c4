// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package process

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestKebab(t *testing.T) {
	cases := map[string]string{
		"Address":     "address",
		"DataDir":     "data-dir",
		"AdminAPIKey": "admin-api-key",
		"S3BaseURL":   "s3-base-url",
		"TTLSeconds":  "ttl-seconds",
		"MaxFiles":    "max-files",
	}
	for in, want := range cases {
		require.Equal(t, want, kebab(in), "kebab(%q)", in)
	}
}

type testConfig struct {
	Address     string        `help:"listen address" default:":8080"`
	AdminAPIKey string        `help:"admin credential" default:""`
	Debug       bool          `help:"verbose output" default:"true"`
	MaxRetries  int           `help:"retry budget" default:"3"`
	Interval    time.Duration `help:"cycle interval" default:"1m"`
	Ratio       float64       `help:"sampling ratio" default:"0.5"`

	Files struct {
		MaxFiles int64 `help:"file quota" default:"100"`
	}
}

func TestBindRegistersFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	var config testConfig
	Bind(cmd, &config)

	flag := cmd.Flags().Lookup("address")
	require.NotNil(t, flag)
	require.Equal(t, ":8080", flag.DefValue)
	require.Equal(t, "listen address", flag.Usage)

	require.NotNil(t, cmd.Flags().Lookup("admin-api-key"))
	require.NotNil(t, cmd.Flags().Lookup("files.max-files"))
	require.NotNil(t, cmd.Flags().Lookup("interval"))
}

func TestLoadDefaults(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	var config testConfig
	Bind(cmd, &config)
	require.NoError(t, Load(cmd, &config, ""))

	require.Equal(t, ":8080", config.Address)
	require.True(t, config.Debug)
	require.Equal(t, 3, config.MaxRetries)
	require.Equal(t, time.Minute, config.Interval)
	require.Equal(t, 0.5, config.Ratio)
	require.EqualValues(t, 100, config.Files.MaxFiles)
}

func TestLoadPrecedence(t *testing.T) {
	t.Setenv("TABLEHOUSE_ADDRESS", ":7000")
	t.Setenv("TABLEHOUSE_FILES_MAX_FILES", "5")

	cmd := &cobra.Command{Use: "test"}
	var config testConfig
	Bind(cmd, &config)

	// A flag set on the command line beats the environment.
	require.NoError(t, cmd.Flags().Set("address", ":9000"))
	require.NoError(t, Load(cmd, &config, ""))

	require.Equal(t, ":9000", config.Address)
	require.EqualValues(t, 5, config.Files.MaxFiles)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("ratio: 0.9\nmax-retries: 7\n"), 0600))

	cmd := &cobra.Command{Use: "test"}
	var config testConfig
	Bind(cmd, &config)
	require.NoError(t, Load(cmd, &config, configFile))

	require.Equal(t, 0.9, config.Ratio)
	require.Equal(t, 7, config.MaxRetries)
	// Untouched settings keep their defaults.
	require.Equal(t, ":8080", config.Address)

	require.Error(t, Load(cmd, &config, filepath.Join(dir, "missing.yaml")))
}
