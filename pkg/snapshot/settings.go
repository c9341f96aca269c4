// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package snapshot

import (
	"context"
	"strconv"
	"strings"

	"github.com/tablehouse/tablehouse/pkg/registry"
)

// Retention defaults, in days.
const (
	DefaultManualRetentionDays = 90
	DefaultAutoRetentionDays   = 7
)

// Config is the effective snapshot configuration for one table after walking
// the scope hierarchy.
type Config struct {
	// Triggers is the resolved auto-snapshot trigger set.
	Triggers map[string]bool

	ManualRetentionDays int
	AutoRetentionDays   int
}

// Enabled reports whether any of the given trigger names is in the set, and
// returns the first enabled one.
func (c Config) Enabled(triggers ...string) (string, bool) {
	for _, name := range triggers {
		if c.Triggers[name] {
			return name, true
		}
	}
	return "", false
}

// defaultConfig applies when no scope defines a key.
func defaultConfig() Config {
	return Config{
		Triggers:            map[string]bool{"drop_table": true},
		ManualRetentionDays: DefaultManualRetentionDays,
		AutoRetentionDays:   DefaultAutoRetentionDays,
	}
}

// ResolveConfig walks scopes table, bucket, project, system and takes the
// first value found for each key independently.
func ResolveConfig(ctx context.Context, db *registry.DB, project string, ref registry.TableRef) (_ Config, err error) {
	defer mon.Task()(&ctx)(&err)

	bucketDir := ref.Bucket.DirName()
	lookups := []struct {
		scope    string
		scopeKey string
	}{
		{registry.ScopeTable, project + "/" + bucketDir + "/" + ref.Name},
		{registry.ScopeBucket, project + "/" + bucketDir},
		{registry.ScopeProject, project},
		{registry.ScopeSystem, ""},
	}

	resolve := func(key string) (string, bool, error) {
		for _, at := range lookups {
			value, found, err := db.Settings().Get(ctx, at.scope, at.scopeKey, key)
			if err != nil || found {
				return value, found, err
			}
		}
		return "", false, nil
	}

	config := defaultConfig()
	if value, found, err := resolve(registry.KeyAutoSnapshotTriggers); err != nil {
		return Config{}, err
	} else if found {
		config.Triggers = parseTriggers(value)
	}
	if value, found, err := resolve(registry.KeyManualRetentionDays); err != nil {
		return Config{}, err
	} else if found {
		if days, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && days > 0 {
			config.ManualRetentionDays = days
		}
	}
	if value, found, err := resolve(registry.KeyAutoRetentionDays); err != nil {
		return Config{}, err
	} else if found {
		if days, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && days > 0 {
			config.AutoRetentionDays = days
		}
	}
	return config, nil
}

// parseTriggers splits a comma-separated trigger list. An empty string is the
// empty set, which disables auto snapshots entirely.
func parseTriggers(value string) map[string]bool {
	set := map[string]bool{}
	for _, name := range strings.Split(value, ",") {
		name = strings.TrimSpace(strings.ToLower(name))
		if name != "" {
			set[name] = true
		}
	}
	return set
}
