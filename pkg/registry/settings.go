// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package registry

import (
	"context"
	"database/sql"
	"errors"

	"github.com/zeebo/errs"

	"github.com/tablehouse/tablehouse/pkg/faults"
)

// Setting scopes ordered from most to least specific.
const (
	ScopeTable   = "table"
	ScopeBucket  = "bucket"
	ScopeProject = "project"
	ScopeSystem  = "system"
)

// Recognised setting keys.
const (
	KeyAutoSnapshotTriggers = "auto_snapshot_triggers"
	KeyManualRetentionDays  = "manual_retention_days"
	KeyAutoRetentionDays    = "auto_retention_days"
)

// Setting is one hierarchical configuration record. ScopeKey identifies the
// scoped resource: "" for system, "<project>" for project,
// "<project>/<bucket-dir>" for bucket, "<project>/<bucket-dir>/<table>" for
// table.
type Setting struct {
	Scope    string
	ScopeKey string
	Key      string
	Value    string
}

type settingsDB struct {
	parent *DB
}

func validScope(scope string) bool {
	switch scope {
	case ScopeSystem, ScopeProject, ScopeBucket, ScopeTable:
		return true
	}
	return false
}

// Set stores or replaces a setting.
func (db *settingsDB) Set(ctx context.Context, setting Setting) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !validScope(setting.Scope) {
		return faults.InvalidArgument.New("unknown scope %q", setting.Scope)
	}
	defer db.parent.locked()()

	_, err = db.parent.db.ExecContext(ctx,
		`INSERT INTO snapshot_settings (scope, scope_key, key, value) VALUES (?, ?, ?, ?)
		 ON CONFLICT (scope, scope_key, key) DO UPDATE SET value = excluded.value`,
		setting.Scope, setting.ScopeKey, setting.Key, setting.Value)
	return Error.Wrap(err)
}

// Get returns the value stored at exactly the given scope, if any.
func (db *settingsDB) Get(ctx context.Context, scope, scopeKey, key string) (_ string, found bool, err error) {
	defer mon.Task()(&ctx)(&err)

	var value string
	err = db.parent.db.QueryRowContext(ctx,
		`SELECT value FROM snapshot_settings WHERE scope = ? AND scope_key = ? AND key = ?`,
		scope, scopeKey, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, Error.Wrap(err)
	}
	return value, true, nil
}

// ListScope returns all settings stored at one scope key.
func (db *settingsDB) ListScope(ctx context.Context, scope, scopeKey string) (_ []Setting, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.parent.db.QueryContext(ctx,
		`SELECT scope, scope_key, key, value FROM snapshot_settings
		 WHERE scope = ? AND scope_key = ? ORDER BY key`, scope, scopeKey)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var settings []Setting
	for rows.Next() {
		var setting Setting
		if err := rows.Scan(&setting.Scope, &setting.ScopeKey, &setting.Key, &setting.Value); err != nil {
			return nil, Error.Wrap(err)
		}
		settings = append(settings, setting)
	}
	return settings, Error.Wrap(rows.Err())
}

// Unset removes a setting.
func (db *settingsDB) Unset(ctx context.Context, scope, scopeKey, key string) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	_, err = db.parent.db.ExecContext(ctx,
		`DELETE FROM snapshot_settings WHERE scope = ? AND scope_key = ? AND key = ?`,
		scope, scopeKey, key)
	return Error.Wrap(err)
}
