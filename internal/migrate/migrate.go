// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Package migrate implements forward-only versioned schema migrations for the
// metadata registry.
package migrate

import (
	"context"
	"database/sql"
	"regexp"
	"sort"
	"strconv"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the default migrate error class.
var Error = errs.Class("migrate")

// Migration describes migration steps applied to a single database.
type Migration struct {
	Table string
	Steps []*Step
}

// Step describes a single migration step. Versions start at 0 and must be
// strictly increasing.
type Step struct {
	Description string
	Version     int
	Action      Action
}

// Action is something that needs to be done inside the step transaction.
type Action interface {
	Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error
}

// SQL is an Action that executes a list of statements in order.
type SQL []string

// Run executes the statements.
func (sql SQL) Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
	for _, query := range sql {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Func wraps a function as an Action.
type Func func(ctx context.Context, log *zap.Logger, tx *sql.Tx) error

// Run calls the function.
func (fn Func) Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
	return fn(ctx, log, tx)
}

// ValidTableName checks whether the version table name is valid.
func (migration *Migration) ValidTableName() error {
	matched, err := regexp.MatchString(`^[a-z_]+$`, migration.Table)
	if !matched || err != nil {
		return Error.New("invalid table name: %v", migration.Table)
	}
	return nil
}

// ValidateSteps checks that step versions increment in order.
func (migration *Migration) ValidateSteps() error {
	sorted := sort.SliceIsSorted(migration.Steps, func(i, j int) bool {
		return migration.Steps[i].Version < migration.Steps[j].Version
	})
	if !sorted {
		return Error.New("steps have incorrect order")
	}
	return nil
}

// CurrentVersion returns the latest applied version, or -1 when the version
// table does not exist yet.
func (migration *Migration) CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
		migration.Table).Scan(&count)
	if err != nil {
		return -1, Error.Wrap(err)
	}
	if count == 0 {
		return -1, nil
	}

	var version sql.NullInt64
	err = db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM `+migration.Table).Scan(&version)
	if err != nil {
		return -1, Error.Wrap(err)
	}
	if !version.Valid {
		return -1, nil
	}
	return int(version.Int64), nil
}

// Run applies all pending steps, each inside its own transaction together with
// the version bump. Already applied steps are skipped, which makes reruns
// idempotent.
func (migration *Migration) Run(ctx context.Context, log *zap.Logger, db *sql.DB) error {
	if err := migration.ValidTableName(); err != nil {
		return err
	}
	if err := migration.ValidateSteps(); err != nil {
		return err
	}

	_, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS `+migration.Table+` (
			version INTEGER NOT NULL,
			commited_at TEXT NOT NULL
		)`)
	if err != nil {
		return Error.New("creating version table failed: %w", err)
	}

	version, err := migration.CurrentVersion(ctx, db)
	if err != nil {
		return err
	}
	initialSetup := version < 0

	for _, step := range migration.Steps {
		if step.Version <= version {
			continue
		}

		stepLog := log.Named(strconv.Itoa(step.Version))
		if !initialSetup {
			stepLog.Info(step.Description)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return Error.Wrap(err)
		}
		err = step.Action.Run(ctx, stepLog, tx)
		if err == nil {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO `+migration.Table+` (version, commited_at) VALUES (?, datetime('now'))`,
				step.Version)
		}
		if err != nil {
			return Error.Wrap(errs.Combine(err, tx.Rollback()))
		}
		if err := tx.Commit(); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}
