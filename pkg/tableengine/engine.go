// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Package tableengine implements per-table engine-file CRUD, schema mutation,
// preview and profiling. Every write runs under the table lock and through
// the branch resolver.
package tableengine

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/tablehouse/tablehouse/internal/dbutil"
	"github.com/tablehouse/tablehouse/pkg/branch"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/layout"
	"github.com/tablehouse/tablehouse/pkg/locks"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

var (
	mon = monkit.Package()

	// Error is the default table engine error class.
	Error = errs.Class("tableengine")
)

// Auto snapshot trigger names the engine fires.
const (
	TriggerDropTable     = "drop_table"
	TriggerDropColumn    = "drop_column"
	TriggerTruncate      = "truncate"
	TriggerTruncateTable = "truncate_table"
	TriggerDeleteAllRows = "delete_all_rows"
)

// AutoSnapshotter takes a snapshot before a destructive operation when the
// effective configuration enables one of the candidate triggers.
type AutoSnapshotter interface {
	MaybeAutoSnapshot(ctx context.Context, project, branchID string, ref registry.TableRef, triggers ...string) (taken bool, err error)
}

// Engine performs table operations.
type Engine struct {
	log      *zap.Logger
	db       *registry.DB
	paths    *layout.Layout
	locks    *locks.Manager
	resolver *branch.Resolver

	snapshots AutoSnapshotter
}

// NewEngine creates a table engine. SetAutoSnapshotter must be called before
// serving destructive operations.
func NewEngine(log *zap.Logger, db *registry.DB, paths *layout.Layout, lockMgr *locks.Manager, resolver *branch.Resolver) *Engine {
	return &Engine{
		log:      log,
		db:       db,
		paths:    paths,
		locks:    lockMgr,
		resolver: resolver,
	}
}

// SetAutoSnapshotter wires the snapshot engine in. Wired late because the
// snapshot engine reads table files through this package's layout.
func (e *Engine) SetAutoSnapshotter(s AutoSnapshotter) { e.snapshots = s }

// Resolver exposes the branch resolver for collaborating components.
func (e *Engine) Resolver() *branch.Resolver { return e.resolver }

func (e *Engine) lockKey(project, branchID string, ref registry.TableRef) locks.Key {
	if branchID == "" {
		branchID = layout.DefaultBranch
	}
	return locks.Key{Project: project, Branch: branchID, Table: ref}
}

func (e *Engine) open(ctx context.Context, path string, readOnly bool) (*sql.DB, error) {
	opts := dbutil.DefaultOptions()
	opts.ReadOnly = readOnly
	return dbutil.OpenSQLite(ctx, path, opts)
}

// CreateTable creates an empty table with the given schema.
func (e *Engine) CreateTable(ctx context.Context, project, branchID string, ref registry.TableRef, columns []registry.Column, primaryKey []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(columns) == 0 {
		return faults.InvalidArgument.New("table needs at least one column")
	}
	if !layout.ValidName(ref.Name) {
		return faults.InvalidArgument.New("invalid table name %q", ref.Name)
	}
	normalized := make([]registry.Column, len(columns))
	for i, col := range columns {
		if !layout.ValidName(col.Name) {
			return faults.InvalidArgument.New("invalid column name %q", col.Name)
		}
		canonical, err := NormalizeType(col.Type)
		if err != nil {
			return err
		}
		normalized[i] = registry.Column{Name: col.Name, Type: canonical, Nullable: col.Nullable, Default: col.Default}
	}
	for _, key := range primaryKey {
		if findColumn(normalized, key) < 0 {
			return faults.InvalidArgument.New("primary key column %q not in schema", key)
		}
	}

	return e.locks.WithLock(ctx, e.lockKey(project, branchID, ref), func(ctx context.Context) error {
		loc, err := e.resolver.Resolve(ctx, project, branchID, ref, branch.IntentCreate)
		if err != nil {
			return err
		}
		if fileExists(loc.Path) {
			return faults.Conflict.New("table %q already exists", ref.Name)
		}
		if err := os.MkdirAll(filepath.Dir(loc.Path), 0700); err != nil {
			return faults.IOFailure.Wrap(err)
		}

		if err := e.createTableFile(ctx, loc.Path, ref.Name, normalized, primaryKey); err != nil {
			_ = os.Remove(loc.Path)
			return err
		}

		// Record registry state; on failure delete the file so the
		// operation leaves no trace.
		if branchID == "" || branchID == layout.DefaultBranch {
			err = e.db.Tables().Create(ctx, registry.Table{
				ProjectID:  project,
				Ref:        ref,
				Columns:    normalized,
				PrimaryKey: primaryKey,
				CreatedAt:  time.Now(),
			})
		} else {
			err = e.resolver.RecordBranchTable(ctx, project, branchID, ref, registry.SourceBranchOnly)
		}
		if err != nil {
			_ = os.Remove(loc.Path)
			return err
		}
		return nil
	})
}

func (e *Engine) createTableFile(ctx context.Context, path, tableName string, columns []registry.Column, primaryKey []string) error {
	db, err := e.open(ctx, path, false)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	_, err = db.ExecContext(ctx, buildCreateTable(tableName, columns, primaryKey))
	return Error.Wrap(err)
}

// CreateTableSQL builds the DDL for a table with the given schema. Used here
// and by snapshot restore.
func CreateTableSQL(tableName string, columns []registry.Column, primaryKey []string) string {
	return buildCreateTable(tableName, columns, primaryKey)
}

func buildCreateTable(tableName string, columns []registry.Column, primaryKey []string) string {
	var defs []string
	for _, col := range columns {
		def := quoteIdent(col.Name) + " " + col.Type
		if !col.Nullable {
			def += " NOT NULL"
		}
		if col.Default != "" {
			def += " DEFAULT " + quoteLiteral(col.Default)
		}
		defs = append(defs, def)
	}
	if len(primaryKey) > 0 {
		quoted := make([]string, len(primaryKey))
		for i, key := range primaryKey {
			quoted[i] = quoteIdent(key)
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(quoted, ", ")+")")
	}
	return "CREATE TABLE " + quoteIdent(tableName) + " (" + strings.Join(defs, ", ") + ")"
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// DropTable removes the table file; an auto snapshot is taken first when the
// drop_table trigger is enabled.
func (e *Engine) DropTable(ctx context.Context, project, branchID string, ref registry.TableRef) (err error) {
	defer mon.Task()(&ctx)(&err)

	return e.locks.WithLock(ctx, e.lockKey(project, branchID, ref), func(ctx context.Context) error {
		loc, err := e.resolver.Resolve(ctx, project, branchID, ref, branch.IntentDrop)
		if err != nil {
			return err
		}
		if !fileExists(loc.Path) {
			return faults.NotFound.New("table %q", ref.Name)
		}

		if e.snapshots != nil && isDefaultBranch(branchID) {
			if _, err := e.snapshots.MaybeAutoSnapshot(ctx, project, branchID, ref, TriggerDropTable); err != nil {
				return err
			}
		}

		if err := os.Remove(loc.Path); err != nil {
			return faults.IOFailure.Wrap(err)
		}
		if isDefaultBranch(branchID) {
			if err := e.db.Tables().Delete(ctx, project, ref); err != nil && !faults.NotFound.Has(err) {
				return err
			}
		} else {
			if err := e.db.Branches().DeleteTable(ctx, project, branchID, ref); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteRows removes rows matching the predicate. A match-all predicate with
// an active truncate trigger snapshots the table first.
func (e *Engine) DeleteRows(ctx context.Context, project, branchID string, ref registry.TableRef, predicate string) (deleted int64, err error) {
	defer mon.Task()(&ctx)(&err)

	matchAll := IsMatchAllPredicate(predicate)

	err = e.locks.WithLock(ctx, e.lockKey(project, branchID, ref), func(ctx context.Context) error {
		loc, err := e.resolver.Resolve(ctx, project, branchID, ref, branch.IntentWrite)
		if err != nil {
			return err
		}

		if matchAll && e.snapshots != nil && isDefaultBranch(branchID) {
			if _, err := e.snapshots.MaybeAutoSnapshot(ctx, project, branchID, ref,
				TriggerTruncate, TriggerTruncateTable, TriggerDeleteAllRows); err != nil {
				return err
			}
		}

		db, err := e.open(ctx, loc.Path, false)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		query := "DELETE FROM " + quoteIdent(ref.Name)
		if !matchAll && strings.TrimSpace(predicate) != "" {
			query += " WHERE " + predicate
		}
		res, err := db.ExecContext(ctx, query)
		if err != nil {
			return faults.InvalidArgument.New("delete predicate failed: %v", err)
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return Error.Wrap(err)
		}
		return e.refreshStats(ctx, project, branchID, ref, db, loc.Path)
	})
	return deleted, err
}

// IsMatchAllPredicate normalises the predicate and reports whether it matches
// every row: empty, "true", or "1=1" after lower-casing and whitespace
// stripping.
func IsMatchAllPredicate(predicate string) bool {
	normalized := strings.ToLower(strings.Join(strings.Fields(predicate), ""))
	switch normalized {
	case "", "true", "1=1", "(1=1)", "(true)":
		return true
	}
	return false
}

// LoadRows inserts rows into the table. With upsert set and a declared
// primary key, rows matching an existing key replace it.
func (e *Engine) LoadRows(ctx context.Context, project, branchID string, ref registry.TableRef, columns []string, rows [][]interface{}, upsert bool) (loaded int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(columns) == 0 || len(rows) == 0 {
		return 0, faults.InvalidArgument.New("no rows to load")
	}

	err = e.locks.WithLock(ctx, e.lockKey(project, branchID, ref), func(ctx context.Context) error {
		loc, err := e.resolver.Resolve(ctx, project, branchID, ref, branch.IntentWrite)
		if err != nil {
			return err
		}
		db, err := e.open(ctx, loc.Path, false)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		_, pk, err := e.schemaOf(ctx, db, ref.Name)
		if err != nil {
			return err
		}
		if upsert && len(pk) == 0 {
			return faults.FailedPrecondition.New("table %q has no primary key", ref.Name)
		}

		quoted := make([]string, len(columns))
		for i, col := range columns {
			quoted[i] = quoteIdent(col)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",")
		query := "INSERT INTO " + quoteIdent(ref.Name) +
			" (" + strings.Join(quoted, ", ") + ") VALUES (" + placeholders + ")"
		if upsert {
			query = "INSERT OR REPLACE INTO " + quoteIdent(ref.Name) +
				" (" + strings.Join(quoted, ", ") + ") VALUES (" + placeholders + ")"
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return Error.Wrap(err)
		}
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return Error.Wrap(errs.Combine(err, tx.Rollback()))
		}
		for _, row := range rows {
			if len(row) != len(columns) {
				return faults.InvalidArgument.New("row has %d values, want %d",
					len(row), len(columns))
			}
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				if isConstraintErr(err) {
					return faults.Conflict.Wrap(errs.Combine(err, tx.Rollback()))
				}
				return Error.Wrap(errs.Combine(err, tx.Rollback()))
			}
			loaded++
		}
		if err := errs.Combine(stmt.Close(), tx.Commit()); err != nil {
			return Error.Wrap(err)
		}
		return e.refreshStats(ctx, project, branchID, ref, db, loc.Path)
	})
	return loaded, err
}

// Stats returns the current row count and file size of a table.
func (e *Engine) Stats(ctx context.Context, project, branchID string, ref registry.TableRef) (rowCount, sizeBytes int64, err error) {
	defer mon.Task()(&ctx)(&err)

	loc, err := e.resolver.Resolve(ctx, project, branchID, ref, branch.IntentRead)
	if err != nil {
		return 0, 0, err
	}
	db, err := e.open(ctx, loc.Path, true)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = db.Close() }()

	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(ref.Name)).Scan(&rowCount); err != nil {
		return 0, 0, Error.Wrap(err)
	}
	info, err := os.Stat(loc.Path)
	if err != nil {
		return 0, 0, faults.IOFailure.Wrap(err)
	}
	return rowCount, info.Size(), nil
}

// refreshStats updates the registry's cached row count and size for
// main-branch tables.
func (e *Engine) refreshStats(ctx context.Context, project, branchID string, ref registry.TableRef, db *sql.DB, path string) error {
	if !isDefaultBranch(branchID) {
		return nil
	}
	var rowCount int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(ref.Name)).Scan(&rowCount); err != nil {
		return Error.Wrap(err)
	}
	var sizeBytes int64
	if info, err := os.Stat(path); err == nil {
		sizeBytes = info.Size()
	}
	return e.db.Tables().UpdateStats(ctx, project, ref, rowCount, sizeBytes)
}

// schemaOf reads the live schema out of an open table file.
func (e *Engine) schemaOf(ctx context.Context, db *sql.DB, tableName string) (columns []registry.Column, primaryKey []string, err error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(tableName)+")")
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	type pkCol struct {
		name string
		ord  int
	}
	var pkCols []pkCol
	for rows.Next() {
		var cid, notNull, pkOrd int
		var name, typ string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pkOrd); err != nil {
			return nil, nil, Error.Wrap(err)
		}
		col := registry.Column{Name: name, Type: strings.ToUpper(typ), Nullable: notNull == 0}
		if dflt.Valid {
			col.Default = strings.Trim(dflt.String, "'")
		}
		columns = append(columns, col)
		if pkOrd > 0 {
			pkCols = append(pkCols, pkCol{name: name, ord: pkOrd})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, Error.Wrap(err)
	}
	for ord := 1; ord <= len(pkCols); ord++ {
		for _, pc := range pkCols {
			if pc.ord == ord {
				primaryKey = append(primaryKey, pc.name)
			}
		}
	}
	if len(columns) == 0 {
		return nil, nil, faults.NotFound.New("table %q", tableName)
	}
	return columns, primaryKey, nil
}

// Schema returns the live schema of a table.
func (e *Engine) Schema(ctx context.Context, project, branchID string, ref registry.TableRef) (columns []registry.Column, primaryKey []string, err error) {
	defer mon.Task()(&ctx)(&err)

	loc, err := e.resolver.Resolve(ctx, project, branchID, ref, branch.IntentRead)
	if err != nil {
		return nil, nil, err
	}
	db, err := e.open(ctx, loc.Path, true)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = db.Close() }()
	return e.schemaOf(ctx, db, ref.Name)
}

func findColumn(columns []registry.Column, name string) int {
	for i, col := range columns {
		if col.Name == name {
			return i
		}
	}
	return -1
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func isDefaultBranch(branchID string) bool {
	return branchID == "" || branchID == layout.DefaultBranch
}

func isConstraintErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "constraint")
}
