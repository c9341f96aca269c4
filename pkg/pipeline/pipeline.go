// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Package pipeline implements the three-stage table import
// (STAGING, TRANSFORM, CLEANUP) and table export.
package pipeline

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/tablehouse/tablehouse/internal/dbutil"
	"github.com/tablehouse/tablehouse/pkg/branch"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/layout"
	"github.com/tablehouse/tablehouse/pkg/locks"
	"github.com/tablehouse/tablehouse/pkg/registry"
	"github.com/tablehouse/tablehouse/pkg/tableengine"
)

var (
	mon = monkit.Package()

	// Error is the default pipeline error class.
	Error = errs.Class("pipeline")

	importedRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablehouse_import_rows_total",
		Help: "Rows written to destination tables by the import pipeline.",
	})
)

// Duplicate strategies for incremental imports.
const (
	UpdateDuplicates = "update_duplicates"
	InsertDuplicates = "insert_duplicates"
	FailOnDuplicates = "fail_on_duplicates"
)

// FileResolver resolves a registered file id to its local path.
type FileResolver interface {
	LocalPath(ctx context.Context, projectID, fileID string) (string, error)
}

// Source identifies where the import reads from. Exactly one field is set.
type Source struct {
	// FileID references a file registered in the files store.
	FileID string
	// URL is an http(s) location, or an internal S3 path
	// (bucket project_<id>) which is translated to a local read to avoid
	// calling back into our own S3 surface.
	URL string
}

// Options controls the TRANSFORM stage.
type Options struct {
	// Incremental false means full: truncate destination then insert.
	Incremental bool
	// Duplicates is the incremental strategy; defaults to update_duplicates.
	Duplicates string
	// Delimiter for the CSV source; defaults to comma.
	Delimiter rune
}

// Result reports what the import did.
type Result struct {
	ImportedRows   int64    `json:"imported_rows"`
	TableRowsTotal int64    `json:"table_rows_total"`
	TableSizeBytes int64    `json:"table_size_bytes"`
	Columns        []string `json:"columns"`
}

// Pipeline runs imports and exports against table files.
type Pipeline struct {
	log    *zap.Logger
	db     *registry.DB
	paths  *layout.Layout
	locks  *locks.Manager
	engine *tableengine.Engine
	files  FileResolver
	client *http.Client

	snapshots tableengine.AutoSnapshotter
}

// New creates a pipeline. files may be nil when file-id sources are disabled.
func New(log *zap.Logger, db *registry.DB, paths *layout.Layout, lockMgr *locks.Manager, engine *tableengine.Engine, files FileResolver) *Pipeline {
	return &Pipeline{
		log:    log,
		db:     db,
		paths:  paths,
		locks:  lockMgr,
		engine: engine,
		files:  files,
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

// SetAutoSnapshotter wires the snapshot engine in after construction.
func (p *Pipeline) SetAutoSnapshotter(s tableengine.AutoSnapshotter) { p.snapshots = s }

// Import copies rows from the source into the destination table.
func (p *Pipeline) Import(ctx context.Context, project, branchID string, ref registry.TableRef, src Source, opts Options) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if opts.Incremental && opts.Duplicates == "" {
		opts.Duplicates = UpdateDuplicates
	}
	if opts.Incremental {
		switch opts.Duplicates {
		case UpdateDuplicates, InsertDuplicates, FailOnDuplicates:
		default:
			return nil, faults.InvalidArgument.New("unknown duplicate strategy %q", opts.Duplicates)
		}
	}

	columns, primaryKey, err := p.engine.Schema(ctx, project, branchID, ref)
	if err != nil {
		return nil, err
	}
	if opts.Incremental && opts.Duplicates != InsertDuplicates && len(primaryKey) == 0 {
		return nil, faults.FailedPrecondition.New("%s requires a primary key on %q", opts.Duplicates, ref.Name)
	}

	dataColumns := make([]registry.Column, 0, len(columns))
	systemColumns := make([]registry.Column, 0, 1)
	for _, col := range columns {
		if tableengine.IsSystemColumn(col.Name) {
			systemColumns = append(systemColumns, col)
		} else {
			dataColumns = append(dataColumns, col)
		}
	}

	// STAGING
	stagingPath := p.paths.StagingFile(uuid.NewString())
	if err := os.MkdirAll(filepath.Dir(stagingPath), 0700); err != nil {
		return nil, faults.IOFailure.Wrap(err)
	}
	defer func() {
		// CLEANUP runs on success and failure alike.
		if removeErr := os.Remove(stagingPath); removeErr != nil && !os.IsNotExist(removeErr) {
			p.log.Warn("staging file not removed", zap.String("path", stagingPath), zap.Error(removeErr))
		}
	}()

	staged, usedColumns, err := p.stage(ctx, project, stagingPath, src, dataColumns, opts.Delimiter)
	if err != nil {
		return nil, err
	}
	p.log.Debug("staging complete",
		zap.String("table", ref.Name), zap.Int64("staged_rows", staged))

	// TRANSFORM
	result := &Result{Columns: usedColumns}
	key := locks.Key{Project: project, Branch: branchID, Table: ref}
	err = p.locks.WithLock(ctx, key, func(ctx context.Context) error {
		loc, err := p.engine.Resolver().Resolve(ctx, project, branchID, ref, branch.IntentWrite)
		if err != nil {
			return err
		}
		return p.transform(ctx, project, branchID, ref, loc.Path, stagingPath, usedColumns, systemColumns, opts, result)
	})
	if err != nil {
		return nil, err
	}

	importedRows.Add(float64(result.ImportedRows))
	p.log.Info("import complete",
		zap.String("project", project),
		zap.String("branch", branchID),
		zap.String("table", ref.Name),
		zap.Int64("imported_rows", result.ImportedRows))
	return result, nil
}

// transform applies the staged rows to the destination. Caller holds the
// table lock.
func (p *Pipeline) transform(ctx context.Context, project, branchID string, ref registry.TableRef, destPath, stagingPath string, usedColumns []string, systemColumns []registry.Column, opts Options, result *Result) (err error) {
	defer mon.Task()(&ctx)(&err)

	db, err := dbutil.OpenSQLite(ctx, destPath, dbutil.DefaultOptions())
	if err != nil {
		return faults.IOFailure.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(db.Close())) }()

	if _, err := db.ExecContext(ctx, "ATTACH DATABASE ? AS staging", stagingPath); err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		_, detachErr := db.ExecContext(ctx, "DETACH DATABASE staging")
		err = errs.Combine(err, Error.Wrap(detachErr))
	}()

	destCols := make([]string, 0, len(usedColumns)+len(systemColumns))
	selectExprs := make([]string, 0, cap(destCols))
	var args []any
	for _, name := range usedColumns {
		destCols = append(destCols, quoteIdent(name))
		selectExprs = append(selectExprs, quoteIdent(name))
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, col := range systemColumns {
		// system column values never come from the source
		destCols = append(destCols, quoteIdent(col.Name))
		selectExprs = append(selectExprs, "?")
		args = append(args, now)
	}

	verb := "INSERT"
	if opts.Incremental && opts.Duplicates == UpdateDuplicates {
		verb = "INSERT OR REPLACE"
	}
	insert := verb + " INTO main." + quoteIdent(ref.Name) +
		" (" + strings.Join(destCols, ", ") + ") SELECT " + strings.Join(selectExprs, ", ") +
		" FROM staging.rows ORDER BY rowid"

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	commit := false
	defer func() {
		if !commit {
			err = errs.Combine(err, tx.Rollback())
		}
	}()

	if !opts.Incremental {
		var existing int64
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM main."+quoteIdent(ref.Name)).Scan(&existing); err != nil {
			return Error.Wrap(err)
		}
		if existing > 0 && p.snapshots != nil && branchID == layout.DefaultBranch {
			if _, err := p.snapshots.MaybeAutoSnapshot(ctx, project, branchID, ref,
				tableengine.TriggerTruncate, tableengine.TriggerTruncateTable); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM main."+quoteIdent(ref.Name)); err != nil {
			return Error.Wrap(err)
		}
	}

	res, err := tx.ExecContext(ctx, insert, args...)
	if err != nil {
		if isConstraintErr(err) {
			return faults.Conflict.New("staged rows violate the primary key: %v", err)
		}
		return Error.Wrap(err)
	}
	result.ImportedRows, _ = res.RowsAffected()

	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM main."+quoteIdent(ref.Name)).Scan(&result.TableRowsTotal); err != nil {
		return Error.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return Error.Wrap(err)
	}
	commit = true

	if info, statErr := os.Stat(destPath); statErr == nil {
		result.TableSizeBytes = info.Size()
	}
	if branchID == layout.DefaultBranch {
		if err := p.db.Tables().UpdateStats(ctx, project, ref, result.TableRowsTotal, result.TableSizeBytes); err != nil {
			return err
		}
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func isConstraintErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "constraint")
}
