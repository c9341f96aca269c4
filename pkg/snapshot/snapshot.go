// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Package snapshot dumps tables into compressed columnar artifacts, restores
// them, auto-triggers on destructive operations per the hierarchical
// configuration, and expires old artifacts.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
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

	"github.com/tablehouse/tablehouse/internal/codec"
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

	// Error is the default snapshot error class.
	Error = errs.Class("snapshot")

	autoSnapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tablehouse_auto_snapshots_total",
		Help: "Auto snapshots taken, by trigger.",
	}, []string{"trigger"})
)

// Metadata is the artifact's metadata.json.
type Metadata struct {
	ID         string            `json:"id"`
	ProjectID  string            `json:"project_id"`
	Bucket     string            `json:"bucket"`
	Table      string            `json:"table"`
	Kind       string            `json:"kind"`
	Trigger    string            `json:"trigger"`
	CreatedAt  time.Time         `json:"created_at"`
	Codec      string            `json:"codec"`
	RowCount   int64             `json:"row_count"`
	DataSHA256 string            `json:"data_sha256"`
	Columns    []registry.Column `json:"columns"`
	PrimaryKey []string          `json:"primary_key,omitempty"`
}

// Engine creates, restores, and expires snapshots.
type Engine struct {
	log    *zap.Logger
	db     *registry.DB
	paths  *layout.Layout
	locks  *locks.Manager
	tables *tableengine.Engine
	codec  codec.Name
}

// NewEngine creates the snapshot engine.
func NewEngine(log *zap.Logger, db *registry.DB, paths *layout.Layout, lockMgr *locks.Manager, tables *tableengine.Engine, codecName codec.Name) *Engine {
	if codecName == "" {
		codecName = codec.Default
	}
	return &Engine{log: log, db: db, paths: paths, locks: lockMgr, tables: tables, codec: codecName}
}

// Create takes a manual snapshot. It acquires the table lock itself.
func (e *Engine) Create(ctx context.Context, project string, ref registry.TableRef) (_ registry.Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	config, err := ResolveConfig(ctx, e.db, project, ref)
	if err != nil {
		return registry.Snapshot{}, err
	}

	var snapshot registry.Snapshot
	key := locks.Key{Project: project, Branch: layout.DefaultBranch, Table: ref}
	err = e.locks.WithLock(ctx, key, func(ctx context.Context) error {
		snapshot, err = e.createLocked(ctx, project, ref, registry.SnapshotManual, "manual",
			time.Duration(config.ManualRetentionDays)*24*time.Hour)
		return err
	})
	return snapshot, err
}

// MaybeAutoSnapshot takes an auto snapshot if any of the named triggers is
// enabled for the table. Called with the table lock already held, on the
// default branch only.
func (e *Engine) MaybeAutoSnapshot(ctx context.Context, project, branchID string, ref registry.TableRef, triggers ...string) (taken bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if branchID != "" && branchID != layout.DefaultBranch {
		return false, nil
	}
	config, err := ResolveConfig(ctx, e.db, project, ref)
	if err != nil {
		return false, err
	}
	trigger, enabled := config.Enabled(triggers...)
	if !enabled {
		return false, nil
	}

	_, err = e.createLocked(ctx, project, ref, registry.SnapshotAuto, trigger,
		time.Duration(config.AutoRetentionDays)*24*time.Hour)
	if err != nil {
		return false, err
	}
	autoSnapshots.WithLabelValues(trigger).Inc()
	e.log.Info("auto snapshot",
		zap.String("project", project),
		zap.String("table", ref.Name),
		zap.String("trigger", trigger))
	return true, nil
}

// createLocked writes the artifact and inserts the registry row. Caller holds
// the table lock.
func (e *Engine) createLocked(ctx context.Context, project string, ref registry.TableRef, kind, trigger string, retention time.Duration) (_ registry.Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	loc, err := e.tables.Resolver().Resolve(ctx, project, layout.DefaultBranch, ref, branch.IntentRead)
	if err != nil {
		return registry.Snapshot{}, err
	}
	columns, primaryKey, err := e.tables.Schema(ctx, project, layout.DefaultBranch, ref)
	if err != nil {
		return registry.Snapshot{}, err
	}

	createdAt := time.Now().UTC()
	dir := e.paths.SnapshotDir(project, ref.Name, createdAt)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return registry.Snapshot{}, faults.IOFailure.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	dataPath := filepath.Join(dir, "data."+e.codec.Ext())
	rowCount, checksum, err := e.dumpTable(ctx, loc.Path, ref.Name, columns, dataPath)
	if err != nil {
		return registry.Snapshot{}, err
	}

	meta := Metadata{
		ID:         uuid.NewString(),
		ProjectID:  project,
		Bucket:     ref.Bucket.Display(),
		Table:      ref.Name,
		Kind:       kind,
		Trigger:    trigger,
		CreatedAt:  createdAt,
		Codec:      string(e.codec),
		RowCount:   rowCount,
		DataSHA256: checksum,
		Columns:    columns,
		PrimaryKey: primaryKey,
	}
	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return registry.Snapshot{}, Error.Wrap(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), encoded, 0600); err != nil {
		return registry.Snapshot{}, faults.IOFailure.Wrap(err)
	}

	var sizeBytes int64
	if info, statErr := os.Stat(dataPath); statErr == nil {
		sizeBytes = info.Size()
	}
	snapshot := registry.Snapshot{
		ID:           meta.ID,
		ProjectID:    project,
		Table:        ref,
		Kind:         kind,
		Trigger:      trigger,
		CreatedAt:    createdAt,
		ExpiresAt:    createdAt.Add(retention),
		RowCount:     rowCount,
		SizeBytes:    sizeBytes,
		ArtifactPath: dir,
	}
	if err := e.db.Snapshots().Create(ctx, snapshot); err != nil {
		return registry.Snapshot{}, err
	}
	return snapshot, nil
}

// dumpTable writes all rows as compressed CSV and returns the row count and
// the sha256 of the compressed bytes.
func (e *Engine) dumpTable(ctx context.Context, tablePath, tableName string, columns []registry.Column, dataPath string) (rowCount int64, checksum string, err error) {
	db, err := dbutil.OpenSQLite(ctx, tablePath, dbutil.ReadOptions())
	if err != nil {
		return 0, "", faults.IOFailure.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(db.Close())) }()

	f, err := os.OpenFile(dataPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, "", faults.IOFailure.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			return
		}
		err = faults.IOFailure.Wrap(f.Close())
	}()

	hasher := sha256.New()
	compressed, err := e.codec.NewWriter(io.MultiWriter(f, hasher))
	if err != nil {
		return 0, "", err
	}

	names := make([]string, len(columns))
	for i, col := range columns {
		names[i] = quoteIdent(col.Name)
	}
	rows, err := db.QueryContext(ctx,
		"SELECT "+strings.Join(names, ", ")+" FROM "+quoteIdent(tableName)+" ORDER BY rowid")
	if err != nil {
		return 0, "", errs.Combine(Error.Wrap(err), compressed.Close())
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	cw := csv.NewWriter(compressed)
	record := make([]string, len(columns))
	values := make([]any, len(columns))
	scans := make([]any, len(columns))
	for i := range values {
		scans[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(scans...); err != nil {
			return 0, "", errs.Combine(Error.Wrap(err), compressed.Close())
		}
		for i, v := range values {
			record[i] = renderCell(v)
		}
		if err := cw.Write(record); err != nil {
			return 0, "", errs.Combine(faults.IOFailure.Wrap(err), compressed.Close())
		}
		rowCount++
	}
	if err := rows.Err(); err != nil {
		return 0, "", errs.Combine(Error.Wrap(err), compressed.Close())
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, "", errs.Combine(faults.IOFailure.Wrap(err), compressed.Close())
	}
	if err := compressed.Close(); err != nil {
		return 0, "", faults.IOFailure.Wrap(err)
	}
	return rowCount, hex.EncodeToString(hasher.Sum(nil)), nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func renderCell(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(value)
	case string:
		return value
	default:
		return fmt.Sprint(value)
	}
}
