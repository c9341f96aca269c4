// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/tablehouse/tablehouse/internal/codec"
	"github.com/tablehouse/tablehouse/internal/dbutil"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/layout"
	"github.com/tablehouse/tablehouse/pkg/locks"
	"github.com/tablehouse/tablehouse/pkg/registry"
	"github.com/tablehouse/tablehouse/pkg/tableengine"
)

// restoreBatchSize rows per insert transaction during restore.
const restoreBatchSize = 1000

// Restore rebuilds the table from the artifact and atomically swaps it in
// place of the current file. The registry row is recreated when the table was
// dropped since the snapshot was taken.
func (e *Engine) Restore(ctx context.Context, project, snapshotID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	snapshot, err := e.db.Snapshots().Get(ctx, snapshotID)
	if err != nil {
		return err
	}
	if snapshot.ProjectID != project {
		return faults.NotFound.New("snapshot %q", snapshotID)
	}

	meta, err := e.readMetadata(snapshot.ArtifactPath)
	if err != nil {
		return err
	}
	codecName, err := codec.Parse(meta.Codec)
	if err != nil {
		return faults.FailedPrecondition.New("artifact %q: %v", snapshot.ArtifactPath, err)
	}

	ref := snapshot.Table
	key := locks.Key{Project: project, Branch: layout.DefaultBranch, Table: ref}
	return e.locks.WithLock(ctx, key, func(ctx context.Context) error {
		dst := e.paths.TablePath(project, layout.DefaultBranch, ref.Bucket.Stage, ref.Bucket.Name, ref.Name)
		if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
			return faults.IOFailure.Wrap(err)
		}

		staged := dst + ".restore"
		if err := e.rebuildFromArtifact(ctx, snapshot.ArtifactPath, codecName, meta, staged); err != nil {
			_ = os.Remove(staged)
			return err
		}
		if err := os.Rename(staged, dst); err != nil {
			_ = os.Remove(staged)
			return faults.IOFailure.Wrap(err)
		}

		if err := e.syncRegistry(ctx, project, ref, meta, dst); err != nil {
			return err
		}
		e.log.Info("snapshot restored",
			zap.String("project", project),
			zap.String("table", ref.Name),
			zap.String("snapshot", snapshotID))
		return nil
	})
}

func (e *Engine) readMetadata(artifactDir string) (Metadata, error) {
	raw, err := os.ReadFile(filepath.Join(artifactDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, faults.FailedPrecondition.New("artifact %q is missing its metadata", artifactDir)
		}
		return Metadata{}, faults.IOFailure.Wrap(err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, faults.FailedPrecondition.New("artifact %q metadata is corrupt: %v", artifactDir, err)
	}
	return meta, nil
}

// rebuildFromArtifact creates a fresh table file at staged and loads the
// artifact rows into it. The compressed stream is hashed while reading and
// the checksum must match the metadata.
func (e *Engine) rebuildFromArtifact(ctx context.Context, artifactDir string, codecName codec.Name, meta Metadata, staged string) (err error) {
	dataPath := filepath.Join(artifactDir, "data."+codecName.Ext())
	f, err := os.Open(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return faults.FailedPrecondition.New("artifact %q is missing its data file", artifactDir)
		}
		return faults.IOFailure.Wrap(err)
	}
	defer func() { err = errs.Combine(err, faults.IOFailure.Wrap(f.Close())) }()

	hasher := sha256.New()
	decompressed, err := codecName.NewReader(io.TeeReader(f, hasher))
	if err != nil {
		return faults.FailedPrecondition.New("artifact %q data is corrupt: %v", artifactDir, err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(decompressed.Close())) }()

	db, err := dbutil.OpenSQLite(ctx, staged, dbutil.DefaultOptions())
	if err != nil {
		return faults.IOFailure.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(db.Close())) }()

	if _, err := db.ExecContext(ctx, tableengine.CreateTableSQL(meta.Table, meta.Columns, meta.PrimaryKey)); err != nil {
		return Error.Wrap(err)
	}

	names := make([]string, len(meta.Columns))
	marks := make([]string, len(meta.Columns))
	for i, col := range meta.Columns {
		names[i] = quoteIdent(col.Name)
		marks[i] = "?"
	}
	insert := "INSERT INTO " + quoteIdent(meta.Table) +
		" (" + strings.Join(names, ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")"

	cr := csv.NewReader(decompressed)
	cr.FieldsPerRecord = len(meta.Columns)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return errs.Combine(Error.Wrap(err), tx.Rollback())
	}

	var loaded int64
	inBatch := 0
	for {
		record, readErr := cr.Read()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return errs.Combine(
				faults.FailedPrecondition.New("artifact %q data is corrupt: %v", artifactDir, readErr),
				tx.Rollback())
		}
		args := make([]any, len(record))
		for i, cell := range record {
			if cell == "" && meta.Columns[i].Type != tableengine.TypeText {
				args[i] = nil
			} else {
				args[i] = cell
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return errs.Combine(Error.Wrap(err), tx.Rollback())
		}
		loaded++
		inBatch++
		if inBatch >= restoreBatchSize {
			if err := tx.Commit(); err != nil {
				return Error.Wrap(err)
			}
			tx, err = db.BeginTx(ctx, nil)
			if err != nil {
				return Error.Wrap(err)
			}
			stmt, err = tx.PrepareContext(ctx, insert)
			if err != nil {
				return errs.Combine(Error.Wrap(err), tx.Rollback())
			}
			inBatch = 0
		}
	}
	if err := tx.Commit(); err != nil {
		return Error.Wrap(err)
	}

	// drain trailing compressed bytes so the hash covers the whole file
	if _, err := io.Copy(io.Discard, f); err != nil {
		return faults.IOFailure.Wrap(err)
	}
	checksum := hex.EncodeToString(hasher.Sum(nil))
	if checksum != meta.DataSHA256 {
		return faults.FailedPrecondition.New("artifact %q checksum mismatch", artifactDir)
	}
	if loaded != meta.RowCount {
		return faults.FailedPrecondition.New("artifact %q row count mismatch: have %d, want %d", artifactDir, loaded, meta.RowCount)
	}
	return nil
}

// syncRegistry upserts the restored table's registry row.
func (e *Engine) syncRegistry(ctx context.Context, project string, ref registry.TableRef, meta Metadata, path string) error {
	var sizeBytes int64
	if info, err := os.Stat(path); err == nil {
		sizeBytes = info.Size()
	}

	_, err := e.db.Tables().Get(ctx, project, ref)
	switch {
	case err == nil:
		if err := e.db.Tables().UpdateSchema(ctx, project, ref, meta.Columns, meta.PrimaryKey); err != nil {
			return err
		}
	case faults.NotFound.Has(err):
		err := e.db.Tables().Create(ctx, registry.Table{
			ProjectID:  project,
			Ref:        ref,
			Columns:    meta.Columns,
			PrimaryKey: meta.PrimaryKey,
			CreatedAt:  time.Now().UTC(),
		})
		if err != nil {
			return err
		}
	default:
		return err
	}
	return e.db.Tables().UpdateStats(ctx, project, ref, meta.RowCount, sizeBytes)
}
