// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package registry

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"github.com/tablehouse/tablehouse/pkg/faults"
)

// Snapshot kinds.
const (
	SnapshotManual = "manual"
	SnapshotAuto   = "auto"
)

// Snapshot is the registry row of one table snapshot artifact.
type Snapshot struct {
	ID           string
	ProjectID    string
	Table        TableRef
	Kind         string
	Trigger      string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	RowCount     int64
	SizeBytes    int64
	ArtifactPath string
}

type snapshotsDB struct {
	parent *DB
}

// Create inserts a snapshot row.
func (db *snapshotsDB) Create(ctx context.Context, snapshot Snapshot) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	_, err = db.parent.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, project_id, bucket_stage, bucket_name, table_name, kind, trigger_name,
			created_at, expires_at, row_count, size_bytes, artifact_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snapshot.ID, snapshot.ProjectID,
		snapshot.Table.Bucket.Stage, snapshot.Table.Bucket.Name, snapshot.Table.Name,
		snapshot.Kind, snapshot.Trigger,
		snapshot.CreatedAt.UTC(), snapshot.ExpiresAt.UTC(),
		snapshot.RowCount, snapshot.SizeBytes, snapshot.ArtifactPath)
	if isConstraint(err) {
		return faults.Conflict.New("snapshot %q already exists", snapshot.ID)
	}
	return Error.Wrap(err)
}

const snapshotColumns = `id, project_id, bucket_stage, bucket_name, table_name, kind, trigger_name,
	created_at, expires_at, row_count, size_bytes, artifact_path`

func scanSnapshot(scan func(dest ...interface{}) error) (Snapshot, error) {
	var s Snapshot
	err := scan(&s.ID, &s.ProjectID, &s.Table.Bucket.Stage, &s.Table.Bucket.Name, &s.Table.Name,
		&s.Kind, &s.Trigger, &s.CreatedAt, &s.ExpiresAt, &s.RowCount, &s.SizeBytes, &s.ArtifactPath)
	return s, err
}

// Get returns a snapshot by id.
func (db *snapshotsDB) Get(ctx context.Context, id string) (_ Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.parent.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id)
	snapshot, err := scanSnapshot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, faults.NotFound.New("snapshot %q", id)
	}
	return snapshot, Error.Wrap(err)
}

// List returns a project's snapshots, optionally filtered to one table.
func (db *snapshotsDB) List(ctx context.Context, projectID string, table *TableRef) (_ []Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE project_id = ?`
	args := []interface{}{projectID}
	if table != nil {
		query += ` AND bucket_stage = ? AND bucket_name = ? AND table_name = ?`
		args = append(args, table.Bucket.Stage, table.Bucket.Name, table.Name)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := db.parent.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var snapshots []Snapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, Error.Wrap(rows.Err())
}

// ListExpired returns snapshots whose expiry has passed.
func (db *snapshotsDB) ListExpired(ctx context.Context, now time.Time) (_ []Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.parent.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE expires_at <= ? ORDER BY expires_at`,
		now.UTC())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var snapshots []Snapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, Error.Wrap(rows.Err())
}

// Delete removes a snapshot row.
func (db *snapshotsDB) Delete(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	res, err := db.parent.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return faults.NotFound.New("snapshot %q", id)
	}
	return nil
}
