// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"github.com/tablehouse/tablehouse/pkg/faults"
)

// Column describes one column of a table.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Default  string `json:"default,omitempty"`
}

// Table is the registry row of a main-branch table. The row's schema must
// stay consistent with the engine file's schema.
type Table struct {
	ProjectID  string
	Ref        TableRef
	Columns    []Column
	PrimaryKey []string
	RowCount   int64
	SizeBytes  int64
	CreatedAt  time.Time
}

// HasPrimaryKey reports whether the table declares a primary key.
func (t Table) HasPrimaryKey() bool { return len(t.PrimaryKey) > 0 }

type tablesDB struct {
	parent *DB
}

func marshalColumns(columns []Column, pk []string) (string, string, error) {
	cols, err := json.Marshal(columns)
	if err != nil {
		return "", "", Error.Wrap(err)
	}
	if pk == nil {
		pk = []string{}
	}
	keys, err := json.Marshal(pk)
	if err != nil {
		return "", "", Error.Wrap(err)
	}
	return string(cols), string(keys), nil
}

// Create inserts a table row.
func (db *tablesDB) Create(ctx context.Context, table Table) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	cols, keys, err := marshalColumns(table.Columns, table.PrimaryKey)
	if err != nil {
		return err
	}
	_, err = db.parent.db.ExecContext(ctx,
		`INSERT INTO tables (project_id, bucket_stage, bucket_name, name, columns, primary_key, row_count, size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		table.ProjectID, table.Ref.Bucket.Stage, table.Ref.Bucket.Name, table.Ref.Name,
		cols, keys, table.RowCount, table.SizeBytes, table.CreatedAt.UTC())
	if isConstraint(err) {
		return faults.Conflict.New("table %q already exists", table.Ref.Name)
	}
	return Error.Wrap(err)
}

func scanTable(scan func(dest ...interface{}) error) (Table, error) {
	var table Table
	var cols, keys string
	err := scan(&table.ProjectID, &table.Ref.Bucket.Stage, &table.Ref.Bucket.Name, &table.Ref.Name,
		&cols, &keys, &table.RowCount, &table.SizeBytes, &table.CreatedAt)
	if err != nil {
		return Table{}, err
	}
	if err := json.Unmarshal([]byte(cols), &table.Columns); err != nil {
		return Table{}, Error.Wrap(err)
	}
	if err := json.Unmarshal([]byte(keys), &table.PrimaryKey); err != nil {
		return Table{}, Error.Wrap(err)
	}
	return table, nil
}

const tableColumns = `project_id, bucket_stage, bucket_name, name, columns, primary_key, row_count, size_bytes, created_at`

// Get returns a table row.
func (db *tablesDB) Get(ctx context.Context, projectID string, ref TableRef) (_ Table, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.parent.db.QueryRowContext(ctx,
		`SELECT `+tableColumns+` FROM tables
		 WHERE project_id = ? AND bucket_stage = ? AND bucket_name = ? AND name = ?`,
		projectID, ref.Bucket.Stage, ref.Bucket.Name, ref.Name)
	table, err := scanTable(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Table{}, faults.NotFound.New("table %q", ref.Name)
	}
	return table, Error.Wrap(err)
}

// List returns the tables of a bucket.
func (db *tablesDB) List(ctx context.Context, projectID string, bucket BucketRef) (_ []Table, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.parent.db.QueryContext(ctx,
		`SELECT `+tableColumns+` FROM tables
		 WHERE project_id = ? AND bucket_stage = ? AND bucket_name = ? ORDER BY name`,
		projectID, bucket.Stage, bucket.Name)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var tables []Table
	for rows.Next() {
		table, err := scanTable(rows.Scan)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		tables = append(tables, table)
	}
	return tables, Error.Wrap(rows.Err())
}

// ListByProject returns every table of a project across buckets.
func (db *tablesDB) ListByProject(ctx context.Context, projectID string) (_ []Table, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.parent.db.QueryContext(ctx,
		`SELECT `+tableColumns+` FROM tables
		 WHERE project_id = ? ORDER BY bucket_stage, bucket_name, name`, projectID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var tables []Table
	for rows.Next() {
		table, err := scanTable(rows.Scan)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		tables = append(tables, table)
	}
	return tables, Error.Wrap(rows.Err())
}

// UpdateSchema replaces the stored column list and primary key.
func (db *tablesDB) UpdateSchema(ctx context.Context, projectID string, ref TableRef, columns []Column, primaryKey []string) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	cols, keys, err := marshalColumns(columns, primaryKey)
	if err != nil {
		return err
	}
	res, err := db.parent.db.ExecContext(ctx,
		`UPDATE tables SET columns = ?, primary_key = ?
		 WHERE project_id = ? AND bucket_stage = ? AND bucket_name = ? AND name = ?`,
		cols, keys, projectID, ref.Bucket.Stage, ref.Bucket.Name, ref.Name)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return faults.NotFound.New("table %q", ref.Name)
	}
	return nil
}

// UpdateStats refreshes the cached row count and file size.
func (db *tablesDB) UpdateStats(ctx context.Context, projectID string, ref TableRef, rowCount, sizeBytes int64) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	_, err = db.parent.db.ExecContext(ctx,
		`UPDATE tables SET row_count = ?, size_bytes = ?
		 WHERE project_id = ? AND bucket_stage = ? AND bucket_name = ? AND name = ?`,
		rowCount, sizeBytes, projectID, ref.Bucket.Stage, ref.Bucket.Name, ref.Name)
	return Error.Wrap(err)
}

// Delete removes a table row.
func (db *tablesDB) Delete(ctx context.Context, projectID string, ref TableRef) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	res, err := db.parent.db.ExecContext(ctx,
		`DELETE FROM tables WHERE project_id = ? AND bucket_stage = ? AND bucket_name = ? AND name = ?`,
		projectID, ref.Bucket.Stage, ref.Bucket.Name, ref.Name)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return faults.NotFound.New("table %q", ref.Name)
	}
	return nil
}
