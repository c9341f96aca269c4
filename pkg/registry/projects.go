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

// Project is a tenant owning a directory tree of buckets and tables.
type Project struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

type projectsDB struct {
	parent *DB
}

// Create inserts a new project row.
func (db *projectsDB) Create(ctx context.Context, project Project) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	_, err = db.parent.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, description, created_at) VALUES (?, ?, ?, ?)`,
		project.ID, project.Name, project.Description, project.CreatedAt.UTC())
	if isConstraint(err) {
		return faults.Conflict.New("project %q already exists", project.ID)
	}
	return Error.Wrap(err)
}

// Get returns a project by id.
func (db *projectsDB) Get(ctx context.Context, id string) (_ Project, err error) {
	defer mon.Task()(&ctx)(&err)

	var project Project
	err = db.parent.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM projects WHERE id = ?`, id).
		Scan(&project.ID, &project.Name, &project.Description, &project.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, faults.NotFound.New("project %q", id)
	}
	return project, Error.Wrap(err)
}

// List returns all projects ordered by creation time.
func (db *projectsDB) List(ctx context.Context) (_ []Project, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.parent.db.QueryContext(ctx,
		`SELECT id, name, description, created_at FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var projects []Project
	for rows.Next() {
		var project Project
		if err := rows.Scan(&project.ID, &project.Name, &project.Description, &project.CreatedAt); err != nil {
			return nil, Error.Wrap(err)
		}
		projects = append(projects, project)
	}
	return projects, Error.Wrap(rows.Err())
}

// Delete removes the project row and cascades to every dependent registry row.
// Filesystem cleanup is the caller's concern.
func (db *projectsDB) Delete(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.parent.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
		if err != nil {
			return Error.Wrap(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return Error.Wrap(err)
		}
		if affected == 0 {
			return faults.NotFound.New("project %q", id)
		}

		single := []string{
			`DELETE FROM api_keys WHERE project_id = ?`,
			`DELETE FROM buckets WHERE project_id = ?`,
			`DELETE FROM tables WHERE project_id = ?`,
			`DELETE FROM branches WHERE project_id = ?`,
			`DELETE FROM branch_tables WHERE project_id = ?`,
			`DELETE FROM snapshots WHERE project_id = ?`,
			`DELETE FROM files WHERE project_id = ?`,
			`DELETE FROM staged_uploads WHERE project_id = ?`,
			`DELETE FROM workspace_credentials WHERE workspace_id IN (SELECT id FROM workspaces WHERE project_id = ?)`,
			`DELETE FROM pg_sessions WHERE workspace_id IN (SELECT id FROM workspaces WHERE project_id = ?)`,
			`DELETE FROM workspaces WHERE project_id = ?`,
		}
		for _, query := range single {
			if _, err := tx.ExecContext(ctx, query, id); err != nil {
				return Error.Wrap(err)
			}
		}
		double := []string{
			`DELETE FROM shares WHERE src_project = ? OR target_project = ?`,
			`DELETE FROM links WHERE target_project = ? OR src_project = ?`,
			`DELETE FROM snapshot_settings WHERE scope != 'system' AND (scope_key = ? OR scope_key LIKE ? || '/%')`,
		}
		for _, query := range double {
			if _, err := tx.ExecContext(ctx, query, id, id); err != nil {
				return Error.Wrap(err)
			}
		}
		return nil
	})
}
