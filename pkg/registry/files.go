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

// File is a registered file in a project's file store.
type File struct {
	ID          string
	ProjectID   string
	Name        string
	SizeBytes   int64
	SHA256      string
	Tags        []string
	StoragePath string
	CreatedAt   time.Time
}

// StagedUpload is a prepared upload awaiting registration. Uploads past
// StagedUntil are reaped by the janitor.
type StagedUpload struct {
	UploadKey   string
	ProjectID   string
	Name        string
	StagingPath string
	StagedUntil time.Time
}

type filesDB struct {
	parent *DB
}

// Create inserts a file row.
func (db *filesDB) Create(ctx context.Context, file File) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	if file.Tags == nil {
		file.Tags = []string{}
	}
	tags, err := json.Marshal(file.Tags)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = db.parent.db.ExecContext(ctx,
		`INSERT INTO files (id, project_id, name, size_bytes, sha256, tags, storage_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		file.ID, file.ProjectID, file.Name, file.SizeBytes, file.SHA256,
		string(tags), file.StoragePath, file.CreatedAt.UTC())
	if isConstraint(err) {
		return faults.Conflict.New("file %q already exists", file.ID)
	}
	return Error.Wrap(err)
}

const fileColumns = `id, project_id, name, size_bytes, sha256, tags, storage_path, created_at`

func scanFile(scan func(dest ...interface{}) error) (File, error) {
	var file File
	var tags string
	err := scan(&file.ID, &file.ProjectID, &file.Name, &file.SizeBytes, &file.SHA256,
		&tags, &file.StoragePath, &file.CreatedAt)
	if err != nil {
		return File{}, err
	}
	if err := json.Unmarshal([]byte(tags), &file.Tags); err != nil {
		return File{}, Error.Wrap(err)
	}
	return file, nil
}

// Get returns a file by id.
func (db *filesDB) Get(ctx context.Context, projectID, id string) (_ File, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.parent.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE project_id = ? AND id = ?`, projectID, id)
	file, err := scanFile(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, faults.NotFound.New("file %q", id)
	}
	return file, Error.Wrap(err)
}

// List returns a project's files, optionally filtered by tag.
func (db *filesDB) List(ctx context.Context, projectID, tag string) (_ []File, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.parent.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE project_id = ? ORDER BY created_at DESC, id`,
		projectID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var files []File
	for rows.Next() {
		file, err := scanFile(rows.Scan)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if tag != "" && !contains(file.Tags, tag) {
			continue
		}
		files = append(files, file)
	}
	return files, Error.Wrap(rows.Err())
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// Totals returns the current file count and byte total of a project. Quota
// checks derive from this on demand; the counters are never cached.
func (db *filesDB) Totals(ctx context.Context, projectID string) (count int64, bytes int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.parent.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM files WHERE project_id = ?`,
		projectID).Scan(&count, &bytes)
	return count, bytes, Error.Wrap(err)
}

// Delete removes a file row.
func (db *filesDB) Delete(ctx context.Context, projectID, id string) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	res, err := db.parent.db.ExecContext(ctx,
		`DELETE FROM files WHERE project_id = ? AND id = ?`, projectID, id)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return faults.NotFound.New("file %q", id)
	}
	return nil
}

// CreateStaged records a prepared upload.
func (db *filesDB) CreateStaged(ctx context.Context, staged StagedUpload) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	_, err = db.parent.db.ExecContext(ctx,
		`INSERT INTO staged_uploads (upload_key, project_id, name, staging_path, staged_until)
		 VALUES (?, ?, ?, ?, ?)`,
		staged.UploadKey, staged.ProjectID, staged.Name, staged.StagingPath, staged.StagedUntil.UTC())
	if isConstraint(err) {
		return faults.Conflict.New("upload %q already prepared", staged.UploadKey)
	}
	return Error.Wrap(err)
}

// GetStaged returns a prepared upload.
func (db *filesDB) GetStaged(ctx context.Context, projectID, uploadKey string) (_ StagedUpload, err error) {
	defer mon.Task()(&ctx)(&err)

	staged := StagedUpload{UploadKey: uploadKey, ProjectID: projectID}
	err = db.parent.db.QueryRowContext(ctx,
		`SELECT name, staging_path, staged_until FROM staged_uploads
		 WHERE project_id = ? AND upload_key = ?`, projectID, uploadKey).
		Scan(&staged.Name, &staged.StagingPath, &staged.StagedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return StagedUpload{}, faults.NotFound.New("upload %q", uploadKey)
	}
	return staged, Error.Wrap(err)
}

// DeleteStaged removes a prepared upload row.
func (db *filesDB) DeleteStaged(ctx context.Context, uploadKey string) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	_, err = db.parent.db.ExecContext(ctx,
		`DELETE FROM staged_uploads WHERE upload_key = ?`, uploadKey)
	return Error.Wrap(err)
}

// ListExpiredStaged returns prepared uploads past their staged_until.
func (db *filesDB) ListExpiredStaged(ctx context.Context, now time.Time) (_ []StagedUpload, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.parent.db.QueryContext(ctx,
		`SELECT upload_key, project_id, name, staging_path, staged_until
		 FROM staged_uploads WHERE staged_until <= ?`, now.UTC())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var staged []StagedUpload
	for rows.Next() {
		var s StagedUpload
		if err := rows.Scan(&s.UploadKey, &s.ProjectID, &s.Name, &s.StagingPath, &s.StagedUntil); err != nil {
			return nil, Error.Wrap(err)
		}
		staged = append(staged, s)
	}
	return staged, Error.Wrap(rows.Err())
}
