// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Package layout maps logical identifiers to filesystem paths and owns the
// data directory invariant. No other package composes paths under the data
// root.
package layout

import (
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default layout error class.
var Error = errs.Class("layout")

// DefaultBranch is the sentinel branch id naming a project's main line. It is
// never stored as a branch row.
const DefaultBranch = "default"

var nameRx = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidName reports whether an identifier is safe to embed in a path.
func ValidName(name string) bool {
	return name != "" && len(name) <= 128 && nameRx.MatchString(name)
}

// Layout resolves paths under a single data root.
type Layout struct {
	root string
}

// New creates the layout rooted at dataDir, creating the directory skeleton.
func New(dataDir string) (*Layout, error) {
	if dataDir == "" {
		return nil, Error.New("data directory not configured")
	}
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	l := &Layout{root: abs}
	for _, dir := range []string{abs, l.StagingDir(), l.SnapshotsDir(), l.FilesRoot(), l.WorkspacesDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return l, nil
}

// Root returns the data root directory.
func (l *Layout) Root() string { return l.root }

// RegistryPath returns the path of the metadata registry file.
func (l *Layout) RegistryPath() string {
	return filepath.Join(l.root, "metadata.db")
}

// BranchDir returns the directory holding a branch's buckets. The default
// branch lives directly in the project directory.
func (l *Layout) BranchDir(project, branch string) string {
	if branch == DefaultBranch || branch == "" {
		return filepath.Join(l.root, "project_"+project)
	}
	return filepath.Join(l.root, "project_"+project+"_branch_"+branch)
}

// BucketDirName returns the conventional directory (and schema) name of a
// bucket: {stage}_c_{name}.
func BucketDirName(stage, name string) string {
	return stage + "_c_" + name
}

/// BucketDisplayName returns the user-facing bucket name: {stage}.c-{name}.
func BucketDisplayName(stage, name string) string {
	return stage + ".c-" + name
}

// BucketDir returns a bucket's directory within a branch.
func (l *Layout) BucketDir(project, branch, stage, bucket string) string {
	return filepath.Join(l.BranchDir(project, branch), BucketDirName(stage, bucket))
}

// TablePath returns the engine file backing a table.
func (l *Layout) TablePath(project, branch, stage, bucket, table string) string {
	return filepath.Join(l.BucketDir(project, branch, stage, bucket), table+".db")
}

// StagingDir returns the import staging directory. It is always under the data
// root so staged files and table files share a filesystem and renames stay
// atomic.
func (l *Layout) StagingDir() string {
	return filepath.Join(l.root, "_staging")
}

// StagingFile returns a staging file path for the given id.
func (l *Layout) StagingFile(id string) string {
	return filepath.Join(l.StagingDir(), id+".db")
}

// SnapshotsDir returns the root of all snapshot artifacts.
func (l *Layout) SnapshotsDir() string {
	return filepath.Join(l.root, "snapshots")
}

// SnapshotDir returns the artifact directory of one snapshot.
func (l *Layout) SnapshotDir(project, table string, createdAt time.Time) string {
	stamp := createdAt.UTC().Format("20060102T150405")
	return filepath.Join(l.SnapshotsDir(), "project_"+project, "snap_"+table+"_"+stamp)
}

// FilesRoot returns the root of all project file stores.
func (l *Layout) FilesRoot() string {
	return filepath.Join(l.root, "files")
}

// FilesDir returns a project's file store directory.
func (l *Layout) FilesDir(project string) string {
	return filepath.Join(l.FilesRoot(), "project_"+project)
}

// FileStagingPath returns the staging location of a prepared upload.
func (l *Layout) FileStagingPath(project, uploadKey string) string {
	return filepath.Join(l.FilesDir(project), "staging", uploadKey)
}

// WorkspacesDir returns the directory holding workspace engine files.
func (l *Layout) WorkspacesDir() string {
	return filepath.Join(l.root, "workspaces")
}

// WorkspacePath returns the engine file backing one workspace.
func (l *Layout) WorkspacePath(id string) string {
	return filepath.Join(l.WorkspacesDir(), "workspace_"+id+".db")
}

// FilePath returns the permanent location of a registered file.
func (l *Layout) FilePath(project string, registeredAt time.Time, fileID, name string) string {
	t := registeredAt.UTC()
	return filepath.Join(l.FilesDir(project),
		t.Format("2006"), t.Format("01"), t.Format("02"),
		fileID+"."+name)
}
