// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Package branch translates (project, branch, bucket, table) into a concrete
// storage location using live-view and copy-on-write rules. Every
// table-scoped operation goes through the resolver.
package branch

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/layout"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

var (
	mon = monkit.Package()

	// Error is the default resolver error class.
	Error = errs.Class("branch")
)

// Intent describes what the caller is about to do with the table file.
type Intent string

// Resolver intents.
const (
	IntentRead   Intent = "read"
	IntentWrite  Intent = "write"
	IntentCreate Intent = "create"
	IntentDrop   Intent = "drop"
)

// Location is a resolved storage location.
type Location struct {
	Path string
	// Source is "main" for live view, "branch" for CoW'd tables and
	// "branch_only" for tables that never existed on main.
	Source string
	// ReadOnly marks locations the caller must not write: live views and
	// linked buckets.
	ReadOnly bool
	// LinkedFrom names the source project when the bucket is a link.
	LinkedFrom string
}

// Resolver resolves table locations. Callers performing writes must hold the
// table lock before resolving with a write, create, or drop intent: the
// copy-on-write step depends on it.
type Resolver struct {
	log   *zap.Logger
	db    *registry.DB
	paths *layout.Layout
}

// NewResolver creates a resolver.
func NewResolver(log *zap.Logger, db *registry.DB, paths *layout.Layout) *Resolver {
	return &Resolver{log: log, db: db, paths: paths}
}

func (r *Resolver) mainPath(project string, ref registry.TableRef) string {
	return r.paths.TablePath(project, layout.DefaultBranch, ref.Bucket.Stage, ref.Bucket.Name, ref.Name)
}

func (r *Resolver) branchPath(project, branchID string, ref registry.TableRef) string {
	return r.paths.TablePath(project, branchID, ref.Bucket.Stage, ref.Bucket.Name, ref.Name)
}

// Resolve maps the logical table to a concrete file path for the given
// intent.
func (r *Resolver) Resolve(ctx context.Context, project, branchID string, ref registry.TableRef, intent Intent) (_ Location, err error) {
	defer mon.Task()(&ctx)(&err)

	if branchID == "" {
		branchID = layout.DefaultBranch
	}

	if branchID == layout.DefaultBranch {
		return r.resolveMain(ctx, project, ref, intent)
	}

	if _, err := r.db.Branches().Get(ctx, project, branchID); err != nil {
		return Location{}, err
	}

	bt, err := r.db.Branches().GetTable(ctx, project, branchID, ref)
	switch {
	case err == nil:
		if intent == IntentCreate {
			return Location{}, faults.Conflict.New("table %q already exists on branch %q", ref.Name, branchID)
		}
		return Location{Path: r.branchPath(project, branchID, ref), Source: bt.Source}, nil

	case faults.NotFound.Has(err):
		// The branch has not diverged for this table.
	default:
		return Location{}, err
	}

	mainExists := fileExists(r.mainPath(project, ref))
	switch intent {
	case IntentRead:
		if !mainExists {
			return Location{}, faults.NotFound.New("table %q", ref.Name)
		}
		// Live view: reads come from main, read-only.
		return Location{Path: r.mainPath(project, ref), Source: registry.SourceMain, ReadOnly: true}, nil

	case IntentCreate:
		if mainExists {
			return Location{}, faults.Conflict.New("table %q exists on main; branch sees it as a live view", ref.Name)
		}
		return Location{Path: r.branchPath(project, branchID, ref), Source: registry.SourceBranchOnly}, nil

	case IntentWrite, IntentDrop:
		if !mainExists {
			return Location{}, faults.NotFound.New("table %q", ref.Name)
		}
		path, err := r.copyOnWrite(ctx, project, branchID, ref)
		if err != nil {
			return Location{}, err
		}
		return Location{Path: path, Source: registry.SourceBranch}, nil

	default:
		return Location{}, faults.InvalidArgument.New("unknown intent %q", intent)
	}
}

func (r *Resolver) resolveMain(ctx context.Context, project string, ref registry.TableRef, intent Intent) (Location, error) {
	_, err := r.db.Buckets().Get(ctx, project, ref.Bucket)
	switch {
	case err == nil:
		return Location{Path: r.mainPath(project, ref), Source: registry.SourceMain}, nil

	case faults.NotFound.Has(err):
		link, linkErr := r.db.Shares().GetLink(ctx, project, ref.Bucket)
		if linkErr != nil {
			return Location{}, err // original bucket-not-found
		}
		if intent != IntentRead {
			return Location{}, faults.PermissionDenied.New("bucket %q is linked read-only", ref.Bucket.Display())
		}
		return Location{
			Path:       r.mainPath(link.SrcProject, ref),
			Source:     registry.SourceMain,
			ReadOnly:   true,
			LinkedFrom: link.SrcProject,
		}, nil

	default:
		return Location{}, err
	}
}

// RecordBranchTable records a branch divergence row. The table engine calls
// this after successfully creating a branch-only table file.
func (r *Resolver) RecordBranchTable(ctx context.Context, project, branchID string, ref registry.TableRef, source string) error {
	return r.db.Branches().UpsertTable(ctx, registry.BranchTable{
		ProjectID: project,
		BranchID:  branchID,
		Table:     ref,
		Source:    source,
		CreatedAt: time.Now(),
	})
}

// copyOnWrite materialises a branch-local copy of the main file: stage, fsync,
// rename, then insert the branch row. A failure removes the partial copy and
// leaves the registry untouched.
func (r *Resolver) copyOnWrite(ctx context.Context, project, branchID string, ref registry.TableRef) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	src := r.mainPath(project, ref)
	dst := r.branchPath(project, branchID, ref)
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return "", faults.IOFailure.Wrap(err)
	}

	staged := dst + ".cow"
	if err := copyFile(src, staged); err != nil {
		_ = os.Remove(staged)
		return "", faults.IOFailure.Wrap(err)
	}
	if err := os.Rename(staged, dst); err != nil {
		_ = os.Remove(staged)
		return "", faults.IOFailure.Wrap(err)
	}

	err = r.db.Branches().UpsertTable(ctx, registry.BranchTable{
		ProjectID: project,
		BranchID:  branchID,
		Table:     ref,
		Source:    registry.SourceBranch,
		CreatedAt: time.Now(),
	})
	if err != nil {
		_ = os.Remove(dst)
		return "", err
	}

	r.log.Debug("copy-on-write",
		zap.String("project", project),
		zap.String("branch", branchID),
		zap.String("table", ref.Name))
	return dst, nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, in.Close()) }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		return errs.Combine(err, out.Close())
	}
	if err := out.Sync(); err != nil {
		return errs.Combine(err, out.Close())
	}
	return out.Close()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
