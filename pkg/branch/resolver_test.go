// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package branch_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tablehouse/tablehouse/internal/testcontext"
	"github.com/tablehouse/tablehouse/pkg/branch"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/layout"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

type testEnv struct {
	db       *registry.DB
	paths    *layout.Layout
	resolver *branch.Resolver
}

func newTestEnv(t *testing.T, ctx *testcontext.Context) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t)

	paths, err := layout.New(ctx.Dir("data"))
	require.NoError(t, err)
	db, err := registry.Open(ctx, log, paths.RegistryPath())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	require.NoError(t, db.Projects().Create(ctx, registry.Project{ID: "p1", Name: "p", CreatedAt: time.Now()}))
	require.NoError(t, db.Buckets().Create(ctx, registry.Bucket{
		ProjectID: "p1",
		Ref:       registry.BucketRef{Stage: "in", Name: "main"},
		CreatedAt: time.Now(),
	}))
	return &testEnv{db: db, paths: paths, resolver: branch.NewResolver(log, db, paths)}
}

func tableRef(name string) registry.TableRef {
	return registry.TableRef{Bucket: registry.BucketRef{Stage: "in", Name: "main"}, Name: name}
}

// writeMainFile plants a fake engine file where the main table would live.
func writeMainFile(t *testing.T, env *testEnv, ref registry.TableRef, content string) string {
	t.Helper()
	path := env.paths.TablePath("p1", layout.DefaultBranch, ref.Bucket.Stage, ref.Bucket.Name, ref.Name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestResolveMain(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	ref := tableRef("orders")
	loc, err := env.resolver.Resolve(ctx, "p1", "", ref, branch.IntentRead)
	require.NoError(t, err)
	require.Equal(t, registry.SourceMain, loc.Source)
	require.False(t, loc.ReadOnly)
	require.Equal(t,
		env.paths.TablePath("p1", layout.DefaultBranch, "in", "main", "orders"),
		loc.Path)

	// An unknown bucket is not found.
	badRef := registry.TableRef{Bucket: registry.BucketRef{Stage: "out", Name: "nope"}, Name: "x"}
	_, err = env.resolver.Resolve(ctx, "p1", "", badRef, branch.IntentRead)
	require.True(t, faults.NotFound.Has(err))
}

func TestResolveLinkedBucket(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	bucket := registry.BucketRef{Stage: "out", Name: "shared"}
	require.NoError(t, env.db.Projects().Create(ctx, registry.Project{ID: "p2", Name: "target", CreatedAt: time.Now()}))
	require.NoError(t, env.db.Shares().CreateLink(ctx, registry.Link{
		TargetProject: "p2", Bucket: bucket, SrcProject: "p1", CreatedAt: time.Now(),
	}))

	ref := registry.TableRef{Bucket: bucket, Name: "results"}
	loc, err := env.resolver.Resolve(ctx, "p2", "", ref, branch.IntentRead)
	require.NoError(t, err)
	require.True(t, loc.ReadOnly)
	require.Equal(t, "p1", loc.LinkedFrom)
	// Reads pass through to the source project's file.
	require.Equal(t,
		env.paths.TablePath("p1", layout.DefaultBranch, "out", "shared", "results"),
		loc.Path)

	// Writes into a linked bucket are denied.
	_, err = env.resolver.Resolve(ctx, "p2", "", ref, branch.IntentWrite)
	require.True(t, faults.PermissionDenied.Has(err))
}

func TestResolveBranchLiveView(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	require.NoError(t, env.db.Branches().Create(ctx, registry.Branch{
		ProjectID: "p1", ID: "dev", Name: "dev", CreatedAt: time.Now(),
	}))
	ref := tableRef("orders")
	mainPath := writeMainFile(t, env, ref, "main-bytes")

	// Before divergence reads come from main, read-only.
	loc, err := env.resolver.Resolve(ctx, "p1", "dev", ref, branch.IntentRead)
	require.NoError(t, err)
	require.Equal(t, mainPath, loc.Path)
	require.True(t, loc.ReadOnly)
	require.Equal(t, registry.SourceMain, loc.Source)

	// An unknown branch fails.
	_, err = env.resolver.Resolve(ctx, "p1", "nope", ref, branch.IntentRead)
	require.True(t, faults.NotFound.Has(err))

	// A read of a table absent on main fails.
	_, err = env.resolver.Resolve(ctx, "p1", "dev", tableRef("missing"), branch.IntentRead)
	require.True(t, faults.NotFound.Has(err))
}

func TestResolveCopyOnWrite(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	require.NoError(t, env.db.Branches().Create(ctx, registry.Branch{
		ProjectID: "p1", ID: "dev", Name: "dev", CreatedAt: time.Now(),
	}))
	ref := tableRef("orders")
	writeMainFile(t, env, ref, "main-bytes")

	loc, err := env.resolver.Resolve(ctx, "p1", "dev", ref, branch.IntentWrite)
	require.NoError(t, err)
	require.Equal(t, registry.SourceBranch, loc.Source)
	require.Equal(t,
		env.paths.TablePath("p1", "dev", "in", "main", "orders"),
		loc.Path)

	// The branch copy holds main's bytes and the divergence is recorded.
	copied, err := os.ReadFile(loc.Path)
	require.NoError(t, err)
	require.Equal(t, "main-bytes", string(copied))
	bt, err := env.db.Branches().GetTable(ctx, "p1", "dev", ref)
	require.NoError(t, err)
	require.Equal(t, registry.SourceBranch, bt.Source)

	// Later writes resolve straight to the branch copy without recopying.
	require.NoError(t, os.WriteFile(loc.Path, []byte("branch-bytes"), 0600))
	loc, err = env.resolver.Resolve(ctx, "p1", "dev", ref, branch.IntentWrite)
	require.NoError(t, err)
	current, err := os.ReadFile(loc.Path)
	require.NoError(t, err)
	require.Equal(t, "branch-bytes", string(current))

	// Reads on the branch now see the branch copy too.
	loc, err = env.resolver.Resolve(ctx, "p1", "dev", ref, branch.IntentRead)
	require.NoError(t, err)
	require.Equal(t, env.paths.TablePath("p1", "dev", "in", "main", "orders"), loc.Path)
}

func TestResolveBranchOnlyCreate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	require.NoError(t, env.db.Branches().Create(ctx, registry.Branch{
		ProjectID: "p1", ID: "dev", Name: "dev", CreatedAt: time.Now(),
	}))
	ref := tableRef("scratch")

	loc, err := env.resolver.Resolve(ctx, "p1", "dev", ref, branch.IntentCreate)
	require.NoError(t, err)
	require.Equal(t, registry.SourceBranchOnly, loc.Source)

	require.NoError(t, env.resolver.RecordBranchTable(ctx, "p1", "dev", ref, registry.SourceBranchOnly))

	// A second create now conflicts.
	_, err = env.resolver.Resolve(ctx, "p1", "dev", ref, branch.IntentCreate)
	require.True(t, faults.Conflict.Has(err))

	// Creating a table that exists on main conflicts with the live view.
	existing := tableRef("orders")
	writeMainFile(t, env, existing, "main-bytes")
	_, err = env.resolver.Resolve(ctx, "p1", "dev", existing, branch.IntentCreate)
	require.True(t, faults.Conflict.Has(err))
}
